package downstream

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TNumFive/terminal/internal/relay"
)

// Conn 一条已登录的下游连接。出站走带界 send 队列，
// 写不进去直接丢，慢客户端不许拖住别人。
type Conn struct {
	uid relay.ClientID
	sid string // 连接级 id，复用 uid 重连时日志还能区分

	ws     *websocket.Conn
	send   chan []byte
	closed atomic.Bool
}

func newConn(uid relay.ClientID, ws *websocket.Conn, sendBuf int) *Conn {
	return &Conn{
		uid:  uid,
		sid:  uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuf),
	}
}

// Offer 非阻塞投递。队列满或连接已关返回 false。
func (c *Conn) Offer(payload []byte) bool {
	if c.closed.Load() {
		metricDroppedTotal.WithLabelValues("closed").Inc()
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		metricDroppedTotal.WithLabelValues("queue_full").Inc()
		return false
	}
}
