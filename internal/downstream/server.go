// Package downstream 下游 websocket 接入：登录鉴权、按客户端投递、
// 把进站帧包成信封交给中继核心。
package downstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TNumFive/terminal/internal/relay"
)

// Core 中继核心入口。HandlePacket 返回解码错误时这里只记日志，
// 连接照常活着。
type Core interface {
	HandlePacket(b []byte) error
	RemoveClient(client relay.ClientID)
}

// Recorder 落盘回放用的记录器，由上层注入。记录失败不影响转发。
type Recorder interface {
	Record(ctx context.Context, p relay.Packet) error
}

// uid 规则和原始服务一致：字母数字加下划线
var uidPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type Server struct {
	Upgrader websocket.Upgrader

	AuthTimeout time.Duration
	SendBuf     int
	PongWait    time.Duration
	PingPeriod  time.Duration
	WriteWait   time.Duration
	ReadLimit   int64

	ctx  context.Context
	core Core
	rec  Recorder
	log  *zap.Logger

	mu      sync.RWMutex
	clients map[relay.ClientID]*Conn
}

func NewServer(ctx context.Context, core Core, rec Recorder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		AuthTimeout: 1 * time.Second,
		SendBuf:     1024,
		PongWait:    60 * time.Second,
		PingPeriod:  30 * time.Second,
		WriteWait:   5 * time.Second,
		ReadLimit:   1 << 16,
		ctx:         ctx,
		core:        core,
		rec:         rec,
		log:         log,
		clients:     make(map[relay.ClientID]*Conn, 256),
	}
}

var _ relay.DownstreamGateway = (*Server)(nil)

// Send 只发给这一个客户端。客户端不在（刚断开）就丢，
// 断开后的投递竞争按丢弃处理。
func (s *Server) Send(client relay.ClientID, payload []byte) {
	s.mu.RLock()
	c := s.clients[client]
	s.mu.RUnlock()
	if c == nil {
		metricDroppedTotal.WithLabelValues("unknown_client").Inc()
		return
	}
	c.Offer(payload)
}

// Clients 在线客户端数，ops 状态接口用。
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.serve(ws)
}

type authPacket struct {
	UID string `json:"uid"`
}

// authenticate 等第一条消息做登录。uid 合法且没被占用才放行，
// 应答沿用原协议的 [ok, detail] 形状。
func (s *Server) authenticate(ws *websocket.Conn) (relay.ClientID, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(s.AuthTimeout))
	_, b, err := ws.ReadMessage()
	if err != nil {
		metricAuthFailTotal.WithLabelValues("timeout").Inc()
		return "", false
	}
	if len(b) > 1024 {
		b = b[:1024]
	}
	var ap authPacket
	if err := json.Unmarshal(b, &ap); err != nil || !uidPattern.MatchString(ap.UID) {
		metricAuthFailTotal.WithLabelValues("bad_uid").Inc()
		s.reject(ws, "invalid uid")
		return "", false
	}
	uid := relay.ClientID(ap.UID)

	s.mu.Lock()
	if _, taken := s.clients[uid]; taken {
		s.mu.Unlock()
		metricAuthFailTotal.WithLabelValues("duplicate").Inc()
		s.reject(ws, "uid already connected")
		return "", false
	}
	c := newConn(uid, ws, s.SendBuf)
	s.clients[uid] = c
	s.mu.Unlock()

	reply, _ := json.Marshal([]any{true, ap.UID})
	_ = ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
		s.unregister(c)
		return "", false
	}
	return uid, true
}

func (s *Server) reject(ws *websocket.Conn, reason string) {
	reply, _ := json.Marshal([]any{false, reason})
	_ = ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	_ = ws.WriteMessage(websocket.TextMessage, reply)
}

func (s *Server) unregister(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.clients[c.uid]; ok && cur == c {
		delete(s.clients, c.uid)
		return true
	}
	return false
}

func (s *Server) serve(ws *websocket.Conn) {
	uid, ok := s.authenticate(ws)
	if !ok {
		_ = ws.Close()
		return
	}
	s.mu.RLock()
	c := s.clients[uid]
	s.mu.RUnlock()

	metricConns.Inc()
	metricConnOpenTotal.Inc()
	s.log.Info("client logged in",
		zap.String("uid", string(uid)), zap.String("sid", c.sid))
	s.record(relay.NewPacket(uid, "login", ""))

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		// 先出注册表再做退订簿记：从这之后 Send 查不到这个客户端，
		// 不会有迟到的 fan-out 送给已离场的连接。
		if s.unregister(c) {
			c.closed.Store(true)
			s.core.RemoveClient(c.uid)
			s.record(relay.NewPacket(c.uid, "logout", ""))
			metricConns.Dec()
			s.log.Info("client logged out", zap.String("uid", string(c.uid)))
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
		return nil
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Warn("read timeout", zap.String("uid", string(c.uid)))
			}
			return
		}
		metricMsgsInTotal.Inc()

		p := relay.NewPacket(c.uid, "message", string(b))
		s.record(p)
		if err := s.core.HandlePacket(relay.EncodePacket(p)); err != nil {
			// 坏包只丢这一条，不断连接
			s.log.Warn("drop malformed packet",
				zap.String("uid", string(c.uid)), zap.Error(err))
		}
	}
}

func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(s.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			metricMsgsOutTotal.Inc()
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"),
				time.Now().Add(s.WriteWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) record(p relay.Packet) {
	if s.rec == nil {
		return
	}
	if err := s.rec.Record(s.ctx, p); err != nil {
		s.log.Warn("record failed", zap.Error(err))
	}
}
