// Package upstream 持有唯一一条上游行情连接。
// 订阅/退订被翻译成 Binance 风格的 {"method","params","id"} 请求，
// 发出去就算完成，不等上游应答。
package upstream

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/TNumFive/terminal/internal/relay"
)

type Config struct {
	URL           string // e.g. wss://stream.binance.com:9443
	DefaultStream string // 基线流，直接挂在连接 URL 上

	DialTimeout time.Duration
	ReadTimeout time.Duration // 0 表示不设
	WriteWait   time.Duration
	PingEvery   time.Duration // 0 表示不 ping
	StableReset time.Duration // 连接活过这个时长才重置 backoff
}

// Gateway 上游网关。Run 负责重连循环，OnFrame/OnReady 回调接 Controller。
type Gateway struct {
	cfg     Config
	onFrame func([]byte)
	onReady func(bool)
	log     *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	buffer [][]byte // 断线期间没写出去的请求，重连后补发
}

func NewGateway(cfg Config, onFrame func([]byte), onReady func(bool), log *zap.Logger) *Gateway {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 2 * time.Second
	}
	if cfg.StableReset == 0 {
		cfg.StableReset = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{cfg: cfg, onFrame: onFrame, onReady: onReady, log: log}
}

func requestID() int64 { return time.Now().UnixMilli() }

type wireRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

var _ relay.UpstreamGateway = (*Gateway)(nil)

func (g *Gateway) Subscribe(stream relay.StreamID) {
	g.request("SUBSCRIBE", stream)
}

func (g *Gateway) Unsubscribe(stream relay.StreamID) {
	g.request("UNSUBSCRIBE", stream)
}

func (g *Gateway) request(method string, stream relay.StreamID) {
	b, _ := json.Marshal(wireRequest{
		Method: method,
		Params: []string{string(stream)},
		ID:     requestID(),
	})
	g.send(b)
}

// send 连接还在就直接写，不在（或写失败）就进 buffer 等重连补发。
func (g *Gateway) send(b []byte) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		g.stash(b)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.WriteWait)
	err := conn.Write(ctx, websocket.MessageText, b)
	cancel()
	if err != nil {
		g.log.Warn("upstream write failed, buffering", zap.Error(err))
		g.stash(b)
	}
}

func (g *Gateway) stash(b []byte) {
	g.mu.Lock()
	g.buffer = append(g.buffer, b)
	g.mu.Unlock()
}

// Run 带退避的重连循环，参数套路同行情源客户端：
// dial 超时、指数退避加 jitter、连接稳定一段时间才重置退避。
func (g *Gateway) Run(ctx context.Context) error {
	backoff := 200 * time.Millisecond
	maxBackoff := 10 * time.Second
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	url := g.cfg.URL + "/stream?streams=" + g.cfg.DefaultStream

	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
		conn, _, err := websocket.Dial(dctx, url, nil)
		cancel()
		if err != nil {
			sleep := jitter(rng, backoff)
			g.log.Warn("upstream dial failed", zap.Error(err), zap.Duration("retry_in", sleep))
			if !sleepCtx(ctx, sleep) {
				return ctx.Err()
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}
		conn.SetReadLimit(1 << 20)

		g.log.Info("upstream connected", zap.String("url", url))
		start := time.Now()

		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()

		// 先补发断线期间积压的请求，再宣布 ready。
		// ready 之后 Controller 会按表重订阅，上游请求是幂等的。
		g.flushBuffer()
		if g.onReady != nil {
			g.onReady(true)
		}

		err = g.serveConn(ctx, conn)

		if g.onReady != nil {
			g.onReady(false)
		}
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		_ = conn.CloseNow()

		if time.Since(start) >= g.cfg.StableReset {
			backoff = 200 * time.Millisecond
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.Warn("upstream connection closed",
				zap.Error(err), zap.Any("close_status", websocket.CloseStatus(err)))
		}
	}
	return ctx.Err()
}

func (g *Gateway) flushBuffer() {
	g.mu.Lock()
	buffered := g.buffer
	g.buffer = nil
	g.mu.Unlock()
	for _, b := range buffered {
		g.send(b)
	}
}

func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn) error {
	errCh := make(chan error, 1)

	go func() {
		for {
			rctx := ctx
			var cancel func()
			if g.cfg.ReadTimeout > 0 {
				rctx, cancel = context.WithTimeout(ctx, g.cfg.ReadTimeout)
			} else {
				cancel = func() {}
			}
			_, raw, err := conn.Read(rctx)
			cancel()
			if err != nil {
				errCh <- err
				return
			}
			if g.onFrame != nil {
				g.onFrame(raw)
			}
		}
	}()

	var pingT *time.Ticker
	if g.cfg.PingEvery > 0 {
		pingT = time.NewTicker(g.cfg.PingEvery)
		defer pingT.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-tickChan(pingT):
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func tickChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	f := 0.5 + rng.Float64() // 0.5x~1.5x
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
