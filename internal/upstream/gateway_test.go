package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer 扮演上游：接受连接后先推一帧行情，然后回收客户端发来的请求
type feedServer struct {
	*httptest.Server
	queries  chan string
	requests chan wireRequest
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		queries:  make(chan string, 4),
		requests: make(chan wireRequest, 16),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fs.queries <- r.URL.RawQuery

		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"stream":"btcusdt@kline_1m","data":{"k":"v"}}`))

		for {
			_, b, err := c.Read(ctx)
			if err != nil {
				return
			}
			var req wireRequest
			if json.Unmarshal(b, &req) == nil {
				fs.requests <- req
			}
		}
	}))
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestGateway_ConnectSubscribeAndFrames(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.Close()

	frames := make(chan []byte, 16)
	readyCh := make(chan bool, 8)

	gw := NewGateway(Config{
		URL:           fs.wsURL(),
		DefaultStream: "btcusdt@kline_1m",
	}, func(b []byte) { frames <- b }, func(ready bool) { readyCh <- ready }, nil)

	// 还没连上就退订：请求进 buffer，连上后补发
	gw.Unsubscribe("stale@trade")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(ctx)
	}()

	// default 流挂在 URL 上
	assert.Equal(t, "streams=btcusdt@kline_1m", recv(t, fs.queries, "dial"))
	assert.True(t, recv(t, readyCh, "ready"))

	// 积压的请求先于 ready 补发
	req := recv(t, fs.requests, "buffered request")
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
	assert.Equal(t, []string{"stale@trade"}, req.Params)
	assert.NotZero(t, req.ID)

	// 行情帧原样回调
	frame := recv(t, frames, "feed frame")
	assert.JSONEq(t, `{"stream":"btcusdt@kline_1m","data":{"k":"v"}}`, string(frame))

	// 在线订阅直接写出去
	gw.Subscribe("ethusdt@trade")
	req = recv(t, fs.requests, "live subscribe")
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"ethusdt@trade"}, req.Params)

	cancel()
	<-done
	// 退出前宣告 not ready
	assert.False(t, recv(t, readyCh, "not ready"))
}

func TestGateway_RequestWire(t *testing.T) {
	b, err := json.Marshal(wireRequest{Method: "SUBSCRIBE", Params: []string{"x@y"}, ID: 1700000000000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["x@y"],"id":1700000000000}`, string(b))
}
