package downstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TNumFive/terminal/internal/relay"
)

type fakeCore struct {
	packets chan relay.Packet
	removed chan relay.ClientID
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		packets: make(chan relay.Packet, 64),
		removed: make(chan relay.ClientID, 16),
	}
}

func (f *fakeCore) HandlePacket(b []byte) error {
	p, err := relay.DecodePacket(b)
	if err != nil {
		return err
	}
	f.packets <- p
	return nil
}

func (f *fakeCore) RemoveClient(client relay.ClientID) { f.removed <- client }

func newTestServer(t *testing.T) (*Server, *fakeCore, string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	core := newFakeCore()
	srv := NewServer(ctx, core, nil, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, core, wsURL, func() {
		cancel()
		ts.Close()
	}
}

func login(t *testing.T, wsURL, uid string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(map[string]string{"uid": uid}))

	var reply []any
	require.NoError(t, c.ReadJSON(&reply))
	require.Equal(t, true, reply[0], "login rejected: %v", reply)
	return c
}

func TestServer_LoginAndForward(t *testing.T) {
	_, core, wsURL, done := newTestServer(t)
	defer done()

	c := login(t, wsURL, "alice")
	defer c.Close()

	content := `{"method":"check_alive","id":1,"params":""}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(content)))

	// 进站帧被 decorate 成 4 字段信封再交给核心
	select {
	case p := <-core.packets:
		assert.Equal(t, "alice", p.Source)
		assert.Equal(t, "message", p.Action)
		assert.Equal(t, content, p.Content)
		assert.InDelta(t, float64(time.Now().UnixMilli()), p.Timestamp, 5000)
	case <-time.After(2 * time.Second):
		t.Fatal("core never got the packet")
	}
}

func TestServer_AuthRejects(t *testing.T) {
	_, _, wsURL, done := newTestServer(t)
	defer done()

	t.Run("bad_uid", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.WriteJSON(map[string]string{"uid": "not ok!"}))

		var reply []any
		require.NoError(t, c.ReadJSON(&reply))
		assert.Equal(t, false, reply[0])
	})

	t.Run("duplicate_uid", func(t *testing.T) {
		c1 := login(t, wsURL, "bob")
		defer c1.Close()

		c2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer c2.Close()
		require.NoError(t, c2.WriteJSON(map[string]string{"uid": "bob"}))

		var reply []any
		require.NoError(t, c2.ReadJSON(&reply))
		assert.Equal(t, false, reply[0])
	})

	t.Run("missing_uid", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"other":"x"}`)))

		var reply []any
		require.NoError(t, c.ReadJSON(&reply))
		assert.Equal(t, false, reply[0])
	})
}

func TestServer_SendTargetsOneClient(t *testing.T) {
	srv, _, wsURL, done := newTestServer(t)
	defer done()

	alice := login(t, wsURL, "alice")
	defer alice.Close()
	bob := login(t, wsURL, "bob")
	defer bob.Close()

	assert.Equal(t, 2, srv.Clients())

	payload := []byte(`{"stream":"X","data":{}}`)
	srv.Send("alice", payload)

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := alice.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// bob 不该收到：给他发一条别的，先读到的必须是那条
	srv.Send("bob", []byte(`zzz`))
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err = bob.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte(`zzz`), got)

	// 不在线的客户端直接丢，不报错
	srv.Send("ghost", payload)
}

func TestServer_DisconnectRemovesClient(t *testing.T) {
	srv, core, wsURL, done := newTestServer(t)
	defer done()

	c := login(t, wsURL, "alice")
	require.NoError(t, c.Close())

	select {
	case uid := <-core.removed:
		assert.Equal(t, relay.ClientID("alice"), uid)
	case <-time.After(2 * time.Second):
		t.Fatal("core never told about the disconnect")
	}
	// 出注册表在簿记之前完成，这之后 Send 是 no-op
	assert.Equal(t, 0, srv.Clients())

	// uid 释放了，可以重新登录
	c2 := login(t, wsURL, "alice")
	defer c2.Close()
}

func TestServer_MalformedContentKeepsConnection(t *testing.T) {
	_, core, wsURL, done := newTestServer(t)
	defer done()

	c := login(t, wsURL, "alice")
	defer c.Close()

	// 信封是网关包的，永远合法；content 是不是合法请求由核心判断。
	// 这里核心（fake）只会转发，连接必须还活着。
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	select {
	case p := <-core.packets:
		assert.Equal(t, "not json", p.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("packet lost")
	}

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"ok":1}`)))
	select {
	case <-core.packets:
	case <-time.After(2 * time.Second):
		t.Fatal("connection died after malformed content")
	}
}
