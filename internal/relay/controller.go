package relay

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// UpstreamGateway 上游行情连接。调用是 fire-and-forget：
// Controller 不等也不校验上游的应答（at-least-once 意图）。
type UpstreamGateway interface {
	Subscribe(stream StreamID)
	Unsubscribe(stream StreamID)
}

// DownstreamGateway 下游按客户端投递。慢客户端的排队/丢弃是网关的事，
// Send 不允许阻塞 Controller。
type DownstreamGateway interface {
	Send(client ClientID, payload []byte)
}

// 下游请求的 method 取值
const (
	methodCheckAlive       = "check_alive"
	methodCheckInitialized = "check_initialized"
	methodSubscribe        = "subscribe"
	methodUnsubscribe      = "unsubscribe"
)

type feedEvent struct {
	stream StreamID
	raw    []byte // 原始帧，原样转发给订阅者
}

// Controller 中继的状态机。表的所有变更和由变更触发的上游调用
// 都在 Run 这一个 goroutine 里串行执行，入口全部走 channel。
type Controller struct {
	table *Table
	up    UpstreamGateway
	down  DownstreamGateway
	log   *zap.Logger

	packets chan Packet
	feed    chan feedEvent
	readyCh chan bool
	gone    chan ClientID

	ready   bool        // 只有 Run goroutine 读写
	readyRO atomic.Bool // 给 ops/check_initialized 之外的旁路读
}

func NewController(table *Table, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		table:   table,
		log:     log,
		packets: make(chan Packet, 1024),
		feed:    make(chan feedEvent, 8192),
		readyCh: make(chan bool, 4),
		gone:    make(chan ClientID, 64),
	}
}

// Bind 在 Run 之前接上两端网关。拆开是因为网关构造时也要拿 Controller
// 的回调，互相引用只能有一边后接。
func (c *Controller) Bind(up UpstreamGateway, down DownstreamGateway) {
	c.up = up
	c.down = down
}

func (c *Controller) Table() *Table { return c.table }

// Ready 旁路读，ops 状态接口用。
func (c *Controller) Ready() bool { return c.readyRO.Load() }

// HandlePacket 下游信封入口。解码失败原样返回错误给传输层记日志，
// 这条消息丢弃，连接不动。
func (c *Controller) HandlePacket(b []byte) error {
	p, err := DecodePacket(b)
	if err != nil {
		metricDropped.WithLabelValues("decode").Inc()
		return err
	}
	c.packets <- p
	return nil
}

// HandleFeed 上游帧入口。缺 stream 的推送按约定静默丢（返回 ErrNoStream
// 只是给传输层记数，不是故障）。
func (c *Controller) HandleFeed(b []byte) error {
	m, err := DecodeFeed(b)
	if err != nil {
		if errors.Is(err, ErrNoStream) {
			metricDropped.WithLabelValues("no_stream").Inc()
		} else {
			metricDropped.WithLabelValues("decode").Inc()
		}
		return err
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	c.feed <- feedEvent{stream: StreamID(m.Stream), raw: raw}
	return nil
}

// SetReady 上游连接建立/断开信号。
func (c *Controller) SetReady(ready bool) {
	c.readyCh <- ready
}

// RemoveClient 下游断开信号。退订簿记在 Run 里完成后，
// 这个客户端不会再收到任何 fan-out。
func (c *Controller) RemoveClient(client ClientID) {
	c.gone <- client
}

// Run 串行事件循环，ctx 取消后退出。
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-c.packets:
			c.react(p)
		case ev := <-c.feed:
			c.fanout(ev)
		case ready := <-c.readyCh:
			c.onReady(ready)
		case client := <-c.gone:
			c.onGone(client)
		}
	}
}

// react 按 method 分发。未知 method 不算错，直接忽略（向前兼容）。
func (c *Controller) react(p Packet) {
	req, err := DecodeRequest(p.Content)
	if err != nil {
		metricDropped.WithLabelValues("decode").Inc()
		c.log.Warn("drop packet with bad content",
			zap.String("source", p.Source), zap.Error(err))
		return
	}
	source := ClientID(p.Source)
	switch req.Method {
	case methodCheckAlive:
		c.reply(source, Response{ID: req.ID, Result: true})
	case methodCheckInitialized:
		c.reply(source, Response{ID: req.ID, Result: c.ready})
	case methodSubscribe:
		c.subscribe(StreamID(req.Params), source)
	case methodUnsubscribe:
		c.unsubscribe(StreamID(req.Params), source)
	default:
		metricDropped.WithLabelValues("unknown_method").Inc()
	}
}

func (c *Controller) reply(client ClientID, r Response) {
	metricReplies.Inc()
	c.down.Send(client, EncodeResponse(r))
}

func (c *Controller) subscribe(stream StreamID, client ClientID) {
	if stream == "" {
		metricDropped.WithLabelValues("decode").Inc()
		return
	}
	tr := c.table.Subscribe(stream, client)
	metricSubOps.WithLabelValues("subscribe", tr.String()).Inc()
	if tr != BecameActive {
		return
	}
	if !c.ready {
		// 表已经更新，上游调用等 ready 之后按表补发
		return
	}
	metricUpstreamCalls.WithLabelValues("subscribe").Inc()
	c.up.Subscribe(stream)
}

func (c *Controller) unsubscribe(stream StreamID, client ClientID) {
	if stream == "" {
		metricDropped.WithLabelValues("decode").Inc()
		return
	}
	tr := c.table.Unsubscribe(stream, client)
	metricSubOps.WithLabelValues("unsubscribe", tr.String()).Inc()
	c.tearDown(stream, tr)
}

// tearDown BecameEmpty 时向上游退订一次。断线期间不用发：
// 新连接本来就没有这些订阅，ready 时按表补发即可。
func (c *Controller) tearDown(stream StreamID, tr Transition) {
	if tr != BecameEmpty {
		return
	}
	if !c.ready {
		return
	}
	metricUpstreamCalls.WithLabelValues("unsubscribe").Inc()
	c.up.Unsubscribe(stream)
}

// fanout 按订阅先后把原始帧发给所有订阅者。未知流静默丢，
// 退订和在途推送之间的竞争会正常出现这种情况。
func (c *Controller) fanout(ev feedEvent) {
	clients := c.table.Interested(ev.stream)
	if len(clients) == 0 {
		metricDropped.WithLabelValues("unknown_stream").Inc()
		return
	}
	for _, client := range clients {
		c.down.Send(client, ev.raw)
		metricFanoutMsgs.Inc()
		metricFanoutBytes.Add(float64(len(ev.raw)))
	}
}

// onReady 上游连上时把表里所有活跃流重新订阅一遍（default 流挂在
// 连接 URL 上，跳过）。断线期间积累的订阅意图由此兑现，
// 没兑现就断开的退订意图在新连接上本来就不存在，自然消解。
func (c *Controller) onReady(ready bool) {
	c.ready = ready
	c.readyRO.Store(ready)
	if ready {
		metricUpstreamReady.Set(1)
		for _, s := range c.table.Streams() {
			if s == c.table.DefaultStream() {
				continue
			}
			metricUpstreamCalls.WithLabelValues("subscribe").Inc()
			c.up.Subscribe(s)
		}
	} else {
		metricUpstreamReady.Set(0)
	}
}

func (c *Controller) onGone(client ClientID) {
	for _, st := range c.table.RemoveEverywhere(client) {
		metricSubOps.WithLabelValues("unsubscribe", st.Transition.String()).Inc()
		c.tearDown(st.Stream, st.Transition)
	}
}
