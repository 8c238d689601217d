package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

// ClientID 下游客户端的标识，StreamID 上游流的标识。
// 都是不透明字符串，包一层类型防止和普通 string 混用。
type ClientID string

type StreamID string

var (
	// ErrDecode 消息格式不合法：丢掉这条消息即可，连接不关。
	ErrDecode = errors.New("relay: malformed message")
	// ErrNoStream 行情消息缺 stream 字段：按约定静默丢弃。
	ErrNoStream = errors.New("relay: feed message without stream")
)

// Packet 下游信封，固定 4 个字段，多一个少一个都算坏包。
type Packet struct {
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
	Action    string  `json:"action"`
	Content   string  `json:"content"`
}

// Request content 里再套一层的请求体：{method, id, params}。
type Request struct {
	Method string `json:"method"`
	ID     int64  `json:"id"`
	Params string `json:"params"`
}

// Response 请求的应答：{id, result}。
type Response struct {
	ID     int64 `json:"id"`
	Result bool  `json:"result"`
}

// FeedMessage 上游推送：{stream, data}，data 原样透传不解析。
type FeedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// NewPacket 给原始内容补上 timestamp/source/action，对应服务端的 decorate。
func NewPacket(source ClientID, action string, content string) Packet {
	return Packet{
		Timestamp: float64(time.Now().UnixMilli()),
		Source:    string(source),
		Action:    action,
		Content:   content,
	}
}

// DecodePacket 严格校验 4 字段信封。
// struct 反序列化本身是宽松的（缺字段不报错），所以先按 map 数键再解。
func DecodePacket(b []byte) (Packet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) != 4 {
		return Packet{}, fmt.Errorf("%w: want 4 fields, got %d", ErrDecode, len(raw))
	}
	for _, k := range [...]string{"timestamp", "source", "action", "content"} {
		if _, ok := raw[k]; !ok {
			return Packet{}, fmt.Errorf("%w: missing %q", ErrDecode, k)
		}
	}
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if p.Source == "" {
		return Packet{}, fmt.Errorf("%w: empty source", ErrDecode)
	}
	return p, nil
}

func EncodePacket(p Packet) []byte {
	b, _ := json.Marshal(p)
	return b
}

// DecodeRequest 解 content 里的请求体，同样是严格 3 字段。
func DecodeRequest(content string) (Request, error) {
	b := []byte(content)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) != 3 {
		return Request{}, fmt.Errorf("%w: want 3 fields, got %d", ErrDecode, len(raw))
	}
	for _, k := range [...]string{"method", "id", "params"} {
		if _, ok := raw[k]; !ok {
			return Request{}, fmt.Errorf("%w: missing %q", ErrDecode, k)
		}
	}
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return r, nil
}

func EncodeRequest(r Request) []byte {
	b, _ := json.Marshal(r)
	return b
}

func EncodeResponse(r Response) []byte {
	b, _ := json.Marshal(r)
	return b
}

// DecodeFeed 解上游推送。缺 stream 返回 ErrNoStream，调用方按丢弃处理。
func DecodeFeed(b []byte) (FeedMessage, error) {
	var m FeedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return FeedMessage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.Stream == "" {
		return FeedMessage{}, ErrNoStream
	}
	return m, nil
}

func EncodeFeed(m FeedMessage) []byte {
	b, _ := json.Marshal(m)
	return b
}
