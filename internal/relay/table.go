package relay

import (
	"sort"
	"sync"
)

// Transition 标记一次订阅变更有没有跨过 空集<->非空集 的边界，
// 上游要不要发 SUBSCRIBE/UNSUBSCRIBE 全看这个信号。
type Transition int

const (
	NoChange Transition = iota
	BecameActive
	BecameEmpty
)

func (t Transition) String() string {
	switch t {
	case BecameActive:
		return "became_active"
	case BecameEmpty:
		return "became_empty"
	default:
		return "no_change"
	}
}

type StreamTransition struct {
	Stream     StreamID
	Transition Transition
}

// Table stream -> 订阅者有序集合，整个中继里唯一的共享可变状态。
// 变更和边界判断在同一把锁里完成，不然两个并发 unsubscribe
// 都看到“还剩 1 个”就会向上游重复发退订。
type Table struct {
	mu            sync.Mutex
	defaultStream StreamID
	subs          map[StreamID][]ClientID
}

// NewTable 预置 defaultStream（空集合），这条流的上游订阅永远不拆。
func NewTable(defaultStream StreamID) *Table {
	t := &Table{
		defaultStream: defaultStream,
		subs:          make(map[StreamID][]ClientID, 64),
	}
	if defaultStream != "" {
		t.subs[defaultStream] = nil
	}
	return t
}

func (t *Table) DefaultStream() StreamID { return t.defaultStream }

// Subscribe 把 client 加进 stream 的集合；集合原先为空返回 BecameActive。
// 重复订阅是 no-op。
func (t *Table) Subscribe(stream StreamID, client ClientID) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, exists := t.subs[stream]
	for _, c := range set {
		if c == client {
			return NoChange
		}
	}
	t.subs[stream] = append(set, client)
	if !exists || len(set) == 0 {
		// 之前没人订阅（或者只是预置的 default 空集合），要开上游订阅。
		// default 流本身挂在连接 URL 上，Controller 会跳过它。
		if exists && stream == t.defaultStream {
			return NoChange
		}
		return BecameActive
	}
	return NoChange
}

// Unsubscribe 把 client 移出集合；移完集合为空且不是 default 流，
// 返回 BecameEmpty 并删掉这个键。没订阅过就是 no-op。
func (t *Table) Unsubscribe(stream StreamID, client ClientID) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubscribeLocked(stream, client)
}

func (t *Table) unsubscribeLocked(stream StreamID, client ClientID) Transition {
	set, exists := t.subs[stream]
	if !exists {
		return NoChange
	}
	idx := -1
	for i, c := range set {
		if c == client {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NoChange
	}
	// 保序删除
	set = append(set[:idx], set[idx+1:]...)
	t.subs[stream] = set
	if len(set) > 0 {
		return NoChange
	}
	if stream == t.defaultStream {
		// default 流保留空键，表示基线订阅还开着
		return NoChange
	}
	delete(t.subs, stream)
	return BecameEmpty
}

// Interested 返回 stream 当前订阅者，按订阅先后排序；未知流返回 nil。
func (t *Table) Interested(stream StreamID) []ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.subs[stream]
	if len(set) == 0 {
		return nil
	}
	out := make([]ClientID, len(set))
	copy(out, set)
	return out
}

// RemoveEverywhere 客户端断开时调用：逐条流复用单流退订逻辑，
// 返回每条流产生的 Transition，调用方对 BecameEmpty 的处理和显式退订一致。
func (t *Table) RemoveEverywhere(client ClientID) []StreamTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var streams []StreamID
	for s, set := range t.subs {
		for _, c := range set {
			if c == client {
				streams = append(streams, s)
				break
			}
		}
	}
	// map 遍历无序，排一下让结果可复现
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	out := make([]StreamTransition, 0, len(streams))
	for _, s := range streams {
		out = append(out, StreamTransition{Stream: s, Transition: t.unsubscribeLocked(s, client)})
	}
	return out
}

// Streams 返回当前表里的全部流（含 default），重连后重订阅用。
func (t *Table) Streams() []StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StreamID, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot 给 ops 接口用的只读快照。
func (t *Table) Snapshot() map[StreamID][]ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[StreamID][]ClientID, len(t.subs))
	for s, set := range t.subs {
		cp := make([]ClientID, len(set))
		copy(cp, set)
		out[s] = cp
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
