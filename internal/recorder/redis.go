package recorder

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/TNumFive/terminal/internal/relay"
)

// Redis 往一条封顶长度的 Redis Stream 里 XADD，回放端用 XRANGE 拉。
type Redis struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedis(cfg Config) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	stream := cfg.RedisStream
	if stream == "" {
		stream = "terminal:record"
	}
	maxLen := cfg.RedisMaxLen
	if maxLen <= 0 {
		maxLen = 1_000_000
	}
	return &Redis{rdb: rdb, stream: stream, maxLen: maxLen}, nil
}

func (r *Redis) Record(ctx context.Context, p relay.Packet) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"packet": string(b)},
	}).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
