// Package recorder 把经手的信封记下来供回放。
// 记录是旁路：任何 sink 出错都只记日志，不影响中继。
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/TNumFive/terminal/internal/relay"
)

type Recorder interface {
	Record(ctx context.Context, p relay.Packet) error
	Close() error
}

type Config struct {
	Kind string `mapstructure:"kind"` // none | file | redis | nats

	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`

	RedisAddr   string `mapstructure:"redis_addr"`
	RedisStream string `mapstructure:"redis_stream"`
	RedisMaxLen int64  `mapstructure:"redis_max_len"`

	NatsURL     string `mapstructure:"nats_url"`
	NatsSubject string `mapstructure:"nats_subject"`
}

// New 按配置挑 sink。
func New(cfg Config) (Recorder, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "file":
		return NewFile(cfg.Dir, cfg.Interval)
	case "redis":
		return NewRedis(cfg)
	case "nats":
		return NewNats(cfg)
	default:
		return nil, fmt.Errorf("recorder: unknown kind %q", cfg.Kind)
	}
}

type Nop struct{}

func (Nop) Record(context.Context, relay.Packet) error { return nil }
func (Nop) Close() error                               { return nil }
