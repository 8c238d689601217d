package recorder

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"

	"github.com/TNumFive/terminal/internal/relay"
)

// Nats 把信封发到 <subject>.<action>，别的进程想旁听就订阅通配。
type Nats struct {
	nc      *nats.Conn
	subject string
}

func NewNats(cfg Config) (*Nats, error) {
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, err
	}
	subject := cfg.NatsSubject
	if subject == "" {
		subject = "terminal.record"
	}
	return &Nats{nc: nc, subject: subject}, nil
}

func (n *Nats) Record(_ context.Context, p relay.Packet) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject+"."+p.Action, b)
}

func (n *Nats) Close() error {
	n.nc.Drain()
	n.nc.Close()
	return nil
}
