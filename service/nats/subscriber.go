package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamSubscriber delivers purchase events from the PURCHASES stream.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for reading purchase events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("presale-subscriber"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamSubscriber{nc: nc, js: js, logger: logger}, nil
}

// SubscribeOptions selects which events a subscription sees.
type SubscribeOptions struct {
	// Buyer limits delivery to one buyer; empty means every buyer.
	Buyer string
	// Durable names a consumer that survives restarts; empty means ephemeral.
	Durable string
	// FromStart replays retained events instead of only new ones.
	FromStart bool
}

// Subscribe streams events until ctx ends. The returned channel is never
// closed; stop reading once ctx is done.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan *PurchaseEvent, error) {
	subject := StreamSubjects
	if opts.Buyer != "" {
		subject = SubjectPrefix + opts.Buyer
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	}
	if opts.FromStart {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if opts.Durable != "" {
		cfg.Durable = opts.Durable
		cfg.Name = opts.Durable
		cfg.InactiveThreshold = 0
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan *PurchaseEvent, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event PurchaseEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Warn("failed to unmarshal purchase event", "subject", msg.Subject(), "error", err)
			msg.Ack()
			return
		}
		select {
		case out <- &event:
			msg.Ack()
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	s.logger.Debug("subscribed to purchase events", "subject", subject, "durable", opts.Durable)
	return out, nil
}

// Close closes the connection to NATS.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
