package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing purchase events to NATS.
type Publisher interface {
	// PublishPurchase publishes a single purchase event to JetStream.
	// The event is published to the subject "purchases.{buyer_address}".
	PublishPurchase(ctx context.Context, event *PurchaseEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes purchase events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for purchases.
	StreamName = "PURCHASES"

	// SubjectPrefix prefixes the buyer address in each event subject.
	SubjectPrefix = "purchases."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained (90 days by default).
	StreamRetention = 90 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. If m is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("presale-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	publisher, err := NewPublisherFromConn(nc, m, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)
	return publisher, nil
}

// NewPublisherFromConn wraps an existing connection. Close closes nc.
func NewPublisherFromConn(nc *nats.Conn, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}
	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Confirmed presale token purchases",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishPurchase publishes a single purchase event. The signature doubles as
// the message id so a retried publish is deduplicated by the server.
func (p *JetStreamPublisher) PublishPurchase(ctx context.Context, event *PurchaseEvent) error {
	start := time.Now()
	subject := event.Subject()

	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.record("error", start)
		return fmt.Errorf("failed to marshal purchase event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Signature))
	if err != nil {
		p.record("error", start)
		return fmt.Errorf("failed to publish purchase: %w", err)
	}
	p.record("success", start)

	p.logger.DebugContext(ctx, "published purchase event",
		"subject", subject,
		"signature", event.Signature,
		"tokens", event.TokenQuantity,
	)
	return nil
}

func (p *JetStreamPublisher) record(status string, start time.Time) {
	if p.metrics != nil {
		// The buyer address would explode label cardinality.
		p.metrics.RecordNATSPublish(StreamSubjects, status, time.Since(start).Seconds())
	}
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
