package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
)

// Handler processes one bus message; ctx carries the extracted trace context.
type Handler func(ctx context.Context, subject string, data []byte)

// Subscription allows a caller to stop receiving messages.
type Subscription interface {
	Unsubscribe() error
}

// Port is the message bus abstraction every other component depends on (C1).
// Implementations must preserve per-subject publish ordering when callers use
// a stable routing key embedded in the subject or as a NATS header.
type Port interface {
	// Publish sends data to subject. Publish failure is fatal for the caller
	// (spec §4.3) — implementations must not swallow errors.
	Publish(ctx context.Context, subject string, data []byte) error
	// PublishMirrored publishes to subject and best-effort mirrors the same
	// payload onto a durable stream for replay. Mirror failures are logged,
	// not returned, since the primary publish is what dispatch correctness
	// depends on.
	PublishMirrored(ctx context.Context, subject, stream string, data []byte) error
	// Subscribe delivers every message on subject to handler.
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	// QueueSubscribe delivers messages on subject to handler, load-balanced
	// across all subscribers sharing queue — this is how C6's single
	// persistent result subscriber forms a durable consumer group.
	QueueSubscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error)
	// Close drains subscriptions and closes the underlying connection.
	Close() error
}

// NATSBus is the production Port implementation.
type NATSBus struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu   sync.Mutex
	subs []*nats.Subscription

	publishCounter metric.Int64Counter
	publishErrors  metric.Int64Counter
	mirrorErrors   metric.Int64Counter
}

// Dial connects to url and enables JetStream for durable stream mirrors.
func Dial(url string, meter metric.Meter) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("orchestrator-core"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	publishCounter, _ := meter.Int64Counter("orch_bus_publish_total")
	publishErrors, _ := meter.Int64Counter("orch_bus_publish_errors_total")
	mirrorErrors, _ := meter.Int64Counter("orch_bus_mirror_errors_total")
	return &NATSBus{
		nc:             nc,
		js:             js,
		publishCounter: publishCounter,
		publishErrors:  publishErrors,
		mirrorErrors:   mirrorErrors,
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := publishTraced(ctx, b.nc, subject, data); err != nil {
		b.publishErrors.Add(ctx, 1)
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	b.publishCounter.Add(ctx, 1)
	return nil
}

func (b *NATSBus) PublishMirrored(ctx context.Context, subject, stream string, data []byte) error {
	if err := b.Publish(ctx, subject, data); err != nil {
		return err
	}
	if err := b.ensureStream(stream, subject); err != nil {
		b.mirrorErrors.Add(ctx, 1)
		slog.Warn("bus: stream ensure failed", "stream", stream, "error", err)
		return nil
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		b.mirrorErrors.Add(ctx, 1)
		slog.Warn("bus: mirror publish failed", "stream", stream, "subject", subject, "error", err)
	}
	return nil
}

func (b *NATSBus) ensureStream(name, subject string) error {
	if _, err := b.js.StreamInfo(streamName(name)); err == nil {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     streamName(name),
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	return err
}

// streamName sanitizes a topic-shaped string ("stream:agent:x:tasks") into a
// valid JetStream stream identifier (no ':' allowed).
func streamName(topic string) string {
	return strings.ReplaceAll(topic, ":", "_")
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	sub, err := subscribeTraced(b.nc, subject, func(ctx context.Context, m *nats.Msg) {
		handler(ctx, m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *NATSBus) QueueSubscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error) {
	sub, err := queueSubscribeTraced(b.nc, subject, queue, func(ctx context.Context, m *nats.Msg) {
		handler(ctx, m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: queue subscribe %s/%s: %w", subject, queue, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close drains all tracked subscriptions then closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("bus: drain failed", "subject", sub.Subject, "error", err)
		}
	}
	b.nc.Close()
	return nil
}

// WaitConnected blocks until the connection is established or ctx expires.
func WaitConnected(ctx context.Context, nc *nats.Conn) error {
	for {
		if nc.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
