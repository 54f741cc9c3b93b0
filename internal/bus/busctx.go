// Package bus implements the message bus port (C1): topic publish/subscribe
// over NATS with an optional durable JetStream mirror, keyed ordering via
// subject routing, and queue-group (consumer-group) subscriptions.
package bus

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// publishTraced injects the current span's traceparent into NATS headers
// before publishing, so a subscriber can continue the same trace.
func publishTraced(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// subscribeTraced wraps nc.Subscribe, extracting trace context per message and
// starting a consumer span before invoking handler.
func subscribeTraced(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		runTraced(m, handler)
	})
}

// queueSubscribeTraced wraps nc.QueueSubscribe for consumer-group semantics.
func queueSubscribeTraced(nc *nats.Conn, subject, queue string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		runTraced(m, handler)
	})
}

func runTraced(m *nats.Msg, handler func(context.Context, *nats.Msg)) {
	carrier := propagation.HeaderCarrier(m.Header)
	ctx := propagator.Extract(context.Background(), carrier)
	tr := otel.Tracer("orchestrator-bus")
	ctx, span := tr.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	handler(ctx, m)
}
