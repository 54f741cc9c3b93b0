// Package dispatch implements the Agent Dispatcher (C6): publishing agent
// envelopes to their per-type topic and the single durable subscriber that
// feeds every agent result back into the workflow service. Grounded on
// scheduler.go's event-trigger publish calls and internal/bus's traced
// publish/subscribe helpers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/envelope"
	"github.com/swarmguard/orchestrator-core/internal/resilience"
)

const (
	publishAttempts   = 3
	publishRetryDelay = 50 * time.Millisecond
)

// ResultHandler is registered by C8 and invoked verbatim for every message
// received on the shared result topic — dispatch does not interpret the
// payload, only routes it.
type ResultHandler func(ctx context.Context, raw []byte) error

// Dispatcher is the C6 port: dispatch(envelope) plus the one persistent
// result subscription.
type Dispatcher struct {
	busPort bus.Port
	sub     bus.Subscription
	breaker *resilience.CircuitBreaker
	limiter *resilience.HybridRateLimiter

	dispatched metric.Int64Counter
	failures   metric.Int64Counter
}

// Option customizes Dispatcher construction.
type Option func(*Dispatcher)

// WithRateLimiter bounds the dispatch rate: bursts up to the limiter's
// capacity go through immediately, excess dispatches queue and drain at the
// limiter's leak rate. Without it the dispatcher publishes unthrottled.
func WithRateLimiter(rl *resilience.HybridRateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = rl }
}

func NewDispatcher(busPort bus.Port, meter metric.Meter, opts ...Option) *Dispatcher {
	dispatched, _ := meter.Int64Counter("orch_dispatch_envelopes_total")
	failures, _ := meter.Int64Counter("orch_dispatch_failures_total")
	d := &Dispatcher{
		busPort:    busPort,
		breaker:    resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 10, 0.5, 5*time.Second, 3),
		dispatched: dispatched,
		failures:   failures,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch publishes env to agent:{agent_type}:tasks and mirrors it to the
// durable replay stream. Per-workflow ordering (§4.3) falls out of the
// workflow service processing one stage at a time per workflow_id and
// publishing over a single bus connection — NATS preserves publish order on
// a subject for a single publisher, so no extra routing key is needed
// beyond the subject itself. Transient publish failures are retried a few
// times with backoff; past that, failure is fatal for the caller (§4.3):
// the workflow service interprets it as DispatchFailed and feeds
// STAGE_FAILED into the FSM. A run of failed publishes opens the breaker,
// shedding dispatches fast instead of stacking retries on a dead bus.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.AgentEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		d.failures.Add(ctx, 1)
		return fmt.Errorf("dispatch: marshal envelope %s: %w", env.ID, err)
	}

	topic := bus.AgentTasksTopic(env.AgentType)
	stream := bus.AgentTasksStream(env.AgentType)

	if d.limiter != nil {
		if err := d.limiter.AllowOrWait(ctx); err != nil {
			d.failures.Add(ctx, 1)
			return fmt.Errorf("dispatch: rate limited publishing to %s: %w", topic, err)
		}
	}
	if !d.breaker.Allow() {
		d.failures.Add(ctx, 1)
		return fmt.Errorf("dispatch: circuit open for %s", topic)
	}

	_, err = resilience.Retry(ctx, publishAttempts, publishRetryDelay, func() (struct{}, error) {
		return struct{}{}, d.busPort.PublishMirrored(ctx, topic, stream, data)
	})
	d.breaker.RecordResult(err == nil)
	if err != nil {
		d.failures.Add(ctx, 1)
		return fmt.Errorf("dispatch: publish to %s: %w", topic, err)
	}
	d.dispatched.Add(ctx, 1)
	return nil
}

// Subscribe starts the single persistent subscriber on orchestrator:results
// in the orchestrator-core consumer group. Every message is handed verbatim
// to handler; dispatch never interprets agent results.
func (d *Dispatcher) Subscribe(ctx context.Context, handler ResultHandler) error {
	sub, err := d.busPort.QueueSubscribe(ctx, bus.ResultsTopic, bus.ResultsConsumerGroup, func(ctx context.Context, subject string, data []byte) {
		if err := handler(ctx, data); err != nil {
			d.failures.Add(ctx, 1)
		}
	})
	if err != nil {
		return fmt.Errorf("dispatch: subscribe to %s: %w", bus.ResultsTopic, err)
	}
	d.sub = sub
	return nil
}

// Disconnect drains the result subscriber and closes the underlying bus
// connection, per §4.3's disconnect() contract.
func (d *Dispatcher) Disconnect() error {
	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("dispatch: unsubscribe: %w", err)
		}
	}
	if d.limiter != nil {
		d.limiter.Stop()
	}
	return d.busPort.Close()
}
