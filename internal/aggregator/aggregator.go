// Package aggregator implements the Event Aggregator (C11): a subscriber
// that rolls up workflow lifecycle events and scheduler execution outcomes
// into in-memory counters and a time-windowed throughput metric, periodically
// snapshotting the rollup to the KV store for dashboards/other processes to
// read without querying Postgres directly. Grounded on scheduler.go's
// GetScheduleStats (counter rollup) and persistence.go's periodic snapshot
// pattern, generalized from a single scheduler's in-memory stats to a
// dedicated cross-component subscriber.
//
// Per the design note on cumulative vs. windowed throughput: this aggregator
// tracks a sliding window of completion timestamps and reports completions
// per minute, not a lifetime total — a cumulative counter call on the
// service would just restate executions_count already on each row.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/kv"
)

const (
	throughputWindow  = time.Minute
	snapshotKey       = "aggregator:snapshot"
	snapshotInterval  = 10 * time.Second
	snapshotTTL       = 2 * time.Minute
)

// Snapshot is the JSON rollup published to the KV store.
type Snapshot struct {
	WorkflowsCompleted   int64     `json:"workflows_completed"`
	WorkflowsFailed      int64     `json:"workflows_failed"`
	StageCompletions     int64     `json:"stage_completions"`
	JobExecutionsSuccess int64     `json:"job_executions_success"`
	JobExecutionsFailed  int64     `json:"job_executions_failed"`
	JobExecutionsRetried int64     `json:"job_executions_retried"`
	ThroughputPerMinute  float64   `json:"throughput_per_minute"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// Aggregator is the C11 port.
type Aggregator struct {
	busPort bus.Port
	kvPort  kv.Port
	logger  *slog.Logger

	mu                   sync.Mutex
	workflowsCompleted   int64
	workflowsFailed      int64
	stageCompletions     int64
	jobExecutionsSuccess int64
	jobExecutionsFailed  int64
	jobExecutionsRetried int64
	completionTimes      []time.Time

	eventsProcessed metric.Int64Counter
}

func NewAggregator(busPort bus.Port, kvPort kv.Port, meter metric.Meter) *Aggregator {
	eventsProcessed, _ := meter.Int64Counter("orch_aggregator_events_total")
	return &Aggregator{
		busPort: busPort, kvPort: kvPort, logger: slog.Default(),
		eventsProcessed: eventsProcessed,
	}
}

// Start subscribes to workflow lifecycle and scheduler execution topics and
// launches the periodic snapshot publisher. It returns once subscriptions
// are established; the publish loop runs until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	if _, err := a.busPort.Subscribe(ctx, bus.WorkflowEventsTopic, a.handleWorkflowEvent); err != nil {
		return err
	}
	if _, err := a.busPort.Subscribe(ctx, bus.SchedulerExecutionSuccess, a.handleExecutionSuccess); err != nil {
		return err
	}
	if _, err := a.busPort.Subscribe(ctx, bus.SchedulerExecutionFailed, a.handleExecutionFailed); err != nil {
		return err
	}
	if _, err := a.busPort.Subscribe(ctx, bus.SchedulerExecutionRetry, a.handleExecutionRetry); err != nil {
		return err
	}
	go a.publishLoop(ctx)
	return nil
}

// handleWorkflowEvent parses the exact payload shape
// publishLifecycleEvent (C8) emits: {"workflow_id":..., "metadata":{"stage":...}}.
// Only terminal states and stage completions feed the rollup; other
// lifecycle stages (created, paused, resumed) pass through uncounted.
func (a *Aggregator) handleWorkflowEvent(ctx context.Context, subject string, data []byte) {
	a.eventsProcessed.Add(ctx, 1)
	var evt struct {
		WorkflowID string            `json:"workflow_id"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Warn("aggregator: malformed workflow event", "error", err)
		return
	}
	stage := evt.Metadata["stage"]
	a.mu.Lock()
	defer a.mu.Unlock()
	switch stage {
	case bus.WorkflowEventCompleted:
		a.workflowsCompleted++
		a.recordCompletion()
	case bus.WorkflowEventFailed:
		a.workflowsFailed++
		a.recordCompletion()
	case bus.WorkflowEventStageCompleted:
		a.stageCompletions++
	}
}

// recordCompletion appends now to the sliding window and prunes entries
// older than throughputWindow — callers hold a.mu.
func (a *Aggregator) recordCompletion() {
	now := time.Now()
	a.completionTimes = append(a.completionTimes, now)
	cutoff := now.Add(-throughputWindow)
	pruned := a.completionTimes[:0]
	for _, t := range a.completionTimes {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	a.completionTimes = pruned
}

func (a *Aggregator) handleExecutionSuccess(ctx context.Context, subject string, data []byte) {
	a.eventsProcessed.Add(ctx, 1)
	a.mu.Lock()
	a.jobExecutionsSuccess++
	a.mu.Unlock()
}

func (a *Aggregator) handleExecutionFailed(ctx context.Context, subject string, data []byte) {
	a.eventsProcessed.Add(ctx, 1)
	a.mu.Lock()
	a.jobExecutionsFailed++
	a.mu.Unlock()
}

func (a *Aggregator) handleExecutionRetry(ctx context.Context, subject string, data []byte) {
	a.eventsProcessed.Add(ctx, 1)
	a.mu.Lock()
	a.jobExecutionsRetried++
	a.mu.Unlock()
}

// publishLoop periodically writes a Snapshot to the KV store until ctx is done.
func (a *Aggregator) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishSnapshot(ctx)
		}
	}
}

func (a *Aggregator) publishSnapshot(ctx context.Context) {
	snap := a.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		a.logger.Error("aggregator: marshal snapshot failed", "error", err)
		return
	}
	if err := a.kvPort.Set(ctx, snapshotKey, string(data), snapshotTTL); err != nil {
		a.logger.Warn("aggregator: publish snapshot failed", "error", err)
	}
}

// Snapshot returns the current rollup, computing throughput from the
// pruned sliding window rather than a cumulative count.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-throughputWindow)
	count := 0
	for _, t := range a.completionTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return Snapshot{
		WorkflowsCompleted:   a.workflowsCompleted,
		WorkflowsFailed:      a.workflowsFailed,
		StageCompletions:     a.stageCompletions,
		JobExecutionsSuccess: a.jobExecutionsSuccess,
		JobExecutionsFailed:  a.jobExecutionsFailed,
		JobExecutionsRetried: a.jobExecutionsRetried,
		ThroughputPerMinute:  float64(count),
		GeneratedAt:          now,
	}
}
