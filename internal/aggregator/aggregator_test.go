package aggregator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/kv"
)

func newTestAggregator(t *testing.T) (*Aggregator, *bus.FakeBus, kv.Port) {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	kvPort := kv.NewRedisPortFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), meter)
	fb := bus.NewFakeBus()
	return NewAggregator(fb, kvPort, meter), fb, kvPort
}

func workflowEvent(workflowID, stage string) []byte {
	data, _ := json.Marshal(map[string]any{
		"workflow_id": workflowID,
		"metadata":    map[string]string{"stage": stage},
	})
	return data
}

func TestHandleWorkflowEventCountsCompletedAndFailed(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-1", bus.WorkflowEventCompleted))
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-2", bus.WorkflowEventFailed))
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-3", bus.WorkflowEventStageCompleted))

	snap := a.Snapshot()
	if snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 || snap.StageCompletions != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandleWorkflowEventIgnoresUnrelatedStages(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-1", bus.WorkflowEventCreated))
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-1", bus.WorkflowEventPaused))

	snap := a.Snapshot()
	if snap.WorkflowsCompleted != 0 || snap.WorkflowsFailed != 0 || snap.StageCompletions != 0 {
		t.Fatalf("expected created/paused events to be no-ops, got %+v", snap)
	}
}

func TestThroughputReflectsOnlyCompletionsWithinWindow(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	for i := 0; i < 3; i++ {
		a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf", bus.WorkflowEventCompleted))
	}
	snap := a.Snapshot()
	if snap.ThroughputPerMinute != 3 {
		t.Fatalf("expected throughput 3 for 3 recent completions, got %v", snap.ThroughputPerMinute)
	}

	// Manually age out the recorded completions to simulate the sliding
	// window pruning completions older than throughputWindow.
	a.mu.Lock()
	for i := range a.completionTimes {
		a.completionTimes[i] = a.completionTimes[i].Add(-2 * throughputWindow)
	}
	a.mu.Unlock()

	snap = a.Snapshot()
	if snap.ThroughputPerMinute != 0 {
		t.Fatalf("expected aged-out completions to drop from throughput, got %v", snap.ThroughputPerMinute)
	}
}

func TestExecutionHandlersIncrementCounters(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	a.handleExecutionSuccess(context.Background(), bus.SchedulerExecutionSuccess, nil)
	a.handleExecutionFailed(context.Background(), bus.SchedulerExecutionFailed, nil)
	a.handleExecutionRetry(context.Background(), bus.SchedulerExecutionRetry, nil)

	snap := a.Snapshot()
	if snap.JobExecutionsSuccess != 1 || snap.JobExecutionsFailed != 1 || snap.JobExecutionsRetried != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPublishSnapshotWritesToKV(t *testing.T) {
	a, _, kvPort := newTestAggregator(t)
	a.handleWorkflowEvent(context.Background(), bus.WorkflowEventsTopic, workflowEvent("wf-1", bus.WorkflowEventCompleted))

	a.publishSnapshot(context.Background())

	raw, ok, err := kvPort.Get(context.Background(), snapshotKey)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected a snapshot to have been written")
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.WorkflowsCompleted != 1 {
		t.Fatalf("expected persisted snapshot to reflect the completion, got %+v", snap)
	}
}

func TestStartSubscribesToWorkflowAndExecutionTopics(t *testing.T) {
	a, fb, _ := newTestAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fb.Publish(ctx, bus.WorkflowEventsTopic, workflowEvent("wf-1", bus.WorkflowEventCompleted)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if snap := a.Snapshot(); snap.WorkflowsCompleted != 1 {
		t.Fatalf("expected Start's subscription to route events into the aggregator, got %+v", snap)
	}
}
