package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/definitions"
	"github.com/swarmguard/orchestrator-core/internal/dispatch"
	"github.com/swarmguard/orchestrator-core/internal/envelope"
	"github.com/swarmguard/orchestrator-core/internal/fsm"
	"github.com/swarmguard/orchestrator-core/internal/kv"
	"github.com/swarmguard/orchestrator-core/internal/store"
)

type testHarness struct {
	svc    *Service
	mock   pgxmock.PgxPoolIface
	fb     *bus.FakeBus
	fsmReg *fsm.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	st := store.NewWithPool(mock, meter)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvPort := kv.NewRedisPortFromClient(redisClient, meter)

	fb := bus.NewFakeBus()
	disp := dispatch.NewDispatcher(fb, meter)
	defs := definitions.NewEngine(nil)
	fsmReg := fsm.NewRegistry(defs, meter)
	builder := envelope.NewBuilder()

	svc := NewService(st.Workflows(), kvPort, fb, disp, fsmReg, defs, builder, 5*time.Second, 48*time.Hour, meter)

	return &testHarness{svc: svc, mock: mock, fb: fb, fsmReg: fsmReg}
}

func expectGetWorkflow(mock pgxmock.PgxPoolIface, wf store.Workflow) {
	outputs, _ := json.Marshal(wf.StageOutputs)
	rows := pgxmock.NewRows([]string{
		"id", "workflow_type", "platform_id", "status", "current_stage", "progress", "stage_outputs",
		"version", "requirements", "name", "description", "created_by", "trace_id", "last_error",
		"created_at", "updated_at",
	}).AddRow(wf.ID, wf.WorkflowType, wf.PlatformID, wf.Status, wf.CurrentStage, wf.Progress, outputs,
		wf.Version, wf.Requirements, wf.Name, wf.Description, wf.CreatedBy, wf.TraceID, wf.LastError,
		time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, workflow_type").WithArgs(wf.ID).WillReturnRows(rows)
}

func baseWorkflow() store.Workflow {
	return store.Workflow{
		ID: "wf-1", WorkflowType: "app", Status: "running", CurrentStage: "scaffolding",
		Progress: 25, Version: 2, StageOutputs: map[string]json.RawMessage{},
	}
}

func advancedWorkflow() store.Workflow {
	return store.Workflow{
		ID: "wf-1", WorkflowType: "app", Status: "running", CurrentStage: "validation",
		Progress: 50, Version: 3, StageOutputs: map[string]json.RawMessage{},
	}
}

func agentResultJSON(t *testing.T, taskID, workflowID, stage string, success bool) []byte {
	t.Helper()
	r := AgentResult{
		AgentID: "agent-1", AgentType: "scaffolding", WorkflowID: workflowID, TaskID: taskID,
		Stage: stage, Success: success, Status: "completed", Timestamp: "2026-07-29T00:00:00Z",
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return data
}

// expectAdvanceToValidation wires up the mock calls HandleResult makes when
// it moves a workflow from scaffolding to validation: load, persist stage
// output, mark task complete, CAS advance, then the two reloads (the
// waitForTransition confirmation poll and the explicit post-advance reload)
// before dispatching validation's task.
func expectAdvanceToValidation(mock pgxmock.PgxPoolIface) {
	expectGetWorkflow(mock, baseWorkflow())
	mock.ExpectExec("UPDATE workflows").
		WithArgs("wf-1", "scaffolding", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE workflows").
		WithArgs("validation", "running", pgxmock.AnyArg(), "wf-1", "scaffolding", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectGetWorkflow(mock, advancedWorkflow())
	expectGetWorkflow(mock, advancedWorkflow())
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), "wf-1", "validation", "validation", "validation", "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestComputeEventIDIsDeterministicAndInputSensitive(t *testing.T) {
	a := computeEventID("task-1", "scaffolding", "2026-07-29T00:00:00Z", "agent-1")
	b := computeEventID("task-1", "scaffolding", "2026-07-29T00:00:00Z", "agent-1")
	if a != b {
		t.Fatalf("expected identical inputs to hash identically: %s != %s", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("expected a 12-hex event id, got %q", a)
	}
	if c := computeEventID("task-2", "scaffolding", "2026-07-29T00:00:00Z", "agent-1"); c == a {
		t.Fatal("expected a different task_id to produce a different event id")
	}
}

func TestHandleResultHappyPathAdvancesStageAndDispatchesNext(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "scaffolding", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	expectAdvanceToValidation(h.mock)

	raw := agentResultJSON(t, "task-1", "wf-1", "scaffolding", true)
	if err := h.svc.HandleResult(context.Background(), raw); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	if len(h.fb.Mirrored(bus.AgentTasksStream("validation"))) != 1 {
		t.Fatal("expected validation stage dispatched to agent tasks stream")
	}
	inst, ok := h.fsmReg.Get("wf-1")
	if !ok || inst.CurrentStage != "validation" {
		t.Fatalf("expected fsm to have advanced to validation, got %+v ok=%v", inst, ok)
	}
}

func TestHandleResultDedupsRedeliveredEvent(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "scaffolding", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	expectAdvanceToValidation(h.mock)

	raw := agentResultJSON(t, "task-1", "wf-1", "scaffolding", true)
	if err := h.svc.HandleResult(context.Background(), raw); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Two redeliveries of the identical message: the dedup set must short
	// circuit both before any further store calls happen — no additional
	// mock expectations are registered, so a second store call would fail
	// the test via an unexpected-call error.
	for i := 0; i < 2; i++ {
		if err := h.svc.HandleResult(context.Background(), raw); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}

	if mirrored := h.fb.Mirrored(bus.AgentTasksStream("validation")); len(mirrored) != 1 {
		t.Fatalf("expected exactly one dispatch despite 3 deliveries, got %d", len(mirrored))
	}
}

func TestHandleResultDropsStaleResultForPastStage(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "validation", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	expectGetWorkflow(h.mock, advancedWorkflow())

	raw := agentResultJSON(t, "task-1", "wf-1", "scaffolding", true)
	if err := h.svc.HandleResult(context.Background(), raw); err != nil {
		t.Fatalf("expected stale result to be dropped, not errored: %v", err)
	}

	if mirrored := h.fb.Mirrored(bus.AgentTasksStream("validation")); len(mirrored) != 0 {
		t.Fatalf("expected no dispatch for a stale result, got %d", len(mirrored))
	}
}

func TestHandleResultReportsVersionConflictAsDrop(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "scaffolding", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	expectGetWorkflow(h.mock, baseWorkflow())
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("wf-1", "scaffolding", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	h.mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("validation", "running", pgxmock.AnyArg(), "wf-1", "scaffolding", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	raw := agentResultJSON(t, "task-1", "wf-1", "scaffolding", true)
	if err := h.svc.HandleResult(context.Background(), raw); err != nil {
		t.Fatalf("expected a CAS race to be dropped, not returned as an error: %v", err)
	}
	if mirrored := h.fb.Mirrored(bus.AgentTasksStream("validation")); len(mirrored) != 0 {
		t.Fatalf("expected no dispatch once the CAS lost the race, got %d", len(mirrored))
	}
}

func TestHandleResultRejectsSchemaInvalidPayload(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleResult(context.Background(), []byte(`{"workflow_id":"wf-1"}`))
	if err == nil {
		t.Fatal("expected schema validation error for missing required fields")
	}
}

func TestCancelWorkflowMovesNonTerminalWorkflowToCancelled(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "scaffolding", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	expectGetWorkflow(h.mock, baseWorkflow())
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("scaffolding", "cancelled", 25, "wf-1", "scaffolding", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := h.svc.CancelWorkflow(context.Background(), "wf-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := h.fsmReg.Get("wf-1"); ok {
		t.Fatal("expected cancelled workflow's fsm instance to be forgotten")
	}
}

func TestCancelWorkflowRejectsTerminalWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := baseWorkflow()
	wf.Status = "completed"
	expectGetWorkflow(h.mock, wf)

	if err := h.svc.CancelWorkflow(context.Background(), "wf-1"); err == nil {
		t.Fatal("expected cancel of a terminal workflow to be rejected")
	}
}

func TestRetryWorkflowRedispatchesCurrentStageOfFailedWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := baseWorkflow()
	wf.Status = "failed"
	expectGetWorkflow(h.mock, wf)
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("scaffolding", "running", 25, "wf-1", "scaffolding", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	h.mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), "wf-1", "scaffolding", "scaffolding", "scaffolding", "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := h.svc.RetryWorkflow(context.Background(), "wf-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(h.fb.Mirrored(bus.AgentTasksStream("scaffolding"))) != 1 {
		t.Fatal("expected the failed stage's task re-dispatched")
	}
	inst, ok := h.fsmReg.Get("wf-1")
	if !ok || inst.CurrentStage != "scaffolding" {
		t.Fatalf("expected fsm rebuilt at the persisted stage, got %+v ok=%v", inst, ok)
	}
}

func TestRetryWorkflowRejectsNonFailedWorkflow(t *testing.T) {
	h := newHarness(t)
	expectGetWorkflow(h.mock, baseWorkflow())
	if err := h.svc.RetryWorkflow(context.Background(), "wf-1"); err == nil {
		t.Fatal("expected retry of a running workflow to be rejected")
	}
}

func TestHandleResultTerminatesWorkflowOnLastStageSuccess(t *testing.T) {
	h := newHarness(t)
	h.fsmReg.Register("wf-1", "deployment", 3)
	h.fsmReg.Transition("wf-1", "", "app", fsm.Event{Type: fsm.EventStart})

	wf := store.Workflow{
		ID: "wf-1", WorkflowType: "app", Status: "running", CurrentStage: "deployment",
		Progress: 75, Version: 4, StageOutputs: map[string]json.RawMessage{},
	}
	expectGetWorkflow(h.mock, wf)
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("wf-1", "deployment", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	h.mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	h.mock.ExpectExec("UPDATE workflows").
		WithArgs("deployment", "completed", 100, "wf-1", "deployment", 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	raw := agentResultJSON(t, "task-1", "wf-1", "deployment", true)
	if err := h.svc.HandleResult(context.Background(), raw); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	if _, ok := h.fsmReg.Get("wf-1"); ok {
		t.Fatal("expected terminal workflow's fsm instance to be forgotten")
	}
	if events := h.fb.Mirrored(bus.AgentTasksStream("deployment")); len(events) != 0 {
		t.Fatalf("expected no further dispatch after terminal stage, got %d", len(events))
	}
}
