package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator-core/internal/store"
)

func newExecutor(t *testing.T) (*Executor, pgxmock.PgxPoolIface) {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	st := store.NewWithPool(mock, meter)
	reg := NewActionRegistry()
	return NewExecutor(st.Pipelines(), reg, meter), mock
}

func echoAction(_ context.Context, input json.RawMessage, _ map[string]json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func TestRunExecutesSequentialStagesInDependencyOrder(t *testing.T) {
	exec, mock := newExecutor(t)
	exec.registry.Register("echo", echoAction)

	mock.ExpectExec("INSERT INTO pipeline_executions").
		WithArgs("run-1", "build-then-test", "running", "sequential", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-1", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	def := Definition{
		Name: "build-then-test",
		Mode: "sequential",
		Stages: []StageDef{
			{Name: "build", Action: "echo", Input: json.RawMessage(`{"step":"build"}`)},
			{Name: "test", Action: "echo", Dependencies: []string{"build"}, Input: json.RawMessage(`{"step":"test"}`)},
		},
	}

	results, err := exec.Run(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if results["build"].Status != StageCompleted || results["test"].Status != StageCompleted {
		t.Fatalf("expected both stages completed, got %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunSkipsDownstreamStagesAfterNonAllowFailureError(t *testing.T) {
	exec, mock := newExecutor(t)
	exec.registry.Register("ok", echoAction)
	exec.registry.Register("boom", func(context.Context, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("stage exploded")
	})

	mock.ExpectExec("INSERT INTO pipeline_executions").
		WithArgs("run-2", "fail-fast", "running", "sequential", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-2", "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	def := Definition{
		Name: "fail-fast",
		Mode: "sequential",
		Stages: []StageDef{
			{Name: "build", Action: "boom"},
			{Name: "deploy", Action: "ok", Dependencies: []string{"build"}},
		},
	}

	results, err := exec.Run(context.Background(), "run-2", def)
	if err == nil {
		t.Fatal("expected a blocking error from the failed stage")
	}
	if results["build"].Status != StageFailed {
		t.Fatalf("expected build to be failed, got %+v", results["build"])
	}
	if results["deploy"].Status != StageSkipped {
		t.Fatalf("expected deploy to be skipped, got %+v", results["deploy"])
	}
}

func TestRunContinuesPastAllowFailureStage(t *testing.T) {
	exec, mock := newExecutor(t)
	exec.registry.Register("ok", echoAction)
	exec.registry.Register("boom", func(context.Context, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("stage exploded")
	})

	mock.ExpectExec("INSERT INTO pipeline_executions").
		WithArgs("run-3", "tolerant", "running", "sequential", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-3", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	def := Definition{
		Name: "tolerant",
		Mode: "sequential",
		Stages: []StageDef{
			{Name: "lint", Action: "boom", AllowFailure: true},
			{Name: "deploy", Action: "ok", Dependencies: []string{"lint"}},
		},
	}

	results, err := exec.Run(context.Background(), "run-3", def)
	if err != nil {
		t.Fatalf("expected no blocking error, got %v", err)
	}
	if results["lint"].Status != StageFailed {
		t.Fatalf("expected lint to be recorded failed, got %+v", results["lint"])
	}
	if results["deploy"].Status != StageCompleted {
		t.Fatalf("expected deploy to still run, got %+v", results["deploy"])
	}
}

func TestRunBlocksOnBlockingQualityGate(t *testing.T) {
	exec, mock := newExecutor(t)
	exec.registry.Register("metrics", func(context.Context, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"metrics":{"coverage":0.4}}`), nil
	})

	mock.ExpectExec("INSERT INTO pipeline_executions").
		WithArgs("run-4", "gated", "running", "sequential", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-4", "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	def := Definition{
		Name: "gated",
		Mode: "sequential",
		Stages: []StageDef{
			{Name: "test", Action: "metrics", Gates: []QualityGate{
				{Metric: "coverage", Op: "gte", Threshold: 0.8, Blocking: true},
			}},
		},
	}

	results, err := exec.Run(context.Background(), "run-4", def)
	if err == nil {
		t.Fatal("expected blocking quality gate to fail the run")
	}
	if results["test"].Status != StageFailed {
		t.Fatalf("expected test stage failed by gate, got %+v", results["test"])
	}
}

func TestResumeSkipsAlreadyCompletedStages(t *testing.T) {
	exec, mock := newExecutor(t)
	var ranSecond bool
	exec.registry.Register("first", func(context.Context, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
		t.Fatal("first stage should not re-run on resume")
		return nil, nil
	})
	exec.registry.Register("second", func(context.Context, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
		ranSecond = true
		return json.RawMessage(`{}`), nil
	})

	def := Definition{
		Name: "resumable",
		Mode: "sequential",
		Stages: []StageDef{
			{Name: "first", Action: "first"},
			{Name: "second", Action: "second", Dependencies: []string{"first"}},
		},
	}

	priorState, _ := json.Marshal(runState{
		Definition: def,
		Completed: map[string]StageOutcome{
			"first": {Status: StageCompleted, Output: json.RawMessage(`{}`)},
		},
	})
	rows := pgxmock.NewRows([]string{"id", "pipeline_name", "status", "mode", "state", "created_at", "updated_at"}).
		AddRow("run-5", "resumable", "paused", "sequential", priorState, time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, pipeline_name").WithArgs("run-5").WillReturnRows(rows)
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-5", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-5", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	results, err := exec.Resume(context.Background(), "run-5")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !ranSecond {
		t.Fatal("expected second stage to run on resume")
	}
	if results["first"].Status != StageCompleted {
		t.Fatalf("expected first stage outcome preserved, got %+v", results["first"])
	}
}

func TestResumeFailsWhenStateCarriesNoDefinition(t *testing.T) {
	exec, mock := newExecutor(t)
	priorState, _ := json.Marshal(runState{Completed: map[string]StageOutcome{}})
	rows := pgxmock.NewRows([]string{"id", "pipeline_name", "status", "mode", "state", "created_at", "updated_at"}).
		AddRow("run-6", "legacy", "paused", "sequential", priorState, time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, pipeline_name").WithArgs("run-6").WillReturnRows(rows)

	if _, err := exec.Resume(context.Background(), "run-6"); err == nil {
		t.Fatal("expected resume to reject a state with no persisted definition")
	}
}
