package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator-core/internal/pipeline"
	"github.com/swarmguard/orchestrator-core/internal/store"
)

func TestHTTPActionPostsAndParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	input, _ := json.Marshal(httpActionInput{URL: srv.URL})
	out, err := httpAction(context.Background(), input, nil)
	if err != nil {
		t.Fatalf("httpAction failed: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	body, ok := result["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Fatalf("expected parsed JSON body, got %v", result)
	}
}

func TestHTTPActionReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	input, _ := json.Marshal(httpActionInput{URL: srv.URL})
	if _, err := httpAction(context.Background(), input, nil); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestShellActionRejectsDisallowedCommand(t *testing.T) {
	input, _ := json.Marshal(shellActionInput{Command: "rm -rf /"})
	if _, err := shellAction(context.Background(), input, nil); err == nil {
		t.Fatal("expected rejection of disallowed command")
	}
}

func TestShellActionRunsAllowedCommand(t *testing.T) {
	input, _ := json.Marshal(shellActionInput{Command: "echo hello"})
	out, err := shellAction(context.Background(), input, nil)
	if err != nil {
		t.Fatalf("shellAction failed: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	stdout, _ := result["stdout"].(string)
	if !strings.Contains(stdout, "hello") {
		t.Fatalf("expected stdout to contain hello, got %q", stdout)
	}
}

func TestRunPipelineFunctionExecutesDefinition(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	st := store.NewWithPool(mock, meter)
	reg := pipeline.NewActionRegistry()
	registerBuiltinActions(reg)
	exec := pipeline.NewExecutor(st.Pipelines(), reg, meter)

	mock.ExpectExec("INSERT INTO pipeline_executions").
		WithArgs("run-job-1", "smoke", "running", "sequential", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pipeline_executions").
		WithArgs("run-job-1", "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	payload, _ := json.Marshal(map[string]any{
		"id": "run-job-1",
		"definition": pipeline.Definition{
			Name: "smoke",
			Mode: "sequential",
			Stages: []pipeline.StageDef{
				{Name: "hello", Action: "shell", Input: json.RawMessage(`{"command":"echo hi"}`)},
			},
		},
	})
	fn := runPipelineFunction(exec)
	out, err := fn(context.Background(), payload)
	if err != nil {
		t.Fatalf("run_pipeline handler failed: %v", err)
	}
	var results map[string]pipeline.StageOutcome
	if err := json.Unmarshal(out, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if results["hello"].Status != pipeline.StageCompleted {
		t.Fatalf("expected hello stage completed, got %+v", results["hello"])
	}
}

func TestRunPipelineFunctionRejectsEmptyDefinition(t *testing.T) {
	fn := runPipelineFunction(nil)
	if _, err := fn(context.Background(), json.RawMessage(`{"id":"x"}`)); err == nil {
		t.Fatal("expected rejection of a payload without stages")
	}
}
