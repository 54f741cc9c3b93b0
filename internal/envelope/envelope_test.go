package envelope

import (
	"encoding/json"
	"testing"
)

func baseInput(agentType string) BuildInput {
	return BuildInput{
		TaskID:       "task-1",
		WorkflowID:   "wf-1",
		Stage:        agentType,
		AgentType:    agentType,
		MaxRetries:   3,
		TimeoutMs:    60000,
		TraceID:      "trace-1",
		WorkflowType: "app",
		WorkflowName: "My App",
		OutputDir:    "/tmp/wf-1",
	}
}

func TestBuildScaffoldingEnvelopeHasNoUpstreamRequirement(t *testing.T) {
	b := NewBuilder()
	env, err := b.Build(baseInput("scaffolding"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.AgentType != "scaffolding" || env.Status != "pending" || env.EnvelopeVersion != "1.0.0" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Priority != PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", env.Priority)
	}
}

func TestBuildValidationUsesScaffoldingFilesGenerated(t *testing.T) {
	b := NewBuilder()
	in := baseInput("validation")
	in.PriorStageOutputs = map[string]json.RawMessage{
		"scaffolding": json.RawMessage(`{"files_generated":["src/main.go","src/handler.go"]}`),
	}
	env, err := b.Build(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var payload ValidationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.FilePaths) != 2 || payload.FilePaths[0] != "src/main.go" {
		t.Fatalf("unexpected file paths: %+v", payload.FilePaths)
	}
}

func TestBuildValidationReadsFilesFromPersistedStageOutputShape(t *testing.T) {
	b := NewBuilder()
	in := baseInput("validation")
	in.PriorStageOutputs = map[string]json.RawMessage{
		"scaffolding": json.RawMessage(`{"success":true,"status":"completed","result":{"files_generated":["src/app.go"]}}`),
	}
	env, err := b.Build(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var payload ValidationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.FilePaths) != 1 || payload.FilePaths[0] != "src/app.go" {
		t.Fatalf("expected files from nested result, got %+v", payload.FilePaths)
	}
}

func TestBuildValidationFallsBackToWildcardWhenScaffoldingAbsent(t *testing.T) {
	b := NewBuilder()
	env, err := b.Build(baseInput("validation"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var payload ValidationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.FilePaths) != 1 || payload.FilePaths[0] != "/tmp/wf-1/**/*" {
		t.Fatalf("unexpected fallback paths: %+v", payload.FilePaths)
	}
}

func TestBuildDeploymentFailsWithoutValidationOutput(t *testing.T) {
	b := NewBuilder()
	_, err := b.Build(baseInput("deployment"))
	if err == nil {
		t.Fatal("expected missing-upstream error")
	}
	if _, ok := err.(ErrMissingUpstreamOutput); !ok {
		t.Fatalf("expected ErrMissingUpstreamOutput, got %T: %v", err, err)
	}
}

func TestBuildDeploymentSucceedsWithValidationOutput(t *testing.T) {
	b := NewBuilder()
	in := baseInput("deployment")
	in.PriorStageOutputs = map[string]json.RawMessage{
		"validation": json.RawMessage(`{"passed":true}`),
	}
	env, err := b.Build(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.AgentType != "deployment" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestBuildUnknownAgentTypeFails(t *testing.T) {
	b := NewBuilder()
	_, err := b.Build(baseInput("not-a-real-agent"))
	if err == nil {
		t.Fatal("expected unknown agent type error")
	}
	if _, ok := err.(ErrUnknownAgentType); !ok {
		t.Fatalf("expected ErrUnknownAgentType, got %T: %v", err, err)
	}
}

func TestBuildE2EPrefersIntegrationOverScaffolding(t *testing.T) {
	b := NewBuilder()
	in := baseInput("e2e")
	in.PriorStageOutputs = map[string]json.RawMessage{
		"scaffolding": json.RawMessage(`{"files_generated":["src/main.go"]}`),
		"integration": json.RawMessage(`{"files_generated":["src/wired.go"]}`),
	}
	env, err := b.Build(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var payload E2EPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.FilePaths) != 1 || payload.FilePaths[0] != "src/wired.go" {
		t.Fatalf("expected integration output to win, got %+v", payload.FilePaths)
	}
}

func TestBuildAssignsUniqueEnvelopeIDs(t *testing.T) {
	b := NewBuilder()
	e1, err := b.Build(baseInput("scaffolding"))
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	e2, err := b.Build(baseInput("scaffolding"))
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if e1.ID == e2.ID {
		t.Fatal("expected distinct envelope ids across builds")
	}
}
