// Package envelope implements the Agent Envelope Builder (C5): the wire
// contract the orchestrator hands to agents, with a payload-type router per
// agent_type and derived-field resolution from prior stage outputs.
// Grounded on task_executor.go's MultiTaskExecutor — an interface plus a
// switch that routes to one of several concrete executors — generalized
// from executing a task to building its payload, and on its
// resolveTemplate helper for deriving fields from upstream context instead
// of a literal template string.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority mirrors the AgentEnvelope priority enumeration (§6).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

const envelopeVersion = "1.0.0"

// WorkflowContext is the slice of workflow state every envelope carries so
// an agent can act without a side-channel lookup.
type WorkflowContext struct {
	WorkflowType string                     `json:"workflow_type"`
	WorkflowName string                     `json:"workflow_name"`
	CurrentStage string                     `json:"current_stage"`
	StageOutputs map[string]json.RawMessage `json:"stage_outputs"`
}

// AgentEnvelope is the orchestrator->agent wire message (§6).
type AgentEnvelope struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	WorkflowID      string          `json:"workflow_id"`
	TaskID          string          `json:"task_id"`
	Stage           string          `json:"stage"`
	AgentType       string          `json:"agent_type"`
	Priority        Priority        `json:"priority"`
	Status          string          `json:"status"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TimeoutMs       int             `json:"timeout_ms"`
	CreatedAt       string          `json:"created_at"`
	TraceID         string          `json:"trace_id"`
	EnvelopeVersion string          `json:"envelope_version"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
	Payload         json.RawMessage `json:"payload"`
}

// BuildInput is everything the builder needs to assemble an envelope for one
// dispatch.
type BuildInput struct {
	TaskID            string
	WorkflowID        string
	Stage             string
	AgentType         string
	Priority          Priority
	MaxRetries        int
	TimeoutMs         int
	TraceID           string
	WorkflowType      string
	WorkflowName      string
	PriorStageOutputs map[string]json.RawMessage
	OutputDir         string // per-workflow output root, used for wildcard fallbacks
}

// Builder is the closed sum-type payload builder: each agent_type maps to
// exactly one payload shape, validated against upstream requirements before
// it is ever put on the wire.
type Builder struct {
	newID func() string
	now   func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// ErrUnknownAgentType is returned by Build when agentType has no registered
// payload shape.
type ErrUnknownAgentType struct{ AgentType string }

func (e ErrUnknownAgentType) Error() string {
	return fmt.Sprintf("envelope: unknown agent type %q", e.AgentType)
}

// ErrMissingUpstreamOutput is returned when a stage marks an upstream
// output mandatory and it is absent from PriorStageOutputs.
type ErrMissingUpstreamOutput struct {
	Stage          string
	RequiredUpstream string
}

func (e ErrMissingUpstreamOutput) Error() string {
	return fmt.Sprintf("envelope: stage %q requires output from %q, which is missing", e.Stage, e.RequiredUpstream)
}

// Build assembles the AgentEnvelope for in.AgentType, routing to the
// matching payload constructor the way MultiTaskExecutor.Execute routes on
// task.Type.
func (b *Builder) Build(in BuildInput) (AgentEnvelope, error) {
	payload, err := b.buildPayload(in)
	if err != nil {
		return AgentEnvelope{}, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return AgentEnvelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	return AgentEnvelope{
		ID:              b.newID(),
		Type:            "task",
		WorkflowID:      in.WorkflowID,
		TaskID:          in.TaskID,
		Stage:           in.Stage,
		AgentType:       in.AgentType,
		Priority:        priority,
		Status:          "pending",
		RetryCount:      0,
		MaxRetries:      in.MaxRetries,
		TimeoutMs:       in.TimeoutMs,
		CreatedAt:       b.now().UTC().Format(time.RFC3339),
		TraceID:         in.TraceID,
		EnvelopeVersion: envelopeVersion,
		WorkflowContext: WorkflowContext{
			WorkflowType: in.WorkflowType,
			WorkflowName: in.WorkflowName,
			CurrentStage: in.Stage,
			StageOutputs: in.PriorStageOutputs,
		},
		Payload: payloadJSON,
	}, nil
}

func (b *Builder) buildPayload(in BuildInput) (any, error) {
	switch in.AgentType {
	case "scaffolding":
		return b.buildScaffoldPayload(in), nil
	case "validation":
		return b.buildValidationPayload(in)
	case "e2e":
		return b.buildE2EPayload(in)
	case "integration":
		return b.buildIntegrationPayload(in)
	case "deployment":
		return b.buildDeploymentPayload(in)
	default:
		return nil, ErrUnknownAgentType{AgentType: in.AgentType}
	}
}

// ScaffoldPayload requests initial project generation. It has no upstream
// dependency: it is always the first agent-facing stage.
type ScaffoldPayload struct {
	WorkflowType string          `json:"workflow_type"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
}

func (b *Builder) buildScaffoldPayload(in BuildInput) ScaffoldPayload {
	return ScaffoldPayload{WorkflowType: in.WorkflowType}
}

// ValidationPayload asks an agent to validate a set of file paths. Per
// §4.2, the paths are synthesized from the scaffolding output's
// files-generated list, falling back to a wildcard rooted at OutputDir.
type ValidationPayload struct {
	FilePaths []string `json:"file_paths"`
}

func (b *Builder) buildValidationPayload(in BuildInput) (ValidationPayload, error) {
	paths, err := filesGeneratedBy(in, "scaffolding")
	if err != nil {
		return ValidationPayload{}, err
	}
	return ValidationPayload{FilePaths: paths}, nil
}

// E2EPayload asks an agent to run end-to-end tests against files produced by
// integration (falling back to scaffolding when there was no integration
// stage in this definition).
type E2EPayload struct {
	FilePaths []string `json:"file_paths"`
}

func (b *Builder) buildE2EPayload(in BuildInput) (E2EPayload, error) {
	paths, err := filesGeneratedByAny(in, "integration", "scaffolding")
	if err != nil {
		return E2EPayload{}, err
	}
	return E2EPayload{FilePaths: paths}, nil
}

// IntegrationPayload asks an agent to wire together components scaffolding
// produced.
type IntegrationPayload struct {
	FilePaths []string `json:"file_paths"`
}

func (b *Builder) buildIntegrationPayload(in BuildInput) (IntegrationPayload, error) {
	paths, err := filesGeneratedBy(in, "scaffolding")
	if err != nil {
		return IntegrationPayload{}, err
	}
	return IntegrationPayload{FilePaths: paths}, nil
}

// DeploymentPayload asks an agent to deploy the artifact validation
// approved. Deployment requires validation to have run: there is nothing
// useful to deploy otherwise.
type DeploymentPayload struct {
	FilePaths []string `json:"file_paths"`
}

func (b *Builder) buildDeploymentPayload(in BuildInput) (DeploymentPayload, error) {
	if _, ok := in.PriorStageOutputs["validation"]; !ok {
		return DeploymentPayload{}, ErrMissingUpstreamOutput{Stage: in.Stage, RequiredUpstream: "validation"}
	}
	paths, err := filesGeneratedByAny(in, "scaffolding")
	if err != nil {
		return DeploymentPayload{}, err
	}
	return DeploymentPayload{FilePaths: paths}, nil
}

// filesGeneratedOutput matches both shapes a stage output can take: the raw
// agent result ({"files_generated": [...]}) and the persisted stage-output
// record, which nests the agent's result under "result".
type filesGeneratedOutput struct {
	FilesGenerated []string `json:"files_generated"`
	Result         struct {
		FilesGenerated []string `json:"files_generated"`
	} `json:"result"`
}

func (o filesGeneratedOutput) paths() []string {
	if len(o.FilesGenerated) > 0 {
		return o.FilesGenerated
	}
	return o.Result.FilesGenerated
}

// filesGeneratedBy extracts upstream's files_generated list, falling back to
// a wildcard path rooted at in.OutputDir when upstream produced no explicit
// list (or didn't run at all).
func filesGeneratedBy(in BuildInput, upstream string) ([]string, error) {
	return filesGeneratedByAny(in, upstream)
}

func filesGeneratedByAny(in BuildInput, upstreams ...string) ([]string, error) {
	for _, upstream := range upstreams {
		raw, ok := in.PriorStageOutputs[upstream]
		if !ok {
			continue
		}
		var out filesGeneratedOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("envelope: unmarshal %s output: %w", upstream, err)
		}
		if paths := out.paths(); len(paths) > 0 {
			return paths, nil
		}
	}
	return []string{wildcardPath(in.OutputDir)}, nil
}

func wildcardPath(outputDir string) string {
	if outputDir == "" {
		outputDir = "."
	}
	return outputDir + "/**/*"
}
