package workflow

import (
	"encoding/json"
	"fmt"
)

// AgentResult is the agent->orchestrator wire message (§6). Fields beyond
// the ones the pipeline reads are preserved as raw JSON so schema-unaware
// code never has to round-trip the whole payload.
type AgentResult struct {
	AgentID   string          `json:"agent_id"`
	AgentType string          `json:"agent_type"`
	WorkflowID string         `json:"workflow_id"`
	TaskID    string          `json:"task_id"`
	Stage     string          `json:"stage"`
	Success   bool            `json:"success"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// validate enforces the agent-result schema (§6): the fields the exactly-once
// pipeline cannot proceed without must be present.
func (r AgentResult) validate() error {
	switch {
	case r.WorkflowID == "":
		return fmt.Errorf("%w: missing workflow_id", ErrSchemaInvalid)
	case r.TaskID == "":
		return fmt.Errorf("%w: missing task_id", ErrSchemaInvalid)
	case r.Stage == "":
		return fmt.Errorf("%w: missing stage", ErrSchemaInvalid)
	case r.Timestamp == "":
		return fmt.Errorf("%w: missing timestamp", ErrSchemaInvalid)
	}
	return nil
}
