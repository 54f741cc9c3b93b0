package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by AdvanceStage when the compare-and-swap
// predicate (id, current_stage, version) no longer matches the row — another
// writer already moved the workflow on.
var ErrVersionConflict = errors.New("store: version conflict")

// Workflow is the persisted row for a running workflow instance (§3).
type Workflow struct {
	ID           string
	WorkflowType string
	PlatformID   *string
	Status       string
	CurrentStage string
	Progress     int
	StageOutputs map[string]json.RawMessage
	Version      int
	Requirements json.RawMessage
	Name         string
	Description  string
	CreatedBy    string
	TraceID      string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is the persisted row for a single dispatched agent task (§3).
type Task struct {
	TaskID      string
	WorkflowID  string
	AgentType   string
	Action      string
	Stage       string
	Status      string
	RetryCount  int
	MaxRetries  int
	TimeoutMs   int
	Priority    string
	Payload     json.RawMessage
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// WorkflowRepository is the Port C3 exposes to the workflow service and FSM.
type WorkflowRepository struct {
	s *Store
}

func (s *Store) Workflows() *WorkflowRepository { return &WorkflowRepository{s: s} }

// Create inserts a new workflow row at version 1.
func (r *WorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	defer r.s.observeWrite(time.Now())
	if wf.StageOutputs == nil {
		wf.StageOutputs = map[string]json.RawMessage{}
	}
	outputs, err := json.Marshal(wf.StageOutputs)
	if err != nil {
		return fmt.Errorf("store: marshal stage outputs: %w", err)
	}
	_, err = r.s.pool.Exec(ctx, `
		INSERT INTO workflows (id, workflow_type, platform_id, status, current_stage, progress,
			stage_outputs, version, requirements, name, description, created_by, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10,$11,$12)`,
		wf.ID, wf.WorkflowType, wf.PlatformID, wf.Status, wf.CurrentStage, wf.Progress,
		outputs, wf.Requirements, wf.Name, wf.Description, wf.CreatedBy, wf.TraceID)
	if err != nil {
		return fmt.Errorf("store: create workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Get loads a workflow by id.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*Workflow, error) {
	defer r.s.observeRead(time.Now())
	row := r.s.pool.QueryRow(ctx, `
		SELECT id, workflow_type, platform_id, status, current_stage, progress, stage_outputs,
			version, requirements, name, description, created_by, trace_id, last_error, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var wf Workflow
	var outputs []byte
	if err := row.Scan(&wf.ID, &wf.WorkflowType, &wf.PlatformID, &wf.Status, &wf.CurrentStage,
		&wf.Progress, &outputs, &wf.Version, &wf.Requirements, &wf.Name, &wf.Description,
		&wf.CreatedBy, &wf.TraceID, &wf.LastError, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan workflow: %w", err)
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &wf.StageOutputs); err != nil {
			return nil, fmt.Errorf("store: unmarshal stage outputs: %w", err)
		}
	}
	return &wf, nil
}

// PersistStageOutput merges a stage's output payload into stage_outputs
// without touching current_stage or version — this is the "persist stage
// output" step of the exactly-once pipeline (§4.5 step 7), kept independent
// of the CAS transition so a crash between the two is always resumable from
// the output alone.
func (r *WorkflowRepository) PersistStageOutput(ctx context.Context, workflowID, stage string, output json.RawMessage) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE workflows
		SET stage_outputs = stage_outputs || jsonb_build_object($2::text, $3::jsonb),
			updated_at = now()
		WHERE id = $1`, workflowID, stage, []byte(output))
	if err != nil {
		return fmt.Errorf("store: persist stage output %s/%s: %w", workflowID, stage, err)
	}
	return nil
}

// AdvanceStage performs the compare-and-swap stage transition mandated by
// §3's optimistic-concurrency invariant: it only applies when both the
// current_stage and version the caller read still hold, otherwise it reports
// ErrVersionConflict so the workflow service can re-poll and retry instead of
// clobbering a concurrent writer's transition.
func (r *WorkflowRepository) AdvanceStage(ctx context.Context, id string, fromStage string, fromVersion int, toStage, status string, progress int) error {
	defer r.s.observeWrite(time.Now())
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE workflows
		SET current_stage = $1, status = $2, progress = $3, version = version + 1, updated_at = now()
		WHERE id = $4 AND current_stage = $5 AND version = $6`,
		toStage, status, progress, id, fromStage, fromVersion)
	if err != nil {
		return fmt.Errorf("store: advance stage %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetLastError records a terminal failure reason without advancing the stage.
func (r *WorkflowRepository) SetLastError(ctx context.Context, id, status, reason string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, status, reason)
	if err != nil {
		return fmt.Errorf("store: set last error %s: %w", id, err)
	}
	return nil
}

// CreateTask inserts a dispatched task row.
func (r *WorkflowRepository) CreateTask(ctx context.Context, t *Task) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, workflow_id, agent_type, action, stage, status,
			retry_count, max_retries, timeout_ms, priority, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TaskID, t.WorkflowID, t.AgentType, t.Action, t.Stage, t.Status,
		t.RetryCount, t.MaxRetries, t.TimeoutMs, t.Priority, t.Payload)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", t.TaskID, err)
	}
	return nil
}

// MarkTaskStatus updates a task's terminal status and completion time — the
// "mark task complete/failed" step of §4.5.
func (r *WorkflowRepository) MarkTaskStatus(ctx context.Context, taskID, status string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, completed_at = now() WHERE task_id = $1`, taskID, status)
	if err != nil {
		return fmt.Errorf("store: mark task %s: %w", taskID, err)
	}
	return nil
}

// GetTask loads a task by id, used to guard against stale or duplicate results.
func (r *WorkflowRepository) GetTask(ctx context.Context, taskID string) (*Task, error) {
	defer r.s.observeRead(time.Now())
	var t Task
	err := r.s.pool.QueryRow(ctx, `
		SELECT task_id, workflow_id, agent_type, action, stage, status, retry_count,
			max_retries, timeout_ms, priority, payload, created_at, completed_at
		FROM tasks WHERE task_id = $1`, taskID).Scan(
		&t.TaskID, &t.WorkflowID, &t.AgentType, &t.Action, &t.Stage, &t.Status, &t.RetryCount,
		&t.MaxRetries, &t.TimeoutMs, &t.Priority, &t.Payload, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListByStatus returns every workflow currently in the given status, used by
// the event aggregator (C11) to seed rollups on startup.
func (r *WorkflowRepository) ListByStatus(ctx context.Context, status string) ([]*Workflow, error) {
	defer r.s.observeRead(time.Now())
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, workflow_type, platform_id, status, current_stage, progress, stage_outputs,
			version, requirements, name, description, created_by, trace_id, last_error, created_at, updated_at
		FROM workflows WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list by status %s: %w", status, err)
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}
