package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PipelineExecution is the persisted run state of a DAG pipeline (C12),
// allowing an in-flight pipeline to be paused and resumed across restarts.
type PipelineExecution struct {
	ID           string
	PipelineName string
	Status       string
	Mode         string
	State        json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PipelineRepository persists DAG pipeline execution state.
type PipelineRepository struct {
	s *Store
}

func (s *Store) Pipelines() *PipelineRepository { return &PipelineRepository{s: s} }

func (r *PipelineRepository) Create(ctx context.Context, p *PipelineExecution) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO pipeline_executions (id, pipeline_name, status, mode, state)
		VALUES ($1,$2,$3,$4,$5)`, p.ID, p.PipelineName, p.Status, p.Mode, p.State)
	if err != nil {
		return fmt.Errorf("store: create pipeline execution %s: %w", p.ID, err)
	}
	return nil
}

func (r *PipelineRepository) SaveState(ctx context.Context, id, status string, state json.RawMessage) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE pipeline_executions SET status = $2, state = $3, updated_at = now() WHERE id = $1`,
		id, status, state)
	if err != nil {
		return fmt.Errorf("store: save pipeline state %s: %w", id, err)
	}
	return nil
}

func (r *PipelineRepository) Get(ctx context.Context, id string) (*PipelineExecution, error) {
	defer r.s.observeRead(time.Now())
	var p PipelineExecution
	err := r.s.pool.QueryRow(ctx, `
		SELECT id, pipeline_name, status, mode, state, created_at, updated_at
		FROM pipeline_executions WHERE id = $1`, id).Scan(
		&p.ID, &p.PipelineName, &p.Status, &p.Mode, &p.State, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get pipeline execution %s: %w", id, err)
	}
	return &p, nil
}

// ListPaused returns every paused pipeline execution, used on startup to
// offer operators a resume point instead of silently losing in-flight work.
func (r *PipelineRepository) ListPaused(ctx context.Context) ([]*PipelineExecution, error) {
	defer r.s.observeRead(time.Now())
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, pipeline_name, status, mode, state, created_at, updated_at
		FROM pipeline_executions WHERE status = 'paused' ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list paused pipelines: %w", err)
	}
	defer rows.Close()
	var out []*PipelineExecution
	for rows.Next() {
		var p PipelineExecution
		if err := rows.Scan(&p.ID, &p.PipelineName, &p.Status, &p.Mode, &p.State, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pipeline execution: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
