package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduledJob is a persisted cron/one-time/recurring job definition (§5).
type ScheduledJob struct {
	ID              string
	Name            string
	JobType         string
	Schedule        *string
	Timezone        string
	NextRun         *time.Time
	StartDate       *time.Time
	EndDate         *time.Time
	MaxExecutions   *int
	HandlerName     string
	HandlerType     string
	Payload         json.RawMessage
	MaxRetries      int
	RetryDelayMs    int
	TimeoutMs       int
	Priority        string
	Concurrency     int
	AllowOverlap    bool
	ExecutionsCount int
	SuccessCount    int
	FailureCount    int
	AvgDurationMs   int
	Status          string
	Tags            json.RawMessage
	PlatformID      *string
}

// JobExecution is one run of a ScheduledJob.
type JobExecution struct {
	ID           string
	JobID        string
	Status       string
	ScheduledAt  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   *int
	Result       json.RawMessage
	Error        string
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time
	TraceID      string
	SpanID       string
}

// JobRepository persists scheduled jobs and their execution history (C9/C10).
type JobRepository struct {
	s *Store
}

func (s *Store) Jobs() *JobRepository { return &JobRepository{s: s} }

func (r *JobRepository) Create(ctx context.Context, j *ScheduledJob) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, name, job_type, schedule, timezone, next_run, start_date,
			end_date, max_executions, handler_name, handler_type, payload, max_retries, retry_delay_ms,
			timeout_ms, priority, concurrency, allow_overlap, status, tags, platform_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		j.ID, j.Name, j.JobType, j.Schedule, j.Timezone, j.NextRun, j.StartDate, j.EndDate,
		j.MaxExecutions, j.HandlerName, j.HandlerType, j.Payload, j.MaxRetries, j.RetryDelayMs,
		j.TimeoutMs, j.Priority, j.Concurrency, j.AllowOverlap, j.Status, j.Tags, j.PlatformID)
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", j.ID, err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	defer r.s.observeRead(time.Now())
	row := r.s.pool.QueryRow(ctx, `
		SELECT id, name, job_type, schedule, timezone, next_run, start_date, end_date,
			max_executions, handler_name, handler_type, payload, max_retries, retry_delay_ms,
			timeout_ms, priority, concurrency, allow_overlap, executions_count, success_count,
			failure_count, avg_duration_ms, status, tags, platform_id
		FROM scheduled_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*ScheduledJob, error) {
	var j ScheduledJob
	if err := row.Scan(&j.ID, &j.Name, &j.JobType, &j.Schedule, &j.Timezone, &j.NextRun,
		&j.StartDate, &j.EndDate, &j.MaxExecutions, &j.HandlerName, &j.HandlerType, &j.Payload,
		&j.MaxRetries, &j.RetryDelayMs, &j.TimeoutMs, &j.Priority, &j.Concurrency, &j.AllowOverlap,
		&j.ExecutionsCount, &j.SuccessCount, &j.FailureCount, &j.AvgDurationMs, &j.Status, &j.Tags,
		&j.PlatformID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	return &j, nil
}

// ListDue returns every active job whose next_run has passed, for the
// scheduler's catch-up sweep on startup.
func (r *JobRepository) ListDue(ctx context.Context, asOf time.Time) ([]*ScheduledJob, error) {
	defer r.s.observeRead(time.Now())
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, name, job_type, schedule, timezone, next_run, start_date, end_date,
			max_executions, handler_name, handler_type, payload, max_retries, retry_delay_ms,
			timeout_ms, priority, concurrency, allow_overlap, executions_count, success_count,
			failure_count, avg_duration_ms, status, tags, platform_id
		FROM scheduled_jobs WHERE status = 'active' AND next_run <= $1`, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: list due jobs: %w", err)
	}
	defer rows.Close()
	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListActive returns every job with status='active' regardless of next_run,
// for the scheduler's startup restore of cron/recurring entries.
func (r *JobRepository) ListActive(ctx context.Context) ([]*ScheduledJob, error) {
	defer r.s.observeRead(time.Now())
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, name, job_type, schedule, timezone, next_run, start_date, end_date,
			max_executions, handler_name, handler_type, payload, max_retries, retry_delay_ms,
			timeout_ms, priority, concurrency, allow_overlap, executions_count, success_count,
			failure_count, avg_duration_ms, status, tags, platform_id
		FROM scheduled_jobs WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: list active jobs: %w", err)
	}
	defer rows.Close()
	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepository) SetStatus(ctx context.Context, id, status string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `UPDATE scheduled_jobs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: set job status %s: %w", id, err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete job %s: %w", id, err)
	}
	return nil
}

func (r *JobRepository) Reschedule(ctx context.Context, id string, nextRun time.Time) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `UPDATE scheduled_jobs SET next_run = $2, updated_at = now() WHERE id = $1`, id, nextRun)
	if err != nil {
		return fmt.Errorf("store: reschedule job %s: %w", id, err)
	}
	return nil
}

// RecordOutcome updates the job's rolling counters and average duration
// after an execution finishes — the running-average update the job executor
// (C10) relies on (avg' = round((avg*count + sample)/(count+1)), where count
// is the number of executions before this one).
func (r *JobRepository) RecordOutcome(ctx context.Context, id string, success bool, durationMs int) error {
	defer r.s.observeWrite(time.Now())
	successDelta, failureDelta := 0, 0
	if success {
		successDelta = 1
	} else {
		failureDelta = 1
	}
	_, err := r.s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET executions_count = executions_count + 1,
			success_count = success_count + $2,
			failure_count = failure_count + $3,
			avg_duration_ms = CASE WHEN executions_count = 0 THEN $4
				ELSE ROUND((avg_duration_ms * executions_count + $4)::numeric / (executions_count + 1))
				END,
			updated_at = now()
		WHERE id = $1`, id, successDelta, failureDelta, durationMs)
	if err != nil {
		return fmt.Errorf("store: record outcome %s: %w", id, err)
	}
	return nil
}

func (r *JobRepository) CreateExecution(ctx context.Context, e *JobExecution) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO job_executions (id, job_id, status, scheduled_at, started_at, retry_count,
			max_retries, trace_id, span_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.JobID, e.Status, e.ScheduledAt, e.StartedAt, e.RetryCount, e.MaxRetries, e.TraceID, e.SpanID)
	if err != nil {
		return fmt.Errorf("store: create execution %s: %w", e.ID, err)
	}
	return nil
}

func (r *JobRepository) CompleteExecution(ctx context.Context, id, status string, completedAt time.Time, durationMs int, result json.RawMessage, execErr string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $2, completed_at = $3, duration_ms = $4, result = $5, error = $6
		WHERE id = $1`, id, status, completedAt, durationMs, result, execErr)
	if err != nil {
		return fmt.Errorf("store: complete execution %s: %w", id, err)
	}
	return nil
}

// ScheduleRetry records a failed attempt's retry plan on its execution row:
// the job executor (C10) computes next_retry_at from the backoff formula in
// §4.6 and calls this instead of CompleteExecution so the same execution id
// is reused across retries of one job fire.
func (r *JobRepository) ScheduleRetry(ctx context.Context, executionID string, retryCount int, nextRetryAt time.Time) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		UPDATE job_executions SET retry_count = $2, next_retry_at = $3, status = 'retry_scheduled'
		WHERE id = $1`, executionID, retryCount, nextRetryAt)
	if err != nil {
		return fmt.Errorf("store: schedule retry %s: %w", executionID, err)
	}
	return nil
}

func (r *JobRepository) AppendLog(ctx context.Context, executionID, level, message string) error {
	defer r.s.observeWrite(time.Now())
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO job_execution_logs (execution_id, level, message) VALUES ($1,$2,$3)`,
		executionID, level, message)
	if err != nil {
		return fmt.Errorf("store: append log %s: %w", executionID, err)
	}
	return nil
}
