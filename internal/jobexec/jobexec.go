// Package jobexec implements the Job Executor (C10): it consumes the
// scheduler's dispatch messages, resolves a handler (in-process function,
// agent dispatch, or new workflow), races it against the job's timeout, and
// applies the retry/backoff and rolling-average bookkeeping in §4.6.
// Grounded on dag_engine.go's executeTask (retry loop with exponential
// backoff + jitter, timeout via context) — adapted from executing a DAG node
// to executing one scheduled-job fire — and on dispatch.go for the
// agent-handler path.
package jobexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/dispatch"
	"github.com/swarmguard/orchestrator-core/internal/envelope"
	"github.com/swarmguard/orchestrator-core/internal/scheduler"
	"github.com/swarmguard/orchestrator-core/internal/store"
	"github.com/swarmguard/orchestrator-core/internal/workflow"
)

const (
	consumerGroup       = "orchestrator-core-jobexec"
	defaultMultiplier   = 2.0
	defaultMaxRetryWait = 3_600_000 * time.Millisecond
)

// WorkflowSubmitter is the slice of internal/workflow's Service the executor
// needs for the handler_type="workflow" path, kept as a narrow interface so
// a test fake need not satisfy the whole Service.
type WorkflowSubmitter interface {
	SubmitWorkflow(ctx context.Context, in workflow.SubmitInput) (*store.Workflow, error)
}

// Function is an in-process handler registered under a name, for
// handler_type="function" jobs.
type Function func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Executor is the C10 port. It implements scheduler.Invoker so the
// scheduler's inline event-handler actions and its own dispatch-message
// consumption share one handler-resolution path.
type Executor struct {
	jobs      *store.JobRepository
	busPort   bus.Port
	dispatcher *dispatch.Dispatcher
	workflows WorkflowSubmitter
	logger    *slog.Logger

	functions map[string]Function

	executions metric.Int64Counter
	successes  metric.Int64Counter
	failures   metric.Int64Counter
	retries    metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ scheduler.Invoker = (*Executor)(nil)

func NewExecutor(jobs *store.JobRepository, busPort bus.Port, dispatcher *dispatch.Dispatcher, workflows WorkflowSubmitter, meter metric.Meter) *Executor {
	executions, _ := meter.Int64Counter("orch_jobexec_executions_total")
	successes, _ := meter.Int64Counter("orch_jobexec_successes_total")
	failures, _ := meter.Int64Counter("orch_jobexec_failures_total")
	retries, _ := meter.Int64Counter("orch_jobexec_retries_total")
	duration, _ := meter.Float64Histogram("orch_jobexec_duration_ms")
	return &Executor{
		jobs: jobs, busPort: busPort, dispatcher: dispatcher, workflows: workflows,
		logger: slog.Default(), functions: make(map[string]Function),
		executions: executions, successes: successes, failures: failures, retries: retries, duration: duration,
	}
}

// RegisterFunction binds name to an in-process handler for handler_type="function" jobs.
func (e *Executor) RegisterFunction(name string, fn Function) {
	e.functions[name] = fn
}

// Start subscribes to the scheduler's dispatch subject as a queue group, so
// exactly one executor instance in a fleet runs any given fire.
func (e *Executor) Start(ctx context.Context) error {
	_, err := e.busPort.QueueSubscribe(ctx, bus.SchedulerJobDispatch, consumerGroup, func(ctx context.Context, subject string, data []byte) {
		var msg scheduler.JobDispatchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Error("jobexec: malformed dispatch message", "error", err)
			return
		}
		e.handleDispatch(context.Background(), msg)
	})
	if err != nil {
		return fmt.Errorf("jobexec: subscribe dispatch: %w", err)
	}
	return nil
}

func (e *Executor) handleDispatch(ctx context.Context, msg scheduler.JobDispatchMessage) {
	e.executions.Add(ctx, 1)
	now := time.Now()
	exec := &store.JobExecution{
		ID: msg.ExecutionID, JobID: msg.JobID, Status: "running",
		StartedAt: &now, MaxRetries: msg.MaxRetries, TraceID: msg.TraceID,
	}
	if err := e.jobs.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("jobexec: create execution row failed", "job_id", msg.JobID, "error", err)
		return
	}
	e.runWithRetry(ctx, msg, 0)
}

// runWithRetry executes one attempt, and on failure schedules the next one
// in a detached goroutine timed by the backoff formula, never blocking the
// subscription's delivery goroutine.
func (e *Executor) runWithRetry(ctx context.Context, msg scheduler.JobDispatchMessage, attempt int) {
	start := time.Now()
	timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := e.race(runCtx, msg)
	cancel()
	durationMs := int(time.Since(start).Milliseconds())

	if err == nil {
		e.onSuccess(ctx, msg, result, durationMs)
		return
	}

	if attempt >= msg.MaxRetries {
		e.onPermanentFailure(ctx, msg, err, durationMs)
		return
	}

	retryCount := attempt + 1
	delay := backoffDelay(msg.RetryDelayMs, retryCount)
	nextRetryAt := time.Now().Add(delay)
	if scheduleErr := e.jobs.ScheduleRetry(ctx, msg.ExecutionID, retryCount, nextRetryAt); scheduleErr != nil {
		e.logger.Error("jobexec: persist retry state failed", "execution_id", msg.ExecutionID, "error", scheduleErr)
	}
	e.appendLog(ctx, msg.ExecutionID, "warn",
		fmt.Sprintf("attempt %d failed: %v; retry %d in %s", attempt+1, err, retryCount, delay))
	e.publishScheduler(ctx, bus.SchedulerExecutionRetry, msg.ExecutionID, msg.JobID, retryCount, err.Error())
	e.retries.Add(ctx, 1)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.runWithRetry(context.Background(), msg, retryCount)
		case <-ctx.Done():
		}
	}()
}

// backoffDelay implements §4.6's clamp: delay = min(retry_delay_ms *
// multiplier^(n-1), max_retry_delay_ms), with multiplier=2 and a 1h cap.
func backoffDelay(retryDelayMs, attemptN int) time.Duration {
	base := float64(retryDelayMs)
	if base <= 0 {
		base = 1000
	}
	for i := 1; i < attemptN; i++ {
		base *= defaultMultiplier
	}
	d := time.Duration(base) * time.Millisecond
	if d > defaultMaxRetryWait {
		d = defaultMaxRetryWait
	}
	return d
}

func (e *Executor) race(ctx context.Context, msg scheduler.JobDispatchMessage) (json.RawMessage, error) {
	type out struct {
		result json.RawMessage
		err    error
	}
	done := make(chan out, 1)
	go func() {
		result, err := e.Invoke(ctx, msg.HandlerType, msg.HandlerName, msg.Payload)
		done <- out{result, err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("jobexec: handler timed out: %w", ctx.Err())
	}
}

// Invoke resolves and runs one handler with no persistence side effects,
// satisfying scheduler.Invoker for inline event-handler actions as well as
// this executor's own dispatch path.
func (e *Executor) Invoke(ctx context.Context, handlerType, handlerName string, payload json.RawMessage) (json.RawMessage, error) {
	switch handlerType {
	case "function":
		fn, ok := e.functions[handlerName]
		if !ok {
			return nil, fmt.Errorf("jobexec: no function registered as %q", handlerName)
		}
		return fn(ctx, payload)
	case "agent":
		return e.invokeAgent(ctx, handlerName, payload)
	case "workflow":
		wf, err := e.workflows.SubmitWorkflow(ctx, workflow.SubmitInput{
			ID:           uuid.NewString(),
			WorkflowType: handlerName,
			Requirements: payload,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"workflow_id": wf.ID})
	default:
		return nil, fmt.Errorf("jobexec: unknown handler_type %q", handlerType)
	}
}

// invokeAgent builds an AgentEnvelope by hand rather than through
// envelope.Builder: that builder's payload switch is closed over the five
// workflow-stage agent types and has no concept of an ad hoc, job-triggered
// agent call.
func (e *Executor) invokeAgent(ctx context.Context, agentType string, payload json.RawMessage) (json.RawMessage, error) {
	env := envelope.AgentEnvelope{
		ID:              uuid.NewString(),
		Type:            "job_task",
		TaskID:          uuid.NewString(),
		AgentType:       agentType,
		Priority:        envelope.PriorityMedium,
		Status:          "pending",
		TimeoutMs:       30_000,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		TraceID:         uuid.NewString(),
		EnvelopeVersion: "1.0.0",
		Payload:         payload,
	}
	if err := e.dispatcher.Dispatch(ctx, env); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"task_id": env.TaskID, "agent_type": agentType})
}

func (e *Executor) onSuccess(ctx context.Context, msg scheduler.JobDispatchMessage, result json.RawMessage, durationMs int) {
	e.duration.Record(ctx, float64(durationMs))
	if err := e.jobs.CompleteExecution(ctx, msg.ExecutionID, "success", time.Now(), durationMs, result, ""); err != nil {
		e.logger.Error("jobexec: complete execution failed", "execution_id", msg.ExecutionID, "error", err)
	}
	if err := e.jobs.RecordOutcome(ctx, msg.JobID, true, durationMs); err != nil {
		e.logger.Error("jobexec: record outcome failed", "job_id", msg.JobID, "error", err)
	}
	e.publishScheduler(ctx, bus.SchedulerExecutionSuccess, msg.ExecutionID, msg.JobID, 0, "")
	e.successes.Add(ctx, 1)
}

func (e *Executor) onPermanentFailure(ctx context.Context, msg scheduler.JobDispatchMessage, execErr error, durationMs int) {
	e.duration.Record(ctx, float64(durationMs))
	if err := e.jobs.CompleteExecution(ctx, msg.ExecutionID, "failed", time.Now(), durationMs, nil, execErr.Error()); err != nil {
		e.logger.Error("jobexec: complete execution failed", "execution_id", msg.ExecutionID, "error", err)
	}
	e.appendLog(ctx, msg.ExecutionID, "error",
		fmt.Sprintf("permanently failed after %d retries: %v", msg.MaxRetries, execErr))
	if err := e.jobs.RecordOutcome(ctx, msg.JobID, false, durationMs); err != nil {
		e.logger.Error("jobexec: record outcome failed", "job_id", msg.JobID, "error", err)
	}
	e.publishScheduler(ctx, bus.SchedulerExecutionFailed, msg.ExecutionID, msg.JobID, msg.MaxRetries, execErr.Error())
	e.failures.Add(ctx, 1)
}

// appendLog writes one job_execution_logs row; like stats updates, a failed
// log write never fails the execution it describes.
func (e *Executor) appendLog(ctx context.Context, executionID, level, message string) {
	if err := e.jobs.AppendLog(ctx, executionID, level, message); err != nil {
		e.logger.Warn("jobexec: append execution log failed", "execution_id", executionID, "error", err)
	}
}

func (e *Executor) publishScheduler(ctx context.Context, topic, executionID, jobID string, retryCount int, errMsg string) {
	payload, _ := json.Marshal(map[string]any{
		"execution_id": executionID,
		"job_id":       jobID,
		"retry_count":  retryCount,
		"error":        errMsg,
	})
	if err := e.busPort.PublishMirrored(ctx, topic, bus.SchedulerJobResultsStream, payload); err != nil {
		e.logger.Warn("jobexec: publish scheduler event failed", "topic", topic, "error", err)
	}
}
