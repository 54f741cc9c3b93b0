// Package workflow implements the Workflow Service (C8): the exactly-once
// agent-result pipeline (§4.5) plus workflow submission. Grounded on
// dag_engine.go's TaskResult/WorkflowExecution bookkeeping and
// cancellation.go's status-transition style, composed over C2 (kv), C3
// (store), C4 (definitions), C5 (envelope), C6 (dispatch), and C7 (fsm).
package workflow

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/definitions"
	"github.com/swarmguard/orchestrator-core/internal/dispatch"
	"github.com/swarmguard/orchestrator-core/internal/envelope"
	"github.com/swarmguard/orchestrator-core/internal/fsm"
	"github.com/swarmguard/orchestrator-core/internal/kv"
	"github.com/swarmguard/orchestrator-core/internal/store"
)

const pollAttempts = 50
const pollInterval = 100 * time.Millisecond

// Service is the C8 port.
type Service struct {
	wfRepo     *store.WorkflowRepository
	kvPort     kv.Port
	busPort    bus.Port
	dispatcher *dispatch.Dispatcher
	fsmReg     *fsm.Registry
	defs       *definitions.Engine
	envelopes  *envelope.Builder

	logger   *slog.Logger
	workerID string
	lockTTL  time.Duration
	dedupTTL time.Duration

	backstopMu sync.Mutex
	backstop   map[string]struct{}

	dedupDrops    metric.Int64Counter
	staleDrops    metric.Int64Counter
	conflictDrops metric.Int64Counter
	lockMisses    metric.Int64Counter
}

// Option customizes Service construction.
type Option func(*Service)

func WithWorkerID(id string) Option {
	return func(s *Service) { s.workerID = id }
}

func NewService(
	wfRepo *store.WorkflowRepository,
	kvPort kv.Port,
	busPort bus.Port,
	dispatcher *dispatch.Dispatcher,
	fsmReg *fsm.Registry,
	defs *definitions.Engine,
	envelopes *envelope.Builder,
	lockTTL, dedupTTL time.Duration,
	meter metric.Meter,
	opts ...Option,
) *Service {
	dedupDrops, _ := meter.Int64Counter("orch_workflow_dedup_drops_total")
	staleDrops, _ := meter.Int64Counter("orch_workflow_stale_drops_total")
	conflictDrops, _ := meter.Int64Counter("orch_workflow_conflict_drops_total")
	lockMisses, _ := meter.Int64Counter("orch_workflow_lock_misses_total")

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = "orchestrator-worker"
	}

	s := &Service{
		wfRepo:        wfRepo,
		kvPort:        kvPort,
		busPort:       busPort,
		dispatcher:    dispatcher,
		fsmReg:        fsmReg,
		defs:          defs,
		envelopes:     envelopes,
		logger:        slog.Default(),
		workerID:      workerID,
		lockTTL:       lockTTL,
		dedupTTL:      dedupTTL,
		backstop:      make(map[string]struct{}),
		dedupDrops:    dedupDrops,
		staleDrops:    staleDrops,
		conflictDrops: conflictDrops,
		lockMisses:    lockMisses,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// computeEventID implements §4.5 step 2: a deterministic, collision-proof
// event id. worker_id here is the agent_id that produced the result — the
// only per-message worker identifier the AgentResult schema (§6) carries —
// so that the same physical result, redelivered, always hashes identically.
func computeEventID(taskID, stage, createdAt, agentID string) string {
	sum := sha1.Sum([]byte(taskID + "|" + stage + "|" + createdAt + "|" + agentID))
	return hex.EncodeToString(sum[:])[:12]
}

// HandleResult runs the full exactly-once pipeline for one agent result
// message. It returns nil for every "dropped" outcome (dedup hit, stage
// mismatch, lock contention, CAS conflict) since those are not failures of
// the bus delivery itself. Failures returned are ErrSchemaInvalid, ErrNotFound
// (unknown workflow), ErrDispatchFailed, and unexpected internal errors.
func (s *Service) HandleResult(ctx context.Context, raw []byte) error {
	var result AgentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := result.validate(); err != nil {
		return err
	}

	eventID := computeEventID(result.TaskID, result.Stage, result.Timestamp, result.AgentID)
	seenKey := kv.SeenKey(result.TaskID)

	already, err := s.kvPort.SIsMember(ctx, seenKey, eventID)
	if err != nil {
		return fmt.Errorf("workflow: dedup check: %w", err)
	}
	if already {
		s.dedupDrops.Add(ctx, 1)
		return nil
	}

	lockKey := kv.LockKey(result.TaskID)
	token := uuid.NewString()
	acquired, err := s.kvPort.SetNX(ctx, lockKey, token, s.lockTTL)
	if err != nil {
		return fmt.Errorf("workflow: lock acquire: %w", err)
	}
	if !acquired {
		s.lockMisses.Add(ctx, 1)
		return nil
	}
	defer func() {
		if _, err := s.kvPort.ReleaseLock(context.Background(), lockKey, token); err != nil {
			s.logger.Warn("workflow: lock release failed", "task_id", result.TaskID, "error", err)
		}
	}()

	wf, err := s.wfRepo.Get(ctx, result.WorkflowID)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("workflow: load workflow %s: %w", result.WorkflowID, err)
	}

	stageMatch := wf.CurrentStage == result.Stage
	s.logTruthTable(result, wf, stageMatch)
	if !stageMatch {
		s.staleDrops.Add(ctx, 1)
		return nil
	}

	if !s.claimBackstop(result.TaskID) {
		return nil
	}

	outputJSON, err := buildStageOutput(result)
	if err != nil {
		return fmt.Errorf("workflow: build stage output: %w", err)
	}
	if err := s.wfRepo.PersistStageOutput(ctx, wf.ID, result.Stage, outputJSON); err != nil {
		return fmt.Errorf("workflow: persist stage output: %w", err)
	}

	taskStatus := "completed"
	if !result.Success {
		taskStatus = "failed"
	}
	if err := s.wfRepo.MarkTaskStatus(ctx, result.TaskID, taskStatus); err != nil {
		return fmt.Errorf("workflow: mark task status: %w", err)
	}

	evType := fsm.EventStageComplete
	if !result.Success {
		evType = fsm.EventStageFailed
	}
	se, err := s.transitionFSM(wf, fsm.Event{
		Type: evType, Stage: result.Stage, EventID: eventID, Error: result.Error,
	})
	if err != nil {
		if _, ok := err.(fsm.ErrStageMismatch); ok {
			s.staleDrops.Add(ctx, 1)
			return nil
		}
		return fmt.Errorf("workflow: fsm transition: %w", err)
	}

	switch {
	case se.Requeue:
		if err := s.redispatchCurrentStage(ctx, wf, se.RetryCount); err != nil {
			return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}

	case se.Terminal:
		status := "completed"
		progress := 100
		if !result.Success {
			status = "failed"
			progress = wf.Progress
		}
		if err := s.wfRepo.AdvanceStage(ctx, wf.ID, wf.CurrentStage, wf.Version, wf.CurrentStage, status, progress); err != nil {
			if err == store.ErrVersionConflict {
				s.conflictDrops.Add(ctx, 1)
				return nil
			}
			return fmt.Errorf("workflow: terminal CAS: %w", err)
		}
		if !result.Success && result.Error != "" {
			_ = s.wfRepo.SetLastError(ctx, wf.ID, status, result.Error)
		}
		s.fsmReg.Forget(wf.ID)
		terminalStage := bus.WorkflowEventCompleted
		if !result.Success {
			terminalStage = bus.WorkflowEventFailed
		}
		s.publishLifecycleEvent(ctx, wf.ID, terminalStage)

	case se.AdvanceStage:
		progress, _ := s.defs.Progress(derefString(wf.PlatformID), wf.WorkflowType, se.NextStage)
		if err := s.wfRepo.AdvanceStage(ctx, wf.ID, wf.CurrentStage, wf.Version, se.NextStage, "running", progress.ProgressPercentage); err != nil {
			if err == store.ErrVersionConflict {
				s.conflictDrops.Add(ctx, 1)
				return nil
			}
			return fmt.Errorf("workflow: advance CAS: %w", err)
		}

		s.publishLifecycleEvent(ctx, wf.ID, bus.WorkflowEventStageCompleted)

		if !s.waitForTransition(ctx, wf.ID, wf.CurrentStage) {
			s.logger.Warn("workflow: transition did not converge within poll budget", "workflow_id", wf.ID)
		}

		next, err := s.wfRepo.Get(ctx, wf.ID)
		if err != nil {
			return fmt.Errorf("workflow: reload after advance: %w", err)
		}
		if err := s.dispatchStage(ctx, next, se.NextStage, se.NextAgentType, se.NextTimeoutMs, 0); err != nil {
			if _, ferr := s.transitionFSM(next, fsm.Event{Type: fsm.EventStageFailed, Stage: se.NextStage}); ferr != nil {
				s.logger.Warn("workflow: fsm stage-failed after dispatch failure", "error", ferr)
			}
			return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
	}

	if err := s.kvPort.SAdd(ctx, seenKey, eventID, s.dedupTTL); err != nil {
		s.logger.Warn("workflow: dedup track failed", "task_id", result.TaskID, "error", err)
	}
	return nil
}

// SubmitInput is everything the caller must supply to start a new workflow.
type SubmitInput struct {
	ID           string
	WorkflowType string
	PlatformID   *string
	Name         string
	Description  string
	CreatedBy    string
	TraceID      string
	Requirements json.RawMessage
}

// SubmitWorkflow creates a workflow row at its first stage, registers it in
// the FSM, and dispatches the first stage's task. It is the external-facing
// counterpart to HandleResult: one creates a workflow, the other drives it.
func (s *Service) SubmitWorkflow(ctx context.Context, in SubmitInput) (*store.Workflow, error) {
	def, ok := s.defs.GetDefinition(derefString(in.PlatformID), in.WorkflowType)
	if !ok || len(def.Stages) == 0 {
		return nil, fmt.Errorf("%w: no definition for workflow_type %q", ErrNotFound, in.WorkflowType)
	}
	first := def.Stages[0]
	progress, _ := s.defs.Progress(derefString(in.PlatformID), in.WorkflowType, first.Name)

	wf := &store.Workflow{
		ID:           in.ID,
		WorkflowType: in.WorkflowType,
		PlatformID:   in.PlatformID,
		Status:       "running",
		CurrentStage: first.Name,
		Progress:     progress.ProgressPercentage,
		Requirements: in.Requirements,
		Name:         in.Name,
		Description:  in.Description,
		CreatedBy:    in.CreatedBy,
		TraceID:      in.TraceID,
	}
	if err := s.wfRepo.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("workflow: create: %w", err)
	}
	s.publishLifecycleEvent(ctx, wf.ID, bus.WorkflowEventCreated)

	inst := s.fsmReg.Register(wf.ID, first.Name, 3)
	inst.MaxRetries = 3
	if _, err := s.fsmReg.Transition(wf.ID, derefString(in.PlatformID), in.WorkflowType, fsm.Event{Type: fsm.EventStart}); err != nil {
		return nil, fmt.Errorf("workflow: start fsm: %w", err)
	}

	if err := s.dispatchStage(ctx, wf, first.Name, first.AgentType, first.TimeoutMs, 0); err != nil {
		if _, ferr := s.transitionFSM(wf, fsm.Event{Type: fsm.EventStageFailed, Stage: first.Name}); ferr != nil {
			s.logger.Warn("workflow: fsm stage-failed after initial dispatch failure", "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return wf, nil
}

// CancelWorkflow unconditionally moves a non-terminal workflow to cancelled,
// per §4.4's CANCEL rule. The CAS predicate still applies: if another worker
// advanced the workflow between the load and the update, the caller gets
// ErrConflictOnTransition and can retry against the fresh row.
func (s *Service) CancelWorkflow(ctx context.Context, id string) error {
	wf, err := s.wfRepo.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("workflow: load workflow %s: %w", id, err)
	}
	if isTerminalStatus(wf.Status) {
		return fmt.Errorf("workflow: %s is already terminal (%s)", id, wf.Status)
	}

	if _, err := s.transitionFSM(wf, fsm.Event{Type: fsm.EventCancel}); err != nil {
		s.logger.Warn("workflow: fsm cancel transition failed", "workflow_id", id, "error", err)
	}
	if err := s.wfRepo.AdvanceStage(ctx, wf.ID, wf.CurrentStage, wf.Version, wf.CurrentStage, "cancelled", wf.Progress); err != nil {
		if err == store.ErrVersionConflict {
			return ErrConflictOnTransition
		}
		return fmt.Errorf("workflow: cancel CAS: %w", err)
	}
	s.fsmReg.Forget(wf.ID)
	return nil
}

// RetryWorkflow re-queues a failed workflow's current stage: status returns
// to running, the FSM is rebuilt at the persisted stage, and a fresh task is
// dispatched for it.
func (s *Service) RetryWorkflow(ctx context.Context, id string) error {
	wf, err := s.wfRepo.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("workflow: load workflow %s: %w", id, err)
	}
	if wf.Status != "failed" {
		return fmt.Errorf("workflow: %s is %s, only failed workflows can be retried", id, wf.Status)
	}

	if err := s.wfRepo.AdvanceStage(ctx, wf.ID, wf.CurrentStage, wf.Version, wf.CurrentStage, "running", wf.Progress); err != nil {
		if err == store.ErrVersionConflict {
			return ErrConflictOnTransition
		}
		return fmt.Errorf("workflow: retry CAS: %w", err)
	}

	s.fsmReg.Forget(wf.ID)
	s.fsmReg.Register(wf.ID, wf.CurrentStage, 3)
	if _, err := s.fsmReg.Transition(wf.ID, derefString(wf.PlatformID), wf.WorkflowType, fsm.Event{Type: fsm.EventStart}); err != nil {
		return fmt.Errorf("workflow: restart fsm: %w", err)
	}

	if err := s.redispatchCurrentStage(ctx, wf, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return nil
}

func isTerminalStatus(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

// transitionFSM applies ev to wf's FSM instance, lazily re-registering it
// from the persisted row first if this process never saw the workflow (a
// restart drops the in-process registry entirely — the database row is the
// durable source of truth it rebuilds from).
func (s *Service) transitionFSM(wf *store.Workflow, ev fsm.Event) (fsm.SideEffect, error) {
	se, err := s.fsmReg.Transition(wf.ID, derefString(wf.PlatformID), wf.WorkflowType, ev)
	if _, ok := err.(fsm.ErrUnknownWorkflow); ok {
		inst := s.fsmReg.Register(wf.ID, wf.CurrentStage, 3)
		inst.RetryCount = 0
		se, err = s.fsmReg.Transition(wf.ID, derefString(wf.PlatformID), wf.WorkflowType, fsm.Event{Type: fsm.EventStart})
		if err != nil {
			return fsm.SideEffect{}, err
		}
		se, err = s.fsmReg.Transition(wf.ID, derefString(wf.PlatformID), wf.WorkflowType, ev)
	}
	return se, err
}

// claimBackstop is the §4.5 step 6 in-memory idempotency backstop: best
// effort, process-lifetime only.
func (s *Service) claimBackstop(taskID string) bool {
	s.backstopMu.Lock()
	defer s.backstopMu.Unlock()
	if _, seen := s.backstop[taskID]; seen {
		return false
	}
	s.backstop[taskID] = struct{}{}
	return true
}

// waitForTransition polls the workflow row until current_stage no longer
// equals previousStage, tolerating asynchronous FSM side effects (§4.5 step
// 10). Since AdvanceStage above already performed the CAS synchronously,
// this converges on its first check in this implementation — the poll loop
// exists so the contract holds if a future FSM ever applies transitions
// out of band.
func (s *Service) waitForTransition(ctx context.Context, workflowID, previousStage string) bool {
	for i := 0; i < pollAttempts; i++ {
		wf, err := s.wfRepo.Get(ctx, workflowID)
		if err == nil && wf.CurrentStage != previousStage {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return false
}

func (s *Service) dispatchStage(ctx context.Context, wf *store.Workflow, stage, agentType string, timeoutMs, retryCount int) error {
	taskID := uuid.NewString()
	env, err := s.envelopes.Build(envelope.BuildInput{
		TaskID:            taskID,
		WorkflowID:        wf.ID,
		Stage:             stage,
		AgentType:         agentType,
		MaxRetries:        3,
		TimeoutMs:         timeoutMs,
		TraceID:           wf.TraceID,
		WorkflowType:      wf.WorkflowType,
		WorkflowName:      wf.Name,
		PriorStageOutputs: wf.StageOutputs,
		OutputDir:         "output/" + wf.ID,
	})
	if err != nil {
		return fmt.Errorf("workflow: build envelope: %w", err)
	}
	env.RetryCount = retryCount

	if err := s.wfRepo.CreateTask(ctx, &store.Task{
		TaskID: taskID, WorkflowID: wf.ID, AgentType: agentType, Action: stage, Stage: stage,
		Status: "pending", RetryCount: retryCount, MaxRetries: env.MaxRetries, TimeoutMs: timeoutMs,
		Priority: string(env.Priority),
	}); err != nil {
		return fmt.Errorf("workflow: create task row: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, env); err != nil {
		return err
	}
	return nil
}

// redispatchCurrentStage re-dispatches the workflow's current stage with an
// incremented retry_count, per §4.4's "retries within a stage" rule: no FSM
// transition occurs, the same stage is re-queued.
func (s *Service) redispatchCurrentStage(ctx context.Context, wf *store.Workflow, retryCount int) error {
	agentType := ""
	timeoutMs := 0
	if def, ok := s.defs.GetDefinition(derefString(wf.PlatformID), wf.WorkflowType); ok {
		for _, st := range def.Stages {
			if st.Name == wf.CurrentStage {
				agentType = st.AgentType
				timeoutMs = st.TimeoutMs
				break
			}
		}
	}
	return s.dispatchStage(ctx, wf, wf.CurrentStage, agentType, timeoutMs, retryCount)
}

func buildStageOutput(r AgentResult) (json.RawMessage, error) {
	out := map[string]any{
		"success":      r.Success,
		"status":       r.Status,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if len(r.Result) > 0 {
		out["result"] = json.RawMessage(r.Result)
	}
	if len(r.Metrics) > 0 {
		out["metrics"] = json.RawMessage(r.Metrics)
	}
	if len(r.Artifacts) > 0 {
		out["artifacts"] = json.RawMessage(r.Artifacts)
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// logTruthTable records the decision-point log entry the spec mandates
// verbatim: timestamp, worker id, task_id, workflow_id, event_type,
// event.stage, db.current_stage, db.status, db.progress, stage_match,
// severity.
func (s *Service) logTruthTable(r AgentResult, wf *store.Workflow, stageMatch bool) {
	match := "NO"
	severity := slog.LevelInfo
	severityLabel := "INFO"
	if stageMatch {
		match = "YES"
	} else {
		severity = slog.LevelError
		severityLabel = "CRITICAL"
	}
	s.logger.Log(context.Background(), severity, "workflow: agent result received",
		"worker_id", s.workerID,
		"task_id", r.TaskID,
		"workflow_id", wf.ID,
		"event_type", "AGENT_RESULT",
		"event_stage", r.Stage,
		"db_current_stage", wf.CurrentStage,
		"db_status", wf.Status,
		"db_progress", wf.Progress,
		"stage_match", match,
		"severity", severityLabel,
	)
}

func (s *Service) publishLifecycleEvent(ctx context.Context, workflowID, stage string) {
	payload, err := json.Marshal(map[string]any{
		"workflow_id": workflowID,
		"metadata":    map[string]string{"stage": stage},
	})
	if err != nil {
		s.logger.Warn("workflow: marshal lifecycle event failed", "error", err)
		return
	}
	if err := s.busPort.Publish(ctx, bus.WorkflowEventsTopic, payload); err != nil {
		s.logger.Warn("workflow: publish lifecycle event failed", "error", err)
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
