// Package fsm implements the Workflow State Machine (C7): a per-workflow
// in-process state machine keyed by workflow id. Grounded on
// cancellation.go's CancellationManager — a mutex-guarded map of per-workflow
// state with register/transition/lookup methods — generalized from tracking
// cancellation alone to the full state/event transition table of §4.4.
package fsm

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/definitions"
)

// State is one of the per-workflow FSM states (§4.4).
type State string

const (
	StateCreated                  State = "created"
	StateRunning                  State = "running"
	StatePausedForDecision        State = "paused_for_decision"
	StatePausedForClarification   State = "paused_for_clarification"
	StateCompleted                State = "completed"
	StateFailed                   State = "failed"
	StateCancelled                State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventType enumerates the events the FSM accepts (§4.4).
type EventType string

const (
	EventStart                  EventType = "START"
	EventStageComplete          EventType = "STAGE_COMPLETE"
	EventStageFailed            EventType = "STAGE_FAILED"
	EventDecisionRequired       EventType = "DECISION_REQUIRED"
	EventDecisionApproved       EventType = "DECISION_APPROVED"
	EventDecisionRejected       EventType = "DECISION_REJECTED"
	EventClarificationRequired  EventType = "CLARIFICATION_REQUIRED"
	EventClarificationComplete  EventType = "CLARIFICATION_COMPLETE"
	EventRetry                  EventType = "RETRY"
	EventCancel                 EventType = "CANCEL"
)

// Event carries an EventType plus whatever payload that type needs.
type Event struct {
	Type    EventType
	Stage   string
	EventID string
	Error   string
	ID      string
	Reason  string
}

// Instance is one workflow's FSM state.
type Instance struct {
	WorkflowID   string
	State        State
	CurrentStage string
	RetryCount   int
	MaxRetries   int
}

// SideEffect describes what the caller (C8) must do in response to a
// transition — the FSM itself never dispatches or persists, it only decides.
type SideEffect struct {
	// AdvanceStage is set when the transition moved to a new stage; the
	// caller is responsible for the CAS persistence and next-stage dispatch.
	AdvanceStage bool
	NextStage    string
	NextAgentType string
	NextTimeoutMs int
	Terminal     bool
	// Requeue is set on a within-stage retry: no FSM transition occurred,
	// the same stage is re-dispatched with an incremented retry_count.
	Requeue    bool
	RetryCount int
}

// ErrUnknownWorkflow is returned by Transition/Get for an unregistered id.
type ErrUnknownWorkflow struct{ WorkflowID string }

func (e ErrUnknownWorkflow) Error() string {
	return fmt.Sprintf("fsm: unknown workflow %s", e.WorkflowID)
}

// ErrStageMismatch is returned when STAGE_COMPLETE/STAGE_FAILED names a
// stage other than the instance's current_stage — the §4.5 defensive gate.
type ErrStageMismatch struct {
	WorkflowID string
	Event      string
	Current    string
}

func (e ErrStageMismatch) Error() string {
	return fmt.Sprintf("fsm: workflow %s event stage %q does not match current stage %q", e.WorkflowID, e.Event, e.Current)
}

// Registry is the C7 port: one Instance per active workflow, guarded by a
// short-lived lock that is never held across I/O (the caller persists and
// dispatches outside the lock).
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	defs      *definitions.Engine

	transitions metric.Int64Counter
}

func NewRegistry(defs *definitions.Engine, meter metric.Meter) *Registry {
	transitions, _ := meter.Int64Counter("orch_fsm_transitions_total")
	return &Registry{
		instances:   make(map[string]*Instance),
		defs:        defs,
		transitions: transitions,
	}
}

// Register creates a new workflow instance in state `created`.
func (r *Registry) Register(workflowID, firstStage string, maxRetries int) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := &Instance{WorkflowID: workflowID, State: StateCreated, CurrentStage: firstStage, MaxRetries: maxRetries}
	r.instances[workflowID] = inst
	return inst
}

// Get returns a copy of the instance's current state.
func (r *Registry) Get(workflowID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[workflowID]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Forget drops a terminal workflow's FSM instance from the registry.
func (r *Registry) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, workflowID)
}

// Transition applies event to workflowID's instance, mutating it under the
// registry lock and returning the SideEffect the caller must carry out
// outside the lock (CAS persistence, dispatch, etc).
func (r *Registry) Transition(workflowID string, platformID, workflowType string, ev Event) (SideEffect, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[workflowID]
	if !ok {
		return SideEffect{}, ErrUnknownWorkflow{WorkflowID: workflowID}
	}
	r.transitions.Add(context.Background(), 1)

	switch ev.Type {
	case EventStart:
		inst.State = StateRunning
		return SideEffect{}, nil

	case EventStageComplete:
		if ev.Stage != inst.CurrentStage {
			return SideEffect{}, ErrStageMismatch{WorkflowID: workflowID, Event: ev.Stage, Current: inst.CurrentStage}
		}
		next, ok := r.defs.NextStage(platformID, workflowType, inst.CurrentStage, nil)
		if !ok || next.Terminal {
			inst.State = StateCompleted
			return SideEffect{Terminal: true}, nil
		}
		inst.CurrentStage = next.NextStage
		inst.RetryCount = 0
		inst.State = StateRunning
		return SideEffect{AdvanceStage: true, NextStage: next.NextStage, NextAgentType: next.AgentType, NextTimeoutMs: next.TimeoutMs}, nil

	case EventStageFailed:
		if ev.Stage != inst.CurrentStage {
			return SideEffect{}, ErrStageMismatch{WorkflowID: workflowID, Event: ev.Stage, Current: inst.CurrentStage}
		}
		if inst.RetryCount >= inst.MaxRetries {
			inst.State = StateFailed
			return SideEffect{Terminal: true}, nil
		}
		inst.RetryCount++
		return SideEffect{Requeue: true, RetryCount: inst.RetryCount}, nil

	case EventRetry:
		inst.RetryCount++
		return SideEffect{Requeue: true, RetryCount: inst.RetryCount}, nil

	case EventDecisionRequired, EventClarificationRequired:
		if ev.Type == EventDecisionRequired {
			inst.State = StatePausedForDecision
		} else {
			inst.State = StatePausedForClarification
		}
		return SideEffect{}, nil

	case EventDecisionApproved, EventClarificationComplete:
		inst.State = StateRunning
		return SideEffect{}, nil

	case EventDecisionRejected:
		inst.State = StateFailed
		return SideEffect{Terminal: true}, nil

	case EventCancel:
		inst.State = StateCancelled
		return SideEffect{Terminal: true}, nil

	default:
		return SideEffect{}, fmt.Errorf("fsm: unhandled event type %s", ev.Type)
	}
}
