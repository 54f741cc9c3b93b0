package bus

import "fmt"

// Topic names are wire contract and must match spec §6 exactly — agents and
// any external replay tooling depend on these literal subjects.

// AgentTasksTopic is the per-agent-type task subject.
func AgentTasksTopic(agentType string) string {
	return fmt.Sprintf("agent:%s:tasks", agentType)
}

// AgentTasksStream is the durable mirror of AgentTasksTopic for replay.
func AgentTasksStream(agentType string) string {
	return fmt.Sprintf("stream:agent:%s:tasks", agentType)
}

// ResultsTopic is the single shared subject agents publish results to.
const ResultsTopic = "orchestrator:results"

// ResultsConsumerGroup is the durable queue-group name for the one persistent
// C8 subscriber (per design note: one registration at init, not per-workflow).
const ResultsConsumerGroup = "orchestrator-core"

// Scheduler lifecycle topics (C9/C10).
const (
	SchedulerJobCreated         = "scheduler:job.created"
	SchedulerJobUpdated         = "scheduler:job.updated"
	SchedulerJobDeleted         = "scheduler:job.deleted"
	SchedulerJobPaused          = "scheduler:job.paused"
	SchedulerJobResumed         = "scheduler:job.resumed"
	SchedulerJobCancelled       = "scheduler:job.cancelled"
	SchedulerJobDispatch        = "scheduler:job.dispatch"
	SchedulerJobDispatchStream  = "stream:scheduler:job.dispatch"
	SchedulerExecutionSuccess   = "scheduler:execution.success"
	SchedulerExecutionFailed    = "scheduler:execution.failed"
	SchedulerExecutionRetry     = "scheduler:execution.retry_scheduled"
	SchedulerJobResultsStream   = "stream:scheduler:job.results"
)

// WorkflowEventsTopic carries workflow lifecycle events; payload metadata.stage
// is drawn from the WorkflowEvent* constants below.
const WorkflowEventsTopic = "workflow:events"

// Workflow lifecycle stage enumeration for workflow:events payloads.
const (
	WorkflowEventCreated        = "orchestrator:workflow:created"
	WorkflowEventStageCompleted = "orchestrator:workflow:stage:completed"
	WorkflowEventCompleted      = "orchestrator:workflow:completed"
	WorkflowEventFailed         = "orchestrator:workflow:failed"
	WorkflowEventPaused         = "orchestrator:workflow:paused"
	WorkflowEventResumed        = "orchestrator:workflow:resumed"
)
