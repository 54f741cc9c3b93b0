// Package scheduler implements the Job Scheduler (C9): cron/one-time/
// recurring job registration, next-run computation in the job's timezone,
// and event-handler registration/triggering. Grounded on scheduler.go's
// Scheduler/ScheduleConfig/EventHandler — the cron engine, the event-handler
// map, and the lazy-subscription pattern are kept almost directly — adapted
// from executing workflows in-process via a DAGEngine to persisting a
// ScheduledJob (C3) and publishing a dispatch message C10 picks up over the
// bus (C1), so a job fire never blocks the scheduler goroutine on handler
// work.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cron "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/resilience"
	"github.com/swarmguard/orchestrator-core/internal/store"
)

const eventSubscribeTimeout = 3 * time.Second

// cronParser accepts both 5-field standard expressions and 6-field
// seconds-precision ones. The same parser backs the engine, submit-time
// validation, and next-run computation, so an expression can never pass one
// and fail another.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Invoker is the inline, non-persisted handler call used for event-triggered
// actions (trigger_workflow/dispatch_agent/function). It is satisfied by
// *jobexec.Executor without scheduler importing jobexec's store/bus
// dependencies, avoiding an import cycle between C9 and C10.
type Invoker interface {
	Invoke(ctx context.Context, handlerType, handlerName string, payload json.RawMessage) (json.RawMessage, error)
}

// JobDispatchMessage is published on SchedulerJobDispatch for C10 to consume.
// It carries everything the executor needs so it never has to reload the job
// row to run one fire, only to persist outcomes against it.
type JobDispatchMessage struct {
	JobID        string          `json:"job_id"`
	ExecutionID  string          `json:"execution_id"`
	HandlerName  string          `json:"handler_name"`
	HandlerType  string          `json:"handler_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MaxRetries   int             `json:"max_retries"`
	RetryDelayMs int             `json:"retry_delay_ms"`
	TimeoutMs    int             `json:"timeout_ms"`
	TraceID      string          `json:"trace_id"`
}

// Scheduler is the C9 port.
type Scheduler struct {
	cron    *cron.Cron
	jobs    *store.JobRepository
	events  *store.EventHandlerRepository
	busPort bus.Port
	invoker Invoker
	logger  *slog.Logger

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	timers    map[string]*time.Timer
	eventSubs map[string]bus.Subscription

	// triggerLimiter bounds event-trigger storms: a misbehaving producer
	// firing triggerEvent in a tight loop is shed here instead of fanning
	// out into handler executions.
	triggerLimiter *resilience.RateLimiter

	runs          metric.Int64Counter
	failures      metric.Int64Counter
	eventTriggers metric.Int64Counter
}

func NewScheduler(jobs *store.JobRepository, events *store.EventHandlerRepository, busPort bus.Port, invoker Invoker, meter metric.Meter) *Scheduler {
	runs, _ := meter.Int64Counter("orch_scheduler_runs_total")
	failures, _ := meter.Int64Counter("orch_scheduler_failures_total")
	eventTriggers, _ := meter.Int64Counter("orch_scheduler_event_triggers_total")
	return &Scheduler{
		cron:           cron.New(cron.WithParser(cronParser)),
		jobs:           jobs,
		events:         events,
		busPort:        busPort,
		invoker:        invoker,
		logger:         slog.Default(),
		entries:        make(map[string]cron.EntryID),
		timers:         make(map[string]*time.Timer),
		eventSubs:      make(map[string]bus.Subscription),
		triggerLimiter: resilience.NewRateLimiter(100, 50, time.Second, 200),
		runs:           runs,
		failures:       failures,
		eventTriggers:  eventTriggers,
	}
}

// Start begins the cron engine and restores persisted jobs: a catch-up sweep
// for anything already due, then re-registration of every active job's
// timer/cron entry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	due, err := s.jobs.ListDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("scheduler: catch-up sweep: %w", err)
	}
	for _, j := range due {
		s.fire(context.Background(), j)
	}
	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active: %w", err)
	}
	restored := 0
	for _, j := range active {
		if err := s.arm(j); err != nil {
			s.logger.Error("scheduler: restore job failed", "job_id", j.ID, "error", err)
			continue
		}
		restored++
	}
	s.logger.Info("scheduler started", "restored", restored)
	return nil
}

// Stop drains the cron engine within ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleCron registers a cron-driven job (job.Schedule must be a valid
// cron expression; next_run is recomputed in job.Timezone on every fire).
func (s *Scheduler) ScheduleCron(ctx context.Context, j *store.ScheduledJob) error {
	j.JobType = "cron"
	if j.Schedule == nil || *j.Schedule == "" {
		return fmt.Errorf("scheduler: cron job requires a schedule expression")
	}
	return s.create(ctx, j)
}

// ScheduleOnce registers a one-time job firing at j.NextRun. Per §8,
// scheduleOnce(execute_at <= now) is rejected.
func (s *Scheduler) ScheduleOnce(ctx context.Context, j *store.ScheduledJob) error {
	j.JobType = "one_time"
	if j.NextRun == nil || !j.NextRun.After(time.Now()) {
		return fmt.Errorf("scheduler: scheduleOnce requires next_run in the future")
	}
	return s.create(ctx, j)
}

// ScheduleRecurring registers a cron-driven job bounded by start/end dates
// and/or a maximum execution count. Per §8, end_date <= start_date is rejected.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, j *store.ScheduledJob) error {
	j.JobType = "recurring"
	if j.Schedule == nil || *j.Schedule == "" {
		return fmt.Errorf("scheduler: recurring job requires a schedule expression")
	}
	if j.StartDate != nil && j.EndDate != nil && !j.EndDate.After(*j.StartDate) {
		return fmt.Errorf("scheduler: recurring job end_date must be after start_date")
	}
	return s.create(ctx, j)
}

func (s *Scheduler) create(ctx context.Context, j *store.ScheduledJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	if j.Status == "" {
		j.Status = "active"
	}
	// Validate the cron expression and fill in next_run before the row is
	// persisted — an invalid expression must never survive submit and reach
	// the executor with next_run unset.
	if j.JobType == "cron" || j.JobType == "recurring" {
		next, err := s.nextRun(j, time.Now())
		if err != nil {
			return fmt.Errorf("scheduler: invalid schedule: %w", err)
		}
		if j.NextRun == nil {
			j.NextRun = &next
		}
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return fmt.Errorf("scheduler: create job: %w", err)
	}
	if err := s.arm(j); err != nil {
		return err
	}
	s.publishLifecycle(ctx, j.ID, bus.SchedulerJobCreated)
	return nil
}

// nextRun computes the job's next fire time from its cron expression,
// evaluated in the job's timezone.
func (s *Scheduler) nextRun(j *store.ScheduledJob, from time.Time) (time.Time, error) {
	if j.Schedule == nil || *j.Schedule == "" {
		return time.Time{}, fmt.Errorf("scheduler: job %s has no schedule expression", j.ID)
	}
	sched, err := cronParser.Parse(*j.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: bad timezone %q: %w", j.Timezone, err)
	}
	return sched.Next(from.In(loc)), nil
}

// arm registers the in-process timer/cron entry for an active job. It does
// not persist anything — callers (create, Start's restore sweep, Resume)
// are responsible for the job already existing in the store.
func (s *Scheduler) arm(j *store.ScheduledJob) error {
	switch j.JobType {
	case "cron", "recurring":
		entryID, err := s.cron.AddFunc(*j.Schedule, func() { s.tick(j.ID) })
		if err != nil {
			return fmt.Errorf("scheduler: add cron entry for %s: %w", j.ID, err)
		}
		s.mu.Lock()
		s.entries[j.ID] = entryID
		s.mu.Unlock()
	case "one_time":
		if j.NextRun == nil {
			return fmt.Errorf("scheduler: one_time job %s missing next_run", j.ID)
		}
		d := time.Until(*j.NextRun)
		if d < 0 {
			d = 0
		}
		timer := time.AfterFunc(d, func() { s.tick(j.ID) })
		s.mu.Lock()
		s.timers[j.ID] = timer
		s.mu.Unlock()
	default:
		return fmt.Errorf("scheduler: unknown job_type %q", j.JobType)
	}
	return nil
}

// tick reloads the job fresh (its schedule/status may have changed since
// arm ran) and fires it if still active.
func (s *Scheduler) tick(jobID string) {
	ctx := context.Background()
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Error("scheduler: tick load failed", "job_id", jobID, "error", err)
		return
	}
	if j.Status != "active" {
		return
	}
	s.fire(ctx, j)
}

// fire publishes a dispatch message for one job execution and, for recurring
// jobs, checks the start-date/execution-count/end-date bounds per §8
// scenario 6: a fire before start_date is skipped without deactivating.
func (s *Scheduler) fire(ctx context.Context, j *store.ScheduledJob) {
	if j.JobType == "recurring" {
		if j.StartDate != nil && time.Now().Before(*j.StartDate) {
			return
		}
		if j.EndDate != nil && time.Now().After(*j.EndDate) {
			s.deactivate(ctx, j)
			return
		}
		if j.MaxExecutions != nil && j.ExecutionsCount >= *j.MaxExecutions {
			s.deactivate(ctx, j)
			return
		}
	}

	msg := JobDispatchMessage{
		JobID:        j.ID,
		ExecutionID:  uuid.NewString(),
		HandlerName:  j.HandlerName,
		HandlerType:  j.HandlerType,
		Payload:      j.Payload,
		MaxRetries:   j.MaxRetries,
		RetryDelayMs: j.RetryDelayMs,
		TimeoutMs:    j.TimeoutMs,
		TraceID:      uuid.NewString(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("scheduler: marshal dispatch message", "job_id", j.ID, "error", err)
		s.failures.Add(ctx, 1)
		return
	}
	if err := s.busPort.PublishMirrored(ctx, bus.SchedulerJobDispatch, bus.SchedulerJobDispatchStream, data); err != nil {
		s.logger.Error("scheduler: publish dispatch failed", "job_id", j.ID, "error", err)
		s.failures.Add(ctx, 1)
		return
	}
	s.runs.Add(ctx, 1)

	switch j.JobType {
	case "one_time":
		_ = s.jobs.SetStatus(ctx, j.ID, "cancelled")
	case "cron", "recurring":
		// Keep the persisted next_run current so the startup catch-up
		// sweep never re-fires a run this process already dispatched.
		if next, err := s.nextRun(j, time.Now()); err == nil {
			if err := s.jobs.Reschedule(ctx, j.ID, next); err != nil {
				s.logger.Warn("scheduler: persist next_run failed", "job_id", j.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) deactivate(ctx context.Context, j *store.ScheduledJob) {
	s.unarm(j.ID)
	if err := s.jobs.SetStatus(ctx, j.ID, "cancelled"); err != nil {
		s.logger.Warn("scheduler: deactivate failed", "job_id", j.ID, "error", err)
	}
	s.publishLifecycle(ctx, j.ID, bus.SchedulerJobCancelled)
}

func (s *Scheduler) unarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
	}
}

// Reschedule updates a job's next_run and re-arms its entry; the cron
// expression itself is left unchanged.
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, nextRun time.Time) error {
	s.unarm(jobID)
	if err := s.jobs.Reschedule(ctx, jobID, nextRun); err != nil {
		return err
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == "active" {
		if err := s.arm(j); err != nil {
			return err
		}
	}
	s.publishLifecycle(ctx, jobID, bus.SchedulerJobUpdated)
	return nil
}

// Unschedule permanently removes a job.
func (s *Scheduler) Unschedule(ctx context.Context, jobID string) error {
	s.unarm(jobID)
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	s.publishLifecycle(ctx, jobID, bus.SchedulerJobDeleted)
	return nil
}

// Pause stops future fires without deleting the job.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	s.unarm(jobID)
	if err := s.jobs.SetStatus(ctx, jobID, "paused"); err != nil {
		return err
	}
	s.publishLifecycle(ctx, jobID, bus.SchedulerJobPaused)
	return nil
}

// Resume re-activates a paused job and re-arms its entry.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	if err := s.jobs.SetStatus(ctx, jobID, "active"); err != nil {
		return err
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.arm(j); err != nil {
		return err
	}
	s.publishLifecycle(ctx, jobID, bus.SchedulerJobResumed)
	return nil
}

// Cancel permanently deactivates a job (distinct from Pause: cancelled jobs
// are not expected to be resumed).
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.unarm(jobID)
	if err := s.jobs.SetStatus(ctx, jobID, "cancelled"); err != nil {
		return err
	}
	s.publishLifecycle(ctx, jobID, bus.SchedulerJobCancelled)
	return nil
}

func (s *Scheduler) publishLifecycle(ctx context.Context, jobID, topic string) {
	payload, _ := json.Marshal(map[string]string{"job_id": jobID})
	if err := s.busPort.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("scheduler: publish lifecycle event failed", "topic", topic, "job_id", jobID, "error", err)
	}
}

// OnEvent persists a handler binding for eventName and, the first time this
// event name is seen, lazily subscribes to its bus subject with a bounded
// timeout so transient bus unavailability at registration time does not
// fail the call — the subscription is simply retried on the next OnEvent
// for the same event (TriggerEvent does not subscribe).
func (s *Scheduler) OnEvent(ctx context.Context, h *store.EventHandler) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if err := s.events.Create(ctx, h); err != nil {
		return fmt.Errorf("scheduler: create event handler: %w", err)
	}
	s.ensureEventSubscription(h.EventName)
	return nil
}

func (s *Scheduler) ensureEventSubscription(eventName string) {
	s.mu.Lock()
	_, exists := s.eventSubs[eventName]
	s.mu.Unlock()
	if exists {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventSubscribeTimeout)
	defer cancel()
	sub, err := s.busPort.Subscribe(ctx, eventTopic(eventName), func(ctx context.Context, subject string, data []byte) {
		var payload map[string]any
		_ = json.Unmarshal(data, &payload)
		// Run handlers only — do not call TriggerEvent here, which would
		// republish to this same subject and loop with this subscription.
		if err := s.runHandlersFor(context.Background(), eventName, payload); err != nil {
			s.logger.Warn("scheduler: run handlers from bus event failed", "event", eventName, "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("scheduler: event subscription deferred", "event", eventName, "error", err)
		return
	}
	s.mu.Lock()
	s.eventSubs[eventName] = sub
	s.mu.Unlock()
}

func eventTopic(eventName string) string { return fmt.Sprintf("event:%s", eventName) }

// TriggerEvent publishes eventName to the bus (for out-of-process listeners,
// including this scheduler's own lazy subscription) and synchronously
// fires every enabled handler bound to it, highest priority first.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventName string, data map[string]any) error {
	if !s.triggerLimiter.Allow() {
		return fmt.Errorf("scheduler: event trigger rate exceeded for %s", eventName)
	}
	if payload, err := json.Marshal(data); err == nil {
		_ = s.busPort.Publish(ctx, eventTopic(eventName), payload)
	}
	return s.runHandlersFor(ctx, eventName, data)
}

// runHandlersFor loads and fires every enabled handler bound to eventName,
// highest priority first, without touching the bus — shared by TriggerEvent
// (the programmatic entry point) and the lazy bus subscription (which must
// not republish to avoid looping with itself).
func (s *Scheduler) runHandlersFor(ctx context.Context, eventName string, data map[string]any) error {
	s.eventTriggers.Add(ctx, 1)

	handlers, err := s.events.ListForEvent(ctx, eventName)
	if err != nil {
		return fmt.Errorf("scheduler: list handlers for %s: %w", eventName, err)
	}
	for _, h := range handlers {
		if !matchesFilter(data, h.ActionConfig) {
			continue
		}
		err := s.runHandler(ctx, h)
		_ = s.events.RecordOutcome(ctx, h.ID, err == nil)
		if err != nil {
			s.logger.Warn("scheduler: event handler failed", "event", eventName, "handler", h.HandlerName, "error", err)
		}
	}
	return nil
}

// runHandler executes one EventHandler's action. create_job enqueues a real
// ScheduledJob so the fire goes through the normal tracked pipeline;
// everything else is invoked inline via the shared Invoker, since an ad hoc
// event reaction has no ScheduledJob aggregate root to own a JobExecution.
func (s *Scheduler) runHandler(ctx context.Context, h *store.EventHandler) error {
	switch h.ActionType {
	case "create_job":
		var tmpl struct {
			HandlerName  string          `json:"handler_name"`
			HandlerType  string          `json:"handler_type"`
			Payload      json.RawMessage `json:"payload"`
			TimeoutMs    int             `json:"timeout_ms"`
			MaxRetries   int             `json:"max_retries"`
			RetryDelayMs int             `json:"retry_delay_ms"`
		}
		if err := json.Unmarshal(h.ActionConfig, &tmpl); err != nil {
			return fmt.Errorf("create_job action_config: %w", err)
		}
		j := &store.ScheduledJob{
			ID: uuid.NewString(), Name: h.HandlerName, JobType: "one_time", Timezone: "UTC",
			HandlerName: tmpl.HandlerName, HandlerType: tmpl.HandlerType, Payload: tmpl.Payload,
			TimeoutMs: tmpl.TimeoutMs, MaxRetries: tmpl.MaxRetries, RetryDelayMs: tmpl.RetryDelayMs,
			Status: "active", PlatformID: h.PlatformID,
		}
		now := time.Now().Add(time.Millisecond)
		j.NextRun = &now
		return s.ScheduleOnce(ctx, j)
	case "trigger_workflow", "dispatch_agent", "function":
		if s.invoker == nil {
			return fmt.Errorf("no invoker configured for inline action %q", h.ActionType)
		}
		_, err := s.invoker.Invoke(ctx, actionToHandlerType(h.ActionType), h.HandlerName, h.ActionConfig)
		return err
	default:
		return fmt.Errorf("unknown action_type %q", h.ActionType)
	}
}

func actionToHandlerType(actionType string) string {
	switch actionType {
	case "trigger_workflow":
		return "workflow"
	case "dispatch_agent":
		return "agent"
	default:
		return "function"
	}
}

// matchesFilter checks event data against an optional {"filter": {...}}
// section of action_config — simple equality per key, generalized from
// scheduler.go's matchesFilter.
func matchesFilter(data map[string]any, actionConfig json.RawMessage) bool {
	if len(actionConfig) == 0 {
		return true
	}
	var wrapper struct {
		Filter map[string]any `json:"filter"`
	}
	if err := json.Unmarshal(actionConfig, &wrapper); err != nil || len(wrapper.Filter) == 0 {
		return true
	}
	for k, want := range wrapper.Filter {
		got, ok := data[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
