// Package pipeline implements the Pipeline Executor (C12): an optional DAG
// runner that executes a named set of stages, respecting declared
// dependencies, evaluating quality gates after each stage, and persisting
// enough state to pause and resume a run. Grounded on dag_engine.go's
// DAGEngine (Kahn's-algorithm scheduling, worker pool, retry-with-backoff
// per task) — generalized from workflow tasks to pipeline stages backed by a
// caller-supplied ActionRegistry — and on cancellation.go's
// CancellationManager, repurposed here to track one *run's* cancel func
// rather than a fleet of workflow executions.
//
// Per the design note on pause semantics: Pause is cooperative and
// timeout-bounded — it is checked only between already-completed stage
// transitions and never force-cancels in-flight work. The context.CancelFunc
// this package does invoke is reserved for a blocking quality-gate failure
// or a non-recoverable stage error, which legitimately must stop sibling
// stages immediately; that path is distinct from Pause and is not subject to
// the "cooperative only" constraint.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator-core/internal/store"
)

// StageStatus mirrors dag_engine.go's TaskStatus enumeration.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// ActionFunc is the unit of work a stage performs. Grounded on plugins.go's
// PluginExecutor.Execute signature, generalized from a fixed TaskType switch
// to a caller-registered name.
type ActionFunc func(ctx context.Context, input json.RawMessage, priorOutputs map[string]json.RawMessage) (json.RawMessage, error)

// ActionRegistry resolves a stage's action name to its implementation.
// Built-in actions are grounded on plugins.go's HTTPPlugin/ShellPlugin.
type ActionRegistry struct {
	actions map[string]ActionFunc
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionFunc)}
}

func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.actions[name] = fn
}

func (r *ActionRegistry) resolve(name string) (ActionFunc, error) {
	fn, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: no action registered as %q", name)
	}
	return fn, nil
}

// QualityGate is a threshold comparison evaluated against a metric the stage
// action reports back in its output (under "metrics" per StageOutcome).
type QualityGate struct {
	Metric    string  `json:"metric"`
	Op        string  `json:"op"` // "gte", "lte", "gt", "lt", "eq"
	Threshold float64 `json:"threshold"`
	Blocking  bool    `json:"blocking"`
}

func (g QualityGate) evaluate(metrics map[string]float64) (bool, error) {
	v, ok := metrics[g.Metric]
	if !ok {
		return false, fmt.Errorf("pipeline: quality gate references unknown metric %q", g.Metric)
	}
	switch g.Op {
	case "gte":
		return v >= g.Threshold, nil
	case "lte":
		return v <= g.Threshold, nil
	case "gt":
		return v > g.Threshold, nil
	case "lt":
		return v < g.Threshold, nil
	case "eq":
		return v == g.Threshold, nil
	default:
		return false, fmt.Errorf("pipeline: unknown quality gate operator %q", g.Op)
	}
}

// StageDef declares one node of the pipeline DAG. Actions are referenced by
// registry name rather than closure, which keeps the whole definition
// serializable — that is what lets a paused run resume across restarts.
type StageDef struct {
	Name         string          `json:"name"`
	Action       string          `json:"action"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Gates        []QualityGate   `json:"gates,omitempty"`
	AllowFailure bool            `json:"allow_failure,omitempty"`
}

// Definition is a named, reusable pipeline graph.
type Definition struct {
	Name   string     `json:"name"`
	Mode   string     `json:"mode"` // "sequential" or "parallel"
	Stages []StageDef `json:"stages"`
}

// StageOutcome is the persisted result of one stage run.
type StageOutcome struct {
	Status  StageStatus            `json:"status"`
	Output  json.RawMessage        `json:"output,omitempty"`
	Metrics map[string]float64     `json:"metrics,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// runState is the JSON persisted to PipelineExecution.State: the definition
// itself plus every finished stage's outcome, enough to resume a paused or
// restart-interrupted run with no caller-side context beyond the action
// registry.
type runState struct {
	Definition Definition              `json:"definition"`
	Completed  map[string]StageOutcome `json:"completed"`
	Cancelled  bool                    `json:"cancelled"`
}

// Executor is the C12 port.
type Executor struct {
	pipelines *store.PipelineRepository
	registry  *ActionRegistry
	logger    *slog.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc

	stagesRun     metric.Int64Counter
	stagesFailed  metric.Int64Counter
	gateBlocks    metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func NewExecutor(pipelines *store.PipelineRepository, registry *ActionRegistry, meter metric.Meter) *Executor {
	stagesRun, _ := meter.Int64Counter("orch_pipeline_stages_total")
	stagesFailed, _ := meter.Int64Counter("orch_pipeline_stage_failures_total")
	gateBlocks, _ := meter.Int64Counter("orch_pipeline_gate_blocks_total")
	stageDuration, _ := meter.Float64Histogram("orch_pipeline_stage_duration_ms")
	return &Executor{
		pipelines: pipelines, registry: registry, logger: slog.Default(),
		cancel: make(map[string]context.CancelFunc),
		stagesRun: stagesRun, stagesFailed: stagesFailed, gateBlocks: gateBlocks, stageDuration: stageDuration,
	}
}

// Run executes def end to end, persisting a PipelineExecution row up front
// and saving its state once when the run ends (completed, failed or paused).
// State is not saved between stages, so a crash mid-run leaves only the
// initial record.
func (e *Executor) Run(ctx context.Context, id string, def Definition) (map[string]StageOutcome, error) {
	initial := runState{Definition: def, Completed: map[string]StageOutcome{}}
	p := &store.PipelineExecution{ID: id, PipelineName: def.Name, Status: "running", Mode: def.Mode, State: mustJSON(initial)}
	if err := e.pipelines.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: create execution: %w", err)
	}
	return e.execute(ctx, id, def, initial)
}

// Resume reloads a paused execution's persisted state — the definition rides
// along in it — and continues the run, skipping stages already recorded as
// completed. The action registry must still resolve every stage's action
// name; that is the one piece of the graph that cannot be persisted.
func (e *Executor) Resume(ctx context.Context, id string) (map[string]StageOutcome, error) {
	p, err := e.pipelines.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load execution %s: %w", id, err)
	}
	var rs runState
	if err := json.Unmarshal(p.State, &rs); err != nil {
		return nil, fmt.Errorf("pipeline: unmarshal state %s: %w", id, err)
	}
	if len(rs.Definition.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: execution %s has no persisted definition", id)
	}
	if rs.Completed == nil {
		rs.Completed = map[string]StageOutcome{}
	}
	rs.Cancelled = false
	if err := e.pipelines.SaveState(ctx, id, "running", mustJSON(rs)); err != nil {
		return nil, err
	}
	return e.execute(ctx, id, rs.Definition, rs)
}

// ResumeAll continues every paused execution, one goroutine per run. Used at
// startup so work interrupted by a restart picks back up without operator
// intervention; per-run failures are logged, never fatal to the sweep.
func (e *Executor) ResumeAll(ctx context.Context) error {
	paused, err := e.pipelines.ListPaused(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: list paused executions: %w", err)
	}
	for _, p := range paused {
		go func(id string) {
			if _, err := e.Resume(ctx, id); err != nil {
				e.logger.Error("pipeline: resume failed", "id", id, "error", err)
			}
		}(p.ID)
	}
	if len(paused) > 0 {
		e.logger.Info("resuming paused pipeline executions", "count", len(paused))
	}
	return nil
}

// Pause marks a run paused cooperatively: the flag is set, but any
// in-flight stage goroutines are left to finish naturally — the next check
// between stage transitions observes the flag and stops scheduling new work.
func (e *Executor) Pause(ctx context.Context, id string) error {
	p, err := e.pipelines.Get(ctx, id)
	if err != nil {
		return err
	}
	var rs runState
	_ = json.Unmarshal(p.State, &rs)
	if rs.Completed == nil {
		rs.Completed = map[string]StageOutcome{}
	}
	return e.pipelines.SaveState(ctx, id, "paused", mustJSON(rs))
}

// Abort hard-cancels a running execution's context immediately — used only
// for blocking quality-gate failures or non-recoverable stage errors, never
// for an operator-requested Pause.
func (e *Executor) Abort(id string) {
	e.mu.Lock()
	cancel, ok := e.cancel[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Executor) execute(ctx context.Context, id string, def Definition, rs runState) (map[string]StageOutcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancel, id)
		e.mu.Unlock()
		cancel()
	}()

	byName := make(map[string]StageDef, len(def.Stages))
	inDegree := make(map[string]int, len(def.Stages))
	children := make(map[string][]string)
	for _, s := range def.Stages {
		byName[s.Name] = s
		inDegree[s.Name] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			children[dep] = append(children[dep], s.Name)
		}
	}

	maxWorkers := 1
	if def.Mode == "parallel" {
		maxWorkers = len(def.Stages)
		if maxWorkers < 1 {
			maxWorkers = 1
		}
	}

	results := rs.Completed
	var mu sync.Mutex
	blocked := false
	var blockErr error

	for name, outcome := range results {
		if outcome.Status == StageCompleted {
			for _, child := range children[name] {
				inDegree[child]--
			}
		}
	}

	ready := make(chan string, len(def.Stages))
	for name, deg := range inDegree {
		if _, done := results[name]; done {
			continue
		}
		if deg == 0 {
			ready <- name
		}
	}

	remaining := 0
	for name := range byName {
		if _, done := results[name]; !done {
			remaining++
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxWorkers)
	doneCh := make(chan string, len(def.Stages))

	worker := func(name string) {
		defer wg.Done()
		sem <- struct{}{}
		defer func() { <-sem }()

		if e.isPaused(ctx, id) || runCtx.Err() != nil {
			mu.Lock()
			results[name] = StageOutcome{Status: StageSkipped}
			mu.Unlock()
			doneCh <- name
			return
		}

		mu.Lock()
		prior := make(map[string]StageOutcome, len(results))
		for k, v := range results {
			prior[k] = v
		}
		mu.Unlock()

		outcome := e.runStage(runCtx, byName[name], prior)
		mu.Lock()
		results[name] = outcome
		abort := outcome.Status == StageFailed && !byName[name].AllowFailure
		if abort {
			blocked = true
			blockErr = fmt.Errorf("pipeline: stage %s failed: %s", name, outcome.Error)
		}
		mu.Unlock()
		if abort {
			cancel()
		}
		doneCh <- name
	}

	for remaining > 0 {
		select {
		case name := <-ready:
			wg.Add(1)
			go worker(name)
		case name := <-doneCh:
			remaining--
			mu.Lock()
			st := results[name].Status
			mu.Unlock()
			// A completed stage satisfies its children; so does a failure
			// the stage was declared tolerant of. Only an intolerable
			// failure (or a skip) prunes the subtree below it.
			satisfied := st == StageCompleted ||
				(st == StageFailed && byName[name].AllowFailure)
			if satisfied {
				for _, child := range children[name] {
					inDegree[child]--
					if inDegree[child] == 0 {
						ready <- child
					}
				}
			} else {
				for _, child := range children[name] {
					remaining -= e.markSkipped(child, children, results, &mu)
				}
			}
		}
		if runCtx.Err() != nil {
			break
		}
	}
	wg.Wait()

	status := "completed"
	if blocked {
		status = "failed"
	} else if e.isPaused(ctx, id) {
		status = "paused"
	}
	mu.Lock()
	finalState := runState{Definition: def, Completed: results, Cancelled: blocked}
	mu.Unlock()
	if err := e.pipelines.SaveState(ctx, id, status, mustJSON(finalState)); err != nil {
		e.logger.Error("pipeline: save final state failed", "id", id, "error", err)
	}
	if blocked {
		return results, blockErr
	}
	return results, nil
}

// markSkipped records name (and, transitively, its descendants) as skipped
// and returns how many stages it newly marked, so the scheduling loop can
// retire them from its remaining count — skipped stages never pass through
// a worker or the done channel.
func (e *Executor) markSkipped(name string, children map[string][]string, results map[string]StageOutcome, mu *sync.Mutex) int {
	mu.Lock()
	if _, done := results[name]; done {
		mu.Unlock()
		return 0
	}
	results[name] = StageOutcome{Status: StageSkipped}
	mu.Unlock()
	marked := 1
	for _, child := range children[name] {
		marked += e.markSkipped(child, children, results, mu)
	}
	return marked
}

func (e *Executor) isPaused(ctx context.Context, id string) bool {
	p, err := e.pipelines.Get(ctx, id)
	if err != nil {
		return false
	}
	return p.Status == "paused"
}

func (e *Executor) runStage(ctx context.Context, s StageDef, priorOutputs map[string]StageOutcome) StageOutcome {
	start := time.Now()
	action, err := e.registry.resolve(s.Action)
	if err != nil {
		e.stagesFailed.Add(ctx, 1)
		return StageOutcome{Status: StageFailed, Error: err.Error()}
	}

	priorJSON := make(map[string]json.RawMessage, len(priorOutputs))
	for name, outcome := range priorOutputs {
		if outcome.Output != nil {
			priorJSON[name] = outcome.Output
		}
	}

	output, err := action(ctx, s.Input, priorJSON)
	e.stageDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	e.stagesRun.Add(ctx, 1)
	if err != nil {
		e.stagesFailed.Add(ctx, 1)
		return StageOutcome{Status: StageFailed, Error: err.Error()}
	}

	metrics := extractMetrics(output)
	for _, gate := range s.Gates {
		pass, gateErr := gate.evaluate(metrics)
		if gateErr != nil {
			return StageOutcome{Status: StageFailed, Output: output, Metrics: metrics, Error: gateErr.Error()}
		}
		if !pass {
			e.gateBlocks.Add(ctx, 1)
			if gate.Blocking {
				return StageOutcome{Status: StageFailed, Output: output, Metrics: metrics, Error: fmt.Sprintf("quality gate %s %s %v failed", gate.Metric, gate.Op, gate.Threshold)}
			}
		}
	}

	return StageOutcome{Status: StageCompleted, Output: output, Metrics: metrics}
}

func extractMetrics(output json.RawMessage) map[string]float64 {
	var wrapper struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(output, &wrapper); err != nil {
		return nil
	}
	return wrapper.Metrics
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
