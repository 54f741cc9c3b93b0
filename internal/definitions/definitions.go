// Package definitions implements the Workflow Definition Engine (C4):
// ordered, weighted stage definitions and the next_stage/progress/validate
// contract the FSM and dispatcher read on every transition. Grounded on the
// teacher's data-driven stage tables (dag_engine.go's node/edge shape) rather
// than a switch-per-workflow-type, generalized from a single DAG shape to
// platform-scoped linear stage lists plus the spec's four progress modes.
package definitions

import (
	"fmt"
	"math"
)

// ProgressCalculation selects how a stage index maps to a 0..100 percentage.
type ProgressCalculation string

const (
	Weighted    ProgressCalculation = "weighted"
	Linear      ProgressCalculation = "linear"
	Exponential ProgressCalculation = "exponential"
	Custom      ProgressCalculation = "custom"
)

// Stage is one step of a WorkflowDefinition.
type Stage struct {
	Name            string
	DisplayName     string
	AgentType       string
	Required        bool
	ProgressWeight  float64
	TimeoutMs       int
	Condition       func(stageOutputs map[string]any) bool `json:"-"`
}

// Definition is the ordered, weighted stage list for a (platform, workflow_type).
type Definition struct {
	PlatformID          string
	WorkflowType        string
	Stages              []Stage
	ProgressCalculation ProgressCalculation
}

// NextStageResult answers "what comes after current_stage".
type NextStageResult struct {
	NextStage       string
	Terminal        bool
	StageIndex      int
	TotalStages     int
	AgentType       string
	TimeoutMs       int
	ExpectedProgress int
	ShouldSkip      bool
}

// ProgressResult answers "what percentage is current_stage".
type ProgressResult struct {
	StageIndex        int
	TotalStages       int
	ProgressPercentage int
	CumulativeWeight  float64
	TotalWeight       float64
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate enforces the invariants §3 places on a definition: unique stage
// names, a positive weight sum, and at least one stage.
func Validate(def Definition) ValidationResult {
	var errs []string
	if len(def.Stages) == 0 {
		errs = append(errs, "definition has no stages")
	}
	seen := make(map[string]bool, len(def.Stages))
	var total float64
	for _, s := range def.Stages {
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true
		if s.ProgressWeight < 0 {
			errs = append(errs, fmt.Sprintf("stage %q has negative weight", s.Name))
		}
		total += s.ProgressWeight
	}
	if total <= 0 {
		errs = append(errs, "sum of stage weights must be > 0")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func indexOf(def Definition, stage string) int {
	for i, s := range def.Stages {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// NextStage returns the stage that follows currentStage, skipping stages
// whose Condition predicate rejects the accumulated stage outputs. Terminal
// is true once the last stage has completed.
func NextStage(def Definition, currentStage string, stageOutputs map[string]any) NextStageResult {
	idx := indexOf(def, currentStage)
	total := len(def.Stages)
	if idx == -1 {
		return NextStageResult{StageIndex: -1, TotalStages: total}
	}
	for next := idx + 1; next < total; next++ {
		stage := def.Stages[next]
		if stage.Condition != nil && !stage.Condition(stageOutputs) {
			continue
		}
		prog := Progress(def, stage.Name)
		return NextStageResult{
			NextStage:        stage.Name,
			StageIndex:       next,
			TotalStages:      total,
			AgentType:        stage.AgentType,
			TimeoutMs:        stage.TimeoutMs,
			ExpectedProgress: prog.ProgressPercentage,
		}
	}
	return NextStageResult{Terminal: true, StageIndex: idx, TotalStages: total, ExpectedProgress: 100}
}

// Progress computes the 0..100 percentage for stage under def's configured
// ProgressCalculation, per §4.1's weighted/linear/exponential/custom formulas.
func Progress(def Definition, stage string) ProgressResult {
	idx := indexOf(def, stage)
	total := len(def.Stages)
	if idx == -1 {
		return ProgressResult{StageIndex: -1, TotalStages: total}
	}

	var totalWeight, cumulative float64
	for i, s := range def.Stages {
		totalWeight += s.ProgressWeight
		if i <= idx {
			cumulative += s.ProgressWeight
		}
	}

	var pct int
	switch def.ProgressCalculation {
	case Linear:
		pct = clampPercent(round(100 * float64(idx+1) / float64(total)))
	case Exponential:
		pct = clampPercent(round(100 * math.Pow(float64(idx+1)/float64(total), 0.8)))
	case Custom:
		if totalWeight > 0 {
			pct = clampPercent(round(100 * cumulative / totalWeight))
		}
	default: // Weighted
		if totalWeight > 0 {
			pct = clampPercent(round(100 * cumulative / totalWeight))
		}
	}

	return ProgressResult{
		StageIndex:         idx,
		TotalStages:        total,
		ProgressPercentage: pct,
		CumulativeWeight:   cumulative,
		TotalWeight:        totalWeight,
	}
}

func round(f float64) int {
	return int(math.Round(f))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// LegacyDefinitions is the static fallback used when no platform-scoped
// definition exists for a workflow_type, keyed by type. Data-driven per the
// teacher's convention of tables over per-type switches.
var LegacyDefinitions = map[string]Definition{
	"app": {
		WorkflowType:        "app",
		ProgressCalculation: Weighted,
		Stages: []Stage{
			{Name: "initialization", DisplayName: "Initialization", AgentType: "scaffolding", Required: true, ProgressWeight: 25, TimeoutMs: 60_000},
			{Name: "scaffolding", DisplayName: "Scaffolding", AgentType: "scaffolding", Required: true, ProgressWeight: 25, TimeoutMs: 300_000},
			{Name: "validation", DisplayName: "Validation", AgentType: "validation", Required: true, ProgressWeight: 25, TimeoutMs: 180_000},
			{Name: "deployment", DisplayName: "Deployment", AgentType: "deployment", Required: true, ProgressWeight: 25, TimeoutMs: 600_000},
		},
	},
	"feature": {
		WorkflowType:        "feature",
		ProgressCalculation: Weighted,
		Stages: []Stage{
			{Name: "scaffolding", DisplayName: "Scaffolding", AgentType: "scaffolding", Required: true, ProgressWeight: 30, TimeoutMs: 300_000},
			{Name: "integration", DisplayName: "Integration", AgentType: "integration", Required: true, ProgressWeight: 30, TimeoutMs: 300_000},
			{Name: "e2e", DisplayName: "End-to-end testing", AgentType: "e2e", Required: true, ProgressWeight: 25, TimeoutMs: 300_000},
			{Name: "deployment", DisplayName: "Deployment", AgentType: "deployment", Required: true, ProgressWeight: 15, TimeoutMs: 600_000},
		},
	},
	"bugfix": {
		WorkflowType:        "bugfix",
		ProgressCalculation: Linear,
		Stages: []Stage{
			{Name: "validation", DisplayName: "Reproduce & validate", AgentType: "validation", Required: true, ProgressWeight: 50, TimeoutMs: 180_000},
			{Name: "deployment", DisplayName: "Deployment", AgentType: "deployment", Required: true, ProgressWeight: 50, TimeoutMs: 600_000},
		},
	},
	"pipeline": {
		WorkflowType:        "pipeline",
		ProgressCalculation: Exponential,
		Stages: []Stage{
			{Name: "scaffolding", DisplayName: "Scaffolding", AgentType: "scaffolding", Required: true, ProgressWeight: 20, TimeoutMs: 300_000},
			{Name: "integration", DisplayName: "Integration", AgentType: "integration", Required: true, ProgressWeight: 20, TimeoutMs: 300_000},
			{Name: "e2e", DisplayName: "End-to-end testing", AgentType: "e2e", Required: true, ProgressWeight: 20, TimeoutMs: 300_000},
			{Name: "validation", DisplayName: "Validation", AgentType: "validation", Required: true, ProgressWeight: 20, TimeoutMs: 180_000},
			{Name: "deployment", DisplayName: "Deployment", AgentType: "deployment", Required: true, ProgressWeight: 20, TimeoutMs: 600_000},
		},
	},
	"terraform": {
		WorkflowType:        "terraform",
		ProgressCalculation: Weighted,
		Stages: []Stage{
			{Name: "validation", DisplayName: "Plan validation", AgentType: "validation", Required: true, ProgressWeight: 40, TimeoutMs: 180_000},
			{Name: "deployment", DisplayName: "Apply", AgentType: "deployment", Required: true, ProgressWeight: 60, TimeoutMs: 900_000},
		},
	},
}
