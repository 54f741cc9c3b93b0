package definitions

import "testing"

func appDef() Definition {
	return Definition{
		WorkflowType:        "app",
		ProgressCalculation: Weighted,
		Stages: []Stage{
			{Name: "initialization", ProgressWeight: 25},
			{Name: "scaffolding", ProgressWeight: 25},
			{Name: "validation", ProgressWeight: 25},
			{Name: "deployment", ProgressWeight: 25},
		},
	}
}

func TestWeightedProgressMatchesHappyPath(t *testing.T) {
	def := appDef()
	got := Progress(def, "scaffolding")
	if got.ProgressPercentage != 50 {
		t.Fatalf("expected 50%%, got %d", got.ProgressPercentage)
	}
	if got.StageIndex != 1 || got.TotalStages != 4 {
		t.Fatalf("unexpected index/total: %+v", got)
	}
}

func TestWeightedProgressReachesHundredOnLastStage(t *testing.T) {
	def := appDef()
	got := Progress(def, "deployment")
	if got.ProgressPercentage != 100 {
		t.Fatalf("expected 100%%, got %d", got.ProgressPercentage)
	}
}

func TestLinearProgress(t *testing.T) {
	def := appDef()
	def.ProgressCalculation = Linear
	got := Progress(def, "validation") // index 2 of 4 -> round(100*3/4)=75
	if got.ProgressPercentage != 75 {
		t.Fatalf("expected 75%%, got %d", got.ProgressPercentage)
	}
}

func TestExponentialProgress(t *testing.T) {
	def := appDef()
	def.ProgressCalculation = Exponential
	got := Progress(def, "scaffolding") // round(100*(2/4)^0.8) = 57
	if got.ProgressPercentage != 57 {
		t.Fatalf("expected 57%%, got %d", got.ProgressPercentage)
	}
}

func TestProgressUnknownStageReturnsNegativeIndex(t *testing.T) {
	def := appDef()
	got := Progress(def, "nonexistent")
	if got.StageIndex != -1 || got.ProgressPercentage != 0 {
		t.Fatalf("expected index -1 and 0%%, got %+v", got)
	}
}

func TestNextStageAdvancesThroughStages(t *testing.T) {
	def := appDef()
	next := NextStage(def, "initialization", nil)
	if next.Terminal || next.NextStage != "scaffolding" {
		t.Fatalf("expected scaffolding next, got %+v", next)
	}
}

func TestNextStageTerminalOnLastStage(t *testing.T) {
	def := appDef()
	next := NextStage(def, "deployment", nil)
	if !next.Terminal {
		t.Fatalf("expected terminal, got %+v", next)
	}
}

func TestNextStageSkipsStagesFailingCondition(t *testing.T) {
	def := appDef()
	def.Stages = append([]Stage{def.Stages[0]}, Stage{
		Name: "optional", ProgressWeight: 0,
		Condition: func(outputs map[string]any) bool { return false },
	})
	def.Stages = append(def.Stages, appDef().Stages[1:]...)

	next := NextStage(def, "initialization", nil)
	if next.NextStage != "scaffolding" {
		t.Fatalf("expected skip over optional stage, got %+v", next)
	}
}

func TestValidateRejectsDuplicateStageNames(t *testing.T) {
	def := Definition{Stages: []Stage{
		{Name: "a", ProgressWeight: 1},
		{Name: "a", ProgressWeight: 1},
	}}
	res := Validate(def)
	if res.Valid {
		t.Fatal("expected validation failure on duplicate stage names")
	}
}

func TestValidateRejectsZeroWeightSum(t *testing.T) {
	def := Definition{Stages: []Stage{{Name: "a", ProgressWeight: 0}}}
	res := Validate(def)
	if res.Valid {
		t.Fatal("expected validation failure on zero weight sum")
	}
}

func TestValidateRejectsEmptyDefinition(t *testing.T) {
	res := Validate(Definition{})
	if res.Valid {
		t.Fatal("expected validation failure on empty definition")
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	res := Validate(appDef())
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
}

type fakeCache struct {
	defs map[string]Definition
}

func (f *fakeCache) Get(platformID, workflowType string) (Definition, bool) {
	if platformID == "" {
		platformID = "legacy"
	}
	def, ok := f.defs[platformID+"/"+workflowType]
	return def, ok
}

func TestEngineGetDefinitionPrefersCacheOverLegacy(t *testing.T) {
	custom := appDef()
	custom.Stages[0].ProgressWeight = 99
	cache := &fakeCache{defs: map[string]Definition{"legacy/app": custom}}
	eng := NewEngine(cache)

	def, ok := eng.GetDefinition("", "app")
	if !ok || def.Stages[0].ProgressWeight != 99 {
		t.Fatalf("expected cached definition, got %+v ok=%v", def, ok)
	}
}

func TestEngineGetDefinitionFallsBackToLegacy(t *testing.T) {
	eng := NewEngine(&fakeCache{defs: map[string]Definition{}})
	def, ok := eng.GetDefinition("", "bugfix")
	if !ok || def.WorkflowType != "bugfix" {
		t.Fatalf("expected legacy bugfix definition, got %+v ok=%v", def, ok)
	}
}

func TestEngineGetDefinitionUnknownTypeMisses(t *testing.T) {
	eng := NewEngine(&fakeCache{defs: map[string]Definition{}})
	_, ok := eng.GetDefinition("", "unknown-type")
	if ok {
		t.Fatal("expected miss for unregistered workflow type")
	}
}
