package definitions

// Cache is the subset of internal/cache's DefinitionCache the engine needs,
// kept as an interface so unit tests can use an in-memory fake instead of a
// real bbolt file.
type Cache interface {
	Get(platformID, workflowType string) (Definition, bool)
}

// Engine is the C4 Workflow Definition Engine: get_definition/next_stage/
// progress/validate over a platform-scoped cache with a legacy static
// fallback table for platforms that never registered a definition.
type Engine struct {
	cache Cache
}

func NewEngine(cache Cache) *Engine {
	return &Engine{cache: cache}
}

// GetDefinition implements get_definition(platform_id?, workflow_type): a
// cache hit wins, otherwise the legacy table, otherwise ok=false — the
// "none" result that permits C7's legacy FSM fallback.
func (e *Engine) GetDefinition(platformID, workflowType string) (Definition, bool) {
	if e.cache != nil {
		if def, ok := e.cache.Get(platformID, workflowType); ok {
			return def, true
		}
	}
	def, ok := LegacyDefinitions[workflowType]
	return def, ok
}

// NextStage resolves the definition for (platformID, workflowType) and
// returns the stage that follows currentStage. Unknown workflow_type/stage
// reports Terminal=false with StageIndex=-1 so the caller can choose its own
// fallback rather than NextStage silently treating it as done.
func (e *Engine) NextStage(platformID, workflowType, currentStage string, stageOutputs map[string]any) (NextStageResult, bool) {
	def, ok := e.GetDefinition(platformID, workflowType)
	if !ok {
		return NextStageResult{StageIndex: -1}, false
	}
	return NextStage(def, currentStage, stageOutputs), true
}

// Progress resolves the definition and returns the percentage for stage.
func (e *Engine) Progress(platformID, workflowType, stage string) (ProgressResult, bool) {
	def, ok := e.GetDefinition(platformID, workflowType)
	if !ok {
		return ProgressResult{StageIndex: -1}, false
	}
	return Progress(def, stage), true
}
