package core

import "context"

// The three engines are external collaborators. The coordinator resolves
// them through these typed interfaces; concrete inference backends register
// implementations at wiring time. Engines surface structural problems as
// returned errors - the coordinator catches and wraps them into fallbacks.

// EngineDecision is the raw tactical output of the soldier engine.
type EngineDecision struct {
	Action         Action                 `json:"action"`
	Confidence     float64                `json:"confidence"`
	Reasoning      string                 `json:"reasoning"`
	SignalStrength float64                `json:"signal_strength"`
	RiskLevel      RiskLevel              `json:"risk_level"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EngineAnalysis is the strategic output of the commander engine.
type EngineAnalysis struct {
	Recommendation Action  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Analysis       string  `json:"analysis"`
}

// EngineResearch is the research output of the scholar engine.
type EngineResearch struct {
	Recommendation  Action  `json:"recommendation"`
	Confidence      float64 `json:"confidence"`
	ResearchSummary string  `json:"research_summary"`
}

// SoldierEngine makes fast tactical decisions.
type SoldierEngine interface {
	Decide(ctx context.Context, mc MarketContext) (*EngineDecision, error)
}

// CommanderEngine performs strategic analysis.
type CommanderEngine interface {
	Analyze(ctx context.Context, mc MarketContext) (*EngineAnalysis, error)
}

// ScholarEngine performs research.
type ScholarEngine interface {
	Research(ctx context.Context, mc MarketContext) (*EngineResearch, error)
}

// EngineRegistry resolves engine implementations by brain name. The
// coordinator consults it during Initialize; unregistered engines are
// reached over the event bus instead.
type EngineRegistry interface {
	Soldier() SoldierEngine
	Commander() CommanderEngine
	Scholar() ScholarEngine
}

// StaticRegistry is the trivial EngineRegistry over fixed references.
type StaticRegistry struct {
	SoldierImpl   SoldierEngine
	CommanderImpl CommanderEngine
	ScholarImpl   ScholarEngine
}

func (r *StaticRegistry) Soldier() SoldierEngine     { return r.SoldierImpl }
func (r *StaticRegistry) Commander() CommanderEngine { return r.CommanderImpl }
func (r *StaticRegistry) Scholar() ScholarEngine     { return r.ScholarImpl }
