// Package core provides the shared data model and interfaces for the
// tricortex decision-coordination fabric.
//
// Purpose:
// - Defines the decision tuples exchanged between the coordinator and engines
// - Defines the market context and performance metrics used by the learning stack
// - Defines the typed engine interfaces the coordinator resolves
// - Provides sentinel errors, logging/telemetry interfaces and configuration
//
// The concrete inference backends, market-data feeds and execution surfaces
// are external collaborators; only their interfaces live here.
package core

import (
	"time"
)

// BrainName identifies one of the three decision engines.
type BrainName string

const (
	BrainSoldier   BrainName = "soldier"
	BrainCommander BrainName = "commander"
	BrainScholar   BrainName = "scholar"

	// Synthetic origins used by the coordinator itself.
	BrainCoordinator        BrainName = "coordinator"
	BrainFallback           BrainName = "coordinator_fallback"
	BrainConflictResolution BrainName = "coordinator_conflict_resolution"
)

// Valid reports whether the name refers to a real engine a request may target.
func (b BrainName) Valid() bool {
	switch b {
	case BrainSoldier, BrainCommander, BrainScholar:
		return true
	}
	return false
}

// Action is a trading action an engine can recommend.
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionHold      Action = "hold"
	ActionReduce    Action = "reduce"
	ActionStrongBuy Action = "strong_buy"
)

// RiskLevel buckets the risk attached to a decision.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// BrainDecision is the coordinator-level decision tuple.
type BrainDecision struct {
	DecisionID     string                 `json:"decision_id"`
	PrimaryBrain   BrainName              `json:"primary_brain"`
	Action         Action                 `json:"action"`
	Confidence     float64                `json:"confidence"`
	Reasoning      string                 `json:"reasoning"`
	SupportingData map[string]interface{} `json:"supporting_data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
}

// SoldierMode is the failover mode a soldier decision was produced under.
type SoldierMode string

const (
	ModeNormal   SoldierMode = "normal"
	ModeDegraded SoldierMode = "degraded"
	ModeOffline  SoldierMode = "offline"
)

// SoldierDecision extends the decision tuple with failover provenance.
type SoldierDecision struct {
	BrainDecision
	SourceMode        SoldierMode `json:"source_mode"`
	LatencyMs         float64     `json:"latency_ms"`
	SignalStrength    float64     `json:"signal_strength"`
	RiskLevel         RiskLevel   `json:"risk_level"`
	ExecutionPriority int         `json:"execution_priority"`
}

// MarketRegime labels the broad market state.
type MarketRegime string

const (
	RegimeBull     MarketRegime = "bull"
	RegimeBear     MarketRegime = "bear"
	RegimeChoppy   MarketRegime = "choppy"
	RegimeSideways MarketRegime = "sideways"
)

// MarketContext is the fixed-shape input describing market state, used by
// all learning and routing code.
type MarketContext struct {
	Volatility             float64      `json:"volatility"`
	Liquidity              float64      `json:"liquidity"`
	TrendStrength          float64      `json:"trend_strength"` // [-1, 1]
	Regime                 MarketRegime `json:"regime"`
	AUM                    float64      `json:"aum"`
	PortfolioConcentration float64      `json:"portfolio_concentration"` // Herfindahl index, [0, 1]
	RecentDrawdown         float64      `json:"recent_drawdown"`         // <= 0
}

// PerformanceMetrics summarises realized performance of one architecture.
type PerformanceMetrics struct {
	SharpeRatio       float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown"` // <= 0
	WinRate           float64 `json:"win_rate"`     // [0, 1]
	ProfitFactor      float64 `json:"profit_factor"`
	CalmarRatio       float64 `json:"calmar_ratio"`
	SortinoRatio      float64 `json:"sortino_ratio"`
	DecisionLatencyMs float64 `json:"decision_latency_ms"`
}

// Winner labels which architecture a learning sample favoured.
type Winner string

const (
	WinnerStrategyA Winner = "strategy_a"
	WinnerStrategyB Winner = "strategy_b"
	WinnerTie       Winner = "tie"
)

// LearningSample is one observation appended to the learning data store.
// Samples are immutable once written; they are only archived or deleted.
type LearningSample struct {
	Timestamp    time.Time              `json:"timestamp"`
	Context      MarketContext          `json:"market_context"`
	PerfA        PerformanceMetrics     `json:"architecture_a_performance"`
	PerfB        PerformanceMetrics     `json:"architecture_b_performance"`
	Winner       Winner                 `json:"winner"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// Position is one holding inside a risk-control decision.
type Position struct {
	Symbol string  `json:"symbol"`
	Size   float64 `json:"size"`
	Source string  `json:"source,omitempty"` // "architecture_a", "architecture_b", "both"
}

// RiskDecision is the output of one risk-control architecture for a tick.
type RiskDecision struct {
	Positions  []Position             `json:"positions"`
	RiskLevel  RiskLevel              `json:"risk_level"`
	Confidence float64                `json:"confidence"`
	LatencyMs  float64                `json:"latency_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
