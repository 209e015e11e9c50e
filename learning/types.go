// Package learning contains the adaptive half of the fabric: the
// risk-control meta-learner, the confidence-banded router, the hybrid
// blender and the dual-architecture runner that feeds them.
package learning

import (
	"context"
	"time"

	"github.com/tricortex/tricortex/core"
)

// StrategyKind names a risk-control strategy selection.
type StrategyKind string

const (
	StrategyHardcoded StrategyKind = "HARDCODED"
	StrategyLayer     StrategyKind = "STRATEGY_LAYER"
	StrategyHybrid    StrategyKind = "HYBRID"
)

// RoutingDecision is the router's output for one context.
type RoutingDecision struct {
	SelectedStrategy StrategyKind `json:"selected_strategy"`
	Confidence       float64      `json:"confidence"`
	RoutingReason    string       `json:"routing_reason"`
	FallbackUsed     bool         `json:"fallback_used"`
	Timestamp        time.Time    `json:"timestamp"`
}

// RuleAction is the weight effect a hybrid rule applies when it fires.
type RuleAction string

const (
	IncreaseHardcodedWeight     RuleAction = "increase_hardcoded_weight"
	IncreaseStrategyLayerWeight RuleAction = "increase_strategy_layer_weight"
	UseHardcodedOnly            RuleAction = "use_hardcoded_only"
	UseStrategyLayerOnly        RuleAction = "use_strategy_layer_only"
)

// HybridRule is one (condition, action, adjustment) triple. Conditions
// are parsed from the restricted arithmetic DSL at construction.
type HybridRule struct {
	Name             string     `json:"name"`
	Condition        string     `json:"condition"`
	Action           RuleAction `json:"action"`
	WeightAdjustment float64    `json:"weight_adjustment"`
	Reason           string     `json:"reason"`
}

// HybridDecision is a blended risk decision with its weight provenance.
type HybridDecision struct {
	Positions      []core.Position `json:"positions"`
	RiskLevel      core.RiskLevel  `json:"risk_level"`
	Confidence     float64         `json:"confidence"`
	WeightA        float64         `json:"w_a"`
	WeightB        float64         `json:"w_b"`
	BlendingReason string          `json:"blending_reason"`
	RulesApplied   []string        `json:"rules_applied"`
	Timestamp      time.Time       `json:"timestamp"`
}

// RiskArchitecture is one candidate risk-control implementation the
// dual runner races against another.
type RiskArchitecture interface {
	Name() string
	Evaluate(ctx context.Context, mc core.MarketContext, portfolio map[string]float64) (*core.RiskDecision, error)
}
