package learning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tricortex/tricortex/core"
)

// DefaultHybridRules is the built-in rule set the blender starts with.
func DefaultHybridRules() []HybridRule {
	return []HybridRule{
		{
			Name:             "high_volatility_conservative",
			Condition:        "volatility > 0.30",
			Action:           IncreaseHardcodedWeight,
			WeightAdjustment: 0.30,
			Reason:           "increase conservative weight in high vol",
		},
		{
			Name:             "large_aum_flexible",
			Condition:        "aum > 1000000",
			Action:           IncreaseStrategyLayerWeight,
			WeightAdjustment: 0.20,
			Reason:           "large books tolerate the adaptive layer",
		},
		{
			Name:             "large_drawdown_conservative",
			Condition:        "recent_drawdown < -0.10",
			Action:           UseHardcodedOnly,
			WeightAdjustment: 1.0,
			Reason:           "deep drawdown locks to the hardcoded path",
		},
		{
			Name:             "strong_trend_aggressive",
			Condition:        "abs(trend_strength) > 0.7",
			Action:           IncreaseStrategyLayerWeight,
			WeightAdjustment: 0.25,
			Reason:           "strong trends favor the adaptive layer",
		},
		{
			Name:             "low_liquidity_conservative",
			Condition:        "liquidity < 500000",
			Action:           IncreaseHardcodedWeight,
			WeightAdjustment: 0.20,
			Reason:           "thin books stay conservative",
		},
	}
}

type compiledRule struct {
	HybridRule
	expr condExpr
}

// Blender combines two risk decisions under context-sensitive weights.
type Blender struct {
	rules     []compiledRule
	logger    core.Logger
	telemetry core.Telemetry
}

// NewBlender compiles the rule set. A syntactically invalid condition is
// rejected here, not at blend time.
func NewBlender(rules []HybridRule, logger core.Logger, telemetry core.Telemetry) (*Blender, error) {
	if rules == nil {
		rules = DefaultHybridRules()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		expr, err := compileCondition(rule.Condition)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{HybridRule: rule, expr: expr})
	}
	return &Blender{rules: compiled, logger: logger, telemetry: telemetry}, nil
}

// SetRules replaces the rule set, compiling the new conditions first.
func (b *Blender) SetRules(rules []HybridRule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		expr, err := compileCondition(rule.Condition)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledRule{HybridRule: rule, expr: expr})
	}
	b.rules = compiled
	return nil
}

// ComputeWeights evaluates the rule set against a context and returns
// (w_A, w_B) with w_A+w_B=1, plus the names of the rules that fired.
// A rule whose evaluation panics yields false and is logged; blending
// always completes.
func (b *Blender) ComputeWeights(mc core.MarketContext) (wA, wB float64, applied []string) {
	wA, wB = 0.5, 0.5
	forced := false

	for _, rule := range b.rules {
		if forced {
			break
		}
		if !b.ruleFires(rule, mc) {
			continue
		}
		applied = append(applied, rule.Name)

		switch rule.Action {
		case IncreaseHardcodedWeight:
			wA += rule.WeightAdjustment
			wB -= rule.WeightAdjustment
		case IncreaseStrategyLayerWeight:
			wB += rule.WeightAdjustment
			wA -= rule.WeightAdjustment
		case UseHardcodedOnly:
			wA, wB = 1, 0
			forced = true
		case UseStrategyLayerOnly:
			wA, wB = 0, 1
			forced = true
		}
	}

	wA, wB = clampWeight(wA), clampWeight(wB)
	sum := wA + wB
	if sum <= 0 {
		return 0.5, 0.5, applied
	}
	return wA / sum, wB / sum, applied
}

func (b *Blender) ruleFires(rule compiledRule, mc core.MarketContext) (fires bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Rule evaluation failed", map[string]interface{}{
				"rule":  rule.Name,
				"panic": fmt.Sprint(r),
			})
			fires = false
		}
	}()
	return rule.expr.eval(mc) != 0
}

// Blend merges two risk decisions under the computed weights.
func (b *Blender) Blend(decisionA, decisionB *core.RiskDecision, mc core.MarketContext) *HybridDecision {
	wA, wB, applied := b.ComputeWeights(mc)
	b.telemetry.RecordMetric("learning.blend", 1, nil)

	reason := "balanced blend"
	if len(applied) > 0 {
		reason = "rules fired: " + strings.Join(applied, ", ")
	}

	return &HybridDecision{
		Positions:      mergePositions(decisionA, decisionB, wA, wB),
		RiskLevel:      blendRisk(decisionA, decisionB, wA, wB),
		Confidence:     blendConfidence(decisionA, decisionB, wA, wB),
		WeightA:        wA,
		WeightB:        wB,
		BlendingReason: reason,
		RulesApplied:   applied,
		Timestamp:      time.Now(),
	}
}

// mergePositions combines the two position books, weighting sizes and
// tagging each entry with its origin. Output order is stable across
// identical inputs.
func mergePositions(decisionA, decisionB *core.RiskDecision, wA, wB float64) []core.Position {
	merged := make(map[string]core.Position)

	if decisionA != nil {
		for _, p := range decisionA.Positions {
			merged[p.Symbol] = core.Position{Symbol: p.Symbol, Size: p.Size * wA, Source: "architecture_a"}
		}
	}
	if decisionB != nil {
		for _, p := range decisionB.Positions {
			if existing, ok := merged[p.Symbol]; ok {
				existing.Size += p.Size * wB
				existing.Source = "both"
				merged[p.Symbol] = existing
			} else {
				merged[p.Symbol] = core.Position{Symbol: p.Symbol, Size: p.Size * wB, Source: "architecture_b"}
			}
		}
	}

	out := make([]core.Position, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

var riskScores = map[core.RiskLevel]float64{
	core.RiskLow:    1,
	core.RiskMedium: 2,
	core.RiskHigh:   3,
}

func blendRisk(decisionA, decisionB *core.RiskDecision, wA, wB float64) core.RiskLevel {
	score := riskScore(decisionA)*wA + riskScore(decisionB)*wB
	switch {
	case score < 1.5:
		return core.RiskLow
	case score < 2.5:
		return core.RiskMedium
	default:
		return core.RiskHigh
	}
}

func riskScore(d *core.RiskDecision) float64 {
	if d == nil {
		return riskScores[core.RiskLow]
	}
	if score, ok := riskScores[d.RiskLevel]; ok {
		return score
	}
	return riskScores[core.RiskMedium]
}

func blendConfidence(decisionA, decisionB *core.RiskDecision, wA, wB float64) float64 {
	var confidence float64
	if decisionA != nil {
		confidence += decisionA.Confidence * wA
	}
	if decisionB != nil {
		confidence += decisionB.Confidence * wB
	}
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
