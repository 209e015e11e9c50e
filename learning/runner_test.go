package learning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricortex/tricortex/core"
)

// fixedArchitecture returns a fixed decision, error or panic.
type fixedArchitecture struct {
	name     string
	decision *core.RiskDecision
	err      error
	panics   bool
}

func (f *fixedArchitecture) Name() string { return f.name }

func (f *fixedArchitecture) Evaluate(ctx context.Context, mc core.MarketContext, portfolio map[string]float64) (*core.RiskDecision, error) {
	if f.panics {
		panic("architecture exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func archWithConfidence(name string, confidence float64) *fixedArchitecture {
	return &fixedArchitecture{
		name: name,
		decision: &core.RiskDecision{
			Positions:  []core.Position{{Symbol: "BTC", Size: 1}},
			RiskLevel:  core.RiskMedium,
			Confidence: confidence,
		},
	}
}

func TestNewDualRunnerValidation(t *testing.T) {
	a := archWithConfidence("a", 0.5)

	_, err := NewDualRunner(nil, a, "", nil, nil, nil)
	assert.Error(t, err)

	_, err = NewDualRunner(a, a, "reckless", nil, nil, nil)
	assert.Error(t, err)

	r, err := NewDualRunner(a, a, "", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "balanced", r.executionMode)
}

func TestRunParallelBalancedSelection(t *testing.T) {
	a := archWithConfidence("hardcoded", 0.6)
	b := archWithConfidence("strategy_layer", 0.8)
	r, err := NewDualRunner(a, b, "balanced", nil, nil, nil)
	require.NoError(t, err)

	record, err := r.RunParallel(context.Background(), map[string]float64{"volatility": 0.2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "architecture_b", record.Selected)
	assert.Equal(t, b.decision.Positions, record.Executed)

	// Equal confidence ties break toward A.
	b.decision.Confidence = 0.6
	record, err = r.RunParallel(context.Background(), map[string]float64{"volatility": 0.2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "architecture_a", record.Selected)
}

func TestRunParallelConservativeAlwaysA(t *testing.T) {
	a := &fixedArchitecture{name: "hardcoded", err: errors.New("down")}
	b := archWithConfidence("strategy_layer", 0.99)
	r, err := NewDualRunner(a, b, "conservative", nil, nil, nil)
	require.NoError(t, err)

	record, err := r.RunParallel(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "architecture_a", record.Selected)
	assert.Empty(t, record.Executed, "a failed architecture executes nothing")
}

func TestSafeEvaluateCapturesFailures(t *testing.T) {
	r, err := NewDualRunner(archWithConfidence("a", 0.5), archWithConfidence("b", 0.5), "", nil, nil, nil)
	require.NoError(t, err)

	failing := &fixedArchitecture{name: "broken", err: errors.New("db unreachable")}
	decision := r.safeEvaluate(context.Background(), failing, core.MarketContext{}, nil)
	require.NotNil(t, decision)
	assert.Empty(t, decision.Positions)
	assert.Equal(t, core.RiskLow, decision.RiskLevel)
	assert.Equal(t, 0.0, decision.Confidence)
	assert.Contains(t, decision.Metadata["error"], "db unreachable")

	panicking := &fixedArchitecture{name: "panicky", panics: true}
	decision = r.safeEvaluate(context.Background(), panicking, core.MarketContext{}, nil)
	require.NotNil(t, decision)
	assert.Contains(t, decision.Metadata["error"], "architecture panic")
}

func TestRunRecordsBounded(t *testing.T) {
	r, err := NewDualRunner(archWithConfidence("a", 0.5), archWithConfidence("b", 0.4), "", nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := r.RunParallel(context.Background(), nil, nil)
		require.NoError(t, err)
	}
	assert.Len(t, r.Records(), 5)
}

func TestEvaluatePerformanceFeedsMetaLearner(t *testing.T) {
	meta := newTestLearner(core.LearningConfig{MinTrainingSamples: 1000, EvolutionInterval: 10000})
	r, err := NewDualRunner(archWithConfidence("a", 0.5), archWithConfidence("b", 0.5), "", meta, nil, nil)
	require.NoError(t, err)

	decisionA := &core.RiskDecision{Positions: []core.Position{
		{Symbol: "BTC", Size: 1},
		{Symbol: "ETH", Size: 1},
	}}
	decisionB := &core.RiskDecision{Positions: []core.Position{
		{Symbol: "SOL", Size: 1},
	}}
	returns := map[string]float64{"BTC": 0.05, "ETH": 0.02, "SOL": -0.04}

	winner := r.EvaluatePerformance(context.Background(), decisionA, decisionB, core.MarketContext{}, returns)
	assert.Equal(t, core.WinnerStrategyA, winner)
	assert.Equal(t, 1, meta.ExperienceCount())
}

func TestDerivePerformance(t *testing.T) {
	decision := &core.RiskDecision{
		LatencyMs: 3.5,
		Positions: []core.Position{
			{Symbol: "BTC", Size: 2},
			{Symbol: "ETH", Size: 1},
			{Symbol: "SOL", Size: 1},
		},
	}
	returns := map[string]float64{"BTC": 0.10, "ETH": 0.02, "SOL": -0.04}

	perf := derivePerformance(decision, returns)
	assert.InDelta(t, 2.0/3.0, perf.WinRate, 1e-9)
	assert.InDelta(t, -0.04, perf.MaxDrawdown, 1e-9)
	assert.InDelta(t, (0.10+0.02)/0.04, perf.ProfitFactor, 1e-9)
	assert.Greater(t, perf.SharpeRatio, 0.0)
	assert.Equal(t, 3.5, perf.DecisionLatencyMs)

	assert.Equal(t, core.PerformanceMetrics{}, derivePerformance(nil, returns))
	assert.Equal(t, core.PerformanceMetrics{},
		derivePerformance(&core.RiskDecision{Positions: []core.Position{}}, returns))
}

func TestExtractMarketContext(t *testing.T) {
	marketData := map[string]float64{
		"volatility":      0.25,
		"liquidity":       800000,
		"trend_strength":  0.5,
		"aum":             1500000,
		"recent_drawdown": -0.03,
	}
	portfolio := map[string]float64{"BTC": 3, "ETH": -1}

	mc := ExtractMarketContext(marketData, portfolio)
	assert.Equal(t, 0.25, mc.Volatility)
	assert.Equal(t, core.RegimeBull, mc.Regime)
	assert.InDelta(t, 0.75*0.75+0.25*0.25, mc.PortfolioConcentration, 1e-9)

	assert.Equal(t, core.RegimeBear, ExtractMarketContext(map[string]float64{"trend_strength": -0.5}, nil).Regime)
	assert.Equal(t, core.RegimeSideways, ExtractMarketContext(nil, nil).Regime)

	empty := ExtractMarketContext(nil, map[string]float64{})
	assert.Equal(t, 0.0, empty.PortfolioConcentration)
}
