package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricortex/tricortex/core"
)

func strongPerf() core.PerformanceMetrics {
	return core.PerformanceMetrics{
		SharpeRatio:  1.8,
		MaxDrawdown:  -0.10,
		WinRate:      0.65,
		ProfitFactor: 2.5,
	}
}

func weakPerf() core.PerformanceMetrics {
	return core.PerformanceMetrics{
		SharpeRatio:  1.3,
		MaxDrawdown:  -0.15,
		WinRate:      0.55,
		ProfitFactor: 1.8,
	}
}

func newTestLearner(cfg core.LearningConfig) *MetaLearner {
	return NewMetaLearner(MetaLearnerOptions{Config: cfg, Seed: 42})
}

func TestCompositeScore(t *testing.T) {
	score := compositeScore(strongPerf())
	want := 0.4*1.8 + 0.3*(1-0.10) + 0.2*0.65 + 0.1*(2.5/3)
	assert.InDelta(t, want, score, 1e-9)

	capped := compositeScore(core.PerformanceMetrics{ProfitFactor: 9})
	assert.InDelta(t, 0.3+0.1, capped, 1e-9, "profit factor contribution caps at 1")
}

func TestDecideWinnerMargin(t *testing.T) {
	assert.Equal(t, core.WinnerStrategyA, decideWinner(1.10, 1.00))
	assert.Equal(t, core.WinnerStrategyB, decideWinner(1.00, 1.10))
	assert.Equal(t, core.WinnerTie, decideWinner(1.04, 1.00))
	assert.Equal(t, core.WinnerTie, decideWinner(1.00, 1.00))
}

func TestObserveAndLearnCountsWinner(t *testing.T) {
	m := newTestLearner(core.LearningConfig{})

	winner := m.ObserveAndLearn(context.Background(), core.MarketContext{Volatility: 0.2}, strongPerf(), weakPerf())
	assert.Equal(t, core.WinnerStrategyA, winner)
	assert.Equal(t, 1, m.ExperienceCount())

	report := m.GetLearningReport()
	assert.Equal(t, 1, report.HardcodedWins)
	assert.Equal(t, 0, report.StrategyLayerWins)
	assert.False(t, report.ModelTrained)
}

func TestPredictBestStrategyUntrained(t *testing.T) {
	m := newTestLearner(core.LearningConfig{})

	strategy, confidence := m.PredictBestStrategy(core.MarketContext{Volatility: 0.5})
	assert.Equal(t, StrategyHardcoded, strategy)
	assert.Equal(t, 0.5, confidence)
}

func TestTrainingOnSeparableData(t *testing.T) {
	m := newTestLearner(core.LearningConfig{MinTrainingSamples: 50, EvolutionInterval: 1000})

	// Hardcoded wins in high vol, the strategy layer in low vol. The
	// classifier should separate these cleanly.
	for i := 0; i < 30; i++ {
		m.ObserveAndLearn(context.Background(),
			core.MarketContext{Volatility: 0.40, AUM: 1000000}, strongPerf(), weakPerf())
		m.ObserveAndLearn(context.Background(),
			core.MarketContext{Volatility: 0.05, AUM: 1000000}, weakPerf(), strongPerf())
	}

	report := m.GetLearningReport()
	require.True(t, report.ModelTrained)
	assert.Greater(t, report.ModelAccuracy, 0.9)

	strategy, confidence := m.PredictBestStrategy(core.MarketContext{Volatility: 0.45, AUM: 1000000})
	assert.Equal(t, StrategyHardcoded, strategy)
	assert.GreaterOrEqual(t, confidence, 0.5)
	assert.LessOrEqual(t, confidence, 1.0)

	strategy, confidence = m.PredictBestStrategy(core.MarketContext{Volatility: 0.02, AUM: 1000000})
	assert.Equal(t, StrategyLayer, strategy)
	assert.GreaterOrEqual(t, confidence, 0.5)
}

func TestExperienceBufferTrimsToWindow(t *testing.T) {
	m := newTestLearner(core.LearningConfig{TrainingWindow: 10, MinTrainingSamples: 100, EvolutionInterval: 1000})

	for i := 0; i < 25; i++ {
		m.ObserveAndLearn(context.Background(), core.MarketContext{}, strongPerf(), weakPerf())
	}
	assert.Equal(t, 10, m.ExperienceCount())
	assert.Equal(t, 25, m.GetLearningReport().TotalSamples)
}

func TestEvolutionProducesHybridRules(t *testing.T) {
	m := newTestLearner(core.LearningConfig{MinTrainingSamples: 500, EvolutionInterval: 100})

	for i := 0; i < 100; i++ {
		m.ObserveAndLearn(context.Background(),
			core.MarketContext{Volatility: 0.30, AUM: 2000000}, strongPerf(), weakPerf())
	}

	strategy, rules := m.CurrentBest()
	assert.Equal(t, StrategyHybrid, strategy)
	require.NotEmpty(t, rules)

	names := make(map[string]HybridRule, len(rules))
	for _, rule := range rules {
		names[rule.Name] = rule
	}
	assert.Contains(t, names, "evolved_volatility_threshold")
	assert.Contains(t, names, "evolved_aum_threshold")
	guard, ok := names["evolved_drawdown_guard"]
	require.True(t, ok, "the drawdown guard is always present")
	assert.Equal(t, UseHardcodedOnly, guard.Action)

	// Every evolved condition must compile under the rule DSL.
	for _, rule := range rules {
		_, err := compileCondition(rule.Condition)
		assert.NoError(t, err, rule.Condition)
	}
	assert.Equal(t, 1, m.GetLearningReport().HybridWins)
}

func TestEvolutionWithoutWins(t *testing.T) {
	m := newTestLearner(core.LearningConfig{MinTrainingSamples: 500, EvolutionInterval: 100})

	for i := 0; i < 100; i++ {
		m.ObserveAndLearn(context.Background(), core.MarketContext{}, weakPerf(), strongPerf())
	}

	_, rules := m.CurrentBest()
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.Name)
	}
	assert.Contains(t, names, "evolved_default_aum")
	assert.Contains(t, names, "evolved_drawdown_guard")
}

func TestLearningReportRecommendations(t *testing.T) {
	m := newTestLearner(core.LearningConfig{MinTrainingSamples: 50, TrainingWindow: 1000, EvolutionInterval: 10000})

	report := m.GetLearningReport()
	require.NotEmpty(t, report.Recommendations)
	byType := map[string]Recommendation{}
	for _, rec := range report.Recommendations {
		byType[rec.Type] = rec
	}
	assert.Equal(t, "high", byType["data_collection"].Priority)
	assert.Equal(t, "high", byType["model_training"].Priority)

	for i := 0; i < 60; i++ {
		m.ObserveAndLearn(context.Background(),
			core.MarketContext{Volatility: float64(i%10) / 10}, strongPerf(), weakPerf())
	}
	report = m.GetLearningReport()
	byType = map[string]Recommendation{}
	for _, rec := range report.Recommendations {
		byType[rec.Type] = rec
	}
	assert.Equal(t, "medium", byType["data_collection"].Priority)
	if rec, ok := byType["strategy_selection"]; ok {
		assert.Equal(t, "medium", rec.Priority)
	}
}
