package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricortex/tricortex/core"
)

// stubPredictor returns a fixed prediction.
type stubPredictor struct {
	strategy   StrategyKind
	confidence float64
}

func (s *stubPredictor) PredictBestStrategy(core.MarketContext) (StrategyKind, float64) {
	return s.strategy, s.confidence
}

func newTestRouter(t *testing.T, predictor StrategyPredictor) *Router {
	t.Helper()
	r, err := NewRouter(RouterOptions{Predictor: predictor})
	require.NoError(t, err)
	return r
}

func TestNewRouterValidation(t *testing.T) {
	_, err := NewRouter(RouterOptions{})
	assert.Error(t, err, "a predictor is required")

	_, err = NewRouter(RouterOptions{
		Predictor: &stubPredictor{},
		Config:    core.LearningConfig{LowConfidenceThreshold: 0.9, HighConfidenceThreshold: 0.7},
	})
	assert.Error(t, err, "low band must not exceed high band")

	_, err = NewRouter(RouterOptions{
		Predictor: &stubPredictor{},
		Config:    core.LearningConfig{LowConfidenceThreshold: 0.5, HighConfidenceThreshold: 1.2},
	})
	assert.Error(t, err)
}

func TestRouteDecisionBands(t *testing.T) {
	tests := []struct {
		name         string
		predicted    StrategyKind
		confidence   float64
		want         StrategyKind
		fallbackUsed bool
	}{
		{"high_band_passes_through", StrategyLayer, 0.85, StrategyLayer, false},
		{"high_band_boundary", StrategyHardcoded, 0.80, StrategyHardcoded, false},
		{"medium_band_hybrid", StrategyLayer, 0.70, StrategyHybrid, false},
		{"medium_band_boundary", StrategyLayer, 0.60, StrategyHybrid, false},
		{"low_band_falls_back", StrategyLayer, 0.40, StrategyHardcoded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, &stubPredictor{strategy: tt.predicted, confidence: tt.confidence})

			decision := r.RouteDecision(core.MarketContext{})
			assert.Equal(t, tt.want, decision.SelectedStrategy)
			assert.Equal(t, tt.fallbackUsed, decision.FallbackUsed)
			assert.Equal(t, tt.confidence, decision.Confidence)
			assert.NotEmpty(t, decision.RoutingReason)
		})
	}
}

func TestRouterCountsFallbacks(t *testing.T) {
	r := newTestRouter(t, &stubPredictor{strategy: StrategyLayer, confidence: 0.40})

	for i := 0; i < 3; i++ {
		decision := r.RouteDecision(core.MarketContext{})
		assert.True(t, decision.FallbackUsed)
	}
	assert.Equal(t, int64(3), r.FallbackCount())
	assert.Equal(t, int64(3), r.TotalRoutes())
}

func TestRouterHistory(t *testing.T) {
	predictor := &stubPredictor{strategy: StrategyLayer, confidence: 0.85}
	r := newTestRouter(t, predictor)

	r.RouteDecision(core.MarketContext{})
	predictor.confidence = 0.40
	r.RouteDecision(core.MarketContext{})

	history := r.History(0)
	require.Len(t, history, 2)
	assert.True(t, history[0].FallbackUsed, "most recent first")
	assert.False(t, history[1].FallbackUsed)

	assert.Len(t, r.History(1), 1)
}

func TestRouterHistoryBound(t *testing.T) {
	r, err := NewRouter(RouterOptions{
		Predictor: &stubPredictor{strategy: StrategyHardcoded, confidence: 0.9},
		Config:    core.LearningConfig{RoutingHistorySize: 5},
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		r.RouteDecision(core.MarketContext{})
	}
	assert.Len(t, r.History(0), 5)
	assert.Equal(t, int64(8), r.TotalRoutes())
}
