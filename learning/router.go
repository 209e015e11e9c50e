package learning

import (
	"sync"
	"time"

	"github.com/tricortex/tricortex/core"
)

// StrategyPredictor is the slice of the meta-learner the router needs.
type StrategyPredictor interface {
	PredictBestStrategy(mc core.MarketContext) (StrategyKind, float64)
}

// RouterOptions configures the intelligent router.
type RouterOptions struct {
	Config    core.LearningConfig
	Predictor StrategyPredictor
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Router translates meta-learner predictions into guarded strategy
// selections using two confidence bands.
type Router struct {
	highThreshold float64
	lowThreshold  float64
	historySize   int
	predictor     StrategyPredictor
	logger        core.Logger
	telemetry     core.Telemetry

	mu            sync.Mutex
	history       []RoutingDecision
	totalRoutes   int64
	fallbackCount int64
}

// NewRouter validates the confidence bands and builds a router.
func NewRouter(opts RouterOptions) (*Router, error) {
	high := opts.Config.HighConfidenceThreshold
	low := opts.Config.LowConfidenceThreshold
	if high == 0 {
		high = 0.80
	}
	if low == 0 {
		low = 0.60
	}
	if low < 0 || high > 1 || low > high {
		return nil, core.NewFabricError("learning.NewRouter", "router", core.ErrInvalidConfiguration)
	}
	if opts.Predictor == nil {
		return nil, core.NewFabricError("learning.NewRouter", "router", core.ErrMissingConfiguration)
	}

	historySize := opts.Config.RoutingHistorySize
	if historySize <= 0 {
		historySize = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &Router{
		highThreshold: high,
		lowThreshold:  low,
		historySize:   historySize,
		predictor:     opts.Predictor,
		logger:        logger,
		telemetry:     telemetry,
	}, nil
}

// RouteDecision selects a strategy for a context. High-confidence
// predictions pass through, medium confidence blends, low confidence
// falls back to the hardcoded path.
func (r *Router) RouteDecision(mc core.MarketContext) RoutingDecision {
	predicted, confidence := r.predictor.PredictBestStrategy(mc)

	decision := RoutingDecision{
		Confidence: confidence,
		Timestamp:  time.Now(),
	}
	switch {
	case confidence >= r.highThreshold:
		decision.SelectedStrategy = predicted
		decision.RoutingReason = "high-confidence direct"
	case confidence >= r.lowThreshold:
		decision.SelectedStrategy = StrategyHybrid
		decision.RoutingReason = "medium-confidence hybrid"
	default:
		decision.SelectedStrategy = StrategyHardcoded
		decision.RoutingReason = "low-confidence conservative fallback"
		decision.FallbackUsed = true
	}

	r.mu.Lock()
	r.totalRoutes++
	if decision.FallbackUsed {
		r.fallbackCount++
	}
	if len(r.history) >= r.historySize {
		r.history = r.history[1:]
	}
	r.history = append(r.history, decision)
	r.mu.Unlock()

	r.telemetry.RecordMetric("learning.route", 1, map[string]string{
		"strategy": string(decision.SelectedStrategy),
	})
	return decision
}

// History returns a most-recent-first snapshot of routing decisions.
func (r *Router) History(limit int) []RoutingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RoutingDecision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// FallbackCount returns how many routes used the conservative fallback.
func (r *Router) FallbackCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackCount
}

// TotalRoutes returns the number of routing decisions made.
func (r *Router) TotalRoutes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRoutes
}
