// Risk-control meta-learner. Observes (context, perf_a, perf_b) streams,
// scores each architecture, trains a classifier over market features and
// periodically evolves a hybrid rule set from the accumulated evidence.
package learning

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

// winnerMargin is the relative score lead required to declare a winner.
const winnerMargin = 1.05

// experience is one scored observation retained for training.
type experience struct {
	context core.MarketContext
	winner  core.Winner
	scoreA  float64
	scoreB  float64
	when    time.Time
}

// MetaLearnerOptions configures the meta-learner.
type MetaLearnerOptions struct {
	Config    core.LearningConfig
	Bus       *bus.EventBus // optional, for training-error alerts
	Logger    core.Logger
	Telemetry core.Telemetry
	Seed      int64 // tie-label randomness; 0 means time-seeded
}

// MetaLearner learns which architecture wins in which market context.
// Training is serialized under the learner's mutex; there is never a
// concurrent retrain.
type MetaLearner struct {
	mu sync.Mutex

	config    core.LearningConfig
	bus       *bus.EventBus
	logger    core.Logger
	telemetry core.Telemetry
	rng       *rand.Rand

	experiences  []experience
	totalSamples int

	model         *logisticModel
	modelTrained  bool
	modelAccuracy float64

	hardcodedWins     int
	strategyLayerWins int
	ties              int
	hybridWins        int

	currentBestStrategy StrategyKind
	currentBestParams   []HybridRule
	lastEvolutionSample int
}

// NewMetaLearner creates a meta-learner with empty experience.
func NewMetaLearner(opts MetaLearnerOptions) *MetaLearner {
	cfg := opts.Config
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = 50
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = 1000
	}
	if cfg.EvolutionInterval <= 0 {
		cfg.EvolutionInterval = 100
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &MetaLearner{
		config:              cfg,
		bus:                 opts.Bus,
		logger:              logger,
		telemetry:           telemetry,
		rng:                 rand.New(rand.NewSource(seed)),
		currentBestStrategy: StrategyHardcoded,
	}
}

// compositeScore folds one architecture's realized metrics into a single
// comparable number.
func compositeScore(perf core.PerformanceMetrics) float64 {
	pf := perf.ProfitFactor / 3
	if pf > 1 {
		pf = 1
	}
	return 0.4*perf.SharpeRatio +
		0.3*(1-math.Abs(perf.MaxDrawdown)) +
		0.2*perf.WinRate +
		0.1*pf
}

// decideWinner applies the margin rule to two composite scores.
func decideWinner(scoreA, scoreB float64) core.Winner {
	switch {
	case scoreA > winnerMargin*scoreB:
		return core.WinnerStrategyA
	case scoreB > winnerMargin*scoreA:
		return core.WinnerStrategyB
	default:
		return core.WinnerTie
	}
}

// ObserveAndLearn scores one observation, appends it to the experience
// buffer, retrains when enough samples exist and evolves the hybrid rule
// set on the evolution interval. It never raises for training failures.
func (m *MetaLearner) ObserveAndLearn(ctx context.Context, mc core.MarketContext, perfA, perfB core.PerformanceMetrics) core.Winner {
	scoreA, scoreB := compositeScore(perfA), compositeScore(perfB)
	winner := decideWinner(scoreA, scoreB)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch winner {
	case core.WinnerStrategyA:
		m.hardcodedWins++
	case core.WinnerStrategyB:
		m.strategyLayerWins++
	default:
		m.ties++
	}

	m.experiences = append(m.experiences, experience{
		context: mc,
		winner:  winner,
		scoreA:  scoreA,
		scoreB:  scoreB,
		when:    time.Now(),
	})
	if len(m.experiences) > m.config.TrainingWindow {
		m.experiences = m.experiences[len(m.experiences)-m.config.TrainingWindow:]
	}
	m.totalSamples++
	m.telemetry.RecordMetric("learning.sample", 1, map[string]string{"winner": string(winner)})

	if len(m.experiences) >= m.config.MinTrainingSamples {
		m.trainLocked()
	}
	if m.totalSamples%m.config.EvolutionInterval == 0 {
		m.evolveLocked()
	}
	return winner
}

// trainLocked fits a fresh classifier over the recent window. Any
// failure leaves the previous model in place.
func (m *MetaLearner) trainLocked() {
	X := make([][]float64, 0, len(m.experiences))
	y := make([]int, 0, len(m.experiences))
	for _, exp := range m.experiences {
		X = append(X, featureVector(exp.context))
		switch exp.winner {
		case core.WinnerStrategyA:
			y = append(y, 1)
		case core.WinnerStrategyB:
			y = append(y, 0)
		default:
			y = append(y, m.rng.Intn(2))
		}
	}

	model, err := fitLogistic(X, y)
	if err != nil {
		m.logger.Error("Meta-learner training failed", map[string]interface{}{
			"samples": len(X),
			"error":   err.Error(),
		})
		m.publishTrainError(err)
		return
	}

	m.model = model
	m.modelTrained = true
	m.modelAccuracy = model.accuracy(X, y)
	m.telemetry.RecordMetric("learning.model_accuracy", m.modelAccuracy, nil)
}

func (m *MetaLearner) publishTrainError(err error) {
	if m.bus == nil {
		return
	}
	publishErr := m.bus.PublishSimple(bus.EventSystemAlert, "meta_learner", map[string]interface{}{
		"alert_type": "meta_learner_train_error",
		"reason":     err.Error(),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	if publishErr != nil {
		m.logger.Debug("Training alert not published", map[string]interface{}{"error": publishErr.Error()})
	}
}

// evolveLocked derives a hybrid rule set from the experience buffer.
func (m *MetaLearner) evolveLocked() {
	var volSum, aumSum float64
	var wins int
	for _, exp := range m.experiences {
		if exp.winner == core.WinnerStrategyA {
			volSum += exp.context.Volatility
			aumSum += exp.context.AUM
			wins++
		}
	}

	rules := make([]HybridRule, 0, 3)
	if wins > 0 {
		meanVol := volSum / float64(wins)
		meanAUM := aumSum / float64(wins)
		rules = append(rules,
			HybridRule{
				Name:             "evolved_volatility_threshold",
				Condition:        fmt.Sprintf("volatility > %.4f", meanVol),
				Action:           IncreaseHardcodedWeight,
				WeightAdjustment: 0.25,
				Reason:           "hardcoded wins cluster above this volatility",
			},
			HybridRule{
				Name:             "evolved_aum_threshold",
				Condition:        fmt.Sprintf("aum > %.0f", meanAUM),
				Action:           IncreaseHardcodedWeight,
				WeightAdjustment: 0.20,
				Reason:           "hardcoded wins cluster above this book size",
			})
	} else {
		rules = append(rules, HybridRule{
			Name:             "evolved_default_aum",
			Condition:        "aum > 100000",
			Action:           IncreaseHardcodedWeight,
			WeightAdjustment: 0.20,
			Reason:           "no hardcoded wins observed yet",
		})
	}
	rules = append(rules, HybridRule{
		Name:             "evolved_drawdown_guard",
		Condition:        "recent_drawdown < -0.10",
		Action:           UseHardcodedOnly,
		WeightAdjustment: 1.0,
		Reason:           "deep drawdown locks to the hardcoded path",
	})

	m.currentBestStrategy = StrategyHybrid
	m.currentBestParams = rules
	m.lastEvolutionSample = m.totalSamples
	m.hybridWins++

	m.logger.Info("Hybrid rule set evolved", map[string]interface{}{
		"total_samples": m.totalSamples,
		"rules":         len(rules),
	})
}

// featureVector maps a market context to the fixed 8-dim feature order.
func featureVector(mc core.MarketContext) []float64 {
	isBull, isBear := 0.0, 0.0
	if mc.Regime == core.RegimeBull {
		isBull = 1
	}
	if mc.Regime == core.RegimeBear {
		isBear = 1
	}
	return []float64{
		mc.Volatility,
		mc.Liquidity,
		mc.TrendStrength,
		isBull,
		isBear,
		math.Log(math.Max(mc.AUM, 1)),
		mc.PortfolioConcentration,
		math.Abs(mc.RecentDrawdown),
	}
}

// PredictBestStrategy recommends a strategy for a context. Untrained or
// failing predictions fall back to (HARDCODED, 0.5).
func (m *MetaLearner) PredictBestStrategy(mc core.MarketContext) (StrategyKind, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.modelTrained || m.model == nil {
		return StrategyHardcoded, 0.5
	}

	proba := m.model.predictProba(featureVector(mc))
	if math.IsNaN(proba[0]) || math.IsNaN(proba[1]) {
		return StrategyHardcoded, 0.5
	}
	if proba[1] >= proba[0] {
		return StrategyHardcoded, proba[1]
	}
	return StrategyLayer, proba[0]
}

// CurrentBest returns the evolved strategy recommendation and rule set.
func (m *MetaLearner) CurrentBest() (StrategyKind, []HybridRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := make([]HybridRule, len(m.currentBestParams))
	copy(rules, m.currentBestParams)
	return m.currentBestStrategy, rules
}

// ExperienceCount returns the current buffer length.
func (m *MetaLearner) ExperienceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.experiences)
}

// Recommendation is one advisory line in the learning report.
type Recommendation struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// LearningReport summarises the learner's state.
type LearningReport struct {
	SampleCount         int              `json:"sample_count"`
	TotalSamples        int              `json:"total_samples"`
	ModelTrained        bool             `json:"model_trained"`
	ModelAccuracy       float64          `json:"model_accuracy"`
	CurrentBestStrategy StrategyKind     `json:"current_best_strategy"`
	LastEvolutionSample int              `json:"last_evolution_sample"`
	HardcodedWins       int              `json:"hardcoded_wins"`
	StrategyLayerWins   int              `json:"strategy_layer_wins"`
	Ties                int              `json:"ties"`
	HybridWins          int              `json:"hybrid_wins"`
	Recommendations     []Recommendation `json:"recommendations"`
}

// GetLearningReport builds the advisory report.
func (m *MetaLearner) GetLearningReport() LearningReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := LearningReport{
		SampleCount:         len(m.experiences),
		TotalSamples:        m.totalSamples,
		ModelTrained:        m.modelTrained,
		ModelAccuracy:       m.modelAccuracy,
		CurrentBestStrategy: m.currentBestStrategy,
		LastEvolutionSample: m.lastEvolutionSample,
		HardcodedWins:       m.hardcodedWins,
		StrategyLayerWins:   m.strategyLayerWins,
		Ties:                m.ties,
		HybridWins:          m.hybridWins,
	}

	switch {
	case m.totalSamples < m.config.MinTrainingSamples:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "data_collection", Priority: "high",
			Message: fmt.Sprintf("only %d samples collected; gather more before trusting predictions", m.totalSamples),
		})
	case m.totalSamples < m.config.TrainingWindow:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "data_collection", Priority: "medium",
			Message: fmt.Sprintf("%d samples collected; accumulating toward a full training window", m.totalSamples),
		})
	default:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "data_collection", Priority: "low",
			Message: "training window is saturated",
		})
	}

	decided := m.hardcodedWins + m.strategyLayerWins
	if decided > 0 {
		hardcodedRate := float64(m.hardcodedWins) / float64(decided)
		if hardcodedRate > 0.6 {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Type: "strategy_selection", Priority: "medium",
				Message: fmt.Sprintf("hardcoded architecture dominates with %.0f%% of decided samples", hardcodedRate*100),
			})
		} else if hardcodedRate < 0.4 {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Type: "strategy_selection", Priority: "medium",
				Message: fmt.Sprintf("strategy layer dominates with %.0f%% of decided samples", (1-hardcodedRate)*100),
			})
		}
	}

	switch {
	case !m.modelTrained:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "model_training", Priority: "high",
			Message: "model not trained yet",
		})
	case m.modelAccuracy < 0.7:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "model_training", Priority: "medium",
			Message: fmt.Sprintf("model accuracy %.2f is below the useful threshold", m.modelAccuracy),
		})
	default:
		report.Recommendations = append(report.Recommendations, Recommendation{
			Type: "model_training", Priority: "low",
			Message: fmt.Sprintf("model accuracy %.2f", m.modelAccuracy),
		})
	}
	return report
}
