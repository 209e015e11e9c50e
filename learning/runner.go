package learning

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tricortex/tricortex/core"
)

// runRecordCap bounds the runner's decision record ring.
const runRecordCap = 1000

// DualRunner races two risk-control architectures on the same tick and
// feeds realized performance back to the meta-learner.
type DualRunner struct {
	archA         RiskArchitecture
	archB         RiskArchitecture
	executionMode string
	meta          *MetaLearner
	logger        core.Logger
	telemetry     core.Telemetry

	mu      sync.Mutex
	records []RunRecord
}

// RunRecord captures one parallel run and its selection.
type RunRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Context   core.MarketContext `json:"market_context"`
	DecisionA *core.RiskDecision `json:"decision_a"`
	DecisionB *core.RiskDecision `json:"decision_b"`
	Selected  string             `json:"selected"`
	Executed  []core.Position    `json:"executed"`
}

// NewDualRunner builds a runner. Both architectures are required.
func NewDualRunner(archA, archB RiskArchitecture, executionMode string, meta *MetaLearner, logger core.Logger, telemetry core.Telemetry) (*DualRunner, error) {
	if archA == nil || archB == nil {
		return nil, core.NewFabricError("learning.NewDualRunner", "runner", core.ErrMissingConfiguration)
	}
	switch executionMode {
	case "conservative", "aggressive", "balanced":
	case "":
		executionMode = "balanced"
	default:
		return nil, core.NewFabricError("learning.NewDualRunner", executionMode, core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &DualRunner{
		archA:         archA,
		archB:         archB,
		executionMode: executionMode,
		meta:          meta,
		logger:        logger,
		telemetry:     telemetry,
	}, nil
}

// RunParallel evaluates both architectures concurrently on one tick and
// selects per execution mode. Architecture failures never propagate;
// they yield safe defaults.
func (r *DualRunner) RunParallel(ctx context.Context, marketData map[string]float64, portfolio map[string]float64) (*RunRecord, error) {
	mc := ExtractMarketContext(marketData, portfolio)

	var decisionA, decisionB *core.RiskDecision
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		decisionA = r.safeEvaluate(gctx, r.archA, mc, portfolio)
		return nil
	})
	g.Go(func() error {
		decisionB = r.safeEvaluate(gctx, r.archB, mc, portfolio)
		return nil
	})
	_ = g.Wait()

	selected := r.selectDecision(decisionA, decisionB)
	record := &RunRecord{
		Timestamp: time.Now(),
		Context:   mc,
		DecisionA: decisionA,
		DecisionB: decisionB,
		Selected:  selected,
	}
	if selected == "architecture_a" {
		record.Executed = decisionA.Positions
	} else {
		record.Executed = decisionB.Positions
	}

	r.mu.Lock()
	if len(r.records) >= runRecordCap {
		r.records = r.records[1:]
	}
	r.records = append(r.records, *record)
	r.mu.Unlock()

	r.telemetry.RecordMetric("learning.parallel_run", 1, map[string]string{"selected": selected})
	return record, nil
}

// safeEvaluate wraps one architecture call so failure yields a safe
// default with the error captured in metadata.
func (r *DualRunner) safeEvaluate(ctx context.Context, arch RiskArchitecture, mc core.MarketContext, portfolio map[string]float64) *core.RiskDecision {
	start := time.Now()
	decision, err := func() (d *core.RiskDecision, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("architecture panic: %v", rec)
			}
		}()
		return arch.Evaluate(ctx, mc, portfolio)
	}()
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil || decision == nil {
		reason := "nil decision"
		if err != nil {
			reason = err.Error()
		}
		r.logger.Error("Architecture evaluation failed", map[string]interface{}{
			"architecture": arch.Name(),
			"error":        reason,
		})
		return &core.RiskDecision{
			Positions:  []core.Position{},
			RiskLevel:  core.RiskLow,
			Confidence: 0,
			LatencyMs:  latencyMs,
			Metadata:   map[string]interface{}{"error": reason},
		}
	}
	decision.LatencyMs = latencyMs
	return decision
}

func (r *DualRunner) selectDecision(decisionA, decisionB *core.RiskDecision) string {
	switch r.executionMode {
	case "conservative":
		return "architecture_a"
	case "aggressive":
		return "architecture_b"
	default:
		if decisionB.Confidence > decisionA.Confidence {
			return "architecture_b"
		}
		return "architecture_a"
	}
}

// EvaluatePerformance turns realized returns into per-architecture
// metrics and forwards the observation to the meta-learner.
func (r *DualRunner) EvaluatePerformance(ctx context.Context, decisionA, decisionB *core.RiskDecision, mc core.MarketContext, actualReturns map[string]float64) core.Winner {
	perfA := derivePerformance(decisionA, actualReturns)
	perfB := derivePerformance(decisionB, actualReturns)
	if r.meta == nil {
		return decideWinner(compositeScore(perfA), compositeScore(perfB))
	}
	return r.meta.ObserveAndLearn(ctx, mc, perfA, perfB)
}

// Records returns a copy of the recent run records.
func (r *DualRunner) Records() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunRecord, len(r.records))
	copy(out, r.records)
	return out
}

// derivePerformance computes coarse realized metrics for one decision's
// positions against the realized per-symbol returns.
func derivePerformance(decision *core.RiskDecision, returns map[string]float64) core.PerformanceMetrics {
	perf := core.PerformanceMetrics{}
	if decision == nil || len(decision.Positions) == 0 {
		return perf
	}
	perf.DecisionLatencyMs = decision.LatencyMs

	var totalSize, weighted, wins float64
	var perPosition []float64
	for _, pos := range decision.Positions {
		ret, ok := returns[pos.Symbol]
		if !ok {
			continue
		}
		size := math.Abs(pos.Size)
		totalSize += size
		weighted += pos.Size * ret
		perPosition = append(perPosition, ret)
		if ret > 0 {
			wins++
		}
	}
	if totalSize == 0 || len(perPosition) == 0 {
		return perf
	}

	portfolioReturn := weighted / totalSize
	perf.WinRate = wins / float64(len(perPosition))
	perf.MaxDrawdown = math.Min(0, minFloat(perPosition))

	var gain, loss float64
	for _, ret := range perPosition {
		if ret > 0 {
			gain += ret
		} else {
			loss -= ret
		}
	}
	if loss > 0 {
		perf.ProfitFactor = gain / loss
	} else if gain > 0 {
		perf.ProfitFactor = 3
	}

	std := stddev(perPosition)
	if std > 0 {
		perf.SharpeRatio = portfolioReturn / std
	} else if portfolioReturn > 0 {
		perf.SharpeRatio = 1
	}
	if perf.MaxDrawdown < 0 {
		perf.CalmarRatio = portfolioReturn / math.Abs(perf.MaxDrawdown)
	}
	perf.SortinoRatio = perf.SharpeRatio
	return perf
}

func minFloat(values []float64) float64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)))
}

// ExtractMarketContext builds a market context from raw tick data and a
// portfolio, deriving concentration as the Herfindahl index of position
// weights.
func ExtractMarketContext(marketData map[string]float64, portfolio map[string]float64) core.MarketContext {
	mc := core.MarketContext{
		Volatility:     marketData["volatility"],
		Liquidity:      marketData["liquidity"],
		TrendStrength:  marketData["trend_strength"],
		AUM:            marketData["aum"],
		RecentDrawdown: marketData["recent_drawdown"],
		Regime:         regimeFromTrend(marketData["trend_strength"]),
	}

	var total float64
	for _, size := range portfolio {
		total += math.Abs(size)
	}
	if total > 0 {
		var herfindahl float64
		for _, size := range portfolio {
			w := math.Abs(size) / total
			herfindahl += w * w
		}
		mc.PortfolioConcentration = herfindahl
	}
	return mc
}

func regimeFromTrend(trend float64) core.MarketRegime {
	switch {
	case trend > 0.3:
		return core.RegimeBull
	case trend < -0.3:
		return core.RegimeBear
	default:
		return core.RegimeSideways
	}
}
