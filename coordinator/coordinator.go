// Package coordinator turns synchronous decision requests into
// correlation-tracked interactions with the three engines.
//
// Purpose:
// - Enforces a bounded concurrency budget over all in-flight requests
// - Micro-batches commander requests to amortize the expensive path
// - Resolves conflicts between competing decisions deterministically
// - Guarantees callers always receive a decision, degrading to a
//   conservative fallback on timeout or engine failure
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

const moduleName = "coordinator"

// historyCap bounds the decision history ring.
const historyCap = 100

// Options configures the coordinator.
type Options struct {
	Config  core.CoordinatorConfig
	Engines core.EngineRegistry
	Bus     *bus.EventBus

	// SoldierMode, when set, lets the coordinator widen the soldier
	// timeout while the failover core is off the local path.
	SoldierMode func() core.SoldierMode

	Logger    core.Logger
	Telemetry core.Telemetry
}

// Coordinator owns the request/response correlation map and the
// concurrency slot pool.
type Coordinator struct {
	config      core.CoordinatorConfig
	engines     core.EngineRegistry
	bus         *bus.EventBus
	soldierMode func() core.SoldierMode
	logger      core.Logger
	telemetry   core.Telemetry

	active atomic.Bool
	slots  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *core.BrainDecision

	batcher *commanderBatcher

	histMu  sync.Mutex
	history []*core.BrainDecision

	statsMu         sync.Mutex
	startedAt       time.Time
	perBrain        map[core.BrainName]int64
	totalDecisions  int64
	totalConfidence float64
	conflicts       int64
	timeouts        int64
	engineErrors    int64
	limitHits       int64
	fallbacks       int64
	batchesFlushed  int64
}

// New creates a coordinator. Engines may be nil in event mode.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg.MaxConcurrentDecisions <= 0 {
		cfg.MaxConcurrentDecisions = 32
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.SoldierTimeout <= 0 {
		cfg.SoldierTimeout = 2 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = "direct"
	}
	if cfg.Mode != "event" && cfg.Mode != "direct" {
		return nil, core.NewFabricError("coordinator.New", moduleName, core.ErrInvalidConfiguration)
	}
	if cfg.Mode == "event" && opts.Bus == nil {
		return nil, core.NewFabricError("coordinator.New", moduleName, core.ErrMissingConfiguration)
	}
	if cfg.Mode == "direct" && opts.Engines == nil {
		return nil, core.NewFabricError("coordinator.New", moduleName, core.ErrMissingConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	c := &Coordinator{
		config:      cfg,
		engines:     opts.Engines,
		bus:         opts.Bus,
		soldierMode: opts.SoldierMode,
		logger:      logger,
		telemetry:   telemetry,
		slots:       make(chan struct{}, cfg.MaxConcurrentDecisions),
		pending:     make(map[string]chan *core.BrainDecision),
		history:     make([]*core.BrainDecision, 0, historyCap),
		perBrain:    make(map[core.BrainName]int64),
	}
	return c, nil
}

// Initialize subscribes to response channels and starts the commander
// batcher.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return core.NewFabricError("coordinator.Initialize", moduleName, core.ErrAlreadyStarted)
	}
	c.statsMu.Lock()
	c.startedAt = time.Now()
	c.statsMu.Unlock()

	if c.bus != nil {
		subs := []struct {
			t  bus.EventType
			id string
			fn bus.HandlerFunc
		}{
			{bus.EventDecisionMade, "coordinator_decision_made", c.onDecisionMade},
			{bus.EventAnalysisCompleted, "coordinator_analysis_completed", c.onAnalysisCompleted},
			{bus.EventFactorDiscovered, "coordinator_factor_discovered", c.onFactorDiscovered},
		}
		for _, s := range subs {
			if _, err := c.bus.Subscribe(s.t, s.fn,
				bus.WithHandlerID(s.id), bus.WithSubscriberModule(moduleName)); err != nil {
				return err
			}
		}
	}

	if c.config.EnableBatching {
		c.batcher = newCommanderBatcher(c.config.BatchSize, c.config.BatchTimeout, c.processBatch)
		c.batcher.start()
	}

	c.logger.Info("Coordinator started", map[string]interface{}{
		"mode":            c.config.Mode,
		"max_concurrent":  c.config.MaxConcurrentDecisions,
		"batching":        c.config.EnableBatching,
		"soldier_timeout": c.config.SoldierTimeout.String(),
	})
	return nil
}

// Shutdown stops the batcher and completes every pending waiter with a
// fallback decision.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	if c.batcher != nil {
		c.batcher.stop()
	}

	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan *core.BrainDecision)
	c.pendingMu.Unlock()

	for correlationID, future := range waiters {
		fb := c.fallbackDecision(nil, correlationID, "coordinator shutdown")
		select {
		case future <- fb:
		default:
		}
	}
	if len(waiters) > 0 {
		c.logger.Warn("Completed pending waiters with fallbacks at shutdown", map[string]interface{}{
			"count": len(waiters),
		})
	}
	return nil
}

// RequestDecision asks one engine for a decision. It never returns an
// error for engine failure or timeout; those paths yield a fallback
// decision. Only an invalid brain name is surfaced as an error.
func (c *Coordinator) RequestDecision(ctx context.Context, request map[string]interface{}, brain core.BrainName) (*core.BrainDecision, error) {
	if !brain.Valid() {
		return nil, core.NewFabricError("coordinator.RequestDecision", string(brain), core.ErrUnknownBrain)
	}

	if !c.acquireSlot(ctx) {
		fb := c.fallbackDecision(request, "", "concurrency slot wait canceled")
		c.recordDecision(brain, fb, true)
		return fb, nil
	}
	defer func() { <-c.slots }()

	correlationID := fmt.Sprintf("decision_%d_%06d", time.Now().UnixMilli(), rand.Intn(1000000))
	future := make(chan *core.BrainDecision, 1)
	c.registerPending(correlationID, future)
	defer c.unregisterPending(correlationID)

	if err := c.dispatch(ctx, request, brain, correlationID); err != nil {
		c.statsMu.Lock()
		c.engineErrors++
		c.statsMu.Unlock()
		fb := c.fallbackDecision(request, correlationID, "dispatch failed: "+err.Error())
		c.recordDecision(brain, fb, true)
		return fb, nil
	}

	timer := time.NewTimer(c.timeoutFor(brain))
	defer timer.Stop()

	select {
	case decision := <-future:
		fallback := decision.PrimaryBrain == core.BrainFallback
		c.recordDecision(brain, decision, fallback)
		return decision, nil
	case <-timer.C:
		c.statsMu.Lock()
		c.timeouts++
		c.statsMu.Unlock()
		c.telemetry.RecordMetric("coordinator.timeout", 1, map[string]string{"brain": string(brain)})
		fb := c.fallbackDecision(request, correlationID, "decision timeout")
		c.recordDecision(brain, fb, true)
		return fb, nil
	case <-ctx.Done():
		fb := c.fallbackDecision(request, correlationID, "caller canceled")
		c.recordDecision(brain, fb, true)
		return fb, nil
	}
}

// BatchRequest pairs one decision request with its target brain.
type BatchRequest struct {
	Request map[string]interface{}
	Brain   core.BrainName
}

// RequestDecisionsBatch runs every request concurrently and returns
// results aligned with input order. Per-item failures surface as
// fallback decisions, not errors.
func (c *Coordinator) RequestDecisionsBatch(ctx context.Context, requests []BatchRequest) ([]*core.BrainDecision, error) {
	results := make([]*core.BrainDecision, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req BatchRequest) {
			defer wg.Done()
			decision, err := c.RequestDecision(ctx, req.Request, req.Brain)
			if err != nil {
				decision = c.fallbackDecision(req.Request, "", "invalid request: "+err.Error())
			}
			results[i] = decision
		}(i, req)
	}
	wg.Wait()
	return results, nil
}

func (c *Coordinator) acquireSlot(ctx context.Context) bool {
	select {
	case c.slots <- struct{}{}:
		return true
	default:
	}

	c.statsMu.Lock()
	c.limitHits++
	c.statsMu.Unlock()

	select {
	case c.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch routes the request down the batched, event or direct path.
func (c *Coordinator) dispatch(ctx context.Context, request map[string]interface{}, brain core.BrainName, correlationID string) error {
	if brain == core.BrainCommander && c.batcher != nil {
		c.batcher.enqueue(batchItem{request: request, correlationID: correlationID})
		return nil
	}

	if c.config.Mode == "event" {
		data := map[string]interface{}{
			"correlation_id": correlationID,
			"brain":          string(brain),
			"request":        request,
		}
		return c.bus.PublishSimple(bus.EventDecisionRequest, moduleName, data,
			bus.ToModule(string(brain)), bus.AtPriority(bus.PriorityHigh))
	}

	go c.invokeDirect(brain, request, correlationID)
	return nil
}

// invokeDirect calls the engine off the caller's goroutine and completes
// the correlation future. Engine errors become fallback completions.
func (c *Coordinator) invokeDirect(brain core.BrainName, request map[string]interface{}, correlationID string) {
	invokeCtx, cancel := context.WithTimeout(context.Background(), c.timeoutFor(brain))
	defer cancel()

	decision, err := c.callEngine(invokeCtx, brain, request, correlationID)
	if err != nil {
		c.statsMu.Lock()
		c.engineErrors++
		c.statsMu.Unlock()
		c.logger.Error("Engine invocation failed", map[string]interface{}{
			"brain":          string(brain),
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		decision = c.fallbackDecision(request, correlationID, "engine error")
	}
	c.complete(correlationID, decision)
}

func (c *Coordinator) callEngine(ctx context.Context, brain core.BrainName, request map[string]interface{}, correlationID string) (*core.BrainDecision, error) {
	mc := marketContextFrom(request)

	switch brain {
	case core.BrainSoldier:
		engine := c.engines.Soldier()
		if engine == nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), core.ErrEngineNotFound)
		}
		out, err := engine.Decide(ctx, mc)
		if err != nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), fmt.Errorf("%w: %v", core.ErrEngineFailure, err))
		}
		supporting := map[string]interface{}{
			"signal_strength": out.SignalStrength,
			"risk_level":      string(out.RiskLevel),
		}
		for k, v := range out.Metadata {
			supporting[k] = v
		}
		return c.newDecision(brain, out.Action, out.Confidence, out.Reasoning, supporting, correlationID), nil

	case core.BrainCommander:
		engine := c.engines.Commander()
		if engine == nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), core.ErrEngineNotFound)
		}
		out, err := engine.Analyze(ctx, mc)
		if err != nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), fmt.Errorf("%w: %v", core.ErrEngineFailure, err))
		}
		return c.newDecision(brain, out.Recommendation, out.Confidence, out.Analysis, nil, correlationID), nil

	case core.BrainScholar:
		engine := c.engines.Scholar()
		if engine == nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), core.ErrEngineNotFound)
		}
		out, err := engine.Research(ctx, mc)
		if err != nil {
			return nil, core.NewFabricError("coordinator.callEngine", string(brain), fmt.Errorf("%w: %v", core.ErrEngineFailure, err))
		}
		return c.newDecision(brain, out.Recommendation, out.Confidence, out.ResearchSummary, nil, correlationID), nil
	}
	return nil, core.NewFabricError("coordinator.callEngine", string(brain), core.ErrUnknownBrain)
}

func (c *Coordinator) newDecision(brain core.BrainName, action core.Action, confidence float64, reasoning string, supporting map[string]interface{}, correlationID string) *core.BrainDecision {
	return &core.BrainDecision{
		DecisionID:     fmt.Sprintf("%s_%d", brain, time.Now().UnixNano()),
		PrimaryBrain:   brain,
		Action:         action,
		Confidence:     clamp01(confidence),
		Reasoning:      reasoning,
		SupportingData: supporting,
		Timestamp:      time.Now(),
		CorrelationID:  correlationID,
	}
}

// timeoutFor widens the soldier budget while the failover core is off
// the local path, since the degraded path rides the remote timeout.
func (c *Coordinator) timeoutFor(brain core.BrainName) time.Duration {
	if brain != core.BrainSoldier {
		return c.config.DefaultTimeout
	}
	if c.soldierMode != nil && c.soldierMode() != core.ModeNormal {
		return c.config.DefaultTimeout + time.Second
	}
	return c.config.SoldierTimeout
}

// fallbackDecision builds the conservative decision returned on timeout
// or engine failure: reduce when heavily positioned, sell when the
// request flags high risk, hold otherwise.
func (c *Coordinator) fallbackDecision(request map[string]interface{}, correlationID, reason string) *core.BrainDecision {
	c.statsMu.Lock()
	c.fallbacks++
	c.statsMu.Unlock()

	action := core.ActionHold
	if pos, ok := numericValue(request, "current_position"); ok && pos > 0.8 {
		action = core.ActionReduce
	} else if risk, _ := request["risk_level"].(string); risk == "high" {
		action = core.ActionSell
	}

	return &core.BrainDecision{
		DecisionID:    fmt.Sprintf("fallback_%d", time.Now().UnixNano()),
		PrimaryBrain:  core.BrainFallback,
		Action:        action,
		Confidence:    0.2,
		Reasoning:     "fallback: " + reason,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

func (c *Coordinator) registerPending(correlationID string, future chan *core.BrainDecision) {
	c.pendingMu.Lock()
	c.pending[correlationID] = future
	c.pendingMu.Unlock()
}

func (c *Coordinator) unregisterPending(correlationID string) {
	c.pendingMu.Lock()
	delete(c.pending, correlationID)
	c.pendingMu.Unlock()
}

// complete resolves the correlation future if a waiter is still present.
func (c *Coordinator) complete(correlationID string, decision *core.BrainDecision) {
	c.pendingMu.Lock()
	future, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	select {
	case future <- decision:
	default:
	}
}

func (c *Coordinator) recordDecision(requested core.BrainName, decision *core.BrainDecision, fallback bool) {
	c.histMu.Lock()
	if len(c.history) >= historyCap {
		c.history = c.history[1:]
	}
	c.history = append(c.history, decision)
	c.histMu.Unlock()

	c.statsMu.Lock()
	c.totalDecisions++
	c.perBrain[requested]++
	c.totalConfidence += decision.Confidence
	c.statsMu.Unlock()

	tags := map[string]string{"brain": string(requested)}
	if fallback {
		tags["fallback"] = "true"
	}
	c.telemetry.RecordMetric("coordinator.decision", 1, tags)
}

// GetDecisionHistory returns a most-recent-first snapshot, optionally
// filtered by primary brain. A limit of 0 means no truncation.
func (c *Coordinator) GetDecisionHistory(brainFilter core.BrainName, limit int) []*core.BrainDecision {
	c.histMu.Lock()
	defer c.histMu.Unlock()

	out := make([]*core.BrainDecision, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		d := c.history[i]
		if brainFilter != "" && d.PrimaryBrain != brainFilter {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Statistics is a snapshot of coordinator activity.
type Statistics struct {
	Active           bool               `json:"active"`
	UptimeSeconds    float64            `json:"uptime_seconds"`
	TotalDecisions   int64              `json:"total_decisions"`
	PerBrain         map[string]int64   `json:"per_brain"`
	BrainShare       map[string]float64 `json:"brain_share"`
	Conflicts        int64              `json:"coordination_conflicts"`
	Timeouts         int64              `json:"timeouts"`
	EngineErrors     int64              `json:"engine_errors"`
	LimitHits        int64              `json:"limit_hits"`
	Fallbacks        int64              `json:"fallbacks"`
	BatchesFlushed   int64              `json:"batches_flushed"`
	PendingBatchSize int                `json:"pending_batch_size"`
	InFlight         int                `json:"in_flight"`
	AvgConfidence    float64            `json:"avg_confidence"`
}

// GetStatistics returns current coordinator statistics.
func (c *Coordinator) GetStatistics() Statistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats := Statistics{
		Active:         c.active.Load(),
		TotalDecisions: c.totalDecisions,
		PerBrain:       make(map[string]int64, len(c.perBrain)),
		BrainShare:     make(map[string]float64, len(c.perBrain)),
		Conflicts:      c.conflicts,
		Timeouts:       c.timeouts,
		EngineErrors:   c.engineErrors,
		LimitHits:      c.limitHits,
		Fallbacks:      c.fallbacks,
		BatchesFlushed: c.batchesFlushed,
		InFlight:       len(c.slots),
	}
	if !c.startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(c.startedAt).Seconds()
	}
	if c.totalDecisions > 0 {
		stats.AvgConfidence = c.totalConfidence / float64(c.totalDecisions)
	}
	for brain, count := range c.perBrain {
		stats.PerBrain[string(brain)] = count
		stats.BrainShare[string(brain)] = float64(count) / float64(c.totalDecisions)
	}
	if c.batcher != nil {
		stats.PendingBatchSize = c.batcher.pendingSize()
	}
	return stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// numericValue reads a numeric map entry that may arrive as float64 or
// int after JSON decoding.
func numericValue(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// marketContextFrom extracts the fixed-shape market context from a raw
// request map. Missing keys fall through to zero values.
func marketContextFrom(request map[string]interface{}) core.MarketContext {
	mc := core.MarketContext{}
	if v, ok := numericValue(request, "volatility"); ok {
		mc.Volatility = v
	}
	if v, ok := numericValue(request, "liquidity"); ok {
		mc.Liquidity = v
	}
	if v, ok := numericValue(request, "trend_strength"); ok {
		mc.TrendStrength = v
	}
	if v, ok := numericValue(request, "aum"); ok {
		mc.AUM = v
	}
	if v, ok := numericValue(request, "portfolio_concentration"); ok {
		mc.PortfolioConcentration = v
	}
	if v, ok := numericValue(request, "recent_drawdown"); ok {
		mc.RecentDrawdown = v
	}
	if regime, ok := request["regime"].(string); ok {
		mc.Regime = core.MarketRegime(regime)
	}
	return mc
}
