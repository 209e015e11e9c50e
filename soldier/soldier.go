// Package soldier implements the tactical engine's failover core: a
// NORMAL/DEGRADED/OFFLINE state machine, a health-driven recovery loop and
// a TTL decision cache keyed by market fingerprint.
//
// The decision path degrades in layers. NORMAL serves from local inference
// inside a tight latency budget; DEGRADED falls back to the remote path;
// OFFLINE applies a deterministic rule policy so the soldier always
// produces a decision.
package soldier

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

const moduleName = "soldier"

// latencyWindowSize bounds the sliding window used for the p99 estimate.
const latencyWindowSize = 1000

// InferenceClient produces raw model output for a symbol and market
// snapshot. The local and remote paths share this surface.
type InferenceClient interface {
	Infer(ctx context.Context, symbol string, marketData map[string]float64) (string, error)
}

// Options configures the failover core.
type Options struct {
	Config core.SoldierConfig
	Local  InferenceClient
	Remote InferenceClient
	Bus    *bus.EventBus

	// KV shares cached decisions with peers when non-nil.
	KV core.KVStore

	Logger    core.Logger
	Telemetry core.Telemetry
}

// Soldier is the failover core. It owns its decision cache exclusively.
type Soldier struct {
	config core.SoldierConfig
	local  InferenceClient
	remote InferenceClient
	bus    *bus.EventBus
	kv     core.KVStore

	logger    core.Logger
	telemetry core.Telemetry

	cache *decisionCache

	stateMu             sync.Mutex
	mode                core.SoldierMode
	consecutiveFailures int

	statsMu          sync.Mutex
	localDecisions   int64
	cloudDecisions   int64
	offlineDecisions int64
	avgLatencyMs     float64
	totalDecisions   int64
	latencyWindow    []float64

	// Short-term memory and external analysis fed by subscribed channels.
	memory     *core.MemoryStore
	analysisMu sync.RWMutex
	external   map[string]map[string]interface{}

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a soldier failover core in NORMAL mode.
func New(opts Options) (*Soldier, error) {
	if opts.Local == nil {
		return nil, core.NewFabricError("soldier.New", "soldier", core.ErrMissingConfiguration)
	}

	cfg := opts.Config
	if cfg.LocalInferenceTimeout <= 0 {
		cfg.LocalInferenceTimeout = 20 * time.Millisecond
	}
	if cfg.CloudTimeout <= 0 {
		cfg.CloudTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.DecisionCacheTTL <= 0 {
		cfg.DecisionCacheTTL = 5 * time.Second
	}
	if cfg.RecoveryCheckInterval <= 0 {
		cfg.RecoveryCheckInterval = 10 * time.Second
	}
	if cfg.DegradationThreshold <= 0 {
		cfg.DegradationThreshold = float64(cfg.LocalInferenceTimeout.Milliseconds())
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &Soldier{
		config:        cfg,
		local:         opts.Local,
		remote:        opts.Remote,
		bus:           opts.Bus,
		kv:            opts.KV,
		logger:        logger,
		telemetry:     telemetry,
		cache:         newDecisionCache(cfg.DecisionCacheTTL, cfg.DecisionCacheSize),
		mode:          core.ModeNormal,
		memory:        core.NewMemoryStore(),
		external:      make(map[string]map[string]interface{}),
		latencyWindow: make([]float64, 0, latencyWindowSize),
	}, nil
}

// Initialize subscribes to external-analysis channels and starts the
// health loop.
func (s *Soldier) Initialize(ctx context.Context) error {
	s.stateMu.Lock()
	if s.running {
		s.stateMu.Unlock()
		return core.NewFabricError("soldier.Initialize", "soldier", core.ErrAlreadyStarted)
	}
	s.running = true
	s.stateMu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.Subscribe(bus.EventMarketDataReceived, s.onMarketData,
			bus.WithHandlerID("soldier_market_data"), bus.WithSubscriberModule(moduleName)); err != nil {
			return err
		}
		if _, err := s.bus.Subscribe(bus.EventAnalysisCompleted, s.onAnalysisCompleted,
			bus.WithHandlerID("soldier_analysis"), bus.WithSubscriberModule(moduleName)); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.healthLoop(loopCtx)

	s.logger.Info("Soldier failover core started", map[string]interface{}{
		"failure_threshold":       s.config.FailureThreshold,
		"local_timeout_ms":        s.config.LocalInferenceTimeout.Milliseconds(),
		"recovery_check_interval": s.config.RecoveryCheckInterval.String(),
	})
	return nil
}

// Shutdown stops the health loop.
func (s *Soldier) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return nil
	}
	s.running = false
	s.stateMu.Unlock()

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return core.NewFabricError("soldier.Shutdown", "soldier", core.ErrTimeout)
	}
}

// Mode returns the current failover mode.
func (s *Soldier) Mode() core.SoldierMode {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.mode
}

// ConsecutiveFailures returns the current failure streak.
func (s *Soldier) ConsecutiveFailures() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.consecutiveFailures
}

// ForceOffline transitions to OFFLINE from any mode.
func (s *Soldier) ForceOffline() {
	s.stateMu.Lock()
	prev := s.mode
	s.mode = core.ModeOffline
	s.stateMu.Unlock()

	if prev != core.ModeOffline {
		s.logger.Warn("Soldier forced offline", map[string]interface{}{
			"previous_mode": string(prev),
		})
	}
}

// HealthCheckFailed records a failed probe. After failure_threshold
// consecutive failures from NORMAL the soldier degrades. The transition
// never awaits a network call: the alert publication is a non-blocking
// enqueue.
func (s *Soldier) HealthCheckFailed() {
	s.stateMu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	shouldDegrade := s.mode == core.ModeNormal && failures >= s.config.FailureThreshold
	if shouldDegrade {
		s.mode = core.ModeDegraded
	}
	s.stateMu.Unlock()

	if !shouldDegrade {
		return
	}

	s.logger.Warn("Soldier degraded", map[string]interface{}{
		"consecutive_failures": failures,
	})
	s.telemetry.RecordMetric("soldier.mode_change", 1, map[string]string{"to": "degraded"})
	s.publishAlert("soldier_degradation", "local_model_health_check_failed", bus.PriorityCritical, failures)
}

// HealthCheckOK records a successful probe. One success from DEGRADED
// restores NORMAL and resets the failure streak.
func (s *Soldier) HealthCheckOK() {
	s.stateMu.Lock()
	recovered := s.mode == core.ModeDegraded
	s.consecutiveFailures = 0
	if recovered {
		s.mode = core.ModeNormal
	}
	s.stateMu.Unlock()

	if !recovered {
		return
	}

	s.logger.Info("Soldier recovered", map[string]interface{}{})
	s.telemetry.RecordMetric("soldier.mode_change", 1, map[string]string{"to": "normal"})
	s.publishAlert("soldier_recovery", "local_model_health_restored", bus.PriorityHigh, 0)
}

func (s *Soldier) publishAlert(alertType, reason string, priority bus.EventPriority, failures int) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"alert_type": alertType,
		"reason":     reason,
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	}
	if failures > 0 {
		data["consecutive_failures"] = failures
	}
	if err := s.bus.PublishSimple(bus.EventSystemAlert, moduleName, data, bus.AtPriority(priority)); err != nil {
		s.logger.Error("Failed to publish soldier alert", map[string]interface{}{
			"alert_type": alertType,
			"error":      err.Error(),
		})
	}
}

// healthLoop probes the local inference path every recovery_check_interval.
func (s *Soldier) healthLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.RecoveryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunHealthCheck(ctx)
		}
	}
}

// RunHealthCheck performs one health probe against the local path.
// Success means the probe returned inside the local inference timeout with
// latency at or under the degradation threshold.
func (s *Soldier) RunHealthCheck(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.LocalInferenceTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.local.Infer(probeCtx, "__health__", map[string]float64{"close": 1})
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil || latencyMs > s.config.DegradationThreshold {
		s.HealthCheckFailed()
		return
	}
	s.HealthCheckOK()
}

// MakeDecision produces a tactical decision for a symbol. The path is
// cache, mode-dispatched inference, parse, cache insert, counters.
func (s *Soldier) MakeDecision(ctx context.Context, symbol string, marketData map[string]float64) (*core.SoldierDecision, error) {
	key := fingerprint(symbol, marketData)
	if cached := s.cache.get(key); cached != nil {
		s.telemetry.RecordMetric("soldier.cache_hit", 1, nil)
		return cached, nil
	}

	start := time.Now()
	mode := s.Mode()

	var parsed parsedOutput
	switch mode {
	case core.ModeNormal:
		out, err := s.inferLocal(ctx, symbol, marketData)
		if err != nil {
			remoteOut, remoteErr := s.inferRemote(ctx, symbol, marketData)
			if remoteErr != nil {
				parsed = offlinePolicy(marketData)
				mode = core.ModeOffline
			} else {
				parsed = parseOutput(remoteOut)
				mode = core.ModeDegraded
			}
		} else {
			parsed = parseOutput(out)
		}
	case core.ModeDegraded:
		out, err := s.inferRemote(ctx, symbol, marketData)
		if err != nil {
			parsed = offlinePolicy(marketData)
			mode = core.ModeOffline
		} else {
			parsed = parseOutput(out)
		}
	default:
		parsed = offlinePolicy(marketData)
		mode = core.ModeOffline
	}

	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	decision := &core.SoldierDecision{
		BrainDecision: core.BrainDecision{
			DecisionID:   fmt.Sprintf("soldier_%d_%04d", time.Now().UnixMilli(), rand.Intn(10000)),
			PrimaryBrain: core.BrainSoldier,
			Action:       parsed.Action,
			Confidence:   parsed.Confidence,
			Reasoning:    parsed.Reasoning,
			SupportingData: map[string]interface{}{
				"symbol": symbol,
			},
			Timestamp: time.Now(),
		},
		SourceMode:        mode,
		LatencyMs:         latencyMs,
		SignalStrength:    parsed.SignalStrength,
		RiskLevel:         parsed.RiskLevel,
		ExecutionPriority: executionPriority(parsed),
	}

	s.cache.put(key, decision)
	s.recordDecision(mode, latencyMs)

	if s.kv != nil {
		go s.shareDecision(key, decision)
	}
	return decision, nil
}

// inferLocal runs local inference inside the tight latency budget.
// Failures and timeouts advance the consecutive-failure streak and may
// trigger degradation before the caller falls through to the cloud path.
func (s *Soldier) inferLocal(ctx context.Context, symbol string, marketData map[string]float64) (string, error) {
	localCtx, cancel := context.WithTimeout(ctx, s.config.LocalInferenceTimeout)
	defer cancel()

	out, err := s.local.Infer(localCtx, symbol, marketData)
	if err != nil {
		s.stateMu.Lock()
		s.consecutiveFailures++
		failures := s.consecutiveFailures
		shouldDegrade := s.mode == core.ModeNormal && failures >= s.config.FailureThreshold
		if shouldDegrade {
			s.mode = core.ModeDegraded
		}
		s.stateMu.Unlock()

		if shouldDegrade {
			s.logger.Warn("Soldier degraded on inference failures", map[string]interface{}{
				"consecutive_failures": failures,
			})
			s.publishAlert("soldier_degradation", "local_model_health_check_failed", bus.PriorityCritical, failures)
		}
		return "", fmt.Errorf("local inference: %w", err)
	}
	return out, nil
}

func (s *Soldier) inferRemote(ctx context.Context, symbol string, marketData map[string]float64) (string, error) {
	if s.remote == nil {
		return "", core.NewFabricError("soldier.inferRemote", "soldier", core.ErrEngineNotFound)
	}
	remoteCtx, cancel := context.WithTimeout(ctx, s.config.CloudTimeout)
	defer cancel()
	return s.remote.Infer(remoteCtx, symbol, marketData)
}

// offlinePolicy is the deterministic rule-based fallback over raw market
// data: trend-with-volume buys or sells at 0.55, anything else holds.
func offlinePolicy(marketData map[string]float64) parsedOutput {
	close_, ma20 := marketData["close"], marketData["ma20"]
	volume, avgVolume := marketData["volume"], marketData["avg_volume"]

	switch {
	case close_ > ma20 && volume > avgVolume:
		return parsedOutput{
			Action:         core.ActionBuy,
			Confidence:     0.55,
			Reasoning:      "offline rule: price above ma20 on elevated volume",
			SignalStrength: 0.55,
			RiskLevel:      core.RiskMedium,
		}
	case close_ < ma20 && volume > avgVolume:
		return parsedOutput{
			Action:         core.ActionSell,
			Confidence:     0.55,
			Reasoning:      "offline rule: price below ma20 on elevated volume",
			SignalStrength: 0.55,
			RiskLevel:      core.RiskMedium,
		}
	default:
		return parsedOutput{
			Action:         core.ActionHold,
			Confidence:     0.35,
			Reasoning:      "offline rule: no clear signal",
			SignalStrength: 0.35,
			RiskLevel:      core.RiskLow,
		}
	}
}

// executionPriority maps signal strength and risk to the 1..10 scale.
func executionPriority(p parsedOutput) int {
	prio := 1 + int(p.SignalStrength*9)
	if p.RiskLevel == core.RiskHigh && prio > 5 {
		prio = 5
	}
	if prio < 1 {
		prio = 1
	}
	if prio > 10 {
		prio = 10
	}
	return prio
}

func (s *Soldier) recordDecision(mode core.SoldierMode, latencyMs float64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	switch mode {
	case core.ModeNormal:
		s.localDecisions++
	case core.ModeDegraded:
		s.cloudDecisions++
	default:
		s.offlineDecisions++
	}

	s.totalDecisions++
	s.avgLatencyMs += (latencyMs - s.avgLatencyMs) / float64(s.totalDecisions)

	if len(s.latencyWindow) >= latencyWindowSize {
		s.latencyWindow = s.latencyWindow[1:]
	}
	s.latencyWindow = append(s.latencyWindow, latencyMs)
}

// shareDecision exposes a cached decision to peers via the KV store.
// Failures are logged and swallowed.
func (s *Soldier) shareDecision(key uint64, decision *core.SoldierDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload := fmt.Sprintf(`{"action":%q,"confidence":%.4f,"source_mode":%q}`,
		decision.Action, decision.Confidence, decision.SourceMode)
	if err := s.kv.Set(ctx, fmt.Sprintf("soldier:decision:%d", key), payload, s.config.DecisionCacheTTL); err != nil {
		s.logger.Debug("Decision cache share failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// RequestExternalAnalysis publishes fire-and-forget market-data and
// research requests. The decision path never blocks on the responses.
func (s *Soldier) RequestExternalAnalysis(symbol string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"symbol":    symbol,
		"requester": moduleName,
	}
	if err := s.bus.PublishSimple(bus.EventMarketDataRequest, moduleName, data); err != nil {
		s.logger.Debug("Market data request not published", map[string]interface{}{"error": err.Error()})
	}
	if err := s.bus.PublishSimple(bus.EventResearchRequest, moduleName, data); err != nil {
		s.logger.Debug("Research request not published", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Soldier) onMarketData(ctx context.Context, event *bus.Event) error {
	symbol, _ := event.Data["symbol"].(string)
	if symbol == "" {
		return nil
	}
	payload, err := event.ToWire()
	if err != nil {
		return err
	}
	return s.memory.Set(ctx, "market:"+symbol, string(payload), s.config.DecisionCacheTTL)
}

func (s *Soldier) onAnalysisCompleted(ctx context.Context, event *bus.Event) error {
	symbol, _ := event.Data["symbol"].(string)
	if symbol == "" {
		return nil
	}
	s.analysisMu.Lock()
	s.external[symbol] = event.Data
	s.analysisMu.Unlock()
	return nil
}

// ExternalAnalysis returns the latest external analysis for a symbol.
func (s *Soldier) ExternalAnalysis(symbol string) (map[string]interface{}, bool) {
	s.analysisMu.RLock()
	defer s.analysisMu.RUnlock()
	data, ok := s.external[symbol]
	return data, ok
}

// Stats is a snapshot of the failover core's activity.
type Stats struct {
	Mode                string  `json:"mode"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LocalDecisions      int64   `json:"local_decisions"`
	CloudDecisions      int64   `json:"cloud_decisions"`
	OfflineDecisions    int64   `json:"offline_decisions"`
	CacheHits           int64   `json:"cache_hits"`
	CacheMisses         int64   `json:"cache_misses"`
	CacheSize           int     `json:"cache_size"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	P99LatencyMs        float64 `json:"p99_latency_ms"`
}

// GetStats returns current soldier statistics.
func (s *Soldier) GetStats() Stats {
	hits, misses, size := s.cache.stats()

	s.stateMu.Lock()
	mode := s.mode
	failures := s.consecutiveFailures
	s.stateMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return Stats{
		Mode:                string(mode),
		ConsecutiveFailures: failures,
		LocalDecisions:      s.localDecisions,
		CloudDecisions:      s.cloudDecisions,
		OfflineDecisions:    s.offlineDecisions,
		CacheHits:           hits,
		CacheMisses:         misses,
		CacheSize:           size,
		AvgLatencyMs:        s.avgLatencyMs,
		P99LatencyMs:        percentile(s.latencyWindow, 0.99),
	}
}

// percentile computes the pth percentile over a copy of the window.
func percentile(window []float64, p float64) float64 {
	if len(window) == 0 {
		return 0
	}
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)

	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
