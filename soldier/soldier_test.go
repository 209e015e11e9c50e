package soldier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

// scriptedClient returns canned outputs or errors in sequence.
type scriptedClient struct {
	mu      sync.Mutex
	outputs []string
	errs    []error
	delay   time.Duration
	calls   int
}

func (c *scriptedClient) Infer(ctx context.Context, symbol string, marketData map[string]float64) (string, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if idx < len(c.errs) && c.errs[idx] != nil {
		return "", c.errs[idx]
	}
	if idx < len(c.outputs) {
		return c.outputs[idx], nil
	}
	return `{"action":"hold","confidence":0.5,"reasoning":"scripted"}`, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestSoldier(t *testing.T, local, remote InferenceClient, b *bus.EventBus) *Soldier {
	t.Helper()
	s, err := New(Options{
		Config: core.SoldierConfig{
			LocalInferenceTimeout: 50 * time.Millisecond,
			CloudTimeout:          time.Second,
			FailureThreshold:      3,
			DecisionCacheTTL:      5 * time.Second,
			RecoveryCheckInterval: time.Hour, // keep the loop quiet in tests
		},
		Local:  local,
		Remote: remote,
		Bus:    b,
	})
	require.NoError(t, err)
	return s
}

func TestDegradationAfterThresholdFailures(t *testing.T) {
	b := bus.New(bus.Options{})
	require.NoError(t, b.Initialize(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	alerts := make(chan *bus.Event, 1)
	_, err := b.Subscribe(bus.EventSystemAlert, func(ctx context.Context, e *bus.Event) error {
		alerts <- e
		return nil
	})
	require.NoError(t, err)

	s := newTestSoldier(t, &scriptedClient{}, nil, b)

	start := time.Now()
	s.HealthCheckFailed()
	s.HealthCheckFailed()
	assert.Equal(t, core.ModeNormal, s.Mode(), "below threshold stays NORMAL")

	s.HealthCheckFailed()
	elapsed := time.Since(start)
	assert.Equal(t, core.ModeDegraded, s.Mode())
	assert.Less(t, elapsed, 200*time.Millisecond, "transition must not await anything slow")

	select {
	case alert := <-alerts:
		assert.Equal(t, "soldier_degradation", alert.Data["alert_type"])
		assert.Equal(t, "local_model_health_check_failed", alert.Data["reason"])
		assert.Equal(t, 3, alert.Data["consecutive_failures"])
		assert.NotEmpty(t, alert.Data["timestamp"])
		assert.Equal(t, bus.PriorityCritical, alert.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("degradation alert not delivered")
	}

	// Further failures are idempotent.
	s.HealthCheckFailed()
	assert.Equal(t, core.ModeDegraded, s.Mode())
}

func TestRecoveryResetsFailures(t *testing.T) {
	b := bus.New(bus.Options{})
	require.NoError(t, b.Initialize(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	alerts := make(chan *bus.Event, 2)
	_, err := b.Subscribe(bus.EventSystemAlert, func(ctx context.Context, e *bus.Event) error {
		alerts <- e
		return nil
	})
	require.NoError(t, err)

	s := newTestSoldier(t, &scriptedClient{}, nil, b)
	for i := 0; i < 3; i++ {
		s.HealthCheckFailed()
	}
	require.Equal(t, core.ModeDegraded, s.Mode())
	<-alerts // degradation

	s.HealthCheckOK()
	assert.Equal(t, core.ModeNormal, s.Mode())
	assert.Equal(t, 0, s.ConsecutiveFailures())

	select {
	case alert := <-alerts:
		assert.Equal(t, "soldier_recovery", alert.Data["alert_type"])
		assert.Equal(t, bus.PriorityHigh, alert.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery alert not delivered")
	}

	// A success in NORMAL is a no-op.
	s.HealthCheckOK()
	assert.Equal(t, core.ModeNormal, s.Mode())
}

func TestForceOffline(t *testing.T) {
	s := newTestSoldier(t, &scriptedClient{}, nil, nil)
	s.ForceOffline()
	assert.Equal(t, core.ModeOffline, s.Mode())

	// Idempotent from any state.
	s.ForceOffline()
	assert.Equal(t, core.ModeOffline, s.Mode())
}

func TestMakeDecisionCacheHit(t *testing.T) {
	local := &scriptedClient{outputs: []string{
		`{"action":"buy","confidence":0.7,"reasoning":"momentum","signal_strength":0.8,"risk_level":"medium"}`,
	}}
	s := newTestSoldier(t, local, nil, nil)

	market := map[string]float64{"close": 101, "ma20": 100, "volume": 2000, "avg_volume": 1000}
	first, err := s.MakeDecision(context.Background(), "BTC", market)
	require.NoError(t, err)
	assert.Equal(t, core.ActionBuy, first.Action)
	assert.Equal(t, core.ModeNormal, first.SourceMode)

	second, err := s.MakeDecision(context.Background(), "BTC", market)
	require.NoError(t, err)
	assert.Same(t, first, second, "identical input inside the TTL must be served from cache")
	assert.Equal(t, 1, local.callCount())

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.LocalDecisions)
}

func TestMakeDecisionFallsThroughToCloud(t *testing.T) {
	boom := errors.New("model crashed")
	local := &scriptedClient{errs: []error{boom, boom, boom}}
	remote := &scriptedClient{outputs: []string{
		`{"action":"sell","confidence":0.6,"reasoning":"cloud view"}`,
	}}
	s := newTestSoldier(t, local, remote, nil)

	// Two prior failures so the in-decision failure crosses the threshold.
	s.HealthCheckFailed()
	s.HealthCheckFailed()

	decision, err := s.MakeDecision(context.Background(), "ETH", map[string]float64{"close": 1})
	require.NoError(t, err)
	assert.Equal(t, core.ActionSell, decision.Action)
	assert.Equal(t, core.ModeDegraded, decision.SourceMode)
	assert.Equal(t, core.ModeDegraded, s.Mode())
}

func TestMakeDecisionOfflinePolicy(t *testing.T) {
	tests := []struct {
		name       string
		market     map[string]float64
		action     core.Action
		confidence float64
	}{
		{
			name:       "uptrend_with_volume",
			market:     map[string]float64{"close": 105, "ma20": 100, "volume": 2000, "avg_volume": 1000},
			action:     core.ActionBuy,
			confidence: 0.55,
		},
		{
			name:       "downtrend_with_volume",
			market:     map[string]float64{"close": 95, "ma20": 100, "volume": 2000, "avg_volume": 1000},
			action:     core.ActionSell,
			confidence: 0.55,
		},
		{
			name:       "no_signal",
			market:     map[string]float64{"close": 100, "ma20": 100, "volume": 500, "avg_volume": 1000},
			action:     core.ActionHold,
			confidence: 0.35,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSoldier(t, &scriptedClient{}, nil, nil)
			s.ForceOffline()

			decision, err := s.MakeDecision(context.Background(), "X", tt.market)
			require.NoError(t, err)
			assert.Equal(t, tt.action, decision.Action)
			assert.InDelta(t, tt.confidence, decision.Confidence, 1e-9)
			assert.Equal(t, core.ModeOffline, decision.SourceMode)
		})
	}
}

func TestDegradedWithoutRemoteGoesOffline(t *testing.T) {
	s := newTestSoldier(t, &scriptedClient{}, nil, nil)
	for i := 0; i < 3; i++ {
		s.HealthCheckFailed()
	}
	require.Equal(t, core.ModeDegraded, s.Mode())

	decision, err := s.MakeDecision(context.Background(), "X",
		map[string]float64{"close": 105, "ma20": 100, "volume": 2000, "avg_volume": 1000})
	require.NoError(t, err)
	assert.Equal(t, core.ModeOffline, decision.SourceMode)
	assert.Equal(t, core.ActionBuy, decision.Action)
}

func TestRunHealthCheckProbe(t *testing.T) {
	s := newTestSoldier(t, &scriptedClient{delay: 200 * time.Millisecond}, nil, nil)

	// The probe exceeds the local timeout, so it counts as a failure.
	s.RunHealthCheck(context.Background())
	assert.Equal(t, 1, s.ConsecutiveFailures())

	fast := newTestSoldier(t, &scriptedClient{}, nil, nil)
	fast.RunHealthCheck(context.Background())
	assert.Equal(t, 0, fast.ConsecutiveFailures())
}

func TestLatencyStats(t *testing.T) {
	s := newTestSoldier(t, &scriptedClient{delay: time.Millisecond}, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := s.MakeDecision(context.Background(), "A",
			map[string]float64{"close": float64(i)})
		require.NoError(t, err)
	}

	stats := s.GetStats()
	assert.Equal(t, int64(5), stats.LocalDecisions)
	assert.Greater(t, stats.AvgLatencyMs, 0.0)
	assert.Greater(t, stats.P99LatencyMs, 0.0)
}

func TestInitializeShutdown(t *testing.T) {
	s := newTestSoldier(t, &scriptedClient{}, nil, nil)
	require.NoError(t, s.Initialize(context.Background()))

	err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAlreadyStarted))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}
