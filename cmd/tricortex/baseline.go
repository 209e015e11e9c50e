package main

import (
	"context"
	"encoding/json"
	"math"

	"github.com/tricortex/tricortex/core"
)

// baselineInference is the built-in local inference backend: the same
// trend-with-volume rule the soldier's offline policy applies, expressed
// as JSON engine output so the parse path is exercised end to end.
type baselineInference struct{}

func (b *baselineInference) Infer(ctx context.Context, symbol string, marketData map[string]float64) (string, error) {
	action := "hold"
	confidence := 0.35
	risk := "low"

	close_, ma20 := marketData["close"], marketData["ma20"]
	volume, avgVolume := marketData["volume"], marketData["avg_volume"]
	switch {
	case close_ > ma20 && volume > avgVolume:
		action, confidence, risk = "buy", 0.55, "medium"
	case close_ < ma20 && volume > avgVolume:
		action, confidence, risk = "sell", 0.55, "medium"
	}

	out, err := json.Marshal(map[string]interface{}{
		"action":          action,
		"confidence":      confidence,
		"reasoning":       "baseline trend-with-volume rule",
		"signal_strength": confidence,
		"risk_level":      risk,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// baselineArchitecture is a minimal risk-control architecture: equal
// weights scaled down as volatility rises, more for the conservative
// variant.
type baselineArchitecture struct {
	name       string
	aggression float64
}

func (b *baselineArchitecture) Name() string { return b.name }

func (b *baselineArchitecture) Evaluate(ctx context.Context, mc core.MarketContext, portfolio map[string]float64) (*core.RiskDecision, error) {
	scale := b.aggression * math.Max(0.1, 1-mc.Volatility)

	positions := make([]core.Position, 0, len(portfolio))
	for symbol, size := range portfolio {
		positions = append(positions, core.Position{Symbol: symbol, Size: size * scale})
	}

	risk := core.RiskLow
	if mc.Volatility > 0.3 || mc.RecentDrawdown < -0.05 {
		risk = core.RiskMedium
	}
	if mc.Volatility > 0.5 {
		risk = core.RiskHigh
	}

	return &core.RiskDecision{
		Positions:  positions,
		RiskLevel:  risk,
		Confidence: 0.5 + 0.2*b.aggression*mc.TrendStrength,
	}, nil
}
