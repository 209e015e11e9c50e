package soldier

import (
	"encoding/json"
	"strings"

	"github.com/tricortex/tricortex/core"
)

// parsedOutput is the normalized result of interpreting raw engine output.
type parsedOutput struct {
	Action         core.Action
	Confidence     float64
	Reasoning      string
	SignalStrength float64
	RiskLevel      core.RiskLevel
}

// jsonOutput is the preferred structured shape of inference output.
type jsonOutput struct {
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	SignalStrength float64 `json:"signal_strength"`
	RiskLevel      string  `json:"risk_level"`
}

// parseOutput interprets engine output. JSON is preferred; free text falls
// back to a keyword scan for the action and confidence phrases.
func parseOutput(raw string) parsedOutput {
	trimmed := strings.TrimSpace(raw)

	var structured jsonOutput
	if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && structured.Action != "" {
		out := parsedOutput{
			Action:         normalizeAction(structured.Action),
			Confidence:     clamp01(structured.Confidence),
			Reasoning:      structured.Reasoning,
			SignalStrength: clamp01(structured.SignalStrength),
			RiskLevel:      normalizeRisk(structured.RiskLevel),
		}
		if out.Reasoning == "" {
			out.Reasoning = "structured inference output"
		}
		return out
	}

	return scanText(trimmed)
}

// scanText keyword-scans free text. strong_buy is checked before buy so
// the longer keyword wins.
func scanText(text string) parsedOutput {
	lower := strings.ToLower(text)

	out := parsedOutput{
		Action:         core.ActionHold,
		Confidence:     0.5,
		Reasoning:      "keyword scan of inference output",
		SignalStrength: 0.5,
		RiskLevel:      core.RiskMedium,
	}

	switch {
	case strings.Contains(lower, "strong_buy"), strings.Contains(lower, "strong buy"):
		out.Action = core.ActionStrongBuy
	case strings.Contains(lower, "buy"):
		out.Action = core.ActionBuy
	case strings.Contains(lower, "sell"):
		out.Action = core.ActionSell
	case strings.Contains(lower, "hold"):
		out.Action = core.ActionHold
	}

	switch {
	case strings.Contains(lower, "high confidence"), strings.Contains(lower, "very confident"):
		out.Confidence = 0.8
	case strings.Contains(lower, "uncertain"), strings.Contains(lower, "low confidence"):
		out.Confidence = 0.3
	}

	switch {
	case strings.Contains(lower, "high risk"):
		out.RiskLevel = core.RiskHigh
	case strings.Contains(lower, "low risk"):
		out.RiskLevel = core.RiskLow
	}

	return out
}

func normalizeAction(s string) core.Action {
	switch core.Action(strings.ToLower(strings.TrimSpace(s))) {
	case core.ActionBuy:
		return core.ActionBuy
	case core.ActionSell:
		return core.ActionSell
	case core.ActionReduce:
		return core.ActionReduce
	case core.ActionStrongBuy:
		return core.ActionStrongBuy
	default:
		return core.ActionHold
	}
}

func normalizeRisk(s string) core.RiskLevel {
	switch core.RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case core.RiskLow:
		return core.RiskLow
	case core.RiskHigh:
		return core.RiskHigh
	default:
		return core.RiskMedium
	}
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
