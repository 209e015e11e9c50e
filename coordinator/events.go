package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

// onDecisionMade completes the waiting correlation future with a decision
// reconstructed from the event payload. Events without a matching waiter
// are ignored; they belong to another instance or arrived after timeout.
func (c *Coordinator) onDecisionMade(ctx context.Context, event *bus.Event) error {
	correlationID, _ := event.Data["correlation_id"].(string)
	if correlationID == "" {
		return nil
	}

	c.pendingMu.Lock()
	_, waiting := c.pending[correlationID]
	c.pendingMu.Unlock()
	if !waiting {
		return nil
	}

	decision := decisionFromPayload(event.Data, correlationID)
	c.complete(correlationID, decision)
	return nil
}

// onAnalysisCompleted relays strategic analysis into a strategy
// adjustment signal for downstream consumers.
func (c *Coordinator) onAnalysisCompleted(ctx context.Context, event *bus.Event) error {
	if c.bus == nil {
		return nil
	}
	recommendation, _ := event.Data["recommendation"].(string)
	if recommendation == "" {
		return nil
	}
	return c.bus.PublishSimple(bus.EventStrategyAdjustment, moduleName, map[string]interface{}{
		"recommendation": recommendation,
		"source_event":   event.EventID,
	})
}

// onFactorDiscovered requests validation of a newly discovered factor.
func (c *Coordinator) onFactorDiscovered(ctx context.Context, event *bus.Event) error {
	if c.bus == nil {
		return nil
	}
	factor, _ := event.Data["factor"].(string)
	if factor == "" {
		return nil
	}
	return c.bus.PublishSimple(bus.EventFactorValidation, moduleName, map[string]interface{}{
		"factor":       factor,
		"source_event": event.EventID,
	})
}

// decisionFromPayload rebuilds a decision tuple from an event payload.
// Missing fields take conservative defaults.
func decisionFromPayload(data map[string]interface{}, correlationID string) *core.BrainDecision {
	decision := &core.BrainDecision{
		DecisionID:    fmt.Sprintf("event_%d", time.Now().UnixNano()),
		PrimaryBrain:  core.BrainCoordinator,
		Action:        core.ActionHold,
		Confidence:    0.1,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}

	if id, ok := data["decision_id"].(string); ok && id != "" {
		decision.DecisionID = id
	}
	if brain, ok := data["primary_brain"].(string); ok && brain != "" {
		decision.PrimaryBrain = core.BrainName(brain)
	}
	if action, ok := data["action"].(string); ok && action != "" {
		decision.Action = core.Action(action)
	}
	if confidence, ok := numericValue(data, "confidence"); ok {
		decision.Confidence = clamp01(confidence)
	}
	if reasoning, ok := data["reasoning"].(string); ok {
		decision.Reasoning = reasoning
	}
	if supporting, ok := data["supporting_data"].(map[string]interface{}); ok {
		decision.SupportingData = supporting
	}
	return decision
}
