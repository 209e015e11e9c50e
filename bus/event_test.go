package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeNames(t *testing.T) {
	assert.Equal(t, "decision_request", EventDecisionRequest.String())
	assert.Equal(t, "system_alert", EventSystemAlert.String())

	parsed, err := ParseEventType("decision_made")
	require.NoError(t, err)
	assert.Equal(t, EventDecisionMade, parsed)

	_, err = ParseEventType("no_such_type")
	assert.Error(t, err)

	assert.False(t, EventUnknown.Valid())
	assert.False(t, EventType(9999).Valid())
	assert.True(t, EventSimulationCompleted.Valid())
	assert.True(t, EventFactorValidation.Valid())
}

func TestNewEventDefaults(t *testing.T) {
	event := NewEvent(EventHeartbeat, "tester", map[string]interface{}{"n": 1})

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, EventHeartbeat, event.Type)
	assert.Equal(t, "tester", event.SourceModule)
	assert.Equal(t, PriorityNormal, event.Priority)
	assert.False(t, event.Processed)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, time.Second)
}

func TestEventChaining(t *testing.T) {
	expiry := time.Now().Add(time.Minute)
	event := NewEvent(EventHeartbeat, "tester", nil).
		WithPriority(PriorityCritical).
		WithTarget("soldier").
		WithExpiry(expiry)

	assert.Equal(t, PriorityCritical, event.Priority)
	assert.Equal(t, "soldier", event.TargetModule)
	require.NotNil(t, event.ExpiresAt)
	assert.True(t, event.ExpiresAt.Equal(expiry))
}

func TestIsExpired(t *testing.T) {
	event := NewEvent(EventHeartbeat, "tester", nil)
	assert.False(t, event.IsExpired(time.Now()), "no expiry means never expired")

	past := time.Now().Add(-time.Second)
	event.ExpiresAt = &past
	assert.True(t, event.IsExpired(time.Now()))
}

func TestWireRoundTrip(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC()
	event := NewEvent(EventDecisionRequest, "coordinator", map[string]interface{}{
		"correlation_id": "decision_1_000042",
	}).WithPriority(PriorityHigh).WithTarget("soldier").WithExpiry(expiry)
	event.Metadata = map[string]interface{}{"trace": "abc"}

	payload, err := event.ToWire()
	require.NoError(t, err)

	// Wire field names are part of the contract.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, "decision_request", raw["event_type"])
	assert.Equal(t, "coordinator", raw["source_module"])
	assert.Equal(t, "soldier", raw["target_module"])
	assert.Equal(t, float64(PriorityHigh), raw["priority"])

	decoded, err := FromWire(payload)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, event.Type, decoded.Type)
	assert.Equal(t, event.Priority, decoded.Priority)
	assert.Equal(t, event.TargetModule, decoded.TargetModule)
	assert.Equal(t, event.Data["correlation_id"], decoded.Data["correlation_id"])
	require.NotNil(t, decoded.ExpiresAt)
	assert.True(t, decoded.ExpiresAt.Equal(expiry))
}

func TestFromWireRejectsUnknownType(t *testing.T) {
	_, err := FromWire([]byte(`{"event_id":"x","event_type":"bogus"}`))
	assert.Error(t, err)
}
