// Package bus implements the in-process typed publish/subscribe fabric.
//
// Purpose:
// - Four bounded priority queues with strict priority dispatch
// - Single-shot and batched concurrent handler execution
// - Per-handler target-module filtering
// - Optional KV persistence of published events
//
// The bus exclusively owns its queues and handler registry. Events are
// created by a producer, owned by the producer until handed to Publish,
// consumed once per matched handler, then eligible for GC.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tricortex/tricortex/core"
)

// EventType is one of the closed set of typed channels events flow over.
// Numeric codes are part of the wire contract and must never be reused;
// codes 1000 and above are reserved for extensions.
type EventType int

const (
	EventUnknown EventType = iota

	EventDecisionRequest
	EventDecisionMade
	EventAnalysisCompleted
	EventMarketDataReceived
	EventMemoryUpdated
	EventFactorDiscovered
	EventArenaTestCompleted
	EventStrategyGenerated
	EventZ2HCertified
	EventZ2HRevoked
	EventSecurityAlert
	EventDataUpdated
	EventSystemAlert
	EventConfigChanged
	EventPortfolioUpdated
	EventTradeExecuted
	EventScheduleTriggered
	EventTimerExpired
	EventHeartbeat
	EventResearchRequest
	EventMarketDataRequest
	EventStrategyRequest
	EventAuditCompleted
	EventAuditRequest
	EventSystemQuery
	EventSystemResponse
	EventMemoryQuery
	EventScheduleQuery
	EventFactorDecayAlert
	EventStrategyRetirementAlert
	EventSimulationCompleted
	EventStrategyAdjustment
	EventFactorValidation

	// eventTypeMax bounds the closed enumeration; extension codes start at 1000.
	eventTypeMax
)

var eventTypeNames = map[EventType]string{
	EventDecisionRequest:         "decision_request",
	EventDecisionMade:            "decision_made",
	EventAnalysisCompleted:       "analysis_completed",
	EventMarketDataReceived:      "market_data_received",
	EventMemoryUpdated:           "memory_updated",
	EventFactorDiscovered:        "factor_discovered",
	EventArenaTestCompleted:      "arena_test_completed",
	EventStrategyGenerated:       "strategy_generated",
	EventZ2HCertified:            "z2h_certified",
	EventZ2HRevoked:              "z2h_revoked",
	EventSecurityAlert:           "security_alert",
	EventDataUpdated:             "data_updated",
	EventSystemAlert:             "system_alert",
	EventConfigChanged:           "config_changed",
	EventPortfolioUpdated:        "portfolio_updated",
	EventTradeExecuted:           "trade_executed",
	EventScheduleTriggered:       "schedule_triggered",
	EventTimerExpired:            "timer_expired",
	EventHeartbeat:               "heartbeat",
	EventResearchRequest:         "research_request",
	EventMarketDataRequest:       "market_data_request",
	EventStrategyRequest:         "strategy_request",
	EventAuditCompleted:          "audit_completed",
	EventAuditRequest:            "audit_request",
	EventSystemQuery:             "system_query",
	EventSystemResponse:          "system_response",
	EventMemoryQuery:             "memory_query",
	EventScheduleQuery:           "schedule_query",
	EventFactorDecayAlert:        "factor_decay_alert",
	EventStrategyRetirementAlert: "strategy_retirement_alert",
	EventSimulationCompleted:     "simulation_completed",
	EventStrategyAdjustment:      "strategy_adjustment",
	EventFactorValidation:        "factor_validation",
}

var eventTypeByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventTypeNames))
	for t, n := range eventTypeNames {
		m[n] = t
	}
	return m
}()

// String returns the wire name of the event type.
func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event_type_%d", int(t))
}

// Valid reports whether t belongs to the closed enumeration.
func (t EventType) Valid() bool {
	return t > EventUnknown && t < eventTypeMax
}

// ParseEventType resolves a wire name back to its typed channel.
func ParseEventType(name string) (EventType, error) {
	if t, ok := eventTypeByName[name]; ok {
		return t, nil
	}
	return EventUnknown, fmt.Errorf("unknown event type %q: %w", name, core.ErrInvalidArgument)
}

// EventPriority selects which bounded queue an event is enqueued on.
// Priority affects queue selection only, never retry semantics.
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 2
	PriorityHigh     EventPriority = 3
	PriorityCritical EventPriority = 4
)

// String returns a human-readable priority label.
func (p EventPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority_%d", int(p))
	}
}

// Valid reports whether p is one of the four queue priorities.
func (p EventPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Event is the unit of communication on the bus. Identity is unique and
// generated at construction.
type Event struct {
	EventID      string                 `json:"event_id"`
	Type         EventType              `json:"-"`
	SourceModule string                 `json:"source_module"`
	TargetModule string                 `json:"target_module,omitempty"`
	Priority     EventPriority          `json:"priority"`
	Data         map[string]interface{} `json:"data"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Processed    bool                   `json:"processed"`
}

// NewEvent constructs an event with a fresh identity at NORMAL priority.
func NewEvent(eventType EventType, source string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		EventID:      uuid.New().String(),
		Type:         eventType,
		SourceModule: source,
		Priority:     PriorityNormal,
		Data:         data,
		Metadata:     map[string]interface{}{},
		CreatedAt:    time.Now(),
	}
}

// WithPriority sets the queue priority and returns the event for chaining.
func (e *Event) WithPriority(p EventPriority) *Event {
	e.Priority = p
	return e
}

// WithTarget directs the event at a single module.
func (e *Event) WithTarget(module string) *Event {
	e.TargetModule = module
	return e
}

// WithExpiry sets an absolute expiration on the event.
func (e *Event) WithExpiry(at time.Time) *Event {
	e.ExpiresAt = &at
	return e
}

// IsExpired reports whether the event expired before now.
func (e *Event) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// wireEvent fixes the JSON field order of the persistence format so
// encodings stay stable for diffs and replay.
type wireEvent struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	SourceModule string                 `json:"source_module"`
	TargetModule *string                `json:"target_module"`
	Priority     int                    `json:"priority"`
	Data         map[string]interface{} `json:"data"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    string                 `json:"created_at"`
	ExpiresAt    *string                `json:"expires_at"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Processed    bool                   `json:"processed"`
}

// ToWire serializes the event into its persistence JSON.
func (e *Event) ToWire() ([]byte, error) {
	w := wireEvent{
		EventID:      e.EventID,
		EventType:    e.Type.String(),
		SourceModule: e.SourceModule,
		Priority:     int(e.Priority),
		Data:         e.Data,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
		Processed:    e.Processed,
	}
	if e.TargetModule != "" {
		w.TargetModule = &e.TargetModule
	}
	if e.ExpiresAt != nil {
		s := e.ExpiresAt.Format(time.RFC3339Nano)
		w.ExpiresAt = &s
	}
	return json.Marshal(w)
}

// FromWire reconstructs an event from its persistence JSON.
// ToWire followed by FromWire is the identity on all fields.
func FromWire(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	t, err := ParseEventType(w.EventType)
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("decoding event created_at: %w", err)
	}

	e := &Event{
		EventID:      w.EventID,
		Type:         t,
		SourceModule: w.SourceModule,
		Priority:     EventPriority(w.Priority),
		Data:         w.Data,
		Metadata:     w.Metadata,
		CreatedAt:    createdAt,
		RetryCount:   w.RetryCount,
		MaxRetries:   w.MaxRetries,
		Processed:    w.Processed,
	}
	if w.TargetModule != nil {
		e.TargetModule = *w.TargetModule
	}
	if w.ExpiresAt != nil {
		at, err := time.Parse(time.RFC3339Nano, *w.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("decoding event expires_at: %w", err)
		}
		e.ExpiresAt = &at
	}
	return e, nil
}
