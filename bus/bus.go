package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tricortex/tricortex/core"
)

const (
	// idleSleep is how long the dispatcher parks when every queue is empty.
	idleSleep = time.Millisecond

	// batchFillWait bounds how long a partially filled batch waits for
	// more events in high-throughput mode.
	batchFillWait = time.Millisecond

	// internalErrorBackoff is the minimum pause after repeated internal
	// dispatcher failures.
	internalErrorBackoff = 100 * time.Millisecond

	// persistKeyPrefix namespaces persisted events in the KV store.
	persistKeyPrefix = "event:"
)

// EventBus is the in-process typed pub/sub fabric.
type EventBus struct {
	config core.BusConfig

	queues map[EventPriority]chan *Event

	mu       sync.RWMutex
	handlers map[EventType][]*EventHandler

	logger    core.Logger
	telemetry core.Telemetry
	kv        core.KVStore

	startedAt time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	eventsPublished atomic.Int64
	eventsProcessed atomic.Int64
	eventsFailed    atomic.Int64
	eventsDropped   atomic.Int64

	// Batch metrics, guarded by batchMu.
	batchMu          sync.Mutex
	batchProcessed   int64
	avgBatchSize     float64
	avgProcessingUs  float64
}

// Options configures an EventBus.
type Options struct {
	Config    core.BusConfig
	Logger    core.Logger
	Telemetry core.Telemetry

	// KV enables event persistence when non-nil.
	KV core.KVStore
}

// New creates an event bus with bounded priority queues.
func New(opts Options) *EventBus {
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CriticalQueueSize <= 0 {
		cfg.CriticalQueueSize = 1000
	}
	if cfg.HighQueueSize <= 0 {
		cfg.HighQueueSize = 5000
	}
	if cfg.NormalQueueSize <= 0 {
		cfg.NormalQueueSize = 10000
	}
	if cfg.LowQueueSize <= 0 {
		cfg.LowQueueSize = 5000
	}
	if cfg.PersistTTL <= 0 {
		cfg.PersistTTL = 24 * time.Hour
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &EventBus{
		config: cfg,
		queues: map[EventPriority]chan *Event{
			PriorityCritical: make(chan *Event, cfg.CriticalQueueSize),
			PriorityHigh:     make(chan *Event, cfg.HighQueueSize),
			PriorityNormal:   make(chan *Event, cfg.NormalQueueSize),
			PriorityLow:      make(chan *Event, cfg.LowQueueSize),
		},
		handlers:  make(map[EventType][]*EventHandler),
		logger:    logger,
		telemetry: telemetry,
		kv:        opts.KV,
	}
}

// Initialize starts the dispatcher task. It fails if the bus is already
// running.
func (b *EventBus) Initialize(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return core.NewFabricError("bus.Initialize", "bus", core.ErrAlreadyStarted)
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.startedAt = time.Now()

	go b.dispatchLoop(dispatchCtx)

	b.logger.Info("Event bus started", map[string]interface{}{
		"batching":    b.config.EnableBatching,
		"low_latency": b.config.LowLatencyMode,
		"batch_size":  b.config.BatchSize,
		"persistence": b.kv != nil,
	})
	return nil
}

// Publish enqueues an event on the queue matching its priority.
// Expired events are dropped and reported as a failure without enqueueing.
// A full queue fails the publish and never displaces earlier events.
func (b *EventBus) Publish(event *Event) error {
	if event == nil {
		return core.NewFabricError("bus.Publish", "bus", core.ErrNotAnEvent)
	}
	if !event.Type.Valid() {
		return &core.FabricError{Op: "bus.Publish", Kind: "bus", ID: event.EventID, Err: core.ErrInvalidArgument}
	}
	if event.IsExpired(time.Now()) {
		b.eventsDropped.Add(1)
		b.logger.Debug("Dropping expired event", map[string]interface{}{
			"event_id":   event.EventID,
			"event_type": event.Type.String(),
			"expired_at": event.ExpiresAt.Format(time.RFC3339),
		})
		return &core.FabricError{Op: "bus.Publish", Kind: "bus", ID: event.EventID, Err: core.ErrEventExpired}
	}

	if !event.Priority.Valid() {
		event.Priority = PriorityNormal
	}

	select {
	case b.queues[event.Priority] <- event:
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("Priority queue full, rejecting publish", map[string]interface{}{
			"event_id":   event.EventID,
			"event_type": event.Type.String(),
			"priority":   event.Priority.String(),
		})
		b.emitQueueFullAlert(event)
		return &core.FabricError{Op: "bus.Publish", Kind: "bus", ID: event.EventID, Err: core.ErrQueueFull}
	}

	b.eventsPublished.Add(1)
	b.telemetry.RecordMetric("bus.events.published", 1, map[string]string{
		"type":     event.Type.String(),
		"priority": event.Priority.String(),
	})

	if b.kv != nil {
		go b.persistEvent(event)
	}
	return nil
}

// PublishOption customizes PublishSimple.
type PublishOption func(*Event)

// ToModule targets the event at a single module.
func ToModule(module string) PublishOption {
	return func(e *Event) { e.TargetModule = module }
}

// AtPriority selects the queue priority.
func AtPriority(p EventPriority) PublishOption {
	return func(e *Event) { e.Priority = p }
}

// ExpiresAt sets an absolute expiration.
func ExpiresAt(at time.Time) PublishOption {
	return func(e *Event) { e.ExpiresAt = &at }
}

// PublishSimple constructs and publishes an event in one call.
func (b *EventBus) PublishSimple(eventType EventType, source string, data map[string]interface{}, opts ...PublishOption) error {
	event := NewEvent(eventType, source, data)
	for _, opt := range opts {
		opt(event)
	}
	return b.Publish(event)
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*EventHandler)

// WithHandlerID pins the subscription id instead of auto-generating one.
func WithHandlerID(id string) SubscribeOption {
	return func(h *EventHandler) { h.HandlerID = id }
}

// WithSubscriberModule declares the owning module explicitly so target
// filtering matches exactly instead of through the handler-id heuristic.
func WithSubscriberModule(module string) SubscribeOption {
	return func(h *EventHandler) { h.SubscriberModule = module }
}

// Subscribe appends a handler to the per-type list and returns its id.
// Subscribing the same id to the same type twice is a no-op.
func (b *EventBus) Subscribe(eventType EventType, fn HandlerFunc, opts ...SubscribeOption) (string, error) {
	if fn == nil {
		return "", core.NewFabricError("bus.Subscribe", "bus", core.ErrInvalidArgument)
	}
	if !eventType.Valid() {
		return "", core.NewFabricError("bus.Subscribe", "bus", core.ErrInvalidArgument)
	}

	handler := &EventHandler{fn: fn}
	for _, opt := range opts {
		opt(handler)
	}
	if handler.HandlerID == "" {
		handler.HandlerID = fmt.Sprintf("%s_handler_%s", eventType.String(), uuid.New().String()[:8])
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.handlers[eventType] {
		if existing.HandlerID == handler.HandlerID {
			return handler.HandlerID, nil
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed", map[string]interface{}{
		"event_type": eventType.String(),
		"handler_id": handler.HandlerID,
	})
	return handler.HandlerID, nil
}

// Unsubscribe removes a handler by id and reports whether removal happened.
func (b *EventBus) Unsubscribe(eventType EventType, handlerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h.HandlerID == handlerID {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			b.logger.Debug("Handler unsubscribed", map[string]interface{}{
				"event_type": eventType.String(),
				"handler_id": handlerID,
			})
			return true
		}
	}
	return false
}

// Shutdown cancels the dispatcher. Events still queued are dropped; this
// is explicit in the concurrency contract.
func (b *EventBus) Shutdown(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.cancel()

	select {
	case <-b.done:
	case <-ctx.Done():
		return core.NewFabricError("bus.Shutdown", "bus", core.ErrTimeout)
	}

	b.logger.Info("Event bus stopped", map[string]interface{}{
		"events_published": b.eventsPublished.Load(),
		"events_processed": b.eventsProcessed.Load(),
		"events_failed":    b.eventsFailed.Load(),
	})
	return nil
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	UptimeSeconds   float64          `json:"uptime_seconds"`
	EventsPublished int64            `json:"events_published"`
	EventsProcessed int64            `json:"events_processed"`
	EventsFailed    int64            `json:"events_failed"`
	EventsDropped   int64            `json:"events_dropped"`
	HandlerCounts   map[string]int   `json:"handler_counts"`
	QueueSizes      map[string]int   `json:"queue_sizes"`
	BatchingEnabled bool             `json:"batching_enabled"`
	BatchProcessed  int64            `json:"batch_processed,omitempty"`
	AvgBatchSize    float64          `json:"avg_batch_size,omitempty"`
	AvgProcessingUs float64          `json:"avg_processing_time_us,omitempty"`
}

// GetStats returns current bus statistics.
func (b *EventBus) GetStats() Stats {
	stats := Stats{
		EventsPublished: b.eventsPublished.Load(),
		EventsProcessed: b.eventsProcessed.Load(),
		EventsFailed:    b.eventsFailed.Load(),
		EventsDropped:   b.eventsDropped.Load(),
		HandlerCounts:   make(map[string]int),
		QueueSizes:      make(map[string]int),
		BatchingEnabled: b.config.EnableBatching,
	}
	if !b.startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(b.startedAt).Seconds()
	}

	b.mu.RLock()
	for t, hs := range b.handlers {
		stats.HandlerCounts[t.String()] = len(hs)
	}
	b.mu.RUnlock()

	for p, q := range b.queues {
		stats.QueueSizes[p.String()] = len(q)
	}

	b.batchMu.Lock()
	stats.BatchProcessed = b.batchProcessed
	stats.AvgBatchSize = b.avgBatchSize
	stats.AvgProcessingUs = b.avgProcessingUs
	b.batchMu.Unlock()

	return stats
}

// handlersFor snapshots the handler list for a type so dispatch never
// races subscribe into dropped or double-delivered events.
func (b *EventBus) handlersFor(eventType EventType) []*EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.handlers[eventType]
	if len(src) == 0 {
		return nil
	}
	out := make([]*EventHandler, len(src))
	copy(out, src)
	return out
}

// matchHandlers applies target filtering for an event. If a target is set
// and nothing matches the filter, every handler for the type is used as a
// backward-compatible fallback.
func matchHandlers(handlers []*EventHandler, event *Event) []*EventHandler {
	if event.TargetModule == "" || len(handlers) == 0 {
		return handlers
	}
	matched := make([]*EventHandler, 0, len(handlers))
	for _, h := range handlers {
		if h.matchesTarget(event.TargetModule) {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		return handlers
	}
	return matched
}

func (b *EventBus) emitQueueFullAlert(rejected *Event) {
	// A full system_alert queue must not recurse.
	if rejected.Type == EventSystemAlert {
		return
	}
	alert := NewEvent(EventSystemAlert, "event_bus", map[string]interface{}{
		"alert_type": "queue_full",
		"priority":   rejected.Priority.String(),
		"event_type": rejected.Type.String(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	select {
	case b.queues[PriorityNormal] <- alert:
		b.eventsPublished.Add(1)
	default:
	}
}

// persistEvent writes the wire JSON of an event under "event:<id>" with the
// configured expiry. KV failures are logged and swallowed; they never fail
// the publish.
func (b *EventBus) persistEvent(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := event.ToWire()
	if err != nil {
		b.logger.Error("Failed to serialize event for persistence", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
		return
	}

	key := persistKeyPrefix + event.EventID
	if err := b.kv.HSet(ctx, key, map[string]interface{}{
		"payload":    string(payload),
		"event_type": event.Type.String(),
	}); err != nil {
		b.logger.Error("Event persistence failed", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
		b.emitPersistenceAlert(event, err)
		return
	}
	if err := b.kv.Expire(ctx, key, b.config.PersistTTL); err != nil {
		b.logger.Error("Event persistence expiry failed", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
	}
}

func (b *EventBus) emitPersistenceAlert(event *Event, cause error) {
	if event.Type == EventSystemAlert {
		return
	}
	alert := NewEvent(EventSystemAlert, "event_bus", map[string]interface{}{
		"alert_type": "kv_persistence_error",
		"event_id":   event.EventID,
		"error":      cause.Error(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	select {
	case b.queues[PriorityNormal] <- alert:
		b.eventsPublished.Add(1)
	default:
	}
}
