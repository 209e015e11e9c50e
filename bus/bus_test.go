package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tricortex/tricortex/core"
)

func newTestBus(t *testing.T, cfg core.BusConfig) *EventBus {
	t.Helper()
	b := New(Options{Config: cfg})
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

// recorder collects handler invocations for assertions.
type recorder struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newRecorder(capacity int) *recorder {
	return &recorder{seen: make(chan struct{}, capacity)}
}

func (r *recorder) handle(ctx context.Context, e *Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishExpiredEventRejected(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	rec := newRecorder(1)
	_, err := b.Subscribe(EventDataUpdated, rec.handle)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	event := NewEvent(EventDataUpdated, "test", nil)
	event.ExpiresAt = &past

	err = b.Publish(event)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEventExpired))

	// The handler must never see the expired event.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, int64(1), b.GetStats().EventsDropped)
}

func TestPublishNilAndInvalidType(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	err := b.Publish(nil)
	assert.True(t, errors.Is(err, core.ErrNotAnEvent))

	err = b.Publish(&Event{Type: EventType(9999)})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	rec := newRecorder(4)
	id, err := b.Subscribe(EventHeartbeat, rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.PublishSimple(EventHeartbeat, "test", nil))
	require.NoError(t, b.PublishSimple(EventHeartbeat, "test", nil))
	rec.wait(t, 2)

	require.True(t, b.Unsubscribe(EventHeartbeat, id))
	require.NoError(t, b.PublishSimple(EventHeartbeat, "test", nil))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "events after unsubscribe must not reach the handler")

	assert.False(t, b.Unsubscribe(EventHeartbeat, id), "second unsubscribe is a no-op")
}

func TestSubscribeDuplicateIDIdempotent(t *testing.T) {
	b := New(Options{})

	rec := newRecorder(1)
	id1, err := b.Subscribe(EventHeartbeat, rec.handle, WithHandlerID("fixed"))
	require.NoError(t, err)
	id2, err := b.Subscribe(EventHeartbeat, rec.handle, WithHandlerID("fixed"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, b.GetStats().HandlerCounts[EventHeartbeat.String()])
}

func TestPriorityOrdering(t *testing.T) {
	// Queue events before the dispatcher starts so both are pending on
	// the first poll.
	b := New(Options{})

	var mu sync.Mutex
	var order []EventPriority
	rec := make(chan struct{}, 2)
	_, err := b.Subscribe(EventDataUpdated, func(ctx context.Context, e *Event) error {
		mu.Lock()
		order = append(order, e.Priority)
		mu.Unlock()
		rec <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil, AtPriority(PriorityLow)))
	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil, AtPriority(PriorityCritical)))

	require.NoError(t, b.Initialize(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-rec:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, PriorityCritical, order[0], "critical must be served before low")
	assert.Equal(t, PriorityLow, order[1])
}

func TestTargetFiltering(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	soldierRec := newRecorder(2)
	scholarRec := newRecorder(2)
	_, err := b.Subscribe(EventDataUpdated, soldierRec.handle, WithSubscriberModule("soldier"))
	require.NoError(t, err)
	_, err = b.Subscribe(EventDataUpdated, scholarRec.handle, WithSubscriberModule("scholar"))
	require.NoError(t, err)

	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil, ToModule("soldier")))
	soldierRec.wait(t, 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, soldierRec.count())
	assert.Equal(t, 0, scholarRec.count(), "targeted event must not reach other modules")
}

func TestTargetFilteringFallbackToAll(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	rec := newRecorder(1)
	_, err := b.Subscribe(EventDataUpdated, rec.handle, WithSubscriberModule("soldier"))
	require.NoError(t, err)

	// No handler matches this target; the event falls back to all
	// handlers for the type.
	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil, ToModule("nonexistent")))
	rec.wait(t, 1)
	assert.Equal(t, 1, rec.count())
}

func TestHandlerIDHeuristicMatching(t *testing.T) {
	tests := []struct {
		name      string
		handlerID string
		target    string
		matches   bool
	}{
		{"contains", "soldier_market_data_handler", "soldier", true},
		{"underscore_normalized", "soldier_core", "soldiercore", true},
		{"empty_target_matches_all", "anything", "", true},
		{"no_match", "scholar_handler", "soldier", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &EventHandler{HandlerID: tt.handlerID}
			assert.Equal(t, tt.matches, h.matchesTarget(tt.target))
		})
	}
}

func TestQueueFullRejectsPublish(t *testing.T) {
	b := New(Options{Config: core.BusConfig{LowQueueSize: 1}})
	// Dispatcher not started, so the queue cannot drain.

	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil, AtPriority(PriorityLow)))
	err := b.PublishSimple(EventDataUpdated, "test", nil, AtPriority(PriorityLow))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrQueueFull))

	// A queue_full alert is enqueued on the NORMAL queue.
	assert.Equal(t, 1, b.GetStats().QueueSizes[PriorityNormal.String()])
}

func TestHandlerErrorCountsFailure(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	done := make(chan struct{}, 1)
	_, err := b.Subscribe(EventDataUpdated, func(ctx context.Context, e *Event) error {
		done <- struct{}{}
		return errors.New("handler failure")
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil))
	<-done

	assert.Eventually(t, func() bool {
		return b.GetStats().EventsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})

	panicked := make(chan struct{}, 1)
	_, err := b.Subscribe(EventDataUpdated, func(ctx context.Context, e *Event) error {
		defer func() { panicked <- struct{}{} }()
		panic("handler panic")
	})
	require.NoError(t, err)

	rec := newRecorder(1)
	_, err = b.Subscribe(EventHeartbeat, rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.PublishSimple(EventDataUpdated, "test", nil))
	<-panicked

	// The dispatcher survives and keeps serving other events.
	require.NoError(t, b.PublishSimple(EventHeartbeat, "test", nil))
	rec.wait(t, 1)

	assert.Eventually(t, func() bool {
		return b.GetStats().EventsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchDispatch(t *testing.T) {
	b := newTestBus(t, core.BusConfig{EnableBatching: true, BatchSize: 5})

	rec := newRecorder(10)
	_, err := b.Subscribe(EventDataUpdated, rec.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.PublishSimple(EventDataUpdated, "test", map[string]interface{}{"i": i}))
	}
	rec.wait(t, 10)

	assert.Eventually(t, func() bool {
		stats := b.GetStats()
		return stats.EventsProcessed == 10 && stats.BatchProcessed > 0
	}, 2*time.Second, 10*time.Millisecond)
}

// fakeKV records persistence calls for assertions.
type fakeKV struct {
	mu      sync.Mutex
	hsets   map[string]map[string]interface{}
	expires map[string]time.Duration
	sets    map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		hsets:   make(map[string]map[string]interface{}),
		expires: make(map[string]time.Duration),
		sets:    make(map[string]string),
	}
}

func (f *fakeKV) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hsets[key] = fields
	return nil
}

func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = ttl
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key], nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = value
	return nil
}

func TestEventPersistence(t *testing.T) {
	kv := newFakeKV()
	b := New(Options{Config: core.BusConfig{PersistEvents: true}, KV: kv})
	require.NoError(t, b.Initialize(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	event := NewEvent(EventDataUpdated, "test", map[string]interface{}{"k": "v"})
	require.NoError(t, b.Publish(event))

	assert.Eventually(t, func() bool {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		_, ok := kv.hsets["event:"+event.EventID]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.Equal(t, 24*time.Hour, kv.expires["event:"+event.EventID])
	assert.Equal(t, EventDataUpdated.String(), kv.hsets["event:"+event.EventID]["event_type"])
}

func TestShutdownStopsDispatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(Options{})
	require.NoError(t, b.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	// Second shutdown is a no-op.
	require.NoError(t, b.Shutdown(ctx))
}

func TestDoubleInitializeFails(t *testing.T) {
	b := newTestBus(t, core.BusConfig{})
	err := b.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAlreadyStarted))
}
