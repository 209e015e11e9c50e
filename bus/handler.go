package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the callable a subscription attaches to an event type.
// Handlers run concurrently within a dispatch batch; a failing handler
// never cancels its peers.
type HandlerFunc func(ctx context.Context, event *Event) error

// EventHandler tracks one subscription and its execution counters.
type EventHandler struct {
	// HandlerID is opaque but by convention embeds the owning module name
	// so the bus can filter by target.
	HandlerID string

	// SubscriberModule, when set, is matched exactly against an event's
	// target module and the handler-id heuristic is skipped. New code
	// should prefer it over encoding the module into HandlerID.
	SubscriberModule string

	fn HandlerFunc

	callCount  atomic.Int64
	errorCount atomic.Int64

	mu         sync.Mutex
	lastCalled time.Time
}

// CallCount returns how many times the handler ran.
func (h *EventHandler) CallCount() int64 { return h.callCount.Load() }

// ErrorCount returns how many handler runs failed.
func (h *EventHandler) ErrorCount() int64 { return h.errorCount.Load() }

// LastCalled returns the wall time of the most recent invocation.
func (h *EventHandler) LastCalled() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCalled
}

func (h *EventHandler) markCalled(failed bool) {
	h.callCount.Add(1)
	if failed {
		h.errorCount.Add(1)
	}
	h.mu.Lock()
	h.lastCalled = time.Now()
	h.mu.Unlock()
}

// matchesTarget implements the target-module filter predicate.
//
// When the handler registered an explicit SubscriberModule the match is
// exact. Otherwise the legacy heuristic applies: the handler matches when
// its id contains the module as a substring, starts with it, or equals it
// after stripping underscores. The heuristic is preserved for
// compatibility and must not be tightened without a migration.
func (h *EventHandler) matchesTarget(target string) bool {
	if target == "" {
		return true
	}
	if h.SubscriberModule != "" {
		return h.SubscriberModule == target
	}

	id := h.HandlerID
	if strings.Contains(id, target) || strings.HasPrefix(id, target) {
		return true
	}
	normalized := strings.ReplaceAll(id, "_", "")
	return normalized == strings.ReplaceAll(target, "_", "")
}
