package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// priorityOrder is the strict service order: the dispatcher never serves
// priority p while p+1 has work.
var priorityOrder = [...]EventPriority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
}

// dispatchLoop is the single dispatcher task. It never returns an error to
// its owner; internal failures are counted and the loop proceeds after a
// back-off.
func (b *EventBus) dispatchLoop(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := b.dispatchOnce(ctx); err != nil {
			b.eventsFailed.Add(1)
			b.logger.Error("Dispatcher internal failure", map[string]interface{}{
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(internalErrorBackoff):
			}
		}
	}
}

// dispatchOnce runs one iteration of the dispatcher in the configured mode.
// Panics inside dispatch bookkeeping are converted to errors so the owner
// loop survives.
func (b *EventBus) dispatchOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()

	if b.config.EnableBatching {
		return b.dispatchBatch(ctx)
	}
	return b.dispatchSingle(ctx)
}

// poll removes the highest-priority queued event without blocking.
func (b *EventBus) poll() *Event {
	for _, p := range priorityOrder {
		select {
		case event := <-b.queues[p]:
			return event
		default:
		}
	}
	return nil
}

// dispatchSingle drains the highest-priority non-empty queue one event at
// a time, sleeping briefly when all queues are empty.
func (b *EventBus) dispatchSingle(ctx context.Context) error {
	event := b.poll()
	if event == nil {
		select {
		case <-ctx.Done():
		case <-time.After(idleSleep):
		}
		return nil
	}

	b.processEvent(ctx, event)
	return nil
}

// dispatchBatch pulls up to batch_size events in priority order and runs
// every (event, handler) pair concurrently. In high-throughput sub-mode a
// partial batch waits up to 1 ms for the queues to produce more; in
// low-latency sub-mode it is processed immediately.
func (b *EventBus) dispatchBatch(ctx context.Context) error {
	batch := make([]*Event, 0, b.config.BatchSize)
	for len(batch) < b.config.BatchSize {
		event := b.poll()
		if event == nil {
			break
		}
		batch = append(batch, event)
	}

	if len(batch) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(idleSleep):
		}
		return nil
	}

	if !b.config.LowLatencyMode && len(batch) < b.config.BatchSize {
		deadline := time.Now().Add(batchFillWait)
		for len(batch) < b.config.BatchSize && time.Now().Before(deadline) {
			event := b.poll()
			if event == nil {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			batch = append(batch, event)
		}
	}

	start := time.Now()

	// Group by event type so handler lists are snapshotted once per type.
	groups := make(map[EventType][]*Event)
	for _, event := range batch {
		groups[event.Type] = append(groups[event.Type], event)
	}

	var wg sync.WaitGroup
	for eventType, events := range groups {
		handlers := b.handlersFor(eventType)
		for _, event := range events {
			for _, h := range matchHandlers(handlers, event) {
				wg.Add(1)
				go func(h *EventHandler, e *Event) {
					defer wg.Done()
					b.runHandler(ctx, h, e)
				}(h, event)
			}
		}
	}
	wg.Wait()

	for _, event := range batch {
		event.Processed = true
	}
	b.eventsProcessed.Add(int64(len(batch)))

	elapsedUs := float64(time.Since(start).Microseconds())

	b.batchMu.Lock()
	b.batchProcessed++
	n := float64(b.batchProcessed)
	b.avgBatchSize += (float64(len(batch)) - b.avgBatchSize) / n
	b.avgProcessingUs += (elapsedUs - b.avgProcessingUs) / n
	b.batchMu.Unlock()

	b.telemetry.RecordMetric("bus.batch.size", float64(len(batch)), nil)
	b.telemetry.RecordMetric("bus.batch.processing_us", elapsedUs, nil)
	return nil
}

// processEvent delivers one event to every matched handler concurrently
// and gathers the results.
func (b *EventBus) processEvent(ctx context.Context, event *Event) {
	handlers := matchHandlers(b.handlersFor(event.Type), event)
	if len(handlers) == 0 {
		event.Processed = true
		b.eventsProcessed.Add(1)
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *EventHandler) {
			defer wg.Done()
			b.runHandler(ctx, h, event)
		}(h)
	}
	wg.Wait()

	event.Processed = true
	b.eventsProcessed.Add(1)
}

// runHandler executes one handler with an error-swallowing adapter. Raised
// errors and panics are classified as failures on both the handler and the
// bus; a failing handler never cancels its peers.
func (b *EventBus) runHandler(ctx context.Context, h *EventHandler, event *Event) {
	var failed bool
	defer func() {
		if r := recover(); r != nil {
			failed = true
			b.eventsFailed.Add(1)
			b.logger.Error("Handler panicked", map[string]interface{}{
				"handler_id": h.HandlerID,
				"event_id":   event.EventID,
				"event_type": event.Type.String(),
				"panic":      fmt.Sprintf("%v", r),
			})
		}
		h.markCalled(failed)
	}()

	if err := h.fn(ctx, event); err != nil {
		failed = true
		b.eventsFailed.Add(1)
		b.logger.Warn("Handler returned error", map[string]interface{}{
			"handler_id": h.HandlerID,
			"event_id":   event.EventID,
			"event_type": event.Type.String(),
			"error":      err.Error(),
		})
	}
}
