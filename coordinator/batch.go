package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/core"
)

// batchItem is one commander request waiting for a flush.
type batchItem struct {
	request       map[string]interface{}
	correlationID string
}

// commanderBatcher accumulates commander requests and flushes when the
// batch fills or the flush timeout elapses, whichever comes first.
type commanderBatcher struct {
	size    int
	timeout time.Duration
	flush   func(items []batchItem)

	mu      sync.Mutex
	items   []batchItem
	arrived chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newCommanderBatcher(size int, timeout time.Duration, flush func(items []batchItem)) *commanderBatcher {
	return &commanderBatcher{
		size:    size,
		timeout: timeout,
		flush:   flush,
		items:   make([]batchItem, 0, size),
		arrived: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (b *commanderBatcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.loop(ctx)
}

// stop flushes whatever is pending and terminates the loop.
func (b *commanderBatcher) stop() {
	b.cancel()
	<-b.done
	if batch := b.take(); len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *commanderBatcher) enqueue(item batchItem) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()

	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

func (b *commanderBatcher) pendingSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// take swaps out the pending batch.
func (b *commanderBatcher) take() []batchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	batch := b.items
	b.items = make([]batchItem, 0, b.size)
	return batch
}

// loop waits for the first arrival, then flushes once the batch fills or
// the timeout from that first arrival elapses.
func (b *commanderBatcher) loop(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.arrived:
		}

		deadline := time.NewTimer(b.timeout)
	fill:
		for {
			if b.pendingSize() >= b.size {
				break fill
			}
			select {
			case <-ctx.Done():
				deadline.Stop()
				return
			case <-deadline.C:
				break fill
			case <-b.arrived:
			}
		}
		deadline.Stop()

		if batch := b.take(); len(batch) > 0 {
			b.flush(batch)
		}
	}
}

// processBatch resolves a flushed commander batch concurrently. Each item
// completes its own correlation future; failures complete as fallbacks.
func (c *Coordinator) processBatch(items []batchItem) {
	c.statsMu.Lock()
	c.batchesFlushed++
	c.statsMu.Unlock()
	c.telemetry.RecordMetric("coordinator.batch_flushed", float64(len(items)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DefaultTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			var decision *core.BrainDecision
			var err error

			if c.config.Mode == "event" {
				err = c.bus.PublishSimple(bus.EventDecisionRequest, moduleName, map[string]interface{}{
					"correlation_id": item.correlationID,
					"brain":          string(core.BrainCommander),
					"request":        item.request,
				}, bus.ToModule(string(core.BrainCommander)), bus.AtPriority(bus.PriorityHigh))
				if err == nil {
					// Event mode: the decision_made handler completes the future.
					return nil
				}
			} else {
				decision, err = c.callEngine(gctx, core.BrainCommander, item.request, item.correlationID)
			}

			if err != nil {
				c.statsMu.Lock()
				c.engineErrors++
				c.statsMu.Unlock()
				decision = c.fallbackDecision(item.request, item.correlationID, "batched engine error")
			}
			c.complete(item.correlationID, decision)
			return nil
		})
	}
	_ = g.Wait()
}
