// Package eventbus implements an in-process publish/subscribe bus used
// for safety events and trade lifecycle notifications.
package eventbus

import (
	"context"
	"sync"

	"fundarb/internal/core"
	"fundarb/pkg/concurrency"
)

const subscriberBuffer = 64

type subscription struct {
	types map[core.EventType]struct{} // empty means all
	ch    chan core.Event
}

// Bus implements core.EventBusPort. Delivery to each subscriber happens
// on a shared worker pool so a slow handler cannot stall publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	pool   *concurrency.WorkerPool
	logger core.ILogger
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger core.ILogger) *Bus {
	return &Bus{
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "eventbus",
			MaxWorkers:  4,
			MaxCapacity: 1024,
		}, logger),
		logger: logger.WithField("component", "eventbus"),
	}
}

// Subscribe returns a channel receiving events of the given types; no
// types means every event. The channel is buffered; if a subscriber
// stops reading, events for it are dropped and logged.
func (b *Bus) Subscribe(types ...core.EventType) <-chan core.Event {
	sub := &subscription{
		types: make(map[core.EventType]struct{}, len(types)),
		ch:    make(chan core.Event, subscriberBuffer),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish delivers an event to all matching subscribers asynchronously.
func (b *Bus) Publish(ev core.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		s := sub
		b.pool.Submit(func() {
			select {
			case s.ch <- ev:
			default:
				b.logger.Warn("Dropping event for slow subscriber", "type", string(ev.Type))
			}
		})
	}
}

// Drain stops accepting publishes and waits for in-flight deliveries.
func (b *Bus) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, sub := range subs {
		close(sub.ch)
	}
	return nil
}
