package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// Subscription is a bounded event feed. Slow consumers lose the oldest
// undelivered events rather than stalling the bus; Dropped reports how many.
type Subscription struct {
	ch     chan types.Event
	lagged chan struct{}

	// queue filters delivery; empty receives every queue's events
	queue string

	dropped atomic.Int64

	once sync.Once
}

// Events returns the delivery channel. It is closed on Unsubscribe and on
// bus shutdown.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Lagged signals (at most one pending signal) whenever delivery dropped an
// event because this subscriber fell behind.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Dropped returns the total number of events dropped for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans queue events out to in-process subscribers. Events originate from
// the storage notification channel, so every broker instance sharing a
// database sees every committed event regardless of which instance performed
// the operation.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus returns a bus whose subscribers each get a bounded queue of the
// given depth.
func NewBus(subscriberBuffer int) *Bus {
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: subscriberBuffer,
	}
}

// Run attaches the bus to the store's notification channel and blocks until
// ctx ends, then closes every subscription. The store handles its own
// reconnects; Run only returns on context cancellation.
func (b *Bus) Run(ctx context.Context, store storage.Store) error {
	logger := log.WithComponent("events")
	logger.Info().Msg("event bus attached to storage notifications")

	err := store.Listen(ctx, b.Publish)

	b.mu.Lock()
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	logger.Info().Msg("event bus stopped")
	return err
}

// Subscribe registers a feed for events on the named queue; an empty queue
// subscribes to all queues.
func (b *Bus) Subscribe(queue string) *Subscription {
	sub := &Subscription{
		ch:     make(chan types.Event, b.buffer),
		lagged: make(chan struct{}, 1),
		queue:  queue,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	metrics.SubscribersTotal.Set(float64(len(b.subs)))
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	metrics.SubscribersTotal.Set(float64(len(b.subs)))
	sub.close()
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every matching subscriber without blocking.
// A full subscriber drops its oldest undelivered event to make room.
func (b *Bus) Publish(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.queue != "" && sub.queue != event.Queue {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// Full: evict the oldest, then retry once. A concurrent receive
		// may have made room already, in which case nothing is evicted.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		}
		select {
		case sub.lagged <- struct{}{}:
		default:
		}
	}
}

// WaitForMessage blocks until an event arrives that could make a message
// claimable, or until ctx ends. It reports whether such an event arrived.
// Used by dequeue long-polling: the caller subscribes before its first claim
// so an enqueue committing between claim and wait is still seen.
func (s *Subscription) WaitForMessage(ctx context.Context) bool {
	for {
		select {
		case event, ok := <-s.ch:
			if !ok {
				return false
			}
			switch event.Action {
			case types.ActionEnqueue, types.ActionRequeue, types.ActionNack,
				types.ActionMove, types.ActionTimeout:
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// WaitForMessage subscribes to the named queue for the duration of the wait.
// See Subscription.WaitForMessage.
func (b *Bus) WaitForMessage(ctx context.Context, queue string) bool {
	sub := b.Subscribe(queue)
	defer b.Unsubscribe(sub)
	return sub.WaitForMessage(ctx)
}
