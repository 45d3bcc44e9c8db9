// ABOUTME: In-memory fan-out change notifier for a single process
// ABOUTME: Delivers committed ChangeEvents to per-collection subscribers in publish order

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the queue length for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for change events. Each subscriber
// gets its own goroutine, so a slow callback never blocks Publish.
//
// When a subscriber's queue is full the event is dropped for that
// subscriber. That is safe for reload-on-notify consumers: the queued events
// still trigger a reload, and any reload reads state committed before the
// dropped event was published.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Collection]map[string]*subscription // collection -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

type subscription struct {
	filter Filter
	ch     chan ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[Collection]map[string]*subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers fn for events on collection that pass filter. The
// returned function removes the subscription; queued events are discarded but
// a call to fn already in progress runs to completion. The subscription is
// also removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, collection Collection, filter Filter, fn func(ChangeEvent)) (func(), error) {
	if !collection.Valid() {
		return nil, &UnknownCollectionError{Collection: collection}
	}

	subID := uuid.New().String()
	sub := &subscription{
		filter: filter,
		ch:     make(chan ChangeEvent, subscriberBufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrNotifierClosed
	}
	if _, ok := b.subscribers[collection]; !ok {
		b.subscribers[collection] = make(map[string]*subscription)
	}
	b.subscribers[collection][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "collection", collection, "sub_id", subID)

	// done is checked again before each call so that events still queued
	// when the subscription ends are discarded.
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				select {
				case <-sub.done:
					return
				default:
				}
				fn(ev)
			}
		}
	}()

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(collection, subID)
		case <-sub.done:
		}
	}()

	return func() { b.unsubscribe(collection, subID) }, nil
}

// Publish queues event for every matching subscriber of its collection.
// Non-blocking: events are dropped for subscribers whose queues are full.
func (b *Broadcaster) Publish(ctx context.Context, event ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrNotifierClosed
	}

	for subID, sub := range b.subscribers[event.Collection] {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"collection", event.Collection,
				"sub_id", subID,
				"event_id", event.ID)
		}
	}
	return nil
}

// unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Broadcaster) unsubscribe(collection Collection, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[collection]
	if !ok {
		return
	}

	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	sub.stop()

	// Clean up empty collection entries
	if len(subs) == 0 {
		delete(b.subscribers, collection)
	}

	b.logger.Debug("subscriber removed", "collection", collection, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions on collection.
func (b *Broadcaster) SubscriberCount(collection Collection) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[collection])
}

// Close shuts down the broadcaster and stops every subscription.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for collection, subs := range b.subscribers {
		for subID, sub := range subs {
			sub.stop()
			delete(subs, subID)
		}
		delete(b.subscribers, collection)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
	return nil
}

var _ Notifier = (*Broadcaster)(nil)
