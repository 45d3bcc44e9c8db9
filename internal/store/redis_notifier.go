// ABOUTME: Redis pub/sub change notifier for multi-process deployments
// ABOUTME: Publishes ChangeEvents as JSON on one channel per collection; resyncs after reconnects

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the Redis channels used for change events.
const DefaultChannelPrefix = "coven-chat"

const (
	minRedisBackoff = 100 * time.Millisecond
	maxRedisBackoff = 5 * time.Second
)

// RedisOptions configures a RedisNotifier.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisNotifier implements Notifier over Redis pub/sub so that several store
// servers sharing one database can notify each other's subscribers.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

// NewRedisNotifier connects to Redis and verifies the connection with PING.
func NewRedisNotifier(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	n := &RedisNotifier{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_notifier"),
		subs:   make(map[string]*redis.PubSub),
	}
	n.logger.Info("redis notifier connected", "addr", opts.Addr, "prefix", prefix)
	return n, nil
}

// channelName returns the Redis channel carrying events for collection.
func channelName(prefix string, collection Collection) string {
	return prefix + ":" + string(collection)
}

// Publish encodes event and publishes it on its collection's channel.
func (n *RedisNotifier) Publish(ctx context.Context, event ChangeEvent) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrNotifierClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := n.client.Publish(ctx, channelName(n.prefix, event.Collection), data).Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection for collection and calls fn
// for each event passing filter. Undecodable payloads are logged and skipped.
func (n *RedisNotifier) Subscribe(ctx context.Context, collection Collection, filter Filter, fn func(ChangeEvent)) (func(), error) {
	if !collection.Valid() {
		return nil, &UnknownCollectionError{Collection: collection}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNotifierClosed
	}
	n.mu.Unlock()

	channel := channelName(n.prefix, collection)
	ps := n.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	subID := uuid.New().String()
	subCtx, stop := context.WithCancel(ctx)
	var once sync.Once

	n.mu.Lock()
	n.subs[subID] = ps
	n.mu.Unlock()

	cancel := func() {
		once.Do(func() {
			stop()
			n.mu.Lock()
			delete(n.subs, subID)
			n.mu.Unlock()
			if err := ps.Close(); err != nil {
				n.logger.Debug("closing pubsub", "error", err)
			}
			n.logger.Debug("subscriber removed", "collection", collection, "sub_id", subID)
		})
	}

	go func() {
		n.receive(subCtx, ps, collection, filter, fn)
		cancel()
	}()

	n.logger.Debug("subscriber added", "collection", collection, "sub_id", subID)
	return cancel, nil
}

// pubsubReceiver is the part of *redis.PubSub the receive loop uses.
type pubsubReceiver interface {
	Receive(ctx context.Context) (interface{}, error)
}

// receive delivers events from ps until ctx ends or ps is closed. go-redis
// reconnects and resubscribes on the next Receive after a connection error;
// the fresh subscription confirmation means events may have been lost in
// between, so fn gets an OpResync event for the subscribed scope.
func (n *RedisNotifier) receive(ctx context.Context, ps pubsubReceiver, collection Collection, filter Filter, fn func(ChangeEvent)) {
	backoff := minRedisBackoff
	for {
		msg, err := ps.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			n.logger.Warn("redis subscription interrupted", "collection", collection, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRedisBackoff)
			continue
		}
		backoff = minRedisBackoff

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			n.logger.Info("redis subscription restored", "collection", collection)
			fn(ChangeEvent{
				ID:             uuid.New().String(),
				Collection:     collection,
				Op:             OpResync,
				ConversationID: filter.ConversationID,
				At:             time.Now().UTC(),
			})
		case *redis.Message:
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				n.logger.Warn("skipping malformed change event", "channel", m.Channel, "error", err)
				continue
			}
			if !filter.Matches(ev) || ctx.Err() != nil {
				continue
			}
			fn(ev)
		}
	}
}

// Close closes every open subscription and the client.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[string]*redis.PubSub)
	n.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return n.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
