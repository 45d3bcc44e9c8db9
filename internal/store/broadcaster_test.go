// ABOUTME: Tests for Broadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, filters, unsubscribe, context cancellation, concurrency

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id string, collection Collection, convID string) ChangeEvent {
	return ChangeEvent{
		ID:             id,
		Collection:     collection,
		Op:             OpInsert,
		RecordID:       id,
		ConversationID: convID,
		At:             time.Now().UTC(),
	}
}

func collect(t *testing.T) (func(ChangeEvent), <-chan ChangeEvent) {
	t.Helper()
	ch := make(chan ChangeEvent, 16)
	return func(ev ChangeEvent) { ch <- ev }, ch
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	fn, ch := collect(t)
	_, err := b.Subscribe(t.Context(), CollectionMessages, Filter{}, fn)
	require.NoError(t, err)

	require.NoError(t, b.Publish(t.Context(), makeEvent("evt-1", CollectionMessages, "c1")))

	select {
	case received := <-ch:
		assert.Equal(t, "evt-1", received.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var chans []<-chan ChangeEvent
	for range 3 {
		fn, ch := collect(t)
		_, err := b.Subscribe(t.Context(), CollectionConversations, Filter{}, fn)
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	require.NoError(t, b.Publish(t.Context(), makeEvent("evt-2", CollectionConversations, "c1")))

	for i, ch := range chans {
		select {
		case received := <-ch:
			assert.Equal(t, "evt-2", received.ID, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_CollectionAndFilterIsolation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	fn, ch := collect(t)
	_, err := b.Subscribe(t.Context(), CollectionMessages, Filter{ConversationID: "c1"}, fn)
	require.NoError(t, err)

	require.NoError(t, b.Publish(t.Context(), makeEvent("other-conv", CollectionMessages, "c2")))
	require.NoError(t, b.Publish(t.Context(), makeEvent("other-coll", CollectionConversations, "c1")))
	require.NoError(t, b.Publish(t.Context(), makeEvent("match", CollectionMessages, "c1")))

	select {
	case received := <-ch:
		assert.Equal(t, "match", received.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_EventsArriveInPublishOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	fn, ch := collect(t)
	_, err := b.Subscribe(t.Context(), CollectionMessages, Filter{}, fn)
	require.NoError(t, err)

	ids := []string{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		require.NoError(t, b.Publish(t.Context(), makeEvent(id, CollectionMessages, "c")))
	}

	for _, want := range ids {
		select {
		case got := <-ch:
			assert.Equal(t, want, got.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var count atomic.Int32
	cancel, err := b.Subscribe(t.Context(), CollectionMessages, Filter{}, func(ChangeEvent) { count.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(CollectionMessages))

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, b.SubscriberCount(CollectionMessages))

	require.NoError(t, b.Publish(t.Context(), makeEvent("late", CollectionMessages, "c")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, CollectionConversations, Filter{}, func(ChangeEvent) {})
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount(CollectionConversations))

	cancel()

	assert.Eventually(t, func() bool {
		return b.SubscriberCount(CollectionConversations) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_UnknownCollection(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, err := b.Subscribe(t.Context(), Collection("threads"), Filter{}, func(ChangeEvent) {})
	var unknown *UnknownCollectionError
	assert.ErrorAs(t, err, &unknown)
}

func TestBroadcaster_ClosedRejects(t *testing.T) {
	b := NewBroadcaster(nil)
	require.NoError(t, b.Close())

	_, err := b.Subscribe(t.Context(), CollectionMessages, Filter{}, func(ChangeEvent) {})
	assert.ErrorIs(t, err, ErrNotifierClosed)
	assert.ErrorIs(t, b.Publish(t.Context(), makeEvent("x", CollectionMessages, "")), ErrNotifierClosed)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel, err := b.Subscribe(t.Context(), CollectionMessages, Filter{}, func(ChangeEvent) {})
			if err != nil {
				return
			}
			for j := range 10 {
				_ = b.Publish(t.Context(), makeEvent(string(rune('a'+i))+string(rune('0'+j)), CollectionMessages, ""))
			}
			cancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.SubscriberCount(CollectionMessages))
}
