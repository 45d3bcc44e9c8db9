// ABOUTME: Tests for the remote store server and client
// ABOUTME: Round-trips CRUD over httptest and exercises the subscribe socket, dedupe and reconnect

package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func newTestPair(t *testing.T) (*Client, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	b := store.NewBroadcaster(nil)
	t.Cleanup(func() { b.Close() })

	srv := NewServer(ms, b, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, nil, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, ms
}

func TestNewClient_RejectsBadScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com", nil)
	assert.Error(t, err)
}

func TestClient_Health(t *testing.T) {
	c, _ := newTestPair(t)
	assert.NoError(t, c.Health(context.Background()))
}

func TestClient_ConversationCRUD(t *testing.T) {
	c, _ := newTestPair(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultConversationTitle, conv.Title)
	assert.NotEmpty(t, conv.ID)

	title := "Renamed"
	require.NoError(t, c.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{Title: &title}))

	got, err := c.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.True(t, got.CreatedAt.Equal(conv.CreatedAt))

	list, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.DeleteConversation(ctx, conv.ID))
	_, err = c.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClient_Messages(t *testing.T) {
	c, _ := newTestPair(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = c.AddMessage(ctx, &store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "hi"})
	require.NoError(t, err)
	stored, err := c.AddMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        "hello",
		Metadata:       store.Metadata{Steps: []string{"Step 1 completed"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	msgs, err := c.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, []string{"Step 1 completed"}, msgs[1].Metadata.Steps)
}

func TestClient_AddMessageUnknownConversation(t *testing.T) {
	c, _ := newTestPair(t)

	_, err := c.AddMessage(context.Background(), &store.Message{ConversationID: "missing", Role: store.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClient_InvalidRoleIsTransportError(t *testing.T) {
	c, ms := newTestPair(t)
	conv, err := ms.CreateConversation(context.Background(), "")
	require.NoError(t, err)

	_, err = c.AddMessage(context.Background(), &store.Message{ConversationID: conv.ID, Role: "system", Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTransport)
	assert.Contains(t, err.Error(), "role must be user or assistant")
}

func TestClient_ServerFailureIsTransportError(t *testing.T) {
	c, ms := newTestPair(t)
	ms.FailWith(store.OpListConversations, errors.New("db locked"))

	_, err := c.ListConversations(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTransport)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_UnreachableIsTransportError(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", nil)
	require.NoError(t, err)

	_, err = c.ListConversations(context.Background())
	assert.ErrorIs(t, err, store.ErrTransport)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := NewServer(store.NewMockStore(), store.NewBroadcaster(nil), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SubscribeRejectsUnknownCollection(t *testing.T) {
	srv := NewServer(store.NewMockStore(), store.NewBroadcaster(nil), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/subscribe?collection=threads")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_SubscribeReceivesFilteredChanges(t *testing.T) {
	c, _ := newTestPair(t)
	ctx := context.Background()

	a, err := c.CreateConversation(ctx, "a")
	require.NoError(t, err)
	b, err := c.CreateConversation(ctx, "b")
	require.NoError(t, err)

	var count atomic.Int32
	cancel, err := c.Subscribe(t.Context(), store.CollectionMessages, store.Filter{ConversationID: a.ID}, func() {
		count.Add(1)
	})
	require.NoError(t, err)
	defer cancel()

	_, err = c.AddMessage(ctx, &store.Message{ConversationID: b.ID, Role: store.RoleUser, Content: "elsewhere"})
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, &store.Message{ConversationID: a.ID, Role: store.RoleUser, Content: "here"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestClient_SubscribeCancelStopsCallbacks(t *testing.T) {
	c, _ := newTestPair(t)
	ctx := context.Background()

	var count atomic.Int32
	cancel, err := c.Subscribe(t.Context(), store.CollectionConversations, store.Filter{}, func() {
		count.Add(1)
	})
	require.NoError(t, err)

	cancel()

	_, err = c.CreateConversation(ctx, "after cancel")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

// scriptedServer sends ready, then the given change event IDs, then drops
// the socket. Later connections only get ready.
func scriptedServer(t *testing.T, ids []string, connects *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/subscribe") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := connects.Add(1)
		_ = conn.WriteJSON(Frame{Type: FrameReady})
		if n > 1 {
			// keep the second connection open until the client leaves
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, id := range ids {
			ev := store.ChangeEvent{ID: id, Collection: store.CollectionMessages, Op: store.OpInsert}
			_ = conn.WriteJSON(Frame{Type: FrameChange, Event: &ev})
		}
	}))
}

func TestClient_SubscribeDedupesAndNotifiesAfterReconnect(t *testing.T) {
	var connects atomic.Int32
	ts := scriptedServer(t, []string{"e1", "e1", "e2"}, &connects)
	defer ts.Close()

	c, err := NewClient(ts.URL, nil, WithBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	var count atomic.Int32
	cancel, err := c.Subscribe(t.Context(), store.CollectionMessages, store.Filter{}, func() {
		count.Add(1)
	})
	require.NoError(t, err)
	defer cancel()

	// e1 and e2 once each, then one catch-up call after the reconnect.
	assert.Eventually(t, func() bool {
		return count.Load() == 3 && connects.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}
