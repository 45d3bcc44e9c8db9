// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, message persistence, ordering and cascade delete

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpenSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := OpenSQLiteStore("postgres", filepath.Join(t.TempDir(), "test.db"))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Hello there")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected store-assigned ID")
	}
	if conv.CreatedAt.IsZero() {
		t.Fatal("expected store-assigned CreatedAt")
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != "Hello there" {
		t.Errorf("Title mismatch: got %q, want %q", got.Title, "Hello there")
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
}

func TestCreateConversation_DefaultTitle(t *testing.T) {
	store := newTestStore(t)

	conv, err := store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConversationTitle, conv.Title)
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetConversation(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	title := "Renamed"
	require.NoError(t, store.UpdateConversation(ctx, conv.ID, ConversationUpdate{Title: &title}))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.True(t, got.CreatedAt.Equal(conv.CreatedAt), "CreatedAt must not change on update")
}

func TestUpdateConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	title := "x"

	err := store.UpdateConversation(context.Background(), "missing", ConversationUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.UpdateConversation(context.Background(), "missing", ConversationUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateConversation(ctx, "first")
	require.NoError(t, err)
	second, err := store.CreateConversation(ctx, "second")
	require.NoError(t, err)
	third, err := store.CreateConversation(ctx, "third")
	require.NoError(t, err)

	list, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, third.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, first.ID, list[2].ID)
}

func TestListConversations_Empty(t *testing.T) {
	store := newTestStore(t)

	list, err := store.ListConversations(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestAddMessage_AssignsIDAndTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	msg, err := store.AddMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        "Hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.NotNil(t, msg.Metadata.Steps)
	assert.Empty(t, msg.Metadata.Steps)
}

func TestAddMessage_UnknownConversation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AddMessage(context.Background(), &Message{
		ConversationID: "missing",
		Role:           RoleUser,
		Content:        "Hello",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMessage_InvalidRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           Role("system"),
		Content:        "nope",
	})
	assert.Error(t, err)
}

func TestListMessages_ChronologicalWithSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	// Written back to back so several share a wall-clock tick.
	for i, content := range []string{"one", "two", "three", "four"} {
		role := RoleUser
		var meta Metadata
		if i%2 == 1 {
			role = RoleAssistant
			meta.Steps = []string{"Step 1 completed", "Step 2 completed"}
		}
		_, err := store.AddMessage(ctx, &Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        content,
			Metadata:       meta,
		})
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "three", msgs[2].Content)
	assert.Equal(t, "four", msgs[3].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, []string{"Step 1 completed", "Step 2 completed"}, msgs[1].Metadata.Steps)

	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp),
			"timestamps must be strictly increasing")
	}
}

func TestListMessages_ScopedToConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateConversation(ctx, "a")
	require.NoError(t, err)
	b, err := store.CreateConversation(ctx, "b")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, &Message{ConversationID: a.ID, Role: RoleUser, Content: "in a"})
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, &Message{ConversationID: b.ID, Role: RoleUser, Content: "in b"})
	require.NoError(t, err)

	msgs, err := store.ListMessages(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "in a", msgs[0].Content)
}

func TestDeleteConversation_CascadesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, &Message{ConversationID: conv.ID, Role: RoleUser, Content: "bye"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteConversation_MissingIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.DeleteConversation(context.Background(), "missing"))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv, err := first.CreateConversation(ctx, "kept")
	require.NoError(t, err)
	old, err := first.AddMessage(ctx, &Message{ConversationID: conv.ID, Role: RoleUser, Content: "before"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	fresh, err := second.AddMessage(ctx, &Message{ConversationID: conv.ID, Role: RoleAssistant, Content: "after"})
	require.NoError(t, err)
	assert.True(t, fresh.Timestamp.After(old.Timestamp))

	msgs, err := second.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "before", msgs[0].Content)
	assert.Equal(t, "after", msgs[1].Content)
}

func TestStampClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &stampClock{now: func() time.Time { return fixed }}

	a := c.next()
	b := c.next()
	assert.Equal(t, fixed, a)
	assert.Equal(t, fixed.Add(time.Microsecond), b)

	c.observe(fixed.Add(time.Hour))
	assert.Equal(t, fixed.Add(time.Hour+time.Microsecond), c.next())
}
