// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures or block reads

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names accepted by MockStore.FailWith.
const (
	OpCreateConversation = "CreateConversation"
	OpGetConversation    = "GetConversation"
	OpUpdateConversation = "UpdateConversation"
	OpDeleteConversation = "DeleteConversation"
	OpListConversations  = "ListConversations"
	OpAddMessage         = "AddMessage"
	OpListMessages       = "ListMessages"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	failures      map[string]error
	calls         map[string]int
	clock         *stampClock

	// BeforeListMessages, when set, runs before ListMessages reads state.
	// Tests use it to hold a load open while the scope changes.
	BeforeListMessages func(conversationID string)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		clock:         newStampClock(),
	}
}

// FailWith makes every later call of op return err. A nil err clears it.
func (m *MockStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op has been invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// begin records a call and returns the injected failure, if any.
// Caller must hold m.mu.
func (m *MockStore) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateConversation); err != nil {
		return nil, err
	}
	if title == "" {
		title = DefaultConversationTitle
	}
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: m.clock.next(),
	}
	m.conversations[conv.ID] = conv

	result := *conv
	return &result, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpGetConversation); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *c
	return &result, nil
}

// UpdateConversation applies the non-nil fields of update.
func (m *MockStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpUpdateConversation); err != nil {
		return err
	}
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if update.Title != nil {
		c.Title = *update.Title
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpDeleteConversation); err != nil {
		return err
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// ListConversations returns all conversations, newest first.
func (m *MockStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpListConversations); err != nil {
		return nil, err
	}
	result := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// AddMessage stores a message with a fresh ID and timestamp.
func (m *MockStore) AddMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpAddMessage); err != nil {
		return nil, err
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return nil, ErrNotFound
	}

	stored := *msg
	stored.ID = uuid.New().String()
	stored.Metadata = normalizeMetadata(msg.Metadata)
	stored.Timestamp = m.clock.next()
	m.messages[stored.ConversationID] = append(m.messages[stored.ConversationID], &stored)

	result := stored
	result.Metadata = normalizeMetadata(stored.Metadata)
	return &result, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if hook := m.BeforeListMessages; hook != nil {
		hook(conversationID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpListMessages); err != nil {
		return nil, err
	}
	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		cp.Metadata = normalizeMetadata(msg.Metadata)
		result[i] = &cp
	}
	return result, nil
}

// Seed inserts a conversation with a fixed ID and creation time.
func (m *MockStore) Seed(id, title string, createdAt time.Time) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := &Conversation{ID: id, Title: title, CreatedAt: createdAt.UTC()}
	m.conversations[id] = conv
	m.clock.observe(createdAt)

	result := *conv
	return &result
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
