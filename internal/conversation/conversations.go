// ABOUTME: ConversationStore is the client-side cache of all conversations
// ABOUTME: Writes go to the backend; any change notification triggers a full reload

package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// ConversationStore caches every conversation, most recently created first.
// It never holds its lock across backend I/O.
type ConversationStore struct {
	backend       store.Backend
	logger        *slog.Logger
	reloadTimeout time.Duration

	mu          sync.Mutex
	items       []*store.Conversation
	loading     bool
	err         error
	listener    func()
	life        context.Context
	unsubscribe func()
	started     uint64 // last load sequence number handed out
	applied     uint64 // last load sequence number whose result was applied
}

// NewConversationStore creates an empty cache over backend. Call Start to
// load and subscribe.
func NewConversationStore(backend store.Backend, opts ...Option) *ConversationStore {
	o := buildOptions("conversation_store", opts)
	return &ConversationStore{
		backend:       backend,
		logger:        o.logger,
		reloadTimeout: o.reloadTimeout,
		items:         []*store.Conversation{},
		life:          context.Background(),
	}
}

// SetListener registers fn to run after every cache change. fn runs without
// the store's lock held and may call List.
func (s *ConversationStore) SetListener(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Start acquires the change subscription and performs the initial load.
// The subscription lives until Close or until ctx ends. Calling Start again
// releases the previous subscription first.
func (s *ConversationStore) Start(ctx context.Context) error {
	s.mu.Lock()
	prev := s.unsubscribe
	s.unsubscribe = nil
	s.life = ctx
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	unsub, err := s.backend.Subscribe(ctx, store.CollectionConversations, store.Filter{}, s.onChange)
	if err != nil {
		s.logger.Warn("failed to subscribe to conversations", "error", err)
		s.setErr(err)
	} else {
		s.mu.Lock()
		s.unsubscribe = unsub
		s.mu.Unlock()
		s.logger.Debug("subscribed to conversations")
	}

	if loadErr := s.Reload(ctx); loadErr != nil {
		return loadErr
	}
	return err
}

// Close releases the subscription. The cache keeps its last contents.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// List returns a copy of the cached conversations.
func (s *ConversationStore) List() []*store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Conversation, len(s.items))
	for i, c := range s.items {
		cp := *c
		out[i] = &cp
	}
	return out
}

// Get returns the cached conversation with id.
func (s *ConversationStore) Get(id string) (*store.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.ID == id {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// Loading reports whether a load is outstanding.
func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last error, cleared by the next successful load or write.
func (s *ConversationStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reload replaces the cache with the backend's current list. A load that
// finishes after a later-started load has been applied is discarded.
func (s *ConversationStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	s.started++
	seq := s.started
	s.loading = true
	s.mu.Unlock()

	convs, err := s.backend.ListConversations(ctx)

	s.mu.Lock()
	if seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("discarding out-of-order conversation load", "seq", seq)
		return nil
	}
	s.applied = seq
	s.loading = s.applied < s.started
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.logger.Warn("failed to load conversations", "error", err)
		s.notify()
		return err
	}
	sortConversations(convs)
	s.items = convs
	s.err = nil
	s.mu.Unlock()

	s.logger.Debug("conversations reloaded", "count", len(convs))
	s.notify()
	return nil
}

// Create writes a new conversation and reconciles the cache immediately so
// it is listed before the change notification arrives. An empty title
// becomes store.DefaultConversationTitle.
func (s *ConversationStore) Create(ctx context.Context, title string) (*store.Conversation, error) {
	if title == "" {
		title = store.DefaultConversationTitle
	}
	conv, err := s.backend.CreateConversation(ctx, title)
	if err != nil {
		werr := writeErr("create conversation", err)
		s.setErr(werr)
		return nil, werr
	}

	if err := s.Reload(ctx); err != nil {
		// The write succeeded; keep it visible until the next load.
		s.mu.Lock()
		if !containsConversation(s.items, conv.ID) {
			cp := *conv
			s.items = append(s.items, &cp)
			sortConversations(s.items)
		}
		s.mu.Unlock()
		s.notify()
	}

	s.logger.Info("conversation created", "id", conv.ID)
	return conv, nil
}

// Update applies update to the conversation and patches the cached copy in
// place without a reload.
func (s *ConversationStore) Update(ctx context.Context, id string, update store.ConversationUpdate) error {
	if err := s.backend.UpdateConversation(ctx, id, update); err != nil {
		werr := writeErr("update conversation", err)
		s.setErr(werr)
		return werr
	}

	s.mu.Lock()
	for _, c := range s.items {
		if c.ID == id && update.Title != nil {
			c.Title = *update.Title
		}
	}
	s.err = nil
	s.mu.Unlock()

	s.notify()
	return nil
}

// Remove deletes the conversation (the backend cascades to its messages)
// and drops it from the cache.
func (s *ConversationStore) Remove(ctx context.Context, id string) error {
	if err := s.backend.DeleteConversation(ctx, id); err != nil {
		werr := writeErr("delete conversation", err)
		s.setErr(werr)
		return werr
	}

	s.mu.Lock()
	kept := s.items[:0:0]
	for _, c := range s.items {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	s.items = kept
	s.err = nil
	s.mu.Unlock()

	s.logger.Info("conversation deleted", "id", id)
	s.notify()
	return nil
}

// onChange runs on the subscription's goroutine.
func (s *ConversationStore) onChange() {
	s.mu.Lock()
	ctx := s.life
	s.mu.Unlock()

	if s.reloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reloadTimeout)
		defer cancel()
	}
	_ = s.Reload(ctx)
}

func (s *ConversationStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.notify()
}

func (s *ConversationStore) notify() {
	s.mu.Lock()
	fn := s.listener
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// sortConversations orders by creation time descending, ties by id ascending.
func sortConversations(convs []*store.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}

func containsConversation(convs []*store.Conversation, id string) bool {
	for _, c := range convs {
		if c.ID == id {
			return true
		}
	}
	return false
}
