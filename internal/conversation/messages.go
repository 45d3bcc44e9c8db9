// ABOUTME: MessageStore caches the ordered messages of the one conversation in scope
// ABOUTME: Scope changes bump a generation tag so late loads for an old scope are dropped

package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// MessageStore holds the message history of at most one conversation. The
// cache is only ever filled by loads; Append does not touch it, the change
// notification that follows the write is what makes a message visible.
type MessageStore struct {
	backend       store.Backend
	logger        *slog.Logger
	reloadTimeout time.Duration

	mu          sync.Mutex
	base        context.Context
	scope       string
	gen         uint64 // bumped on every scope change
	started     uint64 // last load sequence number handed out
	applied     uint64 // last load sequence number whose result was applied
	items       []*store.Message
	loading     bool
	err         error
	listener    func()
	scopeCtx    context.Context
	cancelScope context.CancelFunc
	unsubscribe func()
}

// NewMessageStore creates a store with no conversation in scope.
func NewMessageStore(backend store.Backend, opts ...Option) *MessageStore {
	o := buildOptions("message_store", opts)
	return &MessageStore{
		backend:       backend,
		logger:        o.logger,
		reloadTimeout: o.reloadTimeout,
		base:          context.Background(),
		items:         []*store.Message{},
	}
}

// Start sets the lifetime context that scoped subscriptions derive from.
// When ctx ends the current subscription is released.
func (s *MessageStore) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
}

// SetListener registers fn to run after every cache change.
func (s *MessageStore) SetListener(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// SetScope switches to conversationID, or to no conversation for "". The
// cache, loading state and error are cleared and the previous subscription
// released before SetScope does any I/O. For a non-empty id a scoped
// subscription is acquired and the history loaded with ctx.
func (s *MessageStore) SetScope(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.scope = conversationID
	s.items = []*store.Message{}
	s.loading = false
	s.err = nil
	prevUnsub, prevCancel := s.unsubscribe, s.cancelScope
	s.unsubscribe, s.cancelScope, s.scopeCtx = nil, nil, nil
	var scopeCtx context.Context
	if conversationID != "" {
		var cancel context.CancelFunc
		scopeCtx, cancel = context.WithCancel(s.base)
		s.scopeCtx, s.cancelScope = scopeCtx, cancel
	}
	s.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if prevCancel != nil {
		prevCancel()
	}
	s.notify()

	if conversationID == "" {
		s.logger.Debug("message scope cleared")
		return nil
	}

	unsub, subErr := s.backend.Subscribe(scopeCtx, store.CollectionMessages,
		store.Filter{ConversationID: conversationID},
		func() { s.onChange(gen) })
	if subErr != nil {
		s.logger.Warn("failed to subscribe to messages", "conversation_id", conversationID, "error", subErr)
	} else {
		s.mu.Lock()
		if s.gen != gen {
			// scope moved on while subscribing
			s.mu.Unlock()
			unsub()
			return nil
		}
		s.unsubscribe = unsub
		s.mu.Unlock()
	}

	s.logger.Debug("message scope set", "conversation_id", conversationID)
	if err := s.load(ctx, gen); err != nil {
		return err
	}
	if subErr != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.err = subErr
		}
		s.mu.Unlock()
		s.notify()
	}
	return subErr
}

// Scope returns the conversation in scope, or "".
func (s *MessageStore) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// List returns a copy of the cached messages, oldest first.
func (s *MessageStore) List() []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMessages(s.items)
}

// Loading reports whether a load for the current scope is outstanding.
func (s *MessageStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last error for the current scope.
func (s *MessageStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns the scope and a copy of its cached messages, read
// together so the history always belongs to the returned scope.
func (s *MessageStore) Snapshot() (string, []*store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, copyMessages(s.items)
}

// Append writes a message to the conversation in scope and returns the
// stored record. The cache is not updated here.
func (s *MessageStore) Append(ctx context.Context, role store.Role, content string, metadata store.Metadata) (*store.Message, error) {
	return s.AppendTo(ctx, s.Scope(), role, content, metadata)
}

// AppendTo writes a message to conversationID whatever the current scope is.
// The write error is recorded in Err() only while conversationID is in scope.
func (s *MessageStore) AppendTo(ctx context.Context, conversationID string, role store.Role, content string, metadata store.Metadata) (*store.Message, error) {
	if conversationID == "" {
		s.mu.Lock()
		s.err = ErrNoActiveConversation
		s.mu.Unlock()
		s.notify()
		return nil, ErrNoActiveConversation
	}

	msg, err := s.backend.AddMessage(ctx, &store.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
	})

	s.mu.Lock()
	inScope := s.scope == conversationID
	if err != nil {
		err = writeErr("save message", err)
		if inScope {
			s.err = err
		}
	} else if inScope {
		s.err = nil
	}
	s.mu.Unlock()

	if inScope {
		s.notify()
	}
	if err != nil {
		s.logger.Warn("failed to append message", "conversation_id", conversationID, "role", role, "error", err)
		return nil, err
	}
	return msg, nil
}

// Reload reloads the current scope's history.
func (s *MessageStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	gen, scope := s.gen, s.scope
	s.mu.Unlock()
	if scope == "" {
		return nil
	}
	return s.load(ctx, gen)
}

// reloadIfScope reloads conversationID's history if it is still the scope.
func (s *MessageStore) reloadIfScope(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	gen, scope := s.gen, s.scope
	s.mu.Unlock()
	if scope == "" || scope != conversationID {
		return nil
	}
	if s.reloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reloadTimeout)
		defer cancel()
	}
	return s.load(ctx, gen)
}

// Close clears the scope and releases its subscription.
func (s *MessageStore) Close() {
	_ = s.SetScope(context.Background(), "")
}

// load fetches the history for gen's scope. Results are applied only if the
// scope is unchanged and no later-started load has already been applied.
func (s *MessageStore) load(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.started++
	seq := s.started
	scope := s.scope
	s.loading = true
	s.mu.Unlock()

	msgs, err := s.backend.ListMessages(ctx, scope)

	s.mu.Lock()
	if s.gen != gen || seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("discarding stale message load", "conversation_id", scope, "seq", seq)
		return nil
	}
	s.applied = seq
	s.loading = s.applied < s.started
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.logger.Warn("failed to load messages", "conversation_id", scope, "error", err)
		s.notify()
		return err
	}
	sortMessages(msgs)
	s.items = msgs
	s.err = nil
	s.mu.Unlock()

	s.logger.Debug("messages reloaded", "conversation_id", scope, "count", len(msgs))
	s.notify()
	return nil
}

// onChange runs on the subscription's goroutine for the scope tagged gen.
func (s *MessageStore) onChange(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.scopeCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.scopeCtx
	s.mu.Unlock()

	if s.reloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reloadTimeout)
		defer cancel()
	}
	_ = s.load(ctx, gen)
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	fn := s.listener
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// sortMessages orders by timestamp ascending, ties by id ascending.
func sortMessages(msgs []*store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func copyMessages(msgs []*store.Message) []*store.Message {
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		cp.Metadata.Steps = append([]string{}, m.Metadata.Steps...)
		out[i] = &cp
	}
	return out
}
