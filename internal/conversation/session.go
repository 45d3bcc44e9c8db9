// ABOUTME: Session sequences one user turn: persist the user message, call the agent, persist the reply
// ABOUTME: At most one turn is in flight; failures leave the session reusable with Err() set

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/store"
)

// TitleMaxRunes is how much of the first message becomes the conversation title.
const TitleMaxRunes = 50

// State is the phase of the current turn.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingAgent
	StateFinalizing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingAgent:
		return "awaiting_agent"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome tells the caller what a Submit did.
type Outcome int

const (
	// OutcomeIgnored: nothing happened (empty input or a turn in flight).
	OutcomeIgnored Outcome = iota
	// OutcomeConversationCreated: no conversation was selected, so one was
	// created and selected. The message was not sent; resubmit it.
	OutcomeConversationCreated
	// OutcomeReplied: the user message and the agent's reply were stored.
	OutcomeReplied
	// OutcomeFailed: the turn failed; see the returned error or Err().
	OutcomeFailed
)

// AgentRunner is what the session needs from the agent layer.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResponse, error)
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Conversations *ConversationStore
	Messages      *MessageStore
	Agent         AgentRunner
	Logger        *slog.Logger

	// OnState, when set, is called on every state transition.
	OnState func(State)
}

// Session drives user turns against the selected conversation.
type Session struct {
	conversations *ConversationStore
	messages      *MessageStore
	agent         AgentRunner
	logger        *slog.Logger
	onState       func(State)

	mu       sync.Mutex
	state    State
	inFlight bool
	err      error
}

// NewSession creates a session in the Idle state.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		agent:         cfg.Agent,
		logger:        logger.With("component", "session"),
		onState:       cfg.OnState,
	}
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Err returns the error of the last failed turn, cleared by the next accepted submit.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active returns the selected conversation id, or "".
func (s *Session) Active() string {
	return s.messages.Scope()
}

// Submit runs one turn with text. The agent receives the history as it was
// before this turn's user message was written.
func (s *Session) Submit(ctx context.Context, text string) (Outcome, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return OutcomeIgnored, ErrEmptyInput
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return OutcomeIgnored, ErrTurnInFlight
	}
	s.inFlight = true
	s.err = nil
	s.mu.Unlock()
	defer s.finish()

	convID, history := s.messages.Snapshot()
	if convID == "" {
		conv, err := s.NewConversation(ctx)
		if err != nil {
			s.recordErr(err)
			return OutcomeFailed, err
		}
		s.logger.Info("created conversation for submit", "conversation_id", conv.ID)
		return OutcomeConversationCreated, nil
	}

	s.transition(StateSubmitting)

	// Every write of the turn goes to convID, even if another conversation
	// is selected while the agent is working.
	if _, err := s.messages.AppendTo(ctx, convID, store.RoleUser, trimmed, store.Metadata{}); err != nil {
		return s.fail(err)
	}
	defer s.settle(ctx, convID)

	if len(history) == 0 {
		title := TitleFromMessage(trimmed)
		if err := s.conversations.Update(ctx, convID, store.ConversationUpdate{Title: &title}); err != nil {
			// surfaced through the conversation store's Err()
			s.logger.Warn("failed to set conversation title", "conversation_id", convID, "error", err)
		}
	}

	s.transition(StateAwaitingAgent)
	start := time.Now()
	resp, err := s.agent.Run(ctx, &agent.RunRequest{
		ConversationID: convID,
		Message:        trimmed,
		History:        historyTurns(history),
	})
	if err != nil {
		return s.fail(&AgentRequestError{Err: err})
	}
	s.logger.Debug("agent replied", "conversation_id", convID, "steps", len(resp.Steps), "duration", time.Since(start))

	s.transition(StateFinalizing)
	steps := resp.Steps
	if steps == nil {
		steps = []string{}
	}
	if _, err := s.messages.AppendTo(ctx, convID, store.RoleAssistant, resp.Response, store.Metadata{Steps: steps}); err != nil {
		return s.fail(err)
	}

	return OutcomeReplied, nil
}

// Select makes id the active conversation.
func (s *Session) Select(ctx context.Context, id string) error {
	return s.messages.SetScope(ctx, id)
}

// NewConversation creates a conversation and selects it.
func (s *Session) NewConversation(ctx context.Context) (*store.Conversation, error) {
	conv, err := s.conversations.Create(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := s.messages.SetScope(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// DeleteConversation deletes id. If it was active, the first remaining
// conversation is selected, or none.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	if err := s.conversations.Remove(ctx, id); err != nil {
		return err
	}
	if s.messages.Scope() != id {
		return nil
	}
	next := ""
	if remaining := s.conversations.List(); len(remaining) > 0 {
		next = remaining[0].ID
	}
	return s.messages.SetScope(ctx, next)
}

// settle reloads convID's history before the session returns to Idle, so
// the next turn's snapshot includes this one without waiting for the
// change notification.
func (s *Session) settle(ctx context.Context, convID string) {
	if err := s.messages.reloadIfScope(context.WithoutCancel(ctx), convID); err != nil {
		s.logger.Warn("failed to refresh messages after turn", "conversation_id", convID, "error", err)
	}
}

func (s *Session) fail(err error) (Outcome, error) {
	s.recordErr(err)
	s.transition(StateFailed)
	s.logger.Warn("turn failed", "error", err)
	return OutcomeFailed, err
}

func (s *Session) recordErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// finish returns to Idle and clears the in-flight guard.
func (s *Session) finish() {
	s.mu.Lock()
	s.inFlight = false
	changed := s.state != StateIdle
	s.state = StateIdle
	fn := s.onState
	s.mu.Unlock()
	if changed && fn != nil {
		fn(StateIdle)
	}
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	s.state = next
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(next)
	}
}

// TitleFromMessage returns the first TitleMaxRunes runes of text.
func TitleFromMessage(text string) string {
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes])
}

func historyTurns(msgs []*store.Message) []agent.Turn {
	turns := make([]agent.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = agent.Turn{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if !m.Timestamp.IsZero() {
			turns[i].Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
		}
	}
	return turns
}
