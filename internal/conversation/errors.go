// ABOUTME: Error values surfaced by the conversation caches and the turn session
// ABOUTME: Sentinels for validation, typed errors for store writes and agent calls

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrEmptyInput is returned when a submitted message is empty or whitespace only.
	ErrEmptyInput = errors.New("message is empty")

	// ErrTurnInFlight is returned when a submit arrives while a turn is running.
	ErrTurnInFlight = errors.New("a turn is already in flight")

	// ErrNoActiveConversation is returned when appending with no conversation in scope.
	// It matches store.ErrNotFound.
	ErrNoActiveConversation = fmt.Errorf("no active conversation: %w", store.ErrNotFound)
)

// WriteError is returned when a store write fails for a reason other than a
// missing record.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// AgentRequestError is returned when the agent call of a turn fails.
type AgentRequestError struct {
	Err error
}

func (e *AgentRequestError) Error() string {
	return "failed to get response from agent: " + e.Err.Error()
}

func (e *AgentRequestError) Unwrap() error {
	return e.Err
}

// writeErr classifies a store write failure. Missing records keep their
// ErrNotFound identity; everything else becomes a *WriteError.
func writeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &WriteError{Op: op, Err: err}
}
