// Package conversation is the client-side synchronisation and turn
// orchestration layer of coven-chat.
//
// # Overview
//
// It keeps in-memory copies of conversations and messages consistent with a
// store.Backend, and sequences requests to the agent:
//
//	user intent -> Session / ConversationStore write -> backend
//	            -> change notification -> full reload -> listener -> re-render
//
// # ConversationStore
//
// Caches every conversation, newest first (ties by id). Any change
// notification on the conversations collection replaces the cache
// wholesale. Create reloads immediately; Update patches the cached copy;
// Remove drops it.
//
// # MessageStore
//
// Caches the messages of one conversation, oldest first. SetScope clears the
// cache, releases the previous subscription and subscribes to the new
// conversation only. Each scope change bumps a generation tag and each load
// takes a sequence number; a result is applied only if its generation is
// current and no later load was applied. Append never touches the cache.
//
// # Session
//
// One turn at a time:
//
//	Idle -> Submitting -> AwaitingAgent -> Finalizing -> Idle
//	                   \-> Failed -> Idle
//
// The agent receives the history as it was before the turn's user message.
// The first message of a conversation also becomes its title (first 50
// runes); a failed title update does not fail the turn.
//
// # Errors
//
//   - ErrEmptyInput, ErrTurnInFlight: submit rejected, nothing changed
//   - ErrNoActiveConversation: append with nothing in scope (is store.ErrNotFound)
//   - *WriteError: a store write failed
//   - *AgentRequestError: the agent call failed; no assistant message is written
//
// Errors are returned to the caller and also recorded in the Err() of the
// component that hit them.
package conversation
