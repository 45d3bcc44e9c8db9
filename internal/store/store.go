// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message, change events and the Backend sync contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrTransport is returned when the store could not be reached or answered
// with something other than a well-formed result.
var ErrTransport = errors.New("store transport error")

// ErrNotifierClosed is returned when publishing to or subscribing on a closed notifier.
var ErrNotifierClosed = errors.New("notifier closed")

// UnknownCollectionError is returned for a subscription on a collection that does not exist.
type UnknownCollectionError struct {
	Collection Collection
}

func (e *UnknownCollectionError) Error() string {
	return "unknown collection: " + string(e.Collection)
}

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New Conversation"

// Collection names one of the two synchronised record sets.
type Collection string

const (
	CollectionConversations Collection = "conversations"
	CollectionMessages      Collection = "messages"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == CollectionConversations || c == CollectionMessages
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is a titled thread of messages between the user and the agent.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata holds per-message extras. Steps is only populated on assistant messages.
type Metadata struct {
	Steps []string `json:"steps"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Metadata       Metadata  `json:"metadata"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationUpdate carries the fields to change on a conversation.
// Nil fields are left untouched.
type ConversationUpdate struct {
	Title *string `json:"title,omitempty"`
}

// ChangeOp is the kind of write that produced a change event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
	// OpResync is raised locally after a notifier reconnects. Writes made
	// while it was disconnected may not have been announced.
	OpResync ChangeOp = "resync"
)

// ChangeEvent describes a committed write. Subscribers of the Backend only
// learn that something changed; the event fields are used for routing.
type ChangeEvent struct {
	ID             string     `json:"id"`
	Collection     Collection `json:"collection"`
	Op             ChangeOp   `json:"op"`
	RecordID       string     `json:"record_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	At             time.Time  `json:"at"`
}

// Filter narrows a subscription. The zero value matches every event of the collection.
type Filter struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.ConversationID == "" {
		return true
	}
	return ev.ConversationID == f.ConversationID
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// Messages
	AddMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}

// Subscriber delivers payload-free change notifications for a collection.
// The returned function releases the subscription and is safe to call more
// than once. The subscription is also released when ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, collection Collection, filter Filter, onChange func()) (func(), error)
}

// Backend is a Store whose writes can be observed. It is the remote source
// of truth that the client-side caches synchronise against.
type Backend interface {
	Store
	Subscriber
}

// Notifier fans committed change events out to interested parties.
type Notifier interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, collection Collection, filter Filter, fn func(ChangeEvent)) (func(), error)
	Close() error
}
