// ABOUTME: Backend that pairs a Store with a Notifier
// ABOUTME: Publishes a ChangeEvent after every committed write and reduces them to onChange calls

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Synced wraps a Store so that each successful write is announced on a
// Notifier. Reads pass straight through. Publish failures are logged and do
// not fail the write, which has already been committed.
type Synced struct {
	Store
	notifier Notifier
	logger   *slog.Logger
}

// NewSynced creates a Backend over s and n. Pass nil logger for default.
func NewSynced(s Store, n Notifier, logger *slog.Logger) *Synced {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synced{
		Store:    s,
		notifier: n,
		logger:   logger.With("component", "synced_store"),
	}
}

func (s *Synced) publish(ctx context.Context, collection Collection, op ChangeOp, recordID, conversationID string) {
	ev := ChangeEvent{
		ID:             uuid.New().String(),
		Collection:     collection,
		Op:             op,
		RecordID:       recordID,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish change event",
			"collection", collection,
			"op", op,
			"record_id", recordID,
			"error", err)
	}
}

// CreateConversation creates a conversation and announces it.
func (s *Synced) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	conv, err := s.Store.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, CollectionConversations, OpInsert, conv.ID, conv.ID)
	return conv, nil
}

// UpdateConversation updates a conversation and announces it.
func (s *Synced) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	if err := s.Store.UpdateConversation(ctx, id, update); err != nil {
		return err
	}
	s.publish(ctx, CollectionConversations, OpUpdate, id, id)
	return nil
}

// DeleteConversation deletes a conversation. Both collections are announced
// because its messages go with it.
func (s *Synced) DeleteConversation(ctx context.Context, id string) error {
	if err := s.Store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, CollectionConversations, OpDelete, id, id)
	s.publish(ctx, CollectionMessages, OpDelete, "", id)
	return nil
}

// AddMessage appends a message and announces it.
func (s *Synced) AddMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored, err := s.Store.AddMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, CollectionMessages, OpInsert, stored.ID, stored.ConversationID)
	return stored, nil
}

// Subscribe reduces matching change events to payload-free onChange calls.
func (s *Synced) Subscribe(ctx context.Context, collection Collection, filter Filter, onChange func()) (func(), error) {
	return s.notifier.Subscribe(ctx, collection, filter, func(ChangeEvent) { onChange() })
}

// Close closes the notifier and then the underlying store.
func (s *Synced) Close() error {
	if err := s.notifier.Close(); err != nil {
		s.logger.Warn("closing notifier", "error", err)
	}
	return s.Store.Close()
}

var _ Backend = (*Synced)(nil)
