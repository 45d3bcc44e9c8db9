// Package store provides persistent storage for coven-chat conversations.
//
// # Architecture
//
// The package is interface driven:
//
//   - Store: CRUD for conversations and messages
//   - Subscriber: payload-free change notifications per collection
//   - Backend: a Store that is also a Subscriber, the source of truth the
//     client-side caches synchronise against
//   - Notifier: fan-out of ChangeEvents between writers and subscribers
//
// SQLiteStore is the durable Store. Synced pairs any Store with a Notifier
// and publishes a ChangeEvent after each committed write, which makes it a
// Backend. Two notifiers exist: Broadcaster for a single process and
// RedisNotifier for several store servers sharing one database.
//
// # Data Models
//
//   - Conversation: id, title, created_at (store assigned)
//   - Message: id, conversation_id, role (user|assistant), content,
//     metadata.steps, timestamp (store assigned)
//
// Store-assigned times are strictly increasing within one store, so ordering
// by timestamp reproduces insertion order even for writes in the same tick.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (mattn/go-sqlite3, cgo). Deleting a conversation
// removes its messages in the same transaction.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrTransport: a remote store could not be reached or answered badly
//   - ErrNotifierClosed: the notifier has been closed
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. It can inject failures per operation
// (FailWith) and hold ListMessages open (BeforeListMessages):
//
//	ms := store.NewMockStore()
//	backend := store.NewSynced(ms, store.NewBroadcaster(nil), nil)
//
// Use NewSQLiteStore(path) with t.TempDir() for integration tests.
package store
