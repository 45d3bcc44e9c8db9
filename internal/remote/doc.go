// Package remote lets several chat processes share one store.
//
// Server wraps a store.Store and a store.Notifier and serves:
//
//	GET    /health
//	GET    /api/conversations
//	POST   /api/conversations                  {"title": "..."}
//	GET    /api/conversations/{id}
//	PATCH  /api/conversations/{id}             {"title": "..."}
//	DELETE /api/conversations/{id}
//	GET    /api/conversations/{id}/messages
//	POST   /api/conversations/{id}/messages    {"role", "content", "metadata"}
//	GET    /api/subscribe?collection=&conversation_id=   (WebSocket)
//
// Errors are returned as {"error": "..."}. The subscribe socket first sends
// a "ready" frame and then one "change" frame per matching write.
//
// Client implements store.Backend against that server. A 404 maps to
// store.ErrNotFound and every other failure wraps store.ErrTransport.
// Subscriptions reconnect with exponential backoff, call onChange once after
// each reconnect, and drop change frames whose event ID was already seen.
package remote
