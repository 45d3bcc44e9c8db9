// ABOUTME: HTTP + WebSocket front for a store Backend so several chat clients can share it
// ABOUTME: Serves conversation/message CRUD as JSON and pushes change events on /api/subscribe

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/store"
)

const (
	// maxBodyBytes bounds request bodies on write endpoints.
	maxBodyBytes = 1 << 20

	// pushBufferSize is the number of frames queued per subscriber socket.
	pushBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame types on the subscribe socket.
const (
	FrameReady  = "ready"
	FrameChange = "change"
)

// Frame is one message pushed on the subscribe socket. The first frame on
// every connection is "ready", sent once the subscription is registered.
type Frame struct {
	Type  string             `json:"type"`
	Event *store.ChangeEvent `json:"event,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// AddMessageRequest is the body of POST /api/conversations/{id}/messages.
type AddMessageRequest struct {
	Role     store.Role     `json:"role"`
	Content  string         `json:"content"`
	Metadata store.Metadata `json:"metadata"`
}

// ListConversationsResponse is the body of GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// ListMessagesResponse is the body of GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
}

// Server exposes a store over HTTP. Every write is announced on the notifier
// and forwarded to subscribe sockets whose filter matches.
type Server struct {
	backend  *store.Synced
	notifier store.Notifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// sockets is cancelled on shutdown; hijacked connections are not
	// closed by http.Server.Shutdown.
	sockets      context.Context
	closeSockets context.CancelFunc
}

// NewServer creates a server over s, publishing changes on n.
func NewServer(s store.Store, n store.Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store_server")
	sockets, closeSockets := context.WithCancel(context.Background())
	return &Server{
		backend:      store.NewSynced(s, n, logger),
		notifier:     n,
		logger:       logger,
		sockets:      sockets,
		closeSockets: closeSockets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationRoutes)
	mux.HandleFunc("/api/subscribe", s.handleSubscribe)
	return mux
}

// Run listens on addr and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeSockets)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("store server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down store server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleConversations routes /api/conversations by HTTP method.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListConversations(w, r)
	case http.MethodPost:
		s.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConversationRoutes handles /api/conversations/{id} and
// /api/conversations/{id}/messages.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetConversation(w, r, id)
		case http.MethodPatch:
			s.handleUpdateConversation(w, r, id)
		case http.MethodDelete:
			s.handleDeleteConversation(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.handleListMessages(w, r, id)
		case http.MethodPost:
			s.handleAddMessage(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.backend.ListConversations(r.Context())
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, ListConversationsResponse{Conversations: convs})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.backend.CreateConversation(r.Context(), req.Title)
	if err != nil {
		s.logger.Error("failed to create conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := s.backend.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get conversation", "error", err, "id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var update store.ConversationUpdate
	if err := decodeBody(w, r, &update); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.backend.UpdateConversation(r.Context(), id, update)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to update conversation", "error", err, "id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.backend.DeleteConversation(r.Context(), id); err != nil {
		s.logger.Error("failed to delete conversation", "error", err, "id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id string) {
	msgs, err := s.backend.ListMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err, "conversation_id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, ListMessagesResponse{ConversationID: id, Messages: msgs})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req AddMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Role.Valid() {
		s.sendJSONError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}

	msg, err := s.backend.AddMessage(r.Context(), &store.Message{
		ConversationID: id,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
	})
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to add message", "error", err, "conversation_id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleSubscribe upgrades to a WebSocket and pushes matching change events
// until either side closes.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	collection := store.Collection(r.URL.Query().Get("collection"))
	if !collection.Valid() {
		s.sendJSONError(w, http.StatusBadRequest, "collection must be conversations or messages")
		return
	}
	filter := store.Filter{ConversationID: r.URL.Query().Get("conversation_id")}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.sockets)
	defer cancel()

	frames := make(chan Frame, pushBufferSize)
	unsubscribe, err := s.notifier.Subscribe(ctx, collection, filter, func(ev store.ChangeEvent) {
		select {
		case frames <- Frame{Type: FrameChange, Event: &ev}:
		default:
			s.logger.Debug("dropped frame for slow subscriber", "event_id", ev.ID)
		}
	})
	if err != nil {
		s.logger.Error("failed to subscribe", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}
	defer unsubscribe()

	logger := s.logger.With("collection", collection, "conversation_id", filter.ConversationID)
	logger.Debug("subscribe socket opened", "remote", r.RemoteAddr)

	// Reader: handles pongs and notices the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(conn, Frame{Type: FrameReady}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("subscribe socket closed")
			return
		case f := <-frames:
			if err := writeFrame(conn, f); err != nil {
				logger.Debug("subscribe socket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
