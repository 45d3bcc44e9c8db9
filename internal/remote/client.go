// ABOUTME: store.Backend implementation that talks to a remote store server
// ABOUTME: CRUD over JSON/HTTP, change notifications over a reconnecting WebSocket

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	dedupeWindow          = 5 * time.Minute
	dedupeSize            = 4096
)

// Client is a store.Backend backed by a remote store server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the reconnect backoff bounds for subscriptions.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// NewClient creates a client for the store server at baseURL.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store url must be http or https, got %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		dialer:     websocket.DefaultDialer,
		logger:     logger.With("component", "store_client", "url", u.String()),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		subs:       make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateConversation creates a conversation on the server.
func (c *Client) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", CreateConversationRequest{Title: title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation fetches a conversation by ID.
func (c *Client) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateConversation patches a conversation.
func (c *Client) UpdateConversation(ctx context.Context, id string, update store.ConversationUpdate) error {
	return c.do(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id), update, nil)
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// ListConversations lists all conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]*store.Conversation, error) {
	var resp ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Conversations == nil {
		resp.Conversations = []*store.Conversation{}
	}
	return resp.Conversations, nil
}

// AddMessage appends a message to its conversation.
func (c *Client) AddMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	req := AddMessageRequest{Role: msg.Role, Content: msg.Content, Metadata: msg.Metadata}
	var stored store.Message
	path := "/api/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListMessages lists a conversation's messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var resp ListMessagesResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []*store.Message{}
	}
	return resp.Messages, nil
}

// do performs a JSON request. A 404 maps to store.ErrNotFound; every other
// failure wraps store.ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", store.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", store.ErrNotFound, errorMessage(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: status %d: %s", store.ErrTransport, method, path, resp.StatusCode, errorMessage(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s response: %w", store.ErrTransport, method, path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failed response, falling
// back to the status text.
func errorMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(resp.StatusCode)
}

// subscription is one live change feed. It redials with backoff until
// cancelled, and calls onChange once after every reconnect since changes may
// have been missed while disconnected.
type subscription struct {
	client     *Client
	collection store.Collection
	filter     store.Filter
	onChange   func()
	seen       *dedupe.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// Subscribe opens a change feed. It returns once the server has confirmed
// the subscription, so no write committed after Subscribe returns is missed.
func (c *Client) Subscribe(ctx context.Context, collection store.Collection, filter store.Filter, onChange func()) (func(), error) {
	if !collection.Valid() {
		return nil, &store.UnknownCollectionError{Collection: collection}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: client closed", store.ErrTransport)
	}
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client:     c,
		collection: collection,
		filter:     filter,
		onChange:   onChange,
		seen:       dedupe.New(dedupeWindow, dedupeSize),
		ctx:        subCtx,
		cancel:     cancel,
	}

	conn, err := sub.dial()
	if err != nil {
		cancel()
		return nil, err
	}
	sub.setConn(conn)

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// cleanup runs when the caller's ctx ends or the returned func is called
	context.AfterFunc(subCtx, sub.cleanup)

	go sub.run(conn)
	return sub.cancel, nil
}

func (s *subscription) cleanup() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
}

func (s *subscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	// a stop that raced the dial must still close the new socket
	if s.ctx.Err() != nil {
		_ = conn.Close()
	}
}

// dial connects and waits for the ready frame.
func (s *subscription) dial() (*websocket.Conn, error) {
	u := *s.client.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/api/subscribe"
	q := url.Values{}
	q.Set("collection", string(s.collection))
	if s.filter.ConversationID != "" {
		q.Set("conversation_id", s.filter.ConversationID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := s.client.dialer.DialContext(s.ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: subscribing to %s: status %d: %w", store.ErrTransport, s.collection, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: subscribing to %s: %w", store.ErrTransport, s.collection, err)
	}

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for subscription ready: %w", store.ErrTransport, err)
	}
	if f.Type != FrameReady {
		conn.Close()
		return nil, fmt.Errorf("%w: expected ready frame, got %q", store.ErrTransport, f.Type)
	}
	return conn, nil
}

func (s *subscription) run(conn *websocket.Conn) {
	logger := s.client.logger.With("collection", s.collection, "conversation_id", s.filter.ConversationID)
	for {
		s.read(conn)
		if s.ctx.Err() != nil {
			return
		}

		logger.Warn("subscription lost, reconnecting")
		next, ok := s.reconnect(logger)
		if !ok {
			return
		}
		conn = next
		logger.Info("subscription restored")
		s.notify()
	}
}

// read consumes frames until the socket fails.
func (s *subscription) read(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != FrameChange || f.Event == nil {
			continue
		}
		if s.seen.CheckAndMark(f.Event.ID) {
			continue
		}
		s.notify()
	}
}

func (s *subscription) notify() {
	if s.ctx.Err() != nil {
		return
	}
	s.onChange()
}

func (s *subscription) reconnect(logger *slog.Logger) (*websocket.Conn, bool) {
	backoff := s.client.minBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := s.dial()
		if err == nil {
			s.setConn(conn)
			if s.ctx.Err() != nil {
				return nil, false
			}
			return conn, true
		}
		logger.Debug("reconnect failed", "error", err, "backoff", backoff)

		backoff *= 2
		if backoff > s.client.maxBackoff {
			backoff = s.client.maxBackoff
		}
	}
}

// Close stops all subscriptions and releases idle HTTP connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

var _ store.Backend = (*Client)(nil)
