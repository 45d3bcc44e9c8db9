// ABOUTME: Shared fixtures for conversation package tests
// ABOUTME: Backends over MockStore, a scriptable agent and a notifier that never delivers

package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/store"
)

// newBackend returns a live backend: writes on it notify subscribers.
func newBackend(t *testing.T) (*store.Synced, *store.MockStore, *store.Broadcaster) {
	t.Helper()
	ms := store.NewMockStore()
	b := store.NewBroadcaster(nil)
	backend := store.NewSynced(ms, b, nil)
	t.Cleanup(func() { backend.Close() })
	return backend, ms, b
}

// silentNotifier accepts subscriptions but never delivers, so tests can
// observe the cache between a write and its notification.
type silentNotifier struct{}

func (silentNotifier) Publish(context.Context, store.ChangeEvent) error { return nil }

func (silentNotifier) Subscribe(context.Context, store.Collection, store.Filter, func(store.ChangeEvent)) (func(), error) {
	return func() {}, nil
}

func (silentNotifier) Close() error { return nil }

func newSilentBackend(t *testing.T) (*store.Synced, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	return store.NewSynced(ms, silentNotifier{}, nil), ms
}

// fakeAgent records requests and answers with resp or err. When gate is
// set, Run signals entered and waits for gate to close.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []*agent.RunRequest
	resp    *agent.RunResponse
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeAgent) Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResponse, error) {
	f.mu.Lock()
	cp := *req
	cp.History = append([]agent.Turn{}, req.History...)
	f.calls = append(f.calls, &cp)
	gate, entered := f.gate, f.entered
	resp, err := f.resp, f.err
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &agent.RunResponse{Response: "ok", Steps: []string{}}, nil
	}
	return resp, nil
}

func (f *fakeAgent) set(resp *agent.RunResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp, f.err = resp, err
}

func (f *fakeAgent) requests() []*agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*agent.RunRequest{}, f.calls...)
}
