// ABOUTME: Tests for the interactive chat shell
// ABOUTME: Drives scripted input through a real Session over MockStore and a fake agent

package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

func init() {
	color.NoColor = true
}

type scriptedAgent struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *scriptedAgent) Run(_ context.Context, req *agent.RunRequest) (*agent.RunResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &agent.RunResponse{
		Response: "Echo: " + req.Message,
		Steps:    []string{"Step 1 completed", "Step 2 completed"},
	}, nil
}

type harness struct {
	mock  *store.MockStore
	agent *scriptedAgent
	convs *conversation.ConversationStore
	msgs  *conversation.MessageStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := store.NewMockStore()
	backend := store.NewSynced(ms, store.NewBroadcaster(nil), nil)
	t.Cleanup(func() { backend.Close() })

	h := &harness{
		mock:  ms,
		agent: &scriptedAgent{},
		convs: conversation.NewConversationStore(backend),
		msgs:  conversation.NewMessageStore(backend),
	}
	h.msgs.Start(t.Context())
	require.NoError(t, h.convs.Start(t.Context()))
	t.Cleanup(func() {
		h.msgs.Close()
		h.convs.Close()
	})
	return h
}

func (h *harness) run(t *testing.T, input string, showSteps bool) string {
	t.Helper()
	var out bytes.Buffer
	sh := New(Config{
		In:            strings.NewReader(input),
		Out:           &out,
		Conversations: h.convs,
		Messages:      h.msgs,
		Agent:         h.agent,
		ShowSteps:     showSteps,
	})
	require.NoError(t, sh.Run(t.Context()))
	return out.String()
}

func TestShell_WelcomeAndFirstMessage(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "Hello\n", false)

	assert.Contains(t, out, "Welcome to coven-chat")
	assert.Contains(t, out, "Started New Conversation")
	assert.Contains(t, out, "Thinking...")
	assert.Contains(t, out, "Echo: Hello")
	assert.Contains(t, out, "2 execution steps (/steps to show)")
	assert.NotContains(t, out, "Step 1: Step 1 completed")

	convs := h.convs.List()
	require.Len(t, convs, 1)
	assert.Equal(t, "Hello", convs[0].Title)
	assert.Equal(t, 1, h.agent.calls)
}

func TestShell_StepsToggle(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "/steps\nHello\n", false)

	assert.Contains(t, out, "Execution steps shown")
	assert.Contains(t, out, "Step 1: Step 1 completed")
	assert.Contains(t, out, "Step 2: Step 2 completed")
}

func TestShell_AgentErrorBanner(t *testing.T) {
	h := newHarness(t)
	h.agent.err = errors.New("connection refused")

	out := h.run(t, "Hello\n", false)

	assert.Contains(t, out, "Error: failed to get response from agent: connection refused")
	assert.Contains(t, out, "Your message was saved")
	convs := h.convs.List()
	require.Len(t, convs, 1)
	msgs, err := h.mock.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestShell_ListUseAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	older, err := h.convs.Create(ctx, "Older chat")
	require.NoError(t, err)
	_, err = h.mock.AddMessage(ctx, &store.Message{ConversationID: older.ID, Role: store.RoleUser, Content: "remember me"})
	require.NoError(t, err)
	_, err = h.convs.Create(ctx, "Newer chat")
	require.NoError(t, err)

	out := h.run(t, "/list\n/use 2\n/history\n", false)

	assert.Contains(t, out, " 1. Newer chat")
	assert.Contains(t, out, " 2. Older chat")
	assert.Contains(t, out, "Now in Older chat")
	assert.Contains(t, out, "remember me")
	assert.Contains(t, out, "[Older chat]> ")
}

func TestShell_UseByIDPrefix(t *testing.T) {
	h := newHarness(t)
	conv, err := h.convs.Create(context.Background(), "By id")
	require.NoError(t, err)

	out := h.run(t, "/use "+conv.ID[:6]+"\n", false)
	assert.Contains(t, out, "Now in By id")
}

func TestShell_UseUnknown(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "/use 3\n/use\n/use nope\n", false)

	assert.Contains(t, out, "Error: no conversation #3 (have 0)")
	assert.Contains(t, out, "Error: which conversation?")
	assert.Contains(t, out, `Error: no conversation "nope"`)
}

func TestShell_DeleteActiveMovesToNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.convs.Create(ctx, "Keep")
	require.NoError(t, err)
	_, err = h.convs.Create(ctx, "Drop")
	require.NoError(t, err)

	out := h.run(t, "/use 1\n/delete 1\n", false)

	assert.Contains(t, out, "Deleted Drop")
	assert.Contains(t, out, "Now in Keep")
	convs := h.convs.List()
	require.Len(t, convs, 1)
	assert.Equal(t, "Keep", convs[0].Title)
}

func TestShell_Export(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "chat.md")

	out := h.run(t, "Hello\n/export "+path+"\n", false)
	assert.Contains(t, out, "Exported 2 messages to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Hello")
	assert.Contains(t, string(data), "Echo: Hello")
}

func TestShell_ExportWithoutConversation(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "/export x.md\n/history\n", false)
	assert.Equal(t, 2, strings.Count(out, "No conversation selected"))
}

func TestShell_HelpUnknownAndQuit(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "/help\n/bogus\n/quit\nnever sent\n", false)

	assert.Contains(t, out, "/export <file>")
	assert.Contains(t, out, "Unknown command /bogus")
	assert.Equal(t, 0, h.agent.calls)
}

func TestShell_NewCommand(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "/new\n", false)

	assert.Contains(t, out, "Started New Conversation")
	assert.Len(t, h.convs.List(), 1)
	assert.Equal(t, 0, h.mock.Calls(store.OpAddMessage))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ééééééé...", truncate(strings.Repeat("é", 20), 10))
}
