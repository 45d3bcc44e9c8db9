// ABOUTME: Tests for transcript rendering
// ABOUTME: Covers Markdown layout, HTML conversion and escaping, and format parsing

package transcript

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func fixture() (*store.Conversation, []*store.Message) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	conv := &store.Conversation{ID: "c1", Title: "Hello", CreatedAt: at}
	msgs := []*store.Message{
		{ID: "m1", ConversationID: "c1", Role: store.RoleUser, Content: "Hello", Timestamp: at, Metadata: store.Metadata{Steps: []string{}}},
		{ID: "m2", ConversationID: "c1", Role: store.RoleAssistant, Content: "Hi **there**\n\n```go\nfmt.Println(1)\n```",
			Timestamp: at.Add(time.Second), Metadata: store.Metadata{Steps: []string{"parsed intent", "generated reply"}}},
	}
	return conv, msgs
}

func TestMarkdown(t *testing.T) {
	conv, msgs := fixture()
	out := Markdown(conv, msgs)

	assert.True(t, strings.HasPrefix(out, "# Hello\n"))
	assert.Contains(t, out, "2 messages")
	assert.Contains(t, out, "## You · 2026-03-04 10:00:00")
	assert.Contains(t, out, "## Assistant · 2026-03-04 10:00:01")
	assert.Contains(t, out, "1. parsed intent\n2. generated reply\n")
	assert.Less(t, strings.Index(out, "## You"), strings.Index(out, "## Assistant"))
	// no steps block for the user message
	assert.Equal(t, 1, strings.Count(out, "<details>"))
}

func TestMarkdown_EmptyConversation(t *testing.T) {
	conv, _ := fixture()
	out := Markdown(conv, nil)
	assert.Contains(t, out, "0 messages")
	assert.NotContains(t, out, "##")
}

func TestWriteHTML(t *testing.T) {
	conv, msgs := fixture()
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, conv, msgs))
	out := buf.String()

	assert.Contains(t, out, "<title>Hello</title>")
	assert.Contains(t, out, "<strong>there</strong>")
	assert.Contains(t, out, `<code class="language-go">`)
	assert.Contains(t, out, "<li>parsed intent</li>")
	assert.Contains(t, out, `class="message assistant"`)
}

func TestWriteHTML_EscapesUntrustedContent(t *testing.T) {
	conv := &store.Conversation{ID: "c1", Title: "<b>title</b>", CreatedAt: time.Now()}
	msgs := []*store.Message{{
		ID: "m1", Role: store.RoleUser, Content: "<script>alert(1)</script>", Timestamp: time.Now(),
		Metadata: store.Metadata{Steps: []string{"<img src=x>"}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, conv, msgs))
	out := buf.String()

	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.NotContains(t, out, "<b>title</b>")
	assert.Contains(t, out, "&lt;b&gt;title&lt;/b&gt;")
	assert.NotContains(t, out, "<img src=x>")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"md": FormatMarkdown, "Markdown": FormatMarkdown, "HTML": FormatHTML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}

func TestWrite_Dispatch(t *testing.T) {
	conv, msgs := fixture()
	var md, html bytes.Buffer
	require.NoError(t, Write(&md, FormatMarkdown, conv, msgs))
	require.NoError(t, Write(&html, FormatHTML, conv, msgs))
	assert.True(t, strings.HasPrefix(md.String(), "# Hello"))
	assert.True(t, strings.HasPrefix(html.String(), "<!DOCTYPE html>"))
	assert.Error(t, Write(&md, Format("pdf"), conv, msgs))
}
