// ABOUTME: Renders a conversation and its messages as a Markdown or HTML transcript
// ABOUTME: HTML goes through goldmark so assistant markdown renders and raw HTML is dropped

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-chat/internal/store"
)

// Format is an export format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// ParseFormat accepts md, markdown or html.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown transcript format %q (want md or html)", s)
	}
}

// Write renders the transcript in format f.
func Write(w io.Writer, f Format, conv *store.Conversation, msgs []*store.Message) error {
	switch f {
	case FormatMarkdown:
		return WriteMarkdown(w, conv, msgs)
	case FormatHTML:
		return WriteHTML(w, conv, msgs)
	default:
		return fmt.Errorf("unknown transcript format %q", f)
	}
}

// Markdown returns the transcript as Markdown.
func Markdown(conv *store.Conversation, msgs []*store.Message) string {
	var buf bytes.Buffer
	_ = WriteMarkdown(&buf, conv, msgs)
	return buf.String()
}

// WriteMarkdown writes a heading for the conversation followed by one
// section per message. Assistant steps are listed under the reply.
func WriteMarkdown(w io.Writer, conv *store.Conversation, msgs []*store.Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	fmt.Fprintf(&b, "_Created %s · %d messages_\n", conv.CreatedAt.UTC().Format(time.RFC3339), len(msgs))

	for _, m := range msgs {
		fmt.Fprintf(&b, "\n## %s · %s\n\n", speaker(m.Role), m.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n")
		if len(m.Metadata.Steps) > 0 {
			b.WriteString("\n<details><summary>Execution steps</summary>\n\n")
			for i, s := range m.Metadata.Steps {
				fmt.Fprintf(&b, "%d. %s\n", i+1, s)
			}
			b.WriteString("\n</details>\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #1f2328; }
.meta { color: #656d76; font-size: 0.875rem; }
.message { border-radius: 0.5rem; padding: 0.75rem 1rem; margin: 1rem 0; }
.user { background: #ddf4ff; }
.assistant { background: #f6f8fa; }
.who { font-weight: 600; font-size: 0.875rem; margin-bottom: 0.25rem; }
pre { overflow-x: auto; background: #eaeef2; padding: 0.5rem; border-radius: 0.25rem; }
details { margin-top: 0.5rem; font-size: 0.875rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Created {{.Created}} · {{len .Messages}} messages</p>
{{range .Messages}}<div class="message {{.Role}}">
<div class="who">{{.Speaker}} <span class="meta">{{.Time}}</span></div>
{{.Body}}{{if .Steps}}<details><summary>Execution steps</summary>
<ol>{{range .Steps}}<li>{{.}}</li>{{end}}</ol>
</details>{{end}}
</div>
{{end}}</body>
</html>
`))

type htmlMessage struct {
	Role    string
	Speaker string
	Time    string
	Body    template.HTML
	Steps   []string
}

// WriteHTML writes a standalone HTML page. Message content is treated as
// Markdown; raw HTML inside it is omitted.
func WriteHTML(w io.Writer, conv *store.Conversation, msgs []*store.Message) error {
	view := struct {
		Title    string
		Created  string
		Messages []htmlMessage
	}{
		Title:    conv.Title,
		Created:  conv.CreatedAt.UTC().Format(time.RFC3339),
		Messages: make([]htmlMessage, 0, len(msgs)),
	}

	for _, m := range msgs {
		var body bytes.Buffer
		if err := md.Convert([]byte(m.Content), &body); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}
		view.Messages = append(view.Messages, htmlMessage{
			Role:    string(m.Role),
			Speaker: speaker(m.Role),
			Time:    m.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			Body:    template.HTML(body.String()), // goldmark omits raw HTML by default
			Steps:   m.Metadata.Steps,
		})
	}

	return page.Execute(w, view)
}

func speaker(r store.Role) string {
	if r == store.RoleAssistant {
		return "Assistant"
	}
	return "You"
}
