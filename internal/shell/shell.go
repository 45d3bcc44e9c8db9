// ABOUTME: Line-oriented interactive chat shell over a conversation Session
// ABOUTME: Reads input, runs slash commands, renders replies with steps, errors and a welcome screen

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/transcript"
)

const promptTitleRunes = 24

var (
	userLabel      = color.New(color.FgBlue, color.Bold)
	assistantLabel = color.New(color.FgGreen, color.Bold)
	dim            = color.New(color.FgHiBlack)
	errLabel       = color.New(color.FgRed, color.Bold)
	accent         = color.New(color.FgCyan)
)

// Config wires a Shell.
type Config struct {
	In            io.Reader
	Out           io.Writer
	Conversations *conversation.ConversationStore
	Messages      *conversation.MessageStore
	Agent         conversation.AgentRunner
	Logger        *slog.Logger
	ShowSteps     bool
}

// Shell is an interactive chat loop. It is not safe for concurrent use; Run
// owns it until it returns.
type Shell struct {
	in            io.Reader
	out           io.Writer
	conversations *conversation.ConversationStore
	messages      *conversation.MessageStore
	session       *conversation.Session
	logger        *slog.Logger
	showSteps     bool
}

// New creates a shell and the Session it drives.
func New(cfg Config) *Shell {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in, out := cfg.In, cfg.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	sh := &Shell{
		in:            in,
		out:           out,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		logger:        logger.With("component", "shell"),
		showSteps:     cfg.ShowSteps,
	}
	sh.session = conversation.NewSession(conversation.SessionConfig{
		Conversations: cfg.Conversations,
		Messages:      cfg.Messages,
		Agent:         cfg.Agent,
		Logger:        logger,
		OnState:       sh.onState,
	})
	return sh
}

// Session returns the session the shell drives.
func (sh *Shell) Session() *conversation.Session {
	return sh.session
}

// Run reads lines until EOF, /quit or ctx ends.
func (sh *Shell) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(sh.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	if sh.session.Active() == "" {
		sh.printWelcome()
	} else {
		sh.printHistory()
	}

	for {
		sh.prompt()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(sh.out)
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("reading input: %w", err)
					}
				default:
				}
				return nil
			}
			input = line
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := sh.command(ctx, input); quit {
				return nil
			}
		} else {
			sh.send(ctx, input)
		}
		fmt.Fprintln(sh.out)
	}
}

func (sh *Shell) prompt() {
	active := sh.session.Active()
	if active == "" {
		fmt.Fprint(sh.out, "> ")
		return
	}
	title := active
	if conv, ok := sh.conversations.Get(active); ok {
		title = conv.Title
	}
	accent.Fprintf(sh.out, "[%s]", truncate(title, promptTitleRunes))
	fmt.Fprint(sh.out, "> ")
}

// command runs a slash command and reports whether the shell should exit.
func (sh *Shell) command(ctx context.Context, input string) bool {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		sh.printHelp()
	case "/new":
		conv, err := sh.session.NewConversation(ctx)
		if err != nil {
			sh.printError(err)
			return false
		}
		fmt.Fprintf(sh.out, "Started %s ", conv.Title)
		dim.Fprintf(sh.out, "(%s)\n", conv.ID)
	case "/list":
		sh.printConversations()
	case "/use":
		conv, err := sh.resolve(arg)
		if err != nil {
			sh.printError(err)
			return false
		}
		if err := sh.session.Select(ctx, conv.ID); err != nil {
			sh.printError(err)
			return false
		}
		fmt.Fprintf(sh.out, "Now in %s\n", conv.Title)
		sh.printHistory()
	case "/delete":
		conv, err := sh.resolve(arg)
		if err != nil {
			sh.printError(err)
			return false
		}
		if err := sh.session.DeleteConversation(ctx, conv.ID); err != nil {
			sh.printError(err)
			return false
		}
		fmt.Fprintf(sh.out, "Deleted %s\n", conv.Title)
		if next := sh.session.Active(); next != "" {
			if c, ok := sh.conversations.Get(next); ok {
				fmt.Fprintf(sh.out, "Now in %s\n", c.Title)
			}
		}
	case "/history":
		if sh.session.Active() == "" {
			fmt.Fprintln(sh.out, "No conversation selected. Use /new or /use <n> first.")
			return false
		}
		sh.printHistory()
	case "/steps":
		sh.showSteps = !sh.showSteps
		if sh.showSteps {
			fmt.Fprintln(sh.out, "Execution steps shown")
		} else {
			fmt.Fprintln(sh.out, "Execution steps hidden")
		}
	case "/export":
		sh.export(arg)
	default:
		fmt.Fprintf(sh.out, "Unknown command %s. Type /help for commands.\n", name)
	}
	return false
}

// send submits text. With no conversation selected the session creates one;
// the shell then submits the same text to it.
func (sh *Shell) send(ctx context.Context, text string) {
	outcome, err := sh.session.Submit(ctx, text)
	if err == nil && outcome == conversation.OutcomeConversationCreated {
		if conv, ok := sh.conversations.Get(sh.session.Active()); ok {
			dim.Fprintf(sh.out, "Started %s\n", conv.Title)
		}
		outcome, err = sh.session.Submit(ctx, text)
	}

	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		return
	case err != nil:
		sh.printError(err)
		return
	case outcome != conversation.OutcomeReplied:
		return
	}

	msgs := sh.messages.List()
	if n := len(msgs); n > 0 && msgs[n-1].Role == store.RoleAssistant {
		sh.printMessage(msgs[n-1])
	}
}

func (sh *Shell) onState(s conversation.State) {
	if s == conversation.StateAwaitingAgent {
		dim.Fprintln(sh.out, "Thinking...")
	}
}

// resolve finds a conversation by list number, id or unique id prefix.
func (sh *Shell) resolve(arg string) (*store.Conversation, error) {
	if arg == "" {
		return nil, errors.New("which conversation? give a number from /list or an id")
	}
	convs := sh.conversations.List()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			return nil, fmt.Errorf("no conversation #%d (have %d)", n, len(convs))
		}
		return convs[n-1], nil
	}

	var match *store.Conversation
	for _, c := range convs {
		if c.ID == arg {
			return c, nil
		}
		if strings.HasPrefix(c.ID, arg) {
			if match != nil {
				return nil, fmt.Errorf("%q matches more than one conversation", arg)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no conversation %q", arg)
	}
	return match, nil
}

func (sh *Shell) export(path string) {
	active := sh.session.Active()
	if active == "" {
		fmt.Fprintln(sh.out, "No conversation selected. Use /new or /use <n> first.")
		return
	}
	if path == "" {
		fmt.Fprintln(sh.out, "Usage: /export <file.md|file.html>")
		return
	}
	conv, ok := sh.conversations.Get(active)
	if !ok {
		sh.printError(fmt.Errorf("conversation %s is not loaded", active))
		return
	}

	format := transcript.FormatMarkdown
	if strings.EqualFold(filepath.Ext(path), ".html") {
		format = transcript.FormatHTML
	}

	f, err := os.Create(path)
	if err != nil {
		sh.printError(fmt.Errorf("creating export file: %w", err))
		return
	}
	msgs := sh.messages.List()
	werr := transcript.Write(f, format, conv, msgs)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		sh.printError(fmt.Errorf("writing export: %w", werr))
		return
	}
	fmt.Fprintf(sh.out, "Exported %d messages to %s\n", len(msgs), path)
}

func (sh *Shell) printWelcome() {
	fmt.Fprintln(sh.out, color.New(color.Bold).Sprint("Welcome to coven-chat"))
	fmt.Fprintln(sh.out, "Type a message to start a new conversation.")
	if convs := sh.conversations.List(); len(convs) > 0 {
		fmt.Fprintln(sh.out, "Or pick up where you left off with /use <n>:")
		sh.printConversations()
	}
	dim.Fprintln(sh.out, "/help for commands, /quit to leave.")
	fmt.Fprintln(sh.out)
}

func (sh *Shell) printConversations() {
	convs := sh.conversations.List()
	if len(convs) == 0 {
		fmt.Fprintln(sh.out, "No conversations yet")
		return
	}
	active := sh.session.Active()
	for i, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(sh.out, " %s %2d. %s ", marker, i+1, c.Title)
		dim.Fprintf(sh.out, "%s · %s\n", shortID(c.ID), c.CreatedAt.Local().Format("Jan 2 15:04"))
	}
}

func (sh *Shell) printHistory() {
	msgs := sh.messages.List()
	if len(msgs) == 0 {
		dim.Fprintln(sh.out, "No messages yet. Say something!")
		return
	}
	for _, m := range msgs {
		sh.printMessage(m)
	}
}

func (sh *Shell) printMessage(m *store.Message) {
	label := userLabel.Sprint("You")
	if m.Role == store.RoleAssistant {
		label = assistantLabel.Sprint("Assistant")
	}
	fmt.Fprintf(sh.out, "%s %s\n", label, dim.Sprint(m.Timestamp.Local().Format("15:04")))
	fmt.Fprintln(sh.out, m.Content)

	steps := m.Metadata.Steps
	if len(steps) == 0 {
		return
	}
	if !sh.showSteps {
		dim.Fprintf(sh.out, "  ▸ %d execution steps (/steps to show)\n", len(steps))
		return
	}
	dim.Fprintln(sh.out, "  ▾ Execution steps")
	for i, s := range steps {
		dim.Fprintf(sh.out, "    Step %d: %s\n", i+1, s)
	}
}

func (sh *Shell) printError(err error) {
	errLabel.Fprint(sh.out, "Error: ")
	fmt.Fprintln(sh.out, err.Error())

	var agentErr *conversation.AgentRequestError
	if errors.As(err, &agentErr) {
		dim.Fprintln(sh.out, "Your message was saved. Send another message to try again.")
	}
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.out, "Commands:")
	fmt.Fprintln(sh.out, "  /new              Start a new conversation")
	fmt.Fprintln(sh.out, "  /list             List conversations, newest first")
	fmt.Fprintln(sh.out, "  /use <n|id>       Switch to a conversation")
	fmt.Fprintln(sh.out, "  /delete <n|id>    Delete a conversation and its messages")
	fmt.Fprintln(sh.out, "  /history          Show the current conversation")
	fmt.Fprintln(sh.out, "  /steps            Show or hide agent execution steps")
	fmt.Fprintln(sh.out, "  /export <file>    Save the conversation as .md or .html")
	fmt.Fprintln(sh.out, "  /help             Show this help")
	fmt.Fprintln(sh.out, "  /quit             Exit")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
