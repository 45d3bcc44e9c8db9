// ABOUTME: Reference agent service that echoes the user's message back
// ABOUTME: Serves the run endpoint contract so the chat client can be exercised end to end

package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ServiceVersion is reported by the reference agent's root endpoint.
const ServiceVersion = "1.0.0"

// EchoHandler is a stand-in agent. It replies with a formatted echo of the
// message and reports one "Step N completed" entry per processing stage.
type EchoHandler struct {
	logger *slog.Logger
	delay  time.Duration
	mux    *http.ServeMux
}

// NewEchoHandler creates the reference agent. delay simulates thinking time.
func NewEchoHandler(logger *slog.Logger, delay time.Duration) *EchoHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EchoHandler{
		logger: logger.With("component", "echo_agent"),
		delay:  delay,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("/", h.handleRoot)
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc(RunPath, h.handleRun)
	return h
}

func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *EchoHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		sendDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet {
		sendDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "coven-chat echo agent",
		"status":  "running",
		"version": ServiceVersion,
	})
}

func (h *EchoHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *EchoHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		sendDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		sendDetail(w, http.StatusUnprocessableEntity, "conversation_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		sendDetail(w, http.StatusUnprocessableEntity, "message is required")
		return
	}

	h.logger.Info("received request", "conversation_id", req.ConversationID, "history", len(req.History))

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	writeJSON(w, http.StatusOK, RunResponse{
		Response: echoReply(req.Message, req.History),
		Steps:    echoSteps(req.History),
	})
}

// echoReply formats the answer. Asking for markdown or a list gets a richer
// sample so renderers can be checked.
func echoReply(input string, history []Turn) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	reply := fmt.Sprintf("Echo: **%s**", input)
	if n := countUserTurns(history); n > 0 {
		reply += fmt.Sprintf("\n\nThis conversation has %d earlier message(s) from you.", n)
	}
	return reply
}

// echoSteps lists the stages the echo went through: parse, recall history
// when there is any, then respond.
func echoSteps(history []Turn) []string {
	stages := 2
	if len(history) > 0 {
		stages = 3
	}
	steps := make([]string, stages)
	for i := range steps {
		steps[i] = fmt.Sprintf("Step %d completed", i+1)
	}
	return steps
}

func countUserTurns(history []Turn) int {
	n := 0
	for _, t := range history {
		if t.Role == "user" {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendDetail writes a FastAPI-style {"detail": msg} error body.
func sendDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
