// Package agent talks to the remote reasoning agent.
//
// # Client
//
// Client performs one request/response call per user turn:
//
//	c := agent.NewClient("http://localhost:8000", 0, logger)
//	resp, err := c.Run(ctx, &agent.RunRequest{
//	    ConversationID: id,
//	    Message:        "Hello",
//	    History:        []agent.Turn{{Role: "user", Content: "earlier"}},
//	})
//
// The wire format is JSON:
//
//	POST /api/agent/run
//	{"conversation_id": "...", "message": "...", "history": [{"role", "content", "timestamp"}]}
//	-> {"response": "...", "steps": ["..."]}
//
// A non-2xx answer returns *StatusError carrying the {"detail"} field of the
// body. A 2xx answer that is not JSON or lacks "response" returns an error
// wrapping ErrMalformedResponse. Nothing is retried.
//
// # Reference agent
//
// EchoHandler serves the same contract plus GET / and GET /health so the
// chat client can run without a real agent.
package agent
