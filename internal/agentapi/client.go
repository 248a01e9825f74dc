package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// RPC methods accepted by the agent server.
const (
	MethodSessionCreate    = "session.create"
	MethodSessionPrompt    = "session.prompt"
	MethodSessionInterrupt = "session.interrupt"
	MethodSessionRename    = "session.rename"
	MethodPermissionReply  = "permission.reply"
	MethodQuestionAnswer   = "question.answer"
)

// requestFrame is one client→server RPC frame.
type requestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EventHandler consumes decoded stream events. Called from the read loop
// goroutine, one event at a time.
type EventHandler func(Event)

// Client maintains one WebSocket connection to the agent server: a read
// loop that feeds the event handler, and a mutex-guarded writer for RPC
// frames.
type Client struct {
	url     string
	token   string
	handler EventHandler

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client for the given ws:// or wss:// endpoint.
// token, when non-empty, is sent as a bearer header on dial.
func NewClient(url, token string, handler EventHandler) *Client {
	return &Client{url: url, token: token, handler: handler}
}

// Start dials the server and launches the read loop. Non-blocking after the
// dial succeeds.
func (c *Client) Start(ctx context.Context) error {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("agent server dial: %w", err)
	}
	conn.SetReadLimit(4 << 20) // tool outputs and diffs can be large

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.cancel = cancel
	c.done = make(chan struct{})

	slog.Info("agent event stream connected", "url", c.url)

	go c.readLoop(dialCtx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("agent event stream closed", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// Malformed frames are logged and skipped, never fatal.
			slog.Warn("agent event decode failed", "error", err, "bytes", len(data))
			continue
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
}

// send writes one RPC frame. Thread-safe.
func (c *Client) send(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	frame := requestFrame{
		ID:     uuid.NewString()[:8],
		Method: method,
		Params: raw,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: agent server not connected", method)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// CreateSession asks the server for a fresh session in the given directory
// and returns the chosen session id. The id is generated client-side so the
// caller can start routing events before the server acknowledges.
func (c *Client) CreateSession(ctx context.Context, directory string) (string, error) {
	sessionID := "ses_" + uuid.NewString()[:12]
	err := c.send(ctx, MethodSessionCreate, map[string]string{
		"sessionID": sessionID,
		"directory": directory,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// Prompt submits operator text to the session.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	return c.send(ctx, MethodSessionPrompt, map[string]string{
		"sessionID": sessionID,
		"text":      text,
	})
}

// Interrupt aborts the session's current run.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.send(ctx, MethodSessionInterrupt, map[string]string{
		"sessionID": sessionID,
	})
}

// Rename sets the session title.
func (c *Client) Rename(ctx context.Context, sessionID, title string) error {
	return c.send(ctx, MethodSessionRename, map[string]string{
		"sessionID": sessionID,
		"title":     title,
	})
}

// ReplyPermission answers a pending permission request ("allow", "always",
// "deny").
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string) error {
	return c.send(ctx, MethodPermissionReply, map[string]string{
		"id":    requestID,
		"reply": reply,
	})
}

// AnswerQuestion answers a pending question request, one answer list per
// question in order.
func (c *Client) AnswerQuestion(ctx context.Context, requestID string, answers [][]string) error {
	return c.send(ctx, MethodQuestionAnswer, map[string]any{
		"id":      requestID,
		"answers": answers,
	})
}
