package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// rpcRequest and rpcResponse are the minimal JSON-RPC 2.0 envelopes used
// to talk to a worker running in app-server mode (spec §4.5).
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcNotification is an unsolicited server-to-client message: a
// thread/turn lifecycle or streaming-delta event (spec §4.5).
type rpcNotification struct {
	Method string
	Params json.RawMessage
}

// AppServerClient drives a worker subprocess over line-delimited
// JSON-RPC on stdin/stdout. The id-keyed pending-request map and the
// read-goroutine-plus-channel-plus-context-cancel pattern for blocking
// reads are grounded on the teacher's oaiWSConn (internal/llm/oai_next_ws.go):
// the same shape the teacher uses for WebSocket framing, applied here to
// a subprocess pipe instead of a socket.
type AppServerClient struct {
	proc  *process
	runID string

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse

	notifications chan rpcNotification
	readErr       chan error
	closed        chan struct{}
	closeOnce     sync.Once
}

// newAppServerClient wraps an already-started process and begins reading
// its stdout in the background, dispatching each line either to the
// pending request it answers or to the notifications channel. Every raw
// chunk is also tee'd to outFile and journaled as provider.raw, same as
// command-mode stdout.
func newAppServerClient(p *process, runID string, outFile *os.File, w *journal.Writer) *AppServerClient {
	c := &AppServerClient{
		proc:          p,
		runID:         runID,
		pending:       make(map[int64]chan rpcResponse),
		notifications: make(chan rpcNotification, 64),
		readErr:       make(chan error, 1),
		closed:        make(chan struct{}),
	}
	go c.readLoop(outFile, w)
	return c
}

func (c *AppServerClient) readLoop(outFile *os.File, w *journal.Writer) {
	teeRaw(c.runID, "stdout", c.proc.stdout, outFile, w, func(line string) {
		if line == "" {
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
				return
			}
		}

		var note struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal([]byte(line), &note); err == nil && note.Method != "" {
			select {
			case c.notifications <- rpcNotification{Method: note.Method, Params: note.Params}:
			default:
				L_warn("engine: app-server notification channel full, dropping", "run_id", c.runID)
			}
		}
	})

	c.readErr <- fmt.Errorf("app-server stdout closed")
}

// Call sends a JSON-RPC request and blocks for its response, respecting
// ctx cancellation exactly as the teacher's readEvent does: a cancelled
// context abandons the wait rather than leaking the pending-request
// entry forever.
func (c *AppServerClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	respCh := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		c.forgetPending(id)
		return nil, fmt.Errorf("engine: marshal rpc request: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.proc.stdin.Write(data); err != nil {
		c.forgetPending(id)
		return nil, fmt.Errorf("engine: write rpc request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	case err := <-c.readErr:
		return nil, fmt.Errorf("engine: app-server connection lost: %w", err)
	case <-c.closed:
		c.forgetPending(id)
		return nil, fmt.Errorf("engine: app-server client closed")
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("engine: app-server rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *AppServerClient) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notifications returns the channel of unsolicited JSON-RPC notifications
// the worker sends: thread/turn lifecycle events and streaming deltas.
func (c *AppServerClient) Notifications() <-chan rpcNotification {
	return c.notifications
}

// Close releases any callers still blocked in Call. The stdout read loop
// keeps running until the process's stdout closes.
func (c *AppServerClient) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
