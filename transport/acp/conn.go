package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const defaultMaxMessageSize = 10 * 1024 * 1024

// conn multiplexes bidirectional JSON-RPC 2.0 over newline-delimited JSON.
// Outbound messages serialize through a mutex-held encoder; inbound messages
// dispatch from readLoop. Handlers must be registered before readLoop starts.
//
// Pending calls are tracked in a map of id to reply channel. When readLoop
// exits every pending channel is closed so blocked callers unblock.
type conn struct {
	mu  sync.Mutex
	enc *json.Encoder

	nextID  atomic.Int64
	pending map[int64]chan *rpcResponse

	notifyHandlers map[string]func(json.RawMessage)
	methodHandlers map[string]func(json.RawMessage) (any, error)

	scanner *bufio.Scanner
	done    chan struct{}
	readErr atomic.Value
}

func newConn(r io.Reader, w io.Writer) *conn {
	c := &conn{
		enc:            json.NewEncoder(w),
		pending:        make(map[int64]chan *rpcResponse),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		methodHandlers: make(map[string]func(json.RawMessage) (any, error)),
		done:           make(chan struct{}),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), defaultMaxMessageSize)
	c.scanner = sc
	return c
}

// onNotification registers a handler for requests without an id.
func (c *conn) onNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// onMethod registers a handler for requests that expect a response. Handlers
// run in their own goroutine so a blocking handler (a full prompt turn) never
// stalls the read loop.
func (c *conn) onMethod(method string, h func(json.RawMessage) (any, error)) {
	c.methodHandlers[method] = h
}

// call sends a request and blocks until the response arrives or ctx expires.
func (c *conn) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)

	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("acp: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return decodeCallResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// The response may have landed just before cancellation.
		select {
		case resp, ok := <-ch:
			return decodeCallResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

func decodeCallResponse(resp *rpcResponse, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("acp: %s: connection closed", method)
	}
	if resp.Error != nil {
		return &rpcCallError{code: resp.Error.Code, message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("acp: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// notify sends a request without an id; no response is expected.
func (c *conn) notify(method string, params any) error {
	return c.send(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// readLoop reads and dispatches inbound messages until the reader closes.
// Call exactly once.
func (c *conn) readLoop() {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		c.dispatch(&msg)
	}
	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// err reports the readLoop failure, nil for a clean EOF.
func (c *conn) err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

const (
	rpcMethodNotFound   = -32601
	rpcInternalError    = -32603
	rpcApplicationError = -32000
)

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

func (c *conn) dispatch(msg *rpcMessage) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.handleResponse(msg)
	case msg.ID != nil:
		c.handleMethodCall(msg)
	case msg.Method != "":
		c.handleNotification(msg)
	}
}

func (c *conn) handleResponse(msg *rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- &rpcResponse{Result: msg.Result, Error: msg.Error}
}

func (c *conn) handleMethodCall(msg *rpcMessage) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.sendError(*msg.ID, rpcMethodNotFound, "method not found: "+msg.Method)
		return
	}
	id := *msg.ID
	params := msg.Params
	go func() {
		result, err := h(params)
		if err != nil {
			c.sendError(id, rpcApplicationError, err.Error())
			return
		}
		c.sendResult(id, result)
	}()
}

func (c *conn) handleNotification(msg *rpcMessage) {
	if h, ok := c.notifyHandlers[msg.Method]; ok {
		h(msg.Params)
	}
}

// Responses from handler goroutines are best-effort: the peer times out on
// its own if the pipe is already gone.
func (c *conn) sendResult(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, rpcInternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.send(&rpcResponse{JSONRPC: "2.0", ID: &id, Result: data})
}

func (c *conn) sendError(id int64, code int, message string) {
	_ = c.send(&rpcResponse{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}})
}

func (c *conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      *int64 `json:"id,omitempty"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	// rpcMessage is any inbound frame: request, response, or notification.
	rpcMessage struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc,omitempty"`
		ID      *int64          `json:"id,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	rpcCallError struct {
		code    int
		message string
	}
)

func (e *rpcCallError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.code, e.message)
}
