package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultProtocolVersion is the MCP protocol version sent during the
// initialize handshake when none is configured.
const DefaultProtocolVersion = "2024-11-05"

// JSON-RPC canonical error codes.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type (
	// Caller is a live MCP connection. Implementations are safe for
	// concurrent use; Close is idempotent and fails any in-flight calls.
	Caller interface {
		// ListTools returns every tool the server advertises, following
		// pagination cursors until the listing is exhausted.
		ListTools(ctx context.Context) ([]ToolInfo, error)

		// CallTool invokes tools/call and normalizes the result content.
		// Server-reported tool failures come back as CallResult with IsError
		// set; the error return is reserved for transport and protocol
		// faults.
		CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error)

		Close() error
	}

	// ToolInfo describes one tool advertised by tools/list.
	ToolInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema map[string]any  `json:"inputSchema"`
		Annotations ToolAnnotations `json:"annotations"`
	}

	// ToolAnnotations carries the optional behavior hints a server attaches
	// to a tool. Hints are advisory; absent hints mean the tool must be
	// treated as mutating.
	ToolAnnotations struct {
		ReadOnlyHint bool `json:"readOnlyHint"`
	}

	// CallResult is the normalized outcome of one tools/call invocation.
	CallResult struct {
		// Content is the concatenated text content of the result.
		Content string
		// IsError reports a tool-domain failure the server attributed to the
		// call itself rather than to the protocol.
		IsError bool
	}

	// Error is a JSON-RPC error returned by an MCP server.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	// rpcNotification is a request without an id; servers must not reply.
	rpcNotification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
		ID      uint64          `json:"id"`
	}

	toolsListResult struct {
		Tools      []ToolInfo `json:"tools"`
		NextCursor string     `json:"nextCursor"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		MimeType string `json:"mimeType"`
	}

	// transport carries JSON-RPC requests for one connection. stdio and HTTP
	// implementations share the caller built on top of it.
	transport interface {
		call(ctx context.Context, method string, params, result any) error
		notify(ctx context.Context, method string, params any) error
		close() error
	}

	// rpcCaller implements Caller over any transport.
	rpcCaller struct {
		t transport
	}

	// handshake bundles the initialize parameters shared by both transports.
	handshake struct {
		protocolVersion string
		clientName      string
		clientVersion   string
		initTimeout     time.Duration
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (h handshake) fill() handshake {
	if h.protocolVersion == "" {
		h.protocolVersion = DefaultProtocolVersion
	}
	if h.clientName == "" {
		h.clientName = "skein"
	}
	if h.clientVersion == "" {
		h.clientVersion = "dev"
	}
	return h
}

// initialize performs the MCP handshake: an initialize call followed by the
// notifications/initialized notification the protocol requires before any
// other request.
func initialize(ctx context.Context, t transport, h handshake) error {
	h = h.fill()
	if h.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.initTimeout)
		defer cancel()
	}
	payload := map[string]any{
		"protocolVersion": h.protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    h.clientName,
			"version": h.clientVersion,
		},
	}
	if err := t.call(ctx, "initialize", payload, nil); err != nil {
		return fmt.Errorf("mcp initialize failed: %w", err)
	}
	return t.notify(ctx, "notifications/initialized", nil)
}

// ListTools implements Caller.
func (c *rpcCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var out []ToolInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res toolsListResult
		if err := c.t.call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool implements Caller.
func (c *rpcCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var res toolsCallResult
	if err := c.t.call(ctx, "tools/call", params, &res); err != nil {
		return CallResult{}, err
	}
	return res.normalize(), nil
}

// Close implements Caller.
func (c *rpcCaller) Close() error {
	return c.t.close()
}

// normalize flattens the result content into text. Non-text items are noted
// in place so the model learns the call produced something it cannot see.
func (r toolsCallResult) normalize() CallResult {
	parts := make([]string, 0, len(r.Content))
	for _, item := range r.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
			continue
		}
		kind := item.Type
		if item.MimeType != "" {
			kind += " " + item.MimeType
		}
		parts = append(parts, fmt.Sprintf("[%s content omitted]", kind))
	}
	return CallResult{Content: strings.Join(parts, "\n"), IsError: r.IsError}
}
