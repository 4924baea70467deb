package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skeinlabs/skein/runtime/tool"
)

// serverTool adapts one discovered MCP tool to the runtime tool contract.
// The namespaced name keeps providers from shadowing native tools or each
// other; the connection indirection lets a Reconnect swap the caller under
// live tools.
type serverTool struct {
	conn        *connection
	local       string
	name        string
	description string
	schema      map[string]any
	readOnly    bool
	timeout     time.Duration
}

func newServerTool(c *connection, info ToolInfo) *serverTool {
	desc := info.Description
	if desc == "" {
		desc = "No description provided."
	}
	return &serverTool{
		conn:        c,
		local:       info.Name,
		name:        fmt.Sprintf("mcp__%s__%s", c.cfg.Name, info.Name),
		description: fmt.Sprintf("This is an MCP (Model Context Protocol) tool from MCP server `%s`.\n\n%s", c.cfg.Name, desc),
		schema:      info.InputSchema,
		readOnly:    info.Annotations.ReadOnlyHint,
		timeout:     c.cfg.toolTimeout(),
	}
}

func (t *serverTool) Name() string           { return t.name }
func (t *serverTool) Description() string    { return t.description }
func (t *serverTool) Schema() map[string]any { return t.schema }

// Mutating trusts the server's read-only annotation; unannotated tools are
// assumed to mutate and go through approval.
func (t *serverTool) Mutating() bool { return !t.readOnly }

// ParallelSafe is false for every provider tool. Provider implementations
// give no concurrency guarantees.
func (t *serverTool) ParallelSafe() bool { return false }

// DescribeAction renders the approval prompt for a call.
func (t *serverTool) DescribeAction(args json.RawMessage) (string, string) {
	action := fmt.Sprintf("Call MCP tool `%s` on server `%s`", t.local, t.conn.cfg.Name)
	display := ""
	if len(args) > 0 && string(args) != "{}" && string(args) != "null" {
		display = string(args)
	}
	return action, display
}

func (t *serverTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.conn.call(callCtx, t.local, args)
	if err != nil {
		// Interrupts and turn deadlines from above are harness faults, not
		// tool failures; the registry classifies them.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return tool.Failf(tool.ErrorKindTimeout,
				"Timeout while calling MCP tool `%s` after %s. You may tell the user the configured tool timeout for server `%s` is too low.",
				t.local, t.timeout, t.conn.cfg.Name), nil
		}
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return tool.Failf(tool.ErrorKindExecFailed, "MCP server error %d: %s", rpcErr.Code, rpcErr.Message), nil
		}
		return tool.Failf(tool.ErrorKindExecFailed, "MCP call failed: %v", err), nil
	}
	if res.IsError {
		msg := res.Content
		if msg == "" {
			msg = fmt.Sprintf("MCP tool `%s` returned an error without a message.", t.local)
		}
		return tool.Fail(tool.ErrorKindExecFailed, msg), nil
	}
	return tool.Text(res.Content), nil
}
