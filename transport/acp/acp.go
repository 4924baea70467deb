// Package acp implements the agent side of a JSON-RPC 2.0 bridge spoken with
// IDE and editor clients over newline-delimited JSON on stdio. Inbound methods
// drive the engine (initialize, session lifecycle, prompt, cancel); outbound
// session/update notifications mirror the wire stream and approval requests
// become session/request_permission calls.
//
// The bridge serves the one session its engine owns: session/new hands out the
// existing session id and session/load accepts only that id.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
	"github.com/skeinlabs/skein/transport"
)

type (
	// Options configures the bridge endpoints. Zero values mean stdio.
	Options struct {
		Input  io.Reader
		Output io.Writer
		// WorkDir is reported to clients asking for the session cwd.
		WorkDir string
	}

	// Adapter is the ACP transport. Construct with New, then Run to serve the
	// client until its pipe closes.
	Adapter struct {
		conn    *conn
		workDir string

		mu     sync.Mutex
		eng    transport.Engine
		ctx    context.Context
		closed bool
	}
)

// New builds an ACP adapter over the given endpoints.
func New(opts Options) *Adapter {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Adapter{conn: newConn(in, out), workDir: opts.WorkDir}
}

// Run implements transport.Adapter. It registers the protocol handlers and
// serves the connection until the client disconnects or ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, eng transport.Engine) error {
	a.mu.Lock()
	a.eng = eng
	a.ctx = ctx
	a.mu.Unlock()

	a.conn.onMethod(methodInitialize, a.handleInitialize)
	a.conn.onMethod(methodSessionNew, func(json.RawMessage) (any, error) {
		return newSessionResult{SessionID: eng.SessionID()}, nil
	})
	a.conn.onMethod(methodSessionLoad, func(params json.RawMessage) (any, error) {
		var p loadSessionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID != eng.SessionID() {
			return nil, fmt.Errorf("unknown session %q", p.SessionID)
		}
		return loadSessionResult{}, nil
	})
	a.conn.onMethod(methodSessionPrompt, func(params json.RawMessage) (any, error) {
		return a.handlePrompt(ctx, eng, params)
	})
	a.conn.onNotification(methodSessionCancel, func(json.RawMessage) {
		eng.Interrupt("client cancelled")
	})

	done := make(chan struct{})
	go func() {
		a.conn.readLoop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return a.conn.err()
	}
}

func (a *Adapter) handleInitialize(params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return initializeResult{
		ProtocolVersion:   protocolVersion,
		AgentCapabilities: &agentCapabilities{LoadSession: true},
		AgentInfo:         &implementation{Name: agentName, Version: agentVersion},
	}, nil
}

func (a *Adapter) handlePrompt(ctx context.Context, eng transport.Engine, params json.RawMessage) (any, error) {
	var p promptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID != eng.SessionID() {
		return nil, fmt.Errorf("unknown session %q", p.SessionID)
	}
	var sb strings.Builder
	for _, b := range p.Prompt {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	input := sb.String()
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("empty prompt")
	}

	out, err := eng.Prompt(ctx, input)
	if err != nil {
		return nil, err
	}
	return promptResult{StopReason: stopReason(out.Status)}, nil
}

func stopReason(s turn.Status) string {
	switch s {
	case turn.StatusCompleted:
		return stopEndTurn
	case turn.StatusInterrupted:
		return stopCancelled
	case turn.StatusStepLimitExceeded:
		return stopMaxTurns
	default:
		return stopRefusal
	}
}

// Send implements wire.Sink by translating wire messages into session/update
// notifications and permission calls.
func (a *Adapter) Send(_ context.Context, msg wire.Message) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	eng, runCtx := a.eng, a.ctx
	a.mu.Unlock()

	return a.forward(eng, runCtx, msg, false)
}

// Close implements wire.Sink.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// forward maps one message. Subagent wrappers recurse with subagent set so
// child narration lands in the thought channel instead of the user-visible
// message.
func (a *Adapter) forward(eng transport.Engine, runCtx context.Context, msg wire.Message, subagent bool) error {
	sessionID := msg.SessionID()
	if eng != nil {
		sessionID = eng.SessionID()
	}

	switch m := msg.(type) {
	case *wire.TextDelta:
		kind := "agent_message_chunk"
		if subagent {
			kind = "agent_thought_chunk"
		}
		return a.update(sessionID, chunkUpdate{
			SessionUpdate: kind,
			Content:       contentBlock{Type: "text", Text: m.Data.Text},
		})
	case *wire.ThinkDelta:
		return a.update(sessionID, chunkUpdate{
			SessionUpdate: "agent_thought_chunk",
			Content:       contentBlock{Type: "text", Text: m.Data.Text},
		})
	case *wire.ToolCallBegin:
		title := m.Data.ToolName
		if m.Data.Target != "" {
			title += " " + m.Data.Target
		}
		return a.update(sessionID, toolCallUpdate{
			SessionUpdate: "tool_call",
			ToolCallID:    m.Data.ToolCallID,
			Title:         title,
			Kind:          toolKind(m.Data.ToolName),
			Status:        "in_progress",
			RawInput:      m.Data.Args,
		})
	case *wire.ToolCallEnd:
		status := "completed"
		if m.Data.Status != "ok" {
			status = "failed"
		}
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return err
		}
		return a.update(sessionID, toolCallUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallID:    m.Data.ToolCallID,
			Status:        status,
			RawOutput:     raw,
		})
	case *wire.ApprovalRequested:
		if eng == nil {
			return errors.New("acp: approval requested before Run")
		}
		go a.requestPermission(runCtx, eng, m)
		return nil
	case *wire.SubagentMessage:
		inner, err := wire.Decode(m.Data.Inner)
		if err != nil {
			return err
		}
		return a.forward(eng, runCtx, inner, true)
	}
	// Turn and step lifecycle, status updates, compaction markers, and
	// approval resolutions have no protocol projection.
	return nil
}

func (a *Adapter) update(sessionID string, update any) error {
	return a.conn.notify(methodSessionUpdate, sessionNotification{SessionID: sessionID, Update: update})
}

// permissionOptions presents the broker's decision vocabulary to the client.
var permissionOptions = []permissionOpt{
	{OptionID: string(wire.DecisionApprove), Name: "Allow once", Kind: "allow_once"},
	{OptionID: string(wire.DecisionApproveSession), Name: "Allow for this session", Kind: "allow_always"},
	{OptionID: string(wire.DecisionApproveAlways), Name: "Always allow", Kind: "allow_always"},
	{OptionID: string(wire.DecisionReject), Name: "Reject", Kind: "reject_once"},
}

func (a *Adapter) requestPermission(ctx context.Context, eng transport.Engine, m *wire.ApprovalRequested) {
	params := requestPermissionParams{
		SessionID: eng.SessionID(),
		ToolCall:  permissionCall{ToolCallID: m.Data.ToolCallID, Title: m.Data.Action},
		Options:   permissionOptions,
	}
	var res requestPermissionResult
	if err := a.conn.call(ctx, methodRequestPerm, params, &res); err != nil {
		// No decision is obtainable; reject so the call cannot hang.
		eng.Resolve(ctx, m.Data.ID, wire.DecisionReject)
		return
	}
	d := wire.DecisionReject
	if res.Outcome.Outcome == "selected" {
		switch got := wire.Decision(res.Outcome.OptionID); got {
		case wire.DecisionApprove, wire.DecisionApproveSession, wire.DecisionApproveAlways, wire.DecisionReject:
			d = got
		}
	}
	eng.Resolve(ctx, m.Data.ID, d)
}

var _ transport.Adapter = (*Adapter)(nil)
