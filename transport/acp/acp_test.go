package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
)

type fakeEngine struct {
	mu         sync.Mutex
	prompts    []string
	interrupts []string
	resolved   map[string]wire.Decision
	outcome    turn.Outcome
	promptErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		resolved: make(map[string]wire.Decision),
		outcome:  turn.Outcome{Status: turn.StatusCompleted, Steps: 1},
	}
}

func (e *fakeEngine) SessionID() string { return "sess-1" }

func (e *fakeEngine) Prompt(_ context.Context, input string) (turn.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, input)
	return e.outcome, e.promptErr
}

func (e *fakeEngine) Resolve(_ context.Context, requestID string, d wire.Decision) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved[requestID] = d
	return true
}

func (e *fakeEngine) Interrupt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupts = append(e.interrupts, reason)
}

// client drives the agent end of the bridge from a test.
type client struct {
	t      *testing.T
	w      io.Writer
	sc     *bufio.Scanner
	nextID int64
}

func startBridge(t *testing.T, eng *fakeEngine) (*Adapter, *client, func()) {
	t.Helper()
	agentIn, clientOut := io.Pipe()
	clientIn, agentOut := io.Pipe()

	a := New(Options{Input: agentIn, Output: agentOut})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, eng) }()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.eng != nil
	}, time.Second, time.Millisecond)

	sc := bufio.NewScanner(clientIn)
	sc.Buffer(make([]byte, 0, 4096), defaultMaxMessageSize)
	c := &client{t: t, w: clientOut, sc: sc}
	stop := func() {
		cancel()
		clientOut.Close()
		clientIn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("bridge did not stop")
		}
	}
	return a, c, stop
}

func (c *client) call(method string, params any) int64 {
	c.nextID++
	id := c.nextID
	c.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	return id
}

func (c *client) notifyAgent(method string, params any) {
	c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *client) write(v any) {
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	_, err = fmt.Fprintf(c.w, "%s\n", data)
	require.NoError(c.t, err)
}

// read returns the next frame the agent wrote.
func (c *client) read() rpcMessage {
	require.True(c.t, c.sc.Scan(), "agent closed the pipe")
	var msg rpcMessage
	require.NoError(c.t, json.Unmarshal(c.sc.Bytes(), &msg))
	return msg
}

// readResponse skips notifications until the response for id arrives.
func (c *client) readResponse(id int64) rpcMessage {
	for {
		msg := c.read()
		if msg.ID != nil && *msg.ID == id && msg.Method == "" {
			return msg
		}
	}
}

func TestInitializeHandshake(t *testing.T) {
	eng := newFakeEngine()
	_, c, stop := startBridge(t, eng)
	defer stop()

	id := c.call(methodInitialize, initializeParams{ProtocolVersion: 1})
	resp := c.readResponse(id)
	require.Nil(t, resp.Error)

	var res initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, protocolVersion, res.ProtocolVersion)
	require.NotNil(t, res.AgentInfo)
	assert.Equal(t, agentName, res.AgentInfo.Name)
	require.NotNil(t, res.AgentCapabilities)
	assert.True(t, res.AgentCapabilities.LoadSession)
}

func TestSessionNewReturnsEngineSession(t *testing.T) {
	eng := newFakeEngine()
	_, c, stop := startBridge(t, eng)
	defer stop()

	id := c.call(methodSessionNew, newSessionParams{CWD: "/work"})
	resp := c.readResponse(id)
	require.Nil(t, resp.Error)

	var res newSessionResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, "sess-1", res.SessionID)
}

func TestSessionLoadRejectsUnknownID(t *testing.T) {
	eng := newFakeEngine()
	_, c, stop := startBridge(t, eng)
	defer stop()

	id := c.call(methodSessionLoad, loadSessionParams{SessionID: "other"})
	resp := c.readResponse(id)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "unknown session")
}

func TestPromptRunsTurn(t *testing.T) {
	eng := newFakeEngine()
	_, c, stop := startBridge(t, eng)
	defer stop()

	id := c.call(methodSessionPrompt, promptParams{
		SessionID: "sess-1",
		Prompt:    []contentBlock{{Type: "text", Text: "hello"}},
	})
	resp := c.readResponse(id)
	require.Nil(t, resp.Error)

	var res promptResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, stopEndTurn, res.StopReason)
	assert.Equal(t, []string{"hello"}, eng.prompts)
}

func TestStopReasons(t *testing.T) {
	cases := map[turn.Status]string{
		turn.StatusCompleted:         stopEndTurn,
		turn.StatusInterrupted:       stopCancelled,
		turn.StatusStepLimitExceeded: stopMaxTurns,
		turn.StatusFailed:            stopRefusal,
	}
	for status, want := range cases {
		assert.Equal(t, want, stopReason(status), string(status))
	}
}

func TestCancelInterruptsEngine(t *testing.T) {
	eng := newFakeEngine()
	_, c, stop := startBridge(t, eng)
	defer stop()

	c.notifyAgent(methodSessionCancel, cancelParams{SessionID: "sess-1"})

	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.interrupts) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendMapsTextDelta(t *testing.T) {
	eng := newFakeEngine()
	a, c, stop := startBridge(t, eng)
	defer stop()

	require.NoError(t, a.Send(context.Background(), wire.NewTextDelta("sess-1", "turn-1", "chunk")))

	msg := c.read()
	assert.Equal(t, methodSessionUpdate, msg.Method)

	var note struct {
		SessionID string      `json:"sessionId"`
		Update    chunkUpdate `json:"update"`
	}
	require.NoError(t, json.Unmarshal(msg.Params, &note))
	assert.Equal(t, "sess-1", note.SessionID)
	assert.Equal(t, "agent_message_chunk", note.Update.SessionUpdate)
	assert.Equal(t, "chunk", note.Update.Content.Text)
}

func TestSendMapsToolCalls(t *testing.T) {
	eng := newFakeEngine()
	a, c, stop := startBridge(t, eng)
	defer stop()

	require.NoError(t, a.Send(context.Background(),
		wire.NewToolCallBegin("sess-1", "turn-1", "c1", "shell", json.RawMessage(`{"command":"ls"}`), "ls")))

	msg := c.read()
	var note struct {
		Update toolCallUpdate `json:"update"`
	}
	require.NoError(t, json.Unmarshal(msg.Params, &note))
	assert.Equal(t, "tool_call", note.Update.SessionUpdate)
	assert.Equal(t, "c1", note.Update.ToolCallID)
	assert.Equal(t, "execute", note.Update.Kind)
	assert.Equal(t, "in_progress", note.Update.Status)

	require.NoError(t, a.Send(context.Background(), wire.NewToolCallEnd("sess-1", "turn-1", wire.ToolCallEndPayload{
		ToolCallID: "c1", ToolName: "shell", Status: "ok", Output: "file.txt",
	})))
	msg = c.read()
	require.NoError(t, json.Unmarshal(msg.Params, &note))
	assert.Equal(t, "tool_call_update", note.Update.SessionUpdate)
	assert.Equal(t, "completed", note.Update.Status)
}

func TestApprovalRoundTrip(t *testing.T) {
	eng := newFakeEngine()
	a, c, stop := startBridge(t, eng)
	defer stop()

	require.NoError(t, a.Send(context.Background(),
		wire.NewApprovalRequested("sess-1", "turn-1", wire.ApprovalRequestedPayload{
			ID: "req-1", ToolCallID: "c1", ToolName: "write_file", Action: "write main.go",
		})))

	msg := c.read()
	assert.Equal(t, methodRequestPerm, msg.Method)
	require.NotNil(t, msg.ID)

	var params requestPermissionParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "c1", params.ToolCall.ToolCallID)
	assert.Len(t, params.Options, 4)

	c.write(rpcResponse{JSONRPC: "2.0", ID: msg.ID, Result: mustMarshal(t, requestPermissionResult{
		Outcome: permissionOutcome{Outcome: "selected", OptionID: string(wire.DecisionApproveAlways)},
	})})

	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.resolved["req-1"] == wire.DecisionApproveAlways
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPermissionCancelledRejects(t *testing.T) {
	eng := newFakeEngine()
	a, c, stop := startBridge(t, eng)
	defer stop()

	require.NoError(t, a.Send(context.Background(),
		wire.NewApprovalRequested("sess-1", "turn-1", wire.ApprovalRequestedPayload{
			ID: "req-2", ToolCallID: "c2", ToolName: "shell", Action: "run `make`",
		})))

	msg := c.read()
	c.write(rpcResponse{JSONRPC: "2.0", ID: msg.ID, Result: mustMarshal(t, requestPermissionResult{
		Outcome: permissionOutcome{Outcome: "cancelled"},
	})})

	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.resolved["req-2"] == wire.DecisionReject
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubagentTextBecomesThought(t *testing.T) {
	eng := newFakeEngine()
	a, c, stop := startBridge(t, eng)
	defer stop()

	inner := wire.NewTextDelta("sess-1", "child-turn", "child text")
	msg, err := wire.NewSubagentMessage("sess-1", "turn-1", "call-9", inner)
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), msg))

	frame := c.read()
	var note struct {
		Update chunkUpdate `json:"update"`
	}
	require.NoError(t, json.Unmarshal(frame.Params, &note))
	assert.Equal(t, "agent_thought_chunk", note.Update.SessionUpdate)
	assert.Equal(t, "child text", note.Update.Content.Text)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
