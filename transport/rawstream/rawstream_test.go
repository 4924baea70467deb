package rawstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
)

type fakeEngine struct {
	mu         sync.Mutex
	prompts    []string
	interrupts []string
	resolved   map[string]wire.Decision
	rewinds    [][2]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{resolved: make(map[string]wire.Decision)}
}

func (e *fakeEngine) SessionID() string { return "sess-1" }

func (e *fakeEngine) Prompt(_ context.Context, input string) (turn.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, input)
	return turn.Outcome{Status: turn.StatusCompleted, Steps: 1}, nil
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

func (e *fakeEngine) Rewind(_ context.Context, turnID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rewinds = append(e.rewinds, [2]string{turnID, reason})
	return nil
}

func lines(msgs ...any) io.Reader {
	var sb strings.Builder
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return strings.NewReader(sb.String())
}

func TestSendWritesEnvelopeLines(t *testing.T) {
	var out bytes.Buffer
	a := New(Options{Input: strings.NewReader(""), Output: &out, Telemetry: telemetry.Noop()})

	require.NoError(t, a.Send(context.Background(), wire.NewTextDelta("sess-1", "turn-1", "hi")))
	require.NoError(t, a.Send(context.Background(), wire.NewTurnEnd("sess-1", "turn-1", "completed", "", 1)))

	sc := bufio.NewScanner(&out)
	require.True(t, sc.Scan())
	msg, err := wire.DecodeLine(sc.Bytes())
	require.NoError(t, err)
	td, ok := msg.(*wire.TextDelta)
	require.True(t, ok)
	assert.Equal(t, "hi", td.Data.Text)

	require.True(t, sc.Scan())
	msg, err = wire.DecodeLine(sc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, wire.KindTurnEnd, msg.Kind())
}

func TestRunDispatchesInbound(t *testing.T) {
	in := lines(
		inbound{Type: inUserInput, Input: "build it"},
		inbound{Type: inApprovalResponse, RequestID: "req-1", Decision: wire.DecisionApproveSession},
		inbound{Type: inInterrupt, Reason: "stop now"},
		inbound{Type: inRewind, TurnID: "turn-3", Reason: "bad direction"},
	)
	var out bytes.Buffer
	a := New(Options{Input: in, Output: &out, Telemetry: telemetry.Noop()})
	eng := newFakeEngine()

	require.NoError(t, a.Run(context.Background(), eng))

	assert.Equal(t, []string{"build it"}, eng.prompts)
	assert.Equal(t, wire.DecisionApproveSession, eng.resolved["req-1"])
	assert.Contains(t, eng.interrupts, "stop now")
	require.Len(t, eng.rewinds, 1)
	assert.Equal(t, [2]string{"turn-3", "bad direction"}, eng.rewinds[0])
}

func TestRunSkipsMalformedLines(t *testing.T) {
	in := strings.NewReader("not json\n" + `{"type":"user_input","input":"ok"}` + "\n")
	var out bytes.Buffer
	a := New(Options{Input: in, Output: &out, Telemetry: telemetry.Noop()})
	eng := newFakeEngine()

	require.NoError(t, a.Run(context.Background(), eng))
	assert.Equal(t, []string{"ok"}, eng.prompts)
}

func TestDisconnectInterruptsEngine(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	a := New(Options{Input: pr, Output: &out, Telemetry: telemetry.Noop()})
	eng := newFakeEngine()

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), eng) }()

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on disconnect")
	}
	assert.Contains(t, eng.interrupts, "client disconnected")
}

func TestSendAfterCloseFails(t *testing.T) {
	a := New(Options{Input: strings.NewReader(""), Output: &bytes.Buffer{}, Telemetry: telemetry.Noop()})
	require.NoError(t, a.Close(context.Background()))
	assert.Error(t, a.Send(context.Background(), wire.NewTextDelta("s", "t", "x")))
}
