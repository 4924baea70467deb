package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/runtime/wire"
)

// ErrInterrupted reports that an approval wait was cancelled by an interrupt
// rather than answered. Callers record the call as interrupted, not denied.
var ErrInterrupted = errors.New("tool: approval interrupted")

const actionClipRunes = 160

type (
	// Broker gates mutating tool calls behind user approval. Evaluation order
	// for each call: yolo bypass, always-scope cache, session-scope cache,
	// then an approval_request on the wire that blocks the call (and only
	// that call) until a transport resolves it.
	//
	// The caches are session-owned: a Broker lives and dies with its session.
	// Distinct keys never block each other; the mutex guards only map access.
	Broker struct {
		sessionID string
		sink      wire.Sink
		yolo      bool

		mu      sync.Mutex
		always  map[string]struct{}
		session map[string]struct{}
		pending map[string]*wire.Approval
	}

	// BrokerOptions configures approval behavior.
	BrokerOptions struct {
		// Yolo approves every call without prompting.
		Yolo bool
	}
)

// NewBroker returns a broker for one session. Approval requests and
// resolutions flow through sink.
func NewBroker(sessionID string, sink wire.Sink, opts BrokerOptions) *Broker {
	return &Broker{
		sessionID: sessionID,
		sink:      sink,
		yolo:      opts.Yolo,
		always:    make(map[string]struct{}),
		session:   make(map[string]struct{}),
		pending:   make(map[string]*wire.Approval),
	}
}

// Allowed reports whether the call may run without prompting: the tool is
// non-mutating, yolo mode is on, or a cached grant covers it. The turn runner
// uses this to decide parallel-lane eligibility without blocking.
func (b *Broker) Allowed(t Tool, args json.RawMessage) bool {
	if b.yolo || !t.Mutating() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.always[t.Name()]; ok {
		return true
	}
	_, ok := b.session[sessionKey(t, args)]
	return ok
}

// Approve runs the evaluation chain for one call, emitting an
// approval_request and blocking until resolution when no cache covers it.
// A DecisionReject with nil error is a user denial; ErrInterrupted or a
// context error means the wait was cancelled and the call never got an
// answer.
func (b *Broker) Approve(ctx context.Context, turnID string, t Tool, callID string, args json.RawMessage) (wire.Decision, error) {
	if b.Allowed(t, args) {
		return wire.DecisionApprove, nil
	}

	action, display := describeAction(t, args)
	ap := wire.NewApproval(b.sessionID, turnID, wire.ApprovalRequestedPayload{
		ID:         uuid.NewString(),
		ToolCallID: callID,
		ToolName:   t.Name(),
		Action:     action,
		Display:    display,
	})

	b.mu.Lock()
	b.pending[ap.ID()] = ap
	b.mu.Unlock()
	defer b.forget(ap.ID())

	if err := b.sink.Send(ctx, ap.Message()); err != nil {
		return wire.DecisionReject, err
	}

	d, err := ap.Wait(ctx)
	if err != nil {
		return wire.DecisionReject, err
	}
	if ap.Interrupted() {
		return wire.DecisionReject, ErrInterrupted
	}

	switch d {
	case wire.DecisionApproveAlways:
		b.mu.Lock()
		b.always[t.Name()] = struct{}{}
		b.mu.Unlock()
	case wire.DecisionApproveSession:
		b.mu.Lock()
		b.session[sessionKey(t, args)] = struct{}{}
		b.mu.Unlock()
	case wire.DecisionApprove, wire.DecisionReject:
		// Single-call decisions are never cached.
	}
	return d, nil
}

// Resolve applies a transport decision to a pending request and broadcasts
// the resolution so every attached transport converges. It reports whether
// the decision took effect; late, duplicate, and unknown resolutions do
// nothing.
func (b *Broker) Resolve(ctx context.Context, requestID string, d wire.Decision) bool {
	switch d {
	case wire.DecisionApprove, wire.DecisionApproveSession, wire.DecisionApproveAlways, wire.DecisionReject:
	default:
		return false
	}

	b.mu.Lock()
	ap := b.pending[requestID]
	b.mu.Unlock()
	if ap == nil || !ap.Resolve(d) {
		return false
	}
	// Best effort: the decision already unblocked the call.
	_ = b.sink.Send(ctx, wire.NewApprovalResolved(b.sessionID, ap.Message().TurnID(), requestID, d))
	return true
}

// CancelPending resolves every unanswered request as interrupted. The turn
// runner calls it on interrupt so no approval wait outlives its turn. Each
// cancelled request is broadcast as a rejection so transports that surfaced
// the prompt retire it.
func (b *Broker) CancelPending(ctx context.Context) {
	b.mu.Lock()
	pending := make([]*wire.Approval, 0, len(b.pending))
	for _, ap := range b.pending {
		pending = append(pending, ap)
	}
	b.mu.Unlock()
	for _, ap := range pending {
		ap.Cancel()
		// Best effort: the waiter is already unblocked.
		_ = b.sink.Send(ctx, wire.NewApprovalResolved(b.sessionID, ap.Message().TurnID(), ap.ID(), wire.DecisionReject))
	}
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// sessionKey derives the for-session cache key: tool identity plus the
// argument fragment the tool chose to expose, when it implements
// ApprovalKeyer.
func sessionKey(t Tool, args json.RawMessage) string {
	if keyer, ok := t.(ApprovalKeyer); ok {
		if k := keyer.ApprovalKey(args); k != "" {
			return t.Name() + "\x00" + k
		}
	}
	return t.Name()
}

func describeAction(t Tool, args json.RawMessage) (string, string) {
	if d, ok := t.(ActionDescriber); ok {
		return d.DescribeAction(args)
	}
	return clipRunes(t.Name()+" "+string(args), actionClipRunes), ""
}

func clipRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
