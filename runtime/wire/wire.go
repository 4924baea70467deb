// Package wire defines the typed message envelope that carries engine
// progress out to transports and replies back in. Wire messages are the only
// surface transports see: events report progress (text deltas, tool activity,
// turn lifecycle) and requests demand a reply (tool approval). Every message
// carries the originating session and turn identity so a transport
// multiplexing several concurrent turns can disambiguate.
//
// Messages are immutable after construction and safe to send concurrently
// through a Sink. Serialization is handled by Encode/Decode in codec.go;
// sinks persist or forward the resulting envelopes one per line.
package wire

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Sink delivers wire messages to a transport (terminal, IDE bridge, raw
	// stream) or to a persistence layer. Implementations must be thread-safe:
	// the engine sends concurrently from tool goroutines and the model
	// streaming loop.
	Sink interface {
		// Send publishes one message. Errors mean the transport is unusable
		// (closed pipe, serialization failure); the engine treats persistent
		// Send failures as fatal for the turn, not for the session.
		Send(ctx context.Context, msg Message) error

		// Close releases transport resources. Idempotent. After Close,
		// subsequent Send calls must return errors.
		Close(ctx context.Context) error
	}

	// Message is a single wire envelope. Concrete types embed Base for the
	// standard metadata and expose their typed payload as a Data field.
	Message interface {
		// Kind returns the message kind constant.
		Kind() Kind
		// SessionID returns the owning session identity.
		SessionID() string
		// TurnID returns the turn that produced the message. Empty for
		// session-scoped messages such as connection updates.
		TurnID() string
		// Payload returns the kind-specific data in JSON-serializable form.
		Payload() any
	}

	// Base provides the standard Message implementation. Embed it in concrete
	// message types; fields are abbreviated because they are set once by the
	// constructors and read only through the interface methods.
	Base struct {
		k  Kind
		s  string
		t  string
		p  any
		at time.Time
	}

	// TurnBegin signals that a new top-level turn has started for the session.
	TurnBegin struct {
		Base
		Data TurnBeginPayload
	}

	// TurnBeginPayload names the user input that opened the turn.
	TurnBeginPayload struct {
		// Input is the user message that started the turn.
		Input string `json:"input"`
	}

	// StepBegin signals the start of one model-call/tool-execution iteration
	// inside a turn. Step numbering starts at 1.
	StepBegin struct {
		Base
		Data StepBeginPayload
	}

	// StepBeginPayload carries the step ordinal.
	StepBeginPayload struct {
		Step int `json:"step"`
	}

	// TextDelta streams an incremental fragment of assistant-visible text.
	// Transports concatenate sequential deltas to reconstruct the message.
	TextDelta struct {
		Base
		Data TextDeltaPayload
	}

	// TextDeltaPayload is the fragment body.
	TextDeltaPayload struct {
		Text string `json:"text"`
	}

	// ThinkDelta streams an incremental fragment of model reasoning. Purely
	// informational; transports may hide it entirely.
	ThinkDelta struct {
		Base
		Data ThinkDeltaPayload
	}

	// ThinkDeltaPayload is the reasoning fragment body.
	ThinkDeltaPayload struct {
		Text string `json:"text"`
	}

	// AssistantMessage signals that a complete assistant message was committed
	// to the context log, including any tool calls it requested.
	AssistantMessage struct {
		Base
		Data AssistantMessagePayload
	}

	// AssistantMessagePayload summarizes the committed message.
	AssistantMessagePayload struct {
		// Text is the full assistant-visible text of the message.
		Text string `json:"text"`
		// ToolCalls counts the tool invocations the message requested.
		ToolCalls int `json:"tool_calls"`
	}

	// ToolCallBegin signals that a tool invocation is about to execute.
	ToolCallBegin struct {
		Base
		Data ToolCallBeginPayload
	}

	// ToolCallBeginPayload identifies the invocation and its target.
	ToolCallBeginPayload struct {
		// ToolCallID uniquely identifies this invocation for correlation with
		// the matching ToolCallEnd.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the registered tool identifier.
		ToolName string `json:"tool_name"`
		// Args is the canonical JSON argument payload for the call.
		Args json.RawMessage `json:"args,omitempty"`
		// Target names the primary object the call acts on when the tool
		// declares one (a file path, a command), for display purposes.
		Target string `json:"target,omitempty"`
	}

	// ToolCallEnd signals that a tool invocation finished, successfully or not.
	// Every ToolCallBegin is eventually followed by exactly one ToolCallEnd.
	ToolCallEnd struct {
		Base
		Data ToolCallEndPayload
	}

	// ToolCallEndPayload reports the outcome of the invocation.
	ToolCallEndPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
		// Status is one of "ok", "error", "denied", "interrupted".
		Status string `json:"status"`
		// Output is the full untruncated tool output. The context log keeps
		// only the budget-truncated form; the wire record keeps this one.
		Output string `json:"output,omitempty"`
		// Error holds the failure message when Status != "ok".
		Error string `json:"error,omitempty"`
		// DurationMS is the wall-clock execution time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
		// Display optionally carries a transport-renderable payload such as a
		// unified diff or truncated output preview.
		Display string `json:"display,omitempty"`
	}

	// StatusUpdate reports context usage so transports can render token
	// budgets without polling.
	StatusUpdate struct {
		Base
		Data StatusUpdatePayload
	}

	// StatusUpdatePayload carries model and token accounting.
	StatusUpdatePayload struct {
		Model        string `json:"model"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
		// ContextTokens estimates the current reconstructable view size.
		ContextTokens int `json:"context_tokens"`
		// ContextLimit is the model's declared maximum context size.
		ContextLimit int `json:"context_limit"`
	}

	// CompactionBegin signals that history summarization is starting. The
	// next model call waits for the matching CompactionEnd.
	CompactionBegin struct {
		Base
		Data CompactionBeginPayload
	}

	// CompactionBeginPayload carries the pre-compaction estimate.
	CompactionBeginPayload struct {
		ContextTokens int `json:"context_tokens"`
	}

	// CompactionEnd signals that summarization finished.
	CompactionEnd struct {
		Base
		Data CompactionEndPayload
	}

	// CompactionEndPayload reports the reclaimed budget.
	CompactionEndPayload struct {
		// ReclaimedTokens is the estimated token count removed from the view.
		ReclaimedTokens int `json:"reclaimed_tokens"`
	}

	// StepInterrupted signals that an interrupt cut the current step short.
	// Pending tool calls are recorded as interrupted before the turn ends.
	StepInterrupted struct {
		Base
		Data StepInterruptedPayload
	}

	// StepInterruptedPayload counts the calls that were cancelled.
	StepInterruptedPayload struct {
		PendingCalls int `json:"pending_calls"`
	}

	// TurnEnd reports the terminal outcome of a turn.
	TurnEnd struct {
		Base
		Data TurnEndPayload
	}

	// TurnEndPayload carries the outcome and an optional failure reason.
	TurnEndPayload struct {
		// Outcome is one of "completed", "interrupted", "failed",
		// "step_limit_exceeded".
		Outcome string `json:"outcome"`
		// Reason holds the failure description when Outcome == "failed".
		Reason string `json:"reason,omitempty"`
		// Steps is the number of model-call iterations the turn consumed.
		Steps int `json:"steps"`
	}

	// SubagentMessage wraps a message produced by a child turn so transports
	// can attribute it to the task tool call that spawned the child.
	SubagentMessage struct {
		Base
		Data SubagentPayload
	}

	// SubagentPayload carries the spawning call identity and the inner
	// message encoded as an envelope.
	SubagentPayload struct {
		// TaskToolCallID is the parent's tool call that spawned the child.
		TaskToolCallID string `json:"task_tool_call_id"`
		// Inner is the wrapped message envelope.
		Inner Envelope `json:"inner"`
	}

	// ConnectionUpdate reports an external tool provider state change.
	ConnectionUpdate struct {
		Base
		Data ConnectionUpdatePayload
	}

	// ConnectionUpdatePayload names the provider and its new state.
	ConnectionUpdatePayload struct {
		// Server is the configured provider name.
		Server string `json:"server"`
		// State is one of "connecting", "authorizing", "ready", "degraded",
		// "closed".
		State string `json:"state"`
		// Tools counts the tools the provider currently exposes.
		Tools int `json:"tools"`
		// Detail carries a human-readable explanation for degraded states.
		Detail string `json:"detail,omitempty"`
	}

	// ApprovalRequested is the request message asking a transport to obtain a
	// user decision for a pending tool call. The blocking reply machinery
	// lives on Approval (approval.go); this message is its wire projection.
	ApprovalRequested struct {
		Base
		Data ApprovalRequestedPayload
	}

	// ApprovalRequestedPayload describes what the user is approving.
	ApprovalRequestedPayload struct {
		// ID correlates the eventual decision with this request.
		ID string `json:"id"`
		// ToolCallID is the pending tool call awaiting the decision.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the registered tool identifier.
		ToolName string `json:"tool_name"`
		// Action is a short human-readable description of the operation
		// ("run `gofmt -w .`", "write cmd/main.go").
		Action string `json:"action"`
		// Display optionally carries a preview payload such as a diff.
		Display string `json:"display,omitempty"`
	}

	// ApprovalResolved reports the decision applied to a prior request so
	// observing transports stay consistent with the one that answered.
	ApprovalResolved struct {
		Base
		Data ApprovalResolvedPayload
	}

	// ApprovalResolvedPayload carries the final decision.
	ApprovalResolvedPayload struct {
		ID       string   `json:"id"`
		Decision Decision `json:"decision"`
	}
)

// Kind enumerates wire message kinds.
type Kind string

const (
	// KindTurnBegin marks the start of a top-level turn.
	KindTurnBegin Kind = "turn_begin"
	// KindStepBegin marks the start of a model-call iteration.
	KindStepBegin Kind = "step_begin"
	// KindTextDelta streams assistant text fragments.
	KindTextDelta Kind = "text_delta"
	// KindThinkDelta streams model reasoning fragments.
	KindThinkDelta Kind = "think_delta"
	// KindAssistantMessage marks a committed assistant message.
	KindAssistantMessage Kind = "assistant_message"
	// KindToolCallBegin marks the start of a tool invocation.
	KindToolCallBegin Kind = "tool_call_begin"
	// KindToolCallEnd marks the end of a tool invocation.
	KindToolCallEnd Kind = "tool_call_end"
	// KindStatusUpdate reports token accounting.
	KindStatusUpdate Kind = "status_update"
	// KindCompactionBegin marks the start of history summarization.
	KindCompactionBegin Kind = "compaction_begin"
	// KindCompactionEnd marks the end of history summarization.
	KindCompactionEnd Kind = "compaction_end"
	// KindStepInterrupted marks an interrupted step.
	KindStepInterrupted Kind = "step_interrupted"
	// KindTurnEnd reports the turn outcome.
	KindTurnEnd Kind = "turn_end"
	// KindSubagent wraps a child-turn message.
	KindSubagent Kind = "subagent_event"
	// KindConnectionUpdate reports provider connection changes.
	KindConnectionUpdate Kind = "connection_update"
	// KindApprovalRequested asks for a tool approval decision.
	KindApprovalRequested Kind = "approval_request"
	// KindApprovalResolved reports the applied decision.
	KindApprovalResolved Kind = "approval_resolved"
)

// Decision is a transport reply to an approval request.
type Decision string

const (
	// DecisionApprove allows this single call.
	DecisionApprove Decision = "approve"
	// DecisionApproveSession allows this call and caches the grant for the
	// session under the call's approval key.
	DecisionApproveSession Decision = "approve_for_session"
	// DecisionApproveAlways allows this call and caches the grant for the
	// tool identity regardless of arguments.
	DecisionApproveAlways Decision = "approve_always"
	// DecisionReject denies the call. Denials are never cached.
	DecisionReject Decision = "reject"
)

// NewBase constructs the embedded metadata for a concrete message. Concrete
// constructors call this; application code uses the NewXxx helpers below.
func NewBase(k Kind, sessionID, turnID string, payload any) Base {
	return Base{k: k, s: sessionID, t: turnID, p: payload, at: time.Now().UTC()}
}

// Kind returns the message kind.
func (b Base) Kind() Kind { return b.k }

// SessionID returns the owning session identity.
func (b Base) SessionID() string { return b.s }

// TurnID returns the producing turn identity.
func (b Base) TurnID() string { return b.t }

// Payload returns the kind-specific payload.
func (b Base) Payload() any { return b.p }

// Time returns the construction timestamp (UTC).
func (b Base) Time() time.Time { return b.at }

// NewTurnBegin constructs a turn_begin message.
func NewTurnBegin(sessionID, turnID, input string) *TurnBegin {
	d := TurnBeginPayload{Input: input}
	return &TurnBegin{Base: NewBase(KindTurnBegin, sessionID, turnID, d), Data: d}
}

// NewStepBegin constructs a step_begin message.
func NewStepBegin(sessionID, turnID string, step int) *StepBegin {
	d := StepBeginPayload{Step: step}
	return &StepBegin{Base: NewBase(KindStepBegin, sessionID, turnID, d), Data: d}
}

// NewTextDelta constructs a text_delta message.
func NewTextDelta(sessionID, turnID, text string) *TextDelta {
	d := TextDeltaPayload{Text: text}
	return &TextDelta{Base: NewBase(KindTextDelta, sessionID, turnID, d), Data: d}
}

// NewThinkDelta constructs a think_delta message.
func NewThinkDelta(sessionID, turnID, text string) *ThinkDelta {
	d := ThinkDeltaPayload{Text: text}
	return &ThinkDelta{Base: NewBase(KindThinkDelta, sessionID, turnID, d), Data: d}
}

// NewAssistantMessage constructs an assistant_message message.
func NewAssistantMessage(sessionID, turnID, text string, toolCalls int) *AssistantMessage {
	d := AssistantMessagePayload{Text: text, ToolCalls: toolCalls}
	return &AssistantMessage{Base: NewBase(KindAssistantMessage, sessionID, turnID, d), Data: d}
}

// NewToolCallBegin constructs a tool_call_begin message.
func NewToolCallBegin(sessionID, turnID, callID, name string, args json.RawMessage, target string) *ToolCallBegin {
	d := ToolCallBeginPayload{ToolCallID: callID, ToolName: name, Args: args, Target: target}
	return &ToolCallBegin{Base: NewBase(KindToolCallBegin, sessionID, turnID, d), Data: d}
}

// NewToolCallEnd constructs a tool_call_end message.
func NewToolCallEnd(sessionID, turnID string, data ToolCallEndPayload) *ToolCallEnd {
	return &ToolCallEnd{Base: NewBase(KindToolCallEnd, sessionID, turnID, data), Data: data}
}

// NewStatusUpdate constructs a status_update message.
func NewStatusUpdate(sessionID, turnID string, data StatusUpdatePayload) *StatusUpdate {
	return &StatusUpdate{Base: NewBase(KindStatusUpdate, sessionID, turnID, data), Data: data}
}

// NewCompactionBegin constructs a compaction_begin message.
func NewCompactionBegin(sessionID, turnID string, contextTokens int) *CompactionBegin {
	d := CompactionBeginPayload{ContextTokens: contextTokens}
	return &CompactionBegin{Base: NewBase(KindCompactionBegin, sessionID, turnID, d), Data: d}
}

// NewCompactionEnd constructs a compaction_end message.
func NewCompactionEnd(sessionID, turnID string, reclaimed int) *CompactionEnd {
	d := CompactionEndPayload{ReclaimedTokens: reclaimed}
	return &CompactionEnd{Base: NewBase(KindCompactionEnd, sessionID, turnID, d), Data: d}
}

// NewStepInterrupted constructs a step_interrupted message.
func NewStepInterrupted(sessionID, turnID string, pending int) *StepInterrupted {
	d := StepInterruptedPayload{PendingCalls: pending}
	return &StepInterrupted{Base: NewBase(KindStepInterrupted, sessionID, turnID, d), Data: d}
}

// NewTurnEnd constructs a turn_end message.
func NewTurnEnd(sessionID, turnID, outcome, reason string, steps int) *TurnEnd {
	d := TurnEndPayload{Outcome: outcome, Reason: reason, Steps: steps}
	return &TurnEnd{Base: NewBase(KindTurnEnd, sessionID, turnID, d), Data: d}
}

// NewSubagentMessage wraps an inner message for attribution to the task tool
// call that spawned the child turn. The inner message is encoded eagerly so
// the wrapper is self-contained for persistence and forwarding.
func NewSubagentMessage(sessionID, turnID, taskToolCallID string, inner Message) (*SubagentMessage, error) {
	env, err := Encode(inner)
	if err != nil {
		return nil, err
	}
	d := SubagentPayload{TaskToolCallID: taskToolCallID, Inner: env}
	return &SubagentMessage{Base: NewBase(KindSubagent, sessionID, turnID, d), Data: d}, nil
}

// NewConnectionUpdate constructs a connection_update message. Connection
// updates are session-scoped: they carry no turn identity.
func NewConnectionUpdate(sessionID string, data ConnectionUpdatePayload) *ConnectionUpdate {
	return &ConnectionUpdate{Base: NewBase(KindConnectionUpdate, sessionID, "", data), Data: data}
}

// NewApprovalRequested constructs an approval_request message. Most callers
// want NewApproval, which pairs the message with its blocking reply future.
func NewApprovalRequested(sessionID, turnID string, data ApprovalRequestedPayload) *ApprovalRequested {
	return &ApprovalRequested{Base: NewBase(KindApprovalRequested, sessionID, turnID, data), Data: data}
}

// NewApprovalResolved constructs an approval_resolved message.
func NewApprovalResolved(sessionID, turnID, id string, decision Decision) *ApprovalResolved {
	d := ApprovalResolvedPayload{ID: id, Decision: decision}
	return &ApprovalResolved{Base: NewBase(KindApprovalResolved, sessionID, turnID, d), Data: d}
}
