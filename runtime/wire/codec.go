package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind reports an envelope whose type has no registered decoder.
var ErrUnknownKind = errors.New("wire: unknown message kind")

// Envelope is the serialized form of a Message: a tagged union persisted one
// per line in the wire record and forwarded verbatim by stream transports.
// The payload stays raw until Decode so readers can route on Type without
// paying for full deserialization.
type Envelope struct {
	Type      Kind            `json:"type"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode converts a message into its envelope form.
func Encode(msg Message) (Envelope, error) {
	var (
		raw json.RawMessage
		err error
	)
	if p := msg.Payload(); p != nil {
		raw, err = json.Marshal(p)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", msg.Kind(), err)
		}
	}
	at := time.Now().UTC()
	if tm, ok := msg.(interface{ Time() time.Time }); ok {
		at = tm.Time()
	}
	return Envelope{
		Type:      msg.Kind(),
		SessionID: msg.SessionID(),
		TurnID:    msg.TurnID(),
		At:        at,
		Payload:   raw,
	}, nil
}

// EncodeLine marshals a message as a single JSON line, newline included.
func EncodeLine(msg Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode reconstructs the concrete message from an envelope. The returned
// message is equivalent to the originally encoded one: same kind, identities,
// timestamp, and typed payload.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case KindTurnBegin:
		return decodeAs(env, func(d TurnBeginPayload, b Base) Message { return &TurnBegin{Base: b, Data: d} })
	case KindStepBegin:
		return decodeAs(env, func(d StepBeginPayload, b Base) Message { return &StepBegin{Base: b, Data: d} })
	case KindTextDelta:
		return decodeAs(env, func(d TextDeltaPayload, b Base) Message { return &TextDelta{Base: b, Data: d} })
	case KindThinkDelta:
		return decodeAs(env, func(d ThinkDeltaPayload, b Base) Message { return &ThinkDelta{Base: b, Data: d} })
	case KindAssistantMessage:
		return decodeAs(env, func(d AssistantMessagePayload, b Base) Message { return &AssistantMessage{Base: b, Data: d} })
	case KindToolCallBegin:
		return decodeAs(env, func(d ToolCallBeginPayload, b Base) Message { return &ToolCallBegin{Base: b, Data: d} })
	case KindToolCallEnd:
		return decodeAs(env, func(d ToolCallEndPayload, b Base) Message { return &ToolCallEnd{Base: b, Data: d} })
	case KindStatusUpdate:
		return decodeAs(env, func(d StatusUpdatePayload, b Base) Message { return &StatusUpdate{Base: b, Data: d} })
	case KindCompactionBegin:
		return decodeAs(env, func(d CompactionBeginPayload, b Base) Message { return &CompactionBegin{Base: b, Data: d} })
	case KindCompactionEnd:
		return decodeAs(env, func(d CompactionEndPayload, b Base) Message { return &CompactionEnd{Base: b, Data: d} })
	case KindStepInterrupted:
		return decodeAs(env, func(d StepInterruptedPayload, b Base) Message { return &StepInterrupted{Base: b, Data: d} })
	case KindTurnEnd:
		return decodeAs(env, func(d TurnEndPayload, b Base) Message { return &TurnEnd{Base: b, Data: d} })
	case KindSubagent:
		return decodeAs(env, func(d SubagentPayload, b Base) Message { return &SubagentMessage{Base: b, Data: d} })
	case KindConnectionUpdate:
		return decodeAs(env, func(d ConnectionUpdatePayload, b Base) Message { return &ConnectionUpdate{Base: b, Data: d} })
	case KindApprovalRequested:
		return decodeAs(env, func(d ApprovalRequestedPayload, b Base) Message { return &ApprovalRequested{Base: b, Data: d} })
	case KindApprovalResolved:
		return decodeAs(env, func(d ApprovalResolvedPayload, b Base) Message { return &ApprovalResolved{Base: b, Data: d} })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

// DecodeLine parses one JSON line into its concrete message.
func DecodeLine(line []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return Decode(env)
}

func decodeAs[T any](env Envelope, build func(T, Base) Message) (Message, error) {
	var d T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return nil, fmt.Errorf("wire: decode %s payload: %w", env.Type, err)
		}
	}
	b := Base{k: env.Type, s: env.SessionID, t: env.TurnID, p: d, at: env.At}
	return build(d, b), nil
}
