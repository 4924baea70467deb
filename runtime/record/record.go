// Package record defines the append-only wire record: every envelope the
// runtime emits is persisted verbatim, in emission order, keyed by session.
// The record is the replay source for session resume and the audit trail for
// everything a user saw, including output that was truncated before reaching
// the model context.
//
// Store implementations must assign monotonically increasing entry IDs within
// a session so that List pagination is stable across process restarts.
package record

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skeinlabs/skein/runtime/wire"
)

type (
	// Entry is a single recorded wire envelope plus the store-assigned ID.
	// All fields other than ID mirror wire.Envelope so that a recorded entry
	// can be decoded back into the message that produced it.
	Entry struct {
		// ID is assigned by the store on Append. IDs are unique and
		// monotonically increasing within a session; their format is
		// store-specific and must be treated as opaque by callers.
		ID string `json:"id,omitempty"`
		// Type is the wire kind of the recorded message.
		Type wire.Kind `json:"type"`
		// SessionID identifies the session the message belongs to.
		SessionID string `json:"session_id"`
		// TurnID identifies the turn, when the message is turn-scoped.
		TurnID string `json:"turn_id,omitempty"`
		// Payload is the kind-specific payload, marshaled exactly as it was
		// sent on the wire.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Timestamp is the emission time carried on the envelope.
		Timestamp time.Time `json:"at"`
	}

	// Page is a bounded, oldest-first slice of entries for one session.
	Page struct {
		// Entries holds the recorded envelopes in append order.
		Entries []*Entry
		// NextCursor resumes listing after the last returned entry. Empty
		// when the page reached the end of the record.
		NextCursor string
	}

	// Store persists wire entries. Implementations must be safe for
	// concurrent use: parallel tool lanes append from multiple goroutines.
	Store interface {
		// Append persists the entry and assigns Entry.ID. The entry must
		// carry a session ID, a type, and a timestamp.
		Append(ctx context.Context, e *Entry) error

		// List returns entries for the session in append order, starting
		// after cursor (or from the beginning when cursor is empty), up to
		// limit entries. A non-empty Page.NextCursor means more entries
		// remain.
		List(ctx context.Context, sessionID string, cursor string, limit int) (Page, error)
	}
)

// FromMessage converts a wire message into a record entry. The entry ID is
// left empty for the store to assign.
func FromMessage(msg wire.Message) (*Entry, error) {
	env, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	return FromEnvelope(env), nil
}

// FromEnvelope converts an already-encoded envelope into a record entry.
func FromEnvelope(env wire.Envelope) *Entry {
	return &Entry{
		Type:      env.Type,
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		Payload:   append(json.RawMessage(nil), env.Payload...),
		Timestamp: env.At,
	}
}

// Envelope reconstructs the wire envelope recorded in the entry.
func (e *Entry) Envelope() wire.Envelope {
	return wire.Envelope{
		Type:      e.Type,
		SessionID: e.SessionID,
		TurnID:    e.TurnID,
		Payload:   append(json.RawMessage(nil), e.Payload...),
		At:        e.Timestamp,
	}
}

// Message decodes the recorded envelope back into its typed wire message.
func (e *Entry) Message() (wire.Message, error) {
	return wire.Decode(e.Envelope())
}
