// Package session provides the durable conversation substrate: an append-only
// context log per session, a pure projection that rebuilds the provider
// conversation from the log, token-budget compaction, and the on-disk store
// that maps working directories to session directories.
//
// The log is the single source of truth. Entries are immutable once appended;
// every in-memory view is recomputed from the log and never written back.
// Compaction and rewind both work by appending markers, so history is never
// rewritten in place and a crash can lose at most the entry being written.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/skeinlabs/skein/runtime/model"
)

var (
	// ErrNotFound indicates the requested session does not exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrLogClosed indicates an append was attempted after the log was closed.
	ErrLogClosed = errors.New("session log closed")
)

// EntryKind discriminates context log entry types.
type EntryKind string

const (
	// EntryUserMessage is end-user input starting or steering a turn.
	EntryUserMessage EntryKind = "user_message"
	// EntryAssistantMessage is a complete assistant message, tool-use
	// requests included.
	EntryAssistantMessage EntryKind = "assistant_message"
	// EntryToolResult is the terminal outcome of one tool call.
	EntryToolResult EntryKind = "tool_result"
	// EntryTurnBoundary marks the start of a new top-level turn.
	EntryTurnBoundary EntryKind = "turn_boundary"
	// EntryCompactionMarker records that history before this point was
	// summarized, with the summary text and the token count reclaimed.
	EntryCompactionMarker EntryKind = "compaction_marker"
	// EntryRewindMarker records a rewind to a prior turn boundary. The view
	// replays only entries at or before the referenced boundary; the log
	// itself keeps everything.
	EntryRewindMarker EntryKind = "rewind_marker"
)

type (
	// Entry is a single context log record. Kind selects which variant
	// pointer is set; exactly one is non-nil.
	Entry struct {
		Kind       EntryKind         `json:"kind"`
		At         time.Time         `json:"at"`
		User       *UserMessage      `json:"user,omitempty"`
		Assistant  *AssistantMessage `json:"assistant,omitempty"`
		ToolResult *ToolResult       `json:"tool_result,omitempty"`
		Boundary   *TurnBoundary     `json:"boundary,omitempty"`
		Compaction *CompactionMarker `json:"compaction,omitempty"`
		Rewind     *RewindMarker     `json:"rewind,omitempty"`
	}

	// UserMessage holds user input.
	UserMessage struct {
		Text string `json:"text"`
	}

	// AssistantMessage holds a complete assistant message with its typed
	// parts (text, thinking with optional provider signature, tool uses).
	AssistantMessage struct {
		Message model.Message `json:"message"`
	}

	// ToolResult holds the recorded outcome of one tool call.
	ToolResult struct {
		// CallID correlates with the tool-use part that requested the call.
		CallID string `json:"call_id"`
		// Name is the tool that produced the result.
		Name string `json:"name"`
		// Content is the tool output fed back to the model, already truncated
		// to the tool's budget. The untruncated output lives in the wire
		// record only.
		Content string `json:"content"`
		// IsError marks failed invocations. The model sees error content as
		// ordinary tool output.
		IsError bool `json:"is_error,omitempty"`
		// ErrorKind classifies failures (invalid_args, exec_failed, timeout,
		// denied, interrupted). Empty on success.
		ErrorKind string `json:"error_kind,omitempty"`
	}

	// TurnBoundary marks the start of a top-level turn.
	TurnBoundary struct {
		TurnID string `json:"turn_id"`
	}

	// CompactionMarker carries the generated summary standing in for the
	// summarized span. TurnID names the first turn kept verbatim after the
	// summary; when empty, or when no such boundary exists, the marker
	// stands in for everything before it.
	CompactionMarker struct {
		Summary   string `json:"summary"`
		TurnID    string `json:"turn_id,omitempty"`
		Reclaimed int    `json:"reclaimed_tokens"`
	}

	// RewindMarker references the turn boundary the view rewinds to.
	RewindMarker struct {
		TurnID string `json:"turn_id"`
		Reason string `json:"reason,omitempty"`
	}

	// Log is the append-only surface the turn orchestrator writes through.
	// Session implements it durably; MemoryLog implements it for fenced
	// subagent contexts.
	Log interface {
		// Append adds an entry to the log. Fails with ErrLogClosed once the
		// log is closed.
		Append(ctx context.Context, e Entry) error
		// Entries returns a copy of the full log in append order.
		Entries() []Entry
		// View projects the log into the provider conversation.
		View() []model.Message
	}
)

// NewUserEntry wraps user input.
func NewUserEntry(text string) Entry {
	return Entry{
		Kind: EntryUserMessage,
		At:   time.Now().UTC(),
		User: &UserMessage{Text: text},
	}
}

// NewAssistantEntry wraps a complete assistant message.
func NewAssistantEntry(msg model.Message) Entry {
	return Entry{
		Kind:      EntryAssistantMessage,
		At:        time.Now().UTC(),
		Assistant: &AssistantMessage{Message: msg},
	}
}

// NewToolResultEntry wraps a tool outcome.
func NewToolResultEntry(tr ToolResult) Entry {
	return Entry{
		Kind:       EntryToolResult,
		At:         time.Now().UTC(),
		ToolResult: &tr,
	}
}

// NewTurnBoundaryEntry marks the start of a turn.
func NewTurnBoundaryEntry(turnID string) Entry {
	return Entry{
		Kind:     EntryTurnBoundary,
		At:       time.Now().UTC(),
		Boundary: &TurnBoundary{TurnID: turnID},
	}
}

// NewCompactionEntry records a compaction summary. turnID names the first
// preserved turn; pass "" when the summary covers the whole log.
func NewCompactionEntry(summary, turnID string, reclaimed int) Entry {
	return Entry{
		Kind:       EntryCompactionMarker,
		At:         time.Now().UTC(),
		Compaction: &CompactionMarker{Summary: summary, TurnID: turnID, Reclaimed: reclaimed},
	}
}

// NewRewindEntry records a rewind to the given turn boundary.
func NewRewindEntry(turnID, reason string) Entry {
	return Entry{
		Kind:   EntryRewindMarker,
		At:     time.Now().UTC(),
		Rewind: &RewindMarker{TurnID: turnID, Reason: reason},
	}
}

// Validate checks that the entry kind matches its populated variant.
func (e Entry) Validate() error {
	var ok bool
	switch e.Kind {
	case EntryUserMessage:
		ok = e.User != nil
	case EntryAssistantMessage:
		ok = e.Assistant != nil
	case EntryToolResult:
		ok = e.ToolResult != nil && e.ToolResult.CallID != ""
	case EntryTurnBoundary:
		ok = e.Boundary != nil && e.Boundary.TurnID != ""
	case EntryCompactionMarker:
		ok = e.Compaction != nil
	case EntryRewindMarker:
		ok = e.Rewind != nil && e.Rewind.TurnID != ""
	default:
		return errors.New("session: unknown entry kind " + string(e.Kind))
	}
	if !ok {
		return errors.New("session: entry " + string(e.Kind) + " missing payload")
	}
	return nil
}
