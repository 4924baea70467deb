package session

import (
	"context"
	"sync"

	"github.com/skeinlabs/skein/runtime/model"
)

// MemoryLog is an in-memory Log used for fenced subagent contexts and tests.
// It shares nothing with the parent session's log; the subagent's outcome
// returns to the parent as a single tool result, never as shared entries.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// NewMemoryLog builds a log pre-seeded with the given entries.
func NewMemoryLog(seed ...Entry) *MemoryLog {
	entries := make([]Entry, len(seed))
	copy(entries, seed)
	return &MemoryLog{entries: entries}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	l.entries = append(l.entries, e)
	return nil
}

// Entries implements Log.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// View implements Log.
func (l *MemoryLog) View() []model.Message {
	return Project(l.Entries())
}

// Close marks the log closed; further appends fail with ErrLogClosed.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
