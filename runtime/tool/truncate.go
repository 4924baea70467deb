package tool

import (
	"fmt"
	"strings"
)

// TruncateMode selects which part of oversized output survives.
type TruncateMode string

const (
	// TruncateHeadTail keeps the opening and closing of the output and
	// elides the middle. Suits file and search output where both ends carry
	// signal.
	TruncateHeadTail TruncateMode = "head_tail"
	// TruncateTail keeps the end of the output. Suits command output where
	// the exit status and final errors matter most.
	TruncateTail TruncateMode = "tail"
)

// Default budgets applied when a tool does not override them.
const (
	DefaultMaxChars = 30000
	DefaultMaxLines = 1000
)

type (
	// Truncation is the output budget applied to a tool result before it
	// enters the context log. The full output still reaches the wire record.
	// Zero fields fall back to the defaults.
	Truncation struct {
		// MaxChars caps retained output runes. The elision marker is not
		// counted against the budget.
		MaxChars int
		// MaxLines caps retained output lines.
		MaxLines int
		// Mode selects what survives the cut.
		Mode TruncateMode
	}

	// OutputLimiter lets a tool override the default output budget.
	OutputLimiter interface {
		OutputBudget() Truncation
	}
)

// BudgetFor returns the tool's output budget, or the default when the tool
// does not declare one.
func BudgetFor(t Tool) Truncation {
	if l, ok := t.(OutputLimiter); ok {
		return l.OutputBudget().withDefaults()
	}
	return Truncation{}.withDefaults()
}

// Truncate applies the budget to s, reporting whether anything was cut.
func Truncate(s string, tr Truncation) (string, bool) {
	tr = tr.withDefaults()
	s, cutLines := capLines(s, tr.MaxLines, tr.Mode)
	s, cutRunes := capRunes(s, tr.MaxChars, tr.Mode)
	return s, cutLines || cutRunes
}

func (tr Truncation) withDefaults() Truncation {
	if tr.MaxChars <= 0 {
		tr.MaxChars = DefaultMaxChars
	}
	if tr.MaxLines <= 0 {
		tr.MaxLines = DefaultMaxLines
	}
	if tr.Mode == "" {
		tr.Mode = TruncateHeadTail
	}
	return tr
}

func capLines(s string, limit int, mode TruncateMode) (string, bool) {
	lines := strings.Split(s, "\n")
	if len(lines) <= limit {
		return s, false
	}
	marker := fmt.Sprintf("[... %d lines truncated ...]", len(lines)-limit)
	if mode == TruncateTail {
		kept := lines[len(lines)-limit:]
		return marker + "\n" + strings.Join(kept, "\n"), true
	}
	head := limit / 2
	tail := limit - head
	parts := make([]string, 0, limit+1)
	parts = append(parts, lines[:head]...)
	parts = append(parts, marker)
	parts = append(parts, lines[len(lines)-tail:]...)
	return strings.Join(parts, "\n"), true
}

func capRunes(s string, limit int, mode TruncateMode) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	marker := fmt.Sprintf("[... %d chars truncated ...]", len(runes)-limit)
	if mode == TruncateTail {
		return marker + "\n" + string(runes[len(runes)-limit:]), true
	}
	head := limit / 2
	tail := limit - head
	return string(runes[:head]) + "\n" + marker + "\n" + string(runes[len(runes)-tail:]), true
}
