package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skeinlabs/skein/runtime/model"
)

type (
	// CompactionOptions tunes when and how the log is compacted.
	CompactionOptions struct {
		// ContextWindow is the model's declared maximum context in tokens.
		ContextWindow int
		// Threshold is the fraction of ContextWindow at which compaction
		// triggers. Zero means the default of 0.75.
		Threshold float64
		// PreserveTurns is how many of the most recent top-level turns stay
		// verbatim; only history older than these is summarized. Zero means
		// the default of 2.
		PreserveTurns int
		// Model is the summarizer model identifier.
		Model string
		// MaxSummaryTokens caps the summary length. Zero means the default
		// of 1024.
		MaxSummaryTokens int
	}

	// Compactor shrinks the conversation view by summarizing old history into
	// a single compaction marker. The summarizer call is its own model
	// invocation whose request and response never enter the log.
	Compactor struct {
		client  model.Client
		counter TokenCounter
		opts    CompactionOptions
	}

	// CompactionResult reports what one Compact call did.
	CompactionResult struct {
		// Compacted is false when nothing beyond the preserved tail was
		// eligible, which makes repeated compaction idempotent on the view.
		Compacted bool
		// ContextTokens is the estimated view size before compaction.
		ContextTokens int
		// Reclaimed is the estimated token count removed from the view.
		Reclaimed int
		// Summary is the generated summary text.
		Summary string
	}
)

const (
	defaultThreshold        = 0.75
	defaultPreserveTurns    = 2
	defaultMaxSummaryTokens = 1024

	// transcriptPartLimit bounds how much of any single message reaches the
	// summarizer; the summary does not need full tool output to be faithful.
	transcriptPartLimit = 4000

	summarizerSystem = "You summarize coding sessions. Given a transcript of " +
		"a conversation between a user and a coding agent, produce a concise " +
		"summary that preserves: the user's goals and constraints, decisions " +
		"made, files created or modified, commands run with notable results, " +
		"and any unresolved problems. Write plain prose. Do not add advice."
)

// NewCompactor builds a compactor. The client performs summarization calls
// and should already carry retry wrapping.
func NewCompactor(client model.Client, counter TokenCounter, opts CompactionOptions) (*Compactor, error) {
	if client == nil {
		return nil, errors.New("session: summarizer client is required")
	}
	if counter == nil {
		return nil, errors.New("session: token counter is required")
	}
	if opts.ContextWindow <= 0 {
		return nil, errors.New("session: context window must be > 0")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.PreserveTurns <= 0 {
		opts.PreserveTurns = defaultPreserveTurns
	}
	if opts.MaxSummaryTokens <= 0 {
		opts.MaxSummaryTokens = defaultMaxSummaryTokens
	}
	return &Compactor{client: client, counter: counter, opts: opts}, nil
}

// Limit returns the token estimate above which compaction triggers.
func (c *Compactor) Limit() int {
	return int(c.opts.Threshold * float64(c.opts.ContextWindow))
}

// NeedsCompaction reports the estimated view size and whether it exceeds the
// configured share of the context window.
func (c *Compactor) NeedsCompaction(log Log) (int, bool) {
	tokens := c.counter.Count(log.View())
	return tokens, tokens > c.Limit()
}

// Compact summarizes everything older than the preserved tail and appends a
// compaction marker. When fewer turns exist than the preserved tail allows,
// it reports Compacted false and leaves the log untouched.
func (c *Compactor) Compact(ctx context.Context, log Log) (CompactionResult, error) {
	entries := log.Entries()
	visible := visibleEntries(entries)

	before := c.counter.Count(Project(visible))
	res := CompactionResult{ContextTokens: before}

	cut := compactionCut(visible, c.opts.PreserveTurns)
	if cut <= 0 {
		return res, nil
	}
	span, tail := visible[:cut], visible[cut:]

	summary, err := c.summarize(ctx, span)
	if err != nil {
		return res, fmt.Errorf("session: summarize history: %w", err)
	}

	var keepTurn string
	if b := tail[0].Boundary; b != nil {
		keepTurn = b.TurnID
	}
	marker := NewCompactionEntry(summary, keepTurn, 0)
	compacted := make([]Entry, 0, len(tail)+1)
	compacted = append(compacted, marker)
	compacted = append(compacted, tail...)
	after := c.counter.Count(Project(compacted))

	reclaimed := before - after
	if reclaimed < 0 {
		reclaimed = 0
	}
	marker.Compaction.Reclaimed = reclaimed

	if err := log.Append(ctx, marker); err != nil {
		return res, err
	}
	res.Compacted = true
	res.Reclaimed = reclaimed
	res.Summary = summary
	return res, nil
}

// compactionCut returns the visible index where the preserved tail begins,
// or 0 when no complete turn exists beyond the tail.
func compactionCut(visible []Entry, preserve int) int {
	var boundaries []int
	for i, e := range visible {
		if e.Kind == EntryTurnBoundary {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) <= preserve {
		return 0
	}
	return boundaries[len(boundaries)-preserve]
}

func (c *Compactor) summarize(ctx context.Context, span []Entry) (string, error) {
	transcript := renderTranscript(Project(span))
	resp, err := c.client.Complete(ctx, model.Request{
		Model:     c.opts.Model,
		System:    summarizerSystem,
		Messages:  []model.Message{model.UserText(transcript)},
		MaxTokens: c.opts.MaxSummaryTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return "", model.ErrEmptyResponse
	}
	return summary, nil
}

// renderTranscript flattens a conversation view into role-prefixed text for
// the summarizer. Long parts are clipped; the summary does not depend on
// full tool output.
func renderTranscript(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				fmt.Fprintf(&b, "%s: %s\n", m.Role, clip(v.Text))
			case model.ThinkingPart:
				// Reasoning is internal; it never informs the summary.
			case model.ToolUsePart:
				fmt.Fprintf(&b, "assistant invoked %s(%s)\n", v.Name, clip(string(v.Args)))
			case model.ToolResultPart:
				label := "tool result"
				if v.IsError {
					label = "tool error"
				}
				fmt.Fprintf(&b, "%s: %s\n", label, clip(v.Content))
			}
		}
	}
	return b.String()
}

func clip(text string) string {
	runes := []rune(text)
	if len(runes) <= transcriptPartLimit {
		return text
	}
	return string(runes[:transcriptPartLimit]) + " [clipped]"
}
