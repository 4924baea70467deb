package model

import "encoding/json"

// Accumulator folds streaming chunks into a complete assistant message. The
// merge rules mirror how providers fragment output: consecutive text deltas
// concatenate into one part, thinking deltas concatenate until the block's
// signature seals the part, and tool-call argument fragments concatenate per
// provider block index. Part order follows first arrival.
//
// Accumulator is not safe for concurrent use; feed it from the single
// goroutine consuming the Streamer.
type Accumulator struct {
	builders []*partBuilder
	byIndex  map[int]*partBuilder
	usage    TokenUsage
	stop     string
}

type partBuilder struct {
	kind      string // "text", "thinking", "tool_use"
	text      []byte
	signature string
	id        string
	name      string
	args      []byte
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{byIndex: make(map[int]*partBuilder)}
}

// Add folds one chunk into the accumulated state.
func (a *Accumulator) Add(c Chunk) {
	switch c.Type {
	case ChunkTypeText:
		b := a.last()
		if b == nil || b.kind != "text" {
			b = &partBuilder{kind: "text"}
			a.builders = append(a.builders, b)
		}
		b.text = append(b.text, c.Text...)
	case ChunkTypeThinking:
		b := a.last()
		if b == nil || b.kind != "thinking" || b.signature != "" {
			b = &partBuilder{kind: "thinking"}
			a.builders = append(a.builders, b)
		}
		b.text = append(b.text, c.Thinking...)
		if c.Signature != "" {
			b.signature = c.Signature
		}
	case ChunkTypeToolCall:
		if c.ToolCall == nil {
			return
		}
		b, ok := a.byIndex[c.ToolCall.Index]
		if !ok {
			b = &partBuilder{kind: "tool_use"}
			a.byIndex[c.ToolCall.Index] = b
			a.builders = append(a.builders, b)
		}
		if c.ToolCall.ID != "" {
			b.id = c.ToolCall.ID
		}
		if c.ToolCall.Name != "" {
			b.name = c.ToolCall.Name
		}
		b.args = append(b.args, c.ToolCall.Args...)
	case ChunkTypeUsage:
		if c.Usage == nil {
			return
		}
		// Providers report cumulative counters; the latest non-zero value wins.
		if c.Usage.InputTokens > 0 {
			a.usage.InputTokens = c.Usage.InputTokens
		}
		if c.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = c.Usage.OutputTokens
		}
	case ChunkTypeStop:
		a.stop = c.StopReason
	}
}

// Message assembles the accumulated assistant message. It returns
// ErrEmptyResponse when the stream produced neither content nor tool calls.
func (a *Accumulator) Message() (Message, error) {
	parts := make([]Part, 0, len(a.builders))
	for _, b := range a.builders {
		switch b.kind {
		case "text":
			if len(b.text) == 0 {
				continue
			}
			parts = append(parts, TextPart{Text: string(b.text)})
		case "thinking":
			if len(b.text) == 0 && b.signature == "" {
				continue
			}
			parts = append(parts, ThinkingPart{Text: string(b.text), Signature: b.signature})
		case "tool_use":
			args := b.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			parts = append(parts, ToolUsePart{ID: b.id, Name: b.name, Args: json.RawMessage(args)})
		}
	}
	if len(parts) == 0 {
		return Message{}, ErrEmptyResponse
	}
	return Message{Role: RoleAssistant, Parts: parts}, nil
}

// Usage returns the accumulated token usage.
func (a *Accumulator) Usage() TokenUsage { return a.usage }

// StopReason returns the last observed stop reason.
func (a *Accumulator) StopReason() string { return a.stop }

func (a *Accumulator) last() *partBuilder {
	if len(a.builders) == 0 {
		return nil
	}
	return a.builders[len(a.builders)-1]
}
