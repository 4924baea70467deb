package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorMergesTextDeltas(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeText, Text: "Hello, "})
	acc.Add(Chunk{Type: ChunkTypeText, Text: "world"})
	acc.Add(Chunk{Type: ChunkTypeStop, StopReason: "end_turn"})

	msg, err := acc.Message()
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	require.Equal(t, "Hello, world", msg.Text())
	require.Equal(t, "end_turn", acc.StopReason())
}

func TestAccumulatorSealsThinkingOnSignature(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeThinking, Thinking: "step one "})
	acc.Add(Chunk{Type: ChunkTypeThinking, Thinking: "step two", Signature: "sig-1"})
	// A delta after the signature starts a fresh thinking part.
	acc.Add(Chunk{Type: ChunkTypeThinking, Thinking: "new block"})

	msg, err := acc.Message()
	require.NoError(t, err)
	require.Len(t, msg.Parts, 2)

	first, ok := msg.Parts[0].(ThinkingPart)
	require.True(t, ok)
	require.Equal(t, "step one step two", first.Text)
	require.Equal(t, "sig-1", first.Signature)

	second, ok := msg.Parts[1].(ThinkingPart)
	require.True(t, ok)
	require.Equal(t, "new block", second.Text)
	require.Empty(t, second.Signature)
}

func TestAccumulatorConcatenatesToolArgsByIndex(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 0, ID: "tu_a", Name: "grep"}})
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 1, ID: "tu_b", Name: "glob"}})
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 0, Args: `{"pattern":`}})
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 1, Args: `{"glob":"*.go"}`}})
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 0, Args: `"x"}`}})

	msg, err := acc.Message()
	require.NoError(t, err)
	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	require.Equal(t, "tu_a", uses[0].ID)
	require.JSONEq(t, `{"pattern":"x"}`, string(uses[0].Args))
	require.Equal(t, "tu_b", uses[1].ID)
	require.JSONEq(t, `{"glob":"*.go"}`, string(uses[1].Args))
}

func TestAccumulatorDefaultsEmptyToolArgs(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{Index: 0, ID: "tu_a", Name: "list"}})

	msg, err := acc.Message()
	require.NoError(t, err)
	uses := msg.ToolUses()
	require.Len(t, uses, 1)
	require.JSONEq(t, `{}`, string(uses[0].Args))
}

func TestAccumulatorEmptyStreamIsError(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeUsage, Usage: &TokenUsage{InputTokens: 10}})
	acc.Add(Chunk{Type: ChunkTypeStop, StopReason: "end_turn"})

	_, err := acc.Message()
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Equal(t, 10, acc.Usage().InputTokens)
}

func TestAccumulatorUsageLatestWins(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Type: ChunkTypeUsage, Usage: &TokenUsage{InputTokens: 100}})
	acc.Add(Chunk{Type: ChunkTypeText, Text: "ok"})
	acc.Add(Chunk{Type: ChunkTypeUsage, Usage: &TokenUsage{OutputTokens: 5}})
	acc.Add(Chunk{Type: ChunkTypeUsage, Usage: &TokenUsage{OutputTokens: 17}})

	require.Equal(t, TokenUsage{InputTokens: 100, OutputTokens: 17}, acc.Usage())
}
