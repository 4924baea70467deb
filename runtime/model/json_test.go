package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartMarshalJSONIncludesKind(t *testing.T) {
	cases := []struct {
		name string
		part Part
		kind string
	}{
		{name: "text", part: TextPart{Text: "hello"}, kind: "text"},
		{name: "thinking", part: ThinkingPart{Text: "hmm", Signature: "sig"}, kind: "thinking"},
		{name: "tool_use", part: ToolUsePart{ID: "tu_1", Name: "grep", Args: json.RawMessage(`{"pattern":"x"}`)}, kind: "tool_use"},
		{name: "tool_result", part: ToolResultPart{ToolUseID: "tu_1", Content: "3 matches"}, kind: "tool_result"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.part)
			require.NoError(t, err)
			var obj map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &obj))

			var kind string
			require.NoError(t, json.Unmarshal(obj["Kind"], &kind))
			require.Equal(t, tt.kind, kind)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			ThinkingPart{Text: "consider the file", Signature: "sig-abc"},
			TextPart{Text: "I will read it."},
			ToolUsePart{ID: "tu_9", Name: "read_file", Args: json.RawMessage(`{"path":"a.txt"}`)},
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, RoleAssistant, back.Role)
	require.Len(t, back.Parts, 3)

	think, ok := back.Parts[0].(ThinkingPart)
	require.True(t, ok)
	require.Equal(t, "sig-abc", think.Signature)

	use, ok := back.Parts[2].(ToolUsePart)
	require.True(t, ok)
	require.Equal(t, "read_file", use.Name)
	require.JSONEq(t, `{"path":"a.txt"}`, string(use.Args))
}

func TestDecodePartRejectsUnknownKind(t *testing.T) {
	_, err := DecodePart([]byte(`{"Kind":"video","URL":"x"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown part kind")
}

func TestDecodePartRequiresDiscriminator(t *testing.T) {
	_, err := DecodePart([]byte(`{"Text":"orphan"}`))
	require.Error(t, err)
}

func TestDecodePartValidatesRequiredFields(t *testing.T) {
	_, err := DecodePart([]byte(`{"Kind":"tool_use","Args":{}}`))
	require.Error(t, err)

	_, err = DecodePart([]byte(`{"Kind":"tool_result","Content":"x"}`))
	require.Error(t, err)
}
