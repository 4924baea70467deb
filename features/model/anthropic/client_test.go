package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func newTestClient(t *testing.T, stub *stubMessagesClient, opts Options) *Client {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "claude-sonnet-4-5"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	cl, err := New(stub, opts)
	require.NoError(t, err)
	return cl
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)

	_, err = New(&stubMessagesClient{}, Options{})
	require.ErrorContains(t, err, "default model")
}

func TestCompleteTranslatesConversation(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "done"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 40, OutputTokens: 9},
		},
	}
	cl := newTestClient(t, stub, Options{Temperature: 0.7})

	req := model.Request{
		System: "you are a coding agent",
		Messages: []model.Message{
			model.UserText("read main.go"),
			{
				Role: model.RoleAssistant,
				Parts: []model.Part{
					model.ThinkingPart{Text: "look at the file first", Signature: "sig-1"},
					model.TextPart{Text: "Reading it now."},
					model.ToolUsePart{ID: "call-1", Name: "read_file", Args: json.RawMessage(`{"path":"main.go"}`)},
				},
			},
			model.ToolResultMessage("call-1", "package main", false),
			model.UserText("thanks"),
		},
		Tools: []model.ToolDefinition{
			{
				Name:        "read_file",
				Description: "Read a file from the workspace",
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}},
			},
		},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	params := stub.lastParams
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	assert.Equal(t, int64(4096), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "you are a coding agent", params.System[0].Text)
	require.True(t, params.Temperature.Valid())
	assert.InDelta(t, 0.7, params.Temperature.Value, 1e-6)

	// user, assistant, tool results as user, user
	require.Len(t, params.Messages, 4)
	assert.Equal(t, sdk.MessageParamRoleUser, params.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, params.Messages[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, params.Messages[2].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, params.Messages[3].Role)

	assistant := params.Messages[1].Content
	require.Len(t, assistant, 3)
	require.NotNil(t, assistant[0].OfThinking)
	assert.Equal(t, "sig-1", assistant[0].OfThinking.Signature)
	require.NotNil(t, assistant[1].OfText)
	assert.Equal(t, "Reading it now.", assistant[1].OfText.Text)
	require.NotNil(t, assistant[2].OfToolUse)
	assert.Equal(t, "call-1", assistant[2].OfToolUse.ID)
	assert.Equal(t, "read_file", assistant[2].OfToolUse.Name)

	results := params.Messages[2].Content
	require.Len(t, results, 1)
	require.NotNil(t, results[0].OfToolResult)
	assert.Equal(t, "call-1", results[0].OfToolResult.ToolUseID)

	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "read_file", params.Tools[0].OfTool.Name)
	assert.Equal(t, "object", params.Tools[0].OfTool.InputSchema.ExtraFields["type"])

	assert.Equal(t, "done", resp.Message.Text())
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, 40, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)
}

func TestCompleteMapsSanitizedToolNameBack(t *testing.T) {
	stub := &stubMessagesClient{}
	cl := newTestClient(t, stub, Options{})

	req := model.Request{
		Messages: []model.Message{model.UserText("search the docs")},
		Tools: []model.ToolDefinition{
			{
				Name:        "mcp__docs__search.v2",
				Description: "Search the documentation index",
				InputSchema: map[string]any{"type": "object"},
			},
		},
	}

	sanitized := sanitizeToolName("mcp__docs__search.v2")
	require.Equal(t, "mcp__docs__search_v2", sanitized)

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "call-7", Name: sanitized, Input: json.RawMessage(`{"q":"go"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, stub.lastParams.Tools, 1)
	assert.Equal(t, sanitized, stub.lastParams.Tools[0].OfTool.Name)

	uses := resp.Message.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "mcp__docs__search.v2", uses[0].Name)
	assert.Equal(t, "call-7", uses[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, string(uses[0].Args))
	assert.Equal(t, string(sdk.StopReasonToolUse), resp.StopReason)
}

func TestCompleteSkipsUnsignedThinking(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			model.UserText("hi"),
			{
				Role: model.RoleAssistant,
				Parts: []model.Part{
					model.ThinkingPart{Text: "interrupted before the signature arrived"},
					model.TextPart{Text: "partial"},
				},
			},
			model.UserText("continue"),
		},
	})
	require.NoError(t, err)

	assistant := stub.lastParams.Messages[1]
	require.Len(t, assistant.Content, 1)
	assert.NotNil(t, assistant.Content[0].OfText)
}

func TestCompleteRequiresMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorContains(t, err, "max_tokens")
}

func TestCompleteThinkingBudgetValidation(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl := newTestClient(t, stub, Options{})
	msgs := []model.Message{model.UserText("hi")}

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: msgs,
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 512},
	})
	require.ErrorContains(t, err, ">= 1024")

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: msgs,
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 8192},
	})
	require.ErrorContains(t, err, "less than max_tokens")

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: msgs,
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 2048},
	})
	require.NoError(t, err)
	require.NotNil(t, stub.lastParams.Thinking.OfEnabled)
	assert.Equal(t, int64(2048), stub.lastParams.Thinking.OfEnabled.BudgetTokens)
}

func TestCompleteEmptyContentIsEmptyResponse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{StopReason: sdk.StopReasonEndTurn},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestCompleteClassifiesAPIError(t *testing.T) {
	httpReq, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	stub := &stubMessagesClient{
		err: &sdk.Error{
			StatusCode: http.StatusTooManyRequests,
			Request:    httpReq,
			Response: &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     http.Header{"Request-Id": []string{"req_abc123"}},
			},
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok, "expected provider error, got %v", err)
	assert.Equal(t, "anthropic", pe.Provider())
	assert.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
	assert.Equal(t, "req_abc123", pe.RequestID())
	assert.True(t, pe.Retryable())
}

func TestCompletePassesContextErrorsThrough(t *testing.T) {
	stub := &stubMessagesClient{err: context.Canceled}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorIs(t, err, context.Canceled)
	_, ok := model.AsProviderError(err)
	assert.False(t, ok)
}

func TestEncodeToolsRejectsCollisions(t *testing.T) {
	_, _, _, err := encodeTools([]model.ToolDefinition{
		{Name: "mcp__docs__search.v2", Description: "a", InputSchema: map[string]any{"type": "object"}},
		{Name: "mcp__docs__search_v2", Description: "b", InputSchema: map[string]any{"type": "object"}},
	})
	require.ErrorContains(t, err, "collides")
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "read_file", sanitizeToolName("read_file"))
	assert.Equal(t, "mcp__docs__search_v2", sanitizeToolName("mcp__docs__search.v2"))
	long := ""
	for range 80 {
		long += "a"
	}
	assert.Len(t, sanitizeToolName(long), maxProviderToolName)
}
