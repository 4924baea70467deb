package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/model"
)

type stubRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error

	streamInput *bedrockruntime.ConverseStreamInput
	streamOut   *bedrockruntime.ConverseStreamOutput
	streamErr   error
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.captured = params
	return s.output, s.err
}

func (s *stubRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	s.streamInput = params
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	if s.streamOut != nil {
		return s.streamOut, nil
	}
	return &bedrockruntime.ConverseStreamOutput{}, nil
}

func newTestClient(t *testing.T, stub *stubRuntime, opts Options) *Client {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	}
	cl, err := New(stub, opts)
	require.NoError(t, err)
	return cl
}

func documentJSON(t *testing.T, doc document.Interface) map[string]any {
	t.Helper()
	require.NotNil(t, doc)
	raw, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "anthropic.claude-sonnet-4-5-20250929-v1:0"})
	require.Error(t, err)

	_, err = New(&stubRuntime{}, Options{})
	require.ErrorContains(t, err, "default model")
}

func TestCompleteTranslatesConversation(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberReasoningText{
							Value: brtypes.ReasoningTextBlock{
								Text:      aws.String("inspect the file"),
								Signature: aws.String("sig-2"),
							},
						},
					},
					&brtypes.ContentBlockMemberText{Value: "done"},
				},
			}},
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(40),
				OutputTokens: aws.Int32(9),
				TotalTokens:  aws.Int32(49),
			},
			StopReason: brtypes.StopReasonEndTurn,
		},
	}
	cl := newTestClient(t, stub, Options{MaxTokens: 4096, Temperature: 0.7})

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
			{
				Role: model.RoleTool,
				Parts: []model.Part{
					model.ToolResultPart{ToolUseID: "call-1", Content: "package main"},
				},
			},
			model.UserText("now summarize it"),
		},
		Tools: []model.ToolDefinition{
			{
				Name:        "read_file",
				Description: "Read a file from the workspace.",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
				},
			},
		},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	input := stub.captured
	require.NotNil(t, input)
	assert.Equal(t, "anthropic.claude-sonnet-4-5-20250929-v1:0", aws.ToString(input.ModelId))

	require.Len(t, input.System, 1)
	sys, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "you are a coding agent", sys.Value)

	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(4096), aws.ToInt32(input.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.7, float64(aws.ToFloat32(input.InferenceConfig.Temperature)), 1e-6)

	require.Len(t, input.Messages, 4)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, input.Messages[1].Role)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[2].Role)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[3].Role)

	assistant := input.Messages[1].Content
	require.Len(t, assistant, 3)
	reasoning, ok := assistant[0].(*brtypes.ContentBlockMemberReasoningContent)
	require.True(t, ok)
	reasoningText, ok := reasoning.Value.(*brtypes.ReasoningContentBlockMemberReasoningText)
	require.True(t, ok)
	assert.Equal(t, "look at the file first", aws.ToString(reasoningText.Value.Text))
	assert.Equal(t, "sig-1", aws.ToString(reasoningText.Value.Signature))

	toolUse, ok := assistant[2].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "read_file", aws.ToString(toolUse.Value.Name))
	assert.Equal(t, "call-1", aws.ToString(toolUse.Value.ToolUseId))
	assert.Equal(t, "main.go", documentJSON(t, toolUse.Value.Input)["path"])

	toolResult, ok := input.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "call-1", aws.ToString(toolResult.Value.ToolUseId))
	resultText, ok := toolResult.Value.Content[0].(*brtypes.ToolResultContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "package main", resultText.Value)

	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	spec, ok := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "read_file", aws.ToString(spec.Value.Name))
	schema, ok := spec.Value.InputSchema.(*brtypes.ToolInputSchemaMemberJson)
	require.True(t, ok)
	assert.Equal(t, "object", documentJSON(t, schema.Value)["type"])

	assert.Equal(t, model.RoleAssistant, resp.Message.Role)
	require.Len(t, resp.Message.Parts, 2)
	thinking, ok := resp.Message.Parts[0].(model.ThinkingPart)
	require.True(t, ok)
	assert.Equal(t, "inspect the file", thinking.Text)
	assert.Equal(t, "sig-2", thinking.Signature)
	assert.Equal(t, "done", resp.Message.Text())
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 40, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)
}

func TestCompleteMapsSanitizedToolNameBack(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:      aws.String("$FUNCTIONS.mcp__docs__search_v2"),
						ToolUseId: aws.String("tu_7"),
						Input:     document.NewLazyDocument(&map[string]any{"q": "streams"}),
					}},
				},
			}},
			StopReason: brtypes.StopReasonToolUse,
		},
	}
	cl := newTestClient(t, stub, Options{})

	canonical := "mcp__docs__search.v2"
	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("find the streaming docs")},
		Tools: []model.ToolDefinition{
			{Name: canonical, Description: "Search the docs index."},
		},
	})
	require.NoError(t, err)

	spec, ok := stub.captured.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "mcp__docs__search_v2", aws.ToString(spec.Value.Name))

	uses := resp.Message.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tu_7", uses[0].ID)
	assert.Equal(t, canonical, uses[0].Name)
	assert.JSONEq(t, `{"q":"streams"}`, string(uses[0].Args))
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestCompleteRemapsUnsafeToolUseIDs(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ok"}},
			}},
		},
	}
	cl := newTestClient(t, stub, Options{})

	unsafeID := "sessions/abc 123/call#1"
	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			model.UserText("run it"),
			{
				Role: model.RoleAssistant,
				Parts: []model.Part{
					model.ToolUsePart{ID: unsafeID, Name: "run_shell", Args: json.RawMessage(`{}`)},
				},
			},
			{
				Role: model.RoleTool,
				Parts: []model.Part{
					model.ToolResultPart{ToolUseID: unsafeID, Content: "exit 0", IsError: true},
				},
			},
		},
		Tools: []model.ToolDefinition{
			{Name: "run_shell", Description: "Run a shell command."},
		},
	})
	require.NoError(t, err)

	toolUse, ok := stub.captured.Messages[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	toolResult, ok := stub.captured.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)

	remapped := aws.ToString(toolUse.Value.ToolUseId)
	assert.Equal(t, "t1", remapped)
	assert.Equal(t, remapped, aws.ToString(toolResult.Value.ToolUseId))
	assert.Equal(t, brtypes.ToolResultStatusError, toolResult.Value.Status)
}

func TestCompleteRequiresToolConfigForToolBlocks(t *testing.T) {
	cl := newTestClient(t, &stubRuntime{}, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			model.UserText("run it"),
			{
				Role: model.RoleAssistant,
				Parts: []model.Part{
					model.ToolUsePart{ID: "t1", Name: "run_shell", Args: json.RawMessage(`{}`)},
				},
			},
		},
	})
	require.ErrorContains(t, err, "no tools provided")
}

func TestCompleteEncodesThinkingFields(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ok"}},
			}},
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 2048},
	})
	require.NoError(t, err)

	fields := documentJSON(t, stub.captured.AdditionalModelRequestFields)
	thinking, ok := fields["thinking"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "enabled", thinking["type"])
	assert.InDelta(t, 2048, thinking["budget_tokens"], 0.001)
}

func TestCompleteDefaultsThinkingBudget(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ok"}},
			}},
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
		Thinking: &model.ThinkingOptions{Enable: true},
	})
	require.NoError(t, err)

	fields := documentJSON(t, stub.captured.AdditionalModelRequestFields)
	thinking, ok := fields["thinking"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, defaultThinkingBudget, thinking["budget_tokens"], 0.001)
}

func TestCompleteEmptyOutputIsEmptyResponse(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
			}},
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	stub := &stubRuntime{
		err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.Error(t, err)

	perr, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "bedrock", perr.Provider())
	assert.Equal(t, model.ProviderErrorKindRateLimited, perr.Kind())
	assert.Equal(t, http.StatusTooManyRequests, perr.HTTPStatus())
	assert.Equal(t, "ThrottlingException", perr.Code())
	assert.True(t, perr.Retryable())
}

func TestCompleteClassifiesHTTPStatus(t *testing.T) {
	stub := &stubRuntime{
		err: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}},
			Err:      errors.New("internal failure"),
		},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.Error(t, err)

	perr, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnavailable, perr.Kind())
	assert.Equal(t, http.StatusInternalServerError, perr.HTTPStatus())
	assert.True(t, perr.Retryable())
}

func TestCompletePassesContextErrorsThrough(t *testing.T) {
	stub := &stubRuntime{err: context.Canceled}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorIs(t, err, context.Canceled)
	_, ok := model.AsProviderError(err)
	assert.False(t, ok)
}

func TestStreamEstablishmentFailureClassified(t *testing.T) {
	stub := &stubRuntime{
		streamErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"},
	}
	cl := newTestClient(t, stub, Options{})

	_, err := cl.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.Error(t, err)
	perr, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "converse_stream", perr.Operation())
	assert.Equal(t, model.ProviderErrorKindRateLimited, perr.Kind())
}

func TestStreamRejectsMissingEventStream(t *testing.T) {
	cl := newTestClient(t, &stubRuntime{}, Options{})

	_, err := cl.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserText("hi")},
	})
	require.ErrorContains(t, err, "event stream")
}

func TestEncodeToolsRejectsCollisions(t *testing.T) {
	_, _, _, err := encodeTools([]model.ToolDefinition{
		{Name: "mcp__a__run.task", Description: "first"},
		{Name: "mcp__a__run:task", Description: "second"},
	})
	require.ErrorContains(t, err, "collides")
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"read_file":            "read_file",
		"mcp__docs__search.v2": "mcp__docs__search_v2",
		"weird name!":          "weird_name_",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeToolName(in), "input %q", in)
	}

	long := ""
	for range 80 {
		long += "a"
	}
	sanitized := SanitizeToolName(long)
	assert.Len(t, sanitized, 64)
	assert.Contains(t, sanitized, "_")

	other := long + "b"
	assert.NotEqual(t, sanitized, SanitizeToolName(other))
}
