// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into chat completion
// calls using github.com/openai/openai-go and maps responses (text, tool
// calls, usage) back into the generic runtime structures.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/skeinlabs/skein/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can pass
	// either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures optional OpenAI adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model is
		// empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the provider default in place.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

// New builds an OpenAI-backed model client from the provided chat client and
// configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete issues a non-streaming chat completion and translates the response
// into the normalized assistant message.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return model.Response{}, providerError("chat_completions", err)
	}
	return translateResponse(resp, provToCanon)
}

// Stream issues a streaming chat completion and adapts incremental chunks into
// model.Chunks so the orchestrator can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, providerError("chat_completions_stream", err)
	}
	return newStreamer(ctx, stream, provToCanon), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	messages, err := encodeMessages(req.System, req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}
	// Request.Thinking has no Chat Completions equivalent; reasoning models
	// manage their own budgets server-side.
	return &params, provToCanon, nil
}

// encodeMessages translates the normalized conversation into Chat Completions
// message params. Tool messages become one tool message per result, thinking
// parts are dropped since the API offers no way to replay them.
func encodeMessages(system string, msgs []model.Message, nameMap map[string]string) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				out = append(out, sdk.SystemMessage(text))
			}

		case model.RoleUser:
			if text := m.Text(); text != "" {
				out = append(out, sdk.UserMessage(text))
			}

		case model.RoleAssistant:
			msg, err := encodeAssistant(m, nameMap)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				out = append(out, *msg)
			}

		case model.RoleTool:
			for _, p := range m.Parts {
				if v, ok := p.(model.ToolResultPart); ok {
					content := v.Content
					if content == "" {
						content = "{}"
					}
					out = append(out, sdk.ToolMessage(content, v.ToolUseID))
				}
			}

		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeAssistant(m model.Message, nameMap map[string]string) (*sdk.ChatCompletionMessageParamUnion, error) {
	content := m.Text()
	var toolCalls []sdk.ChatCompletionMessageToolCallParam
	for _, p := range m.Parts {
		v, ok := p.(model.ToolUsePart)
		if !ok {
			continue
		}
		if v.Name == "" {
			return nil, errors.New("openai: tool_use part missing name")
		}
		name := v.Name
		if sanitized, ok := nameMap[v.Name]; ok && sanitized != "" {
			name = sanitized
		}
		args := string(v.Args)
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, sdk.ChatCompletionMessageToolCallParam{
			ID: v.ID,
			Function: sdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      name,
				Arguments: args,
			},
		})
	}
	if len(toolCalls) == 0 {
		if content == "" {
			return nil, nil
		}
		msg := sdk.AssistantMessage(content)
		return &msg, nil
	}
	assistant := sdk.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if content != "" {
		assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(content)}
	}
	return &sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"openai: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("openai: tool %q is missing description", canonical)
		}
		fn := shared.FunctionDefinitionParam{
			Name:        sanitized,
			Description: sdk.String(def.Description),
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		toolList = append(toolList, sdk.ChatCompletionToolParam{Function: fn})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func translateResponse(resp *sdk.ChatCompletion, provToCanon map[string]string) (model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	var parts []model.Part
	if choice.Message.Content != "" {
		parts = append(parts, model.TextPart{Text: choice.Message.Content})
	}
	if choice.Message.Refusal != "" {
		parts = append(parts, model.TextPart{Text: choice.Message.Refusal})
	}
	for _, tc := range choice.Message.ToolCalls {
		name := tc.Function.Name
		if canonical, ok := provToCanon[name]; ok {
			name = canonical
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		parts = append(parts, model.ToolUsePart{
			ID:   tc.ID,
			Name: name,
			Args: []byte(args),
		})
	}
	if len(parts) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	return model.Response{
		Message: model.Message{Role: model.RoleAssistant, Parts: parts},
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: choice.FinishReason,
	}, nil
}

const maxProviderToolName = 64

// sanitizeToolName maps a canonical tool identifier to the characters the
// OpenAI function-name pattern accepts, replacing any disallowed rune with '_'
// and truncating to the provider limit.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if isProviderSafeRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > maxProviderToolName {
		out = out[:maxProviderToolName]
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > maxProviderToolName {
		return false
	}
	for _, r := range name {
		if !isProviderSafeRune(r) {
			return false
		}
	}
	return true
}

func isProviderSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}

// providerError classifies an SDK failure into a model.ProviderError. Context
// cancellation passes through untouched so interrupt detection keeps working.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		kind, retryable := model.ClassifyHTTPStatus(apierr.StatusCode)
		var requestID string
		if apierr.Response != nil {
			requestID = apierr.Response.Header.Get("x-request-id")
		}
		return model.NewProviderError("openai", op, apierr.StatusCode, kind, "", apierr.Error(), requestID, retryable, err)
	}
	// Transport-level failures (DNS, connection reset) are worth retrying.
	return model.NewProviderError("openai", op, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
}
