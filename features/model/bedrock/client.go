// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and translates Converse
// responses (text, reasoning, tool_use blocks) back into the generic runtime
// structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/skeinlabs/skein/runtime/model"
)

const (
	defaultThinkingBudget = 16384
	bedrockProviderName   = "bedrock"
)

type (
	// RuntimeClient captures the subset of the AWS Bedrock runtime client used
	// by the adapter. It is satisfied by *bedrockruntime.Client so callers can
	// pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures optional Bedrock adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model is
		// empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the provider default in place.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32

		// ThinkingBudget defines the default thinking token budget when thinking
		// is enabled. When zero or negative, a provider-appropriate default is
		// applied.
		ThinkingBudget int
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		think        int
	}

	requestParts struct {
		modelID     string
		messages    []brtypes.Message
		system      []brtypes.SystemContentBlock
		toolConfig  *brtypes.ToolConfiguration
		canonToProv map[string]string
		provToCanon map[string]string
	}
)

// New builds a Bedrock-backed model client from the provided runtime client
// and configuration options.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Client{
		runtime:      rt,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        think,
	}, nil
}

// NewFromConfig constructs a client from resolved AWS configuration.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(bedrockruntime.NewFromConfig(cfg), opts)
}

// Complete issues a Converse request to the configured Bedrock model and
// translates the response into the normalized assistant message.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return model.Response{}, providerError("converse", err)
	}
	return translateResponse(output, parts.provToCanon)
}

// Stream invokes the Bedrock ConverseStream API and adapts incremental events
// into model.Chunks so the orchestrator can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, c.buildConverseStreamInput(parts, req))
	if err != nil {
		return nil, providerError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, parts.provToCanon, parts.modelID), nil
}

func (c *Client) prepareRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	// Build tool configuration and name maps before encoding messages so
	// tool_use names reuse the exact sanitized identifiers.
	toolConfig, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	// Bedrock rejects requests whose messages contain tool_use or tool_result
	// blocks when no toolConfig is present. Fail fast with a clear error rather
	// than letting the provider return a generic validation error.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: messages contain tool_use/tool_result but no tools provided in request")
	}
	messages, system, err := encodeMessages(req.System, req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		canonToProv: canonToProv,
		provToCanon: provToCanon,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if fields := c.thinkingFields(req.Thinking); fields != nil {
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input
}

func (c *Client) buildConverseStreamInput(parts *requestParts, req model.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if fields := c.thinkingFields(req.Thinking); fields != nil {
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input
}

// thinkingFields builds the model-specific request fields that enable extended
// reasoning. Converse has no first-class thinking parameter; Anthropic models
// on Bedrock read it from additionalModelRequestFields.
func (c *Client) thinkingFields(opts *model.ThinkingOptions) map[string]any {
	if opts == nil || !opts.Enable {
		return nil
	}
	budget := opts.BudgetTokens
	if budget <= 0 {
		budget = c.think
	}
	return map[string]any{
		"thinking": map[string]any{
			"type":          "enabled",
			"budget_tokens": budget,
		},
	}
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(system string, msgs []model.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	// toolUseIDMap tracks a per-request mapping from canonical tool_use IDs to
	// provider-safe IDs conforming to Bedrock constraints ([a-zA-Z0-9_-]+,
	// <=64 chars). The mapping is local to this encode pass; tool_use and
	// tool_result blocks referencing the same canonical ID stay correlated.
	toolUseIDMap := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	systemBlocks := make([]brtypes.SystemContentBlock, 0, 2)
	if system != "" {
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: system})
	}
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			if text := m.Text(); text != "" {
				systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ThinkingPart:
				// Unsigned thinking cannot replay; the provider rejects blocks
				// whose integrity token is missing.
				if v.Signature == "" || v.Text == "" {
					continue
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
					Value: &brtypes.ReasoningContentBlockMemberReasoningText{
						Value: brtypes.ReasoningTextBlock{
							Text:      aws.String(v.Text),
							Signature: aws.String(v.Signature),
						},
					},
				})
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("bedrock: tool_use part missing name")
				}
				name, ok := nameMap[v.Name]
				if !ok || name == "" {
					// History may reference tools absent from the current
					// request, for example after an MCP server degrades.
					name = SanitizeToolName(v.Name)
				}
				tb := brtypes.ToolUseBlock{Name: aws.String(name)}
				if v.ID != "" {
					if id := toolUseIDFor(v.ID, toolUseIDMap, &nextToolUseID); id != "" {
						tb.ToolUseId = aws.String(id)
					}
				}
				tb.Input = argsDocument(v.Args)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				tr := brtypes.ToolResultBlock{
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: v.Content},
					},
				}
				if id := toolUseIDFor(v.ToolUseID, toolUseIDMap, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, systemBlocks, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	// canonToSan maps canonical tool names to provider-visible sanitized names.
	canonToSan := make(map[string]string, len(defs))
	// sanToCanon is the reverse map used to translate provider names back.
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q is missing description", canonical)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

func schemaDocument(schema map[string]any) document.Interface {
	if len(schema) == 0 {
		return lazyDocument(map[string]any{"type": "object"})
	}
	return lazyDocument(schema)
}

func argsDocument(args json.RawMessage) document.Interface {
	if len(args) == 0 {
		return lazyDocument(map[string]any{})
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return lazyDocument(map[string]any{})
	}
	return lazyDocument(decoded)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func toolUseIDFor(canonical string, toolUseIDMap map[string]string, nextToolUseID *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := toolUseIDMap[canonical]; ok {
		return id
	}
	*nextToolUseID++
	id := fmt.Sprintf("t%d", *nextToolUseID)
	toolUseIDMap[canonical] = id
	return id
}

// isProviderSafeToolUseID reports whether id conforms to Bedrock's documented
// toolUseId constraints: pattern [a-zA-Z0-9_-]+ and length <= 64. The check is
// strict so internal correlation IDs are never forwarded to the provider.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func messagesHaveToolBlocks(msgs []model.Message) bool {
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.(type) {
			case model.ToolUsePart, model.ToolResultPart:
				return true
			}
		}
	}
	return false
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, model.ErrEmptyResponse
	}
	var parts []model.Part
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					parts = append(parts, model.TextPart{Text: v.Value})
				}
			case *brtypes.ContentBlockMemberReasoningContent:
				if text, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
					parts = append(parts, model.ThinkingPart{
						Text:      aws.ToString(text.Value.Text),
						Signature: aws.ToString(text.Value.Signature),
					})
				}
			case *brtypes.ContentBlockMemberToolUse:
				name := normalizeToolName(aws.ToString(v.Value.Name))
				// The provider echoes the sanitized tool name. Hallucinated
				// names with no reverse mapping pass through as-is so the
				// runtime turns them into an unknown-tool result the model can
				// recover from.
				if canonical, ok := nameMap[name]; ok {
					name = canonical
				}
				args := decodeDocument(v.Value.Input)
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, model.ToolUsePart{
					ID:   aws.ToString(v.Value.ToolUseId),
					Name: name,
					Args: args,
				})
			}
		}
	}
	if len(parts) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	resp := model.Response{
		Message:    model.Message{Role: model.RoleAssistant, Parts: parts},
		StopReason: string(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
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
	var code, msg string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var status int
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	kind, retryable := model.ClassifyHTTPStatus(status)
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		kind, retryable = model.ProviderErrorKindRateLimited, true
		if status == 0 {
			status = http.StatusTooManyRequests
		}
	case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
		kind, retryable = model.ProviderErrorKindUnavailable, true
	}
	if apiErr == nil && status == 0 {
		// Transport-level failures (DNS, connection reset) are worth retrying.
		return model.NewProviderError(bedrockProviderName, op, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
	}
	if msg == "" {
		msg = err.Error()
	}
	return model.NewProviderError(bedrockProviderName, op, status, kind, code, msg, "", retryable, err)
}
