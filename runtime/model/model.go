// Package model defines the provider-agnostic LLM call boundary. It
// normalizes chat requests, parts-based messages, streaming chunks, and
// provider failures so the turn orchestrator can invoke any backend (Anthropic,
// OpenAI, Bedrock) without coupling to SDK types. Adapters under
// features/model translate these types into provider formats.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// Role identifies who produced a message in the conversation history.
type Role string

const (
	// RoleSystem carries instructions that frame the whole conversation.
	RoleSystem Role = "system"
	// RoleUser carries end-user input.
	RoleUser Role = "user"
	// RoleAssistant carries model output, including tool-use requests.
	RoleAssistant Role = "assistant"
	// RoleTool carries tool results fed back to the model.
	RoleTool Role = "tool"
)

type (
	// Client defines the contract the orchestrator uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be thread-safe and reusable
	// across turns.
	Client interface {
		// Complete sends a chat request and returns the full response. Provider
		// failures are reported as *ProviderError so callers can branch on the
		// classification instead of matching strings.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat request and returns a Streamer yielding
		// incremental chunks. The returned Streamer must be closed by callers.
		// Providers without streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls return
	// Chunk values until io.EOF. Implementations must be safe to call from a
	// single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific stream metadata. Typical keys are
		// "provider", "model", and "request_id". Contents are optional and
		// provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// System is the system prompt. Adapters place it wherever the provider
		// expects (dedicated field or leading message).
		System string

		// Messages is the ordered conversation history. Roles system/user/
		// assistant/tool; adapters translate tool messages into the provider's
		// tool-result convention.
		Messages []Message

		// Tools describes the tool schemas exposed for function calling. Empty
		// when the model should not invoke tools.
		Tools []ToolDefinition

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int

		// Temperature controls sampling. Zero means provider default.
		Temperature float32

		// Thinking configures extended reasoning for models that support it.
		// Nil disables it.
		Thinking *ThinkingOptions
	}

	// Message is one conversation entry composed of typed parts.
	Message struct {
		Role  Role
		Parts []Part
	}

	// Part is one block of message content. Concrete types: TextPart,
	// ThinkingPart, ToolUsePart, ToolResultPart. Parts marshal with a Kind
	// discriminator so stored messages decode back to concrete types.
	Part interface {
		partKind() string
	}

	// TextPart is assistant- or user-visible text.
	TextPart struct {
		Text string
	}

	// ThinkingPart is model reasoning. Signature carries the provider's
	// integrity token when one is issued; it must round-trip unmodified for
	// the provider to accept the part in later requests.
	ThinkingPart struct {
		Text      string
		Signature string
	}

	// ToolUsePart is a tool invocation requested by the model.
	ToolUsePart struct {
		// ID correlates the eventual tool result with this request.
		ID string
		// Name is the tool identifier from the request's ToolDefinitions.
		Name string
		// Args is the raw JSON argument payload produced by the model.
		Args json.RawMessage
	}

	// ToolResultPart is the outcome of a tool invocation fed back to the model.
	ToolResultPart struct {
		// ToolUseID names the ToolUsePart this result answers.
		ToolUseID string
		// Content is the tool output text.
		Content string
		// IsError marks failed invocations; the model sees failure content as
		// ordinary tool output, not a protocol error.
		IsError bool
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents when and how to invoke the tool.
		Description string
		// InputSchema is the JSON Schema object describing the tool arguments.
		InputSchema map[string]any
	}

	// Response wraps the complete assistant output of one invocation.
	Response struct {
		// Message is the assistant message, including any ToolUseParts.
		Message Message
		// Usage reports token accounting when the provider supplies it.
		Usage TokenUsage
		// StopReason explains why generation ended. Values are provider-shaped;
		// common ones are "end_turn", "max_tokens", "tool_use".
		StopReason string
	}

	// Chunk is one streaming event. Type indicates which fields are populated.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type ChunkType
		// Text is the assistant text delta when Type == ChunkTypeText.
		Text string
		// Thinking is the reasoning delta when Type == ChunkTypeThinking.
		Thinking string
		// Signature is the thinking integrity token, delivered at the end of a
		// thinking block alongside or after its deltas.
		Signature string
		// ToolCall carries tool invocation fragments when Type == ChunkTypeToolCall.
		ToolCall *ToolCallDelta
		// Usage reports incremental token usage when Type == ChunkTypeUsage.
		Usage *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// ToolCallDelta is an incremental fragment of a tool invocation. The first
	// fragment for an Index carries ID and Name; argument JSON arrives as Args
	// fragments that concatenate in order.
	ToolCallDelta struct {
		Index int
		ID    string
		Name  string
		Args  string
	}

	// ThinkingOptions toggles extended reasoning.
	ThinkingOptions struct {
		// Enable turns thinking on. When false the provider default applies.
		Enable bool
		// BudgetTokens caps thinking output. Zero means provider default.
		BudgetTokens int
	}

	// TokenUsage records token counts when reported by the provider.
	TokenUsage struct {
		// InputTokens counts prompt tokens, history included.
		InputTokens int
		// OutputTokens counts generated tokens, tool arguments included.
		OutputTokens int
	}
)

// ChunkType enumerates streaming event kinds.
type ChunkType string

const (
	// ChunkTypeText carries an assistant text delta.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeThinking carries a reasoning delta.
	ChunkTypeThinking ChunkType = "thinking"
	// ChunkTypeToolCall carries a tool invocation fragment.
	ChunkTypeToolCall ChunkType = "tool_call"
	// ChunkTypeUsage carries incremental token usage.
	ChunkTypeUsage ChunkType = "usage"
	// ChunkTypeStop carries the termination reason.
	ChunkTypeStop ChunkType = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrEmptyResponse indicates the model produced neither text nor tool calls.
// Retry wrappers treat it as retryable.
var ErrEmptyResponse = errors.New("model: empty response")

func (TextPart) partKind() string       { return "text" }
func (ThinkingPart) partKind() string   { return "thinking" }
func (ToolUsePart) partKind() string    { return "tool_use" }
func (ToolResultPart) partKind() string { return "tool_result" }

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolUses returns the tool invocations the message requests, in order.
func (m Message) ToolUses() []ToolUsePart {
	var uses []ToolUsePart
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// Empty reports whether the message carries no content at all.
func (m Message) Empty() bool {
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			if v.Text != "" {
				return false
			}
		case ThinkingPart:
			if v.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantText builds a single-part assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// ToolResultMessage builds a tool message answering one tool use.
func ToolResultMessage(toolUseID, content string, isErr bool) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isErr,
	}}}
}
