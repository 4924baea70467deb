package acp

import "encoding/json"

// JSON-RPC 2.0 method names for the agent-client bridge.
const (
	methodInitialize    = "initialize"
	methodSessionNew    = "session/new"
	methodSessionLoad   = "session/load"
	methodSessionPrompt = "session/prompt"
	methodSessionUpdate = "session/update"
	methodSessionCancel = "session/cancel"
	methodRequestPerm   = "session/request_permission"
)

const (
	// protocolVersion is an integer per the protocol spec, not a semver.
	protocolVersion = 1
	agentName       = "skein"
	agentVersion    = "0.1.0"
)

// Stop reasons reported on session/prompt completion.
const (
	stopEndTurn   = "end_turn"
	stopCancelled = "cancelled"
	stopMaxTurns  = "max_turn_requests"
	stopRefusal   = "refusal"
)

type (
	initializeParams struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientInfo      *implementation `json:"clientInfo,omitempty"`
	}

	initializeResult struct {
		ProtocolVersion   int                `json:"protocolVersion"`
		AgentCapabilities *agentCapabilities `json:"agentCapabilities,omitempty"`
		AgentInfo         *implementation    `json:"agentInfo,omitempty"`
	}

	// implementation identifies either end of the bridge.
	implementation struct {
		Name    string `json:"name"`
		Title   string `json:"title,omitempty"`
		Version string `json:"version"`
	}

	agentCapabilities struct {
		LoadSession bool `json:"loadSession,omitempty"`
	}

	newSessionParams struct {
		CWD string `json:"cwd"`
	}

	newSessionResult struct {
		SessionID string `json:"sessionId"`
	}

	loadSessionParams struct {
		SessionID string `json:"sessionId"`
		CWD       string `json:"cwd"`
	}

	loadSessionResult struct{}

	// contentBlock is a single content element (text only on this bridge).
	contentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	promptParams struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}

	promptResult struct {
		StopReason string `json:"stopReason,omitempty"`
	}

	cancelParams struct {
		SessionID string `json:"sessionId"`
	}

	// sessionNotification is the outer envelope for session/update.
	sessionNotification struct {
		SessionID string `json:"sessionId"`
		Update    any    `json:"update"`
	}

	// chunkUpdate carries agent_message_chunk and agent_thought_chunk.
	chunkUpdate struct {
		SessionUpdate string       `json:"sessionUpdate"`
		Content       contentBlock `json:"content"`
	}

	// toolCallUpdate carries tool_call and tool_call_update.
	toolCallUpdate struct {
		SessionUpdate string          `json:"sessionUpdate"`
		ToolCallID    string          `json:"toolCallId"`
		Title         string          `json:"title,omitempty"`
		Kind          string          `json:"kind,omitempty"`
		Status        string          `json:"status,omitempty"`
		RawInput      json.RawMessage `json:"rawInput,omitempty"`
		RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
	}

	requestPermissionParams struct {
		SessionID string          `json:"sessionId"`
		ToolCall  permissionCall  `json:"toolCall"`
		Options   []permissionOpt `json:"options"`
	}

	permissionCall struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title,omitempty"`
	}

	permissionOpt struct {
		OptionID string `json:"optionId"`
		Name     string `json:"name"`
		Kind     string `json:"kind"`
	}

	requestPermissionResult struct {
		Outcome permissionOutcome `json:"outcome"`
	}

	permissionOutcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId,omitempty"`
	}
)

// toolKind maps a registered tool name onto the protocol's tool-call kind
// vocabulary so clients can pick an icon.
func toolKind(name string) string {
	switch name {
	case "read_file", "glob", "grep":
		return "read"
	case "write_file", "edit_file":
		return "edit"
	case "shell":
		return "execute"
	case "task":
		return "think"
	default:
		return "other"
	}
}
