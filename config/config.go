// Package config loads the YAML configuration file and applies defaults.
// Resolution order for the file itself: the explicit --config path, then
// $SKEIN_CONFIG, then <workdir>/skein.yaml. A missing file is not an error;
// everything has a default and flags override the rest.
//
// Credentials are indirected: the file names environment variables, never
// secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "SKEIN_CONFIG"

// Transport names accepted in config and on the command line.
const (
	TransportTerm   = "term"
	TransportACP    = "acp"
	TransportStream = "stream"
)

// Provider names accepted in config and on the command line.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

type (
	// Config is the full file schema.
	Config struct {
		// Provider selects the model backend.
		Provider string `yaml:"provider"`
		// Model is the provider-specific model identifier.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the provider
		// credential. Defaults depend on the provider; bedrock uses the
		// standard AWS credential chain instead.
		APIKeyEnv string `yaml:"api_key_env"`
		// ContextWindow is the model's maximum context in tokens.
		ContextWindow int `yaml:"context_window"`
		// MaxTokens caps completion tokens per model call.
		MaxTokens int `yaml:"max_tokens"`

		// SystemPrompt replaces the built-in system prompt when set.
		SystemPrompt string `yaml:"system_prompt"`
		// MaxSteps caps model-call iterations per turn.
		MaxSteps int `yaml:"max_steps"`
		// ToolConcurrency bounds parallel tool execution.
		ToolConcurrency int `yaml:"tool_concurrency"`
		// Yolo approves every tool call without prompting.
		Yolo bool `yaml:"yolo"`
		// RateLimitTPM caps model tokens per minute when > 0. When Pulse is
		// also configured, the budget is shared across processes.
		RateLimitTPM int `yaml:"rate_limit_tpm"`

		// SessionRoot is the directory session logs live under. Defaults to
		// $HOME/.skein/sessions.
		SessionRoot string `yaml:"session_root"`
		// Transport selects the default surface.
		Transport string `yaml:"transport"`
		// ListenAddr serves the stream transport over WebSocket when set;
		// empty means stdio.
		ListenAddr string `yaml:"listen_addr"`

		Compaction Compaction  `yaml:"compaction"`
		MCPServers []MCPServer `yaml:"mcp_servers"`
		Pulse      Pulse       `yaml:"pulse"`
		Mongo      Mongo       `yaml:"mongo"`
	}

	// Compaction tunes history summarization.
	Compaction struct {
		// Disabled turns compaction off entirely.
		Disabled bool `yaml:"disabled"`
		// Threshold is the context-window fraction that triggers compaction.
		Threshold float64 `yaml:"threshold"`
		// PreserveTurns is how many recent turns stay verbatim.
		PreserveTurns int `yaml:"preserve_turns"`
		// Model overrides the summarizer model; empty reuses the main model.
		Model string `yaml:"model"`
		// MaxSummaryTokens caps the summary length.
		MaxSummaryTokens int `yaml:"max_summary_tokens"`
	}

	// MCPServer defines one external tool provider, stdio or HTTP.
	MCPServer struct {
		Name    string            `yaml:"name"`
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
		// Auth is empty or "oauth".
		Auth        string   `yaml:"auth"`
		InitTimeout Duration `yaml:"init_timeout"`
		ToolTimeout Duration `yaml:"tool_timeout"`
	}

	// Pulse configures the optional live broadcast stream.
	Pulse struct {
		// RedisAddr enables broadcasting when set.
		RedisAddr string `yaml:"redis_addr"`
		// RedisPasswordEnv names the env var with the Redis password.
		RedisPasswordEnv string `yaml:"redis_password_env"`
	}

	// Mongo configures the optional durable wire record archive.
	Mongo struct {
		// URI enables archiving when set.
		URI string `yaml:"uri"`
		// Database defaults to "skein".
		Database string `yaml:"database"`
	}

	// Duration parses YAML strings in time.ParseDuration syntax.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load resolves and reads the configuration. An empty explicit path falls back
// to $SKEIN_CONFIG and then <workDir>/skein.yaml; if no file exists the
// defaults stand alone. An explicit path that does not exist is an error.
func Load(explicit, workDir string) (*Config, error) {
	path, required := explicit, explicit != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		required = path != ""
	}
	if path == "" {
		path = filepath.Join(workDir, "skein.yaml")
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !required:
		// Defaults only.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize re-applies defaults and revalidates after fields were overridden,
// typically from command-line flags. Clearing Model or APIKeyEnv before the
// call re-derives them for the current provider.
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderAnthropic
	}
	if c.Model == "" {
		c.Model = defaultModel(c.Provider)
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = defaultKeyEnv(c.Provider)
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 200_000
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 32
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = 8
	}
	if c.SessionRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.SessionRoot = filepath.Join(home, ".skein", "sessions")
		}
	}
	if c.Transport == "" {
		c.Transport = TransportTerm
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		c.Mongo.Database = "skein"
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].InitTimeout <= 0 {
			c.MCPServers[i].InitTimeout = Duration(30 * time.Second)
		}
		if c.MCPServers[i].ToolTimeout <= 0 {
			c.MCPServers[i].ToolTimeout = Duration(60 * time.Second)
		}
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderBedrock:
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	switch c.Transport {
	case TransportTerm, TransportACP, TransportStream:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.SessionRoot == "" {
		return errors.New("config: session_root is required when $HOME is unset")
	}
	names := make(map[string]struct{}, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return errors.New("config: mcp server name is required")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("config: duplicate mcp server %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("config: mcp server %q needs exactly one of command or url", s.Name)
		}
	}
	return nil
}

// APIKey reads the configured credential variable. Empty when unset.
func (c *Config) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderBedrock:
		return "anthropic.claude-sonnet-4-20250514-v1:0"
	default:
		return "claude-sonnet-4-20250514"
	}
}

func defaultKeyEnv(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderBedrock:
		return ""
	default:
		return "ANTHROPIC_API_KEY"
	}
}
