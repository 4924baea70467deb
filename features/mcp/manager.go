// Package mcp manages connections to external tool providers speaking the
// Model Context Protocol. A Manager owns one connection per configured
// server, establishes them in parallel without blocking engine startup,
// adapts discovered tools into the runtime tool contract under namespaced
// mcp__<server>__<tool> identifiers, and reports lifecycle transitions
// through connection updates.
//
// A connection moves connecting -> ready and stays degraded on any failure;
// servers demanding authorization pass through an authorizing sub-state
// first. A server that fails authorization exposes zero tools and reports
// degraded (unauthorized); it never fails the manager. Reconnection is
// explicit via Reconnect.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/tool"
)

// State identifies a connection lifecycle phase.
type State string

const (
	// StateConnecting covers transport setup and the initialize handshake.
	StateConnecting State = "connecting"
	// StateAuthorizing is the sub-state entered while credentials are
	// resolved for servers that demand authorization.
	StateAuthorizing State = "authorizing"
	// StateReady means the server's tools are registered and callable.
	StateReady State = "ready"
	// StateDegraded means the connection failed; the server exposes zero
	// tools until an explicit Reconnect.
	StateDegraded State = "degraded"
	// StateClosed means the manager shut the connection down.
	StateClosed State = "closed"
)

// AuthOAuth marks a server whose connection requires a stored OAuth token.
const AuthOAuth = "oauth"

// Connection timeout defaults. Both are per-server configurable.
const (
	DefaultInitTimeout = 10 * time.Second
	DefaultToolTimeout = 30 * time.Second
)

// ErrManagerClosed is returned by operations on a closed Manager.
var ErrManagerClosed = errors.New("mcp: manager is closed")

type (
	// ServerConfig describes one external tool provider. Exactly one of
	// Command (stdio transport) or URL (HTTP transport) must be set.
	ServerConfig struct {
		// Name namespaces the server's tools and identifies it in updates.
		Name string

		// Command, Args and Env configure a stdio server subprocess.
		Command string
		Args    []string
		Env     map[string]string

		// URL and Headers configure an HTTP server.
		URL     string
		Headers map[string]string

		// Auth selects the authorization mode. AuthOAuth requires a stored
		// token before the connection leaves the authorizing state.
		Auth string

		// InitTimeout bounds the handshake and tool discovery.
		InitTimeout time.Duration
		// ToolTimeout bounds each tool call.
		ToolTimeout time.Duration
	}

	// Update describes one connection state transition.
	Update struct {
		// Server is the configured provider name.
		Server string
		// State is the new lifecycle state.
		State State
		// Tools counts the tools the server currently exposes.
		Tools int
		// Detail explains degraded states in human terms.
		Detail string
	}

	// Status is one entry of a manager snapshot.
	Status struct {
		Name   string
		State  State
		Detail string
		// Tools lists the namespaced names of the registered tools.
		Tools []string
	}

	// Options configures a Manager.
	Options struct {
		// Servers lists the providers to manage.
		Servers []ServerConfig
		// Registry receives adapted tools when connections become ready and
		// gives them back up when connections degrade or close. Required.
		Registry *tool.Registry
		// Tokens resolves credentials for AuthOAuth servers. Optional; when
		// nil, such servers degrade as unauthorized.
		Tokens TokenStore
		// OnUpdate observes connection state transitions. Called from
		// connection goroutines; implementations must be safe for concurrent
		// use. Optional.
		OnUpdate func(Update)
		// ClientName and ClientVersion identify this client during the
		// initialize handshake.
		ClientName    string
		ClientVersion string
		// Telemetry supplies logging and metrics. Zero value is filled with
		// no-ops.
		Telemetry telemetry.Set
	}

	// Manager owns the configured connections. Connect/disconnect state
	// transitions are serialized per connection; in-flight tool calls are
	// not.
	Manager struct {
		servers map[string]*connection
		names   []string
		reg     *tool.Registry
		tokens  TokenStore

		onUpdate      func(Update)
		clientName    string
		clientVersion string
		tel           telemetry.Set

		// dial is swapped by tests to avoid real transports.
		dial func(ctx context.Context, cfg ServerConfig, token string) (Caller, error)

		started atomic.Bool
		closed  atomic.Bool
		wg      sync.WaitGroup
	}

	connection struct {
		cfg ServerConfig

		// mu guards state transitions, the caller swap, and registry
		// registration; tool calls read the caller under RLock and run
		// without holding it.
		mu     sync.RWMutex
		state  State
		detail string
		caller Caller
		tools  []*serverTool
	}
)

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return errors.New("mcp: server name is required")
	}
	if (c.Command == "") == (c.URL == "") {
		return fmt.Errorf("mcp: server %q must set exactly one of command or url", c.Name)
	}
	switch c.Auth {
	case "", AuthOAuth:
	default:
		return fmt.Errorf("mcp: server %q has unsupported auth mode %q", c.Name, c.Auth)
	}
	if c.Auth == AuthOAuth && c.URL == "" {
		return fmt.Errorf("mcp: server %q requests oauth but oauth applies to http servers only", c.Name)
	}
	return nil
}

func (c ServerConfig) initTimeout() time.Duration {
	if c.InitTimeout > 0 {
		return c.InitTimeout
	}
	return DefaultInitTimeout
}

func (c ServerConfig) toolTimeout() time.Duration {
	if c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return DefaultToolTimeout
}

// NewManager validates the server configurations and returns a Manager with
// every connection in the connecting state. Nothing is dialed until
// ConnectAll.
func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("mcp: registry is required")
	}
	m := &Manager{
		servers:       make(map[string]*connection, len(opts.Servers)),
		reg:           opts.Registry,
		tokens:        opts.Tokens,
		onUpdate:      opts.OnUpdate,
		clientName:    opts.ClientName,
		clientVersion: opts.ClientVersion,
		tel:           opts.Telemetry.Fill(),
	}
	m.dial = m.dialServer
	for _, cfg := range opts.Servers {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, ok := m.servers[cfg.Name]; ok {
			return nil, fmt.Errorf("mcp: duplicate server name %q", cfg.Name)
		}
		m.servers[cfg.Name] = &connection{cfg: cfg, state: StateConnecting}
		m.names = append(m.names, cfg.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

// ConnectAll starts every configured connection in its own goroutine and
// returns immediately. Readiness is observable through OnUpdate and
// Snapshot. Subsequent calls are no-ops. ctx bounds the lifetime of the
// connections: stdio subprocesses are killed when it is cancelled.
func (m *Manager) ConnectAll(ctx context.Context) {
	if m.closed.Load() || !m.started.CompareAndSwap(false, true) {
		return
	}
	for _, name := range m.names {
		c := m.servers[name]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.connect(ctx, c)
		}()
	}
}

// Reconnect tears the named connection down and starts a fresh attempt in
// the background. In-flight calls through the old connection fail. It is an
// error to reconnect a server whose connection attempt is still in progress.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	c, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", name)
	}
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateAuthorizing {
		c.mu.Unlock()
		return fmt.Errorf("mcp: server %q connection attempt already in progress", name)
	}
	caller := c.caller
	tools := c.tools
	c.caller = nil
	c.tools = nil
	c.state = StateConnecting
	c.detail = ""
	c.mu.Unlock()

	if caller != nil {
		_ = caller.Close()
	}
	for _, t := range tools {
		m.reg.Unregister(t.Name())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(ctx, c)
	}()
	return nil
}

// Snapshot reports every connection's current state, sorted by server name.
func (m *Manager) Snapshot() []Status {
	out := make([]Status, 0, len(m.names))
	for _, name := range m.names {
		c := m.servers[name]
		c.mu.RLock()
		st := Status{Name: name, State: c.state, Detail: c.detail}
		for _, t := range c.tools {
			st.Tools = append(st.Tools, t.Name())
		}
		c.mu.RUnlock()
		sort.Strings(st.Tools)
		out = append(out, st)
	}
	return out
}

// Close shuts every connection down and unregisters their tools. In-flight
// connection attempts are abandoned; their results are discarded when they
// land. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, name := range m.names {
		m.teardown(ctx, m.servers[name], StateClosed, "")
	}
	return nil
}

// connect drives one connection attempt to ready or degraded. It never
// returns an error: failures degrade the connection and the manager keeps
// serving the others.
func (m *Manager) connect(ctx context.Context, c *connection) {
	name := c.cfg.Name
	if !m.announce(ctx, c, StateConnecting, "") {
		return
	}

	token := ""
	if c.cfg.Auth == AuthOAuth {
		if !m.announce(ctx, c, StateAuthorizing, "") {
			return
		}
		tok, err := m.lookupToken(name)
		switch {
		case err != nil:
			m.degrade(ctx, c, fmt.Sprintf("unauthorized: %v", err))
			return
		case tok == "":
			m.degrade(ctx, c, fmt.Sprintf("unauthorized; run 'skein mcp auth %s' to store a token", name))
			return
		}
		token = tok
	}

	caller, err := m.dial(ctx, c.cfg, token)
	if err != nil {
		m.degrade(ctx, c, connectFailure(name, err))
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, c.cfg.initTimeout())
	infos, err := caller.ListTools(listCtx)
	cancel()
	if err != nil {
		_ = caller.Close()
		m.degrade(ctx, c, connectFailure(name, fmt.Errorf("tools/list failed: %w", err)))
		return
	}

	tools := make([]*serverTool, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, newServerTool(c, info))
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = caller.Close()
		return
	}
	c.caller = caller
	c.tools = tools
	c.state = StateReady
	c.detail = ""
	// Register under the lock so a concurrent teardown cannot unregister
	// before the loop finishes and strand tools in the registry.
	registered := 0
	for _, t := range tools {
		if err := m.reg.Register(t); err != nil {
			m.tel.Logger.Warn(ctx, "mcp tool not registered", "server", name, "tool", t.Name(), "err", err)
			continue
		}
		registered++
	}
	c.mu.Unlock()
	m.notify(ctx, name, StateReady, "", registered)
}

func connectFailure(name string, err error) string {
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Sprintf("unauthorized; run 'skein mcp auth %s' to refresh the token", name)
	}
	return err.Error()
}

func (m *Manager) lookupToken(name string) (string, error) {
	if m.tokens == nil {
		return "", nil
	}
	return m.tokens.Token(name)
}

// dialServer builds the transport-specific caller for cfg.
func (m *Manager) dialServer(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
	if cfg.Command != "" {
		return NewStdioCaller(ctx, StdioOptions{
			Command:       cfg.Command,
			Args:          cfg.Args,
			Env:           envSlice(cfg.Env),
			ClientName:    m.clientName,
			ClientVersion: m.clientVersion,
			InitTimeout:   cfg.initTimeout(),
		})
	}
	return NewHTTPCaller(ctx, HTTPOptions{
		Endpoint:      cfg.URL,
		Headers:       cfg.Headers,
		BearerToken:   token,
		ClientName:    m.clientName,
		ClientVersion: m.clientVersion,
		InitTimeout:   cfg.initTimeout(),
	})
}

// announce publishes a transition that keeps the current tool set. It
// reports false when the connection was closed underneath the attempt.
func (m *Manager) announce(ctx context.Context, c *connection, state State, detail string) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.detail = detail
	n := len(c.tools)
	c.mu.Unlock()
	m.notify(ctx, c.cfg.Name, state, detail, n)
	return true
}

// degrade tears the connection down to the degraded state. Silent when the
// connection was closed underneath the attempt.
func (m *Manager) degrade(ctx context.Context, c *connection, detail string) {
	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()
	if closed {
		return
	}
	m.teardown(ctx, c, StateDegraded, detail)
}

func (m *Manager) teardown(ctx context.Context, c *connection, state State, detail string) {
	c.mu.Lock()
	caller := c.caller
	tools := c.tools
	c.caller = nil
	c.tools = nil
	c.state = state
	c.detail = detail
	c.mu.Unlock()

	if caller != nil {
		_ = caller.Close()
	}
	for _, t := range tools {
		m.reg.Unregister(t.Name())
	}
	m.notify(ctx, c.cfg.Name, state, detail, 0)
}

func (m *Manager) notify(ctx context.Context, server string, state State, detail string, tools int) {
	switch state {
	case StateDegraded:
		m.tel.Logger.Warn(ctx, "mcp connection degraded", "server", server, "detail", detail)
	case StateReady:
		m.tel.Logger.Info(ctx, "mcp connection ready", "server", server, "tools", tools)
	default:
		m.tel.Logger.Debug(ctx, "mcp connection state", "server", server, "state", string(state))
	}
	m.tel.Metrics.IncCounter("mcp.connection.transition", 1, "server", server, "state", string(state))
	if m.onUpdate != nil {
		m.onUpdate(Update{Server: server, State: state, Tools: tools, Detail: detail})
	}
}

// call routes one tool invocation through the connection's current caller.
func (c *connection) call(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	c.mu.RLock()
	caller := c.caller
	state := c.state
	c.mu.RUnlock()
	if caller == nil || state != StateReady {
		return CallResult{}, fmt.Errorf("mcp server %q is %s", c.cfg.Name, state)
	}
	return caller.CallTool(ctx, name, args)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
