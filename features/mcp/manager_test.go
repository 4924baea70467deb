package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skeinlabs/skein/runtime/tool"
)

type fakeCaller struct {
	mu      sync.Mutex
	tools   []ToolInfo
	listErr error
	callErr error
	result  CallResult
	// block, when non-nil, makes CallTool wait for the channel or the
	// context, whichever comes first.
	block  chan struct{}
	calls  []fakeCall
	closed bool
}

type fakeCall struct {
	name string
	args string
}

func (f *fakeCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{name: name, args: string(args)})
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return CallResult{}, ctx.Err()
		case <-block:
		}
	}
	if f.callErr != nil {
		return CallResult{}, f.callErr
	}
	return f.result, nil
}

func (f *fakeCaller) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCaller) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type memTokens map[string]string

func (m memTokens) Token(server string) (string, error) { return m[server], nil }
func (m memTokens) SetToken(server, token string) error { m[server] = token; return nil }
func (m memTokens) DeleteToken(server string) error     { delete(m, server); return nil }

type errTokens struct{ err error }

func (e errTokens) Token(string) (string, error)  { return "", e.err }
func (e errTokens) SetToken(string, string) error { return e.err }
func (e errTokens) DeleteToken(string) error      { return e.err }

func newTestManager(t *testing.T, opts Options, dial func(ctx context.Context, cfg ServerConfig, token string) (Caller, error)) (*Manager, chan Update) {
	t.Helper()
	updates := make(chan Update, 64)
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	opts.OnUpdate = func(u Update) { updates <- u }
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if dial != nil {
		m.dial = dial
	}
	return m, updates
}

func nextUpdate(t *testing.T, updates chan Update) Update {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func waitFor(t *testing.T, updates chan Update, server string, state State) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Server == server && u.State == state {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", server, state)
		}
	}
}

func TestManagerConnectRegistersNamespacedTools(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	fake := &fakeCaller{tools: []ToolInfo{
		{Name: "search", Description: "Find things.", InputSchema: map[string]any{"type": "object"}, Annotations: ToolAnnotations{ReadOnlyHint: true}},
		{Name: "deploy", InputSchema: map[string]any{"type": "object"}},
	}}
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		return fake, nil
	})
	m.ConnectAll(context.Background())

	if u := nextUpdate(t, updates); u.State != StateConnecting {
		t.Fatalf("expected connecting first, got %s", u.State)
	}
	u := nextUpdate(t, updates)
	if u.State != StateReady {
		t.Fatalf("expected ready, got %s (%s)", u.State, u.Detail)
	}
	if u.Tools != 2 {
		t.Fatalf("expected 2 tools, got %d", u.Tools)
	}

	search, ok := reg.Lookup("mcp__github__search")
	if !ok {
		t.Fatal("search tool not registered")
	}
	if search.Mutating() {
		t.Fatal("read-only hint must map to a non-mutating tool")
	}
	if search.ParallelSafe() {
		t.Fatal("provider tools must not be parallel safe")
	}
	if !strings.Contains(search.Description(), "MCP server `github`") {
		t.Fatalf("description missing provider preamble: %q", search.Description())
	}
	deploy, ok := reg.Lookup("mcp__github__deploy")
	if !ok {
		t.Fatal("deploy tool not registered")
	}
	if !deploy.Mutating() {
		t.Fatal("unannotated tools must default to mutating")
	}
	if !strings.HasSuffix(deploy.Description(), "No description provided.") {
		t.Fatalf("missing description placeholder: %q", deploy.Description())
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].State != StateReady {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	want := []string{"mcp__github__deploy", "mcp__github__search"}
	if !reflect.DeepEqual(snap[0].Tools, want) {
		t.Fatalf("expected tools %v, got %v", want, snap[0].Tools)
	}
}

func TestManagerFailureIsolatedPerServer(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{
			{Name: "alpha", Command: "alpha-server"},
			{Name: "beta", URL: "http://mcp.invalid"},
		},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		if cfg.Name == "alpha" {
			return nil, errors.New("spawn failed: executable not found")
		}
		return &fakeCaller{tools: []ToolInfo{{Name: "search"}}}, nil
	})
	m.ConnectAll(context.Background())

	degraded := waitFor(t, updates, "alpha", StateDegraded)
	if !strings.Contains(degraded.Detail, "executable not found") {
		t.Fatalf("expected dial error in detail, got %q", degraded.Detail)
	}
	if degraded.Tools != 0 {
		t.Fatalf("degraded server must expose zero tools, got %d", degraded.Tools)
	}
	waitFor(t, updates, "beta", StateReady)

	if _, ok := reg.Lookup("mcp__alpha__search"); ok {
		t.Fatal("degraded server must not register tools")
	}
	if _, ok := reg.Lookup("mcp__beta__search"); !ok {
		t.Fatal("healthy server must register tools")
	}

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "beta" {
		t.Fatalf("snapshot must be sorted by name: %+v", snap)
	}
	if snap[0].State != StateDegraded || snap[1].State != StateReady {
		t.Fatalf("unexpected snapshot states: %+v", snap)
	}
}

func TestManagerOAuthWithoutTokenDegrades(t *testing.T) {
	t.Parallel()
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{{Name: "github", URL: "http://mcp.invalid", Auth: AuthOAuth}},
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		t.Error("dial must not run without a token")
		return nil, errors.New("unreachable")
	})
	m.ConnectAll(context.Background())

	if u := nextUpdate(t, updates); u.State != StateConnecting {
		t.Fatalf("expected connecting, got %s", u.State)
	}
	if u := nextUpdate(t, updates); u.State != StateAuthorizing {
		t.Fatalf("expected authorizing, got %s", u.State)
	}
	u := nextUpdate(t, updates)
	if u.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", u.State)
	}
	if !strings.Contains(u.Detail, "skein mcp auth github") {
		t.Fatalf("detail must point at the auth command, got %q", u.Detail)
	}
	if u.Tools != 0 {
		t.Fatalf("unauthorized server must expose zero tools, got %d", u.Tools)
	}
}

func TestManagerOAuthTokenFlowsToDial(t *testing.T) {
	t.Parallel()
	var gotToken string
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{{Name: "github", URL: "http://mcp.invalid", Auth: AuthOAuth}},
		Tokens:  memTokens{"github": "sekret"},
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		gotToken = token
		return &fakeCaller{tools: []ToolInfo{{Name: "search"}}}, nil
	})
	m.ConnectAll(context.Background())

	if u := nextUpdate(t, updates); u.State != StateConnecting {
		t.Fatalf("expected connecting, got %s", u.State)
	}
	if u := nextUpdate(t, updates); u.State != StateAuthorizing {
		t.Fatalf("expected authorizing, got %s", u.State)
	}
	if u := nextUpdate(t, updates); u.State != StateReady {
		t.Fatalf("expected ready, got %s (%s)", u.State, u.Detail)
	}
	if gotToken != "sekret" {
		t.Fatalf("expected stored token at dial, got %q", gotToken)
	}
}

func TestManagerTokenLookupErrorDegrades(t *testing.T) {
	t.Parallel()
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{{Name: "github", URL: "http://mcp.invalid", Auth: AuthOAuth}},
		Tokens:  errTokens{err: errors.New("keychain locked")},
	}, nil)
	m.dial = func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		t.Error("dial must not run when the token lookup fails")
		return nil, errors.New("unreachable")
	}
	m.ConnectAll(context.Background())

	u := waitFor(t, updates, "github", StateDegraded)
	if !strings.Contains(u.Detail, "keychain locked") {
		t.Fatalf("expected lookup error in detail, got %q", u.Detail)
	}
}

func TestManagerRejectedCredentialsDegrade(t *testing.T) {
	t.Parallel()
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{{Name: "hub", URL: "http://mcp.invalid", Auth: AuthOAuth}},
		Tokens:  memTokens{"hub": "stale"},
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		return nil, fmt.Errorf("%w (status 401)", ErrUnauthorized)
	})
	m.ConnectAll(context.Background())

	u := waitFor(t, updates, "hub", StateDegraded)
	if !strings.Contains(u.Detail, "skein mcp auth hub") {
		t.Fatalf("expected refresh hint in detail, got %q", u.Detail)
	}
}

func TestManagerReconnect(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	var attempts atomic.Int32
	release := make(chan struct{})
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		switch attempts.Add(1) {
		case 1:
			return nil, errors.New("connection refused")
		default:
			<-release
			return &fakeCaller{tools: []ToolInfo{{Name: "search"}}}, nil
		}
	})
	ctx := context.Background()
	m.ConnectAll(ctx)
	waitFor(t, updates, "github", StateDegraded)

	if err := m.Reconnect(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown server")
	}
	if err := m.Reconnect(ctx, "github"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, updates, "github", StateConnecting)
	if err := m.Reconnect(ctx, "github"); err == nil {
		t.Fatal("expected error while an attempt is in progress")
	}
	close(release)
	waitFor(t, updates, "github", StateReady)
	if _, ok := reg.Lookup("mcp__github__search"); !ok {
		t.Fatal("reconnected server must register its tools")
	}
}

func TestManagerReconnectSwapsTools(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	old := &fakeCaller{tools: []ToolInfo{{Name: "search"}}}
	fresh := &fakeCaller{tools: []ToolInfo{{Name: "grep"}}}
	var attempts atomic.Int32
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		if attempts.Add(1) == 1 {
			return old, nil
		}
		return fresh, nil
	})
	ctx := context.Background()
	m.ConnectAll(ctx)
	waitFor(t, updates, "github", StateReady)

	if err := m.Reconnect(ctx, "github"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, updates, "github", StateReady)

	if !old.isClosed() {
		t.Fatal("old caller must be closed on reconnect")
	}
	if _, ok := reg.Lookup("mcp__github__search"); ok {
		t.Fatal("stale tools must be unregistered")
	}
	if _, ok := reg.Lookup("mcp__github__grep"); !ok {
		t.Fatal("fresh tools must be registered")
	}
}

func TestManagerCloseTearsDown(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	fake := &fakeCaller{tools: []ToolInfo{{Name: "search"}}}
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		return fake, nil
	})
	ctx := context.Background()
	m.ConnectAll(ctx)
	waitFor(t, updates, "github", StateReady)

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, updates, "github", StateClosed)
	if !fake.isClosed() {
		t.Fatal("caller must be closed")
	}
	if _, ok := reg.Lookup("mcp__github__search"); ok {
		t.Fatal("tools must be unregistered on close")
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := m.Reconnect(ctx, "github"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManagerCloseDuringConnectDiscardsResult(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	fake := &fakeCaller{tools: []ToolInfo{{Name: "search"}}}
	release := make(chan struct{})
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		<-release
		return fake, nil
	})
	ctx := context.Background()
	m.ConnectAll(ctx)
	waitFor(t, updates, "github", StateConnecting)

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, updates, "github", StateClosed)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for !fake.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("late dial result must be discarded and closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := reg.Lookup("mcp__github__search"); ok {
		t.Fatal("tools from a discarded attempt must not be registered")
	}
}

func TestManagerCloseRacingConnectLeavesNoStaleTools(t *testing.T) {
	t.Parallel()
	// Close racing the tail of connect must never strand namespaced tools
	// in the registry: either the attempt lands and teardown unregisters,
	// or the attempt sees the closed state and discards itself.
	for i := 0; i < 50; i++ {
		reg := tool.NewRegistry()
		fake := &fakeCaller{tools: []ToolInfo{{Name: "search"}, {Name: "fetch"}}}
		release := make(chan struct{})
		m, _ := newTestManager(t, Options{
			Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
			Registry: reg,
		}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
			<-release
			return fake, nil
		})
		ctx := context.Background()
		m.ConnectAll(ctx)

		done := make(chan struct{})
		go func() {
			close(release)
			if err := m.Close(ctx); err != nil {
				t.Errorf("close: %v", err)
			}
			close(done)
		}()
		<-done

		deadline := time.Now().Add(5 * time.Second)
		for !fake.isClosed() {
			if time.Now().After(deadline) {
				t.Fatal("caller must be closed")
			}
			time.Sleep(time.Millisecond)
		}
		if _, ok := reg.Lookup("mcp__github__search"); ok {
			t.Fatalf("iteration %d: stale tool left registered after close", i)
		}
		if _, ok := reg.Lookup("mcp__github__fetch"); ok {
			t.Fatalf("iteration %d: stale tool left registered after close", i)
		}
	}
}

func TestManagerConnectAllIdempotent(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	m, updates := newTestManager(t, Options{
		Servers: []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		dials.Add(1)
		return &fakeCaller{}, nil
	})
	ctx := context.Background()
	m.ConnectAll(ctx)
	m.ConnectAll(ctx)
	waitFor(t, updates, "github", StateReady)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestManagerSkipsCollidingToolNames(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	fake := &fakeCaller{tools: []ToolInfo{{Name: "search"}, {Name: "search"}}}
	m, updates := newTestManager(t, Options{
		Servers:  []ServerConfig{{Name: "github", URL: "http://mcp.invalid"}},
		Registry: reg,
	}, func(ctx context.Context, cfg ServerConfig, token string) (Caller, error) {
		return fake, nil
	})
	m.ConnectAll(context.Background())
	u := waitFor(t, updates, "github", StateReady)
	if u.Tools != 1 {
		t.Fatalf("expected the duplicate to be skipped, got %d tools", u.Tools)
	}
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	cases := []struct {
		name string
		opts Options
	}{
		{name: "missing registry", opts: Options{Servers: []ServerConfig{{Name: "a", URL: "http://x"}}}},
		{name: "missing server name", opts: Options{Registry: reg, Servers: []ServerConfig{{URL: "http://x"}}}},
		{name: "no transport", opts: Options{Registry: reg, Servers: []ServerConfig{{Name: "a"}}}},
		{name: "both transports", opts: Options{Registry: reg, Servers: []ServerConfig{{Name: "a", Command: "srv", URL: "http://x"}}}},
		{name: "oauth on stdio", opts: Options{Registry: reg, Servers: []ServerConfig{{Name: "a", Command: "srv", Auth: AuthOAuth}}}},
		{name: "unknown auth", opts: Options{Registry: reg, Servers: []ServerConfig{{Name: "a", URL: "http://x", Auth: "basic"}}}},
		{name: "duplicate name", opts: Options{Registry: reg, Servers: []ServerConfig{{Name: "a", URL: "http://x"}, {Name: "a", Command: "srv"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
