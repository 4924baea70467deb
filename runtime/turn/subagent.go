package turn

import (
	"context"
	"errors"

	"github.com/skeinlabs/skein/runtime/session"
	"github.com/skeinlabs/skein/runtime/wire"
)

type (
	// CallMeta identifies the tool invocation a context belongs to. The
	// scheduler installs it on every invocation context.
	CallMeta struct {
		SessionID  string
		TurnID     string
		ToolCallID string
		ToolName   string
	}

	// SpawnRequest configures a child turn. Zero fields inherit from the
	// parent runner.
	SpawnRequest struct {
		// Input is the task prompt the child turn starts from.
		Input string
		// System replaces the parent system prompt when set.
		System string
		// Model replaces the parent model when set.
		Model string
		// Tools restricts the child to the named tools. Empty means every
		// parent tool. The dispatching tool itself is always excluded so a
		// child cannot spawn grandchildren through the same tool.
		Tools []string
		// MaxSteps caps the child's model-call iterations.
		MaxSteps int
	}

	// Spawner starts a child turn attributed to the current tool call.
	// Dispatch tools retrieve it from their invocation context.
	Spawner interface {
		Spawn(ctx context.Context, req SpawnRequest) (Outcome, error)
	}
)

type (
	metaKey    struct{}
	spawnerKey struct{}
)

// WithMeta returns a context carrying the call identity.
func WithMeta(ctx context.Context, m CallMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom extracts the call identity installed by the scheduler.
func MetaFrom(ctx context.Context) (CallMeta, bool) {
	m, ok := ctx.Value(metaKey{}).(CallMeta)
	return m, ok
}

// WithSpawner returns a context carrying a subagent spawner.
func WithSpawner(ctx context.Context, s Spawner) context.Context {
	return context.WithValue(ctx, spawnerKey{}, s)
}

// SpawnerFrom extracts the spawner installed by the scheduler.
func SpawnerFrom(ctx context.Context) (Spawner, bool) {
	s, ok := ctx.Value(spawnerKey{}).(Spawner)
	return s, ok
}

// runnerSpawner dispatches child turns for one live turn. The child runs
// against a fenced in-memory log, shares the parent's pool and approval
// broker, and reports through the parent's sink with every message wrapped
// for attribution to the dispatching call. The parent's interrupt controller
// roots the child's, so interrupting the parent stops the child first.
type runnerSpawner struct {
	lt *liveTurn
}

func (s *runnerSpawner) Spawn(ctx context.Context, req SpawnRequest) (Outcome, error) {
	meta, ok := MetaFrom(ctx)
	if !ok {
		return Outcome{}, errors.New("turn: spawn outside a tool invocation")
	}
	r := s.lt.r

	reg := r.registry.Without(meta.ToolName)
	if len(req.Tools) > 0 {
		keep := make(map[string]struct{}, len(req.Tools))
		for _, n := range req.Tools {
			keep[n] = struct{}{}
		}
		var drop []string
		for _, n := range reg.Names() {
			if _, ok := keep[n]; !ok {
				drop = append(drop, n)
			}
		}
		reg = reg.Without(drop...)
	}

	opts := Options{
		Log:      session.NewMemoryLog(),
		Client:   r.client,
		Registry: reg,
		Broker:   r.broker,
		Pool:     r.pool,
		Sink: &subagentSink{
			sink:       r.sink,
			sessionID:  r.sessionID,
			turnID:     s.lt.turnID,
			taskCallID: meta.ToolCallID,
		},
		Counter:       session.NewHeuristicCounter(),
		Telemetry:     r.tel,
		SessionID:     r.sessionID,
		Model:         r.modelID,
		System:        r.system,
		MaxSteps:      req.MaxSteps,
		MaxTokens:     r.maxTokens,
		Temperature:   r.temperature,
		Thinking:      r.thinking,
		ContextWindow: r.contextWindow,
	}
	if req.Model != "" {
		opts.Model = req.Model
	}
	if req.System != "" {
		opts.System = req.System
	}
	if req.MaxSteps <= 0 {
		opts.MaxSteps = r.maxSteps
	}

	child, err := New(opts)
	if err != nil {
		return Outcome{}, err
	}
	child.parent = s.lt.ctrl
	return child.RunTurn(ctx, req.Input)
}

// subagentSink wraps every child-turn message for attribution to the
// dispatching tool call. The wrapper carries the parent turn identity; the
// inner message keeps the child's. Close is a no-op since the parent owns
// the transport.
type subagentSink struct {
	sink       wire.Sink
	sessionID  string
	turnID     string
	taskCallID string
}

func (s *subagentSink) Send(ctx context.Context, msg wire.Message) error {
	wrapped, err := wire.NewSubagentMessage(s.sessionID, s.turnID, s.taskCallID, msg)
	if err != nil {
		return err
	}
	return s.sink.Send(ctx, wrapped)
}

func (s *subagentSink) Close(context.Context) error { return nil }
