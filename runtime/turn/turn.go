// Package turn implements the per-turn orchestration state machine. A Runner
// drives one session's conversation: it appends the user input to the context
// log, loops model calls against the current view, schedules the tool calls
// each step requests, folds their results back into the log in issuance
// order, and reports progress on the wire until the turn reaches a terminal
// outcome.
//
// One Runner serves one session and runs one turn at a time. Subagent turns
// spawned by a dispatch tool get their own child Runner over a fenced
// in-memory log; the parent's interrupt reaches children first.
package turn

import (
	"context"
	"errors"
	"sync"

	"github.com/skeinlabs/skein/runtime/interrupt"
	"github.com/skeinlabs/skein/runtime/model"
	"github.com/skeinlabs/skein/runtime/pool"
	"github.com/skeinlabs/skein/runtime/session"
	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/tool"
	"github.com/skeinlabs/skein/runtime/wire"
)

// ErrTurnActive reports a RunTurn call while another turn is in flight on the
// same Runner. The engine is a single conversation state machine per session;
// concurrency lives inside a step, not across turns.
var ErrTurnActive = errors.New("turn: turn already in flight")

const defaultMaxSteps = 32

// Status is the terminal state of a turn.
type Status string

const (
	// StatusCompleted means the model answered without requesting tools.
	StatusCompleted Status = "completed"
	// StatusInterrupted means an interrupt cut the turn short.
	StatusInterrupted Status = "interrupted"
	// StatusFailed means a model call or the harness failed.
	StatusFailed Status = "failed"
	// StatusStepLimitExceeded means the step budget ran out before the model
	// finished. In-flight tool calls were allowed to complete.
	StatusStepLimitExceeded Status = "step_limit_exceeded"
)

type (
	// Outcome is the terminal result of one turn.
	Outcome struct {
		// Status is the terminal state.
		Status Status
		// Reason explains failures and interrupts. Empty otherwise.
		Reason string
		// Steps is the number of model-call iterations the turn consumed.
		Steps int
		// Text is the final assistant text on completion. Subagent dispatch
		// returns it as the tool result payload.
		Text string
	}

	// Options configures a Runner. Log, Client, Registry, Broker, Pool, Sink,
	// SessionID, and Model are required; the rest default sensibly.
	Options struct {
		// Log is the session's context log. Top-level turns run against the
		// durable session; subagent turns against a fenced MemoryLog.
		Log session.Log
		// Client performs model calls. Wrap it with retry and middleware
		// before handing it to the Runner.
		Client model.Client
		// Registry holds the tools exposed to the model.
		Registry *tool.Registry
		// Broker gates mutating tool calls behind approval.
		Broker *tool.Broker
		// Pool bounds concurrent tool execution across the turn tree.
		Pool *pool.Pool
		// Sink receives wire messages.
		Sink wire.Sink
		// Counter estimates context size for status updates and calibrates
		// from provider usage. Defaults to a fresh HeuristicCounter.
		Counter session.TokenCounter
		// Compactor summarizes old history before a model call when the view
		// outgrows its budget. Nil disables compaction.
		Compactor *session.Compactor
		// Telemetry supplies logging, metrics, and tracing. Nil fields are
		// filled with no-ops.
		Telemetry telemetry.Set

		// SessionID identifies the owning session on every wire message.
		SessionID string
		// Model is the provider-specific model identifier.
		Model string
		// System is the system prompt sent with every model call.
		System string
		// MaxSteps caps model-call iterations per turn. Zero means the
		// default of 32.
		MaxSteps int
		// MaxTokens caps completion tokens per model call. Zero means
		// provider default.
		MaxTokens int
		// Temperature controls sampling. Zero means provider default.
		Temperature float32
		// Thinking configures extended reasoning. Nil disables it.
		Thinking *model.ThinkingOptions
		// ContextWindow is the model's declared maximum context, reported in
		// status updates. Zero omits the limit.
		ContextWindow int
	}

	// Runner owns turn execution for one session. Construct with New; all
	// methods are safe for concurrent use, though only one turn runs at a
	// time.
	Runner struct {
		log       session.Log
		client    model.Client
		registry  *tool.Registry
		broker    *tool.Broker
		pool      *pool.Pool
		sink      wire.Sink
		counter   session.TokenCounter
		compactor *session.Compactor
		tel       telemetry.Set

		sessionID     string
		modelID       string
		system        string
		maxSteps      int
		maxTokens     int
		temperature   float32
		thinking      *model.ThinkingOptions
		contextWindow int

		// parent roots per-turn interrupt controllers under an enclosing
		// turn. Set only on subagent runners.
		parent *interrupt.Controller

		runMu sync.Mutex

		mu   sync.Mutex
		ctrl *interrupt.Controller
	}
)

// New validates opts and builds a Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Log == nil:
		return nil, errors.New("turn: context log is required")
	case opts.Client == nil:
		return nil, errors.New("turn: model client is required")
	case opts.Registry == nil:
		return nil, errors.New("turn: tool registry is required")
	case opts.Broker == nil:
		return nil, errors.New("turn: approval broker is required")
	case opts.Pool == nil:
		return nil, errors.New("turn: worker pool is required")
	case opts.Sink == nil:
		return nil, errors.New("turn: wire sink is required")
	case opts.SessionID == "":
		return nil, errors.New("turn: session id is required")
	case opts.Model == "":
		return nil, errors.New("turn: model id is required")
	}
	if opts.Counter == nil {
		opts.Counter = session.NewHeuristicCounter()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	return &Runner{
		log:           opts.Log,
		client:        opts.Client,
		registry:      opts.Registry,
		broker:        opts.Broker,
		pool:          opts.Pool,
		sink:          opts.Sink,
		counter:       opts.Counter,
		compactor:     opts.Compactor,
		tel:           opts.Telemetry.Fill(),
		sessionID:     opts.SessionID,
		modelID:       opts.Model,
		system:        opts.System,
		maxSteps:      opts.MaxSteps,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		thinking:      opts.Thinking,
		contextWindow: opts.ContextWindow,
	}, nil
}

// Interrupt requests cancellation of the in-flight turn. The turn tree is
// interrupted children first; idle runners ignore the call. The first reason
// wins.
func (r *Runner) Interrupt(reason string) {
	r.mu.Lock()
	ctrl := r.ctrl
	r.mu.Unlock()
	if ctrl == nil {
		return
	}
	ctrl.Interrupt(reason)
	// Unblock approval prompts so no step waits on an answer that can no
	// longer matter, and transports retire what they surfaced.
	r.broker.CancelPending(context.Background())
}

// newTurnController roots the turn's controller under the enclosing turn for
// subagent runners, so a parent interrupt reaches the child first.
func (r *Runner) newTurnController() *interrupt.Controller {
	if r.parent != nil {
		return r.parent.NewChild()
	}
	return interrupt.NewController()
}

func (r *Runner) installController(ctrl *interrupt.Controller) {
	r.mu.Lock()
	r.ctrl = ctrl
	r.mu.Unlock()
}
