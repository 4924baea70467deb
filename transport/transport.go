// Package transport defines the contract between the engine and the surfaces
// users talk through. An Adapter consumes the wire stream of one session and
// supplies user inputs, approval decisions, and interrupts back through the
// Engine interface. Adapters never see engine internals, only wire messages.
package transport

import (
	"context"
	"errors"

	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
)

// ErrClosed reports an operation on a closed adapter.
var ErrClosed = errors.New("transport: closed")

type (
	// Engine is the surface the adapters drive. One Engine serves one
	// session; Prompt runs one turn at a time and Interrupt cuts the
	// in-flight one short.
	Engine interface {
		// SessionID identifies the session the engine serves.
		SessionID() string

		// Prompt runs one turn for the given user input. It blocks until the
		// turn reaches a terminal outcome. A non-nil error means the harness
		// broke, not that the model or a tool failed.
		Prompt(ctx context.Context, input string) (turn.Outcome, error)

		// Resolve applies an approval decision to a pending request. It
		// reports whether the decision took effect; late and unknown
		// resolutions report false.
		Resolve(ctx context.Context, requestID string, d wire.Decision) bool

		// Interrupt cancels the in-flight turn, children first. Idle engines
		// ignore the call.
		Interrupt(reason string)
	}

	// Rewinder is implemented by engines whose session supports discarding
	// turns. Adapters probe for it with a type assertion.
	Rewinder interface {
		// Rewind drops the identified turn and everything after it from the
		// reconstructable view.
		Rewind(ctx context.Context, turnID, reason string) error
	}

	// Adapter is one user surface: it renders the wire stream through its
	// Sink half and feeds inputs back through Run.
	Adapter interface {
		wire.Sink

		// Run drives the adapter's input loop against eng until ctx is
		// cancelled or the surface disconnects. Run returns nil on orderly
		// shutdown.
		Run(ctx context.Context, eng Engine) error
	}
)

// Fanout delivers each message to a primary sink and best-effort secondaries.
// The primary's errors propagate to the sender; secondary failures are logged
// and swallowed so a slow broadcast never fails a turn.
type Fanout struct {
	primary     wire.Sink
	secondaries []wire.Sink
	tel         telemetry.Set
}

// NewFanout builds a fan-out sink. The primary is typically the durable wire
// record; secondaries are live surfaces and broadcast streams.
func NewFanout(primary wire.Sink, tel telemetry.Set, secondaries ...wire.Sink) *Fanout {
	return &Fanout{primary: primary, secondaries: secondaries, tel: tel.Fill()}
}

// Send implements wire.Sink.
func (f *Fanout) Send(ctx context.Context, msg wire.Message) error {
	if err := f.primary.Send(ctx, msg); err != nil {
		return err
	}
	for _, s := range f.secondaries {
		if err := s.Send(ctx, msg); err != nil {
			f.tel.Logger.Warn(ctx, "secondary sink send failed",
				"kind", string(msg.Kind()), "err", err)
		}
	}
	return nil
}

// Close implements wire.Sink. Every sink is closed; the first error wins.
func (f *Fanout) Close(ctx context.Context) error {
	err := f.primary.Close(ctx)
	for _, s := range f.secondaries {
		if cerr := s.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
