package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/runtime/interrupt"
	"github.com/skeinlabs/skein/runtime/model"
	"github.com/skeinlabs/skein/runtime/session"
	"github.com/skeinlabs/skein/runtime/wire"
)

// RunTurn executes one turn: it appends input to the context log, then loops
// model calls and tool batches until the model stops requesting tools or the
// turn is interrupted, failed, or out of steps. The returned error is non-nil
// only when the harness itself broke (wire sink or context log unusable);
// model and tool failures are reported through the Outcome alone.
func (r *Runner) RunTurn(ctx context.Context, input string) (Outcome, error) {
	if !r.runMu.TryLock() {
		return Outcome{}, ErrTurnActive
	}
	defer r.runMu.Unlock()

	ctrl := r.newTurnController()
	r.installController(ctrl)
	defer func() {
		r.installController(nil)
		if r.parent != nil {
			r.parent.Detach(ctrl)
		}
	}()

	lt := &liveTurn{r: r, ctrl: ctrl, turnID: uuid.NewString()}
	started := time.Now()
	out, err := lt.run(ctx, input)
	r.tel.Metrics.RecordTimer("turn.duration", time.Since(started), "outcome", string(out.Status))
	r.tel.Metrics.IncCounter("turn.outcome", 1, "outcome", string(out.Status))
	return out, err
}

// liveTurn is the state of one in-flight turn. Its methods run on the
// orchestrator goroutine; tool goroutines communicate back through futures.
type liveTurn struct {
	r      *Runner
	ctrl   *interrupt.Controller
	turnID string
	steps  int
}

func (lt *liveTurn) run(ctx context.Context, input string) (Outcome, error) {
	r := lt.r
	if err := lt.emit(ctx, wire.NewTurnBegin(r.sessionID, lt.turnID, input)); err != nil {
		return lt.failSink(ctx, err)
	}
	if err := r.log.Append(ctx, session.NewTurnBoundaryEntry(lt.turnID)); err != nil {
		return lt.failLog(ctx, err)
	}
	if err := r.log.Append(ctx, session.NewUserEntry(input)); err != nil {
		return lt.failLog(ctx, err)
	}

	for {
		if lt.interrupted(ctx) {
			return lt.finish(ctx, Outcome{Status: StatusInterrupted, Reason: lt.interruptReason(ctx), Steps: lt.steps})
		}
		if lt.steps >= r.maxSteps {
			reason := fmt.Sprintf("step limit of %d reached", r.maxSteps)
			return lt.finish(ctx, Outcome{Status: StatusStepLimitExceeded, Reason: reason, Steps: lt.steps})
		}
		if err := lt.maybeCompact(ctx); err != nil {
			return lt.failSink(ctx, err)
		}

		lt.steps++
		if err := lt.emit(ctx, wire.NewStepBegin(r.sessionID, lt.turnID, lt.steps)); err != nil {
			return lt.failSink(ctx, err)
		}

		sent := r.log.View()
		msg, usage, err := lt.streamAssistant(ctx, sent)
		if err != nil {
			var se *sinkError
			switch {
			case errors.As(err, &se):
				return lt.failSink(ctx, se)
			case lt.interrupted(ctx):
				// Deltas already flushed stand; the partial assistant
				// message is discarded and no tool calls were cut.
				lt.emitDetached(ctx, wire.NewStepInterrupted(r.sessionID, lt.turnID, 0))
				return lt.finish(ctx, Outcome{Status: StatusInterrupted, Reason: lt.interruptReason(ctx), Steps: lt.steps})
			default:
				return lt.finish(ctx, Outcome{Status: StatusFailed, Reason: err.Error(), Steps: lt.steps})
			}
		}

		uses := msg.ToolUses()
		if err := r.log.Append(ctx, session.NewAssistantEntry(msg)); err != nil {
			return lt.failLog(ctx, err)
		}
		if err := lt.emit(ctx, wire.NewAssistantMessage(r.sessionID, lt.turnID, msg.Text(), len(uses))); err != nil {
			return lt.failSink(ctx, err)
		}
		r.counter.Observe(sent, usage.InputTokens)
		if err := lt.emit(ctx, wire.NewStatusUpdate(r.sessionID, lt.turnID, lt.status(usage))); err != nil {
			return lt.failSink(ctx, err)
		}

		if len(uses) == 0 {
			return lt.finish(ctx, Outcome{Status: StatusCompleted, Steps: lt.steps, Text: msg.Text()})
		}

		pending, err := lt.executeBatch(ctx, uses)
		if err != nil {
			var se *sinkError
			if errors.As(err, &se) {
				return lt.failSink(ctx, se)
			}
			return lt.failLog(ctx, err)
		}
		if lt.interrupted(ctx) {
			lt.emitDetached(ctx, wire.NewStepInterrupted(r.sessionID, lt.turnID, pending))
			return lt.finish(ctx, Outcome{Status: StatusInterrupted, Reason: lt.interruptReason(ctx), Steps: lt.steps})
		}
	}
}

// streamAssistant performs one model call over msgs, forwarding text and
// thinking deltas as they arrive. Clients that do not stream fall back to
// Complete with the full text delivered as a single delta. Errors are either
// *sinkError (transport), an interrupt-cancelled call (callers check the
// controller), or a model failure.
func (lt *liveTurn) streamAssistant(ctx context.Context, msgs []model.Message) (model.Message, model.TokenUsage, error) {
	r := lt.r
	req := model.Request{
		Model:       r.modelID,
		System:      r.system,
		Messages:    msgs,
		Tools:       r.registry.Definitions(),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
		Thinking:    r.thinking,
	}

	callCtx, cancel := lt.ctrl.Context(ctx)
	defer cancel()

	stream, err := r.client.Stream(callCtx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return lt.completeAssistant(ctx, callCtx, req)
	}
	if err != nil {
		return model.Message{}, model.TokenUsage{}, err
	}
	defer stream.Close()

	acc := model.NewAccumulator()
	for {
		chunk, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return model.Message{}, model.TokenUsage{}, rerr
		}
		acc.Add(chunk)
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Text != "" {
				if serr := lt.emit(ctx, wire.NewTextDelta(r.sessionID, lt.turnID, chunk.Text)); serr != nil {
					return model.Message{}, model.TokenUsage{}, serr
				}
			}
		case model.ChunkTypeThinking:
			if chunk.Thinking != "" {
				if serr := lt.emit(ctx, wire.NewThinkDelta(r.sessionID, lt.turnID, chunk.Thinking)); serr != nil {
					return model.Message{}, model.TokenUsage{}, serr
				}
			}
		}
	}
	msg, err := acc.Message()
	if err != nil {
		return model.Message{}, model.TokenUsage{}, err
	}
	return msg, acc.Usage(), nil
}

func (lt *liveTurn) completeAssistant(ctx, callCtx context.Context, req model.Request) (model.Message, model.TokenUsage, error) {
	resp, err := lt.r.client.Complete(callCtx, req)
	if err != nil {
		return model.Message{}, model.TokenUsage{}, err
	}
	if resp.Message.Empty() {
		return model.Message{}, model.TokenUsage{}, model.ErrEmptyResponse
	}
	if text := resp.Message.Text(); text != "" {
		if serr := lt.emit(ctx, wire.NewTextDelta(lt.r.sessionID, lt.turnID, text)); serr != nil {
			return model.Message{}, model.TokenUsage{}, serr
		}
	}
	return resp.Message, resp.Usage, nil
}

// maybeCompact runs one compaction pass when the view has outgrown the
// compactor's threshold. Compaction failures degrade: the turn proceeds on
// the uncompacted view. Only transport errors propagate.
func (lt *liveTurn) maybeCompact(ctx context.Context) error {
	r := lt.r
	if r.compactor == nil {
		return nil
	}
	tokens, needed := r.compactor.NeedsCompaction(r.log)
	if !needed {
		return nil
	}
	if err := lt.emit(ctx, wire.NewCompactionBegin(r.sessionID, lt.turnID, tokens)); err != nil {
		return err
	}
	res, err := r.compactor.Compact(ctx, r.log)
	if err != nil {
		r.tel.Logger.Warn(ctx, "compaction failed, continuing uncompacted", "err", err)
		return lt.emit(ctx, wire.NewCompactionEnd(r.sessionID, lt.turnID, 0))
	}
	r.tel.Metrics.IncCounter("compaction.reclaimed_tokens", float64(res.Reclaimed))
	return lt.emit(ctx, wire.NewCompactionEnd(r.sessionID, lt.turnID, res.Reclaimed))
}

func (lt *liveTurn) status(usage model.TokenUsage) wire.StatusUpdatePayload {
	r := lt.r
	return wire.StatusUpdatePayload{
		Model:         r.modelID,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		ContextTokens: r.counter.Count(r.log.View()),
		ContextLimit:  r.contextWindow,
	}
}

func (lt *liveTurn) interrupted(ctx context.Context) bool {
	return lt.ctrl.Interrupted() || ctx.Err() != nil
}

func (lt *liveTurn) interruptReason(ctx context.Context) string {
	if reason, ok := lt.ctrl.Poll(); ok && reason != "" {
		return reason
	}
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "interrupted"
}

// finish emits turn_end and returns the outcome. The turn_end is best-effort;
// the outcome stands even when the transport is already gone.
func (lt *liveTurn) finish(ctx context.Context, out Outcome) (Outcome, error) {
	lt.endTurn(ctx, out)
	return out, nil
}

// failSink is finish for transport loss. RunTurn reports the underlying error
// alongside the failed outcome.
func (lt *liveTurn) failSink(ctx context.Context, err error) (Outcome, error) {
	cause := err
	var se *sinkError
	if errors.As(err, &se) {
		cause = se.Unwrap()
	}
	out := Outcome{Status: StatusFailed, Reason: fmt.Sprintf("wire sink: %v", cause), Steps: lt.steps}
	lt.endTurn(ctx, out)
	return out, cause
}

// failLog is finish for a broken context log.
func (lt *liveTurn) failLog(ctx context.Context, err error) (Outcome, error) {
	out := Outcome{Status: StatusFailed, Reason: fmt.Sprintf("context log: %v", err), Steps: lt.steps}
	lt.endTurn(ctx, out)
	return out, err
}

func (lt *liveTurn) endTurn(ctx context.Context, out Outcome) {
	lt.emitDetached(ctx, wire.NewTurnEnd(lt.r.sessionID, lt.turnID, string(out.Status), out.Reason, out.Steps))
}

// emit sends msg, wrapping failures so callers can tell transport loss apart
// from model failure.
func (lt *liveTurn) emit(ctx context.Context, msg wire.Message) error {
	if err := lt.r.sink.Send(ctx, msg); err != nil {
		return &sinkError{err: err}
	}
	return nil
}

// emitDetached delivers interrupt and turn-end bookkeeping that must reach
// the transport even when the turn's context is already cancelled.
func (lt *liveTurn) emitDetached(ctx context.Context, msg wire.Message) {
	if err := lt.r.sink.Send(context.WithoutCancel(ctx), msg); err != nil {
		lt.r.tel.Logger.Warn(ctx, "wire send failed", "kind", string(msg.Kind()), "err", err)
	}
}

// sinkError marks a wire.Sink failure. The turn loop treats these as harness
// failures rather than model failures.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }
