package turn

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/skeinlabs/skein/runtime/model"
	"github.com/skeinlabs/skein/runtime/pool"
	"github.com/skeinlabs/skein/runtime/session"
	"github.com/skeinlabs/skein/runtime/tool"
	"github.com/skeinlabs/skein/runtime/wire"
)

// callResult pairs a tool result with its wall-clock execution time.
type callResult struct {
	res *tool.Result
	dur time.Duration
}

// executeBatch runs one step's tool calls and folds the results into the
// context log in issuance order. Parallel-safe pre-approved calls fan out to
// the worker pool immediately; everything else runs through the serial lane
// in request order so approval prompts reach the user one at a time. Once a
// serial call is approved it is handed off by capability: dispatchers that
// wait on nested work run on their own goroutine, parallel-safe calls take a
// pool slot, and the rest execute inline.
//
// The return value counts calls that recorded interrupted results. Every
// emitted tool_call_begin is matched by a tool_call_end and a context-log
// entry regardless of interrupts, so the log never carries a dangling tool
// use.
func (lt *liveTurn) executeBatch(ctx context.Context, uses []model.ToolUsePart) (int, error) {
	r := lt.r
	batchCtx, cancel := lt.ctrl.Context(ctx)
	defer cancel()

	// Announce the whole batch up front so transports render every requested
	// call before execution or approval starts.
	tools := make([]tool.Tool, len(uses))
	for i, use := range uses {
		tools[i], _ = r.registry.Lookup(use.Name)
		begin := wire.NewToolCallBegin(r.sessionID, lt.turnID, use.ID, use.Name, use.Args, callTarget(tools[i], use.Args))
		if err := lt.emit(ctx, begin); err != nil {
			return 0, err
		}
	}

	futures := make([]*pool.Future[callResult], len(uses))
	var serial []int
	for i, use := range uses {
		if res := r.registry.Validate(use.Name, use.Args); res != nil {
			futures[i] = pool.Resolved(callResult{res: res}, nil)
			continue
		}
		t := tools[i]
		if t.ParallelSafe() && r.broker.Allowed(t, use.Args) {
			futures[i] = pool.Submit(batchCtx, r.pool, lt.executor(use))
			continue
		}
		serial = append(serial, i)
	}

	cut := false
	for _, i := range serial {
		use, t := uses[i], tools[i]
		if cut || lt.interrupted(ctx) {
			cut = true
			futures[i] = pool.Resolved(callResult{res: tool.Fail(tool.ErrorKindInterrupted, "interrupted before execution")}, nil)
			continue
		}
		d, err := r.broker.Approve(batchCtx, lt.turnID, t, use.ID, use.Args)
		switch {
		case err == nil && d == wire.DecisionReject:
			futures[i] = pool.Resolved(callResult{res: tool.Fail(tool.ErrorKindDenied, "permission denied by user")}, nil)
			continue
		case errors.Is(err, tool.ErrInterrupted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			cut = true
			futures[i] = pool.Resolved(callResult{res: tool.Fail(tool.ErrorKindInterrupted, "interrupted awaiting approval")}, nil)
			continue
		case err != nil:
			return 0, &sinkError{err: err}
		}
		switch {
		case isUnpooled(t):
			futures[i] = pool.Go(batchCtx, lt.executor(use))
		case t.ParallelSafe():
			futures[i] = pool.Submit(batchCtx, r.pool, lt.executor(use))
		default:
			cr, _ := lt.executor(use)(batchCtx)
			futures[i] = pool.Resolved(cr, nil)
		}
	}

	// Fold in issuance order. Appends and end events run detached from the
	// turn context so an interrupt cannot leave a tool use without its
	// result.
	pending := 0
	detached := context.WithoutCancel(ctx)
	for i, use := range uses {
		cr, err := futures[i].Get(ctx)
		if err != nil {
			cr = callResult{res: tool.Synthesize(err)}
		}
		res := cr.res
		kind := ""
		if res.Failed() {
			kind = string(res.Error.Kind)
			if res.Error.Kind == tool.ErrorKindInterrupted {
				pending++
			}
		}
		content, _ := tool.Truncate(res.Output(), tool.BudgetFor(tools[i]))
		entry := session.NewToolResultEntry(session.ToolResult{
			CallID:    use.ID,
			Name:      use.Name,
			Content:   content,
			IsError:   res.Failed(),
			ErrorKind: kind,
		})
		if err := r.log.Append(detached, entry); err != nil {
			return pending, err
		}
		end := wire.NewToolCallEnd(r.sessionID, lt.turnID, wire.ToolCallEndPayload{
			ToolCallID: use.ID,
			ToolName:   use.Name,
			Status:     statusFor(res),
			Output:     res.Output(),
			Error:      failureMessage(res),
			DurationMS: cr.dur.Milliseconds(),
			Display:    res.Display,
		})
		if err := r.sink.Send(detached, end); err != nil {
			return pending, &sinkError{err: err}
		}
		r.tel.Metrics.RecordTimer("tool.duration", cr.dur, "tool", use.Name, "status", statusFor(res))
	}
	return pending, nil
}

// executor builds the invocation closure for one call. The context carries
// the call identity and a spawner so dispatch tools can start child turns.
func (lt *liveTurn) executor(use model.ToolUsePart) func(context.Context) (callResult, error) {
	return func(ctx context.Context) (callResult, error) {
		ctx = WithMeta(ctx, CallMeta{
			SessionID:  lt.r.sessionID,
			TurnID:     lt.turnID,
			ToolCallID: use.ID,
			ToolName:   use.Name,
		})
		ctx = WithSpawner(ctx, &runnerSpawner{lt: lt})
		started := time.Now()
		res := lt.r.registry.Invoke(ctx, use.Name, use.Args)
		return callResult{res: res, dur: time.Since(started)}, nil
	}
}

func callTarget(t tool.Tool, args json.RawMessage) string {
	if k, ok := t.(tool.ApprovalKeyer); ok {
		return k.ApprovalKey(args)
	}
	return ""
}

func isUnpooled(t tool.Tool) bool {
	u, ok := t.(tool.Unpooled)
	return ok && u.Unpooled()
}

func statusFor(res *tool.Result) string {
	if !res.Failed() {
		return "ok"
	}
	switch res.Error.Kind {
	case tool.ErrorKindDenied:
		return "denied"
	case tool.ErrorKindInterrupted:
		return "interrupted"
	default:
		return "error"
	}
}

func failureMessage(res *tool.Result) string {
	if res.Failed() {
		return res.Error.Message
	}
	return ""
}
