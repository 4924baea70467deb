// Package term implements the line-oriented terminal adapter. It prints the
// wire stream as plain text on stdout and reads user input, approval
// decisions, and slash commands from stdin. There is no rendering stack; the
// adapter is deliberately dumb so richer surfaces plug in over acp or
// rawstream instead.
package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
	"github.com/skeinlabs/skein/transport"
)

type (
	// Options configures the adapter. Zero values mean stdin/stdout.
	Options struct {
		// Input is the line source. Defaults to os.Stdin.
		Input io.Reader
		// Output receives rendered events. Defaults to os.Stdout.
		Output io.Writer
	}

	// Term is the terminal adapter. Send renders wire messages; Run owns the
	// read loop. Both halves are safe to use concurrently.
	Term struct {
		in io.Reader

		mu      sync.Mutex
		out     io.Writer
		eng     transport.Engine
		closed  bool
		eof     bool     // input drained; nobody can answer prompts anymore
		inline  bool     // last write was a delta without a trailing newline
		pending []string // approval request ids awaiting a decision, FIFO
	}

	promptResult struct {
		out turn.Outcome
		err error
	}
)

// New builds a terminal adapter.
func New(opts Options) *Term {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Term{in: in, out: out}
}

// Send implements wire.Sink.
func (t *Term) Send(_ context.Context, msg wire.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.render(msg, "")
	return nil
}

// Close implements wire.Sink.
func (t *Term) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// render writes one message. Callers hold t.mu. The prefix indents subagent
// output under its spawning tool call.
func (t *Term) render(msg wire.Message, prefix string) {
	switch m := msg.(type) {
	case *wire.TextDelta:
		fmt.Fprint(t.out, prefix+m.Data.Text)
		t.inline = true
	case *wire.ToolCallBegin:
		t.breakLine()
		if m.Data.Target != "" {
			fmt.Fprintf(t.out, "%s* %s %s\n", prefix, m.Data.ToolName, m.Data.Target)
		} else {
			fmt.Fprintf(t.out, "%s* %s\n", prefix, m.Data.ToolName)
		}
	case *wire.ToolCallEnd:
		if m.Data.Status != "ok" {
			t.breakLine()
			fmt.Fprintf(t.out, "%s  %s %s: %s\n", prefix, m.Data.ToolName, m.Data.Status, m.Data.Error)
		}
	case *wire.ApprovalRequested:
		t.breakLine()
		if t.eof && t.eng != nil {
			// Input is gone; reject so the turn cannot block forever.
			fmt.Fprintf(t.out, "approval required but input closed, rejecting: %s\n", m.Data.Action)
			go t.eng.Resolve(context.Background(), m.Data.ID, wire.DecisionReject)
			return
		}
		t.pending = append(t.pending, m.Data.ID)
		fmt.Fprintf(t.out, "\napproval required: %s\n", m.Data.Action)
		if m.Data.Display != "" {
			fmt.Fprintln(t.out, m.Data.Display)
		}
		fmt.Fprint(t.out, decisionHint)
	case *wire.ApprovalResolved:
		// Another surface may have answered; drop the id from the queue.
		for i, id := range t.pending {
			if id == m.Data.ID {
				t.pending = append(t.pending[:i], t.pending[i+1:]...)
				break
			}
		}
	case *wire.CompactionBegin:
		t.breakLine()
		fmt.Fprintf(t.out, "%s(compacting history)\n", prefix)
	case *wire.CompactionEnd:
		if m.Data.ReclaimedTokens > 0 {
			fmt.Fprintf(t.out, "%s(reclaimed ~%d tokens)\n", prefix, m.Data.ReclaimedTokens)
		}
	case *wire.StepInterrupted:
		t.breakLine()
		fmt.Fprintf(t.out, "%s(interrupted)\n", prefix)
	case *wire.ConnectionUpdate:
		t.breakLine()
		line := fmt.Sprintf("%s(mcp %s: %s", prefix, m.Data.Server, m.Data.State)
		if m.Data.Tools > 0 {
			line += fmt.Sprintf(", %d tools", m.Data.Tools)
		}
		if m.Data.Detail != "" {
			line += ", " + m.Data.Detail
		}
		fmt.Fprintln(t.out, line+")")
	case *wire.SubagentMessage:
		inner, err := wire.Decode(m.Data.Inner)
		if err != nil {
			return
		}
		t.render(inner, prefix+subagentIndent)
	case *wire.AssistantMessage:
		t.breakLine()
	}
	// Remaining kinds (turn/step lifecycle, status, think deltas) are
	// intentionally silent on this surface.
}

func (t *Term) breakLine() {
	if t.inline {
		fmt.Fprintln(t.out)
		t.inline = false
	}
}

const (
	decisionHint   = "  [y]es / [a]lways / [s]ession / [n]o > "
	inputPrompt    = "> "
	subagentIndent = "  | "
)

// Run implements transport.Adapter. It reads lines until EOF, a quit command,
// or ctx cancellation. One turn runs at a time; while a turn is in flight
// incoming lines answer pending approvals and everything else is refused.
func (t *Term) Run(ctx context.Context, eng transport.Engine) error {
	t.mu.Lock()
	t.eng = eng
	t.mu.Unlock()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(t.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	outcomes := make(chan promptResult, 1)
	active := false
	t.printPrompt()

	for {
		select {
		case <-ctx.Done():
			if active {
				eng.Interrupt("transport shutdown")
				res := <-outcomes
				t.printOutcome(res)
			}
			return ctx.Err()

		case res := <-outcomes:
			active = false
			t.printOutcome(res)
			t.printPrompt()

		case line, ok := <-lines:
			if !ok {
				t.markEOF(ctx, eng)
				if !active {
					return nil
				}
				// Drain the in-flight turn before exiting on EOF.
				res := <-outcomes
				t.printOutcome(res)
				return nil
			}
			line = strings.TrimSpace(line)

			if id, found := t.nextPending(); found {
				d, ok := parseDecision(line)
				if !ok {
					t.writeLine(decisionHint)
					continue
				}
				t.dropPending(id)
				if !eng.Resolve(ctx, id, d) {
					t.writeLine("(request already resolved)\n")
				}
				continue
			}

			switch {
			case line == "":
				if !active {
					t.printPrompt()
				}
			case line == "/quit" || line == "/exit":
				if active {
					eng.Interrupt("user quit")
					res := <-outcomes
					t.printOutcome(res)
				}
				return nil
			case active:
				t.writeLine("(turn in flight; Ctrl-C to interrupt)\n")
			default:
				active = true
				go func(input string) {
					out, err := eng.Prompt(ctx, input)
					outcomes <- promptResult{out: out, err: err}
				}(line)
			}
		}
	}
}

func (t *Term) printOutcome(res promptResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakLine()
	if res.err != nil {
		fmt.Fprintf(t.out, "error: %v\n", res.err)
		return
	}
	switch res.out.Status {
	case turn.StatusFailed:
		fmt.Fprintf(t.out, "turn failed: %s\n", res.out.Reason)
	case turn.StatusInterrupted:
		fmt.Fprintln(t.out, "(turn interrupted)")
	case turn.StatusStepLimitExceeded:
		fmt.Fprintf(t.out, "(stopped: %s)\n", res.out.Reason)
	}
}

func (t *Term) printPrompt() {
	t.writeLine(inputPrompt)
}

func (t *Term) writeLine(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakLine()
	fmt.Fprint(t.out, s)
}

// markEOF flips the adapter into input-drained mode and rejects any approval
// requests already queued, since no line will ever answer them.
func (t *Term) markEOF(ctx context.Context, eng transport.Engine) {
	t.mu.Lock()
	t.eof = true
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, id := range queued {
		eng.Resolve(ctx, id, wire.DecisionReject)
	}
}

func (t *Term) nextPending() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return "", false
	}
	return t.pending[0], true
}

func (t *Term) dropPending(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func parseDecision(line string) (wire.Decision, bool) {
	switch strings.ToLower(line) {
	case "y", "yes":
		return wire.DecisionApprove, true
	case "a", "always":
		return wire.DecisionApproveAlways, true
	case "s", "session":
		return wire.DecisionApproveSession, true
	case "n", "no":
		return wire.DecisionReject, true
	}
	return "", false
}

var _ transport.Adapter = (*Term)(nil)
