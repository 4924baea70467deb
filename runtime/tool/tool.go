// Package tool defines the tool invocation boundary: the Tool contract every
// capability implements, the structured Result tools return, the schema
// validating Registry, and the approval Broker that gates mutating calls.
//
// Native tools and external-provider tools share the same contract. A tool
// failure is data, not control flow: it becomes a Result carrying an error
// kind and flows back to the model as ordinary tool output. The error return
// of Invoke is reserved for harness faults; the registry converts those into
// failed Results so one call's fault never aborts its siblings.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Tool is a single capability the model may invoke.
	Tool interface {
		// Name is the identifier presented to the model. Names are unique
		// within a registry.
		Name() string

		// Description documents when and how to invoke the tool.
		Description() string

		// Schema returns the JSON Schema object for the tool arguments. A nil
		// schema skips argument validation.
		Schema() map[string]any

		// Invoke runs the tool. Tool-domain failures (bad input, nonzero
		// exit, missing file) are reported inside Result; the error return is
		// reserved for harness faults and is synthesized into a failed Result
		// by the registry.
		Invoke(ctx context.Context, args json.RawMessage) (*Result, error)

		// Mutating reports whether the tool changes state outside the
		// conversation. Non-mutating tools are exempt from approval.
		Mutating() bool

		// ParallelSafe reports whether concurrent invocations of this tool
		// are safe. Unsafe tools execute serially in request order.
		ParallelSafe() bool
	}

	// ApprovalKeyer refines the approval cache key with an argument-derived
	// component, letting "approve for session" grants distinguish targets
	// (a shell command line, a file path) instead of covering the whole tool.
	ApprovalKeyer interface {
		// ApprovalKey reduces args to the fragment a session grant covers.
		ApprovalKey(args json.RawMessage) string
	}

	// ActionDescriber lets a tool render the approval prompt for a call.
	// Display optionally carries a preview payload such as a diff.
	ActionDescriber interface {
		DescribeAction(args json.RawMessage) (action, display string)
	}

	// Unpooled marks tools whose execution must bypass the worker pool. A
	// tool that dispatches a child turn and waits for it declares this so
	// the child's own tool calls can take pool slots without deadlocking
	// against the slot their dispatcher would otherwise hold.
	Unpooled interface {
		Unpooled() bool
	}

	// Result is the outcome of one tool invocation. Either Content holds the
	// output fed back to the model, or Error classifies the failure; failed
	// results still feed their message to the model as tool output.
	Result struct {
		// Content is the tool output. The turn runner truncates it to the
		// tool's budget before it enters the context log; the full text is
		// preserved in the wire record.
		Content string
		// Display optionally carries a transport-facing payload (diff,
		// table) that does not enter the model conversation.
		Display string
		// Error is set on tool-domain failure.
		Error *Failure
	}

	// Failure classifies a failed invocation.
	Failure struct {
		// Kind is the error taxonomy entry for this failure.
		Kind ErrorKind
		// Message is the text the model sees as the tool output.
		Message string
	}
)

// ErrorKind classifies tool failures. The model sees the message either way;
// the kind drives logging and transport rendering.
type ErrorKind string

const (
	// ErrorKindInvalidArgs marks arguments rejected before invocation.
	ErrorKindInvalidArgs ErrorKind = "invalid_args"
	// ErrorKindExecFailed marks a tool that ran and failed.
	ErrorKindExecFailed ErrorKind = "exec_failed"
	// ErrorKindTimeout marks a tool cut off by its deadline.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindDenied marks a call the user refused to approve.
	ErrorKindDenied ErrorKind = "denied"
	// ErrorKindInterrupted marks a call cancelled by an interrupt.
	ErrorKindInterrupted ErrorKind = "interrupted"
)

// Fail builds a failed Result.
func Fail(kind ErrorKind, message string) *Result {
	return &Result{Error: &Failure{Kind: kind, Message: message}}
}

// Failf builds a failed Result with a formatted message.
func Failf(kind ErrorKind, format string, args ...any) *Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// Text builds a successful Result from plain output.
func Text(content string) *Result {
	return &Result{Content: content}
}

// Failed reports whether the result carries a failure.
func (r *Result) Failed() bool {
	return r != nil && r.Error != nil
}

// Output returns the text the model receives: the content on success, the
// failure message otherwise.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	if r.Error != nil {
		return r.Error.Message
	}
	return r.Content
}

// Synthesize converts a harness error into a failed Result, mapping context
// errors to the timeout and interrupted kinds so the recorded outcome states
// why the call never finished.
func Synthesize(err error) *Result {
	switch {
	case err == nil:
		return Fail(ErrorKindExecFailed, "tool returned no result")
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(ErrorKindTimeout, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		return Fail(ErrorKindInterrupted, "tool execution interrupted")
	default:
		return Fail(ErrorKindExecFailed, err.Error())
	}
}
