package wire

import (
	"context"
	"sync"
)

// Approval pairs an approval_request message with the future its issuing tool
// call blocks on. The request flows out through the sink like any other
// message; the transport that obtains a user decision calls Resolve, which
// unblocks Wait inside the tool invocation path. Only the first Resolve
// counts. An interrupt cancels the wait through Cancel, which resolves as a
// rejection and marks the request interrupted.
type Approval struct {
	msg *ApprovalRequested

	mu          sync.Mutex
	done        chan struct{}
	decision    Decision
	interrupted bool
}

// NewApproval constructs the request message and its reply future.
func NewApproval(sessionID, turnID string, data ApprovalRequestedPayload) *Approval {
	return &Approval{
		msg:  NewApprovalRequested(sessionID, turnID, data),
		done: make(chan struct{}),
	}
}

// Message returns the wire request to send to transports.
func (a *Approval) Message() *ApprovalRequested { return a.msg }

// ID returns the request correlation id.
func (a *Approval) ID() string { return a.msg.Data.ID }

// Resolve records the transport decision and unblocks Wait. It reports
// whether this call won; late or duplicate resolutions return false and
// change nothing.
func (a *Approval) Resolve(d Decision) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return false
	default:
	}
	a.decision = d
	close(a.done)
	return true
}

// Cancel resolves an unanswered request as a rejection with the interrupted
// marker set. No-op when already resolved.
func (a *Approval) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.decision = DecisionReject
	a.interrupted = true
	close(a.done)
}

// Wait blocks until the request is resolved or ctx is done. Context
// cancellation resolves the request as an interrupted rejection so observers
// of the resolved state agree with the caller.
func (a *Approval) Wait(ctx context.Context) (Decision, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		a.Cancel()
		return DecisionReject, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decision, nil
}

// Resolved reports the decision once available.
func (a *Approval) Resolved() (Decision, bool) {
	select {
	case <-a.done:
	default:
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decision, true
}

// Interrupted reports whether resolution came from an interrupt rather than a
// transport decision.
func (a *Approval) Interrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted
}
