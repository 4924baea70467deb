// Package interrupt provides cooperative cancellation for turn execution. A
// Controller fans an interrupt out to the whole turn tree: child controllers
// (subagent turns) are interrupted before the parent observes its own
// interruption, so nested work stops from the leaves inward and the parent
// can fold child results deterministically.
package interrupt

import (
	"context"
	"sync"
)

// Controller coordinates cancellation of one turn and its children. The zero
// value is not usable; construct with NewController.
type Controller struct {
	mu       sync.Mutex
	children []*Controller
	done     chan struct{}
	reason   string
	// stopped marks the controller claimed by an Interrupt call before done
	// closes. Children registered in that window start interrupted.
	stopped bool
}

// NewController builds a root controller for a top-level turn.
func NewController() *Controller {
	return &Controller{done: make(chan struct{})}
}

// NewChild registers and returns a controller subordinate to c. Interrupting
// c interrupts the child first. Call Detach when the child turn completes so
// the parent stops tracking it.
func (c *Controller) NewChild() *Controller {
	child := NewController()
	c.mu.Lock()
	if c.stopped {
		// Parent already interrupted; the child starts interrupted too.
		reason := c.reason
		c.mu.Unlock()
		child.Interrupt(reason)
		return child
	}
	c.children = append(c.children, child)
	c.mu.Unlock()
	return child
}

// Detach removes child from c's broadcast set. No-op when absent.
func (c *Controller) Detach(child *Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cc := range c.children {
		if cc == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Interrupt requests cancellation of the turn tree rooted at c. Children are
// interrupted before c's own Done channel closes. Subsequent calls are no-ops
// and the first reason wins.
func (c *Controller) Interrupt(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reason = reason
	children := c.children
	c.children = nil
	c.mu.Unlock()

	for _, child := range children {
		child.Interrupt(reason)
	}

	close(c.done)
}

// Done returns a channel closed once the controller is interrupted.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Interrupted reports whether Interrupt has been called.
func (c *Controller) Interrupted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Poll returns the interrupt reason without blocking.
func (c *Controller) Poll() (string, bool) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reason, true
	default:
		return "", false
	}
}

// Context derives a context cancelled when either parent is done or the
// controller is interrupted. The returned cancel must be called to release
// the watcher.
func (c *Controller) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
