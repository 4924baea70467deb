package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApproval() *Approval {
	return NewApproval("sess-1", "turn-1", ApprovalRequestedPayload{
		ID:         "req-1",
		ToolCallID: "call-1",
		ToolName:   "shell",
		Action:     "run `make test`",
	})
}

func TestApprovalResolveUnblocksWait(t *testing.T) {
	t.Parallel()

	ap := newTestApproval()
	assert.Equal(t, "req-1", ap.ID())
	assert.Equal(t, KindApprovalRequested, ap.Message().Kind())

	_, ok := ap.Resolved()
	assert.False(t, ok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ap.Resolve(DecisionApproveSession)
	}()

	d, err := ap.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionApproveSession, d)
	assert.False(t, ap.Interrupted())

	got, ok := ap.Resolved()
	require.True(t, ok)
	assert.Equal(t, DecisionApproveSession, got)
}

func TestApprovalFirstResolveWins(t *testing.T) {
	t.Parallel()

	ap := newTestApproval()
	assert.True(t, ap.Resolve(DecisionReject))
	assert.False(t, ap.Resolve(DecisionApprove), "second resolution must not count")

	d, err := ap.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, d)
}

func TestApprovalCancelMarksInterrupted(t *testing.T) {
	t.Parallel()

	ap := newTestApproval()
	ap.Cancel()

	d, err := ap.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, d)
	assert.True(t, ap.Interrupted())

	// A late transport decision changes nothing.
	assert.False(t, ap.Resolve(DecisionApprove))
	assert.True(t, ap.Interrupted())
}

func TestApprovalWaitHonorsContext(t *testing.T) {
	t.Parallel()

	ap := newTestApproval()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	d, err := ap.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DecisionReject, d)

	// The cancelled wait resolves the request so every observer agrees.
	got, ok := ap.Resolved()
	require.True(t, ok)
	assert.Equal(t, DecisionReject, got)
	assert.True(t, ap.Interrupted())
}
