package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeClassifiesErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		err      error
		wantKind ErrorKind
		wantMsg  string
	}{
		{name: "nil_result", err: nil, wantKind: ErrorKindExecFailed, wantMsg: "tool returned no result"},
		{name: "deadline", err: context.DeadlineExceeded, wantKind: ErrorKindTimeout, wantMsg: "timed out"},
		{name: "wrapped_deadline", err: fmt.Errorf("waiting: %w", context.DeadlineExceeded), wantKind: ErrorKindTimeout, wantMsg: "timed out"},
		{name: "cancel", err: context.Canceled, wantKind: ErrorKindInterrupted, wantMsg: "interrupted"},
		{name: "wrapped_cancel", err: fmt.Errorf("killed: %w", context.Canceled), wantKind: ErrorKindInterrupted, wantMsg: "interrupted"},
		{name: "plain_error", err: errors.New("exit status 2"), wantKind: ErrorKindExecFailed, wantMsg: "exit status 2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := Synthesize(tc.err)
			require.True(t, res.Failed())
			assert.Equal(t, tc.wantKind, res.Error.Kind)
			assert.Contains(t, res.Output(), tc.wantMsg)
		})
	}
}

func TestResultOutput(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", (*Result)(nil).Output())
	assert.False(t, (*Result)(nil).Failed())

	ok := Text("listing")
	assert.False(t, ok.Failed())
	assert.Equal(t, "listing", ok.Output())

	failed := Failf(ErrorKindDenied, "user rejected %s", "rename")
	require.True(t, failed.Failed())
	assert.Equal(t, "user rejected rename", failed.Output())
	assert.Equal(t, ErrorKindDenied, failed.Error.Kind)
}
