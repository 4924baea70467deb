package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/tool"
	"github.com/skeinlabs/skein/runtime/turn"
)

type fakeSpawner struct {
	req turn.SpawnRequest
	out turn.Outcome
	err error
}

func (s *fakeSpawner) Spawn(_ context.Context, req turn.SpawnRequest) (turn.Outcome, error) {
	s.req = req
	return s.out, s.err
}

func invoke(t *testing.T, s turn.Spawner, args string) (*tool.Result, error) {
	t.Helper()
	ctx := context.Background()
	if s != nil {
		ctx = turn.WithSpawner(ctx, s)
	}
	return New(Options{}).Invoke(ctx, json.RawMessage(args))
}

func TestDeclarations(t *testing.T) {
	tl := New(Options{})
	assert.Equal(t, "task", tl.Name())
	assert.True(t, tl.Mutating())
	assert.False(t, tl.ParallelSafe())
	up, ok := tl.(tool.Unpooled)
	require.True(t, ok)
	assert.True(t, up.Unpooled())
}

func TestDispatchCompleted(t *testing.T) {
	sp := &fakeSpawner{out: turn.Outcome{Status: turn.StatusCompleted, Text: "report"}}
	res, err := invoke(t, sp, `{"description":"count files","prompt":"count the files","tools":["glob"]}`)
	require.NoError(t, err)
	require.False(t, res.Failed())
	assert.Equal(t, "report", res.Content)
	assert.Equal(t, "count the files", sp.req.Input)
	assert.Equal(t, []string{"glob"}, sp.req.Tools)
}

func TestDispatchFailed(t *testing.T) {
	sp := &fakeSpawner{out: turn.Outcome{Status: turn.StatusFailed, Reason: "model broke"}}
	res, err := invoke(t, sp, `{"description":"d","prompt":"p"}`)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, tool.ErrorKindExecFailed, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "model broke")
}

func TestDispatchInterrupted(t *testing.T) {
	sp := &fakeSpawner{out: turn.Outcome{Status: turn.StatusInterrupted}}
	res, err := invoke(t, sp, `{"description":"d","prompt":"p"}`)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, tool.ErrorKindInterrupted, res.Error.Kind)
}

func TestDispatchStepLimit(t *testing.T) {
	sp := &fakeSpawner{out: turn.Outcome{Status: turn.StatusStepLimitExceeded, Steps: 9}}
	res, err := invoke(t, sp, `{"description":"d","prompt":"p"}`)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Contains(t, res.Error.Message, "step limit")
}

func TestSpawnerErrorIsHarnessError(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("pool closed")}
	res, err := invoke(t, sp, `{"description":"d","prompt":"p"}`)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestMissingSpawner(t *testing.T) {
	res, err := invoke(t, nil, `{"description":"d","prompt":"p"}`)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestEmptyPrompt(t *testing.T) {
	sp := &fakeSpawner{}
	res, err := invoke(t, sp, `{"description":"d","prompt":" "}`)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)
}

func TestDescribeAction(t *testing.T) {
	desc, ok := New(Options{}).(tool.ActionDescriber)
	require.True(t, ok)
	action, _ := desc.DescribeAction(json.RawMessage(`{"description":"count files"}`))
	assert.Equal(t, "dispatch subagent: count files", action)
}
