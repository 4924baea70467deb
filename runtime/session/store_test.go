package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	workDir := t.TempDir()
	return store, workDir
}

func TestProjectIDStable(t *testing.T) {
	t.Parallel()

	a, err := ProjectID("/tmp/project")
	require.NoError(t, err)
	b, err := ProjectID("/tmp/project")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	c, err := ProjectID("/tmp/other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStoreCreateLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "")
	require.NoError(t, err)
	id := sess.ID()
	require.NotEmpty(t, id)

	require.NoError(t, sess.Append(ctx, NewTurnBoundaryEntry("turn-1")))
	require.NoError(t, sess.Append(ctx, NewUserEntry("rename a.txt to b.txt")))
	require.NoError(t, sess.Append(ctx, NewAssistantEntry(model.Message{
		Role: model.RoleAssistant,
		Parts: []model.Part{
			model.ThinkingPart{Text: "plan", Signature: "sig-1"},
			model.TextPart{Text: "renaming"},
			model.ToolUsePart{ID: "call-1", Name: "shell", Args: json.RawMessage(`{"command":"mv a.txt b.txt"}`)},
		},
	})))
	require.NoError(t, sess.Append(ctx, NewToolResultEntry(ToolResult{
		CallID: "call-1", Name: "shell", Content: "", IsError: false,
	})))
	require.NoError(t, sess.Close(ctx))

	loaded, err := store.Load(ctx, workDir, id)
	require.NoError(t, err)
	defer func() { _ = loaded.Close(ctx) }()

	entries := loaded.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, EntryTurnBoundary, entries[0].Kind)
	assert.Equal(t, EntryUserMessage, entries[1].Kind)
	require.Equal(t, EntryAssistantMessage, entries[2].Kind)
	think, ok := entries[2].Assistant.Message.Parts[0].(model.ThinkingPart)
	require.True(t, ok)
	assert.Equal(t, "sig-1", think.Signature)
	use, ok := entries[2].Assistant.Message.Parts[2].(model.ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "call-1", use.ID)
	assert.Equal(t, EntryToolResult, entries[3].Kind)
	assert.False(t, loaded.Empty())
}

func TestStoreCreateExistingLoads(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "fixed-id")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, NewUserEntry("hello")))
	require.NoError(t, sess.Close(ctx))

	again, err := store.Create(ctx, workDir, "fixed-id")
	require.NoError(t, err)
	defer func() { _ = again.Close(ctx) }()
	assert.Len(t, again.Entries(), 1)
}

func TestStoreEmptySessionDeletedAtClose(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "")
	require.NoError(t, err)
	id := sess.ID()
	dir := sess.Dir()
	require.DirExists(t, dir)

	// Boundary and assistant entries alone do not make a session worth keeping.
	require.NoError(t, sess.Append(ctx, NewTurnBoundaryEntry("turn-1")))
	require.NoError(t, sess.Close(ctx))

	assert.NoDirExists(t, dir)
	_, err = store.Load(ctx, workDir, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Latest(workDir)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAppendAfterClose(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, NewUserEntry("hello")))
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Close(ctx))

	err = sess.Append(ctx, NewUserEntry("too late"))
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestStoreListSessionsNewestFirst(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, workDir, "first")
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, NewTurnBoundaryEntry("turn-1")))
	require.NoError(t, first.Append(ctx, NewUserEntry("first session")))
	require.NoError(t, first.Close(ctx))

	// Keep the two sessions' UpdatedAt stamps apart so the sort is stable.
	time.Sleep(10 * time.Millisecond)

	second, err := store.Create(ctx, workDir, "second")
	require.NoError(t, err)
	require.NoError(t, second.Append(ctx, NewTurnBoundaryEntry("turn-1")))
	require.NoError(t, second.Append(ctx, NewUserEntry("second session")))
	require.NoError(t, second.Append(ctx, NewTurnBoundaryEntry("turn-2")))
	require.NoError(t, second.Close(ctx))

	sums, err := store.ListSessions(ctx, workDir)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "second", sums[0].ID)
	assert.Equal(t, 2, sums[0].Turns)
	assert.Equal(t, "first", sums[1].ID)
	assert.Equal(t, 1, sums[1].Turns)

	latest, err := store.Latest(workDir)
	require.NoError(t, err)
	assert.Equal(t, "second", latest)
}

func TestStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	_, err := store.Load(context.Background(), workDir, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTitleFromFirstUserMessage(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, NewUserEntry("fix the race in the watcher\nand add tests")))
	assert.Equal(t, "fix the race in the watcher", sess.Meta().Title)
	require.NoError(t, sess.Append(ctx, NewUserEntry("second message does not retitle")))
	assert.Equal(t, "fix the race in the watcher", sess.Meta().Title)
	require.NoError(t, sess.Close(ctx))
}

func TestStoreTornTailDroppedOnLoad(t *testing.T) {
	t.Parallel()

	store, workDir := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, workDir, "torn")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, NewUserEntry("hello")))
	require.NoError(t, sess.Close(ctx))

	dir, err := store.SessionDir(workDir, "torn")
	require.NoError(t, err)
	f, err := os.OpenFile(filepath.Join(dir, contextFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"user_message","user":{"te`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := store.Load(ctx, workDir, "torn")
	require.NoError(t, err)
	defer func() { _ = loaded.Close(ctx) }()
	assert.Len(t, loaded.Entries(), 1)
}

func TestMemoryLogFencesEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seed := []Entry{NewUserEntry("subtask instructions")}
	log := NewMemoryLog(seed...)

	require.NoError(t, log.Append(ctx, NewAssistantEntry(model.AssistantText("working"))))
	require.Len(t, log.Entries(), 2)

	log.Close()
	err := log.Append(ctx, NewUserEntry("more"))
	assert.ErrorIs(t, err, ErrLogClosed)

	// The seed slice is copied; mutating it does not reach the log.
	seed[0] = NewUserEntry("mutated")
	assert.Equal(t, "subtask instructions", log.Entries()[0].User.Text)
}
