package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/runtime/tool"
)

func toolByName(t *testing.T, dir, name string) tool.Tool {
	t.Helper()
	for _, tl := range New(dir) {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("no tool named %s", name)
	return nil
}

func invoke(t *testing.T, tl tool.Tool, args string) *tool.Result {
	t.Helper()
	res, err := tl.Invoke(context.Background(), json.RawMessage(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewToolsetFlags(t *testing.T) {
	dir := t.TempDir()
	tools := New(dir)
	require.Len(t, tools, 5)
	flags := map[string]struct{ mutating, parallel bool }{
		"read_file":  {false, true},
		"write_file": {true, false},
		"edit_file":  {true, false},
		"glob":       {false, true},
		"grep":       {false, true},
	}
	for _, tl := range tools {
		want, ok := flags[tl.Name()]
		require.True(t, ok, "unexpected tool %s", tl.Name())
		assert.Equal(t, want.mutating, tl.Mutating(), "%s mutating", tl.Name())
		assert.Equal(t, want.parallel, tl.ParallelSafe(), "%s parallel", tl.Name())
		require.NotNil(t, tl.Schema(), "%s schema", tl.Name())
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "notes.txt", "alpha\nbeta\ngamma\ndelta\nepsilon\n")
	rt := toolByName(t, dir, "read_file")

	res := invoke(t, rt, `{"path":"notes.txt"}`)
	require.Nil(t, res.Error)
	want := "     1\talpha\n     2\tbeta\n     3\tgamma\n     4\tdelta\n     5\tepsilon"
	assert.Equal(t, want, res.Content)
}

func TestReadFileOffsetLimit(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "notes.txt", "alpha\nbeta\ngamma\ndelta\nepsilon\n")
	rt := toolByName(t, dir, "read_file")

	res := invoke(t, rt, `{"path":"notes.txt","offset":2,"limit":2}`)
	require.Nil(t, res.Error)
	assert.Contains(t, res.Content, "     2\tbeta")
	assert.Contains(t, res.Content, "     3\tgamma")
	assert.NotContains(t, res.Content, "delta")
	assert.Contains(t, res.Content, "continue with offset=4")
}

func TestReadFileEdgeCases(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "empty.txt", "")
	writeTestFile(t, dir, "short.txt", "one line\n")
	rt := toolByName(t, dir, "read_file")

	res := invoke(t, rt, `{"path":"empty.txt"}`)
	require.Nil(t, res.Error)
	assert.Equal(t, "(empty file)", res.Content)

	res = invoke(t, rt, `{"path":"missing.txt"}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindExecFailed, res.Error.Kind)

	res = invoke(t, rt, fmt.Sprintf(`{"path":%q}`, dir))
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)

	res = invoke(t, rt, `{"path":"short.txt","offset":10}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "past the end")
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	wt := toolByName(t, dir, "write_file")

	res := invoke(t, wt, `{"path":"sub/dir/x.txt","content":"hello"}`)
	require.Nil(t, res.Error)
	assert.Equal(t, "Wrote 5 bytes to sub/dir/x.txt", res.Content)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileApprovalShape(t *testing.T) {
	dir := t.TempDir()
	wt := toolByName(t, dir, "write_file")

	keyer, ok := wt.(tool.ApprovalKeyer)
	require.True(t, ok)
	key := keyer.ApprovalKey(json.RawMessage(`{"path":"sub/../x.txt","content":"hi"}`))
	assert.Equal(t, filepath.Join(dir, "x.txt"), key)

	describer, ok := wt.(tool.ActionDescriber)
	require.True(t, ok)
	action, display := describer.DescribeAction(json.RawMessage(`{"path":"x.txt","content":"hi"}`))
	assert.Contains(t, action, "x.txt")
	assert.Equal(t, "hi", display)
}

func TestWriteFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	wt := toolByName(t, dir, "write_file")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	res := invoke(t, wt, `{"path":"sub","content":"x"}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)
}

func TestEditFileReplacesUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	et := toolByName(t, dir, "edit_file")

	res := invoke(t, et, `{"path":"main.go","old_string":"func main() {}","new_string":"func main() { run() }"}`)
	require.Nil(t, res.Error)
	assert.Contains(t, res.Content, "Replaced 1 occurrence(s)")
	assert.Contains(t, res.Display, "- func main() {}")
	assert.Contains(t, res.Display, "+ func main() { run() }")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() { run() }\n", string(data))
}

func TestEditFileOccurrenceCount(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "cfg.txt", "retry=1\nretry=1\n")
	et := toolByName(t, dir, "edit_file")

	res := invoke(t, et, `{"path":"cfg.txt","old_string":"retry=1","new_string":"retry=3"}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindExecFailed, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "occurs 2 times")

	res = invoke(t, et, `{"path":"cfg.txt","old_string":"retry=1","new_string":"retry=3","occurrences":2}`)
	require.Nil(t, res.Error)
	data, err := os.ReadFile(filepath.Join(dir, "cfg.txt"))
	require.NoError(t, err)
	assert.Equal(t, "retry=3\nretry=3\n", string(data))
}

func TestEditFileRejections(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "content\n")
	et := toolByName(t, dir, "edit_file")

	res := invoke(t, et, `{"path":"a.txt","old_string":"missing","new_string":"x"}`)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "not found")

	res = invoke(t, et, `{"path":"a.txt","old_string":"content","new_string":"content"}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)

	res = invoke(t, et, `{"path":"a.txt","old_string":"","new_string":"x"}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)
}

func TestEditFilePreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "run.sh", "#!/bin/sh\necho old\n")
	require.NoError(t, os.Chmod(path, 0o755))
	et := toolByName(t, dir, "edit_file")

	res := invoke(t, et, `{"path":"run.sh","old_string":"echo old","new_string":"echo new"}`)
	require.Nil(t, res.Error)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.go", "package a\n")
	writeTestFile(t, dir, "sub/b.go", "package b\n")
	writeTestFile(t, dir, "sub/deep/c.txt", "text\n")
	writeTestFile(t, dir, ".git/ignored.go", "package ignored\n")
	gt := toolByName(t, dir, "glob")

	res := invoke(t, gt, `{"pattern":"**/*.go"}`)
	require.Nil(t, res.Error)
	assert.Contains(t, res.Content, "a.go")
	assert.Contains(t, res.Content, filepath.Join("sub", "b.go"))
	assert.NotContains(t, res.Content, "c.txt")
	assert.NotContains(t, res.Content, "ignored.go")
}

func TestGlobOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	oldPath := writeTestFile(t, dir, "old.go", "package old\n")
	writeTestFile(t, dir, "new.go", "package new\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))
	gt := toolByName(t, dir, "glob")

	res := invoke(t, gt, `{"pattern":"*.go"}`)
	require.Nil(t, res.Error)
	lines := strings.Split(res.Content, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "new.go", lines[0])
	assert.Equal(t, "old.go", lines[1])
}

func TestGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	gt := toolByName(t, dir, "glob")
	res := invoke(t, gt, `{"pattern":"*.rs"}`)
	require.Nil(t, res.Error)
	assert.Equal(t, "No files match the pattern.", res.Content)
}

func TestGrep(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeTestFile(t, dir, "util.go", "package main\n\nfunc helper() {}\n")
	writeTestFile(t, dir, "notes.md", "func in prose\n")
	writeTestFile(t, dir, "data.bin", "func x\x00binary\n")
	gt := toolByName(t, dir, "grep")

	res := invoke(t, gt, `{"pattern":"func \\w+\\(","include":"*.go"}`)
	require.Nil(t, res.Error)
	assert.Contains(t, res.Content, "main.go:3:func main() {}")
	assert.Contains(t, res.Content, "util.go:3:func helper() {}")
	assert.NotContains(t, res.Content, "notes.md")
	assert.NotContains(t, res.Content, "data.bin")
}

func TestGrepSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "main.go", "package main\n")
	gt := toolByName(t, dir, "grep")

	res := invoke(t, gt, `{"pattern":"package","path":"main.go"}`)
	require.Nil(t, res.Error)
	assert.Contains(t, res.Content, "main.go:1:package main")
}

func TestGrepRejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	gt := toolByName(t, dir, "grep")
	res := invoke(t, gt, `{"pattern":"["}`)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.ErrorKindInvalidArgs, res.Error.Kind)
}

func TestGrepNoMatches(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "nothing here\n")
	gt := toolByName(t, dir, "grep")
	res := invoke(t, gt, `{"pattern":"absent_symbol"}`)
	require.Nil(t, res.Error)
	assert.Equal(t, "No matches found.", res.Content)
}
