package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/skeinlabs/skein/runtime/tool"
)

// defaultReadLimit bounds one read_file call; the model pages with offset.
const defaultReadLimit = 2000

// scanBufferSize accommodates minified single-line sources.
const scanBufferSize = 1 << 20

type readTool struct {
	root
}

func (t *readTool) Name() string { return "read_file" }

func (t *readTool) Description() string {
	return "Read a file and return its content with 1-based line numbers. " +
		"Large files are paged: pass offset (first line to read) and limit (number of lines) to read further."
}

func (t *readTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, absolute or relative to the working directory",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line number to start reading from",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to return",
			},
		},
		"required": []any{"path"},
	}
}

func (t *readTool) Mutating() bool     { return false }
func (t *readTool) ParallelSafe() bool { return true }

func (t *readTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "arguments: %v", err), nil
	}
	path, err := t.resolve(in.Path)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%v", err), nil
	}
	if in.Offset < 1 {
		in.Offset = 1
	}
	if in.Limit < 1 {
		in.Limit = defaultReadLimit
	}

	info, err := os.Stat(path)
	if err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	if info.IsDir() {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%s is a directory", t.rel(path)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	lineNo := 0
	emitted := 0
	truncated := false
	for scanner.Scan() {
		lineNo++
		if lineNo < in.Offset {
			continue
		}
		if emitted == in.Limit {
			truncated = true
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", lineNo, scanner.Text())
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return tool.Failf(tool.ErrorKindExecFailed, "read %s: %v", t.rel(path), err), nil
	}
	if lineNo == 0 {
		return tool.Text("(empty file)"), nil
	}
	if emitted == 0 {
		return tool.Failf(tool.ErrorKindInvalidArgs, "offset %d is past the end of %s (%d lines)", in.Offset, t.rel(path), lineNo), nil
	}
	out := strings.TrimRight(b.String(), "\n")
	if truncated {
		out += fmt.Sprintf("\n[... output limited to %d lines; continue with offset=%d ...]", in.Limit, lineNo)
	}
	return tool.Text(out), nil
}
