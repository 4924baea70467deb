package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skeinlabs/skein/runtime/tool"
)

// previewChars caps the content preview attached to approval prompts.
const previewChars = 1500

type writeTool struct {
	root
}

func (t *writeTool) Name() string { return "write_file" }

func (t *writeTool) Description() string {
	return "Create or overwrite a file with the given content. Parent directories are created as needed. " +
		"Prefer edit_file for small changes to existing files."
}

func (t *writeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, absolute or relative to the working directory",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *writeTool) Mutating() bool     { return true }
func (t *writeTool) ParallelSafe() bool { return false }

// ApprovalKey scopes session grants to one file.
func (t *writeTool) ApprovalKey(args json.RawMessage) string {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ""
	}
	path, err := t.resolve(in.Path)
	if err != nil {
		return ""
	}
	return path
}

func (t *writeTool) DescribeAction(args json.RawMessage) (string, string) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "Write file", ""
	}
	action := fmt.Sprintf("Write %s (%d bytes)", in.Path, len(in.Content))
	preview := in.Content
	if runes := []rune(preview); len(runes) > previewChars {
		preview = string(runes[:previewChars]) + "\n[... preview cut ...]"
	}
	return action, preview
}

func (t *writeTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "arguments: %v", err), nil
	}
	path, err := t.resolve(in.Path)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%v", err), nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%s is a directory", t.rel(path)), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	return &tool.Result{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), t.rel(path)),
		Display: fmt.Sprintf("wrote %s", t.rel(path)),
	}, nil
}
