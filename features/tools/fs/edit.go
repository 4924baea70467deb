package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/skeinlabs/skein/runtime/tool"
)

type editTool struct {
	root
}

func (t *editTool) Name() string { return "edit_file" }

func (t *editTool) Description() string {
	return "Replace an exact string in a file. old_string must match the file content exactly, including whitespace. " +
		"The edit is rejected unless old_string occurs exactly the expected number of times (default 1); " +
		"add surrounding context to make the match unique."
}

func (t *editTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, absolute or relative to the working directory",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
			"occurrences": map[string]any{
				"type":        "integer",
				"description": "Exact number of occurrences expected; all of them are replaced. Defaults to 1.",
			},
		},
		"required": []any{"path", "old_string", "new_string"},
	}
}

func (t *editTool) Mutating() bool     { return true }
func (t *editTool) ParallelSafe() bool { return false }

// ApprovalKey scopes session grants to one file.
func (t *editTool) ApprovalKey(args json.RawMessage) string {
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

func (t *editTool) DescribeAction(args json.RawMessage) (string, string) {
	var in struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "Edit file", ""
	}
	return fmt.Sprintf("Edit %s", in.Path), previewDiff(in.OldString, in.NewString)
}

func (t *editTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in struct {
		Path        string `json:"path"`
		OldString   string `json:"old_string"`
		NewString   string `json:"new_string"`
		Occurrences int    `json:"occurrences"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "arguments: %v", err), nil
	}
	path, err := t.resolve(in.Path)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%v", err), nil
	}
	if in.OldString == "" {
		return tool.Fail(tool.ErrorKindInvalidArgs, "old_string must not be empty"), nil
	}
	if in.OldString == in.NewString {
		return tool.Fail(tool.ErrorKindInvalidArgs, "old_string and new_string are identical"), nil
	}
	expected := in.Occurrences
	if expected < 1 {
		expected = 1
	}

	info, err := os.Stat(path)
	if err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	content := string(data)

	count := strings.Count(content, in.OldString)
	switch {
	case count == 0:
		return tool.Failf(tool.ErrorKindExecFailed, "old_string not found in %s", t.rel(path)), nil
	case count != expected:
		return tool.Failf(tool.ErrorKindExecFailed,
			"old_string occurs %d times in %s, expected %d; add surrounding context to make the match unique",
			count, t.rel(path), expected), nil
	}

	updated := strings.ReplaceAll(content, in.OldString, in.NewString)
	if err := writePreservingMode(path, []byte(updated), info.Mode()); err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	return &tool.Result{
		Content: fmt.Sprintf("Replaced %d occurrence(s) in %s", count, t.rel(path)),
		Display: previewDiff(in.OldString, in.NewString),
	}, nil
}

func writePreservingMode(path string, data []byte, mode fs.FileMode) error {
	return os.WriteFile(path, data, mode.Perm())
}

// previewDiff renders the replacement in removed/added form for approval
// prompts and completion events. It is a preview, not a unified diff.
func previewDiff(oldText, newText string) string {
	var b strings.Builder
	for _, line := range strings.Split(oldText, "\n") {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(newText, "\n") {
		b.WriteString("+ ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
