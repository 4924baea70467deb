package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	iofs "io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/skeinlabs/skein/runtime/tool"
)

const (
	// maxGrepMatches caps one grep call.
	maxGrepMatches = 200
	// maxGrepFileSize skips files too large to scan line by line.
	maxGrepFileSize = 10 << 20
	// maxGrepLineChars caps a single reported line.
	maxGrepLineChars = 250
)

type grepTool struct {
	root
}

func (t *grepTool) Name() string { return "grep" }

func (t *grepTool) Description() string {
	return "Search file contents with a regular expression (RE2 syntax). Reports path:line:text matches. " +
		"Use include to restrict the search to file names matching a glob, e.g. *.go."
}

func (t *grepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory or file to search; defaults to the working directory",
			},
			"include": map[string]any{
				"type":        "string",
				"description": "Only search files whose name matches this glob, e.g. *.go",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *grepTool) Mutating() bool     { return false }
func (t *grepTool) ParallelSafe() bool { return true }

func (t *grepTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Include string `json:"include"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "arguments: %v", err), nil
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "invalid pattern: %v", err), nil
	}
	var include glob.Glob
	if in.Include != "" {
		include, err = glob.Compile(in.Include)
		if err != nil {
			return tool.Failf(tool.ErrorKindInvalidArgs, "invalid include glob %q: %v", in.Include, err), nil
		}
	}
	if in.Path == "" {
		in.Path = "."
	}
	base, err := t.resolve(in.Path)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%v", err), nil
	}

	var lines []string
	overflow := false
	scan := func(path string, d iofs.DirEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		if include != nil && !include.Match(d.Name()) {
			return true
		}
		if info, err := d.Info(); err != nil || info.Size() > maxGrepFileSize {
			return true
		}
		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return true
		}
		rel := t.rel(path)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(lines) == maxGrepMatches {
				overflow = true
				return false
			}
			lines = append(lines, fmt.Sprintf("%s:%d:%s", rel, i+1, capLine(line)))
		}
		return true
	}

	info, err := os.Stat(base)
	if err != nil {
		return tool.Fail(tool.ErrorKindExecFailed, err.Error()), nil
	}
	if info.IsDir() {
		if err := walkFiles(base, scan); err != nil {
			return tool.Failf(tool.ErrorKindExecFailed, "walk %s: %v", t.rel(base), err), nil
		}
	} else {
		scan(base, iofs.FileInfoToDirEntry(info))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return tool.Text("No matches found."), nil
	}
	out := strings.Join(lines, "\n")
	if overflow {
		out += fmt.Sprintf("\n[... match limit of %d reached; refine the pattern ...]", maxGrepMatches)
	}
	return tool.Text(out), nil
}

// isBinary sniffs for a NUL byte in the opening block, the same heuristic
// grep itself uses.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func capLine(line string) string {
	runes := []rune(line)
	if len(runes) <= maxGrepLineChars {
		return line
	}
	return string(runes[:maxGrepLineChars]) + "..."
}
