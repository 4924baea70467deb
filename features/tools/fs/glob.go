package fs

import (
	"context"
	"encoding/json"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/skeinlabs/skein/runtime/tool"
)

// maxGlobMatches caps one glob call; the model narrows the pattern instead
// of paging.
const maxGlobMatches = 500

type globTool struct {
	root
}

func (t *globTool) Name() string { return "glob" }

func (t *globTool) Description() string {
	return "Find files whose path matches a glob pattern. Patterns match the path relative to the search root; " +
		"* stays within one directory level, ** crosses levels (use **/*.go to search the whole tree). " +
		"Results are ordered by modification time, newest first."
}

func (t *globTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, e.g. **/*.go or cmd/*/main.go",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search from; defaults to the working directory",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *globTool) Mutating() bool     { return false }
func (t *globTool) ParallelSafe() bool { return true }

func (t *globTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "arguments: %v", err), nil
	}
	if in.Path == "" {
		in.Path = "."
	}
	base, err := t.resolve(in.Path)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "%v", err), nil
	}
	matcher, err := glob.Compile(in.Pattern, '/')
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "invalid pattern %q: %v", in.Pattern, err), nil
	}
	// A leading **/ also matches entries at the root itself.
	var alt glob.Glob
	if after, ok := strings.CutPrefix(in.Pattern, "**/"); ok {
		alt, _ = glob.Compile(after, '/')
	}

	type match struct {
		path string
		mod  time.Time
	}
	var matches []match
	overflow := false
	walkErr := walkFiles(base, func(path string, d iofs.DirEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return true
		}
		slashed := filepath.ToSlash(rel)
		if !matcher.Match(slashed) && (alt == nil || !alt.Match(slashed)) {
			return true
		}
		if len(matches) == maxGlobMatches {
			overflow = true
			return false
		}
		var mod time.Time
		if info, err := d.Info(); err == nil {
			mod = info.ModTime()
		}
		matches = append(matches, match{path: rel, mod: mod})
		return true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return tool.Failf(tool.ErrorKindExecFailed, "walk %s: %v", t.rel(base), walkErr), nil
	}
	if len(matches) == 0 {
		return tool.Text("No files match the pattern."), nil
	}

	// Newest first so the files being worked on surface at the top.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].mod.Equal(matches[j].mod) {
			return matches[i].mod.After(matches[j].mod)
		}
		return matches[i].path < matches[j].path
	})
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(m.path)
		b.WriteByte('\n')
	}
	out := strings.TrimRight(b.String(), "\n")
	if overflow {
		out += fmt.Sprintf("\n[... more than %d matches; narrow the pattern ...]", maxGlobMatches)
	}
	return tool.Text(out), nil
}
