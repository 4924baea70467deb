// Package fs provides the native filesystem tools: read_file, write_file,
// edit_file, glob, and grep. The read-side tools are non-mutating and
// parallel safe; write_file and edit_file are mutating, execute serially,
// and key their approval scope by cleaned absolute path so a session grant
// covers one file rather than the whole tool.
//
// Relative paths resolve against the workdir the tools were rooted at.
// Absolute paths are honored as given: the approval gate, not path
// confinement, is the mutation boundary.
package fs

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/skeinlabs/skein/runtime/tool"
)

// New returns the filesystem toolset rooted at dir.
func New(dir string) []tool.Tool {
	r := root{dir: dir}
	return []tool.Tool{
		&readTool{root: r},
		&writeTool{root: r},
		&editTool{root: r},
		&globTool{root: r},
		&grepTool{root: r},
	}
}

type root struct {
	dir string
}

// resolve cleans p and anchors relative paths at the workdir.
func (r root) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.dir, p)
	}
	return filepath.Clean(p), nil
}

// rel renders p relative to the workdir for display when possible.
func (r root) rel(p string) string {
	if rel, err := filepath.Rel(r.dir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}

// walkFiles visits every regular file under base, skipping .git trees. fn
// returns false to stop the walk early.
func walkFiles(base string, fn func(path string, d fs.DirEntry) bool) error {
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal: a search tool that
			// dies on the first permission error is useless in real trees.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !fn(path, d) {
			return filepath.SkipAll
		}
		return nil
	})
}
