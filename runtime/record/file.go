package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/skeinlabs/skein/runtime/wire"
)

// ErrClosed is returned by Append and List after the store has been closed.
var ErrClosed = errors.New("record: store closed")

// FileName is the per-session record file, one JSON envelope per line.
const FileName = "wire.jsonl"

type (
	// DirFunc resolves the directory holding a session's record file. The
	// session store supplies this so the record lives alongside the rest of
	// the session state.
	DirFunc func(sessionID string) (string, error)

	// FileStore is the default Store: an append-only JSONL file per session.
	// Writes go through O_APPEND so concurrent appends from parallel tool
	// lanes serialize at the OS level; the store additionally serializes ID
	// assignment under a mutex. Files are fsynced on turn boundaries rather
	// than on every entry.
	FileStore struct {
		dirFor DirFunc

		mu     sync.Mutex
		open   map[string]*sessionFile
		closed bool
	}

	sessionFile struct {
		f   *os.File
		seq uint64
	}
)

// NewFileStore returns a JSONL-backed store that places each session's
// record file in the directory resolved by dirFor.
func NewFileStore(dirFor DirFunc) (*FileStore, error) {
	if dirFor == nil {
		return nil, errors.New("record: directory resolver is required")
	}
	return &FileStore{dirFor: dirFor, open: make(map[string]*sessionFile)}, nil
}

// Append implements Store. The entry is written as a single JSON line and the
// file is fsynced when the entry closes a turn.
func (s *FileStore) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return errors.New("record: entry is required")
	}
	if e.SessionID == "" {
		return errors.New("record: session id is required")
	}
	if e.Type == "" {
		return errors.New("record: entry type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("record: timestamp is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	sf, err := s.file(e.SessionID)
	if err != nil {
		return err
	}

	sf.seq++
	e.ID = formatID(sf.seq)
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("record: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := sf.f.Write(line); err != nil {
		return fmt.Errorf("record: append %s: %w", e.SessionID, err)
	}
	if e.Type == wire.KindTurnEnd {
		if err := sf.f.Sync(); err != nil {
			return fmt.Errorf("record: sync %s: %w", e.SessionID, err)
		}
	}
	return nil
}

// List implements Store. A session with no record file yields an empty page.
func (s *FileStore) List(ctx context.Context, sessionID string, cursor string, limit int) (Page, error) {
	if sessionID == "" {
		return Page{}, errors.New("record: session id is required")
	}
	if limit <= 0 {
		return Page{}, errors.New("record: limit must be > 0")
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	var after uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("record: invalid cursor %q: %w", cursor, err)
		}
		after = n
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Page{}, ErrClosed
	}
	dir, err := s.dirFor(sessionID)
	s.mu.Unlock()
	if err != nil {
		return Page{}, err
	}

	all, err := readEntries(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Page{}, nil
		}
		return Page{}, err
	}

	var entries []*Entry
	for _, e := range all {
		seq, err := strconv.ParseUint(e.ID, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("record: corrupt entry id %q: %w", e.ID, err)
		}
		if seq <= after {
			continue
		}
		entries = append(entries, e)
		if len(entries) > limit {
			break
		}
	}

	var next string
	if len(entries) > limit {
		next = entries[limit-1].ID
		entries = entries[:limit]
	}
	return Page{Entries: entries, NextCursor: next}, nil
}

// Sync flushes the session's record file to stable storage. It is a no-op
// for sessions with no open file.
func (s *FileStore) Sync(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sf, ok := s.open[sessionID]
	if !ok {
		return nil
	}
	return sf.f.Sync()
}

// Close syncs and closes all open record files. Further Append and List
// calls return ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for id, sf := range s.open {
		if err := sf.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.open, id)
	}
	return firstErr
}

// file returns the open record file for the session, opening it and
// recovering the ID sequence from any existing content on first use.
// Callers must hold s.mu.
func (s *FileStore) file(sessionID string) (*sessionFile, error) {
	if sf, ok := s.open[sessionID]; ok {
		return sf, nil
	}
	dir, err := s.dirFor(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record: create session dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	sf := &sessionFile{f: f, seq: seq}
	s.open[sessionID] = sf
	return sf, nil
}

func formatID(seq uint64) string {
	return fmt.Sprintf("%012d", seq)
}

// readEntries loads every entry in the record file. A final line that fails
// to parse is dropped as a torn write from an interrupted process; a parse
// failure anywhere else is corruption and surfaces as an error.
func readEntries(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(data, []byte{'\n'})
	var entries []*Entry
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A final line with no trailing newline is a torn write from an
			// interrupted process; entries before it are intact.
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("record: corrupt entry at %s line %d: %w", path, i+1, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// lastSeq recovers the highest assigned entry ID from an existing record
// file so appends continue the sequence across restarts.
func lastSeq(path string) (uint64, error) {
	entries, err := readEntries(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var max uint64
	for _, e := range entries {
		n, err := strconv.ParseUint(e.ID, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}
