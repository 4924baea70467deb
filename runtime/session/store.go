package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/runtime/model"
)

const (
	metaFile    = "session.json"
	contextFile = "context.jsonl"
	currentFile = "current"

	titleLimit = 80
)

type (
	// Meta is the per-session metadata persisted as session.json.
	Meta struct {
		ID        string    `json:"id"`
		Title     string    `json:"title,omitempty"`
		WorkDir   string    `json:"workdir"`
		Model     string    `json:"model,omitempty"`
		CreatedAt time.Time `json:"created"`
		UpdatedAt time.Time `json:"updated"`
	}

	// Summary describes one stored session for listings.
	Summary struct {
		Meta
		// Turns counts the top-level turn boundaries in the log.
		Turns int `json:"turns"`
	}

	// Store maps working directories to session directories under a root.
	// Layout: <root>/<project-id>/<session-id>/ with session.json,
	// context.jsonl and the wire record, where project-id is derived from the
	// absolute working directory.
	Store struct {
		root string
	}

	// Session is a durable context log plus its metadata. It implements Log.
	// All methods are safe for concurrent use; the turn orchestrator is the
	// only writer by contract, but reads may come from transports.
	Session struct {
		store *Store
		dir   string

		mu      sync.Mutex
		meta    Meta
		file    *os.File
		entries []Entry
		hasUser bool
		closed  bool
	}
)

// NewStore opens (creating if needed) a session store rooted at root.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("session: store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store root: %w", err)
	}
	return &Store{root: root}, nil
}

// ProjectID derives the stable per-working-directory identity: the first 16
// hex characters of the SHA-256 of the absolute path.
func ProjectID(workDir string) (string, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("session: resolve workdir: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16], nil
}

// ProjectDir returns the directory holding all sessions for workDir.
func (s *Store) ProjectDir(workDir string) (string, error) {
	id, err := ProjectID(workDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

// SessionDir returns the directory for one session of workDir.
func (s *Store) SessionDir(workDir, sessionID string) (string, error) {
	dir, err := s.ProjectDir(workDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID), nil
}

// DirFor returns a resolver from session ID to session directory for the
// given working directory, for wiring stores that live alongside the log.
func (s *Store) DirFor(workDir string) func(sessionID string) (string, error) {
	return func(sessionID string) (string, error) {
		return s.SessionDir(workDir, sessionID)
	}
}

// Create opens a session, creating it when it does not exist. An empty
// sessionID generates a fresh one. Opening an existing ID loads it, so
// Create is idempotent for live sessions.
func (s *Store) Create(ctx context.Context, workDir, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, err := s.Load(ctx, workDir, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("session: resolve workdir: %w", err)
	}
	dir, err := s.SessionDir(workDir, sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create session dir: %w", err)
	}

	now := time.Now().UTC()
	meta := Meta{ID: sessionID, WorkDir: abs, CreatedAt: now, UpdatedAt: now}
	if err := writeMeta(dir, meta); err != nil {
		return nil, err
	}
	file, err := openLog(dir)
	if err != nil {
		return nil, err
	}
	if err := s.setCurrent(workDir, sessionID); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Session{store: s, dir: dir, meta: meta, file: file}, nil
}

// Load opens an existing session. Returns ErrNotFound when the session has
// no metadata on disk.
func (s *Store) Load(ctx context.Context, workDir, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.SessionDir(workDir, sessionID)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	entries, err := readLog(filepath.Join(dir, contextFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	file, err := openLog(dir)
	if err != nil {
		return nil, err
	}
	sess := &Session{store: s, dir: dir, meta: meta, file: file, entries: entries}
	for _, e := range entries {
		if e.Kind == EntryUserMessage {
			sess.hasUser = true
			break
		}
	}
	if err := s.setCurrent(workDir, sessionID); err != nil {
		_ = file.Close()
		return nil, err
	}
	return sess, nil
}

// Latest returns the ID of the most recently opened session for workDir.
func (s *Store) Latest(workDir string) (string, error) {
	dir, err := s.ProjectDir(workDir)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

// ListSessions returns summaries for every stored session of workDir, most
// recently updated first.
func (s *Store) ListSessions(ctx context.Context, workDir string) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.ProjectDir(workDir)
	if err != nil {
		return nil, err
	}
	children, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Summary
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		sdir := filepath.Join(dir, child.Name())
		meta, err := readMeta(sdir)
		if err != nil {
			// Directories without metadata are leftovers, not sessions.
			continue
		}
		entries, err := readLog(filepath.Join(sdir, contextFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		turns := 0
		for _, e := range entries {
			if e.Kind == EntryTurnBoundary {
				turns++
			}
		}
		out = append(out, Summary{Meta: meta, Turns: turns})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) setCurrent(workDir, sessionID string) error {
	dir, err := s.ProjectDir(workDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, currentFile), []byte(sessionID+"\n"), 0o644)
}

func (s *Store) clearCurrent(workDir, sessionID string) error {
	dir, err := s.ProjectDir(workDir)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, currentFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(data)) != sessionID {
		return nil
	}
	return os.Remove(path)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.ID
}

// WorkDir returns the absolute working directory the session belongs to.
func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.WorkDir
}

// Dir returns the session's on-disk directory.
func (s *Session) Dir() string { return s.dir }

// Meta returns a copy of the session metadata.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SetModel records the model the session runs against.
func (s *Session) SetModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLogClosed
	}
	s.meta.Model = id
	s.meta.UpdatedAt = time.Now().UTC()
	return writeMeta(s.dir, s.meta)
}

// SetTitle records a display title for session listings.
func (s *Session) SetTitle(title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLogClosed
	}
	s.meta.Title = title
	s.meta.UpdatedAt = time.Now().UTC()
	return writeMeta(s.dir, s.meta)
}

// Append implements Log. Each entry is durably written before Append
// returns; a crash can lose at most the entry being written.
func (s *Session) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLogClosed
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("session: append entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("session: sync log: %w", err)
	}
	s.entries = append(s.entries, e)
	s.meta.UpdatedAt = time.Now().UTC()

	if e.Kind == EntryUserMessage && !s.hasUser {
		s.hasUser = true
		if s.meta.Title == "" {
			s.meta.Title = deriveTitle(e.User.Text)
		}
	}
	if e.Kind == EntryUserMessage || e.Kind == EntryTurnBoundary {
		if err := writeMeta(s.dir, s.meta); err != nil {
			return err
		}
	}
	return nil
}

// Entries implements Log.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// View implements Log.
func (s *Session) View() []model.Message {
	return Project(s.Entries())
}

// Empty reports whether no user message was ever appended.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.hasUser
}

// Close flushes metadata and closes the log. A session that never received a
// user message is deleted from disk instead of persisted. Close is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("session: close log: %w", err)
	}
	if !s.hasUser {
		if err := os.RemoveAll(s.dir); err != nil {
			return fmt.Errorf("session: delete empty session: %w", err)
		}
		return s.store.clearCurrent(s.meta.WorkDir, s.meta.ID)
	}
	s.meta.UpdatedAt = time.Now().UTC()
	return writeMeta(s.dir, s.meta)
}

func openLog(dir string) (*os.File, error) {
	path := filepath.Join(dir, contextFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open log %s: %w", path, err)
	}
	return f, nil
}

func writeMeta(dir string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("session: write metadata: %w", err)
	}
	return nil
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("session: decode metadata: %w", err)
	}
	return meta, nil
}

// readLog loads context entries from a JSONL file. A final line without a
// trailing newline is a torn write and is dropped; corruption elsewhere is
// an error.
func readLog(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(data, []byte{'\n'})
	var entries []Entry
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("session: corrupt entry at %s line %d: %w", path, i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func deriveTitle(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > titleLimit {
		line = string(runes[:titleLimit-1]) + "…"
	}
	return line
}
