package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type (
	// TokenStore persists access tokens for servers that demand
	// authorization. Token returns the empty string when no token is stored.
	TokenStore interface {
		Token(server string) (string, error)
		SetToken(server, token string) error
		DeleteToken(server string) error
	}

	// FileTokenStore keeps one token file per server under a directory.
	// Token files are written with owner-only permissions since they carry
	// credentials.
	FileTokenStore struct {
		dir string
	}

	tokenFile struct {
		AccessToken string `json:"access_token"`
	}
)

// NewFileTokenStore returns a TokenStore rooted at dir. The directory is
// created on first write.
func NewFileTokenStore(dir string) *FileTokenStore {
	return &FileTokenStore{dir: dir}
}

// Token implements TokenStore.
func (s *FileTokenStore) Token(server string) (string, error) {
	data, err := os.ReadFile(s.path(server))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("token file for %s is corrupt: %w", server, err)
	}
	return tf.AccessToken, nil
}

// SetToken implements TokenStore.
func (s *FileTokenStore) SetToken(server, token string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(tokenFile{AccessToken: token})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(server), append(data, '\n'), 0o600)
}

// DeleteToken implements TokenStore.
func (s *FileTokenStore) DeleteToken(server string) error {
	err := os.Remove(s.path(server))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileTokenStore) path(server string) string {
	return filepath.Join(s.dir, safeFileName(server)+".json")
}

// safeFileName keeps server names usable as file names regardless of what
// the configuration contains.
func safeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
