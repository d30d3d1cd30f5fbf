package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kimhsiao/mealsync/internal/crypto"
)

const (
	keyFileName   = "session.key"
	tokenFileName = "session.token"
	sealLabel     = "mealsync/session-token"
)

// TokenStore persists the access token between runs.
type TokenStore interface {
	// Load returns "" when nothing is stored.
	Load() (string, error)
	Save(token string) error
	Remove() error
}

// FileStore keeps the token sealed with a per-device key, both in dir.
type FileStore struct {
	path string
	key  []byte
}

// NewFileStore opens the token store in dir, creating the device key on first use.
func NewFileStore(dir string) (*FileStore, error) {
	key, err := crypto.LoadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, tokenFileName), key: key}, nil
}

// Load opens the stored token.
func (f *FileStore) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	token, err := crypto.Open(strings.TrimSpace(string(data)), f.key, sealLabel)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	return string(token), nil
}

// Save seals token and replaces the stored file atomically.
func (f *FileStore) Save(token string) error {
	sealed, err := crypto.Seal([]byte(token), f.key, sealLabel)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Remove deletes the stored token. A missing file is not an error.
func (f *FileStore) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
