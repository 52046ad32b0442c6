// Package prefs stores small local flags that must survive process restart,
// such as whether the current user has completed sign-in.
package prefs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

const fileMode = 0o600

// FlagStore reads and writes the persistent signed-in flag.
type FlagStore interface {
	SignedIn() bool
	SetSignedIn(v bool) error
}

type fileData struct {
	SignedIn bool `json:"signed_in"`
}

// FileStore is a JSON-file-backed FlagStore.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileData
}

// NewFileStore loads (or initializes) the flag file at path. A missing file
// is not an error; flags default to false.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		// corrupt flag file: start over rather than wedge sign-in
		s.data = fileData{}
	}
	return s, nil
}

// SignedIn reports the persisted signed-in flag.
func (s *FileStore) SignedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SignedIn
}

// SetSignedIn persists the signed-in flag.
func (s *FileStore) SetSignedIn(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SignedIn = v
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
