package prefs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_DefaultsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if s.SignedIn() {
		t.Error("fresh store should default to signed out")
	}
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.SetSignedIn(true); err != nil {
		t.Fatalf("SetSignedIn: %v", err)
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.SignedIn() {
		t.Error("flag should survive a restart")
	}

	if err := reloaded.SetSignedIn(false); err != nil {
		t.Fatalf("SetSignedIn(false): %v", err)
	}
	again, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.SignedIn() {
		t.Error("cleared flag should survive a restart")
	}
}

func TestFileStore_CorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if s.SignedIn() {
		t.Error("corrupt file should reset to defaults")
	}
	if err := s.SetSignedIn(true); err != nil {
		t.Fatalf("SetSignedIn after corrupt load: %v", err)
	}
}

func TestFileStore_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.SetSignedIn(true); err != nil {
		t.Fatalf("SetSignedIn: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
}
