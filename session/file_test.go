package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")

	first := NewStore(NewFileBackend(path), "")
	if err := first.SetSession(ctx, "a1", "r1"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	second := NewStore(NewFileBackend(path), "")
	sess, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.AccessToken != "a1" || sess.RefreshToken != "r1" {
		t.Fatalf("unexpected session after reopen: %+v", sess)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 token file, got %o", perm)
	}
}

func TestFileBackendClearRemovesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewStore(NewFileBackend(path), "")

	if err := store.SetSession(ctx, "a", "r"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected token file removed, stat err=%v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestFileBackendCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := NewStore(NewFileBackend(path), "")

	if _, err := store.Access(context.Background()); err == nil {
		t.Fatal("expected error for corrupt token file")
	}
}
