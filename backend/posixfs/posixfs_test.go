package posixfs_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/backendtest"
	"github.com/aweris/stash/backend/posixfs"
)

func newTestBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := posixfs.New(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return b
}

func TestContract(t *testing.T) {
	backendtest.Run(t, newTestBackend)
}

func TestRelativePathRejected(t *testing.T) {
	if _, err := posixfs.New("relative/path"); err == nil {
		t.Fatalf("relative base path accepted")
	}
}

func TestCreateMissingParentDirs(t *testing.T) {
	ctx := context.Background()
	b, err := posixfs.New(filepath.Join(t.TempDir(), "missing1", "missing2", "store"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Create auto-creates missing parent dirs.
	if err := b.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if err := b.Store(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("store: %v", err)
	}
}

func TestFsync(t *testing.T) {
	ctx := context.Background()
	b, err := posixfs.New(filepath.Join(t.TempDir(), "store"), posixfs.WithFsync())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if err := b.Store(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("store with fsync: %v", err)
	}
	got, err := b.Load(ctx, "key", 0, backend.SizeAll)
	if err != nil || string(got) != "value" {
		t.Fatalf("load: %q, %v", got, err)
	}
}
