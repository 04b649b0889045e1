// Package backendtest runs the generic backend contract against a driver.
//
// Drivers that need external services gate their contract test on a
// BORGSTORE_TEST_*_URL environment variable and skip when it is unset.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/aweris/stash/backend"
)

// Factory returns a fresh, un-created backend rooted at a location that does
// not exist yet. Each contract subtest gets its own.
type Factory func(t *testing.T) backend.Backend

// Key formats i the way the tests address objects (8 hex digits).
func Key(i int) string {
	return fmt.Sprintf("%08x", i)
}

// ListNames collects the sorted child names of a backend directory.
func ListNames(t *testing.T, b backend.Backend, name string) []string {
	t.Helper()
	var names []string
	for info, err := range b.List(context.Background(), name) {
		if err != nil {
			t.Fatalf("list %q: %v", name, err)
		}
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

// created creates the backend and schedules its destruction.
func created(t *testing.T, factory Factory) backend.Backend {
	t.Helper()
	b := factory(t)
	if err := b.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		b.Destroy(context.Background())
	})
	return b
}

// opened additionally opens the backend and schedules the close.
func opened(t *testing.T, factory Factory) backend.Backend {
	t.Helper()
	b := created(t, factory)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// Run exercises the full backend contract.
func Run(t *testing.T, factory Factory) {
	t.Run("Flat", func(t *testing.T) { testFlat(t, factory) })
	t.Run("Namespaced", func(t *testing.T) { testNamespaced(t, factory) })
	t.Run("InvalidName", func(t *testing.T) { testInvalidName(t, factory) })
	t.Run("List", func(t *testing.T) { testList(t, factory) })
	t.Run("ListTemporaryItem", func(t *testing.T) { testListTemporaryItem(t, factory) })
	t.Run("LoadPartial", func(t *testing.T) { testLoadPartial(t, factory) })
	t.Run("ScalabilitySize", func(t *testing.T) { testScalabilitySize(t, factory) })
	t.Run("AlreadyExists", func(t *testing.T) { testAlreadyExists(t, factory) })
	t.Run("DoesNotExist", func(t *testing.T) { testDoesNotExist(t, factory) })
	t.Run("MoveRejectsOverwrite", func(t *testing.T) { testMoveRejectsOverwrite(t, factory) })
	t.Run("MustBeOpen", func(t *testing.T) { testMustBeOpen(t, factory) })
	t.Run("MustNotBeOpen", func(t *testing.T) { testMustNotBeOpen(t, factory) })
	t.Run("MissingNestingDirStore", func(t *testing.T) { testMissingNestingDirStore(t, factory) })
	t.Run("MissingNestingDirMove", func(t *testing.T) { testMissingNestingDirMove(t, factory) })
}

func testFlat(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	k0, v0 := Key(0), []byte("value0")
	k1, v1 := Key(1), []byte("value1")
	k2 := Key(2)
	k42 := Key(42)

	if names := ListNames(t, b, ""); len(names) != 0 {
		t.Fatalf("fresh backend not empty: %v", names)
	}

	if err := b.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	i0, err := b.Info(ctx, k0)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !i0.Exists || i0.Directory || i0.Size != int64(len(v0)) {
		t.Fatalf("unexpected info: %+v", i0)
	}
	got, err := b.Load(ctx, k0, 0, backend.SizeAll)
	if err != nil || string(got) != string(v0) {
		t.Fatalf("load: %q, %v", got, err)
	}
	if names := ListNames(t, b, ""); len(names) != 1 || names[0] != k0 {
		t.Fatalf("unexpected listing: %v", names)
	}

	if err := b.Store(ctx, k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Delete(ctx, k0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if info, _ := b.Info(ctx, k0); info.Exists {
		t.Fatalf("deleted object still exists")
	}

	if err := b.Move(ctx, k1, k2); err != nil {
		t.Fatalf("move: %v", err)
	}
	if info, _ := b.Info(ctx, k1); info.Exists {
		t.Fatalf("move source still exists")
	}
	if info, _ := b.Info(ctx, k2); !info.Exists {
		t.Fatalf("move target missing")
	}

	if err := b.Delete(ctx, k2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if names := ListNames(t, b, ""); len(names) != 0 {
		t.Fatalf("backend not empty after deletes: %v", names)
	}

	if info, _ := b.Info(ctx, k42); info.Exists {
		t.Fatalf("ghost object exists")
	}
	if _, err := b.Load(ctx, k42, 0, backend.SizeAll); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("load missing: want ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, k42); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("delete missing: want ErrNotFound, got %v", err)
	}
}

func testNamespaced(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	k0, v0, ns0 := Key(0), []byte("value0"), "data"
	k1, v1, ns1 := Key(1), []byte("value1"), "meta"
	k42, ns42 := Key(42), "ns42"

	if err := b.Mkdir(ctx, ns0); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := b.Store(ctx, ns0+"/"+k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if info, _ := b.Info(ctx, ns0+"/"+k0); !info.Exists {
		t.Fatalf("stored object missing")
	}
	if info, _ := b.Info(ctx, ns1+"/"+k0); info.Exists {
		t.Fatalf("object leaked into other namespace")
	}
	if info, err := b.Info(ctx, ns0); err != nil || !info.Exists || !info.Directory {
		t.Fatalf("namespace info: %+v, %v", info, err)
	}

	if err := b.Mkdir(ctx, ns1); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := b.Store(ctx, ns1+"/"+k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if names := ListNames(t, b, ns1); len(names) != 1 || names[0] != k1 {
		t.Fatalf("unexpected listing: %v", names)
	}

	if err := b.Delete(ctx, ns0+"/"+k0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, ns1+"/"+k1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := b.Load(ctx, ns42+"/"+k42, 0, backend.SizeAll); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("load from missing namespace: want ErrNotFound, got %v", err)
	}

	if err := b.Rmdir(ctx, ns0); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if err := b.Rmdir(ctx, ns1); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if names := ListNames(t, b, ""); len(names) != 0 {
		t.Fatalf("backend not empty: %v", names)
	}
}

func testInvalidName(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	for _, name := range []string{"/etc/passwd", "../etc/passwd", "foo/../etc/passwd", "has blank", `back\slash`, "UPPER"} {
		if _, err := b.Info(ctx, name); !errors.Is(err, backend.ErrInvalidKey) {
			t.Errorf("info(%q): want ErrInvalidKey, got %v", name, err)
		}
	}
}

func testList(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	k0, v0 := Key(0), []byte("value0")
	k1, v1 := Key(1), []byte("value1")
	if err := b.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Store(ctx, k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Mkdir(ctx, "dir"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	items := make(map[string]backend.ItemInfo)
	for info, err := range b.List(ctx, "") {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		items[info.Name] = info
	}
	if len(items) != 3 {
		t.Fatalf("want 3 entries, got %v", items)
	}
	if got := items[k0]; !got.Exists || got.Directory || got.Size != int64(len(v0)) {
		t.Fatalf("unexpected entry for %s: %+v", k0, got)
	}
	// The size reported for a directory is backend-specific; only check kind.
	if got := items["dir"]; !got.Exists || !got.Directory {
		t.Fatalf("unexpected entry for dir: %+v", got)
	}

	if names := ListNames(t, b, "dir"); len(names) != 0 {
		t.Fatalf("empty dir lists entries: %v", names)
	}

	var listErr error
	for _, err := range b.List(ctx, "nonexistent") {
		if err != nil {
			listErr = err
			break
		}
	}
	if !errors.Is(listErr, backend.ErrNotFound) {
		t.Fatalf("list missing dir: want ErrNotFound, got %v", listErr)
	}
}

func testListTemporaryItem(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	// One must never use a key with the tmp suffix; doing it here fakes a
	// leftover from an aborted upload.
	if err := b.Store(ctx, "file-while-uploading"+backend.TmpSuffix, []byte("value")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if names := ListNames(t, b, ""); len(names) != 0 {
		t.Fatalf("listing must not yield tmp files: %v", names)
	}
}

func testLoadPartial(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	if err := b.Store(ctx, "key", []byte("0123456789")); err != nil {
		t.Fatalf("store: %v", err)
	}
	cases := []struct {
		offset, size int64
		want         string
	}{
		{0, backend.SizeAll, "0123456789"},
		{0, 3, "012"},
		{5, backend.SizeAll, "56789"},
		{4, 4, "4567"},
		{8, 100, "89"},
	}
	for _, tc := range cases {
		got, err := b.Load(ctx, "key", tc.offset, tc.size)
		if err != nil {
			t.Fatalf("load(%d, %d): %v", tc.offset, tc.size, err)
		}
		if string(got) != tc.want {
			t.Fatalf("load(%d, %d) = %q, want %q", tc.offset, tc.size, got, tc.want)
		}
	}
}

func testScalabilitySize(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	for _, size := range []int{0, 1, 1000, 1000000} {
		value := make([]byte, size)
		if err := b.Store(ctx, "key", value); err != nil {
			t.Fatalf("store %d bytes: %v", size, err)
		}
		got, err := b.Load(ctx, "key", 0, backend.SizeAll)
		if err != nil || len(got) != size {
			t.Fatalf("load %d bytes: got %d, %v", size, len(got), err)
		}
	}
}

func testAlreadyExists(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := created(t, factory)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Store(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Re-creation must be rejected: there is already something there.
	if err := b.Create(ctx); !errors.Is(err, backend.ErrBackendExists) {
		t.Fatalf("create on non-empty: want ErrBackendExists, got %v", err)
	}
}

func testDoesNotExist(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := created(t, factory)
	if err := b.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := b.Destroy(ctx); !errors.Is(err, backend.ErrBackendNotExist) {
		t.Fatalf("destroy missing: want ErrBackendNotExist, got %v", err)
	}
	// Recreate so the cleanup's destroy has something to remove.
	if err := b.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func testMoveRejectsOverwrite(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	if err := b.Store(ctx, "src", []byte("src")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Store(ctx, "dst", []byte("dst")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := b.Move(ctx, "src", "dst"); !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("move onto existing: want ErrAlreadyExists, got %v", err)
	}
	if err := b.Move(ctx, "missing", "elsewhere"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("move missing: want ErrNotFound, got %v", err)
	}
}

func testMustBeOpen(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := created(t, factory)
	checks := map[string]func() error{
		"mkdir":  func() error { return b.Mkdir(ctx, "dir") },
		"rmdir":  func() error { return b.Rmdir(ctx, "dir") },
		"store":  func() error { return b.Store(ctx, "key", []byte("value")) },
		"delete": func() error { return b.Delete(ctx, "key") },
		"move":   func() error { return b.Move(ctx, "key", "otherkey") },
		"info": func() error {
			_, err := b.Info(ctx, "key")
			return err
		},
		"load": func() error {
			_, err := b.Load(ctx, "key", 0, backend.SizeAll)
			return err
		},
		"list": func() error {
			for _, err := range b.List(ctx, "dir") {
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	for op, call := range checks {
		if err := call(); !errors.Is(err, backend.ErrMustBeOpen) {
			t.Errorf("%s on closed backend: want ErrMustBeOpen, got %v", op, err)
		}
	}
	// Close on a closed backend is explicitly fine.
	if err := b.Close(); err != nil {
		t.Errorf("close on closed backend: %v", err)
	}
}

func testMustNotBeOpen(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := created(t, factory)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if err := b.Open(ctx); !errors.Is(err, backend.ErrMustNotBeOpen) {
		t.Errorf("open twice: want ErrMustNotBeOpen, got %v", err)
	}
	if err := b.Create(ctx); !errors.Is(err, backend.ErrMustNotBeOpen) {
		t.Errorf("create while open: want ErrMustNotBeOpen, got %v", err)
	}
	if err := b.Destroy(ctx); !errors.Is(err, backend.ErrMustNotBeOpen) {
		t.Errorf("destroy while open: want ErrMustNotBeOpen, got %v", err)
	}
}

func testMissingNestingDirStore(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	// No pre-created nesting dirs: store must mkdir on demand and succeed.
	if err := b.Store(ctx, "namespace1/nest1/key1", []byte("value1")); err != nil {
		t.Fatalf("store into missing dirs: %v", err)
	}
	got, err := b.Load(ctx, "namespace1/nest1/key1", 0, backend.SizeAll)
	if err != nil || string(got) != "value1" {
		t.Fatalf("load: %q, %v", got, err)
	}
}

func testMissingNestingDirMove(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := opened(t, factory)
	if err := b.Store(ctx, "namespace1/nest1/key1", []byte("value1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	// The move target's directories do not exist either; move must create them.
	if err := b.Move(ctx, "namespace1/nest1/key1", "namespace1a/nest1a/key1a"); err != nil {
		t.Fatalf("move into missing dirs: %v", err)
	}
	if info, _ := b.Info(ctx, "namespace1a/nest1a/key1a"); !info.Exists {
		t.Fatalf("move target missing")
	}
}
