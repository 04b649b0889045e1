package stash_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/posixfs"
)

func key(i int) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 8)
	for j := 7; j >= 0; j-- {
		buf[j] = hexdigits[i&0xf]
		i >>= 4
	}
	return string(buf)
}

// tempBackend returns a created posixfs backend in a temp dir.
func tempBackend(t *testing.T) *posixfs.PosixFS {
	t.Helper()
	b, err := posixfs.New(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := b.Create(context.Background()); err != nil {
		t.Fatalf("create backend: %v", err)
	}
	return b
}

// openStore wraps b in an opened Store; Close is scheduled via cleanup and
// may also be called explicitly (it is idempotent).
func openStore(t *testing.T, b backend.Backend, levels stash.Levels, opts ...stash.Option) *stash.Store {
	t.Helper()
	opts = append([]stash.Option{stash.WithLevels(levels)}, opts...)
	st, err := stash.NewWithBackend(b, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func listNames(t *testing.T, st *stash.Store, namespace string, deleted bool) []string {
	t.Helper()
	var names []string
	for info, err := range st.List(context.Background(), namespace, deleted) {
		if err != nil {
			t.Fatalf("list %q: %v", namespace, err)
		}
		names = append(names, info.Name)
	}
	return names
}

func wantNames(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("listing = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("listing = %v, want %v", got, want)
		}
	}
}

func TestBasics(t *testing.T) {
	ctx := context.Background()
	k0, v0 := key(0), []byte("value0")
	st := openStore(t, tempBackend(t), stash.Levels{"": {Depths: []int{2}}})

	// roundtrip
	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := st.Load(ctx, k0, 0, backend.SizeAll)
	if err != nil || !bytes.Equal(got, v0) {
		t.Fatalf("load: %q, %v", got, err)
	}

	// the store view: automatic nesting
	info, err := st.Info(ctx, k0)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.Exists || info.Deleted || info.Size != int64(len(v0)) {
		t.Fatalf("unexpected info: %+v", info)
	}

	// the backend view: no automatic nesting
	for _, name := range []string{"00", "00/00"} {
		bi, err := st.Backend().Info(ctx, name)
		if err != nil || !bi.Exists || !bi.Directory {
			t.Fatalf("backend info %q: %+v, %v", name, bi, err)
		}
	}
	bi, err := st.Backend().Info(ctx, "00/00/"+k0)
	if err != nil || !bi.Exists || bi.Directory || bi.Size != int64(len(v0)) {
		t.Fatalf("backend info leaf: %+v, %v", bi, err)
	}

	wantNames(t, listNames(t, st, "", false), k0)

	if err := st.Delete(ctx, k0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if info, _ := st.Info(ctx, k0); info.Exists {
		t.Fatalf("deleted object still exists")
	}
	wantNames(t, listNames(t, st, "", false))
}

func TestUpgradeLevels(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)
	k0, v0 := key(0), []byte("value0")
	k1, v1 := key(1), []byte("value1")

	// start with nesting level 0:
	st := openStore(t, b, stash.Levels{"": {Depths: []int{0}}})
	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k0, false); nested != k0 {
		t.Fatalf("find = %q, want %q", nested, k0)
	}
	st.Close()

	// upgrade to level 1 while keeping level 0 support:
	st = openStore(t, b, stash.Levels{"": {Depths: []int{0, 1}}})
	if nested, _ := st.Find(ctx, k0, false); nested != k0 {
		t.Fatalf("find after upgrade = %q, want %q", nested, k0)
	}
	if info, _ := st.Info(ctx, k0); !info.Exists || info.Size != int64(len(v0)) {
		t.Fatalf("old object unreadable after upgrade: %+v", info)
	}
	if err := st.Store(ctx, k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k1, false); nested != "00/"+k1 {
		t.Fatalf("find = %q, want %q", nested, "00/"+k1)
	}
	names := listNames(t, st, "", false)
	sort.Strings(names)
	wantNames(t, names, k0, k1)
	if err := st.Delete(ctx, k1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// overwriting k0 stays on level 0:
	v0new := []byte("value0new")
	if err := st.Store(ctx, k0, v0new); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k0, false); nested != k0 {
		t.Fatalf("overwrite moved the object: %q", nested)
	}
	wantNames(t, listNames(t, st, "", false), k0)
	if got, _ := st.Load(ctx, k0, 0, backend.SizeAll); !bytes.Equal(got, v0new) {
		t.Fatalf("load = %q, want %q", got, v0new)
	}
}

func TestDowngradeLevels(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)
	k0, v0 := key(0), []byte("value0")
	k1, v1 := key(1), []byte("value1")

	st := openStore(t, b, stash.Levels{"": {Depths: []int{1}}})
	if err := st.Store(ctx, k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k1, false); nested != "00/"+k1 {
		t.Fatalf("find = %q, want %q", nested, "00/"+k1)
	}
	st.Close()

	// downgrade to level 0 while keeping level 1 support:
	st = openStore(t, b, stash.Levels{"": {Depths: []int{1, 0}}})
	if nested, _ := st.Find(ctx, k1, false); nested != "00/"+k1 {
		t.Fatalf("find after downgrade = %q, want %q", nested, "00/"+k1)
	}
	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k0, false); nested != k0 {
		t.Fatalf("find = %q, want %q", nested, k0)
	}

	// overwriting k1 stays on level 1:
	v1new := []byte("value1new")
	if err := st.Store(ctx, k1, v1new); err != nil {
		t.Fatalf("store: %v", err)
	}
	if nested, _ := st.Find(ctx, k1, false); nested != "00/"+k1 {
		t.Fatalf("overwrite moved the object: %q", nested)
	}
	if got, _ := st.Load(ctx, k1, 0, backend.SizeAll); !bytes.Equal(got, v1new) {
		t.Fatalf("load = %q, want %q", got, v1new)
	}
}

func TestSoftDeleteUndelete(t *testing.T) {
	ctx := context.Background()
	k0, v0 := key(0), []byte("xyz")
	k1, v1 := key(1), []byte("value1")
	st := openStore(t, tempBackend(t), stash.Levels{"": {Depths: []int{2}}})

	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Store(ctx, k1, v1); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := st.SoftDelete(ctx, k0); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	// both forms stay readable, info reports the tombstone state:
	info, err := st.Info(ctx, k0)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.Exists || !info.Deleted || info.Size != int64(len(v0)) {
		t.Fatalf("unexpected info: %+v", info)
	}
	got, err := st.Load(ctx, k0, 0, backend.SizeAll)
	if err != nil || !bytes.Equal(got, v0) {
		t.Fatalf("load soft-deleted: %q, %v", got, err)
	}

	// live and tombstoned listings are disjoint:
	wantNames(t, listNames(t, st, "", false), k1)
	wantNames(t, listNames(t, st, "", true), k0)

	// soft-deleting again fails, the live form is gone:
	if err := st.SoftDelete(ctx, k0); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("second soft delete: want ErrNotFound, got %v", err)
	}

	if err := st.Undelete(ctx, k0); err != nil {
		t.Fatalf("undelete: %v", err)
	}
	names := listNames(t, st, "", false)
	sort.Strings(names)
	wantNames(t, names, k0, k1)
	wantNames(t, listNames(t, st, "", true))

	// contents survived the round trip:
	if got, _ := st.Load(ctx, k0, 0, backend.SizeAll); !bytes.Equal(got, v0) {
		t.Fatalf("load after undelete = %q, want %q", got, v0)
	}
	if err := st.Undelete(ctx, k0); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("undelete live object: want ErrNotFound, got %v", err)
	}

	// hard delete removes the tombstone form, too:
	if err := st.SoftDelete(ctx, k0); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := st.Delete(ctx, k0); err != nil {
		t.Fatalf("delete tombstone: %v", err)
	}
	if info, _ := st.Info(ctx, k0); info.Exists {
		t.Fatalf("tombstone survived hard delete")
	}
}

func TestMoveChangeLevel(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)
	k0, v0 := key(0), []byte("value0")

	st := openStore(t, b, stash.Levels{"": {Depths: []int{0}}})
	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	st.Close()

	st = openStore(t, b, stash.Levels{"": {Depths: []int{0, 1}}})
	if err := st.ChangeLevel(ctx, k0); err != nil {
		t.Fatalf("change level: %v", err)
	}
	if nested, _ := st.Find(ctx, k0, false); nested != "00/"+k0 {
		t.Fatalf("find = %q, want %q", nested, "00/"+k0)
	}
	if got, _ := st.Load(ctx, k0, 0, backend.SizeAll); !bytes.Equal(got, v0) {
		t.Fatalf("load after change level = %q, want %q", got, v0)
	}
}

func TestMoveGeneric(t *testing.T) {
	ctx := context.Background()
	value := []byte("value")
	st := openStore(t, tempBackend(t), stash.Levels{"ns": {Depths: []int{0}}, "other": {Depths: []int{0}}})

	if err := st.Store(ctx, "ns/aaa", value); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Move(ctx, "ns/aaa", "ns/bbb"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got, _ := st.Load(ctx, "ns/bbb", 0, backend.SizeAll); !bytes.Equal(got, value) {
		t.Fatalf("load after move = %q", got)
	}
	if info, _ := st.Info(ctx, "ns/aaa"); info.Exists {
		t.Fatalf("move source still exists")
	}

	// moving across namespaces is not a rename:
	if err := st.Move(ctx, "ns/bbb", "other/bbb"); !errors.Is(err, backend.ErrInvalidKey) {
		t.Fatalf("cross-namespace move: want ErrInvalidKey, got %v", err)
	}

	// moving onto an existing name is rejected:
	if err := st.Store(ctx, "ns/ccc", value); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Move(ctx, "ns/bbb", "ns/ccc"); !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("move onto existing: want ErrAlreadyExists, got %v", err)
	}
}

func TestNestingConfig(t *testing.T) {
	ctx := context.Background()
	empty := []byte{}
	st := openStore(t, tempBackend(t), stash.Levels{
		"":           {Depths: []int{0}},
		"flat/":      {Depths: []int{0}}, // trailing slashes are normalized
		"nested_one": {Depths: []int{1}},
		"nested_two": {Depths: []int{2}},
	})

	stores := map[string]string{
		"toplevel":            "toplevel",
		"flat/something":      "flat/something",
		"nested_one/00001234": "nested_one/00/00001234",
		"nested_two/0000abcd": "nested_two/00/00/0000abcd",
	}
	for name, want := range stores {
		if err := st.Store(ctx, name, empty); err != nil {
			t.Fatalf("store %q: %v", name, err)
		}
		nested, err := st.Find(ctx, name, false)
		if err != nil {
			t.Fatalf("find %q: %v", name, err)
		}
		if nested != want {
			t.Fatalf("find %q = %q, want %q", name, nested, want)
		}
	}

	// namespaces must be configured, there is no implicit default:
	if _, err := st.Find(ctx, "no_config/something", false); !errors.Is(err, backend.ErrInvalidKey) {
		t.Fatalf("unconfigured namespace: want ErrInvalidKey, got %v", err)
	}
	if err := st.Store(ctx, "no_config/something", empty); !errors.Is(err, backend.ErrInvalidKey) {
		t.Fatalf("store into unconfigured namespace: want ErrInvalidKey, got %v", err)
	}
}

func TestLoadPartial(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, tempBackend(t), stash.Levels{"m": {Depths: []int{0}}})
	value := make([]byte, 10)
	for i := range value {
		value[i] = byte(i)
	}
	if err := st.Store(ctx, "m/k", value); err != nil {
		t.Fatalf("store: %v", err)
	}

	cases := []struct {
		offset, size int64
		want         []byte
	}{
		{0, backend.SizeAll, value},
		{0, 3, value[:3]},
		{5, backend.SizeAll, value[5:]},
		{3, 4, value[3:7]},
		{8, 100, value[8:]},
	}
	for _, tc := range cases {
		got, err := st.Load(ctx, "m/k", tc.offset, tc.size)
		if err != nil {
			t.Fatalf("load(%d, %d): %v", tc.offset, tc.size, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("load(%d, %d) = %v, want %v", tc.offset, tc.size, got, tc.want)
		}
	}

	if _, err := st.Load(ctx, "m/k", -1, backend.SizeAll); err == nil {
		t.Fatalf("negative offset accepted")
	}
}

func TestListIsSorted(t *testing.T) {
	ctx := context.Background()
	empty := []byte{}
	st := openStore(t, tempBackend(t), stash.Levels{
		"flat":       {Depths: []int{0}},
		"nested_one": {Depths: []int{1}},
		"nested_two": {Depths: []int{2}},
	})

	unsorted := []string{"0012", "0000", "9999", "9988", "5566", "6655", "3322", "3300"}
	sortedKeys := append([]string(nil), unsorted...)
	sort.Strings(sortedKeys)

	// posixfs lists each directory sorted; with all items on the same level
	// the recursive listing comes out sorted as well, without own sorting.
	for _, namespace := range []string{"flat", "nested_one", "nested_two"} {
		for _, k := range unsorted {
			if err := st.Store(ctx, namespace+"/"+k, empty); err != nil {
				t.Fatalf("store %s/%s: %v", namespace, k, err)
			}
		}
		wantNames(t, listNames(t, st, namespace, false), sortedKeys...)
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, tempBackend(t), stash.Levels{
		"data": {Depths: []int{2}},
		"x":    {Depths: []int{0}},
	})

	invalid := []string{
		"data/has space", // whitespace
		"data/nothex!!",  // not hex under a nested namespace
		"data/ab",        // too short for depth 2
		"data/ABCD1234",  // not lowercase
		"x/",             // empty key
		"x/a..b",         // parent-dir escape
		"a/b/c",          // nested namespace
	}
	for _, name := range invalid {
		if err := st.Store(ctx, name, []byte{}); !errors.Is(err, backend.ErrInvalidKey) {
			t.Errorf("store(%q): want ErrInvalidKey, got %v", name, err)
		}
	}

	if err := st.Store(ctx, "x/perfectly-fine_key.1", []byte{}); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestNoOverwrite(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)
	st := openStore(t, b, stash.Levels{"x": {Depths: []int{0}}}, stash.WithNoOverwrite())

	if err := st.Store(ctx, "x/k", []byte("1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Store(ctx, "x/k", []byte("2")); !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("overwrite: want ErrAlreadyExists, got %v", err)
	}
	if got, _ := st.Load(ctx, "x/k", 0, backend.SizeAll); string(got) != "1" {
		t.Fatalf("value changed: %q", got)
	}
}

func TestOverwritePermissions(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)

	// "lrw" creates but never overwrites:
	st := openStore(t, b, stash.Levels{"x": {Depths: []int{0}}},
		stash.WithPermissions(backend.Permissions{"": "lrw"}))
	if err := st.Store(ctx, "x/k", []byte("1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Store(ctx, "x/k", []byte("2")); !errors.Is(err, backend.ErrPermissionDenied) {
		t.Fatalf("overwrite without W: want ErrPermissionDenied, got %v", err)
	}
	st.Close()

	// "lrwW" may overwrite:
	st = openStore(t, b, stash.Levels{"x": {Depths: []int{0}}},
		stash.WithPermissions(backend.Permissions{"": "lrwW"}))
	if err := st.Store(ctx, "x/k", []byte("2")); err != nil {
		t.Fatalf("overwrite with W: %v", err)
	}
	if got, _ := st.Load(ctx, "x/k", 0, backend.SizeAll); string(got) != "2" {
		t.Fatalf("load = %q, want %q", got, "2")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, tempBackend(t), stash.Levels{"": {Depths: []int{0}}})
	k0, v0 := key(0), []byte("value0")

	if err := st.Store(ctx, k0, v0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := st.Load(ctx, k0, 0, backend.SizeAll); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := st.Load(ctx, k0, 0, backend.SizeAll); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := st.Info(ctx, k0); err != nil {
		t.Fatalf("info: %v", err)
	}
	listNames(t, st, "", false)

	stats := st.Stats()
	if got := stats.Ops["store"]; got.Calls != 1 || got.Volume != int64(len(v0)) {
		t.Fatalf("store stats: %+v", got)
	}
	if got := stats.Ops["load"]; got.Calls != 2 || got.Volume != 2*int64(len(v0)) {
		t.Fatalf("load stats: %+v", got)
	}
	if got := stats.Ops["info"]; got.Calls != 1 {
		t.Fatalf("info stats: %+v", got)
	}
	if got := stats.Ops["list"]; got.Calls != 1 {
		t.Fatalf("list stats: %+v", got)
	}
	// never-called ops are present with zero counts:
	if got := stats.Ops["delete"]; got.Calls != 0 {
		t.Fatalf("delete stats: %+v", got)
	}
	if stats.OpenCycles != 1 {
		t.Fatalf("open cycles = %d, want 1", stats.OpenCycles)
	}
}

func TestCloseIdempotent(t *testing.T) {
	st := openStore(t, tempBackend(t), stash.Levels{"": {Depths: []int{0}}})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNoLevels(t *testing.T) {
	b := tempBackend(t)
	if _, err := stash.NewWithBackend(b); !errors.Is(err, stash.ErrNoLevels) {
		t.Fatalf("missing levels: want ErrNoLevels, got %v", err)
	}
}

func TestSharding(t *testing.T) {
	// Spec'd end-to-end layout: depth 3 shards the first six hex chars.
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "s")
	st, err := stash.New("file://"+dir, stash.WithLevels(stash.Levels{"data": {Depths: []int{3}}}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := st.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if err := st.Store(ctx, "data/aabbccdd", []byte("hello")); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := st.Load(ctx, "data/aabbccdd", 0, backend.SizeAll)
	if err != nil || string(got) != "hello" {
		t.Fatalf("load: %q, %v", got, err)
	}
	physical := filepath.Join(dir, "data", "aa", "bb", "cc", "aabbccdd")
	if _, err := os.Stat(physical); err != nil {
		t.Fatalf("physical file missing at %s: %v", physical, err)
	}
}

func TestPrecreate(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "s")
	st, err := stash.New("file://"+dir, stash.WithLevels(stash.Levels{
		"config": {Depths: []int{0}, Precreate: true},
		"data":   {Depths: []int{1}, Precreate: true},
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := st.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, sub := range []string{"config", "data/00", "data/7f", "data/ff"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Fatalf("precreated dir %q missing: %v", sub, err)
		}
	}
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	b := tempBackend(t)
	st := openStore(t, b, stash.Levels{"": {Depths: []int{0}}})
	if err := st.Store(ctx, key(0), []byte("x")); err != nil {
		t.Fatalf("store: %v", err)
	}
	st.Close()
	if err := st.Create(ctx); !errors.Is(err, backend.ErrBackendExists) {
		t.Fatalf("create on populated root: want ErrBackendExists, got %v", err)
	}
}
