package stash

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/internal/nesting"
)

// precreateWorkers bounds the concurrent mkdir calls issued while
// pre-creating sharding trees.
const precreateWorkers = 16

// Store is a namespaced key/value store on top of a Backend.
//
// It adds what the flat backend contract lacks: backend selection from a URL,
// per-namespace hash-sharded nesting, soft deletion, recursive listing, and
// call statistics. Logical names are "namespace/key"; the nesting transform
// and the ".del" soft-delete suffix never leak to the caller.
//
// A Store owns exactly one Backend and is not safe for concurrent use beyond
// what the backend itself serializes; two racing writes to the same logical
// name are resolved by the backend (last writer wins).
type Store struct {
	url         string
	backend     backend.Backend
	levels      Levels
	log         *zap.Logger
	noOverwrite bool

	stats    *stats
	latency  time.Duration
	throttle *throttle
}

// New parses a storage URL, constructs the matching backend and wraps it in a
// Store. Parsing performs no I/O; connections are made by Open.
func New(url string, opts ...Option) (*Store, error) {
	b, err := newBackend(url)
	if err != nil {
		return nil, err
	}
	s, err := NewWithBackend(b, opts...)
	if err != nil {
		return nil, err
	}
	s.url = url
	return s, nil
}

// NewWithBackend wraps a ready-made backend in a Store.
func NewWithBackend(b backend.Backend, opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	levels, err := normalizeLevels(options.Levels)
	if err != nil {
		return nil, err
	}
	if len(options.Permissions) > 0 {
		b = backend.Restrict(b, options.Permissions)
	}
	return &Store{
		backend:     b,
		levels:      levels,
		log:         options.Logger,
		noOverwrite: options.NoOverwrite,
		stats:       newStats(),
		latency:     latencyFromEnv(),
		throttle:    throttleFromEnv(),
	}, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("Store(url=%q)", s.url)
}

// Backend returns the wrapped backend, mostly useful for tests and tooling
// that needs to bypass the nesting transform.
func (s *Store) Backend() backend.Backend { return s.backend }

// Create initializes the backend storage and, for namespaces configured with
// Precreate, builds the full sharding tree up front. Pre-creating saves a lot
// of ad-hoc mkdir calls later, which matters for backends where mkdir has
// noticeable latency; for backends where mkdir is a no-op it is pointless.
func (s *Store) Create(ctx context.Context) error {
	if err := s.backend.Create(ctx); err != nil {
		return err
	}
	return s.createLevels(ctx)
}

func (s *Store) createLevels(ctx context.Context) error {
	var open bool
	for _, ns := range s.levels {
		if ns.Precreate {
			open = true
		}
	}
	if !open {
		return nil
	}
	if err := s.backend.Open(ctx); err != nil {
		return err
	}
	defer s.backend.Close()

	p := pool.New().WithErrors().WithMaxGoroutines(precreateWorkers)
	for label, ns := range s.levels {
		if !ns.Precreate {
			continue
		}
		depth := ns.maxDepth()
		if depth == 0 {
			if label != "" {
				name := label
				p.Go(func() error { return s.backend.Mkdir(ctx, name) })
			}
			continue
		}
		// Only the deepest layer needs explicit mkdirs; parents come along.
		limit := 1 << (8 * depth)
		for i := 0; i < limit; i++ {
			name := shardDir(label, i, depth)
			p.Go(func() error { return s.backend.Mkdir(ctx, name) })
		}
	}
	return p.Wait()
}

// shardDir composes the sharding directory path for combination i at the
// given depth, e.g. shardDir("data", 0x0123, 2) == "data/01/23".
func shardDir(label string, i, depth int) string {
	const hexdigits = "0123456789abcdef"
	parts := make([]string, 0, depth+1)
	if label != "" {
		parts = append(parts, label)
	}
	for level := depth - 1; level >= 0; level-- {
		b := byte(i >> (8 * level))
		parts = append(parts, string([]byte{hexdigits[b>>4], hexdigits[b&0xf]}))
	}
	return strings.Join(parts, "/")
}

// Destroy removes the backend storage and all of its contents.
func (s *Store) Destroy(ctx context.Context) error {
	return s.backend.Destroy(ctx)
}

// Open acquires the backend's resources. Callers pair it with Close.
func (s *Store) Open(ctx context.Context) error {
	if err := s.backend.Open(ctx); err != nil {
		return err
	}
	s.stats.openCycle()
	return nil
}

// Close releases the backend's resources. It is idempotent and safe to call
// after errors.
func (s *Store) Close() error {
	return s.backend.Close()
}

// split validates a logical name and returns its parts plus the namespace
// configuration.
func (s *Store) split(name string) (namespace, key string, ns Namespace, err error) {
	namespace, key = nesting.SplitKey(name)
	if strings.ContainsRune(namespace, '/') {
		return "", "", Namespace{}, fmt.Errorf("%w: nested namespaces are not permitted: %q", backend.ErrInvalidKey, name)
	}
	ns, err = s.levels.lookup(namespace)
	if err != nil {
		return "", "", Namespace{}, err
	}
	if err = validateKey(key, ns); err != nil {
		return "", "", Namespace{}, err
	}
	return namespace, key, ns, nil
}

// find probes the namespace's known depths for an existing physical form of
// name (the ".del" form when deleted is true). When nothing exists, the
// returned nested name addresses the current write depth, so callers can use
// it directly as a write target.
func (s *Store) find(ctx context.Context, name string, deleted bool) (nested string, exists bool, info backend.ItemInfo, err error) {
	_, _, ns, err := s.split(name)
	if err != nil {
		return "", false, backend.ItemInfo{}, err
	}
	suffix := ""
	if deleted {
		suffix = backend.DelSuffix
	}
	for _, depth := range ns.Depths {
		nested = nesting.Nest(name, depth, suffix)
		info, err = s.backend.Info(ctx, nested)
		if err != nil {
			return "", false, backend.ItemInfo{}, err
		}
		if info.Exists {
			return nested, true, info, nil
		}
	}
	return nesting.Nest(name, ns.writeDepth(), suffix), false, info, nil
}

// Find resolves a logical name to its nested backend name. If no physical
// form exists, the returned name addresses the current write depth. Exposed
// for tests and migration tooling.
func (s *Store) Find(ctx context.Context, name string, deleted bool) (string, error) {
	nested, _, _, err := s.find(ctx, name, deleted)
	return nested, err
}

// Info reports whether a logical name exists, its size, and whether only its
// soft-deleted form is present. A missing object is not an error.
func (s *Store) Info(ctx context.Context, name string) (info Info, err error) {
	defer s.finish(ctx, "info", name, time.Now(), 0)
	_, exists, item, err := s.find(ctx, name, false)
	if err != nil {
		return Info{}, err
	}
	if exists {
		return Info{Exists: true, Size: item.Size}, nil
	}
	_, exists, item, err = s.find(ctx, name, true)
	if err != nil {
		return Info{}, err
	}
	if exists {
		return Info{Exists: true, Size: item.Size, Deleted: true}, nil
	}
	return Info{}, nil
}

// Info describes a logical object. Deleted is true iff only the soft-deleted
// form exists; such objects are still readable.
type Info struct {
	Exists  bool
	Size    int64
	Deleted bool
}

// Load returns the object's bytes, live or soft-deleted. offset/size select a
// partial read; size SizeAll reads to EOF, and reads past EOF return fewer
// bytes without error.
func (s *Store) Load(ctx context.Context, name string, offset, size int64) (value []byte, err error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", backend.ErrInvalidKey, offset)
	}
	start := time.Now()
	defer func() { s.finish(ctx, "load", name, start, int64(len(value))) }()
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return nil, err
	}
	if !exists {
		nested, exists, _, err = s.find(ctx, name, true)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
	}
	return s.backend.Load(ctx, nested, offset, size)
}

// Store writes value under name at the namespace's current write depth, or
// over the existing object at whatever depth it was found. With
// WithNoOverwrite, an existing live object fails with ErrAlreadyExists.
func (s *Store) Store(ctx context.Context, name string, value []byte) (err error) {
	defer s.finish(ctx, "store", name, time.Now(), int64(len(value)))
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return err
	}
	if exists && s.noOverwrite {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyExists, name)
	}
	return s.backend.Store(ctx, nested, value)
}

// Delete hard-removes an object, live or soft-deleted. See SoftDelete for the
// reversible variant.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	defer s.finish(ctx, "delete", name, time.Now(), 0)
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return err
	}
	if !exists {
		nested, exists, _, err = s.find(ctx, name, true)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
	}
	return s.backend.Delete(ctx, nested)
}

// Move renames an object within its namespace. Fails with ErrAlreadyExists if
// newName already exists.
func (s *Store) Move(ctx context.Context, name, newName string) (err error) {
	defer s.finish(ctx, "move", name, time.Now(), 0)
	currNS, _ := nesting.SplitKey(name)
	newNS, _ := nesting.SplitKey(newName)
	if currNS != newNS {
		return fmt.Errorf("%w: move must stay within one namespace: %q -> %q", backend.ErrInvalidKey, name, newName)
	}
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
	}
	nestedNew, _, _, err := s.find(ctx, newName, false)
	if err != nil {
		return err
	}
	return s.backend.Move(ctx, nested, nestedNew)
}

// SoftDelete renames the live object to its ".del" form; the object stays
// readable and listable via the deleted flag. Fails with ErrNotFound if no
// live form exists.
func (s *Store) SoftDelete(ctx context.Context, name string) (err error) {
	defer s.finish(ctx, "move", name, time.Now(), 0)
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
	}
	return s.backend.Move(ctx, nested, nested+backend.DelSuffix)
}

// Undelete reverses SoftDelete. Fails with ErrNotFound if no soft-deleted
// form exists.
func (s *Store) Undelete(ctx context.Context, name string) (err error) {
	defer s.finish(ctx, "move", name, time.Now(), 0)
	nested, exists, _, err := s.find(ctx, name, true)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
	}
	return s.backend.Move(ctx, nested, strings.TrimSuffix(nested, backend.DelSuffix))
}

// ChangeLevel re-nests an object (live or soft-deleted) to its namespace's
// current write depth. Used after the levels configuration changed.
func (s *Store) ChangeLevel(ctx context.Context, name string) (err error) {
	defer s.finish(ctx, "move", name, time.Now(), 0)
	suffix := ""
	nested, exists, _, err := s.find(ctx, name, false)
	if err != nil {
		return err
	}
	if !exists {
		suffix = backend.DelSuffix
		nested, exists, _, err = s.find(ctx, name, true)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
	}
	_, _, ns, err := s.split(name)
	if err != nil {
		return err
	}
	target := nesting.Nest(name, ns.writeDepth(), suffix)
	if target == nested {
		return nil
	}
	return s.backend.Move(ctx, nested, target)
}

// List yields the keys of a namespace, descending the sharding directories.
// With deleted false it yields live objects; with deleted true it yields only
// soft-deleted objects, their ".del" suffix stripped. The two listings are
// disjoint. Results stream as directories are read and reflect no consistent
// snapshot; order follows the backend's listing order.
func (s *Store) List(ctx context.Context, namespace string, deleted bool) iter.Seq2[backend.ItemInfo, error] {
	namespace = strings.TrimSuffix(namespace, "/")
	return func(yield func(backend.ItemInfo, error) bool) {
		start := time.Now()
		var outside time.Duration
		defer func() { s.finish(ctx, "list", namespace, start.Add(outside), 0) }()
		s.walk(ctx, namespace, deleted, func(info backend.ItemInfo, err error) bool {
			// Time spent in the caller's loop body is not Store time.
			t := time.Now()
			defer func() { outside += time.Since(t) }()
			return yield(info, err)
		})
	}
}

// walk recurses through nesting directories, yielding only leaves.
func (s *Store) walk(ctx context.Context, dir string, deleted bool, yield func(backend.ItemInfo, error) bool) bool {
	if s.latency > 0 {
		// Emulated latency applies once per directory listed, not per entry.
		time.Sleep(s.latency)
	}
	for info, err := range s.backend.List(ctx, dir) {
		if err != nil {
			return yield(backend.ItemInfo{}, err)
		}
		if info.Directory {
			// Subdirectories only ever come from key nesting; namespaces are
			// never nested into each other.
			sub := info.Name
			if dir != "" {
				sub = dir + "/" + info.Name
			}
			if !s.walk(ctx, sub, deleted, yield) {
				return false
			}
			continue
		}
		isDeleted := strings.HasSuffix(info.Name, backend.DelSuffix)
		if isDeleted != deleted {
			continue
		}
		if isDeleted {
			info.Name = strings.TrimSuffix(info.Name, backend.DelSuffix)
		}
		if !yield(info, nil) {
			return false
		}
	}
	return true
}
