// Package posixfs implements the backend contract on a local filesystem,
// using files in directories below a base path.
package posixfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/stash/backend"
)

// PosixFS stores objects as plain files below an absolute base path. Writes go
// to a temp file in the target directory first and are renamed into place, so
// readers never observe partially written data.
type PosixFS struct {
	base   string
	fsync  bool
	opened bool
}

// Option configures a PosixFS.
type Option func(*PosixFS)

// WithFsync makes Store fsync file contents before the final rename. Off by
// default: it is much slower and plain rename durability is enough for most
// callers.
func WithFsync() Option {
	return func(b *PosixFS) { b.fsync = true }
}

// New returns a PosixFS rooted at path, which must be absolute.
func New(path string, opts ...Option) (*PosixFS, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: base path must be absolute: %q", backend.ErrBackend, path)
	}
	b := &PosixFS{base: filepath.Clean(path)}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Base returns the storage root path.
func (b *PosixFS) Base() string { return b.base }

func (b *PosixFS) join(name string) (string, error) {
	if err := backend.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(b.base, filepath.FromSlash(name)), nil
}

func (b *PosixFS) Create(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	// An already existing empty directory is acceptable, and missing parent
	// dirs are created: repository hosters often hand out paths whose parents
	// the user cannot create separately.
	if err := os.MkdirAll(b.base, 0o700); err != nil {
		return fmt.Errorf("%w: create %s: %v", backend.ErrBackend, b.base, err)
	}
	entries, err := os.ReadDir(b.base)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", backend.ErrBackend, b.base, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: base path is not empty: %s", backend.ErrBackendExists, b.base)
	}
	return nil
}

func (b *PosixFS) Destroy(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	if _, err := os.Stat(b.base); err != nil {
		return fmt.Errorf("%w: base path does not exist: %s", backend.ErrBackendNotExist, b.base)
	}
	if err := os.RemoveAll(b.base); err != nil {
		return fmt.Errorf("%w: destroy %s: %v", backend.ErrBackend, b.base, err)
	}
	return nil
}

func (b *PosixFS) Open(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	st, err := os.Stat(b.base)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: base path is not a directory: %s", backend.ErrBackendNotExist, b.base)
	}
	b.opened = true
	return nil
}

func (b *PosixFS) Close() error {
	b.opened = false
	return nil
}

func (b *PosixFS) Mkdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *PosixFS) Rmdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return fmt.Errorf("%w: rmdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *PosixFS) Info(ctx context.Context, name string) (backend.ItemInfo, error) {
	if !b.opened {
		return backend.ItemInfo{}, backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return backend.ItemInfo{}, err
	}
	leaf := filepath.Base(path)
	st, err := os.Stat(path)
	if err != nil {
		return backend.ItemInfo{Name: leaf}, nil
	}
	return backend.ItemInfo{Name: leaf, Exists: true, Size: st.Size(), Directory: st.IsDir()}, nil
}

func (b *PosixFS) Load(ctx context.Context, name string, offset, size int64) ([]byte, error) {
	if !b.opened {
		return nil, backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: open %s: %v", backend.ErrBackend, name, err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: seek %s: %v", backend.ErrBackend, name, err)
		}
	}
	var value []byte
	if size < 0 {
		value, err = io.ReadAll(f)
	} else {
		value = make([]byte, size)
		var n int
		n, err = io.ReadFull(f, value)
		value = value[:n]
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", backend.ErrBackend, name, err)
	}
	return value, nil
}

func (b *PosixFS) Store(ctx context.Context, name string, value []byte) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	// Try without the mkdir first: the directory is usually already there and
	// fs ops can be slow, especially on network filesystems.
	tmp, err := b.writeTemp(dir, value)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, dir, err)
		}
		tmp, err = b.writeTemp(dir, value)
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", backend.ErrBackend, name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *PosixFS) writeTemp(dir string, value []byte) (string, error) {
	f, err := os.CreateTemp(dir, "*"+backend.TmpSuffix)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if b.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (b *PosixFS) Delete(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	path, err := b.join(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return fmt.Errorf("%w: delete %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *PosixFS) Move(ctx context.Context, currName, newName string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	currPath, err := b.join(currName)
	if err != nil {
		return err
	}
	newPath, err := b.join(newName)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(newPath); err == nil {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyExists, newName)
	}
	// Same fast path as Store: assume the target directory exists, create it
	// only on failure.
	err = os.Rename(currPath, newPath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(newPath), 0o700); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, newName, err)
		}
		err = os.Rename(currPath, newPath)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, currName)
		}
		return fmt.Errorf("%w: move %s -> %s: %v", backend.ErrBackend, currName, newName, err)
	}
	return nil
}

func (b *PosixFS) List(ctx context.Context, name string) iter.Seq2[backend.ItemInfo, error] {
	return func(yield func(backend.ItemInfo, error) bool) {
		if !b.opened {
			yield(backend.ItemInfo{}, backend.ErrMustBeOpen)
			return
		}
		path, err := b.join(name)
		if err != nil {
			yield(backend.ItemInfo{}, err)
			return
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: %s", backend.ErrNotFound, name))
			} else {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: list %s: %v", backend.ErrBackend, name, err))
			}
			return
		}
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), backend.TmpSuffix) {
				continue
			}
			st, err := entry.Info()
			if err != nil {
				// Raced with a concurrent delete; the entry is gone.
				continue
			}
			info := backend.ItemInfo{
				Name:      entry.Name(),
				Exists:    true,
				Size:      st.Size(),
				Directory: entry.IsDir(),
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}
