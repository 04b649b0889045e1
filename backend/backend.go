// Package backend defines the contract every storage driver must satisfy.
//
// A Backend exposes flat-name object operations: the Store layer above it has
// already applied namespace nesting and soft-delete suffixes, so drivers only
// ever see relative names like "data/ab/cd/abcd1234" or "config/settings.del".
//
// Drivers report failures through the sentinel errors in this package and must
// not leak their transport's error types across the boundary.
package backend

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

const (
	// TmpSuffix marks an object that is still being uploaded/written.
	// Listings never yield such entries.
	TmpSuffix = ".tmp"

	// DelSuffix marks a soft-deleted object; it can be undeleted by a rename.
	DelSuffix = ".del"

	// MaxNameLength bounds backend names. Conservative to stay portable
	// between backends and platforms; suffixes might still be added.
	MaxNameLength = 100

	// SizeAll as the size argument of Load reads to EOF.
	SizeAll = -1
)

// ItemInfo describes a single backend object or directory.
type ItemInfo struct {
	Name      string
	Exists    bool
	Size      int64
	Directory bool
}

// Backend is the minimal driver contract.
//
// Lifecycle: unopened -> open -> closed. Create, Destroy and Open require the
// backend to be unopened; all object operations require it to be open. Close
// is idempotent.
type Backend interface {
	// Create initializes the storage. It fails with ErrBackendExists if the
	// target exists and is non-empty; an empty existing location is fine.
	Create(ctx context.Context) error

	// Destroy removes the storage root and all of its contents.
	Destroy(ctx context.Context) error

	// Open acquires connections/sessions/subprocesses.
	Open(ctx context.Context) error

	// Close releases resources. Calling it on a closed backend is a no-op.
	Close() error

	// Mkdir ensures an intermediate container exists.
	Mkdir(ctx context.Context, name string) error

	// Rmdir removes an empty intermediate container.
	Rmdir(ctx context.Context, name string) error

	// Info is a cheap metadata probe. A missing name is not an error; it is
	// reported via ItemInfo.Exists == false.
	Info(ctx context.Context, name string) (ItemInfo, error)

	// Load reads [offset, offset+size) of the value, or to EOF when size is
	// SizeAll. Reading past EOF returns fewer bytes without error.
	Load(ctx context.Context, name string, offset, size int64) ([]byte, error)

	// Store writes value atomically under name (write-to-temp, then rename,
	// where the transport allows). The last concurrent writer wins.
	Store(ctx context.Context, name string, value []byte) error

	// Delete hard-removes a single object. ErrNotFound if absent.
	Delete(ctx context.Context, name string) error

	// Move renames currName to newName. ErrNotFound if currName is missing,
	// ErrAlreadyExists if newName exists: backends must reject overwrite.
	Move(ctx context.Context, currName, newName string) error

	// List yields the direct children of name, non-recursively, skipping
	// TmpSuffix entries. Order is backend-specific.
	List(ctx context.Context, name string) iter.Seq2[ItemInfo, error]
}

// ValidateName checks a backend name for portability and safety: plain ASCII,
// lowercase, relative, no parent-directory escapes, no backslashes or blanks.
// The empty name addresses the storage root and is valid.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name too long (max %d): %q", ErrInvalidKey, MaxNameLength, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7e || name[i] < 0x21 {
			return fmt.Errorf("%w: name must be printable ascii without blanks: %q", ErrInvalidKey, name)
		}
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: name must be relative: %q", ErrInvalidKey, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: name must not contain '..': %q", ErrInvalidKey, name)
	}
	if strings.ContainsRune(name, '\\') {
		return fmt.Errorf("%w: name must not contain backslashes: %q", ErrInvalidKey, name)
	}
	if name != strings.ToLower(name) {
		return fmt.Errorf("%w: name must be lowercase: %q", ErrInvalidKey, name)
	}
	return nil
}
