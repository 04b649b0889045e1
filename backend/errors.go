package backend

import "errors"

// Canonical error kinds raised at the Store/Backend boundary. Drivers wrap
// these with fmt.Errorf("...: %w", ...) context; callers match with errors.Is.
var (
	// ErrNotFound: load/info/delete/move target is missing.
	ErrNotFound = errors.New("stash: object not found")

	// ErrAlreadyExists: store without overwrite, or move onto an existing name.
	ErrAlreadyExists = errors.New("stash: object already exists")

	// ErrBackendExists: create on a non-empty storage root.
	ErrBackendExists = errors.New("stash: backend already exists")

	// ErrBackendNotExist: open/destroy on an uninitialized or missing root.
	ErrBackendNotExist = errors.New("stash: backend does not exist")

	// ErrPermissionDenied: the permission overlay rejected an operation.
	ErrPermissionDenied = errors.New("stash: permission denied")

	// ErrInvalidKey: a key or backend name violates the naming rules.
	ErrInvalidKey = errors.New("stash: invalid key")

	// ErrBackend is the catch-all for transport failures (network, EIO).
	// Retryable at the caller's discretion.
	ErrBackend = errors.New("stash: backend error")

	// ErrMustBeOpen: an object operation was attempted on an unopened backend.
	ErrMustBeOpen = errors.New("stash: backend must be open")

	// ErrMustNotBeOpen: create/destroy/open was attempted on an open backend.
	ErrMustNotBeOpen = errors.New("stash: backend must not be open")
)
