package stash

import (
	"go.uber.org/zap"

	"github.com/aweris/stash/backend"
)

// Options configures a Store.
type Options struct {
	Levels      Levels
	Permissions backend.Permissions
	Logger      *zap.Logger
	NoOverwrite bool
}

// Option is a functional option for configuring New and NewWithBackend.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Logger: zap.NewNop(),
	}
}

// WithLevels sets the per-namespace nesting configuration. Required: the
// configuration must cover every namespace the store will use.
func WithLevels(levels Levels) Option {
	return func(o *Options) { o.Levels = levels }
}

// WithPermissions restricts backend access by name prefix; see
// backend.Permissions for the letter semantics.
func WithPermissions(perms backend.Permissions) Option {
	return func(o *Options) { o.Permissions = perms }
}

// WithLogger sets the logger for per-operation DEBUG records.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithNoOverwrite makes Store fail with ErrAlreadyExists when the object
// already exists instead of overwriting it.
func WithNoOverwrite() Option {
	return func(o *Options) { o.NoOverwrite = true }
}
