package stash

import "errors"

var (
	// ErrInvalidURL: the URL dispatcher cannot parse or resolve the scheme.
	ErrInvalidURL = errors.New("stash: invalid storage URL")

	// ErrNoLevels: the store was constructed without a usable levels configuration.
	ErrNoLevels = errors.New("stash: no levels configuration given")
)
