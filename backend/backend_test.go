package backend_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/aweris/stash/backend"
)

func TestValidateName(t *testing.T) {
	valid := []string{
		"",
		"config",
		"data/00/00/00000000",
		"data/00/00/00000000.del",
		"key-with_misc.chars",
	}
	for _, name := range valid {
		if err := backend.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"/etc/passwd",
		"foo/",
		"../foo",
		"foo/../bar",
		"foo..bar",
		"has blank",
		"tab\there",
		`back\slash`,
		"UPPER",
		"1234CAFE",
		"umläut",
		strings.Repeat("x", backend.MaxNameLength+1),
	}
	for _, name := range invalid {
		if err := backend.ValidateName(name); !errors.Is(err, backend.ErrInvalidKey) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidKey", name, err)
		}
	}
}
