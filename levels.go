package stash

import (
	"fmt"
	"strings"

	"github.com/aweris/stash/backend"
)

// Namespace configures one top-level partition of the store.
//
// Depths lists every nesting depth ever used for the namespace, in the order
// reads should probe them; the last entry is the current write depth. Keeping
// old depths listed is what makes level migrations transparent: objects
// written under an earlier depth stay loadable until ChangeLevel re-nests
// them.
type Namespace struct {
	Depths    []int
	Precreate bool
}

// Levels maps namespace labels to their configuration. The configuration must
// cover every namespace the store will use; there are no implicit defaults.
// Labels may be given with a trailing slash, which is normalized away.
type Levels map[string]Namespace

func normalizeLevels(levels Levels) (Levels, error) {
	if len(levels) == 0 {
		return nil, ErrNoLevels
	}
	normalized := make(Levels, len(levels))
	for label, ns := range levels {
		label = strings.TrimSuffix(label, "/")
		if len(ns.Depths) == 0 {
			return nil, fmt.Errorf("%w: namespace %q has no depths", ErrNoLevels, label)
		}
		for _, d := range ns.Depths {
			if d < 0 {
				return nil, fmt.Errorf("%w: namespace %q has negative depth %d", ErrNoLevels, label, d)
			}
		}
		normalized[label] = ns
	}
	return normalized, nil
}

// lookup returns the configuration for the namespace of a logical name.
func (l Levels) lookup(namespace string) (Namespace, error) {
	ns, ok := l[namespace]
	if !ok {
		return Namespace{}, fmt.Errorf("%w: no levels configured for namespace %q", backend.ErrInvalidKey, namespace)
	}
	return ns, nil
}

// writeDepth is the depth new objects are stored at.
func (ns Namespace) writeDepth() int {
	return ns.Depths[len(ns.Depths)-1]
}

// maxDepth is the deepest configured depth; it bounds key validation.
func (ns Namespace) maxDepth() int {
	max := 0
	for _, d := range ns.Depths {
		if d > max {
			max = d
		}
	}
	return max
}

// validateKey applies the logical key rules: non-empty printable ASCII
// without slashes, blanks, backslashes or "..", lowercase, and - for nested
// namespaces - hex with enough characters for every configured depth.
func validateKey(key string, ns Namespace) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", backend.ErrInvalidKey)
	}
	if strings.ContainsRune(key, '/') {
		return fmt.Errorf("%w: key must not contain slashes: %q", backend.ErrInvalidKey, key)
	}
	if err := backend.ValidateName(key); err != nil {
		return err
	}
	if max := ns.maxDepth(); max > 0 {
		if len(key) < 2*max {
			return fmt.Errorf("%w: key too short for nesting depth %d: %q", backend.ErrInvalidKey, max, key)
		}
		for i := 0; i < len(key); i++ {
			c := key[i]
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				return fmt.Errorf("%w: key must be hex in a nested namespace: %q", backend.ErrInvalidKey, key)
			}
		}
	}
	return nil
}
