// Package nesting translates logical names into hash-sharded backend names.
//
// Flat directories do not scale to gazillions of entries, so intermediate
// directories derived from the key's leading hex characters are inserted
// between the namespace and the key:
//
//	Nest("data/0123456789abcdef", 2, "") == "data/01/23/0123456789abcdef"
//
// The leaf keeps the full key: a directory listing directly yields keys, and a
// stray file pushed to lost+found still identifies its object.
package nesting

import (
	"fmt"
	"strings"
)

// SplitKey splits a logical name into its namespace and key. A name without a
// slash belongs to the root namespace "".
func SplitKey(name string) (namespace, key string) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// Nest inserts levels two-character sharding directories between the
// namespace and the key and appends suffix (if any):
//
//	Nest("namespace/12345678", 2, "") == "namespace/12/34/12345678"
func Nest(name string, levels int, suffix string) string {
	if levels > 0 {
		namespace, key := SplitKey(name)
		parts := make([]string, 0, levels+2)
		if name != key {
			parts = append(parts, namespace)
		}
		for level := 0; level < levels; level++ {
			parts = append(parts, key[2*level:2*level+2])
		}
		parts = append(parts, key)
		name = strings.Join(parts, "/")
	}
	return name + suffix
}

// Unnest maps a nested backend name back to its logical name, ignoring the
// sharding components and stripping suffix (if any):
//
//	Unnest("namespace/12/34/12345678", "namespace", "") == "namespace/12345678"
func Unnest(nested, namespace, suffix string) (string, error) {
	prefix := namespace
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(nested, prefix) {
		return "", fmt.Errorf("name %q does not start with namespace %q", nested, namespace)
	}
	rest := strings.TrimPrefix(nested, prefix)
	key := rest
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		key = rest[i+1:]
	}
	key = strings.TrimSuffix(key, suffix)
	return prefix + key, nil
}
