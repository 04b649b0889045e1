package backend

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Permissions maps a name prefix to granted permission letters:
//
//	l  list object names
//	r  read object contents
//	w  create new objects (must not already exist)
//	W  write objects, overwriting existing ones
//	D  delete objects
//
// A grant on a directory like "foo" also applies to names below it, like
// "foo/bar". An empty map grants everything.
type Permissions map[string]string

// Restrict decorates a backend with prefix-based access control. Every
// operation is checked against the nearest grant found by walking the
// operand's name up to the root; a miss everywhere denies the operation.
//
// Moves need D on the source and w or W on the destination: the source
// vanishes under its original name (the Store soft-deletes through Move), and
// the destination is a write. Overwriting moves are rejected by the inner
// backend before permissions even matter.
func Restrict(inner Backend, perms Permissions) Backend {
	return &restricted{inner: inner, perms: perms}
}

type restricted struct {
	inner Backend
	perms Permissions
}

// check walks from the full name up to the root "" and applies the nearest
// entry. required contains alternatives: any single letter of it suffices.
func (b *restricted) check(name, required string) error {
	if len(b.perms) == 0 {
		return nil
	}
	parts := strings.Split(name, "/")
	if name == "" {
		parts = nil
	}
	for i := len(parts); i >= 0; i-- {
		granted, ok := b.perms[strings.Join(parts[:i], "/")]
		if !ok {
			continue
		}
		if strings.ContainsAny(granted, required) {
			return nil
		}
		break
	}
	return fmt.Errorf("%w: one of %q required for %q", ErrPermissionDenied, required, name)
}

func (b *restricted) Create(ctx context.Context) error {
	if err := b.check("", "wW"); err != nil {
		return err
	}
	return b.inner.Create(ctx)
}

func (b *restricted) Destroy(ctx context.Context) error {
	if err := b.check("", "D"); err != nil {
		return err
	}
	return b.inner.Destroy(ctx)
}

func (b *restricted) Open(ctx context.Context) error { return b.inner.Open(ctx) }

func (b *restricted) Close() error { return b.inner.Close() }

func (b *restricted) Mkdir(ctx context.Context, name string) error {
	if err := b.check(name, "wW"); err != nil {
		return err
	}
	return b.inner.Mkdir(ctx, name)
}

func (b *restricted) Rmdir(ctx context.Context, name string) error {
	// rmdir only removes empty containers, no data can be lost: w is enough.
	if err := b.check(name, "wD"); err != nil {
		return err
	}
	return b.inner.Rmdir(ctx, name)
}

func (b *restricted) Info(ctx context.Context, name string) (ItemInfo, error) {
	// info does not expose contents, so l or r suffices.
	if err := b.check(name, "lr"); err != nil {
		return ItemInfo{}, err
	}
	return b.inner.Info(ctx, name)
}

func (b *restricted) Load(ctx context.Context, name string, offset, size int64) ([]byte, error) {
	if err := b.check(name, "r"); err != nil {
		return nil, err
	}
	return b.inner.Load(ctx, name, offset, size)
}

func (b *restricted) Store(ctx context.Context, name string, value []byte) error {
	required := "wW"
	if info, err := b.inner.Info(ctx, name); err == nil && info.Exists {
		required = "W"
	}
	if err := b.check(name, required); err != nil {
		return err
	}
	return b.inner.Store(ctx, name, value)
}

func (b *restricted) Delete(ctx context.Context, name string) error {
	if err := b.check(name, "D"); err != nil {
		return err
	}
	return b.inner.Delete(ctx, name)
}

func (b *restricted) Move(ctx context.Context, currName, newName string) error {
	if err := b.check(currName, "D"); err != nil {
		return err
	}
	if err := b.check(newName, "wW"); err != nil {
		return err
	}
	return b.inner.Move(ctx, currName, newName)
}

func (b *restricted) List(ctx context.Context, name string) iter.Seq2[ItemInfo, error] {
	if err := b.check(name, "l"); err != nil {
		return func(yield func(ItemInfo, error) bool) {
			yield(ItemInfo{}, err)
		}
	}
	return b.inner.List(ctx, name)
}
