// Package stash provides a namespaced key/value store for deduplicating
// backup tooling.
//
// Values are opaque byte sequences stored under ASCII keys grouped by
// namespace. A pluggable backend persists them - local filesystem, SFTP, an
// S3-compatible service, or anything rclone can reach - while the Store hides
// two concerns from both callers and backend authors: hash-sharded directory
// nesting that keeps flat namespaces scalable, and a rename-based soft-delete
// convention that makes deletion reversible.
//
// Basic usage:
//
//	store, _ := stash.New("file:///backups/repo", stash.WithLevels(stash.Levels{
//	    "config": {Depths: []int{0}},
//	    "data":   {Depths: []int{2}},
//	}))
//
//	_ = store.Create(ctx)
//	_ = store.Open(ctx)
//	defer store.Close()
//
//	// Store and load values
//	_ = store.Store(ctx, "data/"+hex(hash), chunk)
//	chunk, _ = store.Load(ctx, "data/"+hex(hash), 0, backend.SizeAll)
//
//	// Reversible deletion
//	_ = store.SoftDelete(ctx, "data/"+hex(hash))
//	_ = store.Undelete(ctx, "data/"+hex(hash))
//
//	// Enumerate a namespace (live or tombstoned)
//	for info, err := range store.List(ctx, "data", false) { ... }
//
//	fmt.Println(store.Stats())
//
// The physical layout is the entire store state: no manifests, no indices. A
// reader with the same levels configuration and backend access can
// reconstruct everything from the directory tree alone.
package stash
