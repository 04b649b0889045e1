package cmd

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
)

var demoCmd = &cobra.Command{
	Use:   "demo <url>",
	Short: "Run a small walkthrough against a fresh storage",
	Long: `Create the given storage, write items to the config and data namespaces,
soft-delete one, list both namespaces, print statistics, and finally offer to
destroy the storage again.

Careful: the given storage will be created, used and - on confirmation -
completely deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func dataKey(value []byte) string {
	h := sha256.Sum256(value)
	return "data/" + hex.EncodeToString(h[:])
}

func runDemo(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	store, err := stash.New(args[0],
		stash.WithLevels(stash.Levels{
			"config": {Depths: []int{0}}, // no nesting needed for the few configs
			"data":   {Depths: []int{2}}, // 2 levels for the many data items
		}),
		stash.WithLogger(newLogger()),
	)
	if err != nil {
		return err
	}
	if err := store.Create(ctx); err != nil {
		return fmt.Errorf("you must not give an existing storage: %w", err)
	}
	if err := store.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Println("Writing 2 items to config namespace...")
	if err := store.Store(ctx, "config/settings1", []byte("value1 = 42")); err != nil {
		return err
	}
	if err := store.Store(ctx, "config/settings2", []byte("value2 = 23")); err != nil {
		return err
	}

	fmt.Println("Listing config namespace contents:")
	for info, err := range store.List(ctx, "config", false) {
		if err != nil {
			return err
		}
		fmt.Printf("  %s (%d bytes)\n", info.Name, info.Size)
	}

	value, err := store.Load(ctx, "config/settings1", 0, backend.SizeAll)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded from store: config/settings1: %s\n", value)

	fmt.Println("Writing 2 items to data namespace...")
	data1 := []byte("some arbitrary binary data.")
	key1 := dataKey(data1)
	if err := store.Store(ctx, key1, data1); err != nil {
		return err
	}
	data2 := bytes.Repeat([]byte("more arbitrary binary data. "), 2)
	key2 := dataKey(data2)
	if err := store.Store(ctx, key2, data2); err != nil {
		return err
	}

	fmt.Printf("Soft deleting item %s ...\n", key2)
	if err := store.SoftDelete(ctx, key2); err != nil {
		return err
	}

	fmt.Println("Listing data namespace contents (live):")
	for info, err := range store.List(ctx, "data", false) {
		if err != nil {
			return err
		}
		fmt.Printf("  %s (%d bytes)\n", info.Name, info.Size)
	}
	fmt.Println("Listing data namespace contents (soft-deleted):")
	for info, err := range store.List(ctx, "data", true) {
		if err != nil {
			return err
		}
		fmt.Printf("  %s (%d bytes)\n", info.Name, info.Size)
	}

	fmt.Printf("Stats: %+v\n", store.Stats())

	fmt.Print("After you've inspected the storage, enter DESTROY to destroy it, anything else to keep it: ")
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if err := store.Close(); err != nil {
		return err
	}
	if answer == "DESTROY\n" {
		return store.Destroy(ctx)
	}
	return nil
}
