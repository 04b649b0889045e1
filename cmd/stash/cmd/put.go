package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
)

var putCmd = &cobra.Command{
	Use:   "put <url> <name>",
	Short: "Store a value read from stdin",
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <url> <name>",
	Short: "Load a value and write it to stdout",
	Long:  "Load a value and write it to stdout. Soft-deleted objects are readable, too.",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	putCmd.Flags().Bool("no-overwrite", false, "fail if the object already exists")
	getCmd.Flags().Int64("offset", 0, "start reading at this byte offset")
	getCmd.Flags().Int64("size", backend.SizeAll, "read at most this many bytes")
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	value, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var opts []stash.Option
	if noOverwrite, _ := cmd.Flags().GetBool("no-overwrite"); noOverwrite {
		opts = append(opts, stash.WithNoOverwrite())
	}
	store, err := newStore(args[0], opts...)
	if err != nil {
		return err
	}
	if err := store.Open(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return store.Store(cmd.Context(), args[1], value)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	offset, _ := cmd.Flags().GetInt64("offset")
	size, _ := cmd.Flags().GetInt64("size")
	store, err := newStore(args[0])
	if err != nil {
		return err
	}
	if err := store.Open(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	value, err := store.Load(cmd.Context(), args[1], offset, size)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(value)
	return err
}
