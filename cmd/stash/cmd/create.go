package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <url>",
	Short: "Initialize a new storage",
	Long:  "Create the storage at the given URL. Fails if the target exists and is not empty.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <url>",
	Short: "Remove a storage and all of its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestroy,
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	store, err := newStore(args[0])
	if err != nil {
		return err
	}
	if err := store.Create(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Created %s\n", args[0])
	return nil
}

func runDestroy(cmd *cobra.Command, args []string) error {
	store, err := newStore(args[0])
	if err != nil {
		return err
	}
	if err := store.Destroy(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Destroyed %s\n", args[0])
	return nil
}
