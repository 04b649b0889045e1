package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls <url> [namespace]",
	Short: "List the keys of a namespace",
	Long:  "List the keys of a namespace. With --deleted, list soft-deleted keys instead of live ones.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

var infoCmd = &cobra.Command{
	Use:   "info <url> <name>",
	Short: "Show object metadata",
	Args:  cobra.ExactArgs(2),
	RunE:  runInfo,
}

func init() {
	lsCmd.Flags().Bool("deleted", false, "list soft-deleted keys")
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(infoCmd)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	namespace := ""
	if len(args) > 1 {
		namespace = args[1]
	}
	deleted, _ := cmd.Flags().GetBool("deleted")
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

	count := 0
	for info, err := range store.List(cmd.Context(), namespace, deleted) {
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\n", info.Name, info.Size)
		count++
	}
	if count == 0 {
		fmt.Println("(no entries)")
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
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
	info, err := store.Info(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	fmt.Printf("exists=%v size=%d deleted=%v\n", info.Exists, info.Size, info.Deleted)
	return nil
}
