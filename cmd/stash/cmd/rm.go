package cmd

import (
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <url> <name>",
	Short: "Delete an object",
	Long:  "Hard-delete an object (live or soft-deleted). With --soft, rename it to its reversible '.del' form instead.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRm,
}

var undeleteCmd = &cobra.Command{
	Use:   "undelete <url> <name>",
	Short: "Reverse a soft deletion",
	Args:  cobra.ExactArgs(2),
	RunE:  runUndelete,
}

func init() {
	rmCmd.Flags().Bool("soft", false, "soft-delete (reversible with 'undelete')")
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(undeleteCmd)
}

func runRm(cmd *cobra.Command, args []string) (err error) {
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
	if soft, _ := cmd.Flags().GetBool("soft"); soft {
		return store.SoftDelete(cmd.Context(), args[1])
	}
	return store.Delete(cmd.Context(), args[1])
}

func runUndelete(cmd *cobra.Command, args []string) (err error) {
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
	return store.Undelete(cmd.Context(), args[1])
}
