package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/docchat/internal/identity"
)

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityShowCmd, identityClearCmd)
}

func identityStore() *identity.FileStore {
	cfg := loadConfig()
	return identity.NewFileStore(cfg.IdentityPath())
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the stored caller identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored caller identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := identityStore()
		rec, err := store.Load()
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		if rec.UserID == "" {
			fmt.Println("No identity stored; the server assigns one on next connect.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "USER ID\t%s\n", rec.UserID)
		if !rec.AssignedAt.IsZero() {
			fmt.Fprintf(w, "ASSIGNED\t%s\n", rec.AssignedAt.Format("2006-01-02 15:04:05"))
		}
		if rec.LastThreadID != "" {
			fmt.Fprintf(w, "LAST THREAD\t%s\n", rec.LastThreadID)
		}
		fmt.Fprintf(w, "FILE\t%s\n", store.Path())
		return w.Flush()
	},
}

var identityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the stored caller identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := identityStore().Clear(); err != nil {
			return fmt.Errorf("clear identity: %w", err)
		}
		fmt.Println("Identity cleared.")
		return nil
	},
}
