package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the current token for a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			ok, err := rt.restore(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				rt.ui.Println("Not signed in.")
				return nil
			}
			td, err := rt.model.RefreshToken(cmd.Context())
			if err != nil {
				return err
			}
			if exp, err := td.Expiry(); err == nil && !exp.IsZero() {
				rt.ui.Println("Token refreshed; expires", exp.Local().Format(time.RFC1123)+".")
			} else {
				rt.ui.Println("Token refreshed.")
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
