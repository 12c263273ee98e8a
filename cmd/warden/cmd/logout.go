package cmd

import (
	"github.com/spf13/cobra"
)

var logoutLocalOnly bool

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and revoke the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			if _, ok := rt.tokens.GetToken(); !ok {
				rt.ui.Println("Not signed in.")
				return nil
			}
			if err := rt.model.SignOut(cmd.Context(), !logoutLocalOnly); err != nil {
				return err
			}
			rt.ui.Println("Signed out.")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
	logoutCmd.Flags().BoolVar(&logoutLocalOnly, "local", false, "Clear local state without revoking the token on the backend")
}
