package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"
)

var fingerprintJSON bool

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Show the device fingerprint of this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			info, err := rt.fingerprint.Generate(cmd.Context())
			if err != nil {
				return err
			}
			if fingerprintJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			rt.ui.Println(table([][2]string{
				{"Fingerprint", info.Fingerprint},
				{"User agent", info.UserAgent},
				{"Platform", info.Platform},
				{"Language", info.Language},
				{"Timezone", info.Timezone},
				{"Screen", info.ScreenResolution},
				{"Colour depth", strconv.Itoa(info.ColorDepth)},
				{"CPUs", strconv.Itoa(info.HardwareConcurrency)},
			}))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().BoolVar(&fingerprintJSON, "json", false, "Output as JSON")
}
