package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/config"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var (
	configPath  string
	apiURL      string
	logLevel    string
	storageMode string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden is a session security client for the admin console",
	Long: `Signs in to the admin backend and keeps the session secure: token refresh,
idle timeout, device binding, login rate limiting and a local security audit log.
Complete documentation is available at https://github.com/jmcleod/warden`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if apiURL != "" {
			loaded.APIURL = apiURL
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if storageMode != "" {
			loaded.Storage.Mode = storageMode
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $WARDEN_CONFIG or ~/.warden/config.toml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Admin backend base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&storageMode, "storage", "", "Storage mode: auto, cookie, durable")
}
