package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aexvir/grab/internal/config"
)

var (
	cfg *config.Config

	configPath string
	verbose    bool
	quiet      bool
)

// skipconfig marks commands that read the config file on their own.
const skipconfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "grab [owner/repo]",
	Short: "Download release binaries from GitHub",
	Long: "Resolves the assets of a GitHub release for the current platform, downloads them concurrently " +
		"into a digest keyed cache, verifies them and installs the result.",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipconfig] == "" {
			c, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = c
		} else {
			cfg = &config.Config{Log: config.LogConfig{Level: "warn", Format: "console"}}
		}

		switch {
		case verbose:
			cfg.Log.Level = "debug"
		case quiet:
			cfg.Log.Level = "error"
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	RunE: runDownload,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./grab.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log errors")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	registerDownloadFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failure(err))
		os.Exit(1)
	}
}
