package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/fentz26/flagsweep/internal/config"
	"github.com/fentz26/flagsweep/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "flagsweep",
	Short: "flagsweep - automated feature flag removal",
	Long: `flagsweep accepts feature flag removal requests, has an external coding agent
strip each flag from the repository, and opens a pull request with the result.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	cfgPath  string
	apiAddr  string
	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default ./flagsweep.yaml or ~/.flagsweep/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://"+config.DefaultListen, "API server address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the flagsweep version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("flagsweep", version)
	},
}

// loadConfig reads and validates the configuration for commands that work
// on the repository directly.
func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	if cfg.File != "" {
		logger.Debug("Loaded config", "file", cfg.File)
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
