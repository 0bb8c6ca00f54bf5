package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	debug      bool
	configPath string
	log        *slog.Logger
)

// setupLogging mirrors the teacher's setupLogging: plain text to stderr in
// debug mode, structured JSON otherwise so operators can pipe the daemon's
// output into a log aggregator.
func setupLogging(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if debug {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:   "modelplaned",
	Short: "API model management plane",
	Long: `modelplaned routes tasks across a fleet of LLM API models.

Usage:
  modelplaned serve              # run the daemon: health probing, dispatch, failover, admin HTTP
  modelplaned dispatch "prompt"  # submit one task through the failover coordinator and print the result`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = setupLogging(debug)
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the operational config document (JSON or YAML)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
