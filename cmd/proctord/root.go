package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "config/proctor.yaml"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proctord",
		Short: "proctord - real-time exam proctoring capture agent",
		Long: `proctord captures the exam taker's webcam, redacts the face region,
runs face and object models on sampled frames, reports behavioral
anomalies and uploads the redacted recording in fixed-length segments.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogger(*debugLogging)
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCheckConfigCommand())

	return cmd
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
