package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/care/proctor/internal/config"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a capture session until interrupted",
		Long: `Run a capture session: acquire the camera, load the configured models,
record redacted segments and report anomalies until SIGINT/SIGTERM
(or --duration) ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), configPath, duration)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop the session after this long (0 runs until a signal)")
	return cmd
}

func runSession(parent context.Context, configPath string, duration time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return &ConfigError{Err: err}
	}

	slog.Info("starting proctord",
		"config", configPath,
		"session_id", cfg.SessionID,
		"camera_source", cfg.Camera.Source,
		"encoder", cfg.Recorder.Encoder,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	svc, err := newService(ctx, cfg)
	if err != nil {
		return &ConfigError{Err: err}
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	slog.Info("session running",
		"session_id", cfg.SessionID,
		"status_port", cfg.Status.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested", "reason", context.Cause(ctx))
	case <-svc.EndRequested():
		slog.Info("shutdown requested", "reason", "control plane")
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("proctord stopped successfully", "session_id", cfg.SessionID)
	return nil
}
