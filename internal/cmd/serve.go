package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"envwatch/internal/app"
	"envwatch/pkg/systemd"

	"github.com/spf13/cobra"
)

const stopTimeout = 45 * time.Second

func Serve() *cobra.Command {
	var noWatch bool
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, job engine and HTTP API",
		Long: `Reconcile the configured schedules, then run the job engine, the cron
triggers, the sensor pollers and the HTTP API until interrupted.

Example:
  envwatch serve --config /etc/envwatch/envwatch.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(flagConfig)
			return runServe(cmd.Context(), path, !noWatch)
		},
	}
	c.Flags().BoolVar(&noWatch, "no-watch", false, "disable config hot reload")
	return c
}

func runServe(parent context.Context, cfgPath string, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, app.Options{ConfigPath: cfgPath, Watch: watch})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}
	_, _ = systemd.Ready()
	go func() { _ = systemd.Watchdog(ctx) }()

	reason := app.StopAppStop
	select {
	case s := <-sigCh:
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-parent.Done():
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
