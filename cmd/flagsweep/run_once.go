package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process every pending task once and exit",
	Long: `Runs a single watcher pass over the pending tasks without starting the API.
Exits non-zero when the pending tasks could not be listed or a terminal
status could not be written.`,
	RunE: runRunOnce,
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	stats, err := a.watcher.RunOnce(ctx)
	fmt.Printf("%s %d  %s %d  %s %d  errors %d\n",
		statusStyle("completed").Render("completed"), stats.Completed,
		statusStyle("skipped").Render("skipped"), stats.Skipped,
		statusStyle("failed").Render("failed"), stats.Failed,
		stats.Errors,
	)
	if err != nil {
		return err
	}
	if stats.Errors > 0 {
		return fmt.Errorf("%d task(s) left pending: %s", stats.Errors, stats.LastError)
	}
	return nil
}
