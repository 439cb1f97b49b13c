package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/flagsweep/internal/config"
	"github.com/fentz26/flagsweep/internal/controlplane"
)

var (
	listenAddr string
	detach     bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the flagsweep daemon",
	Long: `Starts the HTTP API for removal requests and the watcher that processes
pending tasks one at a time until interrupted.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default api.listen)")
	daemonCmd.Flags().BoolVar(&detach, "detach", false, "Start the daemon in the background and return once it is healthy")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}
	if detach {
		return startDetached(cfg)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	service := controlplane.NewService(a.store, a.proposals, a.audit, a.watcher.Wake)
	server := controlplane.NewServer(service, cfg.API.Listen, logger)
	server.SetVersion(version)
	server.SetWatcherStats(a.watcher.Stats)
	if p, ok := a.store.(controlplane.Pinger); ok {
		server.SetPinger(p)
	}

	logger.Info("Starting flagsweep daemon", "repo", cfg.Repo.Path, "store", cfg.Store.Path, "version", version)

	// Started before the group so Stop below always follows Start.
	a.watcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		// Waits for the in-flight task to reach its terminal write.
		a.watcher.Stop()
		a.close(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// startDetached re-executes this binary as a background daemon with its
// output appended to a log file in the state directory.
func startDetached(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logDir := cfg.StateDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	logPath := filepath.Join(logDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	childArgs := []string{"daemon", "--listen", cfg.API.Listen}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}
	if logLevel != "" {
		childArgs = append(childArgs, "--log-level", logLevel)
	}
	cmd := exec.Command(exe, childArgs...)
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return err
	}

	addr := "http://" + cfg.API.Listen
	fmt.Print("Waiting for daemon...")
	for range 20 {
		if _, err := checkHealthAt(addr); err == nil {
			fmt.Printf(" ready (pid %d, log %s)\n", cmd.Process.Pid, logPath)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" timeout")
	return fmt.Errorf("daemon started but API not reachable at %s; see %s", addr, logPath)
}
