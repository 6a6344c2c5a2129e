package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/conversation"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/spf13/cobra"
)

var shutdownTimeout int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve conversations over the gateway",
	Long: `Serve conversations over the WebSocket and HTTP gateway.
Idle conversations are archived on a schedule, and the agent catalog is
reloaded for new conversations when agents.watch is enabled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&shutdownTimeout, "shutdown-timeout", 30, "seconds to wait for in-flight turns on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("switchboard is already running (PID file: %s)", pidFile)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required (or set SWITCHBOARD_GATEWAY_SHARED_SECRET)")
	}

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		TickInterval:      time.Duration(cfg.Gateway.TickIntervalSecs) * time.Second,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Conversations:     a.runner,
		Logger:            a.logger("gateway"),
	})
	if err != nil {
		return err
	}

	sweeper, err := conversation.NewSweeper(conversation.SweeperConfig{
		Store:       a.store,
		Expire:      a.runner.End,
		IdleTimeout: cfg.Store.IdleTimeout(),
		Schedule:    cfg.Store.SweepSchedule,
		Logger:      a.logger("sweeper"),
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	if cfg.Agents.Watch && cfg.Agents.File != "" {
		watcher, err := agent.NewWatcher(agent.WatcherConfig{
			Path:     cfg.Agents.File,
			Options:  catalogOptions(cfg),
			OnReload: a.runner.SetCatalog,
			OnError: func(err error) {
				log.Error().Err(err).Msg("Catalog reload failed, keeping previous catalog")
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if err := writePIDFile(pidFile); err != nil {
		log.Warn().Err(err).Str("path", pidFile).Msg("Failed to write PID file")
	}
	defer os.Remove(pidFile)

	fmt.Fprintf(cmd.OutOrStdout(), "Switchboard listening on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(shutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "switchboard.pid")
	}
	return filepath.Join(home, ".switchboard", "switchboard.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPID returns the process id recorded in a PID file
func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds; signal 0 probes for existence
	return process.Signal(syscall.Signal(0)) == nil
}
