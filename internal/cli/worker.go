// Package cli wires the two service entrypoints, cmd/starfish-worker and
// cmd/starfish-web, as cobra root commands bound to a --config-dir flag
// through viper (spec section 6's configuration surface).
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schererja/starfish/internal/buildstore"
	"github.com/schererja/starfish/internal/config"
	"github.com/schererja/starfish/internal/notifybus"
	"github.com/schererja/starfish/internal/pidlock"
	"github.com/schererja/starfish/internal/worker"
	"github.com/schererja/starfish/pkg/logger"
)

// NewWorkerCommand builds the starfish-worker root command: it runs the
// startup preflight (git present, lockfile acquired), opens the build
// store and notification bus, and runs the orchestrator until an
// interrupt (SPEC_FULL.md's "Startup preflight" supplemented feature).
func NewWorkerCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "starfish-worker",
		Short: "Run the starfish continuous-build worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(viper.GetString("config-dir"))
		},
	}
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration root directory (default $STARFISH_CONFIG_DIR or config/dev)")
	_ = viper.BindPFlag("config-dir", cmd.PersistentFlags().Lookup("config-dir"))

	return cmd
}

func runWorker(configDir string) error {
	log := logger.NewLogger()

	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("starfish-worker: git not found on PATH: %w", err)
	}

	cfg, err := config.LoadWorker(configDir)
	if err != nil {
		return fmt.Errorf("starfish-worker: load config: %w", err)
	}

	lock, err := pidlock.Acquire(cfg.Lockfile)
	if err != nil {
		return fmt.Errorf("starfish-worker: %w", err)
	}
	defer lock.Release()

	store, err := buildstore.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("starfish-worker: open build store: %w", err)
	}
	defer store.Close()

	bus, err := notifybus.Open(cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("starfish-worker: open notification bus: %w", err)
	}
	defer bus.Close()

	w, err := worker.New(cfg, store, bus, log)
	if err != nil {
		return fmt.Errorf("starfish-worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starfish-worker starting")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("starfish-worker: %w", err)
	}
	log.Info("starfish-worker shut down")
	return nil
}
