package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schererja/starfish/internal/buildstore"
	"github.com/schererja/starfish/internal/config"
	"github.com/schererja/starfish/internal/httpapi"
	"github.com/schererja/starfish/internal/notifybus"
	"github.com/schererja/starfish/pkg/logger"
)

// NewWebCommand builds the starfish-web root command: it opens the build
// store and notification bus (for PUT /build's build_queued notify) and
// serves the HTTP surface until an interrupt, with a graceful shutdown
// window.
func NewWebCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "starfish-web",
		Short: "Run the starfish web API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWeb(viper.GetString("config-dir"))
		},
	}
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration root directory (default $STARFISH_CONFIG_DIR or config/dev)")
	_ = viper.BindPFlag("config-dir", cmd.PersistentFlags().Lookup("config-dir"))

	return cmd
}

func runWeb(configDir string) error {
	log := logger.NewLogger()

	cfg, err := config.LoadWeb(configDir)
	if err != nil {
		return fmt.Errorf("starfish-web: load config: %w", err)
	}

	store, err := buildstore.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("starfish-web: open build store: %w", err)
	}
	defer store.Close()

	bus, err := notifybus.Open(cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("starfish-web: open notification bus: %w", err)
	}
	defer bus.Close()

	srv := httpapi.New(store, bus, cfg, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starfish-web listening", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("starfish-web shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("starfish-web: %w", err)
	}
}
