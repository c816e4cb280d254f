package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/db"
	"github.com/arena-platform/arena-deploy/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve <environment>",
	Short: "Serve the read-only status API",
	Long: `serve exposes the recorded attempt history, per-attempt detail, audit
trails and Prometheus metrics over HTTP. the API is strictly read-only;
deploy and rollback happen only through the CLI.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		environment := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(environment, configFile)
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer logger.Sync()

		database, err := db.OpenDatabase(cfg.DBPath, logger)
		if err != nil {
			return err
		}
		defer database.CloseDatabase()

		server := &http.Server{
			Addr: cfg.ServeAddr,
			Handler: handlers.NewRouter(&handlers.RouterDependencies{
				Database: database,
				Logger:   logger,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		serveErrors := make(chan error, 1)
		go func() {
			logger.Info("status API listening", zap.String("addr", cfg.ServeAddr))
			serveErrors <- server.ListenAndServe()
		}()

		select {
		case err := <-serveErrors:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("status API stopped")
		return nil
	},
}
