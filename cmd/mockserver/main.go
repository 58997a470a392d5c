package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quantumai/internal/config"
	"quantumai/internal/httpserver"
	"quantumai/internal/mockbackend"
	"quantumai/pkg/logging/logging"
	"quantumai/pkg/metrics"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "mockserver",
		Short:         "Run the mock OpenAI-compatible chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mockserver exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Mock.Port),
		zap.String("model", cfg.Mock.Model),
		zap.Bool("auth_enabled", cfg.Mock.APIKey != ""),
	)

	// ----- Handlers -----
	chatHandler := mockbackend.NewChatHandler(cfg.Mock.APIKey, cfg.Mock.Model)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler)

	// ----- HTTP server -----
	// No WriteTimeout: slow streams are part of what the mock serves.
	srv := &http.Server{
		Addr:              ":" + cfg.Mock.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting mock backend", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
