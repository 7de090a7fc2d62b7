// Package main is the entry point for the design-to-code refinement
// core: a closed-loop controller that generates code, renders it in a
// live sandbox, screenshots it, scores it against baselines, and
// decides whether to accept, reject, or stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/refineloop/internal/config"
	"github.com/aristath/refineloop/internal/di"
	"github.com/aristath/refineloop/internal/server"
	"github.com/aristath/refineloop/pkg/logger"
)

func main() {
	var storageDirFlag string
	flag.StringVar(&storageDirFlag, "storage-dir", "", "Storage directory path (overrides REFINELOOP_STORAGE_DIR environment variable)")
	flag.Parse()

	cfg, err := config.Load(storageDirFlag)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("Starting refineloop")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	router := server.NewRouter(container.Bus, cfg.DevMode, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
