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

	"github.com/joho/godotenv"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/httpserver"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/pkg/creditrail"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is optional; deployments set real environment variables.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CREDITRAIL_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "creditrail-gateway",
		Version:     Version,
		Environment: cfg.Logging.Environment,
	})
	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting creditrail gateway")

	app, err := creditrail.NewApp(cfg, creditrail.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble gateway")
	}

	srv := httpserver.New(app.ServerDeps())

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to stop")
	}
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("component shutdown reported errors")
	}

	log.Info().Msg("gateway exited")
}
