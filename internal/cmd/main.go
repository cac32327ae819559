package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	jwtSecret := os.Getenv("AUCTION_JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal().Msg("AUCTION_JWT_SECRET environment variable is required")
	}

	database, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	services, err := setupServices(database, config, jwtSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire services")
	}
	defer services.Close()

	server := setupServer(services)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go services.Heartbeat.Run(ctx)

	if services.Consumer != nil {
		go func() {
			if err := services.Consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("status consumer failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("auction gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop the heartbeat monitor and status consumer
	cancel()

	// Give the consumer time to drain in-flight messages
	time.Sleep(1 * time.Second)

	log.Info().Msg("auction gateway shutdown complete")
}
