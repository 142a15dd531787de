package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/fwsentry/ufw-abuse-reporter/internal/config"
	"github.com/fwsentry/ufw-abuse-reporter/internal/observability"
	"github.com/fwsentry/ufw-abuse-reporter/internal/service"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Str("log_file", cfg.UFWLogFile).
		Msg("Starting UFW abuse reporter")

	// Initialize tracer (if enabled)
	shutdown, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "ufw-abuse-reporter",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdown(context.Background())
	}

	// Create reporter service
	reporterSvc, err := service.NewReporterService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reporter service")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start reporter service
	errChan := make(chan error, 1)
	go func() {
		if err := reporterSvc.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Reporter service error")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down gracefully...")
	cancel()

	if err := reporterSvc.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Reporter service stopped")
}
