// Package main provides the simulated pipeline server for casework.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casework/internal/config"
	"casework/internal/sim"
)

const version = "0.1.0"

func main() {
	// Parse flags
	step := flag.Duration("step", 400*time.Millisecond, "pause between agent phase transitions")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Get server port from environment or default
	port := os.Getenv("CASEWORK_SIM_PORT")
	if port == "" {
		port = "8090"
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("casework-sim starting",
		"version", version,
		"port", port,
		"step", *step,
		"auth", cfg.Token != "",
	)

	// Create the simulated pipeline
	srv := sim.New(sim.Config{
		Token:     cfg.Token,
		StepDelay: *step,
		Log:       logger,
	})

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("pipeline API available", "url", "http://localhost:"+port+"/api/v1")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop in-flight pipeline walks, then drain HTTP
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
