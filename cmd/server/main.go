package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/avatar-bridge/internal/bot"
	"github.com/chadiek/avatar-bridge/internal/config"
	"github.com/chadiek/avatar-bridge/internal/httpserver"
	"github.com/chadiek/avatar-bridge/internal/observability"
	"github.com/chadiek/avatar-bridge/internal/session"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	registry := session.NewRegistry()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	coordinator := session.NewCoordinator(registry, metrics)
	runner := bot.NewRunner(cfg, registry, metrics)
	srv := httpserver.New(cfg, registry, coordinator, runner, metrics)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close every open session before stopping the listener so remote
	// conversations are ended rather than orphaned.
	coordinator.Drain(ctx)

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
