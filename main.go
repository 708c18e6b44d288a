package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftlock/conductor/internal/agent"
	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/config"
	"github.com/driftlock/conductor/internal/lease"
	"github.com/driftlock/conductor/internal/policy"
	"github.com/driftlock/conductor/internal/service"
	"github.com/driftlock/conductor/internal/store"
	"github.com/driftlock/conductor/internal/stream"
	"github.com/driftlock/conductor/internal/transcript"
	handler "github.com/driftlock/conductor/internal/transport/http"
	"github.com/driftlock/conductor/internal/ttlkv"
	"github.com/driftlock/conductor/internal/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting conductor...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Agent URL: %s", cfg.AgentURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize lease and cancel-flag storage
	kv := ttlkv.NewMemory(ttlkv.DefaultCleanupInterval)
	leases := lease.NewManager(kv)
	cancels := lease.NewCancelSignals(kv)

	// Initialize agent client
	agentClient := agent.NewClient(cfg.AgentURL)

	// Initialize transcript mirror
	mirror := transcript.NewClient(cfg.TranscriptURL)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize live bus, turn processing, and streaming
	b := bus.New()
	proc := worker.NewProcessor(db, b, cancels, agentClient, mirror, policyEngine, cfg)
	runner := worker.NewRunner(proc, leases, db, cfg)
	streams := stream.NewCoordinator(db, b, stream.Options{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// Initialize service
	svc := service.New(db, b, cancels, runner, streams, cfg)

	// Create HTTP server
	server := handler.NewServer(svc)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down conductor...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Conductor stopped")
}
