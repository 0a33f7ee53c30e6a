// cmd/registry/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"nowver/internal/config"
	"nowver/internal/registry"
	"nowver/internal/telemetry"
	"nowver/pkg/eventstore"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	es, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	defer closeStore()

	svc, err := registry.NewService(ctx, es, registry.ServiceConfig{
		Name:          cfg.RegistryName,
		SnapshotEvery: cfg.SnapshotEvery,
	})
	if err != nil {
		log.Fatalf("Failed to load registry %q: %v", cfg.RegistryName, err)
	}
	deploy(ctx, svc, cfg)

	var limiter *rate.Limiter
	if cfg.WriteRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WriteRate), cfg.WriteBurst)
	}
	handler := registry.NewHandler(svc, limiter)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: handler.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	fmt.Printf("🚀 Starting Registry Service %q on port %s\n", cfg.RegistryName, cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (registry.EventLog, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Printf("Using in-memory event store; state is lost on exit")
		return eventstore.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	es := eventstore.NewEventStore(db, eventstore.WithTables(cfg.EventsTable, cfg.SnapshotsTable))
	if err := es.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return es, func() { db.Close() }, nil
}

// deploy opens the registry stream on first start. A stream that already
// exists is left as it is.
func deploy(ctx context.Context, svc registry.Service, cfg config.Config) {
	snap, version, err := svc.Snapshot(ctx)
	if err == nil {
		log.Printf("registry %q not deployed, already exists at version %d owned by %s", cfg.RegistryName, version, snap.Owner)
		return
	}
	if !errors.Is(err, registry.ErrNotDeployed) {
		log.Fatalf("Failed to read registry: %v", err)
	}

	if cfg.Owner.IsZero() {
		log.Fatalf("registry %q is not deployed and NOWVER_OWNER is not set", cfg.RegistryName)
	}
	log.Printf("Deploying registry %q from deployer %s", cfg.RegistryName, cfg.Owner)
	if err := svc.Deploy(ctx, cfg.Owner, cfg.MetadataBaseURI); err != nil {
		if errors.Is(err, registry.ErrAlreadyDeployed) {
			log.Printf("registry %q deployed concurrently by another instance", cfg.RegistryName)
			return
		}
		log.Fatalf("Failed to deploy registry: %v", err)
	}
	log.Printf("registry %q deployed with metadata base URI %s", cfg.RegistryName, cfg.MetadataBaseURI)
}
