// cmd/chaos/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"nowver/internal/chaos"
	"nowver/internal/config"
	"nowver/internal/registry"
	"nowver/internal/telemetry"
	"nowver/pkg/eventstore"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
)

type gameDayConfig struct {
	Name       string        `env:"CHAOS_GAME_DAY"    envDefault:"Weekly Chaos Game Day"`
	Cooldown   time.Duration `env:"CHAOS_COOLDOWN"    envDefault:"30s"`
	Tick       time.Duration `env:"CHAOS_TICK"        envDefault:"1s"`
	ReportPath string        `env:"CHAOS_REPORT"`
	Team       []string      `env:"CHAOS_PARTICIPANTS" envSeparator:","`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	var day gameDayConfig
	if err := env.Parse(&day); err != nil {
		log.Fatalf("Failed to load game day config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "nowver-chaos", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	var store registry.EventLog = eventstore.NewMemoryStore()
	if cfg.Store == config.StorePostgres {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		es := eventstore.NewEventStore(db, eventstore.WithTables(cfg.EventsTable, cfg.SnapshotsTable))
		if err := es.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare event store: %v", err)
		}
		store = es
	}

	engine, err := chaos.NewEngine(ctx, store,
		chaos.WithTick(day.Tick),
		chaos.WithCooldown(day.Cooldown),
	)
	if err != nil {
		log.Fatalf("Failed to start chaos engine: %v", err)
	}
	engine.RegisterExperiments()

	gameDay := chaos.GameDay{
		Name:         day.Name,
		Date:         time.Now(),
		Scenarios:    engine.GetExperiments(),
		Participants: day.Team,
	}

	runErr := engine.ExecuteGameDay(ctx, gameDay)

	if day.ReportPath != "" {
		f, err := os.Create(day.ReportPath)
		if err != nil {
			log.Fatalf("Failed to create report: %v", err)
		}
		if err := engine.WriteReport(f); err != nil {
			log.Printf("Failed to write report: %v", err)
		}
		f.Close()
	}

	if runErr != nil {
		log.Fatalf("Chaos Game Day failed: %v", runErr)
	}
}
