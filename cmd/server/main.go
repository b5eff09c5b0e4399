package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bifrost/backend/internal/api"
	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/bus"
	"github.com/bifrost/backend/internal/config"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/guard"
	"github.com/bifrost/backend/internal/infra"
	"github.com/bifrost/backend/internal/ingest"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/pool"
	"github.com/bifrost/backend/internal/reindex"
	"github.com/bifrost/backend/internal/stream"
	"github.com/bifrost/backend/internal/textindex"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	orgID := flag.String("org", "default", "organization scope for the entity tier")
	flag.Parse()

	// .env is optional; deployment environments inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Storage tiers ----

	db, err := textindex.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	texts := textindex.NewPostgres(db)
	store := entity.NewPostgresStore(db)

	var blobs blobstore.Store
	if cfg.Storage.URL != "" {
		blobs = blobstore.NewSupabase(cfg.Storage.URL, cfg.Storage.ServiceKey, cfg.Storage.Bucket)
	} else {
		log.Printf("No storage URL configured, using in-memory blob store")
		blobs = blobstore.NewMemory()
	}

	redisAdapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisAdapter.Close()

	// ---- Core services ----

	modules := modcache.NewCache()
	indexer := entity.NewIndexer(store, *orgID)
	g := guard.NewGuard(store)
	pipeline := ingest.NewPipeline(blobs, texts, modules, indexer, g)

	eventBus := bus.NewRedisBus(redisAdapter, "")
	contexts := execctx.NewStore(redisAdapter)

	// Default to the worker binary built next to this one.
	workerCommand := cfg.Worker.Command
	if len(workerCommand) == 0 {
		self, err := os.Executable()
		if err != nil {
			log.Fatalf("Failed to resolve executable path: %v", err)
		}
		workerCommand = []string{filepath.Join(filepath.Dir(self), "bifrost-worker")}
	}
	backend, err := pool.NewExecBackend(workerCommand)
	if err != nil {
		log.Fatalf("Failed to build pool backend: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := pool.NewMetrics(registry)
	recorder := pool.NewResultRecorder(contexts, store, eventBus)
	manager := pool.NewManager(cfg.Pool, backend, contexts, eventBus, redisAdapter, metrics, recorder)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start pool: %v", err)
	}

	reindexer := reindex.New(blobs, texts, store, indexer)
	if cfg.Reindex.IntervalMinutes > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Reindex.IntervalMinutes) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := reindexer.Run(ctx); err != nil {
						log.Printf("Periodic reindex failed: %v", err)
					}
				}
			}
		}()
	}

	streamer := stream.NewStreamer()
	if err := streamer.Attach(ctx, eventBus); err != nil {
		log.Fatalf("Failed to attach streamer: %v", err)
	}
	go streamer.Run(ctx)

	server := api.NewServer(pipeline, manager, reindexer, blobs, eventBus, streamer, registry)

	// ---- Graceful shutdown ----

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	log.Printf("Bifrost server starting on port %s (pool %s)", cfg.Server.Port, manager.PoolID())
	if err := server.ListenAndServe(ctx, cfg.Server.Port, 30*time.Second); err != nil {
		log.Printf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	streamer.Close()
	log.Println("Server stopped")
}
