// The worker binary is spawned by the pool manager. It reads work
// requests from stdin, executes them and writes results to stdout, one
// JSON object per line. EOF on stdin is the drain signal.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/config"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/infra"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/textindex"
	"github.com/bifrost/backend/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Stdout carries results; logs go to stderr.
	log.SetOutput(os.Stderr)

	db, err := textindex.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	store := entity.NewPostgresStore(db)

	var blobs blobstore.Store
	if cfg.Storage.URL != "" {
		blobs = blobstore.NewSupabase(cfg.Storage.URL, cfg.Storage.ServiceKey, cfg.Storage.Bucket)
	} else {
		blobs = blobstore.NewMemory()
	}

	redisAdapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisAdapter.Close()

	contexts := execctx.NewStore(redisAdapter)
	loader := modcache.NewLoader(modcache.NewCache(), blobs)

	runtimeCommand := cfg.Worker.RuntimeCommand
	if len(runtimeCommand) == 0 {
		runtimeCommand = []string{"python3", "-"}
	}
	runtime, err := worker.NewSubprocessRuntime(runtimeCommand)
	if err != nil {
		log.Fatalf("Failed to build runtime: %v", err)
	}

	w := worker.New(contexts, store, loader, runtime)
	log.Printf("Worker %d ready", os.Getpid())
	if err := w.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Worker loop failed: %v", err)
	}
}
