// Command runcore-worker is the Worker Runtime (WR): the one-shot process a
// scheduled container runs to execute a single run end to end, per
// spec.md §4.5.
package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"runcore/internal/bus"
	"runcore/internal/config"
	"runcore/internal/objstore"
	"runcore/internal/runnable"
	"runcore/internal/store"
	"runcore/internal/telemetry"
	"runcore/internal/workerrun"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	logger := telemetry.NewLogger("runcore-worker")
	log.Logger = logger

	cfg, err := config.LoadWorker(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load worker config")
	}

	shutdownTracing, _, err := telemetry.Init(ctx, "runcore-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	runID, err := uuid.Parse(cfg.RunID)
	if err != nil {
		log.Fatal().Err(err).Str("run_id", cfg.RunID).Msg("invalid RUN_ID")
	}

	// Schema migrations are owned by runcore-api; the worker only ever reads
	// and writes rows in a schema the API has already created.
	pool, err := store.OpenPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database pool")
	}
	defer pool.Close()
	runStore := store.New(pool)

	msgBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect message bus")
	}
	defer msgBus.Close()

	var objClient *objstore.Client
	if cfg.S3Endpoint != "" {
		objClient, err = objstore.NewClient(ctx, objstore.Config{
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			ForcePathStyle: cfg.S3ForcePathStyle,
			DisableTLS:     cfg.S3DisableTLS,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init object store client")
		}
	}

	loader := runnable.NewHTTPConfigLoader(cfg.RunnableAPIURL)
	executor := workerrun.NewHTTPExecutor(cfg.RunnableAPIURL)

	harness := workerrun.New(runStore, msgBus, loader, executor, objClient, logger, workerrun.Options{
		RunID:          runID,
		RunnableKind:   store.RunnableKind(cfg.RunnableKind),
		RunnableID:     cfg.RunnableID,
		InputVariables: json.RawMessage(cfg.InputVariables),
		LogChannel:     cfg.LogChannel,
		ResultChannel:  cfg.ResultChannel,
	})

	harness.Run(ctx)
}
