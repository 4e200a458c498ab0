// Command runcore-api hosts the Run Coordinator, the reaper, and the HTTP
// control plane: run submission, lookup, cancellation, and the result/log
// stream gateways.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"runcore/internal/bus"
	"runcore/internal/config"
	"runcore/internal/coordinator"
	"runcore/internal/httpapi"
	"runcore/internal/objstore"
	"runcore/internal/runnable"
	"runcore/internal/scheduler"
	"runcore/internal/store"
	"runcore/internal/streaming"
	"runcore/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	logger := telemetry.NewLogger("runcore-api")
	log.Logger = logger

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTracing, otelMiddleware, err := telemetry.Init(ctx, "runcore-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	pool, err := store.OpenPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database pool")
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	runStore := store.New(pool)

	msgBus, err := bus.New(cfg.NATSURL,
		bus.WithBufferSize(cfg.ResultChannelBuffer),
		bus.WithDropCounter(metrics.BusDrops),
		bus.WithBufferDepthGauge(metrics.BusBufferDepth),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("connect message bus")
	}
	defer msgBus.Close()

	dockerRuntime, err := scheduler.NewDockerRuntime(cfg.DockerNetwork)
	if err != nil {
		log.Fatal().Err(err).Msg("init docker runtime")
	}
	if err := dockerRuntime.EnsureNetwork(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure docker network")
	}

	var signer *scheduler.Signer
	if cfg.AgeSecretKey != "" || cfg.AgePublicKey != "" {
		signer, err = scheduler.NewSignerFromEnv(cfg.AgeSecretKey, cfg.AgePublicKey)
		if err != nil {
			log.Fatal().Err(err).Msg("init manifest signer")
		}
	}

	if cfg.S3Endpoint != "" {
		// Constructed here only to fail fast on misconfiguration; the API
		// process itself has no use for it today. WR owns the output-spill
		// path and builds its own client from WorkerConfig.
		if _, err := objstore.NewClient(ctx, objstore.Config{
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			ForcePathStyle: cfg.S3ForcePathStyle,
			DisableTLS:     cfg.S3DisableTLS,
		}); err != nil {
			log.Fatal().Err(err).Msg("init object store client")
		}
	}

	resolver := runnable.NewHTTPResolver(cfg.RunnableAPIURL)

	coord := coordinator.New(runStore, dockerRuntime, resolver, signer, coordinator.Options{
		WorkerImage: cfg.WorkerImage,
		Resources: scheduler.ResourceSpec{
			CPURequest:    cfg.WorkerCPURequest,
			CPULimit:      cfg.WorkerCPULimit,
			MemoryRequest: cfg.WorkerMemoryRequest,
			MemoryLimit:   cfg.WorkerMemoryLimit,
		},
		LaunchRetryBudget: cfg.LaunchRetryBudget,
	}, logger, metrics)

	reaper := coordinator.NewReaper(runStore, dockerRuntime, coordinator.ReaperOptions{
		Period:          cfg.ReaperPeriod,
		UnknownGrace:    cfg.ReaperUnknownGrace,
		AdvisoryLockKey: cfg.ReaperAdvisoryLockKey,
	}, logger, metrics)
	go reaper.Run(ctx)

	resultGateway := streaming.NewResultGateway(runStore, msgBus, cfg.StreamSendTimeout, cfg.ClientSendBuffer, logger, metrics)
	logGateway := streaming.NewLogGateway(runStore, msgBus, cfg.LogPollPeriod, cfg.ClientSendBuffer, logger, metrics)

	router := httpapi.Router(httpapi.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Coordinator:    coord,
		Store:          runStore,
		ResultGateway:  resultGateway,
		LogGateway:     logGateway,
		Log:            logger,
	})

	var handler http.Handler = router
	if otelMiddleware != nil {
		handler = otelMiddleware(handler)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting runcore-api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
