// Package config holds the envconfig-tagged configuration structs for every
// runcore binary.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// APIConfig configures cmd/runcore-api: the HTTP control plane process hosting
// the Run Coordinator, the Result/Log Stream Gateways, and the reaper.
type APIConfig struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	NATSURL      string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	RunnableAPIURL string `env:"RUNNABLE_API_URL,required"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3Bucket         string `env:"S3_BUCKET,default=runcore-output"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`

	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`

	WorkerImage            string        `env:"WORKER_IMAGE,default=ghcr.io/runcore/worker:latest"`
	WorkerCPURequest       string        `env:"WORKER_CPU_REQUEST,default=250m"`
	WorkerCPULimit         string        `env:"WORKER_CPU_LIMIT,default=1"`
	WorkerMemoryRequest    string        `env:"WORKER_MEMORY_REQUEST,default=256Mi"`
	WorkerMemoryLimit      string        `env:"WORKER_MEMORY_LIMIT,default=1Gi"`
	DockerNetwork          string        `env:"DOCKER_NETWORK,default=runcore"`
	ResultChannelBuffer    int           `env:"RESULT_CHANNEL_BUFFER,default=1024"`
	ClientSendBuffer       int           `env:"CLIENT_SEND_BUFFER,default=64"`
	LaunchRetryBudget      time.Duration `env:"LAUNCH_RETRY_BUDGET,default=10s"`
	ReaperPeriod           time.Duration `env:"REAPER_PERIOD,default=30s"`
	ReaperUnknownGrace     time.Duration `env:"REAPER_UNKNOWN_GRACE,default=60s"`
	CleanupCompletedAge    time.Duration `env:"CLEANUP_COMPLETED_AGE,default=10m"`
	CleanupSweepPeriod     time.Duration `env:"CLEANUP_SWEEP_PERIOD,default=10m"`
	CleanupKeepPerRun      int           `env:"CLEANUP_KEEP_PER_RUN,default=1"`
	StreamSendTimeout      time.Duration `env:"STREAM_SEND_TIMEOUT,default=30s"`
	LogPollPeriod          time.Duration `env:"LOG_POLL_PERIOD,default=5s"`
	OutputSpillThreshold   int           `env:"OUTPUT_SPILL_THRESHOLD_BYTES,default=67108864"`
	ReaperAdvisoryLockKey  int64         `env:"REAPER_ADVISORY_LOCK_KEY,default=918273645"`
}

// Load returns an APIConfig populated from environment variables.
func Load(ctx context.Context) (APIConfig, error) {
	var cfg APIConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// WorkerConfig configures cmd/runcore-worker: a single one-shot execution of a
// run, populated entirely from the invocation env-var contract (spec.md §6).
type WorkerConfig struct {
	RunID            string `env:"RUN_ID,required"`
	RunnableID       string `env:"RUNNABLE_ID,required"`
	RunnableKind     string `env:"RUNNABLE_KIND,required"`
	InputVariables   string `env:"INPUT_VARIABLES,default={}"`
	LogChannel       string `env:"LOG_CHANNEL,required"`
	ResultChannel    string `env:"RESULT_CHANNEL,required"`
	DBDSN            string `env:"DB_DSN,required"`
	NATSURL          string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	RunnableAPIURL   string `env:"RUNNABLE_API_URL,required"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3Bucket         string `env:"S3_BUCKET,default=runcore-output"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadWorker returns a WorkerConfig populated from environment variables.
func LoadWorker(ctx context.Context) (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// CLIConfig configures cmd/runctl, the operator CLI.
type CLIConfig struct {
	APIBaseURL string `env:"RUNCTL_API_URL,default=http://127.0.0.1:8080"`
	Token      string `env:"RUNCTL_TOKEN"`
}

// LoadCLI returns a CLIConfig populated from environment variables.
func LoadCLI(ctx context.Context) (CLIConfig, error) {
	var cfg CLIConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return CLIConfig{}, err
	}
	return cfg, nil
}
