// Package coordinator implements the Run Coordinator (RC): accepting start
// requests, scheduling workers via the Cluster Scheduler Adapter, and running
// the orphan-reaping sweep.
package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runcore/internal/apierrors"
	"runcore/internal/runnable"
	"runcore/internal/scheduler"
	"runcore/internal/store"
	"runcore/internal/telemetry"
)

// Options configures a Coordinator.
type Options struct {
	WorkerImage       string
	Resources         scheduler.ResourceSpec
	LaunchRetryBudget time.Duration // bounded wall clock for launch retries, default 10s (spec.md §4.4)
	ResultBuffer      int
}

// Coordinator is the Run Coordinator.
type Coordinator struct {
	store    *store.Store
	runtime  scheduler.Runtime
	resolver runnable.Resolver
	signer   *scheduler.Signer // optional; nil disables manifest signing
	opts     Options
	log      zerolog.Logger
	metrics  *telemetry.Metrics
}

// New builds a Coordinator. signer may be nil to disable launch-manifest
// signing (e.g. in tests against MemoryRuntime).
func New(s *store.Store, runtime scheduler.Runtime, resolver runnable.Resolver, signer *scheduler.Signer, opts Options, log zerolog.Logger, metrics *telemetry.Metrics) *Coordinator {
	if opts.LaunchRetryBudget <= 0 {
		opts.LaunchRetryBudget = 10 * time.Second
	}
	return &Coordinator{
		store:    s,
		runtime:  runtime,
		resolver: resolver,
		signer:   signer,
		opts:     opts,
		log:      log,
		metrics:  metrics,
	}
}

// StartRequest carries the parameters of a Start call.
type StartRequest struct {
	RunnableKind     store.RunnableKind
	RunnableID       string
	RequesterSubject string
	InputVariables   json.RawMessage
}

// Start inserts a pending run, schedules a worker, and transitions it to
// running, per spec.md §4.4. It returns as soon as the run is scheduled; it
// never waits for the worker to finish.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (store.Run, error) {
	if req.RunnableID == "" {
		return store.Run{}, apierrors.Validation("runnable_id is required")
	}
	if req.RunnableKind != store.RunnableAgent && req.RunnableKind != store.RunnableTeam {
		return store.Run{}, apierrors.Validation("runnable_type must be agent or team")
	}

	ref := runnable.Ref{Kind: runnable.Kind(req.RunnableKind), ID: req.RunnableID}
	if c.resolver != nil {
		if err := c.resolver.Resolve(ctx, ref, req.RequesterSubject); err != nil {
			return store.Run{}, apierrors.Wrap(apierrors.KindValidation, "runnable not resolvable", err)
		}
	}

	launchRequestID := uuid.New().String()
	run, err := c.store.InsertPending(ctx, req.RunnableKind, req.RunnableID, req.RequesterSubject, req.InputVariables, launchRequestID)
	if err != nil {
		return store.Run{}, fmt.Errorf("coordinator: insert pending: %w", err)
	}

	spec := c.buildWorkerSpec(run, launchRequestID)

	if c.signer != nil {
		signed, err := c.signer.Sign(spec)
		if err != nil {
			return store.Run{}, fmt.Errorf("coordinator: sign launch manifest: %w", err)
		}
		spec.Env["LAUNCH_MANIFEST"] = base64.StdEncoding.EncodeToString(signed)
	}

	handle, launchErr := c.launchWithRetry(ctx, spec)
	if launchErr != nil {
		msg := launchErr.Error()
		now := time.Now().UTC()
		if _, err := c.store.Transition(ctx, run.ID, store.StatusPending, store.StatusFailed, store.Patch{
			EndedAt: &now, ErrorMessage: &msg,
		}); err != nil {
			c.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to record launch failure")
		}
		if c.metrics != nil {
			c.metrics.LaunchFailures.Inc()
		}
		return store.Run{}, apierrors.Wrap(apierrors.KindPermanentUpstream, "failed to launch worker", launchErr)
	}

	now := time.Now().UTC()
	h := string(handle)
	ok, err := c.store.Transition(ctx, run.ID, store.StatusPending, store.StatusRunning, store.Patch{
		StartedAt: &now, WorkerHandle: &h,
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("coordinator: transition to running: %w", err)
	}
	if !ok {
		// A fast worker (or a racing cancel) already moved the status past
		// pending. The later status wins; re-read and return it as-is.
		c.log.Debug().Str("run_id", run.ID.String()).Msg("run left pending before coordinator could mark it running")
	}

	return c.store.Fetch(ctx, run.ID)
}

// launchWithRetry retries CSA.Launch on TransientError with exponential
// backoff up to opts.LaunchRetryBudget of wall clock, per spec.md §4.4.
func (c *Coordinator) launchWithRetry(ctx context.Context, spec scheduler.WorkerSpec) (scheduler.WorkerHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LaunchRetryBudget)
	defer cancel()

	op := func() (scheduler.WorkerHandle, error) {
		handle, err := c.runtime.Launch(ctx, spec)
		if err != nil {
			if scheduler.IsPermanent(err) {
				return "", backoff.Permanent(err)
			}
			if c.metrics != nil {
				c.metrics.LaunchRetries.Inc()
			}
			return "", err
		}
		return handle, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.opts.LaunchRetryBudget),
	)
}

func (c *Coordinator) buildWorkerSpec(run store.Run, launchRequestID string) scheduler.WorkerSpec {
	env := map[string]string{
		"RUN_ID":          run.ID.String(),
		"RUNNABLE_ID":     run.RunnableID,
		"RUNNABLE_KIND":   string(run.RunnableKind),
		"INPUT_VARIABLES": string(run.InputVariables),
		"LOG_CHANNEL":     "run_logs:" + run.ID.String(),
		"RESULT_CHANNEL":  "run_results:" + run.ID.String(),
	}

	return scheduler.WorkerSpec{
		RunID:     run.ID.String(),
		RequestID: launchRequestID,
		Image:     c.opts.WorkerImage,
		Env:       env,
		Resources: c.opts.Resources,
		Labels:    map[string]string{"runcore.run-id": run.ID.String()},
	}
}

// Cancel attempts to move a run to cancelled and tear down its worker. A
// cancellation of an already-terminal run is a no-op that returns the
// current record (SPEC_FULL.md §13), not an error.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (store.Run, error) {
	run, err := c.store.Fetch(ctx, id)
	if err != nil {
		return store.Run{}, err
	}

	if run.Status.Terminal() {
		return run, nil
	}

	now := time.Now().UTC()
	msg := "cancelled"
	ok, err := c.store.Transition(ctx, id, run.Status, store.StatusCancelled, store.Patch{
		EndedAt: &now, ErrorMessage: &msg,
	})
	if err != nil {
		return store.Run{}, fmt.Errorf("coordinator: cancel transition: %w", err)
	}

	if !ok {
		// Lost the race (e.g. the worker finished first); return whatever the
		// run actually ended up as.
		return c.store.Fetch(ctx, id)
	}

	if run.WorkerHandle != nil && *run.WorkerHandle != "" {
		if err := c.runtime.Delete(ctx, scheduler.WorkerHandle(*run.WorkerHandle)); err != nil {
			c.log.Warn().Err(err).Str("run_id", id.String()).Msg("failed to delete worker on cancel")
		}
	}

	return c.store.Fetch(ctx, id)
}
