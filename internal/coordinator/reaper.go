package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runcore/internal/scheduler"
	"runcore/internal/store"
	"runcore/internal/telemetry"
)

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	Period          time.Duration // sweep interval, default 30s (spec.md §6 reaper_period)
	UnknownGrace    time.Duration // grace before a vanished worker is failed, default 60s
	AdvisoryLockKey int64
}

// Reaper periodically reconciles run records against live worker state and
// fails runs whose worker vanished or exited without the worker itself
// recording a terminal transition. Only one Reaper across the fleet performs
// sweeps at a time, elected via a Postgres advisory lock (SPEC_FULL.md §12),
// grounded on the Ruriko runtime reconciler's reconcile-loop shape.
type Reaper struct {
	store   *store.Store
	runtime scheduler.Runtime
	opts    ReaperOptions
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu               sync.Mutex
	firstUnknownSeen map[string]time.Time
}

// NewReaper builds a Reaper.
func NewReaper(s *store.Store, runtime scheduler.Runtime, opts ReaperOptions, log zerolog.Logger, metrics *telemetry.Metrics) *Reaper {
	if opts.Period <= 0 {
		opts.Period = 30 * time.Second
	}
	if opts.UnknownGrace <= 0 {
		opts.UnknownGrace = 60 * time.Second
	}
	if opts.AdvisoryLockKey == 0 {
		opts.AdvisoryLockKey = 918273645
	}
	return &Reaper{
		store:            s,
		runtime:          runtime,
		opts:             opts,
		log:              log,
		metrics:          metrics,
		firstUnknownSeen: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, sweeping on opts.Period whenever this
// process holds the advisory lock. It retries lock acquisition on the same
// ticker if another instance is currently the elected reaper.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tryElectedSweep(ctx)
		}
	}
}

func (r *Reaper) tryElectedSweep(ctx context.Context) {
	conn, acquired, err := r.store.TryAdvisoryLock(ctx, r.opts.AdvisoryLockKey)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: advisory lock attempt failed")
		return
	}
	if !acquired {
		return
	}
	defer store.ReleaseAdvisoryLock(ctx, conn, r.opts.AdvisoryLockKey)

	if err := r.reapOnce(ctx); err != nil {
		r.log.Error().Err(err).Msg("reaper: sweep failed")
	}
}

// reapOnce runs a single sweep over every active run, failing those whose
// worker has disappeared or exited abnormally without a recorded terminal
// transition.
func (r *Reaper) reapOnce(ctx context.Context) error {
	runs, err := r.store.ListActive(ctx)
	if err != nil {
		return err
	}

	seenThisSweep := make(map[string]bool, len(runs))

	for _, run := range runs {
		if run.WorkerHandle == nil || *run.WorkerHandle == "" {
			// Still pending launch; the coordinator, not the reaper, owns it.
			continue
		}
		handle := scheduler.WorkerHandle(*run.WorkerHandle)
		seenThisSweep[*run.WorkerHandle] = true

		status, err := r.runtime.Inspect(ctx, handle)
		if err != nil {
			r.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("reaper: inspect failed")
			continue
		}

		switch status.Phase {
		case scheduler.PhaseActive:
			r.clearUnknown(*run.WorkerHandle)
		case scheduler.PhaseSucceeded, scheduler.PhaseFailed:
			// The worker itself is expected to record its own terminal
			// transition; if it hasn't after being observed done, something
			// crashed between exit and reporting. Give it one more sweep
			// before failing it out from under a possibly-still-reporting
			// worker.
			if r.unknownFor(*run.WorkerHandle) >= r.opts.Period {
				r.failOrphan(ctx, run, "worker exited without reporting a terminal result")
			} else {
				r.markUnknown(*run.WorkerHandle)
			}
		case scheduler.PhaseUnknown:
			if r.unknownFor(*run.WorkerHandle) >= r.opts.UnknownGrace {
				r.failOrphan(ctx, run, "worker handle no longer exists")
			} else {
				r.markUnknown(*run.WorkerHandle)
			}
		}
	}

	r.pruneUnseen(seenThisSweep)
	return nil
}

func (r *Reaper) failOrphan(ctx context.Context, run store.Run, reason string) {
	now := time.Now().UTC()
	ok, err := r.store.Transition(ctx, run.ID, run.Status, store.StatusFailed, store.Patch{
		EndedAt:      &now,
		ErrorMessage: &reason,
	})
	if err != nil {
		r.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("reaper: failed to transition orphaned run")
		return
	}
	if ok {
		r.log.Warn().Str("run_id", run.ID.String()).Str("reason", reason).Msg("reaper: reaped orphaned run")
		if r.metrics != nil {
			r.metrics.ReapedRuns.Inc()
		}
		if run.WorkerHandle != nil {
			r.clearUnknown(*run.WorkerHandle)
			_ = r.runtime.Delete(ctx, scheduler.WorkerHandle(*run.WorkerHandle))
		}
	}
}

func (r *Reaper) markUnknown(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.firstUnknownSeen[handle]; !ok {
		r.firstUnknownSeen[handle] = time.Now()
	}
}

func (r *Reaper) unknownFor(handle string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.firstUnknownSeen[handle]
	if !ok {
		return 0
	}
	return time.Since(since)
}

func (r *Reaper) clearUnknown(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.firstUnknownSeen, handle)
}

// pruneUnseen drops tracking entries for handles no longer returned by
// ListActive, so the map doesn't grow unbounded across long-running
// processes.
func (r *Reaper) pruneUnseen(seen map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle := range r.firstUnknownSeen {
		if !seen[handle] {
			delete(r.firstUnknownSeen, handle)
		}
	}
}
