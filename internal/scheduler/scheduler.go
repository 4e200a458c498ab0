// Package scheduler implements the Cluster Scheduler Adapter (CSA): a thin,
// idempotent contract over a container-orchestration backend. No business
// logic about runs lives here — only launch/inspect/delete of one-shot
// worker containers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Phase is the coarse-grained lifecycle state CSA reports for a worker.
type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// TransientError signals a launch failure the Run Coordinator should retry
// with backoff (e.g. a momentary scheduler API outage).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("scheduler: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError signals a launch failure that must be surfaced to the
// caller without retry (e.g. an invalid image reference).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("scheduler: permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or something it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err (or something it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ResourceSpec bounds a worker's CPU and memory.
type ResourceSpec struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// WorkerSpec describes the one-shot worker CSA.Launch must create.
type WorkerSpec struct {
	RunID           string
	RequestID       string // idempotency token; the Run Coordinator generates a random one per run, stores it on the run record and reuses it for every launch retry of that run; it is not derived from RunID
	Image           string
	Env             map[string]string
	Resources       ResourceSpec
	Labels          map[string]string
}

// WorkerHandle is the opaque identifier CSA returns from Launch and accepts
// back into Inspect/Delete.
type WorkerHandle string

// Status is the live state of a previously-launched worker.
type Status struct {
	Handle     WorkerHandle
	Phase      Phase
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	// FirstObservedActive is a slot for when this handle was first seen in
	// any non-unknown phase. Neither DockerRuntime nor MemoryRuntime sets it,
	// and the Reaper does not read it: the reaper tracks its
	// reaper_unknown_grace window in its own map.
	FirstObservedActive time.Time
}

// Runtime is the Cluster Scheduler Adapter's contract over the container
// orchestration backend.
type Runtime interface {
	// Launch creates a one-shot worker from spec. Idempotent keyed by
	// spec.RequestID: calling Launch twice with the same RequestID must result
	// in at most one worker.
	Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error)

	// Inspect returns the current status of a previously-launched worker.
	Inspect(ctx context.Context, handle WorkerHandle) (Status, error)

	// Delete idempotently tears down a worker's resources.
	Delete(ctx context.Context, handle WorkerHandle) error

	// List returns every worker this runtime currently manages, labeled as a
	// run executor. The Reaper does not call it; it inspects handles taken
	// from the Run Store.
	List(ctx context.Context) ([]WorkerHandle, error)
}
