// Package store implements the Run Store: durable, compare-and-set
// persistence of run records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runcore/internal/apierrors"
)

// Status is one of the five states in the run status graph.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RunnableKind distinguishes a single agent from a team, without the store
// ever needing to know anything about either's internal shape.
type RunnableKind string

const (
	RunnableAgent RunnableKind = "agent"
	RunnableTeam  RunnableKind = "team"
)

// Run is one record per execution attempt, as defined in spec.md §3.
type Run struct {
	ID                uuid.UUID       `db:"id"`
	RunnableKind      RunnableKind    `db:"runnable_kind"`
	RunnableID        string          `db:"runnable_id"`
	Status            Status          `db:"status"`
	RequesterSubject  string          `db:"requester_subject"`
	LaunchRequestID   string          `db:"launch_request_id"`
	InputVariables    json.RawMessage `db:"input_variables"`
	OutputData        json.RawMessage `db:"output_data"`
	ErrorMessage      *string         `db:"error_message"`
	WorkerHandle      *string         `db:"worker_handle"`
	SubmittedAt       time.Time       `db:"submitted_at"`
	StartedAt         *time.Time      `db:"started_at"`
	EndedAt           *time.Time      `db:"ended_at"`
}

// Patch carries the fields a transition may set. Nil fields leave the
// stored column untouched; a Patch cannot clear a column back to NULL.
type Patch struct {
	StartedAt    *time.Time
	EndedAt      *time.Time
	WorkerHandle *string
	OutputData   json.RawMessage
	ErrorMessage *string
}

// Store is the Run Store: durable, transactional persistence of run records
// backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pool in a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertPending writes a new record with status=pending, submitted_at=now.
func (s *Store) InsertPending(ctx context.Context, kind RunnableKind, runnableID, requesterSubject string, inputVariables json.RawMessage, launchRequestID string) (Run, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if inputVariables == nil {
		inputVariables = json.RawMessage(`{}`)
	}

	run := Run{
		ID:               uuid.New(),
		RunnableKind:     kind,
		RunnableID:       runnableID,
		Status:           StatusPending,
		RequesterSubject: requesterSubject,
		LaunchRequestID:  launchRequestID,
		InputVariables:   inputVariables,
		SubmittedAt:      time.Now().UTC(),
	}

	const q = `
		INSERT INTO runs (id, runnable_kind, runnable_id, status, requester_subject,
			launch_request_id, input_variables, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q, run.ID, run.RunnableKind, run.RunnableID, run.Status,
		run.RequesterSubject, run.LaunchRequestID, []byte(run.InputVariables), run.SubmittedAt)
	if err != nil {
		return Run{}, fmt.Errorf("store: insert pending: %w", err)
	}

	return run, nil
}

// Transition performs a compare-and-set: the record is mutated only if its
// current status equals expected. Returns whether the transition occurred.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, expected, next Status, patch Patch) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	const q = `
		UPDATE runs SET
			status = $1,
			started_at = COALESCE($2, started_at),
			ended_at = COALESCE($3, ended_at),
			worker_handle = COALESCE($4, worker_handle),
			output_data = COALESCE($5, output_data),
			error_message = COALESCE($6, error_message)
		WHERE id = $7 AND status = $8`

	var outputData any
	if patch.OutputData != nil {
		outputData = []byte(patch.OutputData)
	}

	tag, err := s.pool.Exec(ctx, q, next, patch.StartedAt, patch.EndedAt, patch.WorkerHandle,
		outputData, patch.ErrorMessage, id, expected)
	if err != nil {
		return false, fmt.Errorf("store: transition %s: %w", id, err)
	}

	return tag.RowsAffected() == 1, nil
}

// Fetch retrieves a single run by id.
func (s *Store) Fetch(ctx context.Context, id uuid.UUID) (Run, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var run Run
	const q = `SELECT id, runnable_kind, runnable_id, status, requester_subject,
		launch_request_id, input_variables, output_data, error_message,
		worker_handle, submitted_at, started_at, ended_at
		FROM runs WHERE id = $1`

	if err := pgxscan.Get(ctx, s.pool, &run, q, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, apierrors.NotFound("run %s not found", id)
		}
		return Run{}, fmt.Errorf("store: fetch %s: %w", id, err)
	}

	return run, nil
}

// ListActive yields every record with a non-terminal status, for the reaper.
func (s *Store) ListActive(ctx context.Context) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var runs []Run
	const q = `SELECT id, runnable_kind, runnable_id, status, requester_subject,
		launch_request_id, input_variables, output_data, error_message,
		worker_handle, submitted_at, started_at, ended_at
		FROM runs WHERE status IN ('pending', 'running') ORDER BY submitted_at ASC`

	if err := pgxscan.Select(ctx, s.pool, &runs, q); err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}

	return runs, nil
}

// ListFilter narrows ListRuns to the caller's own runs and, optionally, a
// runnable id and/or status (spec.md §6's "filterable by runnable_id, status",
// supplemented with requester scoping per SPEC_FULL.md §13).
type ListFilter struct {
	RequesterSubject string
	RunnableID       string
	Status           Status
}

// ListRuns returns runs matching filter, most recently submitted first.
func (s *Store) ListRuns(ctx context.Context, filter ListFilter) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	q := `SELECT id, runnable_kind, runnable_id, status, requester_subject,
		launch_request_id, input_variables, output_data, error_message,
		worker_handle, submitted_at, started_at, ended_at
		FROM runs WHERE requester_subject = $1`
	args := []any{filter.RequesterSubject}

	if filter.RunnableID != "" {
		args = append(args, filter.RunnableID)
		q += fmt.Sprintf(" AND runnable_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY submitted_at DESC"

	var runs []Run
	if err := pgxscan.Select(ctx, s.pool, &runs, q, args...); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}

	return runs, nil
}

// TryAdvisoryLock attempts to acquire a session-scoped Postgres advisory lock
// on key, on a dedicated connection held for the lifetime of the lock. It
// grounds the single-writer reaper election described in SPEC_FULL.md §12:
// returns (nil, false, nil) if the lock is already held elsewhere.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (*pgxpool.Conn, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: acquire advisory lock conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("store: pg_try_advisory_lock: %w", err)
	}

	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return conn, true, nil
}

// ReleaseAdvisoryLock releases a lock acquired by TryAdvisoryLock and returns
// the connection to the pool.
func ReleaseAdvisoryLock(ctx context.Context, conn *pgxpool.Conn, key int64) {
	if conn == nil {
		return
	}
	_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
	conn.Release()
}
