package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a Store against RUNCORE_TEST_DATABASE_URL and migrates
// it. Skipped when the variable is unset so `go test ./...` stays hermetic by
// default; set it in CI to exercise the real compare-and-set path against
// Postgres.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RUNCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RUNCORE_TEST_DATABASE_URL not set; skipping store integration test")
	}

	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return New(pool)
}

func TestInsertPendingThenTransitionToRunningToCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.InsertPending(ctx, RunnableAgent, "agent-1", "user-1", json.RawMessage(`{"message":"hi"}`), "req-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, run.Status)
	require.False(t, run.SubmittedAt.IsZero())

	now := time.Now().UTC()
	handle := "worker-abc"
	ok, err := s.Transition(ctx, run.ID, StatusPending, StatusRunning, Patch{StartedAt: &now, WorkerHandle: &handle})
	require.NoError(t, err)
	require.True(t, ok)

	fetched, err := s.Fetch(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, fetched.Status)
	require.NotNil(t, fetched.StartedAt)
	require.Equal(t, handle, *fetched.WorkerHandle)

	ended := time.Now().UTC()
	output := json.RawMessage(`"hello"`)
	ok, err = s.Transition(ctx, run.ID, StatusRunning, StatusCompleted, Patch{EndedAt: &ended, OutputData: output})
	require.NoError(t, err)
	require.True(t, ok)

	fetched, err = s.Fetch(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, fetched.Status)
	require.JSONEq(t, `"hello"`, string(fetched.OutputData))
	require.Nil(t, fetched.ErrorMessage)
}

func TestTransitionRejectsStaleExpectedStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.InsertPending(ctx, RunnableTeam, "team-1", "user-1", nil, "req-2")
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := s.Transition(ctx, run.ID, StatusPending, StatusRunning, Patch{StartedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	// A second writer racing on the same expected status loses: the run has
	// already moved past "pending".
	ok, err = s.Transition(ctx, run.ID, StatusPending, StatusFailed, Patch{EndedAt: &now})
	require.NoError(t, err)
	require.False(t, ok)

	fetched, err := s.Fetch(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, fetched.Status)
}

func TestListActiveExcludesTerminalRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.InsertPending(ctx, RunnableAgent, "agent-2", "user-2", nil, "req-3")
	require.NoError(t, err)

	terminal, err := s.InsertPending(ctx, RunnableAgent, "agent-3", "user-2", nil, "req-4")
	require.NoError(t, err)
	now := time.Now().UTC()
	msg := "cancelled"
	ok, err := s.Transition(ctx, terminal.ID, StatusPending, StatusCancelled, Patch{EndedAt: &now, ErrorMessage: &msg})
	require.NoError(t, err)
	require.True(t, ok)

	runs, err := s.ListActive(ctx)
	require.NoError(t, err)

	var sawActive, sawTerminal bool
	for _, r := range runs {
		if r.ID == active.ID {
			sawActive = true
		}
		if r.ID == terminal.ID {
			sawTerminal = true
		}
	}
	require.True(t, sawActive)
	require.False(t, sawTerminal)
}
