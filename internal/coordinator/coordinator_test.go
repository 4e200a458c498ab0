package coordinator_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"runcore/internal/coordinator"
	"runcore/internal/scheduler"
	"runcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("RUNCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RUNCORE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := store.OpenPool(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, pool))

	t.Cleanup(pool.Close)
	return store.New(pool)
}

func TestStartLaunchesWorkerAndTransitionsToRunning(t *testing.T) {
	s := newTestStore(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{
		WorkerImage:       "runcore/worker:test",
		LaunchRetryBudget: time.Second,
	}, zerolog.Nop(), nil)

	run, err := c.Start(context.Background(), coordinator.StartRequest{
		RunnableKind:     store.RunnableAgent,
		RunnableID:       "agent-1",
		RequesterSubject: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, run.Status)
	require.NotNil(t, run.WorkerHandle)
	require.Equal(t, 1, runtime.LaunchCount())
}

func TestStartFailsRunWhenLaunchExhaustsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	runtime := scheduler.NewMemoryRuntime()
	runtime.LaunchErrs = []error{
		&scheduler.TransientError{Err: errors.New("scheduler unavailable")},
		&scheduler.TransientError{Err: errors.New("scheduler unavailable")},
		&scheduler.TransientError{Err: errors.New("scheduler unavailable")},
		&scheduler.TransientError{Err: errors.New("scheduler unavailable")},
		&scheduler.TransientError{Err: errors.New("scheduler unavailable")},
	}
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{
		WorkerImage:       "runcore/worker:test",
		LaunchRetryBudget: 200 * time.Millisecond,
	}, zerolog.Nop(), nil)

	_, err := c.Start(context.Background(), coordinator.StartRequest{
		RunnableKind:     store.RunnableAgent,
		RunnableID:       "agent-1",
		RequesterSubject: "user-1",
	})
	require.Error(t, err)
}

func TestCancelIsIdempotentOnTerminalRun(t *testing.T) {
	s := newTestStore(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{
		WorkerImage:       "runcore/worker:test",
		LaunchRetryBudget: time.Second,
	}, zerolog.Nop(), nil)

	run, err := c.Start(context.Background(), coordinator.StartRequest{
		RunnableKind:     store.RunnableAgent,
		RunnableID:       "agent-1",
		RequesterSubject: "user-1",
	})
	require.NoError(t, err)

	cancelled, err := c.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, cancelled.Status)

	again, err := c.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, again.Status)
}

func TestCancelUnknownRunReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{
		WorkerImage: "runcore/worker:test",
	}, zerolog.Nop(), nil)

	_, err := c.Cancel(context.Background(), uuid.New())
	require.Error(t, err)
}
