package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"runcore/internal/coordinator"
	"runcore/internal/scheduler"
	"runcore/internal/store"
)

func TestReaperFailsRunWhoseWorkerVanished(t *testing.T) {
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
	require.NotNil(t, run.WorkerHandle)

	runtime.MakeUnknown(scheduler.WorkerHandle(*run.WorkerHandle))

	reaper := coordinator.NewReaper(s, runtime, coordinator.ReaperOptions{
		Period:          10 * time.Millisecond,
		UnknownGrace:    20 * time.Millisecond,
		AdvisoryLockKey: 918273645 + int64(time.Now().Nanosecond()%1000),
	}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go reaper.Run(ctx)

	require.Eventually(t, func() bool {
		fetched, err := s.Fetch(context.Background(), run.ID)
		if err != nil {
			return false
		}
		return fetched.Status == store.StatusFailed
	}, 900*time.Millisecond, 10*time.Millisecond)
}

func TestReaperLeavesActiveWorkersAlone(t *testing.T) {
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

	reaper := coordinator.NewReaper(s, runtime, coordinator.ReaperOptions{
		Period:          10 * time.Millisecond,
		UnknownGrace:    50 * time.Millisecond,
		AdvisoryLockKey: 918273645 + int64(time.Now().Nanosecond()%1000) + 1,
	}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	reaper.Run(ctx)

	fetched, err := s.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, fetched.Status)
}
