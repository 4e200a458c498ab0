package workerrun_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"runcore/internal/bus"
	"runcore/internal/runnable"
	"runcore/internal/store"
	"runcore/internal/workerrun"
)

type fakeLoader struct {
	cfg runnable.Config
	err error
}

func (f *fakeLoader) Load(ctx context.Context, ref runnable.Ref) (runnable.Config, error) {
	return f.cfg, f.err
}

type scriptedExecutor struct {
	chunks []string
	failAs string
}

func (s *scriptedExecutor) Execute(ctx context.Context, cfg runnable.Config, input json.RawMessage, out chan<- workerrun.Chunk, logs chan<- string) error {
	logs <- "starting execution"
	for _, c := range s.chunks {
		out <- workerrun.Chunk{Payload: json.RawMessage(`"` + c + `"`)}
	}
	if s.failAs != "" {
		return errNamed(s.failAs)
	}
	return nil
}

type errNamed string

func (e errNamed) Error() string { return string(e) }

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	url := os.Getenv("RUNCORE_TEST_NATS_URL")
	if url == "" {
		t.Skip("RUNCORE_TEST_NATS_URL not set")
	}
	b, err := bus.New(url)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func newTestStoreForWorkerrun(t *testing.T) *store.Store {
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

func TestHarnessRunPublishesChunksAndCompletesRun(t *testing.T) {
	s := newTestStoreForWorkerrun(t)
	b := newTestBus(t)

	run, err := s.InsertPending(context.Background(), store.RunnableAgent, "agent-1", "user-1", nil, uuid.New().String())
	require.NoError(t, err)

	started := time.Now().UTC()
	ok, err := s.Transition(context.Background(), run.ID, store.StatusPending, store.StatusRunning, store.Patch{StartedAt: &started})
	require.NoError(t, err)
	require.True(t, ok)

	resultChan := bus.ResultsChannel(run.ID.String())
	logChan := bus.LogsChannel(run.ID.String())

	sub, err := b.Subscribe(context.Background(), resultChan, bus.ChannelResults)
	require.NoError(t, err)
	defer sub.Release()

	h := workerrun.New(s, b, &fakeLoader{cfg: runnable.Config{Ref: runnable.Ref{Kind: runnable.KindAgent, ID: "agent-1"}}},
		&scriptedExecutor{chunks: []string{"he", "llo"}}, nil, zerolog.Nop(), workerrun.Options{
			RunID:         run.ID,
			RunnableKind:  store.RunnableAgent,
			RunnableID:    "agent-1",
			LogChannel:    logChan,
			ResultChannel: resultChan,
		})

	h.Run(context.Background())

	var messages [][]byte
	for len(messages) < 3 {
		select {
		case msg := <-sub.Msgs:
			messages = append(messages, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published messages")
		}
	}

	var first workerrun.ChunkEnvelope
	require.NoError(t, json.Unmarshal(messages[0], &first))
	require.Equal(t, "chunk", first.Kind)

	var last workerrun.EndEnvelope
	require.NoError(t, json.Unmarshal(messages[2], &last))
	require.Equal(t, "end", last.Kind)
	require.Empty(t, last.Error)

	fetched, err := s.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, fetched.Status)
	require.JSONEq(t, `"hello"`, string(fetched.OutputData))
}

func TestHarnessRunFailsRunOnExecutorError(t *testing.T) {
	s := newTestStoreForWorkerrun(t)
	b := newTestBus(t)

	run, err := s.InsertPending(context.Background(), store.RunnableAgent, "agent-1", "user-1", nil, uuid.New().String())
	require.NoError(t, err)

	started := time.Now().UTC()
	ok, err := s.Transition(context.Background(), run.ID, store.StatusPending, store.StatusRunning, store.Patch{StartedAt: &started})
	require.NoError(t, err)
	require.True(t, ok)

	resultChan := bus.ResultsChannel(run.ID.String())
	logChan := bus.LogsChannel(run.ID.String())

	h := workerrun.New(s, b, &fakeLoader{cfg: runnable.Config{Ref: runnable.Ref{Kind: runnable.KindAgent, ID: "agent-1"}}},
		&scriptedExecutor{failAs: "boom"}, nil, zerolog.Nop(), workerrun.Options{
			RunID:         run.ID,
			RunnableKind:  store.RunnableAgent,
			RunnableID:    "agent-1",
			LogChannel:    logChan,
			ResultChannel: resultChan,
		})

	h.Run(context.Background())

	fetched, err := s.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, fetched.Status)
	require.NotNil(t, fetched.ErrorMessage)
	require.Equal(t, "boom", *fetched.ErrorMessage)
}
