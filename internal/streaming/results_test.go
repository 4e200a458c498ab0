package streaming_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"runcore/internal/bus"
	"runcore/internal/store"
	"runcore/internal/streaming"
)

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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("RUNCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RUNCORE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := store.OpenPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, store.Migrate(ctx, pool))
	return store.New(pool)
}

// TestStreamResultsSyntheticTerminalEventIsTwoSSEBlocks reproduces spec.md §8
// scenario S2: a client that subscribes after a run has already completed
// must see exactly one synthetic chunk event carrying output_data, followed
// by its own, separate end event.
func TestStreamResultsSyntheticTerminalEventIsTwoSSEBlocks(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)

	ctx := context.Background()
	run, err := s.InsertPending(ctx, store.RunnableAgent, "agent-1", "user-1", nil, uuid.New().String())
	require.NoError(t, err)

	started := time.Now().UTC()
	ok, err := s.Transition(ctx, run.ID, store.StatusPending, store.StatusRunning, store.Patch{StartedAt: &started})
	require.NoError(t, err)
	require.True(t, ok)

	ended := time.Now().UTC()
	output := json.RawMessage(`"hello"`)
	ok, err = s.Transition(ctx, run.ID, store.StatusRunning, store.StatusCompleted, store.Patch{EndedAt: &ended, OutputData: output})
	require.NoError(t, err)
	require.True(t, ok)

	gw := streaming.NewResultGateway(s, b, 0, 0, zerolog.Nop(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(w, r, run.ID)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}

	require.Len(t, dataLines, 2, "expected exactly one chunk event and one end event as separate SSE blocks")

	var chunkEnv struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLines[0]), &chunkEnv))
	require.Equal(t, "chunk", chunkEnv.Kind)
	require.JSONEq(t, `"hello"`, string(chunkEnv.Payload))

	var endEnv struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLines[1]), &endEnv))
	require.Equal(t, "end", endEnv.Kind)
}
