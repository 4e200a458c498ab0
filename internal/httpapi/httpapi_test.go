package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"runcore/internal/bus"
	"runcore/internal/coordinator"
	"runcore/internal/httpapi"
	"runcore/internal/scheduler"
	"runcore/internal/store"
	"runcore/internal/streaming"
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

func TestStartRunAndGetRun(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{
		WorkerImage:       "runcore/worker:test",
		LaunchRetryBudget: time.Second,
	}, zerolog.Nop(), nil)

	rg := streaming.NewResultGateway(s, b, 5*time.Second, 64, zerolog.Nop(), nil)
	lg := streaming.NewLogGateway(s, b, time.Second, 64, zerolog.Nop(), nil)

	router := httpapi.Router(httpapi.RouterOptions{
		Coordinator:   c,
		Store:         s,
		ResultGateway: rg,
		LogGateway:    lg,
		Log:           zerolog.Nop(),
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	body := strings.NewReader(`{"runnable_id":"agent-1","runnable_type":"agent","input_variables":{"message":"hi"}}`)
	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	getResp, err := http.Get(srv.URL + "/api/v1/runs/" + id)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetRunUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{WorkerImage: "runcore/worker:test"}, zerolog.Nop(), nil)
	rg := streaming.NewResultGateway(s, b, 5*time.Second, 64, zerolog.Nop(), nil)
	lg := streaming.NewLogGateway(s, b, time.Second, 64, zerolog.Nop(), nil)

	router := httpapi.Router(httpapi.RouterOptions{
		Coordinator: c, Store: s, ResultGateway: rg, LogGateway: lg, Log: zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnauthenticatedRequestRejectedWhenAuthConfigured(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)
	runtime := scheduler.NewMemoryRuntime()
	c := coordinator.New(s, runtime, nil, nil, coordinator.Options{WorkerImage: "runcore/worker:test"}, zerolog.Nop(), nil)
	rg := streaming.NewResultGateway(s, b, 5*time.Second, 64, zerolog.Nop(), nil)
	lg := streaming.NewLogGateway(s, b, time.Second, 64, zerolog.Nop(), nil)

	router := httpapi.Router(httpapi.RouterOptions{
		Coordinator: c, Store: s, ResultGateway: rg, LogGateway: lg, Log: zerolog.Nop(),
		Auth: rejectingAuth{},
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type rejectingAuth struct{}

func (rejectingAuth) Authenticate(r *http.Request) (string, error) {
	return "", http.ErrNoCookie
}
