package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	url := os.Getenv("RUNCORE_TEST_NATS_URL")
	if url == "" {
		t.Skip("RUNCORE_TEST_NATS_URL not set; skipping bus integration test")
	}

	b, err := New(url)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestPublishSubscribeOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := ResultsChannel("run-ordering")
	sub, err := b.Subscribe(ctx, subject, ChannelResults)
	require.NoError(t, err)
	defer sub.Release()

	require.NoError(t, b.Publish(ctx, subject, []byte("a")))
	require.NoError(t, b.Publish(ctx, subject, []byte("b")))
	require.NoError(t, b.Publish(ctx, subject, []byte("c")))

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-sub.Msgs:
			require.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := ResultsChannel("run-late")
	require.NoError(t, b.Publish(ctx, subject, []byte("missed")))

	sub, err := b.Subscribe(ctx, subject, ChannelResults)
	require.NoError(t, err)
	defer sub.Release()

	require.NoError(t, b.Publish(ctx, subject, []byte("seen")))

	select {
	case got := <-sub.Msgs:
		require.Equal(t, "seen", string(got))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for post-subscribe message")
	}

	select {
	case got := <-sub.Msgs:
		t.Fatalf("unexpected extra message: %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscriberIsolationSlowSubscriberDoesNotBlockFast(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := ResultsChannel("run-isolation")
	slow, err := b.Subscribe(ctx, subject, ChannelResults)
	require.NoError(t, err)
	defer slow.Release()

	fast, err := b.Subscribe(ctx, subject, ChannelResults)
	require.NoError(t, err)
	defer fast.Release()

	require.NoError(t, b.Publish(ctx, subject, []byte("x")))

	// fast drains immediately; slow never reads. Neither publish nor fast's
	// delivery should block on slow's inactivity.
	select {
	case got := <-fast.Msgs:
		require.Equal(t, "x", string(got))
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber starved by slow subscriber")
	}
}
