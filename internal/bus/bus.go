// Package bus implements the Message Bus: an ephemeral, at-most-once,
// per-subscriber pub/sub fabric over two channel families keyed by run id,
// run_results:{id} and run_logs:{id}.
//
// Unlike the JetStream-durable-consumer wiring this was adapted from, the bus
// publishes and subscribes on core NATS: run channels must never replay a
// message to a subscriber that joined late, and durability would be actively
// wrong here (SPEC_FULL.md §4.2).
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelKind distinguishes the two channel families for metrics labeling.
type ChannelKind string

const (
	ChannelResults ChannelKind = "results"
	ChannelLogs    ChannelKind = "logs"
)

// DefaultBufferSize is the minimum per-subscriber buffer depth required by
// spec.md §4.2 ("bounded buffer (≥ 1024 messages)").
const DefaultBufferSize = 1024

// ResultsChannel returns the MB subject for a run's result stream.
func ResultsChannel(runID string) string { return "run_results:" + runID }

// LogsChannel returns the MB subject for a run's log stream.
func LogsChannel(runID string) string { return "run_logs:" + runID }

// Bus wraps a core NATS connection for ephemeral run-scoped pub/sub.
type Bus struct {
	conn       *nats.Conn
	bufferSize int
	drops      *prometheus.CounterVec
	depth      *prometheus.GaugeVec
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithBufferSize overrides DefaultBufferSize; values below the spec minimum
// are rejected by New.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithDropCounter attaches the shared drop-counter metric. Safe to omit in
// tests; Subscribe skips drop recording when nil.
func WithDropCounter(drops *prometheus.CounterVec) Option {
	return func(b *Bus) { b.drops = drops }
}

// WithBufferDepthGauge attaches the shared per-subscriber buffer-depth
// gauge. Safe to omit in tests; Subscribe skips recording when nil.
func WithBufferDepthGauge(depth *prometheus.GaugeVec) Option {
	return func(b *Bus) { b.depth = depth }
}

// New creates a Bus connected to url.
func New(url string, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	b := &Bus{conn: nc, bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(b)
	}
	if b.bufferSize < DefaultBufferSize {
		nc.Close()
		return nil, fmt.Errorf("bus: buffer size %d below required minimum %d", b.bufferSize, DefaultBufferSize)
	}

	return b, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish delivers data to every subscriber currently attached to subject.
// Fire-and-forget: there is no acknowledgement and no retry.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if b == nil {
		return errors.New("bus: nil bus")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscription is a per-subscriber handle to a channel. Messages arrive on
// Msgs; messages evicted from the bounded buffer are counted on the bus's
// drop counter, when one is configured. Release must
// be called exactly once, on every exit path, per spec.md §5.
type Subscription struct {
	Msgs    <-chan []byte
	kind    ChannelKind
	sub     *nats.Subscription
	cancel  func()
	once    sync.Once
	dropped *prometheus.CounterVec
}

// Release unsubscribes and frees bus-side resources. Idempotent.
func (s *Subscription) Release() {
	s.once.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Subscribe attaches a cold, bounded-buffer subscription to subject. No
// message published before Subscribe returns is ever delivered to it.
// Overflow policy: once bufferSize messages are queued, the oldest queued
// message is dropped to make room for the newest (drop-oldest, per spec.md
// §4.2), and drops are recorded via metrics if configured.
func (b *Bus) Subscribe(ctx context.Context, subject string, kind ChannelKind) (*Subscription, error) {
	if b == nil {
		return nil, errors.New("bus: nil bus")
	}

	out := make(chan []byte, b.bufferSize)
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(ctx)

	deliver := func(data []byte) {
		mu.Lock()
		defer mu.Unlock()

		for {
			select {
			case out <- data:
				if b.depth != nil {
					b.depth.WithLabelValues(string(kind)).Set(float64(len(out)))
				}
				return
			default:
			}
			// Buffer full: drop the oldest queued message to make room.
			select {
			case <-out:
				if b.drops != nil {
					b.drops.WithLabelValues(string(kind)).Inc()
				}
			default:
				// Raced with a concurrent reader draining the channel; retry.
			}
		}
	}

	natsSub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		deliver(msg.Data)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = natsSub.Unsubscribe()
	}()

	return &Subscription{Msgs: out, kind: kind, sub: natsSub, cancel: cancel, dropped: b.drops}, nil
}
