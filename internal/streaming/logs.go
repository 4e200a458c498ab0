package streaming

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"runcore/internal/bus"
	"runcore/internal/store"
	"runcore/internal/telemetry"
)

// LogGateway serves GET /ws/runs/{id}/logs: a server-to-client-only
// WebSocket stream of plain log lines, per spec.md §4.7. Adapted from the
// hub/connection backpressure pattern used for multi-session WebSocket
// fan-out elsewhere in the corpus, simplified to one connection per run
// subscription since LSG never needs cross-connection broadcast.
type LogGateway struct {
	store       *store.Store
	bus         *bus.Bus
	pollPeriod  time.Duration
	clientQueue int
	upgrader    websocket.Upgrader
	log         zerolog.Logger
	metrics     *telemetry.Metrics
}

// NewLogGateway builds a LogGateway. pollPeriod bounds how often the run's
// status is polled for termination (spec.md §4.7, "period ≤ 5 s").
func NewLogGateway(s *store.Store, b *bus.Bus, pollPeriod time.Duration, clientQueue int, log zerolog.Logger, metrics *telemetry.Metrics) *LogGateway {
	if pollPeriod <= 0 || pollPeriod > 5*time.Second {
		pollPeriod = 5 * time.Second
	}
	if clientQueue <= 0 {
		clientQueue = 64
	}
	return &LogGateway{
		store:       s,
		bus:         b,
		pollPeriod:  pollPeriod,
		clientQueue: clientQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		metrics: metrics,
	}
}

const (
	logWriteTimeout = 10 * time.Second
	logPingInterval = 20 * time.Second
)

// ServeHTTP upgrades the connection and streams log lines until the client
// disconnects, the run reaches a terminal status, or the gateway shuts down.
func (g *LogGateway) ServeHTTP(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("streaming: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	channel := bus.LogsChannel(runID.String())
	sub, err := g.bus.Subscribe(ctx, channel, bus.ChannelLogs)
	if err != nil {
		g.log.Error().Err(err).Msg("streaming: failed to subscribe to log channel")
		return
	}
	defer sub.Release()
	if g.metrics != nil {
		g.metrics.ActiveSubscribers.WithLabelValues(string(bus.ChannelLogs)).Inc()
		defer g.metrics.ActiveSubscribers.WithLabelValues(string(bus.ChannelLogs)).Dec()
	}

	send := make(chan []byte, g.clientQueue)

	// readPump: LSG is server→client only (SPEC_FULL.md §12 resolving the
	// spec's open question). The loop reads every client frame so gorilla
	// can handle close/ping control frames; any data frame is discarded
	// without being interpreted.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go g.pollTermination(ctx, cancel, runID)

	g.pump(ctx, conn, sub, send)
}

// pump forwards messages from sub to send and drains send to the client,
// closing on overflow per spec.md §5's bounded per-connection queue policy.
func (g *LogGateway) pump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, send chan []byte) {
	pingTicker := time.NewTicker(logPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return

		case line, ok := <-sub.Msgs:
			if !ok {
				return
			}
			select {
			case send <- line:
			default:
				if g.metrics != nil {
					g.metrics.ClientOverflows.WithLabelValues("logs").Inc()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "overflow"), time.Now().Add(time.Second))
				return
			}

		case line := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pollTermination cancels ctx once the run reaches a terminal status,
// closing the stream per spec.md §4.7's second close condition.
func (g *LogGateway) pollTermination(ctx context.Context, cancel context.CancelFunc, runID uuid.UUID) {
	ticker := time.NewTicker(g.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := g.store.Fetch(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status.Terminal() {
				cancel()
				return
			}
		}
	}
}
