// Package streaming implements the Result Stream Gateway (RSG) and Log
// Stream Gateway (LSG): the two HTTP-facing components that mediate
// real-time delivery of worker output to clients, per spec.md §4.6-4.7.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runcore/internal/apierrors"
	"runcore/internal/bus"
	"runcore/internal/store"
	"runcore/internal/telemetry"
)

// ResultGateway serves GET /runs/{id}/stream as a server-sent event stream.
type ResultGateway struct {
	store       *store.Store
	bus         *bus.Bus
	sendTimeout time.Duration
	clientQueue int
	log         zerolog.Logger
	metrics     *telemetry.Metrics
}

// NewResultGateway builds a ResultGateway. sendTimeout is the per-send
// deadline before a client is treated as dead (spec.md §5, "≥ 30 s");
// clientQueue bounds the per-connection pull-ahead queue (spec.md §5, "≥ 64
// messages").
func NewResultGateway(s *store.Store, b *bus.Bus, sendTimeout time.Duration, clientQueue int, log zerolog.Logger, metrics *telemetry.Metrics) *ResultGateway {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	if clientQueue <= 0 {
		clientQueue = 64
	}
	return &ResultGateway{store: s, bus: b, sendTimeout: sendTimeout, clientQueue: clientQueue, log: log, metrics: metrics}
}

// ServeHTTP implements the RSG protocol from spec.md §4.6: subscribe before
// checking status to close the race where the worker finishes between the
// two steps; emit a synthetic terminal event for an already-terminal run;
// otherwise forward chunks until an end envelope, always releasing the
// subscription on every exit path.
func (g *ResultGateway) ServeHTTP(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierrors.New(apierrors.KindPermanentUpstream, "streaming not supported by this connection"))
		return
	}

	channel := bus.ResultsChannel(runID.String())
	sub, err := g.bus.Subscribe(ctx, channel, bus.ChannelResults)
	if err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindTransientUpstream, "failed to subscribe to result channel", err))
		return
	}
	defer sub.Release()
	if g.metrics != nil {
		g.metrics.ActiveSubscribers.WithLabelValues(string(bus.ChannelResults)).Inc()
		defer g.metrics.ActiveSubscribers.WithLabelValues(string(bus.ChannelResults)).Dec()
	}

	run, err := g.store.Fetch(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if run.Status.Terminal() {
		for _, event := range syntheticTerminalEvents(run) {
			writeEvent(w, flusher, event)
		}
		return
	}

	g.forward(ctx, w, flusher, sub)
}

// forward pulls messages from sub into a bounded per-connection queue and
// writes them to the client until an end envelope is observed, the client
// disconnects, the queue overflows, or a single write exceeds sendTimeout
// (spec.md §5's bounded-queue overflow-close policy, mirroring LogGateway's
// pump).
func (g *ResultGateway) forward(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *bus.Subscription) {
	send := make(chan []byte, g.clientQueue)

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.Msgs:
			if !ok {
				return
			}
			select {
			case send <- msg:
			default:
				if g.metrics != nil {
					g.metrics.ClientOverflows.WithLabelValues("results").Inc()
				}
				g.log.Warn().Msg("streaming: result client queue overflowed, closing")
				return
			}

		case msg := <-send:
			deadline := time.Now().Add(g.sendTimeout)
			done := make(chan error, 1)
			go func() { done <- writeEventRaw(w, flusher, msg) }()

			select {
			case err := <-done:
				if err != nil {
					return
				}
			case <-time.After(time.Until(deadline)):
				if g.metrics != nil {
					g.metrics.ClientOverflows.WithLabelValues("results").Inc()
				}
				g.log.Warn().Msg("streaming: result client send timed out, closing")
				return
			}

			if isEndEnvelope(msg) {
				return
			}
		}
	}
}

func isEndEnvelope(msg []byte) bool {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	return env.Kind == "end"
}

// syntheticTerminalEvents reconstructs the events a late subscriber to an
// already-terminal run must see: for a completed run, one synthetic chunk
// carrying the full output followed by the closing end event (spec.md §8
// scenario S2, "exactly one synthetic event... followed by {"kind":"end"}");
// for any other terminal status, just the closing end event carrying the
// failure reason. Each returned event must be written as its own
// `data: <json>\n\n` SSE block — merging them into one block would put the
// end envelope's JSON on an unprefixed continuation line, which a
// conforming EventSource client discards instead of delivering.
func syntheticTerminalEvents(run store.Run) [][]byte {
	if run.Status == store.StatusCompleted {
		env := struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload,omitempty"`
		}{Kind: "chunk", Payload: run.OutputData}
		chunk, _ := json.Marshal(env)
		end, _ := json.Marshal(apierrors.StreamEnd{Kind: "end"})
		return [][]byte{chunk, end}
	}

	msg := "cancelled"
	if run.ErrorMessage != nil {
		msg = *run.ErrorMessage
	}
	end, _ := json.Marshal(apierrors.StreamEnd{Kind: "end", Error: msg})
	return [][]byte{end}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload []byte) {
	_ = writeEventRaw(w, flusher, payload)
}

func writeEventRaw(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status, body := apierrors.ToBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
