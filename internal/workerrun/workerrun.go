// Package workerrun is the Worker Runtime (WR) harness: the process that
// actually executes inside a scheduled container. It wires together log
// sinking, chunked result publication, output aggregation with spillover,
// and the terminal RS transition, per spec.md §4.5.
package workerrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runcore/internal/bus"
	"runcore/internal/objstore"
	"runcore/internal/runnable"
	"runcore/internal/store"
)

// ChunkEnvelope is one `{"kind":"chunk","payload":...}` published to
// run_results:{id}.
type ChunkEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EndEnvelope is the single terminal `{"kind":"end"[,"error":...]}` envelope
// published to run_results:{id}.
type EndEnvelope struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// maxChunkBytes bounds a single chunk envelope (spec.md §4.5: "Chunk
// envelopes are ≤ 1 MiB; oversized chunks are split by the worker").
const maxChunkBytes = 1 << 20

// outputSoftCapBytes is the default in-memory aggregation cap before
// spillover to external storage (spec.md §4.5, "e.g., 64 MiB").
const outputSoftCapBytes = 64 << 20

// Chunk is one unit of runnable output, produced as a lazy sequence (spec.md
// §9 "duck-typed runnable polymorphism" / "coroutine and async stream control
// flow" — modelled here as a channel the Executor writes to).
type Chunk struct {
	Payload json.RawMessage
}

// Executor runs the resolved runnable to completion, writing output chunks to
// out and log lines to logs. The core never interprets what an agent or team
// actually does; that is delegated entirely to this collaborator (spec.md §9
// duck-typed runnable polymorphism).
type Executor interface {
	Execute(ctx context.Context, cfg runnable.Config, input json.RawMessage, out chan<- Chunk, logs chan<- string) error
}

// Options configures a Harness.
type Options struct {
	RunID          uuid.UUID
	RunnableKind   store.RunnableKind
	RunnableID     string
	InputVariables json.RawMessage
	LogChannel     string
	ResultChannel  string
	OutputSoftCap  int
}

// Harness drives one worker invocation from start to terminal transition.
type Harness struct {
	store    *store.Store
	bus      *bus.Bus
	loader   runnable.ConfigLoader
	executor Executor
	objstore *objstore.Client // optional; nil disables spillover
	log      zerolog.Logger
	opts     Options

	logDrops int
}

// New builds a Harness. objClient may be nil, in which case oversized output
// is truncated rather than spilled (documented degradation, logged once).
func New(s *store.Store, b *bus.Bus, loader runnable.ConfigLoader, executor Executor, objClient *objstore.Client, log zerolog.Logger, opts Options) *Harness {
	if opts.OutputSoftCap <= 0 {
		opts.OutputSoftCap = outputSoftCapBytes
	}
	return &Harness{
		store:    s,
		bus:      b,
		loader:   loader,
		executor: executor,
		objstore: objClient,
		log:      log,
		opts:     opts,
	}
}

// Run executes the full worker lifecycle: resolve configuration, execute,
// stream chunks and logs, and transition the run to a terminal status. It
// never returns an error that the caller need act on further than logging —
// the terminal RS transition is the authoritative outcome, and Run retries it
// internally until it succeeds (spec.md §4.5 bullet 7), ctx is cancelled, or
// the run is found to be no longer running.
func (h *Harness) Run(ctx context.Context) {
	ref := runnable.Ref{Kind: runnable.Kind(h.opts.RunnableKind), ID: h.opts.RunnableID}

	cfg, err := h.loader.Load(ctx, ref)
	if err != nil {
		h.finish(ctx, nil, fmt.Sprintf("resolve runnable configuration: %v", err))
		return
	}

	logs := make(chan string, 256)
	chunks := make(chan Chunk, 256)
	done := make(chan error, 1)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		h.sinkLogs(ctx, logs)
	}()

	agg := newAggregator(h.opts.OutputSoftCap)

	go func() {
		done <- h.executor.Execute(ctx, cfg, h.opts.InputVariables, chunks, logs)
		close(chunks)
		close(logs)
	}()

	for chunk := range chunks {
		agg.add(chunk.Payload)
		h.publishChunk(ctx, chunk.Payload)
	}

	execErr := <-done
	<-logsDone

	if execErr != nil {
		h.publishEnd(ctx, execErr.Error())
		h.finish(ctx, nil, execErr.Error())
		return
	}

	output, spillErr := h.finalizeOutput(ctx, agg)
	if spillErr != nil {
		h.publishEnd(ctx, spillErr.Error())
		h.finish(ctx, nil, spillErr.Error())
		return
	}

	h.publishEnd(ctx, "")
	h.finish(ctx, output, "")
}

// sinkLogs publishes each log line to LogChannel. Never blocks the execution
// path on bus failure: a failed publish is dropped and counted (spec.md §4.5
// bullet 3).
func (h *Harness) sinkLogs(ctx context.Context, logs <-chan string) {
	for line := range logs {
		if err := h.bus.Publish(ctx, h.opts.LogChannel, []byte(line)); err != nil {
			h.logDrops++
			h.log.Debug().Err(err).Msg("workerrun: dropped log line")
		}
	}
}

func (h *Harness) publishChunk(ctx context.Context, payload json.RawMessage) {
	for _, part := range splitChunk(payload, maxChunkBytes) {
		env, err := json.Marshal(ChunkEnvelope{Kind: "chunk", Payload: part})
		if err != nil {
			h.log.Error().Err(err).Msg("workerrun: marshal chunk envelope")
			continue
		}
		if err := h.bus.Publish(ctx, h.opts.ResultChannel, env); err != nil {
			h.log.Warn().Err(err).Msg("workerrun: failed to publish chunk")
		}
	}
}

func (h *Harness) publishEnd(ctx context.Context, errMsg string) {
	env, err := json.Marshal(EndEnvelope{Kind: "end", Error: errMsg})
	if err != nil {
		h.log.Error().Err(err).Msg("workerrun: marshal end envelope")
		return
	}
	if err := h.bus.Publish(ctx, h.opts.ResultChannel, env); err != nil {
		h.log.Warn().Err(err).Msg("workerrun: failed to publish end envelope")
	}
}

// finalizeOutput returns the aggregated output as a JSON value, spilling to
// objstore when the soft cap was exceeded and a client is configured.
func (h *Harness) finalizeOutput(ctx context.Context, agg *aggregator) (json.RawMessage, error) {
	if !agg.overflowed || h.objstore == nil {
		if agg.overflowed {
			h.log.Warn().Str("run_id", h.opts.RunID.String()).Msg("workerrun: output exceeded soft cap and no object store is configured; storing truncated output")
		}
		return agg.json(), nil
	}

	raw := agg.rawBytes()
	sum := sha256.Sum256(raw)
	key := fmt.Sprintf("runs/%s/output.json", h.opts.RunID.String())

	compressed, err := compressZstd(raw)
	if err != nil {
		return nil, fmt.Errorf("compress spilled output: %w", err)
	}
	key += ".zst"

	uri, err := h.objstore.PutObject(ctx, key, newByteReader(compressed), int64(len(compressed)), hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, fmt.Errorf("spill output to object store: %w", err)
	}

	ref := struct {
		Spilled bool   `json:"spilled"`
		URI     string `json:"uri"`
		SHA256  string `json:"sha256"`
	}{Spilled: true, URI: uri, SHA256: hex.EncodeToString(sum[:])}

	out, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal spill reference: %w", err)
	}
	return out, nil
}

// finish retries the terminal RS transition with exponential backoff until it
// succeeds or ctx is cancelled, since MB/RS unavailability must never abort an
// already-running run prematurely (spec.md §4.5 bullet 6). It stops at once
// if the run has already left running (the reaper or a cancel moved it).
func (h *Harness) finish(ctx context.Context, output json.RawMessage, errMsg string) {
	next := store.StatusCompleted
	var errPtr *string
	if errMsg != "" {
		next = store.StatusFailed
		errPtr = &errMsg
	}

	now := time.Now().UTC()
	patch := store.Patch{EndedAt: &now, OutputData: output, ErrorMessage: errPtr}

	op := func() (struct{}, error) {
		ok, err := h.store.Transition(ctx, h.opts.RunID, store.StatusRunning, next, patch)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			// Lost the race entirely (e.g. the reaper already failed this
			// run out from under us); nothing further to do.
			return struct{}{}, backoff.Permanent(fmt.Errorf("run %s no longer running", h.opts.RunID))
		}
		return struct{}{}, nil
	}

	// WithMaxElapsedTime(0) lifts backoff's default elapsed-time cap so the
	// retry is bounded only by ctx.
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0)); err != nil {
		h.log.Error().Err(err).Str("run_id", h.opts.RunID.String()).Msg("workerrun: terminal transition abandoned")
	}
}
