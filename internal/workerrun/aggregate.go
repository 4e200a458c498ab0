package workerrun

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// aggregator decodes and collects output chunks into a single logical value,
// switching to overflow mode once the soft cap is exceeded (spec.md §4.5:
// "Aggregated output kept in memory has a soft cap"). Chunks must be decoded
// before aggregation: concatenating the raw JSON bytes of successive chunks
// (e.g. `"he"` followed by `"llo"`) yields `"he""llo"`, which is not valid
// JSON. Decoding each chunk's payload and concatenating the underlying
// values instead produces the value spec.md §8 scenario S1 requires: chunks
// `["he","llo"]` aggregate to `output_data:"hello"`.
type aggregator struct {
	cap        int
	overflowed bool
	values     []any
	size       int
}

func newAggregator(softCap int) *aggregator {
	return &aggregator{cap: softCap}
}

func (a *aggregator) add(payload json.RawMessage) {
	if a.overflowed {
		return
	}
	if a.size+len(payload) > a.cap {
		a.overflowed = true
		return
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		// Not a JSON value; keep it as an opaque string rather than drop it.
		v = string(payload)
	}
	a.values = append(a.values, v)
	a.size += len(payload)
}

// json returns the aggregated output as a single JSON value. When every
// chunk decoded to a string, the values are concatenated into one string
// (the common case: a runnable streaming text). Otherwise the decoded
// values are returned as a JSON array, in arrival order. When nothing was
// aggregated it returns a JSON null rather than an empty byte slice, so
// Patch.OutputData round-trips cleanly through a jsonb column.
func (a *aggregator) json() json.RawMessage {
	if len(a.values) == 0 {
		return json.RawMessage(`null`)
	}

	if allStrings(a.values) {
		var sb strings.Builder
		for _, v := range a.values {
			sb.WriteString(v.(string))
		}
		if encoded, err := json.Marshal(sb.String()); err == nil {
			return json.RawMessage(encoded)
		}
	}

	encoded, err := json.Marshal(a.values)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(encoded)
}

func allStrings(values []any) bool {
	for _, v := range values {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

// rawBytes returns the same aggregated value as json, for spillover:
// the object-store payload and its checksum both describe the decoded,
// reassembled output rather than a concatenation of raw chunk bytes.
func (a *aggregator) rawBytes() []byte {
	return a.json()
}

// compressZstd compresses raw for spillover upload, mirroring the bundler's
// use of klauspost/compress for artifact payloads.
func compressZstd(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// splitChunk breaks payload into parts no larger than maxBytes, preserving
// the original bytes verbatim across the split (spec.md §4.5: "oversized
// chunks are split by the worker"). Splitting raw JSON at byte boundaries
// produces fragments that are not independently valid JSON; the chunk
// envelope's payload field is documented as opaque to transport, and
// consumers reassemble the logical chunk from the envelope sequence before
// interpreting it.
func splitChunk(payload json.RawMessage, maxBytes int) []json.RawMessage {
	if len(payload) <= maxBytes {
		return []json.RawMessage{payload}
	}

	var parts []json.RawMessage
	for len(payload) > 0 {
		n := maxBytes
		if n > len(payload) {
			n = len(payload)
		}
		parts = append(parts, json.RawMessage(payload[:n]))
		payload = payload[n:]
	}
	return parts
}
