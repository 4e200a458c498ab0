package workerrun

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"runcore/internal/runnable"
)

// HTTPExecutor delegates actual runnable execution to an external service
// over a streaming HTTP request, consistent with spec.md §1's exclusion of
// LLM calls, tool use, and knowledge retrieval from this subsystem's scope:
// this core never interprets what an agent or team does, only shuttles its
// chunk stream onto the Message Bus.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPExecutor builds an HTTPExecutor against baseURL.
func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{BaseURL: baseURL, Client: &http.Client{Timeout: 0}}
}

type invokeRequest struct {
	Config json.RawMessage `json:"config"`
	Input  json.RawMessage `json:"input_variables"`
}

// line is one newline-delimited-JSON record in the execution response body:
// either {"chunk":...} or {"error":"..."} as the final line.
type line struct {
	Chunk json.RawMessage `json:"chunk,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Execute streams output chunks from the external runnable-execution
// endpoint, writing each onto out as it arrives. It writes its own status
// lines onto logs (the invocation, and each malformed record it discards);
// the response stream carries no log records and none are forwarded.
func (e *HTTPExecutor) Execute(ctx context.Context, cfg runnable.Config, input json.RawMessage, out chan<- Chunk, logs chan<- string) error {
	path := fmt.Sprintf("%s/internal/v1/%ss/%s/invoke", e.BaseURL, cfg.Ref.Kind, cfg.Ref.ID)

	body, err := json.Marshal(invokeRequest{Config: cfg.Data, Input: input})
	if err != nil {
		return fmt.Errorf("workerrun: marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("workerrun: build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logs <- fmt.Sprintf("invoking %s %s at %s", cfg.Ref.Kind, cfg.Ref.ID, time.Now().UTC().Format(time.RFC3339))

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("workerrun: invoke %s/%s: %w", cfg.Ref.Kind, cfg.Ref.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerrun: invoke %s/%s: unexpected status %d", cfg.Ref.Kind, cfg.Ref.ID, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkBytes*2)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			logs <- fmt.Sprintf("discarding malformed execution record: %v", err)
			continue
		}

		if l.Error != "" {
			return fmt.Errorf("%s", l.Error)
		}
		if l.Chunk != nil {
			select {
			case out <- Chunk{Payload: l.Chunk}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("workerrun: read invoke stream: %w", err)
	}

	return nil
}
