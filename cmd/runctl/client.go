package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"runcore/internal/config"
)

// apiClient is a thin HTTP client for the runctl CLI against runcore-api's
// /api/v1 routes.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClientFromEnv() (*apiClient, error) {
	cfg, err := config.LoadCLI(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load CLI config: %w", err)
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: 0},
	}, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("runcore-api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type startRunBody struct {
	RunnableID   string          `json:"runnable_id"`
	RunnableType string          `json:"runnable_type"`
	Input        json.RawMessage `json:"input_variables"`
}

// StartRun submits a new run and returns the created run record as a raw map
// so the CLI can print it without depending on internal/httpapi's types.
func (c *apiClient) StartRun(ctx context.Context, runnableID, runnableType string, input json.RawMessage) (map[string]any, error) {
	body, err := json.Marshal(startRunBody{RunnableID: runnableID, RunnableType: runnableType, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/runs", body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun fetches a run by ID.
func (c *apiClient) GetRun(ctx context.Context, runID string) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+runID, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRun cancels a run by ID.
func (c *apiClient) CancelRun(ctx context.Context, runID string) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", []byte("{}"))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TailLogs opens the SSE result stream's sibling log endpoint is a websocket,
// which doesn't fit a simple request/response client; runctl instead tails
// the Server-Sent-Events result stream, which carries the same terminal
// signal and is reachable over a plain HTTP client without an extra
// dependency on a websocket library in the CLI binary.
func (c *apiClient) TailLogs(ctx context.Context, runID string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runcore-api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if !strings.HasPrefix(text, "data: ") {
			continue
		}
		fmt.Fprintln(w, strings.TrimPrefix(text, "data: "))
	}
	return scanner.Err()
}

func readInput(path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage("{}"), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s does not contain valid JSON", path)
	}
	return json.RawMessage(raw), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
