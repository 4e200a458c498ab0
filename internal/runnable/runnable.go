// Package runnable models the opaque, duck-typed "agent or team" unit this
// subsystem schedules and streams output for. Resolution of the underlying
// configuration is delegated entirely to an external collaborator; this
// package never assumes agents and teams share any internal shape, and never
// walks whatever cross-reference graph the resolver's backend maintains
// (SPEC_FULL.md §9).
package runnable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind is the variant tag for a runnable: either a single agent or a
// composite team. The core treats both identically past this point.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTeam  Kind = "team"
)

// Valid reports whether k is one of the two known kinds.
func (k Kind) Valid() bool {
	return k == KindAgent || k == KindTeam
}

// Ref identifies a runnable by kind and an opaque id, meaningful only to the
// external resolver.
type Ref struct {
	Kind Kind
	ID   string
}

// Resolver validates that a Ref names a real, accessible runnable before the
// Run Coordinator commits to creating a run record for it. It is the sole
// external collaborator for agent/team CRUD (out of scope for this
// subsystem, spec.md §1).
type Resolver interface {
	// Resolve returns nil if ref names a runnable visible to requesterSubject,
	// or a non-nil error otherwise. The Run Coordinator reports any such
	// error to its caller as a validation error.
	Resolve(ctx context.Context, ref Ref, requesterSubject string) error
}

// HTTPResolver calls an external agent/team service over HTTP to validate a
// Ref. It is the production Resolver; the coordinator tests pass a nil
// Resolver, which Coordinator.Start skips.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPResolver builds a resolver against baseURL, defaulting the HTTP
// client's timeout the way the rest of this codebase bounds upstream calls.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, ref Ref, requesterSubject string) error {
	if !ref.Kind.Valid() {
		return fmt.Errorf("runnable: unknown kind %q", ref.Kind)
	}

	path := fmt.Sprintf("%s/internal/v1/%ss/%s", r.BaseURL, ref.Kind, ref.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("runnable: build request: %w", err)
	}
	req.Header.Set("X-Requester-Subject", requesterSubject)

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("runnable: resolve %s/%s: %w", ref.Kind, ref.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("runnable: %s %s not found", ref.Kind, ref.ID)
	default:
		return fmt.Errorf("runnable: resolve %s/%s: unexpected status %d", ref.Kind, ref.ID, resp.StatusCode)
	}
}

// Config is the resolved, opaque configuration handed to the worker runtime.
// Its Data field is intentionally untyped JSON: this core never interprets
// runnable internals (LLM calls, tool use, knowledge retrieval are all out of
// scope, spec.md §1).
type Config struct {
	Ref  Ref
	Data json.RawMessage
}

// ConfigLoader fetches the full opaque configuration for a runnable from
// inside the worker process, after the Run Coordinator has already validated
// the reference exists.
type ConfigLoader interface {
	Load(ctx context.Context, ref Ref) (Config, error)
}

// HTTPConfigLoader is the production ConfigLoader used by the worker runtime.
type HTTPConfigLoader struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPConfigLoader builds a loader against baseURL.
func NewHTTPConfigLoader(baseURL string) *HTTPConfigLoader {
	return &HTTPConfigLoader{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *HTTPConfigLoader) Load(ctx context.Context, ref Ref) (Config, error) {
	path := fmt.Sprintf("%s/internal/v1/%ss/%s/config", l.BaseURL, ref.Kind, ref.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Config{}, fmt.Errorf("runnable: build config request: %w", err)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("runnable: load config %s/%s: %w", ref.Kind, ref.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Config{}, fmt.Errorf("runnable: load config %s/%s: unexpected status %d", ref.Kind, ref.ID, resp.StatusCode)
	}

	data, err := decodeJSONBody(resp)
	if err != nil {
		return Config{}, fmt.Errorf("runnable: decode config %s/%s: %w", ref.Kind, ref.ID, err)
	}

	return Config{Ref: ref, Data: data}, nil
}

func decodeJSONBody(resp *http.Response) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
