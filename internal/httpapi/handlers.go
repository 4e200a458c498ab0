package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runcore/internal/apierrors"
	"runcore/internal/coordinator"
	"runcore/internal/store"
	"runcore/internal/streaming"
)

type handlers struct {
	coordinator *coordinator.Coordinator
	store       *store.Store
	results     *streaming.ResultGateway
	logs        *streaming.LogGateway
	log         zerolog.Logger
}

type startRunRequest struct {
	RunnableID   string          `json:"runnable_id"`
	RunnableType string          `json:"runnable_type"`
	Input        json.RawMessage `json:"input_variables"`
}

type runResponse struct {
	ID               string          `json:"id"`
	RunnableKind     string          `json:"runnable_type"`
	RunnableID       string          `json:"runnable_id"`
	Status           string          `json:"status"`
	InputVariables   json.RawMessage `json:"input_variables"`
	OutputData       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	SubmittedAt      string          `json:"submitted_at"`
	StartedAt        *string         `json:"started_at,omitempty"`
	EndedAt          *string         `json:"ended_at,omitempty"`
}

func toRunResponse(run store.Run) runResponse {
	resp := runResponse{
		ID:             run.ID.String(),
		RunnableKind:   string(run.RunnableKind),
		RunnableID:     run.RunnableID,
		Status:         string(run.Status),
		InputVariables: run.InputVariables,
		OutputData:     run.OutputData,
		ErrorMessage:   run.ErrorMessage,
		SubmittedAt:    run.SubmittedAt.Format(timeLayout),
	}
	if run.StartedAt != nil {
		s := run.StartedAt.Format(timeLayout)
		resp.StartedAt = &s
	}
	if run.EndedAt != nil {
		s := run.EndedAt.Format(timeLayout)
		resp.EndedAt = &s
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.Validation("invalid request body: %v", err))
		return
	}

	run, err := h.coordinator.Start(r.Context(), coordinator.StartRequest{
		RunnableKind:     store.RunnableKind(req.RunnableType),
		RunnableID:       req.RunnableID,
		RequesterSubject: subjectFromContext(r.Context()),
		InputVariables:   req.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		RequesterSubject: subjectFromContext(r.Context()),
		RunnableID:       r.URL.Query().Get("runnable_id"),
		Status:           store.Status(r.URL.Query().Get("status")),
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := h.store.Fetch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := h.coordinator.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *handlers) streamResults(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.results.ServeHTTP(w, r, id)
}

func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logs.ServeHTTP(w, r, id)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierrors.Validation("invalid run id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := apierrors.ToBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
