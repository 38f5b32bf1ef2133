package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inferencelab/harness/pkg/engine"
	"github.com/inferencelab/harness/pkg/promptset"
	"github.com/inferencelab/harness/pkg/registry"
	"github.com/inferencelab/harness/pkg/scoring"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Probes ---

// handleHealth returns server liveness.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "harness",
	})
}

// handleReady reports readiness once the run registry answers.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"run registry unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Promptset handlers ---

// promptsetDetail is the GET /promptsets/{id} payload: the manifest plus
// a short preview of the prompts.
type promptsetDetail struct {
	Manifest *promptset.Manifest `json:"manifest"`
	Preview  []promptset.Prompt  `json:"preview"`
}

// handleListPromptsets lists every promptset with a readable manifest.
func (s *server) handleListPromptsets(
	w http.ResponseWriter, r *http.Request,
) {
	infos, err := s.source.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list promptsets")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, infos)
}

// handleGetPromptset returns one promptset's manifest and prompt preview.
func (s *server) handleGetPromptset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	manifest, preview, err := s.source.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, promptset.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				fmt.Sprintf("Promptset '%s' not found", id),
			})

			return
		}

		s.log.WithError(err).WithField("promptset", id).
			Error("Failed to read promptset")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if preview == nil {
		preview = []promptset.Prompt{}
	}

	writeJSON(w, http.StatusOK, promptsetDetail{
		Manifest: manifest,
		Preview:  preview,
	})
}

// --- Run handlers ---

// handleSubmitRun validates a run request and returns the pending run.
// Execution proceeds asynchronously; callers poll for progress.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req engine.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	run, err := s.engine.Submit(r.Context(), &req)

	switch {
	case err == nil:
	case errors.Is(err, promptset.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			fmt.Sprintf("Promptset '%s' not found", req.Promptset),
		})

		return
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, promptset.ErrChecksumMismatch):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	default:
		s.log.WithError(err).Error("Failed to submit run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// handleListRuns lists recent runs, most recent first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	snapshots := make([]*registry.Snapshot, 0, len(runs))
	for i := range runs {
		snapshots = append(snapshots, runs[i].Snapshot())
	}

	writeJSON(w, http.StatusOK, snapshots)
}

// handleGetRun returns the current snapshot of one run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				fmt.Sprintf("Run '%s' not found", runID),
			})

			return
		}

		s.log.WithError(err).WithField("run_id", runID).
			Error("Failed to read run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, run.Snapshot())
}

// handleCancelRun requests cancellation of a run. The request is advisory:
// the run settles as completed with whatever finished before the signal.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := s.runs.RequestCancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				fmt.Sprintf("Run '%s' not found", runID),
			})

			return
		}

		s.log.WithError(err).WithField("run_id", runID).
			Error("Failed to request cancel")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// --- Scoring and target check handlers ---

// handleScore scores a single prompt/response pair against the judge.
func (s *server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoring.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Prompt == "" || req.Response == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"prompt and response are required"})

		return
	}

	result, err := s.scorer.Score(r.Context(), &req)
	if err != nil {
		if errors.Is(err, scoring.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable,
				errorResponse{"scoring is not configured"})

			return
		}

		s.log.WithError(err).Warn("Judge call failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleTest performs one ad-hoc invocation against the target and
// returns the settled outcome, whatever its status.
func (s *server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req engine.TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Team == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"team is required"})

		return
	}

	writeJSON(w, http.StatusOK, s.engine.Test(r.Context(), &req))
}
