package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/scheduler"
)

const maxBodyBytes = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// messageResponse is the payload of not-found and status replies.
type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps an error kind to its status code. Messages of storage
// and backend failures are fixed so driver details never leak.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apierr.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, messageResponse{"Not found"})
	case errors.Is(err, apierr.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, apierr.ErrStorageUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{apierr.ErrStorageUnavailable.Error()})
	case errors.Is(err, apierr.ErrBackendUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{apierr.ErrBackendUnavailable.Error()})
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Unhandled request error")

		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return false
	}

	return true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Job handlers ---

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var def scheduler.JobDefinition
	if !decodeBody(w, r, &def) {
		return
	}

	created, err := s.jobs.CreateJob(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	includeOneTime := false

	if raw := r.URL.Query().Get("one_time"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"one_time must be a boolean"})

			return
		}

		includeOneTime = parsed
	}

	jobs, err := s.jobs.ListJobs(r.Context(), includeOneTime)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{"Job deleted"})
}

func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.StopRun(
		r.Context(), chi.URLParam(r, "job_id"), chi.URLParam(r, "run_id"),
	); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{"Run stopped"})
}
