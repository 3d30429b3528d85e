package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/loadoor/pkg/reports"
)

const defaultLastReportsLimit = 100

type updateReportRequest struct {
	Phase string `json:"phase"`
}

type subscribeRequest struct {
	RunnerID    string `json:"runner_id"`
	PhaseStatus string `json:"phase_status"`
}

type statsRequest struct {
	RunnerID    string          `json:"runner_id"`
	StatsTime   *time.Time      `json:"stats_time,omitempty"`
	PhaseIndex  int             `json:"phase_index"`
	PhaseStatus string          `json:"phase_status"`
	Data        json.RawMessage `json:"data"`
}

type statsResponse struct {
	StatsID string `json:"stats_id"`
}

func (s *server) handleLastReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultLastReportsLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"limit must be an integer"})

			return
		}

		limit = parsed
	}

	list, err := s.reports.GetLastReports(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleListReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.reports.GetReports(r.Context(), chi.URLParam(r, "test_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.GetReport(
		r.Context(), chi.URLParam(r, "test_id"), chi.URLParam(r, "report_id"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var req updateReportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := s.reports.UpdateReportPhase(
		r.Context(), chi.URLParam(r, "test_id"), chi.URLParam(r, "report_id"), req.Phase,
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.PhaseStatus == "" {
		req.PhaseStatus = reports.PhaseInitializing
	}

	if err := s.reports.Subscribe(
		r.Context(),
		chi.URLParam(r, "test_id"),
		chi.URLParam(r, "report_id"),
		req.RunnerID,
		req.PhaseStatus,
	); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// handlePostStats appends a stats sample and makes it the runner's last
// stats.
func (s *server) handlePostStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sample := &reports.StatSample{
		RunnerID:    req.RunnerID,
		TestID:      chi.URLParam(r, "test_id"),
		ReportID:    chi.URLParam(r, "report_id"),
		PhaseIndex:  req.PhaseIndex,
		PhaseStatus: req.PhaseStatus,
		Data:        string(req.Data),
	}

	if req.StatsTime != nil {
		sample.StatsTime = req.StatsTime.UTC()
	}

	if err := s.reports.RecordStat(r.Context(), sample); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.reports.UpdateSubscriberWithStats(
		r.Context(),
		sample.TestID,
		sample.ReportID,
		sample.RunnerID,
		sample.PhaseStatus,
		sample.Data,
	); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, statsResponse{StatsID: sample.StatsID})
}

func (s *server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	samples, err := s.reports.GetStats(
		r.Context(), chi.URLParam(r, "test_id"), chi.URLParam(r, "report_id"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, samples)
}
