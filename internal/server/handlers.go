package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"counterwatch/internal/observation"
	"counterwatch/internal/store"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultAlertLimit       = 10
	defaultObservationLimit = 50
	defaultPerformanceLimit = 100
	defaultWindowHours      = 24
	maxWindowHours          = 24 * 30
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

func queryHours(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return defaultWindowHours, nil
	}
	h, err := strconv.ParseFloat(raw, 64)
	if err != nil || h <= 0 || h > maxWindowHours {
		return 0, errors.New("hours must be between 0 and 720")
	}
	return h, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

func (s *Server) systemHealthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.telemetry.SystemHealth(r.Context()))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAlertLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.telemetry.RecentAlerts(r.Context(), limit))
}

func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.telemetry.ResolveAlert(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "alert not found")
	case err != nil:
		s.logger.Error("Failed to resolve alert", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to resolve alert")
	default:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
	}
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.telemetry.MetricsSummary(r.Context(), hours))
}

func (s *Server) trendsHandler(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hourly_trends":    s.telemetry.PerformanceTrends(r.Context(), hours),
		"time_range_hours": hours,
	})
}

type metricRequest struct {
	MetricType string         `json:"metric_type"`
	Value      *float64       `json:"value"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) recordMetricHandler(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MetricType == "" || req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "metric_type and value are required")
		return
	}

	id := s.telemetry.RecordMetric(r.Context(), req.MetricType, *req.Value, req.Metadata)
	if id == "" {
		s.writeError(w, http.StatusServiceUnavailable, "metric store unavailable")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type operationRequest struct {
	LatencyMs float64 `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
	Success   *bool   `json:"success"`
}

func (s *Server) recordOperationHandler(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LatencyMs < 0 || req.CostUSD < 0 {
		s.writeError(w, http.StatusBadRequest, "latency_ms and cost_usd must not be negative")
		return
	}

	success := req.Success == nil || *req.Success
	s.telemetry.RecordOperation(r.Context(), req.LatencyMs, req.CostUSD, success)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) latencyHandler(w http.ResponseWriter, r *http.Request) {
	stats, anomalies := s.telemetry.LatencyStats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":     stats,
		"anomalies": anomalies,
	})
}

func (s *Server) observationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultObservationLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.observations.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to get observations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get observations")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.observations.PendingFeedback(r.Context())
	if err != nil {
		s.logger.Error("Failed to get pending observations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get pending observations")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type feedbackRequest struct {
	Verdict string `json:"verdict"`
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	o, err := s.observations.SetFeedback(r.Context(), id, req.Verdict)
	switch {
	case errors.Is(err, observation.ErrInvalidVerdict):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, observation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "observation not found")
	case err != nil:
		s.logger.Error("Feedback save error", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save feedback")
	default:
		s.writeJSON(w, http.StatusOK, o)
	}
}

func (s *Server) modelStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.observations.ModelStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to get model stats", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get model stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPerformanceLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := s.observations.PerformanceHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to get performance history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get performance history")
		return
	}
	if history == nil {
		history = []observation.PerformanceSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, history)
}
