package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
)

// maxBodyBytes bounds POST bodies (ingest batches included).
const maxBodyBytes = 8 << 20

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "kubilitics-forecast",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ─── Forecasting ──────────────────────────────────────────────────────────────

// handleForecast: GET /api/v1/forecast?history_days&forecast_days
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.forecast()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.Forecast(r.Context(), p.HistoryDays, p.ForecastDays))
}

// handleForecastVolume: GET /api/v1/forecast/volume?history_days&forecast_days
func (s *Server) handleForecastVolume(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.forecast()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.ForecastVolume(r.Context(), p.HistoryDays, p.ForecastDays))
}

// ─── Budget ───────────────────────────────────────────────────────────────────

// handleBudgetProjection: GET /api/v1/budget/projection?total_budget&history_days
func (s *Server) handleBudgetProjection(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.budget()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.Project(r.Context(), p.TotalBudget, p.HistoryDays))
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// handleAnomalies: GET /api/v1/anomalies?history_days&z_threshold
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.detect()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.Detect(r.Context(), p.HistoryDays, p.ZThreshold))
}

// handleAboveAverage: GET /api/v1/anomalies/above-average?history_days&multiple
func (s *Server) handleAboveAverage(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.aboveAverage()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.DetectAboveAverage(r.Context(), p.HistoryDays, p.Multiple))
}

// handleBursts: GET /api/v1/anomalies/bursts?window_days
func (s *Server) handleBursts(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.bursts()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.DetectBursts(r.Context(), p.WindowDays))
}

// handleSentinel: POST /api/v1/anomalies/sentinel
func (s *Server) handleSentinel(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, s.engine.CheckSentinel(r.Context()))
}

// handleAnomalyLog: GET /api/v1/anomalies/log?limit
func (s *Server) handleAnomalyLog(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.alertLog()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.RecentAlerts(r.Context(), p.Limit))
}

// ─── Capacity ─────────────────────────────────────────────────────────────────

// handleCapacityFromSource: GET /api/v1/capacity/recommendations?history_days
func (s *Server) handleCapacityFromSource(w http.ResponseWriter, r *http.Request) {
	p := s.config.Defaults.capacity()
	if !s.parseQuery(w, r, &p) {
		return
	}
	jsonOK(w, s.engine.RecommendFromSource(r.Context(), p.HistoryDays))
}

// handleCapacityRecommend: POST /api/v1/capacity/recommendations
//
//	Body: {"stats":[{"resource_id":"ETL","current_size":"MEDIUM","query_count":40,"avg_queue_ms":7000}]}
func (s *Server) handleCapacityRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	jsonOK(w, s.engine.Recommend(r.Context(), req.usage()))
}

// ─── Cache ────────────────────────────────────────────────────────────────────

// handleCacheClear: DELETE /api/v1/cache?key  (no key clears everything)
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var p cacheParams
	if !s.parseQuery(w, r, &p) {
		return
	}
	if err := s.engine.ClearCache(r.Context(), p.Key); err != nil {
		s.logger.Error("Cache clear failed", zap.String("key", p.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonOK(w, map[string]interface{}{"success": true, "key": p.Key})
}

// ─── Ingest ───────────────────────────────────────────────────────────────────

// handleIngestMetering: POST /api/v1/usage/metering
func (s *Server) handleIngestMetering(w http.ResponseWriter, r *http.Request) {
	var req meteringRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	events := req.events()
	s.writeIngest(w, len(events), s.engine.RecordMetering(r.Context(), events))
}

// handleIngestQueries: POST /api/v1/usage/queries
func (s *Server) handleIngestQueries(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	events := req.events()
	s.writeIngest(w, len(events), s.engine.RecordQueries(r.Context(), events))
}

func (s *Server) writeIngest(w http.ResponseWriter, n int, err error) {
	switch {
	case errors.Is(err, analytics.ErrReadOnly):
		writeError(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		s.logger.Error("Ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "ingested": n})
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) parseQuery(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeQuery(r.URL.Query(), dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// writeJSON encodes v before writing the status, so a value that cannot be
// encoded becomes a 500 instead of an empty body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("Failed to encode response", zap.Int("status", status), zap.Error(err))
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func jsonOK(w http.ResponseWriter, v interface{}) { writeJSON(w, http.StatusOK, v) }

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
