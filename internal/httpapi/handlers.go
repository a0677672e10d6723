package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/ingest"
	"envwatch/internal/signal"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	logx "envwatch/pkg/logx"

	"github.com/go-chi/chi/v5"
)

const maxIngestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleWeatherColor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts unavailable")
		return
	}
	v := s.deps.Alerts.View(r.Context(), s.cfg.WeatherJob)
	writeJSON(w, http.StatusOK, map[string]string{"alert": string(v.Color)})
}

func (s *Server) handleWeatherRemark(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts unavailable")
		return
	}
	v := s.deps.Alerts.View(r.Context(), s.cfg.WeatherJob)
	writeJSON(w, http.StatusOK, map[string]string{"remark": v.Remark})
}

func (s *Server) handleAQI(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts unavailable")
		return
	}
	v := s.deps.Alerts.View(r.Context(), s.cfg.AQIJob)
	writeJSON(w, http.StatusOK, map[string]string{"color": string(v.Color), "remark": v.Remark})
}

type alertResponse struct {
	alert.View
	ConsecutiveFailures int `json:"consecutive_failures"`
}

func (s *Server) jobTypeParam(w http.ResponseWriter, r *http.Request) (alert.JobType, bool) {
	t := alert.JobType(chi.URLParam(r, "jobType"))
	if !t.Valid() || (len(s.deps.JobTypes) > 0 && !slices.Contains(s.deps.JobTypes, t)) {
		writeError(w, http.StatusNotFound, "unknown job type")
		return "", false
	}
	return t, true
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobTypeParam(w, r)
	if !ok {
		return
	}
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts unavailable")
		return
	}
	resp := alertResponse{View: s.deps.Alerts.View(r.Context(), t)}
	if s.deps.Engine != nil {
		resp.ConsecutiveFailures = s.deps.Engine.ConsecutiveFailures(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePM25Avg(window time.Duration, round bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Readings == nil {
			writeError(w, http.StatusServiceUnavailable, "readings store disabled")
			return
		}
		avg, n, err := s.deps.Readings.AvgPM25Since(r.Context(), s.now().Add(-window))
		if err != nil {
			s.log.Error("pm25 average failed", logx.Duration("window", window), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "Failed to fetch PM2.5 average")
			return
		}
		if n == 0 {
			avg = 0
		}
		if round {
			avg = math.Round(avg*100) / 100
		}
		writeJSON(w, http.StatusOK, map[string]float64{"avg_pm25": avg})
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid or missing request body"})
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid or missing request body"})
		return
	}
	if s.deps.Readings == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "readings store disabled"})
		return
	}
	values, err := signal.Decode(body, nil, nil)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid or missing request body"})
		return
	}
	n, err := ingest.Record(r.Context(), s.deps.Readings, values, s.now().UTC())
	if err != nil && !errors.Is(err, ingest.ErrNoReadings) {
		s.log.Error("ingest failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Internal server error"})
		return
	}
	s.log.Debug("ingest accepted", logx.Int("stored", n), logx.Int("fields", len(values)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stored": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "time": s.now().UTC()}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	var states []storage.JobState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := storage.JobState(strings.TrimSpace(part))
			switch st {
			case storage.StateWaiting, storage.StateDelayed, storage.StateActive:
				states = append(states, st)
			default:
				writeError(w, http.StatusBadRequest, "unknown state "+string(st))
				return
			}
		}
	}
	jobs, err := s.deps.Queue.List(r.Context(), states...)
	if err != nil {
		s.log.Error("queue list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "queue list failed")
		return
	}
	counts := map[storage.JobState]int{}
	for _, j := range jobs {
		counts[j.State]++
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "counts": counts})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Snapshot())
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobTypeParam(w, r)
	if !ok {
		return
	}
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	var delay time.Duration
	if raw := r.URL.Query().Get("delay"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		delay = d
	}
	job, err := s.deps.Engine.Submit(r.Context(), t, delay)
	switch {
	case errors.Is(err, storage.ErrCoalesced):
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "coalesced": true})
	case errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.log.Error("submit failed", logx.String("job_type", t.String()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "coalesced": false})
	}
}
