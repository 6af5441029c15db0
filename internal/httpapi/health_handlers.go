package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/health"
	"lendpath.io/internal/obs"
)

const recentTraceLimit = 50

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   obs.ServiceName,
		"version":   a.version,
		"uptime":    a.monitor.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, report := a.monitor.Ready(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (a *API) handleStartup(w http.ResponseWriter, r *http.Request) {
	if !a.monitor.Started() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": health.StatusStarting})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": health.StatusUp})
}

func (a *API) handleTraceMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":  a.tracer.Stats(),
		"runtime": health.Runtime(),
		"uptime":  a.monitor.Uptime().Round(time.Second).String(),
	})
}

// handleDetailed exposes checks, recent traces and runtime internals. It is
// not routed in production.
func (a *API) handleDetailed(w http.ResponseWriter, r *http.Request) {
	limit := recentTraceLimit
	if raw := r.URL.Query().Get("traces"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.respondError(w, r, apperr.Validation("Invalid query").WithField("traces", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	report := a.monitor.Check(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusDown {
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"health":  report,
		"runtime": health.Runtime(),
		"routes":  a.tracer.Stats(),
		"traces":  a.tracer.Recent(limit),
	}
	if id := r.URL.Query().Get("correlationId"); id != "" {
		if tr, ok := a.tracer.Find(id); ok {
			body["trace"] = tr
		}
	}
	writeJSON(w, code, body)
}
