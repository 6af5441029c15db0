package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lendpath.io/internal/audit"
	"lendpath.io/internal/obs"
	"lendpath.io/internal/ratelimit"
	"lendpath.io/internal/trace"
)

func newMiddlewareAPI(log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{log: log, metrics: obs.NewMetrics(), tracer: trace.New()}
}

func TestCorrelationIDEchoed(t *testing.T) {
	a := newMiddlewareAPI(nil)
	var seen audit.RequestMeta
	handler := a.correlate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.MetaFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(obs.CorrelationHeader, "req-123")
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "10.1.2.3:4567"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(obs.CorrelationHeader); got != "req-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
	if seen.CorrelationID != "req-123" || seen.IPAddress != "10.1.2.3" || seen.UserAgent != "middleware-test" {
		t.Fatalf("unexpected request meta: %+v", seen)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get(obs.CorrelationHeader) == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestRecovererReturnsJSON(t *testing.T) {
	a := newMiddlewareAPI(nil)
	handler := a.correlate(a.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "InternalError" || body.CorrelationID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestProductionHidesInternalDetail(t *testing.T) {
	a := newMiddlewareAPI(nil)
	a.production = true
	handler := a.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("secret detail")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Detail != "" {
		t.Fatalf("detail leaked in production: %q", body.Detail)
	}
}

func TestSecurityHeaders(t *testing.T) {
	a := newMiddlewareAPI(nil)
	a.production = true
	rr := httptest.NewRecorder()
	a.securityHeaders(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Strict-Transport-Security"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true}, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := newMiddlewareAPI(zap.New(core))

	rr := httptest.NewRecorder()
	a.rateLimit(brokenLimiter{}, "api")(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request to pass, got %d", rr.Code)
	}
	if logs.FilterMessage("rate limiter unavailable").Len() != 1 {
		t.Fatal("expected limiter failure to be logged")
	}
}

func TestRateLimitExceeded(t *testing.T) {
	a := newMiddlewareAPI(nil)
	handler := a.correlate(a.rateLimit(ratelimit.NewMemory(1, time.Minute), "api")(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected a different client to pass, got %d", rr3.Code)
	}
}

func TestObserveLogsRouteTemplateAndTraces(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	a := newMiddlewareAPI(zap.New(core))

	r := chi.NewRouter()
	r.Use(a.correlate, a.observe)
	r.Get("/api/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		done := trace.StartSpan(r.Context(), "db.find_lead")
		done(nil)
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/leads/01HX", nil)
	req.Header.Set(obs.CorrelationHeader, "trace-me")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/api/leads/{id}" || fields["status"] != int64(http.StatusTeapot) || fields["correlation_id"] != "trace-me" {
		t.Fatalf("unexpected log fields: %v", fields)
	}

	tr, ok := a.tracer.Find("trace-me")
	if !ok {
		t.Fatal("expected trace to be recorded")
	}
	if tr.Route != "/api/leads/{id}" || len(tr.Spans) != 1 || tr.Spans[0].Name != "db.find_lead" {
		t.Fatalf("unexpected trace: %+v", tr)
	}
}
