package httpapi

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/obs"
	"lendpath.io/internal/ratelimit"
)

type requestStateKey struct{}

// requestState is shared between the outer logging middleware and handlers
// that learn the caller's identity later in the chain.
type requestState struct {
	userID string
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// correlate assigns the correlation id and the audit request metadata.
func (a *API) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := obs.SanitizeCorrelationID(r.Header.Get(obs.CorrelationHeader))
		w.Header().Set(obs.CorrelationHeader, id)
		ctx := obs.WithCorrelationID(r.Context(), id)
		ctx = audit.WithRequestMeta(ctx, audit.RequestMeta{
			IPAddress:     clientIP(r),
			UserAgent:     r.UserAgent(),
			CorrelationID: id,
		})
		ctx = context.WithValue(ctx, requestStateKey{}, &requestState{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// observe logs, counts and traces every request under its route template.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx, tr := a.tracer.Begin(r.Context(), obs.CorrelationID(r.Context()), r.Method, r.URL.Path)
		a.metrics.RequestStarted()

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		d := time.Since(start)
		a.metrics.RequestFinished(r.Method, route, status, d)
		a.tracer.Finish(tr, route, status)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", d),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("correlation_id", obs.CorrelationID(r.Context())),
		}
		if st := stateFrom(r.Context()); st != nil && st.userID != "" {
			fields = append(fields, zap.String("user_id", st.userID))
		}
		switch {
		case status >= 500:
			a.log.Error("http request", fields...)
		case status >= 400:
			a.log.Warn("http request", fields...)
		default:
			a.log.Info("http request", fields...)
		}
	})
}

// recoverer turns a handler panic into a 500 with the standard error body.
func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.log.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("correlation_id", obs.CorrelationID(r.Context())),
				zap.Stack("stack"),
			)
			a.respondError(w, r, apperr.Internal(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeaders hardens JSON responses.
func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if a.production {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", obs.CorrelationHeader},
		ExposedHeaders:   []string{obs.CorrelationHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

// maxBodyBytes limits request body size.
func maxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies lim per client IP. Limiter errors are logged and the
// request proceeds when the limiter still allows it.
func (a *API) rateLimit(lim ratelimit.Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lim == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if ip == "" {
				ip = "unknown"
			}
			d, err := lim.Allow(r.Context(), ip)
			if err != nil {
				a.log.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				a.metrics.RateLimited(scope)
				a.respondError(w, r, apperr.RateLimited("Too many requests, please try again later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the remote host. X-Forwarded-For is honoured by the
// RealIP middleware only when the proxy is trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
