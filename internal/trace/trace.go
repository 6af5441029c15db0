// Package trace records per-request traces in a bounded in-process buffer
// and keeps per-route latency windows for the health endpoints. It is a
// diagnostic aid; Prometheus remains the authoritative metrics source.
package trace

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultCapacity  = 1000
	DefaultWindow    = 500
	DefaultRetention = time.Hour
	maxSpansPerTrace = 64
)

// Span is one timed step inside a request.
type Span struct {
	Name     string        `json:"name"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"durationNs"`
	Error    string        `json:"error,omitempty"`
}

// Trace is the record of one request.
type Trace struct {
	CorrelationID string        `json:"correlationId"`
	Method        string        `json:"method"`
	Route         string        `json:"route"`
	Status        int           `json:"status"`
	Start         time.Time     `json:"start"`
	Duration      time.Duration `json:"durationNs"`
	Spans         []Span        `json:"spans"`

	mu sync.Mutex
}

func (t *Trace) addSpan(s Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Spans) < maxSpansPerTrace {
		t.Spans = append(t.Spans, s)
	}
}

// snapshot copies the trace without its lock.
func (t *Trace) snapshot() Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Trace{
		CorrelationID: t.CorrelationID,
		Method:        t.Method,
		Route:         t.Route,
		Status:        t.Status,
		Start:         t.Start,
		Duration:      t.Duration,
		Spans:         append([]Span(nil), t.Spans...),
	}
}

type traceKey struct{}

// FromContext returns the active trace, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

// StartSpan times a step of the current request. The returned func ends the
// span; pass the step's error, or nil. Without an active trace it is a no-op.
func StartSpan(ctx context.Context, name string) func(error) {
	t := FromContext(ctx)
	if t == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		s := Span{Name: name, Start: start, Duration: time.Since(start)}
		if err != nil {
			s.Error = err.Error()
		}
		t.addSpan(s)
	}
}

// window keeps the latest durations for one route.
type window struct {
	samples []time.Duration
	next    int
	full    bool
	count   int64
	errors  int64
}

func (w *window) add(d time.Duration, failed bool) {
	w.count++
	if failed {
		w.errors++
	}
	if !w.full {
		w.samples = append(w.samples, d)
		if len(w.samples) == cap(w.samples) {
			w.full = true
		}
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
}

// RouteStats summarizes one route's recent latency.
type RouteStats struct {
	Route     string        `json:"route"`
	Count     int64         `json:"count"`
	Errors    int64         `json:"errors"`
	ErrorRate float64       `json:"errorRate"`
	P50       time.Duration `json:"p50Ns"`
	P95       time.Duration `json:"p95Ns"`
	P99       time.Duration `json:"p99Ns"`
}

// percentile reads the nearest-rank percentile from sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Tracer owns the trace ring buffer and the route windows.
type Tracer struct {
	mu        sync.Mutex
	ring      []*Trace
	next      int
	stored    int
	windowCap int
	routes    map[string]*window
	retention time.Duration
	now       func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithCapacity bounds how many traces are kept.
func WithCapacity(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.ring = make([]*Trace, n)
		}
	}
}

// WithWindow bounds how many samples each route keeps for percentiles.
func WithWindow(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.windowCap = n
		}
	}
}

// WithRetention drops traces older than d on Sweep.
func WithRetention(d time.Duration) Option {
	return func(t *Tracer) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock overrides time.Now for request timing.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

func New(opts ...Option) *Tracer {
	t := &Tracer{
		ring:      make([]*Trace, DefaultCapacity),
		windowCap: DefaultWindow,
		routes:    make(map[string]*window),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin opens a trace for a request and attaches it to ctx.
func (t *Tracer) Begin(ctx context.Context, correlationID, method, path string) (context.Context, *Trace) {
	tr := &Trace{CorrelationID: correlationID, Method: method, Route: path, Start: t.now()}
	return context.WithValue(ctx, traceKey{}, tr), tr
}

// Finish closes tr with the matched route pattern and response status, then
// stores it. 5xx responses count as errors.
func (t *Tracer) Finish(tr *Trace, route string, status int) {
	if tr == nil {
		return
	}
	end := t.now()
	tr.mu.Lock()
	if route != "" {
		tr.Route = route
	}
	tr.Status = status
	tr.Duration = end.Sub(tr.Start)
	key := tr.Method + " " + tr.Route
	d := tr.Duration
	tr.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring[t.next] == nil {
		t.stored++
	}
	t.ring[t.next] = tr
	t.next = (t.next + 1) % len(t.ring)
	w, ok := t.routes[key]
	if !ok {
		w = &window{samples: make([]time.Duration, 0, t.windowCap)}
		t.routes[key] = w
	}
	w.add(d, status >= 500)
}

// Recent returns up to limit traces, newest first.
func (t *Tracer) Recent(limit int) []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > t.stored {
		limit = t.stored
	}
	out := make([]Trace, 0, limit)
	for i := 1; len(out) < limit && i <= len(t.ring); i++ {
		tr := t.ring[(t.next-i+len(t.ring))%len(t.ring)]
		if tr == nil {
			continue
		}
		out = append(out, tr.snapshot())
	}
	return out
}

// Find returns the stored trace with the given correlation id.
func (t *Tracer) Find(correlationID string) (Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.ring {
		if tr != nil && tr.CorrelationID == correlationID {
			return tr.snapshot(), true
		}
	}
	return Trace{}, false
}

// Stats summarizes every route, slowest p95 first.
func (t *Tracer) Stats() []RouteStats {
	t.mu.Lock()
	out := make([]RouteStats, 0, len(t.routes))
	for route, w := range t.routes {
		sorted := append([]time.Duration(nil), w.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		rs := RouteStats{
			Route:  route,
			Count:  w.count,
			Errors: w.errors,
			P50:    percentile(sorted, 0.50),
			P95:    percentile(sorted, 0.95),
			P99:    percentile(sorted, 0.99),
		}
		if w.count > 0 {
			rs.ErrorRate = float64(w.errors) / float64(w.count)
		}
		out = append(out, rs)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].P95 != out[j].P95 {
			return out[i].P95 > out[j].P95
		}
		return out[i].Route < out[j].Route
	})
	return out
}

// Sweep drops traces older than the retention and returns how many.
func (t *Tracer) Sweep() int {
	cutoff := t.now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i, tr := range t.ring {
		if tr != nil && tr.Start.Before(cutoff) {
			t.ring[i] = nil
			t.stored--
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (t *Tracer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}
