// Package health runs named dependency checks and reports liveness,
// readiness and startup state over HTTP and grpc.health.v1.
package health

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status is the state of one check or of the whole service.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusStarting Status = "starting"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Pinger is satisfied by the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Latency  time.Duration `json:"latencyNs"`
	Error    string        `json:"error,omitempty"`
}

// Report aggregates every check.
type Report struct {
	Status    Status        `json:"status"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptimeNs"`
	CheckedAt time.Time     `json:"checkedAt"`
	Checks    []CheckResult `json:"checks"`
}

// RuntimeStats is a snapshot of process resource usage.
type RuntimeStats struct {
	Goroutines  int    `json:"goroutines"`
	HeapAlloc   uint64 `json:"heapAllocBytes"`
	HeapSys     uint64 `json:"heapSysBytes"`
	NumGC       uint32 `json:"numGc"`
	GoVersion   string `json:"goVersion"`
	NumCPU      int    `json:"numCpu"`
	LastPauseNs uint64 `json:"lastPauseNs"`
}

// Monitor holds the registered checks and the serving state.
type Monitor struct {
	mu      sync.RWMutex
	checks  []check
	started atomic.Bool
	since   time.Time
	version string
	timeout time.Duration
	grpc    *health.Server
	log     *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout bounds each check run.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger reports state changes.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

func NewMonitor(version string, opts ...Option) *Monitor {
	m := &Monitor{
		since:   time.Now(),
		version: version,
		timeout: 2 * time.Second,
		grpc:    health.NewServer(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register adds a check. Critical checks gate readiness.
func (m *Monitor) Register(name string, critical bool, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn, critical: critical})
}

// RegisterPinger adds a check backed by p.Ping.
func (m *Monitor) RegisterPinger(name string, critical bool, p Pinger) {
	m.Register(name, critical, p.Ping)
}

// MarkStarted opens the startup gate.
func (m *Monitor) MarkStarted() {
	if m.started.CompareAndSwap(false, true) {
		m.log.Info("service started", zap.Duration("startup", time.Since(m.since)))
	}
}

// Started reports whether MarkStarted has run.
func (m *Monitor) Started() bool { return m.started.Load() }

// Live reports process liveness. It never touches dependencies.
func (m *Monitor) Live() bool { return true }

// Uptime is the time since the monitor was created.
func (m *Monitor) Uptime() time.Duration { return time.Since(m.since) }

// GRPC exposes the grpc.health.v1 implementation kept in sync by Check.
func (m *Monitor) GRPC() healthpb.HealthServer { return m.grpc }

// Shutdown marks the service not serving for every watcher.
func (m *Monitor) Shutdown() { m.grpc.Shutdown() }

// Check runs every check concurrently and publishes the result to gRPC.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	checks := append([]check(nil), m.checks...)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := time.Now()
			err := c.fn(cctx)
			r := CheckResult{Name: c.name, Status: StatusUp, Critical: c.critical, Latency: time.Since(start)}
			if err != nil {
				r.Status = StatusDown
				r.Error = err.Error()
			}
			results[i] = r
		}(i, c)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{Status: StatusUp, Version: m.version, Uptime: m.Uptime(), CheckedAt: time.Now().UTC(), Checks: results}
	if !m.Started() {
		report.Status = StatusStarting
	}
	for _, r := range results {
		if r.Status == StatusDown && r.Critical {
			report.Status = StatusDown
			m.log.Warn("health check failed", zap.String("check", r.Name), zap.String("error", r.Error))
		}
	}
	m.publish(report.Status)
	return report
}

// Ready reports whether the service can take traffic.
func (m *Monitor) Ready(ctx context.Context) (bool, Report) {
	r := m.Check(ctx)
	return r.Status == StatusUp, r
}

func (m *Monitor) publish(s Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s == StatusUp {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.grpc.SetServingStatus("", status)
}

// Run re-checks every interval so gRPC watchers see state changes without
// HTTP traffic.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Runtime samples Go runtime statistics.
func Runtime() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		NumGC:       ms.NumGC,
		GoVersion:   runtime.Version(),
		NumCPU:      runtime.NumCPU(),
		LastPauseNs: ms.PauseNs[(ms.NumGC+255)%256],
	}
}
