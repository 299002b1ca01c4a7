package middleware

import (
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/application/worker"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Metrics stores application metrics. It is the orchestrator's Observer
// and the supervisor's OnStats sink.
type Metrics struct {
	RequestsTotal      atomic.Uint64
	RequestsInProgress atomic.Int64
	RequestsSuccess    atomic.Uint64
	RequestsFailed     atomic.Uint64

	ScansQueued    atomic.Uint64
	ScansRunning   atomic.Int64
	ScansCompleted atomic.Uint64
	ScansFailed    atomic.Uint64
	ScansCanceled  atomic.Uint64
	RemoteCalls    atomic.Uint64

	scanNanos atomic.Int64
	ran       atomic.Uint64
	StartTime time.Time

	// InFlight, when set, reports requests registered with the orchestrator.
	InFlight func() int

	mu   sync.Mutex
	pool worker.Stats
}

func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

func (m *Metrics) ScanQueued() { m.ScansQueued.Add(1) }

func (m *Metrics) ScanStarted() { m.ScansRunning.Add(1) }

func (m *Metrics) ScanFinished(status domain.Status, took time.Duration) {
	m.ScansRunning.Add(-1)
	m.scanNanos.Add(int64(took))
	m.ran.Add(1)
	m.count(status)
}

func (m *Metrics) ScanDropped(status domain.Status) { m.count(status) }

func (m *Metrics) count(status domain.Status) {
	switch status {
	case domain.StatusCompleted:
		m.ScansCompleted.Add(1)
	case domain.StatusFailed:
		m.ScansFailed.Add(1)
	case domain.StatusCanceled:
		m.ScansCanceled.Add(1)
	}
}

// RemoteCall counts one command sent to a target.
func (m *Metrics) RemoteCall() { m.RemoteCalls.Add(1) }

// SetPool records the latest pool snapshot from the monitor.
func (m *Metrics) SetPool(s worker.Stats) {
	m.mu.Lock()
	m.pool = s
	m.mu.Unlock()
}

// Snapshot returns current metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()

	var avg float64
	if ran := m.ran.Load(); ran > 0 {
		avg = time.Duration(m.scanNanos.Load() / int64(ran)).Seconds()
	}

	inflight := 0
	if m.InFlight != nil {
		inflight = m.InFlight()
	}

	return map[string]interface{}{
		"requests_total":       m.RequestsTotal.Load(),
		"requests_in_progress": m.RequestsInProgress.Load(),
		"requests_success":     m.RequestsSuccess.Load(),
		"requests_failed":      m.RequestsFailed.Load(),
		"scans_queued":         m.ScansQueued.Load(),
		"scans_running":        m.ScansRunning.Load(),
		"scans_in_flight":      inflight,
		"scans_completed":      m.ScansCompleted.Load(),
		"scans_failed":         m.ScansFailed.Load(),
		"scans_canceled":       m.ScansCanceled.Load(),
		"scan_avg_seconds":     avg,
		"remote_calls":         m.RemoteCalls.Load(),
		"pool":                 pool,
		"uptime_seconds":       time.Since(m.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       ms.Alloc,
			"total_alloc_bytes": ms.TotalAlloc,
			"sys_bytes":         ms.Sys,
			"num_gc":            ms.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// Middleware tracks request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsTotal.Add(1)
		m.RequestsInProgress.Add(1)
		defer m.RequestsInProgress.Add(-1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < 400 {
			m.RequestsSuccess.Add(1)
		} else {
			m.RequestsFailed.Add(1)
		}
	})
}

// Handler returns metrics as JSON
func (m *Metrics) Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.Snapshot())
}
