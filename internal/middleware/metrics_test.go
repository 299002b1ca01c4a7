package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/application/worker"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.ScanQueued()
	m.ScanQueued()
	m.ScanStarted()
	m.ScanFinished(domain.StatusCompleted, 2*time.Second)
	m.ScanDropped(domain.StatusCanceled)
	m.RemoteCall()
	m.SetPool(worker.Stats{Workers: 3})
	m.InFlight = func() int { return 4 }

	snap := m.Snapshot()
	if snap["scans_running"].(int64) != 0 || snap["scans_completed"].(uint64) != 1 || snap["scans_canceled"].(uint64) != 1 {
		t.Fatalf("snapshot = %v", snap)
	}
	if snap["scan_avg_seconds"].(float64) != 2 {
		t.Fatalf("avg = %v", snap["scan_avg_seconds"])
	}
	if snap["scans_in_flight"].(int) != 4 {
		t.Fatalf("in flight = %v", snap["scans_in_flight"])
	}
	if snap["pool"].(worker.Stats).Workers != 3 {
		t.Fatalf("pool = %+v", snap["pool"])
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	if m.RequestsSuccess.Load() != 2 || m.RequestsFailed.Load() != 1 || m.RequestsInProgress.Load() != 0 {
		t.Fatalf("success=%d failed=%d", m.RequestsSuccess.Load(), m.RequestsFailed.Load())
	}

	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["requests_total"].(float64) != 3 {
		t.Fatalf("body = %v", body)
	}
}
