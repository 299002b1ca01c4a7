package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker is one dependency probed by /health.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// DatabaseHealthChecker pings the scan store.
type DatabaseHealthChecker struct {
	DB *sql.DB
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.DB.PingContext(ctx)
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

type CheckStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// HealthHandler runs every checker in parallel under one deadline and
// answers 503 if any of them fails.
func HealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			checks = make(map[string]CheckStatus, len(checkers))
		)
		for name, checker := range checkers {
			wg.Add(1)
			go func(name string, c HealthChecker) {
				defer wg.Done()
				start := time.Now()
				err := c.Check(ctx)
				st := CheckStatus{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
				if err != nil {
					st.Status, st.Message = "unhealthy", err.Error()
				}
				mu.Lock()
				checks[name] = st
				mu.Unlock()
			}(name, checker)
		}
		wg.Wait()

		health := HealthStatus{Status: "healthy", Timestamp: time.Now().UTC(), Checks: checks}
		code := http.StatusOK
		for _, c := range checks {
			if c.Status != "healthy" {
				health.Status, code = "unhealthy", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, health)
	}
}

// ReadinessHandler reports ready once ready() is true, i.e. after the
// orchestrator finished its startup reconcile and until it starts
// draining.
func ReadinessHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := HealthStatus{Status: "ready", Timestamp: time.Now().UTC()}
		code := http.StatusOK
		if ready != nil && !ready() {
			st.Status, code = "starting", http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
