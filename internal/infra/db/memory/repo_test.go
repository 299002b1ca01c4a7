package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

var _ domain.Repository = (*Repository)(nil)
var _ cluster.Store = (*Repository)(nil)

func TestTransitionGuard(t *testing.T) {
	ctx := context.Background()
	m := NewRepository()
	if err := m.Create(ctx, &domain.ScanRequest{ID: "r1", ProjectID: "p", Status: domain.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if err := m.Transition(ctx, "r1", domain.StatusCompleted, "", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("queued -> completed err = %v", err)
	}
	if err := m.Transition(ctx, "r1", domain.StatusProcessing, "", now); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, "r1", domain.StatusCompleted, "ok", now); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, "r1", domain.StatusFailed, "", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal must stay terminal, err = %v", err)
	}
	r, err := m.Get(ctx, "p", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != domain.StatusCompleted || r.StartedAt == nil || r.FinishedAt == nil {
		t.Fatalf("request = %+v", r)
	}
	if _, err := m.Get(ctx, "other", "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-project get err = %v", err)
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	m := NewRepository()
	for _, id := range []domain.RequestID{"a", "b", "c"} {
		_ = m.Create(ctx, &domain.ScanRequest{ID: id, ProjectID: "p", Status: domain.StatusQueued})
	}
	_ = m.Transition(ctx, "a", domain.StatusProcessing, "", time.Now())
	_ = m.Transition(ctx, "b", domain.StatusProcessing, "", time.Now())

	n, err := m.Reconcile(ctx, domain.StatusProcessing, domain.StatusFailed, "interrupted by restart", time.Now())
	if err != nil || n != 2 {
		t.Fatalf("n = %d err = %v", n, err)
	}
	counts := m.CountByStatus()
	if counts[domain.StatusFailed] != 2 || counts[domain.StatusQueued] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	queued, _ := m.ListByStatus(ctx, domain.StatusQueued, 10)
	if len(queued) != 1 || queued[0].ID != "c" {
		t.Fatalf("queued = %+v", queued)
	}
}

func TestClusterStore(t *testing.T) {
	ctx := context.Background()
	m := NewRepository()
	id, _ := m.SaveObject(ctx, "s", cluster.Object{Kind: "Namespace", Name: "default"})
	got, ok, err := m.FindObject(ctx, "s", "Namespace", "", "default")
	if err != nil || !ok || got != id {
		t.Fatalf("find = %d %v %v", got, ok, err)
	}
	if _, ok, _ := m.FindObject(ctx, "other", "Namespace", "", "default"); ok {
		t.Fatal("objects must be scoped to the scan")
	}
}
