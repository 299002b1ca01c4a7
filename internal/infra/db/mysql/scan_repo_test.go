package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

var _ domain.Repository = (*ScanRepository)(nil)
var _ cluster.Store = (*ScanRepository)(nil)

func newMock(t *testing.T) (*ScanRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		db.Close()
	})
	return NewScanRepository(db), mock
}

func TestCreateOmitsCredentials(t *testing.T) {
	repo, mock := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("INSERT INTO scan_requests").
		WithArgs("r1", "p", `{"address":"10.0.0.1","username":"root","os":"unix"}`, "server,database", "",
			domain.StatusQueued, "", "", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &domain.ScanRequest{
		ID:         "r1",
		ProjectID:  "p",
		Target:     domain.TargetHost{Address: "10.0.0.1", Username: "root", Password: "secret", OS: domain.OSUnix},
		Categories: []domain.Category{domain.CategoryServer, domain.CategoryDatabase},
		Status:     domain.StatusQueued,
		QueuedAt:   at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGet(t *testing.T) {
	repo, mock := newMock(t)
	started := time.Now().UTC()
	cols := []string{"id", "project_id", "target", "categories", "cidr", "status", "message",
		"artifact_url", "queued_at", "started_at", "finished_at"}
	mock.ExpectQuery("SELECT (.+) FROM scan_requests").
		WithArgs("p", domain.RequestID("r1")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r1", "p", `{"address":"h"}`, "middleware", "", "processing", "", "", started, started, nil))

	r, err := repo.Get(context.Background(), "p", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Target.Address != "h" || len(r.Categories) != 1 || r.StartedAt == nil || r.FinishedAt != nil {
		t.Fatalf("request = %+v", r)
	}

	mock.ExpectQuery("SELECT (.+) FROM scan_requests").
		WithArgs("p", domain.RequestID("nope")).
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := repo.Get(context.Background(), "p", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTransition(t *testing.T) {
	at := time.Now()
	cases := []struct {
		name     string
		affected int64
		current  []string
		want     error
	}{
		{"moved", 1, nil, nil},
		{"wrong predecessor", 0, []string{"completed"}, domain.ErrInvalidTransition},
		{"missing", 0, []string{}, domain.ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			repo, mock := newMock(t)
			mock.ExpectExec("UPDATE scan_requests").
				WithArgs(domain.StatusFailed, "boom", sqlmock.AnyArg(), sqlmock.AnyArg(), domain.RequestID("r1"), domain.StatusProcessing).
				WillReturnResult(sqlmock.NewResult(0, c.affected))
			if c.current != nil {
				rows := sqlmock.NewRows([]string{"status"})
				for _, s := range c.current {
					rows.AddRow(s)
				}
				mock.ExpectQuery("SELECT status FROM scan_requests").WillReturnRows(rows)
			}
			err := repo.Transition(context.Background(), "r1", domain.StatusFailed, "boom", at)
			if !errors.Is(err, c.want) || (c.want == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, c.want)
			}
		})
	}
}

func TestTransitionToQueuedRejected(t *testing.T) {
	repo, _ := newMock(t)
	if err := repo.Transition(context.Background(), "r1", domain.StatusQueued, "", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconcile(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("UPDATE scan_requests").
		WithArgs(domain.StatusFailed, "interrupted by restart", sqlmock.AnyArg(), sqlmock.AnyArg(), domain.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.Reconcile(context.Background(), domain.StatusProcessing, domain.StatusFailed, "interrupted by restart", time.Now())
	if err != nil || n != 3 {
		t.Fatalf("n = %d err = %v", n, err)
	}
}

func TestSaveRecordsRollsBack(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assessment_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO assessment_records").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	recs := []domain.AssessmentRecord{
		{Key: domain.RecordKey{Target: "h", Type: domain.TypeTomcat, Instance: "/srv/a"}},
		{Key: domain.RecordKey{Target: "h", Type: domain.TypeTomcat, Instance: "/srv/b"}},
	}
	if err := repo.SaveRecords(context.Background(), "r1", recs); err == nil {
		t.Fatal("want error")
	}
}

func TestListRecords(t *testing.T) {
	repo, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"target", "type", "instance", "category", "vendor", "pid",
		"facts", "missing", "outcome", "error", "collected_at"}).
		AddRow("h", "NGINX", "/etc/nginx", "middleware", "", "17",
			`{"version":{"value":"1.24.0","step":"nginx -v"}}`, `["config"]`, "partial", "", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM assessment_records").WithArgs(domain.RequestID("r1")).WillReturnRows(rows)

	recs, err := repo.ListRecords(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Facts["version"].Value != "1.24.0" || recs[0].Missing[0] != "config" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestClusterStore(t *testing.T) {
	repo, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO cluster_objects").WillReturnResult(sqlmock.NewResult(42, 2))
	id, err := repo.SaveObject(ctx, "r1", cluster.Object{Kind: "Pod", Namespace: "default", Name: "web"})
	if err != nil || id != 42 {
		t.Fatalf("id = %d err = %v", id, err)
	}

	mock.ExpectQuery("SELECT id FROM cluster_objects").
		WithArgs(domain.RequestID("r1"), "Node", "", "n1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, ok, err := repo.FindObject(ctx, "r1", "Node", "", "n1"); ok || err != nil {
		t.Fatalf("ok = %v err = %v", ok, err)
	}

	mock.ExpectExec("INSERT IGNORE INTO cluster_links").
		WithArgs(domain.RequestID("r1"), int64(1), int64(42), "namespace").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Link(ctx, "r1", 1, 42, "namespace"); err != nil {
		t.Fatal(err)
	}
}
