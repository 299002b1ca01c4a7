package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

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

func TestTransitionUsesPredecessorArray(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("UPDATE scan_requests").
		WithArgs(domain.StatusCanceled, "", sqlmock.AnyArg(), sqlmock.AnyArg(), domain.RequestID("r1"),
			pq.Array([]string{"queued", "processing"})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Transition(context.Background(), "r1", domain.StatusCanceled, "", time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionLostRace(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("UPDATE scan_requests").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM scan_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("canceled"))
	err := repo.Transition(context.Background(), "r1", domain.StatusProcessing, "", time.Now())
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "project_id", "target", "categories", "cidr", "status", "message",
		"artifact_url", "queued_at", "started_at", "finished_at"}).
		AddRow("a", "p", []byte(`{"address":"h1"}`), "{server,cluster}", "", "queued", "", "", now, nil, nil).
		AddRow("b", "p", []byte(`{"address":"h2"}`), "{}", "10.0.0.0/30", "queued", "", "", now, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM scan_requests").WithArgs(domain.StatusQueued, 2).WillReturnRows(rows)

	got, err := repo.ListByStatus(context.Background(), domain.StatusQueued, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Wants(domain.CategoryCluster) || !got[1].HostRange() {
		t.Fatalf("got = %+v %+v", got[0], got[1])
	}
}

func TestSaveObjectReturnsID(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO cluster_objects").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	id, err := repo.SaveObject(context.Background(), "r1", cluster.Object{Kind: "Node", Name: "n1"})
	if err != nil || id != 7 {
		t.Fatalf("id = %d err = %v", id, err)
	}
}

func TestSaveHostsCommits(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO discovered_hosts").
		WithArgs(domain.RequestID("r1"), "10.0.0.1", true, 64, "linux", pq.Array([]int64{22})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err := repo.SaveDiscoveredHosts(context.Background(), "r1", []domain.DiscoveredHost{
		{Address: "10.0.0.1", Reachable: true, TTL: 64, OS: "linux", OpenPorts: []int{22}},
	})
	if err != nil {
		t.Fatal(err)
	}
}
