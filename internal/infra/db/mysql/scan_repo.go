package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// ScanRepository implements scans.Repository and cluster.Store on MySQL.
// Credentials in TargetHost are never written.
type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const requestColumns = `id, project_id, target, categories, cidr, status, message,
       artifact_url, queued_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ScanRequest, error) {
	var (
		r                 domain.ScanRequest
		target, cats      string
		started, finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &target, &cats, &r.CIDR, &r.Status, &r.Message,
		&r.ArtifactURL, &r.QueuedAt, &started, &finished); err != nil {
		return nil, err
	}
	if err := decode(target, &r.Target); err != nil {
		return nil, fmt.Errorf("decode target of %s: %w", r.ID, err)
	}
	for _, c := range strings.Split(cats, ",") {
		if c != "" {
			r.Categories = append(r.Categories, domain.Category(c))
		}
	}
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

// Create insert request baru
func (r *ScanRepository) Create(ctx context.Context, s *domain.ScanRequest) error {
	const q = `
INSERT INTO scan_requests
(id, project_id, target, categories, cidr, status, message, artifact_url, queued_at)
VALUES (?,?,?,?,?,?,?,?,?);`
	target, err := encode(s.Target)
	if err != nil {
		return err
	}
	cats := make([]string, len(s.Categories))
	for i, c := range s.Categories {
		cats[i] = string(c)
	}
	queued := s.QueuedAt
	if queued.IsZero() {
		queued = time.Now()
	}
	_, err = r.db.ExecContext(ctx, q,
		s.ID, stringOrDash(s.ProjectID), target, strings.Join(cats, ","), s.CIDR,
		s.Status, s.Message, s.ArtifactURL, queued,
	)
	return err
}

// Get by ID + project
func (r *ScanRepository) Get(ctx context.Context, project string, id domain.RequestID) (*domain.ScanRequest, error) {
	q := `SELECT ` + requestColumns + `
FROM scan_requests
WHERE project_id=? AND id=? LIMIT 1;`
	s, err := scanRequest(r.db.QueryRowContext(ctx, q, project, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

// ListByStatus returns the oldest requests first.
func (r *ScanRepository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.ScanRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + requestColumns + `
FROM scan_requests
WHERE status=? ORDER BY queued_at ASC, id ASC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanRequest
	for rows.Next() {
		s, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Transition is a guarded UPDATE; zero affected rows means either the
// request is missing or its status is not a predecessor of to.
func (r *ScanRepository) Transition(ctx context.Context, id domain.RequestID, to domain.Status, message string, at time.Time) error {
	from := to.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("-> %s: %w", to, domain.ErrInvalidTransition)
	}
	q := `
UPDATE scan_requests
SET status = ?, message = ?,
    started_at = COALESCE(?, started_at),
    finished_at = COALESCE(?, finished_at)
WHERE id = ? AND status IN (` + placeholders(len(from)) + `);`
	started, finished := stamps(to, at)
	args := []any{to, message, started, finished, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var current domain.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM scan_requests WHERE id=?;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s: %w", current, to, domain.ErrInvalidTransition)
}

// Reconcile forces every request in from to to, bypassing the guard.
func (r *ScanRepository) Reconcile(ctx context.Context, from, to domain.Status, message string, at time.Time) (int64, error) {
	const q = `
UPDATE scan_requests
SET status = ?, message = ?,
    started_at = COALESCE(?, started_at),
    finished_at = COALESCE(?, finished_at)
WHERE status = ?;`
	started, finished := stamps(to, at)
	res, err := r.db.ExecContext(ctx, q, to, message, started, finished, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetArtifact update kolom artifact_url
func (r *ScanRepository) SetArtifact(ctx context.Context, id domain.RequestID, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scan_requests SET artifact_url = ? WHERE id = ?;`, url, id)
	return err
}
