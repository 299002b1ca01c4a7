package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// ScanRepository is the PostgreSQL twin of mysql.ScanRepository. JSON
// columns are jsonb and categories a text[].
type ScanRepository struct{ db *sql.DB }

func NewScanRepository(db *sql.DB) *ScanRepository { return &ScanRepository{db: db} }

func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func stamps(to domain.Status, at time.Time) (started, finished sql.NullTime) {
	switch {
	case to == domain.StatusProcessing:
		started = sql.NullTime{Time: at, Valid: true}
	case to.Terminal():
		finished = sql.NullTime{Time: at, Valid: true}
	}
	return started, finished
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const requestColumns = `id, project_id, target, categories, cidr, status, message,
       artifact_url, queued_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ScanRequest, error) {
	var (
		r                 domain.ScanRequest
		target            []byte
		cats              pq.StringArray
		started, finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &target, &cats, &r.CIDR, &r.Status, &r.Message,
		&r.ArtifactURL, &r.QueuedAt, &started, &finished); err != nil {
		return nil, err
	}
	if err := decode(target, &r.Target); err != nil {
		return nil, fmt.Errorf("decode target of %s: %w", r.ID, err)
	}
	for _, c := range cats {
		r.Categories = append(r.Categories, domain.Category(c))
	}
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func (r *ScanRepository) Create(ctx context.Context, s *domain.ScanRequest) error {
	const q = `
INSERT INTO scan_requests
(id, project_id, target, categories, cidr, status, message, artifact_url, queued_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
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
		s.ID, stringOrDash(s.ProjectID), target, pq.Array(cats), s.CIDR,
		s.Status, s.Message, s.ArtifactURL, queued,
	)
	return err
}

func (r *ScanRepository) Get(ctx context.Context, project string, id domain.RequestID) (*domain.ScanRequest, error) {
	q := `SELECT ` + requestColumns + `
FROM scan_requests
WHERE project_id=$1 AND id=$2
LIMIT 1;`
	s, err := scanRequest(r.db.QueryRowContext(ctx, q, project, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *ScanRepository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.ScanRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + requestColumns + `
FROM scan_requests
WHERE status=$1 ORDER BY queued_at ASC, id ASC LIMIT $2;`
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

// Transition is guarded by status = ANY(predecessors).
func (r *ScanRepository) Transition(ctx context.Context, id domain.RequestID, to domain.Status, message string, at time.Time) error {
	from := to.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("-> %s: %w", to, domain.ErrInvalidTransition)
	}
	prev := make([]string, len(from))
	for i, s := range from {
		prev[i] = string(s)
	}
	const q = `
UPDATE scan_requests
SET status = $1, message = $2,
    started_at = COALESCE($3, started_at),
    finished_at = COALESCE($4, finished_at)
WHERE id = $5 AND status = ANY($6);`
	started, finished := stamps(to, at)
	res, err := r.db.ExecContext(ctx, q, to, message, started, finished, id, pq.Array(prev))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var current domain.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM scan_requests WHERE id=$1;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s: %w", current, to, domain.ErrInvalidTransition)
}

func (r *ScanRepository) Reconcile(ctx context.Context, from, to domain.Status, message string, at time.Time) (int64, error) {
	const q = `
UPDATE scan_requests
SET status = $1, message = $2,
    started_at = COALESCE($3, started_at),
    finished_at = COALESCE($4, finished_at)
WHERE status = $5;`
	started, finished := stamps(to, at)
	res, err := r.db.ExecContext(ctx, q, to, message, started, finished, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ScanRepository) SetArtifact(ctx context.Context, id domain.RequestID, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE scan_requests SET artifact_url = $1 WHERE id = $2;`, url, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ScanRepository) SaveRecords(ctx context.Context, id domain.RequestID, records []domain.AssessmentRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
INSERT INTO assessment_records
(request_id, target, type, instance, category, vendor, pid,
 facts, missing, outcome, error, collected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (request_id, target, type, instance) DO UPDATE SET
 category = EXCLUDED.category,
 vendor = EXCLUDED.vendor,
 pid = EXCLUDED.pid,
 facts = EXCLUDED.facts,
 missing = EXCLUDED.missing,
 outcome = EXCLUDED.outcome,
 error = EXCLUDED.error,
 collected_at = EXCLUDED.collected_at;`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			facts, err := encode(rec.Facts)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q,
				id, rec.Key.Target, rec.Key.Type, rec.Key.Instance, rec.Category, rec.Vendor, rec.PID,
				facts, pq.Array(rec.Missing), rec.Outcome, rec.Error, rec.CollectedAt,
			); err != nil {
				return fmt.Errorf("record %s/%s: %w", rec.Key.Type, rec.Key.Instance, err)
			}
		}
		return nil
	})
}

func (r *ScanRepository) ListRecords(ctx context.Context, id domain.RequestID) ([]domain.AssessmentRecord, error) {
	const q = `
SELECT target, type, instance, category, vendor, pid,
       facts, missing, outcome, error, collected_at
FROM assessment_records
WHERE request_id=$1 ORDER BY seq ASC;`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AssessmentRecord
	for rows.Next() {
		var rec domain.AssessmentRecord
		var facts []byte
		var missing pq.StringArray
		if err := rows.Scan(
			&rec.Key.Target, &rec.Key.Type, &rec.Key.Instance, &rec.Category, &rec.Vendor, &rec.PID,
			&facts, &missing, &rec.Outcome, &rec.Error, &rec.CollectedAt,
		); err != nil {
			return nil, err
		}
		if err := decode(facts, &rec.Facts); err != nil {
			return nil, err
		}
		rec.Missing = missing
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ScanRepository) SaveDiscoveredHosts(ctx context.Context, id domain.RequestID, hosts []domain.DiscoveredHost) error {
	if len(hosts) == 0 {
		return nil
	}
	const q = `
INSERT INTO discovered_hosts (request_id, address, reachable, ttl, os, open_ports)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (request_id, address) DO UPDATE SET
 reachable = EXCLUDED.reachable,
 ttl = EXCLUDED.ttl,
 os = EXCLUDED.os,
 open_ports = EXCLUDED.open_ports;`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, h := range hosts {
			ports := make([]int64, len(h.OpenPorts))
			for i, p := range h.OpenPorts {
				ports[i] = int64(p)
			}
			if _, err := tx.ExecContext(ctx, q, id, h.Address, h.Reachable, h.TTL, h.OS, pq.Array(ports)); err != nil {
				return fmt.Errorf("host %s: %w", h.Address, err)
			}
		}
		return nil
	})
}

func (r *ScanRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ==== cluster.Store ====

func (r *ScanRepository) SaveOrigin(ctx context.Context, id domain.RequestID, operation, raw string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cluster_origins (request_id, operation, raw) VALUES ($1,$2,$3);`, id, operation, raw)
	return err
}

func (r *ScanRepository) SaveObject(ctx context.Context, id domain.RequestID, obj cluster.Object) (int64, error) {
	const q = `
INSERT INTO cluster_objects (request_id, kind, namespace, name, uid, labels, attrs)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (request_id, kind, namespace, name) DO UPDATE SET
 uid = EXCLUDED.uid,
 labels = EXCLUDED.labels,
 attrs = EXCLUDED.attrs
RETURNING id;`
	labels, err := encode(obj.Labels)
	if err != nil {
		return 0, err
	}
	attrs, err := encode(obj.Attrs)
	if err != nil {
		return 0, err
	}
	var oid int64
	err = r.db.QueryRowContext(ctx, q, id, obj.Kind, obj.Namespace, obj.Name, obj.UID, labels, attrs).Scan(&oid)
	return oid, err
}

func (r *ScanRepository) FindObject(ctx context.Context, id domain.RequestID, kind, namespace, name string) (int64, bool, error) {
	const q = `
SELECT id FROM cluster_objects
WHERE request_id=$1 AND kind=$2 AND namespace=$3 AND name=$4
LIMIT 1;`
	var oid int64
	err := r.db.QueryRowContext(ctx, q, id, kind, namespace, name).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return oid, true, nil
}

func (r *ScanRepository) Link(ctx context.Context, id domain.RequestID, parent, child int64, relation string) error {
	const q = `
INSERT INTO cluster_links (request_id, parent_id, child_id, relation)
VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING;`
	_, err := r.db.ExecContext(ctx, q, id, parent, child, relation)
	return err
}
