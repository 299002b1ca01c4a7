package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// ==== cluster.Store ====

func (r *ScanRepository) SaveOrigin(ctx context.Context, id domain.RequestID, operation, raw string) error {
	const q = `INSERT INTO cluster_origins (request_id, operation, raw) VALUES (?,?,?);`
	_, err := r.db.ExecContext(ctx, q, id, operation, raw)
	return err
}

// SaveObject upserts on (request, kind, namespace, name). LAST_INSERT_ID(id)
// makes the existing row id come back on the update path.
func (r *ScanRepository) SaveObject(ctx context.Context, id domain.RequestID, obj cluster.Object) (int64, error) {
	const q = `
INSERT INTO cluster_objects (request_id, kind, namespace, name, uid, labels, attrs)
VALUES (?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 id=LAST_INSERT_ID(id), uid=VALUES(uid), labels=VALUES(labels), attrs=VALUES(attrs);`
	labels, err := encode(obj.Labels)
	if err != nil {
		return 0, err
	}
	attrs, err := encode(obj.Attrs)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, q, id, obj.Kind, obj.Namespace, obj.Name, obj.UID, labels, attrs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *ScanRepository) FindObject(ctx context.Context, id domain.RequestID, kind, namespace, name string) (int64, bool, error) {
	const q = `
SELECT id FROM cluster_objects
WHERE request_id=? AND kind=? AND namespace=? AND name=? LIMIT 1;`
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
INSERT IGNORE INTO cluster_links (request_id, parent_id, child_id, relation)
VALUES (?,?,?,?);`
	_, err := r.db.ExecContext(ctx, q, id, parent, child, relation)
	return err
}
