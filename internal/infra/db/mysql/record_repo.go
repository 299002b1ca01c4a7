package mysql

import (
	"context"
	"database/sql"
	"fmt"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// SaveRecords upserts by (request, target, type, instance) in one
// transaction, so a re-run of the same request replaces its records.
func (r *ScanRepository) SaveRecords(ctx context.Context, id domain.RequestID, records []domain.AssessmentRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
INSERT INTO assessment_records
(request_id, target, type, instance, category, vendor, pid,
 facts, missing, outcome, error, collected_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 category=VALUES(category), vendor=VALUES(vendor), pid=VALUES(pid),
 facts=VALUES(facts), missing=VALUES(missing), outcome=VALUES(outcome),
 error=VALUES(error), collected_at=VALUES(collected_at);`

	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			facts, err := encode(rec.Facts)
			if err != nil {
				return err
			}
			missing, err := encode(rec.Missing)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q,
				id, rec.Key.Target, rec.Key.Type, rec.Key.Instance, rec.Category, rec.Vendor, rec.PID,
				facts, missing, rec.Outcome, rec.Error, rec.CollectedAt,
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
WHERE request_id=? ORDER BY seq ASC;`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AssessmentRecord
	for rows.Next() {
		var rec domain.AssessmentRecord
		var facts, missing string
		if err := rows.Scan(
			&rec.Key.Target, &rec.Key.Type, &rec.Key.Instance, &rec.Category, &rec.Vendor, &rec.PID,
			&facts, &missing, &rec.Outcome, &rec.Error, &rec.CollectedAt,
		); err != nil {
			return nil, err
		}
		if err := decode(facts, &rec.Facts); err != nil {
			return nil, err
		}
		if err := decode(missing, &rec.Missing); err != nil {
			return nil, err
		}
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
VALUES (?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 reachable=VALUES(reachable), ttl=VALUES(ttl), os=VALUES(os), open_ports=VALUES(open_ports);`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, h := range hosts {
			ports, err := encode(h.OpenPorts)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q, id, h.Address, h.Reachable, h.TTL, h.OS, ports); err != nil {
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
