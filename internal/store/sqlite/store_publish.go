package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
)

// SaveCertificates replaces the certificate inventory.
func (s *Store) SaveCertificates(ctx context.Context, certs []domain.Certificate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM certificates`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, c := range certs {
		names, err := json.Marshal(c.Names)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO certificates(label, names, backend, not_before, not_after, chain_path, key_path, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Label, string(names), string(c.Backend), c.NotBefore.UTC(), c.NotAfter.UTC(), c.ChainPath, c.KeyPath, now); err != nil {
			return translate(err, "certificate "+c.Label)
		}
	}
	return tx.Commit()
}

func (s *Store) ListCertificates(ctx context.Context) ([]domain.Certificate, error) {
	return listCertificates(ctx, s.db)
}

func listCertificates(ctx context.Context, q queryer) ([]domain.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
SELECT label, names, backend, not_before, not_after, chain_path, key_path
FROM certificates
ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Certificate
	for rows.Next() {
		var c domain.Certificate
		var names, backend string
		if err := rows.Scan(&c.Label, &names, &backend, &c.NotBefore, &c.NotAfter, &c.ChainPath, &c.KeyPath); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(names), &c.Names); err != nil {
			return nil, err
		}
		c.Backend = domain.CertBackend(backend)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SavePublishReport stores r and prunes reports beyond the history limit.
func (s *Store) SavePublishReport(ctx context.Context, r domain.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO publish_runs(id, trigger_source, dry_run, status, started_at, finished_at, report)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, boolToInt(r.DryRun), string(r.Status), r.StartedAt.UTC(), r.FinishedAt.UTC(), string(body)); err != nil {
		return translate(err, "publish run "+r.ID)
	}
	keep := s.PublishHistory
	if keep <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
DELETE FROM publish_runs WHERE id NOT IN (
	SELECT id FROM publish_runs ORDER BY started_at DESC, id DESC LIMIT ?
)`, keep)
	return err
}

// ListPublishReports returns up to limit reports, newest first.
func (s *Store) ListPublishReports(ctx context.Context, limit int) ([]domain.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT report FROM publish_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r domain.Report
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LatestPublishReport(ctx context.Context) (domain.Report, error) {
	reports, err := s.ListPublishReports(ctx, 1)
	if err != nil {
		return domain.Report{}, err
	}
	if len(reports) == 0 {
		return domain.Report{}, translate(sql.ErrNoRows, "publish run")
	}
	return reports[0], nil
}
