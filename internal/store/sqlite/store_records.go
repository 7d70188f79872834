package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

const recordColumns = `id, domain_id, name, type, content, ttl, priority, proxied, provenance, provider_id, comment`

func scanRecord(row rowScanner) (domain.DNSRecord, error) {
	var r domain.DNSRecord
	var priority sql.NullInt64
	var proxied int
	var provenance string
	if err := row.Scan(&r.ID, &r.DomainID, &r.Name, &r.Type, &r.Content, &r.TTL, &priority, &proxied, &provenance, &r.ProviderID, &r.Comment); err != nil {
		return domain.DNSRecord{}, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		r.Priority = &p
	}
	r.Proxied = proxied == 1
	r.Provenance = domain.Provenance(provenance)
	return r, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, e execer, r domain.DNSRecord) (int64, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 1
	}
	res, err := e.ExecContext(ctx, `
INSERT INTO dns_records(domain_id, name, type, content, ttl, priority, proxied, provenance, provider_id, comment)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DomainID, strings.ToLower(r.Name), strings.ToUpper(r.Type), r.Content, ttl, nullableInt(r.Priority),
		boolToInt(r.Proxied), string(r.Provenance), r.ProviderID, r.Comment)
	if err != nil {
		return 0, translate(err, "record "+r.Key().String())
	}
	return res.LastInsertId()
}

// CreateUserRecord stores an operator-managed record. The reconciler never
// modifies or deletes records created this way.
func (s *Store) CreateUserRecord(ctx context.Context, r domain.DNSRecord) (domain.DNSRecord, error) {
	r.Provenance = domain.ProvenanceUser
	id, err := insertRecord(ctx, s.db, r)
	if err != nil {
		return domain.DNSRecord{}, err
	}
	r.ID = id
	r.Name = strings.ToLower(r.Name)
	r.Type = strings.ToUpper(r.Type)
	return r, nil
}

// ListRecords returns the records of domainID, or every record when
// domainID is zero.
func (s *Store) ListRecords(ctx context.Context, domainID int64) ([]domain.DNSRecord, error) {
	if domainID == 0 {
		return listRecords(ctx, s.db, `SELECT `+recordColumns+` FROM dns_records ORDER BY domain_id, name, type, id`)
	}
	return listRecords(ctx, s.db, `SELECT `+recordColumns+` FROM dns_records WHERE domain_id = ? ORDER BY name, type, id`, domainID)
}

func listRecords(ctx context.Context, q queryer, query string, args ...any) ([]domain.DNSRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DNSRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrNotUserRecord is returned when a delete targets a generated record.
var ErrNotUserRecord = errors.New("only USER records can be deleted")

func (s *Store) DeleteUserRecord(ctx context.Context, id int64) error {
	var provenance string
	err := s.db.QueryRowContext(ctx, `SELECT provenance FROM dns_records WHERE id = ?`, id).Scan(&provenance)
	if err != nil {
		return translate(err, "record "+strconv.FormatInt(id, 10))
	}
	if domain.Provenance(provenance) != domain.ProvenanceUser {
		return fmt.Errorf("record %d: %w", id, ErrNotUserRecord)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dns_records WHERE id = ? AND provenance = ?`, id, string(domain.ProvenanceUser))
	if err != nil {
		return err
	}
	return affectedOne(res, "record "+strconv.FormatInt(id, 10))
}

// ReplaceGeneratedRecords swaps the SYSTEM and IMPORTED generation of a
// domain in one transaction. USER records are untouched.
func (s *Store) ReplaceGeneratedRecords(ctx context.Context, domainID int64, system, imported []domain.DNSRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dns_records WHERE domain_id = ? AND provenance IN (?, ?)`,
		domainID, string(domain.ProvenanceSystem), string(domain.ProvenanceImported)); err != nil {
		return err
	}
	for _, group := range []struct {
		p       domain.Provenance
		records []domain.DNSRecord
	}{{domain.ProvenanceSystem, system}, {domain.ProvenanceImported, imported}} {
		for _, r := range group.records {
			r.DomainID = domainID
			r.Provenance = group.p
			if _, err := insertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
