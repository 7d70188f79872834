package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
)

const domainColumns = `id, name, zone_id, use_for_direct_prefix, auto_wildcard`

func scanDomain(row rowScanner) (domain.Domain, error) {
	var d domain.Domain
	var direct, wildcard int
	if err := row.Scan(&d.ID, &d.Name, &d.ZoneID, &direct, &wildcard); err != nil {
		return domain.Domain{}, err
	}
	d.UseForDirectPrefix = direct == 1
	d.AutoWildcard = wildcard == 1
	return d, nil
}

func (s *Store) CreateDomain(ctx context.Context, d domain.Domain) (domain.Domain, error) {
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))
	res, err := s.db.ExecContext(ctx, `
INSERT INTO domains(name, zone_id, use_for_direct_prefix, auto_wildcard, created_at)
VALUES(?, ?, ?, ?, ?)`, d.Name, d.ZoneID, boolToInt(d.UseForDirectPrefix), boolToInt(d.AutoWildcard), time.Now().UTC())
	if err != nil {
		return domain.Domain{}, translate(err, "domain "+d.Name)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return domain.Domain{}, err
	}
	return d, nil
}

// UpdateDomain changes the flags of an existing domain. The name is immutable.
func (s *Store) UpdateDomain(ctx context.Context, d domain.Domain) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE domains SET use_for_direct_prefix = ?, auto_wildcard = ? WHERE id = ?`,
		boolToInt(d.UseForDirectPrefix), boolToInt(d.AutoWildcard), d.ID)
	if err != nil {
		return err
	}
	return affectedOne(res, "domain "+strconv.FormatInt(d.ID, 10))
}

func (s *Store) GetDomain(ctx context.Context, id int64) (domain.Domain, error) {
	d, err := scanDomain(s.db.QueryRowContext(ctx, `SELECT `+domainColumns+` FROM domains WHERE id = ?`, id))
	return d, translate(err, "domain "+strconv.FormatInt(id, 10))
}

func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	return listDomains(ctx, s.db)
}

func listDomains(ctx context.Context, q queryer) ([]domain.Domain, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+domainColumns+` FROM domains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDomain removes the domain together with its routes and records.
// DeleteDomain removes a domain with its routes and records. A domain that
// still has published SYSTEM records is refused with [domain.ErrConflict]:
// they would stay in the zone with nothing left to reconcile them.
func (s *Store) DeleteDomain(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var published int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dns_records WHERE domain_id = ? AND provenance = ?`,
		id, string(domain.ProvenanceSystem)).Scan(&published); err != nil {
		return err
	}
	if published > 0 {
		return fmt.Errorf("domain %d still has %d published SYSTEM records; deactivate its routes and publish first: %w",
			id, published, domain.ErrConflict)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := affectedOne(res, "domain "+strconv.FormatInt(id, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetZoneID(ctx context.Context, domainID int64, zoneID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET zone_id = ? WHERE id = ?`, zoneID, domainID)
	if err != nil {
		return err
	}
	return affectedOne(res, "domain "+strconv.FormatInt(domainID, 10))
}

const routeColumns = `id, domain_id, protocol, subdomain, path, port, active, kind, proxy, redirect, srv_record`

func scanRoute(row rowScanner) (domain.Route, error) {
	var r domain.Route
	var protocol, kind string
	var active int
	var proxy, redirect sql.NullString
	if err := row.Scan(&r.ID, &r.DomainID, &protocol, &r.Subdomain, &r.Path, &r.Port, &active, &kind, &proxy, &redirect, &r.SRVRecord); err != nil {
		return domain.Route{}, err
	}
	r.Protocol = domain.Protocol(protocol)
	r.Kind = domain.RouteKind(kind)
	r.Active = active == 1
	if proxy.Valid {
		r.Proxy = &domain.ProxySpec{}
		if err := json.Unmarshal([]byte(proxy.String), r.Proxy); err != nil {
			return domain.Route{}, err
		}
	}
	if redirect.Valid {
		r.Redirect = &domain.RedirectSpec{}
		if err := json.Unmarshal([]byte(redirect.String), r.Redirect); err != nil {
			return domain.Route{}, err
		}
	}
	return r, nil
}

func routeVariants(r domain.Route) (proxy, redirect any, err error) {
	if r.Proxy != nil {
		b, err := json.Marshal(r.Proxy)
		if err != nil {
			return nil, nil, err
		}
		proxy = string(b)
	}
	if r.Redirect != nil {
		b, err := json.Marshal(r.Redirect)
		if err != nil {
			return nil, nil, err
		}
		redirect = string(b)
	}
	return proxy, redirect, nil
}

// SaveRoute inserts r when its ID is zero and replaces the stored route
// otherwise. The (protocol, subdomain, path|port) key is unique per domain.
func (s *Store) SaveRoute(ctx context.Context, r domain.Route) (domain.Route, error) {
	r.Subdomain = domain.NormalizeSubdomain(r.Subdomain)
	if r.Protocol == domain.ProtocolHTTP {
		r.Path = domain.NormalizePath(r.Path)
	}
	proxy, redirect, err := routeVariants(r)
	if err != nil {
		return domain.Route{}, err
	}
	entity := "route " + r.Key()
	now := time.Now().UTC()

	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO routes(domain_id, route_key, protocol, subdomain, path, port, active, kind, proxy, redirect, srv_record, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.DomainID, r.Key(), string(r.Protocol), r.Subdomain, r.Path, r.Port, boolToInt(r.Active), string(r.Kind),
			proxy, redirect, r.SRVRecord, now, now)
		if err != nil {
			return domain.Route{}, translate(err, entity)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return domain.Route{}, err
		}
		return r, nil
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE routes SET domain_id = ?, route_key = ?, protocol = ?, subdomain = ?, path = ?, port = ?, active = ?, kind = ?,
 proxy = ?, redirect = ?, srv_record = ?, updated_at = ?
WHERE id = ?`,
		r.DomainID, r.Key(), string(r.Protocol), r.Subdomain, r.Path, r.Port, boolToInt(r.Active), string(r.Kind),
		proxy, redirect, r.SRVRecord, now, r.ID)
	if err != nil {
		return domain.Route{}, translate(err, entity)
	}
	if err := affectedOne(res, "route "+strconv.FormatInt(r.ID, 10)); err != nil {
		return domain.Route{}, err
	}
	return r, nil
}

func (s *Store) GetRoute(ctx context.Context, id int64) (domain.Route, error) {
	r, err := scanRoute(s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id))
	return r, translate(err, "route "+strconv.FormatInt(id, 10))
}

func (s *Store) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	return listRoutes(ctx, s.db)
}

func listRoutes(ctx context.Context, q queryer) ([]domain.Route, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRoute(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res, "route "+strconv.FormatInt(id, 10))
}

func (s *Store) SetRouteActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE routes SET active = ?, updated_at = ? WHERE id = ?`, boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affectedOne(res, "route "+strconv.FormatInt(id, 10))
}
