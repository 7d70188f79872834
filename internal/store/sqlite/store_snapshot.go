package sqlite

import (
	"context"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Snapshot reads the whole desired state inside one transaction so a publish
// cycle never observes a half-applied API change.
func (s *Store) Snapshot(ctx context.Context) (domain.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.State{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var st domain.State
	if st.Domains, err = listDomains(ctx, tx); err != nil {
		return domain.State{}, err
	}
	if st.Routes, err = listRoutes(ctx, tx); err != nil {
		return domain.State{}, err
	}
	if st.Records, err = listRecords(ctx, tx, `SELECT `+recordColumns+` FROM dns_records ORDER BY domain_id, name, type, id`); err != nil {
		return domain.State{}, err
	}
	if st.Servers, err = listServers(ctx, tx); err != nil {
		return domain.State{}, err
	}
	if st.Clients, err = listClients(ctx, tx); err != nil {
		return domain.State{}, err
	}
	if st.Connections, err = listConnections(ctx, tx, `SELECT `+connectionColumns+` FROM gateway_connections ORDER BY client_id, name`); err != nil {
		return domain.State{}, err
	}
	if st.Certificates, err = listCertificates(ctx, tx); err != nil {
		return domain.State{}, err
	}
	return st, nil
}
