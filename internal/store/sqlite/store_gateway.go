package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

const serverColumns = `id, name, host, bind_port, auth_token, last_config_pull`

func scanServer(row rowScanner) (domain.GatewayServer, error) {
	var srv domain.GatewayServer
	var pulled sql.NullTime
	if err := row.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.BindPort, &srv.AuthToken, &pulled); err != nil {
		return domain.GatewayServer{}, err
	}
	if pulled.Valid {
		t := pulled.Time
		srv.LastConfigPull = &t
	}
	return srv, nil
}

func (s *Store) CreateServer(ctx context.Context, srv domain.GatewayServer) (domain.GatewayServer, error) {
	srv.Name = strings.TrimSpace(srv.Name)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO gateway_servers(name, host, bind_port, auth_token) VALUES(?, ?, ?, ?)`,
		srv.Name, srv.Host, srv.BindPort, srv.AuthToken)
	if err != nil {
		return domain.GatewayServer{}, translate(err, "server "+srv.Name)
	}
	if srv.ID, err = res.LastInsertId(); err != nil {
		return domain.GatewayServer{}, err
	}
	return srv, nil
}

func (s *Store) ServerByName(ctx context.Context, name string) (domain.GatewayServer, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM gateway_servers WHERE name = ?`, name))
	return srv, translate(err, "server "+name)
}

func (s *Store) GetServer(ctx context.Context, id int64) (domain.GatewayServer, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM gateway_servers WHERE id = ?`, id))
	return srv, translate(err, "server "+strconv.FormatInt(id, 10))
}

func (s *Store) ListServers(ctx context.Context) ([]domain.GatewayServer, error) {
	return listServers(ctx, s.db)
}

func listServers(ctx context.Context, q queryer) ([]domain.GatewayServer, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serverColumns+` FROM gateway_servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GatewayServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res, "server "+strconv.FormatInt(id, 10))
}

const clientColumns = `id, name, server_id, is_origin, last_config_pull`

func scanClient(row rowScanner) (domain.GatewayClient, error) {
	var c domain.GatewayClient
	var origin int
	var pulled sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.ServerID, &origin, &pulled); err != nil {
		return domain.GatewayClient{}, err
	}
	c.IsOrigin = origin == 1
	if pulled.Valid {
		t := pulled.Time
		c.LastConfigPull = &t
	}
	return c, nil
}

func (s *Store) CreateClient(ctx context.Context, c domain.GatewayClient) (domain.GatewayClient, error) {
	c.Name = strings.TrimSpace(c.Name)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO gateway_clients(name, server_id, is_origin) VALUES(?, ?, ?)`, c.Name, c.ServerID, boolToInt(c.IsOrigin))
	if err != nil {
		return domain.GatewayClient{}, translate(err, "client "+c.Name)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return domain.GatewayClient{}, err
	}
	return c, nil
}

func (s *Store) ClientByName(ctx context.Context, name string) (domain.GatewayClient, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM gateway_clients WHERE name = ?`, name))
	return c, translate(err, "client "+name)
}

func (s *Store) ListClients(ctx context.Context) ([]domain.GatewayClient, error) {
	return listClients(ctx, s.db)
}

func listClients(ctx context.Context, q queryer) ([]domain.GatewayClient, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+clientColumns+` FROM gateway_clients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GatewayClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_clients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res, "client "+strconv.FormatInt(id, 10))
}

const connectionColumns = `id, client_id, name, type, local_ip, local_port, remote_port, flags, active`

func scanConnection(row rowScanner) (domain.GatewayConnection, error) {
	var c domain.GatewayConnection
	var flags string
	var active int
	if err := row.Scan(&c.ID, &c.ClientID, &c.Name, &c.Type, &c.LocalIP, &c.LocalPort, &c.RemotePort, &flags, &active); err != nil {
		return domain.GatewayConnection{}, err
	}
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &c.Flags); err != nil {
			return domain.GatewayConnection{}, err
		}
	}
	c.Active = active == 1
	return c, nil
}

func (s *Store) CreateConnection(ctx context.Context, c domain.GatewayConnection) (domain.GatewayConnection, error) {
	flags := c.Flags
	if flags == nil {
		flags = []string{}
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return domain.GatewayConnection{}, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO gateway_connections(client_id, name, type, local_ip, local_port, remote_port, flags, active)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.Name, c.Type, c.LocalIP, c.LocalPort, c.RemotePort, string(b), boolToInt(c.Active))
	if err != nil {
		return domain.GatewayConnection{}, translate(err, "connection "+c.Name)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return domain.GatewayConnection{}, err
	}
	return c, nil
}

// ListConnections returns the connections of clientID, or all of them when
// clientID is zero.
func (s *Store) ListConnections(ctx context.Context, clientID int64) ([]domain.GatewayConnection, error) {
	if clientID == 0 {
		return listConnections(ctx, s.db, `SELECT `+connectionColumns+` FROM gateway_connections ORDER BY client_id, name`)
	}
	return listConnections(ctx, s.db, `SELECT `+connectionColumns+` FROM gateway_connections WHERE client_id = ? ORDER BY name`, clientID)
}

func listConnections(ctx context.Context, q queryer, query string, args ...any) ([]domain.GatewayConnection, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GatewayConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_connections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res, "connection "+strconv.FormatInt(id, 10))
}
