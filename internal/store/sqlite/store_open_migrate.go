// Package sqlite implements the edgeman data store backed by a SQLite database.
// It holds the desired state (domains, routes, DNS records, gateway
// topology), the certificate inventory, publish reports, API keys and server
// settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all edgeman persistence operations.
type Store struct {
	db *sql.DB

	resolveAPIKeyIDStmt *sql.Stmt

	touchMu              sync.Mutex
	lastPull             map[string]time.Time
	touchMinInterval     time.Duration
	touchCleanupInterval time.Duration
	nextTouchCleanupAt   time.Time

	// PublishHistory bounds the number of publish reports kept.
	PublishHistory int
}

const defaultTouchMinInterval = 30 * time.Second
const defaultTouchCleanupInterval = 5 * time.Minute
const defaultPublishHistory = 50

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolveAPIKeyIDQuery = `SELECT id FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go into the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	now := time.Now().UTC()
	s := &Store{
		db:                   db,
		lastPull:             make(map[string]time.Time),
		touchMinInterval:     defaultTouchMinInterval,
		touchCleanupInterval: defaultTouchCleanupInterval,
		nextTouchCleanupAt:   now.Add(defaultTouchCleanupInterval),
		PublishHistory:       defaultPublishHistory,
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.resolveAPIKeyIDStmt, err = db.PrepareContext(context.Background(), resolveAPIKeyIDQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare resolve api key query: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	var stmtErr error
	if s.resolveAPIKeyIDStmt != nil {
		stmtErr = s.resolveAPIKeyIDStmt.Close()
		s.resolveAPIKeyIDStmt = nil
	}
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS domains (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	zone_id TEXT NOT NULL DEFAULT '',
	use_for_direct_prefix INTEGER NOT NULL DEFAULT 0,
	auto_wildcard INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS routes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain_id INTEGER NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
	route_key TEXT NOT NULL,
	protocol TEXT NOT NULL,
	subdomain TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	kind TEXT NOT NULL,
	proxy TEXT NULL,
	redirect TEXT NULL,
	srv_record TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(domain_id, route_key)
);
CREATE TABLE IF NOT EXISTS dns_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain_id INTEGER NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	ttl INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NULL,
	proxied INTEGER NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	comment TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS certificates (
	label TEXT PRIMARY KEY,
	names TEXT NOT NULL,
	backend TEXT NOT NULL DEFAULT '',
	not_before DATETIME NOT NULL,
	not_after DATETIME NOT NULL,
	chain_path TEXT NOT NULL,
	key_path TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS gateway_servers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	host TEXT NOT NULL,
	bind_port INTEGER NOT NULL,
	auth_token TEXT NOT NULL,
	last_config_pull DATETIME NULL
);
CREATE TABLE IF NOT EXISTS gateway_clients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	server_id INTEGER NOT NULL REFERENCES gateway_servers(id) ON DELETE CASCADE,
	is_origin INTEGER NOT NULL DEFAULT 0,
	last_config_pull DATETIME NULL
);
CREATE TABLE IF NOT EXISTS gateway_connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id INTEGER NOT NULL REFERENCES gateway_clients(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	local_ip TEXT NOT NULL,
	local_port INTEGER NOT NULL,
	remote_port INTEGER NOT NULL,
	flags TEXT NOT NULL DEFAULT '[]',
	active INTEGER NOT NULL DEFAULT 1,
	UNIQUE(client_id, name)
);
CREATE TABLE IF NOT EXISTS publish_runs (
	id TEXT PRIMARY KEY,
	trigger_source TEXT NOT NULL,
	dry_run INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	report TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_routes_domain ON routes(domain_id);
CREATE INDEX IF NOT EXISTS idx_dns_records_domain_provenance ON dns_records(domain_id, provenance);
CREATE INDEX IF NOT EXISTS idx_gateway_clients_server ON gateway_clients(server_id);
CREATE INDEX IF NOT EXISTS idx_gateway_connections_client ON gateway_connections(client_id);
CREATE INDEX IF NOT EXISTS idx_publish_runs_started_at ON publish_runs(started_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
