package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStores bundles the stores on a Postgres database for server
// deployments where multiple replicas share one trace corpus. The SQL is
// shared with the SQLite backend; only placeholder notation and schema DDL
// differ.
type PostgresStores struct {
	db *sql.DB
}

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns the default pool configuration.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id            TEXT PRIMARY KEY,
	project_name  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	start_time    BIGINT NOT NULL,
	end_time      BIGINT,
	total_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_nodes   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT NOT NULL,
	trace_id       TEXT NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	parent_run_id  TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	model          TEXT NOT NULL DEFAULT '',
	start_time     BIGINT NOT NULL,
	end_time       BIGINT,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	cost           DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens         TEXT NOT NULL DEFAULT '{}',
	data           TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (trace_id, id)
);
CREATE INDEX IF NOT EXISTS idx_nodes_trace ON nodes(trace_id, start_time);
CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(trace_id, run_id);

CREATE TABLE IF NOT EXISTS edges (
	trace_id  TEXT NOT NULL,
	from_ref  TEXT NOT NULL,
	to_ref    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_trace ON edges(trace_id);

CREATE TABLE IF NOT EXISTS replay_annotations (
	trace_id    TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	result      TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	PRIMARY KEY (trace_id, request_id)
);
`

// NewPostgresStores connects to Postgres and applies the schema.
func NewPostgresStores(config PostgresConfig) (*PostgresStores, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStores{db: db}, nil
}

// NewPostgresStoresFromDB wraps an existing handle. The schema is assumed to
// be present; tests use this with sqlmock.
func NewPostgresStoresFromDB(db *sql.DB) *PostgresStores {
	return &PostgresStores{db: db}
}

// StoreSet wires the Postgres-backed stores into a StoreSet.
func (s *PostgresStores) StoreSet() StoreSet {
	return StoreSet{
		Traces: &sqlTraceStore{db: s.db, rebind: pqRebind},
		Nodes:  &sqlNodeStore{db: s.db, rebind: pqRebind},
		Edges:  &sqlEdgeStore{db: s.db, rebind: pqRebind},
		closer: s.db.Close,
	}
}

// DB exposes the underlying handle.
func (s *PostgresStores) DB() *sql.DB { return s.db }

// pqRebind rewrites ? placeholders to Postgres $1..$n notation.
func pqRebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
