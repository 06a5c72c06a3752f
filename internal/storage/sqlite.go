package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axonlabs/axon/pkg/models"
)

// SQLiteStores bundles trace, node, and edge stores backed by an embedded
// SQLite database. It is the default backend for single-host deployments.
//
// Token and data bags are persisted as JSON text columns and returned
// undecoded in Node.RawTokens/Node.RawData; graph building owns the decode.
type SQLiteStores struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id            TEXT PRIMARY KEY,
	project_name  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	start_time    INTEGER NOT NULL,
	end_time      INTEGER,
	total_cost    REAL NOT NULL DEFAULT 0,
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
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	cost           REAL NOT NULL DEFAULT 0,
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
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (trace_id, request_id)
);
`

// NewSQLiteStores opens (or creates) the database at path and applies the
// schema. Use ":memory:" for tests.
func NewSQLiteStores(path string) (*SQLiteStores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writes; one connection avoids
	// SQLITE_BUSY churn under concurrent ingest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStores{db: db}, nil
}

// StoreSet wires the SQLite-backed stores into a StoreSet.
func (s *SQLiteStores) StoreSet() StoreSet {
	return StoreSet{
		Traces: &sqlTraceStore{db: s.db, rebind: noRebind},
		Nodes:  &sqlNodeStore{db: s.db, rebind: noRebind},
		Edges:  &sqlEdgeStore{db: s.db, rebind: noRebind},
		closer: s.db.Close,
	}
}

// DB exposes the underlying handle for migrations and tests.
func (s *SQLiteStores) DB() *sql.DB { return s.db }

// sqlTraceStore, sqlNodeStore, and sqlEdgeStore implement the store
// interfaces over database/sql. The rebind hook rewrites ? placeholders to
// the driver's notation so SQLite and Postgres share the same statements.
type sqlTraceStore struct {
	db     *sql.DB
	rebind func(string) string
}

type sqlNodeStore struct {
	db     *sql.DB
	rebind func(string) string
}

type sqlEdgeStore struct {
	db     *sql.DB
	rebind func(string) string
}

func noRebind(q string) string { return q }

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func (s *sqlTraceStore) Create(ctx context.Context, trace *models.Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO traces (id, project_name, status, start_time, end_time, total_cost, total_nodes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		trace.ID, trace.ProjectName, string(trace.Status), millis(trace.StartTime),
		nullMillis(trace.EndTime), trace.TotalCost, trace.TotalNodes)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *sqlTraceStore) Get(ctx context.Context, id string) (*models.Trace, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, project_name, status, start_time, end_time, total_cost, total_nodes
		FROM traces WHERE id = ?`), id)
	return scanTrace(row)
}

func (s *sqlTraceStore) Update(ctx context.Context, trace *models.Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace is required")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE traces SET project_name = ?, status = ?, start_time = ?, end_time = ?,
			total_cost = ?, total_nodes = ?
		WHERE id = ?`),
		trace.ProjectName, string(trace.Status), millis(trace.StartTime),
		nullMillis(trace.EndTime), trace.TotalCost, trace.TotalNodes, trace.ID)
	if err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return requireRowAffected(res)
}

func (s *sqlTraceStore) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*models.Trace, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, project_name, status, start_time, end_time, total_cost, total_nodes
		FROM traces WHERE status = 'running' AND start_time < ?
		ORDER BY start_time ASC`), millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list running traces: %w", err)
	}
	defer rows.Close()

	var out []*models.Trace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trace)
	}
	return out, rows.Err()
}

func (s *sqlTraceStore) AnnotateReplay(ctx context.Context, traceID, requestID string, result *models.ReplayResult) error {
	if traceID == "" || requestID == "" {
		return fmt.Errorf("traceID and requestID are required")
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode replay annotation: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO replay_annotations (trace_id, request_id, result, created_at)
		SELECT id, ?, ?, ? FROM traces WHERE id = ?
		ON CONFLICT (trace_id, request_id) DO UPDATE SET result = excluded.result`),
		requestID, string(encoded), time.Now().UnixMilli(), traceID)
	if err != nil {
		return fmt.Errorf("insert replay annotation: %w", err)
	}
	return requireRowAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*models.Trace, error) {
	var trace models.Trace
	var status string
	var start int64
	var end sql.NullInt64
	err := row.Scan(&trace.ID, &trace.ProjectName, &status, &start, &end,
		&trace.TotalCost, &trace.TotalNodes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	trace.Status = models.TraceStatus(status)
	trace.StartTime = fromMillis(start)
	trace.EndTime = fromNullMillis(end)
	return &trace, nil
}

const nodeColumns = `id, trace_id, run_id, parent_run_id, type, status, model,
	start_time, end_time, latency_ms, cost, tokens, data`

func (s *sqlNodeStore) Create(ctx context.Context, node *models.Node) error {
	if node == nil || node.ID == "" || node.TraceID == "" {
		return fmt.Errorf("node with id and traceId is required")
	}
	tokens, data, err := encodeNodeBags(node)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		node.ID, node.TraceID, node.RunID, node.ParentRunID, string(node.Type),
		string(node.Status), node.Model, millis(node.StartTime),
		nullMillis(node.EndTime), node.LatencyMs, node.Cost, tokens, data)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *sqlNodeStore) Update(ctx context.Context, node *models.Node) error {
	if node == nil || node.ID == "" || node.TraceID == "" {
		return fmt.Errorf("node with id and traceId is required")
	}
	tokens, data, err := encodeNodeBags(node)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE nodes SET run_id = ?, parent_run_id = ?, type = ?, status = ?, model = ?,
			start_time = ?, end_time = ?, latency_ms = ?, cost = ?, tokens = ?, data = ?
		WHERE trace_id = ? AND id = ?`),
		node.RunID, node.ParentRunID, string(node.Type), string(node.Status), node.Model,
		millis(node.StartTime), nullMillis(node.EndTime), node.LatencyMs, node.Cost,
		tokens, data, node.TraceID, node.ID)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return requireRowAffected(res)
}

func (s *sqlNodeStore) Get(ctx context.Context, traceID, nodeID string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+nodeColumns+` FROM nodes WHERE trace_id = ? AND id = ?`), traceID, nodeID)
	return scanNode(row)
}

func (s *sqlNodeStore) GetByRunID(ctx context.Context, traceID, runID string) (*models.Node, error) {
	if runID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+nodeColumns+` FROM nodes WHERE trace_id = ? AND run_id = ?`), traceID, runID)
	return scanNode(row)
}

func (s *sqlNodeStore) ListByTrace(ctx context.Context, traceID string) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+nodeColumns+` FROM nodes WHERE trace_id = ?
		ORDER BY start_time ASC, id ASC`), traceID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var nodeType, status string
	var start int64
	var end sql.NullInt64
	err := row.Scan(&node.ID, &node.TraceID, &node.RunID, &node.ParentRunID,
		&nodeType, &status, &node.Model, &start, &end, &node.LatencyMs,
		&node.Cost, &node.RawTokens, &node.RawData)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	node.Type = models.NodeType(nodeType)
	node.Status = models.NodeStatus(status)
	node.StartTime = fromMillis(start)
	node.EndTime = fromNullMillis(end)
	return &node, nil
}

func encodeNodeBags(node *models.Node) (tokens, data string, err error) {
	if node.RawTokens != "" {
		tokens = node.RawTokens
	} else {
		b, err := json.Marshal(node.Tokens)
		if err != nil {
			return "", "", fmt.Errorf("encode tokens: %w", err)
		}
		tokens = string(b)
	}
	if node.RawData != "" {
		data = node.RawData
	} else {
		b, err := json.Marshal(node.Data)
		if err != nil {
			return "", "", fmt.Errorf("encode data: %w", err)
		}
		data = string(b)
	}
	return tokens, data, nil
}

func (s *sqlEdgeStore) Create(ctx context.Context, edge *models.Edge) error {
	if edge == nil || edge.TraceID == "" || edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge with traceId and both endpoints is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO edges (trace_id, from_ref, to_ref) VALUES (?, ?, ?)`),
		edge.TraceID, edge.From, edge.To)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *sqlEdgeStore) ListByTrace(ctx context.Context, traceID string) ([]*models.Edge, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT trace_id, from_ref, to_ref FROM edges WHERE trace_id = ?`), traceID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []*models.Edge
	for rows.Next() {
		var edge models.Edge
		if err := rows.Scan(&edge.TraceID, &edge.From, &edge.To); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, &edge)
	}
	return out, rows.Err()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
