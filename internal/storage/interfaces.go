// Package storage defines the persistence interfaces for traces, nodes, and
// edges, plus in-memory, SQLite, and Postgres implementations. The replay
// core only reads through these interfaces; ingestion owns the writes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/axonlabs/axon/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// TraceStore persists trace records.
type TraceStore interface {
	Create(ctx context.Context, trace *models.Trace) error
	Get(ctx context.Context, id string) (*models.Trace, error)
	Update(ctx context.Context, trace *models.Trace) error

	// ListRunningBefore returns running traces whose start time predates the
	// cutoff. Used by the deadline sweeper.
	ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*models.Trace, error)

	// AnnotateReplay records a replay result against a trace, keyed by the
	// replay request ID. Annotations are the only writes allowed on a
	// completed trace.
	AnnotateReplay(ctx context.Context, traceID, requestID string, result *models.ReplayResult) error
}

// NodeStore persists recorded nodes.
type NodeStore interface {
	Create(ctx context.Context, node *models.Node) error
	Update(ctx context.Context, node *models.Node) error
	Get(ctx context.Context, traceID, nodeID string) (*models.Node, error)
	GetByRunID(ctx context.Context, traceID, runID string) (*models.Node, error)
	ListByTrace(ctx context.Context, traceID string) ([]*models.Node, error)
}

// EdgeStore persists recorded edges. Duplicates are allowed here; the
// canonical graph deduplicates.
type EdgeStore interface {
	Create(ctx context.Context, edge *models.Edge) error
	ListByTrace(ctx context.Context, traceID string) ([]*models.Edge, error)
}

// StoreSet groups the storage dependencies handed to the replay core.
type StoreSet struct {
	Traces TraceStore
	Nodes  NodeStore
	Edges  EdgeStore

	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
