package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/axonlabs/axon/pkg/models"
)

// MemoryTraceStore provides an in-memory TraceStore.
type MemoryTraceStore struct {
	mu          sync.RWMutex
	traces      map[string]*models.Trace
	annotations map[string]map[string]*models.ReplayResult // traceID -> requestID -> result
}

// NewMemoryTraceStore creates an in-memory trace store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{
		traces:      make(map[string]*models.Trace),
		annotations: make(map[string]map[string]*models.ReplayResult),
	}
}

func (s *MemoryTraceStore) Create(ctx context.Context, trace *models.Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[trace.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *trace
	s.traces[trace.ID] = &cp
	return nil
}

func (s *MemoryTraceStore) Get(ctx context.Context, id string) (*models.Trace, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trace, ok := s.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *trace
	return &cp, nil
}

func (s *MemoryTraceStore) Update(ctx context.Context, trace *models.Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[trace.ID]; !exists {
		return ErrNotFound
	}
	cp := *trace
	s.traces[trace.ID] = &cp
	return nil
}

func (s *MemoryTraceStore) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*models.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Trace
	for _, trace := range s.traces {
		if trace.Status == models.TraceRunning && trace.StartTime.Before(cutoff) {
			cp := *trace
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryTraceStore) AnnotateReplay(ctx context.Context, traceID, requestID string, result *models.ReplayResult) error {
	if traceID == "" || requestID == "" {
		return fmt.Errorf("traceID and requestID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[traceID]; !exists {
		return ErrNotFound
	}
	if s.annotations[traceID] == nil {
		s.annotations[traceID] = make(map[string]*models.ReplayResult)
	}
	s.annotations[traceID][requestID] = result
	return nil
}

// ReplayAnnotation returns a stored replay annotation, or nil if absent.
func (s *MemoryTraceStore) ReplayAnnotation(traceID, requestID string) *models.ReplayResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.annotations[traceID][requestID]
}

// MemoryNodeStore provides an in-memory NodeStore.
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes map[string]map[string]*models.Node // traceID -> nodeID -> node
}

// NewMemoryNodeStore creates an in-memory node store.
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[string]map[string]*models.Node)}
}

func (s *MemoryNodeStore) Create(ctx context.Context, node *models.Node) error {
	if node == nil || node.ID == "" || node.TraceID == "" {
		return fmt.Errorf("node with id and traceId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[node.TraceID] == nil {
		s.nodes[node.TraceID] = make(map[string]*models.Node)
	}
	if _, exists := s.nodes[node.TraceID][node.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *node
	s.nodes[node.TraceID][node.ID] = &cp
	return nil
}

func (s *MemoryNodeStore) Update(ctx context.Context, node *models.Node) error {
	if node == nil || node.ID == "" || node.TraceID == "" {
		return fmt.Errorf("node with id and traceId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.TraceID][node.ID]; !exists {
		return ErrNotFound
	}
	cp := *node
	s.nodes[node.TraceID][node.ID] = &cp
	return nil
}

func (s *MemoryNodeStore) Get(ctx context.Context, traceID, nodeID string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[traceID][nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (s *MemoryNodeStore) GetByRunID(ctx context.Context, traceID, runID string) (*models.Node, error) {
	if runID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes[traceID] {
		if node.RunID == runID {
			cp := *node
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryNodeStore) ListByTrace(ctx context.Context, traceID string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Node, 0, len(s.nodes[traceID]))
	for _, node := range s.nodes[traceID] {
		cp := *node
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// MemoryEdgeStore provides an in-memory EdgeStore.
type MemoryEdgeStore struct {
	mu    sync.RWMutex
	edges map[string][]*models.Edge
}

// NewMemoryEdgeStore creates an in-memory edge store.
func NewMemoryEdgeStore() *MemoryEdgeStore {
	return &MemoryEdgeStore{edges: make(map[string][]*models.Edge)}
}

func (s *MemoryEdgeStore) Create(ctx context.Context, edge *models.Edge) error {
	if edge == nil || edge.TraceID == "" || edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge with traceId and both endpoints is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *edge
	s.edges[edge.TraceID] = append(s.edges[edge.TraceID], &cp)
	return nil
}

func (s *MemoryEdgeStore) ListByTrace(ctx context.Context, traceID string) ([]*models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Edge, 0, len(s.edges[traceID]))
	for _, edge := range s.edges[traceID] {
		cp := *edge
		out = append(out, &cp)
	}
	return out, nil
}

// NewMemoryStoreSet wires the in-memory stores into a StoreSet.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		Traces: NewMemoryTraceStore(),
		Nodes:  NewMemoryNodeStore(),
		Edges:  NewMemoryEdgeStore(),
	}
}
