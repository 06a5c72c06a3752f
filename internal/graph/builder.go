// Package graph reconstructs the canonical run graph for a trace and selects
// the executed subgraph for replay.
package graph

import (
	"encoding/json"
	"sort"

	"github.com/axonlabs/axon/pkg/models"
)

// Graph is the canonical, fully resolved form of a trace's run graph. All
// edges reference store node IDs; traversal never sees run IDs.
type Graph struct {
	// Nodes is sorted ascending by start time, node ID breaking ties.
	Nodes []*models.Node

	ByID    map[string]*models.Node
	ByRunID map[string]*models.Node

	Edges   []models.CanonicalEdge
	Forward map[string][]string
	Reverse map[string][]string
}

// Build normalizes raw nodes and edges into a canonical graph:
// parse stored JSON bags, resolve mixed id/runId edge endpoints, inject
// parent->child edges from parentRunId links, and synthesize a time-linear
// chain when no edges survive.
func Build(nodes []*models.Node, edges []*models.Edge) *Graph {
	g := &Graph{
		ByID:    make(map[string]*models.Node, len(nodes)),
		ByRunID: make(map[string]*models.Node, len(nodes)),
		Forward: make(map[string][]string),
		Reverse: make(map[string][]string),
	}

	for _, raw := range nodes {
		node := normalizeNode(raw)
		g.Nodes = append(g.Nodes, node)
		g.ByID[node.ID] = node
		if node.RunID != "" {
			g.ByRunID[node.RunID] = node
		}
	}
	sortNodes(g.Nodes)

	seen := make(map[models.CanonicalEdge]struct{})
	addEdge := func(from, to string) {
		edge := models.CanonicalEdge{From: from, To: to}
		if _, dup := seen[edge]; dup {
			return
		}
		seen[edge] = struct{}{}
		g.Edges = append(g.Edges, edge)
	}

	for _, edge := range edges {
		from := g.resolve(edge.From)
		to := g.resolve(edge.To)
		if from == nil || to == nil {
			continue
		}
		addEdge(from.ID, to.ID)
	}

	for _, node := range g.Nodes {
		if node.ParentRunID == "" {
			continue
		}
		parent := g.resolve(node.ParentRunID)
		if parent == nil || parent.ID == node.ID {
			continue
		}
		addEdge(parent.ID, node.ID)
	}

	// Degenerate traces carry no linkage at all; fall back to a time-linear
	// chain so traversal still has structure.
	if len(g.Edges) == 0 && len(g.Nodes) > 1 {
		for i := 0; i+1 < len(g.Nodes); i++ {
			addEdge(g.Nodes[i].ID, g.Nodes[i+1].ID)
		}
	}

	for _, edge := range g.Edges {
		g.Forward[edge.From] = append(g.Forward[edge.From], edge.To)
		g.Reverse[edge.To] = append(g.Reverse[edge.To], edge.From)
	}
	g.sortAdjacency(g.Forward)
	g.sortAdjacency(g.Reverse)

	return g
}

// resolve maps a mixed identifier to a node, trying node ID first, then run
// ID. This is the single place where the two identifier spaces meet.
func (g *Graph) resolve(ref string) *models.Node {
	if ref == "" {
		return nil
	}
	if node, ok := g.ByID[ref]; ok {
		return node
	}
	if node, ok := g.ByRunID[ref]; ok {
		return node
	}
	return nil
}

// Start returns the requested start node, defaulting to the earliest node.
func (g *Graph) Start(nodeID string) *models.Node {
	if nodeID != "" {
		return g.ByID[nodeID]
	}
	if len(g.Nodes) == 0 {
		return nil
	}
	return g.Nodes[0]
}

// normalizeNode decodes the stored JSON bags and reconciles the token
// counts. The input node is not mutated.
func normalizeNode(raw *models.Node) *models.Node {
	node := *raw

	if node.RawData != "" {
		var data models.NodeData
		if err := json.Unmarshal([]byte(node.RawData), &data); err == nil {
			node.Data = data
		}
	}
	if node.RawTokens != "" {
		var tokens models.TokenUsage
		if err := json.Unmarshal([]byte(node.RawTokens), &tokens); err == nil {
			node.Tokens = tokens
		}
	}

	// A positive total must equal the side sum. Totals recorded with no side
	// counts are dropped, leaving estimation to the attributor.
	node.Tokens.Total = node.Tokens.InputTokens() + node.Tokens.OutputTokens()
	return &node
}

func sortNodes(nodes []*models.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].StartTime.Equal(nodes[j].StartTime) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].StartTime.Before(nodes[j].StartTime)
	})
}

// sortAdjacency orders successor lists by the canonical node order so
// traversal is deterministic.
func (g *Graph) sortAdjacency(adj map[string][]string) {
	for key, successors := range adj {
		sort.Slice(successors, func(i, j int) bool {
			a, b := g.ByID[successors[i]], g.ByID[successors[j]]
			if a.StartTime.Equal(b.StartTime) {
				return a.ID < b.ID
			}
			return a.StartTime.Before(b.StartTime)
		})
		adj[key] = successors
	}
}
