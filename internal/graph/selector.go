package graph

import (
	"fmt"
	"strings"

	"github.com/axonlabs/axon/pkg/models"
)

// Mode selects the executed-set escalation policy. It is read from the
// REPLAY_MODE environment variable at startup and threaded through the
// coordinator explicitly; the selector has no hidden global.
type Mode string

const (
	// ModeDefault applies the staged policy: forward reachability, union
	// reachability when too small, component promotion when still too small.
	ModeDefault Mode = ""
	// ModeComponent always replaces the executed set with the undirected
	// component containing the start node.
	ModeComponent Mode = "component"
	// ModeFull executes the whole trace in start-time order.
	ModeFull Mode = "full"
)

// ParseMode interprets a REPLAY_MODE value case-insensitively. Unknown
// values fall back to the staged default.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "component":
		return ModeComponent
	case "full":
		return ModeFull
	}
	return ModeDefault
}

// Selection is the partition of a trace's nodes produced for a replay. Both
// slices are in deterministic order: start time ascending, node ID breaking
// ties.
type Selection struct {
	Executed []*models.Node
	Skipped  []*models.Node
	Start    *models.Node
}

// ExecutedIDs returns the executed node IDs in order.
func (s Selection) ExecutedIDs() []string { return nodeIDs(s.Executed) }

// SkippedIDs returns the skipped node IDs in order.
func (s Selection) SkippedIDs() []string { return nodeIDs(s.Skipped) }

func nodeIDs(nodes []*models.Node) []string {
	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = node.ID
	}
	return out
}

// Select computes the executed set from the start node under the given mode.
// An empty startNodeID selects the earliest node. It fails only when the
// graph is empty or the start node does not exist.
func Select(g *Graph, startNodeID string, mode Mode) (Selection, error) {
	if len(g.Nodes) == 0 {
		return Selection{}, fmt.Errorf("trace has no nodes")
	}
	start := g.Start(startNodeID)
	if start == nil {
		return Selection{}, fmt.Errorf("start node %q not found", startNodeID)
	}

	var executed map[string]struct{}
	switch mode {
	case ModeFull:
		executed = make(map[string]struct{}, len(g.Nodes))
		for _, node := range g.Nodes {
			executed[node.ID] = struct{}{}
		}
	case ModeComponent:
		executed = g.component(start.ID)
	default:
		executed = g.stagedSelect(start.ID)
	}

	sel := Selection{Start: start}
	for _, node := range g.Nodes {
		if _, ok := executed[node.ID]; ok {
			sel.Executed = append(sel.Executed, node)
		} else {
			sel.Skipped = append(sel.Skipped, node)
		}
	}
	return sel, nil
}

// stagedSelect escalates coverage until the executed set is plausibly the
// replayed run: forward reachability first, then reachability over the
// union of both directions, then the whole undirected component.
func (g *Graph) stagedSelect(startID string) map[string]struct{} {
	executed := g.dfs(g.Forward, startID)

	threshold := len(g.Nodes) / 10
	if threshold < 5 {
		threshold = 5
	}
	if len(executed) < threshold {
		executed = g.dfs(g.unionAdjacency(), startID)
	}

	component := g.component(startID)
	componentFloor := len(component) * 6 / 10
	if componentFloor < 10 {
		componentFloor = 10
	}
	if len(executed) < componentFloor {
		executed = component
	}
	return executed
}

// component returns the undirected connected component containing startID.
func (g *Graph) component(startID string) map[string]struct{} {
	return g.dfs(g.unionAdjacency(), startID)
}

// unionAdjacency merges forward and reverse adjacency with deduplicated
// successor lists.
func (g *Graph) unionAdjacency() map[string][]string {
	union := make(map[string][]string, len(g.Forward)+len(g.Reverse))
	for _, adj := range []map[string][]string{g.Forward, g.Reverse} {
		for from, successors := range adj {
			union[from] = append(union[from], successors...)
		}
	}
	for from, successors := range union {
		seen := make(map[string]struct{}, len(successors))
		deduped := successors[:0]
		for _, to := range successors {
			if _, dup := seen[to]; dup {
				continue
			}
			seen[to] = struct{}{}
			deduped = append(deduped, to)
		}
		union[from] = deduped
	}
	g.sortAdjacency(union)
	return union
}

func (g *Graph) dfs(adj map[string][]string, startID string) map[string]struct{} {
	visited := map[string]struct{}{startID: {}}
	stack := []string{startID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[current] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return visited
}
