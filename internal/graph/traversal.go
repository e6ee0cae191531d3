package graph

import (
	"sort"
	"time"
)

// TraversalFilter constrains a BFS walk.
type TraversalFilter struct {
	Relations       []string // empty = all relation types
	MinConfidence   float64
	IncludeInactive bool
}

func (f TraversalFilter) matches(e *Edge, now time.Time) bool {
	if !f.IncludeInactive && !e.Active(now) {
		return false
	}
	if e.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Relations) > 0 {
		ok := false
		for _, r := range f.Relations {
			if e.Relation == r {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Neighbor is a node reached by traversal plus the hop distance at which it
// was first discovered.
type Neighbor struct {
	Node *Node `json:"node"`
	Hops int   `json:"hops"`
}

// Neighbors walks up to maxHops from the given node, following edges in
// both directions. The filter applies per level: an edge that fails the
// filter neither yields its far node nor extends the frontier through it.
// Within a level, discovery order is by descending edge confidence, then
// ascending first_observed.
func (s *Store) Neighbors(nodeID string, maxHops int, filter TraversalFilter) []Neighbor {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return nil
	}

	visited := map[string]int{nodeID: 0}
	frontier := []string{nodeID}
	var result []Neighbor

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, far := range s.sortedAdjacentLocked(cur, filter, now) {
				if _, seen := visited[far]; seen {
					continue
				}
				visited[far] = hop
				next = append(next, far)
				result = append(result, Neighbor{Node: cloneNode(s.nodes[far]), Hops: hop})
			}
		}
		frontier = next
	}
	return result
}

// SubgraphResult is the result of a structured subgraph query.
type SubgraphResult struct {
	Nodes         []*Node  `json:"nodes"`
	Edges         []*Edge  `json:"edges"`
	SeedNodeIDs   []string `json:"seed_node_ids"`
	HopsTraversed int      `json:"hops_traversed"`
}

// Empty reports whether the result contains no nodes and no edges.
func (r *SubgraphResult) Empty() bool {
	return len(r.Nodes) == 0 && len(r.Edges) == 0
}

// Subgraph resolves the seed entity names (case-folded exact match first,
// then substring), walks maxHops in either direction, and returns the nodes
// reached plus the edges between them that pass the filter. With no seeds
// the whole graph is in scope and maxHops is ignored. Edges are ordered by
// descending confidence then reinforcement recency; with maxHops of zero
// only edges between seed nodes are returned.
func (s *Store) Subgraph(seeds []string, filter TraversalFilter, maxHops int) *SubgraphResult {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var seedIDs []string
	if len(seeds) > 0 {
		seedIDs = s.resolveSeedsLocked(seeds)
		if len(seedIDs) == 0 {
			return &SubgraphResult{HopsTraversed: maxHops}
		}
	} else {
		for id := range s.nodes {
			seedIDs = append(seedIDs, id)
		}
		sort.Strings(seedIDs)
	}

	reachable := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		reachable[id] = true
	}
	if maxHops > 0 && len(seeds) > 0 {
		frontier := seedIDs
		for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
			var next []string
			for _, cur := range frontier {
				for _, far := range s.sortedAdjacentLocked(cur, filter, now) {
					if !reachable[far] {
						reachable[far] = true
						next = append(next, far)
					}
				}
			}
			frontier = next
		}
	}

	result := &SubgraphResult{SeedNodeIDs: seedIDs, HopsTraversed: maxHops}
	var nodeIDs []string
	for id := range reachable {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		result.Nodes = append(result.Nodes, cloneNode(s.nodes[id]))
	}
	for _, e := range s.edges {
		if !reachable[e.SourceID] || !reachable[e.TargetID] {
			continue
		}
		if !filter.matches(e, now) {
			continue
		}
		result.Edges = append(result.Edges, cloneEdge(e))
	}
	sortEdges(result.Edges)
	return result
}

// resolveSeedsLocked maps entity names to node ids, preferring case-folded
// exact matches over substring matches, deduplicated in input order.
func (s *Store) resolveSeedsLocked(names []string) []string {
	var resolved []string
	seen := make(map[string]bool)

	for _, name := range names {
		key := FoldName(name)
		if key == "" {
			continue
		}
		var ids []string
		for _, m := range s.aliases {
			if id, ok := m[key]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			// Substring fallback over node names.
			var matches []*Node
			for _, n := range s.nodes {
				if containsFolded(append([]string{n.Name}, n.Aliases...), key) {
					matches = append(matches, n)
				}
			}
			sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
			for _, n := range matches {
				ids = append(ids, n.ID)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				resolved = append(resolved, id)
			}
		}
	}
	return resolved
}

// sortedAdjacentLocked returns the far endpoints of edges touching nodeID
// that pass the filter, ordered by descending edge confidence then
// ascending first_observed. Requires at least a read lock.
func (s *Store) sortedAdjacentLocked(nodeID string, filter TraversalFilter, now time.Time) []string {
	type hop struct {
		far  string
		edge *Edge
	}
	var hops []hop
	for _, eid := range s.out[nodeID] {
		if e := s.edges[eid]; filter.matches(e, now) {
			hops = append(hops, hop{far: e.TargetID, edge: e})
		}
	}
	for _, eid := range s.in[nodeID] {
		if e := s.edges[eid]; filter.matches(e, now) {
			hops = append(hops, hop{far: e.SourceID, edge: e})
		}
	}
	sort.Slice(hops, func(i, j int) bool {
		if hops[i].edge.Confidence != hops[j].edge.Confidence {
			return hops[i].edge.Confidence > hops[j].edge.Confidence
		}
		return hops[i].edge.FirstObserved.Before(hops[j].edge.FirstObserved)
	})
	out := make([]string, 0, len(hops))
	for _, h := range hops {
		out = append(out, h.far)
	}
	return out
}
