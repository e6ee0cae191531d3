package graph

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is a full export of the graph: nodes, active edges, and episode
// metadata. Re-ingesting a snapshot into an empty service reproduces the
// same node equivalence classes and active edges.
type Snapshot struct {
	Nodes    []*Node    `json:"nodes"`
	Edges    []*Edge    `json:"edges"`
	Episodes []*Episode `json:"episodes"`
	Stats    Stats      `json:"stats"`
	TakenAt  time.Time  `json:"taken_at"`
}

// TakeSnapshot exports the graph. With includeInactive, retracted and
// archived edges are exported too (audit use).
func (s *Store) TakeSnapshot(includeInactive bool) *Snapshot {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{TakenAt: now}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, cloneNode(n))
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	active := 0
	for _, e := range s.edges {
		isActive := e.Active(now)
		if !includeInactive && !isActive {
			continue
		}
		if isActive {
			active++
		}
		snap.Edges = append(snap.Edges, cloneEdge(e))
	}
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].ID < snap.Edges[j].ID })

	for _, ep := range s.episodes {
		cp := *ep
		cp.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
		snap.Episodes = append(snap.Episodes, &cp)
	}
	sort.Slice(snap.Episodes, func(i, j int) bool { return snap.Episodes[i].ID < snap.Episodes[j].ID })

	snap.Stats = Stats{
		NodeCount:    len(snap.Nodes),
		EdgeCount:    len(snap.Edges),
		ActiveEdges:  active,
		EpisodeCount: len(snap.Episodes),
	}
	return snap
}

// ImportSnapshot loads a snapshot into the store. Node ids are preserved;
// intended for restoring into an empty service.
func (s *Store) ImportSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.nodes) > 0 || len(s.edges) > 0 {
		return invariant("import_empty", "snapshot import requires an empty graph (%d nodes present)", len(s.nodes))
	}
	for _, n := range snap.Nodes {
		s.indexNodeLocked(cloneNode(n))
		s.persistNodeLocked(s.nodes[n.ID])
	}
	for _, e := range snap.Edges {
		if _, ok := s.nodes[e.SourceID]; !ok {
			return invariant("no_orphan_edges", "snapshot edge %s references missing source %s", e.ID, e.SourceID)
		}
		if _, ok := s.nodes[e.TargetID]; !ok {
			return invariant("no_orphan_edges", "snapshot edge %s references missing target %s", e.ID, e.TargetID)
		}
		s.indexEdgeLocked(cloneEdge(e))
		s.persistEdgeLocked(s.edges[e.ID])
	}
	for _, ep := range snap.Episodes {
		cp := *ep
		cp.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
		s.episodes[cp.ID] = &cp
		s.persistEpisodeLocked(&cp)
	}
	return nil
}

// ---------------------------------------------------------------------------
// GraphML export
// ---------------------------------------------------------------------------

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

type graphmlKey struct {
	ID   string `xml:"id,attr"`
	For  string `xml:"for,attr"`
	Name string `xml:"attr.name,attr"`
	Type string `xml:"attr.type,attr"`
}

type graphmlGraph struct {
	ID          string         `xml:"id,attr"`
	EdgeDefault string         `xml:"edgedefault,attr"`
	Nodes       []graphmlNode  `xml:"node"`
	Edges       []graphmlEdge  `xml:"edge"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	ID     string        `xml:"id,attr"`
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// GraphML renders the snapshot as a GraphML document for external tooling.
func (snap *Snapshot) GraphML() ([]byte, error) {
	doc := graphmlDoc{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphmlKey{
			{ID: "name", For: "node", Name: "name", Type: "string"},
			{ID: "kind", For: "node", Name: "kind", Type: "string"},
			{ID: "relation", For: "edge", Name: "relation", Type: "string"},
			{ID: "confidence", For: "edge", Name: "confidence", Type: "double"},
			{ID: "temporal", For: "edge", Name: "temporal_type", Type: "string"},
		},
		Graph: graphmlGraph{ID: "knowledge", EdgeDefault: "directed"},
	}
	for _, n := range snap.Nodes {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphmlNode{
			ID: n.ID,
			Data: []graphmlData{
				{Key: "name", Value: n.Name},
				{Key: "kind", Value: string(n.Kind)},
			},
		})
	}
	for _, e := range snap.Edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			ID:     e.ID,
			Source: e.SourceID,
			Target: e.TargetID,
			Data: []graphmlData{
				{Key: "relation", Value: e.Relation},
				{Key: "confidence", Value: fmt.Sprintf("%.3f", e.Confidence)},
				{Key: "temporal", Value: string(e.Temporal)},
			},
		})
	}

	var sb strings.Builder
	sb.WriteString(xml.Header)
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render graphml: %w", err)
	}
	sb.Write(data)
	return []byte(sb.String()), nil
}
