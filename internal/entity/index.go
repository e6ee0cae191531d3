// Package entity provides fuzzy name resolution for graph nodes using
// Bleve. The store's own alias map is exact case-folded match; this index
// answers "did the user mean Lena?" when the agent sends a misspelled or
// partial name. Fuzzy hits are candidates for the caller to confirm, never
// auto-merged into an equivalence class.
package entity

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/graph"
)

// Config holds configuration for the entity index.
type Config struct {
	// IndexPath stores the index on disk; empty means in-memory.
	IndexPath string
	// Fuzziness is the Levenshtein distance for fuzzy matching.
	Fuzziness int
	// MaxCandidates bounds result size.
	MaxCandidates int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Fuzziness:     2,
		MaxCandidates: 8,
	}
}

// Candidate is one fuzzy match.
type Candidate struct {
	NodeID string  `json:"node_id"`
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Score  float64 `json:"score"`
}

type indexDoc struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Kind    string   `json:"kind"`
}

// Index is the Bleve-backed fuzzy entity index.
type Index struct {
	index  bleve.Index
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewIndex creates the entity index.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Fuzziness <= 0 {
		cfg.Fuzziness = 2
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 8
	}

	m := buildMapping()
	var idx bleve.Index
	var err error
	if cfg.IndexPath == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.Open(cfg.IndexPath)
		if err != nil {
			idx, err = bleve.New(cfg.IndexPath, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open entity index: %w", err)
	}
	return &Index{index: idx, config: cfg, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = "simple"

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", nameField)
	doc.AddFieldMappingsAt("aliases", nameField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// OnGraphEvent keeps the index current; registered on the event bus for
// node_added and node_updated.
func (i *Index) OnGraphEvent(ev graph.Event) error {
	if ev.Node == nil {
		return nil
	}
	switch ev.Type {
	case graph.EventNodeAdded, graph.EventNodeUpdated:
		return i.Put(ev.Node)
	}
	return nil
}

// Put indexes or reindexes one node.
func (i *Index) Put(n *graph.Node) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Index(n.ID, indexDoc{
		Name:    n.Name,
		Aliases: n.Aliases,
		Kind:    string(n.Kind),
	})
}

// Delete removes a node from the index (user erasure).
func (i *Index) Delete(nodeID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Delete(nodeID)
}

// Search returns fuzzy candidates for a name, best first. An exact match
// query runs alongside the fuzzy one so perfect hits always rank on top.
func (i *Index) Search(name string) ([]Candidate, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	folded := graph.FoldName(name)
	if folded == "" {
		return nil, nil
	}

	exact := bleve.NewMatchQuery(folded)
	exact.SetBoost(2.0)
	fuzzy := bleve.NewFuzzyQuery(folded)
	fuzzy.SetFuzziness(i.config.Fuzziness)

	q := bleve.NewDisjunctionQuery([]query.Query{exact, fuzzy}...)
	req := bleve.NewSearchRequest(q)
	req.Size = i.config.MaxCandidates
	req.Fields = []string{"name", "kind"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("entity search failed: %w", err)
	}

	out := make([]Candidate, 0, len(res.Hits))
	for _, hit := range res.Hits {
		c := Candidate{NodeID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["name"].(string); ok {
			c.Name = v
		}
		if v, ok := hit.Fields["kind"].(string); ok {
			c.Kind = v
		}
		out = append(out, c)
	}
	return out, nil
}

// Close releases the index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}
