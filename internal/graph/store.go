package graph

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Persister is the write-through persistence hook for the store. The badger
// implementation lives in persist.go; a nil Persister keeps the graph
// memory-only (tests, cold start before the data dir exists).
type Persister interface {
	PutNode(n *Node) error
	PutEdge(e *Edge) error
	PutEpisode(ep *Episode) error
	DeleteNode(id string) error
	DeleteEdge(id string) error
	Load() ([]*Node, []*Edge, []*Episode, error)
	Close() error
}

// StoreConfig holds configuration for the graph store.
type StoreConfig struct {
	// MaxConfidence is C_max; confidence is clamped to [0, MaxConfidence].
	MaxConfidence float64
	// SingleValued lists relation types that admit one active target per
	// source (age, married_to, works_at, ...). The diff engine consults this
	// set for contradiction detection.
	SingleValued []string
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxConfidence: 0.98,
		SingleValued: []string{
			"age", "married_to", "works_at", "lives_in", "born_in",
			"birthday", "named", "manager_is",
		},
	}
}

// Store is the in-process knowledge graph. It is a single-writer logical
// entity per user graph: mutations serialize on the write lock, reads run
// concurrently against the most recent committed state and return copies.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	edges    map[string]*Edge
	out      map[string][]string // node id -> outgoing edge ids
	in       map[string][]string // node id -> incoming edge ids
	aliases  map[NodeKind]map[string]string
	episodes map[string]*Episode

	config  StoreConfig
	emitter Emitter
	persist Persister
	logger  *zap.Logger

	singleValued map[string]bool
}

// NewStore creates an empty graph store.
func NewStore(cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence > 1 {
		cfg.MaxConfidence = DefaultStoreConfig().MaxConfidence
	}
	sv := make(map[string]bool, len(cfg.SingleValued))
	for _, r := range cfg.SingleValued {
		sv[r] = true
	}
	return &Store{
		nodes:        make(map[string]*Node),
		edges:        make(map[string]*Edge),
		out:          make(map[string][]string),
		in:           make(map[string][]string),
		aliases:      make(map[NodeKind]map[string]string),
		episodes:     make(map[string]*Episode),
		config:       cfg,
		logger:       logger,
		singleValued: sv,
	}
}

// SetEmitter attaches an event sink for graph mutations.
func (s *Store) SetEmitter(e Emitter) {
	s.mu.Lock()
	s.emitter = e
	s.mu.Unlock()
}

// SetPersister attaches write-through persistence and loads existing state.
func (s *Store) SetPersister(p Persister) error {
	nodes, edges, episodes, err := p.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	for _, n := range nodes {
		s.indexNodeLocked(n)
	}
	for _, e := range edges {
		s.indexEdgeLocked(e)
	}
	for _, ep := range episodes {
		s.episodes[ep.ID] = ep
	}
	s.logger.Info("Graph loaded from persistence",
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("episodes", len(episodes)))
	return nil
}

// SingleValued reports whether a relation admits one active target per source.
func (s *Store) SingleValued(relation string) bool {
	return s.singleValued[relation]
}

// MaxConfidence returns C_max.
func (s *Store) MaxConfidence() float64 { return s.config.MaxConfidence }

// Close releases the persistence handle, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		return s.persist.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Node mutations
// ---------------------------------------------------------------------------

// UpsertNode creates a node or merges onto the existing representative when
// any case-folded alias overlaps within the same kind. The representative's
// name is stable; new aliases accumulate; privacy only ever rises.
func (s *Store) UpsertNode(kind NodeKind, name string, aliases []string, properties map[string]any, privacy PrivacyLevel) (string, error) {
	if !ValidKind(kind) {
		return "", invariant("node_kind", "unknown node kind %q", kind)
	}
	if FoldName(name) == "" {
		return "", invariant("node_name", "empty node name")
	}

	s.mu.Lock()

	keys := foldAll(name, aliases)
	existing := s.lookupAliasLocked(kind, keys)

	if existing != nil {
		updated := false
		for _, k := range keys {
			if s.aliases[kind][k] == "" {
				s.aliases[kind][k] = existing.ID
				existing.Aliases = append(existing.Aliases, k)
				updated = true
			}
		}
		for k, v := range properties {
			if cur, ok := existing.Properties[k]; !ok || cur != v {
				if existing.Properties == nil {
					existing.Properties = make(map[string]any)
				}
				existing.Properties[k] = v
				updated = true
			}
		}
		if privacy > existing.Privacy {
			existing.Privacy = privacy
			updated = true
		}
		existing.LastReinforced = time.Now().UTC()
		id := existing.ID
		var ev *Event
		if updated {
			cp := cloneNode(existing)
			ev = &Event{Type: EventNodeUpdated, Node: cp, At: time.Now().UTC()}
		}
		s.persistNodeLocked(existing)
		emitter := s.emitter
		s.mu.Unlock()
		if ev != nil && emitter != nil {
			emitter.Emit(*ev)
		}
		return id, nil
	}

	now := time.Now().UTC()
	n := &Node{
		ID:             NewNodeID(),
		Kind:           kind,
		Name:           name,
		Aliases:        keys,
		Properties:     properties,
		Privacy:        privacy,
		CreatedAt:      now,
		LastReinforced: now,
	}
	s.indexNodeLocked(n)
	s.persistNodeLocked(n)
	cp := cloneNode(n)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventNodeAdded, Node: cp, At: now})
	}
	return n.ID, nil
}

// RaisePrivacy raises a node's privacy level. Lowering is rejected; erasure
// and explicit user corrections go through their own code paths.
func (s *Store) RaisePrivacy(nodeID string, level PrivacyLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	if level < n.Privacy {
		return invariant("privacy_sticky", "cannot lower privacy of %s from L%d to L%d", nodeID, n.Privacy, level)
	}
	n.Privacy = level
	s.persistNodeLocked(n)
	return nil
}

// DeleteNode physically removes a node. Cascade removes every touching edge.
// This is the user-erasure path only; retraction is the normal removal.
func (s *Store) DeleteNode(nodeID string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	touching := append(append([]string{}, s.out[nodeID]...), s.in[nodeID]...)
	if !cascade && len(touching) > 0 {
		return invariant("no_orphan_edges", "node %s has %d edges; delete requires cascade", nodeID, len(touching))
	}
	for _, eid := range touching {
		s.removeEdgeLocked(eid)
	}
	for _, a := range n.Aliases {
		delete(s.aliases[n.Kind], a)
	}
	delete(s.nodes, nodeID)
	delete(s.out, nodeID)
	delete(s.in, nodeID)
	if s.persist != nil {
		if err := s.persist.DeleteNode(nodeID); err != nil {
			s.logger.Error("Failed to delete node from persistence", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Edge mutations
// ---------------------------------------------------------------------------

// EdgeSpec carries the caller-supplied fields for a new edge.
type EdgeSpec struct {
	SourceID      string
	TargetID      string
	Relation      string
	Confidence    float64
	Temporal      TemporalType
	Mechanism     Mechanism
	DecayRate     float64
	ContextTags   []string
	EpisodeID     string
	Expiry        *time.Time
	Flags         []string
	RefinesEdgeID string
}

// CreateEdge inserts a new edge. Both endpoints must already exist, the
// confidence must be in range, and a sealed target may not be referenced
// from a public source.
func (s *Store) CreateEdge(spec EdgeSpec) (string, error) {
	s.mu.Lock()

	src, ok := s.nodes[spec.SourceID]
	if !ok {
		s.mu.Unlock()
		return "", invariant("no_orphan_edges", "source node %s does not exist", spec.SourceID)
	}
	tgt, ok := s.nodes[spec.TargetID]
	if !ok {
		s.mu.Unlock()
		return "", invariant("no_orphan_edges", "target node %s does not exist", spec.TargetID)
	}
	if spec.Confidence < 0 || spec.Confidence > 1 {
		s.mu.Unlock()
		return "", invariant("confidence_range", "confidence %.3f outside [0,1]", spec.Confidence)
	}
	if tgt.Privacy == PrivacySealed && src.Privacy < PrivacyPrivate {
		s.mu.Unlock()
		return "", invariant("privacy", "sealed target %s referenced from L%d source %s", tgt.ID, src.Privacy, src.ID)
	}
	if spec.EpisodeID == "" && spec.Mechanism != MechanismUserCorrection {
		s.mu.Unlock()
		return "", invariant("episode_link", "edge with mechanism %s requires a source episode", spec.Mechanism)
	}

	now := time.Now().UTC()
	conf := spec.Confidence
	if conf > s.config.MaxConfidence {
		conf = s.config.MaxConfidence
	}
	e := &Edge{
		ID:             NewEdgeID(),
		SourceID:       spec.SourceID,
		TargetID:       spec.TargetID,
		Relation:       spec.Relation,
		Confidence:     conf,
		Temporal:       spec.Temporal,
		FirstObserved:  now,
		LastReinforced: now,
		DecayRate:      spec.DecayRate,
		ContextTags:    spec.ContextTags,
		Mechanism:      spec.Mechanism,
		Expiry:         spec.Expiry,
		Flags:          spec.Flags,
		RefinesEdgeID:  spec.RefinesEdgeID,
	}
	if spec.EpisodeID != "" {
		e.EpisodeIDs = []string{spec.EpisodeID}
		if ep, ok := s.episodes[spec.EpisodeID]; ok {
			ep.EdgeIDs = append(ep.EdgeIDs, e.ID)
			s.persistEpisodeLocked(ep)
		}
	}
	s.indexEdgeLocked(e)
	s.persistEdgeLocked(e)
	cp := cloneEdge(e)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventEdgeAdded, Edge: cp, At: now})
	}
	return e.ID, nil
}

// ReinforceEdge updates an edge's confidence and appends the reinforcing
// episode. The confidence arithmetic is the confidence engine's job; the
// store only clamps and records.
func (s *Store) ReinforceEdge(edgeID string, newConfidence float64, episodeID string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if newConfidence < 0 || newConfidence > 1 {
		s.mu.Unlock()
		return invariant("confidence_range", "confidence %.3f outside [0,1]", newConfidence)
	}
	if newConfidence > s.config.MaxConfidence {
		newConfidence = s.config.MaxConfidence
	}
	e.Confidence = newConfidence
	e.LastReinforced = time.Now().UTC()
	if episodeID != "" && !e.HasEpisode(episodeID) {
		e.EpisodeIDs = append(e.EpisodeIDs, episodeID)
		if ep, ok := s.episodes[episodeID]; ok {
			ep.EdgeIDs = append(ep.EdgeIDs, e.ID)
			s.persistEpisodeLocked(ep)
		}
	}
	if tgt, ok := s.nodes[e.TargetID]; ok {
		tgt.LastReinforced = e.LastReinforced
	}
	s.persistEdgeLocked(e)
	cp := cloneEdge(e)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventEdgeUpdated, Edge: cp, At: cp.LastReinforced})
	}
	return nil
}

// ReviseEdge retracts the old edge with the given reason and inserts its
// replacement, linking the two for provenance.
func (s *Store) ReviseEdge(oldEdgeID string, replacement EdgeSpec, reason string) (string, error) {
	if err := s.RetractEdge(oldEdgeID, reason); err != nil {
		return "", err
	}
	newID, err := s.CreateEdge(replacement)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if e, ok := s.edges[newID]; ok {
		e.Flags = append(e.Flags, "supersedes:"+oldEdgeID)
		s.persistEdgeLocked(e)
	}
	s.mu.Unlock()
	return newID, nil
}

// RetractEdge marks an edge retracted. Retracted edges stay for audit but
// never appear in query results.
func (s *Store) RetractEdge(edgeID, reason string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.Retracted = true
	e.RetractionReason = reason
	s.persistEdgeLocked(e)
	cp := cloneEdge(e)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventEdgeRetracted, Edge: cp, At: time.Now().UTC()})
	}
	return nil
}

// ArchiveEdge marks an edge archived (confidence fell below the threshold).
func (s *Store) ArchiveEdge(edgeID string) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.Archived = true
	s.persistEdgeLocked(e)
	cp := cloneEdge(e)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventEdgeArchived, Edge: cp, At: time.Now().UTC()})
	}
	return nil
}

// DecayEdge lowers an edge's confidence without touching last_reinforced;
// only the decay worker calls this.
func (s *Store) DecayEdge(edgeID string, newConfidence float64) error {
	s.mu.Lock()
	e, ok := s.edges[edgeID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if newConfidence < 0 || newConfidence > 1 {
		s.mu.Unlock()
		return invariant("confidence_range", "confidence %.3f outside [0,1]", newConfidence)
	}
	e.Confidence = newConfidence
	s.persistEdgeLocked(e)
	cp := cloneEdge(e)
	emitter := s.emitter
	s.mu.Unlock()

	if emitter != nil {
		emitter.Emit(Event{Type: EventEdgeUpdated, Edge: cp, At: time.Now().UTC()})
	}
	return nil
}

// TouchVerified stamps an edge's external verification time.
func (s *Store) TouchVerified(edgeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[edgeID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	e.LastVerified = &t
	s.persistEdgeLocked(e)
	return nil
}

// DeleteEdge physically removes an edge (user erasure only).
func (s *Store) DeleteEdge(edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[edgeID]; !ok {
		return ErrNotFound
	}
	s.removeEdgeLocked(edgeID)
	return nil
}

// ---------------------------------------------------------------------------
// Episodes
// ---------------------------------------------------------------------------

// AddEpisode records a new interaction episode.
func (s *Store) AddEpisode(ep *Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.ID == "" {
		ep.ID = NewEpisodeID()
	}
	if ep.OccurredAt.IsZero() {
		ep.OccurredAt = time.Now().UTC()
	}
	s.episodes[ep.ID] = ep
	s.persistEpisodeLocked(ep)
}

// GetEpisode returns a copy of an episode.
func (s *Store) GetEpisode(id string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	cp.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Internal helpers (all require the write lock)
// ---------------------------------------------------------------------------

func (s *Store) indexNodeLocked(n *Node) {
	s.nodes[n.ID] = n
	if s.aliases[n.Kind] == nil {
		s.aliases[n.Kind] = make(map[string]string)
	}
	for _, a := range n.Aliases {
		s.aliases[n.Kind][FoldName(a)] = n.ID
	}
	s.aliases[n.Kind][FoldName(n.Name)] = n.ID
}

func (s *Store) indexEdgeLocked(e *Edge) {
	s.edges[e.ID] = e
	s.out[e.SourceID] = append(s.out[e.SourceID], e.ID)
	s.in[e.TargetID] = append(s.in[e.TargetID], e.ID)
}

func (s *Store) removeEdgeLocked(edgeID string) {
	e, ok := s.edges[edgeID]
	if !ok {
		return
	}
	s.out[e.SourceID] = removeString(s.out[e.SourceID], edgeID)
	s.in[e.TargetID] = removeString(s.in[e.TargetID], edgeID)
	delete(s.edges, edgeID)
	if s.persist != nil {
		if err := s.persist.DeleteEdge(edgeID); err != nil {
			s.logger.Error("Failed to delete edge from persistence", zap.String("edge_id", edgeID), zap.Error(err))
		}
	}
}

func (s *Store) lookupAliasLocked(kind NodeKind, keys []string) *Node {
	m := s.aliases[kind]
	if m == nil {
		return nil
	}
	for _, k := range keys {
		if id, ok := m[k]; ok {
			return s.nodes[id]
		}
	}
	return nil
}

func (s *Store) persistNodeLocked(n *Node) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutNode(n); err != nil {
		s.logger.Error("Failed to persist node", zap.String("node_id", n.ID), zap.Error(err))
	}
}

func (s *Store) persistEdgeLocked(e *Edge) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutEdge(e); err != nil {
		s.logger.Error("Failed to persist edge", zap.String("edge_id", e.ID), zap.Error(err))
	}
}

func (s *Store) persistEpisodeLocked(ep *Episode) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutEpisode(ep); err != nil {
		s.logger.Error("Failed to persist episode", zap.String("episode_id", ep.ID), zap.Error(err))
	}
}

func foldAll(name string, aliases []string) []string {
	seen := make(map[string]bool, len(aliases)+1)
	keys := make([]string, 0, len(aliases)+1)
	for _, a := range append([]string{name}, aliases...) {
		k := FoldName(a)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func cloneNode(n *Node) *Node {
	cp := *n
	cp.Aliases = append([]string(nil), n.Aliases...)
	if n.Properties != nil {
		cp.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

func cloneEdge(e *Edge) *Edge {
	cp := *e
	cp.ContextTags = append([]string(nil), e.ContextTags...)
	cp.EpisodeIDs = append([]string(nil), e.EpisodeIDs...)
	cp.Flags = append([]string(nil), e.Flags...)
	return &cp
}
