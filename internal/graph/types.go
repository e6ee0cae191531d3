// Package graph implements the typed temporal knowledge graph store.
// It is an embedded multigraph: parallel edges between the same node pair
// are permitted as long as their relation types differ, and every edge
// carries confidence, temporal scope, and provenance metadata.
package graph

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeKind is the closed set of node kinds.
type NodeKind string

const (
	KindPerson       NodeKind = "person"
	KindOrganization NodeKind = "organization"
	KindPlace        NodeKind = "place"
	KindTool         NodeKind = "tool"
	KindConcept      NodeKind = "concept"
	KindEpisode      NodeKind = "episode"
	KindExperience   NodeKind = "experience"
	KindProcedure    NodeKind = "procedure"
	KindPreference   NodeKind = "preference"
	KindContext      NodeKind = "context"
)

// ValidKind reports whether k is a recognized node kind.
func ValidKind(k NodeKind) bool {
	switch k {
	case KindPerson, KindOrganization, KindPlace, KindTool, KindConcept,
		KindEpisode, KindExperience, KindProcedure, KindPreference, KindContext:
		return true
	}
	return false
}

// PrivacyLevel controls how far a node may travel. Levels are monotonically
// sticky: derivations may raise a node's level, never lower it implicitly.
type PrivacyLevel int

const (
	PrivacyPublic   PrivacyLevel = iota // L0
	PrivacyPlatform                     // L1
	PrivacyPersonal                     // L2
	PrivacyPrivate                      // L3
	PrivacySealed                       // L4
)

// TemporalType classifies how an edge's truth behaves over time.
type TemporalType string

const (
	TemporalTrait   TemporalType = "trait"
	TemporalState   TemporalType = "state"
	TemporalWish    TemporalType = "wish"
	TemporalEpisode TemporalType = "episode"
)

// Mechanism records how a fact entered the graph.
type Mechanism string

const (
	MechanismExplicit       Mechanism = "explicit"
	MechanismObservational  Mechanism = "observational"
	MechanismInferential    Mechanism = "inferential"
	MechanismReflective     Mechanism = "reflective"
	MechanismUserCorrection Mechanism = "user_correction"
)

// Node is an entity in the knowledge graph. Two nodes of the same kind with
// overlapping case-folded aliases are the same entity; the store keeps one
// representative per equivalence class.
type Node struct {
	ID             string         `json:"id"`
	Kind           NodeKind       `json:"kind"`
	Name           string         `json:"name"`
	Aliases        []string       `json:"aliases,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	Privacy        PrivacyLevel   `json:"privacy"`
	CreatedAt      time.Time      `json:"created_at"`
	LastReinforced time.Time      `json:"last_reinforced"`
}

// Edge is a typed, directed, confidence-weighted, temporally scoped relation.
type Edge struct {
	ID               string       `json:"id"`
	SourceID         string       `json:"source_id"`
	TargetID         string       `json:"target_id"`
	Relation         string       `json:"relation"`
	Confidence       float64      `json:"confidence"`
	Temporal         TemporalType `json:"temporal_type"`
	FirstObserved    time.Time    `json:"first_observed"`
	LastReinforced   time.Time    `json:"last_reinforced"`
	DecayRate        float64      `json:"decay_rate"`
	ContextTags      []string     `json:"context_tags,omitempty"`
	EpisodeIDs       []string     `json:"episode_ids,omitempty"`
	Mechanism        Mechanism    `json:"mechanism"`
	Expiry           *time.Time   `json:"expiry,omitempty"`
	Retracted        bool         `json:"retracted,omitempty"`
	RetractionReason string       `json:"retraction_reason,omitempty"`
	Archived         bool         `json:"archived,omitempty"`
	// LastVerified is set by the revision worker for externally checked
	// public facts.
	LastVerified *time.Time `json:"last_verified,omitempty"`
	// Flags carries pipeline annotations such as "secondhand",
	// "hypothetical", or "attribution_uncertain".
	Flags []string `json:"flags,omitempty"`
	// RefinesEdgeID links a specific refinement to its general edge (MERGE).
	RefinesEdgeID string `json:"refines_edge_id,omitempty"`
}

// Active reports whether the edge should be visible to queries at time now.
func (e *Edge) Active(now time.Time) bool {
	if e.Retracted || e.Archived {
		return false
	}
	if e.Expiry != nil && now.After(*e.Expiry) {
		return false
	}
	return true
}

// HasFlag reports whether the edge carries the given pipeline annotation.
func (e *Edge) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// HasEpisode reports whether the edge already lists the given episode id.
// The diff engine uses this to keep reinforcement idempotent.
func (e *Edge) HasEpisode(episodeID string) bool {
	for _, id := range e.EpisodeIDs {
		if id == episodeID {
			return true
		}
	}
	return false
}

// Episode is a compact record of one interaction that produced edges.
// Episodes outlive the utterance text, which is discarded after extraction.
type Episode struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	Turn       int       `json:"turn"`
	Channel    string    `json:"channel"`
	Sentiment  float64   `json:"sentiment"`
	Outcome    float64   `json:"outcome"`
	EdgeIDs    []string  `json:"edge_ids,omitempty"`
}

// EventType identifies a graph mutation for bus subscribers.
type EventType string

const (
	EventNodeAdded     EventType = "node_added"
	EventNodeUpdated   EventType = "node_updated"
	EventEdgeAdded     EventType = "edge_added"
	EventEdgeUpdated   EventType = "edge_updated"
	EventEdgeArchived  EventType = "edge_archived"
	EventEdgeRetracted EventType = "edge_retracted"
)

// Critical reports whether the event must survive back-pressure. Under load
// the bus drops the oldest non-critical events first; added and retracted
// events are never dropped.
func (t EventType) Critical() bool {
	switch t {
	case EventNodeAdded, EventEdgeAdded, EventEdgeRetracted:
		return true
	}
	return false
}

// Event is a single graph mutation broadcast on the event bus.
type Event struct {
	Type          EventType `json:"type"`
	Node          *Node     `json:"node,omitempty"`
	Edge          *Edge     `json:"edge,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	At            time.Time `json:"at"`
}

// Emitter receives mutation events from the store. The event bus satisfies
// this; a nil emitter disables emission.
type Emitter interface {
	Emit(Event)
}

// FoldName canonicalizes a name or alias for equivalence comparison.
func FoldName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() string { return "n_" + uuid.NewString()[:12] }

// NewEdgeID returns a fresh edge identifier.
func NewEdgeID() string { return "e_" + uuid.NewString()[:12] }

// NewEpisodeID returns a fresh episode identifier.
func NewEpisodeID() string { return "ep_" + uuid.NewString()[:12] }
