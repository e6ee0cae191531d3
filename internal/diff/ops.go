// Package diff implements the graph diff engine: it takes the prepared
// delta emitted by the extraction pipeline, classifies every proposed fact
// as INSERT / REINFORCE / CONTRADICT / SKIP / MERGE, and applies the result
// atomically through the store. It is the only component that mutates the
// graph on the ingestion path; of the background workers, only the inference
// worker applies its results through it.
package diff

import (
	"time"

	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/graph"
)

// ProposedNode is a node upsert prepared by the pipeline.
type ProposedNode struct {
	Kind       graph.NodeKind `json:"kind"`
	Name       string         `json:"name"`
	Aliases    []string       `json:"aliases,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Privacy    graph.PrivacyLevel `json:"privacy"`
}

// ProposedFact is a candidate edge with all metadata attached.
type ProposedFact struct {
	SourceName  string              `json:"source"`
	TargetName  string              `json:"target"`
	Relation    string              `json:"relation"`
	Confidence  float64             `json:"confidence"`
	Temporal    graph.TemporalType  `json:"temporal_type"`
	Mechanism   graph.Mechanism     `json:"mechanism"`
	Hedge       confidence.HedgeLevel `json:"hedge,omitempty"`
	ContextTags []string            `json:"context_tags,omitempty"`
	Expiry      *time.Time          `json:"expiry,omitempty"`
	Flags       []string            `json:"flags,omitempty"`
	DecayRate   float64             `json:"decay_rate,omitempty"`
}

// ProposedRetraction is a user-driven "forget what I said about X" op.
type ProposedRetraction struct {
	SourceName string `json:"source"`
	Relation   string `json:"relation,omitempty"`
	TargetName string `json:"target,omitempty"`
	Reason     string `json:"reason"`
}

// Delta is the pipeline's final output: everything the diff engine needs to
// mutate the graph for one interaction, applied as a group.
type Delta struct {
	CorrelationID string               `json:"correlation_id"`
	SessionID     string               `json:"session_id"`
	Turn          int                  `json:"turn"`
	Channel       string               `json:"channel"`
	OccurredAt    time.Time            `json:"occurred_at"`
	Sentiment     float64              `json:"sentiment"`
	Nodes         []ProposedNode       `json:"nodes,omitempty"`
	Facts         []ProposedFact       `json:"facts,omitempty"`
	Retractions   []ProposedRetraction `json:"retractions,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// Empty reports whether the delta carries no work.
func (d *Delta) Empty() bool {
	return len(d.Nodes) == 0 && len(d.Facts) == 0 && len(d.Retractions) == 0
}

// Classification is the diff engine's verdict for one proposed fact.
type Classification string

const (
	ClassInsert     Classification = "INSERT"
	ClassReinforce  Classification = "REINFORCE"
	ClassContradict Classification = "CONTRADICT"
	ClassSkip       Classification = "SKIP"
	ClassMerge      Classification = "MERGE"
)

// ApplyResult summarizes one delta application.
type ApplyResult struct {
	EpisodeID  string   `json:"episode_id,omitempty"`
	EdgeIDs    []string `json:"edge_ids,omitempty"`
	Inserted   int      `json:"inserted"`
	Reinforced int      `json:"reinforced"`
	Revised    int      `json:"revised"`
	Merged     int      `json:"merged"`
	Skipped    int      `json:"skipped"`
	Retracted  int      `json:"retracted"`
	Probes     int      `json:"probes"`
}

// VerificationRequest asks the proactive engine to confirm a contradiction
// that did not clear the revision margin.
type VerificationRequest struct {
	SourceName    string
	Relation      string
	OldTargetName string
	NewTargetName string
	OldConfidence float64
	NewConfidence float64
	ContextTags   []string
	CorrelationID string
}

// ProbeSink receives verification requests. The proactive engine implements
// this; a nil sink drops them.
type ProbeSink interface {
	ContradictionProbe(req VerificationRequest)
}
