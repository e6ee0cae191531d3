package kernel

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/bus"
	"github.com/knowledge-graph-memory/internal/entity"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
	"github.com/knowledge-graph-memory/internal/pipeline"
	"github.com/knowledge-graph-memory/internal/query"
	"github.com/knowledge-graph-memory/internal/queue"
)

// QueryOutcome wraps a subgraph result with the degradation marker: when
// the store is unavailable the agent gets an empty result it can treat as
// "I do not know yet", never an error.
type QueryOutcome struct {
	Result   *graph.SubgraphResult `json:"result"`
	Plan     *query.Plan           `json:"plan,omitempty"`
	Degraded bool                  `json:"degraded,omitempty"`
}

// ContextOutcome is the combined get_context result: what this message
// added to the graph plus the knowledge relevant to it.
type ContextOutcome struct {
	ExtractionSummary pipeline.Summary      `json:"extraction_summary"`
	Subgraph          *graph.SubgraphResult `json:"subgraph"`
	Plan              *query.Plan           `json:"plan,omitempty"`
	ContextBlock      string                `json:"context_block,omitempty"`
	Degraded          bool                  `json:"degraded,omitempty"`
}

// ReportInteraction enqueues an interaction for asynchronous extraction.
// Non-blocking: the ack only confirms the enqueue.
func (k *Kernel) ReportInteraction(ev pipeline.Interaction) error {
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return k.inbound.Enqueue(ev)
}

// Query runs a structured subgraph query.
func (k *Kernel) Query(req query.Request) QueryOutcome {
	if !k.running() || k.querySvc == nil {
		return QueryOutcome{Result: &graph.SubgraphResult{}, Degraded: true}
	}
	return QueryOutcome{Result: k.querySvc.Structured(req)}
}

// QueryNL plans and executes a natural-language query.
func (k *Kernel) QueryNL(ctx context.Context, question string) QueryOutcome {
	if !k.running() || k.querySvc == nil {
		return QueryOutcome{Result: &graph.SubgraphResult{}, Degraded: true}
	}
	result, plan := k.querySvc.QueryNL(ctx, question)
	return QueryOutcome{Result: result, Plan: plan}
}

// GetContext processes a message synchronously and returns the extraction
// summary, the relevant subgraph, and the plan used to find it. This is the
// agent's per-turn workhorse.
func (k *Kernel) GetContext(ctx context.Context, ev pipeline.Interaction) ContextOutcome {
	if !k.running() {
		return ContextOutcome{Subgraph: &graph.SubgraphResult{}, Degraded: true}
	}

	ev.EntitiesHint = k.mergeSessionHint(ev.SessionID, ev.EntitiesHint)
	delta, summary := k.pipe.Process(ctx, ev, pipeline.ContextFull)
	if !summary.Skipped {
		if _, err := k.diffEngine.Apply(delta); err != nil {
			k.logger.Error("Failed to apply delta from get_context", zap.Error(err))
		} else {
			k.rememberSessionEntities(ev.SessionID, delta)
		}
	}

	plan := k.querySvc.PlanNL(ctx, ev.Text)
	result := k.querySvc.Execute(plan)

	var probes []string
	for _, item := range k.outbound.PeekProbes(ctx, plan.Entities, plan.Entities, 3) {
		probes = append(probes, item.Payload)
	}
	block := k.querySvc.AssembleContextBlock(query.ContextInput{
		ActiveEntities: plan.Entities,
		ActiveTopics:   topicsFromText(ev.Text),
		TokenBudget:    512,
		PendingProbes:  probes,
	})

	return ContextOutcome{
		ExtractionSummary: summary,
		Subgraph:          result,
		Plan:              plan,
		ContextBlock:      block,
	}
}

// GetProbes returns the single best-fit probe for the context, or nil.
func (k *Kernel) GetProbes(ctx context.Context, req queue.ProbeRequest) (*queue.Item, error) {
	return k.outbound.GetProbe(ctx, req)
}

// GetStarters returns ranked pending starters for the channel.
func (k *Kernel) GetStarters(ctx context.Context, channel string, max int) ([]*queue.Item, error) {
	if max <= 0 {
		max = 3
	}
	return k.outbound.GetStarters(ctx, channel, max)
}

// ProbeFeedback records the user's reaction to a delivered probe: ignored
// starts a cooldown, deflected a longer one.
func (k *Kernel) ProbeFeedback(ctx context.Context, itemID string, deflected bool) error {
	return k.outbound.Feedback(ctx, itemID, deflected)
}

// CorrectionKind is the user-correction operation.
type CorrectionKind string

const (
	CorrectionRevise  CorrectionKind = "revise"
	CorrectionDelete  CorrectionKind = "delete"
	CorrectionRetract CorrectionKind = "retract"
)

// Correction is an explicit user correction. Always applied; never gated by
// confidence.
type Correction struct {
	Kind      CorrectionKind `json:"kind"`
	EntityRef string         `json:"entity_ref"`
	Field     string         `json:"field,omitempty"`
	OldValue  string         `json:"old_value,omitempty"`
	NewValue  string         `json:"new_value,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// UserCorrection applies an explicit revise/delete/retract.
func (k *Kernel) UserCorrection(c Correction) error {
	nodeID, ok := k.store.ResolveName(c.EntityRef)
	if !ok {
		return fmt.Errorf("unknown entity %q", c.EntityRef)
	}

	switch c.Kind {
	case CorrectionDelete:
		// GDPR-style erasure: the audit record carries metadata only.
		if err := k.store.DeleteNode(nodeID, true); err != nil {
			return err
		}
		if k.aliasIndex != nil {
			k.aliasIndex.Delete(nodeID)
		}
		k.auditLog.Append(audit.Record{
			Kind:      audit.KindNodeDeleted,
			Component: "correction",
			Operation: audit.OpDelete,
			NodeID:    nodeID,
			SessionID: c.SessionID,
			Reasoning: "user erasure request",
		})
		return nil

	case CorrectionRetract:
		retracted := 0
		edges := k.store.Edges(graph.EdgeFilter{SourceID: nodeID, Relation: c.Field})
		for _, edge := range edges {
			if c.OldValue != "" {
				tgt, err := k.store.GetNode(edge.TargetID)
				if err != nil || graph.FoldName(tgt.Name) != graph.FoldName(c.OldValue) {
					continue
				}
			}
			if err := k.store.RetractEdge(edge.ID, "user_correction"); err != nil {
				continue
			}
			retracted++
			k.auditLog.Append(audit.Record{
				Kind:      audit.KindUserCorrection,
				Component: "correction",
				Operation: audit.OpRetract,
				EdgeID:    edge.ID,
				SessionID: c.SessionID,
				Mechanism: string(graph.MechanismUserCorrection),
			})
		}
		if retracted == 0 {
			return fmt.Errorf("no matching edges to retract for %q", c.EntityRef)
		}
		return nil

	case CorrectionRevise:
		if c.Field == "" || c.NewValue == "" {
			return fmt.Errorf("revise requires field and new_value")
		}
		targetID, err := k.store.UpsertNode(graph.KindConcept, c.NewValue, nil, nil, graph.PrivacyPersonal)
		if err != nil {
			return err
		}
		spec := graph.EdgeSpec{
			SourceID:   nodeID,
			TargetID:   targetID,
			Relation:   c.Field,
			Confidence: k.confEngine.Base(graph.MechanismUserCorrection),
			Temporal:   graph.TemporalState,
			Mechanism:  graph.MechanismUserCorrection,
			DecayRate:  k.confEngine.DecayRate(graph.TemporalState),
		}

		existing := k.store.ActiveEdgesFrom(nodeID, c.Field)
		var newID string
		if len(existing) > 0 {
			newID, err = k.store.ReviseEdge(existing[0].ID, spec, "user_correction")
		} else {
			newID, err = k.store.CreateEdge(spec)
		}
		if err != nil {
			return err
		}
		k.auditLog.Append(audit.Record{
			Kind:      audit.KindUserCorrection,
			Component: "correction",
			Operation: audit.OpRevise,
			EdgeID:    newID,
			NodeID:    nodeID,
			OldValue:  c.OldValue,
			NewValue:  c.NewValue,
			SessionID: c.SessionID,
			Mechanism: string(graph.MechanismUserCorrection),
		})
		return nil
	}
	return fmt.Errorf("unknown correction kind %q", c.Kind)
}

// GetProvenance returns the provenance chain for an edge.
func (k *Kernel) GetProvenance(edgeID string) (*graph.ProvenanceChain, error) {
	return k.store.Provenance(edgeID)
}

// Snapshot exports the graph: "full" JSON or "graphml".
func (k *Kernel) Snapshot(format string) ([]byte, string, error) {
	snap := k.store.TakeSnapshot(false)
	switch format {
	case "", "full":
		data, err := jsonx.Marshal(snap)
		return data, "application/json", err
	case "graphml":
		data, err := snap.GraphML()
		return data, "application/xml", err
	}
	return nil, "", fmt.Errorf("unknown snapshot format %q", format)
}

// SearchEntities is the fuzzy resolution surface over the bleve index.
func (k *Kernel) SearchEntities(name string) ([]entity.Candidate, error) {
	if k.aliasIndex == nil {
		return nil, nil
	}
	return k.aliasIndex.Search(name)
}

// AuditRecent returns recent audit records.
func (k *Kernel) AuditRecent(limit int, kind audit.Kind) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return k.auditLog.Recent(limit, kind)
}

// Bus exposes the event bus for the websocket subscription adapter.
func (k *Kernel) Bus() *bus.Bus { return k.eventBus }

// Store exposes the graph store for read-only surfaces.
func (k *Kernel) Store() *graph.Store { return k.store }

func (k *Kernel) running() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isRunning
}

// topicsFromText derives coarse topic tokens from the message for context
// scoring: lowercased words of four letters or more.
func topicsFromText(text string) []string {
	var topics []string
	for _, w := range strings.Fields(graph.FoldName(text)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if len(w) >= 4 {
			topics = append(topics, w)
		}
		if len(topics) >= 12 {
			break
		}
	}
	return topics
}
