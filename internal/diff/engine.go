package diff

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
)

// preferenceFamily relations participate in MERGE refinement detection:
// "likes wine" followed by "prefers Malbec 2018" keeps the general edge and
// links the specific one to it.
var preferenceFamily = map[string]bool{
	"likes": true, "loves": true, "prefers": true, "enjoys": true,
}

// Engine is the single logical writer for a user graph. Apply serializes on
// an internal mutex so a delta lands atomically as a group; extraction and
// scoring never hold this lock across LLM calls because they finish their
// work before handing the delta over.
type Engine struct {
	mu     sync.Mutex
	store  *graph.Store
	conf   *confidence.Engine
	log    *audit.Log
	probes ProbeSink
	logger *zap.Logger
}

// NewEngine creates a diff engine.
func NewEngine(store *graph.Store, conf *confidence.Engine, log *audit.Log, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, conf: conf, log: log, logger: logger}
}

// SetProbeSink attaches the contradiction-probe receiver.
func (e *Engine) SetProbeSink(sink ProbeSink) {
	e.mu.Lock()
	e.probes = sink
	e.mu.Unlock()
}

// Apply classifies and applies a prepared delta. The application is
// idempotent: reprocessing the same (session, turn) reuses the recorded
// episode and every per-fact decision collapses to SKIP.
func (e *Engine) Apply(delta *Delta) (*ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &ApplyResult{}
	if delta.Empty() {
		return result, nil
	}

	episode := e.store.FindEpisode(delta.SessionID, delta.Turn)
	if episode == nil {
		episode = &graph.Episode{
			ID:         graph.NewEpisodeID(),
			OccurredAt: delta.OccurredAt,
			SessionID:  delta.SessionID,
			Turn:       delta.Turn,
			Channel:    delta.Channel,
			Sentiment:  delta.Sentiment,
		}
		e.store.AddEpisode(episode)
		e.audit(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindEpisodeRecorded,
			Component:     "diff",
			SessionID:     delta.SessionID,
			NewValue:      episode.ID,
		})
	}
	result.EpisodeID = episode.ID

	// Nodes first so facts never reference a missing endpoint.
	nodeIDs := make(map[string]string)
	for _, pn := range delta.Nodes {
		id, created, err := e.upsertNode(pn, delta.CorrelationID)
		if err != nil {
			e.logger.Warn("Node upsert rejected",
				zap.String("name", pn.Name), zap.Error(err))
			e.audit(audit.Record{
				CorrelationID: delta.CorrelationID,
				Kind:          audit.KindInvariantRejected,
				Component:     "diff",
				Reasoning:     err.Error(),
			})
			continue
		}
		_ = created
		nodeIDs[graph.FoldName(pn.Name)] = id
	}

	for _, fact := range delta.Facts {
		e.applyFact(fact, delta, episode.ID, nodeIDs, result)
	}
	for _, ret := range delta.Retractions {
		e.applyRetraction(ret, delta, result)
	}

	e.logger.Info("Delta applied",
		zap.String("correlation_id", delta.CorrelationID),
		zap.String("session_id", delta.SessionID),
		zap.Int("turn", delta.Turn),
		zap.Int("inserted", result.Inserted),
		zap.Int("reinforced", result.Reinforced),
		zap.Int("revised", result.Revised),
		zap.Int("merged", result.Merged),
		zap.Int("skipped", result.Skipped))

	return result, nil
}

// Classify returns the verdict for a fact without applying it. Exposed for
// tests.
func (e *Engine) Classify(fact ProposedFact) Classification {
	srcID, ok := e.store.ResolveName(fact.SourceName)
	if !ok {
		return ClassInsert
	}
	tgtID, tgtOK := e.store.ResolveName(fact.TargetName)
	if tgtOK {
		if existing := e.store.FindActiveEdge(srcID, fact.Relation, tgtID); existing != nil {
			return ClassReinforce
		}
	}
	if e.store.SingleValued(fact.Relation) {
		if others := e.store.ActiveEdgesFrom(srcID, fact.Relation); len(others) > 0 {
			return ClassContradict
		}
	}
	if !e.conf.ShouldStore(fact.Confidence) {
		return ClassSkip
	}
	if e.findGeneralEdge(srcID, fact) != nil {
		return ClassMerge
	}
	return ClassInsert
}

// ---------------------------------------------------------------------------
// Fact application
// ---------------------------------------------------------------------------

func (e *Engine) applyFact(fact ProposedFact, delta *Delta, episodeID string, nodeIDs map[string]string, result *ApplyResult) {
	srcID := e.resolveOrCreate(fact.SourceName, nodeIDs, delta.CorrelationID)
	if srcID == "" {
		result.Skipped++
		return
	}

	// REINFORCE: same (source, relation, target) already active.
	if tgtID, ok := e.resolveExisting(fact.TargetName, nodeIDs); ok {
		if existing := e.store.FindActiveEdge(srcID, fact.Relation, tgtID); existing != nil {
			if existing.HasEpisode(episodeID) {
				// Same interaction replayed: nothing new to learn.
				result.Skipped++
				return
			}
			before := existing.Confidence
			after := e.conf.Reinforce(before)
			if err := e.store.ReinforceEdge(existing.ID, after, episodeID); err != nil {
				e.logger.Error("Reinforce failed", zap.String("edge_id", existing.ID), zap.Error(err))
				return
			}
			result.Reinforced++
			result.EdgeIDs = append(result.EdgeIDs, existing.ID)
			e.audit(audit.Record{
				CorrelationID:    delta.CorrelationID,
				Kind:             audit.KindEdgeReinforced,
				Component:        "diff",
				Operation:        audit.OpReinforce,
				EdgeID:           existing.ID,
				ConfidenceBefore: before,
				ConfidenceAfter:  after,
				Mechanism:        string(fact.Mechanism),
				SessionID:        delta.SessionID,
			})
			return
		}
	}

	// CONTRADICT: single-valued relation already bound to a different target.
	if e.store.SingleValued(fact.Relation) {
		if others := e.store.ActiveEdgesFrom(srcID, fact.Relation); len(others) > 0 {
			e.applyContradiction(fact, others[0], delta, episodeID, nodeIDs, result)
			return
		}
	}

	// SKIP: below the minimum storage threshold.
	if !e.conf.ShouldStore(fact.Confidence) {
		result.Skipped++
		e.audit(audit.Record{
			CorrelationID:   delta.CorrelationID,
			Kind:            audit.KindEdgeSkipped,
			Component:       "diff",
			Operation:       audit.OpSkip,
			ConfidenceAfter: fact.Confidence,
			SessionID:       delta.SessionID,
			Reasoning:       fmt.Sprintf("%s -%s-> %s below storage threshold", fact.SourceName, fact.Relation, fact.TargetName),
		})
		return
	}

	// MERGE: the new fact refines an existing general preference.
	refines := ""
	if general := e.findGeneralEdge(srcID, fact); general != nil {
		refines = general.ID
	}

	tgtID := e.resolveOrCreate(fact.TargetName, nodeIDs, delta.CorrelationID)
	if tgtID == "" {
		result.Skipped++
		return
	}

	edgeID, err := e.store.CreateEdge(graph.EdgeSpec{
		SourceID:      srcID,
		TargetID:      tgtID,
		Relation:      fact.Relation,
		Confidence:    e.conf.Clamp(fact.Confidence),
		Temporal:      fact.Temporal,
		Mechanism:     fact.Mechanism,
		DecayRate:     fact.DecayRate,
		ContextTags:   fact.ContextTags,
		EpisodeID:     episodeID,
		Expiry:        fact.Expiry,
		Flags:         fact.Flags,
		RefinesEdgeID: refines,
	})
	if err != nil {
		e.logger.Warn("Edge insert rejected", zap.Error(err))
		e.audit(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindInvariantRejected,
			Component:     "diff",
			SessionID:     delta.SessionID,
			Reasoning:     err.Error(),
		})
		return
	}
	result.EdgeIDs = append(result.EdgeIDs, edgeID)

	if refines != "" {
		result.Merged++
		e.audit(audit.Record{
			CorrelationID:   delta.CorrelationID,
			Kind:            audit.KindEdgeMerged,
			Component:       "diff",
			Operation:       audit.OpMerge,
			EdgeID:          edgeID,
			OldValue:        refines,
			ConfidenceAfter: fact.Confidence,
			Mechanism:       string(fact.Mechanism),
			SessionID:       delta.SessionID,
		})
		return
	}
	result.Inserted++
	e.audit(audit.Record{
		CorrelationID:   delta.CorrelationID,
		Kind:            audit.KindEdgeInserted,
		Component:       "diff",
		Operation:       audit.OpInsert,
		EdgeID:          edgeID,
		NewValue:        factValue(fact),
		ConfidenceAfter: fact.Confidence,
		Mechanism:       string(fact.Mechanism),
		SessionID:       delta.SessionID,
	})
}

func (e *Engine) applyContradiction(fact ProposedFact, existing *graph.Edge, delta *Delta, episodeID string, nodeIDs map[string]string, result *ApplyResult) {
	// Same target means the single-valued check raced a reinforce; treat as
	// reinforcement rather than contradiction.
	if tgtID, ok := e.resolveExisting(fact.TargetName, nodeIDs); ok && tgtID == existing.TargetID {
		if !existing.HasEpisode(episodeID) {
			before := existing.Confidence
			after := e.conf.Reinforce(before)
			if err := e.store.ReinforceEdge(existing.ID, after, episodeID); err == nil {
				result.Reinforced++
			}
		} else {
			result.Skipped++
		}
		return
	}

	if existing.HasEpisode(episodeID) {
		result.Skipped++
		return
	}

	if !e.conf.ShouldRevise(existing.Confidence, fact.Confidence) {
		// Not confident enough to overwrite: ask instead.
		result.Probes++
		e.audit(audit.Record{
			CorrelationID:    delta.CorrelationID,
			Kind:             audit.KindEdgeContradicted,
			Component:        "diff",
			Operation:        audit.OpContradict,
			EdgeID:           existing.ID,
			NewValue:         factValue(fact),
			ConfidenceBefore: existing.Confidence,
			ConfidenceAfter:  fact.Confidence,
			SessionID:        delta.SessionID,
			Reasoning:        "new confidence below revision margin, probe queued",
		})
		if e.probes != nil {
			oldTarget := ""
			if n, err := e.store.GetNode(existing.TargetID); err == nil {
				oldTarget = n.Name
			}
			e.probes.ContradictionProbe(VerificationRequest{
				SourceName:    fact.SourceName,
				Relation:      fact.Relation,
				OldTargetName: oldTarget,
				NewTargetName: fact.TargetName,
				OldConfidence: existing.Confidence,
				NewConfidence: fact.Confidence,
				ContextTags:   fact.ContextTags,
				CorrelationID: delta.CorrelationID,
			})
		}
		return
	}

	tgtID := e.resolveOrCreate(fact.TargetName, nodeIDs, delta.CorrelationID)
	if tgtID == "" {
		result.Skipped++
		return
	}
	newID, err := e.store.ReviseEdge(existing.ID, graph.EdgeSpec{
		SourceID:    existing.SourceID,
		TargetID:    tgtID,
		Relation:    fact.Relation,
		Confidence:  e.conf.Clamp(fact.Confidence),
		Temporal:    fact.Temporal,
		Mechanism:   fact.Mechanism,
		DecayRate:   fact.DecayRate,
		ContextTags: fact.ContextTags,
		EpisodeID:   episodeID,
		Expiry:      fact.Expiry,
		Flags:       fact.Flags,
	}, "superseded")
	if err != nil {
		e.logger.Error("Revision failed", zap.String("edge_id", existing.ID), zap.Error(err))
		return
	}
	result.Revised++
	result.EdgeIDs = append(result.EdgeIDs, newID)
	e.audit(audit.Record{
		CorrelationID:    delta.CorrelationID,
		Kind:             audit.KindEdgeRevised,
		Component:        "diff",
		Operation:        audit.OpRevise,
		EdgeID:           newID,
		OldValue:         existing.ID,
		NewValue:         factValue(fact),
		ConfidenceBefore: existing.Confidence,
		ConfidenceAfter:  fact.Confidence,
		Mechanism:        string(fact.Mechanism),
		SessionID:        delta.SessionID,
	})
}

func (e *Engine) applyRetraction(ret ProposedRetraction, delta *Delta, result *ApplyResult) {
	srcID, ok := e.store.ResolveName(ret.SourceName)
	if !ok {
		return
	}
	var candidates []*graph.Edge
	if ret.Relation != "" {
		candidates = e.store.ActiveEdgesFrom(srcID, ret.Relation)
	} else {
		candidates = e.store.Edges(graph.EdgeFilter{SourceID: srcID})
	}
	for _, edge := range candidates {
		if ret.TargetName != "" {
			tgtID, ok := e.store.ResolveName(ret.TargetName)
			if !ok || edge.TargetID != tgtID {
				continue
			}
		}
		reason := ret.Reason
		if reason == "" {
			reason = "user_retraction"
		}
		if err := e.store.RetractEdge(edge.ID, reason); err != nil {
			continue
		}
		result.Retracted++
		e.audit(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindEdgeRetracted,
			Component:     "diff",
			Operation:     audit.OpRetract,
			EdgeID:        edge.ID,
			SessionID:     delta.SessionID,
			Reasoning:     reason,
		})
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) upsertNode(pn ProposedNode, correlationID string) (string, bool, error) {
	kind := pn.Kind
	if !graph.ValidKind(kind) {
		kind = graph.KindConcept
	}
	existing, known := e.store.ResolveName(pn.Name)
	id, err := e.store.UpsertNode(kind, pn.Name, pn.Aliases, pn.Properties, pn.Privacy)
	if err != nil {
		return "", false, err
	}
	if !known {
		e.audit(audit.Record{
			CorrelationID: correlationID,
			Kind:          audit.KindNodeInserted,
			Component:     "diff",
			Operation:     audit.OpInsert,
			NodeID:        id,
			NewValue:      pn.Name,
		})
		return id, true, nil
	}
	_ = existing
	return id, false, nil
}

// resolveOrCreate returns the node id for a name, auto-creating a concept
// node when the pipeline referenced an entity it forgot to declare.
func (e *Engine) resolveOrCreate(name string, nodeIDs map[string]string, correlationID string) string {
	key := graph.FoldName(name)
	if key == "" {
		return ""
	}
	if id, ok := nodeIDs[key]; ok {
		return id
	}
	if id, ok := e.store.ResolveName(name); ok {
		nodeIDs[key] = id
		return id
	}
	id, _, err := e.upsertNode(ProposedNode{
		Kind:    graph.KindConcept,
		Name:    name,
		Privacy: graph.PrivacyPersonal,
	}, correlationID)
	if err != nil {
		e.logger.Warn("Auto-create entity failed", zap.String("name", name), zap.Error(err))
		return ""
	}
	nodeIDs[key] = id
	return id
}

func (e *Engine) resolveExisting(name string, nodeIDs map[string]string) (string, bool) {
	key := graph.FoldName(name)
	if id, ok := nodeIDs[key]; ok {
		return id, true
	}
	return e.store.ResolveName(name)
}

// findGeneralEdge looks for an active preference-family edge from the same
// source whose target name is contained in the new, more specific target.
func (e *Engine) findGeneralEdge(srcID string, fact ProposedFact) *graph.Edge {
	if !preferenceFamily[fact.Relation] {
		return nil
	}
	newTarget := graph.FoldName(fact.TargetName)
	for rel := range preferenceFamily {
		for _, edge := range e.store.ActiveEdgesFrom(srcID, rel) {
			node, err := e.store.GetNode(edge.TargetID)
			if err != nil {
				continue
			}
			existing := graph.FoldName(node.Name)
			if existing != newTarget && strings.Contains(newTarget, existing) {
				return edge
			}
		}
	}
	return nil
}

func (e *Engine) audit(rec audit.Record) {
	if e.log != nil {
		e.log.Append(rec)
	}
}

func factValue(fact ProposedFact) string {
	data, err := jsonx.MarshalToString(fact)
	if err != nil {
		return fmt.Sprintf("%s -%s-> %s", fact.SourceName, fact.Relation, fact.TargetName)
	}
	return data
}
