// Package audit implements the append-only audit log. Every graph mutation
// and every proactive decision lands here with a monotonic id; deletion
// records carry metadata only, never the deleted payload.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/jsonx"
)

// Kind is the closed set of audit event kinds.
type Kind string

const (
	KindNodeInserted         Kind = "node_inserted"
	KindNodeUpdated          Kind = "node_updated"
	KindNodeDeleted          Kind = "node_deleted"
	KindEdgeInserted         Kind = "edge_inserted"
	KindEdgeReinforced       Kind = "edge_reinforced"
	KindEdgeContradicted     Kind = "edge_contradicted"
	KindEdgeRevised          Kind = "edge_revised"
	KindEdgeMerged           Kind = "edge_merged"
	KindEdgeSkipped          Kind = "edge_skipped"
	KindEdgeArchived         Kind = "edge_archived"
	KindEdgeRetracted        Kind = "edge_retracted"
	KindEdgeDeleted          Kind = "edge_deleted"
	KindEdgeExpired          Kind = "edge_expired"
	KindEpisodeRecorded      Kind = "episode_recorded"
	KindExperiencePromoted   Kind = "experience_promoted"
	KindInteractionSkipped   Kind = "interaction_skipped"
	KindInteractionDead      Kind = "interaction_dead_lettered"
	KindHallucinationFlagged Kind = "hallucination_detected"
	KindExtractionDiscarded  Kind = "extraction_discarded"
	KindUserCorrection       Kind = "user_correction"
	KindProbeGenerated       Kind = "probe_generated"
	KindProbeDelivered       Kind = "probe_delivered"
	KindProbeObsoleted       Kind = "probe_obsoleted"
	KindStarterGenerated     Kind = "starter_generated"
	KindStarterDelivered     Kind = "starter_delivered"
	KindRevisionVerified     Kind = "revision_verified"
	KindInferenceProposed    Kind = "inference_proposed"
	KindInvariantRejected    Kind = "invariant_rejected"
)

// Operation is the mutation class a record describes.
type Operation string

const (
	OpInsert    Operation = "INSERT"
	OpReinforce Operation = "REINFORCE"
	OpContradict Operation = "CONTRADICT"
	OpRevise    Operation = "REVISE"
	OpMerge     Operation = "MERGE"
	OpSkip      Operation = "SKIP"
	OpDelete    Operation = "DELETE"
	OpArchive   Operation = "ARCHIVE"
	OpRetract   Operation = "RETRACT"
	OpDecision  Operation = "DECISION"
)

// Record is one append-only audit entry.
type Record struct {
	Seq              uint64    `json:"seq"`
	Timestamp        time.Time `json:"timestamp"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	Kind             Kind      `json:"kind"`
	Component        string    `json:"component"`
	Operation        Operation `json:"operation,omitempty"`
	NodeID           string    `json:"node_id,omitempty"`
	EdgeID           string    `json:"edge_id,omitempty"`
	OldValue         string    `json:"old_value,omitempty"`
	NewValue         string    `json:"new_value,omitempty"`
	ConfidenceBefore float64   `json:"confidence_before,omitempty"`
	ConfidenceAfter  float64   `json:"confidence_after,omitempty"`
	Mechanism        string    `json:"mechanism,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	Enabled    bool
	AsyncMode  bool
	BufferSize int
	// NATSSubjectPrefix mirrors records to <prefix>.<kind> when a
	// connection is attached. Empty disables mirroring.
	NATSSubjectPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		AsyncMode:         true,
		BufferSize:        1000,
		NATSSubjectPrefix: "audit",
	}
}

var prefixAudit = []byte("audit/")

// Log is the append-only audit logger. Records persist to a badger keyspace
// (shared with the graph database) and mirror to NATS for live consumers.
type Log struct {
	db       *badger.DB
	natsConn *nats.Conn
	config   Config
	logger   *zap.Logger

	seq     atomic.Uint64
	eventCh chan Record
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an audit log over the given database. db may be nil (records
// then go to the structured logger and NATS only — used in tests).
func New(db *badger.DB, natsConn *nats.Conn, cfg Config, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		db:       db,
		natsConn: natsConn,
		config:   cfg,
		logger:   logger,
	}
	if db != nil {
		last, err := lastSeq(db)
		if err != nil {
			return nil, fmt.Errorf("failed to recover audit sequence: %w", err)
		}
		l.seq.Store(last)
	}
	if cfg.AsyncMode {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		l.eventCh = make(chan Record, size)
		l.wg.Add(1)
		go l.drain()
	}
	return l, nil
}

// Append writes a record. In async mode a full buffer falls back to a
// synchronous write so nothing is lost.
func (l *Log) Append(rec Record) {
	if !l.config.Enabled || l.closed.Load() {
		return
	}
	rec.Seq = l.seq.Add(1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if l.eventCh != nil {
		select {
		case l.eventCh <- rec:
			return
		default:
			l.logger.Warn("Audit buffer full, writing synchronously")
		}
	}
	l.persist(rec)
}

// Recent returns up to limit records in descending sequence order,
// optionally filtered by kind.
func (l *Log) Recent(limit int, kind Kind) ([]Record, error) {
	if l.db == nil {
		return nil, nil
	}
	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAudit
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the end of the prefix range.
		seek := append(append([]byte{}, prefixAudit...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefixAudit) && len(out) < limit; it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return jsonx.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if kind != "" && rec.Kind != kind {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return out, nil
}

// Close flushes buffered records and stops the drain goroutine.
func (l *Log) Close() {
	if l.closed.Swap(true) {
		return
	}
	if l.eventCh != nil {
		close(l.eventCh)
		l.wg.Wait()
	}
}

func (l *Log) drain() {
	defer l.wg.Done()
	for rec := range l.eventCh {
		l.persist(rec)
	}
}

func (l *Log) persist(rec Record) {
	data, err := jsonx.Marshal(rec)
	if err != nil {
		l.logger.Error("Failed to serialize audit record", zap.Error(err))
		return
	}

	if l.db != nil {
		key := seqKey(rec.Seq)
		if err := l.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, data)
		}); err != nil {
			l.logger.Error("Failed to persist audit record",
				zap.Uint64("seq", rec.Seq), zap.Error(err))
		}
	}

	if l.natsConn != nil && l.config.NATSSubjectPrefix != "" {
		subject := fmt.Sprintf("%s.%s", l.config.NATSSubjectPrefix, rec.Kind)
		if err := l.natsConn.Publish(subject, data); err != nil {
			l.logger.Warn("Failed to mirror audit record to NATS", zap.Error(err))
		}
	}

	l.logger.Info("AUDIT",
		zap.Uint64("seq", rec.Seq),
		zap.String("kind", string(rec.Kind)),
		zap.String("op", string(rec.Operation)),
		zap.String("component", rec.Component),
		zap.String("edge_id", rec.EdgeID),
		zap.String("correlation_id", rec.CorrelationID))
}

// Ensure pending async writes are flushed; used by tests.
func (l *Log) Flush(ctx context.Context) {
	if l.eventCh == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(l.eventCh) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("audit/%020d", seq))
}

func lastSeq(db *badger.DB) (uint64, error) {
	var last uint64
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAudit
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefixAudit...), 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefixAudit) {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return jsonx.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			last = rec.Seq
		}
		return nil
	})
	return last, err
}
