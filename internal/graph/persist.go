package graph

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/jsonx"
)

// Key layout inside badger. One database holds the whole user graph; the
// audit log uses its own keyspace in the same database (see internal/audit).
var (
	prefixNode    = []byte("node/")
	prefixEdge    = []byte("edge/")
	prefixEpisode = []byte("episode/")
)

// BadgerPersister is the embedded write-through persistence backend.
type BadgerPersister struct {
	db     *badger.DB
	owned  bool
	logger *zap.Logger
}

// OpenBadger opens (or creates) the badger database at path and returns a
// persister over it.
func OpenBadger(path string, logger *zap.Logger) (*BadgerPersister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy; zap covers us
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return &BadgerPersister{db: db, owned: true, logger: logger}, nil
}

// NewBadgerPersister wraps an already open database (shared with the audit
// log). Close becomes a no-op; the owner closes the database.
func NewBadgerPersister(db *badger.DB, logger *zap.Logger) *BadgerPersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerPersister{db: db, logger: logger}
}

// DB exposes the underlying database so the audit log can share it.
func (p *BadgerPersister) DB() *badger.DB { return p.db }

// PutNode writes a node record.
func (p *BadgerPersister) PutNode(n *Node) error {
	return p.put(append(prefixNode, n.ID...), n)
}

// PutEdge writes an edge record.
func (p *BadgerPersister) PutEdge(e *Edge) error {
	return p.put(append(prefixEdge, e.ID...), e)
}

// PutEpisode writes an episode record.
func (p *BadgerPersister) PutEpisode(ep *Episode) error {
	return p.put(append(prefixEpisode, ep.ID...), ep)
}

// DeleteNode removes a node record (user erasure path).
func (p *BadgerPersister) DeleteNode(id string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(prefixNode, id...))
	})
}

// DeleteEdge removes an edge record (user erasure path).
func (p *BadgerPersister) DeleteEdge(id string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(prefixEdge, id...))
	})
}

// Load reads the entire persisted graph.
func (p *BadgerPersister) Load() ([]*Node, []*Edge, []*Episode, error) {
	var nodes []*Node
	var edges []*Edge
	var episodes []*Episode

	err := p.db.View(func(txn *badger.Txn) error {
		if err := scan(txn, prefixNode, func(data []byte) error {
			var n Node
			if err := jsonx.Unmarshal(data, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixEdge, func(data []byte) error {
			var e Edge
			if err := jsonx.Unmarshal(data, &e); err != nil {
				return err
			}
			edges = append(edges, &e)
			return nil
		}); err != nil {
			return err
		}
		return scan(txn, prefixEpisode, func(data []byte) error {
			var ep Episode
			if err := jsonx.Unmarshal(data, &ep); err != nil {
				return err
			}
			episodes = append(episodes, &ep)
			return nil
		})
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load graph: %w", err)
	}
	return nodes, edges, episodes, nil
}

// Close closes the database if this persister owns it.
func (p *BadgerPersister) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}

func (p *BadgerPersister) put(key []byte, v any) error {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func scan(txn *badger.Txn, prefix []byte, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(func(val []byte) error {
			return fn(val)
		}); err != nil {
			return err
		}
	}
	return nil
}
