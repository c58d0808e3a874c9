package graph

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/kgraph/pkg/kgerrors"
)

// Key prefixes, one byte each, mirroring the engine's adjacency-index
// layout: nodes, edges, label index, outgoing index, incoming index.
const (
	prefixNode          = byte(0x01)
	prefixEdge          = byte(0x02)
	prefixLabelIndex    = byte(0x03)
	prefixOutgoingIndex = byte(0x04)
	prefixIncomingIndex = byte(0x05)
)

// Options configures the engine's embedded store.
type Options struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// Engine is the embedded property-graph store. Reads use Badger's MVCC
// snapshots directly (any number of concurrent readers); writes go
// through a single in-process mutex in addition to Badger's own
// transaction conflict detection, so that the higher-level Tx wrapper in
// tx.go can offer strict single-writer semantics.
type Engine struct {
	db     *badger.DB
	logger *zap.Logger

	writeMu sync.Mutex

	textMu sync.RWMutex
	text   map[string]*bm25Index // label -> index

	vecMu sync.RWMutex
	vec   map[string]*hnswIndex // label -> index
}

// Open creates or reopens an engine rooted at opts.DataDir (or purely
// in-memory when opts.InMemory is set).
func Open(opts Options) (*Engine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Initialization, "graph.Open", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		db:     db,
		logger: logger,
		text:   make(map[string]*bm25Index),
		vec:    make(map[string]*hnswIndex),
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.db.Close()
}

func nodeKey(id uuid.UUID) []byte {
	return append([]byte{prefixNode}, id[:]...)
}

func edgeKey(id uuid.UUID) []byte {
	return append([]byte{prefixEdge}, id[:]...)
}

func labelIndexKey(label string, nodeID uuid.UUID) []byte {
	label = strings.ToLower(label)
	key := make([]byte, 0, 1+len(label)+1+16)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(label)...)
	key = append(key, 0x00)
	key = append(key, nodeID[:]...)
	return key
}

func labelIndexPrefix(label string) []byte {
	label = strings.ToLower(label)
	key := make([]byte, 0, 1+len(label)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(label)...)
	key = append(key, 0x00)
	return key
}

func outgoingIndexKey(from, edgeID uuid.UUID) []byte {
	key := make([]byte, 0, 1+16+1+16)
	key = append(key, prefixOutgoingIndex)
	key = append(key, from[:]...)
	key = append(key, 0x00)
	key = append(key, edgeID[:]...)
	return key
}

func outgoingIndexPrefix(from uuid.UUID) []byte {
	key := make([]byte, 0, 1+16+1)
	key = append(key, prefixOutgoingIndex)
	key = append(key, from[:]...)
	key = append(key, 0x00)
	return key
}

func incomingIndexKey(to, edgeID uuid.UUID) []byte {
	key := make([]byte, 0, 1+16+1+16)
	key = append(key, prefixIncomingIndex)
	key = append(key, to[:]...)
	key = append(key, 0x00)
	key = append(key, edgeID[:]...)
	return key
}

func incomingIndexPrefix(to uuid.UUID) []byte {
	key := make([]byte, 0, 1+16+1)
	key = append(key, prefixIncomingIndex)
	key = append(key, to[:]...)
	key = append(key, 0x00)
	return key
}

func extractIDFromIndexKey(key []byte) uuid.UUID {
	if len(key) < 16 {
		return uuid.Nil
	}
	var id uuid.UUID
	copy(id[:], key[len(key)-16:])
	return id
}

type serializableNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  int64          `json:"updated_at"`
}

type serializableEdge struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"created_at"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID: n.ID.String(), Label: n.Label, Properties: n.Properties, UpdatedAt: n.UpdatedAt.Unix(),
	})
}

func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(sn.ID)
	if err != nil {
		return nil, err
	}
	return &Node{ID: id, Label: sn.Label, Properties: sn.Properties, UpdatedAt: unixToTime(sn.UpdatedAt)}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID: e.ID.String(), Label: e.Label, From: e.From.String(), To: e.To.String(),
		Properties: e.Properties, CreatedAt: e.CreatedAt.Unix(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(se.ID)
	if err != nil {
		return nil, err
	}
	from, err := uuid.Parse(se.From)
	if err != nil {
		return nil, err
	}
	to, err := uuid.Parse(se.To)
	if err != nil {
		return nil, err
	}
	return &Edge{ID: id, Label: se.Label, From: from, To: to, Properties: se.Properties, CreatedAt: unixToTime(se.CreatedAt)}, nil
}

// GetNode performs a snapshot read for a single node.
func (e *Engine) GetNode(id uuid.UUID) (*Node, error) {
	var node *Node
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := decodeNode(val)
			if err != nil {
				return err
			}
			node = n
			return nil
		})
	})
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "graph.GetNode", err)
	}
	return node, nil
}

// OutEdges returns outgoing edges from id, optionally filtered to one label.
func (e *Engine) OutEdges(id uuid.UUID, label string) ([]*Edge, error) {
	return e.adjacentEdges(outgoingIndexPrefix(id), label)
}

// InEdges returns incoming edges to id, optionally filtered to one label.
func (e *Engine) InEdges(id uuid.UUID, label string) ([]*Edge, error) {
	return e.adjacentEdges(incomingIndexPrefix(id), label)
}

func (e *Engine) adjacentEdges(prefix []byte, label string) ([]*Edge, error) {
	var edges []*Edge
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			edgeID := extractIDFromIndexKey(it.Item().KeyCopy(nil))
			item, err := txn.Get(edgeKey(edgeID))
			if err != nil {
				continue
			}
			err = item.Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				if label == "" || strings.EqualFold(edge.Label, label) {
					edges = append(edges, edge)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "graph.adjacentEdges", err)
	}
	return edges, nil
}

// Stats reports the current node/edge/vector counts.
func (e *Engine) Stats() (Stats, error) {
	var s Stats
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixNode}); it.ValidForPrefix([]byte{prefixNode}); it.Next() {
			s.Nodes++
		}
		for it.Seek([]byte{prefixEdge}); it.ValidForPrefix([]byte{prefixEdge}); it.Next() {
			s.Edges++
		}
		return nil
	})
	if err != nil {
		return s, kgerrors.Wrap(kgerrors.Graph, "graph.Stats", err)
	}
	e.vecMu.RLock()
	for _, idx := range e.vec {
		s.Vectors += idx.Size()
	}
	e.vecMu.RUnlock()
	return s, nil
}
