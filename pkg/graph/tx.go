package graph

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/orneryd/kgraph/pkg/kgerrors"
)

// TxStatus tracks a write transaction's lifecycle.
type TxStatus int

const (
	TxActive TxStatus = iota
	TxCommitted
	TxRolledBack
)

// Tx is the engine's single-writer transaction. Only one Tx may be open
// against an Engine at a time; Engine.BeginWrite blocks until any prior
// writer has committed or rolled back. Reads outside a Tx always see a
// fresh Badger snapshot and never block on a writer.
type Tx struct {
	engine   *Engine
	badgerTx *badger.Txn
	status   TxStatus

	textPending map[string][]pendingTextDoc // label -> docs to index on commit
	vecPending  map[string][]pendingVecDoc  // label -> vectors to index on commit
}

type pendingTextDoc struct {
	id   uuid.UUID
	text string
}

type pendingVecDoc struct {
	id     uuid.UUID
	vector []float32
}

// BeginWrite opens the engine's single write transaction.
func (e *Engine) BeginWrite() (*Tx, error) {
	e.writeMu.Lock()
	return &Tx{
		engine:      e,
		badgerTx:    e.db.NewTransaction(true),
		status:      TxActive,
		textPending: make(map[string][]pendingTextDoc),
		vecPending:  make(map[string][]pendingVecDoc),
	}, nil
}

func (tx *Tx) requireActive(op string) error {
	if tx.status != TxActive {
		return kgerrors.New(kgerrors.Graph, op, "transaction is not active")
	}
	return nil
}

// InsertNode upserts a node. Properties are last-writer-wins: a node
// re-inserted under the same id replaces its prior properties wholesale.
func (tx *Tx) InsertNode(id uuid.UUID, label string, properties map[string]any) error {
	if err := tx.requireActive("graph.Tx.InsertNode"); err != nil {
		return err
	}

	n := &Node{ID: id, Label: label, Properties: properties, UpdatedAt: time.Now().UTC()}
	data, err := encodeNode(n)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertNode", err)
	}
	if err := tx.badgerTx.Set(nodeKey(id), data); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertNode", err)
	}
	if err := tx.badgerTx.Set(labelIndexKey(label, id), []byte{}); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertNode", err)
	}

	if text, ok := textProperty(properties); ok {
		tx.textPending[label] = append(tx.textPending[label], pendingTextDoc{id: id, text: text})
	}
	if vec, ok := vectorProperty(properties); ok {
		tx.vecPending[label] = append(tx.vecPending[label], pendingVecDoc{id: id, vector: vec})
	}
	return nil
}

// DeleteNode removes a node and every edge incident to it.
func (tx *Tx) DeleteNode(id uuid.UUID) error {
	if err := tx.requireActive("graph.Tx.DeleteNode"); err != nil {
		return err
	}

	item, err := tx.badgerTx.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return kgerrors.New(kgerrors.NotFound, "graph.Tx.DeleteNode", "node not found")
	}
	if err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.DeleteNode", err)
	}
	var label string
	if err := item.Value(func(val []byte) error {
		n, err := decodeNode(val)
		if err != nil {
			return err
		}
		label = n.Label
		return nil
	}); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.DeleteNode", err)
	}

	if err := tx.removeIncidentEdges(id); err != nil {
		return err
	}

	if err := tx.badgerTx.Delete(nodeKey(id)); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.DeleteNode", err)
	}
	if label != "" {
		if err := tx.badgerTx.Delete(labelIndexKey(label, id)); err != nil {
			return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.DeleteNode", err)
		}
	}
	return nil
}

func (tx *Tx) removeIncidentEdges(id uuid.UUID) error {
	var toDelete []uuid.UUID

	it := tx.badgerTx.NewIterator(badger.DefaultIteratorOptions)
	outPrefix := outgoingIndexPrefix(id)
	for it.Seek(outPrefix); it.ValidForPrefix(outPrefix); it.Next() {
		toDelete = append(toDelete, extractIDFromIndexKey(it.Item().KeyCopy(nil)))
	}
	inPrefix := incomingIndexPrefix(id)
	for it.Seek(inPrefix); it.ValidForPrefix(inPrefix); it.Next() {
		toDelete = append(toDelete, extractIDFromIndexKey(it.Item().KeyCopy(nil)))
	}
	it.Close()

	for _, edgeID := range toDelete {
		if err := tx.deleteEdgeInternal(edgeID); err != nil {
			return err
		}
	}
	return nil
}

// InsertEdge upserts a directed edge.
func (tx *Tx) InsertEdge(id uuid.UUID, label string, from, to uuid.UUID, properties map[string]any) error {
	if err := tx.requireActive("graph.Tx.InsertEdge"); err != nil {
		return err
	}

	e := &Edge{ID: id, Label: label, From: from, To: to, Properties: properties, CreatedAt: time.Now().UTC()}
	data, err := encodeEdge(e)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertEdge", err)
	}
	if err := tx.badgerTx.Set(edgeKey(id), data); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertEdge", err)
	}
	if err := tx.badgerTx.Set(outgoingIndexKey(from, id), []byte{}); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertEdge", err)
	}
	if err := tx.badgerTx.Set(incomingIndexKey(to, id), []byte{}); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.InsertEdge", err)
	}
	return nil
}

// DeleteEdge removes a single edge.
func (tx *Tx) DeleteEdge(id uuid.UUID) error {
	if err := tx.requireActive("graph.Tx.DeleteEdge"); err != nil {
		return err
	}
	return tx.deleteEdgeInternal(id)
}

func (tx *Tx) deleteEdgeInternal(id uuid.UUID) error {
	item, err := tx.badgerTx.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.deleteEdgeInternal", err)
	}
	var edge *Edge
	if err := item.Value(func(val []byte) error {
		e, err := decodeEdge(val)
		if err != nil {
			return err
		}
		edge = e
		return nil
	}); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.deleteEdgeInternal", err)
	}

	if err := tx.badgerTx.Delete(edgeKey(id)); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.deleteEdgeInternal", err)
	}
	if err := tx.badgerTx.Delete(outgoingIndexKey(edge.From, id)); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.deleteEdgeInternal", err)
	}
	if err := tx.badgerTx.Delete(incomingIndexKey(edge.To, id)); err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.deleteEdgeInternal", err)
	}
	return nil
}

// GetNode offers read-your-writes visibility for the in-flight transaction.
func (tx *Tx) GetNode(id uuid.UUID) (*Node, error) {
	item, err := tx.badgerTx.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "graph.Tx.GetNode", err)
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		n, err := decodeNode(val)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "graph.Tx.GetNode", err)
	}
	return node, nil
}

// Commit persists every staged write atomically and updates the text and
// vector indexes for newly written properties.
func (tx *Tx) Commit() error {
	if err := tx.requireActive("graph.Tx.Commit"); err != nil {
		return err
	}
	defer tx.engine.writeMu.Unlock()

	if err := tx.badgerTx.Commit(); err != nil {
		tx.status = TxRolledBack
		return kgerrors.Wrap(kgerrors.Graph, "graph.Tx.Commit", err)
	}
	tx.status = TxCommitted

	for label, docs := range tx.textPending {
		idx := tx.engine.textIndexFor(label)
		for _, d := range docs {
			idx.Index(d.id.String(), d.text)
		}
	}
	for label, docs := range tx.vecPending {
		idx := tx.engine.vectorIndexFor(label, len(docs[0].vector))
		for _, d := range docs {
			_ = idx.Add(d.id.String(), d.vector)
		}
	}
	return nil
}

// Rollback discards every staged write.
func (tx *Tx) Rollback() {
	if tx.status != TxActive {
		return
	}
	tx.badgerTx.Discard()
	tx.status = TxRolledBack
	tx.engine.writeMu.Unlock()
}

func textProperty(properties map[string]any) (string, bool) {
	v, ok := properties["text"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func vectorProperty(properties map[string]any) ([]float32, bool) {
	v, ok := properties["embedding"]
	if !ok {
		return nil, false
	}
	switch vec := v.(type) {
	case []float32:
		return vec, true
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}
