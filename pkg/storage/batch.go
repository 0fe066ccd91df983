package storage

// Batch is an ordered list of mutations applied atomically by Engine.Apply.
//
// A whole user-visible operation (a capture with its linking pass, an
// import with its chunk inserts and parent/sequential edges) builds one
// Batch and commits it in a single call. If any op fails, no op takes
// effect. Degree counters adjust inside the batch exactly as they would for
// the equivalent sequence of single calls.
//
// Example:
//
//	batch := storage.NewBatch()
//	batch.PutNode(node)
//	batch.ReplaceTags(node.ID, node.Tags)
//	for _, e := range acceptedEdges {
//		batch.UpsertEdge(e)
//	}
//	batch.AppendNodeHistory(historyRow)
//	if err := engine.Apply(batch); err != nil {
//		return err // nothing was written
//	}
type Batch struct {
	ops []batchOp
}

type batchOpKind int

const (
	opPutNode batchOpKind = iota
	opDeleteNode
	opUpsertEdge
	opDeleteEdge
	opReplaceTags
	opPutDocument
	opDeleteDocument
	opPutChunk
	opAppendNodeHistory
	opAppendEdgeEvent
	opMarkEventUndone
)

type batchOp struct {
	kind     batchOpKind
	node     *Node
	nodeID   NodeID
	edge     *Edge
	edgeID   EdgeID
	tags     []string
	document *Document
	docID    DocumentID
	chunk    *DocumentChunk
	history  *NodeHistory
	event    *EdgeEvent
	seq      uint64
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of queued ops.
func (b *Batch) Len() int { return len(b.ops) }

// PutNode creates the node if absent, else updates it. AcceptedDegree on the
// passed struct is ignored; the engine preserves its own counter.
func (b *Batch) PutNode(node *Node) *Batch {
	b.ops = append(b.ops, batchOp{kind: opPutNode, node: node})
	return b
}

// DeleteNode removes a node with full cascade (incident edges, tag rows,
// chunk row) exactly like Engine.DeleteNode.
func (b *Batch) DeleteNode(id NodeID) *Batch {
	b.ops = append(b.ops, batchOp{kind: opDeleteNode, nodeID: id})
	return b
}

// UpsertEdge inserts the edge, or if an edge already exists for the same
// unordered pair, updates that edge's scores in place (keeping its id).
func (b *Batch) UpsertEdge(edge *Edge) *Batch {
	b.ops = append(b.ops, batchOp{kind: opUpsertEdge, edge: edge})
	return b
}

// DeleteEdge removes an edge by id, decrementing both endpoints' degree.
func (b *Batch) DeleteEdge(id EdgeID) *Batch {
	b.ops = append(b.ops, batchOp{kind: opDeleteEdge, edgeID: id})
	return b
}

// ReplaceTags replaces the node_tags rows for a node.
func (b *Batch) ReplaceTags(id NodeID, tags []string) *Batch {
	b.ops = append(b.ops, batchOp{kind: opReplaceTags, nodeID: id, tags: tags})
	return b
}

// PutDocument inserts or replaces a document row.
func (b *Batch) PutDocument(doc *Document) *Batch {
	b.ops = append(b.ops, batchOp{kind: opPutDocument, document: doc})
	return b
}

// DeleteDocument removes a document row and its chunk rows. Chunk nodes are
// not touched; the caller deletes them explicitly.
func (b *Batch) DeleteDocument(id DocumentID) *Batch {
	b.ops = append(b.ops, batchOp{kind: opDeleteDocument, docID: id})
	return b
}

// PutChunk inserts or replaces a document_chunks row.
func (b *Batch) PutChunk(chunk *DocumentChunk) *Batch {
	b.ops = append(b.ops, batchOp{kind: opPutChunk, chunk: chunk})
	return b
}

// AppendNodeHistory appends a node version row. Version 0 means
// "next version for this node".
func (b *Batch) AppendNodeHistory(h *NodeHistory) *Batch {
	b.ops = append(b.ops, batchOp{kind: opAppendNodeHistory, history: h})
	return b
}

// AppendEdgeEvent appends an edge event row. Seq is assigned by the engine.
func (b *Batch) AppendEdgeEvent(ev *EdgeEvent) *Batch {
	b.ops = append(b.ops, batchOp{kind: opAppendEdgeEvent, event: ev})
	return b
}

// MarkEventUndone flags an edge event as undone.
func (b *Batch) MarkEventUndone(seq uint64) *Batch {
	b.ops = append(b.ops, batchOp{kind: opMarkEventUndone, seq: seq})
	return b
}
