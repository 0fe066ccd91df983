package storage

import (
	"fmt"
	"sort"
	"sync"
)

type pairKey struct {
	a, b NodeID
}

func pairKeyOf(a, b NodeID) pairKey {
	a, b = CanonicalPair(a, b)
	return pairKey{a, b}
}

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Ephemeral sessions that never touch disk
//   - Development and prototyping
//
// Features:
//   - Thread-safe: all operations use an RWMutex
//   - Indexed: pair, incidence, and tag indexes for fast lookups
//   - Deep copies: returns copies to prevent external mutation
//   - Degree counters maintained on every edge transition
//
// Performance Characteristics:
//   - Node/edge lookup by id: O(1)
//   - Edge lookup by pair: O(1)
//   - Edges touching a node: O(degree)
//   - Nodes with a tag: O(k) where k = nodes carrying the tag
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{ID: storage.NewNodeID(), Title: "note"})
type MemoryEngine struct {
	mu sync.RWMutex

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes
	edgeByPair  map[pairKey]EdgeID
	edgesByNode map[NodeID]map[EdgeID]struct{}
	tagsByNode  map[NodeID][]string
	nodesByTag  map[string]map[NodeID]struct{}

	tagIDF map[string]TagIDF

	documents   map[DocumentID]*Document
	chunksByDoc map[DocumentID]map[string]*DocumentChunk
	chunkByNode map[NodeID]*DocumentChunk

	history  map[NodeID][]*NodeHistory
	events   []*EdgeEvent
	eventSeq uint64

	closed bool
}

// NewMemoryEngine creates an empty in-memory storage engine, ready for
// immediate concurrent use. All data is lost when the process exits.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:       make(map[NodeID]*Node),
		edges:       make(map[EdgeID]*Edge),
		edgeByPair:  make(map[pairKey]EdgeID),
		edgesByNode: make(map[NodeID]map[EdgeID]struct{}),
		tagsByNode:  make(map[NodeID][]string),
		nodesByTag:  make(map[string]map[NodeID]struct{}),
		tagIDF:      make(map[string]TagIDF),
		documents:   make(map[DocumentID]*Document),
		chunksByDoc: make(map[DocumentID]map[string]*DocumentChunk),
		chunkByNode: make(map[NodeID]*DocumentChunk),
		history:     make(map[NodeID][]*NodeHistory),
	}
}

// ----------------------------------------------------------------------------
// Node operations
// ----------------------------------------------------------------------------

// CreateNode creates a new node. AcceptedDegree starts at zero regardless of
// the value on the passed struct; the engine owns the counter.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.createNodeLocked(node)
}

func (m *MemoryEngine) createNodeLocked(node *Node) error {
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}
	stored := node.Clone()
	stored.AcceptedDegree = 0
	m.nodes[node.ID] = stored
	return nil
}

// GetNode retrieves a node by id, returning a deep copy.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node.Clone(), nil
}

// UpdateNode updates an existing node. The stored AcceptedDegree is
// preserved; only edge transitions may change it.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.updateNodeLocked(node)
}

func (m *MemoryEngine) updateNodeLocked(node *Node) error {
	existing, ok := m.nodes[node.ID]
	if !ok {
		return ErrNotFound
	}
	stored := node.Clone()
	stored.AcceptedDegree = existing.AcceptedDegree
	m.nodes[node.ID] = stored
	return nil
}

// DeleteNode removes a node, cascading to incident edges (decrementing each
// surviving neighbor's degree), node_tags rows, and the chunk mapping row.
// History rows are retained.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.deleteNodeLocked(id)
}

func (m *MemoryEngine) deleteNodeLocked(id NodeID) error {
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}

	// Cascade: incident edges first, so neighbor degrees adjust
	for edgeID := range m.edgesByNode[id] {
		if err := m.deleteEdgeLocked(edgeID); err != nil && err != ErrNotFound {
			return err
		}
	}
	delete(m.edgesByNode, id)

	// Tag rows
	for _, tag := range m.tagsByNode[id] {
		if set := m.nodesByTag[tag]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.nodesByTag, tag)
			}
		}
	}
	delete(m.tagsByNode, id)

	// Chunk mapping row
	if chunk, ok := m.chunkByNode[id]; ok {
		if byDoc := m.chunksByDoc[chunk.DocumentID]; byDoc != nil {
			delete(byDoc, chunk.SegmentID)
			if len(byDoc) == 0 {
				delete(m.chunksByDoc, chunk.DocumentID)
			}
		}
		delete(m.chunkByNode, id)
	}

	delete(m.nodes, id)
	return nil
}

// AllNodes returns deep copies of every node.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	return out, nil
}

// NodeCount returns the total node count.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// ----------------------------------------------------------------------------
// Edge operations
// ----------------------------------------------------------------------------

// CreateEdge creates a new edge. The edge must be in canonical orientation,
// both endpoints must exist, and no edge may already exist for the pair.
// Both endpoints' AcceptedDegree increments by one.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.createEdgeLocked(edge)
}

func (m *MemoryEngine) createEdgeLocked(edge *Edge) error {
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	src, ok := m.nodes[edge.SourceID]
	if !ok {
		return ErrInvalidEdge
	}
	tgt, ok := m.nodes[edge.TargetID]
	if !ok {
		return ErrInvalidEdge
	}
	key := pairKeyOf(edge.SourceID, edge.TargetID)
	if _, exists := m.edgeByPair[key]; exists {
		return fmt.Errorf("%w: edge for pair %s-%s", ErrAlreadyExists, edge.SourceID, edge.TargetID)
	}

	m.edges[edge.ID] = edge.Clone()
	m.edgeByPair[key] = edge.ID
	m.indexIncidenceLocked(edge)
	src.AcceptedDegree++
	tgt.AcceptedDegree++
	return nil
}

func (m *MemoryEngine) indexIncidenceLocked(edge *Edge) {
	for _, id := range []NodeID{edge.SourceID, edge.TargetID} {
		if m.edgesByNode[id] == nil {
			m.edgesByNode[id] = make(map[EdgeID]struct{})
		}
		m.edgesByNode[id][edge.ID] = struct{}{}
	}
}

// GetEdge retrieves an edge by id, returning a deep copy.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, ok := m.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return edge.Clone(), nil
}

// UpdateEdge rewrites an existing edge's scores and metadata in place.
// Endpoints may not change; degree counters are untouched.
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.updateEdgeLocked(edge)
}

func (m *MemoryEngine) updateEdgeLocked(edge *Edge) error {
	existing, ok := m.edges[edge.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.SourceID != edge.SourceID || existing.TargetID != edge.TargetID {
		return fmt.Errorf("%w: cannot change edge endpoints", ErrInvalidData)
	}
	m.edges[edge.ID] = edge.Clone()
	return nil
}

// DeleteEdge removes an edge, decrementing both endpoints' degree.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.deleteEdgeLocked(id)
}

func (m *MemoryEngine) deleteEdgeLocked(id EdgeID) error {
	edge, ok := m.edges[id]
	if !ok {
		return ErrNotFound
	}

	delete(m.edges, id)
	delete(m.edgeByPair, pairKeyOf(edge.SourceID, edge.TargetID))
	for _, nid := range []NodeID{edge.SourceID, edge.TargetID} {
		if set := m.edgesByNode[nid]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.edgesByNode, nid)
			}
		}
		if node, ok := m.nodes[nid]; ok && node.AcceptedDegree > 0 {
			node.AcceptedDegree--
		}
	}
	return nil
}

// EdgeBetween returns the edge for an unordered pair, or ErrNotFound.
func (m *MemoryEngine) EdgeBetween(a, b NodeID) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	id, ok := m.edgeByPair[pairKeyOf(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.edges[id].Clone(), nil
}

// EdgesTouching returns all edges incident on a node.
func (m *MemoryEngine) EdgesTouching(id NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*Edge, 0, len(m.edgesByNode[id]))
	for edgeID := range m.edgesByNode[id] {
		out = append(out, m.edges[edgeID].Clone())
	}
	return out, nil
}

// AllEdges returns deep copies of every edge.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e.Clone())
	}
	return out, nil
}

// EdgeCount returns the total edge count.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// ----------------------------------------------------------------------------
// Normalized tag rows
// ----------------------------------------------------------------------------

// ReplaceNodeTags atomically replaces the node_tags rows for a node with the
// normalized form of tags.
func (m *MemoryEngine) ReplaceNodeTags(id NodeID, tags []string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.replaceNodeTagsLocked(id, tags)
	return nil
}

func (m *MemoryEngine) replaceNodeTagsLocked(id NodeID, tags []string) {
	for _, tag := range m.tagsByNode[id] {
		if set := m.nodesByTag[tag]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.nodesByTag, tag)
			}
		}
	}

	normalized := NormalizeTags(tags)
	m.tagsByNode[id] = normalized
	for _, tag := range normalized {
		if m.nodesByTag[tag] == nil {
			m.nodesByTag[tag] = make(map[NodeID]struct{})
		}
		m.nodesByTag[tag][id] = struct{}{}
	}
}

// NodeTags returns the node_tags rows for a node (sorted).
func (m *MemoryEngine) NodeTags(id NodeID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	return append([]string(nil), m.tagsByNode[id]...), nil
}

// NodesWithTag returns ids of all nodes carrying the tag.
func (m *MemoryEngine) NodesWithTag(tag string) ([]NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	set := m.nodesByTag[normalizeTag(tag)]
	out := make([]NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// TagDocFrequencies returns the number of distinct nodes per tag.
func (m *MemoryEngine) TagDocFrequencies() (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make(map[string]int, len(m.nodesByTag))
	for tag, set := range m.nodesByTag {
		out[tag] = len(set)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Tag IDF cache
// ----------------------------------------------------------------------------

// PutTagIDF replaces the IDF cache with the given rows.
func (m *MemoryEngine) PutTagIDF(rows []TagIDF) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	m.tagIDF = make(map[string]TagIDF, len(rows))
	for _, row := range rows {
		m.tagIDF[row.Tag] = row
	}
	return nil
}

// AllTagIDF returns every IDF row.
func (m *MemoryEngine) AllTagIDF() ([]TagIDF, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]TagIDF, 0, len(m.tagIDF))
	for _, row := range m.tagIDF {
		out = append(out, row)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Documents and chunks
// ----------------------------------------------------------------------------

// PutDocument inserts or replaces a document row.
func (m *MemoryEngine) PutDocument(doc *Document) error {
	if doc == nil {
		return ErrInvalidData
	}
	if doc.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.putDocumentLocked(doc)
	return nil
}

func (m *MemoryEngine) putDocumentLocked(doc *Document) {
	m.documents[doc.ID] = cloneDocument(doc)
}

// GetDocument retrieves a document by id.
func (m *MemoryEngine) GetDocument(id DocumentID) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// DeleteDocument removes a document row and its chunk rows. Chunk nodes are
// left to the caller.
func (m *MemoryEngine) DeleteDocument(id DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.deleteDocumentLocked(id)
}

func (m *MemoryEngine) deleteDocumentLocked(id DocumentID) error {
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	for _, chunk := range m.chunksByDoc[id] {
		delete(m.chunkByNode, chunk.NodeID)
	}
	delete(m.chunksByDoc, id)
	delete(m.documents, id)
	return nil
}

// AllDocuments returns every document row.
func (m *MemoryEngine) AllDocuments() ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*Document, 0, len(m.documents))
	for _, doc := range m.documents {
		out = append(out, cloneDocument(doc))
	}
	return out, nil
}

// PutChunk inserts or replaces a document_chunks row. A conflicting row for
// the same node under a different segment is a Conflict.
func (m *MemoryEngine) PutChunk(chunk *DocumentChunk) error {
	if chunk == nil {
		return ErrInvalidData
	}
	if chunk.DocumentID == "" || chunk.SegmentID == "" || chunk.NodeID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.putChunkLocked(chunk)
}

func (m *MemoryEngine) putChunkLocked(chunk *DocumentChunk) error {
	if prev, ok := m.chunkByNode[chunk.NodeID]; ok {
		if prev.DocumentID != chunk.DocumentID || prev.SegmentID != chunk.SegmentID {
			return fmt.Errorf("%w: node %s already mapped to segment %s", ErrAlreadyExists, chunk.NodeID, prev.SegmentID)
		}
	}
	if m.chunksByDoc[chunk.DocumentID] == nil {
		m.chunksByDoc[chunk.DocumentID] = make(map[string]*DocumentChunk)
	}
	stored := *chunk
	m.chunksByDoc[chunk.DocumentID][chunk.SegmentID] = &stored
	m.chunkByNode[chunk.NodeID] = &stored
	return nil
}

// ChunksByDocument returns all chunk rows for a document in chunk order.
func (m *MemoryEngine) ChunksByDocument(id DocumentID) ([]*DocumentChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*DocumentChunk, 0, len(m.chunksByDoc[id]))
	for _, chunk := range m.chunksByDoc[id] {
		c := *chunk
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkOrder < out[j].ChunkOrder })
	return out, nil
}

// ChunkByNode returns the chunk row for a chunk node.
func (m *MemoryEngine) ChunkByNode(id NodeID) (*DocumentChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	chunk, ok := m.chunkByNode[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *chunk
	return &c, nil
}

// ----------------------------------------------------------------------------
// History ledger primitives
// ----------------------------------------------------------------------------

// AppendNodeHistory appends a version row. Version 0 is assigned the next
// version for the node.
func (m *MemoryEngine) AppendNodeHistory(h *NodeHistory) error {
	if h == nil {
		return ErrInvalidData
	}
	if h.NodeID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.appendNodeHistoryLocked(h)
	return nil
}

func (m *MemoryEngine) appendNodeHistoryLocked(h *NodeHistory) {
	stored := *h
	stored.Tags = append([]string(nil), h.Tags...)
	if stored.Version == 0 {
		stored.Version = len(m.history[h.NodeID]) + 1
	}
	m.history[h.NodeID] = append(m.history[h.NodeID], &stored)
	h.Version = stored.Version
}

// NodeVersions returns all version rows for a node, ascending.
func (m *MemoryEngine) NodeVersions(id NodeID) ([]*NodeHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	rows := m.history[id]
	out := make([]*NodeHistory, 0, len(rows))
	for _, h := range rows {
		c := *h
		c.Tags = append([]string(nil), h.Tags...)
		out = append(out, &c)
	}
	return out, nil
}

// AppendEdgeEvent appends an event row with the next monotonic sequence
// number, written back into ev.Seq.
func (m *MemoryEngine) AppendEdgeEvent(ev *EdgeEvent) error {
	if ev == nil {
		return ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.appendEdgeEventLocked(ev)
	return nil
}

func (m *MemoryEngine) appendEdgeEventLocked(ev *EdgeEvent) {
	m.eventSeq++
	stored := *ev
	stored.Seq = m.eventSeq
	stored.SourceID, stored.TargetID = CanonicalPair(ev.SourceID, ev.TargetID)
	m.events = append(m.events, &stored)
	ev.Seq = stored.Seq
}

// EdgeEvents returns all events for an unordered pair, ascending by seq.
func (m *MemoryEngine) EdgeEvents(a, b NodeID) ([]*EdgeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	ca, cb := CanonicalPair(a, b)
	var out []*EdgeEvent
	for _, ev := range m.events {
		if ev.SourceID == ca && ev.TargetID == cb {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

// MarkEventUndone flags an event as undone.
func (m *MemoryEngine) MarkEventUndone(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return m.markEventUndoneLocked(seq)
}

func (m *MemoryEngine) markEventUndoneLocked(seq uint64) error {
	for _, ev := range m.events {
		if ev.Seq == seq {
			ev.Undone = true
			return nil
		}
	}
	return ErrNotFound
}

// ----------------------------------------------------------------------------
// Batch
// ----------------------------------------------------------------------------

// Apply executes a batch under one lock acquisition. On failure, previously
// applied ops are rolled back via an undo journal so the batch is atomic.
func (m *MemoryEngine) Apply(batch *Batch) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	for _, op := range batch.ops {
		inverse, err := m.applyOpLocked(op)
		if err != nil {
			rollback()
			return err
		}
		if inverse != nil {
			undo = append(undo, inverse)
		}
	}
	return nil
}

// applyOpLocked applies one op and returns its inverse for rollback.
func (m *MemoryEngine) applyOpLocked(op batchOp) (func(), error) {
	switch op.kind {
	case opPutNode:
		if op.node == nil || op.node.ID == "" {
			return nil, ErrInvalidData
		}
		if prev, ok := m.nodes[op.node.ID]; ok {
			saved := prev
			if err := m.updateNodeLocked(op.node); err != nil {
				return nil, err
			}
			return func() { m.nodes[saved.ID] = saved }, nil
		}
		if err := m.createNodeLocked(op.node); err != nil {
			return nil, err
		}
		id := op.node.ID
		return func() { delete(m.nodes, id) }, nil

	case opDeleteNode:
		return m.snapshotRollback(func() error { return m.deleteNodeLocked(op.nodeID) })

	case opUpsertEdge:
		if err := validateEdge(op.edge); err != nil {
			return nil, err
		}
		if existingID, ok := m.edgeByPair[pairKeyOf(op.edge.SourceID, op.edge.TargetID)]; ok {
			prev := m.edges[existingID]
			updated := op.edge.Clone()
			updated.ID = prev.ID
			updated.CreatedAt = prev.CreatedAt
			if err := m.updateEdgeLocked(updated); err != nil {
				return nil, err
			}
			saved := prev
			return func() { m.edges[saved.ID] = saved }, nil
		}
		if err := m.createEdgeLocked(op.edge); err != nil {
			return nil, err
		}
		id := op.edge.ID
		return func() { _ = m.deleteEdgeLocked(id) }, nil

	case opDeleteEdge:
		return m.snapshotRollback(func() error { return m.deleteEdgeLocked(op.edgeID) })

	case opReplaceTags:
		prev := m.tagsByNode[op.nodeID]
		m.replaceNodeTagsLocked(op.nodeID, op.tags)
		nodeID := op.nodeID
		return func() { m.replaceNodeTagsLocked(nodeID, prev) }, nil

	case opPutDocument:
		if op.document == nil || op.document.ID == "" {
			return nil, ErrInvalidData
		}
		prev := m.documents[op.document.ID]
		m.putDocumentLocked(op.document)
		id := op.document.ID
		return func() {
			if prev == nil {
				delete(m.documents, id)
			} else {
				m.documents[id] = prev
			}
		}, nil

	case opDeleteDocument:
		return m.snapshotRollback(func() error { return m.deleteDocumentLocked(op.docID) })

	case opPutChunk:
		if op.chunk == nil {
			return nil, ErrInvalidData
		}
		if err := m.putChunkLocked(op.chunk); err != nil {
			return nil, err
		}
		docID, segID, nodeID := op.chunk.DocumentID, op.chunk.SegmentID, op.chunk.NodeID
		return func() {
			if byDoc := m.chunksByDoc[docID]; byDoc != nil {
				delete(byDoc, segID)
			}
			delete(m.chunkByNode, nodeID)
		}, nil

	case opAppendNodeHistory:
		if op.history == nil {
			return nil, ErrInvalidData
		}
		m.appendNodeHistoryLocked(op.history)
		nodeID := op.history.NodeID
		return func() {
			rows := m.history[nodeID]
			if len(rows) > 0 {
				m.history[nodeID] = rows[:len(rows)-1]
			}
		}, nil

	case opAppendEdgeEvent:
		if op.event == nil {
			return nil, ErrInvalidData
		}
		m.appendEdgeEventLocked(op.event)
		return func() {
			if len(m.events) > 0 {
				m.events = m.events[:len(m.events)-1]
				m.eventSeq--
			}
		}, nil

	case opMarkEventUndone:
		if err := m.markEventUndoneLocked(op.seq); err != nil {
			return nil, err
		}
		seq := op.seq
		return func() {
			for _, ev := range m.events {
				if ev.Seq == seq {
					ev.Undone = false
				}
			}
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown batch op", ErrInvalidData)
}

// snapshotRollback runs a destructive op under a full-store snapshot.
// Cascading deletes touch too many indexes to journal piecemeal.
func (m *MemoryEngine) snapshotRollback(fn func() error) (func(), error) {
	snap := m.snapshotLocked()
	if err := fn(); err != nil {
		return nil, err
	}
	return func() { m.restoreLocked(snap) }, nil
}

type memorySnapshot struct {
	nodes       map[NodeID]*Node
	edges       map[EdgeID]*Edge
	edgeByPair  map[pairKey]EdgeID
	edgesByNode map[NodeID]map[EdgeID]struct{}
	tagsByNode  map[NodeID][]string
	nodesByTag  map[string]map[NodeID]struct{}
	documents   map[DocumentID]*Document
	chunksByDoc map[DocumentID]map[string]*DocumentChunk
	chunkByNode map[NodeID]*DocumentChunk
}

func (m *MemoryEngine) snapshotLocked() *memorySnapshot {
	s := &memorySnapshot{
		nodes:       make(map[NodeID]*Node, len(m.nodes)),
		edges:       make(map[EdgeID]*Edge, len(m.edges)),
		edgeByPair:  make(map[pairKey]EdgeID, len(m.edgeByPair)),
		edgesByNode: make(map[NodeID]map[EdgeID]struct{}, len(m.edgesByNode)),
		tagsByNode:  make(map[NodeID][]string, len(m.tagsByNode)),
		nodesByTag:  make(map[string]map[NodeID]struct{}, len(m.nodesByTag)),
		documents:   make(map[DocumentID]*Document, len(m.documents)),
		chunksByDoc: make(map[DocumentID]map[string]*DocumentChunk, len(m.chunksByDoc)),
		chunkByNode: make(map[NodeID]*DocumentChunk, len(m.chunkByNode)),
	}
	for k, v := range m.nodes {
		s.nodes[k] = v.Clone()
	}
	for k, v := range m.edges {
		s.edges[k] = v.Clone()
	}
	for k, v := range m.edgeByPair {
		s.edgeByPair[k] = v
	}
	for k, v := range m.edgesByNode {
		set := make(map[EdgeID]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		s.edgesByNode[k] = set
	}
	for k, v := range m.tagsByNode {
		s.tagsByNode[k] = append([]string(nil), v...)
	}
	for k, v := range m.nodesByTag {
		set := make(map[NodeID]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		s.nodesByTag[k] = set
	}
	for k, v := range m.documents {
		s.documents[k] = cloneDocument(v)
	}
	for k, v := range m.chunksByDoc {
		byDoc := make(map[string]*DocumentChunk, len(v))
		for seg, c := range v {
			cc := *c
			byDoc[seg] = &cc
		}
		s.chunksByDoc[k] = byDoc
	}
	for k, v := range m.chunkByNode {
		c := *v
		s.chunkByNode[k] = &c
	}
	return s
}

func (m *MemoryEngine) restoreLocked(s *memorySnapshot) {
	m.nodes = s.nodes
	m.edges = s.edges
	m.edgeByPair = s.edgeByPair
	m.edgesByNode = s.edgesByNode
	m.tagsByNode = s.tagsByNode
	m.nodesByTag = s.nodesByTag
	m.documents = s.documents
	m.chunksByDoc = s.chunksByDoc
	m.chunkByNode = s.chunkByNode
}

// RecomputeDegrees counts edges per node and rewrites AcceptedDegree.
func (m *MemoryEngine) RecomputeDegrees() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	for _, node := range m.nodes {
		node.AcceptedDegree = 0
	}
	for _, edge := range m.edges {
		if src, ok := m.nodes[edge.SourceID]; ok {
			src.AcceptedDegree++
		}
		if tgt, ok := m.nodes[edge.TargetID]; ok {
			tgt.AcceptedDegree++
		}
	}
	return nil
}

// Close marks the engine closed. Further operations return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneDocument(doc *Document) *Document {
	c := *doc
	if doc.Metadata != nil {
		c.Metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func normalizeTag(tag string) string {
	t := NormalizeTags([]string{tag})
	if len(t) == 0 {
		return ""
	}
	return t[0]
}
