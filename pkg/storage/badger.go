// Package storage - BadgerEngine provides persistent disk-based storage
// using BadgerDB. It implements the Engine interface with full transaction
// support; a whole Apply batch commits in a single Badger transaction.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixNode        = byte(0x01) // node:<id> -> Node
	prefixEdge        = byte(0x02) // edge:<id> -> Edge
	prefixPairIndex   = byte(0x03) // pair:<src>0x00<tgt> -> edgeID
	prefixTouchIndex  = byte(0x04) // touch:<nodeID>0x00<edgeID> -> empty
	prefixTagByNode   = byte(0x05) // tagbynode:<nodeID>0x00<tag> -> empty
	prefixNodeByTag   = byte(0x06) // nodebytag:<tag>0x00<nodeID> -> empty
	prefixTagIDF      = byte(0x07) // tagidf:<tag> -> TagIDF
	prefixDocument    = byte(0x08) // doc:<id> -> Document
	prefixChunk       = byte(0x09) // chunk:<docID>0x00<segmentID> -> DocumentChunk
	prefixChunkByNode = byte(0x0A) // chunkbynode:<nodeID> -> DocumentChunk
	prefixHistory     = byte(0x0B) // hist:<nodeID>0x00<version BE8> -> NodeHistory
	prefixEvent       = byte(0x0C) // event:<seq BE8> -> EdgeEvent
	prefixEventPair   = byte(0x0D) // eventpair:<src>0x00<tgt>0x00<seq BE8> -> empty
	prefixMeta        = byte(0x0E) // meta:<name> -> counter / schema version
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for all operations
//   - Whole-batch atomicity via Apply
//   - Secondary indexes for pair lookup, incidence, and tags
//   - Thread-safe concurrent access; readers run on snapshots
//   - Automatic crash recovery
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/forest.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. If nil, logging is silenced.
	Logger badger.Logger
}

// NewBadgerEngine opens or creates a persistent storage engine at path with
// default settings.
func NewBadgerEngine(path string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{Path: path})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(opts.Path)
	badgerOpts.InMemory = opts.InMemory
	badgerOpts.SyncWrites = opts.SyncWrites
	if opts.Logger != nil {
		badgerOpts.Logger = opts.Logger
	} else {
		badgerOpts.Logger = nil
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", opts.Path, err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates a Badger engine without disk persistence.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// ----------------------------------------------------------------------------
// Keys
// ----------------------------------------------------------------------------

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func pairIndexKey(a, b NodeID) []byte {
	a, b = CanonicalPair(a, b)
	key := []byte{prefixPairIndex}
	key = append(key, a...)
	key = append(key, 0x00)
	key = append(key, b...)
	return key
}

func touchIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	key := []byte{prefixTouchIndex}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	key = append(key, edgeID...)
	return key
}

func touchIndexPrefix(nodeID NodeID) []byte {
	key := []byte{prefixTouchIndex}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

func tagByNodeKey(nodeID NodeID, tag string) []byte {
	key := []byte{prefixTagByNode}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	key = append(key, tag...)
	return key
}

func tagByNodePrefix(nodeID NodeID) []byte {
	key := []byte{prefixTagByNode}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

func nodeByTagKey(tag string, nodeID NodeID) []byte {
	key := []byte{prefixNodeByTag}
	key = append(key, tag...)
	key = append(key, 0x00)
	key = append(key, nodeID...)
	return key
}

func nodeByTagPrefix(tag string) []byte {
	key := []byte{prefixNodeByTag}
	key = append(key, tag...)
	key = append(key, 0x00)
	return key
}

func tagIDFKey(tag string) []byte {
	return append([]byte{prefixTagIDF}, tag...)
}

func documentKey(id DocumentID) []byte {
	return append([]byte{prefixDocument}, id...)
}

func chunkKey(docID DocumentID, segmentID string) []byte {
	key := []byte{prefixChunk}
	key = append(key, docID...)
	key = append(key, 0x00)
	key = append(key, segmentID...)
	return key
}

func chunkPrefix(docID DocumentID) []byte {
	key := []byte{prefixChunk}
	key = append(key, docID...)
	key = append(key, 0x00)
	return key
}

func chunkByNodeKey(nodeID NodeID) []byte {
	return append([]byte{prefixChunkByNode}, nodeID...)
}

func historyKey(nodeID NodeID, version int) []byte {
	key := []byte{prefixHistory}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	return append(key, buf[:]...)
}

func historyPrefix(nodeID NodeID) []byte {
	key := []byte{prefixHistory}
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

func eventKey(seq uint64) []byte {
	key := []byte{prefixEvent}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func eventPairKey(a, b NodeID, seq uint64) []byte {
	a, b = CanonicalPair(a, b)
	key := []byte{prefixEventPair}
	key = append(key, a...)
	key = append(key, 0x00)
	key = append(key, b...)
	key = append(key, 0x00)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func eventPairPrefix(a, b NodeID) []byte {
	a, b = CanonicalPair(a, b)
	key := []byte{prefixEventPair}
	key = append(key, a...)
	key = append(key, 0x00)
	key = append(key, b...)
	key = append(key, 0x00)
	return key
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

// ----------------------------------------------------------------------------
// Guards
// ----------------------------------------------------------------------------

func (b *BadgerEngine) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ----------------------------------------------------------------------------
// Node operations
// ----------------------------------------------------------------------------

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.createNodeTxn(txn, node)
	})
}

func (b *BadgerEngine) createNodeTxn(txn *badger.Txn, node *Node) error {
	key := nodeKey(node.ID)
	if _, err := txn.Get(key); err == nil {
		return ErrAlreadyExists
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	stored := node.Clone()
	stored.AcceptedDegree = 0
	data, err := encodeNode(stored)
	if err != nil {
		return fmt.Errorf("encoding node: %w", err)
	}
	return txn.Set(key, data)
}

// GetNode retrieves a node by id.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeTxn(txn, id)
		return err
	})
	return node, err
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

// UpdateNode updates an existing node, preserving the stored AcceptedDegree.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.updateNodeTxn(txn, node)
	})
}

func (b *BadgerEngine) updateNodeTxn(txn *badger.Txn, node *Node) error {
	existing, err := getNodeTxn(txn, node.ID)
	if err != nil {
		return err
	}

	stored := node.Clone()
	stored.AcceptedDegree = existing.AcceptedDegree
	data, err := encodeNode(stored)
	if err != nil {
		return fmt.Errorf("encoding node: %w", err)
	}
	return txn.Set(nodeKey(node.ID), data)
}

// DeleteNode removes a node with full cascade: incident edges (adjusting
// neighbors' degree), node_tags rows, and the chunk mapping row.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteNodeTxn(txn, id)
	})
}

func (b *BadgerEngine) deleteNodeTxn(txn *badger.Txn, id NodeID) error {
	if _, err := getNodeTxn(txn, id); err != nil {
		return err
	}

	// Incident edges first, so neighbor degrees adjust
	edgeIDs, err := edgeIDsTouchingTxn(txn, id)
	if err != nil {
		return err
	}
	for _, edgeID := range edgeIDs {
		if err := b.deleteEdgeTxn(txn, edgeID); err != nil && err != ErrNotFound {
			return err
		}
	}

	// Tag rows
	tags, err := nodeTagsTxn(txn, id)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := txn.Delete(tagByNodeKey(id, tag)); err != nil {
			return err
		}
		if err := txn.Delete(nodeByTagKey(tag, id)); err != nil {
			return err
		}
	}

	// Chunk mapping row
	if chunk, err := chunkByNodeTxn(txn, id); err == nil {
		if err := txn.Delete(chunkKey(chunk.DocumentID, chunk.SegmentID)); err != nil {
			return err
		}
		if err := txn.Delete(chunkByNodeKey(id)); err != nil {
			return err
		}
	} else if err != ErrNotFound {
		return err
	}

	return txn.Delete(nodeKey(id))
}

// AllNodes returns every node.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				node, decodeErr := decodeNode(val)
				if decodeErr != nil {
					return decodeErr
				}
				nodes = append(nodes, node)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return nodes, err
}

// NodeCount returns the total node count.
func (b *BadgerEngine) NodeCount() (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		count = countPrefix(txn, []byte{prefixNode})
		return nil
	})
	return count, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var count int64
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count
}

// ----------------------------------------------------------------------------
// Edge operations
// ----------------------------------------------------------------------------

// CreateEdge creates a new edge and increments both endpoints' degree.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.createEdgeTxn(txn, edge)
	})
}

func (b *BadgerEngine) createEdgeTxn(txn *badger.Txn, edge *Edge) error {
	key := edgeKey(edge.ID)
	if _, err := txn.Get(key); err == nil {
		return ErrAlreadyExists
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	pairKey := pairIndexKey(edge.SourceID, edge.TargetID)
	if _, err := txn.Get(pairKey); err == nil {
		return fmt.Errorf("%w: edge for pair %s-%s", ErrAlreadyExists, edge.SourceID, edge.TargetID)
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	src, err := getNodeTxn(txn, edge.SourceID)
	if err != nil {
		if err == ErrNotFound {
			return ErrInvalidEdge
		}
		return err
	}
	tgt, err := getNodeTxn(txn, edge.TargetID)
	if err != nil {
		if err == ErrNotFound {
			return ErrInvalidEdge
		}
		return err
	}

	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("encoding edge: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return err
	}
	if err := txn.Set(pairKey, []byte(edge.ID)); err != nil {
		return err
	}
	if err := txn.Set(touchIndexKey(edge.SourceID, edge.ID), nil); err != nil {
		return err
	}
	if err := txn.Set(touchIndexKey(edge.TargetID, edge.ID), nil); err != nil {
		return err
	}

	src.AcceptedDegree++
	tgt.AcceptedDegree++
	if err := putNodeRawTxn(txn, src); err != nil {
		return err
	}
	return putNodeRawTxn(txn, tgt)
}

// putNodeRawTxn writes a node verbatim, including its degree counter.
func putNodeRawTxn(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("encoding node: %w", err)
	}
	return txn.Set(nodeKey(node.ID), data)
}

// GetEdge retrieves an edge by id.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeTxn(txn, id)
		return err
	})
	return edge, err
}

func getEdgeTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

// UpdateEdge rewrites an edge's scores in place. Endpoints may not change.
func (b *BadgerEngine) UpdateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.updateEdgeTxn(txn, edge)
	})
}

func (b *BadgerEngine) updateEdgeTxn(txn *badger.Txn, edge *Edge) error {
	existing, err := getEdgeTxn(txn, edge.ID)
	if err != nil {
		return err
	}
	if existing.SourceID != edge.SourceID || existing.TargetID != edge.TargetID {
		return fmt.Errorf("%w: cannot change edge endpoints", ErrInvalidData)
	}

	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("encoding edge: %w", err)
	}
	return txn.Set(edgeKey(edge.ID), data)
}

// DeleteEdge removes an edge and decrements both endpoints' degree.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteEdgeTxn(txn, id)
	})
}

func (b *BadgerEngine) deleteEdgeTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := getEdgeTxn(txn, id)
	if err != nil {
		return err
	}

	if err := txn.Delete(edgeKey(id)); err != nil {
		return err
	}
	if err := txn.Delete(pairIndexKey(edge.SourceID, edge.TargetID)); err != nil {
		return err
	}
	for _, nid := range []NodeID{edge.SourceID, edge.TargetID} {
		if err := txn.Delete(touchIndexKey(nid, id)); err != nil {
			return err
		}
		node, err := getNodeTxn(txn, nid)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if node.AcceptedDegree > 0 {
			node.AcceptedDegree--
		}
		if err := putNodeRawTxn(txn, node); err != nil {
			return err
		}
	}
	return nil
}

// EdgeBetween returns the edge for an unordered pair.
func (b *BadgerEngine) EdgeBetween(a, c NodeID) (*Edge, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = edgeBetweenTxn(txn, a, c)
		return err
	})
	return edge, err
}

func edgeBetweenTxn(txn *badger.Txn, a, c NodeID) (*Edge, error) {
	item, err := txn.Get(pairIndexKey(a, c))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edgeID EdgeID
	if err := item.Value(func(val []byte) error {
		edgeID = EdgeID(val)
		return nil
	}); err != nil {
		return nil, err
	}
	return getEdgeTxn(txn, edgeID)
}

// EdgesTouching returns all edges incident on a node.
func (b *BadgerEngine) EdgesTouching(id NodeID) ([]*Edge, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		edgeIDs, err := edgeIDsTouchingTxn(txn, id)
		if err != nil {
			return err
		}
		for _, edgeID := range edgeIDs {
			edge, err := getEdgeTxn(txn, edgeID)
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

func edgeIDsTouchingTxn(txn *badger.Txn, id NodeID) ([]EdgeID, error) {
	prefix := touchIndexPrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var edgeIDs []EdgeID
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		edgeIDs = append(edgeIDs, EdgeID(bytes.Clone(key[len(prefix):])))
	}
	return edgeIDs, nil
}

// AllEdges returns every edge.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEdge}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				edge, decodeErr := decodeEdge(val)
				if decodeErr != nil {
					return decodeErr
				}
				edges = append(edges, edge)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return edges, err
}

// EdgeCount returns the total edge count.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		count = countPrefix(txn, []byte{prefixEdge})
		return nil
	})
	return count, err
}

// ----------------------------------------------------------------------------
// Normalized tag rows
// ----------------------------------------------------------------------------

// ReplaceNodeTags atomically replaces the node_tags rows for a node.
func (b *BadgerEngine) ReplaceNodeTags(id NodeID, tags []string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return replaceNodeTagsTxn(txn, id, tags)
	})
}

func replaceNodeTagsTxn(txn *badger.Txn, id NodeID, tags []string) error {
	prior, err := nodeTagsTxn(txn, id)
	if err != nil {
		return err
	}
	for _, tag := range prior {
		if err := txn.Delete(tagByNodeKey(id, tag)); err != nil {
			return err
		}
		if err := txn.Delete(nodeByTagKey(tag, id)); err != nil {
			return err
		}
	}

	for _, tag := range NormalizeTags(tags) {
		if err := txn.Set(tagByNodeKey(id, tag), nil); err != nil {
			return err
		}
		if err := txn.Set(nodeByTagKey(tag, id), nil); err != nil {
			return err
		}
	}
	return nil
}

// NodeTags returns the node_tags rows for a node (sorted).
func (b *BadgerEngine) NodeTags(id NodeID) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var tags []string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		tags, err = nodeTagsTxn(txn, id)
		return err
	})
	return tags, err
}

func nodeTagsTxn(txn *badger.Txn, id NodeID) ([]string, error) {
	prefix := tagByNodePrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var tags []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		tags = append(tags, string(bytes.Clone(key[len(prefix):])))
	}
	return tags, nil
}

// NodesWithTag returns ids of all nodes carrying the tag, sorted.
func (b *BadgerEngine) NodesWithTag(tag string) ([]NodeID, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	tag = normalizeTag(tag)
	var ids []NodeID
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := nodeByTagPrefix(tag)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, NodeID(bytes.Clone(key[len(prefix):])))
		}
		return nil
	})
	return ids, err
}

// TagDocFrequencies returns the number of distinct nodes per tag.
func (b *BadgerEngine) TagDocFrequencies() (map[string]int, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	freqs := make(map[string]int)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNodeByTag}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()[1:]
			sep := bytes.IndexByte(key, 0x00)
			if sep < 0 {
				continue
			}
			freqs[string(key[:sep])]++
		}
		return nil
	})
	return freqs, err
}

// ----------------------------------------------------------------------------
// Tag IDF cache
// ----------------------------------------------------------------------------

// PutTagIDF replaces the IDF cache with the given rows.
func (b *BadgerEngine) PutTagIDF(rows []TagIDF) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		// Drop the old cache
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixTagIDF}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, bytes.Clone(it.Item().Key()))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for _, row := range rows {
			data, err := encodeTagIDF(row)
			if err != nil {
				return err
			}
			if err := txn.Set(tagIDFKey(row.Tag), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllTagIDF returns every IDF row.
func (b *BadgerEngine) AllTagIDF() ([]TagIDF, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var rows []TagIDF
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixTagIDF}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				row, decodeErr := decodeTagIDF(val)
				if decodeErr != nil {
					return decodeErr
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

// ----------------------------------------------------------------------------
// Documents and chunks
// ----------------------------------------------------------------------------

// PutDocument inserts or replaces a document row.
func (b *BadgerEngine) PutDocument(doc *Document) error {
	if doc == nil {
		return ErrInvalidData
	}
	if doc.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return putDocumentTxn(txn, doc)
	})
}

func putDocumentTxn(txn *badger.Txn, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	return txn.Set(documentKey(doc.ID), data)
}

// GetDocument retrieves a document by id.
func (b *BadgerEngine) GetDocument(id DocumentID) (*Document, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			doc, decodeErr = decodeDocument(val)
			return decodeErr
		})
	})
	return doc, err
}

// DeleteDocument removes a document row and its chunk rows.
func (b *BadgerEngine) DeleteDocument(id DocumentID) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteDocumentTxn(txn, id)
	})
}

func deleteDocumentTxn(txn *badger.Txn, id DocumentID) error {
	if _, err := txn.Get(documentKey(id)); err == badger.ErrKeyNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}

	chunks, err := chunksByDocumentTxn(txn, id)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := txn.Delete(chunkKey(id, chunk.SegmentID)); err != nil {
			return err
		}
		if err := txn.Delete(chunkByNodeKey(chunk.NodeID)); err != nil {
			return err
		}
	}
	return txn.Delete(documentKey(id))
}

// AllDocuments returns every document row.
func (b *BadgerEngine) AllDocuments() ([]*Document, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var docs []*Document
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixDocument}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				doc, decodeErr := decodeDocument(val)
				if decodeErr != nil {
					return decodeErr
				}
				docs = append(docs, doc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return docs, err
}

// PutChunk inserts or replaces a document_chunks row.
func (b *BadgerEngine) PutChunk(chunk *DocumentChunk) error {
	if chunk == nil {
		return ErrInvalidData
	}
	if chunk.DocumentID == "" || chunk.SegmentID == "" || chunk.NodeID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return putChunkTxn(txn, chunk)
	})
}

func putChunkTxn(txn *badger.Txn, chunk *DocumentChunk) error {
	if prev, err := chunkByNodeTxn(txn, chunk.NodeID); err == nil {
		if prev.DocumentID != chunk.DocumentID || prev.SegmentID != chunk.SegmentID {
			return fmt.Errorf("%w: node %s already mapped to segment %s", ErrAlreadyExists, chunk.NodeID, prev.SegmentID)
		}
	} else if err != ErrNotFound {
		return err
	}

	data, err := encodeChunk(chunk)
	if err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	if err := txn.Set(chunkKey(chunk.DocumentID, chunk.SegmentID), data); err != nil {
		return err
	}
	return txn.Set(chunkByNodeKey(chunk.NodeID), data)
}

// ChunksByDocument returns all chunk rows for a document in chunk order.
func (b *BadgerEngine) ChunksByDocument(id DocumentID) ([]*DocumentChunk, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var chunks []*DocumentChunk
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		chunks, err = chunksByDocumentTxn(txn, id)
		return err
	})
	return chunks, err
}

func chunksByDocumentTxn(txn *badger.Txn, id DocumentID) ([]*DocumentChunk, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = chunkPrefix(id)
	it := txn.NewIterator(opts)
	defer it.Close()

	var chunks []*DocumentChunk
	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			chunk, decodeErr := decodeChunk(val)
			if decodeErr != nil {
				return decodeErr
			}
			chunks = append(chunks, chunk)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkOrder < chunks[j].ChunkOrder })
	return chunks, nil
}

// ChunkByNode returns the chunk row for a chunk node.
func (b *BadgerEngine) ChunkByNode(id NodeID) (*DocumentChunk, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var chunk *DocumentChunk
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		chunk, err = chunkByNodeTxn(txn, id)
		return err
	})
	return chunk, err
}

func chunkByNodeTxn(txn *badger.Txn, id NodeID) (*DocumentChunk, error) {
	item, err := txn.Get(chunkByNodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var chunk *DocumentChunk
	err = item.Value(func(val []byte) error {
		var decodeErr error
		chunk, decodeErr = decodeChunk(val)
		return decodeErr
	})
	return chunk, err
}

// ----------------------------------------------------------------------------
// History ledger primitives
// ----------------------------------------------------------------------------

// AppendNodeHistory appends a version row. Version 0 is assigned the next
// version for the node, written back into h.Version.
func (b *BadgerEngine) AppendNodeHistory(h *NodeHistory) error {
	if h == nil {
		return ErrInvalidData
	}
	if h.NodeID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return appendNodeHistoryTxn(txn, h)
	})
}

func appendNodeHistoryTxn(txn *badger.Txn, h *NodeHistory) error {
	if h.Version == 0 {
		last, err := lastHistoryVersionTxn(txn, h.NodeID)
		if err != nil {
			return err
		}
		h.Version = last + 1
	}
	data, err := encodeHistory(h)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return txn.Set(historyKey(h.NodeID, h.Version), data)
}

func lastHistoryVersionTxn(txn *badger.Txn, id NodeID) (int, error) {
	prefix := historyPrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the end of the prefix range, then step back into it
	seek := append(bytes.Clone(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := it.Item().Key()
	return int(binary.BigEndian.Uint64(key[len(key)-8:])), nil
}

// NodeVersions returns all version rows for a node, ascending.
func (b *BadgerEngine) NodeVersions(id NodeID) ([]*NodeHistory, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var rows []*NodeHistory
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				h, decodeErr := decodeHistory(val)
				if decodeErr != nil {
					return decodeErr
				}
				rows = append(rows, h)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

// AppendEdgeEvent appends an event row with the next monotonic sequence
// number, written back into ev.Seq.
func (b *BadgerEngine) AppendEdgeEvent(ev *EdgeEvent) error {
	if ev == nil {
		return ErrInvalidData
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return appendEdgeEventTxn(txn, ev)
	})
}

func appendEdgeEventTxn(txn *badger.Txn, ev *EdgeEvent) error {
	seq, err := nextCounterTxn(txn, "event_seq")
	if err != nil {
		return err
	}
	ev.Seq = seq
	ev.SourceID, ev.TargetID = CanonicalPair(ev.SourceID, ev.TargetID)

	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := txn.Set(eventKey(seq), data); err != nil {
		return err
	}
	return txn.Set(eventPairKey(ev.SourceID, ev.TargetID, seq), nil)
}

func nextCounterTxn(txn *badger.Txn, name string) (uint64, error) {
	key := metaKey(name)
	var current uint64
	item, err := txn.Get(key)
	if err == nil {
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}

	current++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], current)
	if err := txn.Set(key, buf[:]); err != nil {
		return 0, err
	}
	return current, nil
}

// EdgeEvents returns all events for an unordered pair, ascending by seq.
func (b *BadgerEngine) EdgeEvents(a, c NodeID) ([]*EdgeEvent, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var events []*EdgeEvent
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := eventPairPrefix(a, c)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var seqs []uint64
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			seqs = append(seqs, binary.BigEndian.Uint64(key[len(key)-8:]))
		}
		it.Close()

		for _, seq := range seqs {
			item, err := txn.Get(eventKey(seq))
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				ev, decodeErr := decodeEvent(val)
				if decodeErr != nil {
					return decodeErr
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return events, err
}

// MarkEventUndone flags an event as undone.
func (b *BadgerEngine) MarkEventUndone(seq uint64) error {
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return markEventUndoneTxn(txn, seq)
	})
}

func markEventUndoneTxn(txn *badger.Txn, seq uint64) error {
	item, err := txn.Get(eventKey(seq))
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var ev *EdgeEvent
	if err := item.Value(func(val []byte) error {
		var decodeErr error
		ev, decodeErr = decodeEvent(val)
		return decodeErr
	}); err != nil {
		return err
	}

	ev.Undone = true
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return txn.Set(eventKey(seq), data)
}

// ----------------------------------------------------------------------------
// Batch
// ----------------------------------------------------------------------------

// Apply executes a batch in a single Badger transaction. Either every op
// commits or none does.
func (b *BadgerEngine) Apply(batch *Batch) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.ops {
			if err := b.applyOpTxn(txn, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerEngine) applyOpTxn(txn *badger.Txn, op batchOp) error {
	switch op.kind {
	case opPutNode:
		if op.node == nil || op.node.ID == "" {
			return ErrInvalidData
		}
		if _, err := getNodeTxn(txn, op.node.ID); err == nil {
			return b.updateNodeTxn(txn, op.node)
		} else if err != ErrNotFound {
			return err
		}
		return b.createNodeTxn(txn, op.node)

	case opDeleteNode:
		return b.deleteNodeTxn(txn, op.nodeID)

	case opUpsertEdge:
		if err := validateEdge(op.edge); err != nil {
			return err
		}
		if existing, err := edgeBetweenTxn(txn, op.edge.SourceID, op.edge.TargetID); err == nil {
			updated := op.edge.Clone()
			updated.ID = existing.ID
			updated.CreatedAt = existing.CreatedAt
			return b.updateEdgeTxn(txn, updated)
		} else if err != ErrNotFound {
			return err
		}
		return b.createEdgeTxn(txn, op.edge)

	case opDeleteEdge:
		return b.deleteEdgeTxn(txn, op.edgeID)

	case opReplaceTags:
		return replaceNodeTagsTxn(txn, op.nodeID, op.tags)

	case opPutDocument:
		if op.document == nil || op.document.ID == "" {
			return ErrInvalidData
		}
		return putDocumentTxn(txn, op.document)

	case opDeleteDocument:
		return deleteDocumentTxn(txn, op.docID)

	case opPutChunk:
		if op.chunk == nil {
			return ErrInvalidData
		}
		return putChunkTxn(txn, op.chunk)

	case opAppendNodeHistory:
		if op.history == nil {
			return ErrInvalidData
		}
		return appendNodeHistoryTxn(txn, op.history)

	case opAppendEdgeEvent:
		if op.event == nil {
			return ErrInvalidData
		}
		return appendEdgeEventTxn(txn, op.event)

	case opMarkEventUndone:
		return markEventUndoneTxn(txn, op.seq)
	}
	return fmt.Errorf("%w: unknown batch op", ErrInvalidData)
}

// RecomputeDegrees counts edges per node and rewrites AcceptedDegree.
func (b *BadgerEngine) RecomputeDegrees() error {
	if err := b.guard(); err != nil {
		return err
	}

	nodes, err := b.AllNodes()
	if err != nil {
		return err
	}
	edges, err := b.AllEdges()
	if err != nil {
		return err
	}

	degrees := make(map[NodeID]int, len(nodes))
	for _, edge := range edges {
		degrees[edge.SourceID]++
		degrees[edge.TargetID]++
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, node := range nodes {
			node.AcceptedDegree = degrees[node.ID]
			if err := putNodeRawTxn(txn, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying BadgerDB. Further operations return
// ErrStorageClosed.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
