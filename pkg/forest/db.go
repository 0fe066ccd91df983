// Package forest provides the main API for embedded Forest usage.
//
// Forest is a local-first, graph-native knowledge base: short notes and
// document chunks are nodes, and undirected edges encode compatibility
// between pairs of notes along two independent channels: a semantic
// channel over embedding cosine similarity and a tag channel over
// IDF-weighted Jaccard. The graph is both the retrieval substrate and the
// durable store.
//
// Key Features:
//   - Capture with automatic dual-channel linking
//   - Document import: chunking, parent/sequential edges, auto-linking
//   - Semantic and metadata search, neighborhood and path queries
//   - Per-node version history with restore, and single-step edge undo
//   - Pluggable embedding providers with graceful tag-only degradation
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Embedding.Provider = "mock" // offline, deterministic
//
//	db, err := forest.Open("./forest.db", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	captured, err := db.Capture(ctx, "Cosine similarity drives the semantic channel #forest #docs", "", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("captured %s with %d edges\n", captured.Node.ID, len(captured.EdgesAdded))
//
//	results, _ := db.Search(ctx, "how does linking work", 10, 0)
//	for _, hit := range results.Results {
//		fmt.Printf("%.3f  %s\n", hit.Score, hit.Node.Title)
//	}
//
// Concurrency:
//
// The core is single-writer: every mutating entry point serializes through
// one writer lock, and a whole capture (node insert, tag sync, scoring
// pass, edge writes, degree updates) commits atomically. Readers run
// against consistent snapshots and never block the writer.
//
// ELI12:
//
// Think of Forest as a box of index cards that wires itself. Every time you
// drop a card in, the box reads it, compares it with every other card, and
// ties strings between cards that belong together. Some strings appear
// because two cards talk about the same thing (the meaning channel), some
// because you put the same rare sticker on both (the tag channel). Ask the
// box a question and it follows the strings to pull out the right bundle
// of cards.
package forest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ettio/forest/pkg/chunker"
	"github.com/ettio/forest/pkg/config"
	"github.com/ettio/forest/pkg/embed"
	"github.com/ettio/forest/pkg/graphquery"
	"github.com/ettio/forest/pkg/history"
	"github.com/ettio/forest/pkg/linker"
	"github.com/ettio/forest/pkg/scoring"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
	"github.com/ettio/forest/pkg/token"
)

// Errors returned by DB operations.
var (
	ErrNotFound             = storage.ErrNotFound
	ErrAmbiguousRef         = errors.New("ambiguous reference")
	ErrConflict             = storage.ErrAlreadyExists
	ErrInvalidInput         = errors.New("invalid input")
	ErrClosed               = errors.New("database is closed")
	ErrEmbeddingUnavailable = embed.ErrUnavailable
)

// lexicalTagLimit caps auto-derived tags when a note has no explicit ones.
const lexicalTagLimit = 5

// DB is a Forest database instance.
//
// All methods are safe for concurrent use. Mutations serialize through a
// single writer; reads run on snapshots.
type DB struct {
	config *config.Config

	writeMu sync.Mutex // single-writer serialization
	stateMu sync.RWMutex
	closed  bool

	engine   storage.Engine
	embedder embed.Embedder
	tagger   *token.Tagger
	idf      *tagidf.Service
	linker   *linker.Linker
	importer *chunker.Importer
	query    *graphquery.Service
	ledger   *history.Ledger
	refs     *refIndex
}

// Open opens or creates a Forest database.
//
// An empty path selects in-memory storage (nothing persists); otherwise the
// database lives in the given directory, created as needed. A nil config
// uses config.Default().
//
// On open, idempotent migrations run (legacy status rewrite, degree
// backfill, document backfill from orphan chunks), the tag IDF cache is
// rebuilt, and the reference index is built.
func Open(path string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var engine storage.Engine
	if path == "" {
		engine = storage.NewMemoryEngine()
		fmt.Println("⚠️  Using in-memory storage (data will not persist)")
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		badgerEngine, err := storage.NewBadgerEngine(path)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		engine = badgerEngine
		fmt.Printf("📂 Using persistent storage at %s\n", path)
	}

	embedder, err := embed.NewEmbedder(embed.Config{
		Provider: cfg.Embedding.Provider,
		APIURL:   cfg.Embedding.APIURL,
		APIKey:   cfg.Embedding.APIKey(),
		Model:    cfg.Embedding.Model,
		Command:  cfg.Embedding.Command,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	if err := storage.Migrate(engine); err != nil {
		engine.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	db := &DB{
		config:   cfg,
		engine:   engine,
		embedder: embedder,
		tagger:   token.NewTagger(nil),
		idf:      tagidf.New(engine),
		ledger:   history.New(engine),
		query:    graphquery.New(engine, embedder),
	}
	db.linker = linker.New(scoring.Thresholds{
		Semantic:     cfg.Linking.SemanticThreshold,
		Tag:          cfg.Linking.TagThreshold,
		ProjectFloor: cfg.Linking.ProjectEdgeFloor,
		ProjectLimit: cfg.Linking.ProjectEdgeLimit,
	})
	db.importer = chunker.NewImporter(engine, embedder, db.linker, db.idf)

	if err := db.idf.Rebuild(); err != nil {
		engine.Close()
		return nil, fmt.Errorf("rebuilding tag idf: %w", err)
	}

	nodes, err := engine.AllNodes()
	if err != nil {
		engine.Close()
		return nil, err
	}
	db.refs = newRefIndex(nodes)

	return db, nil
}

// Close releases the database. Further calls return ErrClosed.
func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.stateMu.Lock()
	defer db.stateMu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	if closer, ok := db.embedder.(interface{ Close() error }); ok {
		closer.Close()
	}
	return db.engine.Close()
}

func (db *DB) guard() error {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// SetTagDelegate installs an external LLM-backed tagger. Lexical extraction
// remains the fallback on any delegate failure.
func (db *DB) SetTagDelegate(delegate token.Delegate) {
	db.tagger = token.NewTagger(delegate)
}

// ----------------------------------------------------------------------------
// Capture
// ----------------------------------------------------------------------------

// CaptureResult is the synchronous outcome record of a capture or update.
type CaptureResult struct {
	Node         *storage.Node
	EdgesAdded   []*storage.Edge
	EdgesRemoved []storage.EdgeID
	Warnings     []string
}

// Capture stores a new note and links it against the whole graph.
//
// Tag derivation: explicit hashtags in the body (authoritative when
// present) unioned with the provided tags; with neither, lexical tags are
// derived from token counts.
//
// Embedding failures are recoverable: the note commits without a vector,
// marked approximate-scored, with a warning in the result; linking then
// runs on the tag channel alone. A cancellation during the linking pass
// rolls the whole capture back.
func (db *DB) Capture(ctx context.Context, body, title string, tags []string) (*CaptureResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	now := time.Now().UTC()
	counts := token.Tokenize(body)

	nodeTags := token.ExtractExplicitTags(body)
	nodeTags = append(nodeTags, tags...)
	if len(storage.NormalizeTags(nodeTags)) == 0 {
		nodeTags = db.tagger.ExtractTags(ctx, body, title, counts, lexicalTagLimit)
	}

	node := &storage.Node{
		ID:          storage.NewNodeID(),
		Title:       title,
		Body:        body,
		Tags:        storage.NormalizeTags(nodeTags),
		TokenCounts: counts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    &storage.NodeMetadata{Origin: "capture"},
	}

	result := &CaptureResult{Node: node}
	db.embedInto(ctx, node, result)

	plan, err := db.planLinks(node, nil)
	if err != nil {
		return nil, err
	}
	// A timeout during linking rolls the whole capture back.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	batch := storage.NewBatch()
	batch.PutNode(node)
	batch.ReplaceTags(node.ID, node.Tags)
	batch.AppendNodeHistory(history.Snapshot(node, storage.HistoryOpCreate, 0, now))
	db.applyPlan(batch, plan, now, result)

	if err := db.engine.Apply(batch); err != nil {
		return nil, err
	}

	db.refs.upsert(node.ID, node.UpdatedAt)
	db.rebuildIDF()
	return result, nil
}

// embedInto fills the node's embedding, degrading to tag-only on failure.
func (db *DB) embedInto(ctx context.Context, node *storage.Node, result *CaptureResult) {
	vec, err := db.embedder.Embed(ctx, node.Body)
	if err != nil {
		node.ApproximateScored = true
		result.Warnings = append(result.Warnings, "embedding unavailable, linked on tags only")
		return
	}
	node.Embedding = vec
	node.ApproximateScored = len(vec) == 0
}

// planLinks runs the linker for a node against the current peer snapshot.
func (db *DB) planLinks(node *storage.Node, incident []*storage.Edge) (*linker.Plan, error) {
	peers, err := db.engine.AllNodes()
	if err != nil {
		return nil, err
	}
	idfCtx, err := db.idf.Context()
	if err != nil {
		return nil, err
	}
	return db.linker.Plan(node, peers, incident, idfCtx, time.Now().UTC()), nil
}

// applyPlan queues a link plan with its edge events and fills the outcome
// record.
func (db *DB) applyPlan(batch *storage.Batch, plan *linker.Plan, now time.Time, result *CaptureResult) {
	for _, edge := range plan.Upserts {
		batch.UpsertEdge(edge)
		batch.AppendEdgeEvent(history.AcceptEvent(edge, "", now))
		result.EdgesAdded = append(result.EdgesAdded, edge)
	}
	for _, edge := range plan.Deletes {
		batch.DeleteEdge(edge.ID)
		batch.AppendEdgeEvent(history.DeleteEvent(edge, now))
		result.EdgesRemoved = append(result.EdgesRemoved, edge.ID)
	}
}

// rebuildIDF refreshes the tag IDF cache after a mutation. Failure is
// tolerable: scoring accepts stale IDF until the next rebuild.
func (db *DB) rebuildIDF() {
	if err := db.idf.Rebuild(); err != nil {
		log.Printf("tag idf rebuild failed: %v", err)
	}
}

// ----------------------------------------------------------------------------
// Update / delete
// ----------------------------------------------------------------------------

// UpdateInput selects the fields to change. Nil fields keep their value.
type UpdateInput struct {
	Title *string
	Body  *string
	Tags  []string // nil keeps tags; empty slice re-derives them
}

// Update edits a node's content, recomputes tokens (and the embedding when
// the body changed), appends an update version, and relinks.
func (db *DB) Update(ctx context.Context, id storage.NodeID, input UpdateInput) (*CaptureResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	node, err := db.engine.GetNode(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bodyChanged := false
	if input.Title != nil {
		node.Title = *input.Title
	}
	if input.Body != nil && *input.Body != node.Body {
		node.Body = *input.Body
		node.TokenCounts = token.Tokenize(node.Body)
		bodyChanged = true
	}
	if input.Tags != nil {
		if len(input.Tags) == 0 {
			derived := token.ExtractExplicitTags(node.Body)
			if len(derived) == 0 {
				derived = db.tagger.ExtractTags(ctx, node.Body, node.Title, node.TokenCounts, lexicalTagLimit)
			}
			node.Tags = storage.NormalizeTags(derived)
		} else {
			node.Tags = storage.NormalizeTags(input.Tags)
		}
	}
	node.UpdatedAt = now

	result := &CaptureResult{Node: node}
	if bodyChanged {
		db.embedInto(ctx, node, result)
	}

	incident, err := db.engine.EdgesTouching(id)
	if err != nil {
		return nil, err
	}
	plan, err := db.planLinks(node, incident)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	batch := storage.NewBatch()
	batch.PutNode(node)
	batch.ReplaceTags(node.ID, node.Tags)
	batch.AppendNodeHistory(history.Snapshot(node, storage.HistoryOpUpdate, 0, now))
	db.applyPlan(batch, plan, now, result)

	if err := db.engine.Apply(batch); err != nil {
		return nil, err
	}

	db.refs.upsert(node.ID, now)
	db.rebuildIDF()
	return result, nil
}

// Delete removes a node. Incident edges cascade (with delete events),
// neighbors' degrees adjust, tag and chunk rows disappear; the node's
// version history is retained.
//
// Deleting a document's root node deletes the whole document: every chunk
// node, their edges, the chunk rows, and the document record.
func (db *DB) Delete(ctx context.Context, id storage.NodeID) error {
	if err := db.guard(); err != nil {
		return err
	}

	if docID, ok := db.rootDocument(id); ok {
		return db.DeleteDocument(ctx, docID)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.engine.GetNode(id); err != nil {
		return err
	}
	incident, err := db.engine.EdgesTouching(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch := storage.NewBatch()
	for _, edge := range incident {
		batch.AppendEdgeEvent(history.DeleteEvent(edge, now))
	}
	batch.DeleteNode(id)

	if err := db.engine.Apply(batch); err != nil {
		return err
	}

	db.refs.remove(id)
	db.rebuildIDF()
	return nil
}

// rootDocument reports whether a node is the root of a document.
func (db *DB) rootDocument(id storage.NodeID) (storage.DocumentID, bool) {
	docs, err := db.engine.AllDocuments()
	if err != nil {
		return "", false
	}
	for _, doc := range docs {
		if doc.RootNodeID == id {
			return doc.ID, true
		}
	}
	return "", false
}

// ----------------------------------------------------------------------------
// Explicit link
// ----------------------------------------------------------------------------

// Link explicitly ties two notes together by adding a synthetic
// "link/<name>" tag to both and relinking them. The bridge tag is rare by
// construction, so the pair gains a strong tag edge. An empty name is
// auto-generated. Linking a node to itself is a conflict.
func (db *DB) Link(ctx context.Context, a, b storage.NodeID, name string) (*CaptureResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if a == b {
		return nil, fmt.Errorf("%w: cannot link a node to itself", ErrConflict)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	nodeA, err := db.engine.GetNode(a)
	if err != nil {
		return nil, err
	}
	nodeB, err := db.engine.GetNode(b)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = string(storage.NewNodeID())[:8]
	}
	bridgeTag := scoring.BridgePrefix + name
	now := time.Now().UTC()

	result := &CaptureResult{Node: nodeA}
	batch := storage.NewBatch()
	changedA := addTag(nodeA, bridgeTag)
	changedB := addTag(nodeB, bridgeTag)

	for _, pair := range []struct {
		node    *storage.Node
		changed bool
	}{{nodeA, changedA}, {nodeB, changedB}} {
		if !pair.changed {
			continue
		}
		pair.node.UpdatedAt = now
		batch.PutNode(pair.node)
		batch.ReplaceTags(pair.node.ID, pair.node.Tags)
		batch.AppendNodeHistory(history.Snapshot(pair.node, storage.HistoryOpUpdate, 0, now))
	}

	if changedA || changedB {
		if err := db.engine.Apply(batch); err != nil {
			return nil, err
		}
		db.rebuildIDF()
	}

	// Relink both endpoints against the updated tag sets.
	for _, node := range []*storage.Node{nodeA, nodeB} {
		incident, err := db.engine.EdgesTouching(node.ID)
		if err != nil {
			return nil, err
		}
		plan, err := db.planLinks(node, incident)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		linkBatch := storage.NewBatch()
		db.applyPlan(linkBatch, plan, now, result)
		if err := db.engine.Apply(linkBatch); err != nil {
			return nil, err
		}
	}

	db.refs.upsert(nodeA.ID, now)
	db.refs.upsert(nodeB.ID, now)
	return result, nil
}

func addTag(node *storage.Node, tag string) bool {
	if node.HasTag(tag) {
		return false
	}
	node.Tags = storage.NormalizeTags(append(node.Tags, tag))
	return true
}

// ----------------------------------------------------------------------------
// Documents
// ----------------------------------------------------------------------------

// Import ingests a long document: chunking, chunk nodes, structural edges,
// optional auto-linking, and the canonical document row, all in one
// transaction.
func (db *DB) Import(ctx context.Context, body, title string, tags []string, opts chunker.Options) (*chunker.Result, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	result, err := db.importer.Import(ctx, body, title, tags, opts)
	if err != nil {
		return nil, err
	}

	for _, node := range result.Chunks {
		db.refs.upsert(node.ID, node.UpdatedAt)
	}
	if result.RootNode != nil {
		db.refs.upsert(result.RootNode.ID, result.RootNode.UpdatedAt)
	}
	db.rebuildIDF()
	return result, nil
}

// GetDocument returns a document row.
func (db *DB) GetDocument(id storage.DocumentID) (*storage.Document, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.engine.GetDocument(id)
}

// DeleteDocument removes a document with its root node and every chunk
// node, cascading to their edges and mapping rows.
func (db *DB) DeleteDocument(ctx context.Context, id storage.DocumentID) error {
	if err := db.guard(); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	doc, err := db.engine.GetDocument(id)
	if err != nil {
		return err
	}
	chunks, err := db.engine.ChunksByDocument(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch := storage.NewBatch()
	removed := make([]storage.NodeID, 0, len(chunks)+1)

	logEdgeDeletes := func(nodeID storage.NodeID) error {
		incident, err := db.engine.EdgesTouching(nodeID)
		if err != nil {
			return err
		}
		for _, edge := range incident {
			// Edges between two removed nodes are logged once, from
			// the first endpoint encountered.
			if edge.Touches(nodeID) && !containsID(removed, edge.Other(nodeID)) {
				batch.AppendEdgeEvent(history.DeleteEvent(edge, now))
			}
		}
		return nil
	}

	for _, chunk := range chunks {
		if err := logEdgeDeletes(chunk.NodeID); err != nil {
			return err
		}
		removed = append(removed, chunk.NodeID)
		batch.DeleteNode(chunk.NodeID)
	}
	if doc.RootNodeID != "" {
		if err := logEdgeDeletes(doc.RootNodeID); err != nil {
			return err
		}
		removed = append(removed, doc.RootNodeID)
		batch.DeleteNode(doc.RootNodeID)
	}
	batch.DeleteDocument(id)

	if err := db.engine.Apply(batch); err != nil {
		return err
	}

	for _, nodeID := range removed {
		db.refs.remove(nodeID)
	}
	db.rebuildIDF()
	return nil
}

func containsID(ids []storage.NodeID, id storage.NodeID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// History
// ----------------------------------------------------------------------------

// Versions returns a node's full version log.
func (db *DB) Versions(id storage.NodeID) ([]*storage.NodeHistory, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.ledger.Versions(id)
}

// Restore rewrites a node's content to a prior version and appends a new
// restore version referencing it. The node is relinked afterwards.
func (db *DB) Restore(ctx context.Context, id storage.NodeID, version int) (*CaptureResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	node, err := db.engine.GetNode(id)
	if err != nil {
		return nil, err
	}
	target, err := db.ledger.Version(id, version)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	node.Title = target.Title
	node.Body = target.Body
	node.Tags = append([]string(nil), target.Tags...)
	node.TokenCounts = target.TokenCounts
	node.Metadata = target.Metadata
	node.UpdatedAt = now

	result := &CaptureResult{Node: node}
	db.embedInto(ctx, node, result)

	incident, err := db.engine.EdgesTouching(id)
	if err != nil {
		return nil, err
	}
	plan, err := db.planLinks(node, incident)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	batch := storage.NewBatch()
	batch.PutNode(node)
	batch.ReplaceTags(node.ID, node.Tags)
	batch.AppendNodeHistory(history.Snapshot(node, storage.HistoryOpRestore, version, now))
	db.applyPlan(batch, plan, now, result)

	if err := db.engine.Apply(batch); err != nil {
		return nil, err
	}

	db.refs.upsert(node.ID, now)
	db.rebuildIDF()
	return result, nil
}

// UndoLast reverses the most recent edge transition for a pair.
func (db *DB) UndoLast(ctx context.Context, a, b storage.NodeID) (*history.Undo, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.ledger.UndoLast(a, b, time.Now().UTC())
}

// ----------------------------------------------------------------------------
// Admin
// ----------------------------------------------------------------------------

// RescoreResult summarizes an admin rescore pass.
type RescoreResult struct {
	Rescored int
	Deleted  int
}

// Rescore re-runs classification over every accepted semantic edge against
// the current thresholds and IDF snapshot. Edges that no longer classify
// as accepted are deleted (degrees adjust); survivors get fresh scores.
// Node history is untouched.
func (db *DB) Rescore(ctx context.Context) (*RescoreResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	edges, err := db.engine.AllEdges()
	if err != nil {
		return nil, err
	}
	idfCtx, err := db.idf.Context()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	thresholds := db.linker.Thresholds()
	result := &RescoreResult{}
	batch := storage.NewBatch()

	for _, edge := range edges {
		if edge.EdgeType != storage.EdgeTypeSemantic {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		src, err := db.engine.GetNode(edge.SourceID)
		if err != nil {
			continue
		}
		tgt, err := db.engine.GetNode(edge.TargetID)
		if err != nil {
			continue
		}

		score := scoring.ScorePair(src, tgt, idfCtx, thresholds)
		if !score.Decision.Accepted {
			batch.DeleteEdge(edge.ID)
			batch.AppendEdgeEvent(history.DeleteEvent(edge, now))
			result.Deleted++
			continue
		}

		updated := edge.Clone()
		updated.Score = score.Fused
		updated.SemanticScore = score.Semantic
		updated.TagScore = score.TagScorePtr()
		updated.SharedTags = score.SharedTags()
		updated.UpdatedAt = now
		batch.UpsertEdge(updated)
		result.Rescored++
	}

	if err := db.engine.Apply(batch); err != nil {
		return nil, err
	}
	return result, nil
}

// RecomputeEmbeddings re-embeds every approximate-scored node and relinks
// it. The flag clears only after the full pass succeeded for that node.
// Returns the number of nodes recovered.
func (db *DB) RecomputeEmbeddings(ctx context.Context) (int, error) {
	if err := db.guard(); err != nil {
		return 0, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	nodes, err := db.engine.AllNodes()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, node := range nodes {
		if !node.ApproximateScored {
			continue
		}
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		vec, err := db.embedder.Embed(ctx, node.Body)
		if err != nil || len(vec) == 0 {
			continue // still approximate
		}
		node.Embedding = vec
		node.ApproximateScored = false
		now := time.Now().UTC()
		node.UpdatedAt = now

		incident, err := db.engine.EdgesTouching(node.ID)
		if err != nil {
			return recovered, err
		}
		plan, err := db.planLinks(node, incident)
		if err != nil {
			return recovered, err
		}

		batch := storage.NewBatch()
		batch.PutNode(node)
		db.applyPlan(batch, plan, now, &CaptureResult{})
		if err := db.engine.Apply(batch); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// ----------------------------------------------------------------------------
// Queries
// ----------------------------------------------------------------------------

// GetNode returns a node by id.
func (db *DB) GetNode(id storage.NodeID) (*storage.Node, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.engine.GetNode(id)
}

// Search runs semantic top-k with document deduplication.
func (db *DB) Search(ctx context.Context, query string, limit, offset int) (*graphquery.SemanticResponse, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.query.SemanticSearch(ctx, query, limit, offset)
}

// Find runs metadata search.
func (db *DB) Find(ctx context.Context, filters graphquery.Filters) ([]*storage.Node, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.query.MetadataSearch(ctx, filters)
}

// Neighborhood expands BFS around a center node.
func (db *DB) Neighborhood(ctx context.Context, center storage.NodeID, depth, limit int) (*graphquery.Neighborhood, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.query.Neighborhood(ctx, center, depth, limit)
}

// ShortestPath finds the hop-minimal path between two nodes.
func (db *DB) ShortestPath(ctx context.Context, a, b storage.NodeID) (*graphquery.Path, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.query.ShortestPath(ctx, a, b)
}

// ContextBundle partitions a tag or term match set into hubs, bridges, and
// periphery under a token budget.
func (db *DB) ContextBundle(ctx context.Context, tag, term string, budgetTokens int) (*graphquery.Bundle, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.query.ContextBundle(ctx, tag, term, budgetTokens)
}

// EdgesTouching lists a node's edges.
func (db *DB) EdgesTouching(id storage.NodeID) ([]*storage.Edge, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.engine.EdgesTouching(id)
}

// Stats summarizes the store.
type Stats struct {
	Nodes             int64
	Edges             int64
	Documents         int
	Tags              int
	ApproximateScored int
}

// GetStats counts the store's contents.
func (db *DB) GetStats() (*Stats, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	var err error
	if stats.Nodes, err = db.engine.NodeCount(); err != nil {
		return nil, err
	}
	if stats.Edges, err = db.engine.EdgeCount(); err != nil {
		return nil, err
	}
	docs, err := db.engine.AllDocuments()
	if err != nil {
		return nil, err
	}
	stats.Documents = len(docs)
	freqs, err := db.engine.TagDocFrequencies()
	if err != nil {
		return nil, err
	}
	stats.Tags = len(freqs)

	nodes, err := db.engine.AllNodes()
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.ApproximateScored {
			stats.ApproximateScored++
		}
	}
	return stats, nil
}
