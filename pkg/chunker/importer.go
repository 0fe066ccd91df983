package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ettio/forest/pkg/embed"
	"github.com/ettio/forest/pkg/linker"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
	"github.com/ettio/forest/pkg/token"
)

// embedConcurrency bounds parallel embedding calls during import.
const embedConcurrency = 4

// Importer turns a long document into chunk nodes, a canonical document
// record, and the edges that hold the subgraph together. The whole import
// commits in one storage batch: a failure leaves nothing behind.
type Importer struct {
	engine   storage.Engine
	embedder embed.Embedder
	linker   *linker.Linker
	idf      *tagidf.Service
}

// NewImporter wires an importer. embedder may be nil (no semantic channel).
func NewImporter(engine storage.Engine, embedder embed.Embedder, lk *linker.Linker, idf *tagidf.Service) *Importer {
	return &Importer{engine: engine, embedder: embedder, linker: lk, idf: idf}
}

// Result reports what an import created.
type Result struct {
	Document      *storage.Document
	RootNode      *storage.Node
	Chunks        []*storage.Node
	SemanticEdges int
	Warnings      []string
}

// Import runs the full document pipeline: title extraction, chunking,
// chunk node creation (with embeddings when available), structural edges,
// optional semantic linking, and the canonical document row.
func (imp *Importer) Import(ctx context.Context, body, title string, tags []string, opts Options) (*Result, error) {
	opts = opts.normalized()
	docTitle := ExtractTitle(body, title)
	chunks := Split(body, opts)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document body is empty", storage.ErrInvalidData)
	}

	now := time.Now().UTC()
	docID := storage.NewDocumentID()
	docTags := storage.NormalizeTags(tags)
	result := &Result{}

	// Build chunk nodes, embedding in parallel with bounded concurrency.
	nodes := make([]*storage.Node, len(chunks))
	for i, chunk := range chunks {
		nodeTitle := chunk.Title
		if nodeTitle == "" {
			nodeTitle = fmt.Sprintf("%s (chunk %d)", docTitle, i+1)
		}
		nodes[i] = &storage.Node{
			ID:               storage.NewNodeID(),
			Title:            nodeTitle,
			Body:             chunk.Body,
			Tags:             docTags,
			TokenCounts:      token.Tokenize(chunk.Body),
			CreatedAt:        now,
			UpdatedAt:        now,
			IsChunk:          true,
			ParentDocumentID: docID,
			ChunkOrder:       i,
			Metadata:         &storage.NodeMetadata{Origin: "import"},
		}
	}
	result.Warnings = append(result.Warnings, imp.embedAll(ctx, nodes)...)

	// Snapshot peers before the import for the linking pass.
	var peers []*storage.Node
	if opts.AutoLink {
		existing, err := imp.engine.AllNodes()
		if err != nil {
			return nil, err
		}
		peers = existing
	}

	batch := storage.NewBatch()
	for _, node := range nodes {
		batch.PutNode(node)
		batch.ReplaceTags(node.ID, node.Tags)
		batch.AppendNodeHistory(&storage.NodeHistory{
			NodeID:      node.ID,
			Operation:   storage.HistoryOpCreate,
			Title:       node.Title,
			Body:        node.Body,
			Tags:        node.Tags,
			TokenCounts: node.TokenCounts,
			Metadata:    node.Metadata,
			CreatedAt:   now,
		})
	}

	// Structural edges: parent-child from the root, sequential between
	// adjacent chunks. The linker never displaces these.
	structural := make(map[storage.NodeID][]*storage.Edge)
	var root *storage.Node
	if opts.CreateParent {
		root = &storage.Node{
			ID:          storage.NewNodeID(),
			Title:       docTitle,
			Body:        body,
			Tags:        docTags,
			TokenCounts: token.Tokenize(body),
			CreatedAt:   now,
			UpdatedAt:   now,
			Metadata:    &storage.NodeMetadata{Origin: "import"},
		}
		result.Warnings = append(result.Warnings, imp.embedAll(ctx, []*storage.Node{root})...)
		batch.PutNode(root)
		batch.ReplaceTags(root.ID, root.Tags)
		batch.AppendNodeHistory(&storage.NodeHistory{
			NodeID:    root.ID,
			Operation: storage.HistoryOpCreate,
			Title:     root.Title,
			Body:      root.Body,
			Tags:      root.Tags,
			CreatedAt: now,
		})

		for _, node := range nodes {
			edge := storage.NewEdge(root.ID, node.ID, storage.EdgeTypeParentChild)
			edge.Score = 1.0
			edge.CreatedAt = now
			edge.UpdatedAt = now
			edge.Metadata = map[string]any{"relationship": "parent-child", "documentId": string(docID)}
			batch.UpsertEdge(edge)
			appendAcceptEvent(batch, edge, now)
			structural[node.ID] = append(structural[node.ID], edge)
			structural[root.ID] = append(structural[root.ID], edge)
		}
	}

	if opts.LinkSequential {
		for i := 0; i+1 < len(nodes); i++ {
			edge := storage.NewEdge(nodes[i].ID, nodes[i+1].ID, storage.EdgeTypeSequential)
			edge.Score = 1.0
			edge.CreatedAt = now
			edge.UpdatedAt = now
			edge.Metadata = map[string]any{"relationship": "sequential", "documentId": string(docID)}
			batch.UpsertEdge(edge)
			appendAcceptEvent(batch, edge, now)
			structural[nodes[i].ID] = append(structural[nodes[i].ID], edge)
			structural[nodes[i+1].ID] = append(structural[nodes[i+1].ID], edge)
		}
	}

	// Semantic linking per chunk against the pre-import snapshot plus the
	// other new nodes. Pairs already planned are deduplicated.
	if opts.AutoLink && imp.linker != nil {
		idfCtx, err := imp.idf.Context()
		if err != nil {
			return nil, err
		}

		allNew := append(append([]*storage.Node{}, nodes...), rootOrNil(root)...)
		seenPairs := make(map[string]struct{})
		for _, node := range nodes {
			candidates := append(append([]*storage.Node{}, peers...), allNew...)
			plan := imp.linker.Plan(node, candidates, structural[node.ID], idfCtx, now)
			for _, edge := range plan.Upserts {
				key := string(edge.SourceID) + "|" + string(edge.TargetID)
				if _, dup := seenPairs[key]; dup {
					continue
				}
				seenPairs[key] = struct{}{}
				batch.UpsertEdge(edge)
				appendAcceptEvent(batch, edge, now)
				result.SemanticEdges++
			}
		}
	}

	// Canonical document row and chunk mappings.
	doc := buildDocument(docID, docTitle, chunks, opts, now)
	if root != nil {
		doc.RootNodeID = root.ID
	}
	batch.PutDocument(doc)

	offset := 0
	for i, chunk := range chunks {
		sum := sha256.Sum256([]byte(chunk.Body))
		batch.PutChunk(&storage.DocumentChunk{
			DocumentID: docID,
			SegmentID:  fmt.Sprintf("seg-%04d", i),
			NodeID:     nodes[i].ID,
			Offset:     offset,
			Length:     len(chunk.Body),
			ChunkOrder: i,
			Checksum:   hex.EncodeToString(sum[:]),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		offset += len(chunk.Body) + 2 // "\n\n" separator
	}

	if err := imp.engine.Apply(batch); err != nil {
		return nil, err
	}

	result.Document = doc
	result.RootNode = root
	result.Chunks = nodes
	return result, nil
}

// embedAll fills node embeddings in parallel. Failures leave the node
// without a vector, marked approximate-scored, and produce a warning; the
// import itself never fails on embedding errors.
func (imp *Importer) embedAll(ctx context.Context, nodes []*storage.Node) []string {
	if imp.embedder == nil {
		for _, node := range nodes {
			node.ApproximateScored = true
		}
		return nil
	}

	warnings := make([]string, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, node := range nodes {
		g.Go(func() error {
			vec, err := imp.embedder.Embed(gctx, node.Body)
			if err != nil {
				warnings[i] = fmt.Sprintf("embedding unavailable for %q, linked on tags only", node.Title)
				node.ApproximateScored = true
				return nil
			}
			node.Embedding = vec
			node.ApproximateScored = len(vec) == 0
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	var out []string
	for _, w := range warnings {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func buildDocument(docID storage.DocumentID, title string, chunks []Chunk, opts Options, now time.Time) *storage.Document {
	bodies := make([]string, len(chunks))
	for i, chunk := range chunks {
		bodies[i] = chunk.Body
	}

	return &storage.Document{
		ID:      docID,
		Title:   title,
		Body:    joinBodies(bodies),
		Version: 1,
		Metadata: map[string]any{
			"importStrategy": string(opts.Strategy),
			"chunkCount":     len(chunks),
			"importedAt":     now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func joinBodies(bodies []string) string {
	return strings.Join(bodies, "\n\n")
}

func appendAcceptEvent(batch *storage.Batch, edge *storage.Edge, now time.Time) {
	batch.AppendEdgeEvent(&storage.EdgeEvent{
		EdgeID:     edge.ID,
		SourceID:   edge.SourceID,
		TargetID:   edge.TargetID,
		NextStatus: string(storage.StatusAccepted),
		Payload:    map[string]any{"edge": edge},
		CreatedAt:  now,
	})
}

func rootOrNil(root *storage.Node) []*storage.Node {
	if root == nil {
		return nil
	}
	return []*storage.Node{root}
}
