package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"strings"
	"time"
)

// Migrate brings a freshly opened store up to the current schema. It is
// idempotent and safe to run on every open:
//
//   - edges with status "suggested" are rewritten to "accepted"
//   - edges with an empty type get "semantic"
//   - nodes missing a node_tags sync get their rows rebuilt
//   - AcceptedDegree is backfilled with a one-shot count
//   - distinct parentDocumentId values referenced by chunk nodes but lacking
//     a Document row are reconstructed from the chunks in order
func Migrate(engine Engine) error {
	if err := migrateEdges(engine); err != nil {
		return err
	}
	if err := migrateNodeTags(engine); err != nil {
		return err
	}
	if err := engine.RecomputeDegrees(); err != nil {
		return err
	}
	return BackfillDocuments(engine)
}

func migrateEdges(engine Engine) error {
	edges, err := engine.AllEdges()
	if err != nil {
		return err
	}

	rewritten := 0
	for _, edge := range edges {
		changed := false
		if edge.Status == StatusSuggested || edge.Status == "" {
			edge.Status = StatusAccepted
			changed = true
		}
		if edge.EdgeType == "" {
			edge.EdgeType = EdgeTypeSemantic
			changed = true
		}
		if edge.SharedTags == nil {
			edge.SharedTags = []string{}
			changed = true
		}
		if changed {
			if err := engine.UpdateEdge(edge); err != nil {
				return err
			}
			rewritten++
		}
	}
	if rewritten > 0 {
		log.Printf("migrate: rewrote %d legacy edge rows", rewritten)
	}
	return nil
}

func migrateNodeTags(engine Engine) error {
	nodes, err := engine.AllNodes()
	if err != nil {
		return err
	}

	for _, node := range nodes {
		rows, err := engine.NodeTags(node.ID)
		if err != nil {
			return err
		}
		want := NormalizeTags(node.Tags)
		if !equalStrings(rows, want) {
			if err := engine.ReplaceNodeTags(node.ID, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// BackfillDocuments reconstructs Document rows for chunk nodes whose parent
// document is missing. Idempotent: existing documents are left alone.
func BackfillDocuments(engine Engine) error {
	nodes, err := engine.AllNodes()
	if err != nil {
		return err
	}

	chunksByDoc := make(map[DocumentID][]*Node)
	for _, node := range nodes {
		if node.IsChunk && node.ParentDocumentID != "" {
			chunksByDoc[node.ParentDocumentID] = append(chunksByDoc[node.ParentDocumentID], node)
		}
	}

	for docID, chunks := range chunksByDoc {
		if _, err := engine.GetDocument(docID); err == nil {
			continue
		} else if err != ErrNotFound {
			return err
		}

		sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkOrder < chunks[j].ChunkOrder })
		bodies := make([]string, len(chunks))
		for i, chunk := range chunks {
			bodies[i] = chunk.Body
		}
		body := strings.Join(bodies, "\n\n")

		title := "Imported Document"
		if len(chunks) > 0 && chunks[0].Title != "" {
			title = chunks[0].Title
		}

		now := time.Now().UTC()
		doc := &Document{
			ID:      docID,
			Title:   title,
			Body:    body,
			Version: 1,
			Metadata: map[string]any{
				"backfill":   true,
				"chunkCount": len(chunks),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		batch := NewBatch()
		batch.PutDocument(doc)
		offset := 0
		for _, chunk := range chunks {
			sum := sha256.Sum256([]byte(chunk.Body))
			batch.PutChunk(&DocumentChunk{
				DocumentID: docID,
				SegmentID:  string(chunk.ID),
				NodeID:     chunk.ID,
				Offset:     offset,
				Length:     len(chunk.Body),
				ChunkOrder: chunk.ChunkOrder,
				Checksum:   hex.EncodeToString(sum[:]),
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			offset += len(chunk.Body) + 2 // "\n\n" separator
		}
		if err := engine.Apply(batch); err != nil {
			return err
		}
		log.Printf("migrate: backfilled document %s from %d chunks", docID, len(chunks))
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
