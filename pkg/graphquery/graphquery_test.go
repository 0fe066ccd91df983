package graphquery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ettio/forest/pkg/embed"
	"github.com/ettio/forest/pkg/storage"
)

// fixedEmbedder returns canned vectors keyed by exact text, or a default.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0}, nil
}

func (f *fixedEmbedder) Dimensions() int { return 2 }
func (f *fixedEmbedder) Model() string   { return "fixed" }

func seedNode(t *testing.T, engine storage.Engine, id string, embedding []float32, tags ...string) *storage.Node {
	t.Helper()
	node := &storage.Node{
		ID:        storage.NodeID(id),
		Title:     "node " + id[:4],
		Body:      "body",
		Tags:      storage.NormalizeTags(tags),
		Embedding: embedding,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, engine.CreateNode(node))
	require.NoError(t, engine.ReplaceNodeTags(node.ID, node.Tags))
	return node
}

func TestSemanticSearch(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	close1 := seedNode(t, engine, "aaaa0000aaaa0000aaaa0000aaaa0000", []float32{1, 0})
	mid := seedNode(t, engine, "bbbb0000bbbb0000bbbb0000bbbb0000", []float32{0.7, 0.714})
	far := seedNode(t, engine, "cccc0000cccc0000cccc0000cccc0000", []float32{0, 1})
	seedNode(t, engine, "dddd0000dddd0000dddd0000dddd0000", nil) // no embedding

	svc := New(engine, &fixedEmbedder{})

	t.Run("ranked_descending", func(t *testing.T) {
		resp, err := svc.SemanticSearch(context.Background(), "query", 10, 0)
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		assert.Equal(t, close1.ID, resp.Results[0].Node.ID)
		assert.Equal(t, mid.ID, resp.Results[1].Node.ID)
		assert.Equal(t, far.ID, resp.Results[2].Node.ID)
		assert.False(t, resp.Truncated)
	})

	t.Run("pagination", func(t *testing.T) {
		resp, err := svc.SemanticSearch(context.Background(), "query", 1, 1)
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, mid.ID, resp.Results[0].Node.ID)
	})

	t.Run("nil_embedder_unavailable", func(t *testing.T) {
		bare := New(engine, nil)
		_, err := bare.SemanticSearch(context.Background(), "query", 10, 0)
		assert.ErrorIs(t, err, embed.ErrUnavailable)
	})

	t.Run("none_provider_unavailable", func(t *testing.T) {
		noneSvc := New(engine, embed.None{})
		_, err := noneSvc.SemanticSearch(context.Background(), "query", 10, 0)
		assert.ErrorIs(t, err, embed.ErrUnavailable)
	})
}

func TestSemanticSearch_DocumentDedup(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	docID := storage.DocumentID("dddd1111dddd1111dddd1111dddd1111")
	root := seedNode(t, engine, "aaaa1111aaaa1111aaaa1111aaaa1111", nil)

	chunk1 := &storage.Node{
		ID: "bbbb1111bbbb1111bbbb1111bbbb1111", IsChunk: true,
		ParentDocumentID: docID, ChunkOrder: 0, Embedding: []float32{1, 0},
	}
	chunk2 := &storage.Node{
		ID: "cccc1111cccc1111cccc1111cccc1111", IsChunk: true,
		ParentDocumentID: docID, ChunkOrder: 1, Embedding: []float32{0.5, 0.866},
	}
	require.NoError(t, engine.CreateNode(chunk1))
	require.NoError(t, engine.CreateNode(chunk2))
	require.NoError(t, engine.PutDocument(&storage.Document{
		ID: docID, Title: "Doc", Version: 1, RootNodeID: root.ID,
	}))

	svc := New(engine, &fixedEmbedder{})
	resp, err := svc.SemanticSearch(context.Background(), "query", 10, 0)
	require.NoError(t, err)

	// Both chunks collapse into the root node with the best chunk score
	require.Len(t, resp.Results, 1)
	assert.Equal(t, root.ID, resp.Results[0].Node.ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
}

func TestMetadataSearch(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine, nil)

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	n1 := &storage.Node{
		ID: "aaaa2222aaaa2222aaaa2222aaaa2222", Title: "Parser notes",
		Body: "about parsers", Tags: []string{"compilers", "docs"},
		UpdatedAt: recent, Metadata: &storage.NodeMetadata{Origin: "capture"},
	}
	n2 := &storage.Node{
		ID: "bbbb2222bbbb2222bbbb2222bbbb2222", Title: "Garden log",
		Body: "tomatoes and parsers", Tags: []string{"garden"},
		UpdatedAt: old, AcceptedDegree: 0,
	}
	require.NoError(t, engine.CreateNode(n1))
	require.NoError(t, engine.CreateNode(n2))

	t.Run("id_prefix", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{IDPrefix: "AAAA2222"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, n1.ID, got[0].ID)
	})

	t.Run("title_substring_case_insensitive", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{TitleSubstring: "parser"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, n1.ID, got[0].ID)
	})

	t.Run("term_matches_title_body_tags", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{Term: "parser", SortBy: SortScore})
		require.NoError(t, err)
		require.Len(t, got, 2)
		// Title match outweighs body match
		assert.Equal(t, n1.ID, got[0].ID)
	})

	t.Run("tags_all_and_any", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{TagsAll: []string{"compilers", "docs"}})
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = svc.MetadataSearch(context.Background(), Filters{TagsAny: []string{"garden", "nothing"}})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("date_window", func(t *testing.T) {
		after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		got, err := svc.MetadataSearch(context.Background(), Filters{UpdatedAfter: &after})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, n1.ID, got[0].ID)
	})

	t.Run("origin_filter", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{Origin: "capture"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, n1.ID, got[0].ID)
	})

	t.Run("recency_sort_default", func(t *testing.T) {
		got, err := svc.MetadataSearch(context.Background(), Filters{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, n1.ID, got[0].ID)
	})
}

func graphFixture(t *testing.T) (storage.Engine, []*storage.Node) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })

	// a - b - c - d, plus a - e
	ids := []string{
		"aaaa3333aaaa3333aaaa3333aaaa3333",
		"bbbb3333bbbb3333bbbb3333bbbb3333",
		"cccc3333cccc3333cccc3333cccc3333",
		"dddd3333dddd3333dddd3333dddd3333",
		"eeee3333eeee3333eeee3333eeee3333",
	}
	nodes := make([]*storage.Node, len(ids))
	for i, id := range ids {
		nodes[i] = seedNode(t, engine, id, nil)
	}
	link := func(x, y int, score float64) {
		edge := storage.NewEdge(nodes[x].ID, nodes[y].ID, storage.EdgeTypeSemantic)
		edge.Score = score
		require.NoError(t, engine.CreateEdge(edge))
	}
	link(0, 1, 0.9)
	link(1, 2, 0.8)
	link(2, 3, 0.5)
	link(0, 4, 0.7)
	return engine, nodes
}

func TestNeighborhood(t *testing.T) {
	engine, nodes := graphFixture(t)
	svc := New(engine, nil)

	t.Run("depth_one", func(t *testing.T) {
		got, err := svc.Neighborhood(context.Background(), nodes[0].ID, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, nodes[0].ID, got.Center.ID)
		assert.Len(t, got.Nodes, 2) // b and e
		assert.Len(t, got.Edges, 2)
	})

	t.Run("depth_two", func(t *testing.T) {
		got, err := svc.Neighborhood(context.Background(), nodes[0].ID, 2, 0)
		require.NoError(t, err)
		assert.Len(t, got.Nodes, 3) // b, e, c
		assert.Len(t, got.Edges, 3)
	})

	t.Run("limit_truncates", func(t *testing.T) {
		got, err := svc.Neighborhood(context.Background(), nodes[0].ID, 3, 1)
		require.NoError(t, err)
		assert.Len(t, got.Nodes, 1)
		assert.True(t, got.Truncated)
	})

	t.Run("missing_center", func(t *testing.T) {
		_, err := svc.Neighborhood(context.Background(), "ffff3333ffff3333ffff3333ffff3333", 1, 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestShortestPath(t *testing.T) {
	engine, nodes := graphFixture(t)
	svc := New(engine, nil)

	t.Run("multi_hop_path", func(t *testing.T) {
		path, err := svc.ShortestPath(context.Background(), nodes[0].ID, nodes[3].ID)
		require.NoError(t, err)
		assert.Equal(t, 3, path.HopCount)
		require.Len(t, path.Steps, 4)
		assert.Equal(t, nodes[0].ID, path.Steps[0].NodeID)
		assert.Nil(t, path.Steps[0].EdgeID)
		assert.Equal(t, nodes[3].ID, path.Steps[3].NodeID)
		require.NotNil(t, path.Steps[1].EdgeScore)
		assert.InDelta(t, 0.9*0.8*0.5, path.TotalScore, 1e-9)
	})

	t.Run("same_node", func(t *testing.T) {
		path, err := svc.ShortestPath(context.Background(), nodes[0].ID, nodes[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 0, path.HopCount)
		assert.Equal(t, 1.0, path.TotalScore)
	})

	t.Run("disconnected", func(t *testing.T) {
		isolated := seedNode(t, engine, "0000333300003333000033330000aaaa", nil)
		_, err := svc.ShortestPath(context.Background(), nodes[0].ID, isolated.ID)
		assert.ErrorIs(t, err, ErrNoPath)
	})

	t.Run("missing_endpoint", func(t *testing.T) {
		_, err := svc.ShortestPath(context.Background(), nodes[0].ID, "ffffffffffffffffffffffffffffffff")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestContextBundle(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine, nil)

	// Five tagged nodes; hub gets extra edges, bridge gets an external edge
	var tagged []*storage.Node
	for i, id := range []string{
		"aaaa4444aaaa4444aaaa4444aaaa4444",
		"bbbb4444bbbb4444bbbb4444bbbb4444",
		"cccc4444cccc4444cccc4444cccc4444",
		"dddd4444dddd4444dddd4444dddd4444",
		"eeee4444eeee4444eeee4444eeee4444",
	} {
		node := seedNode(t, engine, id, nil, "topic")
		tagged = append(tagged, node)
		_ = i
	}
	outsider := seedNode(t, engine, "ffff4444ffff4444ffff4444ffff4444", nil)

	link := func(a, b storage.NodeID) {
		edge := storage.NewEdge(a, b, storage.EdgeTypeSemantic)
		edge.Score = 0.8
		require.NoError(t, engine.CreateEdge(edge))
	}
	// Hub: tagged[0] connects to three in-set nodes
	link(tagged[0].ID, tagged[1].ID)
	link(tagged[0].ID, tagged[2].ID)
	link(tagged[0].ID, tagged[3].ID)
	// Bridge: tagged[4] connects only outward
	link(tagged[4].ID, outsider.ID)

	bundle, err := svc.ContextBundle(context.Background(), "topic", "", 0)
	require.NoError(t, err)

	require.NotEmpty(t, bundle.Hubs)
	assert.Equal(t, tagged[0].ID, bundle.Hubs[0].ID, "highest degree node is the hub")

	bridgeIDs := make([]storage.NodeID, 0, len(bundle.Bridges))
	for _, n := range bundle.Bridges {
		bridgeIDs = append(bridgeIDs, n.ID)
	}
	assert.Contains(t, bridgeIDs, tagged[4].ID, "outward-only node is a bridge")

	total := len(bundle.Hubs) + len(bundle.Bridges) + len(bundle.Periphery)
	assert.Equal(t, 5, total)
}

func TestContextBundle_Budget(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine, nil)

	for _, id := range []string{
		"aaaa5555aaaa5555aaaa5555aaaa5555",
		"bbbb5555bbbb5555bbbb5555bbbb5555",
	} {
		node := seedNode(t, engine, id, nil, "budget")
		node.Body = "a fairly long body that costs a meaningful number of tokens to include"
		require.NoError(t, engine.UpdateNode(node))
	}

	bundle, err := svc.ContextBundle(context.Background(), "budget", "", 5)
	require.NoError(t, err)
	assert.True(t, bundle.Truncated)
	total := len(bundle.Hubs) + len(bundle.Bridges) + len(bundle.Periphery)
	assert.Less(t, total, 2)
}
