package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ettio/forest/pkg/embed"
	"github.com/ettio/forest/pkg/linker"
	"github.com/ettio/forest/pkg/scoring"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
)

func TestExtractTitle(t *testing.T) {
	t.Run("provided_title_wins", func(t *testing.T) {
		assert.Equal(t, "Given", ExtractTitle("# Heading\nbody", "  Given "))
	})

	t.Run("first_h1_heading", func(t *testing.T) {
		assert.Equal(t, "The Title", ExtractTitle("intro line\n# The Title\nbody", ""))
	})

	t.Run("first_non_empty_line_stripped", func(t *testing.T) {
		assert.Equal(t, "Plain opening line", ExtractTitle("\n\nPlain opening line\nmore", ""))
	})

	t.Run("leading_hashes_stripped_from_fallback_line", func(t *testing.T) {
		// "##x" doesn't match the heading pattern (no space) but still
		// sheds its hashes in the fallback path
		assert.Equal(t, "x", ExtractTitle("##x", ""))
	})

	t.Run("long_line_truncated_to_100", func(t *testing.T) {
		long := strings.Repeat("a", 150)
		assert.Len(t, ExtractTitle(long, ""), 100)
	})

	t.Run("empty_body_default", func(t *testing.T) {
		assert.Equal(t, "Imported Document", ExtractTitle("", ""))
	})
}

func TestSplit_Headers(t *testing.T) {
	opts := Options{Strategy: StrategyHeaders, MaxTokens: 512}

	t.Run("three_sections", func(t *testing.T) {
		body := "## One\nalpha\n\n## Two\nbeta\n\n## Three\ngamma"
		chunks := Split(body, opts)

		require.Len(t, chunks, 3)
		assert.Equal(t, "One", chunks[0].Title)
		assert.Equal(t, 2, chunks[0].Level)
		assert.Contains(t, chunks[0].Body, "alpha")
		assert.Equal(t, "Two", chunks[1].Title)
		assert.Equal(t, "Three", chunks[2].Title)
		assert.Equal(t, []int{0, 1, 2}, []int{chunks[0].Index, chunks[1].Index, chunks[2].Index})
	})

	t.Run("preamble_before_first_heading", func(t *testing.T) {
		body := "intro text\n\n# First\ncontent"
		chunks := Split(body, opts)

		require.Len(t, chunks, 2)
		assert.Equal(t, "", chunks[0].Title)
		assert.Contains(t, chunks[0].Body, "intro text")
		assert.Equal(t, "First", chunks[1].Title)
	})

	t.Run("oversize_section_splits_with_cont", func(t *testing.T) {
		// ~20 tokens per line, maxTokens 20 forces a mid-section split
		small := Options{Strategy: StrategyHeaders, MaxTokens: 20}
		line := strings.Repeat("word ", 16) // 80 chars ≈ 20 tokens
		body := "# Big\n" + line + "\n" + line + "\n" + line
		chunks := Split(body, small)

		require.Greater(t, len(chunks), 1)
		assert.Equal(t, "Big", chunks[0].Title)
		assert.Equal(t, "Big (cont.)", chunks[1].Title)
	})

	t.Run("empty_body", func(t *testing.T) {
		assert.Empty(t, Split("   \n  ", opts))
	})
}

func TestSplit_Size(t *testing.T) {
	t.Run("windows_with_overlap", func(t *testing.T) {
		opts := Options{Strategy: StrategySize, MaxTokens: 25, Overlap: 10}
		body := strings.Repeat("lorem ipsum dolor sit amet ", 20) // 540 chars
		chunks := Split(body, opts)

		require.Greater(t, len(chunks), 1)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len(chunk.Body), 25*4)
		}
	})

	t.Run("prefers_paragraph_break", func(t *testing.T) {
		opts := Options{Strategy: StrategySize, MaxTokens: 25, Overlap: 0}
		first := strings.Repeat("a", 80)
		second := strings.Repeat("b", 80)
		body := first + "\n\n" + second
		chunks := Split(body, opts)

		require.GreaterOrEqual(t, len(chunks), 2)
		assert.Equal(t, first, chunks[0].Body)
	})

	t.Run("single_window_for_short_text", func(t *testing.T) {
		opts := Options{Strategy: StrategySize, MaxTokens: 512, Overlap: 50}
		chunks := Split("short text", opts)
		require.Len(t, chunks, 1)
		assert.Equal(t, "short text", chunks[0].Body)
	})
}

func TestSplit_Hybrid(t *testing.T) {
	t.Run("oversize_sections_get_part_labels", func(t *testing.T) {
		opts := Options{Strategy: StrategyHybrid, MaxTokens: 20, Overlap: 0}
		big := strings.Repeat("lorem ipsum dolor sit amet. ", 10) // 280 chars > 80
		body := "# Small\ntiny\n\n# Large\n" + big
		chunks := Split(body, opts)

		require.Greater(t, len(chunks), 2)
		assert.Equal(t, "Small", chunks[0].Title)
		assert.Equal(t, "Large (part 1)", chunks[1].Title)
		assert.Equal(t, "Large (part 2)", chunks[2].Title)
	})

	t.Run("small_sections_untouched", func(t *testing.T) {
		opts := Options{Strategy: StrategyHybrid, MaxTokens: 512, Overlap: 50}
		chunks := Split("# A\nshort\n\n# B\nalso short", opts)
		require.Len(t, chunks, 2)
		assert.Equal(t, "A", chunks[0].Title)
		assert.Equal(t, "B", chunks[1].Title)
	})
}

func newImporter(t *testing.T, engine storage.Engine, withEmbeddings bool) *Importer {
	t.Helper()
	var embedder embed.Embedder
	if withEmbeddings {
		embedder = embed.NewMock(64)
	}
	idf := tagidf.New(engine)
	lk := linker.New(scoring.DefaultThresholds())
	return NewImporter(engine, embedder, lk, idf)
}

func TestImporter_Import(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	imp := newImporter(t, engine, true)

	body := "## Alpha\nfirst section body\n\n## Beta\nsecond section body\n\n## Gamma\nthird section body"
	opts := Options{
		Strategy:       StrategyHeaders,
		MaxTokens:      512,
		CreateParent:   true,
		LinkSequential: true,
		AutoLink:       true,
	}

	result, err := imp.Import(context.Background(), body, "Spec Doc", []string{"spec", "Spec"}, opts)
	require.NoError(t, err)

	t.Run("document_row", func(t *testing.T) {
		doc, err := engine.GetDocument(result.Document.ID)
		require.NoError(t, err)
		assert.Equal(t, "Spec Doc", doc.Title)
		assert.Equal(t, 1, doc.Version)
		assert.Equal(t, result.RootNode.ID, doc.RootNodeID)
		assert.Contains(t, doc.Body, "first section body")
		assert.Equal(t, "headers", doc.Metadata["importStrategy"])
	})

	t.Run("three_chunks_in_order", func(t *testing.T) {
		require.Len(t, result.Chunks, 3)
		for i, chunk := range result.Chunks {
			got, err := engine.GetNode(chunk.ID)
			require.NoError(t, err)
			assert.True(t, got.IsChunk)
			assert.Equal(t, result.Document.ID, got.ParentDocumentID)
			assert.Equal(t, i, got.ChunkOrder)
			assert.Equal(t, []string{"spec"}, got.Tags)
			assert.NotEmpty(t, got.Embedding)
			assert.False(t, got.ApproximateScored)
		}
	})

	t.Run("chunk_rows_with_monotonic_offsets", func(t *testing.T) {
		rows, err := engine.ChunksByDocument(result.Document.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		prev := -1
		for _, row := range rows {
			assert.Greater(t, row.Offset, prev)
			prev = row.Offset
			assert.NotEmpty(t, row.Checksum)
			assert.Equal(t, row.Length, len(result.Chunks[row.ChunkOrder].Body))
		}
	})

	t.Run("parent_child_edges", func(t *testing.T) {
		rootEdges, err := engine.EdgesTouching(result.RootNode.ID)
		require.NoError(t, err)

		parentChild := 0
		for _, edge := range rootEdges {
			if edge.EdgeType == storage.EdgeTypeParentChild {
				parentChild++
				assert.Equal(t, 1.0, edge.Score)
			}
		}
		assert.Equal(t, 3, parentChild)
	})

	t.Run("sequential_edges", func(t *testing.T) {
		edge, err := engine.EdgeBetween(result.Chunks[0].ID, result.Chunks[1].ID)
		require.NoError(t, err)
		assert.Equal(t, storage.EdgeTypeSequential, edge.EdgeType)
		assert.Equal(t, 1.0, edge.Score)

		edge, err = engine.EdgeBetween(result.Chunks[1].ID, result.Chunks[2].ID)
		require.NoError(t, err)
		assert.Equal(t, storage.EdgeTypeSequential, edge.EdgeType)

		// Non-adjacent chunks have no sequential edge
		if e, err := engine.EdgeBetween(result.Chunks[0].ID, result.Chunks[2].ID); err == nil {
			assert.NotEqual(t, storage.EdgeTypeSequential, e.EdgeType)
		}
	})
}

func TestImporter_ImportWithoutEmbedder(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	imp := newImporter(t, engine, false)

	result, err := imp.Import(context.Background(), "# Doc\ncontent here", "", nil, DefaultOptions())
	require.NoError(t, err)

	for _, chunk := range result.Chunks {
		got, err := engine.GetNode(chunk.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Embedding)
		assert.True(t, got.ApproximateScored)
	}
}

func TestImporter_EmptyBody(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	imp := newImporter(t, engine, false)

	_, err := imp.Import(context.Background(), "   ", "", nil, DefaultOptions())
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}

func TestImporter_NoParentNoSequential(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	imp := newImporter(t, engine, false)

	opts := Options{Strategy: StrategyHeaders, MaxTokens: 512}
	result, err := imp.Import(context.Background(), "## A\none\n\n## B\ntwo", "", nil, opts)
	require.NoError(t, err)

	assert.Nil(t, result.RootNode)
	count, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	doc, err := engine.GetDocument(result.Document.ID)
	require.NoError(t, err)
	assert.Empty(t, doc.RootNodeID)
}
