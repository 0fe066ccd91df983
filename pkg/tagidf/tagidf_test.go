package tagidf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ettio/forest/pkg/storage"
)

func newNode(id storage.NodeID, tags ...string) *storage.Node {
	return &storage.Node{ID: id, Tags: storage.NormalizeTags(tags)}
}

func TestService_Rebuild(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine)

	n1 := newNode("aaaa0000aaaa0000aaaa0000aaaa0000", "docs", "cli")
	n2 := newNode("bbbb0000bbbb0000bbbb0000bbbb0000", "docs")
	n3 := newNode("cccc0000cccc0000cccc0000cccc0000")
	for _, n := range []*storage.Node{n1, n2, n3} {
		require.NoError(t, engine.CreateNode(n))
		require.NoError(t, svc.SyncNodeTags(n.ID, n.Tags))
	}

	require.NoError(t, svc.Rebuild())

	rows, err := engine.AllTagIDF()
	require.NoError(t, err)
	byTag := make(map[string]storage.TagIDF)
	for _, row := range rows {
		byTag[row.Tag] = row
	}

	t.Run("doc_freq_counts_distinct_nodes", func(t *testing.T) {
		assert.Equal(t, 2, byTag["docs"].DocFreq)
		assert.Equal(t, 1, byTag["cli"].DocFreq)
	})

	t.Run("idf_is_ln_n_over_df", func(t *testing.T) {
		assert.InDelta(t, math.Log(3.0/2.0), byTag["docs"].IDF, 1e-9)
		assert.InDelta(t, math.Log(3.0/1.0), byTag["cli"].IDF, 1e-9)
	})
}

func TestService_Context(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine)

	t.Run("empty_store", func(t *testing.T) {
		ctx, err := svc.Context()
		require.NoError(t, err)
		assert.Equal(t, int64(0), ctx.TotalNodes)
		assert.Equal(t, 0.0, ctx.MaxIDF)
		assert.Equal(t, 0.0, ctx.IDF("anything"))
	})

	t.Run("populated_store", func(t *testing.T) {
		for _, n := range []*storage.Node{
			newNode("aaaa1111aaaa1111aaaa1111aaaa1111", "rare"),
			newNode("bbbb1111bbbb1111bbbb1111bbbb1111"),
		} {
			require.NoError(t, engine.CreateNode(n))
			require.NoError(t, svc.SyncNodeTags(n.ID, n.Tags))
		}
		require.NoError(t, svc.Rebuild())

		ctx, err := svc.Context()
		require.NoError(t, err)
		assert.Equal(t, int64(2), ctx.TotalNodes)
		assert.InDelta(t, math.Log(2), ctx.MaxIDF, 1e-9)
		assert.InDelta(t, math.Log(2), ctx.IDF("rare"), 1e-9)
		assert.Equal(t, 0.0, ctx.IDF("missing"))
	})
}

func TestService_BulkSync(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	svc := New(engine)

	n1 := newNode("aaaa2222aaaa2222aaaa2222aaaa2222")
	n2 := newNode("bbbb2222bbbb2222bbbb2222bbbb2222")
	require.NoError(t, engine.CreateNode(n1))
	require.NoError(t, engine.CreateNode(n2))

	require.NoError(t, svc.BulkSync(map[storage.NodeID][]string{
		n1.ID: {"alpha", "beta"},
		n2.ID: {"alpha"},
	}))

	freqs, err := engine.TagDocFrequencies()
	require.NoError(t, err)
	assert.Equal(t, 2, freqs["alpha"])
	assert.Equal(t, 1, freqs["beta"])
}
