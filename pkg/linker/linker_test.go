package linker

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ettio/forest/pkg/scoring"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
)

func idfContext(total int64, idfByTag map[string]float64) *tagidf.Context {
	ctx := &tagidf.Context{TotalNodes: total, IDFByTag: idfByTag}
	if total > 0 {
		ctx.MaxIDF = math.Log(float64(total))
	}
	return ctx
}

func node(id string, tags ...string) *storage.Node {
	return &storage.Node{ID: storage.NodeID(id), Tags: storage.NormalizeTags(tags)}
}

func withEmbedding(n *storage.Node, vec []float32) *storage.Node {
	n.Embedding = vec
	return n
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLinker_Plan_SemanticAccept(t *testing.T) {
	l := New(scoring.DefaultThresholds())
	idf := idfContext(2, nil)

	a := withEmbedding(node("aaaa0000aaaa0000aaaa0000aaaa0000"), []float32{1, 0})
	b := withEmbedding(node("bbbb0000bbbb0000bbbb0000bbbb0000"), []float32{0.9, float32(math.Sqrt(1 - 0.81))})

	plan := l.Plan(a, []*storage.Node{b}, nil, idf, now)

	require.Len(t, plan.Upserts, 1)
	edge := plan.Upserts[0]
	assert.Equal(t, a.ID, edge.SourceID)
	assert.Equal(t, b.ID, edge.TargetID)
	require.NotNil(t, edge.SemanticScore)
	assert.InDelta(t, 0.9, *edge.SemanticScore, 1e-6)
	assert.Nil(t, edge.TagScore)
	assert.Empty(t, edge.SharedTags)
	assert.Equal(t, storage.EdgeTypeSemantic, edge.EdgeType)
	assert.Equal(t, storage.StatusAccepted, edge.Status)
	assert.Empty(t, plan.Deletes)
}

func TestLinker_Plan_DiscardBelowThresholds(t *testing.T) {
	l := New(scoring.DefaultThresholds())
	idf := idfContext(2, nil)

	a := withEmbedding(node("aaaa1111aaaa1111aaaa1111aaaa1111"), []float32{1, 0})
	b := withEmbedding(node("bbbb1111bbbb1111bbbb1111bbbb1111"), []float32{0.3, float32(math.Sqrt(1 - 0.09))})

	plan := l.Plan(a, []*storage.Node{b}, nil, idf, now)
	assert.True(t, plan.Empty())
}

func TestLinker_Plan_SkipsSelf(t *testing.T) {
	l := New(scoring.DefaultThresholds())
	a := withEmbedding(node("aaaa2222aaaa2222aaaa2222aaaa2222"), []float32{1, 0})

	plan := l.Plan(a, []*storage.Node{a}, nil, idfContext(1, nil), now)
	assert.True(t, plan.Empty())
}

func TestLinker_Plan_NeverTouchesStructuralEdges(t *testing.T) {
	l := New(scoring.DefaultThresholds())
	idf := idfContext(2, nil)

	a := withEmbedding(node("aaaa3333aaaa3333aaaa3333aaaa3333"), []float32{1, 0})
	b := withEmbedding(node("bbbb3333bbbb3333bbbb3333bbbb3333"), []float32{1, 0})

	parentChild := storage.NewEdge(a.ID, b.ID, storage.EdgeTypeParentChild)
	parentChild.Score = 1.0

	plan := l.Plan(a, []*storage.Node{b}, []*storage.Edge{parentChild}, idf, now)

	// Cosine is 1.0 but the pair already has a structural edge
	assert.True(t, plan.Empty())
}

func TestLinker_Plan_RelinkDeletesStaleEdges(t *testing.T) {
	l := New(scoring.DefaultThresholds())
	idf := idfContext(2, nil)

	a := withEmbedding(node("aaaa4444aaaa4444aaaa4444aaaa4444"), []float32{1, 0})
	b := withEmbedding(node("bbbb4444bbbb4444bbbb4444bbbb4444"), []float32{0, 1}) // orthogonal now

	stale := storage.NewEdge(a.ID, b.ID, storage.EdgeTypeSemantic)
	stale.Score = 0.9

	plan := l.Plan(a, []*storage.Node{b}, []*storage.Edge{stale}, idf, now)

	assert.Empty(t, plan.Upserts)
	require.Len(t, plan.Deletes, 1)
	assert.Equal(t, stale.ID, plan.Deletes[0].ID)
}

func TestLinker_Plan_BridgeTag(t *testing.T) {
	// Scenario: two otherwise unrelated notes linked via link/chapter-1-arc.
	// The bridge tag is carried by exactly these two nodes out of 100.
	total := int64(100)
	bridgeIDF := math.Log(float64(total) / 2.0)
	idf := idfContext(total, map[string]float64{"link/chapter-1-arc": bridgeIDF})

	l := New(scoring.DefaultThresholds())
	a := node("aaaa5555aaaa5555aaaa5555aaaa5555", "link/chapter-1-arc", "cooking")
	b := node("bbbb5555bbbb5555bbbb5555bbbb5555", "link/chapter-1-arc", "sailing")

	plan := l.Plan(a, []*storage.Node{b}, nil, idf, now)

	require.Len(t, plan.Upserts, 1)
	edge := plan.Upserts[0]
	assert.Equal(t, []string{"link/chapter-1-arc"}, edge.SharedTags)
	require.NotNil(t, edge.TagScore)
	assert.InDelta(t, bridgeIDF/math.Log(float64(total)), *edge.TagScore, 1e-9)
	assert.Greater(t, *edge.TagScore, 0.3, "bridge tags must clear the tag threshold")
}

func TestLinker_Plan_ProjectCap(t *testing.T) {
	// A node sharing only project:forest with 30 siblings. Everyone carries
	// the tag, so its IDF is 0 and no sibling passes any rule, not even the
	// project floor; the orphan guard alone supplies the node's one edge.
	th := scoring.DefaultThresholds()
	th.ProjectLimit = 10
	l := New(th)

	total := int64(31)
	projectIDF := math.Log(float64(total) / 31.0) // everyone carries it
	idf := idfContext(total, map[string]float64{"project:forest": projectIDF})

	center := node("aaaa6666aaaa6666aaaa6666aaaa6666", "project:forest")
	var peers []*storage.Node
	for i := 0; i < 30; i++ {
		peers = append(peers, node(fmt.Sprintf("%032x", 0xb0000+i), "project:forest"))
	}

	plan := l.Plan(center, peers, nil, idf, now)

	// jaccard=1, normalizedIdf=0 => tag score 0 => fused 0 < floor.
	// No project accept passes, so the orphan guard keeps exactly one.
	require.Len(t, plan.Upserts, 1)
	assert.True(t, plan.Upserts[0].Metadata["projectFallback"] != true, "orphan-guard edge is not a fallback accept")
}

func TestLinker_Plan_ProjectFallbackWithinFloor(t *testing.T) {
	// Project tag with tag score just under the tag threshold and no
	// semantic channel: fused stays under the project floor, so no
	// fallback accept happens and only the orphan guard links the node.
	th := scoring.DefaultThresholds()
	th.ProjectLimit = 3
	l := New(th)

	total := int64(100)
	// tag score = jaccard(1.0) * idf/maxIdf; choose idf for score 0.28
	projIDF := 0.28 * math.Log(float64(total))
	idf := idfContext(total, map[string]float64{"project:forest": projIDF})

	center := node("aaaa7777aaaa7777aaaa7777aaaa7777", "project:forest")
	var peers []*storage.Node
	for i := 0; i < 8; i++ {
		peers = append(peers, node(fmt.Sprintf("%032x", 0xc0000+i), "project:forest"))
	}

	plan := l.Plan(center, peers, nil, idf, now)

	// tag = 0.28 < 0.3 threshold; dom=0.28, sub=0, geo=0, dis=0.28
	// fused = 0.7*0.28 - 0.1*0.28 = 0.168 < 0.3 floor -> orphan guard only
	require.Len(t, plan.Upserts, 1)
}

func TestLinker_Plan_ProjectFallbackAboveFloor(t *testing.T) {
	// Give both endpoints embeddings that agree moderately so fused clears
	// the floor while neither channel passes its own threshold.
	th := scoring.DefaultThresholds()
	th.ProjectLimit = 3
	l := New(th)

	total := int64(100)
	projIDF := 0.28 * math.Log(float64(total))
	idf := idfContext(total, map[string]float64{"project:forest": projIDF})

	cos := 0.45 // below 0.5 semantic threshold
	vecA := []float32{1, 0}
	vecB := []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}

	center := withEmbedding(node("aaaa8888aaaa8888aaaa8888aaaa8888", "project:forest"), vecA)
	var peers []*storage.Node
	for i := 0; i < 8; i++ {
		peers = append(peers, withEmbedding(node(fmt.Sprintf("%032x", 0xd0000+i), "project:forest"), vecB))
	}

	// fused = 0.7*0.45 + 0.2*0.28 + 0.1*sqrt(0.45*0.28) - 0.1*0.17 ≈ 0.39
	plan := l.Plan(center, peers, nil, idf, now)

	require.Len(t, plan.Upserts, th.ProjectLimit, "fallback accepts capped at the project limit")
	for _, edge := range plan.Upserts {
		assert.Equal(t, true, edge.Metadata["projectFallback"])
	}
}

func TestLinker_Plan_ThresholdPassersNeverCapped(t *testing.T) {
	// Peers passing the semantic threshold AND sharing a project tag are
	// kept in full; the cap binds only project-fallback accepts.
	th := scoring.DefaultThresholds()
	th.ProjectLimit = 2
	l := New(th)

	idf := idfContext(20, map[string]float64{"project:forest": 0.1})

	vec := []float32{1, 0}
	center := withEmbedding(node("aaaa9999aaaa9999aaaa9999aaaa9999", "project:forest"), vec)
	var peers []*storage.Node
	for i := 0; i < 6; i++ {
		peers = append(peers, withEmbedding(node(fmt.Sprintf("%032x", 0xe0000+i), "project:forest"), vec))
	}

	plan := l.Plan(center, peers, nil, idf, now)
	assert.Len(t, plan.Upserts, 6, "all six pass on cosine=1.0 and stay")
}

func TestLinker_Plan_TieBreakByPeerID(t *testing.T) {
	th := scoring.DefaultThresholds()
	th.ProjectLimit = 1
	l := New(th)

	total := int64(100)
	projIDF := 0.28 * math.Log(float64(total))
	idf := idfContext(total, map[string]float64{"project:forest": projIDF})

	cos := 0.45
	vecA := []float32{1, 0}
	vecB := []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}

	center := withEmbedding(node("aaaaaaaa00000000aaaaaaaa00000000", "project:forest"), vecA)
	peerHigh := withEmbedding(node("ffffffff00000000ffffffff00000000", "project:forest"), vecB)
	peerLow := withEmbedding(node("bbbbbbbb00000000bbbbbbbb00000000", "project:forest"), vecB)

	plan := l.Plan(center, []*storage.Node{peerHigh, peerLow}, nil, idf, now)

	require.Len(t, plan.Upserts, 1)
	// Identical scores: lexicographically smaller peer id wins
	edge := plan.Upserts[0]
	assert.True(t, edge.Touches(peerLow.ID), "tie broken by ascending peer id")
}
