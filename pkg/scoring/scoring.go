// Package scoring computes edge compatibility between pairs of nodes.
//
// Two independent channels feed every edge:
//
//   - Semantic: cosine similarity between endpoint embeddings
//   - Tag: IDF-weighted Jaccard over endpoint tag sets, with a bridge
//     bonus for shared "link/" tags
//
// A fusion rule combines the channels into one score in [0, 1], and the
// acceptance policy classifies each pair as accepted or discarded.
// Everything here is a pure, total function: undefined numeric operations
// collapse to 0 by clamping, and nothing fails.
//
// ELI12:
//
// Imagine each note has two kinds of fingerprints. One is its "meaning"
// fingerprint (the embedding) and one is its sticker collection (the tags).
// Two notes become linked when their meanings are close, OR when they share
// rare stickers. Sharing a sticker that everyone has (like "todo") means
// little; sharing one that only two notes have (like "link/chapter-1")
// means a lot.
package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/ettio/forest/pkg/math/vector"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
)

// Tag prefixes with special meaning to the acceptance policy.
const (
	// BridgePrefix marks explicit link tags. Bridge tags are maximally
	// rare, so sharing one produces a strong tag edge.
	BridgePrefix = "link/"
	// ProjectPrefix marks project membership tags, subject to a per-node
	// cap and a fallback acceptance floor.
	ProjectPrefix = "project:"
)

// Fusion coefficients: dominant, subordinate, geometric mean, disagreement
// penalty. Keeps a strong single-channel edge while rewarding agreement.
const (
	fuseDominant    = 0.7
	fuseSubordinate = 0.2
	fuseGeometric   = 0.1
	fuseDisagree    = 0.1
)

// Thresholds holds the acceptance policy knobs.
type Thresholds struct {
	// Semantic is the cosine score at which an edge is accepted on the
	// semantic channel alone. FOREST_SEMANTIC_THRESHOLD, default 0.5.
	Semantic float64
	// Tag is the tag score at which an edge is accepted on the tag
	// channel alone. FOREST_TAG_THRESHOLD, default 0.3.
	Tag float64
	// ProjectFloor is the fused score floor for the project-tag fallback.
	// FOREST_PROJECT_EDGE_FLOOR, default 0.3, clamped to [0,1].
	ProjectFloor float64
	// ProjectLimit caps project-fallback edges per node.
	// FOREST_PROJECT_EDGE_LIMIT, default 10, at least 1.
	ProjectLimit int
}

// DefaultThresholds returns the default acceptance policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Semantic:     0.5,
		Tag:          0.3,
		ProjectFloor: 0.3,
		ProjectLimit: 10,
	}
}

// Normalize clamps ProjectFloor into [0,1] and raises ProjectLimit to at
// least 1. Semantic and Tag are returned unchanged.
func (t Thresholds) Normalize() Thresholds {
	t.ProjectFloor = vector.Clamp01(t.ProjectFloor)
	if t.ProjectLimit < 1 {
		t.ProjectLimit = 1
	}
	return t
}

// SemanticScore returns clamp01(cosine) between two embeddings, or nil if
// either is absent. A zero-magnitude vector scores 0.
func SemanticScore(a, b []float32) *float64 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	score := vector.Clamp01(vector.CosineSimilarity(a, b))
	return &score
}

// TagComponents records the scoring breakdown persisted in edge metadata.
type TagComponents struct {
	Jaccard       float64 `json:"jaccard"`
	AvgIDF        float64 `json:"avgIdf"`
	MaxIDF        float64 `json:"maxIdf"`
	NormalizedIDF float64 `json:"normalizedIdf"`
	AvgBridgeIDF  float64 `json:"avgBridgeIdf,omitempty"`
	BridgeScore   float64 `json:"bridgeScore,omitempty"`
	HasBridge     bool    `json:"hasBridge,omitempty"`
}

// TagResult is the tag-channel outcome for a pair.
type TagResult struct {
	Score      float64
	SharedTags []string
	Components TagComponents
}

// TagScore computes the IDF-weighted Jaccard score between two tag sets.
// Returns nil when the sets share no tags.
//
// With shared set S and union U:
//
//	base   = clamp01(|S|/|U| × avgIDF(S)/maxIDF)
//	bridge = clamp01(avgIDF(S ∩ link/*)/maxIDF)   when bridge tags shared
//	score  = max(base, bridge)
func TagScore(aTags, bTags []string, idf *tagidf.Context) *TagResult {
	a := storage.NormalizeTags(aTags)
	b := storage.NormalizeTags(bTags)

	inB := make(map[string]struct{}, len(b))
	for _, t := range b {
		inB[t] = struct{}{}
	}

	var shared []string
	for _, t := range a {
		if _, ok := inB[t]; ok {
			shared = append(shared, t)
		}
	}
	if len(shared) == 0 {
		return nil
	}
	sort.Strings(shared)

	unionSize := len(a) + len(b) - len(shared)
	jaccard := float64(len(shared)) / float64(unionSize)

	var sumIDF float64
	for _, t := range shared {
		sumIDF += idf.IDF(t)
	}
	avgIDF := sumIDF / float64(len(shared))

	maxIDF := 0.0
	if idf != nil {
		maxIDF = idf.MaxIDF
	}
	normalizedIDF := 0.0
	if maxIDF > 0 {
		normalizedIDF = avgIDF / maxIDF
	}

	result := &TagResult{
		Score:      vector.Clamp01(jaccard * normalizedIDF),
		SharedTags: shared,
		Components: TagComponents{
			Jaccard:       jaccard,
			AvgIDF:        avgIDF,
			MaxIDF:        maxIDF,
			NormalizedIDF: normalizedIDF,
		},
	}

	// Bridge bonus: shared link/* tags lift the score to their own
	// normalized IDF when that beats the Jaccard-weighted base.
	var bridgeSum float64
	bridgeCount := 0
	for _, t := range shared {
		if strings.HasPrefix(t, BridgePrefix) {
			bridgeSum += idf.IDF(t)
			bridgeCount++
		}
	}
	if bridgeCount > 0 && maxIDF > 0 {
		avgBridge := bridgeSum / float64(bridgeCount)
		bridgeScore := vector.Clamp01(avgBridge / maxIDF)
		result.Components.HasBridge = true
		result.Components.AvgBridgeIDF = avgBridge
		result.Components.BridgeScore = bridgeScore
		if bridgeScore > result.Score {
			result.Score = bridgeScore
		}
	}

	return result
}

// FusedScore combines the two channels:
//
//	fused = clamp01(0.7·max(s,t) + 0.2·min(s,t) + 0.1·√(s·t) − 0.1·|s−t|)
//
// A nil channel contributes 0.
func FusedScore(semantic, tag *float64) float64 {
	s, t := 0.0, 0.0
	if semantic != nil {
		s = *semantic
	}
	if tag != nil {
		t = *tag
	}

	dom, sub := s, t
	if t > s {
		dom, sub = t, s
	}
	geo := math.Sqrt(s * t)
	dis := dom - sub

	return vector.Clamp01(fuseDominant*dom + fuseSubordinate*sub + fuseGeometric*geo - fuseDisagree*dis)
}

// Decision is the acceptance classification for a pair.
type Decision struct {
	Accepted bool
	// Channel flags record which rules passed. ViaProject alone (without
	// ViaSemantic or ViaTag) marks a project-fallback accept, which the
	// linker subjects to the per-node cap.
	ViaSemantic bool
	ViaTag      bool
	ViaProject  bool
}

// ProjectOnly reports whether the pair was accepted solely through the
// project-tag fallback.
func (d Decision) ProjectOnly() bool {
	return d.Accepted && d.ViaProject && !d.ViaSemantic && !d.ViaTag
}

// Classify applies the acceptance policy. An edge is accepted iff any of:
//
//   - semantic ≥ thresholds.Semantic
//   - tag ≥ thresholds.Tag
//   - shared tags contain a project:* tag and fused ≥ thresholds.ProjectFloor
func Classify(semantic, tag *float64, sharedTags []string, fused float64, thresholds Thresholds) Decision {
	var d Decision
	if semantic != nil && *semantic >= thresholds.Semantic {
		d.ViaSemantic = true
	}
	if tag != nil && *tag >= thresholds.Tag {
		d.ViaTag = true
	}
	if HasProjectTag(sharedTags) && fused >= thresholds.ProjectFloor {
		d.ViaProject = true
	}
	d.Accepted = d.ViaSemantic || d.ViaTag || d.ViaProject
	return d
}

// HasProjectTag reports whether any tag carries the project prefix.
func HasProjectTag(tags []string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, ProjectPrefix) {
			return true
		}
	}
	return false
}

// PairScore is the full scoring outcome for a pair of nodes.
type PairScore struct {
	Semantic *float64
	Tag      *TagResult
	Fused    float64
	Decision Decision
}

// TagScorePtr returns the tag channel score or nil.
func (p *PairScore) TagScorePtr() *float64 {
	if p.Tag == nil {
		return nil
	}
	score := p.Tag.Score
	return &score
}

// SharedTags returns the shared tag list (never nil).
func (p *PairScore) SharedTags() []string {
	if p.Tag == nil {
		return []string{}
	}
	return p.Tag.SharedTags
}

// ScorePair runs both channels, fusion, and classification for two nodes
// against one IDF snapshot.
func ScorePair(a, b *storage.Node, idf *tagidf.Context, thresholds Thresholds) PairScore {
	semantic := SemanticScore(a.Embedding, b.Embedding)
	tag := TagScore(a.Tags, b.Tags, idf)

	var tagPtr *float64
	var shared []string
	if tag != nil {
		score := tag.Score
		tagPtr = &score
		shared = tag.SharedTags
	}

	fused := FusedScore(semantic, tagPtr)
	return PairScore{
		Semantic: semantic,
		Tag:      tag,
		Fused:    fused,
		Decision: Classify(semantic, tagPtr, shared, fused, thresholds),
	}
}
