// Package graphquery provides the read-only query surface over the graph:
// semantic top-k with document deduplication, metadata search, neighborhood
// expansion, shortest paths, and context bundles.
//
// Queries run on a consistent snapshot and never mutate state. Calls honor
// context deadlines. SemanticSearch, Neighborhood and ContextBundle return
// the partial result computed so far with Truncated set. MetadataSearch
// returns the matches found before the deadline and has no truncation flag.
// ShortestPath returns no partial path; it fails with the context's error.
package graphquery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ettio/forest/pkg/embed"
	"github.com/ettio/forest/pkg/math/vector"
	"github.com/ettio/forest/pkg/storage"
)

// ErrNoPath is returned by ShortestPath when the endpoints are not
// connected.
var ErrNoPath = errors.New("no path between nodes")

// Service executes read-only queries.
type Service struct {
	engine   storage.Engine
	embedder embed.Embedder
}

// New creates a query service. embedder may be nil; semantic search then
// reports the embedding as unavailable.
func New(engine storage.Engine, embedder embed.Embedder) *Service {
	return &Service{engine: engine, embedder: embedder}
}

// ----------------------------------------------------------------------------
// Semantic top-k
// ----------------------------------------------------------------------------

// SemanticResult is one ranked hit.
type SemanticResult struct {
	Node  *storage.Node
	Score float64
}

// SemanticResponse carries ranked results plus the truncation indicator.
type SemanticResponse struct {
	Results   []SemanticResult
	Truncated bool
}

// SemanticSearch embeds the query, ranks every stored embedding by cosine
// similarity, deduplicates chunk hits to their document, and returns the
// top limit results with offset pagination.
//
// Deduplication: a chunk hit is represented by its document's root node
// when one exists (keeping the best score among the document's chunks);
// documents without a root keep their best-scoring chunk.
func (s *Service) SemanticSearch(ctx context.Context, query string, limit, offset int) (*SemanticResponse, error) {
	if s.embedder == nil {
		return nil, embed.ErrUnavailable
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, embed.ErrUnavailable
	}

	nodes, err := s.engine.AllNodes()
	if err != nil {
		return nil, err
	}

	resp := &SemanticResponse{}
	type docBest struct {
		score float64
		chunk *storage.Node
	}
	bestByDoc := make(map[storage.DocumentID]*docBest)
	var plain []SemanticResult

	for _, node := range nodes {
		if deadlineExceeded(ctx) {
			resp.Truncated = true
			break
		}
		if len(node.Embedding) == 0 {
			continue
		}
		score := vector.CosineSimilarity(queryVec, node.Embedding)

		if node.IsChunk && node.ParentDocumentID != "" {
			best, ok := bestByDoc[node.ParentDocumentID]
			if !ok || score > best.score {
				bestByDoc[node.ParentDocumentID] = &docBest{score: score, chunk: node}
			}
			continue
		}
		plain = append(plain, SemanticResult{Node: node, Score: score})
	}

	// Substitute each document's best chunk with its root node when the
	// document has one.
	rootScores := make(map[storage.NodeID]float64)
	for docID, best := range bestByDoc {
		doc, err := s.engine.GetDocument(docID)
		if err == nil && doc.RootNodeID != "" {
			if prev, ok := rootScores[doc.RootNodeID]; !ok || best.score > prev {
				rootScores[doc.RootNodeID] = best.score
			}
			continue
		}
		plain = append(plain, SemanticResult{Node: best.chunk, Score: best.score})
	}

	// A root node may also have scored directly; keep its best score.
	merged := make([]SemanticResult, 0, len(plain)+len(rootScores))
	for _, res := range plain {
		if score, ok := rootScores[res.Node.ID]; ok {
			if score > res.Score {
				res.Score = score
			}
			delete(rootScores, res.Node.ID)
		}
		merged = append(merged, res)
	}
	for rootID, score := range rootScores {
		root, err := s.engine.GetNode(rootID)
		if err != nil {
			continue // root deleted; chunks already represented it
		}
		merged = append(merged, SemanticResult{Node: root, Score: score})
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Node.ID < merged[j].Node.ID
	})

	resp.Results = paginate(merged, limit, offset)
	return resp, nil
}

func paginate(results []SemanticResult, limit, offset int) []SemanticResult {
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ----------------------------------------------------------------------------
// Metadata search
// ----------------------------------------------------------------------------

// SortMode orders metadata search results.
type SortMode string

const (
	// SortRecency orders by UpdatedAt descending (default).
	SortRecency SortMode = "recency"
	// SortScore orders by textual match score descending.
	SortScore SortMode = "score"
	// SortDegree orders by accepted degree descending.
	SortDegree SortMode = "degree"
)

// Filters is a conjunction of metadata predicates.
type Filters struct {
	IDPrefix       string
	TitleSubstring string
	Term           string
	TagsAll        []string
	TagsAny        []string
	UpdatedAfter   *time.Time
	UpdatedBefore  *time.Time
	Origin         string
	CreatedBy      string
	SortBy         SortMode
	Limit          int
	Offset         int
}

// MetadataSearch filters nodes by the conjunction of all set predicates.
func (s *Service) MetadataSearch(ctx context.Context, filters Filters) ([]*storage.Node, error) {
	nodes, err := s.engine.AllNodes()
	if err != nil {
		return nil, err
	}

	idPrefix := storage.NormalizeHexID(filters.IDPrefix)
	tagsAll := storage.NormalizeTags(filters.TagsAll)
	tagsAny := storage.NormalizeTags(filters.TagsAny)
	term := strings.ToLower(filters.Term)
	titleSub := strings.ToLower(filters.TitleSubstring)

	type scored struct {
		node  *storage.Node
		score int
	}
	var matched []scored
	for _, node := range nodes {
		if deadlineExceeded(ctx) {
			break
		}
		if idPrefix != "" && !strings.HasPrefix(string(node.ID), idPrefix) {
			continue
		}
		if titleSub != "" && !strings.Contains(strings.ToLower(node.Title), titleSub) {
			continue
		}
		if len(tagsAll) > 0 && !hasAllTags(node, tagsAll) {
			continue
		}
		if len(tagsAny) > 0 && !hasAnyTag(node, tagsAny) {
			continue
		}
		if filters.UpdatedAfter != nil && node.UpdatedAt.Before(*filters.UpdatedAfter) {
			continue
		}
		if filters.UpdatedBefore != nil && node.UpdatedAt.After(*filters.UpdatedBefore) {
			continue
		}
		if filters.Origin != "" && (node.Metadata == nil || node.Metadata.Origin != filters.Origin) {
			continue
		}
		if filters.CreatedBy != "" && (node.Metadata == nil || node.Metadata.CreatedBy != filters.CreatedBy) {
			continue
		}

		score := 0
		if term != "" {
			score = termScore(node, term)
			if score == 0 {
				continue
			}
		}
		matched = append(matched, scored{node: node, score: score})
	}

	switch filters.SortBy {
	case SortScore:
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].score != matched[j].score {
				return matched[i].score > matched[j].score
			}
			return matched[i].node.UpdatedAt.After(matched[j].node.UpdatedAt)
		})
	case SortDegree:
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].node.AcceptedDegree != matched[j].node.AcceptedDegree {
				return matched[i].node.AcceptedDegree > matched[j].node.AcceptedDegree
			}
			return matched[i].node.UpdatedAt.After(matched[j].node.UpdatedAt)
		})
	default:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].node.UpdatedAt.After(matched[j].node.UpdatedAt)
		})
	}

	out := make([]*storage.Node, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.node)
	}
	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func hasAllTags(node *storage.Node, tags []string) bool {
	for _, tag := range tags {
		if !node.HasTag(tag) {
			return false
		}
	}
	return true
}

func hasAnyTag(node *storage.Node, tags []string) bool {
	for _, tag := range tags {
		if node.HasTag(tag) {
			return true
		}
	}
	return false
}

// termScore weights title matches over body and tag matches.
func termScore(node *storage.Node, term string) int {
	score := 0
	score += 3 * strings.Count(strings.ToLower(node.Title), term)
	score += strings.Count(strings.ToLower(node.Body), term)
	for _, tag := range node.Tags {
		if strings.Contains(tag, term) {
			score += 2
		}
	}
	return score
}

// ----------------------------------------------------------------------------
// Neighborhood
// ----------------------------------------------------------------------------

// Neighborhood is the result of a BFS expansion around a center node.
type Neighborhood struct {
	Center    *storage.Node
	Nodes     []*storage.Node
	Edges     []*storage.Edge
	Truncated bool
}

// Neighborhood expands breadth-first from center up to depth hops,
// returning at most limit nodes (center excluded from the limit) plus
// every traversed edge.
func (s *Service) Neighborhood(ctx context.Context, centerID storage.NodeID, depth, limit int) (*Neighborhood, error) {
	center, err := s.engine.GetNode(centerID)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}

	result := &Neighborhood{Center: center}
	visited := map[storage.NodeID]struct{}{centerID: {}}
	seenEdges := make(map[storage.EdgeID]struct{})
	frontier := []storage.NodeID{centerID}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []storage.NodeID
		for _, id := range frontier {
			if deadlineExceeded(ctx) {
				result.Truncated = true
				return result, nil
			}
			edges, err := s.engine.EdgesTouching(id)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

			for _, edge := range edges {
				if _, ok := seenEdges[edge.ID]; !ok {
					seenEdges[edge.ID] = struct{}{}
					result.Edges = append(result.Edges, edge)
				}
				other := edge.Other(id)
				if _, ok := visited[other]; ok {
					continue
				}
				if limit > 0 && len(result.Nodes) >= limit {
					result.Truncated = true
					continue
				}
				visited[other] = struct{}{}
				node, err := s.engine.GetNode(other)
				if err != nil {
					continue
				}
				result.Nodes = append(result.Nodes, node)
				next = append(next, other)
			}
		}
		frontier = next
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Shortest path
// ----------------------------------------------------------------------------

// PathStep is one hop of a path. The edge fields are nil on the first step.
type PathStep struct {
	NodeID    storage.NodeID
	EdgeID    *storage.EdgeID
	EdgeScore *float64
	EdgeType  *string
}

// Path is an ordered node sequence with the product of per-step scores.
type Path struct {
	Steps      []PathStep
	TotalScore float64
	HopCount   int
}

// ShortestPath runs BFS over the accepted edge graph from a to b. Returns
// ErrNoPath when the endpoints are disconnected.
func (s *Service) ShortestPath(ctx context.Context, a, b storage.NodeID) (*Path, error) {
	if _, err := s.engine.GetNode(a); err != nil {
		return nil, err
	}
	if _, err := s.engine.GetNode(b); err != nil {
		return nil, err
	}

	if a == b {
		return &Path{Steps: []PathStep{{NodeID: a}}, TotalScore: 1.0}, nil
	}

	type hop struct {
		from storage.NodeID
		edge *storage.Edge
	}
	parent := make(map[storage.NodeID]hop)
	visited := map[storage.NodeID]struct{}{a: {}}
	frontier := []storage.NodeID{a}

	found := false
	for len(frontier) > 0 && !found {
		if deadlineExceeded(ctx) {
			return nil, ctx.Err()
		}
		var next []storage.NodeID
		for _, id := range frontier {
			edges, err := s.engine.EdgesTouching(id)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

			for _, edge := range edges {
				other := edge.Other(id)
				if _, ok := visited[other]; ok {
					continue
				}
				visited[other] = struct{}{}
				parent[other] = hop{from: id, edge: edge}
				if other == b {
					found = true
					break
				}
				next = append(next, other)
			}
			if found {
				break
			}
		}
		frontier = next
	}

	if !found {
		return nil, ErrNoPath
	}

	// Walk back from b to a
	var reversed []PathStep
	total := 1.0
	for cur := b; cur != a; {
		h := parent[cur]
		edgeID := h.edge.ID
		score := h.edge.Score
		edgeType := h.edge.EdgeType
		reversed = append(reversed, PathStep{
			NodeID:    cur,
			EdgeID:    &edgeID,
			EdgeScore: &score,
			EdgeType:  &edgeType,
		})
		total *= score
		cur = h.from
	}
	reversed = append(reversed, PathStep{NodeID: a})

	steps := make([]PathStep, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		steps = append(steps, reversed[i])
	}
	return &Path{Steps: steps, TotalScore: total, HopCount: len(steps) - 1}, nil
}

// ----------------------------------------------------------------------------
// Context bundles
// ----------------------------------------------------------------------------

// Bundle partitions a node set into hubs (highest accepted degree),
// bridges (highest ratio of external to internal degree within the set),
// and periphery, subject to a token budget.
type Bundle struct {
	Hubs      []*storage.Node
	Bridges   []*storage.Node
	Periphery []*storage.Node
	Truncated bool
}

// bundleHubShare is the fraction of the set classified as hubs; bridges
// take the same share of the remainder.
const bundleHubShare = 0.2

// ContextBundle builds a bundle for all nodes carrying a tag (or matching
// a term when tag is empty), capped at budgetTokens estimated tokens.
func (s *Service) ContextBundle(ctx context.Context, tag, term string, budgetTokens int) (*Bundle, error) {
	var nodes []*storage.Node
	if tag != "" {
		ids, err := s.engine.NodesWithTag(tag)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			node, err := s.engine.GetNode(id)
			if err != nil {
				continue
			}
			nodes = append(nodes, node)
		}
	} else {
		var err error
		nodes, err = s.MetadataSearch(ctx, Filters{Term: term, SortBy: SortScore})
		if err != nil {
			return nil, err
		}
	}

	bundle := &Bundle{}
	if len(nodes) == 0 {
		return bundle, nil
	}

	inSet := make(map[storage.NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		inSet[node.ID] = struct{}{}
	}

	// Bridge proxy: external-to-internal degree ratio within the set.
	type measured struct {
		node   *storage.Node
		ratio  float64
		degree int
	}
	ms := make([]measured, 0, len(nodes))
	for _, node := range nodes {
		if deadlineExceeded(ctx) {
			bundle.Truncated = true
			break
		}
		edges, err := s.engine.EdgesTouching(node.ID)
		if err != nil {
			return nil, err
		}
		internal, external := 0, 0
		for _, edge := range edges {
			if _, ok := inSet[edge.Other(node.ID)]; ok {
				internal++
			} else {
				external++
			}
		}
		ratio := float64(external)
		if internal > 0 {
			ratio = float64(external) / float64(internal)
		}
		ms = append(ms, measured{node: node, ratio: ratio, degree: node.AcceptedDegree})
	}

	// Hubs: top accepted degree
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].degree != ms[j].degree {
			return ms[i].degree > ms[j].degree
		}
		return ms[i].node.ID < ms[j].node.ID
	})
	hubCount := int(float64(len(ms))*bundleHubShare + 0.5)
	if hubCount < 1 {
		hubCount = 1
	}

	budget := budgetTokens
	take := func(node *storage.Node) bool {
		if budgetTokens <= 0 {
			return true
		}
		cost := estimatedTokens(node)
		if cost > budget {
			bundle.Truncated = true
			return false
		}
		budget -= cost
		return true
	}

	hubs := ms[:hubCount]
	rest := ms[hubCount:]
	for _, m := range hubs {
		if take(m.node) {
			bundle.Hubs = append(bundle.Hubs, m.node)
		}
	}

	// Bridges: top external/internal ratio among the rest
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].ratio != rest[j].ratio {
			return rest[i].ratio > rest[j].ratio
		}
		return rest[i].node.ID < rest[j].node.ID
	})
	bridgeCount := int(float64(len(rest))*bundleHubShare + 0.5)
	for i, m := range rest {
		ok := take(m.node)
		if !ok {
			continue
		}
		if i < bridgeCount && m.ratio > 0 {
			bundle.Bridges = append(bundle.Bridges, m.node)
		} else {
			bundle.Periphery = append(bundle.Periphery, m.node)
		}
	}
	return bundle, nil
}

func estimatedTokens(node *storage.Node) int {
	return (len(node.Title) + len(node.Body)) / 4
}

func deadlineExceeded(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
