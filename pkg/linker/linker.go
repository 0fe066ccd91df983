// Package linker reconciles a node's accepted edges when the node is
// created or its body, tags, or embedding change.
//
// The linker is a planner: it scores a node against a snapshot of peers and
// produces the edge upserts and deletes that bring the graph in line with
// the acceptance policy. The caller applies the plan in the same storage
// batch as the node mutation itself, so a failed linking pass rolls the
// whole capture back.
//
// Policy highlights:
//   - only semantic edges are ever written or deleted; parent-child,
//     sequential, and manual edges are invisible to the linker
//   - project-fallback accepts (pairs accepted solely because they share a
//     project:* tag) are capped per node, strongest first
//   - a node with project peers but no passing project edge keeps its
//     single strongest project peer, so project-tagged notes stay connected
package linker

import (
	"sort"
	"time"

	"github.com/ettio/forest/pkg/scoring"
	"github.com/ettio/forest/pkg/storage"
	"github.com/ettio/forest/pkg/tagidf"
)

// Linker plans edge reconciliation under one acceptance policy.
type Linker struct {
	thresholds scoring.Thresholds
}

// New creates a linker. Thresholds are normalized into their legal ranges.
func New(thresholds scoring.Thresholds) *Linker {
	return &Linker{thresholds: thresholds.Normalize()}
}

// Thresholds returns the normalized policy in use.
func (l *Linker) Thresholds() scoring.Thresholds {
	return l.thresholds
}

// Candidate pairs a peer with its scoring outcome.
type Candidate struct {
	Peer  *storage.Node
	Score scoring.PairScore
}

// Plan is the set of edge mutations a linking pass produced.
type Plan struct {
	// Upserts are accepted edges with fresh scores, in canonical
	// orientation. Existing pairs keep their edge id on apply.
	Upserts []*storage.Edge
	// Deletes are previously accepted semantic edges that now classify
	// as discard.
	Deletes []*storage.Edge
}

// ApplyTo queues the plan's mutations onto a batch.
func (p *Plan) ApplyTo(batch *storage.Batch) {
	for _, edge := range p.Upserts {
		batch.UpsertEdge(edge)
	}
	for _, edge := range p.Deletes {
		batch.DeleteEdge(edge.ID)
	}
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Deletes) == 0
}

// Plan scores node against every peer and reconciles its semantic edges.
//
// peers is the candidate set (all other nodes, from the pass's snapshot);
// incident is the node's current edge list (empty for a fresh node; the
// importer passes structural edges planned earlier in the same batch so
// the linker never doubles up on a pair). The IDF context is one
// consistent snapshot for the whole pass.
func (l *Linker) Plan(node *storage.Node, peers []*storage.Node, incident []*storage.Edge, idf *tagidf.Context, now time.Time) *Plan {
	// Pairs already holding a non-semantic edge are off limits: one edge
	// per pair, and structural edges win.
	blocked := make(map[storage.NodeID]struct{})
	existingSemantic := make(map[storage.NodeID]*storage.Edge)
	for _, edge := range incident {
		if !edge.Touches(node.ID) {
			continue
		}
		other := edge.Other(node.ID)
		if edge.EdgeType == storage.EdgeTypeSemantic {
			existingSemantic[other] = edge
		} else {
			blocked[other] = struct{}{}
		}
	}

	var scored []Candidate
	for _, peer := range peers {
		if peer.ID == node.ID {
			continue
		}
		if _, off := blocked[peer.ID]; off {
			continue
		}
		scored = append(scored, Candidate{
			Peer:  peer,
			Score: scoring.ScorePair(node, peer, idf, l.thresholds),
		})
	}

	accepted := l.selectAccepts(scored)

	plan := &Plan{}
	acceptedPeers := make(map[storage.NodeID]struct{}, len(accepted))
	for _, cand := range accepted {
		acceptedPeers[cand.Peer.ID] = struct{}{}
		plan.Upserts = append(plan.Upserts, buildEdge(node, cand, now))
	}

	// Incident semantic edges that no longer classify as accepted go away.
	for other, edge := range existingSemantic {
		if _, keep := acceptedPeers[other]; !keep {
			plan.Deletes = append(plan.Deletes, edge)
		}
	}

	sort.Slice(plan.Upserts, func(i, j int) bool { return plan.Upserts[i].SourceID+plan.Upserts[i].TargetID < plan.Upserts[j].SourceID+plan.Upserts[j].TargetID })
	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i].ID < plan.Deletes[j].ID })
	return plan
}

// selectAccepts applies classification plus the project cap and fallback.
func (l *Linker) selectAccepts(scored []Candidate) []Candidate {
	var keep []Candidate
	var projectFallback []Candidate
	var projectPeers []Candidate
	projectAcceptExists := false

	for _, cand := range scored {
		shared := cand.Score.SharedTags()
		isProjectPeer := scoring.HasProjectTag(shared)
		if isProjectPeer {
			projectPeers = append(projectPeers, cand)
		}

		if !cand.Score.Decision.Accepted {
			continue
		}
		if isProjectPeer {
			projectAcceptExists = true
		}
		if cand.Score.Decision.ProjectOnly() {
			projectFallback = append(projectFallback, cand)
		} else {
			keep = append(keep, cand)
		}
	}

	// Cap project-fallback accepts at the configured limit, strongest
	// first. Threshold-passing accepts are never capped.
	sortByStrength(projectFallback)
	if len(projectFallback) > l.thresholds.ProjectLimit {
		projectFallback = projectFallback[:l.thresholds.ProjectLimit]
	}
	keep = append(keep, projectFallback...)

	// Orphan guard: a node with project peers but no project accept keeps
	// its single strongest project peer, floor or no floor.
	if !projectAcceptExists && len(projectPeers) > 0 {
		sortByStrength(projectPeers)
		keep = append(keep, projectPeers[0])
	}

	return keep
}

// sortByStrength orders candidates by fused score descending, then by the
// stronger single channel descending, then by peer id ascending.
func sortByStrength(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score.Fused != b.Score.Fused {
			return a.Score.Fused > b.Score.Fused
		}
		if ca, cb := channelMax(a), channelMax(b); ca != cb {
			return ca > cb
		}
		return a.Peer.ID < b.Peer.ID
	})
}

func channelMax(c Candidate) float64 {
	best := 0.0
	if c.Score.Semantic != nil && *c.Score.Semantic > best {
		best = *c.Score.Semantic
	}
	if t := c.Score.TagScorePtr(); t != nil && *t > best {
		best = *t
	}
	return best
}

// buildEdge materializes an accepted candidate as a semantic edge with the
// component breakdown recorded in metadata.
func buildEdge(node *storage.Node, cand Candidate, now time.Time) *storage.Edge {
	edge := storage.NewEdge(node.ID, cand.Peer.ID, storage.EdgeTypeSemantic)
	edge.Score = cand.Score.Fused
	edge.SemanticScore = cand.Score.Semantic
	edge.TagScore = cand.Score.TagScorePtr()
	edge.SharedTags = cand.Score.SharedTags()
	edge.CreatedAt = now
	edge.UpdatedAt = now

	metadata := map[string]any{
		"fused": cand.Score.Fused,
	}
	if cand.Score.Tag != nil {
		metadata["tagComponents"] = cand.Score.Tag.Components
	}
	if cand.Score.Decision.ProjectOnly() {
		metadata["projectFallback"] = true
	}
	edge.Metadata = metadata
	return edge
}
