package storage

import (
	"strings"

	"github.com/google/uuid"
)

// NewNodeID generates a fresh 128-bit node id rendered as 32 lowercase hex
// characters. The dashless form is the canonical storage representation;
// DashGroup re-inserts UUID-style grouping for display.
func NewNodeID() NodeID {
	return NodeID(newHexID())
}

// NewEdgeID generates a fresh edge id.
func NewEdgeID() EdgeID {
	return EdgeID(newHexID())
}

// NewDocumentID generates a fresh document id.
func NewDocumentID() DocumentID {
	return DocumentID(newHexID())
}

func newHexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEdge constructs an edge between a and b in canonical orientation with a
// fresh id and accepted status. Scores are left for the caller to fill in.
func NewEdge(a, b NodeID, edgeType string) *Edge {
	src, tgt := CanonicalPair(a, b)
	return &Edge{
		ID:         NewEdgeID(),
		SourceID:   src,
		TargetID:   tgt,
		Status:     StatusAccepted,
		EdgeType:   edgeType,
		SharedTags: []string{},
	}
}

// NormalizeHexID lowercases an id reference and strips dash grouping, so
// callers may pass either "8f14e45f-ceea-467f-a0e7-..." or the compact form.
func NormalizeHexID(ref string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(ref), "-", ""))
}

// DashGroup renders a 32-hex id with UUID dash grouping for display.
// Ids of unexpected length are returned unchanged.
func DashGroup(id string) string {
	if len(id) != 32 {
		return id
	}
	return id[:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:]
}

// IsHexID reports whether s looks like a (possibly partial) hex id of at
// least four characters, the minimum prefix length for resolution.
func IsHexID(s string) bool {
	if len(s) < 4 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
