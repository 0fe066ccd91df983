package forest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ettio/forest/pkg/storage"
)

// maxAmbiguousCandidates bounds the candidate list in ambiguity errors.
const maxAmbiguousCandidates = 10

// AmbiguousRefError reports a hex prefix that matched multiple nodes.
type AmbiguousRefError struct {
	Ref        string
	Candidates []storage.NodeID
}

func (e *AmbiguousRefError) Error() string {
	return fmt.Sprintf("ambiguous reference %q: %d candidates", e.Ref, len(e.Candidates))
}

// Is makes the error match ErrAmbiguousRef under errors.Is.
func (e *AmbiguousRefError) Is(target error) bool {
	return target == ErrAmbiguousRef
}

// refIndex resolves node references without LIKE-style scans: a sorted id
// slice for prefix binary search, plus an updatedAt-ordered list for
// recency references. Built on open, maintained incrementally on every
// mutation.
type refIndex struct {
	mu  sync.RWMutex
	ids []storage.NodeID // sorted
	// recency holds node ids ordered by updatedAt descending.
	recency []refEntry
}

type refEntry struct {
	id      storage.NodeID
	updated time.Time
}

func newRefIndex(nodes []*storage.Node) *refIndex {
	idx := &refIndex{}
	for _, node := range nodes {
		idx.ids = append(idx.ids, node.ID)
		idx.recency = append(idx.recency, refEntry{id: node.ID, updated: node.UpdatedAt})
	}
	sort.Slice(idx.ids, func(i, j int) bool { return idx.ids[i] < idx.ids[j] })
	sort.Slice(idx.recency, func(i, j int) bool { return idx.recency[i].updated.After(idx.recency[j].updated) })
	return idx
}

// upsert records a node (new or freshly updated).
func (r *refIndex) upsert(id storage.NodeID, updated time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= id })
	if pos == len(r.ids) || r.ids[pos] != id {
		r.ids = append(r.ids, "")
		copy(r.ids[pos+1:], r.ids[pos:])
		r.ids[pos] = id
	}

	for i := range r.recency {
		if r.recency[i].id == id {
			r.recency = append(r.recency[:i], r.recency[i+1:]...)
			break
		}
	}
	entry := refEntry{id: id, updated: updated}
	at := sort.Search(len(r.recency), func(i int) bool { return !r.recency[i].updated.After(updated) })
	r.recency = append(r.recency, refEntry{})
	copy(r.recency[at+1:], r.recency[at:])
	r.recency[at] = entry
}

// remove drops a deleted node.
func (r *refIndex) remove(id storage.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= id })
	if pos < len(r.ids) && r.ids[pos] == id {
		r.ids = append(r.ids[:pos], r.ids[pos+1:]...)
	}
	for i := range r.recency {
		if r.recency[i].id == id {
			r.recency = append(r.recency[:i], r.recency[i+1:]...)
			break
		}
	}
}

// byPrefix returns ids starting with the (normalized) prefix, capped at
// maxAmbiguousCandidates+1 so callers can detect ambiguity.
func (r *refIndex) byPrefix(prefix string) []storage.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := sort.Search(len(r.ids), func(i int) bool { return string(r.ids[i]) >= prefix })
	var out []storage.NodeID
	for i := start; i < len(r.ids) && strings.HasPrefix(string(r.ids[i]), prefix); i++ {
		out = append(out, r.ids[i])
		if len(out) > maxAmbiguousCandidates {
			break
		}
	}
	return out
}

// recent returns the n-th most recently updated node (0-based).
func (r *refIndex) recent(n int) (storage.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 0 || n >= len(r.recency) {
		return "", false
	}
	return r.recency[n].id, true
}

// ResolveRef resolves a node reference to a full id. Accepted forms:
//
//   - a full 32-hex id (dashes allowed, case-insensitive)
//   - a hex prefix of length >= 4, unique among node ids
//   - "@", "@1", "@2", ... recency references ("@" == "@0" == most recent)
//   - "#tag": the most recently updated node carrying the tag
//   - a quoted title substring, e.g. "\"meeting notes\""
func (db *DB) ResolveRef(ref string) (storage.NodeID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidInput)
	}

	// Recency references
	if strings.HasPrefix(ref, "@") {
		n := 0
		if rest := ref[1:]; rest != "" {
			parsed, err := strconv.Atoi(rest)
			if err != nil || parsed < 0 {
				return "", fmt.Errorf("%w: bad recency reference %q", ErrInvalidInput, ref)
			}
			n = parsed
		}
		id, ok := db.refs.recent(n)
		if !ok {
			return "", fmt.Errorf("%w: no node at recency %d", ErrNotFound, n)
		}
		return id, nil
	}

	// Tag references
	if strings.HasPrefix(ref, "#") {
		return db.resolveTagRef(strings.TrimPrefix(ref, "#"))
	}

	// Quoted title substring
	if len(ref) >= 2 && ref[0] == '"' && ref[len(ref)-1] == '"' {
		return db.resolveTitleRef(ref[1 : len(ref)-1])
	}

	// Hex id or prefix
	normalized := storage.NormalizeHexID(ref)
	if !storage.IsHexID(normalized) {
		return "", fmt.Errorf("%w: unrecognized reference %q", ErrInvalidInput, ref)
	}
	matches := db.refs.byPrefix(normalized)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no node matches %q", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		if len(matches) > maxAmbiguousCandidates {
			matches = matches[:maxAmbiguousCandidates]
		}
		return "", &AmbiguousRefError{Ref: ref, Candidates: matches}
	}
}

func (db *DB) resolveTagRef(tag string) (storage.NodeID, error) {
	ids, err := db.engine.NodesWithTag(tag)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no node carries tag #%s", ErrNotFound, tag)
	}

	var best storage.NodeID
	var bestTime time.Time
	for _, id := range ids {
		node, err := db.engine.GetNode(id)
		if err != nil {
			continue
		}
		if best == "" || node.UpdatedAt.After(bestTime) {
			best = id
			bestTime = node.UpdatedAt
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no node carries tag #%s", ErrNotFound, tag)
	}
	return best, nil
}

func (db *DB) resolveTitleRef(substring string) (storage.NodeID, error) {
	needle := strings.ToLower(substring)
	nodes, err := db.engine.AllNodes()
	if err != nil {
		return "", err
	}

	var best *storage.Node
	for _, node := range nodes {
		if !strings.Contains(strings.ToLower(node.Title), needle) {
			continue
		}
		if best == nil || node.UpdatedAt.After(best.UpdatedAt) {
			best = node
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no title contains %q", ErrNotFound, substring)
	}
	return best.ID, nil
}
