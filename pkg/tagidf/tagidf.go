// Package tagidf maintains the per-tag document frequency cache and the
// IDF context consumed by the scorer.
//
// The normalized node_tags rows mirror each node's tag set; this service
// keeps them in sync on every mutation and rebuilds the IDF cache
// (idf = ln(N/docFreq)) on demand. IDF rows may lag between rebuilds;
// scoring tolerates stale IDF but always uses one consistent snapshot per
// linking pass.
package tagidf

import (
	"math"

	"github.com/ettio/forest/pkg/storage"
)

// Context is the IDF snapshot the scorer consumes: the total node count,
// the maximum possible IDF (a tag carried by exactly one node), and the
// IDF per tag. Missing tags score IDF 0.
type Context struct {
	TotalNodes int64
	MaxIDF     float64
	IDFByTag   map[string]float64
}

// IDF returns the IDF of a tag, 0 when unknown.
func (c *Context) IDF(tag string) float64 {
	if c == nil || c.IDFByTag == nil {
		return 0
	}
	return c.IDFByTag[tag]
}

// Service keeps node_tags rows and the tag_idf cache in sync with node
// mutations.
type Service struct {
	engine storage.Engine
}

// New creates a tag IDF service over an engine.
func New(engine storage.Engine) *Service {
	return &Service{engine: engine}
}

// SyncNodeTags atomically replaces the node_tags rows for one node with its
// normalized tag set.
func (s *Service) SyncNodeTags(nodeID storage.NodeID, tags []string) error {
	return s.engine.ReplaceNodeTags(nodeID, tags)
}

// BulkSync replaces node_tags rows for many nodes in one transaction.
// Used by migrations and imports.
func (s *Service) BulkSync(entries map[storage.NodeID][]string) error {
	if len(entries) == 0 {
		return nil
	}
	batch := storage.NewBatch()
	for nodeID, tags := range entries {
		batch.ReplaceTags(nodeID, tags)
	}
	return s.engine.Apply(batch)
}

// Rebuild recomputes document frequencies from a full scan of node_tags
// rows and rewrites the tag_idf cache. idf = ln(N/docFreq) when N > 0 and
// docFreq > 0, else 0.
func (s *Service) Rebuild() error {
	total, err := s.engine.NodeCount()
	if err != nil {
		return err
	}
	freqs, err := s.engine.TagDocFrequencies()
	if err != nil {
		return err
	}

	rows := make([]storage.TagIDF, 0, len(freqs))
	for tag, df := range freqs {
		idf := 0.0
		if total > 0 && df > 0 {
			idf = math.Log(float64(total) / float64(df))
		}
		rows = append(rows, storage.TagIDF{Tag: tag, DocFreq: df, IDF: idf})
	}
	return s.engine.PutTagIDF(rows)
}

// Context reads the current IDF snapshot. MaxIDF is ln(N/1) for the current
// node count; with an empty store it is 0.
func (s *Service) Context() (*Context, error) {
	total, err := s.engine.NodeCount()
	if err != nil {
		return nil, err
	}

	rows, err := s.engine.AllTagIDF()
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		TotalNodes: total,
		IDFByTag:   make(map[string]float64, len(rows)),
	}
	if total > 0 {
		ctx.MaxIDF = math.Log(float64(total))
	}
	for _, row := range rows {
		ctx.IDFByTag[row.Tag] = row.IDF
	}
	return ctx, nil
}
