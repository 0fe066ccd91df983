// Package history implements the ledger: per-node version logs used for
// restore, and the append-only edge event log used for single-step undo.
//
// Ledger rows are queued in the same storage batch as the mutation they
// record, so they commit together: a failed ledger append fails the whole
// mutation, and nothing is written. Events are never deleted; undo
// marks an event undone and appends the reversing transition, so replay
// stays well-defined.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ettio/forest/pkg/storage"
)

// Event status values recorded in EdgeEvent rows.
const (
	EventAccepted = "accepted"
	EventDeleted  = "deleted"
)

// Ledger reads and reverses history over a storage engine.
type Ledger struct {
	engine storage.Engine
}

// New creates a ledger over an engine.
func New(engine storage.Engine) *Ledger {
	return &Ledger{engine: engine}
}

// Snapshot builds a version row capturing a node's current content.
// Version is left at 0 for the engine to assign.
func Snapshot(node *storage.Node, operation string, restoredFrom int, now time.Time) *storage.NodeHistory {
	return &storage.NodeHistory{
		NodeID:       node.ID,
		Operation:    operation,
		Title:        node.Title,
		Body:         node.Body,
		Tags:         append([]string(nil), node.Tags...),
		TokenCounts:  node.TokenCounts,
		Metadata:     node.Metadata,
		RestoredFrom: restoredFrom,
		CreatedAt:    now,
	}
}

// AcceptEvent builds the event row for an edge accept.
func AcceptEvent(edge *storage.Edge, prevStatus string, now time.Time) *storage.EdgeEvent {
	return &storage.EdgeEvent{
		EdgeID:     edge.ID,
		SourceID:   edge.SourceID,
		TargetID:   edge.TargetID,
		PrevStatus: prevStatus,
		NextStatus: EventAccepted,
		Payload:    map[string]any{"edge": edge},
		CreatedAt:  now,
	}
}

// DeleteEvent builds the event row for an edge delete, capturing the full
// edge so undo can recreate it with its prior scores.
func DeleteEvent(edge *storage.Edge, now time.Time) *storage.EdgeEvent {
	return &storage.EdgeEvent{
		EdgeID:     edge.ID,
		SourceID:   edge.SourceID,
		TargetID:   edge.TargetID,
		PrevStatus: EventAccepted,
		NextStatus: EventDeleted,
		Payload:    map[string]any{"edge": edge},
		CreatedAt:  now,
	}
}

// Versions returns the full version log for a node, ascending.
func (l *Ledger) Versions(id storage.NodeID) ([]*storage.NodeHistory, error) {
	return l.engine.NodeVersions(id)
}

// Version fetches one version row.
func (l *Ledger) Version(id storage.NodeID, version int) (*storage.NodeHistory, error) {
	rows, err := l.engine.NodeVersions(id)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Version == version {
			return row, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Undo is the outcome of UndoLast.
type Undo struct {
	// Event is the event that was reversed.
	Event *storage.EdgeEvent
	// Recreated is set when the reversal recreated a deleted edge.
	Recreated *storage.Edge
	// Deleted is set when the reversal deleted an accepted edge.
	Deleted storage.EdgeID
}

// UndoLast reverses the most recent non-undone event for an unordered pair:
// an accept is reversed by deleting the edge, a delete by recreating the
// edge with its prior scores. The reversed event is marked undone and the
// reversing transition is itself appended, so a second UndoLast toggles
// back.
func (l *Ledger) UndoLast(a, b storage.NodeID, now time.Time) (*Undo, error) {
	events, err := l.engine.EdgeEvents(a, b)
	if err != nil {
		return nil, err
	}

	var target *storage.EdgeEvent
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].Undone {
			target = events[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: no undoable event for pair", storage.ErrNotFound)
	}

	batch := storage.NewBatch()
	result := &Undo{Event: target}

	switch target.NextStatus {
	case EventAccepted:
		current, err := l.engine.EdgeBetween(a, b)
		if err == nil {
			batch.DeleteEdge(current.ID)
			batch.AppendEdgeEvent(DeleteEvent(current, now))
			result.Deleted = current.ID
		} else if err != storage.ErrNotFound {
			return nil, err
		}

	case EventDeleted:
		prior, err := decodeEdgePayload(target.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d has no recoverable edge: %w", target.Seq, err)
		}
		if _, err := l.engine.EdgeBetween(a, b); err == nil {
			return nil, fmt.Errorf("%w: pair already has an edge", storage.ErrAlreadyExists)
		} else if err != storage.ErrNotFound {
			return nil, err
		}
		prior.UpdatedAt = now
		batch.UpsertEdge(prior)
		batch.AppendEdgeEvent(AcceptEvent(prior, EventDeleted, now))
		result.Recreated = prior

	default:
		return nil, fmt.Errorf("%w: unknown event status %q", storage.ErrInvalidData, target.NextStatus)
	}

	batch.MarkEventUndone(target.Seq)
	if err := l.engine.Apply(batch); err != nil {
		return nil, err
	}
	return result, nil
}

// decodeEdgePayload recovers the edge snapshot from an event payload. The
// payload may hold a live *storage.Edge (memory engine) or a generic map
// (decoded from disk); a JSON round-trip normalizes both.
func decodeEdgePayload(payload map[string]any) (*storage.Edge, error) {
	raw, ok := payload["edge"]
	if !ok {
		return nil, fmt.Errorf("payload missing edge")
	}
	if edge, ok := raw.(*storage.Edge); ok {
		return edge.Clone(), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var edge storage.Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, err
	}
	return &edge, nil
}
