// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"encoding/json"
	"fmt"
)

func encodeNode(node *Node) ([]byte, error) {
	return json.Marshal(node)
}

func decodeNode(data []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	return &node, nil
}

func encodeEdge(edge *Edge) ([]byte, error) {
	return json.Marshal(edge)
}

func decodeEdge(data []byte) (*Edge, error) {
	var edge Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, fmt.Errorf("unmarshaling edge: %w", err)
	}
	return &edge, nil
}

func encodeDocument(doc *Document) ([]byte, error) {
	return json.Marshal(doc)
}

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return &doc, nil
}

func encodeChunk(chunk *DocumentChunk) ([]byte, error) {
	return json.Marshal(chunk)
}

func decodeChunk(data []byte) (*DocumentChunk, error) {
	var chunk DocumentChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk: %w", err)
	}
	return &chunk, nil
}

func encodeTagIDF(row TagIDF) ([]byte, error) {
	return json.Marshal(row)
}

func decodeTagIDF(data []byte) (TagIDF, error) {
	var row TagIDF
	if err := json.Unmarshal(data, &row); err != nil {
		return TagIDF{}, fmt.Errorf("unmarshaling tag idf: %w", err)
	}
	return row, nil
}

func encodeHistory(h *NodeHistory) ([]byte, error) {
	return json.Marshal(h)
}

func decodeHistory(data []byte) (*NodeHistory, error) {
	var h NodeHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshaling node history: %w", err)
	}
	return &h, nil
}

func encodeEvent(ev *EdgeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (*EdgeEvent, error) {
	var ev EdgeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling edge event: %w", err)
	}
	return &ev, nil
}
