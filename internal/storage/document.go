package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ishandhanani/forky/internal/graph"
)

// Document is the JSON envelope the file and Redis backends store: the
// graph record plus the bookkeeping List needs.
type Document struct {
	ID        string        `json:"id"`
	UpdatedAt time.Time     `json:"updated_at"`
	Record    *graph.Record `json:"record"`
}

// Info summarizes the document.
func (d *Document) Info() ConversationInfo {
	return ConversationInfo{ID: d.ID, NodeCount: len(d.Record.Nodes), UpdatedAt: d.UpdatedAt}
}

// EncodeDocument marshals a document, indented so stored files stay
// readable.
func EncodeDocument(d *Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation %s: %w", d.ID, err)
	}
	return data, nil
}

// DecodeDocument unmarshals a document and checks it carries a record.
func DecodeDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if d.Record == nil {
		return nil, fmt.Errorf("conversation %s has no record", d.ID)
	}
	return &d, nil
}
