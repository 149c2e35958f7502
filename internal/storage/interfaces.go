// Package storage defines the persistence port for conversation graphs.
//
// A conversation is stored as a whole graph record under a caller-chosen
// id. Backends live in subpackages (file, sqlite, postgres, redis) and all
// satisfy ConversationStore; the rows helpers here are shared by the SQL
// backends.
package storage

import (
	"context"
	"time"

	"github.com/ishandhanani/forky/internal/graph"
)

// ConversationStore persists conversation graph records.
type ConversationStore interface {
	// Save stores rec under id, replacing any previous record atomically.
	Save(ctx context.Context, id string, rec *graph.Record) error

	// Load returns the record stored under id.
	// Returns ErrNotFound if the conversation doesn't exist.
	Load(ctx context.Context, id string) (*graph.Record, error)

	// List returns every stored conversation, most recently updated first.
	List(ctx context.Context) ([]ConversationInfo, error)

	// Delete removes a conversation.
	// Returns ErrNotFound if the conversation doesn't exist.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}

// ConversationInfo summarizes a stored conversation.
type ConversationInfo struct {
	ID        string    `json:"id"`
	NodeCount int       `json:"node_count"`
	UpdatedAt time.Time `json:"updated_at"`
}
