package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ishandhanani/forky/internal/graph"
)

var (
	// ErrNotFound indicates that the requested conversation was not found.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// maxIDLength bounds conversation ids so they stay usable as file names and
// keys.
const maxIDLength = 128

// ValidateID checks that id can name a conversation in every backend.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: conversation id longer than %d bytes", ErrInvalidInput, maxIDLength)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return fmt.Errorf("%w: conversation id %q contains a path element", ErrInvalidInput, id)
	}
	return nil
}

// ValidateRecord rejects records that could not be loaded back, so a store
// never persists a graph it cannot rebuild.
func ValidateRecord(rec *graph.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidInput)
	}
	if _, err := graph.Rebuild(rec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// SortInfos orders conversations most recently updated first, then by id.
func SortInfos(infos []ConversationInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
