// Package file provides the default storage.ConversationStore: one JSON
// document per conversation under a data directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/storage"
)

const ext = ".json"

// Store keeps conversations as <dir>/<id>.json. Saves write a temp file,
// fsync it, rename it over the target and fsync the directory, so a crash
// leaves either the old or the new document.
type Store struct {
	dir    string
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for conversation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the directory if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: data directory is required", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: failed to create %s: %w", dir, err)
	}
	s := &Store{dir: dir, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+ext) }

// Save atomically replaces the conversation's document.
func (s *Store) Save(ctx context.Context, id string, rec *graph.Record) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := storage.EncodeDocument(&storage.Document{ID: id, UpdatedAt: s.now().UTC(), Record: rec})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.dir, s.path(id), data); err != nil {
		return fmt.Errorf("file: save conversation %s: %w", id, err)
	}
	s.logger.Debug("file: conversation saved", zap.String("id", id), zap.Int("nodes", len(rec.Nodes)))
	return nil
}

func writeAtomic(dir, target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads a conversation's document.
func (s *Store) Load(ctx context.Context, id string) (*graph.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	doc, err := s.read(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil, err
	}
	return doc.Record, nil
}

func (s *Store) read(path string) (*storage.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := storage.DecodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("file: %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// List reads every document in the directory. Unreadable files are logged
// and skipped.
func (s *Store) List(ctx context.Context) ([]storage.ConversationInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file: failed to read %s: %w", s.dir, err)
	}

	infos := []storage.ConversationInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("file: skipping unreadable conversation", zap.String("file", name), zap.Error(err))
			continue
		}
		info := doc.Info()
		info.ID = strings.TrimSuffix(name, ext)
		infos = append(infos, info)
	}
	storage.SortInfos(infos)
	return infos, nil
}

// Delete removes a conversation's document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("file: delete conversation %s: %w", id, err)
	}
	return syncDir(s.dir)
}

// Close is a no-op; the store holds no open handles.
func (s *Store) Close() error { return nil }

var _ storage.ConversationStore = (*Store)(nil)
