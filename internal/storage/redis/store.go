// Package redis provides a Redis implementation of storage.ConversationStore.
// Each conversation is one JSON document; a sorted set indexes them by
// update time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/storage"
)

const defaultPrefix = "forky:"

// Store implements storage.ConversationStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
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

// WithPrefix namespaces every key the store writes.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewStore connects to redisURL (e.g. "redis://localhost:6379/0") and
// checks the connection.
func NewStore(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	return NewStoreWithClient(client, opts...), nil
}

// NewStoreWithClient creates a store from an existing client. Close closes
// the client.
func NewStoreWithClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id string) string { return s.prefix + "conv:" + id }

func (s *Store) indexKey() string { return s.prefix + "conversations" }

// Save writes the document and its index entry in one MULTI/EXEC.
func (s *Store) Save(ctx context.Context, id string, rec *graph.Record) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}

	doc := &storage.Document{ID: id, UpdatedAt: s.now().UTC(), Record: rec}
	data, err := storage.EncodeDocument(doc)
	if err != nil {
		return err
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(doc.UpdatedAt.UnixMilli()), Member: id})
		return nil
	}); err != nil {
		return fmt.Errorf("redis: save conversation %s: %w", id, err)
	}
	s.logger.Debug("redis: conversation saved", zap.String("id", id), zap.Int("nodes", len(rec.Nodes)))
	return nil
}

// Load reads a conversation.
func (s *Store) Load(ctx context.Context, id string) (*graph.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load conversation %s: %w", id, err)
	}
	doc, err := storage.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Record, nil
}

// List reads the index and the documents it names. Index entries whose
// document has gone are skipped.
func (s *Store) List(ctx context.Context) ([]storage.ConversationInfo, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read index: %w", err)
	}
	infos := []storage.ConversationInfo{}
	if len(ids) == 0 {
		return infos, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read conversations: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.logger.Warn("redis: index entry without document", zap.String("id", ids[i]))
			continue
		}
		doc, err := storage.DecodeDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		infos = append(infos, doc.Info())
	}
	storage.SortInfos(infos)
	return infos, nil
}

// Delete removes the document and its index entry in one MULTI/EXEC.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	var del *redis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	}); err != nil {
		return fmt.Errorf("redis: delete conversation %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ storage.ConversationStore = (*Store)(nil)
