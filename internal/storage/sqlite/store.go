// Package sqlite provides a SQLite implementation of storage.ConversationStore
// on the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements storage.ConversationStore. Nodes and edges live in their
// own tables; a save replaces a conversation's rows in one transaction.
type Store struct {
	db     *sql.DB
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

// NewStore opens the database at dsn and migrates it. If the first open
// fails on stale WAL files left by a crashed process, the files are removed
// when no other process holds them and the open is retried once.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := open(ctx, dsn)
	if err != nil {
		if !isRecoverableWALError(err) {
			return nil, err
		}
		path := dbPathFromDSN(dsn)
		if path == "" || !isWALStale(path) {
			return nil, err
		}
		removeStaleWAL(path, s.logger)
		var retryErr error
		if db, retryErr = open(ctx, dsn); retryErr != nil {
			return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
		}
		s.logger.Info("sqlite: recovered from stale WAL files", zap.String("path", path))
	}
	s.db = db

	mgr, err := storage.NewMigrationManager(ctx, db, migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		s.logger.Debug("sqlite: migrations applied", zap.Int("count", applied))
	}
	return s, nil
}

// open connects and sets the pragmas every connection needs.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive
	// for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Save replaces the stored conversation with rec.
func (s *Store) Save(ctx context.Context, id string, rec *graph.Record) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	nodes, edges, err := storage.SplitRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, root_id, current_node_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_id = excluded.root_id,
			current_node_id = excluded.current_node_id,
			updated_at = excluded.updated_at
	`, id, rec.RootID, rec.CurrentNodeID, now, now); err != nil {
		return fmt.Errorf("sqlite: failed to upsert conversation %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to clear nodes: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (conversation_id, id, content, role, branch_name, node_type,
			timestamp, merge_metadata, state_summary_cache)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()
	for _, n := range nodes {
		if _, err := nodeStmt.ExecContext(ctx, id, n.ID, n.Content, n.Role, nullableString(n.BranchName),
			n.NodeType, formatTime(n.Timestamp), n.MergeMetadata, n.StateSummary); err != nil {
			return fmt.Errorf("sqlite: failed to insert node %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (conversation_id, parent_id, child_id, parent_pos, child_pos)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()
	for _, e := range edges {
		if _, err := edgeStmt.ExecContext(ctx, id, e.ParentID, e.ChildID, e.ParentPos, e.ChildPos); err != nil {
			return fmt.Errorf("sqlite: failed to insert edge %s->%s: %w", e.ParentID, e.ChildID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit conversation %s: %w", id, err)
	}
	s.logger.Debug("sqlite: conversation saved", zap.String("id", id), zap.Int("nodes", len(nodes)))
	return nil
}

// Load reads a conversation back into a record.
func (s *Store) Load(ctx context.Context, id string) (*graph.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}

	var rootID, currentID string
	err := s.db.QueryRowContext(ctx,
		"SELECT root_id, current_node_id FROM conversations WHERE id = ?", id,
	).Scan(&rootID, &currentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load conversation %s: %w", id, err)
	}

	nodes, err := s.loadNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	edges, err := s.loadEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	return storage.AssembleRecord(rootID, currentID, nodes, edges)
}

func (s *Store) loadNodes(ctx context.Context, id string) ([]storage.NodeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, role, branch_name, node_type, timestamp, merge_metadata, state_summary_cache
		FROM nodes WHERE conversation_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []storage.NodeRow
	for rows.Next() {
		var (
			n      storage.NodeRow
			branch sql.NullString
			ts     string
		)
		if err := rows.Scan(&n.ID, &n.Content, &n.Role, &branch, &n.NodeType, &ts,
			&n.MergeMetadata, &n.StateSummary); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan node: %w", err)
		}
		n.BranchName = branch.String
		if n.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("sqlite: node %s has bad timestamp %q: %w", n.ID, ts, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, id string) ([]storage.EdgeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT parent_id, child_id, parent_pos, child_pos FROM edges WHERE conversation_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []storage.EdgeRow
	for rows.Next() {
		var e storage.EdgeRow
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.ParentPos, &e.ChildPos); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns every stored conversation, most recently updated first.
func (s *Store) List(ctx context.Context) ([]storage.ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.updated_at, COUNT(n.id)
		FROM conversations c
		LEFT JOIN nodes n ON n.conversation_id = c.id
		GROUP BY c.id, c.updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list conversations: %w", err)
	}
	defer rows.Close()

	infos := []storage.ConversationInfo{}
	for rows.Next() {
		var (
			info    storage.ConversationInfo
			updated string
		)
		if err := rows.Scan(&info.ID, &updated, &info.NodeCount); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan conversation: %w", err)
		}
		if info.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("sqlite: conversation %s has bad updated_at %q: %w", info.ID, updated, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	storage.SortInfos(infos)
	return infos, nil
}

// Delete removes a conversation; its nodes and edges cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// Close checkpoints the WAL so other processes open a clean database, then
// closes the connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("sqlite: WAL checkpoint on close failed", zap.Error(err))
	}
	return s.db.Close()
}

var _ storage.ConversationStore = (*Store)(nil)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
