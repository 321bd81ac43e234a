package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the hot local tier backed by a single-file SQLite
// database.
//
// Designed for the working set of live conversations:
//   - Zero-setup persistence that survives process restarts
//   - WAL mode: one writer, concurrent readers
//   - An FTS5 mirror (Porter stemming) kept consistent by triggers
//   - Deterministic deletion scoped by thread
//
// Schema:
//   - memory_nodes: one row per node, unique on (thread_id, entity_id,
//     entity_system) so entity deduplication stays inside one scope
//   - memory_relationships: labelled edges, primary key (from, to, type),
//     cascading on node deletion
//   - memory_fts: external-content FTS5 index over summary/content/tags
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path. Use
// ":memory:" for tests. WAL mode, foreign keys, and a 5 second busy
// timeout are configured on open; the schema is created when missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema, the FTS mirror, and the triggers
// that keep the mirror consistent with the primary table.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	nodesTable := `
		CREATE TABLE IF NOT EXISTS memory_nodes (
			id TEXT NOT NULL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			content TEXT NOT NULL,
			context_type TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			update_count INTEGER NOT NULL DEFAULT 0,
			base_relevance REAL NOT NULL DEFAULT 0.5,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			entity_id TEXT,
			entity_type TEXT,
			entity_system TEXT,
			UNIQUE(thread_id, entity_id, entity_system)
		)
	`
	if _, err := s.db.ExecContext(ctx, nodesTable); err != nil {
		return fmt.Errorf("failed to create memory_nodes table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_nodes_thread ON memory_nodes(thread_id)"); err != nil {
		return fmt.Errorf("failed to create idx_nodes_thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_nodes_thread_context ON memory_nodes(thread_id, context_type)"); err != nil {
		return fmt.Errorf("failed to create idx_nodes_thread_context: %w", err)
	}

	relTable := `
		CREATE TABLE IF NOT EXISTS memory_relationships (
			from_id TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
			to_id TEXT NOT NULL REFERENCES memory_nodes(id) ON DELETE CASCADE,
			rel_type TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 0.5,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (from_id, to_id, rel_type)
		)
	`
	if _, err := s.db.ExecContext(ctx, relTable); err != nil {
		return fmt.Errorf("failed to create memory_relationships table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_rel_thread ON memory_relationships(thread_id)"); err != nil {
		return fmt.Errorf("failed to create idx_rel_thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_rel_to ON memory_relationships(to_id)"); err != nil {
		return fmt.Errorf("failed to create idx_rel_to: %w", err)
	}

	ftsTable := `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			summary, content, tags,
			content='memory_nodes',
			content_rowid='rowid',
			tokenize='porter unicode61'
		)
	`
	if _, err := s.db.ExecContext(ctx, ftsTable); err != nil {
		return fmt.Errorf("failed to create memory_fts table: %w", err)
	}

	// External-content FTS5 requires the mirror to be maintained by
	// hand; these triggers cover every write path.
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ai AFTER INSERT ON memory_nodes BEGIN
			INSERT INTO memory_fts(rowid, summary, content, tags)
			VALUES (new.rowid, new.summary, new.content, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ad AFTER DELETE ON memory_nodes BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, summary, content, tags)
			VALUES ('delete', old.rowid, old.summary, old.content, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_au AFTER UPDATE ON memory_nodes BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, summary, content, tags)
			VALUES ('delete', old.rowid, old.summary, old.content, old.tags);
			INSERT INTO memory_fts(rowid, summary, content, tags)
			VALUES (new.rowid, new.summary, new.content, new.tags);
		END`,
	}
	for _, trigger := range triggers {
		if _, err := s.db.ExecContext(ctx, trigger); err != nil {
			return fmt.Errorf("failed to create FTS trigger: %w", err)
		}
	}
	return nil
}

// SaveNode inserts or updates a node row. A row with the same id is
// replaced; a row in the same thread with the same (entity_id,
// entity_system) absorbs the write and bumps its update counter,
// mirroring the graph-level entity merge.
func (s *SQLiteStore) SaveNode(ctx context.Context, rec NodeRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := `
		INSERT INTO memory_nodes
		(id, thread_id, content, context_type, summary, created_at, last_accessed,
		 access_count, update_count, base_relevance, tags, metadata,
		 entity_id, entity_type, entity_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			last_accessed = excluded.last_accessed,
			access_count = excluded.access_count,
			update_count = excluded.update_count,
			base_relevance = excluded.base_relevance,
			tags = excluded.tags,
			metadata = excluded.metadata,
			entity_id = excluded.entity_id,
			entity_type = excluded.entity_type,
			entity_system = excluded.entity_system
		ON CONFLICT(thread_id, entity_id, entity_system) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			last_accessed = excluded.last_accessed,
			update_count = MAX(update_count + 1, excluded.update_count),
			tags = excluded.tags,
			metadata = excluded.metadata
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ThreadID, rec.Content, rec.ContextType, rec.Summary,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastAccessed.UTC().Format(time.RFC3339Nano),
		rec.AccessCount, rec.UpdateCount, rec.BaseRelevance,
		rec.Tags, rec.Metadata,
		rec.EntityID, rec.EntityType, rec.EntitySystem,
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

// SaveEdge inserts or strengthens a relationship row. Repeated saves
// of the same (from, to, type) keep the maximum strength.
func (s *SQLiteStore) SaveEdge(ctx context.Context, rec EdgeRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := `
		INSERT INTO memory_relationships
		(from_id, to_id, rel_type, strength, thread_id, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, rel_type) DO UPDATE SET
			strength = MAX(strength, excluded.strength)
	`
	metadata := rec.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.FromID, rec.ToID, rec.Label, rec.Strength, rec.ThreadID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save relationship: %w", err)
	}
	return nil
}

// DeleteNode removes a node row; incident relationships cascade and
// the FTS trigger clears the mirror entry.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM memory_nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

// DeleteThread removes every node in a thread; relationships cascade.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM memory_nodes WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

const nodeColumns = `id, thread_id, content, context_type, summary, created_at, last_accessed,
	access_count, update_count, base_relevance, tags, metadata,
	COALESCE(entity_id, ''), COALESCE(entity_type, ''), COALESCE(entity_system, '')`

const nodeColumnsN = `n.id, n.thread_id, n.content, n.context_type, n.summary, n.created_at, n.last_accessed,
	n.access_count, n.update_count, n.base_relevance, n.tags, n.metadata,
	COALESCE(n.entity_id, ''), COALESCE(n.entity_type, ''), COALESCE(n.entity_system, '')`

// NodesForThread returns a thread's node rows ordered by creation.
func (s *SQLiteStore) NodesForThread(ctx context.Context, threadID string) ([]NodeRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := "SELECT " + nodeColumns + " FROM memory_nodes WHERE thread_id = ? ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodeRows(rows)
}

// EdgesForThread returns a thread's relationship rows.
func (s *SQLiteStore) EdgesForThread(ctx context.Context, threadID string) ([]EdgeRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := `
		SELECT from_id, to_id, rel_type, strength, thread_id, created_at, metadata
		FROM memory_relationships
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EdgeRecord
	for rows.Next() {
		var (
			rec       EdgeRecord
			createdAt string
		)
		if err := rows.Scan(&rec.FromID, &rec.ToID, &rec.Label, &rec.Strength,
			&rec.ThreadID, &createdAt, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse relationship timestamp: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationship rows: %w", err)
	}
	return out, nil
}

// Search runs a Porter-stemmed full-text query scoped to one thread,
// ordered by FTS rank. Query tokens are quoted and OR-ed, so any
// matching term qualifies a row; scoring above this layer decides
// final order.
func (s *SQLiteStore) Search(ctx context.Context, threadID, query string, limit int) ([]NodeRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 20
	}

	sqlQuery := `
		SELECT ` + nodeColumnsN + `
		FROM memory_nodes n
		JOIN memory_fts ON memory_fts.rowid = n.rowid
		WHERE memory_fts MATCH ? AND n.thread_id = ?
		ORDER BY memory_fts.rank
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, sqlQuery, match, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodeRows(rows)
}

// ftsQuery converts free text into an FTS5 match expression: each
// token double-quoted and OR-ed. Quoting keeps FTS5 operators inside
// data from being interpreted.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func scanNodeRows(rows *sql.Rows) ([]NodeRecord, error) {
	var out []NodeRecord
	for rows.Next() {
		var (
			rec          NodeRecord
			createdAt    string
			lastAccessed string
		)
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Content, &rec.ContextType,
			&rec.Summary, &createdAt, &lastAccessed, &rec.AccessCount,
			&rec.UpdateCount, &rec.BaseRelevance, &rec.Tags, &rec.Metadata,
			&rec.EntityID, &rec.EntityType, &rec.EntitySystem); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		var err error
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		rec.LastAccessed, err = time.Parse(time.RFC3339Nano, lastAccessed)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_accessed: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node rows: %w", err)
	}
	return out, nil
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
