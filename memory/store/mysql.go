package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the durable remote tier backed by MySQL/MariaDB.
//
// Designed for memories that outlive a conversation:
//   - Per-user partitioning: every row carries user_id
//   - Deterministic deduplication: UNIQUE (user_id, entity_id, entity_system)
//   - Connection pooling sized for background write-behind traffic
//
// Schema (all tables in the dedicated "memory" schema):
//   - memory.nodes: one row per durable node
//   - memory.relationships: labelled edges between durable nodes
//
// Writes normally arrive through a SyncQueue so the conversation path
// never blocks on the server.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a pooled connection and creates the memory
// schema when missing.
//
// The DSN follows the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/memory?parseTime=false
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MEMORY_MYSQL_DSN")
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// createTables creates the memory schema and its tables if they don't
// exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx,
		"CREATE DATABASE IF NOT EXISTS memory DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"); err != nil {
		return fmt.Errorf("failed to create memory schema: %w", err)
	}

	nodesTable := `
		CREATE TABLE IF NOT EXISTS memory.nodes (
			id VARCHAR(64) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			content JSON NOT NULL,
			context_type VARCHAR(32) NOT NULL,
			summary TEXT,
			created_at TIMESTAMP(6) NOT NULL,
			last_accessed TIMESTAMP(6) NOT NULL,
			access_count INT NOT NULL DEFAULT 0,
			update_count INT NOT NULL DEFAULT 0,
			base_relevance DOUBLE NOT NULL DEFAULT 0.5,
			tags JSON,
			metadata JSON,
			entity_id VARCHAR(128),
			entity_type VARCHAR(64),
			entity_system VARCHAR(64),
			PRIMARY KEY (id),
			UNIQUE KEY uq_user_entity (user_id, entity_id, entity_system),
			INDEX idx_user (user_id),
			INDEX idx_user_context (user_id, context_type),
			INDEX idx_user_created (user_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, nodesTable); err != nil {
		return fmt.Errorf("failed to create memory.nodes table: %w", err)
	}

	relTable := `
		CREATE TABLE IF NOT EXISTS memory.relationships (
			from_id VARCHAR(64) NOT NULL,
			to_id VARCHAR(64) NOT NULL,
			rel_type VARCHAR(32) NOT NULL,
			strength DOUBLE NOT NULL DEFAULT 0.5,
			user_id VARCHAR(128) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			metadata JSON,
			PRIMARY KEY (from_id, to_id, rel_type),
			INDEX idx_rel_user (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, relTable); err != nil {
		return fmt.Errorf("failed to create memory.relationships table: %w", err)
	}
	return nil
}

// UpsertNode writes a durable node row. A duplicate id replaces the
// row; a duplicate (user_id, entity_id, entity_system) merges into
// the existing row and bumps its update counter, keeping a user's
// entity unique no matter which thread wrote it.
func (m *MySQLStore) UpsertNode(ctx context.Context, rec NodeRecord) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	query := `
		INSERT INTO memory.nodes
		(id, user_id, content, context_type, summary, created_at, last_accessed,
		 access_count, update_count, base_relevance, tags, metadata,
		 entity_id, entity_type, entity_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
		ON DUPLICATE KEY UPDATE
			content = VALUES(content),
			summary = VALUES(summary),
			last_accessed = VALUES(last_accessed),
			access_count = GREATEST(access_count, VALUES(access_count)),
			update_count = GREATEST(update_count + 1, VALUES(update_count)),
			base_relevance = VALUES(base_relevance),
			tags = VALUES(tags),
			metadata = VALUES(metadata)
	`
	_, err := m.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Content, rec.ContextType, rec.Summary,
		rec.CreatedAt.UTC().Format("2006-01-02 15:04:05.000000"),
		rec.LastAccessed.UTC().Format("2006-01-02 15:04:05.000000"),
		rec.AccessCount, rec.UpdateCount, rec.BaseRelevance,
		jsonOrNull(rec.Tags), jsonOrNull(rec.Metadata),
		rec.EntityID, rec.EntityType, rec.EntitySystem,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// SaveEdge writes a durable relationship row, keeping the maximum
// strength on repeats.
func (m *MySQLStore) SaveEdge(ctx context.Context, rec EdgeRecord) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	query := `
		INSERT INTO memory.relationships
		(from_id, to_id, rel_type, strength, user_id, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			strength = GREATEST(strength, VALUES(strength))
	`
	_, err := m.db.ExecContext(ctx, query,
		rec.FromID, rec.ToID, rec.Label, rec.Strength, rec.UserID,
		rec.CreatedAt.UTC().Format("2006-01-02 15:04:05.000000"),
		jsonOrNull(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to save relationship: %w", err)
	}
	return nil
}

// LoadUser returns a user's durable nodes and relationships for
// hydrating the local tier.
func (m *MySQLStore) LoadUser(ctx context.Context, userID string) ([]NodeRecord, []EdgeRecord, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, nil, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	nodeQuery := `
		SELECT id, user_id, content, context_type, COALESCE(summary, ''),
			created_at, last_accessed, access_count, update_count, base_relevance,
			COALESCE(tags, '[]'), COALESCE(metadata, '{}'),
			COALESCE(entity_id, ''), COALESCE(entity_type, ''), COALESCE(entity_system, '')
		FROM memory.nodes
		WHERE user_id = ?
		ORDER BY created_at ASC
	`
	rows, err := m.db.QueryContext(ctx, nodeQuery, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	nodes, err := m.scanNodes(rows)
	if err != nil {
		return nil, nil, err
	}

	edgeQuery := `
		SELECT from_id, to_id, rel_type, strength, user_id, created_at, COALESCE(metadata, '{}')
		FROM memory.relationships
		WHERE user_id = ?
		ORDER BY created_at ASC
	`
	edgeRows, err := m.db.QueryContext(ctx, edgeQuery, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer func() { _ = edgeRows.Close() }()

	var edges []EdgeRecord
	for edgeRows.Next() {
		var (
			rec       EdgeRecord
			createdAt string
		)
		if err := edgeRows.Scan(&rec.FromID, &rec.ToID, &rec.Label, &rec.Strength,
			&rec.UserID, &createdAt, &rec.Metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		rec.CreatedAt, err = parseMySQLTime(createdAt)
		if err != nil {
			return nil, nil, err
		}
		edges = append(edges, rec)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating relationship rows: %w", err)
	}
	return nodes, edges, nil
}

func (m *MySQLStore) scanNodes(rows *sql.Rows) ([]NodeRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []NodeRecord
	for rows.Next() {
		var (
			rec          NodeRecord
			createdAt    string
			lastAccessed string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Content, &rec.ContextType,
			&rec.Summary, &createdAt, &lastAccessed, &rec.AccessCount,
			&rec.UpdateCount, &rec.BaseRelevance, &rec.Tags, &rec.Metadata,
			&rec.EntityID, &rec.EntityType, &rec.EntitySystem); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		var err error
		rec.CreatedAt, err = parseMySQLTime(createdAt)
		if err != nil {
			return nil, err
		}
		rec.LastAccessed, err = parseMySQLTime(lastAccessed)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node rows: %w", err)
	}
	return out, nil
}

// CleanupUser deletes a user's transient nodes older than retention,
// keeping durable context types and preserve-tagged rows, then prunes
// relationships left without both endpoints.
func (m *MySQLStore) CleanupUser(ctx context.Context, userID string, retention time.Duration) (int64, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return 0, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-retention).UTC().Format("2006-01-02 15:04:05.000000")
	deleteNodes := `
		DELETE FROM memory.nodes
		WHERE user_id = ?
		  AND created_at < ?
		  AND context_type NOT IN ('domain_entity', 'conversation_fact')
		  AND (tags IS NULL OR NOT JSON_CONTAINS(tags, JSON_QUOTE('preserve')))
	`
	res, err := m.db.ExecContext(ctx, deleteNodes, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up nodes: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed nodes: %w", err)
	}

	pruneEdges := `
		DELETE r FROM memory.relationships r
		LEFT JOIN memory.nodes f ON r.from_id = f.id
		LEFT JOIN memory.nodes t ON r.to_id = t.id
		WHERE r.user_id = ? AND (f.id IS NULL OR t.id IS NULL)
	`
	if _, err := m.db.ExecContext(ctx, pruneEdges, userID); err != nil {
		return removed, fmt.Errorf("failed to prune dangling relationships: %w", err)
	}
	return removed, nil
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()
	return m.db.PingContext(ctx)
}

// parseMySQLTime handles both DATETIME string forms MySQL returns
// depending on fractional seconds.
func parseMySQLTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse timestamp %q", s)
}

// jsonOrNull maps an empty JSON string to nil so MySQL JSON columns
// store NULL rather than rejecting ''.
func jsonOrNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
