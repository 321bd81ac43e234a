// Package store provides the two persistence tiers behind the memory
// graph: a hot local SQLite store with full-text search for the
// working set, and a durable MySQL store with per-user deduplication
// for memories that outlive a conversation.
//
// The tiers cooperate through a write-behind queue: persistent
// memories land in the local store synchronously and drain to the
// durable store in the background, so a slow or absent server never
// blocks the conversation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// NodeRecord is the flat, serialization-ready form of a memory node.
// Content, Tags, and Metadata are JSON strings; timestamps are kept
// as time values and formatted by each backend.
type NodeRecord struct {
	ID            string
	ThreadID      string
	UserID        string
	Content       string
	ContextType   string
	Summary       string
	Tags          string
	Metadata      string
	BaseRelevance float64
	AccessCount   int
	UpdateCount   int
	CreatedAt     time.Time
	LastAccessed  time.Time
	EntityID      string
	EntityType    string
	EntitySystem  string
}

// EdgeRecord is the flat form of a labelled relationship.
type EdgeRecord struct {
	FromID    string
	ToID      string
	Label     string
	Strength  float64
	ThreadID  string
	UserID    string
	CreatedAt time.Time
	Metadata  string
}

// Local is the hot tier: embedded, transactional, scoped by thread.
// It holds every node regardless of context type and answers
// full-text queries over the Porter-stemmed mirror.
type Local interface {
	SaveNode(ctx context.Context, rec NodeRecord) error
	SaveEdge(ctx context.Context, rec EdgeRecord) error
	DeleteNode(ctx context.Context, id string) error

	// DeleteThread removes a thread's nodes; incident relationships
	// cascade.
	DeleteThread(ctx context.Context, threadID string) error

	// NodesForThread and EdgesForThread rebuild a graph after a
	// process restart.
	NodesForThread(ctx context.Context, threadID string) ([]NodeRecord, error)
	EdgesForThread(ctx context.Context, threadID string) ([]EdgeRecord, error)

	// Search runs a full-text query scoped to one thread, best rank
	// first.
	Search(ctx context.Context, threadID, query string, limit int) ([]NodeRecord, error)

	Close() error
}

// Remote is the durable tier: a server database partitioned by user,
// deduplicating on (user_id, entity_id, entity_system). Writes reach
// it asynchronously through a SyncQueue.
type Remote interface {
	UpsertNode(ctx context.Context, rec NodeRecord) error
	SaveEdge(ctx context.Context, rec EdgeRecord) error

	// LoadUser returns everything stored for a user, hydrating the
	// local tier on first use of a user scope.
	LoadUser(ctx context.Context, userID string) ([]NodeRecord, []EdgeRecord, error)

	// CleanupUser removes a user's transient rows older than the
	// retention window and prunes relationships left dangling.
	// Returns the number of nodes removed.
	CleanupUser(ctx context.Context, userID string, retention time.Duration) (int64, error)

	Close() error
}
