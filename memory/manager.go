package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/agentflow-go/emit"
	"github.com/dshills/agentflow-go/memory/store"
)

// Manager defaults.
const (
	// userScopePrefix labels user-scope rows in the local store so
	// they never collide with thread ids.
	userScopePrefix = "user:"

	// defaultThreadTTL is how long an idle thread graph is kept before
	// cleanup drops it and its local rows.
	defaultThreadTTL = 24 * time.Hour

	// defaultStaleAfterHours is the age past which transient nodes are
	// removed by a cleanup pass.
	defaultStaleAfterHours = 48

	// defaultDurableRetention is how long transient rows survive in
	// the durable tier before CleanupUser removes them.
	defaultDurableRetention = 90 * 24 * time.Hour
)

// Manager routes memories between two tiers of graphs.
//
// Thread graphs hold the working context of one conversation and are
// dropped once the thread goes idle. User graphs hold durable context
// types (domain_entity, conversation_fact) shared by every thread of
// a user; they hydrate lazily from the local store, falling back to
// the durable store on first use.
//
// Writes mirror into the local store synchronously and, for the user
// scope, into the durable store through a background queue so the
// conversation path never waits on the network.
type Manager struct {
	mu      sync.Mutex
	threads map[string]*threadState
	users   map[string]*userState
	closed  bool

	local  store.Local
	remote store.Remote
	queue  *store.SyncQueue

	embedder Embedder
	emitter  emit.Emitter
	metrics  *Metrics
	log      zerolog.Logger

	cleanupInterval  time.Duration
	threadTTL        time.Duration
	staleAfterHours  float64
	durableRetention time.Duration

	stop chan struct{}
	done chan struct{}
}

type threadState struct {
	graph    *Graph
	lastUsed time.Time
}

type userState struct {
	graph *Graph
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	remote           store.Remote
	queueDepth       int
	embedder         Embedder
	emitter          emit.Emitter
	metrics          *Metrics
	log              zerolog.Logger
	cleanupInterval  time.Duration
	threadTTL        time.Duration
	staleAfterHours  float64
	durableRetention time.Duration
}

// WithDurableStore enables the durable tier. User-scope writes are
// queued to it in the background and user graphs hydrate from it when
// the local store has no rows for the user.
func WithDurableStore(r store.Remote) ManagerOption {
	return func(cfg *managerConfig) { cfg.remote = r }
}

// WithSyncQueueDepth bounds the durable write queue. Writes beyond
// the bound are dropped and counted.
func WithSyncQueueDepth(n int) ManagerOption {
	return func(cfg *managerConfig) { cfg.queueDepth = n }
}

// WithQueryEmbedder enables semantic scoring on every graph the
// manager creates.
func WithQueryEmbedder(e Embedder) ManagerOption {
	return func(cfg *managerConfig) { cfg.embedder = e }
}

// WithEvents routes graph-update events from every managed graph to
// the given emitter.
func WithEvents(e emit.Emitter) ManagerOption {
	return func(cfg *managerConfig) { cfg.emitter = e }
}

// WithMetrics records store, retrieval, and cleanup metrics.
func WithMetrics(m *Metrics) ManagerOption {
	return func(cfg *managerConfig) { cfg.metrics = m }
}

// WithLogger sets the logger for background failures (persist errors,
// cleanup). Default: no output.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(cfg *managerConfig) { cfg.log = l }
}

// WithCleanupInterval starts a background cleanup loop with the given
// period. Zero (the default) disables the loop; Cleanup can still be
// called directly.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(cfg *managerConfig) { cfg.cleanupInterval = d }
}

// WithThreadTTL sets how long an idle thread graph survives before
// cleanup drops it. Default 24h.
func WithThreadTTL(d time.Duration) ManagerOption {
	return func(cfg *managerConfig) { cfg.threadTTL = d }
}

// WithStaleAfter sets the node age, in hours, past which cleanup
// removes transient nodes. Default 48.
func WithStaleAfter(hours float64) ManagerOption {
	return func(cfg *managerConfig) { cfg.staleAfterHours = hours }
}

// WithDurableRetention sets the durable-tier retention for transient
// rows. Default 90 days.
func WithDurableRetention(d time.Duration) ManagerOption {
	return func(cfg *managerConfig) { cfg.durableRetention = d }
}

// NewManager creates a manager over the given local store. A nil
// local store keeps everything in memory, which is useful in tests.
// Close releases the manager's background work; the caller owns the
// stores and closes them separately.
func NewManager(local store.Local, opts ...ManagerOption) *Manager {
	cfg := managerConfig{
		log:              zerolog.Nop(),
		threadTTL:        defaultThreadTTL,
		staleAfterHours:  defaultStaleAfterHours,
		durableRetention: defaultDurableRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		threads:          make(map[string]*threadState),
		users:            make(map[string]*userState),
		local:            local,
		remote:           cfg.remote,
		embedder:         cfg.embedder,
		emitter:          cfg.emitter,
		metrics:          cfg.metrics,
		log:              cfg.log,
		cleanupInterval:  cfg.cleanupInterval,
		threadTTL:        cfg.threadTTL,
		staleAfterHours:  cfg.staleAfterHours,
		durableRetention: cfg.durableRetention,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	if cfg.remote != nil {
		m.queue = store.NewSyncQueue(cfg.remote, cfg.queueDepth, cfg.log)
	}
	if cfg.cleanupInterval > 0 {
		go m.runCleanup()
	} else {
		close(m.done)
	}
	return m
}

func (m *Manager) graphOptions() []GraphOption {
	var opts []GraphOption
	if m.embedder != nil {
		opts = append(opts, WithEmbedder(m.embedder))
	}
	if m.emitter != nil {
		opts = append(opts, WithEmitter(m.emitter))
	}
	return opts
}

func userScope(userID string) string { return userScopePrefix + userID }

// ForThread returns the graph for a conversation thread, creating and
// hydrating it from the local store on first use.
func (m *Manager) ForThread(ctx context.Context, threadID string) (*Graph, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is empty")
	}
	m.mu.Lock()
	if st, ok := m.threads[threadID]; ok {
		st.lastUsed = time.Now()
		g := st.graph
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	g := NewGraph(threadID, m.graphOptions()...)
	if m.local != nil {
		if err := m.hydrateFromLocal(ctx, g, threadID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[threadID]; ok {
		// Another goroutine hydrated first; use its graph.
		st.lastUsed = time.Now()
		return st.graph, nil
	}
	m.threads[threadID] = &threadState{graph: g, lastUsed: time.Now()}
	return g, nil
}

// ForUser returns the durable graph for a user, creating it on first
// use. Hydration prefers the local store; when the local store has no
// rows for the user the durable store is loaded and mirrored locally.
func (m *Manager) ForUser(ctx context.Context, userID string) (*Graph, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is empty")
	}
	m.mu.Lock()
	if st, ok := m.users[userID]; ok {
		g := st.graph
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	g := NewGraph(userID, m.graphOptions()...)
	scope := userScope(userID)
	restored := 0
	if m.local != nil {
		n, err := m.hydrateCountFromLocal(ctx, g, scope)
		if err != nil {
			return nil, err
		}
		restored = n
	}
	if restored == 0 && m.remote != nil {
		if err := m.hydrateFromRemote(ctx, g, userID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.users[userID]; ok {
		return st.graph, nil
	}
	m.users[userID] = &userState{graph: g}
	return g, nil
}

func (m *Manager) hydrateFromLocal(ctx context.Context, g *Graph, scope string) error {
	_, err := m.hydrateCountFromLocal(ctx, g, scope)
	return err
}

func (m *Manager) hydrateCountFromLocal(ctx context.Context, g *Graph, scope string) (int, error) {
	recs, err := m.local.NodesForThread(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to load nodes for %q: %w", scope, err)
	}
	restored := 0
	for _, rec := range recs {
		n, err := nodeFromRecord(rec)
		if err != nil {
			m.log.Warn().Err(err).Str("node_id", rec.ID).Msg("skipping unreadable node row")
			continue
		}
		if err := g.Restore(n); err != nil {
			m.log.Warn().Err(err).Str("node_id", rec.ID).Msg("skipping unrestorable node")
			continue
		}
		restored++
	}
	edges, err := m.local.EdgesForThread(ctx, scope)
	if err != nil {
		return restored, fmt.Errorf("failed to load relationships for %q: %w", scope, err)
	}
	for _, rec := range edges {
		if err := g.RestoreEdge(edgeFromRecord(rec)); err != nil {
			m.log.Warn().Err(err).
				Str("from", rec.FromID).Str("to", rec.ToID).
				Msg("skipping unrestorable relationship")
		}
	}
	return restored, nil
}

func (m *Manager) hydrateFromRemote(ctx context.Context, g *Graph, userID string) error {
	nodes, edges, err := m.remote.LoadUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to hydrate user %q: %w", userID, err)
	}
	scope := userScope(userID)
	for _, rec := range nodes {
		n, err := nodeFromRecord(rec)
		if err != nil {
			m.log.Warn().Err(err).Str("node_id", rec.ID).Msg("skipping unreadable durable node")
			continue
		}
		if err := g.Restore(n); err != nil {
			m.log.Warn().Err(err).Str("node_id", rec.ID).Msg("skipping unrestorable durable node")
			continue
		}
		if m.local != nil {
			rec.ThreadID = scope
			if err := m.local.SaveNode(ctx, rec); err != nil {
				m.log.Warn().Err(err).Str("node_id", rec.ID).Msg("failed to mirror durable node locally")
			}
		}
	}
	for _, rec := range edges {
		if err := g.RestoreEdge(edgeFromRecord(rec)); err != nil {
			continue
		}
		if m.local != nil {
			rec.ThreadID = scope
			if err := m.local.SaveEdge(ctx, rec); err != nil {
				m.log.Warn().Err(err).Msg("failed to mirror durable relationship locally")
			}
		}
	}
	m.metrics.RecordHydration()
	return nil
}

// Store adds a memory, routing it by context type. Durable types
// (domain_entity, conversation_fact) go to the user graph when a user
// id is given, so the same entity stored from different threads
// merges into one node. Everything else goes to the thread graph.
//
// The write mirrors into the local store; persist failures there are
// logged, not returned, because the in-process graph stays
// authoritative for the running conversation. User-scope writes are
// additionally queued to the durable store.
func (m *Manager) Store(ctx context.Context, threadID, userID string, content interface{}, ctxType ContextType, opts ...StoreOption) (string, error) {
	durable := ctxType.Persistent() && userID != ""

	var (
		g     *Graph
		scope string
		err   error
	)
	if durable {
		g, err = m.ForUser(ctx, userID)
		scope = userScope(userID)
	} else {
		g, err = m.ForThread(ctx, threadID)
		scope = threadID
	}
	if err != nil {
		return "", err
	}

	before := g.NodeCount()
	id, err := g.Store(content, ctxType, opts...)
	if err != nil {
		return "", err
	}
	if g.NodeCount() == before {
		m.metrics.RecordMerge()
	}
	if durable {
		m.metrics.RecordStore("user", ctxType)
	} else {
		m.metrics.RecordStore("thread", ctxType)
	}

	n, ok := g.Node(id)
	if !ok {
		return id, nil
	}
	rec := nodeToRecord(n, scope, userID)
	if m.local != nil {
		if err := m.local.SaveNode(ctx, rec); err != nil {
			m.log.Warn().Err(err).Str("node_id", id).Msg("failed to persist node locally")
		}
	}
	if durable && m.queue != nil {
		m.queue.EnqueueNode(rec)
	}

	// Mirror the edges the Store call requested; targets that did not
	// exist produced no edge.
	o := storeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	m.persistRequestedEdges(ctx, g, id, o.relatesTo, EdgeRelatesTo, scope, userID, durable)
	m.persistRequestedEdges(ctx, g, id, o.dependsOn, EdgeDependsOn, scope, userID, durable)
	return id, nil
}

func (m *Manager) persistRequestedEdges(ctx context.Context, g *Graph, from string, targets []string, label EdgeLabel, scope, userID string, durable bool) {
	for _, to := range targets {
		e, ok := g.Edge(from, to, label)
		if !ok {
			continue
		}
		m.persistEdge(ctx, e, scope, userID, durable)
	}
}

func (m *Manager) persistEdge(ctx context.Context, e Edge, scope, userID string, durable bool) {
	rec := edgeToRecord(e, scope, userID)
	if m.local != nil {
		if err := m.local.SaveEdge(ctx, rec); err != nil {
			m.log.Warn().Err(err).
				Str("from", e.From).Str("to", e.To).
				Msg("failed to persist relationship locally")
		}
	}
	if durable && m.queue != nil {
		m.queue.EnqueueEdge(rec)
	}
}

// AddRelationship links two memories. The endpoints must live in the
// same graph; the thread graph is tried first, then the user graph.
func (m *Manager) AddRelationship(ctx context.Context, threadID, userID, from, to string, label EdgeLabel, strength float64) error {
	tg, err := m.ForThread(ctx, threadID)
	if err != nil {
		return err
	}
	if _, okFrom := tg.Node(from); okFrom {
		if _, okTo := tg.Node(to); okTo {
			if err := tg.AddRelationship(from, to, label, strength); err != nil {
				return err
			}
			if e, ok := tg.Edge(from, to, label); ok {
				m.persistEdge(ctx, e, threadID, userID, false)
			}
			return nil
		}
	}
	if userID == "" {
		return fmt.Errorf("relationship endpoints %q -> %q: %w", from, to, ErrNotFound)
	}
	ug, err := m.ForUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := ug.AddRelationship(from, to, label, strength); err != nil {
		return err
	}
	if e, ok := ug.Edge(from, to, label); ok {
		m.persistEdge(ctx, e, userScope(userID), userID, true)
	}
	return nil
}

// Retrieve queries the thread graph and, when a user id is given, the
// user graph, and merges the results into one ranking. An entity
// fast-path hit in either graph short-circuits the merge, preferring
// the user graph's node because that is the deduplicated record.
// Nodes carrying the same entity identifier appear once, keeping the
// higher-scored copy.
func (m *Manager) Retrieve(ctx context.Context, threadID, userID, query string, opts ...RetrieveOption) ([]*Node, error) {
	start := time.Now()
	var (
		tg, ug *Graph
		err    error
	)
	if threadID != "" {
		tg, err = m.ForThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
	}
	if userID != "" {
		ug, err = m.ForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	if tg == nil && ug == nil {
		return nil, fmt.Errorf("retrieve needs a thread id or a user id")
	}

	qtype := analyzeQuery(query, m.embedder != nil).qtype

	var (
		scoredThread []scoredNode
		fastThread   bool
		scoredUser   []scoredNode
		fastUser     bool
	)
	if tg != nil {
		scoredThread, fastThread = tg.retrieveScored(ctx, query, opts...)
	}
	if ug != nil {
		scoredUser, fastUser = ug.retrieveScored(ctx, query, opts...)
	}

	var out []*Node
	outcome := "hit"
	switch {
	case fastUser:
		out = nodesOf(scoredUser)
		outcome = "fast_path"
	case fastThread:
		out = nodesOf(scoredThread)
		outcome = "fast_path"
	default:
		o := defaultRetrieveOptions()
		for _, opt := range opts {
			opt(&o)
		}
		out = mergeScored(scoredThread, scoredUser, o.maxResults)
		if len(out) == 0 {
			outcome = "empty"
		}
	}
	m.metrics.RecordRetrieval(qtype, outcome, time.Since(start))
	return out, nil
}

func nodesOf(scored []scoredNode) []*Node {
	out := make([]*Node, len(scored))
	for i, s := range scored {
		out[i] = s.node
	}
	return out
}

// mergeScored interleaves two scored result sets into one ranking,
// deduplicating by entity identifier.
func mergeScored(a, b []scoredNode, maxResults int) []*Node {
	all := make([]scoredNode, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].node.ID < all[j].node.ID
	})

	seenID := make(map[string]struct{}, len(all))
	seenEntity := make(map[entityKey]struct{})
	out := make([]*Node, 0, len(all))
	for _, s := range all {
		if _, dup := seenID[s.node.ID]; dup {
			continue
		}
		seenID[s.node.ID] = struct{}{}
		if s.node.EntityID != "" {
			key := entityKey{strings.ToLower(s.node.EntityID), s.node.EntitySystem}
			if _, dup := seenEntity[key]; dup {
				continue
			}
			seenEntity[key] = struct{}{}
		}
		out = append(out, s.node)
		if len(out) == maxResults {
			break
		}
	}
	return out
}

// FindEntity looks up a deduplicated entity node, preferring the user
// graph.
func (m *Manager) FindEntity(ctx context.Context, threadID, userID, entityID, entitySystem string) (*Node, bool) {
	if userID != "" {
		if ug, err := m.ForUser(ctx, userID); err == nil {
			if n, ok := ug.FindByEntity(entityID, entitySystem); ok {
				return n, true
			}
		}
	}
	if threadID != "" {
		if tg, err := m.ForThread(ctx, threadID); err == nil {
			if n, ok := tg.FindByEntity(entityID, entitySystem); ok {
				return n, true
			}
		}
	}
	return nil, false
}

// Cleanup runs one maintenance pass: stale transient nodes are
// removed from every graph and the local store, idle thread graphs
// are dropped entirely, and each known user's durable rows past
// retention are deleted.
func (m *Manager) Cleanup(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	threadIDs := make([]string, 0, len(m.threads))
	for id := range m.threads {
		threadIDs = append(threadIDs, id)
	}
	userIDs := make([]string, 0, len(m.users))
	for id := range m.users {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()
	sort.Strings(threadIDs)
	sort.Strings(userIDs)

	for _, threadID := range threadIDs {
		m.mu.Lock()
		st, ok := m.threads[threadID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		idle := now.Sub(st.lastUsed) > m.threadTTL
		g := st.graph
		if idle {
			delete(m.threads, threadID)
		}
		m.mu.Unlock()

		if idle {
			if m.local != nil {
				if err := m.local.DeleteThread(ctx, threadID); err != nil {
					m.log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to drop idle thread rows")
				}
			}
			m.metrics.RecordCleanup(g.NodeCount())
			continue
		}
		removed := g.removeStale(m.staleAfterHours)
		m.deleteLocal(ctx, removed)
		m.metrics.RecordCleanup(len(removed))
	}

	for _, userID := range userIDs {
		m.mu.Lock()
		st, ok := m.users[userID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		removed := st.graph.removeStale(m.staleAfterHours)
		m.deleteLocal(ctx, removed)
		m.metrics.RecordCleanup(len(removed))
		if m.remote != nil {
			if n, err := m.remote.CleanupUser(ctx, userID, m.durableRetention); err != nil {
				m.log.Warn().Err(err).Str("user_id", userID).Msg("durable cleanup failed")
			} else if n > 0 {
				m.log.Debug().Int64("removed", n).Str("user_id", userID).Msg("durable cleanup")
			}
		}
	}
}

func (m *Manager) deleteLocal(ctx context.Context, ids []string) {
	if m.local == nil {
		return
	}
	for _, id := range ids {
		if err := m.local.DeleteNode(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("node_id", id).Msg("failed to delete stale node row")
		}
	}
}

func (m *Manager) runCleanup() {
	defer close(m.done)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Cleanup(context.Background())
		}
	}
}

// Flush blocks until queued durable writes have been applied or the
// context expires. Useful in tests and at shutdown points that must
// observe durable state.
func (m *Manager) Flush(ctx context.Context) error {
	if m.queue == nil {
		return nil
	}
	return m.queue.Flush(ctx)
}

// Close stops the cleanup loop and drains the durable write queue.
// The underlying stores belong to the caller and stay open.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	if m.queue != nil {
		m.queue.Close()
	}
}

// nodeToRecord flattens a node for storage. The embedding is not
// persisted; it is recomputed on demand after hydration.
func nodeToRecord(n *Node, scope, userID string) store.NodeRecord {
	return store.NodeRecord{
		ID:            n.ID,
		ThreadID:      scope,
		UserID:        userID,
		Content:       marshalJSON(n.Content),
		ContextType:   string(n.Context),
		Summary:       n.Summary,
		Tags:          marshalJSON(n.Tags),
		Metadata:      marshalJSON(n.Metadata),
		BaseRelevance: n.BaseRelevance,
		AccessCount:   n.AccessCount,
		UpdateCount:   n.UpdateCount,
		CreatedAt:     n.CreatedAt,
		LastAccessed:  n.LastAccessed,
		EntityID:      n.EntityID,
		EntityType:    n.EntityType,
		EntitySystem:  n.EntitySystem,
	}
}

func nodeFromRecord(rec store.NodeRecord) (*Node, error) {
	n := &Node{
		ID:            rec.ID,
		Context:       ContextType(rec.ContextType),
		Summary:       rec.Summary,
		BaseRelevance: rec.BaseRelevance,
		AccessCount:   rec.AccessCount,
		UpdateCount:   rec.UpdateCount,
		CreatedAt:     rec.CreatedAt,
		LastAccessed:  rec.LastAccessed,
		EntityID:      rec.EntityID,
		EntityType:    rec.EntityType,
		EntitySystem:  rec.EntitySystem,
	}
	if rec.Content != "" {
		if err := json.Unmarshal([]byte(rec.Content), &n.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content for %q: %w", rec.ID, err)
		}
	}
	if rec.Tags != "" {
		if err := json.Unmarshal([]byte(rec.Tags), &n.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %q: %w", rec.ID, err)
		}
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %q: %w", rec.ID, err)
		}
	}
	return n, nil
}

func edgeToRecord(e Edge, scope, userID string) store.EdgeRecord {
	return store.EdgeRecord{
		FromID:    e.From,
		ToID:      e.To,
		Label:     string(e.Label),
		Strength:  e.Strength,
		ThreadID:  scope,
		UserID:    userID,
		CreatedAt: e.CreatedAt,
		Metadata:  marshalJSON(e.Metadata),
	}
}

func edgeFromRecord(rec store.EdgeRecord) Edge {
	e := Edge{
		From:      rec.FromID,
		To:        rec.ToID,
		Label:     EdgeLabel(rec.Label),
		Strength:  rec.Strength,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Metadata != "" && rec.Metadata != "{}" {
		_ = json.Unmarshal([]byte(rec.Metadata), &e.Metadata)
	}
	return e
}

// marshalJSON is json.Marshal with unmarshalable values degraded to
// an empty object rather than failing the write path.
func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
