package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow-go/emit"
)

// Working-set and retrieval constants.
const (
	// nonsenseMinGraphSize is the node count above which a query with
	// no indexed tokens short-circuits to an empty result. Smaller
	// graphs score every node instead, letting semantic and recency
	// factors recover weak matches.
	nonsenseMinGraphSize = 100

	// recentWindow bounds the working set used by the context and
	// graph factors.
	recentWindow = 30 * time.Minute
	recentLimit  = 10

	// graphScoreSeeds caps how many working-set nodes seed distance
	// computations; graphScoreMaxDepth caps the BFS radius.
	graphScoreSeeds    = 5
	graphScoreMaxDepth = 3

	// preserveTag exempts a node from age-based cleanup.
	preserveTag = "preserve"

	defaultConfidence = 0.5
)

type entityKey struct {
	id     string
	system string
}

// Graph is the in-process memory graph for one scope (a thread or a
// user). It owns the node table, the labelled adjacency structure,
// the inverted index, the entity registry, and the cached graph
// metrics.
//
// All operations are safe for concurrent use. Retrieval takes the
// write lock because returning a node touches it: access history is
// part of the scoring model, not an afterthought.
type Graph struct {
	mu          sync.RWMutex
	scope       string
	nodes       map[string]*Node
	out         map[string]map[string]map[EdgeLabel]*Edge
	in          map[string]map[string]map[EdgeLabel]*Edge
	byEntity    map[entityKey]string
	index       *invertedIndex
	lastTouched map[string]time.Time

	embedder Embedder
	emitter  emit.Emitter
	weights  map[QueryType]ScoreWeights
	cache    *metricsCache
}

// NewGraph creates an empty graph for the given scope. The scope
// string labels emitted events; use the thread id for thread graphs
// and the user id for user graphs.
func NewGraph(scope string, opts ...GraphOption) *Graph {
	cfg := graphConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	weights := make(map[QueryType]ScoreWeights, len(weightProfiles))
	for k, v := range weightProfiles {
		weights[k] = v
	}
	for k, v := range cfg.weights {
		weights[k] = v
	}
	return &Graph{
		scope:       scope,
		nodes:       make(map[string]*Node),
		out:         make(map[string]map[string]map[EdgeLabel]*Edge),
		in:          make(map[string]map[string]map[EdgeLabel]*Edge),
		byEntity:    make(map[entityKey]string),
		index:       newInvertedIndex(),
		lastTouched: make(map[string]time.Time),
		embedder:    cfg.embedder,
		emitter:     cfg.emitter,
		weights:     weights,
		cache:       newMetricsCache(),
	}
}

// Scope returns the scope label the graph was created with.
func (g *Graph) Scope() string { return g.scope }

// Store adds a memory to the graph and returns its node id.
//
// Content may be a string (stored under the "text" key), a structured
// map, or any other value (stored under "value"). If the content
// carries entity_id and entity_system fields matching an existing
// node, the call merges instead of inserting: content is deep-merged
// key-wise last-write-wins, the update counter increments, and the
// access timestamp refreshes. The returned id is then the existing
// node's id.
//
// Requested relates_to / depends_on edges are added when their
// targets exist; unknown targets are skipped silently.
func (g *Graph) Store(content interface{}, ctxType ContextType, opts ...StoreOption) (string, error) {
	if !ctxType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidContextType, ctxType)
	}
	rec, err := normalizeContent(content)
	if err != nil {
		return "", err
	}
	o := storeOptions{confidence: defaultConfidence}
	for _, opt := range opts {
		opt(&o)
	}
	if o.confidence < 0 {
		o.confidence = 0
	}
	if o.confidence > 1 {
		o.confidence = 1
	}

	now := time.Now()
	eid, etype, esys := entityTriple(rec)

	g.mu.Lock()
	var events []emit.Event

	if eid != "" {
		if existingID, ok := g.byEntity[entityKey{eid, esys}]; ok {
			n := g.nodes[existingID]
			n.Content = deepMerge(n.Content, rec)
			n.UpdateCount++
			n.Touch(now)
			if o.summary != "" {
				n.Summary = o.summary
			}
			n.Tags = mergeTags(n.Tags, normalizeTags(o.tags))
			if o.confidence > n.BaseRelevance {
				n.BaseRelevance = o.confidence
			}
			if o.metadata != nil {
				n.Metadata = deepMerge(n.Metadata, o.metadata)
			}
			if len(o.embedding) > 0 {
				n.Embedding = o.embedding
			}
			g.index.Index(n.ID, n.Text())
			g.lastTouched[n.ID] = now
			events = append(events, emit.Event{
				ThreadID: g.scope,
				StepID:   n.ID,
				Msg:      emit.MemoryNodeMerged,
				Meta: map[string]interface{}{
					"entity_id":     eid,
					"entity_system": esys,
					"update_count":  n.UpdateCount,
				},
			})
			events = append(events, g.linkRequestedLocked(n.ID, o, now)...)
			g.cache.invalidate()
			g.mu.Unlock()
			g.emitAll(events)
			return n.ID, nil
		}
	}

	id := "mem-" + uuid.NewString()
	n := &Node{
		ID:            id,
		Content:       rec,
		Context:       ctxType,
		Summary:       o.summary,
		Tags:          normalizeTags(o.tags),
		BaseRelevance: o.confidence,
		CreatedAt:     now,
		LastAccessed:  now,
		UpdateCount:   1,
		Metadata:      o.metadata,
		EntityID:      eid,
		EntityType:    etype,
		EntitySystem:  esys,
		Embedding:     o.embedding,
	}
	g.nodes[id] = n
	if eid != "" {
		g.byEntity[entityKey{eid, esys}] = id
	}
	g.index.Index(id, n.Text())
	g.lastTouched[id] = now
	events = append(events, emit.Event{
		ThreadID: g.scope,
		StepID:   id,
		Msg:      emit.MemoryNodeAdded,
		Meta: map[string]interface{}{
			"context_type": string(ctxType),
			"summary":      o.summary,
		},
	})
	events = append(events, g.linkRequestedLocked(id, o, now)...)
	g.cache.invalidate()
	g.mu.Unlock()
	g.emitAll(events)
	return id, nil
}

// linkRequestedLocked adds the edges a Store call asked for, skipping
// targets that do not exist. Caller holds the write lock.
func (g *Graph) linkRequestedLocked(from string, o storeOptions, now time.Time) []emit.Event {
	var events []emit.Event
	link := func(targets []string, label EdgeLabel) {
		for _, to := range targets {
			if to == from {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				continue
			}
			if added := g.addEdgeLocked(from, to, label, 0.5, now); added {
				events = append(events, edgeEvent(g.scope, from, to, label))
			}
		}
	}
	link(o.relatesTo, EdgeRelatesTo)
	link(o.dependsOn, EdgeDependsOn)
	return events
}

func edgeEvent(scope, from, to string, label EdgeLabel) emit.Event {
	return emit.Event{
		ThreadID: scope,
		StepID:   from,
		Msg:      emit.MemoryEdgeAdded,
		Meta: map[string]interface{}{
			"to":    to,
			"label": string(label),
		},
	}
}

// AddRelationship adds a directed labelled edge. The call is
// idempotent: repeating it with the same (from, to, label) keeps the
// maximum strength seen. Self-loops and unknown endpoints error.
func (g *Graph) AddRelationship(from, to string, label EdgeLabel, strength float64) error {
	if !label.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	if from == to {
		return ErrSelfLoop
	}
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}

	g.mu.Lock()
	if _, ok := g.nodes[from]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("from node %q: %w", from, ErrNotFound)
	}
	if _, ok := g.nodes[to]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("to node %q: %w", to, ErrNotFound)
	}
	added := g.addEdgeLocked(from, to, label, strength, time.Now())
	if added {
		g.cache.invalidate()
	}
	g.mu.Unlock()
	if added {
		g.emitAll([]emit.Event{edgeEvent(g.scope, from, to, label)})
	}
	return nil
}

// addEdgeLocked inserts or strengthens an edge. Returns true when a
// new edge was created. Caller holds the write lock.
func (g *Graph) addEdgeLocked(from, to string, label EdgeLabel, strength float64, now time.Time) bool {
	if existing := g.edgeLocked(from, to, label); existing != nil {
		if strength > existing.Strength {
			existing.Strength = strength
		}
		return false
	}
	e := &Edge{From: from, To: to, Label: label, Strength: strength, CreatedAt: now}
	if g.out[from] == nil {
		g.out[from] = make(map[string]map[EdgeLabel]*Edge)
	}
	if g.out[from][to] == nil {
		g.out[from][to] = make(map[EdgeLabel]*Edge)
	}
	g.out[from][to][label] = e
	if g.in[to] == nil {
		g.in[to] = make(map[string]map[EdgeLabel]*Edge)
	}
	if g.in[to][from] == nil {
		g.in[to][from] = make(map[EdgeLabel]*Edge)
	}
	g.in[to][from][label] = e
	return true
}

func (g *Graph) edgeLocked(from, to string, label EdgeLabel) *Edge {
	if m, ok := g.out[from]; ok {
		if lm, ok := m[to]; ok {
			return lm[label]
		}
	}
	return nil
}

// RetrieveRelevant returns nodes matching the query, best first.
//
// The query is analyzed for entity references and intent, candidates
// are gathered from the inverted index, and each candidate receives a
// multi-factor score (keyword, semantic, recency, working-set
// context, graph proximity, decayed relevance, minus spam
// penalties). Results below the score floor are dropped, a dominant
// top score prunes the long tail, and survivors are capped at the
// configured maximum. Returned nodes are touched: retrieval is an
// access.
//
// Two shortcuts apply. A query naming a registered entity returns
// that node alone without scoring. A query whose tokens appear
// nowhere in the index returns nothing when the graph holds more than
// a hundred nodes; smaller graphs fall back to scoring every node.
func (g *Graph) RetrieveRelevant(ctx context.Context, query string, opts ...RetrieveOption) []*Node {
	scored, _ := g.retrieveScored(ctx, query, opts...)
	if len(scored) == 0 {
		return nil
	}
	out := make([]*Node, len(scored))
	for i, s := range scored {
		out[i] = s.node
	}
	return out
}

// retrieveScored is RetrieveRelevant keeping the scores, so the
// manager can merge thread-scope and user-scope results into one
// ranking. The boolean reports an entity fast-path hit.
func (g *Graph) retrieveScored(ctx context.Context, query string, opts ...RetrieveOption) ([]scoredNode, bool) {
	o := defaultRetrieveOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := analyzeQuery(query, g.embedder != nil)

	// Embed outside the lock; the embedder may hit the network.
	var queryEmb []float64
	if g.embedder != nil {
		if v, err := g.embedder.Embed(ctx, query); err == nil {
			queryEmb = v
		}
	}

	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.entityFastPathLocked(p, o, now); n != nil {
		return []scoredNode{{node: n, score: entityExactScore}}, true
	}

	cand := g.index.Lookup(p.tokens)
	sc := g.scoringContextLocked(p, queryEmb, now)
	if p.qtype == QueryRecentContext || p.qtype == QueryGraphNavigation {
		for id := range sc.recentSet {
			cand[id] = struct{}{}
		}
	}
	if len(cand) == 0 {
		if len(g.nodes) > nonsenseMinGraphSize {
			return nil, false
		}
		for id := range g.nodes {
			cand[id] = struct{}{}
		}
	}

	floor := o.minScore
	if floor < 0 {
		floor = minScoreFor(p)
	}

	scored := make([]scoredNode, 0, len(cand))
	for id := range cand {
		n, ok := g.nodes[id]
		if !ok || !passesFilters(n, o, now) {
			continue
		}
		s := sc.score(n, g.index.TokensOf(id))
		if s < floor {
			continue
		}
		scored = append(scored, scoredNode{node: n, score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.ID < scored[j].node.ID
	})
	scored = pruneLongTail(scored)
	if len(scored) > o.maxResults {
		scored = scored[:o.maxResults]
	}
	for _, s := range scored {
		s.node.Touch(now)
		g.lastTouched[s.node.ID] = now
	}
	return scored, false
}

// Edge returns a copy of the edge with the given endpoints and label.
func (g *Graph) Edge(from, to string, label EdgeLabel) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e := g.edgeLocked(from, to, label)
	if e == nil {
		return Edge{}, false
	}
	return *e, true
}

// entityFastPathLocked resolves a query entity reference against the
// entity registry. A hit that passes the caller's filters bypasses
// scoring entirely.
func (g *Graph) entityFastPathLocked(p queryProfile, o retrieveOptions, now time.Time) *Node {
	for _, ref := range p.entities {
		id, ok := g.byEntity[entityKey{ref.ID, ref.System}]
		if !ok {
			for k, nid := range g.byEntity {
				if strings.EqualFold(k.id, ref.ID) {
					id, ok = nid, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		n := g.nodes[id]
		if n == nil || !passesFilters(n, o, now) {
			continue
		}
		n.Touch(now)
		g.lastTouched[id] = now
		return n
	}
	return nil
}

// scoringContextLocked assembles the per-retrieval working set:
// recently touched nodes, their entity ids, and BFS distances from
// the most recent seeds.
func (g *Graph) scoringContextLocked(p queryProfile, queryEmb []float64, now time.Time) *scoringContext {
	sc := &scoringContext{
		profile:        p,
		weights:        g.weights[p.qtype],
		queryEmbedding: queryEmb,
		now:            now,
		recentSet:      make(map[string]time.Time),
		recentEntities: make(map[string]struct{}),
		distFromRecent: make(map[string]map[string]int),
	}
	for id, at := range g.lastTouched {
		if now.Sub(at) > recentWindow {
			continue
		}
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		sc.recent = append(sc.recent, accessRecord{id: id, at: at})
	}
	sort.Slice(sc.recent, func(i, j int) bool {
		if !sc.recent[i].at.Equal(sc.recent[j].at) {
			return sc.recent[i].at.After(sc.recent[j].at)
		}
		return sc.recent[i].id < sc.recent[j].id
	})
	if len(sc.recent) > recentLimit {
		sc.recent = sc.recent[:recentLimit]
	}
	for _, rec := range sc.recent {
		sc.recentSet[rec.id] = rec.at
		if n := g.nodes[rec.id]; n != nil && n.EntityID != "" {
			sc.recentEntities[strings.ToLower(n.EntityID)] = struct{}{}
		}
	}
	for i, rec := range sc.recent {
		if i >= graphScoreSeeds {
			break
		}
		sc.distFromRecent[rec.id] = g.bfsLocked(rec.id, nil, graphScoreMaxDepth)
	}
	return sc
}

func passesFilters(n *Node, o retrieveOptions, now time.Time) bool {
	if len(o.contextFilter) > 0 {
		match := false
		for _, ct := range o.contextFilter {
			if n.Context == ct {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if o.maxAgeHours > 0 && now.Sub(n.CreatedAt).Hours() > o.maxAgeHours {
		return false
	}
	if o.minRelevance > 0 && n.CurrentRelevance(now) < o.minRelevance {
		return false
	}
	for _, t := range o.requiredTags {
		if !hasTag(n, t) {
			return false
		}
	}
	for _, t := range o.excludedTags {
		if hasTag(n, t) {
			return false
		}
	}
	return true
}

func hasTag(n *Node, tag string) bool {
	tag = normalizeToken(tag)
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RelatedNodes walks the labelled graph bidirectionally from id up to
// maxDistance hops and returns the reached nodes ordered by distance.
// An empty label list follows every label; maxDistance below one is
// treated as one.
func (g *Graph) RelatedNodes(id string, labels []EdgeLabel, maxDistance int) ([]*Node, error) {
	if maxDistance < 1 {
		maxDistance = 1
	}
	var labelSet map[EdgeLabel]struct{}
	if len(labels) > 0 {
		labelSet = make(map[EdgeLabel]struct{}, len(labels))
		for _, l := range labels {
			labelSet[l] = struct{}{}
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	dist := g.bfsLocked(id, labelSet, maxDistance)
	delete(dist, id)

	out := make([]*Node, 0, len(dist))
	for nid := range dist {
		if n, ok := g.nodes[nid]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := dist[out[i].ID], dist[out[j].ID]
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// bfsLocked computes hop distances from seed over the undirected
// projection, optionally restricted to a label set, out to maxDepth.
// Caller holds at least the read lock.
func (g *Graph) bfsLocked(seed string, labels map[EdgeLabel]struct{}, maxDepth int) map[string]int {
	dist := map[string]int{seed: 0}
	frontier := []string{seed}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range g.neighborsLocked(id, labels) {
				if _, seen := dist[nb]; seen {
					continue
				}
				dist[nb] = depth
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return dist
}

func (g *Graph) neighborsLocked(id string, labels map[EdgeLabel]struct{}) []string {
	var out []string
	appendMatching := func(peers map[string]map[EdgeLabel]*Edge) {
		for peer, byLabel := range peers {
			if labels == nil {
				out = append(out, peer)
				continue
			}
			for l := range byLabel {
				if _, ok := labels[l]; ok {
					out = append(out, peer)
					break
				}
			}
		}
	}
	appendMatching(g.out[id])
	appendMatching(g.in[id])
	return out
}

// FindByEntity looks up the node registered for an entity identifier.
// An empty system matches the bare identifier registration.
func (g *Graph) FindByEntity(entityID, entitySystem string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byEntity[entityKey{entityID, entitySystem}]
	if !ok {
		return nil, false
	}
	n, ok := g.nodes[id]
	return n, ok
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of live labelled edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, tos := range g.out {
		for _, byLabel := range tos {
			count += len(byLabel)
		}
	}
	return count
}

// AllNodes returns every node ordered by creation time, then id.
func (g *Graph) AllNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllEdges returns a copy of every edge, ordered by (from, to, label).
func (g *Graph) AllEdges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, tos := range g.out {
		for _, byLabel := range tos {
			for _, e := range byLabel {
				out = append(out, *e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// DeleteNode removes a node and every incident edge.
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	g.deleteNodeLocked(id)
	g.cache.invalidate()
	return nil
}

// deleteNodeLocked removes the node, its incident edges, its index
// entries, and its entity registration. Caller holds the write lock.
func (g *Graph) deleteNodeLocked(id string) {
	n := g.nodes[id]
	for to := range g.out[id] {
		delete(g.in[to], id)
		if len(g.in[to]) == 0 {
			delete(g.in, to)
		}
	}
	delete(g.out, id)
	for from := range g.in[id] {
		delete(g.out[from], id)
		if len(g.out[from]) == 0 {
			delete(g.out, from)
		}
	}
	delete(g.in, id)
	g.index.Remove(id)
	delete(g.lastTouched, id)
	if n != nil && n.EntityID != "" {
		key := entityKey{n.EntityID, n.EntitySystem}
		if g.byEntity[key] == id {
			delete(g.byEntity, key)
		}
	}
	delete(g.nodes, id)
}

// CleanupStale removes nodes older than maxAgeHours, skipping nodes
// tagged preserve and nodes of durable context types (domain_entity,
// conversation_fact). Returns the number removed.
func (g *Graph) CleanupStale(maxAgeHours float64) int {
	return len(g.removeStale(maxAgeHours))
}

// removeStale is CleanupStale returning the removed ids, so the
// manager can mirror the removals into the local store.
func (g *Graph) removeStale(maxAgeHours float64) []string {
	now := time.Now()
	g.mu.Lock()
	var doomed []string
	for id, n := range g.nodes {
		if now.Sub(n.CreatedAt).Hours() <= maxAgeHours {
			continue
		}
		if n.Context.Persistent() || hasTag(n, preserveTag) {
			continue
		}
		doomed = append(doomed, id)
	}
	for _, id := range doomed {
		g.deleteNodeLocked(id)
	}
	if len(doomed) > 0 {
		g.cache.invalidate()
	}
	g.mu.Unlock()

	if len(doomed) > 0 {
		g.emitAll([]emit.Event{{
			ThreadID: g.scope,
			Msg:      emit.MemoryCleanup,
			Meta:     map[string]interface{}{"removed": len(doomed)},
		}})
	}
	return doomed
}

// Restore inserts a fully-formed node, keeping its id and timestamps.
// Used when hydrating a graph from persistent storage; deduplication
// is not re-run because persisted rows are already deduplicated.
func (g *Graph) Restore(n *Node) error {
	if n == nil || n.ID == "" {
		return ErrEmptyContent
	}
	if !n.Context.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidContextType, n.Context)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = n
	if n.EntityID != "" {
		g.byEntity[entityKey{n.EntityID, n.EntitySystem}] = n.ID
	}
	g.index.Index(n.ID, n.Text())
	g.cache.invalidate()
	return nil
}

// RestoreEdge inserts a persisted edge. Both endpoints must already
// be restored.
func (g *Graph) RestoreEdge(e Edge) error {
	if !e.Label.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, e.Label)
	}
	if e.From == e.To {
		return ErrSelfLoop
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("from node %q: %w", e.From, ErrNotFound)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("to node %q: %w", e.To, ErrNotFound)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	g.addEdgeLocked(e.From, e.To, e.Label, e.Strength, created)
	g.cache.invalidate()
	return nil
}

func (g *Graph) emitAll(events []emit.Event) {
	if g.emitter == nil {
		return
	}
	for _, e := range events {
		g.emitter.Emit(e)
	}
}

func normalizeContent(content interface{}) (map[string]interface{}, error) {
	switch c := content.(type) {
	case nil:
		return nil, ErrEmptyContent
	case string:
		if strings.TrimSpace(c) == "" {
			return nil, ErrEmptyContent
		}
		return map[string]interface{}{"text": c}, nil
	case map[string]interface{}:
		if len(c) == 0 {
			return nil, ErrEmptyContent
		}
		out := make(map[string]interface{}, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out, nil
	default:
		return map[string]interface{}{"value": c}, nil
	}
}

// entityTriple reads the entity identifier fields from a content
// record.
func entityTriple(rec map[string]interface{}) (id, typ, system string) {
	if v, ok := rec["entity_id"].(string); ok {
		id = strings.TrimSpace(v)
	}
	if v, ok := rec["entity_type"].(string); ok {
		typ = strings.TrimSpace(v)
	}
	if v, ok := rec["entity_system"].(string); ok {
		system = strings.TrimSpace(v)
	}
	return id, typ, system
}

func mergeTags(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range incoming {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		existing = append(existing, t)
	}
	return existing
}
