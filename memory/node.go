// Package memory implements a time-decayed, relationship-aware
// conversational memory graph.
//
// Memory is organized as typed nodes connected by directed, labelled
// edges. Nodes decay in relevance over time at a rate determined by
// their context type, and are retrieved through a multi-factor scoring
// engine that combines keyword, semantic, recency, graph-proximity,
// and access-pattern signals. Graph-level metrics (PageRank,
// betweenness centrality, community detection) surface important,
// bridging, and clustered memories.
//
// The package is storage-agnostic: Graph holds the working set in
// process, while the store subpackage provides a hot local tier
// (SQLite with full-text search) and a durable remote tier (MySQL
// with per-user deduplication).
package memory

import (
	"math"
	"time"
)

// ContextType classifies a memory node's lifecycle. The type governs
// relevance decay rate, thread versus user scoping, and cleanup
// eligibility.
type ContextType string

const (
	// ContextSearchResult holds results returned by external search
	// operations. Decays quickly; search results go stale.
	ContextSearchResult ContextType = "search_result"

	// ContextUserSelection records an explicit choice the user made,
	// such as picking one record out of several candidates.
	ContextUserSelection ContextType = "user_selection"

	// ContextToolOutput holds raw output from a tool or agent call.
	ContextToolOutput ContextType = "tool_output"

	// ContextDomainEntity describes a business object (account,
	// ticket, opportunity). Shared across all of a user's threads and
	// deduplicated on the entity identifier.
	ContextDomainEntity ContextType = "domain_entity"

	// ContextCompletedAction records an action the system finished on
	// the user's behalf.
	ContextCompletedAction ContextType = "completed_action"

	// ContextConversationFact is a durable fact learned during
	// conversation. Shared across threads like ContextDomainEntity.
	ContextConversationFact ContextType = "conversation_fact"

	// ContextTemporaryState holds short-lived scratch state. Fastest
	// decay, first to be cleaned up.
	ContextTemporaryState ContextType = "temporary_state"
)

// halfLifeHours returns the relevance half-life for a context type.
// Ephemeral types decay in hours; durable types persist for days.
func halfLifeHours(ct ContextType) float64 {
	switch ct {
	case ContextTemporaryState:
		return 3
	case ContextSearchResult:
		return 6
	case ContextToolOutput:
		return 8
	case ContextCompletedAction:
		return 12
	case ContextConversationFact:
		return 24
	case ContextUserSelection:
		return 36
	case ContextDomainEntity:
		return 48
	default:
		return 24
	}
}

// Persistent reports whether nodes of this type are shared across a
// user's threads and dual-written to the durable store.
func (ct ContextType) Persistent() bool {
	return ct == ContextDomainEntity || ct == ContextConversationFact
}

// Valid reports whether ct is one of the defined context types.
func (ct ContextType) Valid() bool {
	switch ct {
	case ContextSearchResult, ContextUserSelection, ContextToolOutput,
		ContextDomainEntity, ContextCompletedAction,
		ContextConversationFact, ContextTemporaryState:
		return true
	}
	return false
}

// Node is a single memory: a structured content record plus the
// bookkeeping needed for decay, retrieval, and deduplication.
//
// Nodes are identified by ID, unique within their graph. Nodes whose
// content carries an entity identifier are additionally unique on
// (EntityID, EntitySystem) within a user scope; storing a duplicate
// merges content into the existing node instead of inserting.
type Node struct {
	// ID is the stable node identifier ("mem-" + UUID).
	ID string

	// Content is the structured record. Plain-text memories are
	// stored under the "text" key.
	Content map[string]interface{}

	// Context classifies the node's lifecycle.
	Context ContextType

	// Summary is a short human-readable description used in prompt
	// context and full-text search.
	Summary string

	// Tags are lower-cased labels. Never contains empty strings.
	Tags []string

	// BaseRelevance is the initial importance in [0, 1].
	BaseRelevance float64

	// CreatedAt is when the node was first stored.
	CreatedAt time.Time

	// LastAccessed advances every time the node is returned by
	// retrieval or explicitly touched. Monotonic.
	LastAccessed time.Time

	// AccessCount counts touches since creation.
	AccessCount int

	// UpdateCount counts writes of this node's entity: 1 at creation,
	// incremented on every deduplication merge.
	UpdateCount int

	// Metadata carries caller-defined annotations, not scored.
	Metadata map[string]interface{}

	// EntityID, EntityType, EntitySystem identify the external
	// business object this node describes, when it describes one.
	// (EntityID, EntitySystem) is the deduplication key.
	EntityID     string
	EntityType   string
	EntitySystem string

	// Embedding is an optional dense vector for semantic scoring.
	Embedding []float64
}

// Relevance boost constants. A recent access lifts a node's current
// relevance by up to accessBoostMax, halving every accessBoostHalfLife
// hours. Current relevance is clamped to [relevanceFloor, relevanceCeil].
const (
	accessBoostMax      = 0.3
	accessBoostHalfLife = 2.0
	relevanceFloor      = 0.05
	relevanceCeil       = 1.0
)

// CurrentRelevance computes the node's live relevance at the given
// instant:
//
//	base_relevance * 0.5^(age_hours/half_life) + access_boost
//
// where half_life depends on the context type and access_boost decays
// from 0.3 with a two-hour half-life since last access. The result is
// clamped to [0.05, 1.0], so no live node ever scores exactly zero.
func (n *Node) CurrentRelevance(now time.Time) float64 {
	ageHours := now.Sub(n.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	decayed := n.BaseRelevance * math.Pow(0.5, ageHours/halfLifeHours(n.Context))

	sinceAccess := now.Sub(n.LastAccessed).Hours()
	if sinceAccess < 0 {
		sinceAccess = 0
	}
	boost := accessBoostMax * math.Pow(0.5, sinceAccess/accessBoostHalfLife)

	r := decayed + boost
	if r < relevanceFloor {
		return relevanceFloor
	}
	if r > relevanceCeil {
		return relevanceCeil
	}
	return r
}

// Touch marks the node as accessed now. LastAccessed never moves
// backward, so touching cannot reduce current relevance.
func (n *Node) Touch(now time.Time) {
	if now.After(n.LastAccessed) {
		n.LastAccessed = now
	}
	n.AccessCount++
}

// Text flattens the node's searchable text: summary, tags, string
// content values, and the entity identifier triple.
func (n *Node) Text() string {
	parts := make([]string, 0, 4+len(n.Tags))
	if n.Summary != "" {
		parts = append(parts, n.Summary)
	}
	parts = append(parts, n.Tags...)
	parts = append(parts, flattenStrings(n.Content)...)
	if n.EntityID != "" {
		parts = append(parts, n.EntityID, n.EntityType, n.EntitySystem)
	}
	return joinNonEmpty(parts)
}

// flattenStrings collects string and stringable leaf values from a
// nested content record, depth-first.
func flattenStrings(m map[string]interface{}) []string {
	var out []string
	for _, v := range m {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			out = append(out, flattenStrings(t)...)
		case []interface{}:
			for _, e := range t {
				if s, ok := e.(string); ok {
					out = append(out, s)
				} else if sub, ok := e.(map[string]interface{}); ok {
					out = append(out, flattenStrings(sub)...)
				}
			}
		}
	}
	return out
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

// EdgeLabel names the relationship a directed edge asserts between
// two memories.
type EdgeLabel string

const (
	// EdgeLedTo records causal sequence: the source memory led to the
	// target (a search led to a selection, an action led to a result).
	EdgeLedTo EdgeLabel = "led_to"

	// EdgeRelatesTo is an unordered topical association.
	EdgeRelatesTo EdgeLabel = "relates_to"

	// EdgeDependsOn marks the source as depending on the target.
	EdgeDependsOn EdgeLabel = "depends_on"

	// EdgeContradicts marks conflicting information.
	EdgeContradicts EdgeLabel = "contradicts"

	// EdgeRefines marks the source as a more precise version of the
	// target.
	EdgeRefines EdgeLabel = "refines"

	// EdgeAnswers marks the source as answering the target.
	EdgeAnswers EdgeLabel = "answers"
)

// Valid reports whether l is one of the defined edge labels.
func (l EdgeLabel) Valid() bool {
	switch l {
	case EdgeLedTo, EdgeRelatesTo, EdgeDependsOn, EdgeContradicts,
		EdgeRefines, EdgeAnswers:
		return true
	}
	return false
}

// Edge is a directed, labelled relationship between two nodes.
// Multiple edges may connect the same pair as long as their labels
// differ; self-loops are rejected.
type Edge struct {
	From      string
	To        string
	Label     EdgeLabel
	Strength  float64
	CreatedAt time.Time
	Metadata  map[string]interface{}
}

// deepMerge merges src into dst key-wise, recursing into nested maps.
// Scalar conflicts resolve last-write-wins in favor of src. dst is
// modified in place and returned.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if cur, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = deepMerge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// normalizeTags lower-cases, trims, and deduplicates tags, dropping
// empties.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeToken(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
