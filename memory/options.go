package memory

import "github.com/dshills/agentflow-go/emit"

// GraphOption configures a Graph at construction.
type GraphOption func(*graphConfig)

type graphConfig struct {
	embedder Embedder
	emitter  emit.Emitter
	weights  map[QueryType]ScoreWeights
}

// WithEmbedder enables the semantic scoring factor. Query and node
// embeddings are compared by cosine similarity; without an embedder
// the factor contributes zero and the semantic_search query type is
// never selected.
func WithEmbedder(e Embedder) GraphOption {
	return func(cfg *graphConfig) {
		cfg.embedder = e
	}
}

// WithEmitter routes graph-update events (node added, node merged,
// edge added, cleanup) to the given emitter. Default: events dropped.
func WithEmitter(e emit.Emitter) GraphOption {
	return func(cfg *graphConfig) {
		cfg.emitter = e
	}
}

// WithScoreWeights replaces the built-in weight profiles. Profiles
// missing from the map fall back to the defaults. Intended for tests
// and controlled tuning.
func WithScoreWeights(profiles map[QueryType]ScoreWeights) GraphOption {
	return func(cfg *graphConfig) {
		if cfg.weights == nil {
			cfg.weights = make(map[QueryType]ScoreWeights, len(profiles))
		}
		for k, v := range profiles {
			cfg.weights[k] = v
		}
	}
}

// StoreOption configures a single Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	summary    string
	tags       []string
	relatesTo  []string
	dependsOn  []string
	confidence float64
	metadata   map[string]interface{}
	embedding  []float64
}

// WithSummary attaches a short human-readable description, used in
// prompt context and full-text search.
func WithSummary(s string) StoreOption {
	return func(o *storeOptions) { o.summary = s }
}

// WithTags attaches searchable labels. Tags are lower-cased and
// deduplicated; empty strings are dropped.
func WithTags(tags ...string) StoreOption {
	return func(o *storeOptions) { o.tags = append(o.tags, tags...) }
}

// WithRelatesTo adds relates_to edges from the new node to each
// existing target. Unknown targets are skipped.
func WithRelatesTo(ids ...string) StoreOption {
	return func(o *storeOptions) { o.relatesTo = append(o.relatesTo, ids...) }
}

// WithDependsOn adds depends_on edges from the new node to each
// existing target. Unknown targets are skipped.
func WithDependsOn(ids ...string) StoreOption {
	return func(o *storeOptions) { o.dependsOn = append(o.dependsOn, ids...) }
}

// WithConfidence sets the base relevance in [0, 1]. Default 0.5.
func WithConfidence(c float64) StoreOption {
	return func(o *storeOptions) { o.confidence = c }
}

// WithMetadata attaches caller-defined annotations. Metadata is not
// scored and not indexed.
func WithMetadata(m map[string]interface{}) StoreOption {
	return func(o *storeOptions) { o.metadata = m }
}

// WithEmbedding attaches a precomputed content embedding for semantic
// scoring.
func WithEmbedding(v []float64) StoreOption {
	return func(o *storeOptions) { o.embedding = v }
}

// RetrieveOption configures a single RetrieveRelevant call.
type RetrieveOption func(*retrieveOptions)

type retrieveOptions struct {
	contextFilter []ContextType
	maxAgeHours   float64
	minRelevance  float64
	maxResults    int
	requiredTags  []string
	excludedTags  []string
	minScore      float64
}

func defaultRetrieveOptions() retrieveOptions {
	return retrieveOptions{
		maxResults: 10,
		minScore:   -1, // resolved per query
	}
}

// WithContextFilter restricts results to the given context types.
func WithContextFilter(types ...ContextType) RetrieveOption {
	return func(o *retrieveOptions) { o.contextFilter = append(o.contextFilter, types...) }
}

// WithMaxAge drops candidates created more than the given number of
// hours ago.
func WithMaxAge(hours float64) RetrieveOption {
	return func(o *retrieveOptions) { o.maxAgeHours = hours }
}

// WithMinRelevance drops candidates whose current relevance is below
// the threshold.
func WithMinRelevance(r float64) RetrieveOption {
	return func(o *retrieveOptions) { o.minRelevance = r }
}

// WithMaxResults caps the result count. Default 10.
func WithMaxResults(n int) RetrieveOption {
	return func(o *retrieveOptions) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithRequiredTags keeps only candidates carrying every listed tag.
func WithRequiredTags(tags ...string) RetrieveOption {
	return func(o *retrieveOptions) { o.requiredTags = append(o.requiredTags, tags...) }
}

// WithExcludedTags drops candidates carrying any listed tag.
func WithExcludedTags(tags ...string) RetrieveOption {
	return func(o *retrieveOptions) { o.excludedTags = append(o.excludedTags, tags...) }
}

// WithMinScore overrides the automatic score floor (0.3, or 0.5 for
// queries longer than three tokens).
func WithMinScore(s float64) RetrieveOption {
	return func(o *retrieveOptions) { o.minScore = s }
}
