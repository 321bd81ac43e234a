package memory

import (
	"strings"
	"time"
)

// ScoreWeights are the per-factor multipliers applied when combining
// score components into a final retrieval score.
type ScoreWeights struct {
	Keyword   float64
	Semantic  float64
	Recency   float64
	Context   float64
	Graph     float64
	Relevance float64
}

// weightProfiles maps each query type to its weight profile. The
// dominant factor for a profile carries three times the balanced
// weight; the remaining factors stay non-zero so a strong signal on a
// secondary factor can still surface a node.
var weightProfiles = map[QueryType]ScoreWeights{
	QueryEntityLookup:    {Keyword: 3.0, Semantic: 0.5, Recency: 0.5, Context: 1.0, Graph: 0.5, Relevance: 1.0},
	QueryRecentContext:   {Keyword: 1.0, Semantic: 0.5, Recency: 3.0, Context: 1.5, Graph: 0.5, Relevance: 1.0},
	QueryGraphNavigation: {Keyword: 1.0, Semantic: 0.5, Recency: 0.5, Context: 1.0, Graph: 3.0, Relevance: 1.0},
	QuerySemanticSearch:  {Keyword: 1.0, Semantic: 3.0, Recency: 0.5, Context: 0.5, Graph: 0.5, Relevance: 1.0},
	QueryDefault:         {Keyword: 1.5, Semantic: 1.0, Recency: 1.0, Context: 1.0, Graph: 1.0, Relevance: 1.0},
}

// Scoring constants.
const (
	// Keyword factor.
	entityExactScore    = 3.0 // extracted entity matches the node's entity id or name exactly
	entitySubstrScore   = 1.5 // extracted entity appears inside the node's text
	tagHitScore         = 1.0 // query token hits a non-generic node token
	genericHitScore     = 0.2 // query token hits a generic term
	missPenaltyScale    = 1.5 // multiplied by the miss ratio when under half the tokens hit
	entityMissPenalty   = 2.0 // query names entities, node matches none of them
	minSubstrEntityLen  = 4   // substring entity matches shorter than this are noise
	missPenaltyMinToks  = 3   // miss-ratio penalty applies from this many query tokens
	missPenaltyMinRatio = 0.5

	// Context factor.
	contextAccessWindow       = 5 * time.Minute
	contextRecentAccessScore  = 2.0
	contextEntityOverlapScore = 1.5

	// Spam penalties.
	spamTagPenalty       = 0.3
	spamDensityPenalty   = 0.2
	spamDensityThreshold = 0.3
	spamBurstPenalty     = 0.1
	spamBurstWindow      = time.Minute
	spamBurstAccesses    = 3

	// Score floor and long-tail pruning.
	defaultMinScore   = 0.3
	longQueryMinScore = 0.5
	longQueryTokens   = 3   // queries with more tokens than this use longQueryMinScore
	pruneTopMeanRatio = 2.0 // top must exceed this multiple of the mean
	pruneTopAbsolute  = 0.5 // and this absolute value
	pruneKeepRatio    = 0.6 // survivors keep at least this fraction of the top score
)

// genericTerms are tokens that match everything and mean little. They
// still contribute, but at a fifth of a real hit.
var genericTerms = map[string]struct{}{
	"data": {}, "info": {}, "information": {}, "result": {},
	"results": {}, "item": {}, "items": {}, "record": {},
	"records": {}, "status": {}, "update": {}, "updated": {},
	"detail": {}, "details": {}, "list": {}, "value": {},
	"name": {}, "type": {}, "user": {}, "system": {},
}

// spamTags mark nodes that flood retrieval: manufactured hubs,
// keyword-stuffed noise, and content flagged by upstream filters.
var spamTags = map[string]struct{}{
	"spam": {}, "noise": {}, "pollution": {},
	"malicious": {}, "hub": {}, "connector": {},
}

// accessRecord tracks one touch of a node for working-set scoring.
type accessRecord struct {
	id string
	at time.Time
}

// scoringContext carries the per-retrieval state shared by all
// candidate scores: the analyzed query, the optional query embedding,
// the recent-access working set, and precomputed graph distances from
// that working set.
type scoringContext struct {
	profile        queryProfile
	weights        ScoreWeights
	queryEmbedding []float64
	now            time.Time
	recent         []accessRecord
	recentSet      map[string]time.Time
	recentEntities map[string]struct{}
	distFromRecent map[string]map[string]int
}

// score combines the weighted factor sum minus spam penalties,
// clamped at zero.
func (sc *scoringContext) score(n *Node, nodeTokens map[string]struct{}) float64 {
	w := sc.weights
	s := w.Keyword*sc.keywordScore(n, nodeTokens) +
		w.Semantic*cosineSimilarity(sc.queryEmbedding, n.Embedding) +
		w.Recency*sc.recencyBoost(n) +
		w.Context*sc.contextScore(n) +
		w.Graph*sc.graphScore(n) +
		w.Relevance*n.CurrentRelevance(sc.now)
	s -= sc.spamPenalty(n)
	if s < 0 {
		return 0
	}
	return s
}

// keywordScore rewards entity and token overlap between query and
// node, penalizing nodes that miss most of a multi-token query and
// nodes that fail to match any of the query's named entities.
func (sc *scoringContext) keywordScore(n *Node, nodeTokens map[string]struct{}) float64 {
	score := 0.0

	entityMatched := false
	if len(sc.profile.entities) > 0 {
		nodeText := ""
		for _, ref := range sc.profile.entities {
			if entityNameMatches(n, ref.ID) {
				score += entityExactScore
				entityMatched = true
				continue
			}
			if len(ref.ID) >= minSubstrEntityLen {
				if nodeText == "" {
					nodeText = strings.ToLower(n.Text())
				}
				if strings.Contains(nodeText, strings.ToLower(ref.ID)) {
					score += entitySubstrScore
					entityMatched = true
				}
			}
		}
		if !entityMatched {
			score -= entityMissPenalty
		}
	}

	hits := 0
	for _, tok := range sc.profile.tokens {
		if _, ok := nodeTokens[tok]; !ok {
			continue
		}
		hits++
		if _, generic := genericTerms[tok]; generic {
			score += genericHitScore
		} else {
			score += tagHitScore
		}
	}
	if len(sc.profile.tokens) >= missPenaltyMinToks {
		ratio := float64(hits) / float64(len(sc.profile.tokens))
		if ratio < missPenaltyMinRatio {
			score -= (1 - ratio) * missPenaltyScale
		}
	}
	return score
}

// entityNameMatches reports whether ref equals the node's entity id
// or its content "name" field, case-insensitively.
func entityNameMatches(n *Node, ref string) bool {
	if n.EntityID != "" && strings.EqualFold(n.EntityID, ref) {
		return true
	}
	if name, ok := n.Content["name"].(string); ok && name != "" {
		return strings.EqualFold(name, ref)
	}
	return false
}

// recencyBoost is a piecewise function of node age. Each bracket
// interpolates linearly down to the next bracket's ceiling, bottoming
// out at 0.05 for old nodes. Positional queries ("the second one")
// double the boost because they point at the working set.
func (sc *scoringContext) recencyBoost(n *Node) float64 {
	age := sc.now.Sub(n.CreatedAt)
	if age < 0 {
		age = 0
	}
	b := recencyBracket(age)
	if sc.profile.positional {
		b *= 2
	}
	return b
}

func recencyBracket(age time.Duration) float64 {
	h := age.Hours()
	switch {
	case h < 0.1: // under six minutes
		return interp(h, 0, 0.1, 2.0, 1.0)
	case h < 0.5: // under thirty minutes
		return interp(h, 0.1, 0.5, 1.0, 0.5)
	case h < 2:
		return interp(h, 0.5, 2, 0.5, 0.2)
	case h < 24:
		return interp(h, 2, 24, 0.2, 0.1)
	default:
		return 0.05
	}
}

// interp maps x in [x0,x1] linearly onto [y0,y1].
func interp(x, x0, x1, y0, y1 float64) float64 {
	return y0 + (x-x0)/(x1-x0)*(y1-y0)
}

// contextScore rewards membership in the active working set: nodes
// touched in the last five minutes, doubly so when the query names an
// entity that is also part of that set.
func (sc *scoringContext) contextScore(n *Node) float64 {
	at, recent := sc.recentSet[n.ID]
	if !recent || sc.now.Sub(at) > contextAccessWindow {
		return 0
	}
	score := contextRecentAccessScore
	for _, ref := range sc.profile.entities {
		if _, ok := sc.recentEntities[strings.ToLower(ref.ID)]; ok {
			score += contextEntityOverlapScore
			break
		}
	}
	return score
}

// graphScore sums proximity to recently accessed nodes: each recent
// node contributes timeWeight/(1+distance), so direct neighbors of
// the working set outrank distant cousins.
func (sc *scoringContext) graphScore(n *Node) float64 {
	score := 0.0
	for _, rec := range sc.recent {
		if rec.id == n.ID {
			continue
		}
		dists, ok := sc.distFromRecent[rec.id]
		if !ok {
			continue
		}
		d, ok := dists[n.ID]
		if !ok {
			continue
		}
		score += accessTimeWeight(sc.now.Sub(rec.at)) / float64(1+d)
	}
	return score
}

// accessTimeWeight discounts working-set members by how long ago they
// were touched.
func accessTimeWeight(since time.Duration) float64 {
	switch {
	case since < 5*time.Minute:
		return 1.0
	case since < 15*time.Minute:
		return 0.6
	default:
		return 0.3
	}
}

// spamPenalty accumulates signals of manufactured or keyword-stuffed
// nodes: flagged tags, query-term density in content, and access
// bursts right after creation.
func (sc *scoringContext) spamPenalty(n *Node) float64 {
	p := 0.0
	for _, t := range n.Tags {
		if _, flagged := spamTags[t]; flagged {
			p += spamTagPenalty
			break
		}
	}
	if len(sc.profile.tokens) > 0 {
		if keywordDensity(n, sc.profile.tokens) > spamDensityThreshold {
			p += spamDensityPenalty
		}
	}
	if n.AccessCount >= spamBurstAccesses && n.LastAccessed.Sub(n.CreatedAt) < spamBurstWindow {
		p += spamBurstPenalty
	}
	return p
}

// keywordDensity is the fraction of the node's content tokens that
// are query tokens.
func keywordDensity(n *Node, queryTokens []string) float64 {
	contentTokens := tokenizeAll(n.Text())
	if len(contentTokens) == 0 {
		return 0
	}
	qset := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		qset[t] = struct{}{}
	}
	hits := 0
	for _, t := range contentTokens {
		if _, ok := qset[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(contentTokens))
}

// tokenizeAll is tokenize without deduplication, for density counts.
func tokenizeAll(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	}) {
		if len(f) < minTokenLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// minScoreFor returns the retrieval score floor: stricter for longer
// queries, where partial matches abound.
func minScoreFor(p queryProfile) float64 {
	if len(p.tokens) > longQueryTokens {
		return longQueryMinScore
	}
	return defaultMinScore
}

// pruneLongTail drops weak matches when one candidate dominates: if
// the top score is both above pruneTopAbsolute and more than twice
// the mean, only candidates within pruneKeepRatio of the top survive.
// scored must be sorted descending.
func pruneLongTail(scored []scoredNode) []scoredNode {
	if len(scored) < 2 {
		return scored
	}
	top := scored[0].score
	if top <= pruneTopAbsolute {
		return scored
	}
	sum := 0.0
	for _, s := range scored {
		sum += s.score
	}
	mean := sum / float64(len(scored))
	if top <= pruneTopMeanRatio*mean {
		return scored
	}
	cut := pruneKeepRatio * top
	out := scored[:0]
	for _, s := range scored {
		if s.score >= cut {
			out = append(out, s)
		}
	}
	return out
}

// scoredNode pairs a node with its retrieval score.
type scoredNode struct {
	node  *Node
	score float64
}
