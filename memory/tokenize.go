package memory

import (
	"regexp"
	"strings"
	"unicode"
)

// minTokenLen drops short function words before indexing or scoring.
const minTokenLen = 3

// stopWords is the closed list of tokens excluded from the inverted
// index and from query matching. Kept small on purpose: retrieval
// quality depends more on scoring than on aggressive filtering.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "his": {}, "how": {},
	"man": {}, "new": {}, "now": {}, "old": {}, "see": {}, "two": {},
	"way": {}, "who": {}, "did": {}, "its": {}, "let": {}, "she": {},
	"too": {}, "use": {}, "that": {}, "with": {}, "have": {}, "this": {},
	"will": {}, "your": {}, "from": {}, "they": {}, "been": {},
	"were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"their": {}, "would": {}, "there": {}, "could": {}, "should": {},
	"about": {}, "into": {}, "than": {}, "them": {}, "then": {},
	"some": {}, "only": {}, "also": {}, "very": {}, "just": {},
	"please": {}, "show": {}, "give": {}, "want": {}, "need": {},
}

// normalizeToken lower-cases and trims a single token.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// tokenize splits text on non-letter/digit runes, lower-cases, and
// drops stop words and tokens shorter than minTokenLen.
func tokenize(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < minTokenLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Entity reference patterns recognized in query strings. These cover
// the external systems the memory typically describes: issue keys,
// CRM record identifiers, ITSM ticket numbers, addresses, and long
// numeric references.
var (
	jiraKeyPattern    = regexp.MustCompile(`\b[A-Z][A-Z0-9]*-\d+\b`)
	salesforcePattern = regexp.MustCompile(`\b[a-zA-Z0-9]{15}(?:[a-zA-Z0-9]{3})?\b`)
	serviceNowPattern = regexp.MustCompile(`\b(?:INC|CHG|PRB|TASK|REQ|RITM|KB)\d{7}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	longNumberPattern = regexp.MustCompile(`\b\d{6,}\b`)
)

// EntityRef is an entity identifier extracted from free text.
type EntityRef struct {
	// ID is the matched identifier, verbatim.
	ID string

	// System is the source system the pattern implies: "jira",
	// "salesforce", "servicenow", "email", or "numeric".
	System string
}

// extractEntities scans text for known entity identifier shapes.
// Matches are deduplicated preserving first-seen order. Salesforce
// candidates must contain at least one digit: a 15-letter word is a
// word, not a record id.
func extractEntities(text string) []EntityRef {
	var refs []EntityRef
	seen := make(map[string]struct{})
	add := func(id, system string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, EntityRef{ID: id, System: system})
	}

	for _, m := range serviceNowPattern.FindAllString(text, -1) {
		add(m, "servicenow")
	}
	for _, m := range jiraKeyPattern.FindAllString(text, -1) {
		add(m, "jira")
	}
	for _, m := range emailPattern.FindAllString(text, -1) {
		add(m, "email")
	}
	for _, m := range salesforcePattern.FindAllString(text, -1) {
		if strings.ContainsAny(m, "0123456789") {
			add(m, "salesforce")
		}
	}
	for _, m := range longNumberPattern.FindAllString(text, -1) {
		add(m, "numeric")
	}
	return refs
}

// QueryType selects the scoring weight profile for a retrieval query.
type QueryType string

const (
	// QueryEntityLookup favors exact entity matches. Chosen when the
	// query contains entity identifiers or is entirely upper-case
	// codes and digits.
	QueryEntityLookup QueryType = "entity_lookup"

	// QueryRecentContext favors freshly created or accessed nodes.
	QueryRecentContext QueryType = "recent_context"

	// QueryGraphNavigation favors nodes connected to the recent
	// working set.
	QueryGraphNavigation QueryType = "graph_navigation"

	// QuerySemanticSearch favors embedding similarity. Only selected
	// when an embedder is configured and the query is long enough to
	// carry meaning.
	QuerySemanticSearch QueryType = "semantic_search"

	// QueryDefault is the balanced profile.
	QueryDefault QueryType = "default"
)

var (
	recencyWords = map[string]struct{}{
		"recent": {}, "latest": {}, "last": {}, "previous": {}, "earlier": {},
	}
	navigationWords = map[string]struct{}{
		"related": {}, "connected": {}, "linked": {}, "associated": {},
	}
	// positionalWords flag queries that point back at something already
	// on the table ("the second one", "that ticket"). Recency boosts
	// are doubled for these.
	positionalWords = map[string]struct{}{
		"first": {}, "second": {}, "third": {}, "last": {},
		"that": {}, "this": {}, "next": {}, "previous": {},
	}
)

// queryProfile is the analyzed form of a retrieval query: its tokens,
// extracted entity references, resolved type, and positional flag.
type queryProfile struct {
	raw        string
	tokens     []string
	entities   []EntityRef
	qtype      QueryType
	positional bool
}

// analyzeQuery classifies a query string. Classification is checked in
// priority order: entity lookup, recent context, graph navigation,
// semantic search (when embeddings are available), then default.
func analyzeQuery(query string, haveEmbedder bool) queryProfile {
	p := queryProfile{
		raw:      query,
		tokens:   tokenize(query),
		entities: extractEntities(query),
	}

	lower := strings.ToLower(query)
	for w := range positionalWords {
		if containsWord(lower, w) {
			p.positional = true
			break
		}
	}

	switch {
	case len(p.entities) > 0 || isCodeQuery(query):
		p.qtype = QueryEntityLookup
	case containsAnyWord(lower, recencyWords):
		p.qtype = QueryRecentContext
	case containsAnyWord(lower, navigationWords):
		p.qtype = QueryGraphNavigation
	case haveEmbedder && len(p.tokens) > 3:
		p.qtype = QuerySemanticSearch
	default:
		p.qtype = QueryDefault
	}
	return p
}

// isCodeQuery reports whether the query is entirely upper-case
// letters, digits, and separators, the shape of a pasted identifier.
func isCodeQuery(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return false
	}
	hasAlnum := false
	for _, r := range q {
		switch {
		case unicode.IsUpper(r) || unicode.IsDigit(r):
			hasAlnum = true
		case r == '-' || r == '_' || r == ' ' || r == '#':
		default:
			return false
		}
	}
	return hasAlnum
}

func containsAnyWord(lower string, words map[string]struct{}) bool {
	for w := range words {
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

// containsWord matches w in lower on word boundaries.
func containsWord(lower, w string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		beforeOK := start == 0 || !isWordRune(rune(lower[start-1]))
		afterOK := end == len(lower) || !isWordRune(rune(lower[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
