package memory

// invertedIndex maps tokens to the node ids containing them. Per-node
// token sets are retained so removals are exact rather than requiring
// a re-tokenization of stale text.
//
// The index is not internally synchronized; it mutates under the
// owning graph's lock.
type invertedIndex struct {
	postings   map[string]map[string]struct{}
	nodeTokens map[string]map[string]struct{}
}

func newInvertedIndex() *invertedIndex {
	return &invertedIndex{
		postings:   make(map[string]map[string]struct{}),
		nodeTokens: make(map[string]map[string]struct{}),
	}
}

// Index replaces the token set for nodeID with the tokens of text.
func (ix *invertedIndex) Index(nodeID, text string) {
	ix.Remove(nodeID)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
		posting, ok := ix.postings[tok]
		if !ok {
			posting = make(map[string]struct{})
			ix.postings[tok] = posting
		}
		posting[nodeID] = struct{}{}
	}
	ix.nodeTokens[nodeID] = set
}

// Remove deletes nodeID from every posting list it appears in.
func (ix *invertedIndex) Remove(nodeID string) {
	set, ok := ix.nodeTokens[nodeID]
	if !ok {
		return
	}
	for tok := range set {
		posting := ix.postings[tok]
		delete(posting, nodeID)
		if len(posting) == 0 {
			delete(ix.postings, tok)
		}
	}
	delete(ix.nodeTokens, nodeID)
}

// Lookup returns the union of posting lists for the given tokens.
func (ix *invertedIndex) Lookup(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokens {
		for id := range ix.postings[tok] {
			out[id] = struct{}{}
		}
	}
	return out
}

// HasAny reports whether at least one token has a posting list.
func (ix *invertedIndex) HasAny(tokens []string) bool {
	for _, tok := range tokens {
		if len(ix.postings[tok]) > 0 {
			return true
		}
	}
	return false
}

// TokensOf returns the indexed token set for a node, nil if absent.
func (ix *invertedIndex) TokensOf(nodeID string) map[string]struct{} {
	return ix.nodeTokens[nodeID]
}
