package memory

import (
	"sort"
	"sync"
	"time"
)

// Graph metric constants.
const (
	metricsCacheTTL    = 5 * time.Minute
	pageRankDamping    = 0.85
	pageRankMaxIter    = 50
	pageRankTolerance  = 1e-6
	communitiesMaxIter = 20
)

// metricsCache memoizes the graph metrics for five minutes. Any write
// bumps the generation, invalidating the cache; recomputation is lazy
// on the next metric query. The generation check after compute keeps
// a concurrent write from being masked by an in-flight computation.
type metricsCache struct {
	mu          sync.Mutex
	gen         uint64
	computedGen uint64
	computedAt  time.Time
	valid       bool
	pagerank    map[string]float64
	betweenness map[string]float64
	communities [][]string
}

func newMetricsCache() *metricsCache {
	return &metricsCache{}
}

func (c *metricsCache) invalidate() {
	c.mu.Lock()
	c.gen++
	c.valid = false
	c.mu.Unlock()
}

type metricsSnapshot struct {
	pagerank    map[string]float64
	betweenness map[string]float64
	communities [][]string
}

// metrics returns the cached metric set, recomputing when stale.
func (g *Graph) metrics() metricsSnapshot {
	c := g.cache
	c.mu.Lock()
	if c.valid && time.Since(c.computedAt) < metricsCacheTTL {
		snap := metricsSnapshot{c.pagerank, c.betweenness, c.communities}
		c.mu.Unlock()
		return snap
	}
	startGen := c.gen
	c.mu.Unlock()

	ids, out, undirected := g.topology()
	snap := metricsSnapshot{
		pagerank:    pageRank(ids, out),
		betweenness: betweennessCentrality(ids, undirected),
		communities: detectCommunities(ids, undirected),
	}

	c.mu.Lock()
	if c.gen == startGen {
		c.pagerank = snap.pagerank
		c.betweenness = snap.betweenness
		c.communities = snap.communities
		c.computedAt = time.Now()
		c.computedGen = startGen
		c.valid = true
	}
	c.mu.Unlock()
	return snap
}

// topology snapshots node ids, the directed adjacency, and the
// undirected label-agnostic projection.
func (g *Graph) topology() (ids []string, out map[string][]string, undirected map[string][]string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out = make(map[string][]string, len(g.out))
	undirected = make(map[string][]string, len(g.nodes))
	seen := make(map[[2]string]struct{})
	for from, tos := range g.out {
		for to := range tos {
			out[from] = append(out[from], to)
			key := [2]string{from, to}
			if from > to {
				key = [2]string{to, from}
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			undirected[from] = append(undirected[from], to)
			undirected[to] = append(undirected[to], from)
		}
	}
	for _, peers := range out {
		sort.Strings(peers)
	}
	for _, peers := range undirected {
		sort.Strings(peers)
	}
	return ids, out, undirected
}

// ImportantMemories returns the topN nodes by PageRank.
func (g *Graph) ImportantMemories(topN int) []*Node {
	if topN < 1 {
		return nil
	}
	return g.topByScore(g.metrics().pagerank, topN)
}

// BridgeMemories returns the topN nodes by normalized betweenness
// centrality: the memories that connect otherwise separate regions of
// the graph.
func (g *Graph) BridgeMemories(topN int) []*Node {
	if topN < 1 {
		return nil
	}
	return g.topByScore(g.metrics().betweenness, topN)
}

// MemoryClusters returns the communities of the undirected
// projection, largest first. Singleton communities are omitted.
func (g *Graph) MemoryClusters() [][]*Node {
	communities := g.metrics().communities

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]*Node, 0, len(communities))
	for _, ids := range communities {
		cluster := make([]*Node, 0, len(ids))
		for _, id := range ids {
			if n, ok := g.nodes[id]; ok {
				cluster = append(cluster, n)
			}
		}
		if len(cluster) > 1 {
			out = append(out, cluster)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0].ID < out[j][0].ID
	})
	return out
}

func (g *Graph) topByScore(scores map[string]float64, topN int) []*Node {
	type ranked struct {
		id    string
		score float64
	}
	all := make([]ranked, 0, len(scores))
	for id, s := range scores {
		all = append(all, ranked{id, s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, topN)
	for _, r := range all {
		if len(out) == topN {
			break
		}
		if n, ok := g.nodes[r.id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// pageRank computes PageRank over the directed adjacency with the
// standard power iteration, distributing dangling mass uniformly.
func pageRank(ids []string, out map[string][]string) map[string]float64 {
	n := len(ids)
	rank := make(map[string]float64, n)
	if n == 0 {
		return rank
	}

	incoming := make(map[string][]string, n)
	outDegree := make(map[string]int, n)
	for from, tos := range out {
		outDegree[from] = len(tos)
		for _, to := range tos {
			incoming[to] = append(incoming[to], from)
		}
	}

	init := 1.0 / float64(n)
	for _, id := range ids {
		rank[id] = init
	}

	for iter := 0; iter < pageRankMaxIter; iter++ {
		dangling := 0.0
		for _, id := range ids {
			if outDegree[id] == 0 {
				dangling += rank[id]
			}
		}
		next := make(map[string]float64, n)
		base := (1-pageRankDamping)/float64(n) + pageRankDamping*dangling/float64(n)
		delta := 0.0
		for _, id := range ids {
			sum := 0.0
			for _, from := range incoming[id] {
				sum += rank[from] / float64(outDegree[from])
			}
			next[id] = base + pageRankDamping*sum
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < pageRankTolerance {
			break
		}
	}
	return rank
}

// betweennessCentrality runs Brandes' algorithm over the undirected
// projection and normalizes by (n-1)(n-2), which also folds away the
// double counting of each pair.
func betweennessCentrality(ids []string, adj map[string][]string) map[string]float64 {
	cb := make(map[string]float64, len(ids))
	for _, id := range ids {
		cb[id] = 0
	}
	n := len(ids)
	if n < 3 {
		return cb
	}

	for _, s := range ids {
		var stack []string
		preds := make(map[string][]string)
		sigma := map[string]float64{s: 1}
		dist := map[string]int{s: 0}
		queue := []string{s}

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range adj[v] {
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		delta := make(map[string]float64)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				cb[w] += delta[w]
			}
		}
	}

	scale := 1.0 / (float64(n-1) * float64(n-2))
	for id := range cb {
		cb[id] *= scale
	}
	return cb
}

// detectCommunities runs deterministic label propagation: nodes adopt
// the most common label among neighbors, ties resolved toward the
// smallest label, iterating in sorted id order until stable.
func detectCommunities(ids []string, adj map[string][]string) [][]string {
	labels := make(map[string]string, len(ids))
	for _, id := range ids {
		labels[id] = id
	}

	for iter := 0; iter < communitiesMaxIter; iter++ {
		changed := false
		for _, id := range ids {
			peers := adj[id]
			if len(peers) == 0 {
				continue
			}
			counts := make(map[string]int, len(peers))
			for _, p := range peers {
				counts[labels[p]]++
			}
			best := labels[id]
			bestCount := 0
			for label, count := range counts {
				if count > bestCount || (count == bestCount && label < best) {
					best = label
					bestCount = count
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		groups[labels[id]] = append(groups[labels[id]], id)
	}
	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}
