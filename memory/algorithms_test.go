package memory

import (
	"testing"
)

func TestPageRank(t *testing.T) {
	t.Run("star favors the hub", func(t *testing.T) {
		ids := []string{"hub", "s1", "s2", "s3"}
		out := map[string][]string{
			"s1": {"hub"},
			"s2": {"hub"},
			"s3": {"hub"},
		}
		rank := pageRank(ids, out)
		for _, spoke := range []string{"s1", "s2", "s3"} {
			if rank["hub"] <= rank[spoke] {
				t.Errorf("expected hub above %s: %v vs %v", spoke, rank["hub"], rank[spoke])
			}
		}
	})

	t.Run("ranks sum to one", func(t *testing.T) {
		ids := []string{"a", "b", "c"}
		out := map[string][]string{"a": {"b"}, "b": {"c"}}
		rank := pageRank(ids, out)
		sum := 0.0
		for _, r := range rank {
			sum += r
		}
		if !closeTo(sum, 1.0, 0.01) {
			t.Errorf("expected ranks to sum to 1, got %v", sum)
		}
	})

	t.Run("empty graph", func(t *testing.T) {
		if rank := pageRank(nil, nil); len(rank) != 0 {
			t.Errorf("expected empty map, got %v", rank)
		}
	})
}

func TestBetweennessCentrality(t *testing.T) {
	t.Run("path centers on the middle", func(t *testing.T) {
		ids := []string{"a", "b", "c"}
		adj := map[string][]string{
			"a": {"b"},
			"b": {"a", "c"},
			"c": {"b"},
		}
		cb := betweennessCentrality(ids, adj)
		if !closeTo(cb["b"], 0.5, 1e-9) {
			t.Errorf("expected cb[b] = 0.5, got %v", cb["b"])
		}
		if cb["a"] != 0 || cb["c"] != 0 {
			t.Errorf("expected endpoints at 0, got %v / %v", cb["a"], cb["c"])
		}
	})

	t.Run("under three nodes all zero", func(t *testing.T) {
		cb := betweennessCentrality([]string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}})
		if cb["a"] != 0 || cb["b"] != 0 {
			t.Errorf("expected zeros, got %v", cb)
		}
	})
}

func TestDetectCommunities(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	adj := map[string][]string{
		"a": {"b"}, "b": {"a"},
		"c": {"d"}, "d": {"c"},
	}
	got := detectCommunities(ids, adj)
	if len(got) != 3 {
		t.Fatalf("expected 3 groups (two pairs, one singleton), got %d", len(got))
	}
	if len(got[0]) != 2 || len(got[1]) != 2 || len(got[2]) != 1 {
		t.Errorf("expected sizes [2 2 1], got [%d %d %d]", len(got[0]), len(got[1]), len(got[2]))
	}
	if got[0][0] != "a" || got[0][1] != "b" {
		t.Errorf("expected first group [a b], got %v", got[0])
	}
}

func TestImportantMemories(t *testing.T) {
	g := NewGraph("t1")
	hub, _ := g.Store("central decision record", ContextConversationFact)
	for i := 0; i < 3; i++ {
		spoke, _ := g.Store("supporting evidence", ContextToolOutput)
		if err := g.AddRelationship(spoke, hub, EdgeLedTo, 0.8); err != nil {
			t.Fatal(err)
		}
	}

	top := g.ImportantMemories(1)
	if len(top) != 1 {
		t.Fatalf("expected 1 result, got %d", len(top))
	}
	if top[0].ID != hub {
		t.Errorf("expected hub first, got %s", top[0].ID)
	}

	if got := g.ImportantMemories(0); got != nil {
		t.Errorf("expected nil for topN 0, got %v", got)
	}
	if got := g.ImportantMemories(100); len(got) != g.NodeCount() {
		t.Errorf("expected all %d nodes, got %d", g.NodeCount(), len(got))
	}
}

func TestBridgeMemories(t *testing.T) {
	g := NewGraph("t1")
	var chain []string
	for i := 0; i < 5; i++ {
		id, _ := g.Store("chain link", ContextToolOutput)
		chain = append(chain, id)
		if i > 0 {
			if err := g.AddRelationship(chain[i-1], chain[i], EdgeLedTo, 0.5); err != nil {
				t.Fatal(err)
			}
		}
	}

	top := g.BridgeMemories(1)
	if len(top) != 1 {
		t.Fatalf("expected 1 result, got %d", len(top))
	}
	if top[0].ID != chain[2] {
		t.Errorf("expected the middle of the chain, got %s", top[0].ID)
	}
}

func TestMemoryClusters(t *testing.T) {
	g := NewGraph("t1")
	triangle := func() []string {
		var ids []string
		for i := 0; i < 3; i++ {
			id, _ := g.Store("cluster member", ContextToolOutput)
			ids = append(ids, id)
		}
		for i := 0; i < 3; i++ {
			if err := g.AddRelationship(ids[i], ids[(i+1)%3], EdgeRelatesTo, 0.5); err != nil {
				t.Fatal(err)
			}
		}
		return ids
	}
	first := triangle()
	second := triangle()
	g.Store("loner", ContextToolOutput)

	clusters := g.MemoryClusters()
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters (singleton omitted), got %d", len(clusters))
	}
	for _, c := range clusters {
		if len(c) != 3 {
			t.Errorf("expected cluster of 3, got %d", len(c))
		}
	}

	membership := make(map[string]int)
	for ci, c := range clusters {
		for _, n := range c {
			membership[n.ID] = ci
		}
	}
	if membership[first[0]] == membership[second[0]] {
		t.Error("expected the triangles in separate clusters")
	}
}

func TestMetricsCacheInvalidation(t *testing.T) {
	g := NewGraph("t1")
	a, _ := g.Store("first", ContextToolOutput)
	b, _ := g.Store("second", ContextToolOutput)
	_ = g.AddRelationship(a, b, EdgeLedTo, 0.5)

	before := g.ImportantMemories(10)
	if len(before) != 2 {
		t.Fatalf("expected 2 ranked nodes, got %d", len(before))
	}

	// A write invalidates the cached metrics; the next query must see
	// the new node.
	g.Store("third", ContextToolOutput)
	after := g.ImportantMemories(10)
	if len(after) != 3 {
		t.Errorf("expected 3 ranked nodes after insert, got %d", len(after))
	}

	// DeleteNode invalidates too.
	if err := g.DeleteNode(a); err != nil {
		t.Fatal(err)
	}
	final := g.ImportantMemories(10)
	if len(final) != 2 {
		t.Errorf("expected 2 ranked nodes after delete, got %d", len(final))
	}
}
