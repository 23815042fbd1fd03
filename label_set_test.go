// label_set_test.go - Label set algebra unit tests

package main

import "testing"

func TestSingletonIterate(t *testing.T) {
	ar := NewLabelSetArena()
	s := ar.Singleton(7)
	var got []Label
	ar.Iterate(s, func(l Label) { got = append(got, l) })
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("singleton iterate = %v, want [7]", got)
	}
	if ar.Cardinality(s) != 1 {
		t.Fatalf("singleton cardinality = %d, want 1", ar.Cardinality(s))
	}
}

func TestUnionIdentities(t *testing.T) {
	ar := NewLabelSetArena()
	x := ar.Singleton(1)

	if got := ar.Union(x, EMPTY_LABEL_SET); got != x {
		t.Errorf("Union(x, empty) = %d, want x = %d", got, x)
	}
	if got := ar.Union(EMPTY_LABEL_SET, x); got != x {
		t.Errorf("Union(empty, x) = %d, want x = %d", got, x)
	}
	if got := ar.Union(x, x); got != x {
		t.Errorf("Union(x, x) = %d, want x = %d", got, x)
	}
	if got := ar.Union(EMPTY_LABEL_SET, EMPTY_LABEL_SET); got != EMPTY_LABEL_SET {
		t.Errorf("Union(empty, empty) = %d, want empty", got)
	}
}

func TestUnionContents(t *testing.T) {
	ar := NewLabelSetArena()
	a := ar.Singleton(1)
	b := ar.Singleton(2)
	u := ar.Union(a, b)

	if u == a || u == b {
		t.Fatalf("union of distinct sets should be a new node")
	}
	if got := ar.Labels(u); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Labels(u) = %v, want [1 2]", got)
	}
	// Pre-order is left then right.
	var order []Label
	ar.Iterate(u, func(l Label) { order = append(order, l) })
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("iterate order = %v, want [1 2]", order)
	}
}

func TestCardinalityIsUpperBound(t *testing.T) {
	ar := NewLabelSetArena()
	a := ar.Singleton(1)
	b := ar.Singleton(1) // same label, distinct leaf
	u := ar.Union(a, b)
	if c := ar.Cardinality(u); c != 2 {
		t.Fatalf("cardinality of overlapping union = %d, want 2 (no dedup)", c)
	}
	if got := ar.Labels(u); len(got) != 1 {
		t.Fatalf("deduplicated labels = %v, want one distinct", got)
	}
}

func TestRefCountFreesBottomUp(t *testing.T) {
	ar := NewLabelSetArena()
	a := ar.Singleton(1)
	b := ar.Singleton(2)
	u := ar.Union(a, b) // children now hold one ref each

	ar.incRef(u) // simulate a shadow slot holding u
	if ar.LiveNodes() != 3 {
		t.Fatalf("live nodes = %d, want 3", ar.LiveNodes())
	}
	ar.decRef(u) // slot overwritten: union and both leaves die
	if ar.LiveNodes() != 0 {
		t.Fatalf("live nodes after release = %d, want 0", ar.LiveNodes())
	}
}

func TestFreedNodesAreReused(t *testing.T) {
	ar := NewLabelSetArena()
	a := ar.Singleton(1)
	ar.incRef(a)
	ar.decRef(a)
	b := ar.Singleton(2)
	if b != a {
		t.Fatalf("freed node %d not reused, got %d", a, b)
	}
}
