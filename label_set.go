// label_set.go - Reference-counted label sets with structural sharing

package main

// Label is a 32-bit taint tag. In byte-label mode labels are assigned
// monotonically as bytes are marked; in binary mode every tainted byte
// carries label 1.
type Label uint32

// LabelSetRef names a label set inside a LabelSetArena. The zero ref is
// the empty set. Union trees share structure: a ref is never mutated once
// created, so a union can reference both operands without copying.
type LabelSetRef uint32

// EMPTY_LABEL_SET is the ref of the empty set.
const EMPTY_LABEL_SET LabelSetRef = 0

// labelSetNode is one node of the arena. A node with left == 0 is a
// singleton leaf carrying label; otherwise it is a union of two non-empty
// children. refs counts shadow-memory slots and parent union nodes that
// hold this node.
type labelSetNode struct {
	left  LabelSetRef
	right LabelSetRef
	label Label
	refs  uint32
}

// LabelSetArena owns all label set nodes for one shadow memory. Storing
// 32-bit refs instead of Go pointers lets the large memory-mapped shadow
// arrays hold label sets without hiding pointers from the garbage
// collector; node lifetime is governed entirely by the reference counts.
type LabelSetArena struct {
	nodes    []labelSetNode
	freeList []LabelSetRef
	live     uint64
}

// NewLabelSetArena creates an empty arena. Node 0 is reserved so that the
// zero ref means the empty set.
func NewLabelSetArena() *LabelSetArena {
	return &LabelSetArena{nodes: make([]labelSetNode, 1, 1024)}
}

func (ar *LabelSetArena) alloc(n labelSetNode) LabelSetRef {
	ar.live++
	if k := len(ar.freeList); k > 0 {
		ref := ar.freeList[k-1]
		ar.freeList = ar.freeList[:k-1]
		ar.nodes[ref] = n
		return ref
	}
	ar.nodes = append(ar.nodes, n)
	return LabelSetRef(len(ar.nodes) - 1)
}

// Singleton returns a new one-element set {l}.
func (ar *LabelSetArena) Singleton(l Label) LabelSetRef {
	return ar.alloc(labelSetNode{label: l})
}

// Union returns a set containing every label of a and b. Identity and
// absorption are by ref equality: Union(x, x) == x and Union(x, empty)
// == x. In the remaining case a fresh union node referencing both
// operands is created; the operands themselves are never touched, and no
// leaf deduplication happens, so Cardinality over the result may count a
// shared label twice.
func (ar *LabelSetArena) Union(a, b LabelSetRef) LabelSetRef {
	switch {
	case a == b:
		return a
	case a == EMPTY_LABEL_SET:
		return b
	case b == EMPTY_LABEL_SET:
		return a
	}
	ar.incRef(a)
	ar.incRef(b)
	return ar.alloc(labelSetNode{left: a, right: b})
}

// IsEmpty reports whether ref is the empty set.
func (ar *LabelSetArena) IsEmpty(ref LabelSetRef) bool {
	return ref == EMPTY_LABEL_SET
}

// Cardinality returns the number of leaves under ref. Because Union does
// not deduplicate, this is an upper bound on the number of distinct
// labels; callers needing an exact count deduplicate during Iterate.
func (ar *LabelSetArena) Cardinality(ref LabelSetRef) uint32 {
	if ref == EMPTY_LABEL_SET {
		return 0
	}
	n := &ar.nodes[ref]
	if n.left == EMPTY_LABEL_SET {
		return 1
	}
	return ar.Cardinality(n.left) + ar.Cardinality(n.right)
}

// Iterate applies fn to every label in the set, visiting union nodes
// left-then-right in pre-order. A label reachable through two branches is
// visited twice.
func (ar *LabelSetArena) Iterate(ref LabelSetRef, fn func(l Label)) {
	if ref == EMPTY_LABEL_SET {
		return
	}
	n := &ar.nodes[ref]
	if n.left == EMPTY_LABEL_SET {
		fn(n.label)
		return
	}
	ar.Iterate(n.left, fn)
	ar.Iterate(n.right, fn)
}

// Labels collects the distinct labels of the set in ascending order.
func (ar *LabelSetArena) Labels(ref LabelSetRef) []Label {
	seen := make(map[Label]struct{})
	ar.Iterate(ref, func(l Label) { seen[l] = struct{}{} })
	out := make([]Label, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Contains reports whether l is a member of the set.
func (ar *LabelSetArena) Contains(ref LabelSetRef, l Label) bool {
	found := false
	ar.Iterate(ref, func(m Label) {
		if m == l {
			found = true
		}
	})
	return found
}

func (ar *LabelSetArena) incRef(ref LabelSetRef) {
	if ref == EMPTY_LABEL_SET {
		return
	}
	ar.nodes[ref].refs++
}

// decRef releases one hold on ref. A node reaching zero is freed
// bottom-up: its children lose the hold the union node had on them.
func (ar *LabelSetArena) decRef(ref LabelSetRef) {
	if ref == EMPTY_LABEL_SET {
		return
	}
	n := &ar.nodes[ref]
	if n.refs == 0 {
		panic("label set ref count underflow")
	}
	n.refs--
	if n.refs > 0 {
		return
	}
	left, right := n.left, n.right
	*n = labelSetNode{}
	ar.live--
	ar.freeList = append(ar.freeList, ref)
	if left != EMPTY_LABEL_SET {
		ar.decRef(left)
		ar.decRef(right)
	}
}

// LiveNodes returns the number of allocated nodes, for tests and the
// monitor's stats display.
func (ar *LabelSetArena) LiveNodes() uint64 {
	return ar.live
}
