// shadow_memory_test.go - Shadow memory behavior tests

package main

import "testing"

func testShad(t *testing.T) *Shad {
	t.Helper()
	shad, err := NewShad(1<<20, 1<<16, 1<<16, 64)
	if err != nil {
		t.Fatalf("NewShad: %v", err)
	}
	return shad
}

func testProcessor(t *testing.T) *TaintProcessor {
	t.Helper()
	cfg := &TraceConfig{
		HDSize: 1 << 20, MemSize: 1 << 16, IOSize: 1 << 16, MaxVals: 64,
		DynLogEntries: 1024,
	}
	tp, err := NewTaintProcessor(cfg)
	if err != nil {
		t.Fatalf("NewTaintProcessor: %v", err)
	}
	return tp
}

func TestLabelThenQueryRAM(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()

	shad.LabelRAM(0x1000, 7)
	if c := shad.QueryRAM(0x1000); c != 1 {
		t.Errorf("QueryRAM(0x1000) = %d, want 1", c)
	}
	if c := shad.QueryRAM(0x1001); c != 0 {
		t.Errorf("QueryRAM(0x1001) = %d, want 0", c)
	}
	found := false
	shad.IterateRAM(0x1000, func(l Label) { found = found || l == 7 })
	if !found {
		t.Errorf("label 7 missing from iteration")
	}
}

func TestCopyPreservesSource(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()

	a := MakeMAddr(0x10)
	b := MakeMAddr(0x20)
	shad.TpLabel(a, 3)
	before := shad.LabelSetGet(a)

	shad.TpCopy(a, b)
	if got := shad.LabelSetGet(b); got != before {
		t.Errorf("copy dest = %d, want source set %d", got, before)
	}
	if got := shad.LabelSetGet(a); got != before {
		t.Errorf("copy changed source: %d, want %d", got, before)
	}
}

func TestCopyOntoSelfIsNoop(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()
	a := MakeMAddr(0x10)
	shad.TpLabel(a, 3)
	before := shad.LabelSetGet(a)
	shad.TpCopy(a, a)
	if got := shad.LabelSetGet(a); got != before {
		t.Errorf("self copy changed set: %d, want %d", got, before)
	}
}

func TestDeleteEmptiesCell(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()
	a := MakeMAddr(0x10)
	shad.TpLabel(a, 3)
	shad.TpDelete(a)
	if shad.Query(a) {
		t.Errorf("Query after delete = true, want false")
	}
	if shad.arena.LiveNodes() != 0 {
		t.Errorf("live nodes after delete = %d, want 0", shad.arena.LiveNodes())
	}
}

func TestComputeUnionsBothSources(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()
	a, b, c := MakeMAddr(1), MakeMAddr(2), MakeMAddr(3)
	shad.TpLabel(a, 1)
	shad.TpLabel(b, 2)
	shad.TpCompute(a, b, c)
	if got := shad.arena.Labels(shad.LabelSetGet(c)); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("compute result labels = %v, want [1 2]", got)
	}
}

func TestSparseSpaces(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()

	shad.TpLabel(MakeHAddr(0x123456), 9)
	if !shad.Query(MakeHAddr(0x123456)) {
		t.Errorf("hard-disk shadow lost the label")
	}
	shad.TpLabel(MakePAddr(0x60*4), 4)
	if !shad.Query(MakePAddr(0x60 * 4)) {
		t.Errorf("port shadow lost the label")
	}
	shad.TpDelete(MakePAddr(0x60 * 4))
	if shad.Query(MakePAddr(0x60 * 4)) {
		t.Errorf("port delete left the label behind")
	}
}

func TestFuncargTargetsNextFrame(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()

	arg := Addr{Typ: LADDR, Val: 3, Off: 0, Flag: FUNCARG}
	shad.TpLabel(arg, 5)

	// Not visible in the current frame.
	cur := MakeLAddr(3, 0)
	if shad.Query(cur) {
		t.Errorf("FUNCARG write visible in current frame")
	}
	shad.currentFrame++
	if !shad.Query(cur) {
		t.Errorf("FUNCARG write missing from next frame")
	}
}

func TestGSpecBias(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()
	a := MakeGSpecAddr(SPEC_ADDR_FLAGS, 0)
	shad.TpLabel(a, 11)
	if !shad.Query(a) {
		t.Errorf("GSPEC cell lost the label")
	}
	if shad.Query(MakeGSpecAddr(SPEC_ADDR_PC, 0)) {
		t.Errorf("wrong GSPEC cell tainted")
	}
}

func TestClearAllKeepsGeometry(t *testing.T) {
	shad := testShad(t)
	defer shad.Free()
	shad.LabelRAM(0x30, 1)
	if err := shad.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if shad.QueryRAM(0x30) != 0 {
		t.Errorf("taint survived ClearAll")
	}
	if shad.memSize != 1<<16 || shad.numVals != 64 {
		t.Errorf("geometry changed across ClearAll")
	}
	// Shadow must be usable again.
	shad.LabelRAM(0x30, 2)
	if shad.QueryRAM(0x30) != 1 {
		t.Errorf("shadow unusable after ClearAll")
	}
}

func TestAddTaintRAMByteMode(t *testing.T) {
	tp := testProcessor(t)
	tp.labelCount = 10
	tp.AddTaintRAM(0x2000, 4)

	for i := uint64(0); i < 4; i++ {
		want := Label(10 + i)
		if !tp.Shad().arena.Contains(tp.Shad().LabelSetGet(MakeMAddr(0x2000+i)), want) {
			t.Errorf("byte 0x%x missing label %d", 0x2000+i, want)
		}
	}
	if tp.LabelCount() != 14 {
		t.Errorf("label count = %d, want 14", tp.LabelCount())
	}
}

func TestAddTaintRAMBinaryMode(t *testing.T) {
	tp := testProcessor(t)
	tp.labelMode = TAINT_BINARY_LABEL
	tp.AddTaintRAM(0x2000, 4)
	for i := uint64(0); i < 4; i++ {
		ls := tp.Shad().LabelSetGet(MakeMAddr(0x2000 + i))
		if got := tp.Shad().arena.Labels(ls); len(got) != 1 || got[0] != 1 {
			t.Errorf("byte 0x%x labels = %v, want [1]", 0x2000+i, got)
		}
	}
}

func TestAddTaintVirtualSkipsUnmapped(t *testing.T) {
	tp := testProcessor(t)
	translate := func(va uint64) (uint64, bool) {
		if va == 0x101 {
			return 0, false // hole in the mapping
		}
		return va, true
	}
	tp.AddTaintVirtual(translate, 0x100, 3)
	if tp.QueryRAM(0x100) == 0 || tp.QueryRAM(0x102) == 0 {
		t.Errorf("mapped bytes not labelled")
	}
	if tp.QueryRAM(0x101) != 0 {
		t.Errorf("unmapped byte was labelled")
	}
}

func TestOccRAM(t *testing.T) {
	tp := testProcessor(t)
	tp.AddTaintRAM(0, 8)
	if got := tp.OccRAM(); got != 8 {
		t.Errorf("OccRAM = %d, want 8", got)
	}
}
