// taint_visitor_test.go - IR rewriter tests

package main

import "testing"

// tbFunc builds a translation-block function with the CPU-state pointer
// as argument 0 plus two 4-byte value arguments, ending in ret void.
func tbFunc(name string) *IrFunc {
	return NewIrFunc(name, []uint32{8, 4, 4}, 0)
}

func newPass(t *testing.T) (*TaintFuncPass, *TaintProcessor) {
	t.Helper()
	tp := testProcessor(t)
	return NewTaintFuncPass(tp), tp
}

func countInstrs(m *IrModule) int {
	n := 0
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			n += len(b.Instrs)
		}
	}
	return n
}

func TestRewriterIsIdempotent(t *testing.T) {
	pass, _ := newPass(t)
	m := NewIrModule()
	f := tbFunc("tb_0")
	add := f.Entry().Append(&IrInstr{Op: IR_ADD,
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}, Size: 4})
	_ = add
	f.Entry().Append(&IrInstr{Op: IR_RET})
	m.AddFunc(f)

	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	funcs, instrs := len(m.Funcs), countInstrs(m)
	opsLen := len(pass.TTB("tb_0").Ops)

	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(m.Funcs) != funcs || countInstrs(m) != instrs {
		t.Errorf("second pass changed the module: funcs %d->%d instrs %d->%d",
			funcs, len(m.Funcs), instrs, countInstrs(m))
	}
	if len(pass.TTB("tb_0").Ops) != opsLen {
		t.Errorf("second pass changed the op stream")
	}
}

func TestRewriterLinksTaggedHelpers(t *testing.T) {
	pass, _ := newPass(t)
	m := NewIrModule()
	m.AddFunc(tbFunc("tb_0")).Entry().Append(&IrInstr{Op: IR_RET})
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	for _, name := range taintHelperNames {
		hf := m.Func(name)
		if hf == nil {
			t.Fatalf("helper %s not linked", name)
		}
		if _, ok := hf.Entry().Instrs[0].Metadata("tainted"); !ok {
			t.Errorf("helper %s entry not tagged tainted", name)
		}
	}
}

// rewriteAndRun rewrites f inside a fresh module and executes its op
// stream after the prepare callback has seeded taint.
func rewriteAndRun(t *testing.T, pass *TaintFuncPass, tp *TaintProcessor,
	f *IrFunc, prepare func(shad *Shad)) {
	t.Helper()
	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	prepare(tp.Shad())
	if err := tp.executeOps(pass.TTB(f.Name)); err != nil {
		t.Fatalf("execute %s: %v", f.Name, err)
	}
}

func TestRewriterMixedCompute(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_add")
	f.Entry().Append(&IrInstr{Op: IR_ADD,
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	// Slots: env=0, a=1, b=2, entry=3, add=4.
	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 0), 1)
		shad.TpLabel(MakeLAddr(2, 3), 2)
	})
	shad := tp.Shad()
	for b := uint32(0); b < 4; b++ {
		set := shad.LabelSetGet(MakeLAddr(4, b))
		if !shad.arena.Contains(set, 1) || !shad.arena.Contains(set, 2) {
			t.Errorf("mixed compute: dest byte %d = %v, want both source labels",
				b, shad.arena.Labels(set))
		}
	}
}

func TestRewriterParallelCompute(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_and")
	f.Entry().Append(&IrInstr{Op: IR_AND,
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 0), 1)
		shad.TpLabel(MakeLAddr(2, 1), 2)
	})
	shad := tp.Shad()
	if got := shad.arena.Labels(shad.LabelSetGet(MakeLAddr(4, 0))); len(got) != 1 || got[0] != 1 {
		t.Errorf("parallel byte 0 = %v, want [1]", got)
	}
	if got := shad.arena.Labels(shad.LabelSetGet(MakeLAddr(4, 1))); len(got) != 1 || got[0] != 2 {
		t.Errorf("parallel byte 1 = %v, want [2]", got)
	}
	if shad.Query(MakeLAddr(4, 2)) {
		t.Errorf("parallel byte 2 tainted, want clean")
	}
}

func TestRewriterComputeWithConstant(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_addc")
	f.Entry().Append(&IrInstr{Op: IR_ADD,
		Operands: []*IrValue{f.Args[1].Value(), IrConst(5, 4)}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 2), 3)
	})
	// One constant operand degrades to a mix of the tainted side.
	shad := tp.Shad()
	for b := uint32(0); b < 4; b++ {
		if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, b)), 3) {
			t.Errorf("constant-compute dest byte %d missing label 3", b)
		}
	}
}

func TestRewriterSextWidening(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_sext")
	f.Entry().Append(&IrInstr{Op: IR_SEXT,
		Operands: []*IrValue{f.Args[1].Value()}, Size: 8})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	// Source byte 3 only.
	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 3), 6)
	})
	shad := tp.Shad()
	for b := uint32(0); b < 3; b++ {
		if shad.Query(MakeLAddr(4, b)) {
			t.Errorf("sext low byte %d tainted, want clean", b)
		}
	}
	for b := uint32(3); b < 8; b++ {
		if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, b)), 6) {
			t.Errorf("sext byte %d missing top source byte's set", b)
		}
	}
}

func TestRewriterTruncCopiesMinSize(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_trunc")
	f.Entry().Append(&IrInstr{Op: IR_TRUNC,
		Operands: []*IrValue{f.Args[1].Value()}, Size: 2})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 1), 4)
		shad.TpLabel(MakeLAddr(1, 3), 5) // beyond the truncated width
	})
	shad := tp.Shad()
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, 1)), 4) {
		t.Errorf("trunc lost byte 1 taint")
	}
	if shad.Query(MakeLAddr(4, 2)) || shad.Query(MakeLAddr(4, 3)) {
		t.Errorf("trunc copied bytes beyond destination width")
	}
}

func TestRewriterCmpIsOneByteMix(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_cmp")
	f.Entry().Append(&IrInstr{Op: IR_CMP,
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}, Size: 1})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 3), 1)
		shad.TpLabel(MakeLAddr(2, 0), 2)
	})
	shad := tp.Shad()
	set := shad.LabelSetGet(MakeLAddr(4, 0))
	if !shad.arena.Contains(set, 1) || !shad.arena.Contains(set, 2) {
		t.Errorf("cmp result = %v, want both source labels", shad.arena.Labels(set))
	}
}

func TestRewriterStaticStateLoad(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_ld_state")
	env := f.Args[0].Value()
	add := f.Entry().Append(&IrInstr{Op: IR_ADD,
		Operands: []*IrValue{env, IrConst(8, 8)}, Size: 8})
	i2p := f.Entry().Append(&IrInstr{Op: IR_INTTOPTR,
		Operands: []*IrValue{add.Value()}, Size: 8})
	f.Entry().Append(&IrInstr{Op: IR_LOAD,
		Operands: []*IrValue{i2p.Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	// Offset 8 is register R2; slots: env=0,a=1,b=2,entry=3,add=4,i2p=5,load=6.
	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeGRegAddr(2, 0), 9)
	})
	shad := tp.Shad()
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(6, 0)), 9) {
		t.Errorf("state load missed the register shadow")
	}
}

func TestRewriterVolatileStoreSkipped(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_vol")
	env := f.Args[0].Value()
	add := f.Entry().Append(&IrInstr{Op: IR_ADD,
		Operands: []*IrValue{env, IrConst(8, 8)}, Size: 8})
	i2p := f.Entry().Append(&IrInstr{Op: IR_INTTOPTR,
		Operands: []*IrValue{add.Value()}, Size: 8})
	f.Entry().Append(&IrInstr{Op: IR_STORE,
		Operands: []*IrValue{f.Args[1].Value(), i2p.Value()}, Volatile: true})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	rewriteAndRun(t, pass, tp, f, func(shad *Shad) {
		shad.TpLabel(MakeLAddr(1, 0), 1)
	})
	if tp.Shad().Query(MakeGRegAddr(2, 0)) {
		t.Errorf("volatile store propagated taint")
	}
}

func TestRewriterPCUpdateStoreBecomesPCOp(t *testing.T) {
	pass, _ := newPass(t)
	f := tbFunc("tb_pc")
	st := &IrInstr{Op: IR_STORE,
		Operands: []*IrValue{IrConst(0x4000, 4), f.Args[0].Value()}, Volatile: true}
	st.SetMetadata("pcupdate", "")
	f.Entry().Append(st)
	f.Entry().Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	found := false
	for _, op := range pass.TTB("tb_pc").Ops {
		if op.Typ == PCOP && op.PC == 0x4000 {
			found = true
		}
	}
	if !found {
		t.Errorf("pcupdate store did not compile to a PC op")
	}
}

func TestRewriterMMULoad(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_mmu_ld")
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "__ldl_mmu",
		Operands: []*IrValue{f.Args[1].Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	// Slots: env=0,a=1,b=2,entry=3,call=4.
	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.LabelRAM(0x40, 7)
	tp.DynLog().LogLoad(MakeMAddr(0x40))
	if err := tp.executeOps(pass.TTB("tb_mmu_ld")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, 0)), 7) {
		t.Errorf("mmu load did not pull RAM taint into the value slot")
	}
}

func TestRewriterMMUStoreConstantDeletes(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_mmu_stc")
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "__stl_mmu",
		Operands: []*IrValue{f.Args[1].Value(), IrConst(0, 4)}})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.LabelRAM(0x60, 3) // stale taint at the stored-to address
	tp.DynLog().LogStore(MakeMAddr(0x60))
	if err := tp.executeOps(pass.TTB("tb_mmu_stc")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if shad.Query(MakeMAddr(0x60)) {
		t.Errorf("constant store left old taint at destination")
	}
}

func TestRewriterMMUStorePropagates(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_mmu_st")
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "__stl_mmu",
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.TpLabel(MakeLAddr(2, 0), 5)
	tp.DynLog().LogStore(MakeMAddr(0x70))
	if err := tp.executeOps(pass.TTB("tb_mmu_st")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !shad.arena.Contains(shad.LabelSetGet(MakeMAddr(0x70)), 5) {
		t.Errorf("store did not propagate value taint to RAM")
	}
}

func TestRewriterPortHelpersEmitNothing(t *testing.T) {
	// helper_in/helper_out stay non-propagating; this pins the current
	// behavior so a future port model shows up as a diff.
	pass, _ := newPass(t)
	f := tbFunc("tb_port")
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "helper_inb",
		Operands: []*IrValue{f.Args[1].Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "helper_outb",
		Operands: []*IrValue{f.Args[1].Value(), f.Args[2].Value()}})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	for _, op := range pass.TTB("tb_port").Ops {
		switch op.Typ {
		case INSNSTARTOP:
			if op.Insn.Name != "br" {
				t.Errorf("port helper emitted %q fix-up", op.Insn.Name)
			}
		case COPYOP, COMPUTEOP, DELETEOP:
			t.Errorf("port helper emitted op %s", op.String())
		}
	}
}

func TestRewriterInvokeRejected(t *testing.T) {
	pass, _ := newPass(t)
	f := tbFunc("tb_invoke")
	f.Entry().Append(&IrInstr{Op: IR_INVOKE})
	f.Entry().Append(&IrInstr{Op: IR_RET})
	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err == nil {
		t.Fatalf("invoke must be rejected")
	}
}

func TestRewriterUnmodeledCall(t *testing.T) {
	pass, tp := newPass(t)
	m := NewIrModule()

	callee := NewIrFunc("helper_widget", []uint32{4}, 4)
	calleeRet := &IrInstr{Op: IR_RET, Operands: []*IrValue{callee.Args[0].Value()}}
	callee.Entry().Append(calleeRet)
	m.AddFunc(callee)

	f := tbFunc("tb_call")
	f.Entry().Append(&IrInstr{Op: IR_CALL, Name: "helper_widget", Callee: callee,
		Operands: []*IrValue{f.Args[1].Value()}, Size: 4})
	f.Entry().Append(&IrInstr{Op: IR_RET})
	m.AddFunc(f)

	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.TpLabel(MakeLAddr(1, 0), 8) // caller argument value
	if err := tp.executeOps(pass.TTB("tb_call")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Slots in tb_call: env=0,a=1,b=2,entry=3,call=4.
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, 0)), 8) {
		t.Errorf("argument taint did not round-trip through the callee's return")
	}
	if shad.currentFrame != 0 {
		t.Errorf("frame not restored after unmodeled call")
	}
}

func TestRewriterSelectOps(t *testing.T) {
	pass, tp := newPass(t)
	f := tbFunc("tb_select")
	f.Entry().Append(&IrInstr{Op: IR_SELECT,
		Operands: []*IrValue{f.Args[1].Value(), f.Args[1].Value(), f.Args[2].Value()},
		Size:     4})
	f.Entry().Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.TpLabel(MakeLAddr(2, 0), 2) // false candidate (b)
	tp.DynLog().LogSelect(false)
	// Slots: env=0,a=1,b=2,entry=3,zext=?,select=?: the zext is
	// inserted during rewriting, after slot assignment, so the select
	// result keeps slot 4.
	if err := tp.executeOps(pass.TTB("tb_select")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(4, 0)), 2) {
		t.Errorf("select did not take the false candidate's taint")
	}
}

func TestRewriterPhiOps(t *testing.T) {
	pass, tp := newPass(t)
	f := NewIrFunc("tb_phi", []uint32{8, 4, 4}, 0)
	entry := f.Entry()
	second := f.AddBlock("bb1")

	entry.Append(&IrInstr{Op: IR_BR, Operands: []*IrValue{second.Value()}})
	phi := &IrInstr{Op: IR_PHI, Size: 4,
		Incoming: []IrIncoming{{Block: entry, Val: f.Args[1].Value()}}}
	second.Append(phi)
	second.Append(&IrInstr{Op: IR_RET})

	m := NewIrModule()
	m.AddFunc(f)
	if err := pass.RunOnModule(m); err != nil {
		t.Fatalf("pass: %v", err)
	}
	shad := tp.Shad()
	shad.TpLabel(MakeLAddr(1, 0), 4)
	if err := tp.executeOps(pass.TTB("tb_phi")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Slots: env=0,a=1,b=2,entry=3,bb1=4,phi=5.
	if !shad.arena.Contains(shad.LabelSetGet(MakeLAddr(5, 0)), 4) {
		t.Errorf("phi did not copy the incoming value's taint")
	}
}
