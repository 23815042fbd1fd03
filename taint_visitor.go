// taint_visitor.go - IR rewriting pass inserting taint instrumentation

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionTrace
License: GPLv3 or later
*/

/*
taint_visitor.go - Taint Rewriting Pass for IntuitionTrace

Walks each function of a translation-IR module and, per instruction
kind, inserts a call to a run-time taint helper before or after the
instruction, with arguments encoding the source and destination shadow
addresses, a size, and any constants. Alongside the inserted calls the
pass compiles the function's taint-op stream, the form the interpreter
executes. Operands whose location is only known at run time (guest
memory accesses, unresolved CPU-state pointers, select and phi sources)
are emitted as UNK addresses behind an INSNSTART record; the dynamic
value log fills them in during execution.

Rewriting is idempotent: the helper module is linked once and every
processed function's entry instruction carries the "tainted" metadata
tag, which makes a second pass skip it.
*/

package main

import (
	"fmt"
	"strings"
)

// CPU-state layout of the IE32 guest, used to resolve state accesses to
// shadow cells at rewrite time. The register file comes first; the
// remaining fields map to GSPEC cells. The cycle counter is invisible
// to the guest, so accesses to it carry no taint either way.
type cpuStateField struct {
	name       string
	offset     uint64
	size       uint64
	spec       uint64
	irrelevant bool
}

const (
	CPU_STATE_REGS_OFFSET = 0
	CPU_STATE_REGS_SIZE   = NUM_REGS * WORD_SIZE
	CPU_STATE_SIZE        = 96
)

var cpuStateFields = []cpuStateField{
	{name: "pc", offset: 64, size: 4, spec: SPEC_ADDR_PC},
	{name: "sp", offset: 68, size: 4, spec: SPEC_ADDR_SP},
	{name: "flags", offset: 72, size: 4, spec: SPEC_ADDR_FLAGS},
	{name: "ivec", offset: 76, size: 4, spec: SPEC_ADDR_IVEC},
	{name: "ienable", offset: 80, size: 4, spec: SPEC_ADDR_IENABL},
	{name: "cycles", offset: 88, size: 8, irrelevant: true},
}

// CPUStateAddr maps a byte offset into the CPU-state struct to a shadow
// address. The second return is false when the offset is outside the
// struct.
func CPUStateAddr(offset uint64) (Addr, bool) {
	if offset < CPU_STATE_REGS_OFFSET+CPU_STATE_REGS_SIZE {
		return MakeGRegAddr(offset/WORD_SIZE, uint32(offset%WORD_SIZE)), true
	}
	for _, f := range cpuStateFields {
		if offset >= f.offset && offset < f.offset+f.size {
			if f.irrelevant {
				return Addr{Typ: GSPEC, Flag: IRRELEVANT}, true
			}
			return MakeGSpecAddr(f.spec, uint32(offset-f.offset)), true
		}
	}
	return Addr{}, false
}

// TaintFuncPass rewrites a module function by function and owns the
// compiled op streams.
type TaintFuncPass struct {
	tp   *TaintProcessor
	mod  *IrModule
	ttbs map[string]*TaintTB
	PTV  *TaintVisitor
}

// NewTaintFuncPass creates a pass bound to the taint runtime.
func NewTaintFuncPass(tp *TaintProcessor) *TaintFuncPass {
	pass := &TaintFuncPass{tp: tp, ttbs: make(map[string]*TaintTB)}
	pass.PTV = &TaintVisitor{pass: pass, tp: tp}
	return pass
}

// DoInitialization links the prebuilt helper module into m and resolves
// the helper functions and symbolic constants the visitor bakes into
// inserted calls.
func (pass *TaintFuncPass) DoInitialization(m *IrModule) {
	linkTaintHelpers(m)
	pass.mod = m

	v := pass.PTV
	v.deleteF = m.Func(HELPER_DELETE)
	v.mixF = m.Func(HELPER_MIX)
	v.mixCompF = m.Func(HELPER_MIX_COMPUTE)
	v.parallelCompF = m.Func(HELPER_PARALLEL_COMPUTE)
	v.copyF = m.Func(HELPER_COPY)
	v.moveF = m.Func(HELPER_MOVE)
	v.sextF = m.Func(HELPER_SEXT)
	v.selectF = m.Func(HELPER_SELECT)
	v.hostCopyF = m.Func(HELPER_HOST_COPY)
	v.setF = m.Func(HELPER_SET)
	v.pushFrameF = m.Func(HELPER_PUSH_FRAME)
	v.popFrameF = m.Func(HELPER_POP_FRAME)
	v.breadcrumbF = m.Func(HELPER_BREADCRUMB)
	v.memlogPopF = m.Func(HELPER_MEMLOG_POP)

	v.llvConst = IrSymConst(SYM_SHAD_LLV)
	v.memConst = IrSymConst(SYM_SHAD_MEM)
	v.grvConst = IrSymConst(SYM_SHAD_GRV)
	v.gsvConst = IrSymConst(SYM_SHAD_GSV)
	v.retConst = IrSymConst(SYM_SHAD_RET)
	v.memlogConst = IrSymConst(SYM_MEMLOG)
	v.prevBbConst = IrSymConst(SYM_PREV_BB)
	v.envConst = IrSymConst(SYM_ENV)
}

// RunOnModule rewrites every function, compiling op streams as it goes.
func (pass *TaintFuncPass) RunOnModule(m *IrModule) error {
	if pass.mod != m {
		pass.DoInitialization(m)
	}
	for _, f := range m.Funcs {
		if err := pass.RunOnFunction(f); err != nil {
			return err
		}
	}
	return nil
}

// RunOnFunction rewrites one function. Already-processed functions and
// the helpers themselves are skipped, which is what makes running the
// pass twice leave the module unchanged.
func (pass *TaintFuncPass) RunOnFunction(f *IrFunc) error {
	if strings.HasPrefix(f.Name, "taint") {
		return nil
	}
	entry := f.Entry()
	if len(entry.Instrs) > 0 {
		if _, done := entry.Instrs[0].Metadata("tainted"); done {
			return nil
		}
	}
	return pass.PTV.visit(f)
}

// TTB returns the compiled op stream of a function, creating the (still
// empty) placeholder for forward references.
func (pass *TaintFuncPass) TTB(name string) *TaintTB {
	ttb := pass.ttbs[name]
	if ttb == nil {
		ttb = &TaintTB{Name: name}
		pass.ttbs[name] = ttb
	}
	return ttb
}

// TaintVisitor walks one function at a time.
type TaintVisitor struct {
	pass *TaintFuncPass
	tp   *TaintProcessor

	f   *IrFunc
	st  *SlotTracker
	tob *TaintOpBuffer

	deleteF, mixF, mixCompF, parallelCompF *IrFunc
	copyF, moveF, sextF, selectF           *IrFunc
	hostCopyF, setF                        *IrFunc
	pushFrameF, popFrameF                  *IrFunc
	breadcrumbF, memlogPopF                *IrFunc

	llvConst, memConst, grvConst, gsvConst, retConst *IrValue
	memlogConst, prevBbConst, envConst               *IrValue
}

// valueSize returns the size in bytes of a value, at least 1.
func valueSize(v *IrValue) uint32 {
	if v.Size == 0 {
		return 1
	}
	return v.Size
}

// slotOf returns the dense local slot of a non-constant value.
func (v *TaintVisitor) slotOf(val *IrValue) int64 {
	s := v.st.GetLocalSlot(val)
	if s < 0 {
		panic(fmt.Sprintf("taint: value has no slot in %s", v.f.Name))
	}
	return int64(s)
}

// weakSlotOf returns the slot of a value or -1 for constants, the form
// select and phi records carry.
func (v *TaintVisitor) weakSlotOf(val *IrValue) int64 {
	if val.IsConst() {
		return -1
	}
	return v.slotOf(val)
}

func (v *TaintVisitor) emit(op TaintOp) { v.tob.Write(op) }

// callBefore inserts a helper call before pos.
func (v *TaintVisitor) callBefore(pos *IrInstr, fn *IrFunc, args ...*IrValue) *IrInstr {
	ci := &IrInstr{Op: IR_CALL, Name: fn.Name, Callee: fn, Operands: args}
	pos.Parent().InsertBefore(pos, ci)
	return ci
}

// callAfter inserts a helper call after pos.
func (v *TaintVisitor) callAfter(pos *IrInstr, fn *IrFunc, args ...*IrValue) *IrInstr {
	ci := &IrInstr{Op: IR_CALL, Name: fn.Name, Callee: fn, Operands: args}
	pos.Parent().InsertAfter(pos, ci)
	return ci
}

// insertLogPop inserts a dyn-value pop after pos and returns its result
// value for use as a helper argument.
func (v *TaintVisitor) insertLogPop(pos *IrInstr) *IrInstr {
	ci := &IrInstr{Op: IR_CALL, Name: v.memlogPopF.Name, Callee: v.memlogPopF,
		Operands: []*IrValue{v.memlogConst}, Size: 8}
	pos.Parent().InsertAfter(pos, ci)
	return ci
}

// visit rewrites f: assigns slots, clears the LLV frame at entry, tags
// the entry block, then dispatches per instruction.
func (v *TaintVisitor) visit(f *IrFunc) error {
	v.f = f
	v.st = NewSlotTracker(f)
	v.tob = NewTaintOpBuffer(64)

	if uint64(v.st.NumSlots()) > v.tp.shad.numVals {
		return fmt.Errorf("taint: %s needs %d value slots, shadow has %d",
			f.Name, v.st.NumSlots(), v.tp.shad.numVals)
	}

	// Clear the whole LLV frame on function entry.
	first := f.Entry().FirstNonPhi()
	if first == nil {
		return fmt.Errorf("taint: %s has an empty entry block", f.Name)
	}
	v.callBefore(first, v.deleteF,
		v.llvConst, IrConst(0, 8), IrConst(int64(v.tp.shad.numVals*MAX_REG_SIZE), 8))

	for _, bb := range f.Blocks {
		// Instructions are inserted during the walk; iterate the
		// original list only.
		orig := make([]*IrInstr, len(bb.Instrs))
		copy(orig, bb.Instrs)
		for _, inst := range orig {
			if inst.Callee != nil && strings.HasPrefix(inst.Name, "taint") {
				continue
			}
			if err := v.visitInstr(bb, inst); err != nil {
				return err
			}
		}
	}

	f.Entry().Instrs[0].SetMetadata("tainted", "")
	ttb := v.pass.TTB(f.Name)
	ttb.Ops = v.tob.ops
	v.tob = nil
	return nil
}

func (v *TaintVisitor) visitInstr(bb *IrBlock, i *IrInstr) error {
	switch i.Op {
	case IR_ADD, IR_SUB, IR_MUL, IR_UDIV, IR_SDIV, IR_UREM, IR_SREM,
		IR_FADD, IR_FSUB, IR_FMUL, IR_FDIV, IR_FREM,
		IR_SHL, IR_LSHR, IR_ASHR:
		v.insertTaintCompute(i, i.Operand(0), i.Operand(1), true)
	case IR_AND, IR_OR, IR_XOR:
		v.insertTaintCompute(i, i.Operand(0), i.Operand(1), false)
	case IR_CMP:
		v.insertTaintCompute(i, i.Operand(0), i.Operand(1), true)
	case IR_GEP:
		v.insertTaintMix(i, i.Operand(0))
	case IR_ALLOCA, IR_UNREACHABLE, IR_FENCE, IR_ATOMICRMW, IR_CMPXCHG:
		// No taint transfer.
	case IR_INVOKE:
		return fmt.Errorf("taint: cannot handle invoke in %s", v.f.Name)
	case IR_TRUNC, IR_ZEXT, IR_BITCAST, IR_INTTOPTR, IR_PTRTOINT:
		v.insertTaintCopyValue(i, i.Operand(0))
	case IR_SEXT:
		if i.Size > valueSize(i.Operand(0)) {
			v.insertTaintSext(i, i.Operand(0))
		} else {
			v.insertTaintCopyValue(i, i.Operand(0))
		}
	case IR_FPTRUNC, IR_FPEXT, IR_FPTOSI, IR_SITOFP, IR_UITOFP:
		v.insertTaintMix(i, i.Operand(0))
	case IR_LOAD:
		v.insertStateOp(i)
	case IR_STORE:
		if _, ok := i.Metadata("pcupdate"); ok {
			if val := i.Operand(0); val.IsConst() {
				v.emit(TaintOp{Typ: PCOP, PC: uint64(val.Const)})
			}
			return nil
		}
		if i.Volatile {
			// Code-generation artifacts, not guest effects.
			return nil
		}
		v.insertStateOp(i)
	case IR_PHI:
		v.visitPhi(i)
	case IR_SELECT:
		v.visitSelect(i)
	case IR_CALL:
		return v.visitCall(i)
	case IR_RET:
		v.visitReturn(i)
		v.visitTerminator(bb, i)
	case IR_BR:
		v.visitTerminator(bb, i)
	case IR_BRCOND:
		v.visitCondBranch(bb, i)
	case IR_SWITCH:
		v.visitSwitch(bb, i)
	default:
		fmt.Printf("taint: unhandled instruction kind %d in %s, skipped\n", i.Op, v.f.Name)
	}
	return nil
}

// --- compute family ---

// insertTaintCompute handles two-source arithmetic. Mixed computes
// spread every byte of both sources across every destination byte;
// parallel computes unite the sources byte by byte. Constant operands
// never feed a helper: two constants mean no op at all, one constant
// degrades to a mix or a plain copy.
func (v *TaintVisitor) insertTaintCompute(i *IrInstr, src1, src2 *IrValue, mixed bool) {
	dest := i.Value()
	if src1.IsConst() && src2.IsConst() {
		return
	}
	if src1.IsConst() || src2.IsConst() {
		tainted := src1
		if src1.IsConst() {
			tainted = src2
		}
		if mixed {
			v.insertTaintMix(i, tainted)
		} else {
			v.insertTaintCopyValue(i, tainted)
		}
		return
	}

	destSize := valueSize(dest)
	srcSize := valueSize(src1)
	s1, s2, d := v.slotOf(src1), v.slotOf(src2), v.slotOf(dest)

	if mixed {
		v.callAfter(i, v.mixCompF,
			v.llvConst, IrConst(d, 8), IrConst(int64(destSize), 8),
			IrConst(s1, 8), IrConst(s2, 8), IrConst(int64(srcSize), 8))
		v.emitMixedOps(d, destSize, []mixSrc{{s1, srcSize}, {s2, valueSize(src2)}})
	} else {
		v.callAfter(i, v.parallelCompF,
			v.llvConst, IrConst(d, 8), IrConst(int64(destSize), 8),
			IrConst(s1, 8), IrConst(s2, 8), IrConst(int64(srcSize), 8))
		for b := uint32(0); b < destSize; b++ {
			v.emit(TaintOp{Typ: COMPUTEOP,
				A: MakeLAddr(uint64(s1), b),
				B: MakeLAddr(uint64(s2), b),
				C: MakeLAddr(uint64(d), b)})
		}
	}
}

type mixSrc struct {
	slot int64
	size uint32
}

// emitMixedOps unions every byte of every source into the return-shadow
// accumulator, then fans the accumulated set out across the destination
// bytes. The return slot doubles as the temporary; the next call return
// overwrites it anyway.
func (v *TaintVisitor) emitMixedOps(dest int64, destSize uint32, srcs []mixSrc) {
	acc := MakeRetAddr(0)
	v.emit(TaintOp{Typ: DELETEOP, A: acc})
	for _, s := range srcs {
		for b := uint32(0); b < s.size; b++ {
			v.emit(TaintOp{Typ: COMPUTEOP, A: acc, B: MakeLAddr(uint64(s.slot), b), C: acc})
		}
	}
	for b := uint32(0); b < destSize; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: acc, B: MakeLAddr(uint64(dest), b)})
	}
}

// insertTaintMix spreads the union of all source bytes across every
// destination byte.
func (v *TaintVisitor) insertTaintMix(i *IrInstr, src *IrValue) {
	if src.IsConst() {
		return
	}
	dest := i.Value()
	destSize := valueSize(dest)
	srcSize := valueSize(src)
	d, s := v.slotOf(dest), v.slotOf(src)
	v.callAfter(i, v.mixF,
		v.llvConst, IrConst(d, 8), IrConst(int64(destSize), 8),
		IrConst(s, 8), IrConst(int64(srcSize), 8))
	v.emitMixedOps(d, destSize, []mixSrc{{s, srcSize}})
}

// insertTaintCopyValue copies min(src, dest) bytes between LLV slots.
// A constant source clears the destination instead.
func (v *TaintVisitor) insertTaintCopyValue(i *IrInstr, src *IrValue) {
	dest := i.Value()
	destSize := valueSize(dest)
	d := v.slotOf(dest)
	if src.IsConst() {
		v.callAfter(i, v.deleteF,
			v.llvConst, IrConst(d*MAX_REG_SIZE, 8), IrConst(int64(destSize), 8))
		for b := uint32(0); b < destSize; b++ {
			v.emit(TaintOp{Typ: DELETEOP, A: MakeLAddr(uint64(d), b)})
		}
		return
	}
	n := destSize
	if ss := valueSize(src); ss < n {
		n = ss
	}
	s := v.slotOf(src)
	v.callAfter(i, v.copyF,
		v.llvConst, IrConst(d, 8), v.llvConst, IrConst(s, 8), IrConst(int64(n), 8))
	for b := uint32(0); b < n; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), b), B: MakeLAddr(uint64(d), b)})
	}
}

// insertTaintSext widens with sign extension: low bytes copy through,
// every high byte receives the top source byte's set.
func (v *TaintVisitor) insertTaintSext(i *IrInstr, src *IrValue) {
	dest := i.Value()
	destSize := valueSize(dest)
	srcSize := valueSize(src)
	d := v.slotOf(dest)
	if src.IsConst() {
		for b := uint32(0); b < destSize; b++ {
			v.emit(TaintOp{Typ: DELETEOP, A: MakeLAddr(uint64(d), b)})
		}
		return
	}
	s := v.slotOf(src)
	v.callAfter(i, v.sextF,
		v.llvConst, IrConst(d, 8), IrConst(int64(destSize), 8),
		IrConst(s, 8), IrConst(int64(srcSize), 8))
	for b := uint32(0); b < srcSize; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), b), B: MakeLAddr(uint64(d), b)})
	}
	for b := srcSize; b < destSize; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), srcSize-1), B: MakeLAddr(uint64(d), b)})
	}
}

// --- CPU-state loads and stores ---

// getAddr statically resolves a load/store pointer of the shape
// inttoptr(add(env, offset)) produced by the code generator for
// CPU-state accesses. Helper-style pointer arithmetic falls back to
// run-time resolution.
func (v *TaintVisitor) getAddr(ptr *IrValue) (Addr, bool) {
	if ptr.Kind != IRV_INSTR || ptr.Instr.Op != IR_INTTOPTR {
		return Addr{}, false
	}
	inner := ptr.Instr.Operand(0)
	if inner.Kind != IRV_INSTR || inner.Instr.Op != IR_ADD {
		return Addr{}, false
	}
	base := inner.Instr.Operand(0)
	off := inner.Instr.Operand(1)
	if v.st.GetLocalSlot(base) != 0 || !off.IsConst() {
		return Addr{}, false
	}
	if off.Const < 0 || uint64(off.Const) >= CPU_STATE_SIZE {
		return Addr{}, false
	}
	return CPUStateAddr(uint64(off.Const))
}

// insertStateOp instruments a load or store of CPU state. Statically
// resolved accesses copy directly between the register shadows and the
// value slot; everything else defers to taint_host_copy, which resolves
// the shadow from the logged host pointer at run time.
func (v *TaintVisitor) insertStateOp(i *IrInstr) {
	isStore := i.Op == IR_STORE
	var ptr, val *IrValue
	if isStore {
		val, ptr = i.Operand(0), i.Operand(1)
	} else {
		ptr, val = i.Operand(0), i.Value()
	}
	size := valueSize(val)

	if addr, ok := v.getAddr(ptr); ok {
		shadConst := v.grvConst
		var cellIdx uint64
		if addr.Typ == GREG {
			cellIdx = addr.Val*WORD_SIZE + uint64(addr.Off)
		} else {
			shadConst = v.gsvConst
			cellIdx = addr.Val
		}
		if isStore {
			if val.IsConst() {
				v.callAfter(i, v.deleteF,
					shadConst, IrConst(int64(cellIdx), 8), IrConst(int64(size), 8))
				for b := uint32(0); b < size; b++ {
					c := addr
					c.Off += b
					v.emit(TaintOp{Typ: DELETEOP, A: c})
				}
				return
			}
			s := v.slotOf(val)
			v.callAfter(i, v.copyF,
				shadConst, IrConst(int64(cellIdx), 8),
				v.llvConst, IrConst(s, 8), IrConst(int64(size), 8))
			for b := uint32(0); b < size; b++ {
				c := addr
				c.Off += b
				v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), b), B: c})
			}
			return
		}
		d := v.slotOf(val)
		v.callAfter(i, v.copyF,
			v.llvConst, IrConst(d, 8),
			shadConst, IrConst(int64(cellIdx), 8), IrConst(int64(size), 8))
		for b := uint32(0); b < size; b++ {
			c := addr
			c.Off += b
			v.emit(TaintOp{Typ: COPYOP, A: c, B: MakeLAddr(uint64(d), b)})
		}
		return
	}

	// Run-time resolution through the dynamic value log.
	isStoreConst := IrConst(0, 1)
	if isStore {
		isStoreConst = IrConst(1, 1)
	}
	args := []*IrValue{v.envConst, ptr, v.llvConst}
	if !val.IsConst() {
		args = append(args, IrConst(v.slotOf(val), 8))
	} else {
		args = append(args, IrConst(-1, 8))
	}
	args = append(args, v.grvConst, v.gsvConst, IrConst(int64(size), 8), isStoreConst)
	v.callAfter(i, v.hostCopyF, args...)

	if isStore {
		v.emitStoreOps(val, size, nil)
	} else {
		v.emitLoadOps(v.slotOf(val), size)
	}
}

// emitLoadOps emits the UNK-source copy window for a load of size
// bytes into the given LLV slot, behind an INSNSTART that reads one
// address entry from the dynamic value log.
func (v *TaintVisitor) emitLoadOps(destSlot int64, size uint32) {
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "load", NumOps: int(size) + 1, Flag: INSN_READ_LOG}})
	for b := uint32(0); b < size; b++ {
		v.emit(TaintOp{Typ: COPYOP,
			A: MakeUnkAddr(b), B: MakeLAddr(uint64(destSlot), b)})
	}
	v.emit(TaintOp{Typ: LDCALLBACKOP, A: MakeUnkAddr(0)})
}

// emitStoreOps emits the UNK-destination window for a store of size
// bytes. A constant stored value deletes the destination; otherwise the
// value slot's bytes copy through. When tainted-pointer mode is on and
// the address expression has a slot, the address's accumulated labels
// are unioned into every stored byte.
func (v *TaintVisitor) emitStoreOps(val *IrValue, size uint32, addrVal *IrValue) {
	taintedPtr := v.tp.taintedPointer && addrVal != nil && !addrVal.IsConst()
	if taintedPtr {
		// Accumulate the address labels into the return-shadow
		// temporary before the log-driven window.
		acc := MakeRetAddr(0)
		v.emit(TaintOp{Typ: DELETEOP, A: acc})
		as := v.slotOf(addrVal)
		for b := uint32(0); b < valueSize(addrVal); b++ {
			v.emit(TaintOp{Typ: COMPUTEOP, A: acc, B: MakeLAddr(uint64(as), b), C: acc})
		}
	}

	numOps := int(size) + 1
	if taintedPtr {
		numOps += int(size)
	}
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "store", NumOps: numOps, Flag: INSN_READ_LOG}})
	if val.IsConst() {
		for b := uint32(0); b < size; b++ {
			v.emit(TaintOp{Typ: DELETEOP, A: MakeUnkAddr(b)})
		}
	} else {
		s := v.slotOf(val)
		for b := uint32(0); b < size; b++ {
			v.emit(TaintOp{Typ: COPYOP,
				A: MakeLAddr(uint64(s), b), B: MakeUnkAddr(b)})
		}
	}
	if taintedPtr {
		for b := uint32(0); b < size; b++ {
			v.emit(TaintOp{Typ: COMPUTEOP,
				A: MakeRetAddr(0), B: MakeUnkAddr(b), C: MakeUnkAddr(b)})
		}
	}
	v.emit(TaintOp{Typ: STCALLBACKOP, A: MakeUnkAddr(0)})
}

// --- phi and select ---

// visitPhi loads the breadcrumb before the block's first real
// instruction and compiles the phi into a select over incoming blocks.
func (v *TaintVisitor) visitPhi(i *IrInstr) {
	first := i.Parent().FirstNonPhi()
	li := &IrInstr{Op: IR_LOAD, Operands: []*IrValue{v.prevBbConst}, Size: 8}
	i.Parent().InsertBefore(first, li)

	labels := make([]int64, len(i.Incoming))
	vals := make([]int64, len(i.Incoming))
	args := []*IrValue{v.llvConst, IrConst(v.slotOf(i.Value()), 8),
		IrConst(int64(valueSize(i.Value())), 8), li.Value()}
	for k, inc := range i.Incoming {
		labels[k] = v.slotOf(inc.Block.Value())
		vals[k] = v.weakSlotOf(inc.Val)
		args = append(args, IrConst(labels[k], 8), IrConst(vals[k], 8))
	}
	v.callAfter(li, v.selectF, args...)

	size := valueSize(i.Value())
	d := v.slotOf(i.Value())
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "phi", NumOps: int(size), Flag: INSN_NO_LOG,
		PhiLabels: labels, PhiVals: vals}})
	for b := uint32(0); b < size; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeUnkAddr(b), B: MakeLAddr(uint64(d), b)})
	}
}

// visitSelect emits a select op whose candidates are the two value
// slots keyed by the condition, resolved from the dynamic value log.
func (v *TaintVisitor) visitSelect(i *IrInstr) {
	cond, tv, fv := i.Operand(0), i.Operand(1), i.Operand(2)

	zext := &IrInstr{Op: IR_ZEXT, Operands: []*IrValue{cond}, Size: 8}
	i.Parent().InsertBefore(i, zext)
	v.callAfter(i, v.selectF,
		v.llvConst, IrConst(v.slotOf(i.Value()), 8),
		IrConst(int64(valueSize(i.Value())), 8), zext.Value(),
		IrConst(1, 8), IrConst(v.weakSlotOf(tv), 8),
		IrConst(0, 8), IrConst(v.weakSlotOf(fv), 8))

	size := valueSize(i.Value())
	d := v.slotOf(i.Value())
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "select", NumOps: int(size), Flag: INSN_READ_LOG,
		BranchLabels: [2]int64{v.weakSlotOf(fv), v.weakSlotOf(tv)}}})
	for b := uint32(0); b < size; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeUnkAddr(b), B: MakeLAddr(uint64(d), b)})
	}
}

// --- calls ---

func (v *TaintVisitor) visitCall(i *IrInstr) error {
	name := i.Name
	if name == "" && i.Callee == nil {
		fmt.Printf("taint: skipping statically unknowable call in %s\n", v.f.Name)
		return nil
	}

	switch name {
	case "uadd_with_overflow":
		v.insertTaintCompute(i, i.Operand(0), i.Operand(1), true)
		return nil
	case "bswap", "ctlz":
		v.insertTaintMix(i, i.Operand(0))
		return nil
	case "memcpy", "memmove":
		return v.visitMemTransfer(i, name == "memmove")
	case "memset":
		return v.visitMemSet(i)
	case "sin", "cos", "tan", "log", "rint", "floor", "abs", "ceil", "exp2":
		v.insertTaintMix(i, i.Operand(0))
		return nil
	case "ldexp", "atan2":
		v.insertTaintCompute(i, i.Operand(0), i.Operand(1), true)
		return nil
	}

	if strings.HasPrefix(name, "taint") {
		return nil
	}
	if isMMULoad(name) {
		v.insertMMULoad(i)
		return nil
	}
	if isMMUStore(name) {
		v.insertMMUStore(i)
		return nil
	}
	if strings.HasPrefix(name, "helper_in") || strings.HasPrefix(name, "helper_out") {
		// Port helpers stay non-propagating for now; pinned by a
		// test so a future port model shows up as a diff.
		// TODO(ports): model helper_in as a load and helper_out as
		// a store once port taint has consumers.
		return nil
	}

	return v.visitUnmodeledCall(i)
}

func isMMULoad(name string) bool {
	switch name {
	case "__ldb_mmu", "__ldw_mmu", "__ldl_mmu", "__ldq_mmu":
		return true
	}
	return false
}

func isMMUStore(name string) bool {
	switch name {
	case "__stb_mmu", "__stw_mmu", "__stl_mmu", "__stq_mmu":
		return true
	}
	return false
}

// insertMMULoad instruments a guest memory load: the loaded bytes'
// shadow copies from guest RAM (located via the log) into the result
// slot.
func (v *TaintVisitor) insertMMULoad(i *IrInstr) {
	srcCI := v.insertLogPop(i)
	v.callAfter(srcCI, v.copyF,
		v.llvConst, IrConst(v.slotOf(i.Value()), 8),
		v.memConst, srcCI.Value(), IrConst(int64(valueSize(i.Value())), 8))
	v.emitLoadOps(v.slotOf(i.Value()), valueSize(i.Value()))
}

// insertMMUStore instruments a guest memory store. Argument 0 is the
// guest address expression, argument 1 the stored value.
func (v *TaintVisitor) insertMMUStore(i *IrInstr) {
	addrVal := i.Operand(0)
	src := i.Operand(1)
	size := valueSize(src)
	dstCI := v.insertLogPop(i)
	if src.IsConst() {
		v.callAfter(dstCI, v.deleteF,
			v.memConst, dstCI.Value(), IrConst(int64(size), 8))
	} else {
		v.callAfter(dstCI, v.copyF,
			v.memConst, dstCI.Value(),
			v.llvConst, IrConst(v.slotOf(src), 8), IrConst(int64(size), 8))
	}
	v.emitStoreOps(src, size, addrVal)
}

// visitMemTransfer instruments memcpy and memmove: one bulk copy whose
// endpoints pop off the dynamic value log, source first.
func (v *TaintVisitor) visitMemTransfer(i *IrInstr, isMove bool) error {
	length := i.Operand(2)
	if !length.IsConst() || length.Const < 0 {
		fmt.Printf("taint: %s with non-constant length in %s, skipped\n", i.Name, v.f.Name)
		return nil
	}
	srcCI := v.insertLogPop(i)
	dstCI := v.insertLogPop(srcCI)
	fn := v.copyF
	if isMove {
		fn = v.moveF
	}
	v.callAfter(dstCI, fn,
		v.memConst, dstCI.Value(), v.memConst, srcCI.Value(),
		IrConst(length.Const, 8))

	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "memcpy", NumOps: 1, Flag: INSN_READ_LOG}})
	v.emit(TaintOp{Typ: BULKCOPYOP,
		A: MakeUnkAddr(0), B: MakeUnkAddr(0), Len: uint64(length.Const)})
	return nil
}

// visitMemSet instruments memset: a constant fill deletes the
// destination range, a variable fill broadcasts the fill value's shadow
// across it.
func (v *TaintVisitor) visitMemSet(i *IrInstr) error {
	fill := i.Operand(1)
	length := i.Operand(2)
	if !length.IsConst() || length.Const < 0 {
		fmt.Printf("taint: memset with non-constant length in %s, skipped\n", v.f.Name)
		return nil
	}
	dstCI := v.insertLogPop(i)
	n := int(length.Const)
	if fill.IsConst() {
		v.callAfter(dstCI, v.deleteF,
			v.memConst, dstCI.Value(), IrConst(length.Const, 8))
		v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
			Name: "memset", NumOps: n, Flag: INSN_READ_LOG}})
		for b := 0; b < n; b++ {
			v.emit(TaintOp{Typ: DELETEOP, A: MakeUnkAddr(uint32(b))})
		}
		return nil
	}
	v.callAfter(dstCI, v.setF,
		v.memConst, dstCI.Value(), IrConst(length.Const, 8),
		v.llvConst, IrConst(v.slotOf(fill), 8))
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "memset", NumOps: n, Flag: INSN_READ_LOG}})
	s := v.slotOf(fill)
	for b := 0; b < n; b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), 0), B: MakeUnkAddr(uint32(b))})
	}
	return nil
}

// visitUnmodeledCall processes a call into a function we have no model
// for: set up the next frame with each non-constant argument's taint,
// run the callee's ops, and copy the return shadow into the call's
// result slot.
func (v *TaintVisitor) visitUnmodeledCall(i *IrInstr) error {
	callee := i.Callee
	if callee == nil {
		callee = v.pass.mod.Func(i.Name)
	}
	if callee == nil {
		fmt.Printf("taint: call to unknown function %q in %s, skipped\n", i.Name, v.f.Name)
		return nil
	}

	for argIdx, arg := range i.Operands {
		if arg.IsConst() {
			continue
		}
		argBytes := valueSize(arg)
		s := v.slotOf(arg)
		v.callBefore(i, v.copyF,
			v.llvConst, IrConst(int64(v.tp.shad.numVals)+int64(argIdx), 8),
			v.llvConst, IrConst(s, 8), IrConst(int64(argBytes), 8))
		for b := uint32(0); b < argBytes; b++ {
			v.emit(TaintOp{Typ: COPYOP,
				A: MakeLAddr(uint64(s), b),
				B: Addr{Typ: LADDR, Val: uint64(argIdx), Off: b, Flag: FUNCARG}})
		}
	}
	v.callBefore(i, v.pushFrameF, v.llvConst)
	v.callAfter(i, v.popFrameF, v.llvConst)

	v.emit(TaintOp{Typ: CALLOP, Call: v.pass.TTB(callee.Name)})
	v.emit(TaintOp{Typ: RETOP})

	if i.Size > 0 {
		d := v.slotOf(i.Value())
		v.callAfter(i, v.copyF,
			v.llvConst, IrConst(d, 8),
			v.retConst, IrConst(0, 8), IrConst(MAX_REG_SIZE, 8))
		for b := uint32(0); b < valueSize(i.Value()); b++ {
			v.emit(TaintOp{Typ: COPYOP, A: MakeRetAddr(b), B: MakeLAddr(uint64(d), b)})
		}
	}
	return nil
}

// --- terminators ---

// visitReturn copies the returned value's shadow into the return slot.
func (v *TaintVisitor) visitReturn(i *IrInstr) {
	if len(i.Operands) == 0 {
		return
	}
	ret := i.Operand(0)
	if ret.IsConst() {
		for b := uint32(0); b < valueSize(ret); b++ {
			v.emit(TaintOp{Typ: DELETEOP, A: MakeRetAddr(b)})
		}
		return
	}
	s := v.slotOf(ret)
	v.callBefore(i, v.copyF,
		v.retConst, IrConst(0, 8),
		v.llvConst, IrConst(s, 8), IrConst(int64(valueSize(ret)), 8))
	for b := uint32(0); b < valueSize(ret); b++ {
		v.emit(TaintOp{Typ: COPYOP, A: MakeLAddr(uint64(s), b), B: MakeRetAddr(b)})
	}
}

// breadcrumb records which block just ran, for phi resolution in the
// successor.
func (v *TaintVisitor) breadcrumb(bb *IrBlock, term *IrInstr) int64 {
	slot := v.slotOf(bb.Value())
	v.callBefore(term, v.breadcrumbF, v.prevBbConst, IrConst(slot*MAX_REG_SIZE, 8))
	return slot
}

func (v *TaintVisitor) visitTerminator(bb *IrBlock, term *IrInstr) {
	slot := v.breadcrumb(bb, term)
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "br", NumOps: 0, Flag: INSN_NO_LOG, CurBB: slot}})
}

func (v *TaintVisitor) visitCondBranch(bb *IrBlock, term *IrInstr) {
	// Operands: condition, target-if-false, target-if-true.
	slot := v.breadcrumb(bb, term)
	falseT := v.slotOf(term.Operand(1))
	trueT := v.slotOf(term.Operand(2))
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "condbranch", NumOps: 0, Flag: INSN_READ_LOG,
		CurBB: slot, BranchLabels: [2]int64{falseT, trueT}}})
}

func (v *TaintVisitor) visitSwitch(bb *IrBlock, term *IrInstr) {
	slot := v.breadcrumb(bb, term)
	conds := make([]int64, 0, len(term.Cases))
	labels := make([]int64, 0, len(term.Cases)+1)
	for _, c := range term.Cases {
		conds = append(conds, c.Cond)
		labels = append(labels, v.slotOf(c.Target.Value()))
	}
	// Default target rides last.
	labels = append(labels, v.slotOf(term.Operand(1)))
	v.emit(TaintOp{Typ: INSNSTARTOP, Insn: InsnStart{
		Name: "switch", NumOps: 0, Flag: INSN_READ_LOG,
		CurBB: slot, SwitchConds: conds, SwitchLabels: labels}})
}
