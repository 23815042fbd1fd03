// ir.go - Translation IR surface walked by the taint rewriter

/*
ir.go - Translation IR for IntuitionTrace

The emulator's code generator lowers guest translation blocks into this
IR before execution. The taint rewriter only needs a narrow capability
set over it: enumerate functions, blocks and instructions; read operands
and their sizes; insert instructions before or after an existing one;
and tag instructions with metadata. Instructions are one tagged variant
rather than a class hierarchy; per-opcode behavior lives in the visitor.

Values carry pointer identity: the slot tracker keys on *IrValue, and
every argument, block and non-void instruction of a function receives a
dense local slot number, stable for the duration of a rewriting pass.
Those slot numbers are the LADDR addresses of the taint op stream.
*/

package main

import "fmt"

// IrOpcode enumerates the instruction kinds of the translation IR.
type IrOpcode int

const (
	IR_ADD IrOpcode = iota
	IR_SUB
	IR_MUL
	IR_UDIV
	IR_SDIV
	IR_UREM
	IR_SREM
	IR_FADD
	IR_FSUB
	IR_FMUL
	IR_FDIV
	IR_FREM
	IR_SHL
	IR_LSHR
	IR_ASHR
	IR_AND
	IR_OR
	IR_XOR
	IR_ALLOCA
	IR_LOAD
	IR_STORE
	IR_GEP
	IR_TRUNC
	IR_ZEXT
	IR_SEXT
	IR_FPTRUNC
	IR_FPEXT
	IR_FPTOSI
	IR_SITOFP
	IR_UITOFP
	IR_PTRTOINT
	IR_INTTOPTR
	IR_BITCAST
	IR_CMP
	IR_PHI
	IR_SELECT
	IR_CALL
	IR_BR
	IR_BRCOND
	IR_SWITCH
	IR_RET
	IR_UNREACHABLE
	IR_FENCE
	IR_ATOMICRMW
	IR_CMPXCHG
	IR_INVOKE
)

// IrValueKind discriminates what an operand refers to.
type IrValueKind int

const (
	IRV_INSTR IrValueKind = iota
	IRV_ARG
	IRV_BLOCK
	IRV_CONST
	IRV_FUNC
)

// IrValue is an operand or result. Identity is pointer identity; the
// slot tracker and the rewriter key maps on *IrValue.
type IrValue struct {
	Kind  IrValueKind
	Const int64
	Size  uint32 // size in bytes; 0 for blocks and void
	Name  string // symbolic constants and named entities
	Instr *IrInstr
	Arg   *IrArg
	Block *IrBlock
	Func  *IrFunc
}

// IrConst builds an integer constant of the given byte size.
func IrConst(v int64, size uint32) *IrValue {
	return &IrValue{Kind: IRV_CONST, Const: v, Size: size}
}

// IrSymConst builds a named symbolic constant (a shadow-space base or
// run-time object address baked into helper call arguments).
func IrSymConst(name string) *IrValue {
	return &IrValue{Kind: IRV_CONST, Size: 8, Name: name}
}

// IsConst reports whether v is a compile-time constant.
func (v *IrValue) IsConst() bool { return v.Kind == IRV_CONST }

// IrIncoming is one (predecessor block, value) pair of a phi.
type IrIncoming struct {
	Block *IrBlock
	Val   *IrValue
}

// IrCase is one (condition constant, target block) pair of a switch.
type IrCase struct {
	Cond   int64
	Target *IrBlock
}

// IrInstr is one instruction. Only the fields its opcode needs are
// populated.
type IrInstr struct {
	Op       IrOpcode
	Operands []*IrValue
	Size     uint32 // result size in bytes; 0 when void
	Volatile bool
	Name     string // call target name for IR_CALL
	Callee   *IrFunc
	Incoming []IrIncoming // IR_PHI
	Cases    []IrCase     // IR_SWITCH; default target is Operands[1]
	meta     map[string]string

	parent *IrBlock
	val    *IrValue
}

// Value returns the instruction's result value, with stable identity.
func (i *IrInstr) Value() *IrValue {
	if i.val == nil {
		i.val = &IrValue{Kind: IRV_INSTR, Instr: i, Size: i.Size}
	}
	return i.val
}

// SetMetadata tags the instruction.
func (i *IrInstr) SetMetadata(key, val string) {
	if i.meta == nil {
		i.meta = make(map[string]string)
	}
	i.meta[key] = val
}

// Metadata returns the tag value and whether it is present.
func (i *IrInstr) Metadata(key string) (string, bool) {
	v, ok := i.meta[key]
	return v, ok
}

// Operand returns the n-th operand.
func (i *IrInstr) Operand(n int) *IrValue { return i.Operands[n] }

// Parent returns the containing block.
func (i *IrInstr) Parent() *IrBlock { return i.parent }

// IrArg is a function argument. Argument 0 of a translation block
// function is the CPU-state pointer.
type IrArg struct {
	Index int
	Size  uint32
	Name  string
	val   *IrValue
}

// Value returns the argument's value with stable identity.
func (a *IrArg) Value() *IrValue {
	if a.val == nil {
		a.val = &IrValue{Kind: IRV_ARG, Arg: a, Size: a.Size}
	}
	return a.val
}

// IrBlock is a basic block: a named sequence of instructions ending in
// a terminator.
type IrBlock struct {
	Name   string
	Instrs []*IrInstr
	fn     *IrFunc
	val    *IrValue
}

// Value returns the block's value (used as a phi/branch label).
func (b *IrBlock) Value() *IrValue {
	if b.val == nil {
		b.val = &IrValue{Kind: IRV_BLOCK, Block: b}
	}
	return b.val
}

// Func returns the containing function.
func (b *IrBlock) Func() *IrFunc { return b.fn }

// Append adds an instruction at the end of the block.
func (b *IrBlock) Append(i *IrInstr) *IrInstr {
	i.parent = b
	b.Instrs = append(b.Instrs, i)
	return i
}

func (b *IrBlock) indexOf(pos *IrInstr) int {
	for k, in := range b.Instrs {
		if in == pos {
			return k
		}
	}
	panic(fmt.Sprintf("ir: instruction not in block %s", b.Name))
}

// InsertBefore places i immediately before pos.
func (b *IrBlock) InsertBefore(pos, i *IrInstr) {
	k := b.indexOf(pos)
	i.parent = b
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[k+1:], b.Instrs[k:])
	b.Instrs[k] = i
}

// InsertAfter places i immediately after pos.
func (b *IrBlock) InsertAfter(pos, i *IrInstr) {
	k := b.indexOf(pos) + 1
	i.parent = b
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[k+1:], b.Instrs[k:])
	b.Instrs[k] = i
}

// Terminator returns the block's final instruction.
func (b *IrBlock) Terminator() *IrInstr {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// FirstNonPhi returns the first instruction that is not a phi.
func (b *IrBlock) FirstNonPhi() *IrInstr {
	for _, i := range b.Instrs {
		if i.Op != IR_PHI {
			return i
		}
	}
	return nil
}

// IrFunc is one function: the lowered form of a guest translation block
// or a run-time helper.
type IrFunc struct {
	Name    string
	Args    []*IrArg
	Blocks  []*IrBlock
	RetSize uint32
}

// NewIrFunc creates a function with the given argument sizes and an
// entry block.
func NewIrFunc(name string, argSizes []uint32, retSize uint32) *IrFunc {
	f := &IrFunc{Name: name, RetSize: retSize}
	for i, sz := range argSizes {
		f.Args = append(f.Args, &IrArg{Index: i, Size: sz})
	}
	f.AddBlock("entry")
	return f
}

// AddBlock appends a new basic block.
func (f *IrFunc) AddBlock(name string) *IrBlock {
	b := &IrBlock{Name: name, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Entry returns the entry block.
func (f *IrFunc) Entry() *IrBlock { return f.Blocks[0] }

// IrModule is a set of functions.
type IrModule struct {
	Funcs  []*IrFunc
	byName map[string]*IrFunc
}

// NewIrModule creates an empty module.
func NewIrModule() *IrModule {
	return &IrModule{byName: make(map[string]*IrFunc)}
}

// AddFunc registers a function in the module.
func (m *IrModule) AddFunc(f *IrFunc) *IrFunc {
	m.Funcs = append(m.Funcs, f)
	m.byName[f.Name] = f
	return f
}

// Func looks a function up by name.
func (m *IrModule) Func(name string) *IrFunc { return m.byName[name] }

// Link merges src into m. Functions whose names already exist in m are
// kept from m, matching link-once semantics for the helper module.
func (m *IrModule) Link(src *IrModule) {
	for _, f := range src.Funcs {
		if m.byName[f.Name] == nil {
			m.AddFunc(f)
		}
	}
}

// SlotTracker assigns dense local slot numbers to a function's
// arguments, basic blocks and value-producing instructions, in that
// order. Names are ignored: every such entity gets a slot, so the
// numbering is stable and complete for the duration of a pass.
type SlotTracker struct {
	slots map[*IrValue]int
	next  int
}

// NewSlotTracker processes f and returns its tracker.
func NewSlotTracker(f *IrFunc) *SlotTracker {
	st := &SlotTracker{slots: make(map[*IrValue]int)}
	for _, a := range f.Args {
		st.create(a.Value())
	}
	for _, b := range f.Blocks {
		st.create(b.Value())
		for _, i := range b.Instrs {
			if i.Size > 0 {
				st.create(i.Value())
			}
		}
	}
	return st
}

func (st *SlotTracker) create(v *IrValue) {
	if _, dup := st.slots[v]; dup {
		return
	}
	st.slots[v] = st.next
	st.next++
}

// GetLocalSlot returns the slot of v, or -1 if v has none (constants,
// values from other functions).
func (st *SlotTracker) GetLocalSlot(v *IrValue) int {
	if s, ok := st.slots[v]; ok {
		return s
	}
	return -1
}

// NumSlots returns the number of slots assigned.
func (st *SlotTracker) NumSlots() int { return st.next }
