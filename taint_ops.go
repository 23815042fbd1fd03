// taint_ops.go - Taint operation records and per-block op buffers

package main

import (
	"fmt"
	"strings"
)

// TaintOpType discriminates the small interpreter language the IR
// rewriter emits and the taint interpreter executes.
type TaintOpType uint8

const (
	LABELOP TaintOpType = iota
	DELETEOP
	COPYOP
	BULKCOPYOP
	COMPUTEOP
	INSNSTARTOP
	PCOP
	CALLOP
	RETOP
	QUERYOP
	LDCALLBACKOP
	STCALLBACKOP
)

// InsnStartFlag says whether an INSNSTART op consumes a dynamic value
// log entry before patching the ops that follow it.
type InsnStartFlag uint8

const (
	INSN_NO_LOG   InsnStartFlag = iota
	INSN_READ_LOG               // consume one dyn-value entry
)

// InsnStart carries the fix-up description for the ops following an
// INSNSTARTOP. Name selects the patch rule; NumOps says how many
// following ops are rewritten in place.
type InsnStart struct {
	Name   string // load, store, condbranch, br, switch, select, phi, memcpy, memset
	NumOps int
	Flag   InsnStartFlag

	// Control flow bookkeeping: the basic block the INSNSTART belongs
	// to, and candidate successor labels. For select, BranchLabels
	// holds the two candidate value slots with -1 marking a
	// compile-time constant.
	CurBB        int64
	BranchLabels [2]int64

	// Switch: per-case condition constants and target labels, the last
	// label being the default case.
	SwitchConds  []int64
	SwitchLabels []int64

	// Phi: incoming block slots and matching value slots (-1 marks a
	// constant incoming value).
	PhiLabels []int64
	PhiVals   []int64
}

// TaintOp is one instruction of the taint interpreter language. Fields
// beyond Typ are populated per kind; UNK addresses are filled in by the
// INSNSTART fix-up phase before the op executes.
type TaintOp struct {
	Typ   TaintOpType
	A     Addr   // label/delete target, copy src, compute src1, callback addr, query target
	B     Addr   // copy dst, compute src2
	C     Addr   // compute dst
	Label Label  // LABELOP
	Len   uint64 // BULKCOPYOP / QUERYOP length
	PC    uint64 // PCOP
	Insn  InsnStart
	Call  *TaintTB // CALLOP target
}

// TaintTB is the compiled taint-op stream for one IR function (one
// translation block, plus the helper functions it calls). Ops are stored
// contiguously; the interpreter walks them with a cursor and may patch
// them in place during INSNSTART fix-up.
type TaintTB struct {
	Name string
	Ops  []TaintOp
}

// TaintOpBuffer accumulates ops during rewriting.
type TaintOpBuffer struct {
	ops []TaintOp
}

// NewTaintOpBuffer creates a buffer with the given initial capacity.
func NewTaintOpBuffer(capacity int) *TaintOpBuffer {
	return &TaintOpBuffer{ops: make([]TaintOp, 0, capacity)}
}

// Write appends one op, growing the buffer as needed.
func (tob *TaintOpBuffer) Write(op TaintOp) {
	tob.ops = append(tob.ops, op)
}

// Len returns the number of ops written so far.
func (tob *TaintOpBuffer) Len() int {
	return len(tob.ops)
}

// Seal returns the finished translation block and resets the buffer.
func (tob *TaintOpBuffer) Seal(name string) *TaintTB {
	ttb := &TaintTB{Name: name, Ops: tob.ops}
	tob.ops = nil
	return ttb
}

// String renders an op for diagnostics and the monitor's op dump.
func (op *TaintOp) String() string {
	switch op.Typ {
	case LABELOP:
		return fmt.Sprintf("label %s %d", op.A, op.Label)
	case DELETEOP:
		return fmt.Sprintf("delete %s", op.A)
	case COPYOP:
		return fmt.Sprintf("copy %s %s", op.A, op.B)
	case BULKCOPYOP:
		return fmt.Sprintf("bulk copy %s %s len %d", op.A, op.B, op.Len)
	case COMPUTEOP:
		return fmt.Sprintf("compute %s %s %s", op.A, op.B, op.C)
	case INSNSTARTOP:
		return fmt.Sprintf("insn_start %s, %d ops", op.Insn.Name, op.Insn.NumOps)
	case PCOP:
		return fmt.Sprintf("pc 0x%x", op.PC)
	case CALLOP:
		return fmt.Sprintf("call %s", op.Call.Name)
	case RETOP:
		return "return"
	case QUERYOP:
		return fmt.Sprintf("query %s len %d", op.A, op.Len)
	case LDCALLBACKOP:
		return "ldcallback"
	case STCALLBACKOP:
		return "stcallback"
	default:
		return fmt.Sprintf("op?%d", op.Typ)
	}
}

// Dump renders the whole block, one op per line.
func (ttb *TaintTB) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", ttb.Name)
	for i := range ttb.Ops {
		fmt.Fprintf(&b, "  %s\n", ttb.Ops[i].String())
	}
	return b.String()
}
