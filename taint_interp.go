// taint_interp.go - Taint op interpreter driven by the dynamic value log

/*
taint_interp.go - Taint Op Interpreter for IntuitionTrace

Executes the op buffers the IR rewriter emits against the shadow memory.
Ops with UNK operands are resolved by an INSNSTART fix-up phase that
consumes the dynamic value log produced during guest execution and
patches the following ops in place: the cursor is saved, the window of
ops is rewritten, and execution resumes from the saved cursor. Branch,
switch and select entries additionally steer the control-flow
bookkeeping (previous branch, taken branch) that phi resolution reads.

The interpreter runs on the emulator goroutine only; op buffers are
owned by their compiled function and never executed concurrently.
*/

package main

import (
	"errors"
	"fmt"
)

// TaintLabelMode selects how new labels are assigned.
type TaintLabelMode int

const (
	TAINT_BYTE_LABEL TaintLabelMode = iota
	TAINT_BINARY_LABEL
)

// nextStep values recording what the last INSNSTART decided.
type nextStep int

const (
	STEP_NONE nextStep = iota
	STEP_BRANCH
	STEP_SWITCH
	STEP_EXCEPT
)

// errTaintExcept aborts the remainder of a block after a guest
// exception marker in the dynamic value log.
var errTaintExcept = errors.New("taint: guest exception in dynamic value log")

// TaintProcessor is the taint runtime: shadow memory, dynamic value
// log, mode switches and subscriber lists, owned by the emulator
// goroutine.
type TaintProcessor struct {
	shad *Shad
	dvb  *DynValBuffer

	Callbacks TaintCallbacks
	Hooks     OSHooks

	enabled        bool
	labelMode      TaintLabelMode
	labelCount     uint32
	taintedPointer bool
	taintedInstr   bool

	nextStep       nextStep
	previousBranch int64
	takenBranch    int64

	debugLevel int
}

// NewTaintProcessor builds a taint runtime over freshly initialized
// shadow memory.
func NewTaintProcessor(cfg *TraceConfig) (*TaintProcessor, error) {
	shad, err := NewShad(cfg.HDSize, cfg.MemSize, cfg.IOSize, cfg.MaxVals)
	if err != nil {
		return nil, err
	}
	return &TaintProcessor{
		shad:           shad,
		dvb:            NewDynValBuffer(cfg.DynLogEntries),
		labelMode:      cfg.LabelMode,
		taintedPointer: cfg.TaintedPointer,
		taintedInstr:   cfg.TaintedInstructions,
		debugLevel:     cfg.DebugLevel,
	}, nil
}

// Shad exposes the shadow memory to the monitor and tests.
func (tp *TaintProcessor) Shad() *Shad { return tp.shad }

// DynLog exposes the dynamic value log to the instrumentation hooks.
func (tp *TaintProcessor) DynLog() *DynValBuffer { return tp.dvb }

// Enable turns taint tracking on.
func (tp *TaintProcessor) Enable() { tp.enabled = true }

// Enabled reports whether taint tracking is on.
func (tp *TaintProcessor) Enabled() bool { return tp.enabled }

// ExecuteTaintOps runs one compiled translation block's ops against the
// shadow, consuming the dynamic value log accumulated during the guest's
// execution of that block. The block's own IR frame is cleared first
// (function entry semantics).
func (tp *TaintProcessor) ExecuteTaintOps(ttb *TaintTB) error {
	for _, fn := range tp.Callbacks.beforeExecuteTaintOps {
		fn(ttb)
	}
	tp.shad.ClearFrame(tp.shad.currentFrame)
	err := tp.executeOps(ttb)
	for _, fn := range tp.Callbacks.afterExecuteTaintOps {
		fn(ttb)
	}
	if errors.Is(err, errTaintExcept) {
		return nil // exception aborts the block, not the session
	}
	return err
}

func (tp *TaintProcessor) executeOps(ttb *TaintTB) error {
	ops := ttb.Ops
	for i := 0; i < len(ops); i++ {
		op := &ops[i]
		if tp.debugLevel >= DEBUG_NOISY {
			fmt.Printf("taint: op %d %s\n", i, op.String())
		}
		switch op.Typ {
		case LABELOP:
			tp.shad.TpLabel(op.A, op.Label)

		case DELETEOP:
			if op.A.Flag == IRRELEVANT {
				break
			}
			tp.shad.TpDelete(op.A)

		case COPYOP:
			// An irrelevant source deletes the destination; an
			// irrelevant destination drops the op.
			if op.A.Flag == IRRELEVANT {
				if op.B.Flag != IRRELEVANT {
					tp.shad.TpDelete(op.B)
				}
				break
			}
			if op.B.Flag == IRRELEVANT {
				break
			}
			tp.shad.TpCopy(op.A, op.B)

		case BULKCOPYOP:
			if op.B.Flag == IRRELEVANT {
				break
			}
			a, b := op.A, op.B
			for n := uint64(0); n < op.Len; n++ {
				if op.A.Flag == IRRELEVANT {
					tp.shad.TpDelete(b)
				} else {
					tp.shad.TpCopy(a, b)
					addrInc(&a)
				}
				addrInc(&b)
			}

		case COMPUTEOP:
			if op.C.Flag == IRRELEVANT {
				break
			}
			// A register can never be reached through a tainted
			// pointer; skip the address union for register
			// destinations.
			if tp.taintedPointer && (op.C.Typ == GREG || op.C.Typ == GSPEC) {
				break
			}
			tp.shad.TpCompute(op.A, op.B, op.C)

		case INSNSTARTOP:
			if i+1+op.Insn.NumOps > len(ops) {
				return fmt.Errorf("taint: insn_start %q claims %d ops past end of %s",
					op.Insn.Name, op.Insn.NumOps, ttb.Name)
			}
			if err := tp.processInsnStart(op, ops[i+1:i+1+op.Insn.NumOps]); err != nil {
				return err
			}

		case PCOP:
			if tp.taintedInstr {
				if tp.shad.taintStateChanged {
					tp.shad.commitTaintedPC(tp.shad.asid, tp.shad.pc)
				}
				tp.shad.taintStateChanged = false
			}
			tp.shad.pc = op.PC

		case CALLOP:
			if tp.shad.currentFrame+1 >= FUNCTION_FRAMES {
				return fmt.Errorf("taint: IR call depth exceeds %d frames", FUNCTION_FRAMES)
			}
			tp.shad.currentFrame++
			if err := tp.executeOps(op.Call); err != nil {
				return err
			}

		case RETOP:
			if tp.shad.currentFrame == 0 {
				panic("taint: RET with no frame to pop")
			}
			tp.shad.ClearFrame(tp.shad.currentFrame)
			tp.shad.currentFrame--

		case LDCALLBACKOP:
			if len(tp.Callbacks.onLoad) > 0 && op.A.Typ == MADDR {
				tp.Callbacks.runOnLoad(tp.shad.pc, op.A.Val+uint64(op.A.Off))
			}

		case STCALLBACKOP:
			if len(tp.Callbacks.onStore) > 0 && op.A.Typ == MADDR {
				tp.Callbacks.runOnStore(tp.shad.pc, op.A.Val+uint64(op.A.Off))
			}

		case QUERYOP:
			tp.dumpQuery(op.A, op.Len)

		default:
			return fmt.Errorf("taint: unknown op kind %d at index %d in %s", op.Typ, i, ttb.Name)
		}
	}
	return nil
}

// dumpQuery prints the labels at an address range, one line per byte.
func (tp *TaintProcessor) dumpQuery(a Addr, length uint64) {
	for n := uint64(0); n < length; n++ {
		b := a
		b.Off += uint32(n)
		ls := tp.shad.LabelSetGet(b)
		if tp.shad.arena.IsEmpty(ls) {
			continue
		}
		fmt.Printf("taint: query %s = %v\n", b, tp.shad.arena.Labels(ls))
	}
}

// processInsnStart consumes the dynamic value log entry this INSNSTART
// asked for and patches the window of following ops in place. The
// patched fields were emitted as UNK by the rewriter.
func (tp *TaintProcessor) processInsnStart(op *TaintOp, window []TaintOp) error {
	var dventry DynValEntry
	if op.Insn.Flag == INSN_READ_LOG {
		var ok bool
		dventry, ok = tp.dvb.Pop()
		if !ok {
			return fmt.Errorf("taint: dynamic value log exhausted in %q", op.Insn.Name)
		}
		if dventry.Kind == EXCEPTIONENTRY {
			tp.nextStep = STEP_EXCEPT
			return errTaintExcept
		}
	}

	switch op.Insn.Name {
	case "load":
		if !isMemEntry(dventry, DYN_LOAD, DYN_PLOAD) {
			return fmt.Errorf("taint: dynamic value log does not align in load")
		}
		for k := range window {
			cur := &window[k]
			switch cur.Typ {
			case COPYOP:
				patchAddr(&cur.A, dventry.Addr)
			case LDCALLBACKOP:
				if len(tp.Callbacks.onLoad) > 0 && dventry.Addr.Typ == MADDR {
					patchAddr(&cur.A, dventry.Addr)
				}
			default:
				return fmt.Errorf("taint: unexpected op %s under load fix-up", cur.String())
			}
		}

	case "store":
		if !isMemEntry(dventry, DYN_STORE, DYN_PSTORE) {
			return fmt.Errorf("taint: dynamic value log does not align in store")
		}
		for k := range window {
			cur := &window[k]
			switch cur.Typ {
			case COPYOP:
				patchAddr(&cur.B, dventry.Addr)
			case DELETEOP:
				patchAddr(&cur.A, dventry.Addr)
			case STCALLBACKOP:
				if len(tp.Callbacks.onStore) > 0 && dventry.Addr.Typ == MADDR {
					patchAddr(&cur.A, dventry.Addr)
				}
			case COMPUTEOP:
				// Tainted-pointer model only. If both sides were
				// already resolved at rewrite time there is
				// nothing to fill.
				if !tp.taintedPointer {
					break
				}
				if dventry.Addr.Flag == IRRELEVANT {
					cur.B.Flag = IRRELEVANT
					cur.C.Flag = IRRELEVANT
					break
				}
				if cur.B.Typ != UNK && cur.C.Typ != UNK {
					break
				}
				patchAddr(&cur.B, dventry.Addr)
				patchAddr(&cur.C, dventry.Addr)
			default:
				return fmt.Errorf("taint: unexpected op %s under store fix-up", cur.String())
			}
		}

	case "condbranch":
		if dventry.Kind != BRANCHENTRY {
			return fmt.Errorf("taint: dynamic value log does not align in branch")
		}
		tp.previousBranch = op.Insn.CurBB
		tp.shad.prevBB = uint64(op.Insn.CurBB)
		if dventry.Branch {
			tp.takenBranch = op.Insn.BranchLabels[1]
		} else {
			tp.takenBranch = op.Insn.BranchLabels[0]
		}
		tp.nextStep = STEP_BRANCH

	case "br":
		// Unconditional terminator: breadcrumb only, no log entry.
		tp.previousBranch = op.Insn.CurBB
		tp.shad.prevBB = uint64(op.Insn.CurBB)

	case "switch":
		if dventry.Kind != SWITCHENTRY {
			return fmt.Errorf("taint: dynamic value log does not align in switch")
		}
		tp.previousBranch = op.Insn.CurBB
		tp.shad.prevBB = uint64(op.Insn.CurBB)
		taken := op.Insn.SwitchLabels[len(op.Insn.SwitchLabels)-1] // default case
		for k, cond := range op.Insn.SwitchConds {
			if cond == dventry.SwitchCond {
				taken = op.Insn.SwitchLabels[k]
				break
			}
		}
		tp.takenBranch = taken
		tp.nextStep = STEP_SWITCH

	case "select":
		if dventry.Kind != SELECTENTRY {
			return fmt.Errorf("taint: dynamic value log does not align in select")
		}
		chosen := op.Insn.BranchLabels[0]
		if dventry.Sel {
			chosen = op.Insn.BranchLabels[1]
		}
		for k := range window {
			cur := &window[k]
			if cur.Typ != COPYOP {
				return fmt.Errorf("taint: unexpected op %s under select fix-up", cur.String())
			}
			if chosen < 0 {
				// The selected value was a compile-time constant:
				// the destination loses its taint.
				cur.Typ = DELETEOP
				cur.A = cur.B
				continue
			}
			cur.A.Flag = FLAG_NONE
			cur.A.Typ = LADDR
			cur.A.Val = uint64(chosen)
		}

	case "phi":
		phiSource := int64(-2)
		for k, lbl := range op.Insn.PhiLabels {
			if lbl == tp.previousBranch {
				phiSource = op.Insn.PhiVals[k]
				break
			}
		}
		if phiSource == -2 {
			return fmt.Errorf("taint: phi has no incoming block matching %d", tp.previousBranch)
		}
		for k := range window {
			cur := &window[k]
			if cur.Typ != COPYOP {
				return fmt.Errorf("taint: unexpected op %s under phi fix-up", cur.String())
			}
			if phiSource < 0 {
				// Constant incoming value: the copies do not run.
				cur.Typ = DELETEOP
				cur.A = Addr{Typ: UNK, Flag: IRRELEVANT}
				continue
			}
			cur.A.Flag = FLAG_NONE
			cur.A.Typ = LADDR
			cur.A.Val = uint64(phiSource)
		}

	case "memcpy":
		// Two entries: the source load first, then the destination
		// store.
		src := dventry
		dst, ok := tp.dvb.Pop()
		if !ok {
			return fmt.Errorf("taint: dynamic value log exhausted in memcpy")
		}
		if dst.Kind == EXCEPTIONENTRY {
			tp.nextStep = STEP_EXCEPT
			return errTaintExcept
		}
		if src.Kind != ADDRENTRY || src.Op != DYN_LOAD ||
			dst.Kind != ADDRENTRY || dst.Op != DYN_STORE {
			return fmt.Errorf("taint: dynamic value log does not align in memcpy")
		}
		for k := range window {
			cur := &window[k]
			if cur.Typ != BULKCOPYOP {
				return fmt.Errorf("taint: unexpected op %s under memcpy fix-up", cur.String())
			}
			patchAddr(&cur.A, src.Addr)
			patchAddr(&cur.B, dst.Addr)
		}

	case "memset":
		if dventry.Kind != ADDRENTRY || dventry.Op != DYN_STORE {
			return fmt.Errorf("taint: dynamic value log does not align in memset")
		}
		for k := range window {
			cur := &window[k]
			switch cur.Typ {
			case DELETEOP:
				patchAddr(&cur.A, dventry.Addr)
			case COPYOP: // non-constant fill broadcast
				patchAddr(&cur.B, dventry.Addr)
			default:
				return fmt.Errorf("taint: unexpected op %s under memset fix-up", cur.String())
			}
		}

	default:
		return fmt.Errorf("taint: unknown insn_start %q", op.Insn.Name)
	}
	return nil
}

// patchAddr fills dst from a logged address, preserving dst's byte
// offset. An irrelevant CPU-state access marks the operand irrelevant
// instead of resolving it.
func patchAddr(dst *Addr, logged Addr) {
	if logged.Flag == IRRELEVANT {
		dst.Flag = IRRELEVANT
		return
	}
	dst.Flag = FLAG_NONE
	dst.Typ = logged.Typ
	dst.Val = logged.Val
}

func isMemEntry(e DynValEntry, memOp, portOp MemAccessOp) bool {
	if e.Kind == ADDRENTRY && e.Op == memOp {
		return true
	}
	if e.Kind == PADDRENTRY && e.Op == portOp {
		return true
	}
	return false
}
