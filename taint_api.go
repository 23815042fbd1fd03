// taint_api.go - Labelling and query surface of the taint processor

package main

import "fmt"

// AddTaintRAM labels length bytes of guest physical RAM starting at pa.
// In byte-label mode each byte receives the next monotonic label; in
// binary mode every byte receives label 1. The labelling itself runs
// through the op interpreter so it behaves exactly like taint arriving
// from instrumented execution.
func (tp *TaintProcessor) AddTaintRAM(pa uint64, length int) {
	tob := NewTaintOpBuffer(length)
	for i := 0; i < length; i++ {
		op := TaintOp{Typ: LABELOP, A: MakeMAddr(pa + uint64(i))}
		if tp.labelMode == TAINT_BYTE_LABEL {
			op.Label = Label(tp.labelCount + uint32(i))
		} else {
			op.Label = 1
		}
		tob.Write(op)
	}
	ttb := tob.Seal("add_taint_ram")
	if err := tp.executeOps(ttb); err != nil {
		fmt.Printf("taint: labelling failed: %v\n", err)
		return
	}
	tp.labelCount += uint32(length)
}

// AddTaintVirtual labels length bytes at a guest virtual address,
// translating each byte through the machine's MMU. Bytes whose
// translation is missing are skipped with a warning rather than
// failing the whole labelling.
func (tp *TaintProcessor) AddTaintVirtual(translate func(va uint64) (uint64, bool), va uint64, length int) {
	for i := 0; i < length; i++ {
		pa, ok := translate(va + uint64(i))
		if !ok {
			fmt.Printf("taint: cannot label va=0x%x: no virtual to physical mapping\n", va+uint64(i))
			continue
		}
		if tp.labelMode == TAINT_BYTE_LABEL {
			tp.shad.LabelRAM(pa, Label(tp.labelCount))
			tp.labelCount++
		} else {
			tp.shad.LabelRAM(pa, 1)
		}
	}
}

// AddTaintIO labels length bytes of the generic I/O buffer space.
func (tp *TaintProcessor) AddTaintIO(addr uint64, length int) {
	for i := 0; i < length; i++ {
		a := MakeIAddr(addr + uint64(i))
		if tp.labelMode == TAINT_BYTE_LABEL {
			tp.shad.TpLabel(a, Label(tp.labelCount+uint32(i)))
		} else {
			tp.shad.TpLabel(a, 1)
		}
	}
	tp.labelCount += uint32(length)
}

// AddTaintHD labels length bytes of the hard-disk shadow starting at a
// sector byte offset.
func (tp *TaintProcessor) AddTaintHD(off uint64, length int) {
	for i := 0; i < length; i++ {
		a := MakeHAddr(off + uint64(i))
		if tp.labelMode == TAINT_BYTE_LABEL {
			tp.shad.TpLabel(a, Label(tp.labelCount+uint32(i)))
		} else {
			tp.shad.TpLabel(a, 1)
		}
	}
	tp.labelCount += uint32(length)
}

// QueryRAM returns the label set cardinality of a guest physical RAM
// byte, 0 when untainted. The count is an upper bound; see Cardinality.
func (tp *TaintProcessor) QueryRAM(pa uint64) uint32 {
	return tp.shad.QueryRAM(pa)
}

// QueryReg returns the label set cardinality at a register byte.
func (tp *TaintProcessor) QueryReg(reg, offset int) uint32 {
	return tp.shad.QueryReg(reg, offset)
}

// OccRAM counts tainted guest RAM bytes.
func (tp *TaintProcessor) OccRAM() uint64 {
	return tp.shad.OccRAM()
}

// LabelCount returns the number of labels handed out so far.
func (tp *TaintProcessor) LabelCount() uint32 {
	return tp.labelCount
}

// ClearAll removes all taint everywhere: the shadow is torn down and
// rebuilt with the same geometry. Label numbering continues where it
// left off.
func (tp *TaintProcessor) ClearAll() error {
	return tp.shad.ClearAll()
}

// SetAsid switches the address-space identifier attributed to
// subsequent tainted-instruction commits.
func (tp *TaintProcessor) SetAsid(asid uint64) {
	tp.shad.asid = asid
}
