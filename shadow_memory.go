// shadow_memory.go - Shadow memory for whole-system taint propagation

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
shadow_memory.go - Shadow Memory for the IntuitionTrace taint processor

This module maintains label sets parallel to every address space the
emulated machine manipulates: hard-disk sectors, guest physical RAM,
generic I/O buffers, I/O ports, the per-frame IR value slots, the
call-return slot, and the guest register file (general and special).
Dense spaces are flat arrays of label set refs; sparse spaces are
directories keyed by address. All mutation goes through a single put
path that maintains the label set reference counts, so a set is freed
exactly when no shadow slot or union node holds it.

The dense arrays follow the allocator in shadow_alloc: ordinary memory
below 16 MiB, fixed-address anonymous mappings (huge pages first) above.
*/

package main

import "fmt"

// Guest geometry for the IE32 machine family.
const (
	NUM_REGS     = 16 // general registers R0..R15
	WORD_SIZE    = 4  // bytes per general register
	MAX_REG_SIZE = 16 // IR values can be up to 128 bits

	// FUNCTION_FRAMES bounds the IR call depth the LLV shadow can hold.
	FUNCTION_FRAMES = 10

	// Special CPU-state shadow cells, biased by NUM_REGS so the GSPEC
	// address space continues where the register file ends.
	SPEC_ADDR_PC     = NUM_REGS + 0
	SPEC_ADDR_SP     = NUM_REGS + 1
	SPEC_ADDR_FLAGS  = NUM_REGS + 2
	SPEC_ADDR_IVEC   = NUM_REGS + 3
	SPEC_ADDR_IENABL = NUM_REGS + 4
	NUM_SPEC_ADDRS   = 5

	// Port space: 0xffff ports of at most 4 bytes each.
	PORT_SHADOW_SIZE = 0xffff * 4
)

// FastShad is a dense shadow array for one linear address space.
type FastShad struct {
	labels []LabelSetRef
	mapped bool
}

// NewFastShad allocates a dense shadow of n cells.
func NewFastShad(n uint64) (*FastShad, error) {
	arr, mapped, err := mapShadowArray(n)
	if err != nil {
		return nil, err
	}
	return &FastShad{labels: arr, mapped: mapped}, nil
}

// Free releases the array. The release path is keyed on how the array
// was allocated, recorded at creation.
func (fs *FastShad) Free() {
	releaseShadowArray(fs.labels, fs.mapped)
	fs.labels = nil
}

// ShadDir is a sparse shadow directory for address spaces too large or
// too thinly populated for a dense array.
type ShadDir map[uint64]LabelSetRef

// Shad is the complete shadow memory of one guest machine.
type Shad struct {
	arena *LabelSetArena

	hdSize   uint64
	memSize  uint64
	ioSize   uint64
	portSize uint64
	numVals  uint64

	hd    ShadDir   // HADDR
	ram   *FastShad // MADDR
	io    ShadDir   // IADDR
	ports ShadDir   // PADDR
	llv   *FastShad // LADDR: frames x numVals x MAX_REG_SIZE
	ret   *FastShad // RET: MAX_REG_SIZE
	grv   *FastShad // GREG: NUM_REGS x WORD_SIZE
	gsv   *FastShad // GSPEC: NUM_SPEC_ADDRS

	currentFrame uint32
	prevBB       uint64
	pc           uint64
	asid         uint64

	// taintStateChanged is set by any mutation between PC ops; the
	// interpreter commits the previous PC into tpc when it fires.
	taintStateChanged bool
	tpc               map[uint64]map[uint64]struct{}
}

// NewShad initializes shadow memory for a guest with the given hard-disk
// size, RAM size, I/O space size and IR value count.
func NewShad(hdSize uint64, memSize uint64, ioSize uint64, maxVals uint64) (*Shad, error) {
	shad := &Shad{
		arena:    NewLabelSetArena(),
		hdSize:   hdSize,
		memSize:  memSize,
		ioSize:   ioSize,
		portSize: PORT_SHADOW_SIZE,
		numVals:  maxVals,
		hd:       make(ShadDir),
		io:       make(ShadDir),
		ports:    make(ShadDir),
		tpc:      make(map[uint64]map[uint64]struct{}),
	}
	var err error
	if shad.ram, err = NewFastShad(memSize); err != nil {
		return nil, err
	}
	if shad.llv, err = NewFastShad(maxVals * FUNCTION_FRAMES * MAX_REG_SIZE); err != nil {
		return nil, err
	}
	if shad.ret, err = NewFastShad(MAX_REG_SIZE); err != nil {
		return nil, err
	}
	if shad.grv, err = NewFastShad(NUM_REGS * WORD_SIZE); err != nil {
		return nil, err
	}
	if shad.gsv, err = NewFastShad(NUM_SPEC_ADDRS); err != nil {
		return nil, err
	}
	return shad, nil
}

// Free releases every shadow array. The label set arena dies with the
// Shad; individual refs need no teardown.
func (shad *Shad) Free() {
	shad.ram.Free()
	shad.llv.Free()
	shad.ret.Free()
	shad.grv.Free()
	shad.gsv.Free()
	shad.hd, shad.io, shad.ports = nil, nil, nil
}

// ClearAll removes all taint by tearing the shadow down and
// re-initializing it with the same geometry.
func (shad *Shad) ClearAll() error {
	hd, mem, io, vals := shad.hdSize, shad.memSize, shad.ioSize, shad.numVals
	shad.Free()
	fresh, err := NewShad(hd, mem, io, vals)
	if err != nil {
		return err
	}
	*shad = *fresh
	return nil
}

// frameBase returns the LLV byte index of slot 0 of the given frame.
func (shad *Shad) frameBase(frame uint32) uint64 {
	return uint64(frame) * shad.numVals * MAX_REG_SIZE
}

// laddrIndex resolves an LADDR to its flat LLV index, honoring the
// FUNCARG flag: arguments being set up belong to the next frame.
func (shad *Shad) laddrIndex(a Addr) uint64 {
	frame := shad.currentFrame
	if a.Flag == FUNCARG {
		frame++
	}
	if frame >= FUNCTION_FRAMES {
		panic(fmt.Sprintf("taint: IR frame %d out of range", frame))
	}
	return shad.frameBase(frame) + a.Val*MAX_REG_SIZE + uint64(a.Off)
}

// cell returns a pointer to the dense slot, or the directory and key for
// a sparse space. Exactly one of the returns is valid.
func (shad *Shad) cell(a Addr) (dense *LabelSetRef, dir ShadDir, key uint64) {
	switch a.Typ {
	case HADDR:
		return nil, shad.hd, a.Val + uint64(a.Off)
	case MADDR:
		return &shad.ram.labels[a.Val+uint64(a.Off)], nil, 0
	case IADDR:
		return nil, shad.io, a.Val + uint64(a.Off)
	case PADDR:
		return nil, shad.ports, a.Val + uint64(a.Off)
	case LADDR:
		return &shad.llv.labels[shad.laddrIndex(a)], nil, 0
	case GREG:
		return &shad.grv.labels[a.Val*WORD_SIZE+uint64(a.Off)], nil, 0
	case GSPEC:
		// The GSPEC space is biased by the register count.
		return &shad.gsv.labels[a.Val-NUM_REGS+uint64(a.Off)], nil, 0
	case RET:
		return &shad.ret.labels[a.Off], nil, 0
	default:
		panic(fmt.Sprintf("taint: cannot resolve shadow cell for %s", a))
	}
}

// LabelSetGet returns the set at a, borrowed: the ref stays valid until
// the next mutation of a. CONST addresses are never tainted.
func (shad *Shad) LabelSetGet(a Addr) LabelSetRef {
	if a.Typ == CONST {
		return EMPTY_LABEL_SET
	}
	if a.Flag == IRRELEVANT {
		return EMPTY_LABEL_SET
	}
	dense, dir, key := shad.cell(a)
	if dense != nil {
		return *dense
	}
	return dir[key]
}

// LabelSetPut stores ls at a, taking a reference and releasing the
// displaced set's reference.
func (shad *Shad) LabelSetPut(a Addr, ls LabelSetRef) {
	dense, dir, key := shad.cell(a)
	var old LabelSetRef
	if dense != nil {
		old = *dense
	} else {
		old = dir[key]
	}
	if old == ls {
		return
	}
	shad.arena.incRef(ls)
	if dense != nil {
		*dense = ls
	} else if ls == EMPTY_LABEL_SET {
		delete(dir, key)
	} else {
		dir[key] = ls
	}
	shad.arena.decRef(old)
	shad.taintStateChanged = true
}

// Query reports whether a carries any taint.
func (shad *Shad) Query(a Addr) bool {
	return !shad.arena.IsEmpty(shad.LabelSetGet(a))
}

// TpLabel associates label l with a: the cell becomes the union of its
// previous set and {l}.
func (shad *Shad) TpLabel(a Addr, l Label) {
	ls := shad.LabelSetGet(a)
	shad.LabelSetPut(a, shad.arena.Union(ls, shad.arena.Singleton(l)))
}

// TpDelete discards the set at a.
func (shad *Shad) TpDelete(a Addr) {
	shad.LabelSetPut(a, EMPTY_LABEL_SET)
}

// TpCopy copies the set at a to b. Copying a cell onto itself is a no-op.
func (shad *Shad) TpCopy(a, b Addr) {
	if AddrsEqual(a, b) {
		return
	}
	shad.LabelSetPut(b, shad.LabelSetGet(a))
}

// TpCompute stores the union of the sets at a and b into c.
func (shad *Shad) TpCompute(a, b, c Addr) {
	shad.LabelSetPut(c, shad.arena.Union(shad.LabelSetGet(a), shad.LabelSetGet(b)))
}

// LabelRAM labels one guest physical RAM byte.
func (shad *Shad) LabelRAM(pa uint64, l Label) {
	shad.TpLabel(MakeMAddr(pa), l)
}

// DeleteRAM removes taint from one guest physical RAM byte.
func (shad *Shad) DeleteRAM(pa uint64) {
	shad.TpDelete(MakeMAddr(pa))
}

// QueryRAM returns the label set cardinality at a guest physical RAM
// byte, 0 if untainted. The count is an upper bound on distinct labels.
func (shad *Shad) QueryRAM(pa uint64) uint32 {
	return shad.arena.Cardinality(shad.LabelSetGet(MakeMAddr(pa)))
}

// QueryReg returns the label set cardinality at byte offset of a general
// register, 0 if untainted.
func (shad *Shad) QueryReg(reg int, offset int) uint32 {
	return shad.arena.Cardinality(shad.LabelSetGet(MakeGRegAddr(uint64(reg), uint32(offset))))
}

// IterateRAM applies fn to every label at a guest physical RAM byte.
func (shad *Shad) IterateRAM(pa uint64, fn func(l Label)) {
	shad.arena.Iterate(shad.LabelSetGet(MakeMAddr(pa)), fn)
}

// IterateReg applies fn to every label at a register byte.
func (shad *Shad) IterateReg(reg int, offset int, fn func(l Label)) {
	shad.arena.Iterate(shad.LabelSetGet(MakeGRegAddr(uint64(reg), uint32(offset))), fn)
}

// OccRAM counts tainted guest RAM bytes.
func (shad *Shad) OccRAM() uint64 {
	var n uint64
	for _, ls := range shad.ram.labels {
		if ls != EMPTY_LABEL_SET {
			n++
		}
	}
	return n
}

// ClearFrame removes all taint from the LLV shadow of one frame. Called
// by the interpreter at IR function entry.
func (shad *Shad) ClearFrame(frame uint32) {
	base := shad.frameBase(frame)
	for i := base; i < base+shad.numVals*MAX_REG_SIZE; i++ {
		old := shad.llv.labels[i]
		if old != EMPTY_LABEL_SET {
			shad.llv.labels[i] = EMPTY_LABEL_SET
			shad.arena.decRef(old)
			shad.taintStateChanged = true
		}
	}
}

// TaintedPCs returns the sorted PCs whose execution changed taint state
// under the given address space identifier.
func (shad *Shad) TaintedPCs(asid uint64) []uint64 {
	set := shad.tpc[asid]
	out := make([]uint64, 0, len(set))
	for pc := range set {
		out = append(out, pc)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// commitTaintedPC records that pc changed taint state under asid.
func (shad *Shad) commitTaintedPC(asid, pc uint64) {
	set := shad.tpc[asid]
	if set == nil {
		set = make(map[uint64]struct{})
		shad.tpc[asid] = set
	}
	set[pc] = struct{}{}
}
