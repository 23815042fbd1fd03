// rr_types.go - Program points, log entry kinds and callsite identifiers

package main

// ProgPoint identifies a moment in a recorded execution: the guest
// program counter, the architectural scratch register (R1 on IE32,
// which disambiguates points sharing a PC), and the number of guest
// instructions retired since the session began.
type ProgPoint struct {
	PC         uint32
	Scratch    uint32
	InstrCount uint64
}

// ProgPointCompare orders the live point against a recorded one.
// Returns -1 when the live point has not reached the record yet, 0 on
// exact match, +1 when the live point has run past the record, which is
// a replay failure. When the instruction counts match but PC or scratch
// disagree the result is "not yet": some instructions (halt, for one)
// do not tick the counter, so several program points can share a count.
func ProgPointCompare(current, recorded ProgPoint) int {
	if current.InstrCount < recorded.InstrCount {
		return -1
	}
	if current.InstrCount == recorded.InstrCount {
		if current.PC == recorded.PC && current.Scratch == recorded.Scratch {
			return 0
		}
		return -1
	}
	return 1
}

// RRMode is the global engine mode.
type RRMode int32

const (
	RR_OFF RRMode = iota
	RR_RECORD
	RR_REPLAY
)

func (m RRMode) String() string {
	switch m {
	case RR_OFF:
		return "off"
	case RR_RECORD:
		return "record"
	case RR_REPLAY:
		return "replay"
	}
	return "invalid"
}

// RREntryKind discriminates log entries.
type RREntryKind uint8

const (
	RR_INPUT_1 RREntryKind = iota
	RR_INPUT_2
	RR_INPUT_4
	RR_INPUT_8
	RR_INTERRUPT_REQUEST
	RR_SKIPPED_CALL
	RR_LAST
)

var rrEntryKindStr = []string{
	"RR_INPUT_1",
	"RR_INPUT_2",
	"RR_INPUT_4",
	"RR_INPUT_8",
	"RR_INTERRUPT_REQUEST",
	"RR_SKIPPED_CALL",
	"RR_LAST",
}

func (k RREntryKind) String() string {
	if int(k) < len(rrEntryKindStr) {
		return rrEntryKindStr[k]
	}
	return "RR_UNKNOWN"
}

// RRCallKind discriminates skipped-call entries: machine emulation
// activity triggered by devices during recording that must be
// re-performed at the same program point during replay.
type RRCallKind uint8

const (
	RR_CALL_CPU_MEM_RW RRCallKind = iota
	RR_CALL_CPU_REG_MEM_REGION
	RR_CALL_LAST
)

var rrCallKindStr = []string{
	"RR_CALL_CPU_MEM_RW",
	"RR_CALL_CPU_REG_MEM_REGION",
	"RR_CALL_LAST",
}

func (k RRCallKind) String() string {
	if int(k) < len(rrCallKindStr) {
		return rrCallKindStr[k]
	}
	return "RR_CALL_UNKNOWN"
}

// RRCallsite tags the code location that produced an entry. Callsites
// are a sanity check only: an unknown tag during replay warns rather
// than fails, so logs survive callsite renumbering across builds.
type RRCallsite uint8

const (
	RR_CALLSITE_CPU_INB RRCallsite = iota
	RR_CALLSITE_CPU_INW
	RR_CALLSITE_CPU_INL
	RR_CALLSITE_CPU_OUTB
	RR_CALLSITE_CPU_OUTW
	RR_CALLSITE_CPU_OUTL
	RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_1
	RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_2
	RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_3
	RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_4
	RR_CALLSITE_CPU_REG_MEM_REGION
	RR_CALLSITE_IO_READ_0
	RR_CALLSITE_IO_READ_1
	RR_CALLSITE_IO_READ_2
	RR_CALLSITE_IO_READ_3
	RR_CALLSITE_IO_WRITE_0
	RR_CALLSITE_IO_WRITE_1
	RR_CALLSITE_IO_WRITE_2
	RR_CALLSITE_IO_WRITE_3
	RR_CALLSITE_CPU_EXEC_1
	RR_CALLSITE_CPU_EXEC_2
	RR_CALLSITE_CPU_EXEC_3
	RR_CALLSITE_CPU_EXEC_4
	RR_CALLSITE_CPU_HALTED
	RR_CALLSITE_RDTSC
	RR_CALLSITE_MAIN_LOOP
	RR_CALLSITE_LAST
)

var rrCallsiteStr = []string{
	"RR_CALLSITE_CPU_INB",
	"RR_CALLSITE_CPU_INW",
	"RR_CALLSITE_CPU_INL",
	"RR_CALLSITE_CPU_OUTB",
	"RR_CALLSITE_CPU_OUTW",
	"RR_CALLSITE_CPU_OUTL",
	"RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_1",
	"RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_2",
	"RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_3",
	"RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_4",
	"RR_CALLSITE_CPU_REG_MEM_REGION",
	"RR_CALLSITE_IO_READ_0",
	"RR_CALLSITE_IO_READ_1",
	"RR_CALLSITE_IO_READ_2",
	"RR_CALLSITE_IO_READ_3",
	"RR_CALLSITE_IO_WRITE_0",
	"RR_CALLSITE_IO_WRITE_1",
	"RR_CALLSITE_IO_WRITE_2",
	"RR_CALLSITE_IO_WRITE_3",
	"RR_CALLSITE_CPU_EXEC_1",
	"RR_CALLSITE_CPU_EXEC_2",
	"RR_CALLSITE_CPU_EXEC_3",
	"RR_CALLSITE_CPU_EXEC_4",
	"RR_CALLSITE_CPU_HALTED",
	"RR_CALLSITE_RDTSC",
	"RR_CALLSITE_MAIN_LOOP",
	"RR_CALLSITE_LAST",
}

func (c RRCallsite) String() string {
	if int(c) < len(rrCallsiteStr) {
		return rrCallsiteStr[c]
	}
	return "RR_CALLSITE_UNKNOWN"
}

// RRHeader prefixes every log entry.
type RRHeader struct {
	Point    ProgPoint
	Kind     RREntryKind
	Callsite RRCallsite
}

// RRMemRWArgs is the payload of a skipped physical-memory access. Only
// writes carry bytes; reads reproduce bytes from the device side.
type RRMemRWArgs struct {
	Addr    uint32
	Len     uint32
	IsWrite bool
	Buf     []byte
}

// RRRegMemRegionArgs is the payload of a skipped memory-region
// registration.
type RRRegMemRegionArgs struct {
	Start      uint32
	Size       uint64
	PhysOffset uint64
}

// RREntry is one record of the non-determinism log.
type RREntry struct {
	Header       RRHeader
	Input        uint64 // RR_INPUT_1/2/4/8, low bytes significant
	InterruptReq uint16 // RR_INTERRUPT_REQUEST
	CallKind     RRCallKind
	MemRW        RRMemRWArgs
	RegMemRegion RRRegMemRegionArgs
}
