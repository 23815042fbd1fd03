// rr_engine.go - Deterministic record/replay engine

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
rr_engine.go - Record/Replay Engine for IntuitionTrace

Records every non-deterministic input a guest run observes (port reads,
interrupt fetches, device-initiated memory writes, memory-region
registrations), each keyed by the program point at which it happened.
During replay the same call sites reproduce the recorded values
synchronously: an entry is consumed only when the live program point
equals the recorded one, earlier points defer, and a live point past an
unconsumed record is a fatal divergence.

The monitor controls the engine exclusively through atomic request
flags; the emulator loop services them between translation blocks, so
mode transitions never happen mid-instruction.
*/

package main

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrReplayDivergence is returned when the live execution ran past an
// unconsumed log entry.
var ErrReplayDivergence = errors.New("rr: replay diverged from recording")

// ErrNotYet is returned by replay call sites whose next entry belongs
// to a later program point.
var ErrNotYet = errors.New("rr: log entry not due yet")

// RREngine is the record/replay state machine.
type RREngine struct {
	mode atomic.Int32

	// Monitor request flags, observed between translation blocks.
	recordRequested    atomic.Bool
	endRecordRequested atomic.Bool
	replayRequested    atomic.Bool
	endReplayRequested atomic.Bool
	nameMu             sync.Mutex
	requestedName      string

	// Emulator-thread state.
	progPoint        ProgPoint
	guestInstrCount  uint64
	instrBeforeIntr  int64
	callsiteLocation RRCallsite
	recordInProgress bool

	logDir string
	writer *RRLogWriter
	reader *RRLogReader

	// Skipped-call replay actions, installed by the machine.
	applyMemRw        func(addr uint32, buf []byte, isWrite bool)
	applyRegMemRegion func(start uint32, size, physOffset uint64)

	// updateProgPoint pulls the live program point from the machine
	// before recording or replaying at a call site.
	updateProgPoint func() ProgPoint

	debugLevel int
}

// NewRREngine creates an engine writing and reading logs under dir.
func NewRREngine(cfg *TraceConfig) *RREngine {
	return &RREngine{logDir: cfg.LogDir, debugLevel: cfg.DebugLevel}
}

// Mode returns the current engine mode.
func (rr *RREngine) Mode() RRMode { return RRMode(rr.mode.Load()) }

// InRecord reports whether a recording session is active.
func (rr *RREngine) InRecord() bool { return rr.Mode() == RR_RECORD }

// InReplay reports whether a replay session is active.
func (rr *RREngine) InReplay() bool { return rr.Mode() == RR_REPLAY }

// Off reports whether the engine is idle.
func (rr *RREngine) Off() bool { return rr.Mode() == RR_OFF }

// SetProgPointSource installs the machine callback that supplies the
// live program point.
func (rr *RREngine) SetProgPointSource(fn func() ProgPoint) {
	rr.updateProgPoint = fn
}

// SetSkippedCallActions installs the machine-side replay actions for
// skipped calls.
func (rr *RREngine) SetSkippedCallActions(
	memRw func(addr uint32, buf []byte, isWrite bool),
	regMemRegion func(start uint32, size, physOffset uint64)) {
	rr.applyMemRw = memRw
	rr.applyRegMemRegion = regMemRegion
}

// --- monitor surface: request flags only ---

// BeginRecord asks the emulator loop to start recording into name.
func (rr *RREngine) BeginRecord(name string) {
	rr.nameMu.Lock()
	rr.requestedName = name
	rr.nameMu.Unlock()
	rr.recordRequested.Store(true)
}

// EndRecord asks the emulator loop to close the recording session.
func (rr *RREngine) EndRecord() {
	rr.endRecordRequested.Store(true)
}

// BeginReplay asks the emulator loop to start replaying name.
func (rr *RREngine) BeginReplay(name string) {
	rr.nameMu.Lock()
	rr.requestedName = name
	rr.nameMu.Unlock()
	rr.replayRequested.Store(true)
}

// EndReplay asks the emulator loop to abandon the replay session.
func (rr *RREngine) EndReplay(isError bool) {
	rr.endReplayRequested.Store(true)
}

// --- emulator loop surface ---

// ServiceRequests performs any pending mode transition. Called between
// translation blocks only.
func (rr *RREngine) ServiceRequests() {
	if rr.recordRequested.CompareAndSwap(true, false) {
		rr.doBeginRecord(rr.takeRequestedName())
	}
	if rr.endRecordRequested.CompareAndSwap(true, false) {
		rr.doEndRecord()
	}
	if rr.replayRequested.CompareAndSwap(true, false) {
		rr.doBeginReplay(rr.takeRequestedName())
	}
	if rr.endReplayRequested.CompareAndSwap(true, false) {
		rr.doEndReplay(false)
	}
}

func (rr *RREngine) takeRequestedName() string {
	rr.nameMu.Lock()
	defer rr.nameMu.Unlock()
	return rr.requestedName
}

func (rr *RREngine) doBeginRecord(name string) {
	if !rr.Off() {
		fmt.Printf("rr: cannot begin record %q in mode %s\n", name, rr.Mode())
		return
	}
	w, err := NewRRLogWriter(rr.logDir, name)
	if err != nil {
		fmt.Printf("rr: %v\n", err)
		return
	}
	rr.writer = w
	rr.guestInstrCount = 0
	rr.progPoint = ProgPoint{}
	rr.mode.Store(int32(RR_RECORD))
	fmt.Printf("rr: recording to %q\n", name)
}

func (rr *RREngine) doEndRecord() {
	if !rr.InRecord() {
		return
	}
	if err := rr.writer.Close(rr.progPoint); err != nil {
		fmt.Printf("rr: closing record log: %v\n", err)
	}
	fmt.Printf("rr: recording ended at (0x%x, 0x%x, %d), %d entries\n",
		rr.progPoint.PC, rr.progPoint.Scratch, rr.progPoint.InstrCount,
		rr.writer.Entries())
	rr.writer = nil
	rr.mode.Store(int32(RR_OFF))
}

func (rr *RREngine) doBeginReplay(name string) {
	if !rr.Off() {
		fmt.Printf("rr: cannot begin replay %q in mode %s\n", name, rr.Mode())
		return
	}
	r, err := NewRRLogReader(rr.logDir, name)
	if err != nil {
		fmt.Printf("rr: %v\n", err)
		return
	}
	rr.reader = r
	rr.guestInstrCount = 0
	rr.progPoint = ProgPoint{}
	rr.mode.Store(int32(RR_REPLAY))
	fmt.Printf("rr: replaying %q\n", name)
}

func (rr *RREngine) doEndReplay(isError bool) {
	if !rr.InReplay() {
		return
	}
	if isError {
		fmt.Printf("rr: replay terminated with error at (0x%x, 0x%x, %d)\n",
			rr.progPoint.PC, rr.progPoint.Scratch, rr.progPoint.InstrCount)
	} else {
		fmt.Printf("rr: replay ended, %d entries consumed (%.0f%%)\n",
			rr.reader.Consumed(), rr.reader.Progress())
	}
	rr.reader.Close()
	rr.reader = nil
	rr.mode.Store(int32(RR_OFF))
}

// ReplayFinished reports whether the whole log has been consumed down
// to its terminator.
func (rr *RREngine) ReplayFinished() bool {
	if !rr.InReplay() {
		return false
	}
	head := rr.reader.Head()
	return head == nil || head.Header.Kind == RR_LAST
}

// ReplayProgress returns percent of the log consumed.
func (rr *RREngine) ReplayProgress() float64 {
	if rr.reader == nil {
		return 0
	}
	return rr.reader.Progress()
}

// SetProgPoint moves the live program point. The countdown to the next
// recorded interrupt shifts by the same number of instructions, so a
// translation block that ends early still delivers the interrupt at the
// exact recorded instruction.
func (rr *RREngine) SetProgPoint(pc, scratch uint32, instrCount uint64) {
	rr.instrBeforeIntr -= int64(instrCount - rr.progPoint.InstrCount)
	rr.progPoint = ProgPoint{PC: pc, Scratch: scratch, InstrCount: instrCount}
	rr.guestInstrCount = instrCount
}

// ProgPoint returns the live program point.
func (rr *RREngine) ProgPoint() ProgPoint { return rr.progPoint }

// SetInstrBeforeNextInterrupt arms the interrupt countdown.
func (rr *RREngine) SetInstrBeforeNextInterrupt(n int64) { rr.instrBeforeIntr = n }

// InstrBeforeNextInterrupt returns the remaining countdown.
func (rr *RREngine) InstrBeforeNextInterrupt() int64 { return rr.instrBeforeIntr }

func (rr *RREngine) syncProgPoint() {
	if rr.updateProgPoint != nil {
		p := rr.updateProgPoint()
		rr.SetProgPoint(p.PC, p.Scratch, p.InstrCount)
	}
}

// --- recording ---

func (rr *RREngine) record(e *RREntry) {
	e.Header.Point = rr.progPoint
	e.Header.Callsite = rr.callsiteLocation
	if err := rr.writer.WriteEntry(e); err != nil {
		fmt.Printf("rr: record failed: %v\n", err)
	}
}

// RecordInput1 logs a 1-byte input at the current program point.
func (rr *RREngine) RecordInput1(cs RRCallsite, v uint8) {
	rr.callsiteLocation = cs
	rr.record(&RREntry{Header: RRHeader{Kind: RR_INPUT_1}, Input: uint64(v)})
}

// RecordInput2 logs a 2-byte input.
func (rr *RREngine) RecordInput2(cs RRCallsite, v uint16) {
	rr.callsiteLocation = cs
	rr.record(&RREntry{Header: RRHeader{Kind: RR_INPUT_2}, Input: uint64(v)})
}

// RecordInput4 logs a 4-byte input.
func (rr *RREngine) RecordInput4(cs RRCallsite, v uint32) {
	rr.callsiteLocation = cs
	rr.record(&RREntry{Header: RRHeader{Kind: RR_INPUT_4}, Input: uint64(v)})
}

// RecordInput8 logs an 8-byte input.
func (rr *RREngine) RecordInput8(cs RRCallsite, v uint64) {
	rr.callsiteLocation = cs
	rr.record(&RREntry{Header: RRHeader{Kind: RR_INPUT_8}, Input: v})
}

// RecordInterruptRequest logs the interrupt request word.
func (rr *RREngine) RecordInterruptRequest(cs RRCallsite, irq uint16) {
	rr.callsiteLocation = cs
	rr.record(&RREntry{Header: RRHeader{Kind: RR_INTERRUPT_REQUEST}, InterruptReq: irq})
}

// RecordCpuMemRw logs a device-initiated physical memory access. Only
// writes carry the byte payload.
func (rr *RREngine) RecordCpuMemRw(cs RRCallsite, addr uint32, buf []byte, isWrite bool) {
	rr.callsiteLocation = cs
	e := &RREntry{Header: RRHeader{Kind: RR_SKIPPED_CALL}, CallKind: RR_CALL_CPU_MEM_RW}
	e.MemRW.Addr = addr
	e.MemRW.Len = uint32(len(buf))
	e.MemRW.IsWrite = isWrite
	if isWrite {
		e.MemRW.Buf = append([]byte(nil), buf...)
	}
	rr.record(e)
}

// RecordRegMemRegion logs a physical memory region registration.
func (rr *RREngine) RecordRegMemRegion(cs RRCallsite, start uint32, size, physOffset uint64) {
	rr.callsiteLocation = cs
	e := &RREntry{Header: RRHeader{Kind: RR_SKIPPED_CALL}, CallKind: RR_CALL_CPU_REG_MEM_REGION}
	e.RegMemRegion = RRRegMemRegionArgs{Start: start, Size: size, PhysOffset: physOffset}
	rr.record(e)
}

// --- replay ---

// signalDisagreement prints the divergence diagnostic with both program
// points.
func (rr *RREngine) signalDisagreement(current, recorded ProgPoint) {
	fmt.Printf("rr: disagreement at (0x%x, 0x%x, %d): recorded was (0x%x, 0x%x, %d)\n",
		current.PC, current.Scratch, current.InstrCount,
		recorded.PC, recorded.Scratch, recorded.InstrCount)
}

// replayHead positions on the next log entry if it is due at the live
// program point. ErrNotYet defers; running past the record kills the
// replay.
func (rr *RREngine) replayHead(kind RREntryKind, cs RRCallsite) (*RREntry, error) {
	head := rr.reader.Head()
	if head == nil || head.Header.Kind == RR_LAST {
		return nil, ErrNotYet
	}
	switch ProgPointCompare(rr.progPoint, head.Header.Point) {
	case -1:
		return nil, ErrNotYet
	case 1:
		rr.signalDisagreement(rr.progPoint, head.Header.Point)
		rr.doEndReplay(true)
		return nil, ErrReplayDivergence
	}
	if head.Header.Kind != kind {
		// Several event kinds can fall on one program point; this
		// entry belongs to another call site. If nothing ever
		// consumes it, the next point past it reports divergence.
		return nil, ErrNotYet
	}
	if head.Header.Callsite != cs && rr.debugLevel >= DEBUG_WHISPER {
		fmt.Printf("rr: callsite %s does not match recorded %s (continuing)\n",
			cs, head.Header.Callsite)
	}
	_, err := rr.reader.Consume()
	return head, err
}

// ReplayInput1 reproduces a recorded 1-byte input.
func (rr *RREngine) ReplayInput1(cs RRCallsite, v *uint8) error {
	rr.callsiteLocation = cs
	e, err := rr.replayHead(RR_INPUT_1, cs)
	if err != nil {
		return err
	}
	*v = uint8(e.Input)
	return nil
}

// ReplayInput2 reproduces a recorded 2-byte input.
func (rr *RREngine) ReplayInput2(cs RRCallsite, v *uint16) error {
	rr.callsiteLocation = cs
	e, err := rr.replayHead(RR_INPUT_2, cs)
	if err != nil {
		return err
	}
	*v = uint16(e.Input)
	return nil
}

// ReplayInput4 reproduces a recorded 4-byte input.
func (rr *RREngine) ReplayInput4(cs RRCallsite, v *uint32) error {
	rr.callsiteLocation = cs
	e, err := rr.replayHead(RR_INPUT_4, cs)
	if err != nil {
		return err
	}
	*v = uint32(e.Input)
	return nil
}

// ReplayInput8 reproduces a recorded 8-byte input.
func (rr *RREngine) ReplayInput8(cs RRCallsite, v *uint64) error {
	rr.callsiteLocation = cs
	e, err := rr.replayHead(RR_INPUT_8, cs)
	if err != nil {
		return err
	}
	*v = e.Input
	return nil
}

// ReplayInterruptRequest reproduces the recorded interrupt request
// word, leaving v untouched when the entry is not due yet.
func (rr *RREngine) ReplayInterruptRequest(cs RRCallsite, v *uint16) error {
	rr.callsiteLocation = cs
	e, err := rr.replayHead(RR_INTERRUPT_REQUEST, cs)
	if err != nil {
		return err
	}
	*v = e.InterruptReq
	return nil
}

// ReplaySkippedCalls re-performs all device-side calls recorded at the
// current program point.
func (rr *RREngine) ReplaySkippedCalls() error {
	for {
		head := rr.reader.Head()
		if head == nil || head.Header.Kind != RR_SKIPPED_CALL {
			return nil
		}
		switch ProgPointCompare(rr.progPoint, head.Header.Point) {
		case -1:
			return nil
		case 1:
			rr.signalDisagreement(rr.progPoint, head.Header.Point)
			rr.doEndReplay(true)
			return ErrReplayDivergence
		}
		e, err := rr.reader.Consume()
		if err != nil {
			return err
		}
		switch e.CallKind {
		case RR_CALL_CPU_MEM_RW:
			if rr.applyMemRw != nil {
				rr.applyMemRw(e.MemRW.Addr, e.MemRW.Buf, e.MemRW.IsWrite)
			}
		case RR_CALL_CPU_REG_MEM_REGION:
			if rr.applyRegMemRegion != nil {
				rr.applyRegMemRegion(e.RegMemRegion.Start,
					e.RegMemRegion.Size, e.RegMemRegion.PhysOffset)
			}
		}
	}
}

// --- mode-dispatching call site wrappers ---

// Input1 is the call-site wrapper for 1-byte inputs: record appends the
// observed value, replay overwrites it from the log.
func (rr *RREngine) Input1(cs RRCallsite, v *uint8) error {
	switch rr.Mode() {
	case RR_RECORD:
		rr.RecordInput1(cs, *v)
	case RR_REPLAY:
		return rr.ReplayInput1(cs, v)
	}
	return nil
}

// Input2 is the call-site wrapper for 2-byte inputs.
func (rr *RREngine) Input2(cs RRCallsite, v *uint16) error {
	switch rr.Mode() {
	case RR_RECORD:
		rr.RecordInput2(cs, *v)
	case RR_REPLAY:
		return rr.ReplayInput2(cs, v)
	}
	return nil
}

// Input4 is the call-site wrapper for 4-byte inputs.
func (rr *RREngine) Input4(cs RRCallsite, v *uint32) error {
	switch rr.Mode() {
	case RR_RECORD:
		rr.RecordInput4(cs, *v)
	case RR_REPLAY:
		return rr.ReplayInput4(cs, v)
	}
	return nil
}

// Input8 is the call-site wrapper for 8-byte inputs.
func (rr *RREngine) Input8(cs RRCallsite, v *uint64) error {
	switch rr.Mode() {
	case RR_RECORD:
		rr.RecordInput8(cs, *v)
	case RR_REPLAY:
		return rr.ReplayInput8(cs, v)
	}
	return nil
}

// InterruptRequest is the call-site wrapper for the interrupt fetch.
// Zero request words are not logged; their absence replays as silence.
func (rr *RREngine) InterruptRequest(cs RRCallsite, v *uint16) error {
	switch rr.Mode() {
	case RR_RECORD:
		if *v != 0 {
			rr.RecordInterruptRequest(cs, *v)
		}
	case RR_REPLAY:
		return rr.ReplayInterruptRequest(cs, v)
	}
	return nil
}

// DoRecordOrReplay brackets a non-deterministic action the way every
// wrapped call site does: set the program point, run the action, append
// one log entry; or, in replay, reproduce the recorded effect instead
// of running the action. A nested call under an active record only runs
// the action, because the outer frame records one composite entry.
func (rr *RREngine) DoRecordOrReplay(loc RRCallsite,
	action func(), recordAction func(), replayAction func() error) error {
	switch rr.Mode() {
	case RR_RECORD:
		if rr.recordInProgress {
			action()
			return nil
		}
		rr.recordInProgress = true
		rr.callsiteLocation = loc
		rr.syncProgPoint()
		action()
		recordAction()
		rr.recordInProgress = false
		return nil
	case RR_REPLAY:
		rr.callsiteLocation = loc
		rr.syncProgPoint()
		if err := rr.ReplaySkippedCalls(); err != nil {
			return err
		}
		if replayAction != nil {
			return replayAction()
		}
		return nil
	default:
		action()
		return nil
	}
}
