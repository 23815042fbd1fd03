// component_reset.go - Reset() methods for the analysis components (hard reset support)

package main

// Machine.Reset returns the guest CPU surface to power-on state. The
// bus contents are untouched; use Bus reset separately when a cold
// start is wanted.
func (m *Machine) Reset() {
	m.PC = 0
	for i := range m.Regs {
		m.Regs[i] = 0
	}
	m.InstrCount = 0
	m.irqPending = 0
	m.irqVector = 0
	m.halted = false
}

// MachineBus.Reset zeroes guest RAM. I/O region and port mappings
// survive, mirroring a hardware reset line.
func (bus *MachineBus) Reset() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for i := range bus.memory {
		bus.memory[i] = 0
	}
}

// TaintProcessor.Reset drops all taint state and the control-flow
// bookkeeping. Geometry and label numbering are preserved.
func (tp *TaintProcessor) Reset() {
	if err := tp.shad.ClearAll(); err != nil {
		panic("taint: reset failed: " + err.Error())
	}
	tp.dvb.Reset()
	tp.nextStep = STEP_NONE
	tp.previousBranch = 0
	tp.takenBranch = 0
}

// RREngine.Reset abandons any active session and clears the request
// flags. Safe only at a translation block boundary.
func (rr *RREngine) Reset() {
	switch rr.Mode() {
	case RR_RECORD:
		rr.doEndRecord()
	case RR_REPLAY:
		rr.doEndReplay(false)
	}
	rr.recordRequested.Store(false)
	rr.endRecordRequested.Store(false)
	rr.replayRequested.Store(false)
	rr.endReplayRequested.Store(false)
	rr.progPoint = ProgPoint{}
	rr.guestInstrCount = 0
	rr.instrBeforeIntr = 0
	rr.recordInProgress = false
}
