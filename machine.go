// machine.go - Minimal guest machine loop driving the analysis core

/*
machine.go - Guest Machine Loop for IntuitionTrace

The compact execution harness the analysis core hangs off: it owns the
guest-visible CPU state that defines program points (PC, the R1 scratch
register, the retired-instruction counter), executes translation blocks,
fetches interrupts through the record/replay engine, and services the
monitor's request flags between blocks, the only place mode
transitions may happen.

The block function is pluggable: the demo binary and the tests install
closures that exercise the bus. A full CPU core is an external
collaborator; this loop is deliberately no more machine than the
analysis needs.
*/

package main

import (
	"errors"
	"fmt"
)

// BlockFunc executes one translation block against the machine and
// returns the number of guest instructions retired. A block may consult
// rr.InstrBeforeNextInterrupt to terminate early so an interrupt lands
// on the exact recorded instruction.
type BlockFunc func(m *Machine) uint64

// Machine is the guest machine harness.
type Machine struct {
	bus *MachineBus
	rr  *RREngine
	tp  *TaintProcessor

	PC         uint32
	Regs       [NUM_REGS]uint32
	InstrCount uint64

	irqPending uint16
	irqVector  uint16
	halted     bool

	blockFn BlockFunc
	hooks   *OSHooks
}

// NewMachine wires a machine to the bus and record/replay engine.
func NewMachine(bus *MachineBus, rr *RREngine) *Machine {
	m := &Machine{bus: bus, rr: rr}
	rr.SetProgPointSource(m.CurrentProgPoint)
	rr.SetSkippedCallActions(bus.applySkippedMemRw, bus.applySkippedRegMemRegion)
	return m
}

// AttachTaint connects the taint runtime.
func (m *Machine) AttachTaint(tp *TaintProcessor) { m.tp = tp }

// AttachHooks connects the guest-OS hook surface.
func (m *Machine) AttachHooks(h *OSHooks) { m.hooks = h }

// Bus returns the machine bus.
func (m *Machine) Bus() *MachineBus { return m.bus }

// CurrentProgPoint assembles the live program point: PC, the R1
// scratch register, and the retired-instruction count.
func (m *Machine) CurrentProgPoint() ProgPoint {
	return ProgPoint{PC: m.PC, Scratch: m.Regs[1], InstrCount: m.InstrCount}
}

// SetBlockFunc installs the translation-block executor.
func (m *Machine) SetBlockFunc(fn BlockFunc) { m.blockFn = fn }

// RaiseIRQ is the device-side interrupt line. Replay ignores it: the
// recorded interrupt stream is authoritative.
func (m *Machine) RaiseIRQ(v uint16) {
	if m.rr.InReplay() {
		return
	}
	m.irqPending |= v
}

// Halt stops the machine at the next block boundary.
func (m *Machine) Halt() { m.halted = true }

// Halted reports whether the machine has stopped.
func (m *Machine) Halted() bool { return m.halted }

// TranslateVA maps a guest virtual address to physical. The harness
// machine runs without paging, so the mapping is identity within RAM
// and absent outside it.
func (m *Machine) TranslateVA(va uint64) (uint64, bool) {
	if va < uint64(m.bus.MemSize()) {
		return va, true
	}
	return 0, false
}

// Step services pending monitor requests, executes one translation
// block, advances the program point, and fetches the interrupt request
// through the record/replay engine.
func (m *Machine) Step() error {
	m.rr.ServiceRequests()
	if m.halted || m.blockFn == nil {
		return nil
	}
	if m.hooks != nil {
		m.hooks.runPreExecute(uint64(m.PC))
	}

	retired := m.blockFn(m)
	m.InstrCount += retired
	m.rr.SetProgPoint(m.PC, m.Regs[1], m.InstrCount)

	irq := m.irqPending
	if m.rr.InReplay() {
		irq = 0 // the recorded interrupt stream is authoritative
	}
	err := m.rr.InterruptRequest(RR_CALLSITE_CPU_EXEC_1, &irq)
	switch {
	case err == nil:
		if irq != 0 {
			m.deliverInterrupt(irq)
		}
		m.irqPending = 0
	case errors.Is(err, ErrNotYet):
		// The recorded interrupt belongs to a later program point.
	default:
		return err
	}
	return nil
}

// deliverInterrupt redirects execution to the interrupt vector.
func (m *Machine) deliverInterrupt(irq uint16) {
	m.irqVector = irq
	if m.rr.debugLevel >= DEBUG_QUIET {
		fmt.Printf("machine: interrupt 0x%x at (0x%x, 0x%x, %d)\n",
			irq, m.PC, m.Regs[1], m.InstrCount)
	}
}

// LastInterrupt returns the most recently delivered interrupt request.
func (m *Machine) LastInterrupt() uint16 { return m.irqVector }

// Run steps the machine until it halts, a replay finishes, or the
// block budget runs out.
func (m *Machine) Run(maxBlocks int) error {
	for i := 0; i < maxBlocks && !m.halted; i++ {
		if err := m.Step(); err != nil {
			return err
		}
		if m.rr.InReplay() && m.rr.ReplayFinished() {
			m.rr.EndReplay(false)
			m.rr.ServiceRequests()
			return nil
		}
	}
	return nil
}
