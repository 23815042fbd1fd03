// machine_test.go - Whole-machine record-then-replay tests

package main

import (
	"testing"
)

func testMachine(t *testing.T) (*Machine, *MachineBus, *RREngine) {
	t.Helper()
	cfg := &TraceConfig{LogDir: t.TempDir(), MemSize: 1 << 16}
	rr := NewRREngine(cfg)
	bus := NewMachineBus(uint32(cfg.MemSize), rr)
	m := NewMachine(bus, rr)
	return m, bus, rr
}

// portReaderBlock reads one byte from port 0x60 into R2 and stores it
// to RAM at 0x1000 plus the block index, four instructions per block.
func portReaderBlock(dst *[]uint8) BlockFunc {
	return func(m *Machine) uint64 {
		v, err := m.Bus().InB(0x60)
		if err == nil {
			m.Regs[2] = uint32(v)
			m.Bus().Write8(0x1000+uint32(len(*dst)), v)
			*dst = append(*dst, v)
		}
		m.PC += 16
		m.Regs[1]++
		return 4
	}
}

func TestMachineRecordThenReplayBitIdentical(t *testing.T) {
	m, bus, rr := testMachine(t)

	// A device whose outputs are not reproducible by rerunning it.
	seq := []uint8{0xAB, 0x17, 0x99, 0x03, 0x44}
	cursor := 0
	bus.MapPorts(0x60, 0x60, &PortDevice{
		In: func(port uint16) uint8 {
			v := seq[cursor%len(seq)]
			cursor += 3 // scrambled enough to matter
			return v
		},
	})

	var recorded []uint8
	m.SetBlockFunc(portReaderBlock(&recorded))

	rr.BeginRecord("machine.rr")
	if err := m.Run(5); err != nil {
		t.Fatalf("record run: %v", err)
	}
	recordEnd := m.CurrentProgPoint()
	rr.EndRecord()
	rr.ServiceRequests()

	// Fresh machine, same bus geometry, no device at all: every input
	// must come from the log.
	m2, _, _ := testMachine(t)
	rr2 := m2.rr
	rr2.logDir = rr.logDir

	var replayed []uint8
	m2.SetBlockFunc(portReaderBlock(&replayed))

	rr2.BeginReplay("machine.rr")
	if err := m2.Run(10); err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if len(replayed) != len(recorded) {
		t.Fatalf("replayed %d inputs, recorded %d", len(replayed), len(recorded))
	}
	for i := range recorded {
		if replayed[i] != recorded[i] {
			t.Errorf("input %d: replayed 0x%x, recorded 0x%x", i, replayed[i], recorded[i])
		}
	}
	if got := m2.CurrentProgPoint(); got != recordEnd {
		t.Errorf("replay ended at %+v, recording at %+v", got, recordEnd)
	}
}

func TestMachineReplayReproducesInterrupt(t *testing.T) {
	m, bus, rr := testMachine(t)
	bus.MapPorts(0x60, 0x60, &PortDevice{In: func(port uint16) uint8 { return 1 }})

	var sink []uint8
	m.SetBlockFunc(portReaderBlock(&sink))

	rr.BeginRecord("irq.rr")
	if err := m.Run(2); err != nil {
		t.Fatalf("run: %v", err)
	}
	m.RaiseIRQ(0x4)
	if err := m.Run(1); err != nil {
		t.Fatalf("run: %v", err)
	}
	rr.EndRecord()
	rr.ServiceRequests()

	m2, _, _ := testMachine(t)
	m2.rr.logDir = rr.logDir
	var sink2 []uint8
	m2.SetBlockFunc(portReaderBlock(&sink2))
	m2.RaiseIRQ(0xFF) // replay must ignore live interrupt lines

	m2.rr.BeginReplay("irq.rr")
	if err := m2.Run(5); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if m2.LastInterrupt() != 0x4 {
		t.Errorf("replayed interrupt = 0x%x, want 0x4", m2.LastInterrupt())
	}
}

func TestMachineDMAWriteReplays(t *testing.T) {
	m, bus, rr := testMachine(t)
	var sink []uint8
	bus.MapPorts(0x60, 0x60, &PortDevice{In: func(port uint16) uint8 { return 0 }})
	m.SetBlockFunc(portReaderBlock(&sink))

	rr.BeginRecord("dma.rr")
	if err := m.Run(1); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Device DMA lands in guest RAM mid-recording.
	if err := bus.PhysicalMemoryRw(0x4000, []byte{0xCA, 0xFE}, true); err != nil {
		t.Fatalf("dma: %v", err)
	}
	if err := m.Run(1); err != nil {
		t.Fatalf("run: %v", err)
	}
	rr.EndRecord()
	rr.ServiceRequests()

	m2, bus2, _ := testMachine(t)
	m2.rr.logDir = rr.logDir
	var sink2 []uint8
	m2.SetBlockFunc(portReaderBlock(&sink2))

	m2.rr.BeginReplay("dma.rr")
	if err := m2.Run(5); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got := bus2.Snapshot(0x4000, 2)
	if got[0] != 0xCA || got[1] != 0xFE {
		t.Errorf("dma bytes after replay = % x, want ca fe", got)
	}
}

func TestMachineResetClearsCPUState(t *testing.T) {
	m, _, _ := testMachine(t)
	m.PC = 0x40
	m.Regs[1] = 9
	m.InstrCount = 100
	m.Halt()
	m.Reset()
	if m.PC != 0 || m.Regs[1] != 0 || m.InstrCount != 0 || m.Halted() {
		t.Errorf("reset left state behind: %+v", m.CurrentProgPoint())
	}
}
