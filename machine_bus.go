// machine_bus.go - Guest machine bus with record/replay interception

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
machine_bus.go - Machine Bus for IntuitionTrace

The guest-facing memory and I/O surface of the analysis framework.
Provides guest RAM with little-endian access, an I/O port space, and
memory-mapped I/O region registration. Every non-deterministic entry
point (port reads, device-initiated physical memory access, region
registration) is wrapped by the record/replay engine, so a recorded
run and its replays observe bit-identical inputs.

A read/write mutex protects the monitor's inspection path; the emulator
goroutine is the only writer during a run.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	DEFAULT_MEMORY_SIZE = 32 * 1024 * 1024
	NUM_PORTS           = 0x10000
)

// IORegion is a memory-mapped device window.
type IORegion struct {
	Start, End uint32
	OnRead     func(addr uint32) uint32
	OnWrite    func(addr uint32, value uint32)
}

// PortDevice backs a range of I/O ports.
type PortDevice struct {
	In  func(port uint16) uint8
	Out func(port uint16, value uint8)
}

// MachineBus is the guest memory and I/O fabric.
type MachineBus struct {
	mu      sync.RWMutex
	memory  []byte
	regions []*IORegion
	ports   map[uint16]*PortDevice

	rr *RREngine
}

// NewMachineBus creates a bus with the given RAM size, wired to the
// record/replay engine.
func NewMachineBus(size uint32, rr *RREngine) *MachineBus {
	return &MachineBus{
		memory: make([]byte, size),
		ports:  make(map[uint16]*PortDevice),
		rr:     rr,
	}
}

// MemSize returns the RAM size in bytes.
func (bus *MachineBus) MemSize() uint32 { return uint32(len(bus.memory)) }

// MapIO registers a memory-mapped device window.
func (bus *MachineBus) MapIO(start, end uint32, onRead func(uint32) uint32, onWrite func(uint32, uint32)) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.regions = append(bus.regions, &IORegion{Start: start, End: end, OnRead: onRead, OnWrite: onWrite})
}

// MapPorts registers a device over a range of I/O ports.
func (bus *MachineBus) MapPorts(first, last uint16, dev *PortDevice) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for p := uint32(first); p <= uint32(last); p++ {
		bus.ports[uint16(p)] = dev
	}
}

func (bus *MachineBus) findRegion(addr uint32) *IORegion {
	for _, r := range bus.regions {
		if addr >= r.Start && addr <= r.End {
			return r
		}
	}
	return nil
}

// Read8 reads one guest RAM byte (CPU-side, deterministic).
func (bus *MachineBus) Read8(addr uint32) uint8 {
	if r := bus.findRegion(addr); r != nil && r.OnRead != nil {
		return uint8(r.OnRead(addr))
	}
	return bus.memory[addr]
}

// Write8 writes one guest RAM byte (CPU-side, deterministic).
func (bus *MachineBus) Write8(addr uint32, v uint8) {
	if r := bus.findRegion(addr); r != nil && r.OnWrite != nil {
		r.OnWrite(addr, uint32(v))
		return
	}
	bus.memory[addr] = v
}

// Read32 reads a 32-bit little-endian word from guest RAM.
func (bus *MachineBus) Read32(addr uint32) uint32 {
	if r := bus.findRegion(addr); r != nil && r.OnRead != nil {
		return r.OnRead(addr)
	}
	return binary.LittleEndian.Uint32(bus.memory[addr:])
}

// Write32 writes a 32-bit little-endian word to guest RAM.
func (bus *MachineBus) Write32(addr uint32, v uint32) {
	if r := bus.findRegion(addr); r != nil && r.OnWrite != nil {
		r.OnWrite(addr, v)
		return
	}
	binary.LittleEndian.PutUint32(bus.memory[addr:], v)
}

// InB reads one byte from an I/O port. The value observed by the CPU is
// recorded during recording and reproduced from the log during replay;
// in replay no device runs at all.
func (bus *MachineBus) InB(port uint16) (uint8, error) {
	var v uint8
	err := bus.rr.DoRecordOrReplay(RR_CALLSITE_CPU_INB,
		func() {
			if dev := bus.ports[port]; dev != nil && dev.In != nil {
				v = dev.In(port)
			}
		},
		func() { bus.rr.RecordInput1(RR_CALLSITE_CPU_INB, v) },
		func() error { return bus.rr.ReplayInput1(RR_CALLSITE_CPU_INB, &v) })
	return v, err
}

// InW reads a 16-bit value from two consecutive ports.
func (bus *MachineBus) InW(port uint16) (uint16, error) {
	var v uint16
	err := bus.rr.DoRecordOrReplay(RR_CALLSITE_CPU_INW,
		func() {
			if dev := bus.ports[port]; dev != nil && dev.In != nil {
				v = uint16(dev.In(port)) | uint16(dev.In(port+1))<<8
			}
		},
		func() { bus.rr.RecordInput2(RR_CALLSITE_CPU_INW, v) },
		func() error { return bus.rr.ReplayInput2(RR_CALLSITE_CPU_INW, &v) })
	return v, err
}

// InL reads a 32-bit value from four consecutive ports.
func (bus *MachineBus) InL(port uint16) (uint32, error) {
	var v uint32
	err := bus.rr.DoRecordOrReplay(RR_CALLSITE_CPU_INL,
		func() {
			if dev := bus.ports[port]; dev != nil && dev.In != nil {
				for i := uint32(0); i < 4; i++ {
					v |= uint32(dev.In(port+uint16(i))) << (8 * i)
				}
			}
		},
		func() { bus.rr.RecordInput4(RR_CALLSITE_CPU_INL, v) },
		func() error { return bus.rr.ReplayInput4(RR_CALLSITE_CPU_INL, &v) })
	return v, err
}

// OutB writes one byte to an I/O port. Output is deterministic given
// the inputs, so nothing is logged; during replay the device side does
// not exist and the write is dropped.
func (bus *MachineBus) OutB(port uint16, v uint8) {
	if bus.rr.InReplay() {
		return
	}
	if dev := bus.ports[port]; dev != nil && dev.Out != nil {
		dev.Out(port, v)
	}
}

// PhysicalMemoryRw is the device-side guest RAM access (DMA). During
// recording the write payload lands in the log; during replay the
// engine re-applies it at the recorded program point through
// applySkippedMemRw, and device code never runs.
func (bus *MachineBus) PhysicalMemoryRw(addr uint32, buf []byte, isWrite bool) error {
	return bus.rr.DoRecordOrReplay(RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_1,
		func() { bus.physicalMemoryRw(addr, buf, isWrite) },
		func() { bus.rr.RecordCpuMemRw(RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_1, addr, buf, isWrite) },
		nil)
}

func (bus *MachineBus) physicalMemoryRw(addr uint32, buf []byte, isWrite bool) {
	if isWrite {
		copy(bus.memory[addr:], buf)
	} else {
		copy(buf, bus.memory[addr:])
	}
}

// applySkippedMemRw is the replay action installed into the RR engine.
func (bus *MachineBus) applySkippedMemRw(addr uint32, buf []byte, isWrite bool) {
	if !isWrite {
		return // reads had no guest-visible effect beyond the logged inputs
	}
	copy(bus.memory[addr:], buf)
}

// RegisterPhysicalMemory registers a physical memory region, recording
// the registration so replay re-creates the same layout.
func (bus *MachineBus) RegisterPhysicalMemory(start uint32, size, physOffset uint64) error {
	return bus.rr.DoRecordOrReplay(RR_CALLSITE_CPU_REG_MEM_REGION,
		func() { bus.registerPhysicalMemory(start, size, physOffset) },
		func() { bus.rr.RecordRegMemRegion(RR_CALLSITE_CPU_REG_MEM_REGION, start, size, physOffset) },
		nil)
}

func (bus *MachineBus) registerPhysicalMemory(start uint32, size, physOffset uint64) {
	if bus.rr.debugLevel >= DEBUG_QUIET {
		fmt.Printf("bus: region 0x%x..0x%x -> phys 0x%x\n", start, uint64(start)+size, physOffset)
	}
}

// applySkippedRegMemRegion is the replay action for recorded region
// registrations.
func (bus *MachineBus) applySkippedRegMemRegion(start uint32, size, physOffset uint64) {
	bus.registerPhysicalMemory(start, size, physOffset)
}

// Snapshot copies a window of guest RAM for the monitor.
func (bus *MachineBus) Snapshot(addr uint32, length int) []byte {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	out := make([]byte, length)
	copy(out, bus.memory[addr:])
	return out
}
