// rr_log_test.go - Log codec round-trip tests

package main

import (
	"bytes"
	"os"
	"testing"
)

func TestLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []*RREntry{
		{Header: RRHeader{Point: ProgPoint{PC: 0x100, Scratch: 2, InstrCount: 5},
			Kind: RR_INPUT_1, Callsite: RR_CALLSITE_CPU_INB}, Input: 0xAB},
		{Header: RRHeader{Point: ProgPoint{PC: 0x104, Scratch: 2, InstrCount: 6},
			Kind: RR_INPUT_2, Callsite: RR_CALLSITE_CPU_INW}, Input: 0xBEEF},
		{Header: RRHeader{Point: ProgPoint{PC: 0x108, Scratch: 3, InstrCount: 7},
			Kind: RR_INPUT_4, Callsite: RR_CALLSITE_IO_READ_0}, Input: 0xDEADBEEF},
		{Header: RRHeader{Point: ProgPoint{PC: 0x10C, Scratch: 3, InstrCount: 8},
			Kind: RR_INPUT_8, Callsite: RR_CALLSITE_RDTSC}, Input: 0x0123456789ABCDEF},
		{Header: RRHeader{Point: ProgPoint{PC: 0x110, Scratch: 4, InstrCount: 9},
			Kind: RR_INTERRUPT_REQUEST, Callsite: RR_CALLSITE_CPU_EXEC_1}, InterruptReq: 0x4},
		{Header: RRHeader{Point: ProgPoint{PC: 0x114, Scratch: 4, InstrCount: 10},
			Kind: RR_SKIPPED_CALL, Callsite: RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_1},
			CallKind: RR_CALL_CPU_MEM_RW,
			MemRW:    RRMemRWArgs{Addr: 0x2000, Len: 4, IsWrite: true, Buf: []byte{1, 2, 3, 4}}},
		{Header: RRHeader{Point: ProgPoint{PC: 0x114, Scratch: 4, InstrCount: 10},
			Kind: RR_SKIPPED_CALL, Callsite: RR_CALLSITE_CPU_PHYSICAL_MEMORY_RW_2},
			CallKind: RR_CALL_CPU_MEM_RW,
			MemRW:    RRMemRWArgs{Addr: 0x3000, Len: 8, IsWrite: false}},
		{Header: RRHeader{Point: ProgPoint{PC: 0x118, Scratch: 5, InstrCount: 11},
			Kind: RR_SKIPPED_CALL, Callsite: RR_CALLSITE_CPU_REG_MEM_REGION},
			CallKind:     RR_CALL_CPU_REG_MEM_REGION,
			RegMemRegion: RRRegMemRegionArgs{Start: 0xA000, Size: 0x1000, PhysOffset: 0x40}},
	}

	w, err := NewRRLogWriter(dir, "trip.rr")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	for _, e := range entries {
		if err := w.WriteEntry(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	end := ProgPoint{PC: 0x11C, Scratch: 5, InstrCount: 12}
	if err := w.Close(end); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewRRLogReader(dir, "trip.rr")
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()

	for i, want := range entries {
		got := r.Head()
		if got == nil {
			t.Fatalf("entry %d: log ended early", i)
		}
		if got.Header != want.Header {
			t.Errorf("entry %d header = %+v, want %+v", i, got.Header, want.Header)
		}
		switch want.Header.Kind {
		case RR_INPUT_1, RR_INPUT_2, RR_INPUT_4, RR_INPUT_8:
			if got.Input != want.Input {
				t.Errorf("entry %d input = 0x%x, want 0x%x", i, got.Input, want.Input)
			}
		case RR_INTERRUPT_REQUEST:
			if got.InterruptReq != want.InterruptReq {
				t.Errorf("entry %d irq = 0x%x, want 0x%x", i, got.InterruptReq, want.InterruptReq)
			}
		case RR_SKIPPED_CALL:
			if got.CallKind != want.CallKind {
				t.Errorf("entry %d call kind = %v, want %v", i, got.CallKind, want.CallKind)
			}
			if want.CallKind == RR_CALL_CPU_MEM_RW {
				if got.MemRW.Addr != want.MemRW.Addr || got.MemRW.Len != want.MemRW.Len ||
					got.MemRW.IsWrite != want.MemRW.IsWrite ||
					!bytes.Equal(got.MemRW.Buf, want.MemRW.Buf) {
					t.Errorf("entry %d mem_rw = %+v, want %+v", i, got.MemRW, want.MemRW)
				}
			} else if got.RegMemRegion != want.RegMemRegion {
				t.Errorf("entry %d region = %+v, want %+v", i, got.RegMemRegion, want.RegMemRegion)
			}
		}
		if _, err := r.Consume(); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	last := r.Head()
	if last == nil || last.Header.Kind != RR_LAST {
		t.Fatalf("missing terminator entry")
	}
	if last.Header.Point != end {
		t.Errorf("terminator point = %+v, want %+v", last.Header.Point, end)
	}
}

func TestLogHeaderLayoutIsLittleEndian(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRRLogWriter(dir, "layout.rr")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	e := &RREntry{Header: RRHeader{
		Point: ProgPoint{PC: 0x04030201, Scratch: 0x08070605, InstrCount: 0x100F0E0D0C0B0A09},
		Kind:  RR_INPUT_1, Callsite: RR_CALLSITE_CPU_INB}, Input: 0xAB}
	if err := w.WriteEntry(e); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(ProgPoint{}); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(dir + "/layout.rr")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04, // pc
		0x05, 0x06, 0x07, 0x08, // scratch
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, // instr_count
		byte(RR_INPUT_1), byte(RR_CALLSITE_CPU_INB),
		0xAB,
	}
	if !bytes.Equal(raw[:len(want)], want) {
		t.Errorf("on-disk bytes = % x, want % x", raw[:len(want)], want)
	}
}

func TestReaderRejectsCorruptKind(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, 18)
	raw[16] = 0x7F // bogus kind
	if err := os.WriteFile(dir+"/bad.rr", raw, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewRRLogReader(dir, "bad.rr"); err == nil {
		t.Fatalf("corrupt entry kind must fail")
	}
}
