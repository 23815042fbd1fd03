// monitor_test.go - Monitor command surface and scripting tests

package main

import (
	"strings"
	"testing"
)

func testMonitor(t *testing.T) (*AnalysisMonitor, *Machine, *RREngine, *TaintProcessor) {
	t.Helper()
	cfg := &TraceConfig{
		LogDir: t.TempDir(), MemSize: 1 << 16,
		HDSize: 1 << 20, IOSize: 1 << 16, MaxVals: 64, DynLogEntries: 1024,
	}
	rr := NewRREngine(cfg)
	bus := NewMachineBus(uint32(cfg.MemSize), rr)
	m := NewMachine(bus, rr)
	tp, err := NewTaintProcessor(cfg)
	if err != nil {
		t.Fatalf("taint: %v", err)
	}
	m.AttachTaint(tp)
	return NewAnalysisMonitor(m, rr, tp), m, rr, tp
}

func TestMonitorUnknownCommand(t *testing.T) {
	mon, _, _, _ := testMonitor(t)
	if out := mon.Execute("frobnicate"); !strings.Contains(out, "unknown command") {
		t.Errorf("output = %q", out)
	}
}

func TestMonitorTaintLabelAndQuery(t *testing.T) {
	mon, _, _, tp := testMonitor(t)
	mon.Execute("taint_label 0x2000 4")
	if tp.QueryRAM(0x2000) == 0 {
		t.Fatalf("taint_label did not label RAM")
	}
	out := mon.Execute("taint_query 0x2000 4")
	if !strings.Contains(out, "m0x2000") {
		t.Errorf("taint_query output = %q", out)
	}
	if out := mon.Execute("taint_query 0x3000 4"); out != "untainted" {
		t.Errorf("clean range query = %q", out)
	}
	mon.Execute("taint_clear")
	if tp.QueryRAM(0x2000) != 0 {
		t.Errorf("taint_clear left taint")
	}
}

func TestMonitorRecordCommandsOnlySetFlags(t *testing.T) {
	mon, _, rr, _ := testMonitor(t)
	mon.Execute("begin_record session.rr")
	if !rr.Off() {
		t.Fatalf("monitor command changed engine mode directly")
	}
	if !rr.recordRequested.Load() {
		t.Fatalf("request flag not set")
	}
	rr.ServiceRequests()
	if !rr.InRecord() {
		t.Fatalf("record not active after servicing")
	}
	mon.Execute("end_record")
	rr.ServiceRequests()
	if !rr.Off() {
		t.Fatalf("end_record did not stop the session")
	}
}

func TestMonitorRRState(t *testing.T) {
	mon, _, rr, _ := testMonitor(t)
	rr.SetProgPoint(0x40, 2, 17)
	out := mon.Execute("rr_state")
	if !strings.Contains(out, "mode=off") || !strings.Contains(out, "17") {
		t.Errorf("rr_state output = %q", out)
	}
}

func TestMonitorMemDump(t *testing.T) {
	mon, m, _, _ := testMonitor(t)
	m.Bus().Write8(0x100, 0x5A)
	out := mon.Execute("mem 0x100 16")
	if !strings.Contains(out, "5a") {
		t.Errorf("mem dump = %q", out)
	}
}

func TestMonitorLuaScript(t *testing.T) {
	mon, _, _, tp := testMonitor(t)
	out, err := mon.RunScriptString(`
		monitor("taint_label 0x100 2")
		emit("card=" .. taint_query(0x100))
	`)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if !strings.Contains(out, "card=1") {
		t.Errorf("script output = %q", out)
	}
	if tp.QueryRAM(0x100) == 0 || tp.QueryRAM(0x101) == 0 {
		t.Errorf("script labelling did not reach the shadow")
	}
}

func TestMonitorTaintedPCsCommand(t *testing.T) {
	mon, _, _, tp := testMonitor(t)
	tp.Shad().commitTaintedPC(0x7, 0x1234)
	out := mon.Execute("tainted_pcs 7")
	if !strings.Contains(out, "0x1234") {
		t.Errorf("tainted_pcs = %q", out)
	}
	if out := mon.Execute("tainted_pcs 8"); out != "none" {
		t.Errorf("foreign asid = %q", out)
	}
}
