// monitor_script.go - Lua scripting over the monitor command surface

package main

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const MAX_SCRIPT_DEPTH = 8

// RunScript executes a Lua script against the monitor. The script sees:
//
//	monitor(cmd)      run a monitor command, returns its output string
//	emit(text)        append a line to the script's output
//	taint_query(pa)   label set cardinality at a guest RAM byte
//	prog_point()      pc, scratch, instr_count of the live point
//
// Scripts make analysis sessions repeatable: the same labelling,
// replay driving and queries run identically every time.
func (m *AnalysisMonitor) RunScript(path string) (string, error) {
	if m.scriptDepth >= MAX_SCRIPT_DEPTH {
		return "", fmt.Errorf("script nesting deeper than %d", MAX_SCRIPT_DEPTH)
	}
	m.scriptDepth++
	defer func() { m.scriptDepth-- }()

	var out strings.Builder

	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("monitor", L.NewFunction(func(L *lua.LState) int {
		cmd := L.ToString(1)
		res := m.executeLocked(cmd)
		L.Push(lua.LString(res))
		return 1
	}))
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		out.WriteString(L.ToString(1))
		out.WriteByte('\n')
		return 0
	}))
	L.SetGlobal("taint_query", L.NewFunction(func(L *lua.LState) int {
		pa := uint64(L.ToInt64(1))
		L.Push(lua.LNumber(m.tp.QueryRAM(pa)))
		return 1
	}))
	L.SetGlobal("prog_point", L.NewFunction(func(L *lua.LState) int {
		p := m.rr.ProgPoint()
		L.Push(lua.LNumber(p.PC))
		L.Push(lua.LNumber(p.Scratch))
		L.Push(lua.LNumber(p.InstrCount))
		return 3
	}))

	if err := L.DoFile(path); err != nil {
		return out.String(), fmt.Errorf("lua: %w", err)
	}
	return out.String(), nil
}

// RunScriptString is RunScript over inline source, for tests and the
// demo binary.
func (m *AnalysisMonitor) RunScriptString(src string) (string, error) {
	if m.scriptDepth >= MAX_SCRIPT_DEPTH {
		return "", fmt.Errorf("script nesting deeper than %d", MAX_SCRIPT_DEPTH)
	}
	m.scriptDepth++
	defer func() { m.scriptDepth-- }()

	var out strings.Builder
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("monitor", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(m.executeLocked(L.ToString(1))))
		return 1
	}))
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		out.WriteString(L.ToString(1))
		out.WriteByte('\n')
		return 0
	}))
	L.SetGlobal("taint_query", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(m.tp.QueryRAM(uint64(L.ToInt64(1)))))
		return 1
	}))
	if err := L.DoString(src); err != nil {
		return out.String(), fmt.Errorf("lua: %w", err)
	}
	return out.String(), nil
}
