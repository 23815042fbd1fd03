// monitor.go - Analysis monitor command surface

/*
monitor.go - Machine Monitor for IntuitionTrace

The interactive control surface of the framework: starts and stops
record and replay sessions, labels and queries taint, and inspects the
machine. Record/replay commands only set the engine's request flags;
the emulator loop performs the actual transition between translation
blocks. Commands are plain text so the same surface serves the terminal
console, tests, and Lua scripts.
*/

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MonitorCommand is one registered command.
type MonitorCommand struct {
	Name    string
	Help    string
	MinArgs int
	Run     func(m *AnalysisMonitor, args []string) string
}

// AnalysisMonitor dispatches monitor commands against the machine and
// the two analysis engines.
type AnalysisMonitor struct {
	mu      sync.Mutex
	machine *Machine
	rr      *RREngine
	tp      *TaintProcessor

	commands map[string]*MonitorCommand
	history  []string

	scriptDepth int
}

// NewAnalysisMonitor builds the monitor with its command table.
func NewAnalysisMonitor(machine *Machine, rr *RREngine, tp *TaintProcessor) *AnalysisMonitor {
	m := &AnalysisMonitor{
		machine:  machine,
		rr:       rr,
		tp:       tp,
		commands: make(map[string]*MonitorCommand),
	}
	m.registerCommands()
	return m
}

func (m *AnalysisMonitor) register(cmd *MonitorCommand) {
	m.commands[cmd.Name] = cmd
}

func (m *AnalysisMonitor) registerCommands() {
	m.register(&MonitorCommand{Name: "help", Help: "list commands",
		Run: func(m *AnalysisMonitor, args []string) string {
			names := make([]string, 0, len(m.commands))
			for n := range m.commands {
				names = append(names, n)
			}
			sort.Strings(names)
			var b strings.Builder
			for _, n := range names {
				fmt.Fprintf(&b, "%-16s %s\n", n, m.commands[n].Help)
			}
			return b.String()
		}})

	m.register(&MonitorCommand{Name: "begin_record", Help: "begin_record <name> - request a recording session", MinArgs: 1,
		Run: func(m *AnalysisMonitor, args []string) string {
			m.rr.BeginRecord(args[0])
			return fmt.Sprintf("record of %q requested", args[0])
		}})
	m.register(&MonitorCommand{Name: "end_record", Help: "finish the recording session",
		Run: func(m *AnalysisMonitor, args []string) string {
			m.rr.EndRecord()
			return "end of record requested"
		}})
	m.register(&MonitorCommand{Name: "begin_replay", Help: "begin_replay <name> - request a replay session", MinArgs: 1,
		Run: func(m *AnalysisMonitor, args []string) string {
			m.rr.BeginReplay(args[0])
			return fmt.Sprintf("replay of %q requested", args[0])
		}})
	m.register(&MonitorCommand{Name: "end_replay", Help: "abandon the replay session",
		Run: func(m *AnalysisMonitor, args []string) string {
			m.rr.EndReplay(false)
			return "end of replay requested"
		}})
	m.register(&MonitorCommand{Name: "rr_state", Help: "show record/replay mode and program point",
		Run: func(m *AnalysisMonitor, args []string) string {
			p := m.rr.ProgPoint()
			s := fmt.Sprintf("mode=%s point=(0x%x, 0x%x, %d)", m.rr.Mode(), p.PC, p.Scratch, p.InstrCount)
			if m.rr.InReplay() {
				s += fmt.Sprintf(" progress=%.0f%%", m.rr.ReplayProgress())
			}
			return s
		}})

	m.register(&MonitorCommand{Name: "taint_enable", Help: "turn taint tracking on",
		Run: func(m *AnalysisMonitor, args []string) string {
			m.tp.Enable()
			return "taint enabled"
		}})
	m.register(&MonitorCommand{Name: "taint_label", Help: "taint_label <paddr> <len> - label guest RAM", MinArgs: 2,
		Run: func(m *AnalysisMonitor, args []string) string {
			addr, err1 := parseNum(args[0])
			length, err2 := parseNum(args[1])
			if err1 != nil || err2 != nil {
				return "usage: taint_label <paddr> <len>"
			}
			m.tp.AddTaintRAM(addr, int(length))
			return fmt.Sprintf("labelled %d bytes at 0x%x", length, addr)
		}})
	m.register(&MonitorCommand{Name: "taint_query", Help: "taint_query <paddr> <len> - show taint on guest RAM", MinArgs: 2,
		Run: func(m *AnalysisMonitor, args []string) string {
			addr, err1 := parseNum(args[0])
			length, err2 := parseNum(args[1])
			if err1 != nil || err2 != nil {
				return "usage: taint_query <paddr> <len>"
			}
			var b strings.Builder
			for i := uint64(0); i < length; i++ {
				c := m.tp.QueryRAM(addr + i)
				if c == 0 {
					continue
				}
				labels := m.tp.Shad().arena.Labels(m.tp.Shad().LabelSetGet(MakeMAddr(addr + i)))
				fmt.Fprintf(&b, "m0x%x: card<=%d labels=%v\n", addr+i, c, labels)
			}
			if b.Len() == 0 {
				return "untainted"
			}
			return b.String()
		}})
	m.register(&MonitorCommand{Name: "taint_clear", Help: "delete all taint",
		Run: func(m *AnalysisMonitor, args []string) string {
			if err := m.tp.ClearAll(); err != nil {
				return fmt.Sprintf("clear failed: %v", err)
			}
			return "taint cleared"
		}})
	m.register(&MonitorCommand{Name: "taint_occ", Help: "count tainted RAM bytes",
		Run: func(m *AnalysisMonitor, args []string) string {
			return fmt.Sprintf("%d tainted bytes, %d label set nodes",
				m.tp.OccRAM(), m.tp.Shad().arena.LiveNodes())
		}})
	m.register(&MonitorCommand{Name: "tainted_pcs", Help: "tainted_pcs <asid> - PCs that changed taint state", MinArgs: 1,
		Run: func(m *AnalysisMonitor, args []string) string {
			asid, err := parseNum(args[0])
			if err != nil {
				return "usage: tainted_pcs <asid>"
			}
			pcs := m.tp.Shad().TaintedPCs(asid)
			if len(pcs) == 0 {
				return "none"
			}
			var b strings.Builder
			for _, pc := range pcs {
				fmt.Fprintf(&b, "0x%x\n", pc)
			}
			return b.String()
		}})

	m.register(&MonitorCommand{Name: "mem", Help: "mem <addr> <len> - hex dump guest RAM", MinArgs: 2,
		Run: func(m *AnalysisMonitor, args []string) string {
			addr, err1 := parseNum(args[0])
			length, err2 := parseNum(args[1])
			if err1 != nil || err2 != nil {
				return "usage: mem <addr> <len>"
			}
			buf := m.machine.Bus().Snapshot(uint32(addr), int(length))
			var b strings.Builder
			for i, v := range buf {
				if i%16 == 0 {
					fmt.Fprintf(&b, "%08x: ", addr+uint64(i))
				}
				fmt.Fprintf(&b, "%02x ", v)
				if i%16 == 15 || i == len(buf)-1 {
					b.WriteByte('\n')
				}
			}
			return b.String()
		}})

	m.register(&MonitorCommand{Name: "script", Help: "script <file.lua> - run a Lua monitor script", MinArgs: 1,
		Run: func(m *AnalysisMonitor, args []string) string {
			out, err := m.RunScript(args[0])
			if err != nil {
				return fmt.Sprintf("script failed: %v", err)
			}
			return out
		}})
}

// parseNum accepts decimal, 0x-prefixed and $-prefixed hex.
func parseNum(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "$") {
		return strconv.ParseUint(s[1:], 16, 64)
	}
	return strconv.ParseUint(s, 0, 64)
}

// Execute runs one command line and returns its output.
func (m *AnalysisMonitor) Execute(line string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeLocked(line)
}

func (m *AnalysisMonitor) executeLocked(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	m.history = append(m.history, line)
	fields := strings.Fields(line)
	cmd := m.commands[fields[0]]
	if cmd == nil {
		return fmt.Sprintf("unknown command %q (try help)", fields[0])
	}
	if len(fields)-1 < cmd.MinArgs {
		return cmd.Help
	}
	return cmd.Run(m, fields[1:])
}

// History returns the executed command lines.
func (m *AnalysisMonitor) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
