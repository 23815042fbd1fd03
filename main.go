// main.go - Main entry point for the IntuitionTrace analysis framework

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

package main

import (
	"fmt"
	"os"
	"time"
)

func boilerPlate() {
	fmt.Println("\nIntuitionTrace - whole-system record/replay and taint analysis for the Intuition Engine")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/IntuitionTrace")
	fmt.Println("License: GPLv3 or later")
}

// demoBlock is the stand-in translation block used when no emulator is
// attached: each block reads a byte from port 0x60 into R2 and stores
// it to RAM, ticking four instructions.
func demoBlock(m *Machine) uint64 {
	v, err := m.Bus().InB(0x60)
	if err == nil {
		m.Regs[2] = uint32(v)
		m.Bus().Write8(0x1000+m.PC, v)
	}
	m.PC += 16
	m.Regs[1]++
	return 4
}

func main() {
	boilerPlate()

	if len(os.Args) < 2 {
		fmt.Println("\nUsage: intuition_trace record <name> | replay <name> | monitor [script.lua]")
		os.Exit(1)
	}

	cfg := LoadConfig()
	rr := NewRREngine(cfg)
	bus := NewMachineBus(uint32(cfg.MemSize), rr)
	machine := NewMachine(bus, rr)
	machine.SetBlockFunc(demoBlock)

	tp, err := NewTaintProcessor(cfg)
	if err != nil {
		fmt.Printf("taint: init failed: %v\n", err)
		os.Exit(1)
	}
	machine.AttachTaint(tp)

	monitor := NewAnalysisMonitor(machine, rr, tp)

	// A counter device on port 0x60 keeps the demo run non-trivially
	// non-deterministic: it mixes in wall-clock time while recording.
	tick := uint8(0)
	bus.MapPorts(0x60, 0x63, &PortDevice{
		In: func(port uint16) uint8 {
			tick++
			return tick ^ uint8(time.Now().UnixNano())
		},
	})

	switch os.Args[1] {
	case "record":
		if len(os.Args) < 3 {
			fmt.Println("Usage: intuition_trace record <name>")
			os.Exit(1)
		}
		rr.BeginRecord(os.Args[2])
		if err := machine.Run(1000); err != nil {
			fmt.Printf("machine: %v\n", err)
			os.Exit(1)
		}
		rr.EndRecord()
		rr.ServiceRequests()

	case "replay":
		if len(os.Args) < 3 {
			fmt.Println("Usage: intuition_trace replay <name>")
			os.Exit(1)
		}
		rr.BeginReplay(os.Args[2])
		if err := machine.Run(1000); err != nil {
			fmt.Printf("machine: %v\n", err)
			os.Exit(1)
		}

	case "monitor":
		if len(os.Args) > 2 {
			out, err := monitor.RunScript(os.Args[2])
			if out != "" {
				fmt.Print(out)
			}
			if err != nil {
				fmt.Printf("monitor: %v\n", err)
				os.Exit(1)
			}
			return
		}
		console := NewMonitorConsole(monitor)
		console.Start()
		defer console.Stop()
		for !machine.Halted() {
			if err := machine.Step(); err != nil {
				fmt.Printf("machine: %v\n", err)
				break
			}
			time.Sleep(time.Millisecond)
		}

	default:
		fmt.Printf("unknown mode %q\n", os.Args[1])
		os.Exit(1)
	}
}
