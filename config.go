// config.go - Environment-driven configuration for the analysis framework

package main

import (
	"github.com/xyproto/env/v2"
)

// Debug verbosity levels, from nothing to everything.
const (
	DEBUG_SILENT = iota
	DEBUG_WHISPER
	DEBUG_QUIET
	DEBUG_NOISY
)

// TraceConfig gathers the run-time switches of the framework. Values
// come from the environment so that analysis runs are reproducible from
// the invoking shell alone.
type TraceConfig struct {
	// Shadow geometry.
	HDSize  uint64 // hard-disk size in bytes
	MemSize uint64 // guest RAM size in bytes
	IOSize  uint64 // top of the generic I/O buffer space
	MaxVals uint64 // IR value slots per frame

	DynLogEntries int

	LabelMode           TaintLabelMode
	TaintedPointer      bool
	TaintedInstructions bool

	DebugLevel int

	// RR log directory; record/replay names resolve against it.
	LogDir string
}

// LoadConfig reads the configuration from the environment, with the
// defaults of a 32 MiB IE32 guest.
func LoadConfig() *TraceConfig {
	cfg := &TraceConfig{
		HDSize:        uint64(env.Int("ITRACE_HD_SIZE", 1<<30)),
		MemSize:       uint64(env.Int("ITRACE_MEM_SIZE", 32*1024*1024)),
		IOSize:        uint64(env.Int("ITRACE_IO_SIZE", 1<<20)),
		MaxVals:       uint64(env.Int("ITRACE_MAX_VALS", 2048)),
		DynLogEntries: env.Int("ITRACE_DYNLOG_ENTRIES", 1<<16),
		DebugLevel:    env.Int("ITRACE_DEBUG", DEBUG_SILENT),
		LogDir:        env.Str("ITRACE_LOG_DIR", "."),
	}
	if env.Str("ITRACE_LABEL_MODE", "byte") == "binary" {
		cfg.LabelMode = TAINT_BINARY_LABEL
	}
	cfg.TaintedPointer = env.Bool("ITRACE_TAINTED_POINTER")
	cfg.TaintedInstructions = env.Bool("ITRACE_TAINTED_INSTR")
	return cfg
}
