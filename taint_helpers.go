// taint_helpers.go - Run-time taint helper module linked into target IR

package main

// The rewriter inserts calls to these run-time helpers around the
// instructions of a translation block. The helper module is linked into
// every target module once; each helper's entry instruction carries the
// "tainted" metadata tag, which is also how a second rewriting pass
// recognizes already-processed functions and leaves them alone.
const (
	HELPER_COPY             = "taint_copy"
	HELPER_MOVE             = "taint_move"
	HELPER_MIX              = "taint_mix"
	HELPER_MIX_COMPUTE      = "taint_mix_compute"
	HELPER_PARALLEL_COMPUTE = "taint_parallel_compute"
	HELPER_SEXT             = "taint_sext"
	HELPER_SELECT           = "taint_select"
	HELPER_HOST_COPY        = "taint_host_copy"
	HELPER_DELETE           = "taint_delete"
	HELPER_SET              = "taint_set"
	HELPER_PUSH_FRAME       = "taint_push_frame"
	HELPER_POP_FRAME        = "taint_pop_frame"
	HELPER_BREADCRUMB       = "taint_breadcrumb"
	HELPER_MEMLOG_POP       = "taint_memlog_pop"
)

var taintHelperNames = []string{
	HELPER_COPY,
	HELPER_MOVE,
	HELPER_MIX,
	HELPER_MIX_COMPUTE,
	HELPER_PARALLEL_COMPUTE,
	HELPER_SEXT,
	HELPER_SELECT,
	HELPER_HOST_COPY,
	HELPER_DELETE,
	HELPER_SET,
	HELPER_PUSH_FRAME,
	HELPER_POP_FRAME,
	HELPER_BREADCRUMB,
	HELPER_MEMLOG_POP,
}

// Symbolic constants naming the run-time objects helper arguments point
// at. The rewriter bakes these into inserted calls the way the original
// bakes shadow base addresses into the JITed code.
const (
	SYM_SHAD_LLV = "shad.llv"
	SYM_SHAD_MEM = "shad.ram"
	SYM_SHAD_GRV = "shad.grv"
	SYM_SHAD_GSV = "shad.gsv"
	SYM_SHAD_RET = "shad.ret"
	SYM_MEMLOG   = "memlog"
	SYM_PREV_BB  = "shad.prev_bb"
	SYM_ENV      = "cpu_env"
)

// BuildTaintHelperModule constructs the prebuilt helper module. Helper
// bodies are opaque to the rewriter: a single tagged return.
func BuildTaintHelperModule() *IrModule {
	m := NewIrModule()
	for _, name := range taintHelperNames {
		f := NewIrFunc(name, nil, 0)
		if name == HELPER_MEMLOG_POP {
			f.RetSize = 8
		}
		ret := &IrInstr{Op: IR_RET}
		f.Entry().Append(ret)
		ret.SetMetadata("tainted", "")
		m.AddFunc(f)
	}
	return m
}

// linkTaintHelpers links the helper module into target, tagging every
// helper entry instruction so a second pass skips them.
func linkTaintHelpers(target *IrModule) {
	helpers := BuildTaintHelperModule()
	for _, f := range helpers.Funcs {
		if len(f.Blocks) > 0 && len(f.Entry().Instrs) > 0 {
			f.Entry().Instrs[0].SetMetadata("tainted", "")
		}
	}
	target.Link(helpers)
}
