// callbacks.go - Plug-in callback surface and guest-OS hook interfaces

package main

// Plug-in consumers subscribe to taint events. Subscribers run
// synchronously on the emulator goroutine, in registration order, and
// must not mutate the shadow.

// LoadStoreCallback observes a guest memory access that just executed.
type LoadStoreCallback func(pc uint64, paddr uint64)

// OpBufferCallback fires around execution of one taint op buffer.
type OpBufferCallback func(ttb *TaintTB)

// TaintCallbacks holds the registered subscriber lists.
type TaintCallbacks struct {
	onLoad                []LoadStoreCallback
	onStore               []LoadStoreCallback
	beforeExecuteTaintOps []OpBufferCallback
	afterExecuteTaintOps  []OpBufferCallback
}

func (cb *TaintCallbacks) RegisterOnLoad(fn LoadStoreCallback) {
	cb.onLoad = append(cb.onLoad, fn)
}

func (cb *TaintCallbacks) RegisterOnStore(fn LoadStoreCallback) {
	cb.onStore = append(cb.onStore, fn)
}

func (cb *TaintCallbacks) RegisterBeforeExecuteTaintOps(fn OpBufferCallback) {
	cb.beforeExecuteTaintOps = append(cb.beforeExecuteTaintOps, fn)
}

func (cb *TaintCallbacks) RegisterAfterExecuteTaintOps(fn OpBufferCallback) {
	cb.afterExecuteTaintOps = append(cb.afterExecuteTaintOps, fn)
}

func (cb *TaintCallbacks) runOnLoad(pc, paddr uint64) {
	for _, fn := range cb.onLoad {
		fn(pc, paddr)
	}
}

func (cb *TaintCallbacks) runOnStore(pc, paddr uint64) {
	for _, fn := range cb.onStore {
		fn(pc, paddr)
	}
}

// Descriptor-tracker hook surface. The fd-tracking plug-in (an external
// collaborator) subscribes to process lifecycle events and resolves
// guest processes through the three lookup interfaces; their
// implementations live with the guest-OS introspection code, outside
// this core. Note the tracker's dup return-path semantics are its own:
// the core only guarantees hook ordering, not the tracker's
// success/failure model.

// ProcessHook fires at a guest process lifecycle point.
type ProcessHook func(env *MachineEnv)

// CloneHook fires when a clone returns in the guest, with its flags.
type CloneHook func(env *MachineEnv, flags uint64)

// PreExecHook fires before a guest instruction executes.
type PreExecHook func(pc uint64)

// MachineEnv is the emulator CPU-state handle passed through hooks. The
// core treats it as opaque apart from the ASID accessor.
type MachineEnv struct {
	Asid uint64
	PC   uint64
}

// AsidOf returns the address-space identifier for the guest context.
func AsidOf(env *MachineEnv, pc uint64) uint64 {
	return env.Asid
}

// ProcessFinder resolves guest processes; implemented by the OS
// introspection collaborator.
type ProcessFinder interface {
	FindProcessByAsid(asid uint64) (pid uint32, name string, ok bool)
	FindProcessByPid(pid uint32) (asid uint64, name string, ok bool)
}

// OSHooks holds the descriptor-tracker hook lists.
type OSHooks struct {
	preExecute []PreExecHook
	afterFork  []ProcessHook
	afterClone []CloneHook
}

func (h *OSHooks) RegisterPreExecute(fn PreExecHook)  { h.preExecute = append(h.preExecute, fn) }
func (h *OSHooks) RegisterAfterFork(fn ProcessHook)   { h.afterFork = append(h.afterFork, fn) }
func (h *OSHooks) RegisterAfterClone(fn CloneHook)    { h.afterClone = append(h.afterClone, fn) }

func (h *OSHooks) runPreExecute(pc uint64) {
	for _, fn := range h.preExecute {
		fn(pc)
	}
}

func (h *OSHooks) runAfterFork(env *MachineEnv) {
	for _, fn := range h.afterFork {
		fn(env)
	}
}

func (h *OSHooks) runAfterClone(env *MachineEnv, flags uint64) {
	for _, fn := range h.afterClone {
		fn(env, flags)
	}
}
