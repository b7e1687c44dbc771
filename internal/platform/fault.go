package platform

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// FaultAddresser is implemented by the runtime.Error value recover() yields
// for a trapped hardware fault (SIGSEGV/SIGBUS turned into a panic by
// SetPanicOnFault) when the access was a plain load/store against mapped
// memory. The Go runtime satisfies it today but the language spec makes no
// promise of it, so callers must always check the second return value
// instead of asserting it unconditionally.
type FaultAddresser interface {
	Addr() uintptr
}

// ArmFaultTrapping turns synchronous hardware faults (touching a page
// mprotect'd PROT_NONE) into a recoverable panic instead of a fatal
// signal, for the calling goroutine only: SetPanicOnFault is per-goroutine
// state, so whichever goroutine is about to perform the guarded accesses
// must arm it itself, immediately before. Returns the previous setting,
// to be handed back to RestoreFaultTrapping when the guarded region ends.
func ArmFaultTrapping() bool {
	return debug.SetPanicOnFault(true)
}

// RestoreFaultTrapping puts the calling goroutine's fault-trapping setting
// back to what ArmFaultTrapping returned.
func RestoreFaultTrapping(prev bool) {
	debug.SetPanicOnFault(prev)
}

// Recovered describes a trapped access fault, decoded from the value
// recover() returned inside a Touch closure.
type Recovered struct {
	Addr    uintptr
	HasAddr bool
	Err     error
}

// RecoverFault classifies a value obtained from recover(). ok is false if
// v is nil or is not a runtime memory-access fault at all: a genuine
// programmer panic (index out of range, nil map write, an explicit
// panic() elsewhere in the call tree) must propagate rather than be
// mistaken for a page fault, so callers re-panic when ok is false.
func RecoverFault(v any) (rec Recovered, ok bool) {
	if v == nil {
		return Recovered{}, false
	}
	rerr, isRuntimeErr := v.(runtime.Error)
	if !isRuntimeErr {
		return Recovered{}, false
	}
	// Bounds, nil-map and similar errors are runtime.Error values too; only
	// a memory-access error counts as a fault.
	fa, hasAddr := v.(FaultAddresser)
	if !hasAddr && !strings.Contains(rerr.Error(), "invalid memory address") {
		return Recovered{}, false
	}
	rec = Recovered{Err: rerr}
	if hasAddr {
		rec.Addr, rec.HasAddr = fa.Addr(), true
	}
	return rec, true
}
