package ffi

/*
#include "ffi_types.h"
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

// Invoker is implemented by whoever owns a registered callback (the
// TrampolineManager's Registration, see internal/callback). Invoke is
// called synchronously, on whatever thread the target native library
// chose to call the trampoline from (spec.md §4.5, §5 reentrancy).
type Invoker interface {
	Invoke(ret unsafe.Pointer, args []unsafe.Pointer)
}

// nativeexecdClosureTrampoline is the single static entry point every
// libffi closure is bound to (spec.md §4.5 step 3: "Allocate an executable
// closure bound to a single static entry routine"). It must live in its
// own file, separate from any file defining ordinary (non-exported) C
// helpers — mixing //export with static C function definitions in one
// file causes cgo to emit duplicate symbols, the same reason
// CosmWasm/wasmvm keeps callbacks.go and callbacks_cgo.go apart.
//
//export nativeexecdClosureTrampoline
func nativeexecdClosureTrampoline(cif *C.ffi_cif, ret unsafe.Pointer, args **unsafe.Pointer, userdata unsafe.Pointer) {
	h := cgo.Handle(uintptr(userdata))
	inv, ok := h.Value().(Invoker)
	if !ok || inv == nil {
		return
	}
	nargs := int(cif.nargs)
	var argSlice []unsafe.Pointer
	if nargs > 0 {
		argSlice = unsafe.Slice((*unsafe.Pointer)(unsafe.Pointer(args)), nargs)
	}
	inv.Invoke(ret, argSlice)
}
