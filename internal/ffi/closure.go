package ffi

/*
#include "ffi_types.h"
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"unsafe"
)

// Closure is a live, executable native function pointer allocated by
// libffi's closure API and bound to nativeexecdClosureTrampoline
// (spec.md §4.5, §9: W^X-safe closure allocation).
type Closure struct {
	entry   unsafe.Pointer
	closure unsafe.Pointer
	cif     CIF
	handle  cgo.Handle
}

// NewClosure allocates a trampoline for cif that, when called by native
// code, invokes inv.Invoke on whichever thread made the call.
func NewClosure(cif CIF, inv Invoker) (*Closure, error) {
	var codeloc unsafe.Pointer
	closure := C.nativeexecd_closure_alloc(C.size_t(unsafe.Sizeof(C.ffi_cif{}))+64, (*unsafe.Pointer)(unsafe.Pointer(&codeloc)))
	if closure == nil {
		return nil, fmt.Errorf("ffi: libffi closure API unavailable (ffi_closure_alloc returned NULL)")
	}

	h := cgo.NewHandle(inv)
	status := C.nativeexecd_bind_closure(closure, (*C.ffi_cif)(unsafe.Pointer(cif)), codeloc, unsafe.Pointer(uintptr(h)))
	if status != C.FFI_OK {
		C.nativeexecd_closure_free(closure)
		h.Delete()
		return nil, fmt.Errorf("ffi: ffi_prep_closure_loc failed with status %d", int(status))
	}

	return &Closure{entry: codeloc, closure: closure, cif: cif, handle: h}, nil
}

// Entry is the live function pointer native code should be given.
func (c *Closure) Entry() unsafe.Pointer { return c.entry }

// Free releases the closure and the CIF it was bound to. The caller (the
// controller, per spec.md §4.5 unregister contract) is responsible for
// ensuring no native invocation is still in flight through Entry().
func (c *Closure) Free() {
	C.nativeexecd_closure_free(c.closure)
	FreeCIF(c.cif)
	c.handle.Delete()
}
