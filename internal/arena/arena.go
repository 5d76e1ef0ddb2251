// Package arena implements the ArgArena (spec.md §4.2): a scoped allocator
// whose lifetime equals one call_function invocation. All native memory
// handed to libffi — scalar cells, string copies, struct/array buffers,
// pointer indirection cells, out-buffers and the return slot — is carried
// in C heap memory here and released together when the arena closes,
// exactly like the teacher wraps Rust-visible buffers in a single
// request-scoped lifetime (internal/api/memory.go's makeView/UnmanagedVector
// pairing) rather than letting Go's GC own cross-ABI memory.
package arena

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

// Arena owns every native allocation made while preparing and invoking one
// FFI call. Close must be called after the callee has returned and all
// return/out-param bytes have been read into JSON.
type Arena struct {
	mu    sync.Mutex
	blobs []unsafe.Pointer
	freed bool
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

func (a *Arena) track(p unsafe.Pointer) unsafe.Pointer {
	a.mu.Lock()
	a.blobs = append(a.blobs, p)
	a.mu.Unlock()
	return p
}

// Alloc returns n bytes of zero-initialised, C-heap memory. size 0 still
// yields a valid, distinct, freeable pointer (malloc(0) semantics are
// platform-defined, so we always request at least 1 byte).
func (a *Arena) Alloc(n uintptr) unsafe.Pointer {
	req := n
	if req == 0 {
		req = 1
	}
	p := C.malloc(C.size_t(req))
	C.memset(p, 0, C.size_t(req))
	return a.track(p)
}

// Scalar allocates storage sized for a primitive of the given byte width.
func (a *Arena) Scalar(size uintptr) unsafe.Pointer { return a.Alloc(size) }

// String copies s as a null-terminated byte string and returns a pointer to
// the bytes (spec.md §4.3 Marshaller.populate for type "string").
func (a *Arena) String(s string) unsafe.Pointer {
	p := a.Alloc(uintptr(len(s)) + 1)
	if len(s) > 0 {
		C.memcpy(p, unsafe.Pointer(unsafe.StringData(s)), C.size_t(len(s)))
	}
	return p
}

// Aggregate allocates zero-initialised, size-bytes storage for a struct
// value. alignment is accepted for documentation/symmetry with the spec;
// malloc already satisfies any alignment this ABI requires.
func (a *Arena) Aggregate(size, _alignment uintptr) unsafe.Pointer {
	return a.Alloc(size)
}

// Array allocates zero-initialised storage for a contiguous run of
// elements, e.g. a pointer target_type of "T[]".
func (a *Arena) Array(totalSize, _elementAlignment uintptr) unsafe.Pointer {
	return a.Alloc(totalSize)
}

// Indirection allocates a pointer-sized cell holding ptr, used wherever the
// ABI needs a pointer-to-pointer (e.g. the value slot for a string or
// callback argument, which libffi always receives as &T).
func (a *Arena) Indirection(ptr unsafe.Pointer) unsafe.Pointer {
	cell := a.Alloc(unsafe.Sizeof(uintptr(0)))
	*(*unsafe.Pointer)(cell) = ptr
	return cell
}

// Bytes copies an existing byte slice into arena-owned memory and returns
// a pointer to it, used for buffer arguments whose JSON carried base64
// content.
func (a *Arena) Bytes(b []byte) unsafe.Pointer {
	p := a.Alloc(uintptr(len(b)))
	if len(b) > 0 {
		C.memcpy(p, unsafe.Pointer(&b[0]), C.size_t(len(b)))
	}
	return p
}

// Close releases every allocation made through this arena. Safe to call
// more than once.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freed {
		return
	}
	for _, p := range a.blobs {
		C.free(p)
	}
	a.blobs = nil
	a.freed = true
}
