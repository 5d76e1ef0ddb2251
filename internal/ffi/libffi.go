// Package ffi holds this module's cgo bindings to libffi and the dynamic
// loader (internal/arena is the only other cgo package, and calls only
// malloc/memset/memcpy/free). It loads
// libffi at runtime via dlopen (never linked at build time — the service
// must keep working even on a host where libffi-dev was never installed,
// and it must be free to dlopen() arbitrary target libraries the same
// way), builds libffi call-interface descriptors, invokes them, and
// allocates the executable closures backing callback trampolines
// (spec.md §9: "choose an existing, audited library rather than
// open-coding per-architecture calling conventions"; "Executable closures
// must be allocated via the library's provided API to satisfy W^X").
//
// Grounded on other_examples/dhorsley-za__lib-c_libffi.go (the dlopen'd
// libffi.so loader, the manual ffi_type/ffi_cif struct mirrors, the
// per-architecture ABI detection, and the struct-ffi_type builder) with
// the closure-allocation half grounded on the same file's
// create_ffi_closure/cleanup_ffi_closure pair.
package ffi

/*
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <stdlib.h>
#include <string.h>
#include <stdint.h>
#include "ffi_types.h"

static ffi_abi detected_abi = 0;

static ffi_abi detect_abi(const char* arch) {
    if (detected_abi != 0) {
        return detected_abi;
    }
    if (strcmp(arch, "amd64") == 0 || strcmp(arch, "arm64") == 0 ||
        strcmp(arch, "riscv64") == 0 || strcmp(arch, "ppc64") == 0 ||
        strcmp(arch, "ppc64le") == 0) {
        detected_abi = FFI_UNIX64;
    } else if (sizeof(void*) == 8) {
        detected_abi = FFI_UNIX64;
    } else {
        detected_abi = FFI_SYSV;
    }
    return detected_abi;
}

typedef ffi_status (*ffi_prep_cif_func)(ffi_cif*, ffi_abi, unsigned int, ffi_type*, ffi_type**);
typedef void (*ffi_call_func)(ffi_cif*, void*, void*, void**);
typedef void* (*ffi_closure_alloc_func)(size_t, void**);
typedef void (*ffi_closure_free_func)(void*);
typedef ffi_status (*ffi_prep_closure_loc_func)(void*, ffi_cif*, void (*)(ffi_cif*, void*, void**, void*), void*, void*);

static void* libffi_handle = NULL;
static ffi_prep_cif_func p_ffi_prep_cif = NULL;
static ffi_call_func p_ffi_call = NULL;
static ffi_closure_alloc_func p_ffi_closure_alloc = NULL;
static ffi_closure_free_func p_ffi_closure_free = NULL;
static ffi_prep_closure_loc_func p_ffi_prep_closure_loc = NULL;

ffi_type* t_void; ffi_type* t_uint8; ffi_type* t_sint8;
ffi_type* t_uint16; ffi_type* t_sint16; ffi_type* t_uint32;
ffi_type* t_sint32; ffi_type* t_uint64; ffi_type* t_sint64;
ffi_type* t_float; ffi_type* t_double; ffi_type* t_pointer;

static int nativeexecd_load_libffi(void) {
    if (libffi_handle != NULL) return 1;

    const char* candidates[] = {
        "libffi.so.8", "libffi.so.7", "libffi.so.6", "libffi.so",
        "/usr/lib/x86_64-linux-gnu/libffi.so.8",
        "/usr/lib/aarch64-linux-gnu/libffi.so.8",
        "/usr/lib64/libffi.so.8", "/usr/lib/libffi.so.8", "/usr/lib/libffi.so",
        "/usr/local/lib/libffi.so.8", "/usr/local/lib/libffi.so",
        NULL,
    };
    for (int i = 0; candidates[i] != NULL; i++) {
        libffi_handle = dlopen(candidates[i], RTLD_NOW | RTLD_LOCAL);
        if (libffi_handle != NULL) break;
    }
    if (libffi_handle == NULL) return 0;

    p_ffi_prep_cif = (ffi_prep_cif_func)dlsym(libffi_handle, "ffi_prep_cif");
    p_ffi_call = (ffi_call_func)dlsym(libffi_handle, "ffi_call");
    p_ffi_closure_alloc = (ffi_closure_alloc_func)dlsym(libffi_handle, "ffi_closure_alloc");
    p_ffi_closure_free = (ffi_closure_free_func)dlsym(libffi_handle, "ffi_closure_free");
    p_ffi_prep_closure_loc = (ffi_prep_closure_loc_func)dlsym(libffi_handle, "ffi_prep_closure_loc");

    t_void = (ffi_type*)dlsym(libffi_handle, "ffi_type_void");
    t_uint8 = (ffi_type*)dlsym(libffi_handle, "ffi_type_uint8");
    t_sint8 = (ffi_type*)dlsym(libffi_handle, "ffi_type_sint8");
    t_uint16 = (ffi_type*)dlsym(libffi_handle, "ffi_type_uint16");
    t_sint16 = (ffi_type*)dlsym(libffi_handle, "ffi_type_sint16");
    t_uint32 = (ffi_type*)dlsym(libffi_handle, "ffi_type_uint32");
    t_sint32 = (ffi_type*)dlsym(libffi_handle, "ffi_type_sint32");
    t_uint64 = (ffi_type*)dlsym(libffi_handle, "ffi_type_uint64");
    t_sint64 = (ffi_type*)dlsym(libffi_handle, "ffi_type_sint64");
    t_float = (ffi_type*)dlsym(libffi_handle, "ffi_type_float");
    t_double = (ffi_type*)dlsym(libffi_handle, "ffi_type_double");
    t_pointer = (ffi_type*)dlsym(libffi_handle, "ffi_type_pointer");

    if (p_ffi_prep_cif == NULL || p_ffi_call == NULL || t_void == NULL || t_pointer == NULL) {
        dlclose(libffi_handle);
        libffi_handle = NULL;
        return 0;
    }
    return 1;
}

ffi_type* nativeexecd_struct_ffi_type(ffi_type** elements, int n) {
    ffi_type* st = (ffi_type*)malloc(sizeof(ffi_type));
    ffi_type** elems = (ffi_type**)malloc(sizeof(ffi_type*) * (size_t)(n + 1));
    for (int i = 0; i < n; i++) elems[i] = elements[i];
    elems[n] = NULL;
    st->size = 0;
    st->alignment = 0;
    st->type = FFI_TYPE_STRUCT;
    st->elements = elems;
    return st;
}

ffi_cif* nativeexecd_alloc_cif(void) {
    return (ffi_cif*)malloc(sizeof(ffi_cif));
}

ffi_status nativeexecd_prep_cif(ffi_cif* cif, unsigned int nargs, ffi_type* rtype, ffi_type** atypes, const char* arch) {
    return p_ffi_prep_cif(cif, detect_abi(arch), nargs, rtype, atypes);
}

void nativeexecd_do_call(ffi_cif* cif, void* fn, void* rvalue, void** avalue) {
    p_ffi_call(cif, fn, rvalue, avalue);
}

void* nativeexecd_closure_alloc(size_t size, void** codeloc) {
    if (p_ffi_closure_alloc == NULL) return NULL;
    return p_ffi_closure_alloc(size, codeloc);
}

void nativeexecd_closure_free(void* closure) {
    if (p_ffi_closure_free != NULL) p_ffi_closure_free(closure);
}

extern void nativeexecdClosureTrampoline(ffi_cif*, void*, void**, void*);

ffi_status nativeexecd_bind_closure(void* closure, ffi_cif* cif, void* codeloc, void* userdata) {
    if (p_ffi_prep_closure_loc == NULL) return FFI_BAD_ABI;
    return p_ffi_prep_closure_loc(closure, cif, nativeexecdClosureTrampoline, userdata, codeloc);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/confio-labs/nativeexecd/internal/layout"
)

// Type is an opaque libffi ffi_type* handed back to Go only to be stored
// in arg-type vectors and passed straight back into cgo calls.
type Type unsafe.Pointer

var (
	initOnce    sync.Once
	initErr     error
	TypeVoid    Type
	TypeInt8    Type
	TypeUint8   Type
	TypeInt16   Type
	TypeUint16  Type
	TypeInt32   Type
	TypeUint32  Type
	TypeInt64   Type
	TypeUint64  Type
	TypeFloat   Type
	TypeDouble  Type
	TypePointer Type
)

// Init loads libffi, dlopen'ing candidate shared-object names/paths across
// common distributions. It is idempotent and safe to call from multiple
// sessions concurrently.
func Init() error {
	initOnce.Do(func() {
		ok := C.nativeexecd_load_libffi()
		if ok != 1 {
			initErr = fmt.Errorf("ffi: libffi could not be loaded from any known path")
			Logger().Error("libffi load failed")
			return
		}
		Logger().Debug("libffi loaded")
		TypeVoid = Type(unsafe.Pointer(C.t_void))
		TypeInt8 = Type(unsafe.Pointer(C.t_sint8))
		TypeUint8 = Type(unsafe.Pointer(C.t_uint8))
		TypeInt16 = Type(unsafe.Pointer(C.t_sint16))
		TypeUint16 = Type(unsafe.Pointer(C.t_uint16))
		TypeInt32 = Type(unsafe.Pointer(C.t_sint32))
		TypeUint32 = Type(unsafe.Pointer(C.t_uint32))
		TypeInt64 = Type(unsafe.Pointer(C.t_sint64))
		TypeUint64 = Type(unsafe.Pointer(C.t_uint64))
		TypeFloat = Type(unsafe.Pointer(C.t_float))
		TypeDouble = Type(unsafe.Pointer(C.t_double))
		TypePointer = Type(unsafe.Pointer(C.t_pointer))
	})
	return initErr
}

var structCache sync.Map // map[*layout.StructLayout]Type

// StructType builds (and caches on the StructLayout itself) the libffi
// struct ffi_type for a registered aggregate, expanding nested aggregates
// by recursion and reusing their own cached descriptor (spec.md §4.1:
// "nested aggregates are resolved by name then captured by value").
func StructType(sl *layout.StructLayout) (Type, error) {
	sl.FFICacheMu.Lock()
	defer sl.FFICacheMu.Unlock()
	if sl.FFICache != nil {
		return sl.FFICache.(Type), nil
	}

	n := len(sl.Members)
	if n == 0 {
		// libffi requires at least one element for a struct type; model an
		// empty aggregate (spec.md boundary: total_size=0, alignment=1) as
		// a struct holding a single uint8 element (a 1-byte struct to
		// libffi) so call preparation still succeeds.
		elems := []*C.ffi_type{(*C.ffi_type)(unsafe.Pointer(C.t_uint8))}
		st := C.nativeexecd_struct_ffi_type(&elems[0], C.int(1))
		t := Type(unsafe.Pointer(st))
		sl.FFICache = t
		return t, nil
	}

	elems := make([]*C.ffi_type, n)
	for i, m := range sl.Members {
		mt, err := TypeOf(m.Type)
		if err != nil {
			return nil, fmt.Errorf("struct %s member %s: %w", sl.Name, m.Name, err)
		}
		elems[i] = (*C.ffi_type)(unsafe.Pointer(mt))
	}
	st := C.nativeexecd_struct_ffi_type(&elems[0], C.int(n))
	t := Type(unsafe.Pointer(st))
	sl.FFICache = t
	return t, nil
}

// TypeOf maps a resolved layout.Descriptor to its libffi ffi_type.
func TypeOf(d layout.Descriptor) (Type, error) {
	if d.IsAggregate() {
		return StructType(d.Struct)
	}
	switch d.Kind {
	case layout.KindVoid:
		return TypeVoid, nil
	case layout.KindInt8:
		return TypeInt8, nil
	case layout.KindUint8:
		return TypeUint8, nil
	case layout.KindInt16:
		return TypeInt16, nil
	case layout.KindUint16:
		return TypeUint16, nil
	case layout.KindInt32:
		return TypeInt32, nil
	case layout.KindUint32:
		return TypeUint32, nil
	case layout.KindInt64:
		return TypeInt64, nil
	case layout.KindUint64:
		return TypeUint64, nil
	case layout.KindFloat:
		return TypeFloat, nil
	case layout.KindDouble:
		return TypeDouble, nil
	case layout.KindString, layout.KindPointer, layout.KindCallback, layout.KindBuffer, layout.KindBufferPtr:
		return TypePointer, nil
	default:
		return nil, fmt.Errorf("ffi: no libffi mapping for kind %d", d.Kind)
	}
}

// CIF is a prepared, heap-allocated libffi call interface.
type CIF unsafe.Pointer

// PrepCIF prepares a call descriptor for a function taking argTypes and
// returning retType (spec.md §4.4 step 3).
func PrepCIF(argTypes []Type, retType Type) (CIF, error) {
	cif := C.nativeexecd_alloc_cif()
	var atypesPtr **C.ffi_type
	if len(argTypes) > 0 {
		raw := C.malloc(C.size_t(len(argTypes)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		slice := unsafe.Slice((**C.ffi_type)(raw), len(argTypes))
		for i, t := range argTypes {
			slice[i] = (*C.ffi_type)(unsafe.Pointer(t))
		}
		atypesPtr = (**C.ffi_type)(raw)
	}
	archC := C.CString(runtime.GOARCH)
	defer C.free(unsafe.Pointer(archC))

	status := C.nativeexecd_prep_cif(cif, C.uint(len(argTypes)), (*C.ffi_type)(unsafe.Pointer(retType)), atypesPtr, archC)
	if status != C.FFI_OK {
		if atypesPtr != nil {
			C.free(unsafe.Pointer(atypesPtr))
		}
		C.free(unsafe.Pointer(cif))
		return nil, fmt.Errorf("ffi: ffi_prep_cif failed with status %d", int(status))
	}
	return CIF(unsafe.Pointer(cif)), nil
}

// FreeCIF releases a CIF built by PrepCIF. It does not free argTypes
// built for struct members (those are cached on the StructLayout and
// outlive individual calls).
func FreeCIF(cif CIF) {
	c := (*C.ffi_cif)(unsafe.Pointer(cif))
	if c.arg_types != nil {
		C.free(unsafe.Pointer(c.arg_types))
	}
	C.free(unsafe.Pointer(c))
}

// Call invokes fn through cif with the given argument-value pointers,
// writing the result into rvalue (spec.md §4.4 step 4).
func Call(cif CIF, fn unsafe.Pointer, rvalue unsafe.Pointer, avalue []unsafe.Pointer) {
	var avaluePtr *unsafe.Pointer
	if len(avalue) > 0 {
		avaluePtr = &avalue[0]
	}
	C.nativeexecd_do_call((*C.ffi_cif)(unsafe.Pointer(cif)), fn, rvalue, (*unsafe.Pointer)(unsafe.Pointer(avaluePtr)))
}

// OpenLibrary dlopen()s a shared library by path (spec.md §3 Library).
func OpenLibrary(path string) (unsafe.Pointer, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, C.GoString(C.dlerror()))
	}
	return h, nil
}

// Symbol resolves a symbol in an already-opened library.
func Symbol(handle unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	C.dlerror() // clear
	p := C.dlsym(handle, cname)
	if errStr := C.dlerror(); errStr != nil {
		return nil, fmt.Errorf("dlsym %s: %s", name, C.GoString(errStr))
	}
	if p == nil {
		return nil, fmt.Errorf("dlsym %s: symbol not found", name)
	}
	return p, nil
}

// CloseLibrary dlclose()s a library handle.
func CloseLibrary(handle unsafe.Pointer) error {
	if C.dlclose(handle) != 0 {
		return fmt.Errorf("dlclose: %s", C.GoString(C.dlerror()))
	}
	return nil
}
