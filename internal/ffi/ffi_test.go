package ffi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confio-labs/nativeexecd/internal/arena"
	"github.com/confio-labs/nativeexecd/internal/layout"
)

func TestInitIsIdempotentAndExposesBaseTypes(t *testing.T) {
	require.NoError(t, Init())
	require.NoError(t, Init())
	assert.NotNil(t, TypeVoid)
	assert.NotNil(t, TypePointer)
}

func TestOpenLookupCloseLibc(t *testing.T) {
	require.NoError(t, Init())

	h, err := OpenLibrary("libc.so.6")
	require.NoError(t, err)
	defer CloseLibrary(h)

	fn, err := Symbol(h, "abs")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = Symbol(h, "no_such_symbol_in_libc")
	assert.Error(t, err)
}

func TestOpenLibraryUnknownPathFails(t *testing.T) {
	require.NoError(t, Init())
	_, err := OpenLibrary("/no/such/library.so")
	assert.Error(t, err)
}

// TestCallAbsThroughLibffi drives libffi's own call path (no dlopen
// involved beyond resolving the symbol) the way internal/dispatch does for
// every call_function: resolve a type, PrepCIF, allocate a value slot,
// Call, read the result back.
func TestCallAbsThroughLibffi(t *testing.T) {
	require.NoError(t, Init())

	h, err := OpenLibrary("libc.so.6")
	require.NoError(t, err)
	defer CloseLibrary(h)

	fn, err := Symbol(h, "abs")
	require.NoError(t, err)

	int32Desc := layout.Descriptor{Kind: layout.KindInt32, Size: 4, Align: 4}
	argType, err := TypeOf(int32Desc)
	require.NoError(t, err)
	retType, err := TypeOf(int32Desc)
	require.NoError(t, err)

	cif, err := PrepCIF([]Type{argType}, retType)
	require.NoError(t, err)
	defer FreeCIF(cif)

	a := arena.New()
	defer a.Close()
	argCell := a.Scalar(4)
	*(*int32)(argCell) = -7
	retCell := a.Scalar(4)
	Call(cif, fn, retCell, []unsafe.Pointer{argCell})
	assert.EqualValues(t, 7, *(*int32)(retCell))
}

type recordingInvoker struct {
	called  bool
	lastArg int32
}

func (r *recordingInvoker) Invoke(ret unsafe.Pointer, args []unsafe.Pointer) {
	r.called = true
	if len(args) > 0 {
		r.lastArg = *(*int32)(args[0])
	}
	*(*int32)(ret) = 99
}

// TestClosureInvokedThroughItsOwnEntry proves a closure's Entry() is a live
// function pointer by calling it back through libffi exactly as native
// code calling through a registered trampoline would (spec.md §4.5).
func TestClosureInvokedThroughItsOwnEntry(t *testing.T) {
	require.NoError(t, Init())

	int32Desc := layout.Descriptor{Kind: layout.KindInt32, Size: 4, Align: 4}
	argType, err := TypeOf(int32Desc)
	require.NoError(t, err)
	retType, err := TypeOf(int32Desc)
	require.NoError(t, err)

	cif, err := PrepCIF([]Type{argType}, retType)
	require.NoError(t, err)

	inv := &recordingInvoker{}
	closure, err := NewClosure(cif, inv)
	require.NoError(t, err)
	defer closure.Free()

	a := arena.New()
	defer a.Close()
	argCell := a.Scalar(4)
	*(*int32)(argCell) = 41
	retCell := a.Scalar(4)
	Call(cif, closure.Entry(), retCell, []unsafe.Pointer{argCell})

	assert.True(t, inv.called)
	assert.EqualValues(t, 41, inv.lastArg)
	assert.EqualValues(t, 99, *(*int32)(retCell))
}
