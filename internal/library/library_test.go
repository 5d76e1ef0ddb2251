package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confio-labs/nativeexecd/internal/ffi"
)

func TestLoadLookupUnloadLibc(t *testing.T) {
	require.NoError(t, ffi.Init())

	r := NewRegistry()
	h, err := r.Load("libc.so.6")
	require.NoError(t, err)
	assert.Contains(t, h.ID, "lib-")

	fn, err := r.Lookup(h.ID, "abs")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = r.Lookup(h.ID, "no_such_symbol")
	assert.Error(t, err)

	require.NoError(t, r.Unload(h.ID))
	_, err = r.Lookup(h.ID, "abs")
	assert.Error(t, err, "a library id must not resolve after Unload")
}

func TestLoadUnknownPathFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Load("/no/such/library.so")
	assert.Error(t, err)
}

func TestLookupUnknownLibraryFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("lib-missing", "abs")
	assert.Error(t, err)
}

func TestUnloadUnknownFails(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Unload("lib-missing"))
}

func TestTeardownClosesEveryLibrary(t *testing.T) {
	require.NoError(t, ffi.Init())

	r := NewRegistry()
	h, err := r.Load("libc.so.6")
	require.NoError(t, err)

	r.Teardown()

	_, err = r.Lookup(h.ID, "abs")
	assert.Error(t, err)
}
