package callback

import (
	"encoding/json"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/layout"
	"github.com/confio-labs/nativeexecd/internal/protocol"
)

func rawSpecs(t *testing.T, elems ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(elems))
	for i, e := range elems {
		out[i] = json.RawMessage(e)
	}
	return out
}

func TestParseArgSpecsBareTypeName(t *testing.T) {
	r := layout.NewRegistry()
	specs, err := ParseArgSpecs(r, rawSpecs(t, `"int32"`, `"double"`))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, layout.KindInt32, specs[0].Desc.Kind)
	assert.False(t, specs[0].IsBufferPtr)
	assert.Equal(t, layout.KindDouble, specs[1].Desc.Kind)
}

func TestParseArgSpecsBufferPtrObject(t *testing.T) {
	r := layout.NewRegistry()
	specs, err := ParseArgSpecs(r, rawSpecs(t, `{"type":"buffer_ptr","size_arg_index":1}`))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].IsBufferPtr)
	require.NotNil(t, specs[0].SizeArgIndex)
	assert.Equal(t, 1, *specs[0].SizeArgIndex)
}

func TestParseArgSpecsBufferPtrObjectMissingLengthFails(t *testing.T) {
	r := layout.NewRegistry()
	_, err := ParseArgSpecs(r, rawSpecs(t, `{"type":"buffer_ptr"}`))
	assert.Error(t, err)
}

// TestParseArgSpecsRejectsBareBufferPtrString covers spec.md §7's mandatory
// Type error: "buffer_ptr" has no length source unless it is spelled as the
// {type:"buffer_ptr", ...} object form, so the bare TypeName string must be
// rejected rather than silently resolved as a plain pointer.
func TestParseArgSpecsRejectsBareBufferPtrString(t *testing.T) {
	r := layout.NewRegistry()
	_, err := ParseArgSpecs(r, rawSpecs(t, `"buffer_ptr"`))
	assert.Error(t, err)
}

func TestParseArgSpecsUnknownTypeFails(t *testing.T) {
	r := layout.NewRegistry()
	_, err := ParseArgSpecs(r, rawSpecs(t, `"NotRegistered"`))
	assert.Error(t, err)
}

func TestParseArgSpecsUnsupportedObjectTypeFails(t *testing.T) {
	r := layout.NewRegistry()
	_, err := ParseArgSpecs(r, rawSpecs(t, `{"type":"not_a_thing"}`))
	assert.Error(t, err)
}

func TestRegisterInvokeAndUnregister(t *testing.T) {
	require.NoError(t, ffi.Init())

	layouts := layout.NewRegistry()
	int32Desc, err := layouts.Resolve("int32")
	require.NoError(t, err)

	var events []protocol.Event
	m := NewManager(func(ev protocol.Event) { events = append(events, ev) })

	reg, err := m.Register(int32Desc, []ArgSpec{{Desc: int32Desc}})
	require.NoError(t, err)
	require.NotNil(t, reg.Entry())

	looked, err := m.Lookup(reg.ID)
	require.NoError(t, err)
	assert.Same(t, reg, looked)

	arg := int32(7)
	ret := int32(123)
	reg.Invoke(unsafe.Pointer(&ret), []unsafe.Pointer{unsafe.Pointer(&arg)})

	require.Len(t, events, 1)
	assert.EqualValues(t, 0, ret, "trampoline always returns a zero-initialised value")

	require.NoError(t, m.Unregister(reg.ID))
	_, err = m.Lookup(reg.ID)
	assert.Error(t, err)
}

func TestUnregisterUnknownFails(t *testing.T) {
	m := NewManager(nil)
	assert.Error(t, m.Unregister("cb-missing"))
}
