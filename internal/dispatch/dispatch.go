// Package dispatch implements the CallDispatcher (spec.md §4.4): it turns
// one call_function payload into a prepared libffi call, invokes the
// target function pointer, and translates the return value and any
// mutated out-parameters back into JSON. Argument preparation is strictly
// left-to-right and entirely side-effect-free until the underlying
// ffi.Call — an unknown type or malformed argument anywhere in the list
// fails the whole call before the target library is ever touched
// (SPEC_FULL.md §12, supplementing spec.md's "no side effects on the
// loaded library").
package dispatch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"unsafe"

	"github.com/confio-labs/nativeexecd/internal/arena"
	"github.com/confio-labs/nativeexecd/internal/callback"
	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/layout"
	"github.com/confio-labs/nativeexecd/internal/marshal"
	"github.com/confio-labs/nativeexecd/internal/protocol"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// Dispatcher assembles and performs one native call. It is stateless
// beyond the registries it is handed, so one instance is shared by every
// call_function command on a session.
type Dispatcher struct {
	Structs   *layout.Registry
	Callbacks *callback.Manager
}

// New returns a Dispatcher bound to one session's struct and callback
// registries (its library lookups are supplied per-call by the caller,
// since call_function also needs the library registry to resolve funcPtr).
func New(structs *layout.Registry, callbacks *callback.Manager) *Dispatcher {
	return &Dispatcher{Structs: structs, Callbacks: callbacks}
}

type outParamRecord struct {
	index      int
	isBuffer   bool
	bufferSize int
	targetType string
	desc       layout.Descriptor
	storage    unsafe.Pointer
}

// Call prepares and invokes fn, returning the JSON-ready result (spec.md
// §4.4). a must be released by the caller once the result has been read
// out (internal/session does this immediately after Call returns, since
// nothing past this point needs native memory to stay alive).
func (d *Dispatcher) Call(a *arena.Arena, fn unsafe.Pointer, payload protocol.CallFunctionPayload) (*protocol.CallFunctionResult, error) {
	retDesc, err := d.Structs.Resolve(payload.ReturnType)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "call_function: return_type")
	}
	retType, err := ffi.TypeOf(retDesc)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "call_function: return_type")
	}

	// Every aggregate touched while preparing this call is ref-counted for
	// the call's duration, so layout.Registry.Unregister rejects removing a
	// layout that argument marshalling still reads from (spec.md §4.1
	// Unregister "still referenced").
	var acquired []*layout.StructLayout
	defer func() {
		for _, sl := range acquired {
			sl.Release()
		}
	}()
	if retDesc.IsAggregate() {
		retDesc.Struct.Acquire()
		acquired = append(acquired, retDesc.Struct)
	}

	argTypes := make([]ffi.Type, len(payload.Args))
	avalue := make([]unsafe.Pointer, len(payload.Args))
	var outs []outParamRecord

	for i, ad := range payload.Args {
		t, slot, out, err := d.prepareArg(a, i, ad, &acquired)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrMarshal, err, "call_function: args[%d]", i)
		}
		argTypes[i] = t
		avalue[i] = slot
		if out != nil {
			outs = append(outs, *out)
		}
	}

	cif, err := ffi.PrepCIF(argTypes, retType)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "call_function: preparing call interface")
	}
	defer ffi.FreeCIF(cif)

	retSlot := a.Alloc(retDesc.Size + wordSize)
	ffi.Call(cif, fn, retSlot, avalue)

	var retValue any
	if retDesc.Kind != layout.KindVoid {
		retValue, err = marshal.Read(retSlot, retDesc)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrMarshal, err, "call_function: reading return value")
		}
	}

	result := &protocol.CallFunctionResult{
		Return: protocol.ReturnValue{Type: payload.ReturnType, Value: retValue},
	}
	for _, o := range outs {
		result.OutParams = append(result.OutParams, d.encodeOutParam(o))
	}
	return result, nil
}

func (d *Dispatcher) encodeOutParam(o outParamRecord) protocol.OutParam {
	if o.isBuffer {
		b := marshal.ReadBytes(o.storage, o.bufferSize)
		return protocol.OutParam{Index: o.index, Type: "buffer", Value: marshal.EncodeBytes(b)}
	}
	v, err := marshal.Read(o.storage, o.desc)
	if err != nil {
		v = nil
	}
	return protocol.OutParam{Index: o.index, Type: o.targetType, Value: v}
}

// prepareArg implements one row of spec.md §4.4's per-argument preparation
// table, returning the libffi argument type, the value-slot pointer to
// hand libffi, and — for anything the caller should read back — an
// outParamRecord.
func (d *Dispatcher) prepareArg(a *arena.Arena, index int, ad protocol.ArgDescriptorPayload, acquired *[]*layout.StructLayout) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	switch ad.Type {
	case "string":
		return d.prepareString(a, ad)
	case "pointer":
		return d.preparePointer(a, index, ad, acquired)
	case "callback":
		return d.prepareCallback(a, ad)
	case "buffer":
		return d.prepareBuffer(a, index, ad)
	default:
		desc, err := d.Structs.Resolve(ad.Type)
		if err != nil {
			return nil, nil, nil, err
		}
		if desc.IsAggregate() {
			desc.Struct.Acquire()
			*acquired = append(*acquired, desc.Struct)
			return d.prepareAggregateByValue(a, desc, ad)
		}
		return d.preparePrimitive(a, desc, ad)
	}
}

func (d *Dispatcher) preparePrimitive(a *arena.Arena, desc layout.Descriptor, ad protocol.ArgDescriptorPayload) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	t, err := ffi.TypeOf(desc)
	if err != nil {
		return nil, nil, nil, err
	}
	v, err := decodeJSON(ad.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	cell := a.Scalar(desc.Size)
	if err := marshal.Populate(cell, v, desc, a); err != nil {
		return nil, nil, nil, err
	}
	return t, cell, nil, nil
}

func (d *Dispatcher) prepareString(a *arena.Arena, ad protocol.ArgDescriptorPayload) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	var s *string
	if len(ad.Value) > 0 && string(ad.Value) != "null" {
		var str string
		if err := json.Unmarshal(ad.Value, &str); err != nil {
			return nil, nil, nil, protocol.Wrap(protocol.ErrMarshal, err, "string argument")
		}
		s = &str
	}
	var backing unsafe.Pointer
	if s != nil {
		backing = a.String(*s)
	}
	cell := a.Indirection(backing)
	return ffi.TypePointer, cell, nil, nil
}

func (d *Dispatcher) prepareCallback(a *arena.Arena, ad protocol.ArgDescriptorPayload) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	var id string
	if err := json.Unmarshal(ad.Value, &id); err != nil {
		return nil, nil, nil, protocol.Wrap(protocol.ErrType, err, "callback argument must be a callback id string")
	}
	reg, err := d.Callbacks.Lookup(id)
	if err != nil {
		return nil, nil, nil, err
	}
	cell := a.Indirection(reg.Entry())
	return ffi.TypePointer, cell, nil, nil
}

func (d *Dispatcher) prepareBuffer(a *arena.Arena, index int, ad protocol.ArgDescriptorPayload) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	if ad.Size == nil || *ad.Size < 0 {
		return nil, nil, nil, protocol.Errf(protocol.ErrType, "buffer argument requires a non-negative size")
	}
	size := *ad.Size
	direction := ad.Direction
	if direction == "" {
		direction = "in"
	}

	buf := a.Array(uintptr(size)+wordSize, 1)
	if direction != "out" && len(ad.Value) > 0 && string(ad.Value) != "null" {
		var b64 string
		if err := json.Unmarshal(ad.Value, &b64); err != nil {
			return nil, nil, nil, protocol.Wrap(protocol.ErrMarshal, err, "buffer argument")
		}
		raw, err := decodeBuffer(b64)
		if err != nil {
			return nil, nil, nil, err
		}
		copy(unsafe.Slice((*byte)(buf), size), raw)
	}

	cell := a.Indirection(buf)

	var out *outParamRecord
	if direction != "in" {
		out = &outParamRecord{index: index, isBuffer: true, bufferSize: size, storage: buf}
	}
	return ffi.TypePointer, cell, out, nil
}

func (d *Dispatcher) preparePointer(a *arena.Arena, index int, ad protocol.ArgDescriptorPayload, acquired *[]*layout.StructLayout) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	if ad.TargetType == "" {
		addr, err := decodeAddress(ad.Value)
		if err != nil {
			return nil, nil, nil, err
		}
		cell := a.Indirection(unsafe.Pointer(uintptr(addr)))
		return ffi.TypePointer, cell, nil, nil
	}

	if elemName, isArray := layout.SplitArray(ad.TargetType); isArray {
		return d.preparePointerToArray(a, elemName, ad, acquired)
	}

	desc, err := d.Structs.Resolve(ad.TargetType)
	if err != nil {
		return nil, nil, nil, err
	}

	if desc.IsAggregate() {
		desc.Struct.Acquire()
		*acquired = append(*acquired, desc.Struct)

		v, err := decodeJSON(ad.Value)
		if err != nil {
			return nil, nil, nil, err
		}
		storage := a.Aggregate(desc.Size, desc.Align)
		if err := marshal.Populate(storage, v, desc, a); err != nil {
			return nil, nil, nil, err
		}
		cell := a.Indirection(storage)
		return ffi.TypePointer, cell, nil, nil
	}

	// primitive target_type: only "inout" round-trips as an out-param,
	// but the storage+indirection shape is identical either way.
	v, err := decodeJSON(ad.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	storage := a.Scalar(desc.Size)
	if err := marshal.Populate(storage, v, desc, a); err != nil {
		return nil, nil, nil, err
	}
	cell := a.Indirection(storage)

	var out *outParamRecord
	if ad.Direction == "inout" {
		out = &outParamRecord{index: index, targetType: ad.TargetType, desc: desc, storage: storage}
	}
	return ffi.TypePointer, cell, out, nil
}

func (d *Dispatcher) preparePointerToArray(a *arena.Arena, elemName string, ad protocol.ArgDescriptorPayload, acquired *[]*layout.StructLayout) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	elemDesc, err := d.Structs.Resolve(elemName)
	if err != nil {
		return nil, nil, nil, err
	}
	if elemDesc.IsAggregate() {
		elemDesc.Struct.Acquire()
		*acquired = append(*acquired, elemDesc.Struct)
	}
	v, err := decodeJSON(ad.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	elems, ok := v.([]any)
	if !ok {
		return nil, nil, nil, protocol.Errf(protocol.ErrMarshal, "pointer target_type %q expects a JSON array", elemName+"[]")
	}

	elemSize := roundUp(elemDesc.Size, max(elemDesc.Align, 1))
	total := elemSize * uintptr(len(elems))
	base := a.Array(total, elemDesc.Align)
	for i, ev := range elems {
		dest := unsafe.Add(base, uintptr(i)*elemSize)
		if err := marshal.Populate(dest, ev, elemDesc, a); err != nil {
			return nil, nil, nil, protocol.Wrap(protocol.ErrMarshal, err, "pointer target_type %q[%d]", elemName, i)
		}
	}
	cell := a.Indirection(base)
	return ffi.TypePointer, cell, nil, nil
}

func (d *Dispatcher) prepareAggregateByValue(a *arena.Arena, desc layout.Descriptor, ad protocol.ArgDescriptorPayload) (ffi.Type, unsafe.Pointer, *outParamRecord, error) {
	t, err := ffi.TypeOf(desc)
	if err != nil {
		return nil, nil, nil, err
	}
	v, err := decodeJSON(ad.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	storage := a.Aggregate(desc.Size, desc.Align)
	if err := marshal.Populate(storage, v, desc, a); err != nil {
		return nil, nil, nil, err
	}
	return t, storage, nil, nil
}

// decodeJSON decodes raw with UseNumber() so that every numeric leaf —
// including ones nested inside objects/arrays for a struct or array
// argument — survives as json.Number rather than being rounded through
// float64's 53-bit mantissa before marshal.Populate ever sees it.
func decodeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, protocol.Wrap(protocol.ErrMarshal, err, "invalid JSON value")
	}
	return v, nil
}

// decodeAddress parses a generic pointer literal as an exact uint64 via
// strconv, never through float64, so an address above 2^53 is not silently
// corrupted on the way in.
func decodeAddress(raw json.RawMessage) (uint64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, protocol.Wrap(protocol.ErrMarshal, err, "pointer value must be a number")
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return u, nil
	}
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return uint64(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, protocol.Errf(protocol.ErrMarshal, "pointer value %q is not a valid integer", string(n))
	}
	return uint64(f), nil
}

func decodeBuffer(b64 string) ([]byte, error) {
	return marshal.DecodeBytes(b64)
}

func roundUp(v, align uintptr) uintptr {
	if align <= 1 || v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

func max(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
