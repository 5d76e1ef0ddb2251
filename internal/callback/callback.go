// Package callback implements the TrampolineManager (spec.md §4.5): it
// allocates executable libffi closures that, when invoked by native code on
// any thread, serialise their arguments to JSON and push an invoke_callback
// event onto the owning session's outbound channel before returning a
// zeroed result (spec.md Non-goals: "trampolines always return a
// zero-initialised value").
package callback

import (
	"encoding/json"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/layout"
	"github.com/confio-labs/nativeexecd/internal/marshal"
	"github.com/confio-labs/nativeexecd/internal/protocol"
)

// ArgSpec is one resolved element of a CallbackSignature: either a plain
// type, or a buffer_ptr variant carrying how to find its length.
type ArgSpec struct {
	Desc         layout.Descriptor
	IsBufferPtr  bool
	SizeArgIndex *int
	FixedSize    *int
}

// ParseArgSpecs decodes register_callback's args_type array (spec.md §6):
// each element is either a bare TypeName string or a
// {type:"buffer_ptr", size_arg_index?, fixed_size?} object.
func ParseArgSpecs(registry *layout.Registry, raw []protocol.CallbackArgSpecPayload) ([]ArgSpec, error) {
	specs := make([]ArgSpec, len(raw))
	for i, r := range raw {
		var typeName string
		if err := json.Unmarshal(r, &typeName); err == nil {
			if typeName == "buffer_ptr" {
				return nil, protocol.Errf(protocol.ErrType, "args_type[%d]: buffer_ptr requires the {type:\"buffer_ptr\", size_arg_index|fixed_size} object form, not a bare type name", i)
			}
			desc, err := registry.Resolve(typeName)
			if err != nil {
				return nil, protocol.Wrap(protocol.ErrType, err, "args_type[%d]", i)
			}
			specs[i] = ArgSpec{Desc: desc}
			continue
		}

		var obj struct {
			Type         string `json:"type"`
			SizeArgIndex *int   `json:"size_arg_index"`
			FixedSize    *int   `json:"fixed_size"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			return nil, protocol.Wrap(protocol.ErrType, err, "args_type[%d]: not a string or object", i)
		}
		if obj.Type != "buffer_ptr" {
			return nil, protocol.Errf(protocol.ErrType, "args_type[%d]: unsupported object type %q", i, obj.Type)
		}
		if obj.SizeArgIndex == nil && obj.FixedSize == nil {
			return nil, protocol.Errf(protocol.ErrType, "args_type[%d]: buffer_ptr requires size_arg_index or fixed_size", i)
		}
		desc, err := registry.Resolve("buffer_ptr")
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrType, err, "args_type[%d]", i)
		}
		specs[i] = ArgSpec{Desc: desc, IsBufferPtr: true, SizeArgIndex: obj.SizeArgIndex, FixedSize: obj.FixedSize}
	}
	return specs, nil
}

// EventSink is how a Registration pushes invoke_callback events onto the
// owning session's outbound channel. Kept as a narrow function type rather
// than importing internal/session, which would create an import cycle
// (Session owns the Manager, not the other way around).
type EventSink func(protocol.Event)

// Registration is one live callback (spec.md §3 CallbackRegistration):
// immutable after creation, destroyed only by Unregister or session
// teardown, and safe to invoke concurrently from multiple native threads.
type Registration struct {
	ID         string
	ReturnDesc layout.Descriptor
	ArgSpecs   []ArgSpec

	closure  *ffi.Closure
	sink     EventSink
	acquired []*layout.StructLayout
}

var _ ffi.Invoker = (*Registration)(nil)

// Invoke is called by nativeexecdClosureTrampoline on whatever thread
// native code chose to call through (spec.md §4.5, §5 reentrancy).
func (r *Registration) Invoke(ret unsafe.Pointer, args []unsafe.Pointer) {
	jsonArgs := make([]any, len(r.ArgSpecs))
	for i, spec := range r.ArgSpecs {
		if i >= len(args) {
			break
		}
		v, err := r.serializeArg(i, spec, args)
		if err != nil {
			// spec.md §7: "trampoline-side failures ... are logged and
			// discarded; the trampoline still returns zeroed output".
			ffi.Logger().Warn("callback argument serialisation failed",
				zap.String("callback_id", r.ID), zap.Int("arg", i), zap.Error(err))
			v = nil
		}
		jsonArgs[i] = v
	}

	if r.sink != nil {
		r.sink(protocol.NewInvokeCallbackEvent(r.ID, jsonArgs))
	}

	zeroReturnSlot(ret, r.ReturnDesc.Size)
}

func (r *Registration) serializeArg(index int, spec ArgSpec, args []unsafe.Pointer) (any, error) {
	if !spec.IsBufferPtr {
		return marshal.Read(args[index], spec.Desc)
	}

	p := *(*unsafe.Pointer)(args[index])
	if p == nil {
		return map[string]any{"type": "buffer_ptr", "value": "", "size": 0}, nil
	}

	var length int64
	if spec.SizeArgIndex != nil {
		k := *spec.SizeArgIndex
		if k < 0 || k >= len(r.ArgSpecs) || k >= len(args) {
			return nil, protocol.Errf(protocol.ErrType, "buffer_ptr size_arg_index %d out of range", k)
		}
		n, err := marshal.ReadAsInt64(args[k], r.ArgSpecs[k].Desc)
		if err != nil {
			return nil, err
		}
		length = n
	} else if spec.FixedSize != nil {
		length = int64(*spec.FixedSize)
	}

	if length <= 0 {
		return map[string]any{"type": "buffer_ptr", "value": "", "size": 0}, nil
	}

	b := marshal.ReadBytes(p, int(length))
	return map[string]any{"type": "buffer_ptr", "value": marshal.EncodeBytes(b), "size": int(length)}, nil
}

func zeroReturnSlot(ret unsafe.Pointer, size uintptr) {
	if ret == nil || size == 0 {
		return
	}
	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Add(ret, i)) = 0
	}
}

// Entry returns the live, executable function pointer native code should be
// handed (spec.md §4.5 trampolineAddress).
func (r *Registration) Entry() unsafe.Pointer { return r.closure.Entry() }

// Manager owns every callback registered on one session (spec.md §4.6:
// "two sessions never share ... callback ids").
type Manager struct {
	mu   sync.RWMutex
	regs map[string]*Registration
	sink EventSink
}

// NewManager returns an empty, session-scoped TrampolineManager. sink is
// called (from whatever thread native code invoked the trampoline on) to
// deliver each invoke_callback event.
func NewManager(sink EventSink) *Manager {
	return &Manager{regs: make(map[string]*Registration), sink: sink}
}

// Register builds the call-interface descriptor, allocates the executable
// closure, and stores the registration under a freshly minted "cb-<uuid>"
// id (spec.md §4.5 register).
func (m *Manager) Register(returnDesc layout.Descriptor, argSpecs []ArgSpec) (*Registration, error) {
	retType, err := ffi.TypeOf(returnDesc)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "register_callback: return type")
	}
	argTypes := make([]ffi.Type, len(argSpecs))
	for i, s := range argSpecs {
		t, err := ffi.TypeOf(s.Desc)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrType, err, "register_callback: args_type[%d]", i)
		}
		argTypes[i] = t
	}

	cif, err := ffi.PrepCIF(argTypes, retType)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "register_callback: preparing call interface")
	}

	// Any aggregate the return type or an argument resolves to is held
	// acquired for as long as this registration is live, since the
	// trampoline can be invoked by native code at any point up to
	// Unregister/Teardown — unlike a call_function's synchronous
	// preparation window, there is no other bound on when Invoke last
	// reads these layouts (spec.md §4.5, SPEC_FULL.md §12).
	var acquired []*layout.StructLayout
	if returnDesc.IsAggregate() {
		returnDesc.Struct.Acquire()
		acquired = append(acquired, returnDesc.Struct)
	}
	for _, s := range argSpecs {
		if s.Desc.IsAggregate() {
			s.Desc.Struct.Acquire()
			acquired = append(acquired, s.Desc.Struct)
		}
	}

	reg := &Registration{
		ID:         "cb-" + uuid.NewString(),
		ReturnDesc: returnDesc,
		ArgSpecs:   argSpecs,
		sink:       m.sink,
		acquired:   acquired,
	}

	closure, err := ffi.NewClosure(cif, reg)
	if err != nil {
		ffi.FreeCIF(cif)
		for _, sl := range acquired {
			sl.Release()
		}
		return nil, protocol.Wrap(protocol.ErrType, err, "register_callback: allocating closure")
	}
	reg.closure = closure

	m.mu.Lock()
	m.regs[reg.ID] = reg
	m.mu.Unlock()

	return reg, nil
}

// Lookup returns the live Registration for id, used by CallDispatcher to
// resolve a "callback" ArgDescriptor's trampoline address.
func (m *Manager) Lookup(id string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, protocol.Errf(protocol.ErrRegistry, "unknown callback id %q", id)
	}
	return r, nil
}

// Unregister frees the closure. Per spec.md §4.5, any subsequent native
// invocation through the now-stale pointer is undefined behaviour by ABI;
// it is the controller's responsibility to have the native library release
// the pointer first.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok {
		return protocol.Errf(protocol.ErrRegistry, "unknown callback id %q", id)
	}
	delete(m.regs, id)
	r.closure.Free()
	for _, sl := range r.acquired {
		sl.Release()
	}
	return nil
}

// Teardown frees every still-live callback when the owning session ends
// (spec.md §3: "callbacks → libraries → structs").
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.regs {
		r.closure.Free()
		for _, sl := range r.acquired {
			sl.Release()
		}
		delete(m.regs, id)
	}
}
