// Package layout implements the Struct Layout Engine (spec.md §4.1): it
// resolves TypeName values to C-ABI-compatible size/alignment/offset
// descriptors, including nested aggregates, and is the single source of
// truth the Marshaller and CallDispatcher consult for "how big is this and
// where does each member live".
package layout

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/confio-labs/nativeexecd/internal/protocol"
)

// Kind distinguishes how a Descriptor's bytes are interpreted.
type Kind int

const (
	KindVoid Kind = iota
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat
	KindDouble
	KindString
	KindPointer
	KindCallback
	KindBuffer
	KindBufferPtr
	KindAggregate
)

// Descriptor is the resolved form of a TypeName: a primitive kind, or an
// aggregate with its StructLayout attached.
type Descriptor struct {
	Kind   Kind
	Name   string // aggregate name; empty for primitives
	Size   uintptr
	Align  uintptr
	Struct *StructLayout // non-nil iff Kind == KindAggregate
}

// IsAggregate reports whether this descriptor names a registered struct.
func (d Descriptor) IsAggregate() bool { return d.Kind == KindAggregate }

// Member is one resolved, offset-assigned field of a StructLayout.
type Member struct {
	Name   string
	Type   Descriptor
	Offset uintptr
	Size   uintptr
	Align  uintptr
}

// StructLayout is the derived, immutable-once-built layout of a registered
// aggregate (spec.md §3 StructLayout). Its elements array (built lazily by
// internal/ffi from Members) must stay valid for as long as the layout is
// registered or referenced, hence the refs counter.
type StructLayout struct {
	Name    string
	Members []Member
	Size    uintptr
	Align   uintptr

	refs int32 // live references held by in-flight calls / callbacks

	// cached call-interface element descriptor, filled in lazily by
	// internal/ffi and reused across calls; guarded by its own lock there.
	FFICacheMu sync.Mutex
	FFICache   any
}

// MemberDef is the request-shaped (name, type) pair from register_struct.
type MemberDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Acquire bumps the live-reference count; call Release when done.
func (s *StructLayout) Acquire() { atomic.AddInt32(&s.refs, 1) }

// Release drops the live-reference count.
func (s *StructLayout) Release() { atomic.AddInt32(&s.refs, -1) }

func (s *StructLayout) inUse() bool { return atomic.LoadInt32(&s.refs) > 0 }

// primitiveSizes gives the (size, align) of every built-in TypeName under
// the LP64 ABI this service targets (amd64/arm64 Linux & Windows x64).
var primitiveSizes = map[string][2]uintptr{
	"void":       {0, 1},
	"int8":       {1, 1},
	"uint8":      {1, 1},
	"int16":      {2, 2},
	"uint16":     {2, 2},
	"int32":      {4, 4},
	"uint32":     {4, 4},
	"int64":      {8, 8},
	"uint64":     {8, 8},
	"float":      {4, 4},
	"double":     {8, 8},
	"string":     {8, 8},
	"pointer":    {8, 8},
	"callback":   {8, 8},
	"buffer":     {8, 8},
	"buffer_ptr": {8, 8},
}

var primitiveKinds = map[string]Kind{
	"void":       KindVoid,
	"int8":       KindInt8,
	"uint8":      KindUint8,
	"int16":      KindInt16,
	"uint16":     KindUint16,
	"int32":      KindInt32,
	"uint32":     KindUint32,
	"int64":      KindInt64,
	"uint64":     KindUint64,
	"float":      KindFloat,
	"double":     KindDouble,
	"string":     KindString,
	"pointer":    KindPointer,
	"callback":   KindCallback,
	"buffer":     KindBuffer,
	"buffer_ptr": KindBufferPtr,
}

// IsPrimitiveName reports whether name is one of the built-in TypeNames.
func IsPrimitiveName(name string) bool {
	_, ok := primitiveSizes[name]
	return ok
}

func primitiveDescriptor(name string) (Descriptor, bool) {
	sz, ok := primitiveSizes[name]
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{Kind: primitiveKinds[name], Size: sz[0], Align: sz[1]}, true
}

// SplitArray splits a synthetic "T[]" TypeName into its element name. Only
// meaningful inside a pointer ArgDescriptor's target_type (spec.md §3).
func SplitArray(name string) (elem string, isArray bool) {
	if strings.HasSuffix(name, "[]") {
		return strings.TrimSuffix(name, "[]"), true
	}
	return name, false
}

// Registry holds all struct definitions registered on one session
// (spec.md §4.6: "two sessions never share struct names").
type Registry struct {
	mu      sync.RWMutex
	structs map[string]*StructLayout
}

// NewRegistry returns an empty, session-scoped struct registry.
func NewRegistry() *Registry {
	return &Registry{structs: make(map[string]*StructLayout)}
}

// Register computes and stores the layout for a new aggregate type
// (spec.md §4.1 register). Forward references are rejected: every member
// type must already be a primitive or a previously registered aggregate.
func (r *Registry) Register(name string, def []MemberDef) (*StructLayout, error) {
	if IsPrimitiveName(name) {
		return nil, protocol.Errf(protocol.ErrRegistry, "struct name %q collides with a primitive type", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.structs[name]; exists {
		return nil, protocol.Errf(protocol.ErrRegistry, "struct %q already registered", name)
	}

	seen := make(map[string]bool, len(def))
	members := make([]Member, 0, len(def))
	var running, maxAlign uintptr = 0, 1

	for _, m := range def {
		if seen[m.Name] {
			return nil, protocol.Errf(protocol.ErrType, "struct %q: duplicate member name %q", name, m.Name)
		}
		seen[m.Name] = true

		if _, isArray := SplitArray(m.Type); isArray {
			return nil, protocol.Errf(protocol.ErrType, "struct %q: member %q: array types are only valid as a pointer's target_type", name, m.Name)
		}

		desc, err := r.resolveLocked(m.Type)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrType, err, "struct %q: member %q", name, m.Name)
		}

		offset := roundUp(running, max(desc.Align, 1))
		members = append(members, Member{Name: m.Name, Type: desc, Offset: offset, Size: desc.Size, Align: desc.Align})
		running = offset + desc.Size
		if desc.Align > maxAlign {
			maxAlign = desc.Align
		}
	}

	if len(members) == 0 {
		maxAlign = 1
	}
	total := roundUp(running, maxAlign)

	sl := &StructLayout{Name: name, Members: members, Size: total, Align: maxAlign}
	r.structs[name] = sl
	return sl, nil
}

// Unregister removes name from the registry. It fails if the name is
// unknown, and — tightening spec.md's "leak but never dangle" language —
// if the layout is still referenced by an in-flight call or a live
// callback registration (see SPEC_FULL.md §12).
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl, ok := r.structs[name]
	if !ok {
		return protocol.Errf(protocol.ErrRegistry, "unknown struct %q", name)
	}
	if sl.inUse() {
		return protocol.Errf(protocol.ErrRegistry, "struct %q is still referenced by a live call or callback", name)
	}
	delete(r.structs, name)
	return nil
}

// Resolve looks up a TypeName: a primitive or a registered aggregate.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	if d, ok := primitiveDescriptor(name); ok {
		return d, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (Descriptor, error) {
	if d, ok := primitiveDescriptor(name); ok {
		return d, nil
	}
	if sl, ok := r.structs[name]; ok {
		return Descriptor{Kind: KindAggregate, Name: name, Size: sl.Size, Align: sl.Align, Struct: sl}, nil
	}
	return Descriptor{}, protocol.Errf(protocol.ErrType, "unknown type %q", name)
}

// Teardown drops every registered struct unconditionally; called when a
// session closes after its libraries and callbacks have already been torn
// down (spec.md §3 Session lifetime: "callbacks → libraries → structs").
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structs = make(map[string]*StructLayout)
}

func roundUp(v, align uintptr) uintptr {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

func max(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
