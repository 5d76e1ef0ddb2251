// Package marshal converts between JSON-decoded Go values and the raw
// native bytes libffi expects at a given memory address, driven entirely by
// the layout.Descriptor computed by the Struct Layout Engine (spec.md §4.3
// Marshaller). Every allocation it needs beyond the destination address
// itself — a string's backing bytes, a buffer's decoded bytes — is
// requested from the caller-owned arena.Arena so the
// whole tree is freed in one place when the call completes.
package marshal

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"unsafe"

	"github.com/confio-labs/nativeexecd/internal/arena"
	"github.com/confio-labs/nativeexecd/internal/layout"
	"github.com/confio-labs/nativeexecd/internal/protocol"
)

// Populate writes value (as decoded from JSON) into dest bytes, interpreted
// according to desc. Strings and buffers (also as aggregate members) reach
// back into a to allocate backing storage for what dest ultimately points
// at; pointer, callback and buffer_ptr kinds are rejected.
func Populate(dest unsafe.Pointer, value any, desc layout.Descriptor, a *arena.Arena) error {
	if desc.IsAggregate() {
		obj, ok := value.(map[string]any)
		if !ok {
			return protocol.Errf(protocol.ErrMarshal, "expected object for struct %q, got %T", desc.Name, value)
		}
		return populateStruct(dest, obj, desc.Struct, a)
	}

	switch desc.Kind {
	case layout.KindInt8, layout.KindInt16, layout.KindInt32, layout.KindInt64:
		n, err := asInt64(value)
		if err != nil {
			return err
		}
		return writeSignedInt(dest, desc.Size, n)

	case layout.KindUint8, layout.KindUint16, layout.KindUint32, layout.KindUint64:
		n, err := asUint64(value)
		if err != nil {
			return err
		}
		return writeUnsignedInt(dest, desc.Size, n)

	case layout.KindFloat:
		f, err := asFloat64(value)
		if err != nil {
			return err
		}
		*(*float32)(dest) = float32(f)
		return nil

	case layout.KindDouble:
		f, err := asFloat64(value)
		if err != nil {
			return err
		}
		*(*float64)(dest) = f
		return nil

	case layout.KindString:
		s, ok := value.(string)
		if !ok {
			return protocol.Errf(protocol.ErrMarshal, "expected string, got %T", value)
		}
		*(*unsafe.Pointer)(dest) = a.String(s)
		return nil

	case layout.KindPointer, layout.KindCallback, layout.KindBufferPtr:
		// The caller (internal/dispatch) resolves these kinds before
		// reaching the generic marshaller — addresses, callback
		// trampoline entries and buffer pointers each need context
		// (the arena, the TrampolineManager, sibling arguments) that
		// a plain value->bytes copy does not have.
		return protocol.Errf(protocol.ErrMarshal, "kind %d must be resolved by the dispatcher, not Populate", desc.Kind)

	case layout.KindBuffer:
		b, err := decodeBase64(value)
		if err != nil {
			return err
		}
		*(*unsafe.Pointer)(dest) = a.Bytes(b)
		return nil

	case layout.KindVoid:
		return nil

	default:
		return protocol.Errf(protocol.ErrMarshal, "unsupported kind %d", desc.Kind)
	}
}

func populateStruct(dest unsafe.Pointer, obj map[string]any, sl *layout.StructLayout, a *arena.Arena) error {
	for _, m := range sl.Members {
		v, ok := obj[m.Name]
		if !ok {
			return protocol.Errf(protocol.ErrMarshal, "struct %q: missing member %q", sl.Name, m.Name)
		}
		memberDest := unsafe.Add(dest, m.Offset)
		if err := Populate(memberDest, v, m.Type, a); err != nil {
			return protocol.Wrap(protocol.ErrMarshal, err, "struct %q member %q", sl.Name, m.Name)
		}
	}
	return nil
}

// Read interprets src bytes according to desc and produces the JSON-ready
// Go value (the inverse of Populate). Pointer/callback kinds are read back
// as plain numeric addresses — internal/dispatch decides whether the
// pointee also needs reading (e.g. an inout primitive, an out-struct).
func Read(src unsafe.Pointer, desc layout.Descriptor) (any, error) {
	if desc.IsAggregate() {
		return readStruct(src, desc.Struct)
	}

	switch desc.Kind {
	case layout.KindInt8, layout.KindInt16, layout.KindInt32, layout.KindInt64:
		return readSignedInt(src, desc.Size)

	case layout.KindUint8, layout.KindUint16, layout.KindUint32, layout.KindUint64:
		return readUnsignedInt(src, desc.Size)

	case layout.KindFloat:
		return float64(*(*float32)(src)), nil

	case layout.KindDouble:
		return *(*float64)(src), nil

	case layout.KindString:
		p := *(*unsafe.Pointer)(src)
		if p == nil {
			return nil, nil
		}
		return goStringFromCString(p), nil

	case layout.KindPointer, layout.KindCallback, layout.KindBufferPtr:
		p := *(*unsafe.Pointer)(src)
		return uint64(uintptr(p)), nil

	case layout.KindBuffer:
		p := *(*unsafe.Pointer)(src)
		if p == nil {
			return nil, nil
		}
		return nil, protocol.Errf(protocol.ErrMarshal, "buffer member has no declared length; read it via its sibling size argument")

	case layout.KindVoid:
		return nil, nil

	default:
		return nil, protocol.Errf(protocol.ErrMarshal, "unsupported kind %d", desc.Kind)
	}
}

func readStruct(src unsafe.Pointer, sl *layout.StructLayout) (map[string]any, error) {
	out := make(map[string]any, len(sl.Members))
	for _, m := range sl.Members {
		v, err := Read(unsafe.Add(src, m.Offset), m.Type)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrMarshal, err, "struct %q member %q", sl.Name, m.Name)
		}
		out[m.Name] = v
	}
	return out, nil
}

// ReadBytes copies n bytes starting at src, used for buffer out-parameters
// (n is the declared size) and for callback buffer_ptr arguments (n comes
// from a sibling argument or a fixed size).
func ReadBytes(src unsafe.Pointer, n int) []byte {
	if n <= 0 || src == nil {
		return nil
	}
	return append([]byte(nil), unsafe.Slice((*byte)(src), n)...)
}

// EncodeBytes base64-encodes b for JSON transport.
func EncodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// ReadAsInt64 reads an integer primitive at src and coerces it to a signed
// 64-bit value regardless of its declared width or signedness (spec.md
// §4.5: a buffer_ptr's sizeArgIndex sibling "is coerced to a signed 64-bit
// integer regardless of its declared width").
func ReadAsInt64(src unsafe.Pointer, desc layout.Descriptor) (int64, error) {
	switch desc.Kind {
	case layout.KindInt8, layout.KindInt16, layout.KindInt32, layout.KindInt64:
		return readSignedInt(src, desc.Size)
	case layout.KindUint8, layout.KindUint16, layout.KindUint32, layout.KindUint64:
		u, err := readUnsignedInt(src, desc.Size)
		return int64(u), err
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "size_arg_index must name an integer argument, got kind %d", desc.Kind)
	}
}

func decodeBase64(value any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, protocol.Errf(protocol.ErrMarshal, "expected base64 string for buffer, got %T", value)
	}
	return DecodeBytes(s)
}

// DecodeBytes decodes a standard-alphabet base64 string, used wherever a
// buffer argument's value needs to reach native memory outside the generic
// Populate path (e.g. internal/dispatch's buffer ArgDescriptor handling).
func DecodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrMarshal, err, "invalid base64 buffer payload")
	}
	return b, nil
}

func goStringFromCString(p unsafe.Pointer) string {
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

func writeSignedInt(dest unsafe.Pointer, size uintptr, n int64) error {
	switch size {
	case 1:
		*(*int8)(dest) = int8(n)
	case 2:
		*(*int16)(dest) = int16(n)
	case 4:
		*(*int32)(dest) = int32(n)
	case 8:
		*(*int64)(dest) = n
	default:
		return protocol.Errf(protocol.ErrMarshal, "unsupported signed integer width %d", size)
	}
	return nil
}

func writeUnsignedInt(dest unsafe.Pointer, size uintptr, n uint64) error {
	switch size {
	case 1:
		*(*uint8)(dest) = uint8(n)
	case 2:
		*(*uint16)(dest) = uint16(n)
	case 4:
		*(*uint32)(dest) = uint32(n)
	case 8:
		*(*uint64)(dest) = n
	default:
		return protocol.Errf(protocol.ErrMarshal, "unsupported unsigned integer width %d", size)
	}
	return nil
}

func readSignedInt(src unsafe.Pointer, size uintptr) (int64, error) {
	switch size {
	case 1:
		return int64(*(*int8)(src)), nil
	case 2:
		return int64(*(*int16)(src)), nil
	case 4:
		return int64(*(*int32)(src)), nil
	case 8:
		return *(*int64)(src), nil
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "unsupported signed integer width %d", size)
	}
}

func readUnsignedInt(src unsafe.Pointer, size uintptr) (uint64, error) {
	switch size {
	case 1:
		return uint64(*(*uint8)(src)), nil
	case 2:
		return uint64(*(*uint16)(src)), nil
	case 4:
		return uint64(*(*uint32)(src)), nil
	case 8:
		return *(*uint64)(src), nil
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "unsupported unsigned integer width %d", size)
	}
}

// asInt64 converts a decoded JSON value to an exact int64. Numeric values
// arrive as json.Number (internal/dispatch decodes argument JSON with
// UseNumber() enabled) so that an int64/uint64 at the edge of the declared
// width is parsed with strconv, never round-tripped through float64 and its
// 53-bit mantissa.
func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return n, nil
		}
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return int64(u), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, protocol.Wrap(protocol.ErrMarshal, err, "invalid integer %q", string(v))
		}
		return int64(f), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "expected number, got %T", value)
	}
}

func asUint64(value any) (uint64, error) {
	switch v := value.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return u, nil
		}
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return uint64(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, protocol.Wrap(protocol.ErrMarshal, err, "invalid integer %q", string(v))
		}
		if f < 0 {
			return uint64(int64(f)), nil
		}
		return uint64(f), nil
	case float64:
		if v < 0 {
			return uint64(int64(v)), nil
		}
		return uint64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "expected number, got %T", value)
	}
}

func asFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, protocol.Wrap(protocol.ErrMarshal, err, "invalid number")
		}
		return f, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	default:
		return 0, protocol.Errf(protocol.ErrMarshal, "expected number, got %T", value)
	}
}
