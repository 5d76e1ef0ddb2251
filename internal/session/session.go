// Package session implements the per-connection state machine (spec.md
// §4.6): it owns one StructRegistry, LibraryRegistry, TrampolineManager and
// CallDispatcher, reads command envelopes off a transport.Framer, and
// serialises every reply and every trampoline-triggered event back onto
// the same framed channel.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/confio-labs/nativeexecd/internal/arena"
	"github.com/confio-labs/nativeexecd/internal/callback"
	"github.com/confio-labs/nativeexecd/internal/dispatch"
	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/layout"
	"github.com/confio-labs/nativeexecd/internal/library"
	"github.com/confio-labs/nativeexecd/internal/protocol"
	"github.com/confio-labs/nativeexecd/internal/transport"
)

var sessionSeq int64

// Session binds one accepted connection to its own, fully isolated set of
// managers (spec.md §4.6: "two sessions never share struct names, callback
// ids, or library handles").
type Session struct {
	id     int64
	framer *transport.Framer
	log    *zap.Logger

	structs    *layout.Registry
	libs       *library.Registry
	callbacks  *callback.Manager
	dispatcher *dispatch.Dispatcher
}

// New builds a Session over an already-accepted connection.
func New(framer *transport.Framer, log *zap.Logger) *Session {
	id := atomic.AddInt64(&sessionSeq, 1)
	s := &Session{
		id:      id,
		framer:  framer,
		log:     log.With(zap.Int64("session", id)),
		structs: layout.NewRegistry(),
		libs:    library.NewRegistry(),
	}
	s.callbacks = callback.NewManager(s.emitEvent)
	s.dispatcher = dispatch.New(s.structs, s.callbacks)
	return s
}

// emitEvent is the callback.EventSink: it may be called concurrently, from
// whatever thread native code invoked a trampoline on (spec.md §5
// reentrancy), so it only ever touches s.framer, which serialises its own
// writes.
func (s *Session) emitEvent(ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to encode invoke_callback event", zap.Error(err))
		return
	}
	if err := s.framer.WriteFrame(data); err != nil {
		s.log.Error("failed to write invoke_callback event", zap.Error(err))
	}
}

// Run executes the Idle→Open→Dispatching→...→Terminated loop (spec.md
// §4.6) until the connection is closed or errors, then tears down every
// resource this session owns.
func (s *Session) Run() {
	defer s.teardown()
	defer s.framer.Close()

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("session read ended", zap.Error(err))
			}
			return
		}

		resp := s.handleFrame(frame)
		data, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("failed to encode response", zap.Error(err))
			continue
		}
		if err := s.framer.WriteFrame(data); err != nil {
			s.log.Debug("session write failed, closing", zap.Error(err))
			return
		}
	}
}

func (s *Session) handleFrame(frame []byte) protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return protocol.Fail(extractRequestID(frame), protocol.Wrap(protocol.ErrProtocol, err, "malformed request envelope"))
	}
	if req.Command == "" {
		return protocol.Fail(req.RequestID, protocol.Errf(protocol.ErrProtocol, "missing command"))
	}

	data, err := s.dispatchCommand(req.Command, req.Payload)
	if err != nil {
		return protocol.Fail(req.RequestID, err)
	}
	return protocol.Success(req.RequestID, data)
}

func (s *Session) dispatchCommand(command string, payload json.RawMessage) (any, error) {
	switch command {
	case "register_struct":
		return s.handleRegisterStruct(payload)
	case "unregister_struct":
		return nil, s.handleUnregisterStruct(payload)
	case "load_library":
		return s.handleLoadLibrary(payload)
	case "unload_library":
		return nil, s.handleUnloadLibrary(payload)
	case "register_callback":
		return s.handleRegisterCallback(payload)
	case "unregister_callback":
		return nil, s.handleUnregisterCallback(payload)
	case "call_function":
		return s.handleCallFunction(payload)
	default:
		return nil, protocol.Errf(protocol.ErrProtocol, "unknown command %q", command)
	}
}

func (s *Session) handleRegisterStruct(payload json.RawMessage) (any, error) {
	var p protocol.RegisterStructPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, protocol.Wrap(protocol.ErrProtocol, err, "register_struct: invalid payload")
	}
	defs := make([]layout.MemberDef, len(p.Definition))
	for i, m := range p.Definition {
		defs[i] = layout.MemberDef{Name: m.Name, Type: m.Type}
	}
	if _, err := s.structs.Register(p.StructName, defs); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Session) handleUnregisterStruct(payload json.RawMessage) error {
	var p protocol.UnregisterStructPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Wrap(protocol.ErrProtocol, err, "unregister_struct: invalid payload")
	}
	return s.structs.Unregister(p.StructName)
}

func (s *Session) handleLoadLibrary(payload json.RawMessage) (any, error) {
	var p protocol.LoadLibraryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, protocol.Wrap(protocol.ErrProtocol, err, "load_library: invalid payload")
	}
	h, err := s.libs.Load(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"library_id": h.ID}, nil
}

func (s *Session) handleUnloadLibrary(payload json.RawMessage) error {
	var p protocol.UnloadLibraryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Wrap(protocol.ErrProtocol, err, "unload_library: invalid payload")
	}
	return s.libs.Unload(p.LibraryID)
}

func (s *Session) handleRegisterCallback(payload json.RawMessage) (any, error) {
	var p protocol.RegisterCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, protocol.Wrap(protocol.ErrProtocol, err, "register_callback: invalid payload")
	}
	retDesc, err := s.structs.Resolve(p.ReturnType)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrType, err, "register_callback: return_type")
	}
	specs, err := callback.ParseArgSpecs(s.structs, p.ArgsType)
	if err != nil {
		return nil, err
	}
	reg, err := s.callbacks.Register(retDesc, specs)
	if err != nil {
		return nil, err
	}
	return map[string]string{"callback_id": reg.ID}, nil
}

func (s *Session) handleUnregisterCallback(payload json.RawMessage) error {
	var p protocol.UnregisterCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Wrap(protocol.ErrProtocol, err, "unregister_callback: invalid payload")
	}
	return s.callbacks.Unregister(p.CallbackID)
}

func (s *Session) handleCallFunction(payload json.RawMessage) (any, error) {
	var p protocol.CallFunctionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, protocol.Wrap(protocol.ErrProtocol, err, "call_function: invalid payload")
	}

	fn, err := s.libs.Lookup(p.LibraryID, p.FunctionName)
	if err != nil {
		return nil, err
	}

	a := arena.New()
	defer a.Close()

	result, err := s.dispatcher.Call(a, fn, p)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// teardown destroys every resource this session owns, in the order
// spec.md §3 mandates: "callbacks → libraries → structs".
func (s *Session) teardown() {
	s.callbacks.Teardown()
	s.libs.Teardown()
	s.structs.Teardown()
}

// requestIDPattern pulls request_id out of a frame that may otherwise fail
// to parse as JSON (spec.md §7: a malformed envelope must still echo
// request_id back to the caller if one is present).
var requestIDPattern = regexp.MustCompile(`"request_id"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func extractRequestID(frame []byte) string {
	var loose struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(frame, &loose); err == nil {
		return loose.RequestID
	}
	m := requestIDPattern.FindSubmatch(frame)
	if m == nil {
		return ""
	}
	var id string
	if err := json.Unmarshal([]byte(`"`+string(m[1])+`"`), &id); err != nil {
		return ""
	}
	return id
}

// EnsureFFI loads libffi once at process start; call_function cannot
// proceed (on any session) if this fails.
func EnsureFFI() error {
	if err := ffi.Init(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}
