package session

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/confio-labs/nativeexecd/internal/protocol"
	"github.com/confio-labs/nativeexecd/internal/transport"
)

// harness wires a Session to one end of an in-memory net.Pipe and drives
// the other end directly, avoiding any real socket or named pipe (spec.md
// §6's framing is OS-agnostic, so net.Pipe is a faithful stand-in).
type harness struct {
	t      *testing.T
	client net.Conn
}

func newHarness(t *testing.T) *harness {
	server, client := net.Pipe()
	sess := New(transport.New(server), zap.NewNop())
	go sess.Run()
	t.Cleanup(func() { client.Close() })
	return &harness{t: t, client: client}
}

func (h *harness) send(command, requestID string, payload any) {
	body, err := json.Marshal(payload)
	require.NoError(h.t, err)
	req := protocol.Request{Command: command, RequestID: requestID, Payload: body}
	data, err := json.Marshal(req)
	require.NoError(h.t, err)
	h.writeFrame(data)
}

func (h *harness) writeFrame(data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	require.NoError(h.t, h.client.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := h.client.Write(lenBuf[:])
	require.NoError(h.t, err)
	_, err = h.client.Write(data)
	require.NoError(h.t, err)
}

func (h *harness) recvFrame() []byte {
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lenBuf [4]byte
	_, err := readFull(h.client, lenBuf[:])
	require.NoError(h.t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	_, err = readFull(h.client, body)
	require.NoError(h.t, err)
	return body
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (h *harness) recvResponse() protocol.Response {
	var resp protocol.Response
	require.NoError(h.t, json.Unmarshal(h.recvFrame(), &resp))
	return resp
}

func (h *harness) recvEvent() protocol.Event {
	var ev protocol.Event
	require.NoError(h.t, json.Unmarshal(h.recvFrame(), &ev))
	return ev
}

func TestRegisterAndUnregisterStruct(t *testing.T) {
	h := newHarness(t)

	h.send("register_struct", "r1", protocol.RegisterStructPayload{
		StructName: "Point",
		Definition: []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}{{Name: "x", Type: "int32"}, {Name: "y", Type: "int32"}},
	})
	resp := h.recvResponse()
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	h.send("unregister_struct", "r2", protocol.UnregisterStructPayload{StructName: "Point"})
	resp = h.recvResponse()
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestDuplicateStructNameFails(t *testing.T) {
	h := newHarness(t)
	def := protocol.RegisterStructPayload{StructName: "Dup", Definition: []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}{{Name: "a", Type: "int8"}}}

	h.send("register_struct", "r1", def)
	require.Equal(t, protocol.StatusSuccess, h.recvResponse().Status)

	h.send("register_struct", "r2", def)
	resp := h.recvResponse()
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.NotEmpty(t, resp.ErrorMessage)
}

func TestUnknownCommandFails(t *testing.T) {
	h := newHarness(t)
	h.send("not_a_real_command", "r1", map[string]any{})
	resp := h.recvResponse()
	assert.Equal(t, protocol.StatusError, resp.Status)
}

func TestMalformedEnvelopeStillCarriesRequestID(t *testing.T) {
	h := newHarness(t)
	h.writeFrame([]byte(`{"request_id": "broken-1", "command": }`))
	resp := h.recvResponse()
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "broken-1", resp.RequestID)
}

func TestUnloadUnknownLibraryFails(t *testing.T) {
	h := newHarness(t)
	h.send("unload_library", "r1", protocol.UnloadLibraryPayload{LibraryID: "lib-missing"})
	resp := h.recvResponse()
	assert.Equal(t, protocol.StatusError, resp.Status)
}

// TestLoadLibraryAndCallFunctionEndToEnd drives load_library and
// call_function against the real libc.so.6, the exact round-trip spec.md
// §8's scenarios describe, through the full frame-level Session rather
// than internal/dispatch directly.
func TestLoadLibraryAndCallFunctionEndToEnd(t *testing.T) {
	require.NoError(t, EnsureFFI())
	h := newHarness(t)

	h.send("load_library", "r1", protocol.LoadLibraryPayload{Path: "libc.so.6"})
	loadResp := h.recvResponse()
	require.Equal(t, protocol.StatusSuccess, loadResp.Status)
	data, ok := loadResp.Data.(map[string]any)
	require.True(t, ok)
	libraryID, ok := data["library_id"].(string)
	require.True(t, ok)
	assert.Contains(t, libraryID, "lib-")

	h.send("call_function", "r2", protocol.CallFunctionPayload{
		LibraryID:    libraryID,
		FunctionName: "abs",
		ReturnType:   "int32",
		Args: []protocol.ArgDescriptorPayload{
			{Type: "int32", Value: json.RawMessage("-9")},
		},
	})
	callResp := h.recvResponse()
	require.Equal(t, protocol.StatusSuccess, callResp.Status, callResp.ErrorMessage)
	result, ok := callResp.Data.(map[string]any)
	require.True(t, ok)
	ret, ok := result["return"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 9, ret["value"])

	h.send("unload_library", "r3", protocol.UnloadLibraryPayload{LibraryID: libraryID})
	assert.Equal(t, protocol.StatusSuccess, h.recvResponse().Status)
}

// TestRegisterCallbackAndCallFunctionEndToEnd drives register_callback and
// call_function together: a registered trampoline is handed to a real
// native function (qsort's comparator slot) and invoked from it, and the
// resulting invoke_callback event is observed on the same framed channel
// interleaved with the call_function response (spec.md §5, §8 scenario 5).
func TestRegisterCallbackAndCallFunctionEndToEnd(t *testing.T) {
	require.NoError(t, EnsureFFI())
	h := newHarness(t)

	h.send("load_library", "r1", protocol.LoadLibraryPayload{Path: "libc.so.6"})
	loadResp := h.recvResponse()
	require.Equal(t, protocol.StatusSuccess, loadResp.Status)
	libraryID := loadResp.Data.(map[string]any)["library_id"].(string)

	h.send("register_callback", "r2", protocol.RegisterCallbackPayload{
		ReturnType: "int32",
		ArgsType:   []protocol.CallbackArgSpecPayload{json.RawMessage(`"pointer"`), json.RawMessage(`"pointer"`)},
	})
	regResp := h.recvResponse()
	require.Equal(t, protocol.StatusSuccess, regResp.Status, regResp.ErrorMessage)
	callbackID := regResp.Data.(map[string]any)["callback_id"].(string)
	assert.Contains(t, callbackID, "cb-")

	h.send("call_function", "r3", protocol.CallFunctionPayload{
		LibraryID:    libraryID,
		FunctionName: "qsort",
		ReturnType:   "void",
		Args: []protocol.ArgDescriptorPayload{
			{Type: "pointer", TargetType: "int32[]", Value: json.RawMessage(`[3,1,2]`)},
			{Type: "uint64", Value: json.RawMessage("3")},
			{Type: "uint64", Value: json.RawMessage("4")},
			{Type: "callback", Value: json.RawMessage(`"` + callbackID + `"`)},
		},
	})

	// qsort on a 3-element array invokes the comparator at least once;
	// that arrives as an invoke_callback event before the call_function
	// response does (spec.md §5: events for a call already dispatched are
	// flushed ahead of that call's own response).
	event := h.recvEvent()
	assert.Equal(t, protocol.EventInvokeCallback, event.Event)

	// Every further comparator call arrives as another invoke_callback
	// event; the first frame without an "event" field is the response.
	var callResp protocol.Response
	for {
		frame := h.recvFrame()
		var probe struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(frame, &probe))
		if probe.Event == "" {
			require.NoError(t, json.Unmarshal(frame, &callResp))
			break
		}
		assert.Equal(t, protocol.EventInvokeCallback, probe.Event)
	}
	require.Equal(t, protocol.StatusSuccess, callResp.Status, callResp.ErrorMessage)

	h.send("unregister_callback", "r4", protocol.UnregisterCallbackPayload{CallbackID: callbackID})
	assert.Equal(t, protocol.StatusSuccess, h.recvResponse().Status)
}
