// Package protocol defines the JSON wire envelopes exchanged over a
// session's framed channel: requests and responses (controller-initiated)
// and events (server-initiated), per the command table in spec.md §6.
package protocol

import "encoding/json"

// Request is the inbound command envelope.
type Request struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Status values for Response.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the outbound reply to a Request, correlated by RequestID.
type Response struct {
	RequestID    string `json:"request_id,omitempty"`
	Status       string `json:"status"`
	Data         any    `json:"data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Success builds a success Response, echoing the request id verbatim so the
// controller can correlate it even when payload decoding upstream fails
// after request_id was already parsed.
func Success(requestID string, data any) Response {
	return Response{RequestID: requestID, Status: StatusSuccess, Data: data}
}

// Fail builds an error Response.
func Fail(requestID string, err error) Response {
	return Response{RequestID: requestID, Status: StatusError, ErrorMessage: err.Error()}
}

// EventInvokeCallback is the only event kind this service emits (spec.md §6).
const EventInvokeCallback = "invoke_callback"

// Event is a server-initiated, out-of-band message pushed onto a session's
// outbound channel, interleaved with Responses per §5's ordering rules.
type Event struct {
	Event   string         `json:"event"`
	Payload CallbackInvoke `json:"payload"`
}

// CallbackInvoke is the payload of an invoke_callback event.
type CallbackInvoke struct {
	CallbackID string `json:"callback_id"`
	Args       []any  `json:"args"`
}

// NewInvokeCallbackEvent builds the event emitted by a trampoline.
func NewInvokeCallbackEvent(callbackID string, args []any) Event {
	return Event{Event: EventInvokeCallback, Payload: CallbackInvoke{CallbackID: callbackID, Args: args}}
}
