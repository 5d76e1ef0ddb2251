package protocol

import "encoding/json"

// RegisterStructPayload is the payload of a register_struct command.
type RegisterStructPayload struct {
	StructName string `json:"struct_name"`
	Definition []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"definition"`
}

// UnregisterStructPayload is the payload of an unregister_struct command.
type UnregisterStructPayload struct {
	StructName string `json:"struct_name"`
}

// LoadLibraryPayload is the payload of a load_library command.
type LoadLibraryPayload struct {
	Path string `json:"path"`
}

// UnloadLibraryPayload is the payload of an unload_library command.
type UnloadLibraryPayload struct {
	LibraryID string `json:"library_id"`
}

// CallbackArgSpecPayload is one element of register_callback's args_type
// array — either a bare TypeName string or a buffer_ptr object. Because the
// wire shape varies, it is decoded into RawMessage and classified in
// internal/callback.
type CallbackArgSpecPayload = json.RawMessage

// RegisterCallbackPayload is the payload of a register_callback command.
type RegisterCallbackPayload struct {
	ReturnType string                  `json:"return_type"`
	ArgsType   []CallbackArgSpecPayload `json:"args_type"`
}

// UnregisterCallbackPayload is the payload of an unregister_callback command.
type UnregisterCallbackPayload struct {
	CallbackID string `json:"callback_id"`
}

// ArgDescriptorPayload is one element of call_function's args array. Fields
// not applicable to a given type are simply left zero.
type ArgDescriptorPayload struct {
	Type         string          `json:"type"`
	Value        json.RawMessage `json:"value,omitempty"`
	Direction    string          `json:"direction,omitempty"`
	Size         *int            `json:"size,omitempty"`
	TargetType   string          `json:"target_type,omitempty"`
	SizeArgIndex *int            `json:"size_arg_index,omitempty"`
	FixedSize    *int            `json:"fixed_size,omitempty"`
}

// CallFunctionPayload is the payload of a call_function command.
type CallFunctionPayload struct {
	LibraryID    string                 `json:"library_id"`
	FunctionName string                 `json:"function_name"`
	ReturnType   string                 `json:"return_type"`
	Args         []ArgDescriptorPayload `json:"args"`
}

// ReturnValue is the `return` field of a call_function success response.
type ReturnValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// OutParam is one element of a call_function success response's out_params.
type OutParam struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Value any    `json:"value"`
	Size  *int   `json:"size,omitempty"`
}

// CallFunctionResult is the success `data` of a call_function response.
type CallFunctionResult struct {
	Return    ReturnValue `json:"return"`
	OutParams []OutParam  `json:"out_params"`
}
