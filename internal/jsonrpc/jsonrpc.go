// Copyright 2025 The mcpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonrpc implements the JSON-RPC 2.0 envelope used by the Model
// Context Protocol: the four frame variants, request id handling, and the
// reserved error codes.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPC_VERSION is the version of JSON-RPC used by MCP.
const JSONRPC_VERSION = "2.0"

// Standard JSON-RPC error codes.
const (
	PARSE_ERROR      = -32700
	INVALID_REQUEST  = -32600
	METHOD_NOT_FOUND = -32601
	INVALID_PARAMS   = -32602
	INTERNAL_ERROR   = -32603
)

// RequestId is a uniquely identifying ID for a request in JSON-RPC. It is
// either a string or a signed 64-bit integer and round-trips preserving its
// original JSON type: 42 and "42" are distinct ids.
type RequestId struct {
	str      string
	num      int64
	isString bool
	valid    bool
}

// NewStringId returns a string-typed request id.
func NewStringId(s string) RequestId {
	return RequestId{str: s, isString: true, valid: true}
}

// NewNumberId returns a number-typed request id.
func NewNumberId(n int64) RequestId {
	return RequestId{num: n, valid: true}
}

// IsValid reports whether the id was present on the wire. Notifications
// carry the zero RequestId.
func (id RequestId) IsValid() bool { return id.valid }

// IsString reports whether the id is the string variant.
func (id RequestId) IsString() bool { return id.isString }

// String renders the id for logs and error messages.
func (id RequestId) String() string {
	if !id.valid {
		return "<none>"
	}
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// Value returns the underlying string or int64.
func (id RequestId) Value() any {
	if id.isString {
		return id.str
	}
	return id.num
}

func (id RequestId) MarshalJSON() ([]byte, error) {
	if !id.valid {
		// a response to an unparseable request carries a null id
		return []byte("null"), nil
	}
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

func (id *RequestId) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = NewNumberId(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("request id must be a string or an integer: %w", err)
	}
	*id = NewStringId(s)
	return nil
}

// Error is the error member of a JSON-RPC error frame. It doubles as a Go
// error so dispatchers can return protocol failures directly.
type Error struct {
	// The error type that occurred.
	Code int `json:"code"`
	// A short description of the error. The message SHOULD be limited
	// to a concise single sentence.
	Message string `json:"message"`
	// Additional information about the error, defined by the sender.
	Data any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: code %d: %s", e.Code, e.Message)
}

// NewError returns a JSONRPCError frame for the given id.
func NewError(id RequestId, code int, message string, data any) JSONRPCError {
	return JSONRPCError{
		Jsonrpc: JSONRPC_VERSION,
		Id:      id,
		Error:   Error{Code: code, Message: message, Data: data},
	}
}

// Message represents either a JSONRPCRequest, JSONRPCNotification,
// JSONRPCResponse, or JSONRPCError.
type Message interface {
	isMessage()
}

// JSONRPCRequest represents a request that expects a response.
type JSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCNotification represents a one-way message requiring no response.
type JSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a successful (non-error) response to a request.
type JSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// JSONRPCError represents a non-successful (error) response to a request.
type JSONRPCError struct {
	Jsonrpc string    `json:"jsonrpc"`
	Id      RequestId `json:"id"`
	Error   Error     `json:"error"`
}

func (JSONRPCRequest) isMessage()      {}
func (JSONRPCNotification) isMessage() {}
func (JSONRPCResponse) isMessage()     {}
func (JSONRPCError) isMessage()        {}

// NewRequest returns a request frame with params marshaled in place.
func NewRequest(id RequestId, method string, params any) (JSONRPCRequest, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return JSONRPCRequest{}, err
	}
	return JSONRPCRequest{Jsonrpc: JSONRPC_VERSION, Id: id, Method: method, Params: raw}, nil
}

// NewNotification returns a notification frame with params marshaled in place.
func NewNotification(method string, params any) (JSONRPCNotification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return JSONRPCNotification{}, err
	}
	return JSONRPCNotification{Jsonrpc: JSONRPC_VERSION, Method: method, Params: raw}, nil
}

// NewResponse returns a success frame with the result marshaled in place.
func NewResponse(id RequestId, result any) (JSONRPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("unable to marshal result: %w", err)
	}
	return JSONRPCResponse{Jsonrpc: JSONRPC_VERSION, Id: id, Result: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal params: %w", err)
	}
	return raw, nil
}

// DecodeMessage parses a single frame and classifies it. Property order does
// not matter: the object is buffered, then dispatched on the presence of the
// id, method, result and error members.
func DecodeMessage(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: PARSE_ERROR, Message: fmt.Sprintf("parse error: %v", err)}
	}

	version, ok := raw["jsonrpc"]
	if !ok {
		return nil, &Error{Code: INVALID_REQUEST, Message: "missing jsonrpc version"}
	}
	var v string
	if err := json.Unmarshal(version, &v); err != nil || v != JSONRPC_VERSION {
		return nil, &Error{Code: INVALID_REQUEST, Message: "invalid json-rpc version"}
	}

	idRaw, hasId := raw["id"]
	methodRaw, hasMethod := raw["method"]
	resultRaw, hasResult := raw["result"]
	errorRaw, hasError := raw["error"]

	var id RequestId
	if hasId {
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return nil, &Error{Code: INVALID_REQUEST, Message: err.Error()}
		}
	}

	switch {
	case hasMethod && hasId:
		var method string
		if err := json.Unmarshal(methodRaw, &method); err != nil {
			return nil, &Error{Code: INVALID_REQUEST, Message: "invalid method"}
		}
		return JSONRPCRequest{Jsonrpc: v, Id: id, Method: method, Params: raw["params"]}, nil
	case hasMethod:
		var method string
		if err := json.Unmarshal(methodRaw, &method); err != nil {
			return nil, &Error{Code: INVALID_REQUEST, Message: "invalid method"}
		}
		return JSONRPCNotification{Jsonrpc: v, Method: method, Params: raw["params"]}, nil
	case hasId && hasError:
		var e Error
		if err := json.Unmarshal(errorRaw, &e); err != nil {
			return nil, &Error{Code: INVALID_REQUEST, Message: "invalid error member"}
		}
		return JSONRPCError{Jsonrpc: v, Id: id, Error: e}, nil
	case hasId && hasResult:
		return JSONRPCResponse{Jsonrpc: v, Id: id, Result: resultRaw}, nil
	default:
		return nil, &Error{Code: INVALID_REQUEST, Message: "frame is neither a request, notification, nor response"}
	}
}

// EncodeMessage renders a frame for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal frame: %w", err)
	}
	return data, nil
}
