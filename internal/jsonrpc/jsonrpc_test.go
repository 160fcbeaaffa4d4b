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

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeMessageClassification(t *testing.T) {
	tcs := []struct {
		name string
		in   string
		want Message
	}{
		{
			name: "request",
			in:   `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			want: JSONRPCRequest{Jsonrpc: "2.0", Id: NewNumberId(1), Method: "ping"},
		},
		{
			name: "request with string id",
			in:   `{"jsonrpc":"2.0","id":"tools-list","method":"tools/list"}`,
			want: JSONRPCRequest{Jsonrpc: "2.0", Id: NewStringId("tools-list"), Method: "tools/list"},
		},
		{
			name: "request with params and shuffled properties",
			in:   `{"params":{"name":"echo"},"method":"tools/call","jsonrpc":"2.0","id":2}`,
			want: JSONRPCRequest{Jsonrpc: "2.0", Id: NewNumberId(2), Method: "tools/call", Params: json.RawMessage(`{"name":"echo"}`)},
		},
		{
			name: "notification",
			in:   `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: JSONRPCNotification{Jsonrpc: "2.0", Method: "notifications/initialized"},
		},
		{
			name: "response",
			in:   `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			want: JSONRPCResponse{Jsonrpc: "2.0", Id: NewNumberId(1), Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "error",
			in:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
			want: JSONRPCError{Jsonrpc: "2.0", Id: NewNumberId(1), Error: Error{Code: -32601, Message: "method not found"}},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tc.in))
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(RequestId{})); diff != "" {
				t.Fatalf("unexpected message (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tcs := []struct {
		name     string
		in       string
		wantCode int
	}{
		{
			name:     "malformed json",
			in:       `{"jsonrpc":`,
			wantCode: PARSE_ERROR,
		},
		{
			name:     "missing version",
			in:       `{"id":1,"method":"ping"}`,
			wantCode: INVALID_REQUEST,
		},
		{
			name:     "wrong version",
			in:       `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantCode: INVALID_REQUEST,
		},
		{
			name:     "response with neither result nor error",
			in:       `{"jsonrpc":"2.0","id":1}`,
			wantCode: INVALID_REQUEST,
		},
		{
			name:     "no method and no id",
			in:       `{"jsonrpc":"2.0"}`,
			wantCode: INVALID_REQUEST,
		},
		{
			name:     "boolean id",
			in:       `{"jsonrpc":"2.0","id":true,"method":"ping"}`,
			wantCode: INVALID_REQUEST,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tc.in))
			if err == nil {
				t.Fatalf("expected error")
			}
			rpcErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if rpcErr.Code != tc.wantCode {
				t.Fatalf("unexpected code: got %d, want %d", rpcErr.Code, tc.wantCode)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tcs := []struct {
		name string
		msg  Message
	}{
		{
			name: "request",
			msg:  JSONRPCRequest{Jsonrpc: "2.0", Id: NewNumberId(7), Method: "resources/read", Params: json.RawMessage(`{"uri":"test://static/resource/1"}`)},
		},
		{
			name: "notification",
			msg:  JSONRPCNotification{Jsonrpc: "2.0", Method: "notifications/cancelled", Params: json.RawMessage(`{"requestId":7,"reason":"user"}`)},
		},
		{
			name: "response",
			msg:  JSONRPCResponse{Jsonrpc: "2.0", Id: NewStringId("abc"), Result: json.RawMessage(`{}`)},
		},
		{
			name: "error",
			msg:  JSONRPCError{Jsonrpc: "2.0", Id: NewNumberId(3), Error: Error{Code: INVALID_PARAMS, Message: "missing uri"}},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeMessage(tc.msg)
			if err != nil {
				t.Fatalf("unexpected encode error: %s", err)
			}
			got, err := DecodeMessage(data)
			if err != nil {
				t.Fatalf("unexpected decode error: %s", err)
			}
			if diff := cmp.Diff(tc.msg, got, cmp.AllowUnexported(RequestId{})); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestIdPreservesJSONType(t *testing.T) {
	numeric, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	stringly, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":"42","method":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	numId := numeric.(JSONRPCRequest).Id
	strId := stringly.(JSONRPCRequest).Id

	if numId == strId {
		t.Fatalf("42 and \"42\" must not be equal")
	}
	if numId.IsString() || !strId.IsString() {
		t.Fatalf("id variants misclassified: %v %v", numId, strId)
	}

	data, err := json.Marshal(numId)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(data) != "42" {
		t.Fatalf("numeric id did not round trip: %s", data)
	}
	data, err = json.Marshal(strId)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(data) != `"42"` {
		t.Fatalf("string id did not round trip: %s", data)
	}
}

func TestAbsentIdMarshalsNull(t *testing.T) {
	frame := NewError(RequestId{}, PARSE_ERROR, "parse error", nil)
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if v, ok := raw["id"]; !ok || v != nil {
		t.Fatalf("expected null id, got %v", raw["id"])
	}
}

func TestNewRequestMarshalsParams(t *testing.T) {
	req, err := NewRequest(NewNumberId(1), "tools/call", map[string]string{"name": "echo"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(req.Params) != `{"name":"echo"}` {
		t.Fatalf("unexpected params: %s", req.Params)
	}

	n, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n.Params != nil {
		t.Fatalf("expected nil params, got %s", n.Params)
	}
}
