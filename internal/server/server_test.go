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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// rawConn drives a server session with literal frames.
type rawConn struct {
	t  *testing.T
	tr *transport.InMemory
}

func newRawConn(t *testing.T, s *Server) *rawConn {
	t.Helper()
	ct, st := transport.NewInMemoryPair()
	if _, err := s.Connect(context.Background(), st); err != nil {
		t.Fatalf("unexpected connect error: %s", err)
	}
	t.Cleanup(func() { _ = ct.Close() })
	return &rawConn{t: t, tr: ct}
}

func (c *rawConn) send(frame string) {
	c.t.Helper()
	if err := c.tr.Send(context.Background(), []byte(frame)); err != nil {
		c.t.Fatalf("unexpected send error: %s", err)
	}
}

func (c *rawConn) recv() map[string]any {
	c.t.Helper()
	select {
	case frame, ok := <-c.tr.Messages():
		if !ok {
			c.t.Fatalf("stream closed while waiting for a frame")
		}
		var got map[string]any
		if err := json.Unmarshal(frame, &got); err != nil {
			c.t.Fatalf("unexpected unmarshal error: %s", err)
		}
		return got
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no frame arrived")
		return nil
	}
}

// handshake completes initialize + initialized on a raw connection.
func (c *rawConn) handshake() {
	c.t.Helper()
	c.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"C","version":"1"}}}`)
	c.recv()
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	time.Sleep(20 * time.Millisecond)
}

func newTestServer(opts Options) *Server {
	return New(mcp.Implementation{Name: "S", Version: "1"}, opts)
}

func TestHandshakeWireFormat(t *testing.T) {
	s := newTestServer(Options{Tools: true, ToolsListChanged: true})
	conn := newRawConn(t, s)

	conn.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"C","version":"1"}}}`)
	got := conn.recv()

	want := map[string]any{
		"jsonrpc": "2.0",
		"id":      1.0,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
			"serverInfo": map[string]any{"name": "S", "version": "1"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected initialize response (-want +got):\n%s", diff)
	}
}

func TestInitializeTwiceIsInvalid(t *testing.T) {
	s := newTestServer(Options{})
	conn := newRawConn(t, s)

	conn.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"C","version":"1"}}}`)
	conn.recv()
	conn.send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"C","version":"1"}}}`)
	got := conn.recv()

	errMember, ok := got["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error frame, got %v", got)
	}
	if errMember["code"] != -32600.0 {
		t.Fatalf("unexpected code: %v", errMember["code"])
	}
}

func TestRequestBeforeInitializedIsInvalid(t *testing.T) {
	s := newTestServer(Options{Tools: true})
	conn := newRawConn(t, s)

	// handshake has not completed: only initialize and ping are served
	conn.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	got := conn.recv()
	errMember, ok := got["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error frame, got %v", got)
	}
	if errMember["code"] != -32600.0 {
		t.Fatalf("unexpected code: %v", errMember["code"])
	}

	// ping is always served
	conn.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	got = conn.recv()
	if _, ok := got["result"]; !ok {
		t.Fatalf("expected ping result, got %v", got)
	}
}

func TestCapabilityGating(t *testing.T) {
	tcs := []struct {
		name   string
		opts   Options
		method string
	}{
		{name: "tools not advertised", opts: Options{}, method: "tools/list"},
		{name: "prompts not advertised", opts: Options{Tools: true}, method: "prompts/get"},
		{name: "resources not advertised", opts: Options{Tools: true}, method: "resources/read"},
		{name: "subscribe without subscribe capability", opts: Options{Resources: true}, method: "resources/subscribe"},
		{name: "logging not advertised", opts: Options{}, method: "logging/setLevel"},
		{name: "completions not advertised", opts: Options{}, method: "completion/complete"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(tc.opts)
			conn := newRawConn(t, s)
			conn.handshake()

			conn.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":5,"method":"%s","params":{}}`, tc.method))
			got := conn.recv()
			errMember, ok := got["error"].(map[string]any)
			if !ok {
				t.Fatalf("expected error frame, got %v", got)
			}
			if errMember["code"] != -32601.0 {
				t.Fatalf("unexpected code: %v", errMember["code"])
			}
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(Options{})
	conn := newRawConn(t, s)
	conn.handshake()

	conn.send(`{"jsonrpc":"2.0","id":9,"method":"wat/now"}`)
	got := conn.recv()
	errMember := got["error"].(map[string]any)
	if errMember["code"] != -32601.0 {
		t.Fatalf("unexpected code: %v", errMember["code"])
	}
}

func TestPromptsPaginatedOnePerPage(t *testing.T) {
	s := newTestServer(Options{Prompts: true, PageSize: 1})
	for _, name := range []string{"FirstCustomPrompt", "SecondCustomPrompt", "ThirdCustomPrompt"} {
		prompt := mcp.Prompt{Name: name}
		s.AddPrompt(prompt, func(ctx context.Context, ss *ServerSession, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
			return mcp.GetPromptResult{Messages: []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.NewTextContent(name)}}}, nil
		})
	}
	conn := newRawConn(t, s)
	conn.handshake()

	var names []string
	cursor := ""
	for i := 0; ; i++ {
		params := "{}"
		if cursor != "" {
			params = fmt.Sprintf(`{"cursor":%q}`, cursor)
		}
		conn.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"prompts/list","params":%s}`, 10+i, params))
		got := conn.recv()
		result := got["result"].(map[string]any)
		for _, p := range result["prompts"].([]any) {
			names = append(names, p.(map[string]any)["name"].(string))
		}
		next, ok := result["nextCursor"].(string)
		if !ok || next == "" {
			break
		}
		cursor = next
	}
	want := []string{"FirstCustomPrompt", "SecondCustomPrompt", "ThirdCustomPrompt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("unexpected prompts (-want +got):\n%s", diff)
	}
}

func TestCombinedListingStaticWins(t *testing.T) {
	s := newTestServer(Options{
		Tools: true,
		Handlers: Handlers{
			ListTools: func(ctx context.Context, ss *ServerSession, position string) ([]ToolEntry, string, error) {
				// the handler space offers a shadowed name and a fresh one
				return []ToolEntry{
					{Tool: mcp.Tool{Name: "static_tool", Description: "from handler"}},
					{Tool: mcp.Tool{Name: "dynamic_tool"}},
				}, "", nil
			},
		},
	})
	s.AddTool(mcp.Tool{Name: "static_tool", Description: "from registry"}, nil)

	conn := newRawConn(t, s)
	conn.handshake()

	seen := map[string]string{}
	cursor := ""
	for i := 0; ; i++ {
		params := "{}"
		if cursor != "" {
			params = fmt.Sprintf(`{"cursor":%q}`, cursor)
		}
		conn.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/list","params":%s}`, 20+i, params))
		got := conn.recv()
		result := got["result"].(map[string]any)
		for _, raw := range result["tools"].([]any) {
			tool := raw.(map[string]any)
			desc, _ := tool["description"].(string)
			seen[tool["name"].(string)] = desc
		}
		next, ok := result["nextCursor"].(string)
		if !ok || next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 2 {
		t.Fatalf("unexpected tool count: %v", seen)
	}
	if seen["static_tool"] != "from registry" {
		t.Fatalf("static registry must win on duplicate names, got %q", seen["static_tool"])
	}
	if _, ok := seen["dynamic_tool"]; !ok {
		t.Fatalf("handler item missing")
	}
}

func TestMalformedFrameGetsParseError(t *testing.T) {
	s := newTestServer(Options{})
	conn := newRawConn(t, s)

	conn.send(`{"jsonrpc":`)
	got := conn.recv()
	errMember, ok := got["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error frame, got %v", got)
	}
	if errMember["code"] != -32700.0 {
		t.Fatalf("unexpected code: %v", errMember["code"])
	}
	if id, present := got["id"]; !present || id != nil {
		t.Fatalf("expected null id, got %v", got["id"])
	}
}
