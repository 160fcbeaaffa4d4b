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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpd-io/mcpd/internal/mcp"
)

// sseClient reads events from an SSE stream.
type sseClient struct {
	scanner *bufio.Scanner
}

type sseEvent struct {
	event string
	data  string
}

func (c *sseClient) readEvent() (sseEvent, error) {
	var ev sseEvent
	for c.scanner.Scan() {
		line := c.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.event != "" || ev.data != "" {
				return ev, nil
			}
		}
	}
	return ev, c.scanner.Err()
}

func startHTTPServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	endpoint := newTestServer(Options{Tools: true})
	endpoint.AddTool(mcp.Tool{Name: "echo"}, echoToolHandler)

	h, err := NewHTTPServer(context.Background(), endpoint, HTTPConfig{
		Address:  "127.0.0.1",
		Port:     0,
		LogLevel: "warn",
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ts := httptest.NewServer(h.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, endpoint
}

func TestHTTPSSESession(t *testing.T) {
	ts, _ := startHTTPServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp/sse", nil)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", ct)
	}

	sse := &sseClient{scanner: bufio.NewScanner(resp.Body)}
	ev, err := sse.readEvent()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ev.event != "endpoint" {
		t.Fatalf("expected endpoint event, got %q", ev.event)
	}
	if !strings.Contains(ev.data, "/mcp/message?sessionId=") {
		t.Fatalf("unexpected endpoint: %q", ev.data)
	}

	// the announced endpoint is absolute against the test server host
	endpointURL := ev.data

	post := func(frame string) {
		t.Helper()
		r, err := ts.Client().Post(endpointURL, "application/json", bytes.NewBufferString(frame))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusAccepted {
			t.Fatalf("unexpected status: %d", r.StatusCode)
		}
	}

	post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"C","version":"1"}}}`)

	ev, err = sse.readEvent()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ev.event != "message" {
		t.Fatalf("expected message event, got %q", ev.event)
	}
	var initResp map[string]any
	if err := json.Unmarshal([]byte(ev.data), &initResp); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	result, ok := initResp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected initialize result, got %s", ev.data)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Fatalf("unexpected protocol version: %v", result["protocolVersion"])
	}

	post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	post(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"Hello MCP!"}}}`)

	ev, err = sse.readEvent()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var callResp map[string]any
	if err := json.Unmarshal([]byte(ev.data), &callResp); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	result = callResp["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	if content["text"] != "Echo: Hello MCP!" {
		t.Fatalf("unexpected content: %v", content)
	}
}

func TestHTTPMessageWithoutSession(t *testing.T) {
	ts, _ := startHTTPServer(t)

	resp, err := ts.Client().Post(ts.URL+"/mcp/message", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	resp, err = ts.Client().Post(ts.URL+"/mcp/message?sessionId=nope", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestHTTPConfigValidation(t *testing.T) {
	endpoint := newTestServer(Options{})
	if _, err := NewHTTPServer(context.Background(), endpoint, HTTPConfig{LogLevel: "warn", LoggingFormat: "xml"}); err == nil {
		t.Fatalf("expected error for invalid logging format")
	}
	if _, err := NewHTTPServer(context.Background(), endpoint, HTTPConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func echoToolHandler(ctx context.Context, req ToolRequest) (mcp.CallToolResult, error) {
	message, _ := req.Params.Arguments["message"].(string)
	return mcp.CallToolResult{Content: mcp.ContentBlocks{mcp.NewTextContent("Echo: " + message)}}, nil
}
