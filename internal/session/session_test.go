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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcpd-io/mcpd/internal/jsonrpc"
	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// echoHandler responds to "echo" with its params and fails everything else.
func echoHandler(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
	switch method {
	case "echo":
		var v map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "no such method"}
	}
}

func startPair(t *testing.T, serverHandler RequestHandler) (caller, callee *Session) {
	t.Helper()
	ta, tb := transport.NewInMemoryPair()
	caller = New(ta, func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "no such method"}
	})
	callee = New(tb, serverHandler)
	ctx := context.Background()
	caller.Start(ctx)
	callee.Start(ctx)
	t.Cleanup(func() {
		_ = caller.Close()
		_ = callee.Close()
	})
	return caller, callee
}

func TestCallRoundTrip(t *testing.T) {
	caller, _ := startPair(t, echoHandler)

	var result map[string]any
	err := caller.Call(context.Background(), "echo", map[string]any{"message": "hi"}, &result)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if result["message"] != "hi" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestCallErrorFrame(t *testing.T) {
	caller, _ := startPair(t, echoHandler)

	err := caller.Call(context.Background(), "unknown", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.METHOD_NOT_FOUND {
		t.Fatalf("unexpected code: %d", rpcErr.Code)
	}
}

func TestRequestIdsAreDistinct(t *testing.T) {
	caller, _ := startPair(t, echoHandler)

	var wg sync.WaitGroup
	const calls = 20
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = caller.Call(context.Background(), "echo", map[string]any{"n": 1}, nil)
		}()
	}
	wg.Wait()
	if got := caller.nextId.Load(); got != calls {
		t.Fatalf("expected %d ids minted, got %d", calls, got)
	}
}

func TestInboundCancellationSuppressesResponse(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	handler := func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return map[string]any{"partial": true}, nil
	}
	caller, _ := startPair(t, handler)

	callErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		callErr <- caller.Call(ctx, "slow", nil, nil)
	}()

	<-started
	cancel()

	if err := <-callErr; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("handler context should be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler cancellation never fired")
	}
}

func TestCancelledNotificationForUnknownIdIsSilent(t *testing.T) {
	caller, callee := startPair(t, echoHandler)

	err := caller.Notify(context.Background(), mcp.NOTIFICATION_CANCELLED, mcp.CancelledParams{RequestId: 999, Reason: "user"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// the session keeps serving afterwards
	time.Sleep(50 * time.Millisecond)
	if callee.State() == StateClosed {
		t.Fatalf("session closed on unknown cancellation")
	}
	if err := caller.Call(context.Background(), "echo", map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("unexpected error after unknown cancellation: %s", err)
	}
}

func TestProgressRouting(t *testing.T) {
	handler := func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
		token := ProgressTokenFromParams(params)
		if token == nil {
			return nil, fmt.Errorf("expected a progress token")
		}
		for i := 1; i <= 3; i++ {
			if err := s.NotifyProgress(ctx, token, float64(i), 3, fmt.Sprintf("step %d", i)); err != nil {
				return nil, err
			}
		}
		return map[string]any{"done": true}, nil
	}
	caller, _ := startPair(t, handler)

	var mu sync.Mutex
	var seen []float64
	err := caller.Call(context.Background(), "work", map[string]any{}, nil, WithProgress(func(p mcp.ProgressParams) {
		mu.Lock()
		seen = append(seen, float64(p.Progress))
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 progress updates, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnmatchedProgressIsDropped(t *testing.T) {
	caller, callee := startPair(t, echoHandler)

	err := callee.Notify(context.Background(), mcp.NOTIFICATION_PROGRESS, mcp.ProgressParams{ProgressToken: "nobody", Progress: 1})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := caller.Call(context.Background(), "echo", map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("unexpected error after stray progress: %s", err)
	}
}

func TestCallTimeout(t *testing.T) {
	handler := func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	caller, _ := startPair(t, handler)

	err := caller.Call(context.Background(), "slow", nil, nil, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
		<-block
		return nil, nil
	}
	caller, callee := startPair(t, handler)

	callErr := make(chan error, 1)
	go func() {
		callErr <- caller.Call(context.Background(), "slow", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	_ = callee.Close()
	close(block)

	if err := <-callErr; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	caller, _ := startPair(t, echoHandler)
	_ = caller.Close()
	err := caller.Call(context.Background(), "echo", nil, nil)
	if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected closed failure, got %v", err)
	}
}

func TestNotificationHandlerDispatch(t *testing.T) {
	caller, callee := startPair(t, echoHandler)

	got := make(chan string, 1)
	callee.OnNotification("notifications/custom", func(ctx context.Context, s *Session, params json.RawMessage) {
		var p struct {
			Value string `json:"value"`
		}
		_ = json.Unmarshal(params, &p)
		got <- p.Value
	})

	if err := caller.Notify(context.Background(), "notifications/custom", map[string]string{"value": "hello"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	select {
	case v := <-got:
		if v != "hello" {
			t.Fatalf("unexpected payload: %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never dispatched")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ta, _ := transport.NewInMemoryPair()
	s := New(ta, echoHandler)
	if s.State() != StateCreated {
		t.Fatalf("unexpected initial state: %v", s.State())
	}
	if err := s.BeginInitializing(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := s.BeginInitializing(); err == nil {
		t.Fatalf("second initialize transition must fail")
	}
	if err := s.MarkReady(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s.State() != StateReady {
		t.Fatalf("unexpected state: %v", s.State())
	}
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("closed is terminal, got %v", s.State())
	}
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("close must be idempotent")
	}
}
