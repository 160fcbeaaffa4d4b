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

// Package session implements the MCP session engine: the lifecycle state
// machine, request/response correlation, cancellation, progress routing and
// notification dispatch that both endpoints run on.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpd-io/mcpd/internal/jsonrpc"
	"github.com/mcpd-io/mcpd/internal/log"
	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// State is the lifecycle state of a session. Closed is terminal.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned for operations on a closed or closing session.
	ErrClosed = errors.New("session is closed")
	// ErrCancelled is returned when the local caller cancelled an
	// outbound request.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout is returned when an outbound request's per-call timeout
	// elapsed.
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected is returned when the transport closed while a
	// response was outstanding.
	ErrDisconnected = errors.New("transport disconnected")
)

// RequestHandler dispatches one inbound request. A returned *jsonrpc.Error
// goes out verbatim as the error frame; any other error maps to an internal
// error. The engine never inspects errors beyond the cancellation marker.
type RequestHandler func(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error)

// NotificationHandler consumes one inbound notification.
type NotificationHandler func(ctx context.Context, s *Session, params json.RawMessage)

// ProgressFunc receives progress notifications routed to an outbound
// request's progress token.
type ProgressFunc func(p mcp.ProgressParams)

type response struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

type pendingCall struct {
	ch          chan response
	progressKey string
}

type inboundCall struct {
	cancel    context.CancelFunc
	method    string
	cancelled bool
}

// Session is one side of an MCP connection. Both the client and the server
// endpoint own one per transport.
type Session struct {
	transport transport.Transport
	handler   RequestHandler
	logger    log.Logger

	mu       sync.Mutex
	state    State
	pending  map[jsonrpc.RequestId]*pendingCall
	progress map[string]ProgressFunc
	inbound  map[jsonrpc.RequestId]*inboundCall

	notifMu       sync.RWMutex
	notifications map[string]NotificationHandler

	sendMu sync.Mutex

	nextId            atomic.Int64
	nextProgressToken atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger the engine reports through.
func WithLogger(l log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New returns a session over the given transport. handler dispatches
// inbound requests; Start must be called before the session exchanges
// frames.
func New(t transport.Transport, handler RequestHandler, opts ...Option) *Session {
	s := &Session{
		transport:     t,
		handler:       handler,
		pending:       make(map[jsonrpc.RequestId]*pendingCall),
		progress:      make(map[string]ProgressFunc),
		inbound:       make(map[jsonrpc.RequestId]*inboundCall),
		notifications: make(map[string]NotificationHandler),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginInitializing transitions Created into Initializing. It fails if the
// handshake already started.
func (s *Session) BeginInitializing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("initialize in state %q: %w", s.state, errInvalidTransition)
	}
	s.state = StateInitializing
	return nil
}

// MarkReady transitions the session into Ready once the initialized
// notification was sent or received.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return fmt.Errorf("mark ready in state %q: %w", s.state, errInvalidTransition)
	}
	s.state = StateReady
	return nil
}

var errInvalidTransition = errors.New("invalid lifecycle transition")

// SessionID returns the transport's session id, if it multiplexes.
func (s *Session) SessionID() string { return s.transport.SessionID() }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnNotification registers a handler for an inbound notification method.
// Handlers run on the read loop in arrival order and must not block or call
// back into the session synchronously; long work belongs in a goroutine of
// the handler's own. Cancellation and progress notifications are consumed
// by the engine and never reach these handlers.
func (s *Session) OnNotification(method string, h NotificationHandler) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	s.notifications[method] = h
}

// Start launches the read loop. It returns immediately; the session closes
// itself when the transport disconnects or ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	go func() {
		defer s.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-s.transport.Messages():
				if !ok {
					return
				}
				s.dispatch(ctx, frame)
			}
		}
	}()
}

// Close shuts the session down: pending outbound requests fail with
// ErrDisconnected, inbound handlers are cancelled, the transport is closed.
// Closed is terminal.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateShuttingDown
		inbound := s.inbound
		s.inbound = make(map[jsonrpc.RequestId]*inboundCall)
		s.pending = make(map[jsonrpc.RequestId]*pendingCall)
		s.progress = make(map[string]ProgressFunc)
		s.state = StateClosed
		s.mu.Unlock()

		for _, call := range inbound {
			call.cancel()
		}
		_ = s.transport.Close()
		close(s.done)
	})
	return nil
}

/* Outbound path */

type callSettings struct {
	progress ProgressFunc
	timeout  time.Duration
}

// CallOption configures one outbound request.
type CallOption func(*callSettings)

// WithProgress routes matching notifications/progress frames to fn for the
// lifetime of the request.
func WithProgress(fn ProgressFunc) CallOption {
	return func(c *callSettings) { c.progress = fn }
}

// WithTimeout applies a local per-call timeout. A timed-out request behaves
// like a cancelled one plus an ErrTimeout failure.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callSettings) { c.timeout = d }
}

// Call issues an outbound request and waits for its response. A non-nil
// result receives the unmarshaled result member. Cancelling ctx cancels the
// request on the wire.
func (s *Session) Call(ctx context.Context, method string, params any, result any, opts ...CallOption) error {
	var settings callSettings
	for _, o := range opts {
		o(&settings)
	}
	if settings.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	id := jsonrpc.NewNumberId(s.nextId.Add(1))
	call := &pendingCall{ch: make(chan response, 1)}

	if settings.progress != nil {
		token := s.nextProgressToken.Add(1)
		raw, err = injectProgressToken(raw, token)
		if err != nil {
			return err
		}
		call.progressKey = progressKey(token)
	}

	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending[id] = call
	if call.progressKey != "" {
		s.progress[call.progressKey] = settings.progress
	}
	s.mu.Unlock()

	frame := jsonrpc.JSONRPCRequest{Jsonrpc: jsonrpc.JSONRPC_VERSION, Id: id, Method: method, Params: raw}
	if err := s.send(ctx, frame); err != nil {
		s.detach(id, call)
		return err
	}

	select {
	case resp := <-call.ch:
		s.detach(id, call)
		if resp.err != nil {
			return resp.err
		}
		if result != nil && resp.result != nil {
			if err := json.Unmarshal(resp.result, result); err != nil {
				return fmt.Errorf("unable to unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.detach(id, call)
		// The initialize request is never cancelled on the wire.
		if method != mcp.INITIALIZE {
			s.notifyCancelled(id, ctx.Err())
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", method, ErrCancelled)
	case <-s.done:
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
}

// Notify sends a fire-and-forget notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.send(ctx, jsonrpc.JSONRPCNotification{Jsonrpc: jsonrpc.JSONRPC_VERSION, Method: method, Params: raw})
}

func (s *Session) detach(id jsonrpc.RequestId, call *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if call.progressKey != "" {
		delete(s.progress, call.progressKey)
	}
}

func (s *Session) notifyCancelled(id jsonrpc.RequestId, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Notify(ctx, mcp.NOTIFICATION_CANCELLED, mcp.CancelledParams{RequestId: id.Value(), Reason: reason})
	if err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, fmt.Sprintf("unable to send cancellation for request %s: %s", id, err))
	}
}

func (s *Session) send(ctx context.Context, m jsonrpc.Message) error {
	frame, err := jsonrpc.EncodeMessage(m)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.transport.Send(ctx, frame); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return fmt.Errorf("%w: %s", ErrDisconnected, err)
		}
		return err
	}
	return nil
}

/* Inbound path */

func (s *Session) dispatch(ctx context.Context, frame []byte) {
	msg, err := jsonrpc.DecodeMessage(frame)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc.Error{Code: jsonrpc.INTERNAL_ERROR, Message: err.Error()}
		}
		if s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("dropping malformed frame: %s", err))
		}
		_ = s.send(ctx, jsonrpc.NewError(jsonrpc.RequestId{}, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return
	}

	switch m := msg.(type) {
	case jsonrpc.JSONRPCRequest:
		go s.handleRequest(ctx, m)
	case jsonrpc.JSONRPCNotification:
		s.handleNotification(ctx, m)
	case jsonrpc.JSONRPCResponse:
		s.resolve(m.Id, response{result: m.Result})
	case jsonrpc.JSONRPCError:
		e := m.Error
		s.resolve(m.Id, response{err: &e})
	}
}

// resolve completes the pending call for id. Responses to unknown ids are
// dropped: the call may have been cancelled or timed out locally.
func (s *Session) resolve(id jsonrpc.RequestId, resp response) {
	s.mu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if call.progressKey != "" {
			delete(s.progress, call.progressKey)
		}
	}
	s.mu.Unlock()
	if ok {
		call.ch <- resp
	}
}

func (s *Session) handleRequest(ctx context.Context, req jsonrpc.JSONRPCRequest) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := &inboundCall{cancel: cancel, method: req.Method}
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.inbound[req.Id] = call
	s.mu.Unlock()

	result, err := s.handler(hctx, s, req.Method, req.Params)

	s.mu.Lock()
	cancelled := call.cancelled
	delete(s.inbound, req.Id)
	s.mu.Unlock()

	// A cancelled request never gets a response frame; the handler's
	// outcome, partial result or error, is discarded.
	if cancelled || hctx.Err() != nil {
		return
	}

	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc.Error{Code: jsonrpc.INTERNAL_ERROR, Message: err.Error()}
		}
		if sendErr := s.send(ctx, jsonrpc.NewError(req.Id, rpcErr.Code, rpcErr.Message, rpcErr.Data)); sendErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("unable to send error for request %s: %s", req.Id, sendErr))
		}
		return
	}

	if result == nil {
		result = mcp.EmptyResult{}
	}
	frame, err := jsonrpc.NewResponse(req.Id, result)
	if err != nil {
		frame2 := jsonrpc.NewError(req.Id, jsonrpc.INTERNAL_ERROR, err.Error(), nil)
		_ = s.send(ctx, frame2)
		return
	}
	if sendErr := s.send(ctx, frame); sendErr != nil && s.logger != nil {
		s.logger.DebugContext(ctx, fmt.Sprintf("unable to send response for request %s: %s", req.Id, sendErr))
	}
}

func (s *Session) handleNotification(ctx context.Context, n jsonrpc.JSONRPCNotification) {
	switch n.Method {
	case mcp.NOTIFICATION_CANCELLED:
		s.handleCancelled(ctx, n.Params)
		return
	case mcp.NOTIFICATION_PROGRESS:
		s.handleProgress(ctx, n.Params)
		return
	}

	s.notifMu.RLock()
	h, ok := s.notifications[n.Method]
	s.notifMu.RUnlock()
	if !ok {
		if s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("dropping unhandled notification %q", n.Method))
		}
		return
	}
	// notification handlers run in arrival order: the initialized
	// notification must take effect before any request behind it is
	// dispatched. Handlers are expected not to block; long work belongs in
	// a goroutine of their own.
	h(ctx, s, n.Params)
}

// handleCancelled fires the cancellation scope of a matching in-flight
// inbound request. Unknown ids lost the race with completion and are
// silently dropped.
func (s *Session) handleCancelled(ctx context.Context, params json.RawMessage) {
	var p mcp.CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	id, ok := requestIdFromWire(p.RequestId)
	if !ok {
		return
	}

	s.mu.Lock()
	call, ok := s.inbound[id]
	if ok && call.method != mcp.INITIALIZE {
		call.cancelled = true
	} else {
		call = nil
	}
	s.mu.Unlock()

	if call != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("cancelling inbound request %s: %s", id, p.Reason))
		}
		call.cancel()
	}
}

// handleProgress routes a progress notification to the matching sink.
// Unmatched tokens are dropped.
func (s *Session) handleProgress(_ context.Context, params json.RawMessage) {
	var p mcp.ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key := progressKey(p.ProgressToken)
	s.mu.Lock()
	sink := s.progress[key]
	s.mu.Unlock()
	if sink != nil {
		sink(p)
	}
}

/* Progress emission */

// ProgressTokenFromParams extracts the requester's progress token from a
// request's _meta, or nil when the requester did not ask for progress.
func ProgressTokenFromParams(params json.RawMessage) mcp.ProgressToken {
	if len(params) == 0 {
		return nil
	}
	var probe struct {
		Meta struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta.ProgressToken
}

// NotifyProgress emits a notifications/progress frame bound to token.
func (s *Session) NotifyProgress(ctx context.Context, token mcp.ProgressToken, progress, total float64, message string) error {
	if token == nil {
		return nil
	}
	p := mcp.ProgressParams{ProgressToken: token, Progress: mcp.Number(progress), Message: message}
	if total > 0 {
		t := mcp.Number(total)
		p.Total = &t
	}
	return s.Notify(ctx, mcp.NOTIFICATION_PROGRESS, p)
}

/* helpers */

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

// injectProgressToken merges a progressToken into the params' _meta member.
func injectProgressToken(params json.RawMessage, token int64) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("params must be an object to carry a progress token: %w", err)
		}
	}
	meta := make(map[string]any)
	if raw, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
	}
	meta["progressToken"] = token
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = rawMeta
	return json.Marshal(obj)
}

// progressKey normalizes a wire progress token to a map key. String and
// integer tokens occupy distinct key spaces.
func progressKey(token any) string {
	switch t := token.(type) {
	case string:
		return "s:" + t
	case int64:
		return "n:" + strconv.FormatInt(t, 10)
	case int:
		return "n:" + strconv.Itoa(t)
	case float64:
		return "n:" + strconv.FormatInt(int64(t), 10)
	case json.Number:
		return "n:" + t.String()
	default:
		return fmt.Sprintf("x:%v", t)
	}
}

// requestIdFromWire converts a cancellation notification's requestId member
// into a RequestId.
func requestIdFromWire(v any) (jsonrpc.RequestId, bool) {
	switch t := v.(type) {
	case string:
		return jsonrpc.NewStringId(t), true
	case float64:
		return jsonrpc.NewNumberId(int64(t)), true
	case int64:
		return jsonrpc.NewNumberId(t), true
	case int:
		return jsonrpc.NewNumberId(int64(t)), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return jsonrpc.NewNumberId(n), true
		}
		return jsonrpc.RequestId{}, false
	default:
		return jsonrpc.RequestId{}, false
	}
}
