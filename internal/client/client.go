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

// Package client implements the host side of an MCP session: the
// initialize handshake, typed wrappers for every server method, the roots
// registry, and the sampling/elicitation handlers a server may call back
// into.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcpd-io/mcpd/internal/jsonrpc"
	"github.com/mcpd-io/mcpd/internal/log"
	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/registry"
	"github.com/mcpd-io/mcpd/internal/session"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// SamplingHandler runs an LLM generation on the server's behalf.
type SamplingHandler func(ctx context.Context, cs *ClientSession, params mcp.CreateMessageParams) (mcp.CreateMessageResult, error)

// ElicitationHandler collects structured user input described by a
// primitive-schema form.
type ElicitationHandler func(ctx context.Context, cs *ClientSession, params mcp.ElicitParams) (mcp.ElicitResult, error)

// Options configure the client endpoint.
type Options struct {
	// Roots enables the roots capability.
	Roots            bool
	RootsListChanged bool
	// Sampling enables the sampling capability; requests dispatch to the
	// handler.
	Sampling SamplingHandler
	// Elicitation enables the elicitation capability.
	Elicitation ElicitationHandler

	// Notification callbacks.
	OnLoggingMessage       func(ctx context.Context, cs *ClientSession, params mcp.LoggingMessageParams)
	OnResourceUpdated      func(ctx context.Context, cs *ClientSession, uri string)
	OnToolsListChanged     func(ctx context.Context, cs *ClientSession)
	OnPromptsListChanged   func(ctx context.Context, cs *ClientSession)
	OnResourcesListChanged func(ctx context.Context, cs *ClientSession)

	Logger log.Logger
}

// Client is the AI-host endpoint. Its roots registry may outlive any single
// session.
type Client struct {
	info   mcp.Implementation
	opts   Options
	logger log.Logger

	roots *registry.Set[mcp.Root]

	mu       sync.Mutex
	sessions map[*ClientSession]struct{}
}

// New returns a Client with the given implementation info.
func New(info mcp.Implementation, opts Options) *Client {
	c := &Client{
		info:     info,
		opts:     opts,
		logger:   opts.Logger,
		roots:    registry.NewSet[mcp.Root](),
		sessions: make(map[*ClientSession]struct{}),
	}
	if opts.Roots && opts.RootsListChanged {
		c.roots.SetOnChanged(c.notifyRootsChanged)
	}
	return c
}

// AddRoot registers or replaces a root, keyed by URI.
func (c *Client) AddRoot(root mcp.Root) { c.roots.Add(root.URI, root) }

// RemoveRoot unregisters a root.
func (c *Client) RemoveRoot(uri string) { c.roots.Remove(uri) }

func (c *Client) notifyRootsChanged() {
	ctx := context.Background()
	c.mu.Lock()
	sessions := make([]*ClientSession, 0, len(c.sessions))
	for cs := range c.sessions {
		sessions = append(sessions, cs)
	}
	c.mu.Unlock()
	for _, cs := range sessions {
		if cs.sess.State() != session.StateReady {
			continue
		}
		if err := cs.sess.Notify(ctx, mcp.NOTIFICATION_ROOTS_LIST_CHANGED, nil); err != nil && c.logger != nil {
			c.logger.DebugContext(ctx, fmt.Sprintf("unable to notify roots change: %s", err))
		}
	}
}

func (c *Client) capabilities() mcp.ClientCapabilities {
	caps := mcp.ClientCapabilities{}
	if c.opts.Roots {
		caps.Roots = &mcp.ListChanged{ListChanged: c.opts.RootsListChanged}
	}
	if c.opts.Sampling != nil {
		caps.Sampling = &struct{}{}
	}
	if c.opts.Elicitation != nil {
		caps.Elicitation = &struct{}{}
	}
	return caps
}

// Connect binds a transport, performs the initialize handshake, and returns
// a ready session. When the server selects a protocol version this client
// does not speak, the session is closed without sending the initialized
// notification.
func (c *Client) Connect(ctx context.Context, t transport.Transport, opts ...session.CallOption) (*ClientSession, error) {
	cs := &ClientSession{client: c}
	sopts := []session.Option{}
	if c.logger != nil {
		sopts = append(sopts, session.WithLogger(c.logger))
	}
	cs.sess = session.New(t, cs.handleRequest, sopts...)
	cs.sess.OnNotification(mcp.NOTIFICATION_MESSAGE, cs.handleLoggingMessage)
	cs.sess.OnNotification(mcp.NOTIFICATION_RESOURCES_UPDATED, cs.handleResourceUpdated)
	cs.sess.OnNotification(mcp.NOTIFICATION_TOOLS_LIST_CHANGED, cs.handleListChanged(mcp.NOTIFICATION_TOOLS_LIST_CHANGED))
	cs.sess.OnNotification(mcp.NOTIFICATION_PROMPTS_LIST_CHANGED, cs.handleListChanged(mcp.NOTIFICATION_PROMPTS_LIST_CHANGED))
	cs.sess.OnNotification(mcp.NOTIFICATION_RESOURCES_LIST_CHANGED, cs.handleListChanged(mcp.NOTIFICATION_RESOURCES_LIST_CHANGED))
	cs.sess.Start(ctx)

	if err := cs.sess.BeginInitializing(); err != nil {
		_ = cs.sess.Close()
		return nil, err
	}

	var result mcp.InitializeResult
	err := cs.sess.Call(ctx, mcp.INITIALIZE, mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.info,
	}, &result, opts...)
	if err != nil {
		_ = cs.sess.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if !mcp.VerifyProtocolVersion(result.ProtocolVersion) {
		_ = cs.sess.Close()
		return nil, fmt.Errorf("server selected unsupported protocol version %q", result.ProtocolVersion)
	}

	cs.mu.Lock()
	cs.serverInfo = result.ServerInfo
	cs.serverCapabilities = result.Capabilities
	cs.protocolVersion = result.ProtocolVersion
	cs.instructions = result.Instructions
	cs.mu.Unlock()

	if err := cs.sess.Notify(ctx, mcp.NOTIFICATION_INITIALIZED, nil); err != nil {
		_ = cs.sess.Close()
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	if err := cs.sess.MarkReady(); err != nil {
		_ = cs.sess.Close()
		return nil, err
	}

	c.mu.Lock()
	c.sessions[cs] = struct{}{}
	c.mu.Unlock()
	go func() {
		<-cs.sess.Done()
		c.mu.Lock()
		delete(c.sessions, cs)
		c.mu.Unlock()
	}()

	return cs, nil
}

// ClientSession is one connection to a server.
type ClientSession struct {
	client *Client
	sess   *session.Session

	mu                 sync.Mutex
	serverInfo         mcp.Implementation
	serverCapabilities mcp.ServerCapabilities
	protocolVersion    string
	instructions       string
}

// Session exposes the underlying engine, mainly for tests and custom
// notifications.
func (cs *ClientSession) Session() *session.Session { return cs.sess }

// ServerInfo returns the peer's implementation info.
func (cs *ClientSession) ServerInfo() mcp.Implementation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.serverInfo
}

// ServerCapabilities returns the peer's advertised capabilities.
func (cs *ClientSession) ServerCapabilities() mcp.ServerCapabilities {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.serverCapabilities
}

// Instructions returns the server's usage instructions, if any.
func (cs *ClientSession) Instructions() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.instructions
}

// Close tears the session down.
func (cs *ClientSession) Close() error { return cs.sess.Close() }

// Done is closed once the session is closed.
func (cs *ClientSession) Done() <-chan struct{} { return cs.sess.Done() }

/* Inbound dispatch */

// handleRequest is the client's receiving method table. Server-initiated
// requests other than ping arriving before the client sent its initialized
// notification are invalid.
func (cs *ClientSession) handleRequest(ctx context.Context, sess *session.Session, method string, params json.RawMessage) (any, error) {
	if method == mcp.PING {
		return mcp.EmptyResult{}, nil
	}
	if sess.State() != session.StateReady {
		return nil, &jsonrpc.Error{Code: jsonrpc.INVALID_REQUEST, Message: fmt.Sprintf("method %q before initialized notification", method)}
	}

	switch method {
	case mcp.SAMPLING_CREATE_MESSAGE:
		if cs.client.opts.Sampling == nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "sampling not supported"}
		}
		var p mcp.CreateMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf("invalid sampling params: %s", err)}
		}
		return cs.client.opts.Sampling(ctx, cs, p)
	case mcp.ELICITATION_CREATE:
		if cs.client.opts.Elicitation == nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "elicitation not supported"}
		}
		var p mcp.ElicitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf("invalid elicitation params: %s", err)}
		}
		return cs.client.opts.Elicitation(ctx, cs, p)
	case mcp.ROOTS_LIST:
		if !cs.client.opts.Roots {
			return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "roots not supported"}
		}
		return mcp.ListRootsResult{Roots: cs.client.roots.Values()}, nil
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func (cs *ClientSession) handleLoggingMessage(ctx context.Context, _ *session.Session, params json.RawMessage) {
	fn := cs.client.opts.OnLoggingMessage
	if fn == nil {
		return
	}
	var p mcp.LoggingMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	fn(ctx, cs, p)
}

func (cs *ClientSession) handleResourceUpdated(ctx context.Context, _ *session.Session, params json.RawMessage) {
	fn := cs.client.opts.OnResourceUpdated
	if fn == nil {
		return
	}
	var p mcp.ResourceUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	fn(ctx, cs, p.URI)
}

func (cs *ClientSession) handleListChanged(method string) session.NotificationHandler {
	return func(ctx context.Context, _ *session.Session, _ json.RawMessage) {
		var fn func(ctx context.Context, cs *ClientSession)
		switch method {
		case mcp.NOTIFICATION_TOOLS_LIST_CHANGED:
			fn = cs.client.opts.OnToolsListChanged
		case mcp.NOTIFICATION_PROMPTS_LIST_CHANGED:
			fn = cs.client.opts.OnPromptsListChanged
		case mcp.NOTIFICATION_RESOURCES_LIST_CHANGED:
			fn = cs.client.opts.OnResourcesListChanged
		}
		if fn != nil {
			fn(ctx, cs)
		}
	}
}

/* Outbound wrappers */

func (cs *ClientSession) requireCapability(feature string) error {
	caps := cs.ServerCapabilities()
	ok := false
	switch feature {
	case "tools":
		ok = caps.Tools != nil
	case "prompts":
		ok = caps.Prompts != nil
	case "resources":
		ok = caps.Resources != nil
	case "resources.subscribe":
		ok = caps.Resources != nil && caps.Resources.Subscribe
	case "logging":
		ok = caps.Logging != nil
	case "completions":
		ok = caps.Completions != nil
	}
	if !ok {
		return &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("server does not support %s", feature)}
	}
	return nil
}

// Ping checks connection liveness.
func (cs *ClientSession) Ping(ctx context.Context) error {
	return cs.sess.Call(ctx, mcp.PING, struct{}{}, nil)
}

// ListTools fetches one page of tools.
func (cs *ClientSession) ListTools(ctx context.Context, cursor mcp.Cursor) (mcp.ListToolsResult, error) {
	var result mcp.ListToolsResult
	if err := cs.requireCapability("tools"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.TOOLS_LIST, mcp.PaginatedParams{Cursor: cursor}, &result)
	return result, err
}

// CallTool invokes a tool. Pass session.WithProgress to receive progress
// notifications, session.WithTimeout for a local deadline.
func (cs *ClientSession) CallTool(ctx context.Context, params mcp.CallToolParams, opts ...session.CallOption) (mcp.CallToolResult, error) {
	var result mcp.CallToolResult
	if err := cs.requireCapability("tools"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.TOOLS_CALL, params, &result, opts...)
	return result, err
}

// ListPrompts fetches one page of prompts.
func (cs *ClientSession) ListPrompts(ctx context.Context, cursor mcp.Cursor) (mcp.ListPromptsResult, error) {
	var result mcp.ListPromptsResult
	if err := cs.requireCapability("prompts"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.PROMPTS_LIST, mcp.PaginatedParams{Cursor: cursor}, &result)
	return result, err
}

// GetPrompt expands a prompt with arguments.
func (cs *ClientSession) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	var result mcp.GetPromptResult
	if err := cs.requireCapability("prompts"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.PROMPTS_GET, params, &result)
	return result, err
}

// ListResources fetches one page of resources.
func (cs *ClientSession) ListResources(ctx context.Context, cursor mcp.Cursor) (mcp.ListResourcesResult, error) {
	var result mcp.ListResourcesResult
	if err := cs.requireCapability("resources"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.RESOURCES_LIST, mcp.PaginatedParams{Cursor: cursor}, &result)
	return result, err
}

// ListResourceTemplates fetches one page of resource templates.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, cursor mcp.Cursor) (mcp.ListResourceTemplatesResult, error) {
	var result mcp.ListResourceTemplatesResult
	if err := cs.requireCapability("resources"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.RESOURCES_TEMPLATES_LIST, mcp.PaginatedParams{Cursor: cursor}, &result)
	return result, err
}

// ReadResource fetches the contents of one resource.
func (cs *ClientSession) ReadResource(ctx context.Context, uri string) (mcp.ReadResourceResult, error) {
	var result mcp.ReadResourceResult
	if err := cs.requireCapability("resources"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.RESOURCES_READ, mcp.ReadResourceParams{URI: uri}, &result)
	return result, err
}

// Subscribe asks for update notifications for a resource uri.
func (cs *ClientSession) Subscribe(ctx context.Context, uri string) error {
	if err := cs.requireCapability("resources.subscribe"); err != nil {
		return err
	}
	return cs.sess.Call(ctx, mcp.RESOURCES_SUBSCRIBE, mcp.SubscribeParams{URI: uri}, nil)
}

// Unsubscribe cancels a resource subscription.
func (cs *ClientSession) Unsubscribe(ctx context.Context, uri string) error {
	if err := cs.requireCapability("resources.subscribe"); err != nil {
		return err
	}
	return cs.sess.Call(ctx, mcp.RESOURCES_UNSUBSCRIBE, mcp.UnsubscribeParams{URI: uri}, nil)
}

// SetLevel adjusts the minimum severity of notifications/message frames.
func (cs *ClientSession) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if err := cs.requireCapability("logging"); err != nil {
		return err
	}
	return cs.sess.Call(ctx, mcp.LOGGING_SET_LEVEL, mcp.SetLevelParams{Level: level}, nil)
}

// Complete asks for argument completion suggestions.
func (cs *ClientSession) Complete(ctx context.Context, params mcp.CompleteParams) (mcp.CompleteResult, error) {
	var result mcp.CompleteResult
	if err := cs.requireCapability("completions"); err != nil {
		return result, err
	}
	err := cs.sess.Call(ctx, mcp.COMPLETION_COMPLETE, params, &result)
	return result, err
}
