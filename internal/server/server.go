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

// Package server implements the server side of an MCP session: capability
// advertisement, the handshake gate, the feature dispatchers bound to the
// primitive registries, and the HTTP/stdio serving surfaces.
package server

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
	"github.com/mcpd-io/mcpd/internal/telemetry"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// ProgressReporter emits progress for a long-running handler. It is a no-op
// when the requester did not ask for progress.
type ProgressReporter func(progress, total float64, message string)

// ToolRequest carries everything a tool handler needs: the calling session,
// the parsed params, and a progress emitter.
type ToolRequest struct {
	Session  *ServerSession
	Params   mcp.CallToolParams
	Progress ProgressReporter
}

// ToolHandler executes one tool call. Execution failures should be reported
// in the result with IsError set or by returning an error; either way they
// reach the model as an isError result, not a protocol error.
type ToolHandler func(ctx context.Context, req ToolRequest) (mcp.CallToolResult, error)

// ToolEntry pairs a tool descriptor with its handler.
type ToolEntry struct {
	Tool    mcp.Tool
	Handler ToolHandler
}

// PromptHandler expands one prompt template.
type PromptHandler func(ctx context.Context, ss *ServerSession, params mcp.GetPromptParams) (mcp.GetPromptResult, error)

// PromptEntry pairs a prompt descriptor with its handler.
type PromptEntry struct {
	Prompt  mcp.Prompt
	Handler PromptHandler
}

// ResourceReader produces the contents for a resource URI.
type ResourceReader func(ctx context.Context, ss *ServerSession, uri string) ([]mcp.ResourceContents, error)

// ResourceEntry pairs a resource descriptor with its reader.
type ResourceEntry struct {
	Resource mcp.Resource
	Reader   ResourceReader
}

// ResourceTemplateEntry pairs a template descriptor with the reader used
// for URIs it matches.
type ResourceTemplateEntry struct {
	Template mcp.ResourceTemplate
	Reader   ResourceReader
}

// Handlers are the caller-supplied fallbacks behind the static registries.
// List fallbacks page in their own cursor space: they receive the position
// they previously returned and report the next one, empty at end-of-stream.
type Handlers struct {
	ListTools             func(ctx context.Context, ss *ServerSession, position string) ([]ToolEntry, string, error)
	ListPrompts           func(ctx context.Context, ss *ServerSession, position string) ([]PromptEntry, string, error)
	ListResources         func(ctx context.Context, ss *ServerSession, position string) ([]ResourceEntry, string, error)
	ListResourceTemplates func(ctx context.Context, ss *ServerSession, position string) ([]ResourceTemplateEntry, string, error)
	// ReadResource is consulted for resources/read after the static set
	// and the template set failed to match.
	ReadResource ResourceReader
	// Complete serves completion/complete when the completions
	// capability is advertised.
	Complete func(ctx context.Context, ss *ServerSession, params mcp.CompleteParams) (mcp.CompleteResult, error)
	// SetLevel observes logging/setLevel, after the session's own level
	// was updated.
	SetLevel func(ctx context.Context, ss *ServerSession, level mcp.LoggingLevel)
	// Subscribe and Unsubscribe observe subscription changes after the
	// session's set was updated.
	Subscribe   func(ctx context.Context, ss *ServerSession, uri string)
	Unsubscribe func(ctx context.Context, ss *ServerSession, uri string)
}

// Options configure the endpoint at construction.
type Options struct {
	// Instructions are returned from initialize, e.g. a hint added to
	// the model's system prompt.
	Instructions string
	// Capability toggles. A feature whose group is off rejects its
	// methods with MethodNotFound.
	Tools                bool
	ToolsListChanged     bool
	Prompts              bool
	PromptsListChanged   bool
	Resources            bool
	ResourcesSubscribe   bool
	ResourcesListChanged bool
	Logging              bool
	Completions          bool
	// PageSize bounds list pages; zero keeps the registry default.
	PageSize int

	Handlers Handlers

	Logger          log.Logger
	Instrumentation *telemetry.Instrumentation
}

// Server is the host side of the protocol: it owns the primitive
// registries, which may outlive any single session, and tracks the
// sessions currently connected.
type Server struct {
	info         mcp.Implementation
	instructions string
	opts         Options
	logger       log.Logger
	inst         *telemetry.Instrumentation

	tools     *registry.Set[ToolEntry]
	prompts   *registry.Set[PromptEntry]
	resources *registry.Set[ResourceEntry]
	templates *registry.Set[ResourceTemplateEntry]

	mu       sync.Mutex
	sessions map[*ServerSession]struct{}
}

// New returns a Server with the given implementation info and options.
func New(info mcp.Implementation, opts Options) *Server {
	s := &Server{
		info:         info,
		instructions: opts.Instructions,
		opts:         opts,
		logger:       opts.Logger,
		inst:         opts.Instrumentation,
		tools:        registry.NewSet[ToolEntry](),
		prompts:      registry.NewSet[PromptEntry](),
		resources:    registry.NewSet[ResourceEntry](),
		templates:    registry.NewSet[ResourceTemplateEntry](),
		sessions:     make(map[*ServerSession]struct{}),
	}
	if opts.PageSize > 0 {
		s.tools.SetPageSize(opts.PageSize)
		s.prompts.SetPageSize(opts.PageSize)
		s.resources.SetPageSize(opts.PageSize)
		s.templates.SetPageSize(opts.PageSize)
	}
	if opts.ToolsListChanged {
		s.tools.SetOnChanged(func() { s.notifyAll(mcp.NOTIFICATION_TOOLS_LIST_CHANGED) })
	}
	if opts.PromptsListChanged {
		s.prompts.SetOnChanged(func() { s.notifyAll(mcp.NOTIFICATION_PROMPTS_LIST_CHANGED) })
	}
	if opts.ResourcesListChanged {
		changed := func() { s.notifyAll(mcp.NOTIFICATION_RESOURCES_LIST_CHANGED) }
		s.resources.SetOnChanged(changed)
		s.templates.SetOnChanged(changed)
	}
	return s
}

// AddTool registers or replaces a tool. A nil input schema gets the default
// object schema.
func (s *Server) AddTool(tool mcp.Tool, handler ToolHandler) {
	if tool.InputSchema == nil {
		tool.InputSchema = mcp.DefaultToolSchema
	}
	s.tools.Add(tool.Name, ToolEntry{Tool: tool, Handler: handler})
}

// RemoveTool unregisters a tool.
func (s *Server) RemoveTool(name string) { s.tools.Remove(name) }

// AddPrompt registers or replaces a prompt.
func (s *Server) AddPrompt(prompt mcp.Prompt, handler PromptHandler) {
	s.prompts.Add(prompt.Name, PromptEntry{Prompt: prompt, Handler: handler})
}

// RemovePrompt unregisters a prompt.
func (s *Server) RemovePrompt(name string) { s.prompts.Remove(name) }

// AddResource registers or replaces a resource, keyed by URI.
func (s *Server) AddResource(resource mcp.Resource, reader ResourceReader) {
	s.resources.Add(resource.URI, ResourceEntry{Resource: resource, Reader: reader})
}

// RemoveResource unregisters a resource.
func (s *Server) RemoveResource(uri string) { s.resources.Remove(uri) }

// AddResourceTemplate registers or replaces a resource template, keyed by
// the raw template.
func (s *Server) AddResourceTemplate(t mcp.ResourceTemplate, reader ResourceReader) {
	s.templates.Add(t.URITemplate.Raw(), ResourceTemplateEntry{Template: t, Reader: reader})
}

// RemoveResourceTemplate unregisters a resource template.
func (s *Server) RemoveResourceTemplate(raw string) { s.templates.Remove(raw) }

// capabilities builds the advertisement for initialize responses.
func (s *Server) capabilities() mcp.ServerCapabilities {
	caps := mcp.ServerCapabilities{}
	if s.opts.Tools {
		caps.Tools = &mcp.ListChanged{ListChanged: s.opts.ToolsListChanged}
	}
	if s.opts.Prompts {
		caps.Prompts = &mcp.ListChanged{ListChanged: s.opts.PromptsListChanged}
	}
	if s.opts.Resources {
		caps.Resources = &mcp.ResourcesCapability{
			Subscribe:   s.opts.ResourcesSubscribe,
			ListChanged: s.opts.ResourcesListChanged,
		}
	}
	if s.opts.Logging {
		caps.Logging = &struct{}{}
	}
	if s.opts.Completions {
		caps.Completions = &struct{}{}
	}
	return caps
}

// Connect binds a transport to a new server session and starts it.
func (s *Server) Connect(ctx context.Context, t transport.Transport) (*ServerSession, error) {
	ss := &ServerSession{server: s, subscriptions: make(map[string]struct{}), logLevel: mcp.LoggingLevelInfo}
	opts := []session.Option{}
	if s.logger != nil {
		opts = append(opts, session.WithLogger(s.logger))
	}
	ss.sess = session.New(t, ss.handleRequest, opts...)
	ss.sess.OnNotification(mcp.NOTIFICATION_INITIALIZED, ss.handleInitialized)
	ss.sess.OnNotification(mcp.NOTIFICATION_ROOTS_LIST_CHANGED, ss.handleRootsListChanged)

	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()

	ss.sess.Start(ctx)
	go func() {
		<-ss.sess.Done()
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
	}()
	return ss, nil
}

// Sessions returns the currently connected sessions.
func (s *Server) Sessions() []*ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerSession, 0, len(s.sessions))
	for ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

// notifyAll fans a notification out to every ready session.
func (s *Server) notifyAll(method string) {
	ctx := context.Background()
	for _, ss := range s.Sessions() {
		if ss.sess.State() != session.StateReady {
			continue
		}
		if err := ss.sess.Notify(ctx, method, nil); err != nil && s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("unable to notify %s: %s", method, err))
		}
	}
}

// ResourceUpdated tells every session subscribed to uri that the resource
// changed. The application calls this when its data mutates.
func (s *Server) ResourceUpdated(ctx context.Context, uri string) {
	for _, ss := range s.Sessions() {
		ss.mu.Lock()
		_, subscribed := ss.subscriptions[uri]
		ss.mu.Unlock()
		if !subscribed {
			continue
		}
		err := ss.sess.Notify(ctx, mcp.NOTIFICATION_RESOURCES_UPDATED, mcp.ResourceUpdatedParams{URI: uri})
		if err != nil && s.logger != nil {
			s.logger.DebugContext(ctx, fmt.Sprintf("unable to send resource update for %q: %s", uri, err))
		}
	}
}

// ServerSession is one connected client, with its negotiated state and
// subscription set.
type ServerSession struct {
	server *Server
	sess   *session.Session

	mu                 sync.Mutex
	clientInfo         mcp.Implementation
	clientCapabilities mcp.ClientCapabilities
	protocolVersion    string
	logLevel           mcp.LoggingLevel
	subscriptions      map[string]struct{}
}

// Session exposes the underlying engine, mainly for tests and custom
// notifications.
func (ss *ServerSession) Session() *session.Session { return ss.sess }

// ClientInfo returns the peer's implementation info after initialize.
func (ss *ServerSession) ClientInfo() mcp.Implementation {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.clientInfo
}

// ClientCapabilities returns the peer's advertised capabilities.
func (ss *ServerSession) ClientCapabilities() mcp.ClientCapabilities {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.clientCapabilities
}

// Close tears the session down.
func (ss *ServerSession) Close() error {
	ss.mu.Lock()
	ss.subscriptions = make(map[string]struct{})
	ss.mu.Unlock()
	return ss.sess.Close()
}

// Done is closed once the session is closed.
func (ss *ServerSession) Done() <-chan struct{} { return ss.sess.Done() }

func (ss *ServerSession) handleInitialized(ctx context.Context, _ *session.Session, _ json.RawMessage) {
	if err := ss.sess.MarkReady(); err != nil {
		if ss.server.logger != nil {
			ss.server.logger.WarnContext(ctx, fmt.Sprintf("unexpected initialized notification: %s", err))
		}
		return
	}
	if ss.server.logger != nil {
		ss.server.logger.DebugContext(ctx, fmt.Sprintf("session ready, client %q", ss.ClientInfo().Name))
	}
}

func (ss *ServerSession) handleRootsListChanged(ctx context.Context, _ *session.Session, _ json.RawMessage) {
	// the core keeps no roots cache, so the notification is accepted and
	// ignored
}

/* Server-initiated requests */

// Ping checks connection liveness.
func (ss *ServerSession) Ping(ctx context.Context) error {
	return ss.sess.Call(ctx, mcp.PING, struct{}{}, nil)
}

// CreateMessage asks the client to run an LLM generation. The client must
// advertise the sampling capability.
func (ss *ServerSession) CreateMessage(ctx context.Context, params mcp.CreateMessageParams, opts ...session.CallOption) (mcp.CreateMessageResult, error) {
	var result mcp.CreateMessageResult
	if ss.ClientCapabilities().Sampling == nil {
		return result, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "client does not support sampling"}
	}
	err := ss.sess.Call(ctx, mcp.SAMPLING_CREATE_MESSAGE, params, &result, opts...)
	return result, err
}

// Elicit asks the client to collect structured user input. The client must
// advertise the elicitation capability.
func (ss *ServerSession) Elicit(ctx context.Context, params mcp.ElicitParams, opts ...session.CallOption) (mcp.ElicitResult, error) {
	var result mcp.ElicitResult
	if ss.ClientCapabilities().Elicitation == nil {
		return result, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "client does not support elicitation"}
	}
	err := ss.sess.Call(ctx, mcp.ELICITATION_CREATE, params, &result, opts...)
	return result, err
}

// ListRoots fetches the client's root set. The client must advertise the
// roots capability.
func (ss *ServerSession) ListRoots(ctx context.Context) (mcp.ListRootsResult, error) {
	var result mcp.ListRootsResult
	if ss.ClientCapabilities().Roots == nil {
		return result, &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: "client does not support roots"}
	}
	err := ss.sess.Call(ctx, mcp.ROOTS_LIST, struct{}{}, &result)
	return result, err
}

// Log emits a notifications/message frame if level passes the session's
// minimum set via logging/setLevel.
func (ss *ServerSession) Log(ctx context.Context, level mcp.LoggingLevel, loggerName string, data any) error {
	ss.mu.Lock()
	min := ss.logLevel
	ss.mu.Unlock()
	if !level.AtLeast(min) {
		return nil
	}
	return ss.sess.Notify(ctx, mcp.NOTIFICATION_MESSAGE, mcp.LoggingMessageParams{Level: level, Logger: loggerName, Data: data})
}
