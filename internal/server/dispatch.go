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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mcpd-io/mcpd/internal/jsonrpc"
	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/registry"
	"github.com/mcpd-io/mcpd/internal/session"
)

func invalidRequest(format string, args ...any) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.INVALID_REQUEST, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(format string, args ...any) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf(format, args...)}
}

func methodNotFound(method string) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("method %q not found", method)}
}

// handleRequest is the server's receiving method table. It owns the
// lifecycle gate: before the session is ready only initialize and ping are
// served.
func (ss *ServerSession) handleRequest(ctx context.Context, sess *session.Session, method string, params json.RawMessage) (result any, err error) {
	s := ss.server
	if s.inst != nil {
		start := time.Now()
		ctx2, sp := s.inst.Tracer.Start(ctx, "mcpd/server/"+method)
		ctx = ctx2
		defer func() {
			sp.End()
			status := "success"
			if err != nil {
				status = "error"
			}
			s.inst.RequestsServed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("mcpd.method", method),
				attribute.String("mcpd.status", status),
			))
			s.inst.RequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				attribute.String("mcpd.method", method),
			))
		}()
	}

	switch method {
	case mcp.INITIALIZE:
		return ss.handleInitialize(ctx, params)
	case mcp.PING:
		return mcp.EmptyResult{}, nil
	}

	if sess.State() != session.StateReady {
		return nil, invalidRequest("method %q before initialized notification", method)
	}

	switch method {
	case mcp.TOOLS_LIST:
		if !s.opts.Tools {
			return nil, methodNotFound(method)
		}
		return ss.handleToolsList(ctx, params)
	case mcp.TOOLS_CALL:
		if !s.opts.Tools {
			return nil, methodNotFound(method)
		}
		return ss.handleToolsCall(ctx, params)
	case mcp.PROMPTS_LIST:
		if !s.opts.Prompts {
			return nil, methodNotFound(method)
		}
		return ss.handlePromptsList(ctx, params)
	case mcp.PROMPTS_GET:
		if !s.opts.Prompts {
			return nil, methodNotFound(method)
		}
		return ss.handlePromptsGet(ctx, params)
	case mcp.RESOURCES_LIST:
		if !s.opts.Resources {
			return nil, methodNotFound(method)
		}
		return ss.handleResourcesList(ctx, params)
	case mcp.RESOURCES_TEMPLATES_LIST:
		if !s.opts.Resources {
			return nil, methodNotFound(method)
		}
		return ss.handleResourceTemplatesList(ctx, params)
	case mcp.RESOURCES_READ:
		if !s.opts.Resources {
			return nil, methodNotFound(method)
		}
		return ss.handleResourcesRead(ctx, params)
	case mcp.RESOURCES_SUBSCRIBE:
		if !s.opts.Resources || !s.opts.ResourcesSubscribe {
			return nil, methodNotFound(method)
		}
		return ss.handleSubscribe(ctx, params)
	case mcp.RESOURCES_UNSUBSCRIBE:
		if !s.opts.Resources || !s.opts.ResourcesSubscribe {
			return nil, methodNotFound(method)
		}
		return ss.handleUnsubscribe(ctx, params)
	case mcp.LOGGING_SET_LEVEL:
		if !s.opts.Logging {
			return nil, methodNotFound(method)
		}
		return ss.handleSetLevel(ctx, params)
	case mcp.COMPLETION_COMPLETE:
		if !s.opts.Completions {
			return nil, methodNotFound(method)
		}
		return ss.handleComplete(ctx, params)
	default:
		return nil, methodNotFound(method)
	}
}

func (ss *ServerSession) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ss.sess.BeginInitializing(); err != nil {
		return nil, invalidRequest("initialize received twice")
	}

	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid initialize params: %s", err)
		}
	}

	ss.mu.Lock()
	ss.clientInfo = p.ClientInfo
	ss.clientCapabilities = p.Capabilities
	ss.protocolVersion = mcp.NegotiateProtocolVersion(p.ProtocolVersion)
	version := ss.protocolVersion
	ss.mu.Unlock()

	if ss.server.logger != nil {
		ss.server.logger.DebugContext(ctx, fmt.Sprintf("initialize from %q, negotiated protocol %s", p.ClientInfo.Name, version))
	}

	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    ss.server.capabilities(),
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	}, nil
}

/* Listing */

// listCombined pages a static registry first, then the fallback handler's
// space. The two spaces stay distinct through the cursor's space prefix. On
// duplicate names the static registry wins: handler items shadowed by a
// static entry are dropped.
func listCombined[E any](
	ctx context.Context,
	ss *ServerSession,
	set *registry.Set[E],
	fallback func(ctx context.Context, ss *ServerSession, position string) ([]E, string, error),
	cursor mcp.Cursor,
	nameOf func(E) string,
) ([]E, mcp.Cursor, error) {
	space, position := registry.SpaceStatic, ""
	if cursor != "" {
		var err error
		space, position, err = registry.DecodeCursor(string(cursor))
		if err != nil {
			return nil, "", invalidParams("unknown cursor")
		}
	}

	if space == registry.SpaceStatic {
		items, last, hasMore := set.Page(position)
		switch {
		case hasMore:
			return items, mcp.Cursor(registry.EncodeCursor(registry.SpaceStatic, last)), nil
		case fallback != nil:
			// static space exhausted; hand the next page over to the
			// handler space
			return items, mcp.Cursor(registry.EncodeCursor(registry.SpaceHandler, "")), nil
		default:
			return items, "", nil
		}
	}

	if fallback == nil {
		return nil, "", invalidParams("unknown cursor")
	}
	items, next, err := fallback(ctx, ss, position)
	if err != nil {
		return nil, "", err
	}
	kept := make([]E, 0, len(items))
	for _, item := range items {
		if _, shadowed := set.Get(nameOf(item)); shadowed {
			continue
		}
		kept = append(kept, item)
	}
	if next == "" {
		return kept, "", nil
	}
	return kept, mcp.Cursor(registry.EncodeCursor(registry.SpaceHandler, next)), nil
}

func decodePaginated(params json.RawMessage) (mcp.PaginatedParams, error) {
	var p mcp.PaginatedParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return p, invalidParams("invalid list params: %s", err)
		}
	}
	return p, nil
}

func (ss *ServerSession) handleToolsList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodePaginated(params)
	if err != nil {
		return nil, err
	}
	entries, next, err := listCombined(ctx, ss, ss.server.tools, ss.server.opts.Handlers.ListTools, p.Cursor,
		func(e ToolEntry) string { return e.Tool.Name })
	if err != nil {
		return nil, err
	}
	tools := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	return mcp.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (ss *ServerSession) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid tools call params: %s", err)
	}
	entry, ok := ss.server.tools.Get(p.Name)
	if !ok {
		return nil, invalidParams("invalid tool name: tool with name %q does not exist", p.Name)
	}

	token := session.ProgressTokenFromParams(params)
	progress := ProgressReporter(func(progress, total float64, message string) {
		if err := ss.sess.NotifyProgress(ctx, token, progress, total, message); err != nil && ss.server.logger != nil {
			ss.server.logger.DebugContext(ctx, fmt.Sprintf("unable to send progress for %q: %s", p.Name, err))
		}
	})

	result, err := entry.Handler(ctx, ToolRequest{Session: ss, Params: p, Progress: progress})
	if err != nil {
		// execution failure: packaged as an isError result so the
		// model can see it and self-correct
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return mcp.CallToolResult{
			Content: mcp.ContentBlocks{mcp.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (ss *ServerSession) handlePromptsList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodePaginated(params)
	if err != nil {
		return nil, err
	}
	entries, next, err := listCombined(ctx, ss, ss.server.prompts, ss.server.opts.Handlers.ListPrompts, p.Cursor,
		func(e PromptEntry) string { return e.Prompt.Name })
	if err != nil {
		return nil, err
	}
	prompts := make([]mcp.Prompt, 0, len(entries))
	for _, e := range entries {
		prompts = append(prompts, e.Prompt)
	}
	return mcp.ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (ss *ServerSession) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid prompts get params: %s", err)
	}
	entry, ok := ss.server.prompts.Get(p.Name)
	if !ok {
		return nil, invalidParams("invalid prompt name: prompt with name %q does not exist", p.Name)
	}
	for _, arg := range entry.Prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := p.Arguments[arg.Name]; !present {
			return nil, invalidParams("missing required argument %q", arg.Name)
		}
	}
	result, err := entry.Handler(ctx, ss, p)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (ss *ServerSession) handleResourcesList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodePaginated(params)
	if err != nil {
		return nil, err
	}
	entries, next, err := listCombined(ctx, ss, ss.server.resources, ss.server.opts.Handlers.ListResources, p.Cursor,
		func(e ResourceEntry) string { return e.Resource.URI })
	if err != nil {
		return nil, err
	}
	resources := make([]mcp.Resource, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, e.Resource)
	}
	return mcp.ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (ss *ServerSession) handleResourceTemplatesList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodePaginated(params)
	if err != nil {
		return nil, err
	}
	entries, next, err := listCombined(ctx, ss, ss.server.templates, ss.server.opts.Handlers.ListResourceTemplates, p.Cursor,
		func(e ResourceTemplateEntry) string { return e.Template.URITemplate.Raw() })
	if err != nil {
		return nil, err
	}
	templates := make([]mcp.ResourceTemplate, 0, len(entries))
	for _, e := range entries {
		templates = append(templates, e.Template)
	}
	return mcp.ListResourceTemplatesResult{ResourceTemplates: templates, NextCursor: next}, nil
}

// handleResourcesRead resolves a uri in order: exact static match, then the
// template set, then the fallback reader. First match wins.
func (ss *ServerSession) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid resources read params: %s", err)
	}
	if p.URI == "" {
		return nil, invalidParams("missing resource uri")
	}

	var reader ResourceReader
	if entry, ok := ss.server.resources.Get(p.URI); ok {
		reader = entry.Reader
	}
	if reader == nil {
		for _, entry := range ss.server.templates.Values() {
			if entry.Template.URITemplate.Match(p.URI) != nil {
				reader = entry.Reader
				break
			}
		}
	}
	if reader == nil {
		reader = ss.server.opts.Handlers.ReadResource
	}
	if reader == nil {
		return nil, invalidParams("unknown resource uri %q", p.URI)
	}

	contents, err := reader(ctx, ss, p.URI)
	if err != nil {
		return nil, err
	}
	return mcp.ReadResourceResult{Contents: contents}, nil
}

// handleSubscribe is idempotent: duplicates and unknown URIs are accepted.
func (ss *ServerSession) handleSubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid subscribe params: %s", err)
	}
	if p.URI == "" {
		return nil, invalidParams("missing resource uri")
	}
	ss.mu.Lock()
	ss.subscriptions[p.URI] = struct{}{}
	ss.mu.Unlock()
	if fn := ss.server.opts.Handlers.Subscribe; fn != nil {
		fn(ctx, ss, p.URI)
	}
	return mcp.EmptyResult{}, nil
}

func (ss *ServerSession) handleUnsubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.UnsubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid unsubscribe params: %s", err)
	}
	if p.URI == "" {
		return nil, invalidParams("missing resource uri")
	}
	ss.mu.Lock()
	delete(ss.subscriptions, p.URI)
	ss.mu.Unlock()
	if fn := ss.server.opts.Handlers.Unsubscribe; fn != nil {
		fn(ctx, ss, p.URI)
	}
	return mcp.EmptyResult{}, nil
}

func (ss *ServerSession) handleSetLevel(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid setLevel params: %s", err)
	}
	if !p.Level.Valid() {
		return nil, invalidParams("unknown logging level %q", p.Level)
	}
	ss.mu.Lock()
	ss.logLevel = p.Level
	ss.mu.Unlock()
	if fn := ss.server.opts.Handlers.SetLevel; fn != nil {
		fn(ctx, ss, p.Level)
	}
	return mcp.EmptyResult{}, nil
}

func (ss *ServerSession) handleComplete(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid completion params: %s", err)
	}
	if err := p.Ref.Validate(); err != nil {
		return nil, invalidParams("%s", err)
	}
	fn := ss.server.opts.Handlers.Complete
	if fn == nil {
		return mcp.CompleteResult{Completion: mcp.Completion{Values: []string{}}}, nil
	}
	result, err := fn(ctx, ss, p)
	if err != nil {
		return nil, err
	}
	if len(result.Completion.Values) > mcp.MaxCompletionValues {
		total := mcp.Integer(len(result.Completion.Values))
		result.Completion.Values = result.Completion.Values[:mcp.MaxCompletionValues]
		result.Completion.Total = &total
		result.Completion.HasMore = true
	}
	return result, nil
}
