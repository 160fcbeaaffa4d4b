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

// Package mcp defines the Model Context Protocol data model: capabilities,
// primitives, and the params/result pairs of every protocol method.
package mcp

import (
	"encoding/json"

	"github.com/yosida95/uritemplate/v3"
)

// ProgressToken associates progress notifications with the original
// request. It is a string or an integer, minted by the requester and opaque
// to the receiver.
type ProgressToken any

// Cursor is an opaque token used to represent a pagination position.
type Cursor string

// RequestMeta is the _meta member of request params.
type RequestMeta struct {
	// If set, the caller requests out-of-band progress notifications for
	// this request; the value is attached to any matching
	// notifications/progress frames.
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
}

// Implementation describes the name and version of an MCP implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

/* Capabilities */

// ListChanged marks a capability group that can emit list_changed
// notifications.
type ListChanged struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability is the server's resources capability group.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities are the feature groups a server may advertise. Absence
// of a group causes the peer to reject its methods.
type ServerCapabilities struct {
	Experimental map[string]any       `json:"experimental,omitempty"`
	Tools        *ListChanged         `json:"tools,omitempty"`
	Prompts      *ListChanged         `json:"prompts,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Logging      *struct{}            `json:"logging,omitempty"`
	Completions  *struct{}            `json:"completions,omitempty"`
}

// ClientCapabilities are the feature groups a client may advertise.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Roots        *ListChanged   `json:"roots,omitempty"`
	Sampling     *struct{}      `json:"sampling,omitempty"`
	Elicitation  *struct{}      `json:"elicitation,omitempty"`
}

/* Initialization */

// InitializeParams is sent by the client when it first connects.
type InitializeParams struct {
	Meta *RequestMeta `json:"_meta,omitempty"`
	// The latest protocol version the client supports.
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult answers an initialize request.
type InitializeResult struct {
	Meta Meta `json:"_meta,omitempty"`
	// The protocol version the server wants to use. If the client cannot
	// support this version, it MUST disconnect.
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	// Instructions describing how to use the server and its features,
	// e.g. a hint added to the model's system prompt.
	Instructions string `json:"instructions,omitempty"`
}

/* Pagination */

// PaginatedParams is the params shape of every list request.
type PaginatedParams struct {
	Meta *RequestMeta `json:"_meta,omitempty"`
	// An opaque token representing the current pagination position. If
	// provided, results start after this cursor.
	Cursor Cursor `json:"cursor,omitempty"`
}

/* Tools */

// Tool is an executable function a server exposes. InputSchema must be a
// JSON Schema object with top-level type "object"; same for OutputSchema
// when present.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  *Annotations    `json:"annotations,omitempty"`
	Meta         Meta            `json:"_meta,omitempty"`
}

// DefaultToolSchema is the input schema a tool gets when none is declared.
var DefaultToolSchema = json.RawMessage(`{"type":"object"}`)

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Meta       Meta   `json:"_meta,omitempty"`
	Tools      []Tool `json:"tools"`
	NextCursor Cursor `json:"nextCursor,omitempty"`
}

// CallToolParams invokes a tool by name.
type CallToolParams struct {
	Meta      *RequestMeta   `json:"_meta,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the server's response to a tool call.
//
// Errors that originate from the tool itself are reported inside the result
// with isError set, not as a protocol-level error, so the model can see the
// failure and self-correct. Errors in finding the tool are protocol errors.
type CallToolResult struct {
	Meta              Meta            `json:"_meta,omitempty"`
	Content           ContentBlocks   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

/* Prompts */

// PromptArgument describes one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a prompt template a server exposes.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Meta        Meta             `json:"_meta,omitempty"`
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}

func (m *PromptMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := UnmarshalContentBlock(raw.Content)
	if err != nil {
		return err
	}
	m.Role, m.Content = raw.Role, c
	return nil
}

// ListPromptsResult answers prompts/list.
type ListPromptsResult struct {
	Meta       Meta     `json:"_meta,omitempty"`
	Prompts    []Prompt `json:"prompts"`
	NextCursor Cursor   `json:"nextCursor,omitempty"`
}

// GetPromptParams fetches a prompt expanded with arguments.
type GetPromptParams struct {
	Meta      *RequestMeta      `json:"_meta,omitempty"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult answers prompts/get.
type GetPromptResult struct {
	Meta        Meta            `json:"_meta,omitempty"`
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

/* Resources */

// Resource is a concrete addressable piece of server data.
type Resource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        *Integer     `json:"size,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// URITemplate wraps an RFC 6570 template for JSON serialization.
type URITemplate struct {
	*uritemplate.Template
}

func (t URITemplate) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Raw())
}

func (t *URITemplate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return err
	}
	t.Template = tmpl
	return nil
}

// ResourceTemplate describes a family of resources addressed by an RFC 6570
// URI template.
type ResourceTemplate struct {
	URITemplate *URITemplate `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// ListResourcesResult answers resources/list.
type ListResourcesResult struct {
	Meta       Meta       `json:"_meta,omitempty"`
	Resources  []Resource `json:"resources"`
	NextCursor Cursor     `json:"nextCursor,omitempty"`
}

// ListResourceTemplatesResult answers resources/templates/list.
type ListResourceTemplatesResult struct {
	Meta              Meta               `json:"_meta,omitempty"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        Cursor             `json:"nextCursor,omitempty"`
}

// ReadResourceParams fetches the contents of one resource.
type ReadResourceParams struct {
	Meta *RequestMeta `json:"_meta,omitempty"`
	URI  string       `json:"uri"`
}

// ReadResourceResult answers resources/read.
type ReadResourceResult struct {
	Meta     Meta                 `json:"_meta,omitempty"`
	Contents ResourceContentsList `json:"contents"`
}

// SubscribeParams subscribes to update notifications for a resource.
type SubscribeParams struct {
	Meta *RequestMeta `json:"_meta,omitempty"`
	URI  string       `json:"uri"`
}

// UnsubscribeParams cancels a resource subscription.
type UnsubscribeParams struct {
	Meta *RequestMeta `json:"_meta,omitempty"`
	URI  string       `json:"uri"`
}

/* Logging */

// LoggingLevel is a syslog-style message severity.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingLevelRank = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// Valid reports whether l is a known logging level.
func (l LoggingLevel) Valid() bool {
	_, ok := loggingLevelRank[l]
	return ok
}

// AtLeast reports whether l is at or above the minimum level min.
func (l LoggingLevel) AtLeast(min LoggingLevel) bool {
	return loggingLevelRank[l] >= loggingLevelRank[min]
}

// SetLevelParams adjusts the minimum severity the server sends.
type SetLevelParams struct {
	Meta  *RequestMeta `json:"_meta,omitempty"`
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams is the params of a notifications/message frame.
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

/* Completion */

// CompleteArgument names the argument being completed and its partial
// value.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteContext carries already-resolved argument values.
type CompleteContext struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// CompleteParams asks for completion suggestions for a prompt or resource
// template argument.
type CompleteParams struct {
	Meta     *RequestMeta     `json:"_meta,omitempty"`
	Ref      Reference        `json:"ref"`
	Argument CompleteArgument `json:"argument"`
	Context  *CompleteContext `json:"context,omitempty"`
}

// Completion carries up to 100 suggested values.
type Completion struct {
	Values  []string `json:"values"`
	Total   *Integer `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult answers completion/complete.
type CompleteResult struct {
	Meta       Meta       `json:"_meta,omitempty"`
	Completion Completion `json:"completion"`
}

// MaxCompletionValues caps the values member of a completion result.
const MaxCompletionValues = 100

/* Sampling */

// SamplingMessage is one message of a sampling conversation.
type SamplingMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}

func (m *SamplingMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := UnmarshalContentBlock(raw.Content)
	if err != nil {
		return err
	}
	m.Role, m.Content = raw.Role, c
	return nil
}

// ModelHint suggests a model by name substring.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences guides the client's model selection.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         float64     `json:"costPriority,omitempty"`
	SpeedPriority        float64     `json:"speedPriority,omitempty"`
	IntelligencePriority float64     `json:"intelligencePriority,omitempty"`
}

// CreateMessageParams asks the client to run an LLM generation on the
// server's behalf.
type CreateMessageParams struct {
	Meta             *RequestMeta      `json:"_meta,omitempty"`
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	Temperature      *Number           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Metadata         any               `json:"metadata,omitempty"`
}

// CreateMessageResult answers sampling/createMessage.
type CreateMessageResult struct {
	Meta       Meta         `json:"_meta,omitempty"`
	Role       Role         `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitempty"`
}

func (r *CreateMessageResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Meta       Meta            `json:"_meta,omitempty"`
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content"`
		Model      string          `json:"model"`
		StopReason string          `json:"stopReason,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := UnmarshalContentBlock(raw.Content)
	if err != nil {
		return err
	}
	r.Meta, r.Role, r.Content, r.Model, r.StopReason = raw.Meta, raw.Role, c, raw.Model, raw.StopReason
	return nil
}

/* Elicitation */

// ElicitRequestedSchema is the flat object schema describing an elicitation
// form: every property is a primitive schema.
type ElicitRequestedSchema struct {
	Type       string             `json:"type"`
	Properties PrimitiveSchemaMap `json:"properties"`
	Required   []string           `json:"required,omitempty"`
}

// ElicitParams asks the client to collect structured input from the user.
type ElicitParams struct {
	Meta            *RequestMeta          `json:"_meta,omitempty"`
	Message         string                `json:"message"`
	RequestedSchema ElicitRequestedSchema `json:"requestedSchema"`
}

// ElicitResult answers elicitation/create. Action is "accept", "decline",
// or "cancel"; Content is present only on accept.
type ElicitResult struct {
	Meta    Meta           `json:"_meta,omitempty"`
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

/* Roots */

// Root is a top-level entry point the client exposes for resource
// navigation.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
	Meta Meta   `json:"_meta,omitempty"`
}

// ListRootsResult answers roots/list.
type ListRootsResult struct {
	Meta  Meta   `json:"_meta,omitempty"`
	Roots []Root `json:"roots"`
}

/* Notifications */

// CancelledParams is the params of a notifications/cancelled frame. The
// requestId is the id of the in-flight request being cancelled.
type CancelledParams struct {
	RequestId any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressParams is the params of a notifications/progress frame.
type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      Number        `json:"progress"`
	Total         *Number       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// ResourceUpdatedParams is the params of a notifications/resources/updated
// frame.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// EmptyResult is the result of methods that succeed without data.
type EmptyResult struct {
	Meta Meta `json:"_meta,omitempty"`
}
