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
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"github.com/mcpd-io/mcpd/internal/mcp"
)

// Config is the runtime configuration assembled by the CLI.
type Config struct {
	// Server version.
	Version string
	// Address is the address of the interface the server will listen on.
	Address string
	// Port is the port the server will listen on.
	Port int
	// LoggingFormat defines whether structured logging is used.
	LoggingFormat LogFormat
	// LogLevel defines the levels to log.
	LogLevel StringLevel
	// TelemetryOTLP defines the OTLP collector url for telemetry exports.
	TelemetryOTLP string
	// TelemetryServiceName defines the value of the service.name resource attribute.
	TelemetryServiceName string
	// Stdio indicates listening via MCP stdio instead of HTTP.
	Stdio bool
	// DisableReload disables dynamic reloading of the config file.
	DisableReload bool
}

// LogFormat is the logging format flag value.
type LogFormat string

// String is used by both fmt.Print and by Cobra in help text.
func (f *LogFormat) String() string {
	if string(*f) != "" {
		return strings.ToLower(string(*f))
	}
	return "standard"
}

// Set validates the logging format flag.
func (f *LogFormat) Set(v string) error {
	switch strings.ToLower(v) {
	case "standard", "json":
		*f = LogFormat(v)
		return nil
	default:
		return fmt.Errorf(`log format must be one of "standard", or "json"`)
	}
}

// Type is used in Cobra help text.
func (f *LogFormat) Type() string {
	return "logFormat"
}

// StringLevel is the log level flag value.
type StringLevel string

// String is used by both fmt.Print and by Cobra in help text.
func (s *StringLevel) String() string {
	if string(*s) != "" {
		return strings.ToLower(string(*s))
	}
	return "info"
}

// Set validates the log level flag.
func (s *StringLevel) Set(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "error":
		*s = StringLevel(v)
		return nil
	default:
		return fmt.Errorf(`log level must be one of "debug", "info", "warn", or "error"`)
	}
}

// Type is used in Cobra help text.
func (s *StringLevel) Type() string {
	return "stringLevel"
}

/* Declarative endpoint file */

// File is the declarative endpoint definition loaded from YAML: server
// identity, static resources and prompts, and completion value sets.
type File struct {
	Server      ServerInfoConfig          `yaml:"server"`
	Resources   map[string]ResourceConfig `yaml:"resources"`
	Prompts     map[string]PromptConfig   `yaml:"prompts"`
	Completions map[string][]string       `yaml:"completions"`
}

// ServerInfoConfig names the served implementation.
type ServerInfoConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Title        string `yaml:"title"`
	Instructions string `yaml:"instructions"`
}

// ResourceConfig declares one static resource. Exactly one of text, blob,
// or file supplies its contents.
type ResourceConfig struct {
	URI         string `yaml:"uri" validate:"required"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mimeType"`
	Text        string `yaml:"text"`
	// Blob is base64-encoded binary content.
	Blob string `yaml:"blob"`
	// File reads contents from disk at read time.
	File string `yaml:"file"`
}

// PromptConfig declares one prompt template. Message text may interpolate
// declared arguments as ${name}.
type PromptConfig struct {
	Description string                 `yaml:"description"`
	Arguments   []PromptArgumentConfig `yaml:"arguments" validate:"dive"`
	Messages    []PromptMessageConfig  `yaml:"messages" validate:"required,min=1,dive"`
}

// PromptArgumentConfig declares one prompt argument.
type PromptArgumentConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// PromptMessageConfig declares one templated message.
type PromptMessageConfig struct {
	Role string `yaml:"role" validate:"omitempty,oneof=user assistant"`
	Text string `yaml:"text" validate:"required"`
}

// envPattern matches ${NAME} placeholders.
var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// parseEnv replaces environment variables ${ENV_NAME} with their values.
func parseEnv(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value, found := os.LookupEnv(parts[1]); found {
			return value
		}
		return match
	})
}

// ParseFile parses a declarative endpoint file, expanding ${ENV}
// references, rejecting unknown fields and running validation.
func ParseFile(ctx context.Context, raw []byte) (File, error) {
	var f File
	raw = []byte(parseEnv(string(raw)))
	err := yaml.UnmarshalContext(ctx, raw, &f, yaml.Strict(), yaml.Validator(validator.New()))
	if err != nil {
		return f, err
	}
	for name, rc := range f.Resources {
		supplied := 0
		for _, v := range []string{rc.Text, rc.Blob, rc.File} {
			if v != "" {
				supplied++
			}
		}
		if supplied != 1 {
			return f, fmt.Errorf("resource %q must declare exactly one of text, blob, or file", name)
		}
	}
	return f, nil
}

// Info returns the declared implementation identity.
func (f File) Info() mcp.Implementation {
	return mcp.Implementation{Name: f.Server.Name, Version: f.Server.Version, Title: f.Server.Title}
}

// Apply registers the declared resources and prompts on the endpoint.
func (f File) Apply(s *Server) error {
	for name, rc := range f.Resources {
		resource := mcp.Resource{
			URI:         rc.URI,
			Name:        name,
			Description: rc.Description,
			MimeType:    rc.MimeType,
		}
		s.AddResource(resource, rc.reader())
	}

	for name, pc := range f.Prompts {
		args := make([]mcp.PromptArgument, 0, len(pc.Arguments))
		for _, a := range pc.Arguments {
			args = append(args, mcp.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		prompt := mcp.Prompt{Name: name, Description: pc.Description, Arguments: args}
		s.AddPrompt(prompt, pc.handler(prompt))
	}
	return nil
}

func (rc ResourceConfig) reader() ResourceReader {
	return func(ctx context.Context, ss *ServerSession, uri string) ([]mcp.ResourceContents, error) {
		switch {
		case rc.Text != "":
			return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MimeType: rc.MimeType, Text: rc.Text}}, nil
		case rc.Blob != "":
			return []mcp.ResourceContents{mcp.BlobResourceContents{URI: uri, MimeType: rc.MimeType, Blob: rc.Blob}}, nil
		default:
			data, err := os.ReadFile(rc.File)
			if err != nil {
				return nil, fmt.Errorf("unable to read resource file %q: %w", rc.File, err)
			}
			blob := base64.StdEncoding.EncodeToString(data)
			return []mcp.ResourceContents{mcp.BlobResourceContents{URI: uri, MimeType: rc.MimeType, Blob: blob}}, nil
		}
	}
}

var argPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func (pc PromptConfig) handler(prompt mcp.Prompt) PromptHandler {
	return func(ctx context.Context, ss *ServerSession, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
		messages := make([]mcp.PromptMessage, 0, len(pc.Messages))
		for _, m := range pc.Messages {
			text := argPattern.ReplaceAllStringFunc(m.Text, func(match string) string {
				name := argPattern.FindStringSubmatch(match)[1]
				if v, ok := params.Arguments[name]; ok {
					return v
				}
				return match
			})
			role := mcp.Role(m.Role)
			if role == "" {
				role = mcp.RoleUser
			}
			messages = append(messages, mcp.PromptMessage{Role: role, Content: mcp.NewTextContent(text)})
		}
		return mcp.GetPromptResult{Description: pc.Description, Messages: messages}, nil
	}
}

// CompleteHandler serves completion/complete from the declared value sets:
// suggestions are the declared values with the given prefix.
func (f File) CompleteHandler() func(ctx context.Context, ss *ServerSession, params mcp.CompleteParams) (mcp.CompleteResult, error) {
	return func(ctx context.Context, ss *ServerSession, params mcp.CompleteParams) (mcp.CompleteResult, error) {
		values := []string{}
		for _, v := range f.Completions[params.Argument.Name] {
			if strings.HasPrefix(v, params.Argument.Value) {
				values = append(values, v)
			}
		}
		return mcp.CompleteResult{Completion: mcp.Completion{Values: values}}, nil
	}
}
