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

// Package demo wires the reference endpoint served by the CLI when no
// config file is given: a handful of exercising tools, one hundred
// numbered test resources, completable prompts. The conformance tests run
// against it.
package demo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcpd-io/mcpd/internal/log"
	"github.com/mcpd-io/mcpd/internal/mcp"
	"github.com/mcpd-io/mcpd/internal/server"
	"github.com/mcpd-io/mcpd/internal/telemetry"

	"github.com/yosida95/uritemplate/v3"
)

const (
	// StaticResourceCount is the number of numbered test resources.
	StaticResourceCount = 100
	resourceURIPrefix   = "test://static/resource/"
)

var completionValues = map[string][]string{
	"style":       {"formal", "casual", "technical"},
	"temperature": {"0", "0.5", "0.7", "1.0"},
	"resourceId":  {"1", "2", "3", "4", "5"},
}

// NewServer builds the reference endpoint.
func NewServer(version string, logger log.Logger, inst *telemetry.Instrumentation) *server.Server {
	s := server.New(mcp.Implementation{Name: "mcpd-everything", Version: version}, server.Options{
		Instructions:         "Reference endpoint exercising every feature group of the protocol.",
		Tools:                true,
		ToolsListChanged:     true,
		Prompts:              true,
		PromptsListChanged:   true,
		Resources:            true,
		ResourcesSubscribe:   true,
		ResourcesListChanged: true,
		Logging:              true,
		Completions:          true,
		Logger:               logger,
		Instrumentation:      inst,
		Handlers: server.Handlers{
			Complete: completeHandler,
		},
	})

	addTools(s)
	addResources(s)
	addPrompts(s)
	return s
}

func addTools(s *server.Server) {
	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Message to echo"}},"required":["message"]}`),
	}, func(ctx context.Context, req server.ToolRequest) (mcp.CallToolResult, error) {
		message, ok := req.Params.Arguments["message"].(string)
		if !ok {
			return mcp.CallToolResult{}, fmt.Errorf("message must be a string")
		}
		return mcp.CallToolResult{
			Content: mcp.ContentBlocks{mcp.NewTextContent("Echo: " + message)},
		}, nil
	})

	s.AddTool(mcp.Tool{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	}, func(ctx context.Context, req server.ToolRequest) (mcp.CallToolResult, error) {
		a, aok := toFloat(req.Params.Arguments["a"])
		b, bok := toFloat(req.Params.Arguments["b"])
		if !aok || !bok {
			return mcp.CallToolResult{}, fmt.Errorf("a and b must be numbers")
		}
		sum := strconv.FormatFloat(a+b, 'f', -1, 64)
		return mcp.CallToolResult{
			Content:           mcp.ContentBlocks{mcp.NewTextContent(fmt.Sprintf("The sum of %v and %v is %s.", a, b, sum))},
			StructuredContent: json.RawMessage(fmt.Sprintf(`{"sum":%s}`, sum)),
		}, nil
	})

	s.AddTool(mcp.Tool{
		Name:        "longRunningOperation",
		Description: "Demonstrates a long running operation with progress updates",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"duration":{"type":"number","description":"Duration of the operation in seconds","default":10},"steps":{"type":"number","description":"Number of steps in the operation","default":5}}}`),
	}, func(ctx context.Context, req server.ToolRequest) (mcp.CallToolResult, error) {
		duration, ok := toFloat(req.Params.Arguments["duration"])
		if !ok {
			duration = 10
		}
		steps, ok := toFloat(req.Params.Arguments["steps"])
		if !ok || steps < 1 {
			steps = 5
		}
		interval := time.Duration(duration / steps * float64(time.Second))
		for i := 1; i <= int(steps); i++ {
			select {
			case <-ctx.Done():
				return mcp.CallToolResult{}, ctx.Err()
			case <-time.After(interval):
			}
			req.Progress(float64(i), steps, fmt.Sprintf("step %d of %d", i, int(steps)))
		}
		return mcp.CallToolResult{
			Content: mcp.ContentBlocks{mcp.NewTextContent(
				fmt.Sprintf("Long running operation completed. Duration: %v seconds, Steps: %v.", duration, int(steps)))},
		}, nil
	})

	s.AddTool(mcp.Tool{
		Name:        "sampleLLM",
		Description: "Samples from an LLM using the client's sampling capability",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"The prompt to send to the LLM"},"maxTokens":{"type":"number","default":100}},"required":["prompt"]}`),
	}, func(ctx context.Context, req server.ToolRequest) (mcp.CallToolResult, error) {
		prompt, ok := req.Params.Arguments["prompt"].(string)
		if !ok {
			return mcp.CallToolResult{}, fmt.Errorf("prompt must be a string")
		}
		maxTokens, ok := toFloat(req.Params.Arguments["maxTokens"])
		if !ok {
			maxTokens = 100
		}
		result, err := req.Session.CreateMessage(ctx, mcp.CreateMessageParams{
			Messages: []mcp.SamplingMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(prompt),
			}},
			MaxTokens: int(maxTokens),
		})
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		text := ""
		if tc, ok := result.Content.(mcp.TextContent); ok {
			text = tc.Text
		}
		return mcp.CallToolResult{
			Content: mcp.ContentBlocks{mcp.NewTextContent("LLM sampling result: " + text)},
		}, nil
	})
}

// addResources registers the numbered test resources: odd ids are
// plaintext, even ids carry a base64 blob. A template covers the family
// for clients that construct URIs.
func addResources(s *server.Server) {
	for i := 1; i <= StaticResourceCount; i++ {
		uri := resourceURIPrefix + strconv.Itoa(i)
		if i%2 != 0 {
			s.AddResource(mcp.Resource{
				URI:      uri,
				Name:     "Resource " + strconv.Itoa(i),
				MimeType: "text/plain",
			}, readStaticResource)
		} else {
			s.AddResource(mcp.Resource{
				URI:      uri,
				Name:     "Resource " + strconv.Itoa(i),
				MimeType: "application/octet-stream",
			}, readStaticResource)
		}
	}

	tmpl := uritemplate.MustNew(resourceURIPrefix + "{id}")
	s.AddResourceTemplate(mcp.ResourceTemplate{
		URITemplate: &mcp.URITemplate{Template: tmpl},
		Name:        "Static Resource",
		Description: "A static resource with a numeric ID",
	}, readStaticResource)
}

func readStaticResource(ctx context.Context, ss *server.ServerSession, uri string) ([]mcp.ResourceContents, error) {
	idStr := strings.TrimPrefix(uri, resourceURIPrefix)
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 1 || id > StaticResourceCount {
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
	if id%2 != 0 {
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      uri,
			MimeType: "text/plain",
			Text:     fmt.Sprintf("Resource %d: This is a plaintext resource", id),
		}}, nil
	}
	blob := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("Resource %d: This is a base64 blob", id)))
	return []mcp.ResourceContents{mcp.BlobResourceContents{
		URI:      uri,
		MimeType: "application/octet-stream",
		Blob:     blob,
	}}, nil
}

func addPrompts(s *server.Server) {
	s.AddPrompt(mcp.Prompt{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	}, func(ctx context.Context, ss *server.ServerSession, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
		return mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent("This is a simple prompt without arguments."),
			}},
		}, nil
	})

	s.AddPrompt(mcp.Prompt{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{Name: "temperature", Description: "Temperature setting", Required: true},
			{Name: "style", Description: "Output style"},
		},
	}, func(ctx context.Context, ss *server.ServerSession, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
		return mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"This is a complex prompt with arguments: temperature=%s, style=%s",
					params.Arguments["temperature"], params.Arguments["style"])),
			}},
		}, nil
	})
}

func completeHandler(ctx context.Context, ss *server.ServerSession, params mcp.CompleteParams) (mcp.CompleteResult, error) {
	values := []string{}
	for _, v := range completionValues[params.Argument.Name] {
		if strings.HasPrefix(v, params.Argument.Value) {
			values = append(values, v)
		}
	}
	return mcp.CompleteResult{Completion: mcp.Completion{Values: values}}, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
