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

package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Meta is the protocol-reserved metadata member carried on params, results
// and content blocks.
type Meta map[string]any

// Role identifies message participants in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations inform the client how an object is used or displayed.
type Annotations struct {
	// Intended customers of this object, e.g. ["user", "assistant"].
	Audience []Role `json:"audience,omitempty"`
	// Importance, 1 meaning effectively required and 0 entirely optional.
	Priority float64 `json:"priority,omitempty"`
}

// Number is a float64 that also accepts its JSON value quoted as a string,
// for compatibility with peers that emit numeric strings.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("value must be a number or a numeric string")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric string %q", s)
	}
	*n = Number(f)
	return nil
}

// Integer is an int64 that also accepts its JSON value quoted as a string.
type Integer int64

func (n *Integer) UnmarshalJSON(data []byte) error {
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*n = Integer(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("value must be an integer or a numeric string")
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer string %q", s)
	}
	*n = Integer(i)
	return nil
}

/* Content blocks */

// ContentBlock is content provided to or from an LLM, tagged by "type":
// text, image, audio, resource (embedded), or resource_link.
type ContentBlock interface {
	isContentBlock()
}

// TextContent represents text provided to or from an LLM.
type TextContent struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// ImageContent carries a base64-encoded image.
type ImageContent struct {
	Type        string       `json:"type"`
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// AudioContent carries a base64-encoded audio clip.
type AudioContent struct {
	Type        string       `json:"type"`
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// EmbeddedResource embeds the contents of a resource into a message.
type EmbeddedResource struct {
	Type        string           `json:"type"`
	Resource    ResourceContents `json:"resource"`
	Annotations *Annotations     `json:"annotations,omitempty"`
	Meta        Meta             `json:"_meta,omitempty"`
}

// ResourceLink references a resource without embedding its contents.
type ResourceLink struct {
	Type        string       `json:"type"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        *Integer     `json:"size,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

func (TextContent) isContentBlock()      {}
func (ImageContent) isContentBlock()     {}
func (AudioContent) isContentBlock()     {}
func (EmbeddedResource) isContentBlock() {}
func (ResourceLink) isContentBlock()     {}

// NewTextContent returns a text block.
func NewTextContent(text string) TextContent {
	return TextContent{Type: "text", Text: text}
}

// UnmarshalContentBlock buffers the object and dispatches on its "type"
// discriminator, so property order does not matter. A missing or unknown
// discriminator is rejected.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid content block: %w", err)
	}
	switch probe.Type {
	case "text":
		var c TextContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "image":
		var c ImageContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "audio":
		var c AudioContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "resource":
		var raw struct {
			Resource    json.RawMessage `json:"resource"`
			Annotations *Annotations    `json:"annotations,omitempty"`
			Meta        Meta            `json:"_meta,omitempty"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		rc, err := UnmarshalResourceContents(raw.Resource)
		if err != nil {
			return nil, err
		}
		return EmbeddedResource{Type: "resource", Resource: rc, Annotations: raw.Annotations, Meta: raw.Meta}, nil
	case "resource_link":
		var c ResourceLink
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "":
		return nil, fmt.Errorf("content block is missing its type discriminator")
	default:
		return nil, fmt.Errorf("unknown content block type %q", probe.Type)
	}
}

// ContentBlocks is a decoded slice of content blocks.
type ContentBlocks []ContentBlock

func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, r := range raws {
		b, err := UnmarshalContentBlock(r)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	*c = blocks
	return nil
}

/* Resource contents */

// ResourceContents is the contents of a specific resource, either text or a
// base64 blob. Every instance carries the resource uri.
type ResourceContents interface {
	isResourceContents()
	ContentsURI() string
}

// TextResourceContents contains text.
type TextResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
	Meta     Meta   `json:"_meta,omitempty"`
}

// BlobResourceContents contains base64-encoded binary data.
type BlobResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Blob     string `json:"blob"`
	Meta     Meta   `json:"_meta,omitempty"`
}

func (TextResourceContents) isResourceContents() {}
func (BlobResourceContents) isResourceContents() {}

func (c TextResourceContents) ContentsURI() string { return c.URI }
func (c BlobResourceContents) ContentsURI() string { return c.URI }

// UnmarshalResourceContents dispatches on field presence: a blob member
// selects the blob variant, else a text member selects the text variant,
// else the contents decode as nil.
func UnmarshalResourceContents(data []byte) (ResourceContents, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid resource contents: %w", err)
	}
	if _, ok := raw["blob"]; ok {
		var c BlobResourceContents
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	if _, ok := raw["text"]; ok {
		var c TextResourceContents
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// ResourceContentsList is a decoded slice of resource contents.
type ResourceContentsList []ResourceContents

func (l *ResourceContentsList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make([]ResourceContents, 0, len(raws))
	for _, r := range raws {
		c, err := UnmarshalResourceContents(r)
		if err != nil {
			return err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	*l = out
	return nil
}

/* References */

// Reference identifies a prompt or resource for completion requests,
// tagged by "type": ref/prompt or ref/resource.
type Reference struct {
	Type string `json:"type"`
	// Name of the referenced prompt; required for ref/prompt.
	Name string `json:"name,omitempty"`
	// URI of the referenced resource; required for ref/resource.
	URI string `json:"uri,omitempty"`
}

const (
	ReferenceTypePrompt   = "ref/prompt"
	ReferenceTypeResource = "ref/resource"
)

// Validate checks the discriminator and its required field.
func (r Reference) Validate() error {
	switch r.Type {
	case ReferenceTypePrompt:
		if r.Name == "" {
			return fmt.Errorf("ref/prompt requires a name")
		}
	case ReferenceTypeResource:
		if r.URI == "" {
			return fmt.Errorf("ref/resource requires a uri")
		}
	case "":
		return fmt.Errorf("reference is missing its type discriminator")
	default:
		return fmt.Errorf("unknown reference type %q", r.Type)
	}
	return nil
}
