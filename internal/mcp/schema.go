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
)

// PrimitiveSchema is a restricted JSON Schema describing one field of an
// elicitation form: string, number, integer, boolean, or string-with-enum.
// The variant is tagged by "type", with the enum subtype inferred from the
// presence of the enum member.
type PrimitiveSchema interface {
	isPrimitiveSchema()
}

// StringSchema describes a free-form string field.
type StringSchema struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	MinLength   *Integer `json:"minLength,omitempty"`
	MaxLength   *Integer `json:"maxLength,omitempty"`
	// One of "email", "uri", "date", "date-time".
	Format string `json:"format,omitempty"`
}

// NumberSchema describes a number or integer field; Type distinguishes the
// two.
type NumberSchema struct {
	Type        string  `json:"type"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Minimum     *Number `json:"minimum,omitempty"`
	Maximum     *Number `json:"maximum,omitempty"`
}

// BooleanSchema describes a boolean field.
type BooleanSchema struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Default     *bool  `json:"default,omitempty"`
}

// EnumSchema describes a string field restricted to a fixed value set.
type EnumSchema struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum"`
	// Display names matching Enum by index.
	EnumNames []string `json:"enumNames,omitempty"`
}

func (StringSchema) isPrimitiveSchema()  {}
func (NumberSchema) isPrimitiveSchema()  {}
func (BooleanSchema) isPrimitiveSchema() {}
func (EnumSchema) isPrimitiveSchema()    {}

// UnmarshalPrimitiveSchema buffers the object and dispatches on the "type"
// discriminator; a string schema with an enum member decodes as EnumSchema.
func UnmarshalPrimitiveSchema(data []byte) (PrimitiveSchema, error) {
	var probe struct {
		Type string          `json:"type"`
		Enum json.RawMessage `json:"enum"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid primitive schema: %w", err)
	}
	switch probe.Type {
	case "string":
		if probe.Enum != nil {
			var s EnumSchema
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return s, nil
		}
		var s StringSchema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "number", "integer":
		var s NumberSchema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "boolean":
		var s BooleanSchema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "":
		return nil, fmt.Errorf("primitive schema is missing its type discriminator")
	default:
		return nil, fmt.Errorf("unknown primitive schema type %q", probe.Type)
	}
}

// PrimitiveSchemaMap is a decoded property map of an elicitation form.
type PrimitiveSchemaMap map[string]PrimitiveSchema

func (m *PrimitiveSchemaMap) UnmarshalJSON(data []byte) error {
	var raws map[string]json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(map[string]PrimitiveSchema, len(raws))
	for k, r := range raws {
		s, err := UnmarshalPrimitiveSchema(r)
		if err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = s
	}
	*m = out
	return nil
}
