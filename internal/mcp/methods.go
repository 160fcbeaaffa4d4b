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

// Protocol versions are date-stamped strings negotiated during initialize.
const (
	PROTOCOL_VERSION_20241105 = "2024-11-05"
	PROTOCOL_VERSION_20250326 = "2025-03-26"
	PROTOCOL_VERSION_20250618 = "2025-06-18"

	// LATEST_PROTOCOL_VERSION is the most recent version of the MCP protocol.
	LATEST_PROTOCOL_VERSION = PROTOCOL_VERSION_20250618
)

// SupportedProtocolVersions lists the versions this runtime speaks, newest
// first.
var SupportedProtocolVersions = []string{
	PROTOCOL_VERSION_20250618,
	PROTOCOL_VERSION_20250326,
	PROTOCOL_VERSION_20241105,
}

// VerifyProtocolVersion reports whether v is a version this runtime speaks.
func VerifyProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateProtocolVersion selects the version for an initialize response:
// the client's requested version when supported, otherwise the highest
// version this runtime speaks.
func NegotiateProtocolVersion(requested string) string {
	if VerifyProtocolVersion(requested) {
		return requested
	}
	return LATEST_PROTOCOL_VERSION
}

// Request methods.
const (
	INITIALIZE               = "initialize"
	PING                     = "ping"
	TOOLS_LIST               = "tools/list"
	TOOLS_CALL               = "tools/call"
	PROMPTS_LIST             = "prompts/list"
	PROMPTS_GET              = "prompts/get"
	RESOURCES_LIST           = "resources/list"
	RESOURCES_TEMPLATES_LIST = "resources/templates/list"
	RESOURCES_READ           = "resources/read"
	RESOURCES_SUBSCRIBE      = "resources/subscribe"
	RESOURCES_UNSUBSCRIBE    = "resources/unsubscribe"
	LOGGING_SET_LEVEL        = "logging/setLevel"
	COMPLETION_COMPLETE      = "completion/complete"
	SAMPLING_CREATE_MESSAGE  = "sampling/createMessage"
	ELICITATION_CREATE       = "elicitation/create"
	ROOTS_LIST               = "roots/list"
)

// Notification methods.
const (
	NOTIFICATION_INITIALIZED            = "notifications/initialized"
	NOTIFICATION_CANCELLED              = "notifications/cancelled"
	NOTIFICATION_PROGRESS               = "notifications/progress"
	NOTIFICATION_MESSAGE                = "notifications/message"
	NOTIFICATION_RESOURCES_UPDATED      = "notifications/resources/updated"
	NOTIFICATION_TOOLS_LIST_CHANGED     = "notifications/tools/list_changed"
	NOTIFICATION_PROMPTS_LIST_CHANGED   = "notifications/prompts/list_changed"
	NOTIFICATION_RESOURCES_LIST_CHANGED = "notifications/resources/list_changed"
	NOTIFICATION_ROOTS_LIST_CHANGED     = "notifications/roots/list_changed"
)
