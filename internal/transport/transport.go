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

// Package transport defines the message-oriented duplex channel a session
// runs over, plus the concrete ports shipped with the runtime: an
// in-process pipe and newline-delimited stdio.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send after the port has disconnected.
var ErrNotConnected = errors.New("transport: not connected")

// Transport is one side of a message-oriented duplex channel. Each frame is
// one complete JSON value. The message stream is in-order and at-most-once
// per frame; it is closed when the remote disconnects.
type Transport interface {
	// Send writes one frame. It fails with ErrNotConnected once the port
	// is closed.
	Send(ctx context.Context, frame []byte) error
	// Messages returns the single-consumer inbound frame stream. The
	// channel is closed on disconnect; Err reports the cause, if any.
	Messages() <-chan []byte
	// Err returns the terminal receive error after Messages is closed,
	// or nil for a clean close.
	Err() error
	// SessionID is an opaque identifier, non-empty only when the
	// underlying transport multiplexes sessions.
	SessionID() string
	// Close tears the port down. It is idempotent and completes the
	// message stream.
	Close() error
}
