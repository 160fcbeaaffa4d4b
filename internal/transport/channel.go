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

package transport

import (
	"context"
	"sync"
)

// Channel is a Transport fed by external plumbing, e.g. an HTTP handler
// that receives frames as request bodies and writes outbound frames to an
// SSE stream. Inbound frames arrive via Deliver; outbound frames go through
// the send function.
type Channel struct {
	id     string
	sendFn func(ctx context.Context, frame []byte) error

	in *frameQueue

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	onClose   func()
}

// NewChannel returns a channel transport with the given session id and
// outbound send function.
func NewChannel(id string, send func(ctx context.Context, frame []byte) error) *Channel {
	return &Channel{id: id, sendFn: send, in: newFrameQueue()}
}

// Deliver pushes one inbound frame. Frames delivered after Close are
// dropped.
func (c *Channel) Deliver(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.in.push(buf)
}

// OnClose registers a hook invoked once when the transport closes.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Channel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	return c.sendFn(ctx, frame)
}

func (c *Channel) Messages() <-chan []byte { return c.in.out }

func (c *Channel) Err() error { return nil }

func (c *Channel) SessionID() string { return c.id }

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		fn := c.onClose
		c.mu.Unlock()
		c.in.abort()
		if fn != nil {
			fn()
		}
	})
	return nil
}
