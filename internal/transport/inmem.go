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

// frameQueue is an unbounded FIFO of frames. Pushes never block; a pump
// goroutine drains it into the exposed channel and owns closing it. The
// intake must not exert backpressure on the producer, or a slow consumer
// would block unrelated in-flight work.
type frameQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	closed  bool
	aborted bool
	done    chan struct{}
	out     chan []byte
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{out: make(chan []byte), done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push enqueues a frame. It reports false once the queue is closed.
func (q *frameQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.frames = append(q.frames, frame)
	q.cond.Signal()
	return true
}

// close drains remaining frames to the consumer, then completes the stream.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

// abort completes the stream immediately, dropping undelivered frames. Used
// when the local consumer is gone and nothing will drain the queue.
func (q *frameQueue) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.aborted {
		q.aborted = true
		close(q.done)
	}
	q.closed = true
	q.frames = nil
	q.cond.Signal()
}

func (q *frameQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.frames) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.frames) == 0 {
			q.mu.Unlock()
			return
		}
		frame := q.frames[0]
		q.frames = q.frames[1:]
		q.mu.Unlock()
		select {
		case q.out <- frame:
		case <-q.done:
			return
		}
	}
}

// InMemory is one end of an in-process transport pair. It wires a client
// endpoint and a server endpoint inside one process, and backs the
// end-to-end tests.
type InMemory struct {
	peer *InMemory
	in   *frameQueue

	closeOnce sync.Once
}

// NewInMemoryPair returns two connected transports. Frames sent on one end
// arrive on the other end's message stream.
func NewInMemoryPair() (*InMemory, *InMemory) {
	a := &InMemory{in: newFrameQueue()}
	b := &InMemory{in: newFrameQueue()}
	a.peer, b.peer = b, a
	return a, b
}

func (t *InMemory) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// copy so the caller may reuse its buffer
	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !t.peer.in.push(buf) {
		return ErrNotConnected
	}
	return nil
}

func (t *InMemory) Messages() <-chan []byte { return t.in.out }

func (t *InMemory) Err() error { return nil }

func (t *InMemory) SessionID() string { return "" }

// Close completes both streams: the local one immediately, and the peer's
// after already-sent frames drain, so the remote observes an orderly
// disconnect.
func (t *InMemory) Close() error {
	t.closeOnce.Do(func() {
		t.in.abort()
		t.peer.in.close()
	})
	return nil
}
