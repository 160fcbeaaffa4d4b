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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Stdio is a newline-delimited transport over a reader/writer pair,
// typically a child process's stdin/stdout. One frame per line.
type Stdio struct {
	reader *bufio.Reader
	writer io.Writer

	in *frameQueue

	writeMu   sync.Mutex
	mu        sync.Mutex
	closed    bool
	readErr   error
	closeOnce sync.Once
}

// NewStdio returns a transport reading frames from in and writing frames to
// out. The read loop starts immediately.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	t := &Stdio{
		reader: bufio.NewReader(in),
		writer: out,
		in:     newFrameQueue(),
	}
	go t.readInputStream()
	return t
}

// readInputStream reads frames from the input stream until EOF or error.
func (t *Stdio) readInputStream() {
	defer t.in.close()
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				t.mu.Lock()
				t.readErr = err
				t.mu.Unlock()
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if !t.in.push([]byte(line)) {
			return
		}
	}
}

func (t *Stdio) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := fmt.Fprintf(t.writer, "%s\n", frame); err != nil {
		return fmt.Errorf("unable to write frame: %w", err)
	}
	return nil
}

func (t *Stdio) Messages() <-chan []byte { return t.in.out }

func (t *Stdio) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

func (t *Stdio) SessionID() string { return "" }

func (t *Stdio) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.in.abort()
		if c, ok := t.writer.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return nil
}
