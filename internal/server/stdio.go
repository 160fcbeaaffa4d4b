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
	"io"

	"github.com/mcpd-io/mcpd/internal/transport"
)

// ServeStdio runs one session over newline-delimited frames on the given
// streams, blocking until the peer disconnects or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	t := transport.NewStdio(stdin, stdout)
	ss, err := s.Connect(ctx, t)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = ss.Close()
		return ctx.Err()
	case <-ss.Done():
		return t.Err()
	}
}
