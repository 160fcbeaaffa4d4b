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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverityToLevel(t *testing.T) {
	tcs := []struct {
		name string
		in   string
		want slog.Level
	}{
		{
			name: "test debug",
			in:   "Debug",
			want: slog.LevelDebug,
		},
		{
			name: "test info",
			in:   "Info",
			want: slog.LevelInfo,
		},
		{
			name: "test warn",
			in:   "Warn",
			want: slog.LevelWarn,
		},
		{
			name: "test error",
			in:   "Error",
			want: slog.LevelError,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SeverityToLevel(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if got != tc.want {
				t.Fatalf("incorrect level to severity: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSeverityToLevelError(t *testing.T) {
	_, err := SeverityToLevel("fail")
	if err == nil {
		t.Fatalf("expected error on incorrect level")
	}
}

func runLogger(ctx context.Context, logger Logger, logMsg string) {
	switch logMsg {
	case "info":
		logger.InfoContext(ctx, "log info")
	case "debug":
		logger.DebugContext(ctx, "log debug")
	case "warn":
		logger.WarnContext(ctx, "log warn")
	case "error":
		logger.ErrorContext(ctx, "log error")
	}
}

func TestStdLogger(t *testing.T) {
	tcs := []struct {
		name     string
		logLevel string
		logMsg   string
		wantOut  string
		wantErr  string
	}{
		{
			name:     "debug logger logging debug",
			logLevel: "debug",
			logMsg:   "debug",
			wantOut:  "DEBUG \"log debug\" \n",
			wantErr:  "",
		},
		{
			name:     "info logger logging debug",
			logLevel: "info",
			logMsg:   "debug",
			wantOut:  "",
			wantErr:  "",
		},
		{
			name:     "info logger logging info",
			logLevel: "info",
			logMsg:   "info",
			wantOut:  "INFO \"log info\" \n",
			wantErr:  "",
		},
		{
			name:     "info logger logging warn",
			logLevel: "info",
			logMsg:   "warn",
			wantOut:  "",
			wantErr:  "WARN \"log warn\" \n",
		},
		{
			name:     "error logger logging error",
			logLevel: "error",
			logMsg:   "error",
			wantOut:  "",
			wantErr:  "ERROR \"log error\" \n",
		},
		{
			name:     "error logger logging warn",
			logLevel: "error",
			logMsg:   "warn",
			wantOut:  "",
			wantErr:  "",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			outW := new(bytes.Buffer)
			errW := new(bytes.Buffer)
			logger, err := NewStdLogger(outW, errW, tc.logLevel)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			runLogger(context.Background(), logger, tc.logMsg)
			if got := outW.String(); got != tc.wantOut {
				t.Fatalf("unexpected out stream: got %q, want %q", got, tc.wantOut)
			}
			if got := errW.String(); got != tc.wantErr {
				t.Fatalf("unexpected err stream: got %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestStdLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := NewStdLogger(new(bytes.Buffer), new(bytes.Buffer), "verbose"); err == nil {
		t.Fatalf("expected error on invalid level")
	}
}

func TestStructuredLogger(t *testing.T) {
	outW := new(bytes.Buffer)
	errW := new(bytes.Buffer)
	logger, err := NewStructuredLogger(outW, errW, "info")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	logger.InfoContext(context.Background(), "structured message", "session", "abc")

	var record map[string]any
	if err := json.Unmarshal(outW.Bytes(), &record); err != nil {
		t.Fatalf("unexpected error unmarshalling record: %s", err)
	}
	if record["message"] != "structured message" {
		t.Fatalf("unexpected message field: %v", record["message"])
	}
	if record["severity"] != "INFO" {
		t.Fatalf("unexpected severity field: %v", record["severity"])
	}
	if record["session"] != "abc" {
		t.Fatalf("unexpected attribute: %v", record["session"])
	}
	if _, ok := record["timestamp"]; !ok {
		t.Fatalf("missing timestamp field")
	}
}

func TestValueTextHandlerAttrs(t *testing.T) {
	outW := new(bytes.Buffer)
	logger, err := NewStdLogger(outW, new(bytes.Buffer), "info")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	logger.InfoContext(context.Background(), "msg", "method", "tools/list", "count", 3)
	got := outW.String()
	if !strings.Contains(got, `method="tools/list"`) || !strings.Contains(got, "count=3") {
		t.Fatalf("unexpected record: %q", got)
	}
}
