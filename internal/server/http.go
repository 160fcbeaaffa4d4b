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
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mcpd-io/mcpd/internal/log"
	"github.com/mcpd-io/mcpd/internal/transport"
)

// sseSession is one live SSE connection with its session transport.
type sseSession struct {
	channel    *transport.Channel
	eventQueue chan string
	done       chan struct{}
	lastActive time.Time
}

// sseManager manages and controls access to sse sessions.
type sseManager struct {
	mu          sync.Mutex
	sseSessions map[string]*sseSession
}

func newSseManager(ctx context.Context) *sseManager {
	m := &sseManager{sseSessions: make(map[string]*sseSession)}
	go m.cleanupRoutine(ctx)
	return m
}

func (m *sseManager) get(id string) (*sseSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sseSessions[id]
	if ok {
		sess.lastActive = time.Now()
	}
	return sess, ok
}

func (m *sseManager) add(id string, sess *sseSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sseSessions[id] = sess
	sess.lastActive = time.Now()
}

func (m *sseManager) remove(id string) {
	m.mu.Lock()
	delete(m.sseSessions, id)
	m.mu.Unlock()
}

func (m *sseManager) cleanupRoutine(ctx context.Context) {
	timeout := 10 * time.Minute
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for id, sess := range m.sseSessions {
				if now.Sub(sess.lastActive) > timeout {
					_ = sess.channel.Close()
					delete(m.sseSessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// HTTPServer serves MCP sessions over SSE: clients connect with GET /mcp/sse,
// then post frames to the announced message endpoint. Responses and
// notifications flow back over the event stream.
type HTTPServer struct {
	endpoint *Server
	cfg      HTTPConfig
	logger   log.Logger

	srv        *http.Server
	listener   net.Listener
	sseManager *sseManager
}

// HTTPConfig configures the HTTP serving surface.
type HTTPConfig struct {
	// Address is the address of the interface the server will listen on.
	Address string
	// Port is the port the server will listen on.
	Port int
	// LogLevel and LoggingFormat shape the request logger.
	LogLevel      string
	LoggingFormat string
}

// NewHTTPServer wires the endpoint behind a chi router.
func NewHTTPServer(ctx context.Context, endpoint *Server, cfg HTTPConfig) (*HTTPServer, error) {
	logLevel, err := log.SeverityToLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize http log: %w", err)
	}
	var httpOpts httplog.Options
	switch cfg.LoggingFormat {
	case "json":
		httpOpts = httplog.Options{
			JSON:             true,
			LogLevel:         logLevel,
			Concise:          true,
			RequestHeaders:   false,
			MessageFieldName: "message",
			TimeFieldName:    "timestamp",
			LevelFieldName:   "severity",
		}
	case "standard", "":
		httpOpts = httplog.Options{
			LogLevel:         logLevel,
			Concise:          true,
			RequestHeaders:   false,
			MessageFieldName: "message",
		}
	default:
		return nil, fmt.Errorf("invalid logging format: %q", cfg.LoggingFormat)
	}
	httpLogger := httplog.NewLogger("httplog", httpOpts)

	h := &HTTPServer{
		endpoint:   endpoint,
		cfg:        cfg,
		logger:     endpoint.logger,
		sseManager: newSseManager(ctx),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(middleware.StripSlashes)

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/sse", func(w http.ResponseWriter, req *http.Request) { h.sseHandler(w, req) })
		r.With(middleware.AllowContentType("application/json"), render.SetContentType(render.ContentTypeJSON)).
			Post("/message", func(w http.ResponseWriter, req *http.Request) { h.messageHandler(w, req) })
	})
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("mcpd: connect an MCP client via /mcp/sse"))
	})

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	h.srv = &http.Server{Addr: addr, Handler: r}
	return h, nil
}

// Listen starts a listener for the given server instance.
func (h *HTTPServer) Listen(ctx context.Context) error {
	if h.listener != nil {
		return fmt.Errorf("server is already listening: %s", h.listener.Addr().String())
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	var err error
	if h.listener, err = lc.Listen(ctx, "tcp", h.srv.Addr); err != nil {
		return fmt.Errorf("failed to open listener for %q: %w", h.srv.Addr, err)
	}
	if h.logger != nil {
		h.logger.DebugContext(ctx, fmt.Sprintf("server listening on %s", h.srv.Addr))
	}
	return nil
}

// Serve runs the HTTP server until it fails or is shut down.
func (h *HTTPServer) Serve(ctx context.Context) error {
	return h.srv.Serve(h.listener)
}

// Shutdown gracefully shuts down the server without interrupting active
// connections.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// sseHandler accepts one SSE connection, binds a session to it and streams
// outbound frames as message events.
func (h *HTTPServer) sseHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionId := uuid.New().String()

	inst := h.endpoint.inst
	if inst != nil {
		inst.McpSse.Add(ctx, 1, metric.WithAttributes(attribute.String("mcpd.sse.session_id", sessionId)))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := fmt.Errorf("unable to retrieve flusher for sse")
		if h.logger != nil {
			h.logger.DebugContext(ctx, err.Error())
		}
		_ = render.Render(w, r, newErrResponse(err, http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sess := &sseSession{
		eventQueue: make(chan string, 100),
		done:       make(chan struct{}),
	}
	channel := transport.NewChannel(sessionId, func(ctx context.Context, frame []byte) error {
		select {
		case sess.eventQueue <- fmt.Sprintf("event: message\ndata: %s\n\n", frame):
			return nil
		case <-sess.done:
			return transport.ErrNotConnected
		}
	})
	sess.channel = channel
	h.sseManager.add(sessionId, sess)
	defer h.sseManager.remove(sessionId)

	if _, err := h.endpoint.Connect(ctx, channel); err != nil {
		if h.logger != nil {
			h.logger.ErrorContext(ctx, fmt.Sprintf("unable to bind sse session: %s", err))
		}
		return
	}
	defer channel.Close()

	// https scheme formatting if (forwarded) request is a TLS request
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS == nil {
			proto = "http"
		} else {
			proto = "https"
		}
	}

	messageEndpoint := fmt.Sprintf("%s://%s/mcp/message?sessionId=%s", proto, r.Host, sessionId)
	if h.logger != nil {
		h.logger.DebugContext(ctx, fmt.Sprintf("sending endpoint event: %s", messageEndpoint))
	}
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", messageEndpoint)
	flusher.Flush()

	clientClose := r.Context().Done()
	for {
		select {
		case event := <-sess.eventQueue:
			fmt.Fprint(w, event)
			flusher.Flush()
		case <-clientClose:
			close(sess.done)
			if h.logger != nil {
				h.logger.DebugContext(ctx, "client disconnected")
			}
			return
		}
	}
}

// messageHandler ingests one frame posted to the message endpoint. The
// response arrives over the SSE stream, so the POST acknowledges with 202.
func (h *HTTPServer) messageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionId := r.URL.Query().Get("sessionId")
	if sessionId == "" {
		_ = render.Render(w, r, newErrResponse(fmt.Errorf("missing sessionId"), http.StatusBadRequest))
		return
	}
	sess, ok := h.sseManager.get(sessionId)
	if !ok {
		_ = render.Render(w, r, newErrResponse(fmt.Errorf("unknown session"), http.StatusNotFound))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		_ = render.Render(w, r, newErrResponse(fmt.Errorf("unable to read body: %w", err), http.StatusBadRequest))
		return
	}

	if inst := h.endpoint.inst; inst != nil {
		inst.McpPost.Add(ctx, 1, metric.WithAttributes(attribute.String("mcpd.sse.session_id", sessionId)))
	}

	sess.channel.Deliver(body)
	w.WriteHeader(http.StatusAccepted)
}

// errResponse renders an HTTP error as JSON.
type errResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func newErrResponse(err error, code int) *errResponse {
	return &errResponse{
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}
