// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oibus/gateway-proxy/transport"
)

// LevelTrace is the level of the per-request log lines. It sits below [slog.LevelDebug].
const LevelTrace = slog.LevelDebug - 4

// Options configures how a [Server] reaches destinations.
type Options struct {
	// Dialer opens the outbound connections, for both tunnels and forwarded requests.
	// Defaults to a direct [transport.TCPDialer].
	Dialer transport.StreamDialer
	// DialTimeout bounds every outbound dial. Zero means no timeout.
	DialTimeout time.Duration
	// MaxTunnelLifetime is an absolute deadline applied to both sockets of a CONNECT tunnel.
	// Zero means tunnels live until one side closes.
	MaxTunnelLifetime time.Duration
}

// Option changes the [Options] of a [Server].
type Option func(o *Options)

// WithDialer sets the outbound [transport.StreamDialer].
func WithDialer(dialer transport.StreamDialer) Option {
	return func(o *Options) {
		o.Dialer = dialer
	}
}

// WithDialTimeout sets the outbound dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = timeout
	}
}

// WithMaxTunnelLifetime sets the maximum lifetime of a CONNECT tunnel.
func WithMaxTunnelLifetime(lifetime time.Duration) Option {
	return func(o *Options) {
		o.MaxTunnelLifetime = lifetime
	}
}

// Server is the forward proxy. It owns the listening socket, the [AllowList] and the logger.
//
// A Server is not started by [NewServer]. [Server.Start] binds the port and [Server.Stop] releases it.
type Server struct {
	allowList *AllowList
	logger    atomic.Pointer[slog.Logger]
	options   Options

	mu        sync.Mutex
	listener  net.Listener
	webServer *http.Server
	forwarder Forwarder
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server that logs to logger. The allow-list holds only [FixedAllowList].
// A nil logger discards everything.
func NewServer(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{allowList: NewAllowList()}
	for _, opt := range opts {
		opt(&s.options)
	}
	if s.options.Dialer == nil {
		s.options.Dialer = &transport.TCPDialer{}
	}
	s.SetLogger(logger)
	return s
}

// SetLogger replaces the logger. It applies to all log calls made afterwards, including calls from
// connections that are already open.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s.logger.Store(logger)
}

// Logger returns the current logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger.Load()
}

// RefreshAllowList replaces the allowed source addresses with [FixedAllowList] followed by addresses.
// It applies to requests received afterwards. Open tunnels are not affected.
func (s *Server) RefreshAllowList(addresses []string) {
	s.allowList.Replace(addresses)
}

// AllowList returns a copy of the current allow-list.
func (s *Server) AllowList() []string {
	return s.allowList.List()
}

// Options returns the options the server was created with.
func (s *Server) Options() Options {
	return s.options
}

// Start creates the forwarding engine, listens on the given TCP port on all interfaces and serves
// in the background.
//
// Start does not guard against being called twice. A second call binds another listener and only
// the latest one is released by [Server.Stop].
func (s *Server) Start(port int) error {
	forwarder := NewHTTPForwarder(s.options.Dialer, s.options.DialTimeout)

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	webServer := &http.Server{
		Handler:  s,
		ErrorLog: log.New(errorLogWriter{s}, "", 0),
	}

	s.mu.Lock()
	s.listener = listener
	s.webServer = webServer
	s.forwarder = forwarder
	s.mu.Unlock()

	go func() {
		err := webServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.Logger().Error(fmt.Sprintf("Proxy server error %v", err))
		}
	}()

	s.Logger().Info(fmt.Sprintf("Start proxy server on port %d.", port))
	return nil
}

// Addr returns the address of the listener, or nil if the server is not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, the idle client connections and the idle upstream connections of the
// forwarding engine. Requests in flight complete, and established tunnels are left to close on
// their own.
// Stop on a server that is not started does nothing.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener, webServer, forwarder := s.listener, s.webServer, s.forwarder
	s.listener, s.webServer, s.forwarder = nil, nil, nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	webServer.SetKeepAlivesEnabled(false)
	if c, ok := forwarder.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

func (s *Server) currentForwarder() Forwarder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarder
}

// ServeHTTP implements [http.Handler].ServeHTTP. CONNECT requests open a tunnel, anything else is forwarded.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		err, ok := rec.(error)
		if !ok {
			err = fmt.Errorf("%v", rec)
		}
		s.handleServerError(w, err)
	}()

	if r.Method == http.MethodConnect {
		s.handleHTTPSRequest(w, r)
		return
	}
	s.handleHTTPRequest(w, r)
}

// handleServerError is the last-resort handler for failures outside of the per-request paths.
func (s *Server) handleServerError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, err.Error())
}

func (s *Server) trace(ctx context.Context, msg string) {
	s.Logger().Log(ctx, LevelTrace, msg)
}

// errorLogWriter sends the messages of the [http.Server] error log to the current logger.
type errorLogWriter struct {
	s *Server
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.s.Logger().Error(fmt.Sprintf("Proxy server error %s", strings.TrimSpace(string(p))))
	return len(p), nil
}

// remoteIP returns the IP part of the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
