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
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// recordHandler is a [slog.Handler] that keeps every record in memory.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

var _ slog.Handler = (*recordHandler)(nil)

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// messages returns the messages logged at the given level.
func (h *recordHandler) messages(level slog.Level) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level == level {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

func newRecordingServer(opts ...Option) (*Server, *recordHandler) {
	handler := &recordHandler{}
	return NewServer(slog.New(handler), opts...), handler
}

// hijackRecorder is a [httptest.ResponseRecorder] that hands out conn on Hijack, with buffered
// already read by the HTTP parser.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
	rw   *bufio.ReadWriter
}

var _ http.Hijacker = (*hijackRecorder)(nil)

func newHijackRecorder(conn net.Conn, buffered string) *hijackRecorder {
	reader := bufio.NewReader(io.MultiReader(strings.NewReader(buffered), conn))
	if buffered != "" {
		reader.Peek(len(buffered))
	}
	return &hijackRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		conn:             conn,
		rw:               bufio.NewReadWriter(reader, bufio.NewWriter(conn)),
	}
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, h.rw, nil
}

// pipeStreamConn adapts one end of a [net.Pipe] to a transport.StreamConn.
type pipeStreamConn struct {
	net.Conn
	readErr error
}

func (c *pipeStreamConn) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.Conn.Read(p)
}

func (c *pipeStreamConn) CloseRead() error  { return nil }
func (c *pipeStreamConn) CloseWrite() error { return nil }
