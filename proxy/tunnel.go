// Copyright 2023 The Outline Authors
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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oibus/gateway-proxy/transport"
)

const defaultTunnelPort = "443"

type socketSide int

const (
	clientSide socketSide = iota
	targetSide
)

// socketError records which end of a tunnel an error came from.
type socketError struct {
	side socketSide
	err  error
}

func (e *socketError) Error() string { return e.err.Error() }
func (e *socketError) Unwrap() error { return e.err }

type taggedReader struct {
	io.Reader
	side socketSide
}

func (r taggedReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err != nil && err != io.EOF {
		err = &socketError{r.side, err}
	}
	return n, err
}

type taggedWriter struct {
	io.Writer
	side socketSide
}

func (w taggedWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if err != nil {
		err = &socketError{w.side, err}
	}
	return n, err
}

type closeWriter interface {
	CloseWrite() error
}

// tunnel is one established or establishing CONNECT session.
type tunnel struct {
	server *Server
	proto  string
	client net.Conn
	target transport.StreamConn

	clientOnce   sync.Once
	targetOnce   sync.Once
	clientClosed atomic.Bool
	targetClosed atomic.Bool
}

func (t *tunnel) closeClient() {
	t.clientOnce.Do(func() {
		t.clientClosed.Store(true)
		t.client.Close()
	})
}

func (t *tunnel) closeTarget() {
	t.targetOnce.Do(func() {
		t.targetClosed.Store(true)
		if t.target != nil {
			t.target.Close()
		}
	})
}

// isOwnClose reports whether err is the result of us closing one of the sockets.
func (t *tunnel) isOwnClose(side socketSide, err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if side == clientSide {
		return t.clientClosed.Load()
	}
	return t.targetClosed.Load()
}

func (t *tunnel) onTargetError(err error) {
	if t.isOwnClose(targetSide, err) {
		return
	}
	t.server.Logger().Error(fmt.Sprintf("Proxy server error on target socket: %v", err))
	if !t.clientClosed.Load() {
		io.WriteString(t.client, fmt.Sprintf("HTTP/%s 500 Connection error\r\n\r\n", t.proto))
	}
	t.closeClient()
	t.closeTarget()
}

func (t *tunnel) onClientError(err error) {
	if t.isOwnClose(clientSide, err) {
		return
	}
	t.server.Logger().Error(fmt.Sprintf("Proxy server error on client socket: %v", err))
	t.closeTarget()
	t.closeClient()
}

func (t *tunnel) onError(err error) {
	var sockErr *socketError
	if errors.As(err, &sockErr) && sockErr.side == targetSide {
		t.onTargetError(sockErr.err)
		return
	}
	if sockErr != nil {
		err = sockErr.err
	}
	t.onClientError(err)
}

// open dials the target, forwards the head bytes and confirms the tunnel to the client.
func (t *tunnel) open(ctx context.Context, address string, head []byte) bool {
	opts := t.server.Options()
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	target, err := opts.Dialer.DialStream(ctx, address)
	if err != nil {
		t.onTargetError(fmt.Errorf("failed to connect to %v: %w", address, err))
		return false
	}
	t.target = target

	if opts.MaxTunnelLifetime > 0 {
		deadline := time.Now().Add(opts.MaxTunnelLifetime)
		t.client.SetDeadline(deadline)
		t.target.SetDeadline(deadline)
	}

	if len(head) > 0 {
		if _, err := t.target.Write(head); err != nil {
			t.onTargetError(err)
			return false
		}
	}
	if _, err := io.WriteString(t.client, fmt.Sprintf("HTTP/%s 200 Connection established\r\n\r\n", t.proto)); err != nil {
		t.onClientError(err)
		return false
	}
	return true
}

// relay copies bytes in both directions until both are done, then releases the sockets.
func (t *tunnel) relay() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(taggedWriter{t.target, targetSide}, taggedReader{t.client, clientSide})
		if err != nil {
			t.onError(err)
			return
		}
		t.target.CloseWrite()
	}()

	_, err := io.Copy(taggedWriter{t.client, clientSide}, taggedReader{t.target, targetSide})
	if err != nil {
		t.onError(err)
	} else if cw, ok := t.client.(closeWriter); ok {
		cw.CloseWrite()
	}
	wg.Wait()
	t.closeTarget()
	t.closeClient()
}

func (s *Server) handleHTTPSRequest(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Webserver doesn't support hijacking", http.StatusInternalServerError)
		return
	}
	clientConn, clientRW, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Failed to hijack connection", http.StatusInternalServerError)
		return
	}

	if !s.allowList.Contains(ip) {
		s.trace(r.Context(), fmt.Sprintf("Ignore CONNECT request to %s from IP %s", r.Host, ip))
		io.WriteString(clientConn, "HTTP/1.1 403 Forbidden\r\n\r\n")
		clientConn.Close()
		return
	}
	s.trace(r.Context(), fmt.Sprintf("Tunnel CONNECT request to %s from IP %s", r.Host, ip))

	t := &tunnel{
		server: s,
		proto:  fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		client: clientConn,
	}
	if !t.open(r.Context(), splitTargetAddress(r.Host), bufferedHead(clientRW)) {
		return
	}
	t.relay()
}

// bufferedHead returns the bytes the HTTP parser read past the request head.
func bufferedHead(rw *bufio.ReadWriter) []byte {
	if rw == nil || rw.Reader == nil {
		return nil
	}
	n := rw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	head, _ := rw.Reader.Peek(n)
	return bytes.Clone(head)
}

// splitTargetAddress turns a CONNECT authority into a host:port address, defaulting to port 443.
func splitTargetAddress(authority string) string {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		port = ""
	}
	if port == "" {
		port = defaultTunnelPort
	}
	return net.JoinHostPort(host, port)
}
