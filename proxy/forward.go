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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oibus/gateway-proxy/transport"
	"golang.org/x/net/http/httpguts"
)

// Forwarder relays a plain HTTP request to its destination and writes the response to w.
//
// Forward owns the response. onError is called for every failure, after the Forwarder has
// written whatever response it could.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, target string, onError func(error))
}

// FuncForwarder is a [Forwarder] that uses the given function to forward.
type FuncForwarder func(w http.ResponseWriter, r *http.Request, target string, onError func(error))

var _ Forwarder = (*FuncForwarder)(nil)

// Forward implements [Forwarder].Forward.
func (f FuncForwarder) Forward(w http.ResponseWriter, r *http.Request, target string, onError func(error)) {
	f(w, r, target, onError)
}

// Headers that apply to a single connection and must not be relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type httpForwarder struct {
	client http.Client
}

var _ Forwarder = (*httpForwarder)(nil)

// NewHTTPForwarder creates a [Forwarder] that sends requests over connections from dialer.
// A positive dialTimeout bounds each dial. Redirects are returned to the client, not followed.
func NewHTTPForwarder(dialer transport.StreamDialer, dialTimeout time.Duration) Forwarder {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		if dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}
		return dialer.DialStream(ctx, addr)
	}
	return &httpForwarder{http.Client{
		Transport: &http.Transport{
			DialContext:     dialContext,
			IdleConnTimeout: idleConnTimeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Same as [http.DefaultTransport].
const idleConnTimeout = 90 * time.Second

// idleCloser is implemented by forwarders that keep upstream connections open between requests.
type idleCloser interface {
	CloseIdleConnections()
}

// CloseIdleConnections closes the upstream connections that are kept alive for reuse.
func (f *httpForwarder) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

func (f *httpForwarder) Forward(w http.ResponseWriter, r *http.Request, target string, onError func(error)) {
	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		http.Error(w, "Must specify an absolute request target", http.StatusBadRequest)
		onError(fmt.Errorf("invalid request target %q", target))
		return
	}

	targetReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		http.Error(w, "Error creating target request", http.StatusInternalServerError)
		onError(fmt.Errorf("failed to create target request: %w", err))
		return
	}
	targetReq.ContentLength = r.ContentLength
	copyHeader(targetReq.Header, r.Header)
	removeHopHeaders(targetReq.Header)

	targetResp, err := f.client.Do(targetReq)
	if err != nil {
		http.Error(w, "Failed to fetch destination", http.StatusBadGateway)
		onError(fmt.Errorf("failed to fetch %v: %w", targetURL.Redacted(), err))
		return
	}
	defer targetResp.Body.Close()

	removeHopHeaders(targetResp.Header)
	copyHeader(w.Header(), targetResp.Header)
	w.WriteHeader(targetResp.StatusCode)
	if _, err := io.Copy(w, targetResp.Body); err != nil && !errors.Is(err, context.Canceled) {
		onError(fmt.Errorf("failed to relay response body: %w", err))
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopHeaders deletes the hop-by-hop headers, including the ones listed in Connection.
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			name = strings.TrimSpace(name)
			if httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func (s *Server) handleHTTPRequest(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	target := r.URL.String()
	if !s.allowList.Contains(ip) {
		s.trace(r.Context(), fmt.Sprintf("Ignore %s request to %s from IP %s", r.Method, target, ip))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "Forbidden")
		return
	}

	forwarder := s.currentForwarder()
	if forwarder == nil {
		http.Error(w, "Proxy server not started", http.StatusServiceUnavailable)
		return
	}
	s.trace(r.Context(), fmt.Sprintf("Forward %s request to %s from IP %s", r.Method, target, ip))
	forwarder.Forward(w, r, target, func(err error) {
		s.Logger().Error(fmt.Sprintf("Proxy server error %v", err))
	})
}
