// Copyright 2023 Jigsaw Operations LLC
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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/oibus/gateway-proxy/transport"
)

// RFC 1929 username and password. A nil *credentials means no authentication.
type credentials struct {
	username []byte
	password []byte
}

// StreamDialer is a [transport.StreamDialer] that opens connections with the CONNECT command of a
// SOCKS5 gateway.
type StreamDialer struct {
	gateway transport.StreamEndpoint
	address string
	cred    *credentials
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// GatewayError reports that the SOCKS5 gateway could not be reached, failed the handshake or
// refused the CONNECT request. A refusal wraps the [ReplyCode] sent by the gateway.
type GatewayError struct {
	// Address is the host:port of the gateway, when known.
	Address string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("SOCKS5 gateway %v: %v", e.Address, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewStreamDialer creates a [StreamDialer] that reaches the gateway through endpoint.
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{gateway: endpoint, address: endpointAddress(endpoint)}, nil
}

func endpointAddress(endpoint transport.StreamEndpoint) string {
	switch e := endpoint.(type) {
	case *transport.StreamDialerEndpoint:
		return e.Address
	case *transport.TCPEndpoint:
		return e.Address
	}
	return "(unknown address)"
}

// SetCredentials enables username/password authentication. Both values must be 1 to 255 bytes.
func (c *StreamDialer) SetCredentials(username, password []byte) error {
	if err := checkCredential("username", username); err != nil {
		return err
	}
	if err := checkCredential("password", password); err != nil {
		return err
	}
	c.cred = &credentials{username: username, password: password}
	return nil
}

func checkCredential(name string, value []byte) error {
	switch {
	case len(value) == 0:
		return fmt.Errorf("%s must be at least 1 byte", name)
	case len(value) > 255:
		return fmt.Errorf("%s exceeds 255 bytes", name)
	}
	return nil
}

// DialStream implements [transport.StreamDialer].DialStream.
//
// The method selection, the credentials and the CONNECT request go out in a single write. The
// deadline of ctx bounds the handshake as well as the connection to the gateway. Every failure
// after the target address is validated is a [*GatewayError]. Use [errors.As] or [errors.Is] to
// find the [ReplyCode] of a refused request.
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	request, err := c.appendRequest(make([]byte, 0, 64), remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 request for %v: %w", remoteAddr, err)
	}
	conn, err := c.gateway.ConnectStream(ctx)
	if err != nil {
		return nil, c.fail("could not connect: %w", err)
	}
	if err := c.handshake(ctx, conn, request, remoteAddr); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *StreamDialer) fail(format string, args ...any) error {
	return &GatewayError{Address: c.address, Err: fmt.Errorf(format, args...)}
}

// appendRequest appends the method selection, the RFC 1929 sub-negotiation if credentials are set,
// and the CONNECT request for remoteAddr.
func (c *StreamDialer) appendRequest(b []byte, remoteAddr string) ([]byte, error) {
	if c.cred == nil {
		b = append(b, socksVersion, 1, authMethodNoAuth)
	} else {
		b = append(b, socksVersion, 1, authMethodUserPass)
		b = append(b, userPassVersion, byte(len(c.cred.username)))
		b = append(b, c.cred.username...)
		b = append(b, byte(len(c.cred.password)))
		b = append(b, c.cred.password...)
	}
	b = append(b, socksVersion, cmdConnect, 0)
	return appendSOCKS5Address(b, remoteAddr)
}

func (c *StreamDialer) handshake(ctx context.Context, conn transport.StreamConn, request []byte, remoteAddr string) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write(request); err != nil {
		return c.fail("failed to write request: %w", err)
	}
	if err := c.readMethodReply(conn); err != nil {
		return err
	}
	return c.readConnectReply(conn, remoteAddr)
}

// readMethodReply reads the selected method and, for username/password, the authentication status.
func (c *StreamDialer) readMethodReply(r io.Reader) error {
	var reply [2]byte
	if _, err := io.ReadFull(r, reply[:]); err != nil {
		return c.fail("failed to read method reply: %w", err)
	}
	if reply[0] != socksVersion {
		return c.fail("invalid protocol version %v", reply[0])
	}
	offered := byte(authMethodNoAuth)
	if c.cred != nil {
		offered = authMethodUserPass
	}
	if reply[1] != offered {
		return c.fail("selected authentication method %v, offered %v", reply[1], offered)
	}
	if c.cred == nil {
		return nil
	}

	if _, err := io.ReadFull(r, reply[:]); err != nil {
		return c.fail("failed to read authentication reply: %w", err)
	}
	if reply[0] != userPassVersion {
		return c.fail("invalid authentication version %v", reply[0])
	}
	if reply[1] != 0 {
		return c.fail("authentication failed with status %v", reply[1])
	}
	return nil
}

// readConnectReply reads VER, REP, RSV, ATYP and discards BND.ADDR and BND.PORT.
func (c *StreamDialer) readConnectReply(r io.Reader, remoteAddr string) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return c.fail("failed to read connect reply: %w", err)
	}
	if header[0] != socksVersion {
		return c.fail("invalid protocol version %v", header[0])
	}
	if header[1] != 0 {
		return c.fail("connect to %v refused: %w", remoteAddr, ReplyCode(header[1]))
	}
	addrLen, err := boundAddressLength(r, header[3])
	if err != nil {
		return c.fail("%w", err)
	}
	if _, err := io.CopyN(io.Discard, r, int64(addrLen)+2); err != nil {
		return c.fail("failed to read bound address: %w", err)
	}
	return nil
}

func boundAddressLength(r io.Reader, addrType byte) (int, error) {
	switch addrType {
	case addrTypeIPv4:
		return net.IPv4len, nil
	case addrTypeIPv6:
		return net.IPv6len, nil
	case addrTypeDomainName:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return 0, fmt.Errorf("failed to read bound address length: %w", err)
		}
		return int(length[0]), nil
	}
	return 0, fmt.Errorf("invalid bound address type %v", addrType)
}
