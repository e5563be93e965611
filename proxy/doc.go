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

/*
Package proxy implements the forward proxy embedded in the gateway engine.

Connectors use it as their outbound HTTP(S) gateway. The [Server] accepts two kinds of traffic on a single port:

  - Plain HTTP requests with an absolute request target. They are handed to a [Forwarder], which fetches the
    target and writes the response back.
  - CONNECT requests. The client connection is hijacked, a TCP connection to the requested host:port is opened
    through a [transport.StreamDialer], and bytes are relayed opaquely in both directions. TLS is never terminated.

Every request is first checked against an [AllowList] of source IP addresses. The loopback addresses are always
allowed. The rest of the list is pushed by the configuration service through [Server.RefreshAllowList].

# Security Considerations

The allow-list is the only access control. There is no proxy authentication, and the dialer is not restricted
from reaching the local network. Do not expose the listening port beyond the networks that host trusted
connectors.
*/
package proxy
