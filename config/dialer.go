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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/oibus/gateway-proxy/transport"
	"github.com/oibus/gateway-proxy/transport/socks5"
)

func parseConfigPart(oneDialerConfig string) (*url.URL, error) {
	oneDialerConfig = strings.TrimSpace(oneDialerConfig)
	if oneDialerConfig == "" {
		return nil, errors.New("empty config part")
	}
	// Make it "<scheme>:" it it's only "<scheme>" to parse as a URL.
	if !strings.Contains(oneDialerConfig, ":") {
		oneDialerConfig += ":"
	}
	url, err := url.Parse(oneDialerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config part: %w", err)
	}
	return url, nil
}

// NewStreamDialer creates a [transport.StreamDialer] according to the given config.
//
// The config is composed of parts separated by "|". Each part wraps the dialer built by the
// parts before it, starting from a direct TCP dialer. The empty config is the direct TCP dialer.
// Supported parts:
//
//	socks5://[USER:PASSWORD@]HOST:PORT
func NewStreamDialer(transportConfig string) (transport.StreamDialer, error) {
	return WrapStreamDialer(&transport.TCPDialer{}, transportConfig)
}

// WrapStreamDialer creates a [transport.StreamDialer] according to transportConfig, using dialer as the
// base [transport.StreamDialer]. The given dialer must not be nil.
func WrapStreamDialer(dialer transport.StreamDialer, transportConfig string) (transport.StreamDialer, error) {
	if dialer == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	transportConfig = strings.TrimSpace(transportConfig)
	if transportConfig == "" {
		return dialer, nil
	}
	var err error
	for _, part := range strings.Split(transportConfig, "|") {
		dialer, err = newStreamDialerFromPart(dialer, part)
		if err != nil {
			return nil, err
		}
	}
	return dialer, nil
}

func newStreamDialerFromPart(innerDialer transport.StreamDialer, oneDialerConfig string) (transport.StreamDialer, error) {
	url, err := parseConfigPart(oneDialerConfig)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(url.Scheme) {
	case "socks5":
		return newSOCKS5StreamDialerFromURL(innerDialer, url)

	default:
		return nil, fmt.Errorf("config scheme '%v' is not supported", url.Scheme)
	}
}

func newSOCKS5StreamDialerFromURL(innerDialer transport.StreamDialer, configURL *url.URL) (transport.StreamDialer, error) {
	if configURL.Host == "" {
		return nil, errors.New("socks5 config must have a host:port")
	}
	endpoint := transport.StreamDialerEndpoint{Dialer: innerDialer, Address: configURL.Host}
	dialer, err := socks5.NewStreamDialer(&endpoint)
	if err != nil {
		return nil, err
	}
	if userInfo := configURL.User; userInfo != nil {
		password, _ := userInfo.Password()
		if err := dialer.SetCredentials([]byte(userInfo.Username()), []byte(password)); err != nil {
			return nil, err
		}
	}
	return dialer, nil
}
