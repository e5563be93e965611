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
Package config loads the gateway settings and builds the outbound dialers they describe.

# Settings File

Settings are read from a YAML document:

	engine:
	  proxyEnabled: true
	  proxyPort: 9000
	  logLevel: info
	proxy:
	  upstream: ""
	  dialTimeout: 30s
	  maxTunnelLifetime: 0s
	ipFilters:
	  - id: plant-a
	    description: PLC network
	    address: 192.168.0.10

Unknown fields are rejected. Durations use the [time.ParseDuration] syntax.
The upstream follows the dialer config format of [NewStreamDialer].
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/oibus/gateway-proxy/proxy"
)

// LevelSilent disables all logging when used as the minimum level.
const LevelSilent = slog.LevelError + 100

const (
	DefaultProxyPort   = 9000
	DefaultDialTimeout = 30 * time.Second
	DefaultLogLevel    = "info"
)

// Settings is the content of the settings file.
type Settings struct {
	Engine    EngineSettings `yaml:"engine"`
	Proxy     ProxySettings  `yaml:"proxy"`
	IPFilters []IPFilter     `yaml:"ipFilters"`
}

// EngineSettings holds the engine-wide switches.
type EngineSettings struct {
	ProxyEnabled bool   `yaml:"proxyEnabled"`
	ProxyPort    int    `yaml:"proxyPort"`
	LogLevel     string `yaml:"logLevel"`
}

// ProxySettings controls how the proxy reaches destinations.
type ProxySettings struct {
	// Upstream is a dialer config. Empty means direct connections.
	Upstream          string        `yaml:"upstream"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	MaxTunnelLifetime time.Duration `yaml:"maxTunnelLifetime"`
}

// IPFilter is one allowed source address.
type IPFilter struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Address     string `yaml:"address"`
}

// Default returns the settings used for fields missing from the file.
func Default() *Settings {
	return &Settings{
		Engine: EngineSettings{
			ProxyPort: DefaultProxyPort,
			LogLevel:  DefaultLogLevel,
		},
		Proxy: ProxySettings{
			DialTimeout: DefaultDialTimeout,
		},
	}
}

// Load reads and validates the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	settings, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid settings file %v: %w", path, err)
	}
	return settings, nil
}

// Parse decodes and validates a settings document on top of [Default].
func Parse(data []byte) (*Settings, error) {
	settings := Default()
	if err := yaml.UnmarshalWithOptions(data, settings, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate reports every inconsistency in the settings.
func (s *Settings) Validate() error {
	var errs []error
	if s.Engine.ProxyEnabled && (s.Engine.ProxyPort < 1 || s.Engine.ProxyPort > 65535) {
		errs = append(errs, fmt.Errorf("proxy port %d is out of range", s.Engine.ProxyPort))
	}
	if _, err := ParseLogLevel(s.Engine.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if s.Proxy.DialTimeout < 0 {
		errs = append(errs, errors.New("dial timeout must not be negative"))
	}
	if s.Proxy.MaxTunnelLifetime < 0 {
		errs = append(errs, errors.New("max tunnel lifetime must not be negative"))
	}
	if _, err := NewStreamDialer(s.Proxy.Upstream); err != nil {
		errs = append(errs, fmt.Errorf("invalid upstream: %w", err))
	}
	for i, filter := range s.IPFilters {
		if strings.TrimSpace(filter.Address) == "" {
			errs = append(errs, fmt.Errorf("ip filter %d (%v) has no address", i, filter.ID))
		}
	}
	return errors.Join(errs...)
}

// Addresses returns the addresses of the IP filters, in file order.
func (s *Settings) Addresses() []string {
	addresses := make([]string, 0, len(s.IPFilters))
	for _, filter := range s.IPFilters {
		addresses = append(addresses, strings.TrimSpace(filter.Address))
	}
	return addresses
}

// ParseLogLevel maps a level name (silent, error, warn, info, debug or trace) to a [slog.Level].
// The empty string is info.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silent":
		return LevelSilent, nil
	case "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "trace":
		return proxy.LevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
