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

// Package engine applies the gateway settings to the embedded proxy.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/oibus/gateway-proxy/config"
	"github.com/oibus/gateway-proxy/proxy"
)

// ProxyServer is the part of [proxy.Server] the engine drives.
type ProxyServer interface {
	Start(port int) error
	Stop() error
	RefreshAllowList(addresses []string)
	SetLogger(logger *slog.Logger)
}

var _ ProxyServer = (*proxy.Server)(nil)

// ServerFactory creates a stopped [ProxyServer].
type ServerFactory func(logger *slog.Logger, opts ...proxy.Option) ProxyServer

func newProxyServer(logger *slog.Logger, opts ...proxy.Option) ProxyServer {
	return proxy.NewServer(logger, opts...)
}

// Option configures an [Engine].
type Option func(e *Engine)

// WithServerFactory replaces the function used to create proxy servers.
func WithServerFactory(factory ServerFactory) Option {
	return func(e *Engine) {
		e.newServer = factory
	}
}

// WithLevelVar sets the level variable that [Engine.Apply] updates from the log level setting.
// It is usually the one given to the logger's handler.
func WithLevelVar(level *slog.LevelVar) Option {
	return func(e *Engine) {
		e.level = level
	}
}

// Engine owns the proxy server and keeps it in line with the latest settings.
type Engine struct {
	newServer ServerFactory
	level     *slog.LevelVar

	mu       sync.Mutex
	logger   *slog.Logger
	server   ProxyServer
	port     int
	settings config.ProxySettings
}

// New creates an Engine with no proxy running.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		newServer: newProxyServer,
		level:     new(slog.LevelVar),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LevelVar returns the level variable updated by [Engine.Apply].
func (e *Engine) LevelVar() *slog.LevelVar {
	return e.level
}

// SetLogger replaces the logger of the engine and of the running proxy.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
	if e.server != nil {
		e.server.SetLogger(logger)
	}
}

// Apply brings the proxy in line with settings.
//
// A disabled proxy is stopped. An enabled proxy is started if it is not running, and restarted if
// its port or its outbound settings changed. Otherwise only the allow-list is refreshed, which
// leaves established tunnels untouched.
func (e *Engine) Apply(settings *config.Settings) error {
	level, err := config.ParseLogLevel(settings.Engine.LogLevel)
	if err != nil {
		return err
	}
	e.level.Set(level)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !settings.Engine.ProxyEnabled {
		return e.stopLocked()
	}

	addresses := settings.Addresses()
	if e.server != nil && e.port == settings.Engine.ProxyPort && e.settings == settings.Proxy {
		e.server.RefreshAllowList(addresses)
		e.logger.Debug("Proxy allow-list refreshed", "entries", len(addresses))
		return nil
	}

	dialer, err := config.NewStreamDialer(settings.Proxy.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	if err := e.stopLocked(); err != nil {
		return err
	}
	server := e.newServer(e.logger,
		proxy.WithDialer(dialer),
		proxy.WithDialTimeout(settings.Proxy.DialTimeout),
		proxy.WithMaxTunnelLifetime(settings.Proxy.MaxTunnelLifetime),
	)
	server.RefreshAllowList(addresses)
	if err := server.Start(settings.Engine.ProxyPort); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	e.server = server
	e.port = settings.Engine.ProxyPort
	e.settings = settings.Proxy
	return nil
}

// Stop stops the proxy if it is running.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if e.server == nil {
		return nil
	}
	server, port := e.server, e.port
	e.server, e.port, e.settings = nil, 0, config.ProxySettings{}
	if err := server.Stop(); err != nil {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}
	e.logger.Info("Proxy server stopped", "port", port)
	return nil
}

// Running reports whether a proxy server is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server != nil
}

// Port returns the port of the running proxy, or 0.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}
