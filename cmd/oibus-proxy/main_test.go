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

package main

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oibus/gateway-proxy/config"
	"github.com/oibus/gateway-proxy/proxy"
	"github.com/stretchr/testify/require"
)

func TestOverrides(t *testing.T) {
	settings := config.Default()
	settings = overrides{}.apply(settings)
	require.Equal(t, config.DefaultProxyPort, settings.Engine.ProxyPort)
	require.Equal(t, config.DefaultLogLevel, settings.Engine.LogLevel)

	settings = overrides{port: 9500, verbose: true}.apply(settings)
	require.Equal(t, 9500, settings.Engine.ProxyPort)
	require.Equal(t, "trace", settings.Engine.LogLevel)
}

func TestReplaceLevel(t *testing.T) {
	attr := replaceLevel(nil, slog.Any(slog.LevelKey, proxy.LevelTrace))
	require.Equal(t, "TRC", attr.Value.String())

	attr = replaceLevel(nil, slog.Any(slog.LevelKey, slog.LevelDebug))
	require.Equal(t, slog.LevelDebug, attr.Value.Any())

	attr = replaceLevel([]string{"group"}, slog.Any(slog.LevelKey, proxy.LevelTrace))
	require.Equal(t, proxy.LevelTrace, attr.Value.Any())

	attr = replaceLevel(nil, slog.String("msg", "hello"))
	require.Equal(t, "hello", attr.Value.String())
}

func TestRun(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: {proxyEnabled: true, proxyPort: 9000}"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, slog.New(slog.DiscardHandler), new(slog.LevelVar), path, overrides{port: port})
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestRun_MissingSettings(t *testing.T) {
	err := run(context.Background(), slog.New(slog.DiscardHandler), new(slog.LevelVar), filepath.Join(t.TempDir(), "missing.yaml"), overrides{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

// The license header must stay separate from the package documentation.
func TestPackageDocs(t *testing.T) {
	for _, dir := range []string{".", "../../config", "../../engine", "../../proxy", "../../transport", "../../transport/socks5"} {
		pkgs, err := parser.ParseDir(token.NewFileSet(), dir, nil, parser.PackageClauseOnly|parser.ParseComments)
		require.NoError(t, err, dir)
		documented := false
		for _, pkg := range pkgs {
			for name, file := range pkg.Files {
				if file.Doc == nil {
					continue
				}
				documented = true
				require.NotContains(t, file.Doc.Text(), "Licensed under", name)
			}
		}
		require.True(t, documented, "no package documentation in %v", dir)
	}
}
