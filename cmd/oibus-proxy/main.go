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

// Command oibus-proxy runs the gateway forward proxy from a settings file, and applies the file
// again every time it changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/oibus/gateway-proxy/config"
	"github.com/oibus/gateway-proxy/engine"
	"github.com/oibus/gateway-proxy/proxy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const shutdownTimeout = 5 * time.Second

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

// overrides holds the command-line values that take precedence over the settings file.
type overrides struct {
	port    int
	verbose bool
}

func (o overrides) apply(settings *config.Settings) *config.Settings {
	if o.port != 0 {
		settings.Engine.ProxyPort = o.port
	}
	if o.verbose {
		settings.Engine.LogLevel = "trace"
	}
	return settings
}

// replaceLevel renders the trace level as "TRC".
func replaceLevel(groups []string, attr slog.Attr) slog.Attr {
	if attr.Key != slog.LevelKey || len(groups) != 0 {
		return attr
	}
	if level, ok := attr.Value.Any().(slog.Level); ok && level <= proxy.LevelTrace {
		return slog.String(attr.Key, "TRC")
	}
	return attr
}

func main() {
	configFlag := flag.String("config", "oibus-proxy.yaml", "Path to the settings file")
	portFlag := flag.Int("port", 0, "Port to listen on. Overrides the settings file if not zero")
	verboseFlag := flag.Bool("v", false, "Enable trace output")
	flag.Parse()

	var logLevel slog.LevelVar
	logger := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel, ReplaceAttr: replaceLevel},
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := overrides{port: *portFlag, verbose: *verboseFlag}
	if err := run(ctx, logger, &logLevel, *configFlag, o); err != nil {
		slog.Error("Proxy failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar, settingsPath string, o overrides) error {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return err
	}
	eng := engine.New(logger, engine.WithLevelVar(logLevel))
	if err := eng.Apply(o.apply(settings)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.NewWatcher(settingsPath, logger).Run(ctx, func(settings *config.Settings) {
			if err := eng.Apply(o.apply(settings)); err != nil {
				logger.Error("Failed to apply settings", "error", err)
			}
		})
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		done := make(chan error, 1)
		go func() { done <- eng.Stop() }()
		select {
		case err := <-done:
			return err
		case <-time.After(shutdownTimeout):
			return errors.New("timed out stopping the proxy")
		}
	})
	return g.Wait()
}
