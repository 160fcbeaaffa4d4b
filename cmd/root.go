// Copyright 2025 The mcpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mcpd-io/mcpd/internal/demo"
	"github.com/mcpd-io/mcpd/internal/log"
	"github.com/mcpd-io/mcpd/internal/server"
	"github.com/mcpd-io/mcpd/internal/telemetry"
	"github.com/mcpd-io/mcpd/internal/util"
)

var (
	// versionString stores the full semantic version, including build metadata.
	versionString string
	// versionNum indicates the numerical part of the version
	//go:embed version.txt
	versionNum string
	// buildType indicates additional build or distribution metadata.
	buildType string = "dev" // should be one of "dev", "binary", or "container"
	// commitSha is the git commit it was built from
	commitSha string
)

func init() {
	versionString = semanticVersion()
}

// semanticVersion returns the version of the CLI including compile-time metadata.
func semanticVersion() string {
	metadataStrings := []string{buildType, runtime.GOOS, runtime.GOARCH}
	if commitSha != "" {
		metadataStrings = append(metadataStrings, commitSha)
	}
	return strings.TrimSpace(versionNum) + "+" + strings.Join(metadataStrings, ".")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command represents an invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg        server.Config
	logger     log.Logger
	configFile string
	inStream   io.Reader
	outStream  io.Writer
	errStream  io.Writer
}

// NewCommand returns a Command object representing an invocation of the CLI.
func NewCommand(opts ...Option) *Command {
	baseCmd := &cobra.Command{
		Use:           "mcpd",
		Version:       versionString,
		SilenceErrors: true,
	}
	cmd := &Command{
		Command:   baseCmd,
		inStream:  os.Stdin,
		outStream: os.Stdout,
		errStream: os.Stderr,
	}

	for _, o := range opts {
		o(cmd)
	}

	cmd.cfg.Version = versionString

	baseCmd.SetIn(cmd.inStream)
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")
	flags.StringVar(&cmd.configFile, "config", "", "File path of the declarative endpoint definition. The reference endpoint is served when omitted.")
	flags.Var(&cmd.cfg.LogLevel, "log-level", "Specify the minimum level logged. Allowed: 'DEBUG', 'INFO', 'WARN', 'ERROR'.")
	flags.Var(&cmd.cfg.LoggingFormat, "logging-format", "Specify logging format to use. Allowed: 'standard' or 'JSON'.")
	flags.StringVar(&cmd.cfg.TelemetryOTLP, "telemetry-otlp", "", "Enable exporting using OpenTelemetry Protocol (OTLP) to the specified endpoint (e.g. 'http://127.0.0.1:4317')")
	flags.StringVar(&cmd.cfg.TelemetryServiceName, "telemetry-service-name", "mcpd", "Sets the value of the service.name resource attribute for telemetry data.")
	flags.BoolVar(&cmd.cfg.Stdio, "stdio", false, "Listens via MCP stdio instead of acting as a remote HTTP server.")
	flags.BoolVar(&cmd.cfg.DisableReload, "disable-reload", false, "Disables dynamic reloading of the config file.")

	// wrap RunE command so that we have access to the original Command object
	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }

	return cmd
}

// updateLogLevel checks whether the configured level must be raised.
// stdio uses stdout for the protocol, so "debug" and "info" logs cannot go there.
func updateLogLevel(stdio bool, logLevel string) bool {
	if stdio {
		switch strings.ToUpper(logLevel) {
		case log.Debug, log.Info:
			return true
		default:
			return false
		}
	}
	return false
}

// watchChanges reloads the endpoint definition when the config file is saved.
func watchChanges(ctx context.Context, configFile string, apply func(server.File) error) {
	logger, err := util.LoggerFromContext(ctx)
	if err != nil {
		panic(err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WarnContext(ctx, fmt.Sprintf("error setting up new watcher: %s", err))
		return
	}
	defer w.Close()

	cleanFile := filepath.Clean(configFile)
	if err := w.Add(filepath.Dir(cleanFile)); err != nil {
		logger.WarnContext(ctx, fmt.Sprintf("error adding path %s to watcher: %s", cleanFile, err))
		return
	}

	// debounce timer prevents multiple write events triggering multiple reloads
	debounceDelay := 100 * time.Millisecond
	debounce := time.NewTimer(1 * time.Minute)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "file watcher context cancelled")
			return
		case err, ok := <-w.Errors:
			if !ok || err != nil {
				logger.WarnContext(ctx, "file watcher closed unexpectedly")
				return
			}
		case e, ok := <-w.Events:
			if !ok {
				logger.WarnContext(ctx, "file watcher already closed")
				return
			}
			if !e.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			if filepath.Clean(e.Name) == cleanFile {
				debounce.Reset(debounceDelay)
			}
		case <-debounce.C:
			debounce.Stop()
			logger.DebugContext(ctx, "reloading endpoint definition")
			raw, err := os.ReadFile(cleanFile)
			if err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("error reading config file: %s", err))
				continue
			}
			file, err := server.ParseFile(ctx, raw)
			if err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("unable to parse reloaded config file at %q: %s", cleanFile, err))
				continue
			}
			if err := apply(file); err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("unable to apply reloaded config: %s", err))
			}
		}
	}
}

func run(cmd *Command) error {
	if updateLogLevel(cmd.cfg.Stdio, cmd.cfg.LogLevel.String()) {
		cmd.cfg.LogLevel = server.StringLevel(log.Warn)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// watch for sigterm / sigint signals
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func(sCtx context.Context) {
		select {
		case <-sCtx.Done():
			return
		case s := <-signals:
			cmd.logger.DebugContext(sCtx, fmt.Sprintf("received %s signal to shutdown", s))
		}
		cancel()
	}(ctx)

	if cmd.logger == nil {
		switch strings.ToLower(cmd.cfg.LoggingFormat.String()) {
		case "json":
			logger, err := log.NewStructuredLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
			if err != nil {
				return fmt.Errorf("unable to initialize logger: %w", err)
			}
			cmd.logger = logger
		case "standard":
			logger, err := log.NewStdLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
			if err != nil {
				return fmt.Errorf("unable to initialize logger: %w", err)
			}
			cmd.logger = logger
		default:
			return fmt.Errorf("logging format invalid")
		}
	}

	ctx = util.WithLogger(ctx, cmd.logger)
	ctx = util.WithUserAgent(ctx, cmd.cfg.Version)

	// Set up OpenTelemetry
	otelShutdown, err := telemetry.SetupOTel(ctx, cmd.cfg.Version, cmd.cfg.TelemetryOTLP, cmd.cfg.TelemetryServiceName)
	if err != nil {
		errMsg := fmt.Errorf("error setting up OpenTelemetry: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			cmd.logger.ErrorContext(ctx, fmt.Errorf("error shutting down OpenTelemetry: %w", err).Error())
		}
	}()

	instrumentation, err := telemetry.CreateTelemetryInstrumentation(versionString)
	if err != nil {
		errMsg := fmt.Errorf("unable to create telemetry instrumentation: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	ctx = util.WithInstrumentation(ctx, instrumentation)

	// build the endpoint
	var s *server.Server
	var file server.File
	if cmd.configFile != "" {
		raw, err := os.ReadFile(cmd.configFile)
		if err != nil {
			errMsg := fmt.Errorf("unable to read config file at %q: %w", cmd.configFile, err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		file, err = server.ParseFile(ctx, raw)
		if err != nil {
			errMsg := fmt.Errorf("unable to parse config file at %q: %w", cmd.configFile, err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		info := file.Info()
		if info.Name == "" {
			info.Name = "mcpd"
		}
		if info.Version == "" {
			info.Version = versionString
		}
		s = server.New(info, server.Options{
			Instructions:         file.Server.Instructions,
			Prompts:              true,
			PromptsListChanged:   true,
			Resources:            true,
			ResourcesSubscribe:   true,
			ResourcesListChanged: true,
			Logging:              true,
			Completions:          true,
			Logger:               cmd.logger,
			Instrumentation:      instrumentation,
			Handlers:             server.Handlers{Complete: file.CompleteHandler()},
		})
		if err := file.Apply(s); err != nil {
			errMsg := fmt.Errorf("unable to apply config: %w", err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		cmd.logger.InfoContext(ctx, fmt.Sprintf("Initialized %d resources and %d prompts.", len(file.Resources), len(file.Prompts)))
	} else {
		s = demo.NewServer(versionString, cmd.logger, instrumentation)
		cmd.logger.InfoContext(ctx, "No config file given, serving the reference endpoint.")
	}

	// run server in background
	srvErr := make(chan error)
	var httpSrv *server.HTTPServer
	if cmd.cfg.Stdio {
		go func() {
			defer close(srvErr)
			if err := s.ServeStdio(ctx, cmd.inStream, cmd.outStream); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				srvErr <- err
			}
		}()
	} else {
		httpSrv, err = server.NewHTTPServer(ctx, s, server.HTTPConfig{
			Address:       cmd.cfg.Address,
			Port:          cmd.cfg.Port,
			LogLevel:      cmd.cfg.LogLevel.String(),
			LoggingFormat: cmd.cfg.LoggingFormat.String(),
		})
		if err != nil {
			errMsg := fmt.Errorf("mcpd failed to initialize: %w", err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		if err := httpSrv.Listen(ctx); err != nil {
			errMsg := fmt.Errorf("mcpd failed to start listener: %w", err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		cmd.logger.InfoContext(ctx, "Server ready to serve!")

		go func() {
			defer close(srvErr)
			if err := httpSrv.Serve(ctx); err != nil {
				srvErr <- err
			}
		}()
	}

	if cmd.configFile != "" && !cmd.cfg.DisableReload {
		prev := file
		go watchChanges(ctx, cmd.configFile, func(reloaded server.File) error {
			for uri := range prev.Resources {
				s.RemoveResource(prev.Resources[uri].URI)
			}
			for name := range prev.Prompts {
				s.RemovePrompt(name)
			}
			if err := reloaded.Apply(s); err != nil {
				return err
			}
			prev = reloaded
			return nil
		})
	}

	// wait for either the server to error out or the command's context to be canceled
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errMsg := fmt.Errorf("mcpd crashed with the following error: %w", err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
	case <-ctx.Done():
		if httpSrv != nil {
			shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			cmd.logger.WarnContext(shutdownContext, "Shutting down gracefully...")
			if err := httpSrv.Shutdown(shutdownContext); err == context.DeadlineExceeded {
				return fmt.Errorf("graceful shutdown timed out... forcing exit")
			}
		}
	}

	return nil
}
