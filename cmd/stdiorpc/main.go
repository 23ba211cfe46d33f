// Package main is the entry point for the stdiorpc command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dshills/stdiorpc/internal/config"
	"github.com/dshills/stdiorpc/internal/hook"
	"github.com/dshills/stdiorpc/internal/integration/process"
	"github.com/dshills/stdiorpc/internal/logging"
	"github.com/dshills/stdiorpc/internal/rpc"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// shutdownTimeout bounds how long server processes get to exit.
const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, errHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if opts.ShowVersion {
		fmt.Fprintf(stdout, "stdiorpc %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session(ctx, opts, cfg, logger, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig layers the command line over the configuration file and
// environment.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if len(opts.Server) > 0 {
		cfg.Server.Command = opts.Server[0]
		cfg.Server.Args = opts.Server[1:]
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	if _, err := cfg.ServerCommand(); err != nil {
		return nil, fmt.Errorf("%w: pass one after -- or set server.command", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, func(), error) {
	loggerCfg := logging.DefaultLoggerConfig()
	loggerCfg.Level = logging.ParseLogLevel(cfg.Logging.Level)
	loggerCfg.Output = stderr

	closeLog := func() {}
	if cfg.Logging.Path != "" {
		f, err := os.OpenFile(cfg.Logging.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		loggerCfg.Output = f
		closeLog = func() { _ = f.Close() }
	}

	logger := logging.NewLogger(loggerCfg)
	applyLogLevel(logger, cfg.Logging.Level)
	return logger, closeLog, nil
}

// applyLogLevel sets the level shared by logger and every component logger
// derived from it. "off" silences them all.
func applyLogLevel(logger *logging.Logger, level string) {
	if strings.EqualFold(level, config.LogLevelOff) {
		logger.Disable()
		return
	}
	logger.Enable()

	next := logging.ParseLogLevel(level)
	if prev := logger.Level(); prev != next {
		logger.SetLevel(next)
		logger.Debug("log level changed", "from", prev, "to", next)
	}
}

// logExit reports server processes ending, whatever the client makes of it.
func logExit(logger *logging.Logger) func(p *process.Process) {
	return func(p *process.Process) {
		code, signal := p.ExitStatus()
		args := []any{"name", p.Name, "id", p.ID, "state", p.State(), "runtime", p.Runtime().Round(time.Millisecond)}
		if code != nil {
			args = append(args, "code", *code)
		}
		if signal != "" {
			args = append(args, "signal", signal)
		}
		logger.Debug("server process ended", args...)
	}
}

// session connects, runs the requested calls and tears everything down.
func session(ctx context.Context, opts options, cfg *config.Config, logger *logging.Logger, stdout io.Writer) error {
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("configuration warning", "warning", w)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	params, err := buildParams(opts.Params, opts.Sets)
	if err != nil {
		return err
	}

	supervisor := process.NewSupervisor(
		process.WithWorkDir(cfg.Server.Dir),
		process.WithProcessExitCallback(logExit(logger.WithComponent("process"))),
	)
	defer supervisor.Shutdown(shutdownTimeout)

	var current sync.Mutex
	live := cfg
	caps := rpc.Capabilities{
		ServerCommand: func() (rpc.ServerCommand, error) {
			current.Lock()
			defer current.Unlock()
			return live.ServerCommand()
		},
		Environment: func() map[string]string {
			current.Lock()
			defer current.Unlock()
			return live.Server.Env
		},
	}
	if opts.ReadyScript != "" {
		script, err := hook.LoadScript(opts.ReadyScript)
		if err != nil {
			return err
		}
		caps.OnReady = hook.LuaReadyHook(script, logger.WithComponent("hook"))
	}

	client, err := rpc.NewClient(caps, supervisor.Spawn,
		rpc.WithIdentity(cfg.Client.Name, cfg.Client.Version),
		rpc.WithProtocolVersion(cfg.Client.ProtocolVersion),
		rpc.WithTimeouts(cfg.Timeouts),
		rpc.WithResyncConfig(cfg.RPCResync()),
		rpc.WithLogger(logger.WithComponent("rpc").WithField("conn", opts.Name)),
	)
	if err != nil {
		return err
	}

	manager := rpc.NewManager()
	if err := manager.Register(opts.Name, client); err != nil {
		return err
	}
	defer manager.StopAll()

	client.OnStateChange(func(status rpc.ConnectionStatus) {
		logger.Debug("connection state", "state", status.State, "message", status.Message)
	})

	out := &lockedWriter{w: stdout}
	if opts.Watch {
		client.OnNotification("*", func(method string, params json.RawMessage) {
			line, _ := json.Marshal(map[string]any{"method": method, "params": params})
			out.Write(formatResult(line, "", opts.Pretty))
		})
	}

	if err := client.Start(ctx); err != nil {
		if opts.Diagnostics {
			printDiagnostics(out, manager)
		}
		return fmt.Errorf("connect: %w", err)
	}
	if info := client.ServerInfo(); info != nil {
		logger.Info("server ready", "name", info.Name, "version", info.Version)
	}

	for _, method := range opts.Calls {
		var sendOpts []rpc.SendOption
		if opts.RequestTimeout > 0 {
			sendOpts = append(sendOpts, rpc.WithTimeout(opts.RequestTimeout))
		}

		var reqParams any
		if params != nil {
			reqParams = params
		}
		result, err := client.Send(method, reqParams, sendOpts...).Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		out.Write(formatResult(result, opts.Query, opts.Pretty))
	}

	if opts.Watch {
		if err := watch(ctx, opts, client, logger, func(cfg *config.Config) {
			current.Lock()
			live = cfg
			current.Unlock()
		}); err != nil {
			return err
		}
	}

	if opts.Diagnostics {
		printDiagnostics(out, manager)
	}
	return nil
}

// watch blocks until ctx ends, applying configuration reloads to client.
func watch(ctx context.Context, opts options, client *rpc.Client, logger *logging.Logger, apply func(*config.Config)) error {
	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(opts.ConfigPath, func(cfg *config.Config, err error) {
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				return
			}
			if err := client.UpdateTimeouts(cfg.Timeouts); err != nil {
				logger.Warn("rejected timeout update", "error", err)
				return
			}
			applyLogLevel(logger, cfg.Logging.Level)
			apply(cfg)
			logger.Info("configuration reloaded", "path", opts.ConfigPath)
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Close()
	}

	logger.Info("watching; press Ctrl-C to exit")
	<-ctx.Done()
	return nil
}

func printDiagnostics(w io.Writer, manager *rpc.Manager) {
	data, err := json.MarshalIndent(manager.Diagnostics(), "", "  ")
	if err != nil {
		fmt.Fprintf(w, "diagnostics unavailable: %v\n", err)
		return
	}
	w.Write(append(data, '\n'))
}

// lockedWriter serializes writes from notification handlers and the main
// goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
