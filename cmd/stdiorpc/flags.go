package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
)

// options holds the parsed command line.
type options struct {
	ConfigPath     string
	LogLevel       string
	Calls          []string
	Params         string
	Sets           []string
	Query          string
	Pretty         bool
	RequestTimeout time.Duration
	Diagnostics    bool
	Watch          bool
	ReadyScript    string
	Name           string
	ShowVersion    bool

	// Server is the command after "--".
	Server []string
}

// errHelp is returned when help was requested and printed.
var errHelp = errors.New("help requested")

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	var showHelp bool

	flagSet := pflag.NewFlagSet("stdiorpc", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file (.toml, .yaml, .json, .jsonc)")
	flagSet.StringVar(&opts.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error, off)")
	flagSet.StringArrayVar(&opts.Calls, "call", nil, "method to call after connecting (repeatable)")
	flagSet.StringVar(&opts.Params, "params", "", "JSON params for every --call")
	flagSet.StringArrayVar(&opts.Sets, "set", nil, "set a params field, path=value (repeatable)")
	flagSet.StringVar(&opts.Query, "query", "", "print only this path of each result")
	flagSet.BoolVar(&opts.Pretty, "pretty", false, "indent printed results")
	flagSet.DurationVar(&opts.RequestTimeout, "request-timeout", 0, "timeout for each --call (default: configured timeouts)")
	flagSet.BoolVar(&opts.Diagnostics, "diagnostics", false, "print a diagnostics snapshot before exiting")
	flagSet.BoolVar(&opts.Watch, "watch", false, "stay connected, print notifications and reload the config file until interrupted")
	flagSet.StringVar(&opts.ReadyScript, "ready-script", "", "Lua script to run after the handshake")
	flagSet.StringVar(&opts.Name, "name", "default", "name of this connection in diagnostics")
	flagSet.BoolVarP(&opts.ShowVersion, "version", "v", false, "show version information")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return opts, errHelp
		}
		return opts, err
	}
	if showHelp {
		printHelp(stderr, flagSet)
		return opts, errHelp
	}

	if opts.LogLevel != "" && !validLogLevel(opts.LogLevel) {
		return opts, fmt.Errorf("invalid log level %q (must be trace, debug, info, warn, error or off)", opts.LogLevel)
	}
	if opts.RequestTimeout < 0 {
		return opts, fmt.Errorf("invalid request timeout %v", opts.RequestTimeout)
	}

	opts.Server = flagSet.Args()
	return opts, nil
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "off":
		return true
	}
	return false
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "stdiorpc - JSON-RPC client for servers speaking over stdio\n\n")
	fmt.Fprintf(w, "Usage: stdiorpc [options] [-- server-command [args...]]\n\n")
	fmt.Fprintf(w, "Options:\n")
	flagSet.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  stdiorpc --call tools/list -- my-server --stdio\n")
	fmt.Fprintf(w, "  stdiorpc -c stdiorpc.toml --call tools/call --set name=echo --set arguments.text=hi\n")
	fmt.Fprintf(w, "  stdiorpc -c stdiorpc.toml --call tools/list --query 'tools.#.name'\n")
	fmt.Fprintf(w, "  stdiorpc -c stdiorpc.toml --watch --diagnostics\n")
}
