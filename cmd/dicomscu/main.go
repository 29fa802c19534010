// Command dicomscu sends DICOM requests to a remote application entity.
//
//	dicomscu [OPTIONS] COMMAND [ARG...]
//
// Commands are echo, store, find and move. Options may also be set in a TOML
// file passed with --config; flags win over the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/caio-sobreiro/dicomclient/client"
)

type globalArgs struct {
	config      string
	address     string
	callingAE   string
	calledAE    string
	logLevel    string
	logFormat   string
	metricsAddr string
	timeout     time.Duration
}

// subcommand is one verb of the CLI.
type subcommand struct {
	desc  string
	flags func(flags *pflag.FlagSet)
	run   func(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := execute(ctx, args, stdout, stderr)
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return 2
	case err != nil:
		fmt.Fprintf(stderr, "dicomscu: %v\n", err)
		return 1
	}
	return 0
}

func commands() map[string]*subcommand {
	return map[string]*subcommand{
		"echo":  newEchoCmd(),
		"store": newStoreCmd(),
		"find":  newFindCmd(),
		"move":  newMoveCmd(),
	}
}

func usage(flags *pflag.FlagSet, cmds map[string]*subcommand, w io.Writer) {
	fmt.Fprintf(w, "Usage: dicomscu [OPTIONS] COMMAND [ARG...]\n\nOptions:\n%s\nCommands:\n", flags.FlagUsages())
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, cmds[name].desc)
	}
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalArgs
	cmds := commands()

	flags := pflag.NewFlagSet("dicomscu", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVarP(&g.config, "config", "c", "", "TOML config file")
	flags.StringVarP(&g.address, "addr", "a", "", "peer address as host:port")
	flags.StringVar(&g.callingAE, "calling-ae", "", "calling AE title")
	flags.StringVar(&g.calledAE, "called-ae", "", "called AE title")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&g.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "when set, serves Prometheus metrics on this address (example: 127.0.0.1:9104)")
	flags.DurationVar(&g.timeout, "timeout", 0, "overall deadline, 0 disables it")
	flags.Usage = func() { usage(flags, cmds, stderr) }

	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return pflag.ErrHelp
	}
	name := flags.Arg(0)
	cmd, ok := cmds[name]
	if !ok {
		flags.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cmdFlags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cmdFlags.SetOutput(stderr)
	if cmd.flags != nil {
		cmd.flags(cmdFlags)
	}
	if err := cmdFlags.Parse(flags.Args()[1:]); err != nil {
		return fmt.Errorf("parse args for command %s: %w", name, err)
	}

	conf, err := loadConfig(g.config)
	if err != nil {
		return err
	}
	setString(&conf.Client.Address, g.address)
	setString(&conf.Client.CallingAETitle, g.callingAE)
	setString(&conf.Client.CalledAETitle, g.calledAE)
	setString(&conf.Logging.Level, g.logLevel)
	setString(&conf.Logging.Format, g.logFormat)
	setString(&conf.Metrics.Listen, g.metricsAddr)

	logger, err := newLogger(conf.Logging, stderr)
	if err != nil {
		return err
	}
	cfg := conf.clientConfig(logger)
	if cfg.Address == "" {
		return errors.New("no peer address, use --addr or [client] address")
	}

	if conf.Metrics.Listen != "" {
		stop, err := serveMetrics(conf.Metrics.Listen, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	logger.Debug("Running command", "command", name, "address", cfg.Address, "called_ae", cfg.CalledAETitle)
	return cmd.run(ctx, c, cmdFlags.Args(), stdout)
}

// serveMetrics exposes the default Prometheus registry until stop is called.
func serveMetrics(addr string, logger *slog.Logger) (stop func(), err error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %q: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("Serving metrics", "local_addr", listener.Addr().String())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
