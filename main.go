package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/bindproxy/internal/config"
	"github.com/die-net/bindproxy/internal/dialer"
	"github.com/die-net/bindproxy/internal/logger"
	"github.com/die-net/bindproxy/internal/metrics"
	"github.com/die-net/bindproxy/internal/proxy"
	"github.com/die-net/bindproxy/internal/registry"
	"github.com/die-net/bindproxy/internal/resolver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCommand().ExecuteContext(ctx)
}

type globalOptions struct {
	configPath string
	envFile    string
	stateFile  string
	logLevel   string
	jsonLogs   bool
}

type serveOptions struct {
	binds        []string
	noRestore    bool
	debugListen  string
	tcpKeepAlive string
}

func newRootCommand() *cobra.Command {
	globals := &globalOptions{envFile: ".env", logLevel: "info"}
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "bindproxy",
		Short: "Local HTTP proxy ports, each bound to a credentialed SOCKS5 upstream",
		Long: "bindproxy opens one HTTP proxy listener on 127.0.0.1 per upstream SOCKS5 proxy.\n" +
			"Bindings are remembered in a state file and restored on the next start.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(globals)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tcp-keepalive") {
				cfg.TCPKeepAlive = opts.tcpKeepAlive
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg, log, opts)
		},
	}

	addGlobalFlags(cmd.PersistentFlags(), globals)
	addServeFlags(cmd.Flags(), opts)
	cmd.AddCommand(newListCommand(globals))

	return cmd
}

func addGlobalFlags(fs *pflag.FlagSet, o *globalOptions) {
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&o.envFile, "env-file", o.envFile, "dotenv file loaded before reading BINDPROXY_* variables (missing is fine)")
	fs.StringVar(&o.stateFile, "state-file", "", "registry file (default ~/.bindproxy.json)")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "log level: debug|info|warn|error")
	fs.BoolVar(&o.jsonLogs, "json-logs", false, "emit logs as JSON")
	fs.SortFlags = false
}

func addServeFlags(fs *pflag.FlagSet, o *serveOptions) {
	fs.StringArrayVar(&o.binds, "bind", nil, "upstream to bind, as user:pass@host:port (repeatable)")
	fs.BoolVar(&o.noRestore, "no-restore", false, "do not restore bindings from the state file")
	fs.StringVar(&o.debugListen, "debug-listen", "", "debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", config.DefaultTCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.SortFlags = false
}

// setup loads the dotenv file and config and builds the root logger.
func setup(g *globalOptions) (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return config.Config{}, nil, err
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.stateFile != "" {
		cfg.StateFile = g.stateFile
	}

	format := logger.FormatText
	if g.jsonLogs {
		format = logger.FormatJSON
	}
	log, err := logger.New(logger.Config{Format: format, Level: g.logLevel})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger, opts *serveOptions) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	res := resolver.New(resolver.Config{
		DNSServer:   cfg.DNSServer,
		DoHURL:      cfg.DoHURL,
		StepTimeout: cfg.DNSTimeout,
	}, logger.WithComponent(log, "resolver"), m)

	dnsHost, _, err := net.SplitHostPort(cfg.DNSServer)
	if err != nil {
		dnsHost = cfg.DNSServer
	}

	proxyCfg := proxy.Config{
		SocketTimeout: cfg.SocketTimeout,
		KeepAlive:     cfg.KeepAlive(),
		DNSServerHost: dnsHost,
		Dialer: dialer.Config{
			DialTimeout:        cfg.SocketTimeout,
			IOTimeout:          cfg.SocketTimeout,
			KeepAlive:          cfg.KeepAlive(),
			InsecureSkipVerify: cfg.InsecureUpstreamTLS,
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	sup := proxy.NewSupervisor(ctx, proxyCfg, res, logger.WithComponent(log, "proxy"), m)
	bindings := registry.New(registry.Config{
		PortMin:      cfg.PortMin,
		PortMax:      cfg.PortMax,
		PortAttempts: cfg.PortAttempts,
		StateFile:    cfg.StateFile,
	}, sup, logger.WithComponent(log, "registry"), m)

	// Listeners must be stopped and the registry persisted on every exit path.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SocketTimeout)
		defer cancel()
		if err := bindings.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()

	if !opts.noRestore {
		for _, r := range bindings.Restore(ctx) {
			if r.Err == nil {
				logUsage(log, r.Port)
			}
		}
	}

	for _, s := range opts.binds {
		port, err := bindings.Bind(s)
		if err != nil {
			log.Error("bind failed", "error", err)
			continue
		}
		logUsage(log, port)
	}

	active := 0
	for _, b := range bindings.List() {
		if b.Status == registry.StatusActive {
			active++
		}
	}
	if active == 0 {
		return errors.New("no active bindings (add one with --bind user:pass@host:port)")
	}

	if opts.debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.ListenTCP(ctx, "tcp", opts.debugListen, cfg.KeepAlive())
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", "addr", opts.debugListen)
	}

	log.Info("serving", "bindings", active, "state_file", cfg.StateFile)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func logUsage(log *slog.Logger, port int) {
	addr := net.JoinHostPort(registry.ListenHost, fmt.Sprint(port))
	log.Info("proxy ready",
		"port", port,
		"curl", "curl -x http://"+addr+" https://example.com",
		"browser", "HTTP and HTTPS proxy "+addr,
	)
}
