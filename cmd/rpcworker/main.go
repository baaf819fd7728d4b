package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/next-trace/scg-rpc-bus/config"
	"github.com/next-trace/scg-rpc-bus/examples/services"
	"github.com/next-trace/scg-rpc-bus/metrics"
	"github.com/next-trace/scg-rpc-bus/registry"
	"github.com/next-trace/scg-rpc-bus/rpcbus"
	"github.com/next-trace/scg-rpc-bus/telemetry"
)

var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error

	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "call":
		err = runCall(os.Args[2:])
	case "version":
		fmt.Println("rpcworker", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "rpcworker:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage:
  rpcworker serve [-config file] [-env-prefix RPCBUS] [-shutdown-timeout 30s]
  rpcworker call  [-config file] [-timeout 10s] <service> [json-arg ...]
  rpcworker version
`)
}

func loadConfig(path, prefix string) (*config.Config, error) {
	l := config.NewLoader().WithEnvPrefix(prefix)
	if path != "" {
		l = l.WithConfigPath(path)
	}

	return l.Load()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	envPrefix := fs.String("env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "drain deadline on shutdown")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, *envPrefix)
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, tracing disabled", "err", err)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = providers.Shutdown(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	obs := metrics.New(cfg.Metrics.Namespace, reg)

	broker, closeBroker, err := newBroker(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer closeBroker()

	prop := telemetry.NewPropagator()

	srv := rpcbus.NewServer(broker, nil,
		rpcbus.WithServerLogger(logger),
		rpcbus.WithServerObserver(obs),
		rpcbus.WithExtractor(prop),
		rpcbus.WithBatchTracer(telemetry.NewTracer(nil)),
	)

	if err := services.Register(srv, cfg.ServiceOptions, nil); err != nil {
		return err
	}

	metricsSrv := serveMetrics(cfg.Metrics.Addr, reg, logger)

	logger.Info("rpcworker starting", "version", Version, "broker", cfg.Broker.Kind)

	serveErr := srv.Serve(ctx)

	logger.Info("rpcworker shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	errs := []error{serveErr, srv.Shutdown(sctx)}

	if metricsSrv != nil {
		errs = append(errs, metricsSrv.Shutdown(sctx))
	}

	return errors.Join(errs...)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()

	return srv
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	envPrefix := fs.String("env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	timeout := fs.Duration("timeout", 10*time.Second, "call timeout")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("call: service name required")
	}

	cfg, err := loadConfig(*configPath, *envPrefix)
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	name := fs.Arg(0)

	callArgs := make([]any, 0, fs.NArg()-1)
	for _, a := range fs.Args()[1:] {
		if !json.Valid([]byte(a)) {
			return fmt.Errorf("call: argument %q is not valid JSON", a)
		}

		callArgs = append(callArgs, json.RawMessage(a))
	}

	broker, closeBroker, err := newBroker(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer closeBroker()

	reg := registry.New()
	if err := reg.Register(registry.Remote(name, cfg.Services[name].Queue)); err != nil {
		return err
	}

	policy, err := rpcbus.ParsePublishPolicy(cfg.Client.PublishPolicy)
	if err != nil {
		return err
	}

	client, err := rpcbus.NewClient(ctx, broker, reg,
		rpcbus.WithClientLogger(logger),
		rpcbus.WithPropagator(telemetry.NewPropagator()),
		rpcbus.WithTimeout(cfg.Client.Timeout),
		rpcbus.WithPublishPolicy(policy),
		rpcbus.WithReplyPrefix(cfg.Client.ReplyPrefix),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	out, err := client.Call(ctx, name, callArgs...)
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}
