// Command muxrpcd serves the demo Arith service over muxrpc.
//
//	muxrpcd -config muxrpcd.toml
//
// Send SIGUSR1 to dump metrics to stderr; SIGINT or SIGTERM shuts down
// gracefully.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"muxrpc/config"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("muxrpcd", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a TOML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "muxrpcd",
		Level: cfg.LogLevel,
	})

	// Aggregate on 10 second intervals for 1 minute.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	metricsConf := metrics.DefaultConfig("muxrpcd")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		logger.Error("failed to set up metrics", "error", err)
		return 1
	}

	svr, closeRegistry, err := newServer(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer closeRegistry()

	errCh := make(chan error, 1)
	go func() { errCh <- svr.Serve("tcp", cfg.ListenAddr) }()

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
			return 1
		}
		return 0
	case sig := <-signalCh:
		logger.Info("caught signal", "signal", sig.String())
	}

	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error("unclean shutdown", "error", err)
		return 1
	}
	return 0
}

// newServer builds the server described by cfg. The returned func releases
// the registry connection, if any.
func newServer(cfg config.Config, logger hclog.Logger) (*server.Server, func(), error) {
	opts := []server.Option{
		server.WithCodec(cfg.Codec),
		server.WithMaxPayloadSize(cfg.MaxPayloadSize),
		server.WithLogger(logger),
		server.WithMiddleware(middleware.LoggingMiddleware(logger)),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, server.WithMiddleware(middleware.TimeoutMiddleware(cfg.RequestTimeout)))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)))
	}

	closeRegistry := func() {}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints: cfg.EtcdEndpoints,
			KeyPrefix: cfg.EtcdPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr))
		closeRegistry = func() {
			if err := reg.Close(); err != nil {
				logger.Warn("failed to close registry", "error", err)
			}
		}
	}

	svr := server.NewServer(opts...)
	if err := svr.Register(&Arith{}); err != nil {
		closeRegistry()
		return nil, nil, err
	}
	return svr, closeRegistry, nil
}
