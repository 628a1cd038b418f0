// Command fabric-router runs a message router configured from a TOML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/hierafabric/api"
	"github.com/VanDung-dev/hierafabric/config"
	"github.com/VanDung-dev/hierafabric/logging"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "fabric-router"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "fabric-router.toml", "path to the router TOML configuration")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides the config file)")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "address for /metrics and /health (overrides the config file, \"off\" disables)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("%s v%s\n", Name, Version)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	logger := logging.New(Name, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := api.NewMetrics("fabric", reg)

	router, err := build(ctx, cfg, &logger, metrics)
	if err != nil {
		return err
	}

	var metricsServer *api.MetricsServer
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "off" {
		metricsServer = api.NewMetricsServer(cfg.MetricsAddr, reg)
		metricsServer.StartAsync(func(err error) {
			logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
		})
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
	}

	logger.Info().
		Str("router_id", cfg.RouterID).
		Int("sockets", len(cfg.Sockets)).
		Int("routes", len(cfg.Routes)).
		Msg("starting router")

	runErr := router.Run(ctx)

	logger.Info().Msg("shutting down router")
	if err := router.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("errors while closing sockets")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn().Err(err).Msg("failed to stop metrics server")
		}
	}
	logger.Info().Msg("router stopped")
	return runErr
}
