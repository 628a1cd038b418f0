package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/hierafabric/api"
	"github.com/VanDung-dev/hierafabric/config"
	"github.com/VanDung-dev/hierafabric/network"
)

// build opens every configured socket and installs the configured routes.
func build(ctx context.Context, cfg config.Config, logger *zerolog.Logger, metrics *api.Metrics) (*network.Router, error) {
	sockets := make(map[string]network.Socket, len(cfg.Sockets))
	closeAll := func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}

	for _, sc := range cfg.Sockets {
		sock, err := network.OpenSocket(ctx, socketSpec(sc))
		if err != nil {
			closeAll()
			return nil, err
		}
		sockets[sc.Name] = sock
		logger.Debug().Str("socket", sc.Name).Str("type", sc.Type).Strs("bind", sc.Bind).Strs("connect", sc.Connect).Msg("socket open")
	}

	opts := routerOptions(cfg)
	opts.Logger = logger
	opts.Metrics = metrics
	if cfg.ErrorSink != "" {
		opts.ErrorSink = sockets[cfg.ErrorSink]
	}
	if cfg.StatsSink != "" {
		opts.StatsSink = sockets[cfg.StatsSink]
	}

	router, err := network.NewRouter(cfg.RouterID, opts)
	if err != nil {
		closeAll()
		return nil, err
	}

	// Register in file order so handles and log names are stable.
	for _, sc := range cfg.Sockets {
		if _, err := router.AddSocket(sc.Name, sockets[sc.Name]); err != nil {
			closeAll()
			return nil, err
		}
		if isSource(sc.Type) {
			if _, err := router.Listen(sc.Name, sockets[sc.Name]); err != nil {
				closeAll()
				return nil, err
			}
		}
	}

	for i, rc := range cfg.Routes {
		rule, err := routeRule(rc)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if err := router.Route(rule, sockets[rc.Src], sockets[rc.Dest]); err != nil {
			closeAll()
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}
	return router, nil
}

func socketSpec(sc config.Socket) network.SocketSpec {
	return network.SocketSpec{
		Name:      sc.Name,
		Type:      sc.Type,
		Bind:      sc.Bind,
		Connect:   sc.Connect,
		Identity:  sc.Identity,
		Subscribe: sc.Subscribe,
	}
}

func routerOptions(cfg config.Config) network.Options {
	opts := network.DefaultOptions()
	opts.StatsInterval = cfg.StatsInterval
	opts.SweepInterval = cfg.SweepInterval
	opts.PeerTTL = cfg.PeerTTL
	opts.PollTimeout = cfg.PollTimeout
	opts.ErrorBackoff = cfg.ErrorBackoff
	opts.ShutdownGrace = cfg.ShutdownGrace
	opts.MaxTraceHops = cfg.MaxTraceHops
	if cfg.HMACKey != "" {
		opts.HMACKey = []byte(cfg.HMACKey)
	}
	return opts
}

func routeRule(rc config.Route) (network.Rule, error) {
	kind, err := rc.Kind()
	if err != nil {
		return network.Rule{}, err
	}
	return network.Rule{Kind: kind, To: rc.To, From: rc.From, Expires: rc.Expires}, nil
}

// isSource reports whether sockets of this type are polled for inbound
// messages.
func isSource(typ string) bool {
	switch strings.ToLower(typ) {
	case "router", "pull", "sub", "xsub", "dealer":
		return true
	}
	return false
}
