// Package config loads the router configuration file.
//
// The file is TOML. Top-level keys tune the router, [[socket]] tables
// declare sockets and [[route]] tables install rules between them:
//
//	id = "b7e4c1a2-9f3d-4e8b-a6c5-1d2e3f4a5b6c"
//	stats_interval = "30s"
//	error_sink = "errors"
//
//	[[socket]]
//	name = "agents"
//	type = "router"
//	bind = ["tcp://*:5555"]
//
//	[[route]]
//	src = "agents"
//	dest = "events"
//	type = "event"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/VanDung-dev/hierafabric/envelope"
	"github.com/VanDung-dev/hierafabric/message"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved router configuration.
type Config struct {
	RouterID string
	HMACKey  string

	StatsInterval time.Duration
	SweepInterval time.Duration
	PeerTTL       time.Duration
	PollTimeout   time.Duration
	ErrorBackoff  time.Duration
	ShutdownGrace time.Duration
	MaxTraceHops  int

	ErrorSink string
	StatsSink string

	MetricsAddr string
	LogLevel    string

	Sockets []Socket
	Routes  []Route
}

// Socket declares one zmq socket.
type Socket struct {
	Name      string   `toml:"name"`
	Type      string   `toml:"type"`
	Bind      []string `toml:"bind"`
	Connect   []string `toml:"connect"`
	Identity  string   `toml:"identity"`
	Subscribe []string `toml:"subscribe"`
}

// Route declares one rule from Src to Dest. Type is a kind name. Routes are
// permanent unless Expires opts them into peer-TTL expiry.
type Route struct {
	Src     string `toml:"src"`
	Dest    string `toml:"dest"`
	Type    string `toml:"type"`
	To      string `toml:"to"`
	From    string `toml:"from"`
	Expires bool   `toml:"expires"`
}

type fileConfig struct {
	ID            string   `toml:"id"`
	HMACKey       string   `toml:"hmac_key"`
	StatsInterval string   `toml:"stats_interval"`
	SweepInterval string   `toml:"sweep_interval"`
	PeerTTL       string   `toml:"peer_ttl"`
	PollTimeout   string   `toml:"poll_timeout"`
	ErrorBackoff  string   `toml:"error_backoff"`
	ShutdownGrace string   `toml:"shutdown_grace"`
	MaxTraceHops  int      `toml:"max_trace_hops"`
	ErrorSink     string   `toml:"error_sink"`
	StatsSink     string   `toml:"stats_sink"`
	MetricsAddr   string   `toml:"metrics_addr"`
	LogLevel      string   `toml:"log_level"`
	Sockets       []Socket `toml:"socket"`
	Routes        []Route  `toml:"route"`
}

// DefaultConfig returns the configuration used for keys the file omits.
func DefaultConfig() Config {
	return Config{
		StatsInterval: 30 * time.Second,
		SweepInterval: 5 * time.Minute,
		PeerTTL:       24 * time.Hour,
		PollTimeout:   250 * time.Millisecond,
		ErrorBackoff:  50 * time.Millisecond,
		ShutdownGrace: time.Second,
		MaxTraceHops:  64,
		MetricsAddr:   ":9464",
		LogLevel:      "info",
	}
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load router config: %w", err)
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse router config: %w", err)
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := DefaultConfig()

	if meta.IsDefined("id") {
		cfg.RouterID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("hmac_key") {
		cfg.HMACKey = raw.HMACKey
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"stats_interval", raw.StatsInterval, &cfg.StatsInterval},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"peer_ttl", raw.PeerTTL, &cfg.PeerTTL},
		{"poll_timeout", raw.PollTimeout, &cfg.PollTimeout},
		{"error_backoff", raw.ErrorBackoff, &cfg.ErrorBackoff},
		{"shutdown_grace", raw.ShutdownGrace, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_trace_hops") {
		cfg.MaxTraceHops = raw.MaxTraceHops
	}
	if meta.IsDefined("error_sink") {
		cfg.ErrorSink = strings.TrimSpace(raw.ErrorSink)
	}
	if meta.IsDefined("stats_sink") {
		cfg.StatsSink = strings.TrimSpace(raw.StatsSink)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	cfg.Sockets = raw.Sockets
	cfg.Routes = raw.Routes
	return cfg, nil
}

var socketTypes = map[string]bool{
	"router": true, "dealer": true,
	"pub": true, "sub": true,
	"push": true, "pull": true,
	"xpub": true, "xsub": true,
}

// Validate checks that the configuration describes a runnable router.
func (c *Config) Validate() error {
	if c.RouterID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	id, err := envelope.CanonicalUUID(c.RouterID)
	if err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalid, err)
	}
	c.RouterID = id

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"stats_interval", c.StatsInterval},
		{"sweep_interval", c.SweepInterval},
		{"peer_ttl", c.PeerTTL},
		{"poll_timeout", c.PollTimeout},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.MaxTraceHops < 0 {
		return fmt.Errorf("%w: max_trace_hops must not be negative", ErrInvalid)
	}

	names := make(map[string]bool, len(c.Sockets))
	for i, s := range c.Sockets {
		if s.Name == "" {
			return fmt.Errorf("%w: socket %d has no name", ErrInvalid, i)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate socket %q", ErrInvalid, s.Name)
		}
		names[s.Name] = true
		if !socketTypes[strings.ToLower(s.Type)] {
			return fmt.Errorf("%w: socket %q has unknown type %q", ErrInvalid, s.Name, s.Type)
		}
		if len(s.Bind) == 0 && len(s.Connect) == 0 {
			return fmt.Errorf("%w: socket %q needs bind or connect", ErrInvalid, s.Name)
		}
	}

	for _, sink := range []struct{ key, name string }{
		{"error_sink", c.ErrorSink},
		{"stats_sink", c.StatsSink},
	} {
		if sink.name != "" && !names[sink.name] {
			return fmt.Errorf("%w: %s references unknown socket %q", ErrInvalid, sink.key, sink.name)
		}
	}

	for i, r := range c.Routes {
		if !names[r.Src] || !names[r.Dest] {
			return fmt.Errorf("%w: route %d references unknown socket (src %q, dest %q)", ErrInvalid, i, r.Src, r.Dest)
		}
		if r.Type == "" && r.To == "" && r.From == "" {
			return fmt.Errorf("%w: route %d needs type, to or from", ErrInvalid, i)
		}
		if r.Type != "" {
			if _, err := message.ParseKind(r.Type); err != nil {
				return fmt.Errorf("%w: route %d: %v", ErrInvalid, i, err)
			}
		}
	}
	return nil
}

// Kind resolves the route's type name. Zero means unconstrained.
func (r Route) Kind() (message.Kind, error) {
	if r.Type == "" {
		return 0, nil
	}
	return message.ParseKind(r.Type)
}
