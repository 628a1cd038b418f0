package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/VanDung-dev/hierafabric/message"
)

const sample = `
id = "B7E4C1A2-9F3D-4E8B-A6C5-1D2E3F4A5B6C"
hmac_key = "s3cret"
stats_interval = "10s"
peer_ttl = "1h"
max_trace_hops = 8
error_sink = "errors"
log_level = "debug"

[[socket]]
name = "agents"
type = "router"
bind = ["tcp://*:5555"]

[[socket]]
name = "events"
type = "push"
connect = ["tcp://127.0.0.1:5600"]

[[socket]]
name = "errors"
type = "pub"
bind = ["tcp://*:5601"]

[[route]]
src = "agents"
dest = "events"
type = "event"
`

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.RouterID != "b7e4c1a2-9f3d-4e8b-a6c5-1d2e3f4a5b6c" {
		t.Errorf("Expected canonical router id, got %s", cfg.RouterID)
	}
	if cfg.StatsInterval != 10*time.Second {
		t.Errorf("Expected stats interval 10s, got %v", cfg.StatsInterval)
	}
	if cfg.PeerTTL != time.Hour {
		t.Errorf("Expected peer ttl 1h, got %v", cfg.PeerTTL)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("Expected default sweep interval, got %v", cfg.SweepInterval)
	}
	if cfg.MaxTraceHops != 8 {
		t.Errorf("Expected max trace hops 8, got %d", cfg.MaxTraceHops)
	}
	if cfg.MetricsAddr != ":9464" {
		t.Errorf("Expected default metrics addr, got %s", cfg.MetricsAddr)
	}
	if len(cfg.Sockets) != 3 || len(cfg.Routes) != 1 {
		t.Fatalf("Expected 3 sockets and 1 route, got %d and %d", len(cfg.Sockets), len(cfg.Routes))
	}

	k, err := cfg.Routes[0].Kind()
	if err != nil || k != message.KindEvent {
		t.Errorf("Expected event route, got %v (%v)", k, err)
	}
	if cfg.Routes[0].Expires {
		t.Error("Expected route without expires key to be permanent")
	}
}

func TestRouteExpiresOptIn(t *testing.T) {
	cfg, err := Parse(`id = "b7e4c1a2-9f3d-4e8b-a6c5-1d2e3f4a5b6c"

[[socket]]
name = "in"
type = "pull"
bind = ["tcp://*:1"]

[[route]]
src = "in"
dest = "in"
type = "log"
expires = true
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cfg.Routes) != 1 || !cfg.Routes[0].Expires {
		t.Errorf("Expected one expiring route, got %+v", cfg.Routes)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.toml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HMACKey != "s3cret" {
		t.Errorf("Expected hmac key, got %q", cfg.HMACKey)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.RouterID = "b7e4c1a2-9f3d-4e8b-a6c5-1d2e3f4a5b6c"
		cfg.Sockets = []Socket{
			{Name: "in", Type: "pull", Bind: []string{"tcp://*:1"}},
			{Name: "out", Type: "push", Connect: []string{"tcp://x:2"}},
		}
		cfg.Routes = []Route{{Src: "in", Dest: "out", Type: "counter"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.RouterID = "" }},
		{"bad id", func(c *Config) { c.RouterID = "router-1" }},
		{"zero poll timeout", func(c *Config) { c.PollTimeout = 0 }},
		{"negative hops", func(c *Config) { c.MaxTraceHops = -1 }},
		{"duplicate socket", func(c *Config) { c.Sockets = append(c.Sockets, c.Sockets[0]) }},
		{"unknown socket type", func(c *Config) { c.Sockets[0].Type = "pair" }},
		{"no endpoints", func(c *Config) { c.Sockets[1].Connect = nil }},
		{"unknown sink", func(c *Config) { c.ErrorSink = "nowhere" }},
		{"unknown route dest", func(c *Config) { c.Routes[0].Dest = "nowhere" }},
		{"empty route", func(c *Config) { c.Routes[0].Type = "" }},
		{"unknown kind", func(c *Config) { c.Routes[0].Type = "bogus" }},
	}

	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected base config to validate, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse(`id = "b7e4c1a2-9f3d-4e8b-a6c5-1d2e3f4a5b6c"
stats_interval = "soon"`)
	if err == nil {
		t.Error("Expected error for bad duration")
	}
}
