// Command loadgen drives a fabric router with many concurrent agents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/hierafabric/agent"
	"github.com/VanDung-dev/hierafabric/logging"
	"github.com/VanDung-dev/hierafabric/message"
)

// LoadConfig holds configuration for a load run.
type LoadConfig struct {
	Endpoint   string
	Agents     int
	Count      int
	Duration   time.Duration
	Kind       string
	Reliable   bool
	AckTimeout time.Duration
	HMACKey    string
	NoopEvery  time.Duration
	ReportFile string
	LogLevel   string
}

// LoadResult holds the results of a load run.
type LoadResult struct {
	TotalMessages  int64
	Successful     int64
	Failed         int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	MessagesPerSec float64
}

type counters struct {
	total, success, failed, latencySum atomic.Int64
	minLatency, maxLatency             atomic.Int64
}

func (c *counters) observe(latency time.Duration, err error) {
	c.total.Add(1)
	if err != nil {
		c.failed.Add(1)
		return
	}
	c.success.Add(1)
	lat := int64(latency)
	c.latencySum.Add(lat)
	for {
		old := c.minLatency.Load()
		if lat >= old || c.minLatency.CompareAndSwap(old, lat) {
			break
		}
	}
	for {
		old := c.maxLatency.Load()
		if lat <= old || c.maxLatency.CompareAndSwap(old, lat) {
			break
		}
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("loadgen", cfg.LogLevel)

	fmt.Println("=== Fabric Router Load Test ===")
	fmt.Printf("Target:   %s\n", cfg.Endpoint)
	fmt.Printf("Agents:   %d\n", cfg.Agents)
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Printf("Kind:     %s (reliable=%v)\n", cfg.Kind, cfg.Reliable)
	fmt.Println()

	result, err := runLoad(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load run failed")
	}
	printResults(result)

	if cfg.ReportFile != "" {
		if err := saveReport(cfg, result); err != nil {
			logger.Error().Err(err).Msg("failed to write report")
		} else {
			fmt.Printf("Report saved to: %s\n", cfg.ReportFile)
		}
	}
}

func parseFlags(args []string) (LoadConfig, error) {
	cfg := LoadConfig{}

	flagSet := pflag.NewFlagSet("loadgen", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Endpoint, "endpoint", "e", "tcp://127.0.0.1:5555", "router endpoint to connect agents to")
	flagSet.IntVarP(&cfg.Agents, "agents", "c", 10, "number of concurrent agents")
	flagSet.IntVarP(&cfg.Count, "count", "n", 0, "messages per agent (0 = until duration elapses)")
	flagSet.DurationVarP(&cfg.Duration, "duration", "d", 30*time.Second, "duration of the run")
	flagSet.StringVarP(&cfg.Kind, "kind", "k", "counter", "message kind to emit")
	flagSet.BoolVar(&cfg.Reliable, "reliable", false, "wait for an ack per message")
	flagSet.DurationVar(&cfg.AckTimeout, "ack-timeout", 2*time.Second, "ack wait per attempt in reliable mode")
	flagSet.StringVar(&cfg.HMACKey, "hmac-key", "", "shared HMAC key")
	flagSet.DurationVar(&cfg.NoopEvery, "noop-every", 10*time.Second, "interval between peer refresh noops")
	flagSet.StringVarP(&cfg.ReportFile, "output", "o", "", "write a JSON report to this file")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "warn", "log level")

	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Agents <= 0 {
		return cfg, fmt.Errorf("--agents must be positive")
	}
	if _, err := message.ParseKind(cfg.Kind); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runLoad(parent context.Context, cfg LoadConfig, logger zerolog.Logger) (LoadResult, error) {
	kind, err := message.ParseKind(cfg.Kind)
	if err != nil {
		return LoadResult{}, err
	}

	ctx, cancel := context.WithTimeout(parent, cfg.Duration)
	defer cancel()

	var c counters
	c.minLatency.Store(1<<63 - 1)

	clients := make([]*agent.Client, 0, cfg.Agents)
	for i := 0; i < cfg.Agents; i++ {
		client, err := agent.Dial(ctx, uuid.NewString(), cfg.Endpoint, agent.Options{
			HMACKey:    []byte(cfg.HMACKey),
			AckTimeout: cfg.AckTimeout,
			Logger:     &logger,
		})
		if err != nil {
			for _, cl := range clients {
				_ = cl.Close()
			}
			return LoadResult{}, err
		}
		clients = append(clients, client)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(client *agent.Client) {
			defer wg.Done()
			runAgent(ctx, cfg, kind, client, &c, logger)
		}(client)
	}
	wg.Wait()

	for _, client := range clients {
		_ = client.Close()
	}

	duration := time.Since(start)
	total, success := c.total.Load(), c.success.Load()

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(c.latencySum.Load() / success)
	}
	minLat := c.minLatency.Load()
	if success == 0 {
		minLat = 0
	}

	return LoadResult{
		TotalMessages:  total,
		Successful:     success,
		Failed:         c.failed.Load(),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(c.maxLatency.Load()),
		MessagesPerSec: float64(total) / duration.Seconds(),
	}, nil
}

func runAgent(ctx context.Context, cfg LoadConfig, kind message.Kind, client *agent.Client, c *counters, logger zerolog.Logger) {
	if cfg.Reliable {
		go func() { _ = client.Serve(ctx, nil) }()
	}
	if err := client.Noop(); err != nil {
		logger.Warn().Err(err).Str("agent", client.ID()).Msg("initial noop failed")
	}
	lastNoop := time.Now()

	for i := 0; cfg.Count == 0 || i < cfg.Count; i++ {
		if ctx.Err() != nil {
			return
		}
		if cfg.NoopEvery > 0 && time.Since(lastNoop) >= cfg.NoopEvery {
			_ = client.Noop()
			lastNoop = time.Now()
		}

		msg, err := build(client, kind, i)
		if err != nil {
			c.observe(0, err)
			continue
		}

		begin := time.Now()
		if cfg.Reliable {
			err = client.SendReliable(ctx, msg)
		} else {
			err = client.Emit(msg)
		}
		c.observe(time.Since(begin), err)
		if err != nil {
			// Back off briefly so a dead router is not hammered.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func build(client *agent.Client, kind message.Kind, i int) (*message.Message, error) {
	if kind.IsMetric() {
		return message.NewStat(client.ID(), kind, message.Stat{
			Name:  "loadgen.messages",
			Value: float64(i),
			Tags:  map[string]string{"agent": client.ID()},
		}, client.Source())
	}
	return message.New(message.Options{
		From:   client.ID(),
		Route:  kind.Route(),
		Kind:   kind,
		Data:   map[string]any{"seq": i, "sent_at": time.Now().UnixMicro()},
		Source: client.Source(),
	})
}

func printResults(result LoadResult) {
	pct := func(n int64) float64 {
		if result.TotalMessages == 0 {
			return 0
		}
		return float64(n) / float64(result.TotalMessages) * 100
	}
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Messages:  %d\n", result.TotalMessages)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.Successful, pct(result.Successful))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.Failed, pct(result.Failed))
	fmt.Printf("Messages/sec:    %.2f\n", result.MessagesPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(cfg LoadConfig, result LoadResult) error {
	report := map[string]any{
		"config": map[string]any{
			"endpoint": cfg.Endpoint,
			"agents":   cfg.Agents,
			"duration": cfg.Duration.String(),
			"kind":     cfg.Kind,
			"reliable": cfg.Reliable,
		},
		"results": map[string]any{
			"total_messages":   result.TotalMessages,
			"successful":       result.Successful,
			"failed":           result.Failed,
			"messages_per_sec": result.MessagesPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.ReportFile, data, 0644)
}
