package main

import (
	"flag"
	"fmt"
	"time"
)

// CLIConfig holds the parsed command-line flags.
type CLIConfig struct {
	ConfigPath  string
	NATSURL     string
	Bucket      string
	NodeID      string
	Format      string
	LogLevel    string
	LogFormat   string
	Timeout     time.Duration
	ShowVersion bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to YAML/JSON config file (optional)")
	flag.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL (overrides config)")
	flag.StringVar(&cfg.Bucket, "bucket", "", "JetStream KV bucket name (overrides config)")
	flag.StringVar(&cfg.NodeID, "node", "", "Dump a single node by id instead of listing schemas")
	flag.StringVar(&cfg.Format, "format", "table", "Output format: table or json")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: text or json")
	flag.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Overall operation timeout")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.Format {
	case "table", "json":
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", cfg.Format)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}
