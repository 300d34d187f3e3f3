// Package config defines the process-level configuration shared by
// cmd/simctl and cmd/devicenode, with flag.*Var bindings against a
// defaultConfig-style literal.
package config

import (
	"flag"
	"time"
)

// Config holds every tunable a device process needs, whether it runs
// inside the Simulation Core or as a live libp2p node.
type Config struct {
	DeviceID      string
	CommunityKey  string // base64, loaded from env/flag, never logged
	DBPath        string
	SyncInterval  time.Duration
	SummaryPeriod time.Duration
	BackoffCap    int64
	BatchMax      int
	BloomWindow   int
	MaxLatencyMS  int64

	MetricsAddr string
	LogLevel    string

	// live-deployment only
	ListenPort int
	MdnsTag    string
}

// Default returns the reference defaults a fresh device process assumes.
func Default() *Config {
	return &Config{
		DBPath:        "syncmesh.db",
		SyncInterval:  time.Second,
		SummaryPeriod: time.Second,
		BackoffCap:    60,
		BatchMax:      32,
		BloomWindow:   4096,
		MaxLatencyMS:  200,
		MetricsAddr:   ":2112",
		LogLevel:      "info",
		ListenPort:    0,
		MdnsTag:       "syncmesh-mdns",
	}
}

// BindFlags registers cfg's fields against fs, following the
// flag.*Var(&cfg.Field, name, cfg.Field, usage) idiom.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "this device's identifier")
	fs.StringVar(&c.CommunityKey, "community-key", c.CommunityKey, "base64-encoded 32-byte community key")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "event store path (':memory:' for ephemeral)")
	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "sync engine step interval")
	fs.DurationVar(&c.SummaryPeriod, "summary-period", c.SummaryPeriod, "base Bloom summary send period")
	fs.Int64Var(&c.BackoffCap, "backoff-cap", c.BackoffCap, "summary period backoff cap multiplier")
	fs.IntVar(&c.BatchMax, "batch-max", c.BatchMax, "max events per push batch")
	fs.IntVar(&c.BloomWindow, "bloom-window", c.BloomWindow, "recent-arrival window used to rebuild the local Bloom filter")
	fs.Int64Var(&c.MaxLatencyMS, "max-latency-ms", c.MaxLatencyMS, "assumed max network latency, drives inflight-push timeout")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "prometheus /metrics listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.IntVar(&c.ListenPort, "listen-port", c.ListenPort, "libp2p TCP listen port (0 = random)")
	fs.StringVar(&c.MdnsTag, "mdns-tag", c.MdnsTag, "mDNS service tag for peer discovery")
}
