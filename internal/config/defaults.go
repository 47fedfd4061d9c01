package config

import (
	"strings"
	"time"

	offlinesync "github.com/dgduncan/go-offline-sync"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyConnectivityDefaults(&cfg.Connectivity)
	applyEngineDefaults(cfg)

	if cfg.Upstream == "" {
		cfg.Upstream = "http://localhost:8080"
	}
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8787"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	cfg.Type = strings.ToLower(cfg.Type)
}

func applyConnectivityDefaults(cfg *ConnectivityConfig) {
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.InterfacesInterval == 0 {
		cfg.InterfacesInterval = 5 * time.Second
	}
}

// applyEngineDefaults fills the cache, queue and sync sections from the
// engine defaults.
func applyEngineDefaults(cfg *Config) {
	d := offlinesync.DefaultConfig()

	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = d.Cache.Capacity
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = d.Cache.DefaultTTL
	}
	if cfg.Cache.EvictBatch == 0 {
		cfg.Cache.EvictBatch = d.Cache.EvictBatch
	}
	if cfg.Cache.QuotaEvictStep == 0 {
		cfg.Cache.QuotaEvictStep = d.Cache.QuotaEvictStep
	}
	if cfg.Cache.MaxPersistRetries == 0 {
		cfg.Cache.MaxPersistRetries = d.Cache.MaxPersistRetries
	}
	if cfg.Cache.MaxBodySize == 0 {
		cfg.Cache.MaxBodySize = ByteSize(d.MaxCacheableBytes)
	}
	if cfg.Cache.Exclude == nil {
		cfg.Cache.Exclude = d.ExcludePatterns
	}

	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = d.Queue.Capacity
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = d.Queue.MaxRetries
	}
	if cfg.Queue.Endpoints == nil {
		cfg.Queue.Endpoints = d.QueueableEndpoints
	}
}
