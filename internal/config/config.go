// Package config loads the settings of the offlinesync command from a YAML
// file and OFFLINESYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	offlinesync "github.com/dgduncan/go-offline-sync"
)

// ByteSize is a size in bytes that accepts human readable values such as
// "512KiB" or "5 MB" in configuration files.
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config is the full configuration of the offlinesync command.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (OFFLINESYNC_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server is the local proxy and status API
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Upstream is the API every proxied request is sent to
	Upstream string `mapstructure:"upstream" validate:"required,url" yaml:"upstream"`

	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
}

type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

type ServerConfig struct {
	// Listen is the proxy address
	Listen string `mapstructure:"listen" validate:"required" yaml:"listen"`

	// StatusListen is the address of the status API, which also serves
	// /metrics. Empty disables it.
	StatusListen string `mapstructure:"status_listen" yaml:"status_listen"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// StoreConfig selects where the cache and the queue are persisted.
type StoreConfig struct {
	// Type is memory, badger, sqlite, postgres or dynamodb
	Type string `mapstructure:"type" validate:"required,oneof=memory badger sqlite postgres dynamodb" yaml:"type"`

	// Path is the data directory for badger or the database file for sqlite
	Path string `mapstructure:"path" validate:"required_if=Type badger,required_if=Type sqlite" yaml:"path,omitempty"`

	// Quota bounds the total persisted bytes, like a browser storage quota.
	// Zero means unbounded.
	Quota ByteSize `mapstructure:"quota" yaml:"quota,omitempty"`

	// DSN is the postgres connection string
	DSN string `mapstructure:"dsn" validate:"required_if=Type postgres" yaml:"dsn,omitempty"`

	// Table is the dynamodb table name
	Table string `mapstructure:"table" validate:"required_if=Type dynamodb" yaml:"table,omitempty"`

	// Endpoint overrides the dynamodb endpoint, eg. for DynamoDB Local
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

type ConnectivityConfig struct {
	// ProbeURL is requested periodically to decide reachability. Defaults
	// to the upstream.
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0" yaml:"probe_timeout"`

	// Interfaces enables the network interface signal, which reports the
	// link type. When both are enabled the probe is secondary.
	Interfaces         bool          `mapstructure:"interfaces" yaml:"interfaces"`
	InterfacesInterval time.Duration `mapstructure:"interfaces_interval" validate:"gt=0" yaml:"interfaces_interval"`
}

type TTLOverride struct {
	URI string        `mapstructure:"uri" validate:"required" yaml:"uri"`
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0" yaml:"ttl"`
}

type CacheConfig struct {
	Capacity          int           `mapstructure:"capacity" validate:"gt=0" yaml:"capacity"`
	TTL               time.Duration `mapstructure:"ttl" validate:"gt=0" yaml:"ttl"`
	EvictBatch        int           `mapstructure:"evict_batch" validate:"gt=0" yaml:"evict_batch"`
	QuotaEvictStep    int           `mapstructure:"quota_evict_step" validate:"gt=0" yaml:"quota_evict_step"`
	MaxPersistRetries int           `mapstructure:"max_persist_retries" validate:"gt=0" yaml:"max_persist_retries"`
	MaxBodySize       ByteSize      `mapstructure:"max_body_size" yaml:"max_body_size"`
	Exclude           []string      `mapstructure:"exclude" yaml:"exclude"`
	TTLOverrides      []TTLOverride `mapstructure:"ttl_overrides" validate:"dive" yaml:"ttl_overrides,omitempty"`
}

type QueueConfig struct {
	Capacity   int      `mapstructure:"capacity" validate:"gt=0" yaml:"capacity"`
	MaxRetries int      `mapstructure:"max_retries" validate:"gt=0" yaml:"max_retries"`
	Endpoints  []string `mapstructure:"endpoints" yaml:"endpoints"`
}

type SyncConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gte=0" yaml:"attempt_timeout"`
	OnStart        bool          `mapstructure:"on_start" yaml:"on_start"`
}

// Engine converts the file configuration into the engine configuration.
func (c *Config) Engine() offlinesync.Config {
	ec := offlinesync.DefaultConfig()

	ec.Cache.Capacity = c.Cache.Capacity
	ec.Cache.DefaultTTL = c.Cache.TTL
	ec.Cache.EvictBatch = c.Cache.EvictBatch
	ec.Cache.QuotaEvictStep = c.Cache.QuotaEvictStep
	ec.Cache.MaxPersistRetries = c.Cache.MaxPersistRetries
	ec.MaxCacheableBytes = int64(c.Cache.MaxBodySize)
	ec.ExcludePatterns = c.Cache.Exclude
	for _, o := range c.Cache.TTLOverrides {
		ec.TTLOverrides = append(ec.TTLOverrides, offlinesync.TTLOverride{URI: o.URI, Duration: o.TTL})
	}

	ec.Queue.Capacity = c.Queue.Capacity
	ec.Queue.MaxRetries = c.Queue.MaxRetries
	ec.QueueableEndpoints = c.Queue.Endpoints

	ec.Sync.AttemptTimeout = c.Sync.AttemptTimeout
	ec.SyncOnStart = c.Sync.OnStart

	return ec
}

// Load reads path (if not empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OFFLINESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnv registers every key so AutomaticEnv works without a config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"telemetry.enabled", "telemetry.endpoint", "telemetry.insecure", "telemetry.sample_rate",
		"server.listen", "server.status_listen", "server.shutdown_timeout",
		"upstream",
		"store.type", "store.path", "store.quota", "store.dsn", "store.table", "store.endpoint",
		"connectivity.probe_url", "connectivity.probe_interval", "connectivity.probe_timeout",
		"connectivity.interfaces", "connectivity.interfaces_interval",
		"cache.capacity", "cache.ttl", "cache.evict_batch", "cache.quota_evict_step",
		"cache.max_persist_retries", "cache.max_body_size",
		"queue.capacity", "queue.max_retries",
		"sync.attempt_timeout", "sync.on_start",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "512KiB", "5 MB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			n, err := humanize.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", v, err)
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
