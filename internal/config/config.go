// Package config handles node configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dxbnet/internal/target"
)

// EnvPrefix maps keys to environment variables, e.g. node.endpoint -> DXB_NODE_ENDPOINT.
const EnvPrefix = "DXB"

// Config is the full node configuration.
type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Router  RouterConfig  `mapstructure:"router" yaml:"router"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Pprof   PprofConfig   `mapstructure:"pprof" yaml:"pprof"`
}

// ─── Node ───

// NodeConfig contains node identity and runtime limits.
type NodeConfig struct {
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"` // e.g. @alice; empty = anonymous
	Instance         string        `mapstructure:"instance" yaml:"instance"` // empty = random per start
	Home             string        `mapstructure:"home" yaml:"home"`
	DefaultInterface string        `mapstructure:"default_interface" yaml:"default_interface"`
	MaxBlockBody     int           `mapstructure:"max_block_body" yaml:"max_block_body"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	DuplicateWindow  time.Duration `mapstructure:"duplicate_window" yaml:"duplicate_window"`
	SessionIdleTTL   time.Duration `mapstructure:"session_idle_ttl" yaml:"session_idle_ttl"`
	MaxFrameDepth    int           `mapstructure:"max_frame_depth" yaml:"max_frame_depth"`
	Sign             bool          `mapstructure:"sign" yaml:"sign"`
	Encrypt          bool          `mapstructure:"encrypt" yaml:"encrypt"`
	Trusted          []string      `mapstructure:"trusted" yaml:"trusted"` // endpoints allowed to write any pointer
}

// ─── Network ───

// NetworkConfig contains listener and peer settings.
type NetworkConfig struct {
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	Peers          []string      `mapstructure:"peers" yaml:"peers"` // host:port to dial and keep connected
	MaxConns       int           `mapstructure:"max_conns" yaml:"max_conns"`
	MaxStreams     int           `mapstructure:"max_streams" yaml:"max_streams"`
	MaxConnsPerIP  int           `mapstructure:"max_conns_per_ip" yaml:"max_conns_per_ip"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	HandshakeLimit time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// ─── Router ───

// RouterConfig contains liveness sweep settings.
type RouterConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency" yaml:"sweep_concurrency"`
	PruneInterval    time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

// ─── Logging ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format string           `mapstructure:"format" yaml:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Store ───

// StoreConfig contains persistent variable storage settings.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // empty = in memory
}

// ─── Pprof ───

type PprofConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr        string `mapstructure:"addr" yaml:"addr"`
	AllowPublic bool   `mapstructure:"allow_public" yaml:"allow_public"`
}

// Load reads the config file at path. An empty path uses defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by an empty config file.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: defaults are invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Node
	v.SetDefault("node.endpoint", "")
	v.SetDefault("node.instance", "")
	v.SetDefault("node.home", ".dxb")
	v.SetDefault("node.default_interface", "quic")
	v.SetDefault("node.max_block_body", 4096)
	v.SetDefault("node.response_timeout", "5s")
	v.SetDefault("node.duplicate_window", "20s")
	v.SetDefault("node.session_idle_ttl", "5m")
	v.SetDefault("node.max_frame_depth", 512)
	v.SetDefault("node.sign", false)
	v.SetDefault("node.encrypt", false)
	v.SetDefault("node.trusted", []string{})

	// Network
	v.SetDefault("network.listen", "")
	v.SetDefault("network.peers", []string{})
	v.SetDefault("network.max_conns", 256)
	v.SetDefault("network.max_streams", 1024)
	v.SetDefault("network.max_conns_per_ip", 16)
	v.SetDefault("network.reconnect_min", "500ms")
	v.SetDefault("network.reconnect_max", "30s")
	v.SetDefault("network.handshake_timeout", "10s")

	// Router
	v.SetDefault("router.sweep_interval", "30s")
	v.SetDefault("router.sweep_concurrency", 8)
	v.SetDefault("router.prune_interval", "10s")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.rotation.max_size_mb", 100)
	v.SetDefault("log.file.rotation.max_age_days", 30)
	v.SetDefault("log.file.rotation.max_backups", 5)
	v.SetDefault("log.file.rotation.compress", true)

	// Store
	v.SetDefault("store.path", "")

	// Pprof
	v.SetDefault("pprof.enabled", false)
	v.SetDefault("pprof.addr", "127.0.0.1:6060")
	v.SetDefault("pprof.allow_public", false)
}

// ValidateAndApplyDefaults validates the configuration and fills derived values.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		cfg.Log.File.Path = filepath.Join(cfg.Node.Home, "logs", "dxb-node.log")
	}

	// ── Node ──
	if cfg.Node.Endpoint != "" {
		ep, err := target.Parse(cfg.Node.Endpoint)
		if err != nil {
			return fmt.Errorf("node.endpoint: %w", err)
		}
		if !ep.IsMain() {
			return fmt.Errorf("node.endpoint must be a main endpoint, use node.instance for %q", cfg.Node.Endpoint)
		}
	}
	if cfg.Node.MaxBlockBody < 64 || cfg.Node.MaxBlockBody > 60000 {
		return fmt.Errorf("node.max_block_body out of range: %d (64..60000)", cfg.Node.MaxBlockBody)
	}
	if cfg.Node.ResponseTimeout <= 0 {
		return fmt.Errorf("node.response_timeout must be positive")
	}
	if cfg.Node.MaxFrameDepth <= 0 {
		return fmt.Errorf("node.max_frame_depth must be positive")
	}
	if _, err := cfg.TrustedEndpoints(); err != nil {
		return err
	}

	// ── Network ──
	if cfg.Network.ReconnectMin <= 0 || cfg.Network.ReconnectMax < cfg.Network.ReconnectMin {
		return fmt.Errorf("network.reconnect_min/max invalid: %s/%s", cfg.Network.ReconnectMin, cfg.Network.ReconnectMax)
	}

	// ── Router ──
	if cfg.Router.SweepConcurrency <= 0 {
		cfg.Router.SweepConcurrency = 1
	}

	// ── Store ──
	if cfg.Store.Path == "memory" {
		cfg.Store.Path = ""
	}
	return nil
}

// LocalEndpoint parses node.endpoint, or returns the anonymous endpoint.
func (cfg *Config) LocalEndpoint() target.Endpoint {
	if cfg.Node.Endpoint == "" {
		return target.Endpoint{}
	}
	ep, err := target.Parse(cfg.Node.Endpoint)
	if err != nil {
		return target.Endpoint{}
	}
	return ep
}

// TrustedEndpoints parses node.trusted.
func (cfg *Config) TrustedEndpoints() ([]target.Endpoint, error) {
	out := make([]target.Endpoint, 0, len(cfg.Node.Trusted))
	for _, s := range cfg.Node.Trusted {
		ep, err := target.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("node.trusted %q: %w", s, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// KeyringPath is where the node keeps its keys.
func (cfg *Config) KeyringPath() string {
	return filepath.Join(cfg.Node.Home, "keyring.cbor")
}

// YAML renders cfg as a config file.
func (cfg *Config) YAML() ([]byte, error) {
	return yaml.Marshal(cfg)
}
