// Package config provides YAML-based configuration loading for connect nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Node     NodeConfig     `mapstructure:"node" yaml:"node"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Net      NetConfig      `mapstructure:"net" yaml:"net"`

	// Channels lists the transport channels to bring up.
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	// FallbackOrder lists channel kinds in the order sends try them. Kinds
	// configured but not listed are appended in configuration order.
	FallbackOrder []string `mapstructure:"fallback_order" yaml:"fallback_order"`
	// MeshMode connects every available channel instead of stopping at the
	// first that connects.
	MeshMode bool `mapstructure:"mesh_mode" yaml:"mesh_mode"`

	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Selection SelectionConfig `mapstructure:"selection" yaml:"selection"`
	Mesh      MeshConfig      `mapstructure:"mesh" yaml:"mesh"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Signaling SignalingConfig `mapstructure:"signaling" yaml:"signaling"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// NodeConfig names the local peer.
type NodeConfig struct {
	// ID overrides the identity-derived peer id when set.
	ID           string   `mapstructure:"id" yaml:"id"`
	DisplayName  string   `mapstructure:"display_name" yaml:"display_name"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	DataDir      string   `mapstructure:"data_dir" yaml:"data_dir"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// IdentityConfig describes the node's ed25519 identity.
type IdentityConfig struct {
	Alg            string `mapstructure:"alg" yaml:"alg"`
	PrivateKey     string `mapstructure:"private_key" yaml:"private_key"`           // base64url(no padding) of raw private key bytes
	PrivateKeyFile string `mapstructure:"private_key_file" yaml:"private_key_file"` // file holding base64 or raw bytes
}

// NetConfig contains dial and send tuning.
type NetConfig struct {
	DialBackoffInitial time.Duration `mapstructure:"dial_backoff_initial" yaml:"dial_backoff_initial"`
	DialBackoffMax     time.Duration `mapstructure:"dial_backoff_max" yaml:"dial_backoff_max"`
	DialBackoffJitter  time.Duration `mapstructure:"dial_backoff_jitter" yaml:"dial_backoff_jitter"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	// SendTimeout bounds one adapter send attempt.
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

// ChannelConfig describes one channel kind and its endpoints.
// Example YAML:
//
//	channels:
//	  - kind: direct-link
//	    listen: [":4433"]
//	    dial:
//	      - address: "10.0.0.2:4433"
//	        peer_id: "node-b"
//	  - kind: wired
//	    listen: [":7000"]
//	  - kind: relay
//	    dial:
//	      - address: "ws://relay.local:8080/connect"
type ChannelConfig struct {
	Kind     string           `mapstructure:"kind" yaml:"kind"`
	Disabled bool             `mapstructure:"disabled" yaml:"disabled,omitempty"`
	Listen   []string         `mapstructure:"listen" yaml:"listen,omitempty"`
	Dial     []PeerDialConfig `mapstructure:"dial" yaml:"dial,omitempty"`
	// Extra holds adapter-specific options.
	Extra map[string]any `mapstructure:"extra" yaml:"extra,omitempty"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	PeerID  string `mapstructure:"peer_id" yaml:"peer_id,omitempty"`
}

// HealthConfig holds the sampling interval and classification thresholds.
type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	StaleIntervals    int           `mapstructure:"stale_intervals" yaml:"stale_intervals"`
	DegradedErrorRate float64       `mapstructure:"degraded_error_rate" yaml:"degraded_error_rate"`
	FailedErrorRate   float64       `mapstructure:"failed_error_rate" yaml:"failed_error_rate"`
	DegradedLatency   time.Duration `mapstructure:"degraded_latency" yaml:"degraded_latency"`
	FailedLatency     time.Duration `mapstructure:"failed_latency" yaml:"failed_latency"`
	MinSignal         float64       `mapstructure:"min_signal" yaml:"min_signal"`
}

// SelectionConfig is the default preference profile.
type SelectionConfig struct {
	PreferredChannels []string      `mapstructure:"preferred_channels" yaml:"preferred_channels"`
	Privacy           string        `mapstructure:"privacy" yaml:"privacy"` // low, medium, high
	MaxLatency        time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
	MinReliability    float64       `mapstructure:"min_reliability" yaml:"min_reliability"`
}

// MeshConfig tunes the mesh routing engine.
type MeshConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Routing           bool          `mapstructure:"routing" yaml:"routing"`
	MaxPeers          int           `mapstructure:"max_peers" yaml:"max_peers"`
	MaxHops           int           `mapstructure:"max_hops" yaml:"max_hops"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval" yaml:"discovery_interval"`
	RoutingInterval   time.Duration `mapstructure:"routing_interval" yaml:"routing_interval"`
	RouteTTL          time.Duration `mapstructure:"route_ttl" yaml:"route_ttl"`
	SeenTTL           time.Duration `mapstructure:"seen_ttl" yaml:"seen_ttl"`
	ProtocolVersion   string        `mapstructure:"protocol_version" yaml:"protocol_version"`
	VersionConstraint string        `mapstructure:"version_constraint" yaml:"version_constraint"`
	QueueLimit        int           `mapstructure:"queue_limit" yaml:"queue_limit"`
	// ForwardRate shapes relayed bytes per second per next hop; 0 disables.
	ForwardRate int64 `mapstructure:"forward_rate" yaml:"forward_rate"`
}

// SecurityConfig tunes per-peer key management.
type SecurityConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	RotationInterval time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`
	KeyLifetime      time.Duration `mapstructure:"key_lifetime" yaml:"key_lifetime"`
	CredentialTTL    time.Duration `mapstructure:"credential_ttl" yaml:"credential_ttl"`
}

// SyncConfig drives periodic document replication.
type SyncConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Documents []string      `mapstructure:"documents" yaml:"documents"`
}

// StorageConfig selects CRDT persistence.
type StorageConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// SignalingConfig selects the bootstrap signaling transport.
type SignalingConfig struct {
	Kind          string `mapstructure:"kind" yaml:"kind"` // memory or redis
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
}

// AdminConfig controls the HTTP status API.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// MetricsConfig controls prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{DisplayName: "connect-node", DataDir: "./data"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/connect.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
		Net: NetConfig{
			DialBackoffInitial: 500 * time.Millisecond,
			DialBackoffMax:     30 * time.Second,
			DialBackoffJitter:  100 * time.Millisecond,
			DialTimeout:        5 * time.Second,
			SendTimeout:        3 * time.Second,
		},
		Channels: []ChannelConfig{
			{Kind: "wired", Listen: []string{":7000"}},
		},
		Health: HealthConfig{
			Interval:          5 * time.Second,
			StaleIntervals:    3,
			DegradedErrorRate: 0.2,
			FailedErrorRate:   0.5,
			DegradedLatency:   500 * time.Millisecond,
			FailedLatency:     2 * time.Second,
			MinSignal:         0.1,
		},
		Selection: SelectionConfig{Privacy: "medium"},
		Mesh: MeshConfig{
			Enabled:           true,
			Routing:           true,
			MaxPeers:          32,
			MaxHops:           5,
			HeartbeatInterval: 5 * time.Second,
			ConnectionTimeout: 15 * time.Second,
			DiscoveryInterval: 30 * time.Second,
			RoutingInterval:   10 * time.Second,
			RouteTTL:          60 * time.Second,
			SeenTTL:           2 * time.Minute,
			ProtocolVersion:   "1.0.0",
			VersionConstraint: ">= 1.0, < 2.0",
			QueueLimit:        4096,
		},
		Security: SecurityConfig{
			Enabled:          true,
			RotationInterval: time.Hour,
			KeyLifetime:      2 * time.Hour,
			CredentialTTL:    24 * time.Hour,
		},
		Sync:      SyncConfig{Enabled: true, Interval: 10 * time.Second},
		Storage:   StorageConfig{Path: "./data/documents"},
		Signaling: SignalingConfig{Kind: "memory", RedisAddr: "127.0.0.1:6379", Prefix: "connect:signal:"},
		Admin:     AdminConfig{Enabled: true, Listen: "127.0.0.1:8088"},
		Metrics:   MetricsConfig{Enabled: true, Namespace: "connect"},
	}
}

// DotEnvFile is loaded into the process environment before the config is
// read, when it exists. Existing variables win.
var DotEnvFile = ".env"

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix CONNECT and `.`/`-` are replaced with `_`.
// Example: CONNECT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DotEnvFile, err)
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("CONNECT_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("connect")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".connect"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) { return yaml.Marshal(c) }

func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node.id", cfg.Node.ID)
	v.SetDefault("node.display_name", cfg.Node.DisplayName)
	v.SetDefault("node.capabilities", cfg.Node.Capabilities)
	v.SetDefault("node.data_dir", cfg.Node.DataDir)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)

	v.SetDefault("net.dial_backoff_initial", cfg.Net.DialBackoffInitial)
	v.SetDefault("net.dial_backoff_max", cfg.Net.DialBackoffMax)
	v.SetDefault("net.dial_backoff_jitter", cfg.Net.DialBackoffJitter)
	v.SetDefault("net.dial_timeout", cfg.Net.DialTimeout)
	v.SetDefault("net.send_timeout", cfg.Net.SendTimeout)

	v.SetDefault("channels", cfg.Channels)
	v.SetDefault("fallback_order", cfg.FallbackOrder)
	v.SetDefault("mesh_mode", cfg.MeshMode)

	v.SetDefault("health.interval", cfg.Health.Interval)
	v.SetDefault("health.stale_intervals", cfg.Health.StaleIntervals)
	v.SetDefault("health.degraded_error_rate", cfg.Health.DegradedErrorRate)
	v.SetDefault("health.failed_error_rate", cfg.Health.FailedErrorRate)
	v.SetDefault("health.degraded_latency", cfg.Health.DegradedLatency)
	v.SetDefault("health.failed_latency", cfg.Health.FailedLatency)
	v.SetDefault("health.min_signal", cfg.Health.MinSignal)

	v.SetDefault("selection.preferred_channels", cfg.Selection.PreferredChannels)
	v.SetDefault("selection.privacy", cfg.Selection.Privacy)
	v.SetDefault("selection.max_latency", cfg.Selection.MaxLatency)
	v.SetDefault("selection.min_reliability", cfg.Selection.MinReliability)

	v.SetDefault("mesh.enabled", cfg.Mesh.Enabled)
	v.SetDefault("mesh.routing", cfg.Mesh.Routing)
	v.SetDefault("mesh.max_peers", cfg.Mesh.MaxPeers)
	v.SetDefault("mesh.max_hops", cfg.Mesh.MaxHops)
	v.SetDefault("mesh.heartbeat_interval", cfg.Mesh.HeartbeatInterval)
	v.SetDefault("mesh.connection_timeout", cfg.Mesh.ConnectionTimeout)
	v.SetDefault("mesh.discovery_interval", cfg.Mesh.DiscoveryInterval)
	v.SetDefault("mesh.routing_interval", cfg.Mesh.RoutingInterval)
	v.SetDefault("mesh.route_ttl", cfg.Mesh.RouteTTL)
	v.SetDefault("mesh.seen_ttl", cfg.Mesh.SeenTTL)
	v.SetDefault("mesh.protocol_version", cfg.Mesh.ProtocolVersion)
	v.SetDefault("mesh.version_constraint", cfg.Mesh.VersionConstraint)
	v.SetDefault("mesh.queue_limit", cfg.Mesh.QueueLimit)
	v.SetDefault("mesh.forward_rate", cfg.Mesh.ForwardRate)

	v.SetDefault("security.enabled", cfg.Security.Enabled)
	v.SetDefault("security.rotation_interval", cfg.Security.RotationInterval)
	v.SetDefault("security.key_lifetime", cfg.Security.KeyLifetime)
	v.SetDefault("security.credential_ttl", cfg.Security.CredentialTTL)

	v.SetDefault("sync.enabled", cfg.Sync.Enabled)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.documents", cfg.Sync.Documents)

	v.SetDefault("storage.enabled", cfg.Storage.Enabled)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.in_memory", cfg.Storage.InMemory)

	v.SetDefault("signaling.kind", cfg.Signaling.Kind)
	v.SetDefault("signaling.redis_addr", cfg.Signaling.RedisAddr)
	v.SetDefault("signaling.redis_password", cfg.Signaling.RedisPassword)
	v.SetDefault("signaling.redis_db", cfg.Signaling.RedisDB)
	v.SetDefault("signaling.prefix", cfg.Signaling.Prefix)

	v.SetDefault("admin.enabled", cfg.Admin.Enabled)
	v.SetDefault("admin.listen", cfg.Admin.Listen)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
}
