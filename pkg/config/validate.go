package config

import (
	"fmt"
	"strings"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
)

// Validate normalizes c in place and rejects values no component can run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	c.Node.ID = strings.TrimSpace(c.Node.ID)

	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		k, err := channel.ParseKind(ch.Kind)
		if err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		ch.Kind = k.String()
		if seen[ch.Kind] {
			return fmt.Errorf("channels[%d]: duplicate kind %q", i, ch.Kind)
		}
		seen[ch.Kind] = true
	}
	for i, name := range c.FallbackOrder {
		k, err := channel.ParseKind(name)
		if err != nil {
			return fmt.Errorf("fallback_order[%d]: %w", i, err)
		}
		if !seen[k.String()] {
			return fmt.Errorf("fallback_order[%d]: kind %q is not configured", i, k)
		}
		c.FallbackOrder[i] = k.String()
	}
	for i, name := range c.Selection.PreferredChannels {
		k, err := channel.ParseKind(name)
		if err != nil {
			return fmt.Errorf("selection.preferred_channels[%d]: %w", i, err)
		}
		c.Selection.PreferredChannels[i] = k.String()
	}
	switch strings.ToLower(c.Selection.Privacy) {
	case "", "low", "medium", "high":
		c.Selection.Privacy = strings.ToLower(c.Selection.Privacy)
	default:
		return fmt.Errorf("invalid selection.privacy: %q", c.Selection.Privacy)
	}
	if c.Selection.MinReliability < 0 || c.Selection.MinReliability > 1 {
		return fmt.Errorf("selection.min_reliability must be within [0,1]")
	}

	durations := map[string]int64{
		"net.dial_timeout":           int64(c.Net.DialTimeout),
		"net.send_timeout":           int64(c.Net.SendTimeout),
		"health.interval":            int64(c.Health.Interval),
		"mesh.heartbeat_interval":    int64(c.Mesh.HeartbeatInterval),
		"mesh.connection_timeout":    int64(c.Mesh.ConnectionTimeout),
		"mesh.discovery_interval":    int64(c.Mesh.DiscoveryInterval),
		"mesh.routing_interval":      int64(c.Mesh.RoutingInterval),
		"security.rotation_interval": int64(c.Security.RotationInterval),
		"sync.interval":              int64(c.Sync.Interval),
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if c.Health.StaleIntervals <= 0 {
		c.Health.StaleIntervals = 3
	}
	if c.Health.FailedErrorRate < c.Health.DegradedErrorRate {
		return fmt.Errorf("health.failed_error_rate must be >= health.degraded_error_rate")
	}
	if c.Mesh.MaxHops < 0 || c.Mesh.MaxPeers < 0 {
		return fmt.Errorf("mesh.max_hops and mesh.max_peers must not be negative")
	}
	if c.Mesh.ConnectionTimeout > 0 && c.Mesh.HeartbeatInterval > 0 && c.Mesh.ConnectionTimeout <= c.Mesh.HeartbeatInterval {
		return fmt.Errorf("mesh.connection_timeout must exceed mesh.heartbeat_interval")
	}

	switch c.Signaling.Kind = strings.ToLower(strings.TrimSpace(c.Signaling.Kind)); c.Signaling.Kind {
	case "", "memory":
		c.Signaling.Kind = "memory"
	case "redis":
		if c.Signaling.RedisAddr == "" {
			return fmt.Errorf("signaling.redis_addr is required for redis signaling")
		}
	default:
		return fmt.Errorf("invalid signaling.kind: %q", c.Signaling.Kind)
	}
	return nil
}

// ChannelOrder returns configured, enabled channel kinds in fallback order.
func (c *Config) ChannelOrder() []string {
	enabled := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if !ch.Disabled {
			enabled[ch.Kind] = true
		}
	}
	out := make([]string, 0, len(enabled))
	listed := make(map[string]bool)
	for _, k := range c.FallbackOrder {
		if enabled[k] && !listed[k] {
			out = append(out, k)
			listed[k] = true
		}
	}
	for _, ch := range c.Channels {
		if enabled[ch.Kind] && !listed[ch.Kind] {
			out = append(out, ch.Kind)
			listed[ch.Kind] = true
		}
	}
	return out
}
