package netstack

import (
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"go.uber.org/zap"
)

// AdapterConfigs turns the enabled channel entries of c into adapter configs
// in fallback order.
func AdapterConfigs(c *config.Config, local channel.LocalInfo, log *zap.Logger) ([]channel.AdapterConfig, error) {
	byKind := make(map[string]config.ChannelConfig, len(c.Channels))
	for _, ch := range c.Channels {
		if !ch.Disabled {
			byKind[ch.Kind] = ch
		}
	}
	backoff := channel.Backoff{
		Initial: c.Net.DialBackoffInitial,
		Max:     c.Net.DialBackoffMax,
		Jitter:  c.Net.DialBackoffJitter,
	}
	var out []channel.AdapterConfig
	for _, name := range c.ChannelOrder() {
		k, err := channel.ParseKind(name)
		if err != nil {
			return nil, err
		}
		ch := byKind[name]
		dial := make([]channel.DialTarget, 0, len(ch.Dial))
		for _, d := range ch.Dial {
			dial = append(dial, channel.DialTarget{Address: d.Address, PeerID: d.PeerID})
		}
		out = append(out, channel.AdapterConfig{
			Kind:        k,
			Listen:      append([]string(nil), ch.Listen...),
			Dial:        dial,
			Extra:       ch.Extra,
			Local:       local,
			Backoff:     backoff,
			DialTimeout: c.Net.DialTimeout,
			Logger:      log,
		})
	}
	return out, nil
}

// FallbackOrder parses the configured fallback list.
func FallbackOrder(c *config.Config) ([]channel.Kind, error) {
	out := make([]channel.Kind, 0, len(c.FallbackOrder))
	for _, name := range c.FallbackOrder {
		k, err := channel.ParseKind(name)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}
