package selection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/health"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/selection"
)

func healthy(k channel.Kind, lat time.Duration) health.ChannelHealth {
	return health.ChannelHealth{Channel: k, Status: health.StatusHealthy, Latency: lat, SignalStrength: 1, PeerCount: 5, Attempts: 10, LastSeen: time.Now()}
}

func TestSelectPrefersHealthyLowLatency(t *testing.T) {
	e := selection.New(selection.Profile{})
	hm := map[channel.Kind]health.ChannelHealth{
		channel.Wired:      healthy(channel.Wired, 5*time.Millisecond),
		channel.Relay:      healthy(channel.Relay, 400*time.Millisecond),
		channel.DirectLink: {Channel: channel.DirectLink, Status: health.StatusFailed, Attempts: 3, ErrorRate: 1},
	}
	d, err := e.Select(channel.NewMessage(nil), []channel.Kind{channel.Relay, channel.DirectLink, channel.Wired}, hm, nil)
	require.NoError(t, err)
	assert.Equal(t, channel.Wired, d.Channel)
	require.Len(t, d.Alternates, 2)
	assert.Equal(t, channel.Relay, d.Alternates[0].Channel)
	assert.Equal(t, channel.DirectLink, d.Alternates[1].Channel)
	assert.LessOrEqual(t, d.Confidence, 1.0)
	assert.InDelta(t, d.Score/100, d.Confidence, 1e-9)
}

func TestStableOrderOnTies(t *testing.T) {
	e := selection.New(selection.Profile{})
	avail := []channel.Kind{channel.LongRangeRadio, channel.Relay, channel.LocalBroadcast, channel.ShortRangeRadio, channel.Wired}
	d, err := e.Select(nil, avail, nil, &selection.Profile{Privacy: selection.PrivacyLow})
	require.NoError(t, err)
	assert.Equal(t, channel.LongRangeRadio, d.Channel)
	require.Len(t, d.Alternates, selection.MaxAlternates)
	assert.Equal(t, []channel.Kind{channel.Relay, channel.LocalBroadcast, channel.ShortRangeRadio},
		[]channel.Kind{d.Alternates[0].Channel, d.Alternates[1].Channel, d.Alternates[2].Channel})
}

func TestAffinityAndPrivacy(t *testing.T) {
	e := selection.New(selection.Profile{})
	hm := map[channel.Kind]health.ChannelHealth{
		channel.Wired: healthy(channel.Wired, 10*time.Millisecond),
		channel.Relay: healthy(channel.Relay, 10*time.Millisecond),
	}
	p := selection.Profile{Preferred: []channel.Kind{channel.Relay}}
	d, err := e.Select(nil, []channel.Kind{channel.Wired, channel.Relay}, hm, &p)
	require.NoError(t, err)
	assert.Equal(t, channel.Relay, d.Channel)

	p = selection.Profile{Preferred: []channel.Kind{channel.Relay}, Privacy: selection.PrivacyMedium}
	rs := selection.PreferenceScore(channel.Relay, hm[channel.Relay], p)
	ws := selection.PreferenceScore(channel.Wired, hm[channel.Wired], p)
	assert.InDelta(t, 12+5+5, rs, 1e-9)
	assert.InDelta(t, 8+5+5, ws, 1e-9)
}

func TestConfidenceFallsAsErrorRateRises(t *testing.T) {
	e := selection.New(selection.Profile{})
	th := health.DefaultThresholds()
	now := time.Now()
	prev := 2.0
	for _, rate := range []float64{0, 0.1, 0.25, 0.6} {
		h := healthy(channel.Wired, 20*time.Millisecond)
		h.ErrorRate = rate
		h.LastSeen = now
		h.Status = th.Classify(h, now, time.Minute)
		d, err := e.Select(nil, []channel.Kind{channel.Wired}, map[channel.Kind]health.ChannelHealth{channel.Wired: h}, nil)
		require.NoError(t, err)
		if rate >= th.DegradedErrorRate {
			assert.Less(t, d.Confidence, prev, "rate %.2f", rate)
		} else {
			assert.LessOrEqual(t, d.Confidence, prev)
		}
		prev = d.Confidence
	}
}

func TestUrgentMessagesApplyLatencyThreshold(t *testing.T) {
	e := selection.New(selection.Profile{})
	hm := map[channel.Kind]health.ChannelHealth{
		channel.Relay: healthy(channel.Relay, 300*time.Millisecond),
	}
	normal, err := e.Select(channel.NewMessage(nil), []channel.Kind{channel.Relay}, hm, nil)
	require.NoError(t, err)
	m := channel.NewMessage(nil)
	m.Priority = channel.PriorityCritical
	urgent, err := e.Select(m, []channel.Kind{channel.Relay}, hm, nil)
	require.NoError(t, err)
	assert.InDelta(t, 5, normal.Score-urgent.Score, 1e-9)
}

func TestNoChannels(t *testing.T) {
	_, err := selection.New(selection.Profile{}).Select(nil, nil, nil, nil)
	assert.ErrorIs(t, err, selection.ErrNoChannels)
}

func TestProfileFromConfig(t *testing.T) {
	p, err := selection.ProfileFromConfig(config.SelectionConfig{PreferredChannels: []string{"quic", "wired"}, Privacy: "high", MinReliability: 0.9})
	require.NoError(t, err)
	assert.Equal(t, []channel.Kind{channel.DirectLink, channel.Wired}, p.Preferred)
	assert.Equal(t, selection.PrivacyHigh, p.Privacy)

	_, err = selection.ProfileFromConfig(config.SelectionConfig{Privacy: "secret"})
	assert.Error(t, err)
}
