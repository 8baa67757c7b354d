package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel/chantest"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/health"
)

type adapters []channel.Adapter

func (a adapters) Adapters() []channel.Adapter { return a }

func TestClassifyThresholds(t *testing.T) {
	th := health.DefaultThresholds()
	now := time.Now()
	base := health.ChannelHealth{LastSeen: now, SignalStrength: 1}
	cases := []struct {
		name string
		mod  func(*health.ChannelHealth)
		want health.Status
	}{
		{"healthy", func(*health.ChannelHealth) {}, health.StatusHealthy},
		{"error rate degraded", func(h *health.ChannelHealth) { h.ErrorRate = 0.2 }, health.StatusDegraded},
		{"error rate failed", func(h *health.ChannelHealth) { h.ErrorRate = 0.5 }, health.StatusFailed},
		{"latency degraded", func(h *health.ChannelHealth) { h.Latency = 600 * time.Millisecond }, health.StatusDegraded},
		{"latency failed", func(h *health.ChannelHealth) { h.Latency = 3 * time.Second }, health.StatusFailed},
		{"weak signal", func(h *health.ChannelHealth) { h.SignalStrength = 0.05 }, health.StatusDegraded},
		{"stale", func(h *health.ChannelHealth) { h.LastSeen = now.Add(-time.Minute) }, health.StatusUnknown},
		{"never seen", func(h *health.ChannelHealth) { h.LastSeen = time.Time{} }, health.StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := base
			tc.mod(&h)
			assert.Equal(t, tc.want, th.Classify(h, now, 15*time.Second))
		})
	}
}

func TestMonitorTick(t *testing.T) {
	wired := chantest.New(channel.Wired)
	wired.SetConnected(true)
	wired.SetPeers(channel.Peer{ID: "p1"}, channel.Peer{ID: "p2"})
	relay := chantest.New(channel.Relay)

	now := time.Unix(1_700_000_000, 0)
	m := health.NewMonitor(adapters{wired, relay}, health.Options{Interval: time.Second, Now: func() time.Time { return now }})
	var updates []health.ChannelHealth
	m.OnUpdate(func(h health.ChannelHealth) { updates = append(updates, h) })

	at := now.Add(-100 * time.Millisecond)
	for i := 0; i < 8; i++ {
		m.RecordSample(channel.Sample{Channel: channel.Wired, At: at, Latency: 10 * time.Millisecond, Bytes: 100})
	}
	m.RecordSample(channel.Sample{Channel: channel.Wired, At: at, Failed: true})
	m.RecordSample(channel.Sample{Channel: channel.Wired, At: at, Failed: true})
	m.RecordSample(channel.Sample{Channel: channel.Wired, At: at, Inbound: true, Bytes: 200})

	out := m.Tick(now)
	assert.Len(t, out, 2)
	assert.Len(t, updates, 2)

	h, ok := m.Get(channel.Wired)
	require.True(t, ok)
	assert.Equal(t, 10, h.Attempts)
	assert.InDelta(t, 0.2, h.ErrorRate, 1e-9)
	assert.Equal(t, 10*time.Millisecond, h.Latency)
	assert.InDelta(t, 1000, h.Throughput, 1e-6)
	assert.Equal(t, 2, h.PeerCount)
	assert.Equal(t, health.StatusDegraded, h.Status)

	r, ok := m.Get(channel.Relay)
	require.True(t, ok)
	assert.Equal(t, health.StatusUnknown, r.Status)
}

func TestMonitorGoesStale(t *testing.T) {
	a := chantest.New(channel.Wired)
	a.SetConnected(true)
	now := time.Unix(1_700_000_000, 0)
	m := health.NewMonitor(adapters{a}, health.Options{Interval: time.Second, StaleIntervals: 3})

	m.Tick(now)
	h, _ := m.Get(channel.Wired)
	assert.Equal(t, health.StatusHealthy, h.Status)

	a.SetConnected(false)
	m.Tick(now.Add(2 * time.Second))
	h, _ = m.Get(channel.Wired)
	assert.Equal(t, health.StatusHealthy, h.Status, "still inside the stale window")

	m.Tick(now.Add(4 * time.Second))
	h, _ = m.Get(channel.Wired)
	assert.Equal(t, health.StatusUnknown, h.Status)
	assert.Equal(t, now, h.LastSeen)
}

func TestSamplesAgeOut(t *testing.T) {
	a := chantest.New(channel.Wired)
	a.SetConnected(true)
	now := time.Unix(1_700_000_000, 0)
	m := health.NewMonitor(adapters{a}, health.Options{Interval: time.Second, StaleIntervals: 2})

	m.RecordSample(channel.Sample{Channel: channel.Wired, At: now, Failed: true})
	m.Tick(now.Add(time.Second))
	h, _ := m.Get(channel.Wired)
	assert.Equal(t, health.StatusFailed, h.Status)

	m.Tick(now.Add(3 * time.Second))
	h, _ = m.Get(channel.Wired)
	assert.Equal(t, 0, h.Attempts)
	assert.Equal(t, health.StatusHealthy, h.Status)
}

func TestRunStopsWithContext(t *testing.T) {
	m := health.NewMonitor(adapters{}, health.Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStatusText(t *testing.T) {
	var s health.Status
	require.NoError(t, s.UnmarshalText([]byte("Degraded")))
	assert.Equal(t, health.StatusDegraded, s)
	assert.Error(t, s.UnmarshalText([]byte("meh")))
}
