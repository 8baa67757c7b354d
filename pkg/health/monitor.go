package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
)

// Source lists the channels to sample. *channel.Layer implements it.
type Source interface {
	Adapters() []channel.Adapter
}

type Options struct {
	Interval time.Duration
	// StaleIntervals is how many intervals an entry may go unrefreshed
	// before it becomes unknown. It also sizes the sample window.
	StaleIntervals int
	Thresholds     Thresholds
	// MaxSamples caps the per-channel window.
	MaxSamples int
	Now        func() time.Time
	Logger     *zap.Logger
}

func OptionsFromConfig(c config.HealthConfig) Options {
	return Options{
		Interval:       c.Interval,
		StaleIntervals: c.StaleIntervals,
		Thresholds: Thresholds{
			DegradedErrorRate: c.DegradedErrorRate,
			FailedErrorRate:   c.FailedErrorRate,
			DegradedLatency:   c.DegradedLatency,
			FailedLatency:     c.FailedLatency,
			MinSignal:         c.MinSignal,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.StaleIntervals <= 0 {
		o.StaleIntervals = 3
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

type window struct {
	samples  []channel.Sample
	lastSeen time.Time
}

// Monitor keeps a sample window per channel and recomputes ChannelHealth on
// every Tick. It implements channel.SampleSink. Readers get copies.
type Monitor struct {
	opts Options
	src  Source
	log  *zap.Logger

	mu       sync.Mutex
	windows  map[channel.Kind]*window
	health   map[channel.Kind]ChannelHealth
	lastTick time.Time

	omu       sync.RWMutex
	observers []func(ChannelHealth)
}

func NewMonitor(src Source, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		opts:    opts,
		src:     src,
		log:     opts.Logger.Named("health"),
		windows: make(map[channel.Kind]*window),
		health:  make(map[channel.Kind]ChannelHealth),
	}
}

// StaleAfter is the refresh window past which an entry is unknown.
func (m *Monitor) StaleAfter() time.Duration {
	return time.Duration(m.opts.StaleIntervals) * m.opts.Interval
}

// OnUpdate registers fn to receive every recomputed entry.
func (m *Monitor) OnUpdate(fn func(ChannelHealth)) {
	m.omu.Lock()
	m.observers = append(m.observers, fn)
	m.omu.Unlock()
}

// RecordSample implements channel.SampleSink.
func (m *Monitor) RecordSample(s channel.Sample) {
	if s.At.IsZero() {
		s.At = m.opts.Now()
	}
	m.mu.Lock()
	w := m.windowLocked(s.Channel)
	w.samples = append(w.samples, s)
	if over := len(w.samples) - m.opts.MaxSamples; over > 0 {
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
	if s.At.After(w.lastSeen) {
		w.lastSeen = s.At
	}
	m.mu.Unlock()
}

func (m *Monitor) windowLocked(k channel.Kind) *window {
	w := m.windows[k]
	if w == nil {
		w = &window{}
		m.windows[k] = w
	}
	return w
}

// Tick runs one sampling pass at now and returns the recomputed entries.
func (m *Monitor) Tick(now time.Time) []ChannelHealth {
	var adapters []channel.Adapter
	if m.src != nil {
		adapters = m.src.Adapters()
	}
	type live struct {
		connected bool
		signal    float64
		peers     int
	}
	probes := make(map[channel.Kind]live, len(adapters))
	for _, a := range adapters {
		probes[a.Kind()] = live{connected: a.IsConnected(), signal: a.SignalStrength(), peers: len(a.Peers())}
	}

	span := m.StaleAfter()
	m.mu.Lock()
	elapsed := m.opts.Interval
	if !m.lastTick.IsZero() && now.After(m.lastTick) {
		elapsed = now.Sub(m.lastTick)
	}
	prevTick := m.lastTick
	m.lastTick = now
	for k := range probes {
		m.windowLocked(k)
	}
	out := make([]ChannelHealth, 0, len(m.windows))
	for k, w := range m.windows {
		cutoff := now.Add(-span)
		keep := w.samples[:0]
		for _, s := range w.samples {
			if s.At.After(cutoff) {
				keep = append(keep, s)
			}
		}
		w.samples = keep

		h := ChannelHealth{Channel: k, SignalStrength: m.health[k].SignalStrength, PeerCount: m.health[k].PeerCount}
		var fails int
		var latSum time.Duration
		var latN int
		var bytes int
		for _, s := range w.samples {
			if s.Discovery {
				h.PeerCount = s.Peers
				continue
			}
			// older samples still count toward the error rate
			if prevTick.IsZero() || s.At.After(prevTick) {
				bytes += s.Bytes
			}
			if s.Inbound {
				continue
			}
			h.Attempts++
			if s.Failed {
				fails++
				continue
			}
			latSum += s.Latency
			latN++
		}
		if h.Attempts > 0 {
			h.ErrorRate = float64(fails) / float64(h.Attempts)
		}
		if latN > 0 {
			h.Latency = latSum / time.Duration(latN)
		}
		if elapsed > 0 {
			h.Throughput = float64(bytes) / elapsed.Seconds()
		}
		if p, ok := probes[k]; ok {
			h.SignalStrength = p.signal
			h.PeerCount = p.peers
			if p.connected {
				w.lastSeen = now
			}
		}
		h.LastSeen = w.lastSeen
		h.Status = m.opts.Thresholds.Classify(h, now, span)
		if prev, ok := m.health[k]; ok && prev.Status != h.Status {
			m.log.Info("channel status changed", zap.Stringer("channel", k), zap.Stringer("from", prev.Status), zap.Stringer("to", h.Status),
				zap.Float64("error_rate", h.ErrorRate), zap.Duration("latency", h.Latency))
		}
		m.health[k] = h
		out = append(out, h)
	}
	m.mu.Unlock()

	m.omu.RLock()
	obs := append([]func(ChannelHealth){}, m.observers...)
	m.omu.RUnlock()
	for _, h := range out {
		for _, fn := range obs {
			fn(h)
		}
	}
	return out
}

// Run ticks on the interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.Tick(m.opts.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick(m.opts.Now())
		}
	}
}

// Snapshot returns a copy of the health map.
func (m *Monitor) Snapshot() map[channel.Kind]ChannelHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[channel.Kind]ChannelHealth, len(m.health))
	for k, h := range m.health {
		out[k] = h
	}
	return out
}

// Get returns the entry for k.
func (m *Monitor) Get(k channel.Kind) (ChannelHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[k]
	return h, ok
}

// Reset clears all windows and entries.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.windows = make(map[channel.Kind]*window)
	m.health = make(map[channel.Kind]ChannelHealth)
	m.lastTick = time.Time{}
	m.mu.Unlock()
}
