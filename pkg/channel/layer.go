package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Encryptor seals payloads for one peer. Errors surface to the caller
// unchanged so callers can test for authentication failures.
type Encryptor interface {
	Encrypt(peerID string, plaintext []byte) ([]byte, error)
	Decrypt(peerID string, ciphertext []byte) ([]byte, error)
}

// Sample is one observation about a channel, emitted on every send attempt,
// inbound message and discovery pass.
type Sample struct {
	Channel Kind
	At      time.Time
	// Latency is set only for successful sends.
	Latency   time.Duration
	Bytes     int
	Failed    bool
	Inbound   bool
	Discovery bool
	Peers     int
}

// SampleSink consumes samples. The health monitor and telemetry exporters
// implement it.
type SampleSink interface {
	RecordSample(Sample)
}

// PeerObserver is told about every peer sighting.
type PeerObserver interface {
	ObservePeer(Peer)
}

// Attempt is one adapter tried by SendMessage.
type Attempt struct {
	Channel Kind
	Err     error
}

// Receipt describes a completed send.
type Receipt struct {
	MessageID string
	Channel   Kind
	Latency   time.Duration
	Attempts  []Attempt
}

// Options configures a Layer. Only Registry is required for Initialize.
type Options struct {
	Registry      *Registry
	Prober        Prober
	Encryptor     Encryptor
	Sinks         []SampleSink
	Observers     []PeerObserver
	FallbackOrder []Kind
	// MeshMode connects every available adapter instead of stopping at the
	// first one that connects.
	MeshMode    bool
	SendTimeout time.Duration
	LocalID     string
	Logger      *zap.Logger
	Now         func() time.Time
}

// Layer owns the active adapters and orchestrates connect, send with
// fallback, and discovery across them.
type Layer struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	adapters map[Kind]Adapter
	order    []Kind
	started  map[Kind]bool

	hmu      sync.RWMutex
	handlers []func(*Message)

	dropped atomic.Uint64
}

func NewLayer(opts Options) *Layer {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Layer{
		opts:     opts,
		log:      opts.Logger.Named("channel"),
		adapters: make(map[Kind]Adapter),
		started:  make(map[Kind]bool),
	}
}

// Initialize builds an adapter per config, keeps those whose probe reports
// available, and connects them in fallback order. Unless MeshMode is set it
// stops at the first adapter that connects. It fails with ErrNoViableChannel
// when nothing connects.
func (l *Layer) Initialize(ctx context.Context, cfgs []AdapterConfig) error {
	for _, cfg := range cfgs {
		cfg.OnPeer = l.observePeer
		if cfg.Logger == nil {
			cfg.Logger = l.opts.Logger
		}
		a, err := l.opts.Registry.Build(cfg)
		if err != nil {
			l.log.Warn("adapter build failed", zap.Stringer("channel", cfg.Kind), zap.Error(err))
			continue
		}
		if err := l.register(ctx, a); err != nil {
			l.log.Info("channel skipped", zap.Stringer("channel", cfg.Kind), zap.Error(err))
		}
	}

	connected := 0
	for _, a := range l.Adapters() {
		if err := l.connect(ctx, a); err != nil {
			l.log.Warn("channel connect failed", zap.Stringer("channel", a.Kind()), zap.Error(err))
			continue
		}
		connected++
		if !l.opts.MeshMode {
			break
		}
	}
	if connected == 0 {
		return fmt.Errorf("%w: none of %d active channels connected", ErrNoViableChannel, len(l.Active()))
	}
	return nil
}

// AddAdapter probes and registers an externally built adapter (e.g. a radio
// driver), connecting it when connect is true.
func (l *Layer) AddAdapter(ctx context.Context, a Adapter, connect bool) error {
	if err := l.register(ctx, a); err != nil {
		return err
	}
	if connect {
		return l.connect(ctx, a)
	}
	return nil
}

func (l *Layer) register(ctx context.Context, a Adapter) error {
	k := a.Kind()
	if l.opts.Prober != nil {
		if av := l.opts.Prober.Probe(ctx, k); !av.Available {
			return fmt.Errorf("%w: %s: %s", ErrChannelUnavailable, k, av.Reason)
		}
	}
	if av := a.Probe(ctx); !av.Available {
		return fmt.Errorf("%w: %s: %s", ErrChannelUnavailable, k, av.Reason)
	}
	a.OnReceive(l.inbound(k))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.adapters[k]; !dup {
		l.order = append(l.order, k)
	}
	l.adapters[k] = a
	l.sortOrderLocked()
	return nil
}

// sortOrderLocked puts kinds named in FallbackOrder first, in that order,
// followed by the rest in registration order.
func (l *Layer) sortOrderLocked() {
	rank := make(map[Kind]int, len(l.opts.FallbackOrder))
	for i, k := range l.opts.FallbackOrder {
		if _, ok := rank[k]; !ok {
			rank[k] = i
		}
	}
	pos := func(k Kind) int {
		if r, ok := rank[k]; ok {
			return r
		}
		return len(rank)
	}
	sort.SliceStable(l.order, func(i, j int) bool { return pos(l.order[i]) < pos(l.order[j]) })
}

func (l *Layer) connect(ctx context.Context, a Adapter) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.started[a.Kind()] = true
	l.mu.Unlock()
	l.log.Info("channel connected", zap.Stringer("channel", a.Kind()))
	return nil
}

// ConnectChannel connects an active adapter that Initialize left idle.
func (l *Layer) ConnectChannel(ctx context.Context, kind Kind) error {
	a, ok := l.Adapter(kind)
	if !ok {
		return fmt.Errorf("%w: %s is not active", ErrChannelUnavailable, kind)
	}
	l.mu.RLock()
	done := l.started[kind]
	l.mu.RUnlock()
	if done {
		return nil
	}
	return l.connect(ctx, a)
}

// Adapter returns the active adapter for kind.
func (l *Layer) Adapter(kind Kind) (Adapter, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.adapters[kind]
	return a, ok
}

// Adapters returns the active adapters in fallback order.
func (l *Layer) Adapters() []Adapter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Adapter, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.adapters[k])
	}
	return out
}

// Active returns the active kinds in fallback order.
func (l *Layer) Active() []Kind {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Kind(nil), l.order...)
}

// OnMessage registers a handler for inbound messages. Handlers see decrypted
// content and must not block.
func (l *Layer) OnMessage(h func(*Message)) {
	l.hmu.Lock()
	l.handlers = append(l.handlers, h)
	l.hmu.Unlock()
}

// Dropped counts inbound messages discarded as expired or undecryptable.
func (l *Layer) Dropped() uint64 { return l.dropped.Load() }

// SendMessage encrypts addressed non-control messages, then walks the
// fallback order (the message's preferred channel first) trying every
// connected adapter until one accepts it. Per-adapter failures are logged
// and recorded; only ErrNoViableChannel reaches the caller.
func (l *Layer) SendMessage(ctx context.Context, msg *Message) (Receipt, error) {
	now := l.opts.Now()
	if msg.Expired(now) {
		return Receipt{MessageID: msg.ID}, ErrMessageExpired
	}
	out := msg.Clone()
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	if out.SenderID == "" {
		out.SenderID = l.opts.LocalID
	}
	if out.RecipientID != "" && !out.Control && !out.Encrypted && l.opts.Encryptor != nil {
		ct, err := l.opts.Encryptor.Encrypt(out.RecipientID, out.Content)
		if err != nil {
			return Receipt{MessageID: out.ID}, err
		}
		out.Content = ct
		out.Encrypted = true
	}

	rc := Receipt{MessageID: out.ID}
	for _, a := range l.sendOrder(msg.Channel) {
		if !a.IsConnected() {
			continue
		}
		k := a.Kind()
		attemptCtx, cancel := l.attemptContext(ctx)
		start := time.Now()
		err := a.Send(attemptCtx, out)
		elapsed := time.Since(start)
		cancel()
		rc.Attempts = append(rc.Attempts, Attempt{Channel: k, Err: err})
		if err != nil {
			l.record(Sample{Channel: k, At: l.opts.Now(), Failed: true})
			l.log.Warn("send failed, falling back",
				zap.Stringer("channel", k), zap.String("msg", out.ID), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		l.record(Sample{Channel: k, At: l.opts.Now(), Latency: elapsed, Bytes: len(out.Content)})
		rc.Channel = k
		rc.Latency = elapsed
		return rc, nil
	}
	return rc, fmt.Errorf("%w: %d attempts for %s", ErrNoViableChannel, len(rc.Attempts), out.ID)
}

func (l *Layer) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opts.SendTimeout > 0 {
		return context.WithTimeout(ctx, l.opts.SendTimeout)
	}
	return context.WithCancel(ctx)
}

func (l *Layer) sendOrder(preferred Kind) []Adapter {
	all := l.Adapters()
	if preferred == KindUnknown {
		return all
	}
	out := make([]Adapter, 0, len(all))
	for _, a := range all {
		if a.Kind() == preferred {
			out = append(out, a)
		}
	}
	for _, a := range all {
		if a.Kind() != preferred {
			out = append(out, a)
		}
	}
	return out
}

// DiscoverPeers runs discovery on every active adapter concurrently and
// merges the results by peer id; the first occurrence in fallback order wins.
func (l *Layer) DiscoverPeers(ctx context.Context) []Peer {
	adapters := l.Adapters()
	results := make([][]Peer, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			ps, err := a.DiscoverPeers(gctx)
			l.record(Sample{Channel: a.Kind(), At: l.opts.Now(), Discovery: true, Failed: err != nil, Peers: len(ps)})
			if err != nil {
				l.log.Debug("discovery failed", zap.Stringer("channel", a.Kind()), zap.Error(err))
				return nil
			}
			results[i] = ps
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var out []Peer
	for _, ps := range results {
		for _, p := range ps {
			if p.ID == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
			l.observePeer(p)
		}
	}
	return out
}

// Peers returns every peer currently listed by an active adapter, with
// channels unioned across adapters, ordered by id.
func (l *Layer) Peers() []Peer {
	byID := make(map[string]Peer)
	for _, a := range l.Adapters() {
		for _, p := range a.Peers() {
			if cur, ok := byID[p.ID]; ok {
				byID[p.ID] = cur.Merge(p)
			} else {
				byID[p.ID] = p
			}
		}
	}
	out := make([]Peer, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown disconnects every adapter, ignoring individual errors, and
// clears the layer's state.
func (l *Layer) Shutdown() {
	l.mu.Lock()
	adapters := l.adapters
	l.adapters = make(map[Kind]Adapter)
	l.order = nil
	l.started = make(map[Kind]bool)
	l.mu.Unlock()
	for k, a := range adapters {
		if err := a.Disconnect(); err != nil {
			l.log.Debug("disconnect", zap.Stringer("channel", k), zap.Error(err))
		}
	}
	l.hmu.Lock()
	l.handlers = nil
	l.hmu.Unlock()
}

func (l *Layer) inbound(k Kind) func(*Message) {
	return func(m *Message) {
		now := l.opts.Now()
		if m.Expired(now) {
			l.dropped.Add(1)
			return
		}
		m.Channel = k
		if m.SenderID != "" {
			l.observePeer(Peer{ID: m.SenderID, Channels: []Kind{k}, LastSeen: now})
		}
		if m.Encrypted {
			if l.opts.Encryptor == nil {
				l.dropped.Add(1)
				return
			}
			pt, err := l.opts.Encryptor.Decrypt(m.SenderID, m.Content)
			if err != nil {
				l.dropped.Add(1)
				l.log.Warn("dropping undecryptable message",
					zap.Stringer("channel", k), zap.String("from", m.SenderID), zap.Error(err))
				return
			}
			m.Content = pt
			m.Encrypted = false
		}
		l.record(Sample{Channel: k, At: now, Inbound: true, Bytes: len(m.Content)})

		l.hmu.RLock()
		hs := l.handlers
		l.hmu.RUnlock()
		for _, h := range hs {
			h(m)
		}
	}
}

func (l *Layer) observePeer(p Peer) {
	if p.ID == "" || p.ID == l.opts.LocalID {
		return
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = l.opts.Now()
	}
	l.mu.RLock()
	obs := l.opts.Observers
	l.mu.RUnlock()
	for _, o := range obs {
		o.ObservePeer(p)
	}
}

func (l *Layer) record(s Sample) {
	l.mu.RLock()
	sinks := l.opts.Sinks
	l.mu.RUnlock()
	for _, sink := range sinks {
		sink.RecordSample(s)
	}
}

// AddSink attaches a sample sink after construction.
func (l *Layer) AddSink(s SampleSink) {
	l.mu.Lock()
	l.opts.Sinks = append(l.opts.Sinks, s)
	l.mu.Unlock()
}

// AddObserver attaches a peer observer after construction.
func (l *Layer) AddObserver(o PeerObserver) {
	l.mu.Lock()
	l.opts.Observers = append(l.opts.Observers, o)
	l.mu.Unlock()
}
