// Package node is the composition root: it builds every service from a
// Config, runs their periodic tasks in one cancellable group and shuts them
// down in order.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/admin"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crdt"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/health"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/memkv"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/mesh"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/netstack"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/observability"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/peers"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol/codec"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/secure"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/selection"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/signaling"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/store"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/syncer"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/mem"
)

var (
	ErrRunning    = errors.New("node: already running")
	ErrClosed     = errors.New("node: closed")
	ErrIDMismatch = errors.New("node: configured id does not match the identity key")
)

const introduceKey = "introduce:"

type settings struct {
	log      *zap.Logger
	id       *identity.Identity
	hub      *signaling.Hub
	registry *channel.Registry
	memNet   *mem.Network
	prober   channel.Prober
	now      func() time.Time
}

// Option customizes New.
type Option func(*settings)

func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.log = l } }

// WithIdentity skips loading the key named by the identity section.
func WithIdentity(id *identity.Identity) Option { return func(s *settings) { s.id = id } }

// WithSignalingHub backs the memory signaling kind with a shared hub.
func WithSignalingHub(h *signaling.Hub) Option { return func(s *settings) { s.hub = h } }

// WithRegistry replaces the built-in adapter factories.
func WithRegistry(r *channel.Registry) Option { return func(s *settings) { s.registry = r } }

// WithMemNetwork scopes in-process channels to n.
func WithMemNetwork(n *mem.Network) Option { return func(s *settings) { s.memNet = n } }

func WithProber(p channel.Prober) Option { return func(s *settings) { s.prober = p } }

func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

// Report describes what Send did.
type Report struct {
	Decision *selection.Decision `json:"decision,omitempty"`
	Receipt  *channel.Receipt    `json:"receipt,omitempty"`
	Mesh     *mesh.Result        `json:"mesh,omitempty"`
}

type Node struct {
	cfg     *config.Config
	log     *zap.Logger
	id      *identity.Identity
	localID string

	kv        *memkv.Store
	directory *peers.Directory
	layer     *channel.Layer
	monitor   *health.Monitor
	selector  *selection.Engine
	mesh      *mesh.Engine
	signal    signaling.Transport
	security  *secure.Manager
	docs      *crdt.Engine
	store     store.Store
	repl      *syncer.Replicator
	metrics   *observability.Metrics
	admin     *admin.Server
	adapters  []channel.AdapterConfig
	intro     chan string

	hmu      sync.RWMutex
	handlers []func(*channel.Message)

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

type observerFunc func(channel.Peer)

func (f observerFunc) ObservePeer(p channel.Peer) { f(p) }

// New builds every service named by cfg. Nothing listens or dials until Run.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	s := settings{}
	for _, o := range opts {
		o(&s)
	}
	if s.log == nil {
		s.log = zap.L()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.prober == nil {
		s.prober = netstack.PlatformProber{}
	}
	if s.id == nil {
		id, err := identity.Load(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("node: identity: %w", err)
		}
		s.id = id
	}
	localID := s.id.ID
	if cfg.Node.ID != "" && cfg.Node.ID != localID {
		if cfg.Security.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrIDMismatch, cfg.Node.ID)
		}
		localID = cfg.Node.ID
	}

	n := &Node{cfg: cfg, log: s.log.Named("node"), id: s.id, localID: localID, intro: make(chan string, 64)}
	n.kv = memkv.New(memkv.Options{Now: s.now})
	n.directory = peers.New(n.kv, 0, s.log)
	ok := false
	defer func() {
		if !ok {
			n.release()
		}
	}()

	local := channel.LocalInfo{
		PeerID:       localID,
		DisplayName:  cfg.Node.DisplayName,
		Capabilities: cfg.Node.Capabilities,
		PublicKey:    s.id.Public,
	}
	if cfg.Security.Enabled {
		so := secure.OptionsFromConfig(cfg.Security)
		so.Identity, so.Now, so.Logger = s.id, s.now, s.log
		m, err := secure.NewManager(so)
		if err != nil {
			return nil, err
		}
		cred, err := m.Credential()
		if err != nil {
			return nil, fmt.Errorf("node: credential: %w", err)
		}
		n.security, local.Credential = m, cred
	}

	fallback, err := netstack.FallbackOrder(cfg)
	if err != nil {
		return nil, err
	}
	n.adapters, err = netstack.AdapterConfigs(cfg, local, s.log)
	if err != nil {
		return nil, err
	}
	if s.registry == nil {
		s.registry = netstack.NewRegistry(netstack.Options{Codecs: codec.NewRegistry(), MemNetwork: s.memNet})
	}
	lo := channel.Options{
		Registry:      s.registry,
		Prober:        s.prober,
		Observers:     []channel.PeerObserver{n.directory, observerFunc(n.observe)},
		FallbackOrder: fallback,
		MeshMode:      cfg.MeshMode,
		SendTimeout:   cfg.Net.SendTimeout,
		LocalID:       localID,
		Logger:        s.log,
		Now:           s.now,
	}
	if n.security != nil {
		lo.Encryptor = n.security
	}
	n.layer = channel.NewLayer(lo)

	ho := health.OptionsFromConfig(cfg.Health)
	ho.Now, ho.Logger = s.now, s.log
	n.monitor = health.NewMonitor(n.layer, ho)
	n.layer.AddSink(n.monitor)

	profile, err := selection.ProfileFromConfig(cfg.Selection)
	if err != nil {
		return nil, err
	}
	n.selector = selection.New(profile)

	if cfg.Storage.Enabled {
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.Node.DataDir, "documents")
		}
		var bo []store.BadgerOption
		if cfg.Storage.InMemory {
			bo = append(bo, store.InMemory())
		}
		st, err := store.NewBadgerStore(path, bo...)
		if err != nil {
			return nil, fmt.Errorf("node: storage: %w", err)
		}
		n.store = st
	}
	co := crdt.Options{LocalID: localID, Now: s.now, Logger: s.log}
	if n.store != nil {
		co.Persister = crdt.NewStorePersister(n.store)
	}
	n.docs = crdt.New(co)

	if cfg.Mesh.Enabled {
		if err := n.buildMesh(cfg, s, localID); err != nil {
			return nil, err
		}
	} else {
		n.layer.OnMessage(n.dispatch)
	}

	if cfg.Metrics.Enabled {
		n.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		n.layer.AddSink(n.metrics)
		n.bindMetrics()
	}
	if cfg.Admin.Enabled {
		src := admin.Sources{Health: n.monitor, Peers: n.directory, Documents: n.docs}
		if n.mesh != nil {
			src.Mesh = n.mesh
		}
		if n.metrics != nil {
			src.Metrics = n.metrics.Handler()
		}
		n.admin = admin.New(src, s.log)
	}
	ok = true
	return n, nil
}

func (n *Node) buildMesh(cfg *config.Config, s settings, localID string) error {
	conn := mesh.NewChannelConnector(n.layer)
	conn.Prefer = n.preferFor
	mo := mesh.OptionsFromConfig(cfg.Mesh)
	mo.LocalID = localID
	mo.Self.PeerID = localID
	mo.Self.DisplayName = cfg.Node.DisplayName
	mo.Self.Capabilities = cfg.Node.Capabilities
	mo.Connector = conn
	mo.SendTimeout = cfg.Net.SendTimeout
	mo.Now, mo.Logger = s.now, s.log
	m, err := mesh.New(mo)
	if err != nil {
		return err
	}
	n.mesh = m

	// Signaling needs a live context only for the redis handshake.
	sig, err := signaling.New(context.Background(), cfg.Signaling, localID, s.hub, s.log)
	if err != nil {
		return err
	}
	n.signal = sig
	m.SetSignaler(sig)
	sig.OnReceive(func(from string, payload []byte) { m.Receive(from, payload) })

	n.layer.OnMessage(func(msg *channel.Message) { m.Receive(msg.SenderID, msg.Content) })
	m.OnDeliver(mesh.TypeData, n.deliverData)

	if cfg.Sync.Enabled {
		ro := syncer.OptionsFromConfig(cfg.Sync, cfg.Mesh.MaxHops)
		ro.Timeout, ro.Logger = cfg.Net.SendTimeout, s.log
		n.repl = syncer.New(m, n.docs, ro)
	}
	return nil
}

// preferFor ranks the active channels for one mesh frame.
func (n *Node) preferFor(peerID string, f mesh.Frame) channel.Kind {
	msg := &channel.Message{RecipientID: peerID, Priority: f.Priority, Control: f.Control}
	d, err := n.selector.Select(msg, n.layer.Active(), n.monitor.Snapshot(), nil)
	if err != nil {
		return channel.KindUnknown
	}
	return d.Channel
}

func (n *Node) bindMetrics() {
	m := n.metrics
	n.monitor.OnUpdate(func(h health.ChannelHealth) {
		m.ObserveHealth(h.Channel, h.Status.String(), h.Latency, h.ErrorRate)
	})
	m.GaugeFunc("peers", "directory_size", "Peers currently listed in the directory.", func() float64 {
		return float64(n.directory.Len())
	})
	m.CounterFunc("channel", "inbound_dropped_total", "Inbound messages dropped as expired or undecryptable.", func() float64 {
		return float64(n.layer.Dropped())
	})
	if n.mesh != nil {
		e := n.mesh
		m.GaugeFunc("mesh", "peers", "Open mesh links.", func() float64 { return float64(len(e.Connected())) })
		m.GaugeFunc("mesh", "queue_length", "Envelopes waiting in the forward queue.", func() float64 { return float64(e.QueueLen()) })
		m.CounterFunc("mesh", "sent_total", "Envelopes sent by this node.", func() float64 { return float64(e.Stats().Sent) })
		m.CounterFunc("mesh", "forwarded_total", "Envelopes relayed for other nodes.", func() float64 { return float64(e.Stats().Forwarded) })
		m.CounterFunc("mesh", "delivered_total", "Envelopes delivered locally.", func() float64 { return float64(e.Stats().Delivered) })
		m.CounterFunc("mesh", "dropped_total", "Envelopes dropped for any reason.", func() float64 { return float64(e.Stats().TotalDropped()) })
		m.CounterFunc("mesh", "evictions_total", "Peers evicted for missed heartbeats.", func() float64 { return float64(e.Stats().Evictions) })
	}
	if n.security != nil {
		sm := n.security
		m.GaugeFunc("secure", "authenticated_peers", "Peers holding a session key.", func() float64 { return float64(sm.Stats().Authenticated) })
		m.CounterFunc("secure", "auth_failures_total", "Rejected credentials and failed decryptions.", func() float64 { return float64(sm.Stats().AuthFailures) })
		m.CounterFunc("secure", "encryptions_total", "Payloads sealed.", func() float64 { return float64(sm.Stats().Encryptions) })
		m.CounterFunc("secure", "decryptions_total", "Payloads opened.", func() float64 { return float64(sm.Stats().Decryptions) })
	}
	d := n.docs
	m.CounterFunc("crdt", "merges_total", "Remote operations merged.", func() float64 { return float64(d.Counters().Merges) })
	m.CounterFunc("crdt", "conflicts_total", "Remote operations held as conflicts.", func() float64 { return float64(d.Counters().Conflicts) })
	m.GaugeFunc("crdt", "documents", "Documents held locally.", func() float64 { return float64(len(d.Documents())) })
	if n.repl != nil {
		r := n.repl
		m.CounterFunc("sync", "rounds_total", "Replication rounds run.", func() float64 { return float64(r.Stats().Rounds) })
		m.CounterFunc("sync", "failures_total", "Sync exchanges that failed.", func() float64 { return float64(r.Stats().Failures) })
	}
}

func (n *Node) ID() string                     { return n.localID }
func (n *Node) Identity() *identity.Identity   { return n.id }
func (n *Node) Layer() *channel.Layer          { return n.layer }
func (n *Node) Mesh() *mesh.Engine             { return n.mesh }
func (n *Node) Documents() *crdt.Engine        { return n.docs }
func (n *Node) Security() *secure.Manager      { return n.security }
func (n *Node) Directory() *peers.Directory    { return n.directory }
func (n *Node) Health() *health.Monitor        { return n.monitor }
func (n *Node) Replicator() *syncer.Replicator { return n.repl }

// AdminHandler serves the status API; nil when the admin section is off.
func (n *Node) AdminHandler() http.Handler {
	if n.admin == nil {
		return nil
	}
	return n.admin.Handler()
}

// OnMessage registers fn for application messages addressed to or flooded
// through this node.
func (n *Node) OnMessage(fn func(*channel.Message)) {
	n.hmu.Lock()
	n.handlers = append(n.handlers, fn)
	n.hmu.Unlock()
}

func (n *Node) dispatch(m *channel.Message) {
	n.hmu.RLock()
	hs := n.handlers
	n.hmu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

func (n *Node) deliverData(d mesh.Delivery) {
	data, ok := d.Body.(mesh.Data)
	if !ok {
		return
	}
	n.dispatch(&channel.Message{
		ID:        d.MeshID,
		Content:   data.Payload,
		SenderID:  d.Source,
		Priority:  data.Priority,
		HopLimit:  d.HopCount,
		Timestamp: time.Now(),
	})
}

// Send ranks channels for msg and sends it: over the mesh when it is
// enabled, otherwise straight through the channel layer. A mesh drop is
// reported in Report.Mesh, not as an error. A zero HopLimit takes the mesh
// default.
func (n *Node) Send(ctx context.Context, msg *channel.Message) (Report, error) {
	var rep Report
	out := msg.Clone()
	if d, err := n.selector.Select(out, n.layer.Active(), n.monitor.Snapshot(), nil); err == nil {
		rep.Decision = &d
		if out.Channel == channel.KindUnknown {
			out.Channel = d.Channel
		}
	}
	if n.mesh == nil {
		rc, err := n.layer.SendMessage(ctx, out)
		rep.Receipt = &rc
		return rep, err
	}
	if out.HopLimit <= 0 {
		out.HopLimit = n.cfg.Mesh.MaxHops
	}
	res := n.mesh.SendMessage(ctx, out)
	rep.Mesh = &res
	return rep, nil
}

// observe runs on every peer sighting: it authenticates credentials it has
// not seen and queues a mesh introduction for peers without a link.
func (n *Node) observe(p channel.Peer) {
	if n.security != nil && len(p.Credential) > 0 && !n.security.Authenticated(p.ID) {
		if err := n.security.Authenticate(context.Background(), p.ID, p.Credential); err != nil {
			n.log.Debug("peer credential rejected", zap.String("peer", p.ID), zap.Error(err))
		}
	}
	if n.mesh == nil {
		return
	}
	if _, linked := n.mesh.Peer(p.ID); linked {
		return
	}
	if !n.kv.SetNX(introduceKey+p.ID, []byte{1}, n.cfg.Mesh.DiscoveryInterval) {
		return
	}
	select {
	case n.intro <- p.ID:
	default:
		n.kv.Delete(introduceKey + p.ID)
	}
}

func (n *Node) introductions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-n.intro:
			if err := n.mesh.Introduce(ctx, id); err != nil {
				n.log.Debug("mesh introduction failed", zap.String("peer", id), zap.Error(err))
			}
		}
	}
}

// Run loads persisted documents, brings up the channels and runs every
// periodic task until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.running:
		n.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	n.running, n.cancel, n.done = true, cancel, done
	n.mu.Unlock()
	defer close(done)
	defer cancel()

	if n.store != nil {
		loaded, err := n.docs.Load(ctx)
		if err != nil {
			return fmt.Errorf("node: load documents: %w", err)
		}
		n.log.Info("documents loaded", zap.Int("count", loaded))
	}
	if err := n.layer.Initialize(ctx, n.adapters); err != nil {
		return err
	}
	n.log.Info("node started",
		zap.String("id", n.ID()),
		zap.Stringers("channels", n.layer.Active()),
		zap.Bool("mesh", n.mesh != nil),
		zap.Bool("security", n.security != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.monitor.Run(gctx) })
	if n.mesh != nil {
		g.Go(func() error { return n.mesh.Run(gctx) })
		g.Go(func() error { return n.introductions(gctx) })
	}
	if n.security != nil {
		g.Go(func() error { return n.security.Run(gctx) })
	}
	if n.repl != nil {
		g.Go(func() error { return n.repl.Run(gctx) })
	}
	if n.admin != nil {
		g.Go(func() error { return n.admin.Serve(gctx, n.cfg.Admin.Listen) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close stops Run, closes mesh links and channel adapters, persists
// documents when storage is enabled and clears in-memory state.
func (n *Node) Close() error {
	var err error
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		cancel, done := n.cancel, n.done
		n.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		if n.mesh != nil {
			n.mesh.Close()
		}
		n.layer.Shutdown()
		if n.store != nil {
			ctx, c := context.WithTimeout(context.Background(), 10*time.Second)
			err = n.docs.SaveAll(ctx)
			c()
		}
		n.docs.Reset()
		if n.security != nil {
			n.security.Reset()
		}
		n.monitor.Reset()
		n.release()
		n.log.Info("node stopped")
	})
	return err
}

// release closes what New opened before any service ran.
func (n *Node) release() {
	if n.signal != nil {
		_ = n.signal.Close()
	}
	if n.store != nil {
		_ = n.store.Close()
	}
	n.kv.Close()
}
