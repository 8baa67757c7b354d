// Package mesh is the routing engine: a table of direct links kept alive by
// heartbeats, passive route learning from traversed paths, single-path
// forwarding for addressed envelopes and bounded flooding for broadcast and
// control traffic.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/memkv"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/priocq"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/router"
)

var (
	ErrRoutingPathNotFound = errors.New("mesh: routing path not found")
	ErrHopLimitExceeded    = errors.New("mesh: hop limit exceeded")
	ErrPeerCap             = errors.New("mesh: peer limit reached")
	ErrIncompatible        = errors.New("mesh: incompatible protocol version")
	ErrKnownPeer           = errors.New("mesh: peer already linked")
	ErrInvalidPeer         = errors.New("mesh: invalid peer id")
)

// Hop limits of control traffic.
const (
	HeartbeatHops = 1
	ControlHops   = 2
)

// Status is the outcome of a send.
type Status uint8

const (
	StatusDropped Status = iota
	StatusSent           // direct link to the target
	StatusForwarded      // handed to the next hop of a computed path
	StatusFlooded        // broadcast to every open link
	StatusDelivered      // addressed to this node
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusForwarded:
		return "forwarded"
	case StatusFlooded:
		return "flooded"
	case StatusDelivered:
		return "delivered"
	default:
		return "dropped"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result describes a send. Drops are results, not errors; Err carries the
// routing sentinel when there is one.
type Result struct {
	Status  Status     `json:"status"`
	MeshID  string     `json:"mesh_id"`
	NextHop string     `json:"next_hop,omitempty"`
	Reached int        `json:"reached,omitempty"`
	Reason  DropReason `json:"reason,omitempty"`
	Err     error      `json:"-"`
}

func (r Result) OK() bool { return r.Status != StatusDropped }

// Signaler reaches peers that have no link yet; target "" broadcasts.
type Signaler interface {
	Send(ctx context.Context, target string, payload []byte) error
}

type Options struct {
	LocalID   string
	Self      Advertisement
	Connector Connector
	Signaler  Signaler
	Codec     *Codec
	Table     *router.Table
	// Seen backs duplicate suppression; nil creates a private store.
	Seen *memkv.Store

	Routing           bool
	MaxPeers          int
	MaxHops           int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	DiscoveryInterval time.Duration
	RoutingInterval   time.Duration
	RouteTTL          time.Duration
	SeenTTL           time.Duration
	SendTimeout       time.Duration
	VersionConstraint string
	QueueLimit        int
	// ForwardRate shapes relayed bytes per second per next hop; 0 disables.
	ForwardRate int64

	Now    func() time.Time
	Logger *zap.Logger
}

// OptionsFromConfig copies the tunables of c; identity and collaborators are
// left to the caller.
func OptionsFromConfig(c config.MeshConfig) Options {
	return Options{
		Routing:           c.Routing,
		MaxPeers:          c.MaxPeers,
		MaxHops:           c.MaxHops,
		HeartbeatInterval: c.HeartbeatInterval,
		ConnectionTimeout: c.ConnectionTimeout,
		DiscoveryInterval: c.DiscoveryInterval,
		RoutingInterval:   c.RoutingInterval,
		RouteTTL:          c.RouteTTL,
		SeenTTL:           c.SeenTTL,
		VersionConstraint: c.VersionConstraint,
		QueueLimit:        c.QueueLimit,
		ForwardRate:       c.ForwardRate,
		Self:              Advertisement{ProtocolVersion: c.ProtocolVersion},
	}
}

func (o Options) withDefaults() Options {
	if o.MaxHops < 0 {
		o.MaxHops = 0
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 3 * o.HeartbeatInterval
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 30 * time.Second
	}
	if o.RoutingInterval <= 0 {
		o.RoutingInterval = 10 * time.Second
	}
	if o.SeenTTL <= 0 {
		o.SeenTTL = 2 * time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.Self.PeerID == "" {
		o.Self.PeerID = o.LocalID
	}
	return o
}

type meshPeer struct {
	id            string
	link          Link
	state         LinkState
	ad            Advertisement
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// PeerInfo is a copy of one peer table entry.
type PeerInfo struct {
	ID            string        `json:"id"`
	State         LinkState     `json:"state"`
	HopCount      int           `json:"hop_count"`
	ConnectedAt   time.Time     `json:"connected_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Advertisement Advertisement `json:"advertisement"`
}

// Delivery is an envelope addressed to, or flooded through, this node.
type Delivery struct {
	MeshID   string
	Source   string
	From     string
	HopCount int
	Path     []string
	Body     Body
}

type inbound struct {
	from  string
	frame []byte
}

type queued struct {
	env   *Envelope
	frame Frame
}

type Engine struct {
	opts       Options
	log        *zap.Logger
	codec      *Codec
	table      *router.Table
	seen       *memkv.Store
	ownSeen    bool
	constraint version.Constraints
	queue      *priocq.Queue
	inbox      chan inbound
	stats      *counters
	hbSeq      atomic.Uint64

	mu    sync.RWMutex
	peers map[string]*meshPeer

	hmu      sync.RWMutex
	handlers map[MessageType][]func(Delivery)

	smu     sync.Mutex
	shapers map[string]*priocq.TokenBucket
}

func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if opts.LocalID == "" {
		return nil, fmt.Errorf("%w: empty local id", ErrInvalidPeer)
	}
	if opts.Connector == nil {
		return nil, errors.New("mesh: connector is required")
	}
	var constraint version.Constraints
	if opts.VersionConstraint != "" {
		c, err := version.NewConstraint(opts.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("mesh: version constraint: %w", err)
		}
		constraint = c
	}
	e := &Engine{
		opts:       opts,
		constraint: constraint,
		log:        opts.Logger.Named("mesh"),
		codec:      opts.Codec,
		table:      opts.Table,
		seen:       opts.Seen,
		queue:      priocq.New(opts.QueueLimit),
		inbox:      make(chan inbound, max(opts.QueueLimit, 64)),
		stats:      newCounters(),
		peers:      make(map[string]*meshPeer),
		handlers:   make(map[MessageType][]func(Delivery)),
		shapers:    make(map[string]*priocq.TokenBucket),
	}
	if e.codec == nil {
		e.codec = NewCodec(nil, protocol.FormatUnknown)
	}
	if e.table == nil {
		e.table = router.NewTable(opts.LocalID, opts.RouteTTL, opts.Now)
	}
	if e.seen == nil {
		e.seen = memkv.New(memkv.Options{Shards: 16, Now: opts.Now})
		e.ownSeen = true
	}
	return e, nil
}

func (e *Engine) Local() string            { return e.opts.LocalID }
func (e *Engine) Table() *router.Table     { return e.table }
func (e *Engine) Stats() Stats             { return e.stats.snapshot() }
func (e *Engine) Routes() []router.Route   { return e.table.Routes() }
func (e *Engine) Self() Advertisement      { return e.opts.Self }
func (e *Engine) QueueLen() int            { return e.queue.Len() }
func (e *Engine) Compatible(v string) bool { return e.compatible(v) }
func (e *Engine) now() time.Time           { return e.opts.Now() }

// SetSignaler attaches a signaling transport before Run.
func (e *Engine) SetSignaler(s Signaler) { e.opts.Signaler = s }

// OnDeliver registers fn for envelopes of type t that reach this node.
func (e *Engine) OnDeliver(t MessageType, fn func(Delivery)) {
	e.hmu.Lock()
	e.handlers[t] = append(e.handlers[t], fn)
	e.hmu.Unlock()
}

func (e *Engine) compatible(v string) bool {
	if e.constraint == nil {
		return true
	}
	ver, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return e.constraint.Check(ver)
}

// Peers returns the peer table ordered by id.
func (e *Engine) Peers() []PeerInfo {
	e.mu.RLock()
	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.info())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *meshPeer) info() PeerInfo {
	return PeerInfo{
		ID:            p.id,
		State:         p.state,
		HopCount:      1,
		ConnectedAt:   p.connectedAt,
		LastHeartbeat: p.lastHeartbeat,
		Advertisement: p.ad,
	}
}

// Peer returns one entry of the peer table.
func (e *Engine) Peer(id string) (PeerInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Connected lists peers with an open link.
func (e *Engine) Connected() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.peers))
	for id, p := range e.peers {
		if p.state == StateConnected {
			out = append(out, id)
		}
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) link(id string) Link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.peers[id]; ok && p.state == StateConnected {
		return p.link
	}
	return nil
}

func (e *Engine) links(except func(string) bool) []Link {
	e.mu.RLock()
	out := make([]Link, 0, len(e.peers))
	for id, p := range e.peers {
		if p.state == StateConnected && !except(id) {
			out = append(out, p.link)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID() < out[j].PeerID() })
	return out
}

// reserve claims a peer slot in the connecting state.
func (e *Engine) reserve(ad Advertisement) (*meshPeer, error) {
	if ad.PeerID == "" || ad.PeerID == e.opts.LocalID {
		return nil, ErrInvalidPeer
	}
	if !e.compatible(ad.ProtocolVersion) {
		e.stats.drop(DropVersion)
		return nil, fmt.Errorf("%w: %s speaks %q", ErrIncompatible, ad.PeerID, ad.ProtocolVersion)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.peers[ad.PeerID]; ok {
		return nil, ErrKnownPeer
	}
	if e.opts.MaxPeers > 0 && len(e.peers) >= e.opts.MaxPeers {
		e.stats.drop(DropPeerCap)
		return nil, ErrPeerCap
	}
	p := &meshPeer{id: ad.PeerID, state: StateConnecting, ad: ad}
	e.peers[ad.PeerID] = p
	return p, nil
}

func (e *Engine) establish(p *meshPeer, link Link) error {
	now := e.now()
	e.mu.Lock()
	if e.peers[p.id] != p {
		e.mu.Unlock()
		_ = link.Close()
		return ErrLinkClosed
	}
	p.link = link
	p.state = StateConnected
	p.connectedAt = now
	p.lastHeartbeat = now
	e.mu.Unlock()
	e.table.AddLink(e.opts.LocalID, p.id)
	e.log.Info("mesh link connected", zap.String("peer", p.id), zap.String("version", p.ad.ProtocolVersion))
	return nil
}

// Connect opens a direct link to the advertised peer. A failed attempt
// releases the slot and is not retried.
func (e *Engine) Connect(ctx context.Context, ad Advertisement) error {
	p, err := e.reserve(ad)
	if err != nil {
		return err
	}
	link, err := e.opts.Connector.Connect(ctx, ad)
	if err != nil {
		e.mu.Lock()
		p.state = StateFailed
		if e.peers[p.id] == p {
			delete(e.peers, p.id)
		}
		e.mu.Unlock()
		e.stats.failedConnects.Add(1)
		e.log.Warn("mesh connect failed", zap.String("peer", ad.PeerID), zap.Error(err))
		return fmt.Errorf("mesh: connect %s: %w", ad.PeerID, err)
	}
	return e.establish(p, link)
}

// Attach adopts a link that was opened elsewhere.
func (e *Engine) Attach(link Link, ad Advertisement) error {
	if ad.PeerID == "" {
		ad.PeerID = link.PeerID()
	}
	p, err := e.reserve(ad)
	if err != nil {
		return err
	}
	return e.establish(p, link)
}

// Disconnect closes the link to id and forgets it.
func (e *Engine) Disconnect(id string) bool {
	e.mu.Lock()
	p, ok := e.peers[id]
	if ok {
		p.state = StateDisconnected
		delete(e.peers, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if p.link != nil {
		_ = p.link.Close()
	}
	e.table.RemovePeer(id)
	e.dropShaper(id)
	e.log.Info("mesh link closed", zap.String("peer", id))
	return true
}

// HandleAdvertisement connects to unknown compatible peers while under the
// peer cap.
func (e *Engine) HandleAdvertisement(ctx context.Context, ad Advertisement) error {
	if e.link(ad.PeerID) != nil {
		return nil
	}
	err := e.Connect(ctx, ad)
	if errors.Is(err, ErrKnownPeer) {
		return nil
	}
	return err
}

func (e *Engine) newEnvelope(target string, body Body, maxHops int) *Envelope {
	return &Envelope{
		MeshID:  uuid.NewString(),
		Source:  e.opts.LocalID,
		Target:  target,
		MaxHops: max(maxHops, 0),
		Path:    []string{e.opts.LocalID},
		Sent:    e.now(),
		Body:    body,
	}
}

func frameFor(env *Envelope, b []byte) Frame {
	f := Frame{Bytes: b, Control: env.Type().Control(), Priority: channel.PriorityNormal}
	switch body := env.Body.(type) {
	case Data:
		f.Priority = body.Priority
	case Heartbeat, Discovery, Routing:
		f.Priority = channel.PriorityCritical
	}
	return f
}

func (e *Engine) encode(env *Envelope) (Frame, error) {
	b, err := e.codec.Encode(env)
	if err != nil {
		return Frame{}, err
	}
	return frameFor(env, b), nil
}

func (e *Engine) transmit(ctx context.Context, l Link, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	return l.Send(ctx, f)
}

func (e *Engine) dropped(env *Envelope, r DropReason, err error) Result {
	e.stats.drop(r)
	e.log.Debug("mesh envelope dropped", zap.String("mesh_id", env.MeshID), zap.Stringer("type", env.Type()),
		zap.String("target", env.Target), zap.String("reason", string(r)))
	return Result{Status: StatusDropped, MeshID: env.MeshID, Reason: r, Err: err}
}

// Send routes body to target. maxHops bounds relay forwards: with 0 only a
// direct link can carry it. An empty target floods.
func (e *Engine) Send(ctx context.Context, target string, body Body, maxHops int) Result {
	env := e.newEnvelope(target, body, maxHops)
	if target == "" {
		return e.flood(ctx, env)
	}
	if target == e.opts.LocalID {
		e.deliver(env, e.opts.LocalID)
		return Result{Status: StatusDelivered, MeshID: env.MeshID}
	}
	f, err := e.encode(env)
	if err != nil {
		return e.dropped(env, DropDecode, err)
	}
	var directErr error
	if l := e.link(target); l != nil {
		if directErr = e.transmit(ctx, l, f); directErr == nil {
			e.stats.sent.Add(1)
			return Result{Status: StatusSent, MeshID: env.MeshID, NextHop: target}
		}
		if !e.opts.Routing {
			return e.dropped(env, DropSendFailed, directErr)
		}
	}
	// A failed direct transmit stays the reported cause when no relay path
	// can take over.
	noRoute := func(r DropReason, err error) Result {
		if directErr != nil {
			return e.dropped(env, DropSendFailed, directErr)
		}
		return e.dropped(env, r, err)
	}
	if !e.opts.Routing {
		return noRoute(DropNoRoute, ErrRoutingPathNotFound)
	}
	next, path, err := e.table.NextHop(target)
	if err != nil {
		return noRoute(DropNoRoute, ErrRoutingPathNotFound)
	}
	if relays := len(path) - 2; relays > env.MaxHops {
		return noRoute(DropHopLimit, ErrHopLimitExceeded)
	}
	l := e.link(next)
	if l == nil || next == target {
		return noRoute(DropNoRoute, ErrRoutingPathNotFound)
	}
	if err := e.transmit(ctx, l, f); err != nil {
		return e.dropped(env, DropSendFailed, err)
	}
	e.stats.sent.Add(1)
	return Result{Status: StatusForwarded, MeshID: env.MeshID, NextHop: next}
}

// SendData sends an application payload under the configured hop limit.
func (e *Engine) SendData(ctx context.Context, target string, payload []byte, prio channel.Priority) Result {
	return e.Send(ctx, target, Data{Payload: payload, Priority: prio}, e.opts.MaxHops)
}

// SendMessage maps a channel message onto a data envelope: RecipientID is the
// target and HopLimit the relay budget.
func (e *Engine) SendMessage(ctx context.Context, m *channel.Message) Result {
	return e.Send(ctx, m.RecipientID, Data{Payload: m.Content, Priority: m.Priority}, m.HopLimit)
}

// Broadcast floods body to every open link.
func (e *Engine) Broadcast(ctx context.Context, body Body, maxHops int) Result {
	return e.flood(ctx, e.newEnvelope("", body, maxHops))
}

func (e *Engine) flood(ctx context.Context, env *Envelope) Result {
	e.markSeen(env.MeshID)
	f, err := e.encode(env)
	if err != nil {
		return e.dropped(env, DropDecode, err)
	}
	links := e.links(func(string) bool { return false })
	if len(links) == 0 {
		return e.dropped(env, DropNoRoute, ErrRoutingPathNotFound)
	}
	n := 0
	for _, l := range links {
		if err := e.transmit(ctx, l, f); err != nil {
			e.stats.drop(DropSendFailed)
			continue
		}
		n++
	}
	if n == 0 {
		return Result{Status: StatusDropped, MeshID: env.MeshID, Reason: DropSendFailed}
	}
	e.stats.flooded.Add(uint64(n))
	return Result{Status: StatusFlooded, MeshID: env.MeshID, Reached: n}
}

func seenKey(id string) string { return "seen:" + id }

func (e *Engine) markSeen(id string) { e.seen.Set(seenKey(id), []byte{1}, e.opts.SeenTTL) }

func (e *Engine) firstSeen(id string) bool {
	return e.seen.SetNX(seenKey(id), []byte{1}, e.opts.SeenTTL)
}

// Receive queues a frame for the inbox worker started by Run. It reports
// false when the inbox is full.
func (e *Engine) Receive(from string, frame []byte) bool {
	select {
	case e.inbox <- inbound{from: from, frame: frame}:
		return true
	default:
		e.stats.drop(DropQueueFull)
		return false
	}
}

// HandleFrame processes one frame from the neighbor from.
func (e *Engine) HandleFrame(ctx context.Context, from string, frame []byte) {
	env, err := e.codec.Decode(frame)
	if err != nil {
		e.stats.drop(DropDecode)
		e.log.Debug("mesh frame undecodable", zap.String("from", from), zap.Error(err))
		return
	}
	e.handle(ctx, from, env)
}

func (e *Engine) handle(ctx context.Context, from string, env *Envelope) {
	local := e.opts.LocalID
	if env.HopCount < 0 || env.HopCount > env.MaxHops {
		e.dropped(env, DropHopLimit, ErrHopLimitExceeded)
		return
	}
	if env.Source == local || env.Visited(local) {
		e.dropped(env, DropLoop, nil)
		return
	}
	if n := len(env.Path); n > 0 && env.Path[n-1] == from {
		e.table.LearnPath(append(append([]string(nil), env.Path...), local))
	}

	switch body := env.Body.(type) {
	case Heartbeat:
		e.onHeartbeat(from)
	case Discovery:
		if env.Target != "" && env.Target != local {
			return
		}
		if !e.firstSeen(env.MeshID) {
			e.stats.drop(DropDuplicate)
			return
		}
		e.onDiscovery(ctx, env, body)
		e.relayFlood(env, from)
	case Routing:
		if !e.firstSeen(env.MeshID) {
			e.stats.drop(DropDuplicate)
			return
		}
		e.table.SetNeighbors(env.Source, body.Neighbors)
		e.relayFlood(env, from)
	default:
		switch env.Target {
		case "":
			if !e.firstSeen(env.MeshID) {
				e.stats.drop(DropDuplicate)
				return
			}
			e.deliver(env, from)
			e.relayFlood(env, from)
		case local:
			if !e.firstSeen(env.MeshID) {
				e.stats.drop(DropDuplicate)
				return
			}
			e.deliver(env, from)
		default:
			e.relayAddressed(env, from)
		}
	}
}

func (e *Engine) deliver(env *Envelope, from string) {
	e.stats.delivered.Add(1)
	e.hmu.RLock()
	hs := e.handlers[env.Type()]
	e.hmu.RUnlock()
	d := Delivery{MeshID: env.MeshID, Source: env.Source, From: from, HopCount: env.HopCount, Path: env.Path, Body: env.Body}
	for _, h := range hs {
		h(d)
	}
}

func (e *Engine) onHeartbeat(from string) {
	now := e.now()
	e.mu.Lock()
	if p, ok := e.peers[from]; ok && p.state == StateConnected {
		p.lastHeartbeat = now
	}
	e.mu.Unlock()
	e.stats.heartbeatsRecv.Add(1)
}

func (e *Engine) onDiscovery(ctx context.Context, env *Envelope, d Discovery) {
	ad := d.Ad
	if ad.PeerID == "" {
		ad.PeerID = env.Source
	}
	if ad.PeerID == e.opts.LocalID {
		return
	}
	if err := e.HandleAdvertisement(ctx, ad); err != nil {
		e.log.Debug("advertisement not linked", zap.String("peer", ad.PeerID), zap.Error(err))
	}
	if d.Request {
		e.reply(ctx, ad.PeerID)
	}
}

// reply answers a discovery request over the link, the connector or the
// signaler, in that order.
func (e *Engine) reply(ctx context.Context, peerID string) {
	env := e.newEnvelope(peerID, Discovery{Ad: e.opts.Self}, 0)
	f, err := e.encode(env)
	if err != nil {
		return
	}
	if l := e.link(peerID); l != nil {
		if err := e.transmit(ctx, l, f); err == nil {
			return
		}
	}
	if err := e.opts.Connector.Unicast(ctx, peerID, f); err == nil {
		return
	}
	if e.opts.Signaler != nil {
		if err := e.opts.Signaler.Send(ctx, peerID, f.Bytes); err != nil {
			e.log.Debug("discovery reply failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// relayFlood re-floods a broadcast while the hop budget allows.
func (e *Engine) relayFlood(env *Envelope, from string) {
	if env.Target != "" {
		return
	}
	next := env.relayed(e.opts.LocalID)
	if next.HopCount > next.MaxHops {
		return
	}
	for _, l := range e.links(func(id string) bool { return id == from || env.Visited(id) }) {
		e.enqueue(l.PeerID(), next)
	}
}

// relayAddressed forwards along the single computed path; it never floods.
func (e *Engine) relayAddressed(env *Envelope, from string) {
	next := env.relayed(e.opts.LocalID)
	if next.HopCount > next.MaxHops {
		e.dropped(env, DropHopLimit, ErrHopLimitExceeded)
		return
	}
	hop := env.Target
	if e.link(hop) == nil {
		if !e.opts.Routing {
			e.dropped(env, DropNoRoute, ErrRoutingPathNotFound)
			return
		}
		nh, _, err := e.table.NextHop(env.Target)
		if err != nil || e.link(nh) == nil {
			e.dropped(env, DropNoRoute, ErrRoutingPathNotFound)
			return
		}
		hop = nh
	}
	if hop == from || env.Visited(hop) {
		e.dropped(env, DropLoop, nil)
		return
	}
	e.enqueue(hop, next)
}

func classFor(f Frame) priocq.Class {
	switch {
	case f.Control:
		return priocq.Control
	case f.Priority >= channel.PriorityHigh:
		return priocq.Realtime
	default:
		return priocq.Bulk
	}
}

func (e *Engine) enqueue(dest string, env *Envelope) {
	f, err := e.encode(env)
	if err != nil {
		e.dropped(env, DropDecode, err)
		return
	}
	it := priocq.Item{Dest: dest, Class: classFor(f), Size: len(f.Bytes), Value: queued{env: env, frame: f}, Arrived: e.now()}
	if !e.queue.Enqueue(it) {
		e.dropped(env, DropQueueFull, nil)
	}
}

func (e *Engine) shaper(dest string) *priocq.TokenBucket {
	if e.opts.ForwardRate <= 0 {
		return nil
	}
	e.smu.Lock()
	defer e.smu.Unlock()
	b := e.shapers[dest]
	if b == nil {
		b = priocq.NewTokenBucket(e.opts.ForwardRate, e.opts.ForwardRate)
		e.shapers[dest] = b
	}
	return b
}

func (e *Engine) dropShaper(dest string) {
	e.smu.Lock()
	delete(e.shapers, dest)
	e.smu.Unlock()
}

// forward sends one dequeued item.
func (e *Engine) forward(ctx context.Context, it priocq.Item) {
	q := it.Value.(queued)
	if b := e.shaper(it.Dest); b != nil {
		if err := b.Wait(ctx, int64(it.Size)); err != nil {
			return
		}
	}
	l := e.link(it.Dest)
	if l == nil {
		e.dropped(q.env, DropNoRoute, ErrRoutingPathNotFound)
		return
	}
	if err := e.transmit(ctx, l, q.frame); err != nil {
		e.dropped(q.env, DropSendFailed, err)
		return
	}
	e.stats.forwarded.Add(1)
}

// Flush forwards everything queued without blocking for more.
func (e *Engine) Flush(ctx context.Context) int {
	n := 0
	for {
		it, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		e.forward(ctx, it)
		n++
	}
}

// Sweep evicts peers whose last heartbeat is older than the connection
// timeout, removing them from the peer and routing tables.
func (e *Engine) Sweep(now time.Time) []string {
	var gone []*meshPeer
	e.mu.Lock()
	for id, p := range e.peers {
		if p.state == StateConnected && now.Sub(p.lastHeartbeat) > e.opts.ConnectionTimeout {
			p.state = StateDisconnected
			delete(e.peers, id)
			gone = append(gone, p)
		}
	}
	e.mu.Unlock()
	ids := make([]string, 0, len(gone))
	for _, p := range gone {
		_ = p.link.Close()
		e.table.RemovePeer(p.id)
		e.dropShaper(p.id)
		e.stats.evictions.Add(1)
		ids = append(ids, p.id)
		e.log.Info("mesh peer evicted", zap.String("peer", p.id), zap.Time("last_heartbeat", p.lastHeartbeat))
	}
	sort.Strings(ids)
	return ids
}

// HeartbeatTick sweeps and then heartbeats every open link.
func (e *Engine) HeartbeatTick(ctx context.Context, now time.Time) []string {
	evicted := e.Sweep(now)
	env := e.newEnvelope("", Heartbeat{Seq: e.hbSeq.Add(1)}, HeartbeatHops)
	f, err := e.encode(env)
	if err != nil {
		return evicted
	}
	for _, l := range e.links(func(string) bool { return false }) {
		if err := e.transmit(ctx, l, f); err != nil {
			e.log.Debug("heartbeat failed", zap.String("peer", l.PeerID()), zap.Error(err))
			continue
		}
		e.stats.heartbeatsSent.Add(1)
	}
	return evicted
}

// RoutingTick expires learned edges and advertises the local neighbor set.
func (e *Engine) RoutingTick(ctx context.Context, now time.Time) {
	e.table.Expire(now)
	if !e.opts.Routing {
		return
	}
	if len(e.Connected()) == 0 {
		return
	}
	e.Broadcast(ctx, Routing{Neighbors: e.Connected()}, ControlHops)
}

// Discover announces this node over the signaler and every open link.
func (e *Engine) Discover(ctx context.Context) error {
	env := e.newEnvelope("", Discovery{Request: true, Ad: e.opts.Self}, ControlHops)
	e.markSeen(env.MeshID)
	f, err := e.encode(env)
	if err != nil {
		return err
	}
	var errs []error
	if e.opts.Signaler != nil {
		if err := e.opts.Signaler.Send(ctx, "", f.Bytes); err != nil {
			errs = append(errs, fmt.Errorf("signal: %w", err))
		}
	}
	for _, l := range e.links(func(string) bool { return false }) {
		if err := e.transmit(ctx, l, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Introduce asks a reachable, unlinked peer for its advertisement.
func (e *Engine) Introduce(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == e.opts.LocalID || e.link(peerID) != nil {
		return nil
	}
	env := e.newEnvelope(peerID, Discovery{Request: true, Ad: e.opts.Self}, 0)
	f, err := e.encode(env)
	if err != nil {
		return err
	}
	return e.opts.Connector.Unicast(ctx, peerID, f)
}

// Run drives the inbox, the forward queue and the periodic tasks until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case in := <-e.inbox:
				e.HandleFrame(ctx, in.from, in.frame)
			}
		}
	})
	g.Go(func() error {
		for {
			it, err := e.queue.Dequeue(ctx)
			if err != nil {
				return nil
			}
			e.forward(ctx, it)
		}
	})
	every := func(d time.Duration, fn func(time.Time)) {
		g.Go(func() error {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					fn(e.now())
				}
			}
		})
	}
	every(e.opts.HeartbeatInterval, func(now time.Time) { e.HeartbeatTick(ctx, now) })
	every(e.opts.RoutingInterval, func(now time.Time) { e.RoutingTick(ctx, now) })
	every(e.opts.DiscoveryInterval, func(time.Time) {
		if err := e.Discover(ctx); err != nil {
			e.log.Debug("discovery broadcast incomplete", zap.Error(err))
		}
	})
	return g.Wait()
}

// Close shuts every link and clears the tables. Close errors are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	peers := e.peers
	e.peers = make(map[string]*meshPeer)
	e.mu.Unlock()
	for _, p := range peers {
		p.state = StateDisconnected
		if p.link != nil {
			_ = p.link.Close()
		}
	}
	e.table.Reset()
	for {
		if _, ok := e.queue.TryDequeue(); !ok {
			break
		}
	}
	e.smu.Lock()
	e.shapers = make(map[string]*priocq.TokenBucket)
	e.smu.Unlock()
	if e.ownSeen {
		e.seen.Close()
	}
}
