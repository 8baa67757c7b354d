package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol/codec"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

// hello is the first frame each side of a session sends.
type hello struct {
	PeerID       string   `cbor:"1,keyasint" msgpack:"id" json:"id"`
	DisplayName  string   `cbor:"2,keyasint,omitempty" msgpack:"name" json:"name,omitempty"`
	Capabilities []string `cbor:"3,keyasint,omitempty" msgpack:"caps" json:"caps,omitempty"`
	PublicKey    []byte   `cbor:"4,keyasint,omitempty" msgpack:"pub" json:"pub,omitempty"`
	Credential   []byte   `cbor:"5,keyasint,omitempty" msgpack:"cred" json:"cred,omitempty"`
}

// wireMessage is the body of a FrameMessage; scalar metadata rides in the
// frame header.
type wireMessage struct {
	ID        string `cbor:"1,keyasint" msgpack:"id" json:"id"`
	Sender    string `cbor:"2,keyasint,omitempty" msgpack:"from" json:"from,omitempty"`
	Recipient string `cbor:"3,keyasint,omitempty" msgpack:"to" json:"to,omitempty"`
	Content   []byte `cbor:"4,keyasint" msgpack:"body" json:"body"`
}

// StreamAdapter implements Adapter over any transport.Transport. Each new
// session exchanges hellos, becomes the peer's canonical session through a
// transport.Manager, and then carries header-prefixed message frames.
// Configured dial targets are redialed with exponential backoff.
type StreamAdapter struct {
	kind   Kind
	tr     transport.Transport
	cfg    AdapterConfig
	format protocol.Format
	codecs *codec.Registry
	log    *zap.Logger
	mgr    *transport.Manager

	mu        sync.RWMutex
	started   bool
	cancel    context.CancelFunc
	listeners []transport.Listener
	live      map[transport.Session]struct{}
	peers     map[string]Peer
	handler   func(*Message)
	wg        sync.WaitGroup
}

// NewStreamAdapter wraps tr as the adapter for cfg.Kind. The body format is
// read from cfg.Extra["format"] (cbor by default).
func NewStreamAdapter(tr transport.Transport, cfg AdapterConfig, codecs *codec.Registry) (*StreamAdapter, error) {
	f := protocol.FormatCBOR
	if v, ok := cfg.Extra["format"].(string); ok {
		pf, err := protocol.ParseFormat(v)
		if err != nil {
			return nil, err
		}
		f = pf
	}
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &StreamAdapter{
		kind:   cfg.Kind,
		tr:     tr,
		cfg:    cfg,
		format: f,
		codecs: codecs,
		log:    log.Named("adapter").With(zap.Stringer("channel", cfg.Kind), zap.Stringer("transport", tr.Kind())),
		mgr:    transport.NewManager(),
		live:   make(map[transport.Session]struct{}),
		peers:  make(map[string]Peer),
	}, nil
}

func (a *StreamAdapter) Kind() Kind { return a.kind }

// Probe reports the transport itself as available; platform probing is the
// layer's Prober.
func (a *StreamAdapter) Probe(context.Context) Availability { return Available }

// Connect starts listeners and dial loops. It fails with
// ErrChannelUnavailable when every listener failed and there is nothing to
// dial.
func (a *StreamAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	var errs []error
	for _, addr := range a.cfg.Listen {
		l, err := a.tr.Listen(runCtx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("listen %s: %w", addr, err))
			continue
		}
		a.listeners = append(a.listeners, l)
		a.log.Info("listening", zap.String("addr", l.Addr().String()))
		a.wg.Add(1)
		go a.acceptLoop(runCtx, l)
	}
	if len(a.cfg.Listen) > 0 && len(a.listeners) == 0 && len(a.cfg.Dial) == 0 {
		cancel()
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, errors.Join(errs...))
	}
	for _, t := range a.cfg.Dial {
		a.wg.Add(1)
		go a.dialLoop(runCtx, t)
	}
	a.cancel = cancel
	a.started = true
	return nil
}

// ListenAddrs returns the bound listener addresses.
func (a *StreamAdapter) ListenAddrs() []net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]net.Addr, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Disconnect stops all loops and closes every session.
func (a *StreamAdapter) Disconnect() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.cancel()
	ls := a.listeners
	a.listeners = nil
	live := make([]transport.Session, 0, len(a.live))
	for s := range a.live {
		live = append(live, s)
	}
	a.mu.Unlock()

	var errs []error
	for _, l := range ls {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range live {
		_ = s.Close()
	}
	a.mgr.CloseAll()
	a.wg.Wait()

	a.mu.Lock()
	a.peers = make(map[string]Peer)
	a.mu.Unlock()
	return errors.Join(errs...)
}

func (a *StreamAdapter) OnReceive(h func(*Message)) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *StreamAdapter) IsConnected() bool {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()
	return started && a.mgr.Len() > 0
}

// SignalStrength is 1 with a live session and 0 without, unless
// cfg.Extra["signal_strength"] pins a value for connected links.
func (a *StreamAdapter) SignalStrength() float64 {
	if !a.IsConnected() {
		return 0
	}
	if v, ok := a.cfg.Extra["signal_strength"].(float64); ok {
		return v
	}
	return 1
}

func (a *StreamAdapter) Peers() []Peer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		if s := a.mgr.GetSession(transport.PeerID(p.ID)); s != nil {
			if q := s.Quality(); q.LastSeen.After(p.LastSeen) {
				p.LastSeen = q.LastSeen
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DiscoverPeers lists peers that completed a hello; stream media discover
// by connecting.
func (a *StreamAdapter) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Peers(), nil
}

// Send writes m to its recipient's canonical session, or to every session
// when m has no recipient. Broadcast succeeds if any session accepted it.
func (a *StreamAdapter) Send(ctx context.Context, m *Message) error {
	if !a.IsConnected() {
		return ErrNotConnected
	}
	frame, err := a.encode(m)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrSendFailed, err)
	}
	var targets []transport.Session
	if m.RecipientID != "" {
		s := a.mgr.GetSession(transport.PeerID(m.RecipientID))
		if s == nil {
			return fmt.Errorf("%w: no session to %s", ErrSendFailed, m.RecipientID)
		}
		targets = []transport.Session{s}
	} else {
		targets = a.mgr.Sessions()
	}
	var lastErr error
	sent := 0
	for _, s := range targets {
		if err := writeFrame(ctx, s, frame); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr == nil {
			lastErr = ErrNotConnected
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, lastErr)
	}
	return nil
}

func writeFrame(ctx context.Context, s transport.Session, frame []byte) error {
	st, err := s.Stream(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- st.SendBytes(frame) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (a *StreamAdapter) encode(m *Message) ([]byte, error) {
	h := protocol.Header{
		Type:      protocol.FrameMessage,
		Priority:  uint8(m.Priority),
		HopLimit:  clampU8(m.HopLimit),
		Timestamp: m.Timestamp.UnixMilli(),
		TTLMillis: uint32(m.TTL / time.Millisecond),
	}
	if id, err := uuid.Parse(m.ID); err == nil {
		h.MessageID = id
	}
	h.SetFlag(protocol.FlagEncrypted, m.Encrypted)
	h.SetFlag(protocol.FlagControl, m.Control)
	h.SetFlag(protocol.FlagAddressed, m.RecipientID != "")
	sender := m.SenderID
	if sender == "" {
		sender = a.cfg.Local.PeerID
	}
	body, err := protocol.EncodeBody(a.codecs, a.format, wireMessage{ID: m.ID, Sender: sender, Recipient: m.RecipientID, Content: m.Content})
	if err != nil {
		return nil, err
	}
	return protocol.EncodeFrame(h, body)
}

func (a *StreamAdapter) decode(h protocol.Header, body []byte) (*Message, error) {
	var wm wireMessage
	if _, err := protocol.DecodeBody(a.codecs, body, &wm); err != nil {
		return nil, err
	}
	m := &Message{
		ID:          wm.ID,
		Content:     wm.Content,
		SenderID:    wm.Sender,
		RecipientID: wm.Recipient,
		Channel:     a.kind,
		Priority:    Priority(h.Priority),
		HopLimit:    int(h.HopLimit),
		TTL:         time.Duration(h.TTLMillis) * time.Millisecond,
		Encrypted:   h.HasFlag(protocol.FlagEncrypted),
		Control:     h.HasFlag(protocol.FlagControl),
	}
	if h.Timestamp != 0 {
		m.Timestamp = time.UnixMilli(h.Timestamp)
	}
	if m.ID == "" && h.MessageID != [16]byte{} {
		m.ID = uuid.UUID(h.MessageID).String()
	}
	return m, nil
}

func clampU8(n int) uint8 {
	switch {
	case n < 0:
		return 0
	case n > 255:
		return 255
	default:
		return uint8(n)
	}
}

func (a *StreamAdapter) acceptLoop(ctx context.Context, l transport.Listener) {
	defer a.wg.Done()
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(ctx, s)
		}()
	}
}

func (a *StreamAdapter) dialLoop(ctx context.Context, t DialTarget) {
	defer a.wg.Done()
	delay := a.cfg.Backoff.Initial
	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
		s, err := a.tr.Dial(dctx, t.Address, transport.PeerInfo{ID: transport.PeerID(t.PeerID), Addr: t.Address})
		cancel()
		if err != nil {
			a.log.Debug("dial failed", zap.String("addr", t.Address), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, delay+a.jitter()) {
				return
			}
			delay = min(delay*2, a.cfg.Backoff.Max)
			continue
		}
		delay = a.cfg.Backoff.Initial
		a.serve(ctx, s)
		if !sleep(ctx, delay+a.jitter()) {
			return
		}
	}
}

func (a *StreamAdapter) jitter() time.Duration {
	if a.cfg.Backoff.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(a.cfg.Backoff.Jitter)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs one session until it fails or loses canonical status.
func (a *StreamAdapter) serve(ctx context.Context, s transport.Session) {
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		_ = s.Close()
		return
	}
	a.live[s] = struct{}{}
	a.mu.Unlock()

	var peerID string
	defer func() {
		a.mu.Lock()
		delete(a.live, s)
		a.mu.Unlock()
		if peerID != "" && a.mgr.RemoveSession(s) {
			a.mu.Lock()
			delete(a.peers, peerID)
			a.mu.Unlock()
			a.log.Info("peer session closed", zap.String("peer", peerID))
		}
		_ = s.Close()
	}()

	st, err := s.Stream(ctx)
	if err != nil {
		a.log.Debug("stream open failed", zap.Error(err))
		return
	}
	// Reading starts before the hello is written: synchronous media such as
	// net.Pipe block a writer until the other side reads. The session is
	// registered only after our hello went out, so the remote never sees a
	// message ahead of it.
	helloDone := make(chan error, 1)
	go func() {
		err := a.sendHello(st)
		if err != nil {
			a.log.Debug("hello send failed", zap.Error(err))
			_ = s.Close()
		}
		helloDone <- err
	}()

	for {
		b, err := st.RecvBytes()
		if err != nil {
			return
		}
		h, body, err := protocol.DecodeFrame(b)
		if err != nil {
			a.log.Debug("bad frame", zap.Error(err))
			continue
		}
		switch h.Type {
		case protocol.FrameHello:
			if peerID != "" {
				continue
			}
			var hi hello
			if _, err := protocol.DecodeBody(a.codecs, body, &hi); err != nil || hi.PeerID == "" {
				a.log.Debug("bad hello", zap.Error(err))
				return
			}
			if hi.PeerID == a.cfg.Local.PeerID {
				return
			}
			if err := <-helloDone; err != nil {
				return
			}
			pi := s.Peer()
			pi.ID = transport.PeerID(hi.PeerID)
			s.SetPeer(pi)
			if ok, _ := a.mgr.AddSession(s); !ok {
				return
			}
			peerID = hi.PeerID
			p := Peer{
				ID:             hi.PeerID,
				DisplayName:    hi.DisplayName,
				Channels:       []Kind{a.kind},
				SignalStrength: 1,
				LastSeen:       time.Now(),
				Capabilities:   hi.Capabilities,
				PublicKey:      hi.PublicKey,
				Credential:     hi.Credential,
			}
			a.mu.Lock()
			a.peers[peerID] = p
			a.mu.Unlock()
			a.log.Info("peer session established", zap.String("peer", peerID), zap.String("remote", pi.Addr))
			if a.cfg.OnPeer != nil {
				a.cfg.OnPeer(p)
			}
		case protocol.FrameMessage:
			if peerID == "" {
				continue
			}
			m, err := a.decode(h, body)
			if err != nil {
				a.log.Debug("bad message", zap.String("peer", peerID), zap.Error(err))
				continue
			}
			if m.RecipientID != "" && m.RecipientID != a.cfg.Local.PeerID {
				continue
			}
			if m.SenderID == "" {
				m.SenderID = peerID
			}
			a.mu.RLock()
			handler := a.handler
			a.mu.RUnlock()
			if handler != nil {
				handler(m)
			}
		}
	}
}

func (a *StreamAdapter) sendHello(st transport.Stream) error {
	l := a.cfg.Local
	body, err := protocol.EncodeBody(a.codecs, a.format, hello{
		PeerID:       l.PeerID,
		DisplayName:  l.DisplayName,
		Capabilities: l.Capabilities,
		PublicKey:    l.PublicKey,
		Credential:   l.Credential,
	})
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeFrame(protocol.Header{Type: protocol.FrameHello, Timestamp: time.Now().UnixMilli()}, body)
	if err != nil {
		return err
	}
	return st.SendBytes(frame)
}
