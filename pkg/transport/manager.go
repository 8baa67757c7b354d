package transport

import (
	"sort"
	"sync"
)

// Manager keeps at most one canonical Session per peer and applies a
// policy to deduplicate concurrent inbound/outbound links.
type Manager struct {
	mu    sync.RWMutex
	peers map[PeerID]Session
}

func NewManager() *Manager { return &Manager{peers: make(map[PeerID]Session)} }

// AddSession registers s for its peer. When the peer already has a
// canonical session the better of the two is kept and the loser is closed.
// It reports whether s became canonical and, if so, which session it replaced.
func (m *Manager) AddSession(s Session) (accepted bool, replaced Session) {
	pid := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.peers[pid]
	if cur == nil {
		m.peers[pid] = s
		return true, nil
	}
	if cur == s {
		return true, nil
	}
	if better(s, cur) {
		m.peers[pid] = s
		go func() { _ = cur.Close() }()
		return true, cur
	}
	go func() { _ = s.Close() }()
	return false, nil
}

// GetSession returns the canonical session for a peer, or nil.
func (m *Manager) GetSession(id PeerID) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// RemoveSession forgets s if it is still canonical for its peer. It does not
// close s.
func (m *Manager) RemoveSession(s Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := s.Peer().ID
	if m.peers[pid] == s {
		delete(m.peers, pid)
		return true
	}
	return false
}

// ClosePeer closes and forgets the canonical session of a peer.
func (m *Manager) ClosePeer(id PeerID) {
	m.mu.Lock()
	s := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// CloseAll closes every session, ignoring individual close errors.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.peers
	m.peers = make(map[PeerID]Session)
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}

// ListPeers returns all peer IDs with a canonical session, sorted.
func (m *Manager) ListPeers() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sessions returns a snapshot of canonical sessions ordered by peer id.
func (m *Manager) Sessions() []Session {
	ids := m.ListPeers()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s := m.peers[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of peers with a canonical session.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RebindPeer moves the canonical session of oldID to newID once the real
// identity is known. If newID already has a session the policy decides which
// one stays; the loser is closed. It reports whether the moved session is
// now canonical for newID.
func (m *Manager) RebindPeer(oldID, newID PeerID) bool {
	if newID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moving := m.peers[oldID]
	if moving == nil {
		return false
	}
	if oldID == newID {
		return true
	}
	delete(m.peers, oldID)
	pi := moving.Peer()
	pi.ID = newID
	moving.SetPeer(pi)

	dst := m.peers[newID]
	if dst == nil {
		m.peers[newID] = moving
		return true
	}
	if better(moving, dst) {
		m.peers[newID] = moving
		go func() { _ = dst.Close() }()
		return true
	}
	go func() { _ = moving.Close() }()
	return false
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 120
	case KindQUIC:
		return 100
	case KindWinPipe:
		return 95
	case KindTCP:
		return 90
	case KindWebSocket:
		return 70
	case KindUDP:
		return 50
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical.
func better(a, b Session) bool {
	ra, rb := baseRank(a.TransportKind()), baseRank(b.TransportKind())
	if ra != rb {
		return ra > rb
	}
	qa, qb := a.Quality(), b.Quality()
	if qa.RTT != qb.RTT && qa.RTT > 0 && qb.RTT > 0 {
		return qa.RTT < qb.RTT
	}
	// Newer establishment wins; reduces split-brain on reconnect races.
	return qa.EstablishedAt.After(qb.EstablishedAt)
}
