// Package peers keeps the node-wide directory of peers seen on any channel.
package peers

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/memkv"
)

// DefaultTTL is how long a peer stays listed without being seen again.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "peer:"

func keyPeer(id string) string { return keyPrefix + id }

// Directory stores channel.Peer records in a memkv.Store, each with an
// inactivity TTL that is refreshed whenever the peer is observed. It
// implements channel.PeerObserver.
type Directory struct {
	kv  *memkv.Store
	ttl time.Duration
	log *zap.Logger

	mu        sync.Mutex // serializes read-modify-write of one record
	listeners []func(channel.Peer, bool)
}

// New returns a directory over kv; ttl <= 0 means DefaultTTL.
func New(kv *memkv.Store, ttl time.Duration, log *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.L()
	}
	return &Directory{kv: kv, ttl: ttl, log: log.Named("peers")}
}

// OnChange registers fn to run after a peer record changes; added reports
// whether the peer was new.
func (d *Directory) OnChange(fn func(p channel.Peer, added bool)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// ObservePeer merges p into the stored record and refreshes its TTL.
func (d *Directory) ObservePeer(p channel.Peer) {
	if p.ID == "" {
		return
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	d.mu.Lock()
	cur, found := d.get(p.ID)
	if found {
		cur = cur.Merge(p)
	} else {
		cur = p
	}
	b, err := msgpack.Marshal(&cur)
	if err != nil {
		d.mu.Unlock()
		d.log.Warn("encode peer", zap.String("peer", p.ID), zap.Error(err))
		return
	}
	d.kv.Set(keyPeer(p.ID), b, d.ttl)
	ls := append([]func(channel.Peer, bool){}, d.listeners...)
	d.mu.Unlock()

	if !found {
		d.log.Info("peer discovered", zap.String("peer", p.ID), zap.Stringers("channels", p.Channels))
	} else {
		d.log.Debug("peer refreshed", zap.String("peer", p.ID))
	}
	for _, fn := range ls {
		fn(cur, !found)
	}
}

// Get returns the stored record for id.
func (d *Directory) Get(id string) (channel.Peer, bool) { return d.get(id) }

func (d *Directory) get(id string) (channel.Peer, bool) {
	b, ok := d.kv.Get(keyPeer(id))
	if !ok {
		return channel.Peer{}, false
	}
	var p channel.Peer
	if err := msgpack.Unmarshal(b, &p); err != nil {
		d.log.Warn("decode peer", zap.String("peer", id), zap.Error(err))
		return channel.Peer{}, false
	}
	return p, true
}

// List returns the live records ordered by id.
func (d *Directory) List() []channel.Peer {
	keys := d.kv.Keys(keyPrefix)
	out := make([]channel.Peer, 0, len(keys))
	for _, k := range keys {
		if p, ok := d.get(strings.TrimPrefix(k, keyPrefix)); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of live records.
func (d *Directory) Len() int { return len(d.kv.Keys(keyPrefix)) }

// Remove forgets id immediately.
func (d *Directory) Remove(id string) bool { return d.kv.Delete(keyPeer(id)) }

// Purge drops peers whose LastSeen is older than maxAge relative to now and
// returns their ids.
func (d *Directory) Purge(now time.Time, maxAge time.Duration) []string {
	var gone []string
	for _, p := range d.List() {
		if now.Sub(p.LastSeen) > maxAge {
			if d.Remove(p.ID) {
				gone = append(gone, p.ID)
			}
		}
	}
	if len(gone) > 0 {
		d.log.Info("peers purged", zap.Strings("peers", gone))
	}
	return gone
}
