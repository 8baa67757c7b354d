package crdt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/store"
)

// Persister saves and restores document snapshots between sessions.
type Persister interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, docID string) (Snapshot, error)
	List(ctx context.Context) ([]string, error)
}

// Snapshot is the persisted form of one document. Pending conflicts are not
// kept; they are re-detected when the operations arrive again.
type Snapshot struct {
	ID           string                `msgpack:"id"`
	Operations   []Operation           `msgpack:"ops"`
	Superseded   []string              `msgpack:"superseded,omitempty"`
	Clock        VectorClock           `msgpack:"clock"`
	Counter      uint64                `msgpack:"counter"`
	LastModified Lamport               `msgpack:"last"`
	ModifiedAt   time.Time             `msgpack:"at"`
	Version      uint64                `msgpack:"version"`
	Peers        map[string]*SyncState `msgpack:"peers,omitempty"`
}

func (d *document) snapshot() Snapshot {
	s := Snapshot{
		ID:           d.id,
		Operations:   d.sorted(false),
		Clock:        d.clock.Clone(),
		Counter:      d.counter,
		LastModified: d.lastModified,
		ModifiedAt:   d.modifiedAt,
		Version:      d.version,
		Peers:        make(map[string]*SyncState, len(d.peers)),
	}
	for id := range d.superseded {
		s.Superseded = append(s.Superseded, id)
	}
	for id, st := range d.peers {
		c := st.clone()
		s.Peers[id] = &c
	}
	return s
}

func fromSnapshot(s Snapshot) *document {
	d := newDocument(s.ID)
	for _, op := range s.Operations {
		d.ops[op.ID] = op
	}
	for _, id := range s.Superseded {
		d.superseded[id] = true
	}
	if s.Clock != nil {
		d.clock = s.Clock.Clone()
	}
	d.counter = s.Counter
	d.lastModified = s.LastModified
	d.modifiedAt = s.ModifiedAt
	d.version = s.Version
	for id, st := range s.Peers {
		if st == nil {
			continue
		}
		c := st.clone()
		if c.LocalClock == nil {
			c.LocalClock = VectorClock{}
		}
		if c.RemoteClock == nil {
			c.RemoteClock = VectorClock{}
		}
		d.peers[id] = &c
	}
	return d
}

const snapshotPrefix = "crdt/doc/"

// StorePersister keeps msgpack snapshots in a store.Store.
type StorePersister struct {
	s store.Store
}

func NewStorePersister(s store.Store) *StorePersister { return &StorePersister{s: s} }

func (p *StorePersister) Save(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("crdt: encode snapshot %s: %w", s.ID, err)
	}
	return p.s.Set(snapshotPrefix+s.ID, b)
}

func (p *StorePersister) Load(ctx context.Context, docID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b, err := p.s.Get(snapshotPrefix + docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
		}
		return Snapshot{}, err
	}
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("crdt: decode snapshot %s: %w", docID, err)
	}
	return s, nil
}

func (p *StorePersister) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := p.s.Keys(snapshotPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, snapshotPrefix))
	}
	return out, nil
}
