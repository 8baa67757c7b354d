// Package crdt is the document replication engine: a causal operation log
// per document with vector clocks and Lamport stamps, conflict detection on
// overlapping paths, caller-driven resolution and a pull/push sync
// handshake.
//
// Operations are totally ordered by Lamport counter, then by originating
// peer id with the greater id later, then by operation id. Every tie in the
// package uses that order.
package crdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrInvalidOperation = errors.New("crdt: invalid operation")
	ErrUnknownDocument  = errors.New("crdt: unknown document")
)

// Conflict is an incoming operation held back because a stored or held
// operation on an overlapping path is concurrent with it.
type Conflict struct {
	DocumentID string      `msgpack:"doc" json:"document_id"`
	Incoming   Operation   `msgpack:"in" json:"incoming"`
	Existing   []Operation `msgpack:"ex" json:"existing"`
}

// Path is the incoming operation's path.
func (c Conflict) Path() []string { return c.Incoming.Path }

// MergeResult describes what Merge did with one operation.
type MergeResult struct {
	Merged    bool
	Duplicate bool
	Conflict  *Conflict
}

// Resolution is the outcome for one group of operations whose paths overlap.
// Path is the group's common prefix.
type Resolution struct {
	Path   []string    `json:"path"`
	Winner Operation   `json:"winner"`
	Losers []Operation `json:"losers"`
}

// SyncState tracks replication with one remote peer for one document.
type SyncState struct {
	PeerID      string      `msgpack:"peer" json:"peer_id"`
	LocalClock  VectorClock `msgpack:"local" json:"local_clock"`
	RemoteClock VectorClock `msgpack:"remote" json:"remote_clock"`
	Conflicts   uint64      `msgpack:"conflicts" json:"conflicts"`
	Merges      uint64      `msgpack:"merges" json:"merges"`
	LastSync    time.Time   `msgpack:"last" json:"last_sync"`
}

func (s *SyncState) clone() SyncState {
	c := *s
	c.LocalClock = s.LocalClock.Clone()
	c.RemoteClock = s.RemoteClock.Clone()
	return c
}

// SyncResult is the answer to one sync handshake.
type SyncResult struct {
	ToPull    []Operation
	Conflicts []Conflict
	Merged    int
	Clock     VectorClock
}

type Options struct {
	LocalID   string
	Persister Persister
	Now       func() time.Time
	Logger    *zap.Logger
}

// Counters are cumulative engine totals.
type Counters struct {
	LocalOps   uint64 `json:"local_ops"`
	Merges     uint64 `json:"merges"`
	Duplicates uint64 `json:"duplicates"`
	Conflicts  uint64 `json:"conflicts"`
	Resolved   uint64 `json:"resolved"`
}

type Engine struct {
	local     string
	persister Persister
	now       func() time.Time
	log       *zap.Logger

	mu   sync.RWMutex
	docs map[string]*document

	localOps, merges, duplicates, conflicts, resolved atomic.Uint64
}

func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Engine{
		local:     opts.LocalID,
		persister: opts.Persister,
		now:       opts.Now,
		log:       opts.Logger.Named("crdt"),
		docs:      make(map[string]*document),
	}
}

func (e *Engine) Local() string { return e.local }

func (e *Engine) Counters() Counters {
	return Counters{
		LocalOps:   e.localOps.Load(),
		Merges:     e.merges.Load(),
		Duplicates: e.duplicates.Load(),
		Conflicts:  e.conflicts.Load(),
		Resolved:   e.resolved.Load(),
	}
}

func (e *Engine) docLocked(id string) *document {
	d := e.docs[id]
	if d == nil {
		d = newDocument(id)
		e.docs[id] = d
	}
	return d
}

// Documents lists document ids in order.
func (e *Engine) Documents() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.docs))
	for id := range e.docs {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) Info(docID string) (DocumentInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[docID]
	if !ok {
		return DocumentInfo{}, fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
	}
	return d.info(), nil
}

// Clock returns a copy of the document's vector clock.
func (e *Engine) Clock(docID string) VectorClock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.docs[docID]; ok {
		return d.clock.Clone()
	}
	return VectorClock{}
}

// Operations returns the whole log, superseded entries included, in total
// order.
func (e *Engine) Operations(docID string) []Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.docs[docID]; ok {
		return d.sorted(false)
	}
	return nil
}

// Insert, Update, Delete and Move record a local mutation.
func (e *Engine) Insert(docID string, path []string, v any) (Operation, error) {
	return e.apply(docID, OpInsert, path, nil, v)
}

func (e *Engine) Update(docID string, path []string, v any) (Operation, error) {
	return e.apply(docID, OpUpdate, path, nil, v)
}

func (e *Engine) Delete(docID string, path []string) (Operation, error) {
	return e.apply(docID, OpDelete, path, nil, nil)
}

func (e *Engine) Move(docID string, from, to []string) (Operation, error) {
	return e.apply(docID, OpMove, from, to, nil)
}

func (e *Engine) apply(docID string, t OpType, path, to []string, v any) (Operation, error) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.docLocked(docID)
	op := Operation{
		ID:        uuid.NewString(),
		Type:      t,
		Path:      append([]string(nil), path...),
		Value:     v,
		Timestamp: Lamport{Counter: d.counter + 1, PeerID: e.local},
		CreatedAt: now,
	}
	if len(to) > 0 {
		op.To = append([]string(nil), to...)
	}
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	d.clock[e.local]++
	op.Clock = d.clock.Clone()
	d.store(op, now)
	e.localOps.Add(1)
	return op, nil
}

// Merge applies a received operation. Re-delivery of a known operation id
// is a no-op. An operation concurrent with a stored one on an overlapping
// path is held as a conflict and not merged.
func (e *Engine) Merge(docID string, op Operation) (MergeResult, error) {
	if err := op.validate(); err != nil {
		return MergeResult{}, err
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mergeLocked(e.docLocked(docID), op, now), nil
}

func (e *Engine) mergeLocked(d *document, op Operation, now time.Time) MergeResult {
	if _, ok := d.ops[op.ID]; ok {
		e.duplicates.Add(1)
		return MergeResult{Duplicate: true}
	}
	for i := range d.conflicts {
		if d.conflicts[i].Incoming.ID == op.ID {
			e.duplicates.Add(1)
			c := d.conflicts[i]
			return MergeResult{Duplicate: true, Conflict: &c}
		}
	}
	var clash []Operation
	for id, stored := range d.ops {
		if d.superseded[id] || !overlaps(stored.Path, op.Path) {
			continue
		}
		if IsConcurrent(stored.Clock, op.Clock) {
			clash = append(clash, stored)
		}
	}
	// Held operations are compared too: the set of operations in conflict
	// depends only on which operations are present.
	for _, c := range d.conflicts {
		if overlaps(c.Incoming.Path, op.Path) && IsConcurrent(c.Incoming.Clock, op.Clock) {
			clash = append(clash, c.Incoming)
		}
	}
	if len(clash) > 0 {
		sort.Slice(clash, func(i, j int) bool { return clash[i].before(clash[j]) })
		c := Conflict{DocumentID: d.id, Incoming: op, Existing: clash}
		d.conflicts = append(d.conflicts, c)
		e.conflicts.Add(1)
		e.log.Debug("operation conflicts", zap.String("doc", d.id), zap.String("op", op.ID),
			zap.String("path", pathKey(op.Path)), zap.Int("existing", len(clash)))
		return MergeResult{Conflict: &c}
	}
	d.store(op, now)
	e.merges.Add(1)
	return MergeResult{Merged: true}
}

// Conflicts returns the conflicts pending resolution.
func (e *Engine) Conflicts(docID string) []Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[docID]
	if !ok {
		return nil
	}
	return append([]Conflict(nil), d.conflicts...)
}

// ResolveConflicts settles every pending conflict of the document. The
// operations involved are grouped into connected components of path
// overlap; in each group the operation latest in the total order wins and
// the others stay in the log as superseded, so they are never materialized
// or conflict again. The grouping depends only on the set of operations, so
// replicas holding the same operations resolve identically.
func (e *Engine) ResolveConflicts(docID string) []Resolution {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[docID]
	if !ok || len(d.conflicts) == 0 {
		return nil
	}
	involved := make(map[string]Operation)
	for _, c := range d.conflicts {
		involved[c.Incoming.ID] = c.Incoming
		for _, op := range c.Existing {
			involved[op.ID] = op
		}
	}
	d.conflicts = nil

	out := make([]Resolution, 0, 1)
	for _, group := range overlapGroups(involved) {
		winner := group[len(group)-1]
		r := Resolution{Path: commonPrefix(group), Winner: winner, Losers: group[:len(group)-1]}
		if _, ok := d.ops[winner.ID]; !ok {
			d.store(winner, now)
		}
		delete(d.superseded, winner.ID)
		for _, op := range r.Losers {
			if _, ok := d.ops[op.ID]; !ok {
				d.store(op, now)
			}
			d.superseded[op.ID] = true
		}
		out = append(out, r)
		e.resolved.Add(1)
	}
	e.log.Info("conflicts resolved", zap.String("doc", docID), zap.Int("groups", len(out)))
	return out
}

// overlapGroups partitions ops into connected components of path overlap.
// Each group is in total order; groups are ordered by their common prefix.
func overlapGroups(ops map[string]Operation) [][]Operation {
	list := make([]Operation, 0, len(ops))
	for _, op := range ops {
		list = append(list, op)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].before(list[j]) })

	parent := make([]int, len(list))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range list {
		for j := i + 1; j < len(list); j++ {
			if overlaps(list[i].Path, list[j].Path) {
				parent[find(j)] = find(i)
			}
		}
	}

	byRoot := make(map[int][]Operation)
	var roots []int
	for i, op := range list {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], op)
	}
	groups := make([][]Operation, 0, len(roots))
	for _, r := range roots {
		groups = append(groups, byRoot[r])
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := pathKey(commonPrefix(groups[i])), pathKey(commonPrefix(groups[j]))
		if a != b {
			return a < b
		}
		return groups[i][0].before(groups[j][0])
	})
	return groups
}

func commonPrefix(ops []Operation) []string {
	if len(ops) == 0 {
		return nil
	}
	prefix := ops[0].Path
	for _, op := range ops[1:] {
		n := 0
		for n < len(prefix) && n < len(op.Path) && prefix[n] == op.Path[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return append([]string(nil), prefix...)
}

// Materialize renders the live log as a struct.
func (e *Engine) Materialize(docID string) (*structpb.Struct, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
	}
	return d.materialize()
}

// Pending returns live operations the peer has not been seen to hold.
func (e *Engine) Pending(docID, peerID string) []Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[docID]
	if !ok {
		return nil
	}
	var known VectorClock
	if s, ok := d.peers[peerID]; ok {
		known = s.RemoteClock
	}
	return unreflected(d, known)
}

func unreflected(d *document, known VectorClock) []Operation {
	var out []Operation
	for _, op := range d.sorted(true) {
		if !op.Reflected(known) {
			out = append(out, op)
		}
	}
	return out
}

// Sync runs one handshake with peerID: it merges what the peer pushed,
// returns the local operations not reflected in the clock the peer reported
// or in what it pushed, and advances the estimate of the peer's clock by
// those reported stamps.
func (e *Engine) Sync(docID, peerID string, pushed []Operation, remote VectorClock) SyncResult {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.docLocked(docID)
	st := d.peers[peerID]
	if st == nil {
		st = &SyncState{PeerID: peerID, LocalClock: VectorClock{}, RemoteClock: VectorClock{}}
		d.peers[peerID] = st
	}

	var res SyncResult
	for _, op := range pushed {
		if err := op.validate(); err != nil {
			e.log.Debug("sync operation rejected", zap.String("peer", peerID), zap.Error(err))
			continue
		}
		r := e.mergeLocked(d, op, now)
		switch {
		case r.Conflict != nil && !r.Duplicate:
			st.Conflicts++
			res.Conflicts = append(res.Conflicts, *r.Conflict)
		case r.Merged:
			st.Merges++
			res.Merged++
		}
	}

	// Only stamps the peer reports count. An operation in ToPull is offered
	// again until the peer's clock shows it.
	reported := remote.Clone()
	for _, op := range pushed {
		reported.Merge(op.Clock)
	}
	res.ToPull = unreflected(d, reported)
	st.RemoteClock.Merge(reported)
	st.LocalClock = d.clock.Clone()
	st.LastSync = now
	res.Clock = d.clock.Clone()
	return res
}

// SyncState returns the replication state with peerID.
func (e *Engine) SyncState(docID, peerID string) (SyncState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[docID]
	if !ok {
		return SyncState{}, false
	}
	s, ok := d.peers[peerID]
	if !ok {
		return SyncState{}, false
	}
	return s.clone(), true
}

// Save persists one document through the configured persister.
func (e *Engine) Save(ctx context.Context, docID string) error {
	if e.persister == nil {
		return nil
	}
	e.mu.RLock()
	d, ok := e.docs[docID]
	var snap Snapshot
	if ok {
		snap = d.snapshot()
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
	}
	return e.persister.Save(ctx, snap)
}

// SaveAll persists every document and joins the failures.
func (e *Engine) SaveAll(ctx context.Context) error {
	var errs []error
	for _, id := range e.Documents() {
		if err := e.Save(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load replaces the in-memory state of every persisted document.
func (e *Engine) Load(ctx context.Context) (int, error) {
	if e.persister == nil {
		return 0, nil
	}
	ids, err := e.persister.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		snap, err := e.persister.Load(ctx, id)
		if err != nil {
			return n, fmt.Errorf("crdt: load %s: %w", id, err)
		}
		d := fromSnapshot(snap)
		e.mu.Lock()
		e.docs[d.id] = d
		e.mu.Unlock()
		n++
	}
	if n > 0 {
		e.log.Info("documents loaded", zap.Int("count", n))
	}
	return n, nil
}

// Reset drops every in-memory document.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.docs = make(map[string]*document)
	e.mu.Unlock()
}
