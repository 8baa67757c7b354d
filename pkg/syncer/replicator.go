// Package syncer replicates CRDT documents between mesh peers. Each round
// sends every connected peer a sync request per document carrying the local
// clock and the operations the peer is not known to hold; the peer merges
// them and answers with what the requester should pull.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crdt"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/mesh"
)

// Mesh is the part of the routing engine replication rides on.
type Mesh interface {
	Local() string
	Connected() []string
	Send(ctx context.Context, target string, body mesh.Body, maxHops int) mesh.Result
	OnDeliver(t mesh.MessageType, fn func(mesh.Delivery))
}

type Options struct {
	Interval time.Duration
	// Documents limits replication to the listed ids; empty replicates every
	// local document.
	Documents []string
	MaxHops   int
	Timeout   time.Duration
	Logger    *zap.Logger
}

func OptionsFromConfig(c config.SyncConfig, maxHops int) Options {
	return Options{Interval: c.Interval, Documents: c.Documents, MaxHops: maxHops}
}

type Stats struct {
	Rounds    uint64 `json:"rounds"`
	Requests  uint64 `json:"requests"`
	Responses uint64 `json:"responses"`
	Pulled    uint64 `json:"pulled"`
	Conflicts uint64 `json:"conflicts"`
	Failures  uint64 `json:"failures"`
}

type Replicator struct {
	mesh Mesh
	docs *crdt.Engine
	opts Options
	log  *zap.Logger

	rounds, requests, responses, pulled, conflicts, failures atomic.Uint64
}

// New registers the replicator for inbound sync envelopes on m.
func New(m Mesh, docs *crdt.Engine, opts Options) *Replicator {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	r := &Replicator{mesh: m, docs: docs, opts: opts, log: opts.Logger.Named("syncer")}
	m.OnDeliver(mesh.TypeSync, r.onSync)
	return r
}

func (r *Replicator) Stats() Stats {
	return Stats{
		Rounds:    r.rounds.Load(),
		Requests:  r.requests.Load(),
		Responses: r.responses.Load(),
		Pulled:    r.pulled.Load(),
		Conflicts: r.conflicts.Load(),
		Failures:  r.failures.Load(),
	}
}

func (r *Replicator) documents() []string {
	if len(r.opts.Documents) > 0 {
		return r.opts.Documents
	}
	return r.docs.Documents()
}

// SyncPeer sends peerID one request for docID.
func (r *Replicator) SyncPeer(ctx context.Context, peerID, docID string) error {
	payload, err := crdt.EncodeRequest(crdt.SyncRequest{
		DocumentID: docID,
		Clock:      r.docs.Clock(docID),
		Operations: r.docs.Pending(docID, peerID),
	})
	if err != nil {
		return fmt.Errorf("syncer: encode request: %w", err)
	}
	res := r.mesh.Send(ctx, peerID, mesh.Sync{DocumentID: docID, Kind: mesh.SyncRequest, Payload: payload}, r.opts.MaxHops)
	if !res.OK() {
		r.failures.Add(1)
		return fmt.Errorf("syncer: %s to %s: %s: %w", docID, peerID, res.Reason, res.Err)
	}
	r.requests.Add(1)
	return nil
}

// SyncAll runs one round against every connected peer.
func (r *Replicator) SyncAll(ctx context.Context) error {
	r.rounds.Add(1)
	docs := r.documents()
	var errs []error
	for _, peer := range r.mesh.Connected() {
		for _, doc := range docs {
			if err := r.SyncPeer(ctx, peer, doc); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run replicates on the configured interval until ctx is done.
func (r *Replicator) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.SyncAll(ctx); err != nil {
				r.log.Debug("sync round incomplete", zap.Error(err))
			}
		}
	}
}

func (r *Replicator) onSync(d mesh.Delivery) {
	s, ok := d.Body.(mesh.Sync)
	if !ok {
		return
	}
	switch s.Kind {
	case mesh.SyncRequest:
		r.answer(d.Source, s)
	case mesh.SyncResponse:
		r.apply(d.Source, s)
	default:
		r.log.Debug("unknown sync kind", zap.Uint8("kind", uint8(s.Kind)), zap.String("from", d.Source))
	}
}

func (r *Replicator) answer(peerID string, s mesh.Sync) {
	req, err := crdt.DecodeRequest(s.Payload)
	if err != nil || req.DocumentID != s.DocumentID {
		r.failures.Add(1)
		r.log.Warn("bad sync request", zap.String("from", peerID), zap.Error(err))
		return
	}
	res := r.docs.Sync(req.DocumentID, peerID, req.Operations, req.Clock)
	r.conflicts.Add(uint64(len(res.Conflicts)))
	payload, err := crdt.EncodeResponse(crdt.SyncResponse{
		DocumentID: req.DocumentID,
		Clock:      res.Clock,
		Operations: res.ToPull,
		Conflicts:  len(res.Conflicts),
	})
	if err != nil {
		r.failures.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()
	out := r.mesh.Send(ctx, peerID, mesh.Sync{DocumentID: req.DocumentID, Kind: mesh.SyncResponse, Payload: payload}, r.opts.MaxHops)
	if !out.OK() {
		r.failures.Add(1)
		r.log.Debug("sync response dropped", zap.String("to", peerID), zap.String("reason", string(out.Reason)), zap.Error(out.Err))
	}
}

func (r *Replicator) apply(peerID string, s mesh.Sync) {
	resp, err := crdt.DecodeResponse(s.Payload)
	if err != nil || resp.DocumentID != s.DocumentID {
		r.failures.Add(1)
		r.log.Warn("bad sync response", zap.String("from", peerID), zap.Error(err))
		return
	}
	res := r.docs.Sync(resp.DocumentID, peerID, resp.Operations, resp.Clock)
	r.responses.Add(1)
	r.pulled.Add(uint64(res.Merged))
	r.conflicts.Add(uint64(len(res.Conflicts)))
	if len(res.Conflicts) > 0 {
		r.log.Info("sync found conflicts", zap.String("doc", resp.DocumentID), zap.String("peer", peerID), zap.Int("conflicts", len(res.Conflicts)))
	}
}
