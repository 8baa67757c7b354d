// Package signaling carries bootstrap payloads between peers that have no
// link yet. The mesh uses it for discovery requests and replies.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
)

var (
	ErrUnknownPeer = errors.New("signaling: unknown peer")
	ErrClosed      = errors.New("signaling: closed")
)

// Transport sends payloads to one peer, or to every peer when target is "".
type Transport interface {
	Send(ctx context.Context, target string, payload []byte) error
	OnReceive(fn func(from string, payload []byte))
	Close() error
}

// signal is the record carried on shared media.
type signal struct {
	From    string `msgpack:"f"`
	To      string `msgpack:"t,omitempty"`
	Payload []byte `msgpack:"p"`
}

// Hub connects in-process endpoints.
type Hub struct {
	mu  sync.RWMutex
	eps map[string]*Endpoint
}

func NewHub() *Hub { return &Hub{eps: make(map[string]*Endpoint)} }

// Join registers id, replacing a previous endpoint with the same id.
func (h *Hub) Join(id string) *Endpoint {
	ep := &Endpoint{hub: h, id: id}
	h.mu.Lock()
	h.eps[id] = ep
	h.mu.Unlock()
	return ep
}

func (h *Hub) leave(ep *Endpoint) {
	h.mu.Lock()
	if h.eps[ep.id] == ep {
		delete(h.eps, ep.id)
	}
	h.mu.Unlock()
}

func (h *Hub) targets(from, to string) ([]*Endpoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if to != "" {
		ep, ok := h.eps[to]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
		}
		return []*Endpoint{ep}, nil
	}
	out := make([]*Endpoint, 0, len(h.eps))
	for id, ep := range h.eps {
		if id != from {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Endpoint is one member of a Hub. Handlers run on the sender's goroutine.
type Endpoint struct {
	hub    *Hub
	id     string
	mu     sync.RWMutex
	fn     func(string, []byte)
	closed bool
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Send(ctx context.Context, target string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	eps, err := e.hub.targets(e.id, target)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		ep.deliver(e.id, append([]byte(nil), payload...))
	}
	return nil
}

func (e *Endpoint) deliver(from string, payload []byte) {
	e.mu.RLock()
	fn, closed := e.fn, e.closed
	e.mu.RUnlock()
	if fn != nil && !closed {
		fn(from, payload)
	}
}

func (e *Endpoint) OnReceive(fn func(string, []byte)) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}

// New builds the transport named by cfg.Kind for the node self. hub backs
// the memory kind; nil creates a private one.
func New(ctx context.Context, cfg config.SignalingConfig, self string, hub *Hub, log *zap.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "memory":
		if hub == nil {
			hub = NewHub()
		}
		return hub.Join(self), nil
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
			Self:     self,
			Logger:   log,
		})
	default:
		return nil, fmt.Errorf("signaling: unknown kind %q", cfg.Kind)
	}
}
