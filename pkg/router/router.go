// Package router keeps the mesh adjacency as sets keyed by peer id and
// answers shortest-path queries over it with breadth-first search.
//
// Edges are undirected. Direct edges belong to this node's open links and
// live until removed; learned edges come from paths carried on envelopes and
// from neighbor advertisements, and expire after the table's TTL unless
// refreshed.
package router

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNoRoute = errors.New("router: no route")

type edge struct {
	direct  bool
	updated time.Time
}

// Route is the current best path from the local node to Target.
type Route struct {
	Target  string   `json:"target"`
	NextHop string   `json:"next_hop"`
	Hops    int      `json:"hops"`
	Path    []string `json:"path"`
}

type Table struct {
	local string
	ttl   time.Duration
	now   func() time.Time

	mu  sync.RWMutex
	adj map[string]map[string]edge
}

// NewTable returns a table rooted at local. ttl <= 0 keeps learned edges
// until removed.
func NewTable(local string, ttl time.Duration, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{local: local, ttl: ttl, now: now, adj: make(map[string]map[string]edge)}
}

func (t *Table) Local() string { return t.local }

func (t *Table) putLocked(a, b string, e edge) {
	if a == "" || b == "" || a == b {
		return
	}
	for _, p := range [2][2]string{{a, b}, {b, a}} {
		m := t.adj[p[0]]
		if m == nil {
			m = make(map[string]edge)
			t.adj[p[0]] = m
		}
		if cur, ok := m[p[1]]; ok && cur.direct {
			e.direct = true
		}
		m[p[1]] = e
	}
}

func (t *Table) deleteLocked(a, b string) bool {
	m, ok := t.adj[a]
	if !ok {
		return false
	}
	if _, ok := m[b]; !ok {
		return false
	}
	delete(m, b)
	if len(m) == 0 {
		delete(t.adj, a)
	}
	if m := t.adj[b]; m != nil {
		delete(m, a)
		if len(m) == 0 {
			delete(t.adj, b)
		}
	}
	return true
}

// AddLink records an open link between a and b.
func (t *Table) AddLink(a, b string) {
	t.mu.Lock()
	t.putLocked(a, b, edge{direct: true, updated: t.now()})
	t.mu.Unlock()
}

// RemoveLink drops the edge between a and b whatever its origin.
func (t *Table) RemoveLink(a, b string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(a, b)
}

// RemovePeer drops every edge touching id.
func (t *Table) RemovePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nb := range t.adj[id] {
		if m := t.adj[nb]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.adj, nb)
			}
		}
	}
	delete(t.adj, id)
}

// LearnPath records each consecutive pair of path as a learned edge.
func (t *Table) LearnPath(path []string) {
	if len(path) < 2 {
		return
	}
	now := t.now()
	t.mu.Lock()
	for i := 1; i < len(path); i++ {
		t.putLocked(path[i-1], path[i], edge{updated: now})
	}
	t.mu.Unlock()
}

// SetNeighbors replaces the learned edges of id with neighbors. Direct edges
// to the local node are left alone; this node knows its own links better.
func (t *Table) SetNeighbors(id string, neighbors []string) {
	if id == t.local {
		return
	}
	now := t.now()
	keep := make(map[string]bool, len(neighbors))
	for _, nb := range neighbors {
		keep[nb] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for nb, e := range t.adj[id] {
		if !keep[nb] && !e.direct {
			t.deleteLocked(id, nb)
		}
	}
	for _, nb := range neighbors {
		if nb == t.local {
			continue
		}
		t.putLocked(id, nb, edge{updated: now})
	}
}

// Expire drops learned edges older than the TTL at now.
func (t *Table) Expire(now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for a, m := range t.adj {
		for b, e := range m {
			if !e.direct && now.Sub(e.updated) > t.ttl && a < b {
				t.deleteLocked(a, b)
				n++
			}
		}
	}
	return n
}

// Neighbors returns the sorted adjacency of id.
func (t *Table) Neighbors(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.neighborsLocked(id)
}

func (t *Table) neighborsLocked(id string) []string {
	m := t.adj[id]
	out := make([]string, 0, len(m))
	for nb := range m {
		out = append(out, nb)
	}
	sort.Strings(out)
	return out
}

// HasLink reports whether a and b share an edge.
func (t *Table) HasLink(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.adj[a][b]
	return ok
}

// ShortestPath returns the hop-minimal path from src to dst, both included.
// Neighbors are visited in id order so equal-length paths resolve the same
// way on every call.
func (t *Table) ShortestPath(src, dst string) ([]string, bool) {
	if src == dst {
		return []string{src}, true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	prev := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.neighborsLocked(cur) {
			if _, seen := prev[nb]; seen {
				continue
			}
			prev[nb] = cur
			if nb == dst {
				return buildPath(prev, src, dst), true
			}
			queue = append(queue, nb)
		}
	}
	return nil, false
}

func buildPath(prev map[string]string, src, dst string) []string {
	var rev []string
	for at := dst; at != src; at = prev[at] {
		rev = append(rev, at)
	}
	rev = append(rev, src)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// NextHop returns the first hop from the local node toward dst and the full
// path.
func (t *Table) NextHop(dst string) (string, []string, error) {
	path, ok := t.ShortestPath(t.local, dst)
	if !ok || len(path) < 2 {
		return "", nil, ErrNoRoute
	}
	return path[1], path, nil
}

// Routes lists a route to every node reachable from the local node.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	targets := make([]string, 0, len(t.adj))
	for id := range t.adj {
		if id != t.local {
			targets = append(targets, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(targets)
	out := make([]Route, 0, len(targets))
	for _, dst := range targets {
		if path, ok := t.ShortestPath(t.local, dst); ok {
			out = append(out, Route{Target: dst, NextHop: path[1], Hops: len(path) - 1, Path: path})
		}
	}
	return out
}

// Len counts undirected edges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.adj {
		n += len(m)
	}
	return n / 2
}

func (t *Table) Reset() {
	t.mu.Lock()
	t.adj = make(map[string]map[string]edge)
	t.mu.Unlock()
}
