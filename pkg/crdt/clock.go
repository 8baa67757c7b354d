package crdt

import "sort"

// VectorClock maps peer id to the count of that peer's operations seen.
type VectorClock map[string]uint64

func (v VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Merge raises every component of v to at least o's and returns v.
func (v VectorClock) Merge(o VectorClock) VectorClock {
	for k, n := range o {
		if n > v[k] {
			v[k] = n
		}
	}
	return v
}

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare reports how v relates to o. Absent components count as 0.
func (v VectorClock) Compare(o VectorClock) Ordering {
	less, greater := false, false
	for k, n := range v {
		switch m := o[k]; {
		case n < m:
			less = true
		case n > m:
			greater = true
		}
	}
	for k, m := range o {
		if _, ok := v[k]; !ok && m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports v >= o component-wise.
func (v VectorClock) Dominates(o VectorClock) bool {
	c := v.Compare(o)
	return c == After || c == Equal
}

// IsConcurrent reports that neither clock dominates the other.
func IsConcurrent(a, b VectorClock) bool { return a.Compare(b) == Concurrent }

// Peers returns the clock's peer ids in order.
func (v VectorClock) Peers() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lamport is a logical counter tagged with its originating peer. Ordering
// is by counter; equal counters order by peer id, so the lexicographically
// greater peer id is the later stamp and wins every tie.
type Lamport struct {
	Counter uint64 `msgpack:"c" json:"counter"`
	PeerID  string `msgpack:"p" json:"peer_id"`
}

func (a Lamport) Before(b Lamport) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.PeerID < b.PeerID
}

func (a Lamport) IsZero() bool { return a.Counter == 0 && a.PeerID == "" }

// IsOperationNewer reports whether every component of op's clock strictly
// exceeds the same component of clock. An operation with an empty clock is
// vacuously newer.
func IsOperationNewer(op Operation, clock VectorClock) bool {
	for k, n := range op.Clock {
		if n <= clock[k] {
			return false
		}
	}
	return true
}
