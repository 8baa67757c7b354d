package mesh

import "sync/atomic"

// DropReason labels why an envelope went nowhere.
type DropReason string

const (
	DropNoRoute    DropReason = "no_route"
	DropHopLimit   DropReason = "hop_limit"
	DropDuplicate  DropReason = "duplicate"
	DropLoop       DropReason = "loop"
	DropDecode     DropReason = "decode"
	DropQueueFull  DropReason = "queue_full"
	DropSendFailed DropReason = "send_failed"
	DropVersion    DropReason = "version"
	DropPeerCap    DropReason = "peer_cap"
)

// DropReasons lists every reason in a stable order.
var DropReasons = []DropReason{
	DropNoRoute, DropHopLimit, DropDuplicate, DropLoop, DropDecode,
	DropQueueFull, DropSendFailed, DropVersion, DropPeerCap,
}

type counters struct {
	sent           atomic.Uint64
	forwarded      atomic.Uint64
	flooded        atomic.Uint64
	delivered      atomic.Uint64
	heartbeatsSent atomic.Uint64
	heartbeatsRecv atomic.Uint64
	evictions      atomic.Uint64
	failedConnects atomic.Uint64
	// dropped is filled once by newCounters and only read afterwards.
	dropped map[DropReason]*atomic.Uint64
}

func newCounters() *counters {
	c := &counters{dropped: make(map[DropReason]*atomic.Uint64, len(DropReasons))}
	for _, r := range DropReasons {
		c.dropped[r] = new(atomic.Uint64)
	}
	return c
}

func (c *counters) drop(r DropReason) {
	if n, ok := c.dropped[r]; ok {
		n.Add(1)
	}
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Sent           uint64                `json:"sent"`
	Forwarded      uint64                `json:"forwarded"`
	Flooded        uint64                `json:"flooded"`
	Delivered      uint64                `json:"delivered"`
	HeartbeatsSent uint64                `json:"heartbeats_sent"`
	HeartbeatsRecv uint64                `json:"heartbeats_received"`
	Evictions      uint64                `json:"evictions"`
	FailedConnects uint64                `json:"failed_connects"`
	Dropped        map[DropReason]uint64 `json:"dropped"`
}

// TotalDropped sums every drop reason.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Sent:           c.sent.Load(),
		Forwarded:      c.forwarded.Load(),
		Flooded:        c.flooded.Load(),
		Delivered:      c.delivered.Load(),
		HeartbeatsSent: c.heartbeatsSent.Load(),
		HeartbeatsRecv: c.heartbeatsRecv.Load(),
		Evictions:      c.evictions.Load(),
		FailedConnects: c.failedConnects.Load(),
		Dropped:        make(map[DropReason]uint64, len(DropReasons)),
	}
	for r, n := range c.dropped {
		s.Dropped[r] = n.Load()
	}
	return s
}
