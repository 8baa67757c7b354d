// Package health samples every active channel on a fixed interval and
// classifies it from the measurements alone.
package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "failed":
		*s = StatusFailed
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("health: unknown status %q", b)
	}
	return nil
}

// ChannelHealth is the latest measurement of one channel.
type ChannelHealth struct {
	Channel        channel.Kind  `json:"channel"`
	Status         Status        `json:"status"`
	Latency        time.Duration `json:"latency"`
	Throughput     float64       `json:"throughput"` // bytes per second
	ErrorRate      float64       `json:"error_rate"`
	LastSeen       time.Time     `json:"last_seen"`
	SignalStrength float64       `json:"signal_strength"`
	PeerCount      int           `json:"peer_count"`
	Attempts       int           `json:"attempts"`
}

// Thresholds are the bucket boundaries of Classify.
//
//	failed:   error rate >= FailedErrorRate or latency >= FailedLatency
//	degraded: error rate >= DegradedErrorRate, latency >= DegradedLatency,
//	          or signal strength < MinSignal
//	unknown:  never seen, or not refreshed for longer than the stale window
//	healthy:  otherwise
type Thresholds struct {
	DegradedErrorRate float64
	FailedErrorRate   float64
	DegradedLatency   time.Duration
	FailedLatency     time.Duration
	MinSignal         float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedErrorRate: 0.2,
		FailedErrorRate:   0.5,
		DegradedLatency:   500 * time.Millisecond,
		FailedLatency:     2 * time.Second,
		MinSignal:         0.1,
	}
}

// Classify derives a status from h. stale <= 0 disables the staleness check.
func (t Thresholds) Classify(h ChannelHealth, now time.Time, stale time.Duration) Status {
	if h.LastSeen.IsZero() || (stale > 0 && now.Sub(h.LastSeen) > stale) {
		return StatusUnknown
	}
	switch {
	case h.ErrorRate >= t.FailedErrorRate, t.FailedLatency > 0 && h.Latency >= t.FailedLatency:
		return StatusFailed
	case h.ErrorRate >= t.DegradedErrorRate,
		t.DegradedLatency > 0 && h.Latency >= t.DegradedLatency,
		h.SignalStrength < t.MinSignal:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
