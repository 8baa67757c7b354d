// Package selection ranks channels for one message from their health and a
// preference profile. Its answer is advisory; the channel layer still falls
// back through its own order when the chosen channel fails.
package selection

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/health"
)

var ErrNoChannels = errors.New("selection: no available channels")

// Score ceilings. Health and preference together never exceed 100.
const (
	maxStatus      = 40.0
	maxLatency     = 10.0
	maxSignal      = 10.0
	maxPeers       = 10.0
	maxAffinity    = 12.0
	maxPrivacy     = 8.0
	maxLatencyFit  = 5.0
	maxReliability = 5.0

	// latencyFloor is where the latency component reaches zero.
	latencyFloor = time.Second
	// MaxAlternates is how many runners-up a Decision carries.
	MaxAlternates = 3
)

type Privacy uint8

const (
	PrivacyLow Privacy = iota
	PrivacyMedium
	PrivacyHigh
)

func (p Privacy) String() string {
	switch p {
	case PrivacyMedium:
		return "medium"
	case PrivacyHigh:
		return "high"
	default:
		return "low"
	}
}

func ParsePrivacy(s string) (Privacy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return PrivacyLow, nil
	case "medium":
		return PrivacyMedium, nil
	case "high":
		return PrivacyHigh, nil
	default:
		return PrivacyLow, fmt.Errorf("selection: unknown privacy level %q", s)
	}
}

// PrivacyOf is the privacy class of a medium: point-to-point and local media
// are high, shared media low.
func PrivacyOf(k channel.Kind) Privacy {
	switch k {
	case channel.DirectLink, channel.LocalPipe, channel.InProcess:
		return PrivacyHigh
	case channel.Wired, channel.ShortRangeRadio:
		return PrivacyMedium
	default:
		return PrivacyLow
	}
}

// Profile expresses caller preferences.
type Profile struct {
	Preferred      []channel.Kind
	Privacy        Privacy
	MaxLatency     time.Duration
	MinReliability float64
}

// ProfileFromConfig parses the configured default profile.
func ProfileFromConfig(c config.SelectionConfig) (Profile, error) {
	p := Profile{MaxLatency: c.MaxLatency, MinReliability: c.MinReliability}
	var err error
	if p.Privacy, err = ParsePrivacy(c.Privacy); err != nil {
		return Profile{}, err
	}
	for _, name := range c.PreferredChannels {
		k, err := channel.ParseKind(name)
		if err != nil {
			return Profile{}, err
		}
		p.Preferred = append(p.Preferred, k)
	}
	return p, nil
}

// Choice is one scored channel.
type Choice struct {
	Channel    channel.Kind `json:"channel"`
	Score      float64      `json:"score"`
	Confidence float64      `json:"confidence"`
	Health     float64      `json:"health_score"`
	Preference float64      `json:"preference_score"`
}

// Decision is the top choice plus up to MaxAlternates runners-up.
type Decision struct {
	Choice
	Alternates []Choice `json:"alternates,omitempty"`
}

// Engine scores channels against a default profile.
type Engine struct {
	def Profile
	// PriorityLatency is the latency threshold applied to urgent messages
	// when the profile sets none.
	PriorityLatency map[channel.Priority]time.Duration
}

func New(def Profile) *Engine {
	return &Engine{
		def: def,
		PriorityLatency: map[channel.Priority]time.Duration{
			channel.PriorityCritical: 100 * time.Millisecond,
			channel.PriorityHigh:     250 * time.Millisecond,
		},
	}
}

// Select ranks available channels for msg. A nil profile uses the engine's
// default. Channels missing from hm score as unknown. Equal scores keep the
// order of available.
func (e *Engine) Select(msg *channel.Message, available []channel.Kind, hm map[channel.Kind]health.ChannelHealth, profile *Profile) (Decision, error) {
	if len(available) == 0 {
		return Decision{}, ErrNoChannels
	}
	p := e.def
	if profile != nil {
		p = *profile
	}
	if p.MaxLatency == 0 && msg != nil {
		p.MaxLatency = e.PriorityLatency[msg.Priority]
	}
	choices := make([]Choice, 0, len(available))
	for _, k := range available {
		h, ok := hm[k]
		if !ok {
			h = health.ChannelHealth{Channel: k, Status: health.StatusUnknown}
		}
		hs := HealthScore(h)
		ps := PreferenceScore(k, h, p)
		score := hs + ps
		choices = append(choices, Choice{Channel: k, Score: score, Confidence: Confidence(score), Health: hs, Preference: ps})
	}
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Score > choices[j].Score })
	d := Decision{Choice: choices[0]}
	rest := choices[1:]
	if len(rest) > MaxAlternates {
		rest = rest[:MaxAlternates]
	}
	d.Alternates = rest
	return d, nil
}

// Confidence maps a score onto [0,1].
func Confidence(score float64) float64 { return min(max(score, 0)/100, 1) }

// HealthScore is at most 70: status 40, latency 10, signal 10, peers 10.
func HealthScore(h health.ChannelHealth) float64 {
	var s float64
	switch h.Status {
	case health.StatusHealthy:
		s = maxStatus
	case health.StatusDegraded:
		s = maxStatus / 2
	case health.StatusUnknown:
		s = maxStatus / 4
	}
	if h.Attempts == 0 {
		s += maxLatency / 2
	} else {
		s += maxLatency * clamp01(1-float64(h.Latency)/float64(latencyFloor))
	}
	s += maxSignal * clamp01(h.SignalStrength)
	s += maxPeers * clamp01(float64(h.PeerCount)/5)
	return s
}

// PreferenceScore is at most 30: affinity 12, privacy 8, latency fit 5,
// reliability fit 5. Unset thresholds are met trivially; set ones need a
// measurement.
func PreferenceScore(k channel.Kind, h health.ChannelHealth, p Profile) float64 {
	var s float64
	for i, pk := range p.Preferred {
		if pk == k {
			n := float64(len(p.Preferred))
			s += maxAffinity * (n - float64(i)) / n
			break
		}
	}
	if PrivacyOf(k) >= p.Privacy {
		s += maxPrivacy
	}
	measured := h.Attempts > 0
	if p.MaxLatency <= 0 || (measured && h.Latency <= p.MaxLatency) {
		s += maxLatencyFit
	}
	if p.MinReliability <= 0 || (measured && 1-h.ErrorRate >= p.MinReliability) {
		s += maxReliability
	}
	return s
}

func clamp01(v float64) float64 { return min(max(v, 0), 1) }
