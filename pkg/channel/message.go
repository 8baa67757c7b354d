package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages; higher values are more urgent.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("channel: unknown priority %q", s)
}

// Message is one unit handed to an adapter. It is transient: nothing keeps it
// past send or TTL.
type Message struct {
	ID          string
	Content     []byte
	SenderID    string
	RecipientID string // empty broadcasts on the channel
	// Channel is the kind a message arrived on, or the preferred kind for a
	// send; KindUnknown lets the fallback order decide.
	Channel   Kind
	Priority  Priority
	TTL       time.Duration // 0 = no expiry
	HopLimit  int
	Timestamp time.Time
	Encrypted bool
	// Control marks control-plane traffic, which is never encrypted.
	Control bool
}

// NewMessage returns a normal-priority message with a fresh id.
func NewMessage(content []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Content:   content,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}

// Expired reports whether the TTL elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.TTL
}

// Clone returns a copy that shares nothing with m.
func (m *Message) Clone() *Message {
	c := *m
	c.Content = append([]byte(nil), m.Content...)
	return &c
}
