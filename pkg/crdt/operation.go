package crdt

import (
	"fmt"
	"strings"
	"time"
)

type OpType uint8

const (
	OpInsert OpType = iota + 1
	OpUpdate
	OpDelete // tombstone; the log keeps it
	OpMove
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	default:
		return fmt.Sprintf("op(%d)", uint8(t))
	}
}

func (t OpType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OpType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "insert":
		*t = OpInsert
	case "update":
		*t = OpUpdate
	case "delete":
		*t = OpDelete
	case "move":
		*t = OpMove
	default:
		return fmt.Errorf("crdt: unknown op type %q", b)
	}
	return nil
}

// Operation is immutable once stored.
type Operation struct {
	ID   string   `msgpack:"id" json:"id"`
	Type OpType   `msgpack:"type" json:"type"`
	Path []string `msgpack:"path" json:"path"`
	// To is the destination of a move.
	To        []string    `msgpack:"to,omitempty" json:"to,omitempty"`
	Value     any         `msgpack:"value,omitempty" json:"value,omitempty"`
	Timestamp Lamport     `msgpack:"ts" json:"timestamp"`
	Clock     VectorClock `msgpack:"clock" json:"clock"`
	CreatedAt time.Time   `msgpack:"at" json:"created_at"`
}

// before is the total order used for materialization and conflict winners.
func (op Operation) before(o Operation) bool {
	if op.Timestamp != o.Timestamp {
		return op.Timestamp.Before(o.Timestamp)
	}
	return op.ID < o.ID
}

// Reflected reports whether clock already covers op at its origin.
func (op Operation) Reflected(clock VectorClock) bool {
	origin := op.Timestamp.PeerID
	return clock[origin] >= op.Clock[origin]
}

func (op Operation) validate() error {
	switch {
	case op.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOperation)
	case op.Type < OpInsert || op.Type > OpMove:
		return fmt.Errorf("%w: type %d", ErrInvalidOperation, op.Type)
	case len(op.Path) == 0:
		return fmt.Errorf("%w: empty path", ErrInvalidOperation)
	case op.Type == OpMove && len(op.To) == 0:
		return fmt.Errorf("%w: move without destination", ErrInvalidOperation)
	case op.Timestamp.PeerID == "":
		return fmt.Errorf("%w: no origin", ErrInvalidOperation)
	}
	return nil
}

// HasPrefix reports whether prefix is a leading run of path (or equal).
func HasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// overlaps reports whether one path contains the other.
func overlaps(a, b []string) bool { return HasPrefix(a, b) || HasPrefix(b, a) }

func pathKey(p []string) string { return "/" + strings.Join(p, "/") }
