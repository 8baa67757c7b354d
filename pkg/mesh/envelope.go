package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol/codec"
)

var ErrUnknownType = errors.New("mesh: unknown envelope type")

type MessageType uint8

const (
	TypeData MessageType = iota + 1
	TypeHeartbeat
	TypeDiscovery
	TypeRouting
	TypeSync
)

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeDiscovery:
		return "discovery"
	case TypeRouting:
		return "routing"
	case TypeSync:
		return "sync"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Control reports whether t is control-plane traffic: sent unencrypted and
// ahead of data in the forward queue.
func (t MessageType) Control() bool {
	return t == TypeHeartbeat || t == TypeDiscovery || t == TypeRouting
}

// Body is one envelope variant. Each carries only its own fields.
type Body interface {
	Type() MessageType
}

// Data is an application payload.
type Data struct {
	Payload  []byte           `cbor:"1,keyasint" msgpack:"payload" json:"payload"`
	Priority channel.Priority `cbor:"2,keyasint,omitempty" msgpack:"prio" json:"priority,omitempty"`
}

// Heartbeat proves a direct link is alive. It is never forwarded.
type Heartbeat struct {
	Seq uint64 `cbor:"1,keyasint" msgpack:"seq" json:"seq"`
}

// Advertisement describes a mesh node to prospective neighbors.
type Advertisement struct {
	PeerID          string   `cbor:"1,keyasint" msgpack:"id" json:"peer_id"`
	DisplayName     string   `cbor:"2,keyasint,omitempty" msgpack:"name" json:"display_name,omitempty"`
	ProtocolVersion string   `cbor:"3,keyasint" msgpack:"ver" json:"protocol_version"`
	Capabilities    []string `cbor:"4,keyasint,omitempty" msgpack:"caps" json:"capabilities,omitempty"`
}

// Discovery asks for (Request) or answers with an advertisement.
type Discovery struct {
	Request bool          `cbor:"1,keyasint,omitempty" msgpack:"req" json:"request,omitempty"`
	Ad      Advertisement `cbor:"2,keyasint" msgpack:"ad" json:"ad"`
}

// Routing advertises the sender's direct neighbors.
type Routing struct {
	Neighbors []string `cbor:"1,keyasint" msgpack:"nbrs" json:"neighbors"`
}

// SyncKind distinguishes the halves of a document sync exchange.
type SyncKind uint8

const (
	SyncRequest SyncKind = iota + 1
	SyncResponse
)

// Sync carries an opaque document-sync payload.
type Sync struct {
	DocumentID string   `cbor:"1,keyasint" msgpack:"doc" json:"document_id"`
	Kind       SyncKind `cbor:"2,keyasint" msgpack:"kind" json:"kind"`
	Payload    []byte   `cbor:"3,keyasint" msgpack:"payload" json:"payload"`
}

func (Data) Type() MessageType      { return TypeData }
func (Heartbeat) Type() MessageType { return TypeHeartbeat }
func (Discovery) Type() MessageType { return TypeDiscovery }
func (Routing) Type() MessageType   { return TypeRouting }
func (Sync) Type() MessageType      { return TypeSync }

// Envelope is the unit the mesh moves between nodes. HopCount counts relay
// forwards: the source sends 0 and every relay adds one, so a received
// envelope always has HopCount <= MaxHops.
type Envelope struct {
	MeshID   string
	Source   string
	Target   string // empty floods
	HopCount int
	MaxHops  int
	// Path lists the source and every relay, in order.
	Path []string
	Sent time.Time
	Body Body
}

func (e *Envelope) Type() MessageType {
	if e.Body == nil {
		return 0
	}
	return e.Body.Type()
}

// Visited reports whether id is on the traversed path.
func (e *Envelope) Visited(id string) bool {
	for _, p := range e.Path {
		if p == id {
			return true
		}
	}
	return false
}

// relayed returns the copy a relay forwards.
func (e *Envelope) relayed(self string) *Envelope {
	c := *e
	c.HopCount++
	c.Path = append(append([]string(nil), e.Path...), self)
	return &c
}

type wireEnvelope struct {
	MeshID   string      `cbor:"1,keyasint" msgpack:"id" json:"id"`
	Source   string      `cbor:"2,keyasint" msgpack:"src" json:"src"`
	Target   string      `cbor:"3,keyasint,omitempty" msgpack:"dst" json:"dst,omitempty"`
	HopCount int         `cbor:"4,keyasint" msgpack:"hop" json:"hop"`
	MaxHops  int         `cbor:"5,keyasint" msgpack:"max" json:"max"`
	Path     []string    `cbor:"6,keyasint" msgpack:"path" json:"path"`
	Type     MessageType `cbor:"7,keyasint" msgpack:"type" json:"type"`
	Sent     int64       `cbor:"8,keyasint,omitempty" msgpack:"sent" json:"sent,omitempty"`
	Body     []byte      `cbor:"9,keyasint" msgpack:"body" json:"body"`
}

// Codec encodes envelopes with one body format of the protocol package.
type Codec struct {
	reg    *codec.Registry
	format protocol.Format
}

func NewCodec(reg *codec.Registry, f protocol.Format) *Codec {
	if reg == nil {
		reg = codec.NewRegistry()
	}
	if f == protocol.FormatUnknown {
		f = protocol.FormatCBOR
	}
	return &Codec{reg: reg, format: f}
}

func (c *Codec) Encode(e *Envelope) ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrUnknownType)
	}
	bc, err := protocol.CodecFor(c.reg, c.format)
	if err != nil {
		return nil, err
	}
	body, err := bc.Marshal(e.Body)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		MeshID:   e.MeshID,
		Source:   e.Source,
		Target:   e.Target,
		HopCount: e.HopCount,
		MaxHops:  e.MaxHops,
		Path:     e.Path,
		Type:     e.Body.Type(),
		Body:     body,
	}
	if !e.Sent.IsZero() {
		w.Sent = e.Sent.UnixMilli()
	}
	return protocol.EncodeBody(c.reg, c.format, w)
}

// Decode accepts any format the registry knows, whatever this codec writes.
func (c *Codec) Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	f, err := protocol.DecodeBody(c.reg, b, &w)
	if err != nil {
		return nil, err
	}
	var body Body
	switch w.Type {
	case TypeData:
		body, err = decodeBody[Data](c.reg, f, w.Body)
	case TypeHeartbeat:
		body, err = decodeBody[Heartbeat](c.reg, f, w.Body)
	case TypeDiscovery:
		body, err = decodeBody[Discovery](c.reg, f, w.Body)
	case TypeRouting:
		body, err = decodeBody[Routing](c.reg, f, w.Body)
	case TypeSync:
		body, err = decodeBody[Sync](c.reg, f, w.Body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, w.Type)
	}
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		MeshID:   w.MeshID,
		Source:   w.Source,
		Target:   w.Target,
		HopCount: w.HopCount,
		MaxHops:  w.MaxHops,
		Path:     w.Path,
		Body:     body,
	}
	if w.Sent != 0 {
		e.Sent = time.UnixMilli(w.Sent)
	}
	return e, nil
}

func decodeBody[T Body](reg *codec.Registry, f protocol.Format, b []byte) (Body, error) {
	c, err := protocol.CodecFor(reg, f)
	if err != nil {
		return nil, err
	}
	var v T
	if err := c.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
