package protocol

import (
	"fmt"
	"strings"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of body encoding, carried as the
// first byte of a frame body.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	case FormatMsgpack:
		return ContentMsgpack
	default:
		return ContentUnknown
	}
}

// ParseFormat accepts short names ("cbor", "json", "proto", "msgpack") or
// content types.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbor", ContentCBOR:
		return FormatCBOR, nil
	case "json", ContentJSON:
		return FormatJSON, nil
	case "proto", "protobuf", ContentProto:
		return FormatProto, nil
	case "msgpack", ContentMsgpack:
		return FormatMsgpack, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format: %q", s)
	}
}

// CodecFor returns the codec registered for f.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	if f == FormatUnknown {
		return nil, fmt.Errorf("unknown format: %d", f)
	}
	if r != nil {
		if c := r.Get(f.String()); c != nil {
			return c, nil
		}
	}
	switch f {
	case FormatJSON:
		return codec.JSON(), nil
	case FormatCBOR:
		return codec.CBOR()
	case FormatProto:
		return codec.Proto(), nil
	case FormatMsgpack:
		return codec.Msgpack(), nil
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

// EncodeBody serializes v using the codec for f and prefixes the payload
// with a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}
