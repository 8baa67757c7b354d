package protocol

import (
	"encoding/binary"
	"errors"
)

// Fixed header layout (48 bytes). All integers are little-endian.
//
//	0  ..1   Magic      'S''C' (0x5343)
//	2        Version    u8
//	3        Type       u8
//	4  ..7   Flags      u32
//	8        Priority   u8
//	9        HopLimit   u8
//	10 ..11  Reserved   u16
//	12 ..15  PayloadLen u32
//	16 ..31  MessageID  [16]byte
//	32 ..39  Timestamp  i64 (unix ms)
//	40 ..43  TTL        u32 (ms, 0 = none)
//	44 ..47  Reserved2  u32
const (
	HeaderSize = 48
	magicWord  = uint16(0x5343)
)

var (
	ErrShortHeader = errors.New("protocol: short header")
	ErrBadMagic    = errors.New("protocol: bad magic")
	ErrBadVersion  = errors.New("protocol: unsupported version")
)

// Header describes one frame.
type Header struct {
	Version    uint8
	Type       uint8
	Flags      uint32
	Priority   uint8
	HopLimit   uint8
	PayloadLen uint32
	MessageID  [16]byte
	Timestamp  int64
	TTLMillis  uint32
}

// HasFlag reports whether flag is set.
func (h *Header) HasFlag(flag uint32) bool { return h.Flags&flag != 0 }

// SetFlag sets or clears flag.
func (h *Header) SetFlag(flag uint32, on bool) {
	if on {
		h.Flags |= flag
	} else {
		h.Flags &^= flag
	}
}

// MarshalBinary encodes the header into HeaderSize bytes.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

func (h *Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Type
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	buf[8] = h.Priority
	buf[9] = h.HopLimit
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	copy(buf[16:32], h.MessageID[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[40:44], h.TTLMillis)
}

// UnmarshalBinary decodes a header from buf.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return ErrBadMagic
	}
	h.Version = buf[2]
	if h.Version == 0 || h.Version > Version {
		return ErrBadVersion
	}
	h.Type = buf[3]
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.Priority = buf[8]
	h.HopLimit = buf[9]
	h.PayloadLen = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.MessageID[:], buf[16:32])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[32:40]))
	h.TTLMillis = binary.LittleEndian.Uint32(buf[40:44])
	return nil
}
