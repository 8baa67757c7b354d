package protocol

import "fmt"

// MaxPayload bounds a single frame body.
const MaxPayload = 1 << 24

// EncodeFrame writes header h followed by payload into one buffer.
// PayloadLen is set from payload.
func EncodeFrame(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: payload too large: %d", len(payload))
	}
	if h.Version == 0 {
		h.Version = Version
	}
	h.PayloadLen = uint32(len(payload))
	out := make([]byte, HeaderSize+len(payload))
	h.put(out)
	copy(out[HeaderSize:], payload)
	return out, nil
}

// DecodeFrame splits a buffer produced by EncodeFrame.
func DecodeFrame(b []byte) (Header, []byte, error) {
	var h Header
	if err := h.UnmarshalBinary(b); err != nil {
		return h, nil, err
	}
	body := b[HeaderSize:]
	if int(h.PayloadLen) != len(body) {
		return h, nil, fmt.Errorf("protocol: payload length mismatch: header=%d actual=%d", h.PayloadLen, len(body))
	}
	return h, body, nil
}
