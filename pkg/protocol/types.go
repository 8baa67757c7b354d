// Package protocol defines the on-wire frame used by stream-based channel
// adapters: a fixed little-endian header followed by a format-prefixed body.
package protocol

// Frame types (u8).
const (
	FrameUnknown uint8 = iota
	FrameHello         // session identity exchange
	FrameMessage       // one channel Message
)

// Flags bitmask (u32).
const (
	FlagEncrypted uint32 = 1 << 0 // content is AEAD ciphertext
	FlagControl   uint32 = 1 << 1 // control-plane traffic, never encrypted
	FlagAddressed uint32 = 1 << 2 // recipient id is set
)

// Content types used as codec registry keys.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
	ContentMsgpack = "application/msgpack"
)

// Version is the current frame version.
const Version uint8 = 1
