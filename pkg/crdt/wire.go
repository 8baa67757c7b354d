package crdt

import "github.com/vmihailenco/msgpack/v5"

// SyncRequest opens a handshake: the sender's clock and the operations it
// believes the receiver lacks.
type SyncRequest struct {
	DocumentID string      `msgpack:"doc"`
	Clock      VectorClock `msgpack:"clock"`
	Operations []Operation `msgpack:"ops,omitempty"`
}

// SyncResponse returns what the requester should pull.
type SyncResponse struct {
	DocumentID string      `msgpack:"doc"`
	Clock      VectorClock `msgpack:"clock"`
	Operations []Operation `msgpack:"ops,omitempty"`
	Conflicts  int         `msgpack:"conflicts,omitempty"`
}

func EncodeRequest(r SyncRequest) ([]byte, error) { return msgpack.Marshal(r) }

func DecodeRequest(b []byte) (SyncRequest, error) {
	var r SyncRequest
	err := msgpack.Unmarshal(b, &r)
	return r, err
}

func EncodeResponse(r SyncResponse) ([]byte, error) { return msgpack.Marshal(r) }

func DecodeResponse(b []byte) (SyncResponse, error) {
	var r SyncResponse
	err := msgpack.Unmarshal(b, &r)
	return r, err
}
