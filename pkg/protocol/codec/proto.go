package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a deterministic Protocol Buffers codec. proto.Message values
// are encoded as themselves; untyped content (maps, slices, scalars) travels
// as a google.protobuf.Value.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return p.mo.Marshal(msg)
	}
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %T: %w", v, err)
	}
	return p.mo.Marshal(val)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	switch dst := v.(type) {
	case proto.Message:
		return p.uo.Unmarshal(data, dst)
	case *any:
		val := new(structpb.Value)
		if err := p.uo.Unmarshal(data, val); err != nil {
			return err
		}
		*dst = val.AsInterface()
		return nil
	case *map[string]any:
		val := new(structpb.Value)
		if err := p.uo.Unmarshal(data, val); err != nil {
			return err
		}
		s := val.GetStructValue()
		if s == nil {
			return fmt.Errorf("protobuf: value is %T, not a struct", val.GetKind())
		}
		*dst = s.AsMap()
		return nil
	default:
		return fmt.Errorf("protobuf: unsupported target %T", v)
	}
}
