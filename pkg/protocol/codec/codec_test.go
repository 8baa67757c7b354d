package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("unexpected decode: %#v", out)
	}
}

func TestCBORDecodesStringKeyedMaps(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(map[string]any{"nested": map[string]any{"n": 42}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("top level decoded as %T", out)
	}
	if _, ok := m["nested"].(map[string]any); !ok {
		t.Fatalf("nested map decoded as %T", m["nested"])
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	c, _ := CBOR()
	in := map[string]any{"z": 1, "a": 2, "m": 3}
	b1, _ := c.Marshal(in)
	b2, _ := c.Marshal(map[string]any{"m": 3, "a": 2, "z": 1})
	if string(b1) != string(b2) {
		t.Fatalf("canonical encoding differs")
	}
}

func TestMsgpackStruct(t *testing.T) {
	type rec struct {
		ID    string   `msgpack:"id"`
		Tags  []string `msgpack:"tags"`
		Count uint64   `msgpack:"count"`
	}
	c := Msgpack()
	b, err := c.Marshal(rec{ID: "p1", Tags: []string{"relay"}, Count: 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out rec
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != "p1" || out.Count != 7 || len(out.Tags) != 1 {
		t.Fatalf("unexpected decode: %#v", out)
	}
}

func TestProtoCodecMessages(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("value mismatch")
	}
}

func TestProtoCodecUntypedContent(t *testing.T) {
	c := Proto()
	b, err := c.Marshal(map[string]any{"text": "hi", "n": 3, "tags": []any{"a"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := c.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m["text"] != "hi" || m["n"].(float64) != 3 || len(m["tags"].([]any)) != 1 {
		t.Fatalf("unexpected decode: %#v", m)
	}

	b, err = c.Marshal("plain")
	if err != nil {
		t.Fatalf("marshal scalar: %v", err)
	}
	var out any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal any: %v", err)
	}
	if out != "plain" {
		t.Fatalf("scalar mismatch: %#v", out)
	}
	if err := c.Unmarshal(b, &m); err == nil {
		t.Fatalf("expected error decoding a scalar into a map")
	}
	if _, err := c.Marshal(struct{ X int }{1}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestRegistryPreloaded(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{"application/json", "application/cbor", "application/x-protobuf", "application/msgpack"} {
		if r.Get(ct) == nil {
			t.Fatalf("missing codec %s", ct)
		}
	}
}
