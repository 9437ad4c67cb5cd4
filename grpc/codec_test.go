package grpc

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestRawCodec_RawMessage(t *testing.T) {
	c := RawCodec{}

	data := []byte{0x12, 0x00}
	m := &rawMessage{}
	if err := c.Unmarshal(data, m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// 修改源数据不应影响已解出的 payload。
	data[0] = 0xff
	if m.payload[0] != 0x12 {
		t.Fatalf("payload aliases grpc buffer")
	}

	out, err := c.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != string([]byte{0x12, 0x00}) {
		t.Fatalf("payload mismatch: %x", out)
	}

	// 复用容器接收空消息时必须清空。
	if err := c.Unmarshal(nil, m); err != nil || m.payload != nil {
		t.Fatalf("empty message left payload %x (%v)", m.payload, err)
	}
}

func TestRawCodec_FallsBackToProto(t *testing.T) {
	c := RawCodec{}
	if c.Name() != "proto" {
		t.Fatalf("unexpected codec name %q", c.Name())
	}

	in := &anypb.Any{TypeUrl: "type.googleapis.com/x", Value: []byte("v")}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out := &anypb.Any{}
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !proto.Equal(in, out) {
		t.Fatalf("round trip mismatch: %v vs %v", in, out)
	}

	if _, err := c.Marshal("not a message"); err == nil {
		t.Fatalf("expected error for non proto value")
	}
}
