package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// rawMessage 是代理层的消息容器：
// - payload 保存一条 Nacos Payload 的原始 protobuf bytes（不含 gRPC 帧头）
// - RawCodec 会把 RecvMsg/SendMsg 的 v 识别为 *rawMessage，并直接读写 payload
type rawMessage struct {
	// payload 为一条 protobuf message 的原始序列化结果。
	payload []byte
}

// ProtoCodec 是最小可用的 proto 编解码实现，仅用于 fallback。
type ProtoCodec struct{}

func (ProtoCodec) Name() string {
	// 名称保持为 "proto"，与 gRPC 默认 proto codec 语义一致。
	return "proto"
}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("expected proto.Message, got %T", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("expected proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, m)
}

// BaseProtoCodec 提供标准 proto 编解码能力，供非代理路径回退使用。
var BaseProtoCodec encoding.Codec = ProtoCodec{}

// RawCodec 是代理 codec：
// - 若 v 是 *rawMessage：直接透传 payload bytes，交给 bridge 改写
// - 否则：回退到 BaseProtoCodec
type RawCodec struct{}

func (RawCodec) Name() string {
	return BaseProtoCodec.Name()
}

func (RawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return BaseProtoCodec.Marshal(v)
	}

	// 直接返回 payload，由调用方保证发送期间不再修改。
	return m.payload, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return BaseProtoCodec.Unmarshal(data, v)
	}

	// 空消息时显式置空，避免复用容器残留上一条数据。
	if len(data) == 0 {
		m.payload = nil
		return nil
	}

	// data 属于 grpc 内部缓冲区，必须拷贝。
	m.payload = append(m.payload[:0], data...)

	return nil
}
