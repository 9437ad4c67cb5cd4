// Package payload 实现 Nacos gRPC 通用信封（Payload）的二进制编解码。
//
// 对应的 proto 定义：
//
//	message Metadata {
//	  string type = 3;
//	  map<string, string> headers = 7;
//	  string clientIp = 8;
//	}
//	message Payload {
//	  Metadata metadata = 2;
//	  google.protobuf.Any body = 3;
//	}
//
// 未识别的字段按原始字节保留，重新编码时原样写回。
package payload

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	fieldPayloadMetadata protowire.Number = 2
	fieldPayloadBody     protowire.Number = 3

	fieldMetadataType     protowire.Number = 3
	fieldMetadataHeaders  protowire.Number = 7
	fieldMetadataClientIP protowire.Number = 8

	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2
)

var (
	// ErrDecode 表示信封字节不是合法的 Payload 编码。
	ErrDecode = errors.New("payload: malformed envelope")
	// ErrEncode 表示信封处于无法序列化的状态。
	ErrEncode = errors.New("payload: cannot encode envelope")
)

// Metadata 是信封的元数据部分。
type Metadata struct {
	// Type 标识消息种类，例如 SubscribeServiceResponse。
	Type string
	// ClientIP 为客户端地址。
	ClientIP string
	// Headers 为透传的请求头。
	Headers map[string]string

	unknown []byte
}

// Envelope 是解码后的 Payload。
type Envelope struct {
	Metadata *Metadata
	Body     *anypb.Any

	unknown []byte
}

// New 构造一个只带类型与 body 的信封。
func New(messageType string, body []byte) *Envelope {
	return &Envelope{
		Metadata: &Metadata{Type: messageType},
		Body:     &anypb.Any{Value: body},
	}
}

// Type 返回 metadata.type，没有 metadata 时返回空串。
func (e *Envelope) Type() string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata.Type
}

// BodyValue 返回 body.value。
func (e *Envelope) BodyValue() []byte {
	if e == nil || e.Body == nil {
		return nil
	}
	return e.Body.GetValue()
}

// SetBodyValue 替换 body.value，type_url 与 body 上的其它字段保持不变。
func (e *Envelope) SetBodyValue(v []byte) {
	if e.Body == nil {
		e.Body = &anypb.Any{}
	}
	e.Body.Value = v
}

// Decode 解析 Payload 二进制编码。
func Decode(b []byte) (*Envelope, error) {
	env := &Envelope{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeError("payload tag", protowire.ParseError(n))
		}

		switch {
		case num == fieldPayloadMetadata && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b[n:])
			if m < 0 {
				return nil, decodeError("metadata", protowire.ParseError(m))
			}
			// 同一 message 字段多次出现时按 proto 语义合并。
			if env.Metadata == nil {
				env.Metadata = &Metadata{}
			}
			if err := decodeMetadata(env.Metadata, v); err != nil {
				return nil, err
			}
			n += m
		case num == fieldPayloadBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b[n:])
			if m < 0 {
				return nil, decodeError("body", protowire.ParseError(m))
			}
			if env.Body == nil {
				env.Body = &anypb.Any{}
			}
			if err := (proto.UnmarshalOptions{Merge: true}).Unmarshal(v, env.Body); err != nil {
				return nil, decodeError("body", err)
			}
			n += m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b[n:])
			if m < 0 {
				return nil, decodeError("payload field", protowire.ParseError(m))
			}
			env.unknown = append(env.unknown, b[:n+m]...)
			n += m
		}

		b = b[n:]
	}

	return env, nil
}

func decodeMetadata(md *Metadata, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeError("metadata tag", protowire.ParseError(n))
		}

		switch {
		case num == fieldMetadataType && typ == protowire.BytesType:
			v, m, err := consumeString(b[n:], "metadata.type")
			if err != nil {
				return err
			}
			md.Type = v
			n += m
		case num == fieldMetadataClientIP && typ == protowire.BytesType:
			v, m, err := consumeString(b[n:], "metadata.clientIp")
			if err != nil {
				return err
			}
			md.ClientIP = v
			n += m
		case num == fieldMetadataHeaders && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b[n:])
			if m < 0 {
				return decodeError("metadata.headers", protowire.ParseError(m))
			}
			key, value, err := decodeHeaderEntry(v)
			if err != nil {
				return err
			}
			if md.Headers == nil {
				md.Headers = make(map[string]string)
			}
			md.Headers[key] = value
			n += m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b[n:])
			if m < 0 {
				return decodeError("metadata field", protowire.ParseError(m))
			}
			md.unknown = append(md.unknown, b[:n+m]...)
			n += m
		}

		b = b[n:]
	}

	return nil
}

func decodeHeaderEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", decodeError("header entry tag", protowire.ParseError(n))
		}

		switch {
		case num == fieldMapKey && typ == protowire.BytesType:
			v, m, err := consumeString(b[n:], "header key")
			if err != nil {
				return "", "", err
			}
			key = v
			n += m
		case num == fieldMapValue && typ == protowire.BytesType:
			v, m, err := consumeString(b[n:], "header value")
			if err != nil {
				return "", "", err
			}
			value = v
			n += m
		default:
			// map entry 中的未知字段按 proto 语义丢弃。
			m := protowire.ConsumeFieldValue(num, typ, b[n:])
			if m < 0 {
				return "", "", decodeError("header entry field", protowire.ParseError(m))
			}
			n += m
		}

		b = b[n:]
	}

	return key, value, nil
}

// consumeString 读取一个 proto3 string，并与 protobuf-go 一样拒绝非法 UTF-8。
func consumeString(b []byte, what string) (string, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", 0, decodeError(what, protowire.ParseError(n))
	}
	if !utf8.Valid(v) {
		return "", 0, fmt.Errorf("%w: %s: invalid UTF-8", ErrDecode, what)
	}
	return string(v), n, nil
}

func decodeError(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecode, what, err)
}

// Encode 按字段号顺序确定性地序列化信封，headers 按 key 排序。
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncode)
	}

	var b []byte
	if env.Metadata != nil {
		b = protowire.AppendTag(b, fieldPayloadMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMetadata(env.Metadata))
	}
	if env.Body != nil {
		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(env.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrEncode, err)
		}
		b = protowire.AppendTag(b, fieldPayloadBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}

	return append(b, env.unknown...), nil
}

func encodeMetadata(md *Metadata) []byte {
	var b []byte
	if md.Type != "" {
		b = protowire.AppendTag(b, fieldMetadataType, protowire.BytesType)
		b = protowire.AppendString(b, md.Type)
	}

	keys := make([]string, 0, len(md.Headers))
	for k := range md.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldMapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldMapValue, protowire.BytesType)
		entry = protowire.AppendString(entry, md.Headers[k])

		b = protowire.AppendTag(b, fieldMetadataHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if md.ClientIP != "" {
		b = protowire.AppendTag(b, fieldMetadataClientIP, protowire.BytesType)
		b = protowire.AppendString(b, md.ClientIP)
	}

	return append(b, md.unknown...)
}
