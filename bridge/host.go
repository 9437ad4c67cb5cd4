package bridge

import (
	"strings"

	"google.golang.org/grpc/codes"
)

// 本地应答使用的诊断信息，取值固定。
const (
	// DetailsDataTooSmall 表示 body 不足一个 gRPC 帧头。
	DetailsDataTooSmall = "grpc_bridge_data_too_small"
	// DetailsContentTypeWrong 表示遇到了不支持的 content-type。
	DetailsContentTypeWrong = "grpc_bridge_content_type_wrong"
)

const grpcContentType = "application/grpc"

// Status 是数据回调的返回值，告诉宿主如何处理当前分片。
type Status int

const (
	// Continue 表示当前分片（可能已被替换）继续向下游转发。
	Continue Status = iota
	// StopIterationNoBuffer 表示当前分片已被桥接器吸收或拒绝，宿主不应转发任何字节。
	StopIterationNoBuffer
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "Continue"
	case StopIterationNoBuffer:
		return "StopIterationNoBuffer"
	default:
		return "Unknown"
	}
}

// Buffer 是宿主暴露的出站分片缓冲区。
// 替换内容必须通过 Reset + Append 完成，宿主不保证原地赋值可见。
type Buffer interface {
	Bytes() []byte
	Len() int
	Reset()
	Append(p []byte)
}

// LocalReply 描述一次拒绝当前消息的本地应答。
type LocalReply struct {
	// HTTPStatus 为 HTTP 层状态码。
	HTTPStatus int
	// GRPCStatus 为 gRPC 层状态码。
	GRPCStatus codes.Code
	// Body 为简短的错误描述。
	Body string
	// Details 为机器可读的诊断信息。
	Details string
}

// Callbacks 是宿主提供给桥接器的能力。
type Callbacks interface {
	SendLocalReply(reply LocalReply)
}

// IsGrpcContentType 判断 content-type 是否为 gRPC（application/grpc 或 application/grpc+xxx / ;xxx）。
func IsGrpcContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if !strings.HasPrefix(ct, grpcContentType) {
		return false
	}
	if len(ct) == len(grpcContentType) {
		return true
	}
	switch ct[len(grpcContentType)] {
	case '+', ';':
		return true
	default:
		return false
	}
}

// OwnedBuffer 是 Buffer 的内存实现。
type OwnedBuffer struct {
	b []byte
}

// NewOwnedBuffer 用 p 的拷贝初始化缓冲区。
func NewOwnedBuffer(p []byte) *OwnedBuffer {
	return &OwnedBuffer{b: append([]byte(nil), p...)}
}

func (o *OwnedBuffer) Bytes() []byte { return o.b }

func (o *OwnedBuffer) Len() int { return len(o.b) }

func (o *OwnedBuffer) Reset() { o.b = o.b[:0] }

func (o *OwnedBuffer) Append(p []byte) { o.b = append(o.b, p...) }
