// Package frame 实现 gRPC 长度前缀帧的编解码：
// [flags: 1 byte][length: 4 bytes big-endian][payload: length bytes]
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize 是帧头长度（flags + length）。
const HeaderSize = 5

// MaxPayloadSize 是 4 字节长度字段能表达的最大 payload。
const MaxPayloadSize = math.MaxUint32

var (
	// ErrFrameTooSmall 表示缓冲区连帧头都放不下。
	ErrFrameTooSmall = errors.New("frame: buffer smaller than frame header")
	// ErrLengthMismatch 表示声明的长度与实际 payload 长度不一致。
	ErrLengthMismatch = errors.New("frame: declared length does not match payload")
	// ErrPayloadTooLarge 表示 payload 超出长度字段的表达范围。
	ErrPayloadTooLarge = errors.New("frame: payload exceeds length field")
)

// Frame 是一条完整的线上帧。
type Frame struct {
	// Flags 为压缩/格式标志位，原样保留。
	Flags byte
	// Length 为帧头声明的 payload 长度。
	Length uint32
	// Payload 为帧头之后的数据（拷贝，不引用输入缓冲区）。
	Payload []byte
}

// Decode 从恰好包含一帧的 b 中解出 Frame。
func Decode(b []byte) (Frame, error) {
	// 先校验最小长度，再做任何切片操作。
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes", ErrFrameTooSmall, len(b))
	}

	length := binary.BigEndian.Uint32(b[1:HeaderSize])
	// 严格校验：声明长度必须等于剩余字节数，多或少都视为畸形帧。
	if actual := len(b) - HeaderSize; uint64(length) != uint64(actual) {
		return Frame{}, fmt.Errorf("%w: declared %d, actual %d", ErrLengthMismatch, length, actual)
	}

	return Frame{
		Flags:   b[0],
		Length:  length,
		Payload: append([]byte(nil), b[HeaderSize:]...),
	}, nil
}

// Encode 用 flags 与 payload 组装一帧，length 总是按 payload 实际长度重新计算。
func Encode(flags byte, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:HeaderSize], uint32(len(payload)))

	return append(out, payload...), nil
}
