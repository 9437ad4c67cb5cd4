// Package bridge 实现 Nacos gRPC 响应改写的单流状态机。
//
// 每个流方向（请求或响应）各持有一个 Orchestrator。分片按到达顺序累积，
// 直到宿主给出消息结束信号，然后依次执行：帧解码 -> 信封解码 -> 类型判断 ->
// JSON 改写 -> 信封编码 -> 重新成帧 -> 替换出站缓冲区。任何一步失败都原样转发。
//
// Orchestrator 不是并发安全的，宿主需保证同一流的回调串行执行。
package bridge

import (
	"errors"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/fireflycore/go-nacos-bridge/frame"
	"github.com/fireflycore/go-nacos-bridge/payload"
	"github.com/fireflycore/go-nacos-bridge/rewrite"
)

// 常见的 Nacos 服务发现消息类型。
const (
	TypeSubscribeServiceResponse = "SubscribeServiceResponse"
	TypeNotifySubscriberRequest  = "NotifySubscriberRequest"
)

// DefaultRewriteTypes 是默认的改写目标。
var DefaultRewriteTypes = []string{TypeSubscribeServiceResponse, TypeNotifySubscriberRequest}

// compressedFlag 为 gRPC 帧的压缩标志位。
const compressedFlag = 0x01

// Direction 表示流方向。
type Direction int

const (
	// Request 为客户端 -> 上游方向，只校验与记录，不改写。
	Request Direction = iota
	// Response 为上游 -> 客户端方向。
	Response
)

func (d Direction) String() string {
	if d == Request {
		return "request"
	}
	return "response"
}

// State 为状态机的状态。Rewritten / Unchanged / Rejected 同时也是单条消息的处理结果。
type State int

const (
	Unclassified State = iota
	PassThrough
	GrpcDetected
	Buffering
	Rewritten
	Unchanged
	Rejected
)

func (s State) String() string {
	switch s {
	case Unclassified:
		return "unclassified"
	case PassThrough:
		return "pass_through"
	case GrpcDetected:
		return "grpc_detected"
	case Buffering:
		return "buffering"
	case Rewritten:
		return "rewritten"
	case Unchanged:
		return "unchanged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Observer 接收每条消息的处理结果，通常由 metrics 包实现。
type Observer interface {
	ObserveMessage(direction Direction, outcome State)
}

type nopObserver struct{}

func (nopObserver) ObserveMessage(Direction, State) {}

// Config 是所有流共享的只读配置。
type Config struct {
	targets  map[string]struct{}
	logger   *zap.Logger
	observer Observer
}

// Option 定制 Config。
type Option func(*Config)

// WithLogger 设置日志。
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver 设置结果观察者。
func WithObserver(o Observer) Option {
	return func(c *Config) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewConfig 以 rewriteTypes 为改写目标构建配置；rewriteTypes 为空时不改写任何消息。
func NewConfig(rewriteTypes []string, opts ...Option) *Config {
	c := &Config{
		targets:  make(map[string]struct{}, len(rewriteTypes)),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, t := range rewriteTypes {
		c.targets[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRewriteTarget 判断 metadata.type 是否需要改写。
func (c *Config) IsRewriteTarget(messageType string) bool {
	_, ok := c.targets[messageType]
	return ok
}

// RewriteTypes 返回排序后的改写目标。
func (c *Config) RewriteTypes() []string {
	out := make([]string, 0, len(c.targets))
	for t := range c.targets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Orchestrator 是单个流方向的状态机。
type Orchestrator struct {
	cfg       *Config
	direction Direction
	callbacks Callbacks
	log       *zap.Logger

	state     State
	pending   []byte
	destroyed bool
}

// New 为一个流方向创建 Orchestrator；streamID 为空时自动生成。
func New(cfg *Config, streamID string, direction Direction, callbacks Callbacks) *Orchestrator {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	return &Orchestrator{
		cfg:       cfg,
		direction: direction,
		callbacks: callbacks,
		log: cfg.logger.With(
			zap.String("stream_id", streamID),
			zap.Stringer("direction", direction),
		),
		state: Unclassified,
	}
}

// State 返回当前状态。
func (o *Orchestrator) State() State {
	return o.state
}

// OnHeaders 消费宿主对 header 的判定结果，每个流只生效一次。
func (o *Orchestrator) OnHeaders(grpcDetected bool) {
	if o.state != Unclassified {
		return
	}
	if grpcDetected {
		o.state = GrpcDetected
		return
	}
	o.state = PassThrough
}

// OnData 处理一个 body 分片。endOfMessage 为 true 时当前消息收齐并触发处理，
// 处理结果通过 chunk 的 Reset + Append 写回。
func (o *Orchestrator) OnData(chunk Buffer, endOfMessage bool) Status {
	if o.destroyed {
		return Continue
	}

	switch o.state {
	case Unclassified:
		// 未经 header 判定就收到数据，该流整体透传。
		o.state = PassThrough
		return Continue
	case PassThrough:
		return Continue
	}

	o.state = Buffering
	o.pending = append(o.pending, chunk.Bytes()...)
	if !endOfMessage {
		// 消息未收齐前不向下游暴露任何字节。
		chunk.Reset()
		return StopIterationNoBuffer
	}

	raw := o.pending
	o.pending = nil

	out, outcome := o.transform(raw)
	o.state = outcome
	o.cfg.observer.ObserveMessage(o.direction, outcome)

	switch outcome {
	case Rejected:
		chunk.Reset()
		o.callbacks.SendLocalReply(LocalReply{
			HTTPStatus: http.StatusOK,
			GRPCStatus: codes.Unknown,
			Body:       "invalid " + o.direction.String() + " body",
			Details:    DetailsDataTooSmall,
		})
		return StopIterationNoBuffer
	case Rewritten:
		chunk.Reset()
		chunk.Append(out)
		return Continue
	default:
		chunk.Reset()
		chunk.Append(raw)
		return Continue
	}
}

// OnTrailers 透传 trailer。若此时仍有未结束的消息，丢弃其缓冲数据。
func (o *Orchestrator) OnTrailers() Status {
	if len(o.pending) > 0 {
		o.log.Warn("trailers arrived before end of message, dropping buffered bytes",
			zap.Int("bytes", len(o.pending)))
		o.pending = nil
	}
	return Continue
}

// OnDestroy 释放流状态，之后的回调不再产生任何副作用。
func (o *Orchestrator) OnDestroy() {
	o.pending = nil
	o.destroyed = true
}

func (o *Orchestrator) transform(raw []byte) ([]byte, State) {
	f, err := frame.Decode(raw)
	if errors.Is(err, frame.ErrFrameTooSmall) {
		o.log.Warn("body too small for a gRPC frame", zap.Int("bytes", len(raw)))
		return nil, Rejected
	}
	if err != nil {
		o.log.Warn("malformed frame, forwarding unchanged", zap.Error(err))
		return nil, Unchanged
	}
	if f.Flags&compressedFlag != 0 {
		o.log.Debug("compressed frame, forwarding unchanged")
		return nil, Unchanged
	}

	env, err := payload.Decode(f.Payload)
	if err != nil {
		o.log.Warn("payload decode failed, forwarding unchanged", zap.Error(err))
		return nil, Unchanged
	}

	log := o.log.With(zap.String("type", env.Type()))
	if o.direction == Request {
		log.Debug("request payload", zap.Int("body_bytes", len(env.BodyValue())))
		return nil, Unchanged
	}
	if !o.cfg.IsRewriteTarget(env.Type()) {
		return nil, Unchanged
	}

	body, err := rewrite.HostIPToServiceName(env.BodyValue())
	if err != nil {
		log.Warn("service info rewrite skipped", zap.Error(err))
		return nil, Unchanged
	}
	env.SetBodyValue(body)

	encoded, err := payload.Encode(env)
	if err != nil {
		log.Error("payload encode failed, forwarding unchanged", zap.Error(err))
		return nil, Unchanged
	}
	out, err := frame.Encode(f.Flags, encoded)
	if err != nil {
		log.Error("frame encode failed, forwarding unchanged", zap.Error(err))
		return nil, Unchanged
	}

	log.Debug("service info rewritten", zap.Int("from_bytes", len(raw)), zap.Int("to_bytes", len(out)))
	return out, Rewritten
}
