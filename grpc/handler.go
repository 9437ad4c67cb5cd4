package grpc

import (
	"context"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fireflycore/go-nacos-bridge/bridge"
	"github.com/fireflycore/go-nacos-bridge/frame"
	"github.com/fireflycore/go-nacos-bridge/metrics"
)

var (
	// clientStreamDescForProxying 描述一个双向流，用于在代理侧统一承载 unary 与 bi-stream 调用。
	clientStreamDescForProxying = &grpc.StreamDesc{
		ServerStreams: true,
		ClientStreams: true,
	}
)

// TransparentHandler 返回挂在 grpc.UnknownServiceHandler 上的代理 handler：
// - 代理作为 gRPC server 接收 Nacos 客户端请求
// - 代理作为 gRPC client 连接 Nacos server 并转发
// - 响应方向经过 bridge 改写服务实例地址
func TransparentHandler(director StreamDirector, filter *bridge.Config, logger *zap.Logger) grpc.StreamHandler {
	return newHandler(director, filter, logger).Handler
}

// Handler 为每个代理流创建一对 bridge.Orchestrator。
type Handler struct {
	// director 根据 fullMethodName 选择目标连接，并可返回新的 outgoing context。
	director StreamDirector
	// filter 为所有流共享的只读改写配置。
	filter *bridge.Config
	logger *zap.Logger
}

func newHandler(director StreamDirector, filter *bridge.Config, logger *zap.Logger) *Handler {
	if filter == nil {
		filter = bridge.NewConfig(bridge.DefaultRewriteTypes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{director: director, filter: filter, logger: logger}
}

// streamCallbacks 把 bridge 的本地应答转换为终止该流的 gRPC status。
type streamCallbacks struct {
	// rejected 在 bridge 拒绝消息后非空。
	rejected error
}

func (c *streamCallbacks) SendLocalReply(reply bridge.LocalReply) {
	c.rejected = status.Errorf(reply.GRPCStatus, "%s (%s)", reply.Body, reply.Details)
}

// bridgedStream 是一个流方向上的 bridge 及其回调。
type bridgedStream struct {
	orchestrator *bridge.Orchestrator
	callbacks    *streamCallbacks
}

func newBridgedStream(filter *bridge.Config, streamID string, direction bridge.Direction, grpcDetected bool) *bridgedStream {
	cb := &streamCallbacks{}
	o := bridge.New(filter, streamID, direction, cb)
	o.OnHeaders(grpcDetected)
	return &bridgedStream{orchestrator: o, callbacks: cb}
}

// process 把一条完整消息按 gRPC 帧交给 bridge，并把（可能被替换的）payload 写回 m。
func (s *bridgedStream) process(m *rawMessage) error {
	// grpc-go 已剥离帧头并完成解压，这里按未压缩帧重新成帧。
	framed, err := frame.Encode(0x00, m.payload)
	if err != nil {
		return status.Errorf(codes.ResourceExhausted, "frame message: %v", err)
	}

	chunk := bridge.NewOwnedBuffer(framed)
	if s.orchestrator.OnData(chunk, true) == bridge.StopIterationNoBuffer {
		if s.callbacks.rejected != nil {
			return s.callbacks.rejected
		}
		return status.Errorf(codes.Internal, "bridge held a complete message")
	}

	f, err := frame.Decode(chunk.Bytes())
	if err != nil {
		return status.Errorf(codes.Internal, "bridge produced a malformed frame: %v", err)
	}
	m.payload = f.Payload

	return nil
}

/*
** Handler 是代理功能的核心所在：
** 把入站流的消息转发到上游，把上游的响应经 bridge 改写后转发回入站流。
 */
func (h *Handler) Handler(srv interface{}, serverStream grpc.ServerStream) error {
	// 从 serverStream 提取完整方法名（形如 /Request/request）。
	fullMethodName, ok := grpc.MethodFromServerStream(serverStream)
	if !ok {
		return status.Errorf(codes.Internal, "lowLevelServerStream does not exist in context")
	}

	// 每个流只判定一次是否为 gRPC 内容。
	md, _ := metadata.FromIncomingContext(serverStream.Context())
	contentType := ""
	if vals := md.Get("content-type"); len(vals) > 0 {
		contentType = vals[0]
	}
	grpcDetected := bridge.IsGrpcContentType(contentType)

	streamID := uuid.NewString()
	log := h.logger.With(zap.String("stream_id", streamID), zap.String("method", fullMethodName))
	log.Debug("stream opened", zap.String("content_type", contentType), zap.Bool("grpc", grpcDetected))

	metrics.StreamStart(grpcDetected)
	defer metrics.StreamEnd()

	// 两个方向各自独占一个 orchestrator，只在各自的转发 goroutine 内使用。
	requestBridge := newBridgedStream(h.filter, streamID, bridge.Request, grpcDetected)
	responseBridge := newBridgedStream(h.filter, streamID, bridge.Response, grpcDetected)

	outgoingCtx, targetConn, err := h.director(serverStream.Context(), fullMethodName)
	if err != nil {
		return err
	}
	if targetConn == nil {
		return status.Errorf(codes.Unavailable, "target connection is nil")
	}

	// 使用可取消的 clientCtx，保证任一方向转发失败时能中止另一侧。
	clientCtx, clientCancel := context.WithCancel(outgoingCtx)
	defer clientCancel()

	// 建立到上游的出站 client stream，并强制使用 RawCodec 以便按原始 bytes 转发。
	clientStream, err := grpc.NewClientStream(clientCtx, clientStreamDescForProxying, targetConn, fullMethodName, DefaultClientCallOpts()...)
	if err != nil {
		return err
	}

	inboundToOutboundErrChan := h.forwardInboundToOutbound(serverStream, clientStream, requestBridge)
	outboundToInboundErrChan := h.forwardOutboundToInbound(clientStream, serverStream, responseBridge)

	for i := 0; i < 2; i++ {
		select {
		case inboundToOutboundErr := <-inboundToOutboundErrChan:
			if inboundToOutboundErr == io.EOF {
				// 入站已结束发送：向上游关闭发送方向。
				if cCloseErr := clientStream.CloseSend(); cCloseErr != nil {
					return cCloseErr
				}
			} else {
				clientCancel()
				log.Warn("proxying inbound to outbound failed", zap.Error(inboundToOutboundErr))
				if _, isStatus := status.FromError(inboundToOutboundErr); isStatus {
					return inboundToOutboundErr
				}
				return status.Errorf(codes.Internal, "failed proxying inbound to outbound: %v", inboundToOutboundErr)
			}
		case outboundToInboundErr := <-outboundToInboundErrChan:
			// trailer 直接透传。
			serverStream.SetTrailer(clientStream.Trailer())

			if outboundToInboundErr != io.EOF {
				log.Debug("stream closed by upstream", zap.Error(outboundToInboundErr))
				return outboundToInboundErr
			}

			log.Debug("stream closed")
			return nil
		}
	}

	return status.Errorf(codes.Internal, "gRPC proxying should never reach this stage.")
}

// forwardOutboundToInbound 把上游响应经 bridge 处理后转发回入站连接。
func (h *Handler) forwardOutboundToInbound(src grpc.ClientStream, dst grpc.ServerStream, b *bridgedStream) chan error {
	ret := make(chan error, 1)

	go func() {
		// 流结束时在本 goroutine 内释放 bridge 状态。
		defer b.orchestrator.OnDestroy()

		m := &rawMessage{}

		for i := 0; ; i++ {
			if err := src.RecvMsg(m); err != nil {
				// 上游已结束（EOF 或 status），接下来只剩 trailer。
				b.orchestrator.OnTrailers()
				ret <- err
				break
			}

			if i == 0 {
				// 上游 header 只能在收到第一条消息后读取，且必须在转发第一条消息前写入入站流。
				md, err := src.Header()
				if err != nil {
					ret <- err
					break
				}
				if err := dst.SendHeader(md); err != nil {
					ret <- err
					break
				}
			}

			if err := b.process(m); err != nil {
				ret <- err
				break
			}

			if err := dst.SendMsg(m); err != nil {
				ret <- err
				break
			}
		}
	}()

	return ret
}

// forwardInboundToOutbound 把入站请求经 bridge 校验后转发到上游。
func (h *Handler) forwardInboundToOutbound(src grpc.ServerStream, dst grpc.ClientStream, b *bridgedStream) chan error {
	ret := make(chan error, 1)

	go func() {
		defer b.orchestrator.OnDestroy()

		m := &rawMessage{}

		for {
			if err := src.RecvMsg(m); err != nil {
				ret <- err
				break
			}

			if err := b.process(m); err != nil {
				ret <- err
				break
			}

			if err := dst.SendMsg(m); err != nil {
				ret <- err
				break
			}
		}
	}()

	return ret
}
