package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fireflycore/go-nacos-bridge/bridge"
)

// Nacos 2.x 客户端使用的 gRPC 服务与方法。
const (
	NacosRequestService  = "Request"
	NacosRequestMethod   = "request"
	NacosBiStreamService = "BiRequestStream"
	NacosBiStreamMethod  = "requestBiStream"
)

// RegisterService 只为 serviceName 下的 methodNames 注册代理，其余方法返回 Unimplemented。
func RegisterService(server *grpc.Server, director StreamDirector, filter *bridge.Config, logger *zap.Logger, serviceName string, methodNames ...string) {
	streamer := newHandler(director, filter, logger)

	// fakeDesc 用于“伪造”一个服务描述，从而只暴露指定的方法列表。
	fakeDesc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		// HandlerType 仅用于满足 grpc.RegisterService 的形状要求。
		HandlerType: (*interface{})(nil),
	}

	for _, m := range methodNames {
		// unary 与 bi-stream 统一当作双向流处理。
		fakeDesc.Streams = append(fakeDesc.Streams, grpc.StreamDesc{
			StreamName:    m,
			Handler:       streamer.Handler,
			ServerStreams: true,
			ClientStreams: true,
		})
	}

	server.RegisterService(fakeDesc, streamer)
}

// RegisterNacosServices 注册 Nacos 2.x 的 Request/request 与 BiRequestStream/requestBiStream。
func RegisterNacosServices(server *grpc.Server, director StreamDirector, filter *bridge.Config, logger *zap.Logger) {
	RegisterService(server, director, filter, logger, NacosRequestService, NacosRequestMethod)
	RegisterService(server, director, filter, logger, NacosBiStreamService, NacosBiStreamMethod)
}
