package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fireflycore/go-nacos-bridge/bridge"
)

// NewProxy 创建一个 Nacos 桥接代理 Server，并默认启用：
// - 原始 protobuf bytes 转发 codec（server 侧）
// - UnknownServiceHandler 透明转发，响应方向经 filter 改写
func NewProxy(dst *grpc.ClientConn, filter *bridge.Config, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	// defaultOpts 放在前面，允许调用方在 opts 中覆盖/追加行为。
	defaultOpts := []grpc.ServerOption{DefaultProxyServerOpt(), DefaultProxyOpt(dst, filter, logger)}
	return grpc.NewServer(append(defaultOpts, opts...)...)
}

// DefaultProxyOpt 返回 UnknownServiceHandler 配置，使 server 能转发“未注册的服务/方法”。
func DefaultProxyOpt(cc *grpc.ClientConn, filter *bridge.Config, logger *zap.Logger) grpc.ServerOption {
	return grpc.UnknownServiceHandler(TransparentHandler(UpstreamDirector(cc), filter, logger))
}

// DefaultProxyServerOpt 为代理 server 注入 RawCodec，无需 Nacos 的具体消息类型。
func DefaultProxyServerOpt() grpc.ServerOption {
	return grpc.ForceServerCodec(RawCodec{})
}

// DefaultClientCallOpts 返回代理 client stream 的默认调用选项，
// 确保 client 侧与 server 侧使用同一个原始 bytes codec。
func DefaultClientCallOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(RawCodec{})}
}
