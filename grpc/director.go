package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// forwardedForKey 记录经过代理的客户端地址链。
const forwardedForKey = "x-forwarded-for"

// StreamDirector 根据方法名选择上游连接，并返回用于出站的 context。
type StreamDirector func(ctx context.Context, fullMethodName string) (context.Context, *grpc.ClientConn, error)

// UpstreamDirector 返回一个固定上游（Nacos server）的 director：
// - 复制 incoming metadata 到 outgoing context
// - 把入站 peer 地址追加到 x-forwarded-for
func UpstreamDirector(cc *grpc.ClientConn) StreamDirector {
	return func(ctx context.Context, fullMethodName string) (context.Context, *grpc.ClientConn, error) {
		// 复制一份，避免与 grpc 内部共享同一个 map。
		md, _ := metadata.FromIncomingContext(ctx)
		md = md.Copy()

		// 这些 key 由 grpc 传输层自行生成，不能转发。
		for _, k := range []string{":authority", "content-type", "user-agent"} {
			delete(md, k)
		}

		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			md.Append(forwardedForKey, p.Addr.String())
		}

		return metadata.NewOutgoingContext(ctx, md), cc, nil
	}
}
