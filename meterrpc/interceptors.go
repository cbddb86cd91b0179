package meterrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/meter/limiter"
	"github.com/toolink/meter/meta"
)

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// metadataInterceptor lifts request id and caller from incoming metadata into
// the context, generating a request id when absent, and echoes the id back.
func metadataInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = meta.NewContext(ctx, meta.Metadata{
		RequestID: firstValue(md, meta.RequestIDKey),
		Caller:    firstValue(md, meta.CallerKey),
	})
	ctx, id := meta.Ensure(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(meta.RequestIDKey, id))
	return handler(ctx, req)
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	logger := meta.Logger(ctx)
	ev := logger.Info()
	switch code {
	case codes.OK, codes.InvalidArgument, codes.ResourceExhausted:
	default:
		ev = logger.Error().Err(err)
	}
	ev.Str("method", info.FullMethod).Str("code", code.String()).Dur("duration", time.Since(start)).Msg("rpc handled")
	return resp, err
}

// throttleIdentity picks the throttle bucket owner. The x-caller-id header is
// set by the client, so it is used only when trustCaller is on; otherwise, or
// when it is absent, the bucket belongs to the peer host.
func throttleIdentity(ctx context.Context, trustCaller bool) string {
	if trustCaller {
		if c := meta.Caller(ctx); c != "" {
			return c
		}
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "peer:" + addr
}

func throttleInterceptor(l *limiter.Limiter, trustCaller bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !l.Allow(ctx, info.FullMethod, throttleIdentity(ctx, trustCaller)) {
			return nil, ErrThrottled
		}
		return handler(ctx, req)
	}
}

// errorInterceptor converts domain errors and panics into statuses.
func errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			meta.Logger(ctx).Error().Str("method", info.FullMethod).Interface("panic_value", r).Msg("panic recovered in rpc handler")
			resp, err = nil, status.Error(codes.Internal, fmt.Sprint(r))
		}
	}()

	resp, err = handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	st, reason := toStatus(err)
	setReason(ctx, reason)
	return nil, st.Err()
}
