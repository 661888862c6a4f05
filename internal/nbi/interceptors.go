package nbi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/leo-handover/internal/logging"
)

const (
	requestIDMetadataKey  = "x-request-id"
	terminalIDMetadataKey = "x-terminal-id"
)

// RequestContextUnaryServerInterceptor carries x-request-id and x-terminal-id
// from inbound metadata onto the context and attaches a per-call logger
// annotated with request_id, terminal_id and method.
func RequestContextUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		l := base.With(logging.String("method", info.FullMethod))
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if id := firstHeader(md, requestIDMetadataKey); id != "" {
				ctx = logging.ContextWithRequestID(ctx, id)
			}
			if terminal := firstHeader(md, terminalIDMetadataKey); terminal != "" {
				ctx = logging.ContextWithTerminalID(ctx, terminal)
				l = l.With(logging.String("terminal_id", terminal))
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, l)
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Debug(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
