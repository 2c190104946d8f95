package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/slabkv/pkg/common/log"
)

// RateLimitInterceptor admits unary calls through a token bucket. A call that
// cannot get a token before its deadline fails with ResourceExhausted.
func RateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			if _, ok := ctx.Deadline(); !ok {
				return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
			}
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every unary call with its duration and status code
func LoggingInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		l := logger.WithFields(map[string]interface{}{
			"method":   info.FullMethod,
			"code":     code.String(),
			"duration": time.Since(start),
		})
		switch code {
		case codes.OK:
			l.Debug("request served")
		case codes.Internal, codes.Unavailable, codes.Unknown:
			l.Error("request failed: %v", err)
		default:
			l.Warn("request rejected: %v", err)
		}
		return resp, err
	}
}
