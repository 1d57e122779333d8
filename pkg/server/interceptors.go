package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"blobgate/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// correlated is implemented by envelopes that carry a request id.
type correlated interface {
	CorrelationID() types.RequestID
}

// =============================================================================
// 1. Logging Interceptor
// =============================================================================

// UnaryLogging logs every unary call with its correlation id.
// Successful calls log at Debug.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(ctx, logger, info.FullMethod, requestID(req), time.Since(start), err)
		return resp, err
	}
}

func logRPC(ctx context.Context, logger *slog.Logger, method string, id types.RequestID, duration time.Duration, err error) {
	st, _ := status.FromError(err)
	code := st.Code()

	level := slog.LevelDebug
	switch code {
	case codes.OK:
	case codes.Internal, codes.Unknown:
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	logger.Log(ctx, level, "grpc call",
		slog.String("method", method),
		slog.String("id", id.String()),
		slog.String("code", code.String()),
		slog.Duration("dur", duration),
		slog.String("err", errToString(err)),
	)
}

func requestID(req any) types.RequestID {
	if c, ok := req.(correlated); ok {
		return c.CorrelationID()
	}
	return ""
}

func errToString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

// UnaryRecovery turns a handler panic into codes.Internal instead of
// tearing down the connection.
func UnaryRecovery(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "internal server error: panic recovered")
			}
		}()
		return handler(ctx, req)
	}
}

// Interceptors returns the chain both blobgate servers install. Recovery sits
// innermost so the logging interceptor still sees the converted panic.
func Interceptors(logger *slog.Logger) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(UnaryLogging(logger), UnaryRecovery(logger))
}
