package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/guardkeeper/internal/errs"
)

// LoggingUnary logs one line per call with the final status code. It sits outside
// StatusUnary in the chain, so the code is the mapped one. Requests and responses are
// never logged: they carry confirmation nonces and guard codes.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("code", code),
			zap.Duration("dur", time.Since(start)),
		}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String("peer", p.Addr.String()))
		}
		if ce := log.Check(levelFor(code), "grpc"); ce != nil {
			ce.Write(fields...)
		}
		return resp, err
	}
}

// levelFor keeps client mistakes at info and server faults at error.
func levelFor(c codes.Code) zapcore.Level {
	switch c {
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return zapcore.ErrorLevel
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// RecoverUnary turns handler panics into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic",
					zap.String("method", info.FullMethod),
					zap.Any("reason", r),
					zap.Stack("stack"),
				)
				resp, err = nil, status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// StatusUnary converts domain errors returned by handlers into gRPC statuses.
func StatusUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return resp, ToStatus(err)
		}
		return resp, nil
	}
}

// ToStatus maps an engine error to a gRPC status. Errors that already carry a status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		guard    *errs.GuardRequiredError
		rejected *errs.EnrollmentRejectedError
	)
	switch {
	case errors.As(err, &guard):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &rejected):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrAmbiguous):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrAlreadyResolved), errors.Is(err, errs.ErrAlreadyLinked):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, errs.ErrSessionExpired), errors.Is(err, errs.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, errs.ErrGuardInvalid), errors.Is(err, errs.ErrInvalidSecret):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, errs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, errs.ErrProtocol):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal")
	}
}
