package meterrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/toolink/meter/balance"
)

// ErrThrottled is returned by the client when the server rejected the call
// for exceeding its throttle rules.
var ErrThrottled = errors.New("meterrpc: throttled")

// ReasonKey is the trailer naming which domain error a failed call hit.
const ReasonKey = "x-error-reason"

// Reasons
const (
	ReasonInvalidInput       = "invalid_input"
	ReasonInvalidServiceType = "invalid_service_type"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonThrottled          = "throttled"
)

// toStatus maps a domain error to a gRPC status and reason. Errors that
// already carry a status pass through.
func toStatus(err error) (*status.Status, string) {
	if st, ok := status.FromError(err); ok {
		return st, ""
	}
	switch {
	case errors.Is(err, balance.ErrInvalidInput):
		return status.New(codes.InvalidArgument, err.Error()), ReasonInvalidInput
	case errors.Is(err, balance.ErrInvalidServiceType):
		return status.New(codes.InvalidArgument, err.Error()), ReasonInvalidServiceType
	case errors.Is(err, balance.ErrStoreUnavailable):
		return status.New(codes.Unavailable, err.Error()), ReasonStoreUnavailable
	case errors.Is(err, ErrThrottled):
		return status.New(codes.ResourceExhausted, err.Error()), ReasonThrottled
	default:
		return status.New(codes.Internal, err.Error()), ""
	}
}

// fromStatus turns a failed call back into an error wrapping the matching sentinel.
func fromStatus(err error, trailer metadata.MD) error {
	if _, ok := status.FromError(err); !ok {
		return err
	}
	var reason string
	if v := trailer.Get(ReasonKey); len(v) > 0 {
		reason = v[0]
	}
	switch reason {
	case ReasonInvalidInput:
		return fmt.Errorf("%w: %w", balance.ErrInvalidInput, err)
	case ReasonInvalidServiceType:
		return fmt.Errorf("%w: %w", balance.ErrInvalidServiceType, err)
	case ReasonStoreUnavailable:
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	case ReasonThrottled:
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return err
}

// setReason attaches the reason trailer; failures are ignored since the
// status code still reaches the client.
func setReason(ctx context.Context, reason string) {
	if reason == "" {
		return
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(ReasonKey, reason))
}
