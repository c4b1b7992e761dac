package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zjrosen/pwgraph/internal/registry"
	"github.com/zjrosen/pwgraph/internal/session"
)

var errJournalDisabled = errors.New("command journal disabled")

// toStatus maps internal errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, registry.ErrPortNotFound):
		code = codes.NotFound
	case errors.Is(err, registry.ErrQueueFull), errors.Is(err, session.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, registry.ErrNotRunning),
		errors.Is(err, session.ErrLoopStopped),
		errors.Is(err, session.ErrConnectionClosed):
		code = codes.Unavailable
	case errors.Is(err, errInvalidID):
		code = codes.InvalidArgument
	case errors.Is(err, errJournalDisabled):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
