package nbi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/leo-handover/internal/classifier"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
)

var (
	// ErrNotFound is returned when a terminal has no session or payload.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is used for malformed request messages.
	ErrInvalidRequest = errors.New("invalid request")
)

// ToStatusError maps engine errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, kb.ErrUnknownSatellite):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, classifier.ErrInvalidMeasurement),
		errors.Is(err, classifier.ErrUnsupportedConditionKind),
		errors.Is(err, model.ErrInvalidSample),
		errors.Is(err, orchestrator.ErrNotEntering):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, kb.ErrStaleData),
		errors.Is(err, kb.ErrOutOfOrder):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, orchestrator.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
