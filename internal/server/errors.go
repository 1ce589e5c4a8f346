package server

import (
	"context"
	"errors"

	"RiskCore/internal/core"
	"RiskCore/internal/correlation"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/ingestion"
	"RiskCore/internal/limits"
	"RiskCore/internal/query"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeTable = []struct {
	code codes.Code
	errs []error
}{
	{codes.Unauthenticated, []error{query.ErrUnauthenticated}},
	{codes.PermissionDenied, []error{query.ErrPermissionDenied}},
	{codes.InvalidArgument, []error{
		query.ErrInvalidArgument,
		ingestion.ErrMalformed,
		core.ErrInvalidBatch,
		limits.ErrInvalidLimit,
		limits.ErrInvalidWaiver,
		limits.ErrInvalidSupersede,
		security.ErrInvalidMerge,
		security.ErrInvalidAlias,
		correlation.ErrNoNodes,
		correlation.ErrUnknownType,
		risk.ErrUnknownMetric,
	}},
	{codes.NotFound, []error{
		core.ErrUnknownTenant,
		hierarchy.ErrNodeNotFound,
		limits.ErrBreachNotFound,
		limits.ErrLimitNotFound,
		security.ErrUnknown,
		security.ErrNotFound,
	}},
	{codes.AlreadyExists, []error{limits.ErrLimitExists}},
	{codes.FailedPrecondition, []error{
		limits.ErrInvalidTransition,
		hierarchy.ErrCycle,
		hierarchy.ErrHasDescendants,
		security.ErrConflict,
	}},
	{codes.Unavailable, []error{query.ErrUnavailable}},
}

// toStatus maps domain errors onto gRPC status codes. Errors that already
// carry a status pass through; anything unknown is Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	for _, row := range codeTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return codes.Internal
}
