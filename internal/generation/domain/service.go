package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
)

type Service interface {
	ReserveAndRun(ctx context.Context, req RunRequest) (*RunResult, error)
	GetUsageStatus(ctx context.Context, accountID snowflake.ID) (*UsageSnapshot, error)

	Get(ctx context.Context, usageID snowflake.ID) (*UsageRecord, error)
	ListFailed(ctx context.Context, req ListFailedRequest) ([]*UsageRecord, *pagination.PageInfo, error)
	ResolveFailed(ctx context.Context, req ResolveRequest) (*UsageRecord, error)
	// SweepStale flags reservations older than the cutoff as failed.
	SweepStale(ctx context.Context, before time.Time, limit int) (int64, error)
}

var (
	ErrInvalidAccount           = errors.New("invalid_account")
	ErrInvalidOperation         = errors.New("invalid_operation")
	ErrUnknownOperation         = errors.New("unknown_operation")
	ErrDuplicateRequest         = errors.New("duplicate_request")
	ErrRateLimited              = errors.New("rate_limited")
	ErrProviderFailed           = errors.New("provider_failed")
	ErrProviderTimeout          = errors.New("provider_timeout")
	ErrProviderAmbiguousFailure = errors.New("provider_ambiguous_failure")
	ErrUsageNotFound            = errors.New("usage_not_found")
	ErrUsageNotFailed           = errors.New("usage_not_failed")
	ErrUsageFinalized           = errors.New("usage_already_finalized")
	ErrInvalidResolution        = errors.New("invalid_resolution")
)

// UsageError ties an error to the usage record it left behind.
type UsageError struct {
	UsageID snowflake.ID
	Err     error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// DuplicateRequestError carries the record created by the first request
// with the same idempotency key.
type DuplicateRequestError struct {
	Usage *UsageRecord
}

func (e *DuplicateRequestError) Error() string { return ErrDuplicateRequest.Error() }
func (e *DuplicateRequestError) Is(target error) bool {
	return target == ErrDuplicateRequest
}
