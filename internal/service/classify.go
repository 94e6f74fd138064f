package service

import (
	"context"
	"errors"

	"crypto-rate-tracker/internal/fetcher"
	"crypto-rate-tracker/internal/scheduler"
)

const (
	hintRateLimited = "provider quota exhausted; waiting for the next interval. Raise scheduler.interval (24h suits the free plan) or upgrade the provider plan"
	hintTransient   = "transient provider failure; the next interval will try again"
	hintInProgress  = "another instance holds the sync lock"
	hintStorage     = "check database connectivity and schema (cryptorate migrate)"
)

// ErrorKind returns a stable label for err, used in metrics and notifications.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, fetcher.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, fetcher.ErrEmptyResult):
		return "empty_result"
	case errors.Is(err, fetcher.ErrProvider):
		return "provider"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrSyncInProgress):
		return "in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify chooses the log severity and operator hint for a failed scheduled cycle.
func Classify(err error) (scheduler.Severity, string) {
	switch ErrorKind(err) {
	case "rate_limited":
		return scheduler.SeverityWarn, hintRateLimited
	case "provider", "empty_result":
		return scheduler.SeverityWarn, hintTransient
	case "in_progress":
		return scheduler.SeverityWarn, hintInProgress
	case "storage":
		return scheduler.SeverityError, hintStorage
	default:
		return scheduler.SeverityError, ""
	}
}
