package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the persisted label for a classified provider failure.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindNotFound  ErrorKind = "not_found"
	ErrorKindOther     ErrorKind = "other"
)

// AuthError means the session or credentials were rejected. Fatal for the
// run after at most one forced re-login.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("provider auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is the provider's own throttling signal, distinct from the
// local limiter. RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("provider rate limit: %v", e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientError covers network faults, timeouts and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("provider transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError means the cell has no data (suspension,未上市). Not a
// failure: callers treat it as an intentional empty result.
type NotFoundError struct {
	EntityCode string
	TradeDate  time.Time
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no data for %s on %s", e.EntityCode, e.TradeDate.Format("2006-01-02"))
}

// Classify maps any error to its kind for logging and the execution log.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var (
		auth      *AuthError
		rateLimit *RateLimitError
		transient *TransientError
		notFound  *NotFoundError
	)
	switch {
	case errors.As(err, &auth):
		return ErrorKindAuth
	case errors.As(err, &rateLimit):
		return ErrorKindRateLimit
	case errors.As(err, &transient):
		return ErrorKindTransient
	case errors.As(err, &notFound):
		return ErrorKindNotFound
	}
	return ErrorKindOther
}
