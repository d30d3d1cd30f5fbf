// Package errors defines the closed set of sync failure kinds and how each is retried.
package errors

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kimhsiao/mealsync/internal/models"
)

// ErrorCode identifies a sync failure kind.
type ErrorCode string

const (
	// Transport errors
	ErrNetwork    ErrorCode = "NETWORK_ERROR"
	ErrTimeout    ErrorCode = "TIMEOUT_ERROR"
	ErrServer     ErrorCode = "SERVER_ERROR"
	ErrRateLimit  ErrorCode = "RATE_LIMIT_ERROR"
	ErrNoInternet ErrorCode = "NO_INTERNET"
	ErrClient     ErrorCode = "CLIENT_ERROR"

	// Auth errors
	ErrAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrTokenExpired   ErrorCode = "TOKEN_EXPIRED"

	// Data errors
	ErrConflict ErrorCode = "CONFLICT_ERROR"
	ErrDatabase ErrorCode = "DATABASE_ERROR"

	ErrCancelled ErrorCode = "CANCELLED"
	ErrUnknown   ErrorCode = "UNKNOWN_ERROR"
)

// Codes returns every code in the taxonomy.
func Codes() []ErrorCode {
	return []ErrorCode{
		ErrNetwork, ErrTimeout, ErrServer, ErrRateLimit, ErrNoInternet, ErrClient,
		ErrAuthentication, ErrTokenExpired, ErrConflict, ErrDatabase, ErrCancelled, ErrUnknown,
	}
}

// Retry delay bounds for exponential backoff.
const (
	BaseRetryDelay = time.Second
	MaxRetryDelay  = 16 * time.Second
)

var messages = map[ErrorCode]string{
	ErrNetwork:        "network unreachable",
	ErrTimeout:        "request timed out",
	ErrServer:         "server error",
	ErrRateLimit:      "rate limited by server",
	ErrNoInternet:     "no internet connection",
	ErrClient:         "request rejected",
	ErrAuthentication: "authentication failed",
	ErrTokenExpired:   "access token expired",
	ErrConflict:       "unresolved sync conflict",
	ErrDatabase:       "local storage failure",
	ErrCancelled:      "sync cancelled",
	ErrUnknown:        "unknown sync failure",
}

// SyncError is the single error type surfaced by the sync core.
type SyncError struct {
	Code    ErrorCode
	Message string
	Err     error

	// StatusCode is set for server and client errors.
	StatusCode int
	// RetryAfter is the server-requested wait for rate limit errors.
	RetryAfter time.Duration
	// EntityType and EntityID identify the record of a conflict error.
	EntityType models.EntityType
	EntityID   string
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Code == ErrConflict && e.EntityID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.EntityType, e.EntityID)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation may be retried automatically.
//
//exhaustive:enforce
func (e *SyncError) Retryable() bool {
	switch e.Code {
	case ErrNetwork, ErrTimeout, ErrRateLimit:
		return true
	case ErrServer:
		return e.StatusCode >= 500 && e.StatusCode <= 599
	case ErrNoInternet, ErrClient, ErrAuthentication, ErrTokenExpired,
		ErrConflict, ErrDatabase, ErrCancelled, ErrUnknown:
		return false
	}
	return false
}

// RetryDelay returns the wait before retry number attempt (1-based).
// Non-retryable errors return zero.
func (e *SyncError) RetryDelay(attempt int) time.Duration {
	if !e.Retryable() {
		return 0
	}
	if e.Code == ErrRateLimit && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return ExponentialDelay(attempt)
}

// AwaitsConnectivity reports whether recovery depends on the connectivity signal.
func (e *SyncError) AwaitsConnectivity() bool {
	return e.Code == ErrNoInternet
}

// RequiresReauthentication reports whether the user must sign in again.
func (e *SyncError) RequiresReauthentication() bool {
	return e.Code == ErrAuthentication || e.Code == ErrTokenExpired
}

// ExponentialDelay returns 1s doubled per attempt and capped at 16s, with no jitter.
func ExponentialDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BaseRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	// the interval is pinned at MaxInterval well before 8 steps
	for i := 0; i < attempt && i < 8; i++ {
		d = b.NextBackOff()
	}
	return d
}

// New creates a new SyncError.
func New(code ErrorCode, message string) *SyncError {
	if message == "" {
		message = messages[code]
	}
	return &SyncError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *SyncError {
	e := New(code, message)
	e.Err = err
	return e
}

func NewNetworkError(err error) *SyncError { return Wrap(ErrNetwork, "", err) }
func NewTimeoutError(err error) *SyncError { return Wrap(ErrTimeout, "", err) }
func NewNoInternetError() *SyncError       { return New(ErrNoInternet, "") }
func NewCancelledError(err error) *SyncError {
	return Wrap(ErrCancelled, "", err)
}

// NewServerError creates a 5xx server error.
func NewServerError(statusCode int, err error) *SyncError {
	e := Wrap(ErrServer, "", err)
	e.StatusCode = statusCode
	return e
}

// NewRateLimitError creates a rate limit error carrying the server-requested wait.
func NewRateLimitError(retryAfter time.Duration) *SyncError {
	e := New(ErrRateLimit, "")
	e.RetryAfter = retryAfter
	return e
}

// NewClientError creates a non-retryable 4xx error.
func NewClientError(statusCode int, message string) *SyncError {
	e := New(ErrClient, message)
	e.StatusCode = statusCode
	return e
}

func NewAuthenticationError(err error) *SyncError { return Wrap(ErrAuthentication, "", err) }
func NewTokenExpiredError(err error) *SyncError   { return Wrap(ErrTokenExpired, "", err) }

// NewConflictError creates an error for a record whose conflict could not be settled.
func NewConflictError(entityType models.EntityType, entityID string) *SyncError {
	e := New(ErrConflict, "")
	e.EntityType = entityType
	e.EntityID = entityID
	return e
}

// NewDatabaseError wraps a local storage failure.
func NewDatabaseError(message string, err error) *SyncError {
	return Wrap(ErrDatabase, message, err)
}

func NewUnknownError(err error) *SyncError { return Wrap(ErrUnknown, "", err) }

// As returns the SyncError in err's chain, if any.
func As(err error) (*SyncError, bool) {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if se, ok := As(err); ok {
		return se.Code == code
	}
	return false
}

// Classify maps any error onto the taxonomy. It returns nil for nil.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return NewCancelledError(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(err)
	case stderrors.Is(err, sql.ErrConnDone), stderrors.Is(err, sql.ErrTxDone),
		stderrors.Is(err, models.ErrUnknownEntityType):
		return NewDatabaseError("", err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(err)
		}
		return NewNetworkError(err)
	}
	return NewUnknownError(err)
}

// FromStatus maps an HTTP-style status code onto the taxonomy. It returns nil
// for success codes.
func FromStatus(statusCode int, message string, retryAfter time.Duration) *SyncError {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 401, statusCode == 403:
		e := NewAuthenticationError(nil)
		e.StatusCode = statusCode
		if message != "" {
			e.Message = message
		}
		return e
	case statusCode == 429:
		return NewRateLimitError(retryAfter)
	case statusCode >= 500 && statusCode <= 599:
		e := NewServerError(statusCode, nil)
		if message != "" {
			e.Message = message
		}
		return e
	case statusCode >= 400 && statusCode <= 499:
		return NewClientError(statusCode, message)
	default:
		e := NewUnknownError(nil)
		e.StatusCode = statusCode
		if message != "" {
			e.Message = message
		}
		return e
	}
}
