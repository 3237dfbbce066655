package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/ghpipe/internal/model"
)

// ValidationError marks a malformed or unclassifiable input item. Never retried.
type ValidationError struct {
	Ref    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Ref == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Ref, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(ref, format string, args ...any) *ValidationError {
	return &ValidationError{Ref: ref, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PersistenceError wraps a store failure inside a batch (constraint
// violation, lost connection). The batch is rolled back and retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps err as a PersistenceError for op. A nil err stays nil.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// FatalError marks a programming or configuration error. It aborts the run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps err as fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Classify maps an error onto the run error taxonomy. Unknown errors are
// treated as persistence failures when they are not transient.
func Classify(err error) model.ErrorKind {
	var (
		ve *ValidationError
		fe *FatalError
		pe *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return model.ErrorKindFatal
	case errors.As(err, &ve):
		return model.ErrorKindValidation
	case errors.Is(err, context.Canceled):
		return model.ErrorKindCancelled
	case errors.As(err, &pe):
		return model.ErrorKindPersistence
	case IsTransient(err):
		return model.ErrorKindTransient
	default:
		return model.ErrorKindPersistence
	}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether a batch that failed with err may be retried:
// transient and persistence failures are, validation and fatal ones are not.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) || IsValidation(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *PersistenceError
	return errors.As(err, &pe) || IsTransient(err)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures, lock timeouts).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"database is locked",
	"sqlite_busy",
	"lock timeout",
	"deadlock detected",
}

// IsTransientHTTPStatus reports whether a lookup response status should be
// retried. Every 4xx and 5xx counts: the budget bounds the cost.
func IsTransientHTTPStatus(statusCode int) bool {
	return statusCode >= 400 && statusCode <= 599
}
