package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrStaleTransition is returned when a compare-and-set precondition does not match
	ErrStaleTransition = errors.New("stale transition")

	// ErrInvalidTransition is returned for an edge the state machine does not allow
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRetriesExhausted is returned when a job has used all of its automatic retries
	ErrRetriesExhausted = errors.New("max retries exceeded")

	ErrNotCancellable = errors.New("job is not cancellable")
	ErrNotRetryable   = errors.New("job is not retryable")

	// ErrOrphanTimeout marks a running job the reconciler found stalled
	ErrOrphanTimeout = errors.New("orphan timeout")

	ErrInvalidParameters = errors.New("invalid parameters")
	ErrTemplateNotFound  = errors.New("workflow template not found")
)

// AdmissionRejectedError is a policy, resource or rate violation. It is never
// retried and is surfaced verbatim to the submitter.
type AdmissionRejectedError struct {
	Rule   string
	Reason string
}

func (e *AdmissionRejectedError) Error() string {
	return "admission rejected (" + e.Rule + "): " + e.Reason
}

// Reject builds an AdmissionRejectedError with a formatted reason.
func Reject(rule, format string, args ...any) *AdmissionRejectedError {
	return &AdmissionRejectedError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionBackendError wraps a failed backend invocation, poll or a
// backend-reported generation error. Permanent errors skip automatic retry.
type ExecutionBackendError struct {
	Op        string
	Err       error
	Permanent bool
}

func (e *ExecutionBackendError) Error() string {
	return "execution backend " + e.Op + ": " + e.Err.Error()
}

func (e *ExecutionBackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a retryable backend error
func NewBackendError(op string, err error) error {
	return &ExecutionBackendError{Op: op, Err: err}
}

// NewPermanentBackendError creates a backend error that goes straight to Failed
func NewPermanentBackendError(op string, err error) error {
	return &ExecutionBackendError{Op: op, Err: err, Permanent: true}
}

// IsRetryable reports whether err should re-enqueue the job while retries remain.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrOrphanTimeout) {
		return true
	}
	var backendErr *ExecutionBackendError
	if errors.As(err, &backendErr) {
		return !backendErr.Permanent
	}
	return false
}

// Failure is the user-visible reason recorded on a failed job.
type Failure struct {
	Code   string
	Detail string
}

// FailureOf maps err onto a reason code and a sanitized detail.
func FailureOf(err error) Failure {
	if err == nil {
		return Failure{Code: ReasonInternal, Detail: "unknown error"}
	}

	var backendErr *ExecutionBackendError
	switch {
	case errors.Is(err, ErrOrphanTimeout):
		return Failure{Code: ReasonOrphanTimeout, Detail: "job stopped reporting progress and was reclaimed"}
	case errors.Is(err, ErrTemplateNotFound):
		return Failure{Code: ReasonTemplateNotFound, Detail: SanitizeDetail(err.Error())}
	case errors.Is(err, ErrInvalidParameters):
		return Failure{Code: ReasonInvalidParameters, Detail: SanitizeDetail(err.Error())}
	case errors.As(err, &backendErr):
		return Failure{Code: ReasonBackendError, Detail: SanitizeDetail(backendErr.Err.Error())}
	default:
		return Failure{Code: ReasonInternal, Detail: "internal error"}
	}
}
