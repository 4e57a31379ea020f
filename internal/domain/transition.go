package domain

import (
	"fmt"
	"slices"
	"time"
)

// allowedTransitions is the job state machine. Self edges on Queued and
// Running carry progress, heartbeats and requeue touches. Queued -> Pending
// undoes an enqueue whose publish failed.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusPending, StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusRunning, StatusQueued, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Fields are the optional mutations and token precondition of a transition.
type Fields struct {
	// IfToken, when set, requires the job's current dispatch token to match.
	IfToken string
	// Token is installed as the dispatch token when entering Running.
	Token string

	WorkerID    *string
	ExecutionID *string
	Progress    *int
	StepLabel   *string

	ResultRef   string
	ErrorCode   string
	ErrorDetail string

	IncrementRetry bool

	Actor  string
	Reason string
	// Audit records a same-status write in the audit trail. Status changes
	// are always recorded.
	Audit bool
}

// Audited reports whether a write from prev to to gets an audit entry.
func (f Fields) Audited(prev, to Status) bool {
	return prev != to || f.Audit
}

// Apply performs a compare-and-set transition on job in place. On error job
// is left untouched. It returns the status the job held before the change.
func Apply(job *Job, from []Status, to Status, f Fields, now time.Time) (Status, error) {
	prev := job.Status

	if !slices.Contains(from, prev) {
		return prev, fmt.Errorf("%w: job %s is %s, expected one of %v", ErrStaleTransition, job.ID, prev, from)
	}
	if f.IfToken != "" && job.DispatchToken != f.IfToken {
		return prev, fmt.Errorf("%w: job %s dispatch token mismatch", ErrStaleTransition, job.ID)
	}
	if !CanTransition(prev, to) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, to)
	}
	if to == StatusCompleted && f.ResultRef == "" {
		return prev, fmt.Errorf("%w: completed without result reference", ErrInvalidTransition)
	}
	if to == StatusRunning && prev != StatusRunning && f.Token == "" {
		return prev, fmt.Errorf("%w: running requires a dispatch token", ErrInvalidTransition)
	}
	if f.IncrementRetry && job.RetryCount >= job.MaxRetries {
		return prev, fmt.Errorf("%w: job %s retry %d of %d", ErrRetriesExhausted, job.ID, job.RetryCount, job.MaxRetries)
	}

	switch to {
	case StatusRunning:
		if prev != StatusRunning {
			job.DispatchToken = f.Token
			job.StartedAt = &now
			job.Progress = 0
			job.StepLabel = ""
			job.ExecutionID = ""
		}
		if f.Progress != nil {
			job.Progress = max(job.Progress, min(max(*f.Progress, 0), 100))
		}
		job.LastProgressAt = &now

	case StatusQueued:
		job.DispatchToken = ""
		job.WorkerID = ""
		job.ExecutionID = ""
		job.Progress = 0
		job.StepLabel = ""
		job.StartedAt = nil
		job.LastProgressAt = nil

	case StatusCompleted:
		job.DispatchToken = ""
		job.Progress = 100
		job.ResultRef = f.ResultRef
		job.ErrorCode = ""
		job.ErrorDetail = ""
		job.CompletedAt = &now

	case StatusFailed:
		job.DispatchToken = ""
		job.ResultRef = ""
		job.ErrorCode = f.ErrorCode
		if job.ErrorCode == "" {
			job.ErrorCode = ReasonInternal
		}
		job.ErrorDetail = SanitizeDetail(f.ErrorDetail)
		job.CompletedAt = &now

	case StatusCancelled:
		job.DispatchToken = ""
		job.ResultRef = ""
		job.ErrorCode = ""
		job.ErrorDetail = ""
		job.CompletedAt = &now
	}

	if f.WorkerID != nil {
		job.WorkerID = *f.WorkerID
	}
	if f.ExecutionID != nil && to == StatusRunning {
		job.ExecutionID = *f.ExecutionID
	}
	if f.StepLabel != nil {
		job.StepLabel = *f.StepLabel
	}
	if f.IncrementRetry {
		job.RetryCount++
	}

	job.Status = to
	job.Version++
	job.UpdatedAt = now
	return prev, nil
}
