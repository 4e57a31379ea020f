package domain

import "fmt"

// Status is the lifecycle state of a job.
type Status string

// Job status constants
const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusRunning}

// IsTerminal reports whether s is Completed, Failed or Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus accepts the canonical upper-case form.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// Kind is the closed set of generation job kinds.
type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindModel3D Kind = "model_3d"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindImage, KindVideo, KindModel3D}

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindModel3D:
		return true
	}
	return false
}

// Actors recorded on audit entries.
const (
	ActorAPI        = "api"
	ActorDispatcher = "dispatcher"
	ActorWorker     = "worker"
	ActorReconciler = "reconciler"
)

// Machine-readable failure reasons exposed through the status interface.
const (
	ReasonBackendError      = "execution_backend_error"
	ReasonOrphanTimeout     = "orphan_timeout"
	ReasonInvalidParameters = "invalid_parameters"
	ReasonTemplateNotFound  = "template_not_found"
	ReasonInternal          = "internal_error"
)

const (
	MinPriority = 0
	MaxPriority = 9
)
