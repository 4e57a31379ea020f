package domain

import "time"

// Snapshot is the status view of a job served to callers.
type Snapshot struct {
	JobID       string         `json:"job_id"`
	OwnerID     string         `json:"owner_id"`
	Kind        Kind           `json:"job_kind"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	StepLabel   string         `json:"step_label,omitempty"`
	Error       *SnapshotError `json:"error,omitempty"`
	ResultRef   string         `json:"result_ref,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Attempt     int            `json:"attempt"`
	RetriedFrom string         `json:"retried_from,omitempty"`
	Version     int64          `json:"version"`
	Timestamps  Timestamps     `json:"timestamps"`
}

type SnapshotError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type Timestamps struct {
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot projects the job onto its status view. Progress is only
// meaningful while Running and on Completed.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		JobID:       j.ID,
		OwnerID:     j.OwnerID,
		Kind:        j.Kind,
		Status:      j.Status,
		StepLabel:   j.StepLabel,
		ResultRef:   j.ResultRef,
		RetryCount:  j.RetryCount,
		Attempt:     j.Attempt,
		RetriedFrom: j.RetriedFrom,
		Version:     j.Version,
		Timestamps: Timestamps{
			SubmittedAt: j.SubmittedAt,
			UpdatedAt:   j.UpdatedAt,
			StartedAt:   cloneTime(j.StartedAt),
			CompletedAt: cloneTime(j.CompletedAt),
		},
	}

	switch j.Status {
	case StatusRunning:
		s.Progress = j.Progress
	case StatusCompleted:
		s.Progress = 100
	case StatusFailed:
		s.Error = &SnapshotError{Code: j.ErrorCode, Detail: j.ErrorDetail}
	}
	return s
}
