package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Job is the authoritative record of a generation request and its lifecycle.
type Job struct {
	ID        string `db:"job_id"`
	OwnerID   string `db:"owner_id"`
	ProjectID string `db:"project_id"`

	Kind        Kind      `db:"kind"`
	Prompt      string    `db:"prompt"`
	Params      Params    `db:"params"`
	Priority    int       `db:"priority"`
	SubmittedAt time.Time `db:"submitted_at"`

	Status        Status `db:"status"`
	Progress      int    `db:"progress"`
	StepLabel     string `db:"step_label"`
	ErrorCode     string `db:"error_code"`
	ErrorDetail   string `db:"error_detail"`
	ResultRef     string `db:"result_ref"`
	RetryCount    int    `db:"retry_count"`
	MaxRetries    int    `db:"max_retries"`
	Attempt       int    `db:"attempt"`
	RetriedFrom   string `db:"retried_from"`
	DispatchToken string `db:"dispatch_token"`
	WorkerID      string `db:"worker_id"`
	ExecutionID   string `db:"execution_id"`
	Version       int64  `db:"version"`

	UpdatedAt      time.Time  `db:"updated_at"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	LastProgressAt *time.Time `db:"last_progress_at"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Params = j.Params.Clone()
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LastProgressAt = cloneTime(j.LastProgressAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Submission is the admission input for a new job.
type Submission struct {
	OwnerID   string
	ProjectID string
	Kind      Kind
	Prompt    string
	Params    Params
	Priority  int

	RetriedFrom string
	Attempt     int
}

// AuditEntry is an immutable record of one status change.
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	JobID      string    `db:"job_id" json:"job_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Actor      string    `db:"actor" json:"actor"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Params is the kind-specific parameter bag, stored as JSONB.
type Params map[string]any

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return string(data), nil
}

func (p *Params) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported params type %T", src)
	}
	out := Params{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	*p = out
	return nil
}

// Number returns the first present key as a float64. A present but
// non-numeric value is an ErrInvalidParameters error.
func (p Params) Number(keys ...string) (float64, bool, error) {
	for _, key := range keys {
		raw, ok := p[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, true, nil
		case float32:
			return float64(v), true, nil
		case int:
			return float64(v), true, nil
		case int64:
			return float64(v), true, nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return 0, true, fmt.Errorf("%w: %s is not a number", ErrInvalidParameters, key)
			}
			return f, true, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, true, fmt.Errorf("%w: %s is not a number", ErrInvalidParameters, key)
			}
			return f, true, nil
		default:
			return 0, true, fmt.Errorf("%w: %s is not a number", ErrInvalidParameters, key)
		}
	}
	return 0, false, nil
}

// String returns a non-empty string value for key.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// RateWindow holds an owner's admission counters at one instant. Hourly and
// daily counts cover jobs submitted in the trailing hour and day; Concurrent
// counts active jobs. Stores derive them at admission time.
type RateWindow struct {
	OwnerID    string `db:"owner_id"`
	Concurrent int    `db:"concurrent"`
	HourCount  int    `db:"hour_count"`
	DayCount   int    `db:"day_count"`
}

// WindowStarts returns the earliest submission times that still count
// toward the hourly and daily limits at now.
func WindowStarts(now time.Time) (hour, day time.Time) {
	return now.Add(-time.Hour), now.Add(-24 * time.Hour)
}
