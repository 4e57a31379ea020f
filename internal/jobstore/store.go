// Package jobstore owns the authoritative job records. Every status change
// goes through Transition, a compare-and-set on the current status and,
// optionally, the dispatch token.
package jobstore

import (
	"context"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Store is the durable job repository.
type Store interface {
	// Create inserts a Pending job without rate accounting.
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	// Admit inserts a Pending job atomically with the owner's rate window.
	Admit(ctx context.Context, job *domain.Job, check func(w *domain.RateWindow) error) (*domain.Job, error)
	// Transition moves a job to `to` only if its status is one of `from`.
	// It returns domain.ErrStaleTransition without side effects otherwise.
	Transition(ctx context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter Filter) ([]*domain.Job, error)
	History(ctx context.Context, jobID string) ([]domain.AuditEntry, error)
}

// Filter selects jobs for List. Zero fields do not filter.
type Filter struct {
	OwnerID   string
	ProjectID string
	Kind      domain.Kind
	Statuses  []domain.Status

	// UpdatedBefore selects jobs not written since the given time.
	UpdatedBefore *time.Time

	// OldestFirst orders by submission ascending instead of descending.
	OldestFirst bool
	Cursor      *Cursor
	Limit       int
}

// Cursor is a keyset position in submission order.
type Cursor struct {
	SubmittedAt time.Time
	JobID       string
}

const defaultListLimit = 100
