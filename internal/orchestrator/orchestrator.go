// Package orchestrator is the application service behind the API: it
// admits, enqueues, cancels and retries jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

// Admitter is the policy gate.
type Admitter interface {
	Admit(ctx context.Context, sub domain.Submission) (*domain.Job, error)
}

// Enqueuer hands admitted jobs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)
}

// Canceller cancels a job locally and stops its execution.
type Canceller interface {
	Cancel(ctx context.Context, job *domain.Job, actor string) (*domain.Job, error)
}

type Service struct {
	gate      Admitter
	store     jobstore.Store
	queue     Enqueuer
	canceller Canceller
	logger    *slog.Logger
}

func New(gate Admitter, store jobstore.Store, queue Enqueuer, canceller Canceller, logger *slog.Logger) *Service {
	return &Service{
		gate:      gate,
		store:     store,
		queue:     queue,
		canceller: canceller,
		logger:    logger,
	}
}

// Submit admits sub and enqueues the new job. A failed enqueue does not
// fail the submission; the job stays Pending for the requeue sweep.
func (s *Service) Submit(ctx context.Context, sub domain.Submission) (*domain.Job, error) {
	job, err := s.gate.Admit(ctx, sub)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, job), nil
}

func (s *Service) enqueue(ctx context.Context, job *domain.Job) *domain.Job {
	queued, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.logger.Warn("Failed to enqueue admitted job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		if queued != nil {
			return queued
		}
		return job
	}
	return queued
}

// cancelAttempts bounds how often Cancel re-reads a job that moved
// between read and write.
const cancelAttempts = 3

// Cancel moves an active job to Cancelled. Terminal jobs yield
// domain.ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	for range cancelAttempts {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNotCancellable, jobID, job.Status)
		}

		cancelled, err := s.canceller.Cancel(ctx, job, domain.ActorAPI)
		if err == nil {
			s.logger.Info("Job cancelled",
				slog.String("job_id", jobID),
				slog.String("previous_status", string(job.Status)),
			)
			return cancelled, nil
		}
		if !errors.Is(err, domain.ErrStaleTransition) {
			return nil, err
		}
		s.logger.Debug("Job changed during cancel, retrying", slog.String("job_id", jobID))
	}
	return nil, fmt.Errorf("%w: job %s kept changing", domain.ErrNotCancellable, jobID)
}

// Retry re-submits a Failed job as a new job linked by retried_from. The
// new job goes through admission again.
func (s *Service) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	original, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNotRetryable, jobID, original.Status)
	}

	job, err := s.gate.Admit(ctx, domain.Submission{
		OwnerID:     original.OwnerID,
		ProjectID:   original.ProjectID,
		Kind:        original.Kind,
		Prompt:      original.Prompt,
		Params:      original.Params.Clone(),
		Priority:    original.Priority,
		RetriedFrom: original.ID,
		Attempt:     original.Attempt + 1,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job retried",
		slog.String("job_id", job.ID),
		slog.String("retried_from", original.ID),
		slog.Int("attempt", job.Attempt),
	)
	return s.enqueue(ctx, job), nil
}

func (s *Service) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.Get(ctx, jobID)
}

// DefaultPageSize applies when a List filter carries no limit.
const DefaultPageSize = 20

// List returns one page and whether more rows follow.
func (s *Service) List(ctx context.Context, filter jobstore.Filter) ([]*domain.Job, bool, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	filter.Limit = limit + 1

	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	if len(jobs) > limit {
		return jobs[:limit], true, nil
	}
	return jobs, false, nil
}

func (s *Service) History(ctx context.Context, jobID string) ([]domain.AuditEntry, error) {
	return s.store.History(ctx, jobID)
}
