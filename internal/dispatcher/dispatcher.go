// Package dispatcher moves admitted jobs through the work queue. It mints a
// fresh dispatch token on every claim and routes every status change through
// the job store's compare-and-set, so duplicate deliveries and late
// callbacks are dropped rather than double-executed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

// Token identifies one in-flight attempt of a job.
type Token struct {
	JobID string
	Value string
}

// Claim is a job handed to a worker together with its dispatch token.
type Claim struct {
	Job   *domain.Job
	Token Token
}

// Outcome is what a worker, or the reconciler, reports for an attempt.
type Outcome struct {
	ResultRef string
	Err       error
	Actor     string
}

type Dispatcher struct {
	store    jobstore.Store
	queue    Queue
	workerID string
	logger   *slog.Logger
}

func New(store jobstore.Store, queue Queue, workerID string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		queue:    queue,
		workerID: workerID,
		logger:   logger,
	}
}

// Enqueue moves a Pending job to Queued and publishes it.
func (d *Dispatcher) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	queued, err := d.store.Transition(ctx, job.ID,
		[]domain.Status{domain.StatusPending}, domain.StatusQueued,
		domain.Fields{Actor: domain.ActorDispatcher, Reason: "enqueued"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}

	if err := d.publish(ctx, queued); err != nil {
		return d.unqueue(ctx, queued), err
	}
	return queued, nil
}

// unqueue moves a job whose publish failed back to Pending, where the
// requeue sweep picks it up.
func (d *Dispatcher) unqueue(ctx context.Context, job *domain.Job) *domain.Job {
	pending, err := d.store.Transition(context.WithoutCancel(ctx), job.ID,
		[]domain.Status{domain.StatusQueued}, domain.StatusPending,
		domain.Fields{Actor: domain.ActorDispatcher, Reason: "publish_failed"},
	)
	if err != nil {
		d.logger.Warn("Failed to return unpublished job to pending",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return job
	}
	return pending
}

// Republish publishes a job whose queue message may be lost. Pending jobs
// are enqueued. A Queued job is published again only when the queue is a
// Tracker that no longer holds its message; otherwise ErrStillQueued is
// returned and nothing changes.
func (d *Dispatcher) Republish(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.Status == domain.StatusPending {
		return d.Enqueue(ctx, job)
	}

	tracker, ok := d.queue.(Tracker)
	if !ok {
		return nil, ErrStillQueued
	}
	held, err := tracker.Holds(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, ErrStillQueued
	}

	touched, err := d.store.Transition(ctx, job.ID,
		[]domain.Status{domain.StatusQueued}, domain.StatusQueued,
		domain.Fields{Actor: domain.ActorReconciler, Reason: "republished", Audit: true},
	)
	if err != nil {
		return nil, err
	}
	if err := d.publish(ctx, touched); err != nil {
		return d.unqueue(ctx, touched), err
	}
	return touched, nil
}

func (d *Dispatcher) publish(ctx context.Context, job *domain.Job) error {
	err := d.queue.Publish(ctx, Message{
		JobID:      job.ID,
		Kind:       job.Kind,
		Priority:   job.Priority,
		RetryCount: job.RetryCount,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("Failed to publish job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	d.logger.Debug("Job published",
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
		slog.Int("retry_count", job.RetryCount),
	)
	return nil
}

// Claim blocks for the next deliverable job, mints a dispatch token and
// moves the job to Running. Deliveries whose job already left
// Pending/Queued are acknowledged and skipped.
func (d *Dispatcher) Claim(ctx context.Context) (*Claim, error) {
	for {
		delivery, err := d.queue.Receive(ctx)
		if err != nil {
			return nil, err
		}
		msg := delivery.Message()

		token := uuid.NewString()
		job, err := d.store.Transition(ctx, msg.JobID,
			[]domain.Status{domain.StatusPending, domain.StatusQueued}, domain.StatusRunning,
			domain.Fields{
				Token:    token,
				WorkerID: &d.workerID,
				Actor:    domain.ActorWorker,
				Reason:   "claimed by " + d.workerID,
			},
		)
		if err != nil {
			if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrJobNotFound) {
				d.logger.Debug("Dropping stale delivery",
					slog.String("job_id", msg.JobID),
					slog.String("reason", err.Error()),
				)
				d.settle(ctx, delivery, msg.JobID)
				continue
			}

			if nackErr := delivery.Nack(ctx, true); nackErr != nil {
				d.logger.Error("Failed to NACK delivery",
					slog.String("job_id", msg.JobID),
					slog.String("error", nackErr.Error()),
				)
			}
			return nil, fmt.Errorf("failed to claim job %s: %w", msg.JobID, err)
		}

		d.settle(ctx, delivery, msg.JobID)

		d.logger.Info("Job claimed",
			slog.String("job_id", job.ID),
			slog.String("worker_id", d.workerID),
			slog.Int("retry_count", job.RetryCount),
		)
		return &Claim{Job: job, Token: Token{JobID: job.ID, Value: token}}, nil
	}
}

// settle acknowledges a delivery once the store owns the outcome. A crash
// after this point is recovered by the reconciler, not by redelivery.
func (d *Dispatcher) settle(ctx context.Context, delivery Delivery, jobID string) {
	if err := delivery.Ack(ctx); err != nil {
		d.logger.Error("Failed to ACK delivery",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// Ack finalizes an attempt. Success completes the job; a retryable failure
// re-enqueues it with an incremented retry count while retries remain;
// anything else fails it. A token that no longer owns the job yields
// domain.ErrStaleTransition and changes nothing.
func (d *Dispatcher) Ack(ctx context.Context, token Token, outcome Outcome) (*domain.Job, error) {
	actor := outcome.Actor
	if actor == "" {
		actor = domain.ActorWorker
	}
	running := []domain.Status{domain.StatusRunning}

	if outcome.Err == nil {
		return d.store.Transition(ctx, token.JobID, running, domain.StatusCompleted, domain.Fields{
			IfToken:   token.Value,
			ResultRef: outcome.ResultRef,
			Actor:     actor,
			Reason:    "completed",
		})
	}

	job, err := d.store.Get(ctx, token.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusRunning || job.DispatchToken != token.Value {
		return nil, fmt.Errorf("%w: job %s no longer owned by token", domain.ErrStaleTransition, token.JobID)
	}

	failure := domain.FailureOf(outcome.Err)

	if domain.IsRetryable(outcome.Err) && job.RetryCount < job.MaxRetries {
		queued, err := d.store.Transition(ctx, token.JobID, running, domain.StatusQueued, domain.Fields{
			IfToken:        token.Value,
			IncrementRetry: true,
			Actor:          actor,
			Reason:         failure.Code,
		})
		if err != nil {
			return nil, err
		}

		d.logger.Warn("Job attempt failed, re-enqueued",
			slog.String("job_id", queued.ID),
			slog.Int("retry_count", queued.RetryCount),
			slog.Int("max_retries", queued.MaxRetries),
			slog.String("reason", failure.Code),
		)
		if err := d.publish(ctx, queued); err != nil {
			d.logger.Warn("Re-enqueued job left for requeue sweep", slog.String("job_id", queued.ID))
			return d.unqueue(ctx, queued), nil
		}
		return queued, nil
	}

	failed, err := d.store.Transition(ctx, token.JobID, running, domain.StatusFailed, domain.Fields{
		IfToken:     token.Value,
		ErrorCode:   failure.Code,
		ErrorDetail: failure.Detail,
		Actor:       actor,
		Reason:      failure.Code,
	})
	if err != nil {
		return nil, err
	}

	d.logger.Error("Job failed",
		slog.String("job_id", failed.ID),
		slog.Int("retry_count", failed.RetryCount),
		slog.String("reason", failure.Code),
	)
	return failed, nil
}
