package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/executor"
)

// errWorkerStopping is reported when the worker shuts down mid-job. It is
// retryable so the job goes back to the queue.
var errWorkerStopping = domain.NewBackendError("execute", errors.New("worker shutting down"))

const ackTimeout = 10 * time.Second

// processJob drives one claimed job until it finishes, fails or is taken
// away by a cancel or reclaim.
func (w *Worker) processJob(ctx context.Context, claim *dispatcher.Claim) {
	job := claim.Job
	token := claim.Token

	if err := w.record(ctx, token, 5, executor.StepLoading, nil); err != nil {
		w.logLost(job.ID, err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	h, err := w.executor.Invoke(jobCtx, job, token.Value)
	if err != nil {
		w.finish(ctx, token, dispatcher.Outcome{Err: w.classify(ctx, jobCtx, err)})
		return
	}

	if err := w.record(ctx, token, 10, executor.StepGenerating, &h.ExecutionID); err != nil {
		w.logLost(job.ID, err)
		w.executor.CancelExecution(ctx, job.ID, h.ExecutionID)
		return
	}

	outcome, lost := w.pollUntilDone(ctx, jobCtx, token, h)
	if lost {
		w.executor.CancelExecution(ctx, job.ID, h.ExecutionID)
		return
	}
	if outcome.Err != nil && jobCtx.Err() != nil {
		w.executor.CancelExecution(ctx, job.ID, h.ExecutionID)
	}
	w.finish(ctx, token, outcome)
}

// pollUntilDone polls the backend, recording progress, until the execution
// ends. lost reports that the job no longer belongs to this attempt.
func (w *Worker) pollUntilDone(ctx, jobCtx context.Context, token dispatcher.Token, h *executor.Handle) (outcome dispatcher.Outcome, lost bool) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastProgress, lastLabel := 10, executor.StepGenerating
	lastWrite := time.Now()
	failures := 0

	for {
		select {
		case <-jobCtx.Done():
			return dispatcher.Outcome{Err: w.classify(ctx, jobCtx, jobCtx.Err())}, false
		case <-ticker.C:
		}

		ev, err := w.executor.Poll(jobCtx, h)
		if err != nil {
			if jobCtx.Err() != nil {
				continue
			}
			failures++
			w.logger.Warn("Failed to poll execution",
				slog.String("job_id", token.JobID),
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= w.maxPollFailures {
				return dispatcher.Outcome{Err: err}, false
			}
			continue
		}
		failures = 0

		if ev.Done {
			if ev.Err != nil {
				return dispatcher.Outcome{Err: ev.Err}, false
			}
			if err := w.record(ctx, token, 95, executor.StepSaving, nil); err != nil {
				w.logLost(token.JobID, err)
				return dispatcher.Outcome{}, true
			}
			return dispatcher.Outcome{ResultRef: ev.ResultRef}, false
		}

		changed := ev.Progress != lastProgress || ev.StepLabel != lastLabel
		if !changed && time.Since(lastWrite) < w.heartbeatInterval {
			continue
		}
		if err := w.record(ctx, token, ev.Progress, ev.StepLabel, nil); err != nil {
			w.logLost(token.JobID, err)
			return dispatcher.Outcome{}, true
		}
		lastProgress, lastLabel, lastWrite = ev.Progress, ev.StepLabel, time.Now()
	}
}

// record writes progress for the attempt identified by token. A stale
// transition means the job was cancelled or reclaimed.
func (w *Worker) record(ctx context.Context, token dispatcher.Token, progress int, label string, executionID *string) error {
	_, err := w.store.Transition(ctx, token.JobID,
		[]domain.Status{domain.StatusRunning}, domain.StatusRunning,
		domain.Fields{
			IfToken:     token.Value,
			Progress:    &progress,
			StepLabel:   &label,
			ExecutionID: executionID,
			Actor:       domain.ActorWorker,
		},
	)
	return err
}

// classify turns a context error into the attempt's failure.
func (w *Worker) classify(ctx, jobCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return errWorkerStopping
	case jobCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return domain.NewBackendError("execute", fmt.Errorf("job exceeded timeout of %s", w.jobTimeout))
	}
	return err
}

func (w *Worker) finish(ctx context.Context, token dispatcher.Token, outcome dispatcher.Outcome) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	job, err := w.dispatcher.Ack(ackCtx, token, outcome)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			w.logLost(token.JobID, err)
			return
		}
		w.logger.Error("Failed to acknowledge job",
			slog.String("job_id", token.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Job attempt finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.Int("retry_count", job.RetryCount),
	)
}

func (w *Worker) logLost(jobID string, err error) {
	if errors.Is(err, domain.ErrStaleTransition) {
		w.logger.Debug("Job no longer owned by this attempt",
			slog.String("job_id", jobID),
			slog.String("reason", err.Error()),
		)
		return
	}
	w.logger.Error("Failed to record job progress",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
}
