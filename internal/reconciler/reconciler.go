// Package reconciler periodically resolves jobs that no worker is driving:
// Running jobs that stopped reporting progress, and Pending or Queued jobs
// whose queue message was lost.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

// Threshold bounds how long a Running job of one kind may go unattended.
type Threshold struct {
	// MaxExecution caps the time since the job entered Running.
	MaxExecution time.Duration
	// Staleness caps the time since the last progress write.
	Staleness time.Duration
}

type Config struct {
	Interval     time.Duration
	BatchSize    int
	RequeueAfter time.Duration
	Thresholds   map[domain.Kind]Threshold
	Default      Threshold
}

// DefaultThresholds are used for kinds missing from Config.Thresholds.
var DefaultThresholds = map[domain.Kind]Threshold{
	domain.KindImage:   {MaxExecution: 10 * time.Minute, Staleness: 2 * time.Minute},
	domain.KindVideo:   {MaxExecution: 30 * time.Minute, Staleness: 5 * time.Minute},
	domain.KindModel3D: {MaxExecution: 45 * time.Minute, Staleness: 5 * time.Minute},
}

// Dispatcher is the part of the dispatcher the sweep drives.
type Dispatcher interface {
	Ack(ctx context.Context, token dispatcher.Token, outcome dispatcher.Outcome) (*domain.Job, error)
	Republish(ctx context.Context, job *domain.Job) (*domain.Job, error)
}

// ExecutionCanceller stops a backend execution in the background.
type ExecutionCanceller interface {
	CancelExecution(ctx context.Context, jobID, executionID string)
}

type Lister interface {
	List(ctx context.Context, filter jobstore.Filter) ([]*domain.Job, error)
}

// Result counts what one sweep changed.
type Result struct {
	Reclaimed int
	Requeued  int
}

type Reconciler struct {
	store      Lister
	dispatcher Dispatcher
	canceller  ExecutionCanceller
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(store Lister, d Dispatcher, canceller ExecutionCanceller, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = 5 * time.Minute
	}
	if cfg.Default == (Threshold{}) {
		cfg.Default = Threshold{MaxExecution: 30 * time.Minute, Staleness: 5 * time.Minute}
	}

	r := &Reconciler{
		store:      store,
		dispatcher: d,
		canceller:  canceller,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciler sweep failed", slog.String("error", err.Error()))
				continue
			}
			if res.Reclaimed > 0 || res.Requeued > 0 {
				r.logger.Info("Reconciler sweep finished",
					slog.Int("reclaimed", res.Reclaimed),
					slog.Int("requeued", res.Requeued),
				)
			}
		}
	}
}

// Sweep runs one pass over Running jobs and then over unclaimed ones.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	var res Result

	reclaimed, err := r.reclaimStalled(ctx)
	res.Reclaimed = reclaimed
	if err != nil {
		return res, err
	}

	requeued, err := r.requeueUnclaimed(ctx)
	res.Requeued = requeued
	return res, err
}

func (r *Reconciler) threshold(kind domain.Kind) Threshold {
	if t, ok := r.cfg.Thresholds[kind]; ok {
		return t
	}
	if t, ok := DefaultThresholds[kind]; ok {
		return t
	}
	return r.cfg.Default
}

// Stalled reports whether a Running job has gone without progress for its
// staleness window or has run past its execution cap.
func (r *Reconciler) Stalled(job *domain.Job, now time.Time) bool {
	if job.Status != domain.StatusRunning {
		return false
	}
	t := r.threshold(job.Kind)

	lastSeen := job.UpdatedAt
	if job.LastProgressAt != nil {
		lastSeen = *job.LastProgressAt
	}
	if t.Staleness > 0 && now.Sub(lastSeen) > t.Staleness {
		return true
	}
	return t.MaxExecution > 0 && job.StartedAt != nil && now.Sub(*job.StartedAt) > t.MaxExecution
}

func (r *Reconciler) reclaimStalled(ctx context.Context) (int, error) {
	now := r.now()
	count := 0

	err := r.scan(ctx, jobstore.Filter{Statuses: []domain.Status{domain.StatusRunning}}, func(job *domain.Job) {
		if !r.Stalled(job, now) {
			return
		}

		token := dispatcher.Token{JobID: job.ID, Value: job.DispatchToken}
		updated, err := r.dispatcher.Ack(ctx, token, dispatcher.Outcome{
			Err:   domain.ErrOrphanTimeout,
			Actor: domain.ActorReconciler,
		})
		if err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				r.logger.Debug("Stalled job moved on before reclaim", slog.String("job_id", job.ID))
				return
			}
			r.logger.Error("Failed to reclaim stalled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		count++
		r.logger.Warn("Reclaimed stalled job",
			slog.String("job_id", job.ID),
			slog.String("worker_id", job.WorkerID),
			slog.String("status", string(updated.Status)),
			slog.Int("retry_count", updated.RetryCount),
		)

		if job.ExecutionID != "" && r.canceller != nil {
			r.canceller.CancelExecution(ctx, job.ID, job.ExecutionID)
		}
	})
	return count, err
}

func (r *Reconciler) requeueUnclaimed(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.RequeueAfter)
	count := 0

	filter := jobstore.Filter{
		Statuses:      []domain.Status{domain.StatusPending, domain.StatusQueued},
		UpdatedBefore: &cutoff,
	}
	err := r.scan(ctx, filter, func(job *domain.Job) {
		if _, err := r.dispatcher.Republish(ctx, job); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, dispatcher.ErrStillQueued) {
				return
			}
			r.logger.Error("Failed to requeue job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		count++
		r.logger.Info("Requeued unclaimed job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
	})
	return count, err
}

// scan pages through filter oldest first.
func (r *Reconciler) scan(ctx context.Context, filter jobstore.Filter, fn func(*domain.Job)) error {
	filter.OldestFirst = true
	filter.Limit = r.cfg.BatchSize

	for {
		jobs, err := r.store.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn(job)
		}
		if len(jobs) < filter.Limit {
			return nil
		}
		last := jobs[len(jobs)-1]
		filter.Cursor = &jobstore.Cursor{SubmittedAt: last.SubmittedAt, JobID: last.ID}
	}
}
