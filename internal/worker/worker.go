// Package worker runs the claim, execute and acknowledge loop for jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/executor"
)

// Claimer hands out jobs and records their outcome.
type Claimer interface {
	Claim(ctx context.Context) (*dispatcher.Claim, error)
	Ack(ctx context.Context, token dispatcher.Token, outcome dispatcher.Outcome) (*domain.Job, error)
}

// Executor drives one job on the execution backend.
type Executor interface {
	Invoke(ctx context.Context, job *domain.Job, token string) (*executor.Handle, error)
	Poll(ctx context.Context, h *executor.Handle) (executor.Event, error)
	CancelExecution(ctx context.Context, jobID, executionID string)
}

// Recorder writes progress through the job store.
type Recorder interface {
	Transition(ctx context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Dispatcher        Claimer
	Executor          Executor
	Store             Recorder
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxPollFailures   int
	ClaimBackoff      time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	dispatcher        Claimer
	executor          Executor
	store             Recorder
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	maxPollFailures   int
	claimBackoff      time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	errChan  chan error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		dispatcher:        cfg.Dispatcher,
		executor:          cfg.Executor,
		store:             cfg.Store,
		workerID:          cfg.WorkerID,
		concurrency:       max(cfg.Concurrency, 1),
		jobTimeout:        cfg.JobTimeout,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxPollFailures:   cfg.MaxPollFailures,
		claimBackoff:      cfg.ClaimBackoff,
		stopChan:          make(chan struct{}),
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Minute
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.maxPollFailures <= 0 {
		w.maxPollFailures = 3
	}
	if w.claimBackoff <= 0 {
		w.claimBackoff = time.Second
	}
	w.errChan = make(chan error, w.concurrency)
	return w
}

// Start processes jobs until ctx is canceled, Stop is called or the queue
// closes. It returns after every goroutine has exited.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)

	var err error
	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	case err = <-w.errChan:
		w.logger.Error("Worker stopping on fatal error", slog.String("error", err.Error()))
	}

	cancel()
	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))

	if errors.Is(err, dispatcher.ErrQueueClosed) {
		return err
	}
	return nil
}

// Stop asks Start to return
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
