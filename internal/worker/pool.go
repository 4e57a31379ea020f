package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/dispatcher"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		if ctx.Err() != nil {
			w.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		}

		claim, err := w.dispatcher.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, dispatcher.ErrQueueClosed) {
				w.errChan <- err
				return
			}

			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.claimBackoff):
			}
			continue
		}

		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", claim.Job.ID),
			slog.String("kind", string(claim.Job.Kind)),
		)
		w.processJob(ctx, claim)
	}
}
