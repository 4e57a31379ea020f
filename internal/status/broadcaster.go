// Package status serves job snapshots to callers, by polling the job store
// or by subscribing to pushed updates.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Reader is the read side of the job store.
type Reader interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}

// Notifier delivers pushed snapshots. The returned cancel func releases
// the subscription and closes the channel.
type Notifier interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
	Subscribe(ctx context.Context, jobID string) (<-chan domain.Snapshot, func(), error)
}

type Broadcaster struct {
	store        Reader
	notifier     Notifier
	resyncPeriod time.Duration
	logger       *slog.Logger
}

// NewBroadcaster builds a Broadcaster. A nil notifier makes Subscribe poll
// the store every resyncPeriod.
func NewBroadcaster(store Reader, notifier Notifier, resyncPeriod time.Duration, logger *slog.Logger) *Broadcaster {
	if resyncPeriod <= 0 {
		resyncPeriod = 2 * time.Second
	}
	return &Broadcaster{
		store:        store,
		notifier:     notifier,
		resyncPeriod: resyncPeriod,
		logger:       logger,
	}
}

// GetStatus reads the committed snapshot from the store.
func (b *Broadcaster) GetStatus(ctx context.Context, jobID string) (domain.Snapshot, error) {
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Subscribe emits the current snapshot, then every newer one, and closes
// after a terminal snapshot or when ctx is done. Snapshots arrive in
// increasing version order.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (<-chan domain.Snapshot, error) {
	var (
		live   <-chan domain.Snapshot
		cancel = func() {}
	)
	if b.notifier != nil {
		ch, c, err := b.notifier.Subscribe(ctx, jobID)
		if err != nil {
			b.logger.Warn("Falling back to polling for job status",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		} else {
			live, cancel = ch, c
		}
	}

	current, err := b.GetStatus(ctx, jobID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan domain.Snapshot, 1)
	go b.forward(ctx, jobID, current, live, cancel, out)
	return out, nil
}

func (b *Broadcaster) forward(ctx context.Context, jobID string, current domain.Snapshot, live <-chan domain.Snapshot, cancel func(), out chan<- domain.Snapshot) {
	defer close(out)
	defer cancel()

	var last int64
	emit := func(snap domain.Snapshot) bool {
		if snap.Version <= last {
			return true
		}
		last = snap.Version
		select {
		case out <- snap:
		case <-ctx.Done():
			return false
		}
		return !snap.Status.IsTerminal()
	}

	if !emit(current) {
		return
	}

	ticker := time.NewTicker(b.resyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			if !emit(snap) {
				return
			}
		case <-ticker.C:
			snap, err := b.GetStatus(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("Failed to resync job status",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if !emit(snap) {
				return
			}
		}
	}
}
