package jobstore

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Publisher receives a snapshot after every committed write.
type Publisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) error
}

// Observed decorates a Store so each committed write is pushed to a
// Publisher. Publish failures are logged; the write stands.
type Observed struct {
	Store
	pub    Publisher
	logger *slog.Logger
}

func NewObserved(store Store, pub Publisher, logger *slog.Logger) *Observed {
	return &Observed{Store: store, pub: pub, logger: logger}
}

func (o *Observed) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	created, err := o.Store.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, created)
	return created, nil
}

func (o *Observed) Admit(ctx context.Context, job *domain.Job, check func(w *domain.RateWindow) error) (*domain.Job, error) {
	created, err := o.Store.Admit(ctx, job, check)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, created)
	return created, nil
}

func (o *Observed) Transition(ctx context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error) {
	updated, err := o.Store.Transition(ctx, jobID, from, to, fields)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, updated)
	return updated, nil
}

func (o *Observed) publish(ctx context.Context, job *domain.Job) {
	if err := o.pub.Publish(ctx, job.Snapshot()); err != nil {
		o.logger.Warn("Failed to publish job snapshot",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
