package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresQueue is a work queue on the job_queue table. Receivers lease a
// row with FOR UPDATE SKIP LOCKED and hide it for the visibility timeout;
// an unacknowledged lease becomes visible again.
type PostgresQueue struct {
	db           *sqlx.DB
	name         string
	visibility   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

type PostgresQueueConfig struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func NewPostgresQueue(db *sqlx.DB, cfg PostgresQueueConfig, logger *slog.Logger) *PostgresQueue {
	if cfg.Name == "" {
		cfg.Name = "jobs"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &PostgresQueue{
		db:           db,
		name:         cfg.Name,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
}

func (q *PostgresQueue) Publish(ctx context.Context, msg Message) error {
	enqueuedAt := msg.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO job_queue (queue, job_id, priority, attempt, enqueued_at, visible_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		q.name, msg.JobID, msg.Priority, msg.RetryCount, enqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Holds reports whether jobID has a waiting or leased row.
func (q *PostgresQueue) Holds(ctx context.Context, jobID string) (bool, error) {
	var held bool
	err := q.db.GetContext(ctx, &held,
		`SELECT EXISTS (SELECT 1 FROM job_queue WHERE queue = $1 AND job_id = $2)`,
		q.name, jobID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to look up queue row: %w", err)
	}
	return held, nil
}

type queueRow struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	Priority   int       `db:"priority"`
	Attempt    int       `db:"attempt"`
	EnqueuedAt time.Time `db:"enqueued_at"`
}

func (q *PostgresQueue) Receive(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) lease(ctx context.Context) (Delivery, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row queueRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, job_id, priority, attempt, enqueued_at
		FROM job_queue
		WHERE queue = $1 AND visible_at <= NOW()
		ORDER BY priority DESC, enqueued_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, q.name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease queue row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_at = NOW() + $2::float8 * INTERVAL '1 second', deliveries = deliveries + 1
		WHERE id = $1`, row.ID, q.visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to hide leased row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	return &postgresDelivery{
		queue: q,
		id:    row.ID,
		msg: Message{
			JobID:      row.JobID,
			Priority:   row.Priority,
			RetryCount: row.Attempt,
			EnqueuedAt: row.EnqueuedAt,
		},
	}, nil
}

type postgresDelivery struct {
	queue *PostgresQueue
	id    int64
	msg   Message
}

func (d *postgresDelivery) Message() Message { return d.msg }

func (d *postgresDelivery) Ack(ctx context.Context) error {
	if _, err := d.queue.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = $1`, d.id); err != nil {
		return fmt.Errorf("failed to ack queue row: %w", err)
	}
	return nil
}

func (d *postgresDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}
	if _, err := d.queue.db.ExecContext(ctx, `UPDATE job_queue SET visible_at = NOW() WHERE id = $1`, d.id); err != nil {
		return fmt.Errorf("failed to requeue queue row: %w", err)
	}
	return nil
}
