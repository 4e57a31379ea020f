package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/genjob/internal/domain"
)

const jobColumns = `
	job_id, owner_id, project_id, kind, prompt, params, priority, submitted_at,
	status, progress, step_label, error_code, error_detail, result_ref,
	retry_count, max_retries, attempt, retried_from, dispatch_token,
	worker_id, execution_id, version, updated_at, started_at, completed_at,
	last_progress_at`

const insertJobQuery = `
	INSERT INTO jobs (` + jobColumns + `) VALUES (
		:job_id, :owner_id, :project_id, :kind, :prompt, :params, :priority, :submitted_at,
		:status, :progress, :step_label, :error_code, :error_detail, :result_ref,
		:retry_count, :max_retries, :attempt, :retried_from, :dispatch_token,
		:worker_id, :execution_id, :version, :updated_at, :started_at, :completed_at,
		:last_progress_at
	)`

const updateJobQuery = `
	UPDATE jobs SET
		status = :status,
		progress = :progress,
		step_label = :step_label,
		error_code = :error_code,
		error_detail = :error_detail,
		result_ref = :result_ref,
		retry_count = :retry_count,
		dispatch_token = :dispatch_token,
		worker_id = :worker_id,
		execution_id = :execution_id,
		version = :version,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at,
		last_progress_at = :last_progress_at
	WHERE job_id = :job_id`

const insertAuditQuery = `
	INSERT INTO job_audit (job_id, from_status, to_status, actor, reason, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Postgres is the durable Store. Transitions lock the job row for the
// length of a transaction, so concurrent writers in separate processes
// serialize on it.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres creates a new Postgres store
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Postgres) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	var created *domain.Job
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = s.insertTx(ctx, tx, job)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Postgres) Admit(ctx context.Context, job *domain.Job, check func(w *domain.RateWindow) error) (*domain.Job, error) {
	now := s.now().UTC()
	var created *domain.Job

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// The owner row serializes admissions for one owner; the counts
		// below are read under it.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rate_windows (owner_id, last_admitted_at)
			VALUES ($1, NULL)
			ON CONFLICT (owner_id) DO NOTHING`,
			job.OwnerID,
		)
		if err != nil {
			return fmt.Errorf("failed to seed rate window: %w", err)
		}

		_, err = tx.ExecContext(ctx, `SELECT 1 FROM rate_windows WHERE owner_id = $1 FOR UPDATE`, job.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to lock rate window: %w", err)
		}

		hourStart, dayStart := domain.WindowStarts(now)
		var w domain.RateWindow
		err = tx.GetContext(ctx, &w, `
			SELECT
				$1::text AS owner_id,
				COUNT(*) FILTER (WHERE status = ANY($2)) AS concurrent,
				COUNT(*) FILTER (WHERE submitted_at >= $3) AS hour_count,
				COUNT(*) FILTER (WHERE submitted_at >= $4) AS day_count
			FROM jobs
			WHERE owner_id = $1 AND (status = ANY($2) OR submitted_at >= $4)`,
			job.OwnerID, statusArray(domain.ActiveStatuses), hourStart, dayStart,
		)
		if err != nil {
			return fmt.Errorf("failed to count rate window: %w", err)
		}

		if err := check(&w); err != nil {
			return err
		}

		created, err = s.insertTx(ctx, tx, job)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE rate_windows SET last_admitted_at = $2 WHERE owner_id = $1`,
			job.OwnerID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to update rate window: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Postgres) insertTx(ctx context.Context, tx *sqlx.Tx, job *domain.Job) (*domain.Job, error) {
	row := job.Clone()
	row.Status = domain.StatusPending
	if row.Version == 0 {
		row.Version = 1
	}

	if _, err := tx.NamedExecContext(ctx, insertJobQuery, row); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	_, err := tx.ExecContext(ctx, insertAuditQuery,
		row.ID, "", domain.StatusPending, domain.ActorAPI, "admitted", row.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return row, nil
}

func (s *Postgres) Transition(ctx context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error) {
	var updated *domain.Job

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var job domain.Job
		err := tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}

		prev, err := domain.Apply(&job, from, to, fields, s.now().UTC())
		if err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, updateJobQuery, &job); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if fields.Audited(prev, to) {
			_, err = tx.ExecContext(ctx, insertAuditQuery,
				job.ID, prev, to, fields.Actor, fields.Reason, job.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to append audit entry: %w", err)
			}
		}
		updated = &job
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			s.logger.Debug("Stale transition rejected",
				slog.String("job_id", jobID),
				slog.String("to", string(to)),
			)
		}
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]*domain.Job, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`)
	args := []any{}
	argIdx := 1

	if filter.OwnerID != "" {
		fmt.Fprintf(&b, " AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.ProjectID != "" {
		fmt.Fprintf(&b, " AND project_id = $%d", argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.Kind != "" {
		fmt.Fprintf(&b, " AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		fmt.Fprintf(&b, " AND status = ANY($%d)", argIdx)
		args = append(args, statusArray(filter.Statuses))
		argIdx++
	}
	if filter.UpdatedBefore != nil {
		fmt.Fprintf(&b, " AND updated_at < $%d", argIdx)
		args = append(args, *filter.UpdatedBefore)
		argIdx++
	}

	order, cmp := "DESC", "<"
	if filter.OldestFirst {
		order, cmp = "ASC", ">"
	}
	if filter.Cursor != nil {
		fmt.Fprintf(&b, " AND (submitted_at, job_id) %s ($%d, $%d)", cmp, argIdx, argIdx+1)
		args = append(args, filter.Cursor.SubmittedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	fmt.Fprintf(&b, " ORDER BY submitted_at %s, job_id %s", order, order)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	fmt.Fprintf(&b, " LIMIT $%d", argIdx)
	args = append(args, limit)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, b.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) History(ctx context.Context, jobID string) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, job_id, from_status, to_status, actor, reason, created_at
		FROM job_audit
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job history: %w", err)
	}
	if len(entries) == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func statusArray(statuses []domain.Status) any {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return pq.Array(out)
}
