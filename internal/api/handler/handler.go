package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

// JobService is the application service behind the job routes.
type JobService interface {
	Submit(ctx context.Context, sub domain.Submission) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	Retry(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter jobstore.Filter) ([]*domain.Job, bool, error)
	History(ctx context.Context, jobID string) ([]domain.AuditEntry, error)
}

// StatusService serves snapshots and live status streams.
type StatusService interface {
	GetStatus(ctx context.Context, jobID string) (domain.Snapshot, error)
	Subscribe(ctx context.Context, jobID string) (<-chan domain.Snapshot, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger          *slog.Logger
	Jobs            JobService
	Status          StatusService
	DefaultPriority int
	MaxPageSize     int
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger          *slog.Logger
	jobs            JobService
	status          StatusService
	defaultPriority int
	maxPageSize     int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxPageSize := deps.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &JobHandler{
		logger:          deps.Logger,
		jobs:            deps.Jobs,
		status:          deps.Status,
		defaultPriority: deps.DefaultPriority,
		maxPageSize:     maxPageSize,
	}
}
