package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	priority := h.defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	job, err := h.jobs.Submit(c.Request.Context(), domain.Submission{
		OwnerID:   req.OwnerID,
		ProjectID: req.ProjectID,
		Kind:      domain.Kind(req.JobKind),
		Prompt:    req.Prompt,
		Params:    domain.Params(req.Parameters),
		Priority:  priority,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{JobID: job.ID, Status: job.Status})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	snap, err := h.status.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > h.maxPageSize {
		req.PageSize = h.maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid cursor"})
		return
	}

	filter := jobstore.Filter{
		OwnerID:   req.OwnerID,
		ProjectID: req.ProjectID,
		Kind:      domain.Kind(req.JobKind),
		Cursor:    cursor,
		Limit:     req.PageSize,
	}
	if req.Status != "" {
		st, err := domain.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid status"})
			return
		}
		filter.Statuses = []domain.Status{st}
	}

	jobs, hasMore, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]domain.Snapshot, len(jobs))
	for i, job := range jobs {
		items[i] = job.Snapshot()
	}

	resp := dto.ListJobsResponse{Items: items, HasMore: hasMore}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&jobstore.Cursor{SubmittedAt: last.SubmittedAt, JobID: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

// GetJobHistory handles GET /api/v1/jobs/:job_id/history
func (h *JobHandler) GetJobHistory(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	entries, err := h.jobs.History(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{Items: entries})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.jobs.Retry(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		RetriedFrom: job.RetriedFrom,
	})
}

// jobIDParam reads the :job_id path parameter, answering 400 when it is not
// a UUID.
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Debug("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}
