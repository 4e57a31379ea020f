package dto

import "github.com/cuongbtq/genjob/internal/domain"

type CreateJobRequest struct {
	OwnerID    string         `json:"owner_id" binding:"required"`
	ProjectID  string         `json:"project_id"`
	JobKind    string         `json:"job_kind"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
	Priority   *int           `json:"priority" binding:"omitempty,min=0,max=9"`
}

type CreateJobResponse struct {
	JobID       string        `json:"job_id"`
	Status      domain.Status `json:"status"`
	RetriedFrom string        `json:"retried_from,omitempty"`
}

type ListJobsRequest struct {
	OwnerID   string `form:"owner_id"`
	ProjectID string `form:"project_id"`
	JobKind   string `form:"kind"`
	Status    string `form:"status"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListJobsResponse struct {
	Items      []domain.Snapshot `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
}

type HistoryResponse struct {
	Items []domain.AuditEntry `json:"items"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}
