package executor

import "context"

// SubmitRequest is one rendered workflow handed to the execution backend.
type SubmitRequest struct {
	Template string   `json:"template"`
	Workflow Workflow `json:"workflow"`
	ClientID string   `json:"client_id"`
}

// BackendStatus is the backend's view of an execution. Stage is 1-based
// and StageProgress is a percentage within the current stage.
type BackendStatus struct {
	Stage         int      `json:"stage"`
	Stages        int      `json:"stages"`
	StageProgress float64  `json:"stage_progress"`
	StageLabel    string   `json:"stage_label"`
	Artifacts     []string `json:"artifacts"`
	Error         string   `json:"error"`
}

// Backend runs rendered workflows. Implementations return
// *domain.ExecutionBackendError for failures the adapter should classify.
type Backend interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, executionID string) (*BackendStatus, error)
	Cancel(ctx context.Context, executionID string) error
}
