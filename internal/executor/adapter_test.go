package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu        sync.Mutex
	submitted []SubmitRequest
	statuses  []*BackendStatus
	submitErr error
	pollErr   error
	cancelled []string
}

func (b *fakeBackend) Submit(_ context.Context, req SubmitRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, req)
	return "exec-1", nil
}

func (b *fakeBackend) Poll(_ context.Context, _ string) (*BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	if len(b.statuses) == 0 {
		return &BackendStatus{}, nil
	}
	st := b.statuses[0]
	if len(b.statuses) > 1 {
		b.statuses = b.statuses[1:]
	}
	return st, nil
}

func (b *fakeBackend) Cancel(_ context.Context, executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, executionID)
	return nil
}

func newAdapter(t *testing.T, backend Backend, store Transitioner) *Adapter {
	t.Helper()
	r, err := NewRegistry("")
	require.NoError(t, err)
	return NewAdapter(r, backend, store, AdapterConfig{}, discardLogger())
}

func testJob(kind domain.Kind, params domain.Params) *domain.Job {
	return &domain.Job{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Kind:    kind,
		Prompt:  "a quiet harbour",
		Params:  params,
		Status:  domain.StatusRunning,
	}
}

func TestInvoke_RendersAndSubmits(t *testing.T) {
	backend := &fakeBackend{}
	a := newAdapter(t, backend, nil)
	job := testJob(domain.KindImage, domain.Params{"guidance_scale": 4.0, "width": float64(640)})

	h, err := a.Invoke(context.Background(), job, "tok")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", h.ExecutionID)
	assert.Equal(t, "image_text_to_image", h.Template)

	require.Len(t, backend.submitted, 1)
	wf := backend.submitted[0].Workflow
	assert.Equal(t, job.ID, backend.submitted[0].ClientID)
	assert.Equal(t, "a quiet harbour", wf["6"].Inputs["text"])
	assert.Equal(t, 4.0, wf["3"].Inputs["cfg"])
	assert.Equal(t, int64(640), wf["5"].Inputs["width"])
	assert.Equal(t, int64(1024), wf["5"].Inputs["height"])
	assert.Equal(t, stableSeed(job.ID), wf["3"].Inputs["seed"])
}

func TestInvoke_Errors(t *testing.T) {
	tests := []struct {
		name      string
		job       *domain.Job
		submitErr error
		wantIs    error
		retryable bool
	}{
		{
			name:   "invalid parameter",
			job:    testJob(domain.KindImage, domain.Params{"steps": "many"}),
			wantIs: domain.ErrInvalidParameters,
		},
		{
			name:   "fractional integer parameter",
			job:    testJob(domain.KindVideo, domain.Params{"num_frames": 2.5}),
			wantIs: domain.ErrInvalidParameters,
		},
		{
			name:   "unknown template",
			job:    testJob(domain.Kind("audio"), domain.Params{}),
			wantIs: domain.ErrTemplateNotFound,
		},
		{
			name:      "transport failure is retryable",
			job:       testJob(domain.KindImage, domain.Params{}),
			submitErr: errors.New("connection refused"),
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(t, &fakeBackend{submitErr: tt.submitErr}, nil)
			_, err := a.Invoke(context.Background(), tt.job, "tok")
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
		})
	}
}

func TestPoll_ProgressIsRescaledAndMonotonic(t *testing.T) {
	backend := &fakeBackend{statuses: []*BackendStatus{
		{Stage: 1, Stages: 2, StageProgress: 50},
		{Stage: 2, Stages: 2, StageProgress: 0, StageLabel: "Refining"},
		{Stage: 1, Stages: 2, StageProgress: 10},
		{Stage: 2, Stages: 2, StageProgress: 100},
		{Artifacts: []string{"s3://out/a.png", "s3://out/b.png"}},
	}}
	a := newAdapter(t, backend, nil)
	h := &Handle{JobID: "job", ExecutionID: "exec-1"}
	ctx := context.Background()

	var got []int
	var last Event
	for range 5 {
		ev, err := a.Poll(ctx, h)
		require.NoError(t, err)
		got = append(got, ev.Progress)
		last = ev
	}

	assert.Equal(t, []int{30, 50, 50, 90, 100}, got)
	assert.True(t, last.Done)
	assert.Equal(t, "s3://out/a.png", last.ResultRef)
	assert.Equal(t, StepCompleted, last.StepLabel)
}

func TestPoll_BackendReportedError(t *testing.T) {
	backend := &fakeBackend{statuses: []*BackendStatus{
		{Error: "CUDA out of memory at /root/models/sdxl.safetensors"},
	}}
	a := newAdapter(t, backend, nil)

	ev, err := a.Poll(context.Background(), &Handle{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.True(t, ev.Done)
	require.Error(t, ev.Err)
	assert.False(t, domain.IsRetryable(ev.Err), "generation errors fail the job")
	assert.NotContains(t, ev.Err.Error(), "/root/models")
}

func TestPoll_TransportError(t *testing.T) {
	a := newAdapter(t, &fakeBackend{pollErr: errors.New("timeout")}, nil)
	_, err := a.Poll(context.Background(), &Handle{ExecutionID: "exec-1"})

	var backendErr *domain.ExecutionBackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "poll", backendErr.Op)
}

func TestCancel(t *testing.T) {
	store := jobstore.NewMemory()
	backend := &fakeBackend{}
	a := newAdapter(t, backend, store)
	ctx := context.Background()

	now := time.Now().UTC()
	job, err := store.Create(ctx, &domain.Job{
		ID: uuid.NewString(), OwnerID: "o", Kind: domain.KindImage, Prompt: "p",
		Params: domain.Params{}, SubmittedAt: now, UpdatedAt: now, MaxRetries: 3, Attempt: 1,
	})
	require.NoError(t, err)

	exec := "exec-9"
	running, err := store.Transition(ctx, job.ID,
		[]domain.Status{domain.StatusPending}, domain.StatusRunning,
		domain.Fields{Token: "tok-1", ExecutionID: &exec, Actor: domain.ActorWorker},
	)
	require.NoError(t, err)

	stale := running.Clone()
	stale.DispatchToken = "tok-0"
	_, err = a.Cancel(ctx, stale, domain.ActorAPI)
	assert.ErrorIs(t, err, domain.ErrStaleTransition)

	cancelled, err := a.Cancel(ctx, running, domain.ActorAPI)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	a.Wait()
	assert.Equal(t, []string{"exec-9"}, backend.cancelled)

	_, err = a.Cancel(ctx, cancelled, domain.ActorAPI)
	assert.ErrorIs(t, err, domain.ErrStaleTransition, "terminal jobs cannot be cancelled")
}

func TestBuildParams_Defaults(t *testing.T) {
	job := testJob(domain.KindVideo, domain.Params{"frames": float64(36), "negative_prompt": "blur"})
	params, err := BuildParams(job)
	require.NoError(t, err)

	assert.Equal(t, int64(36), params["num_frames"])
	assert.Equal(t, int64(8), params["fps"])
	assert.Equal(t, int64(127), params["motion_bucket_id"])
	assert.Equal(t, "blur", params["negative_prompt"])
	assert.Equal(t, job.Prompt, params["prompt"])

	again, err := BuildParams(job)
	require.NoError(t, err)
	assert.Equal(t, params["seed"], again["seed"], "seed is stable per job")
}
