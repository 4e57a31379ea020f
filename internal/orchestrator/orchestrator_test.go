package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/executor"
	"github.com/cuongbtq/genjob/internal/jobstore"
	"github.com/cuongbtq/genjob/internal/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopBackend struct{ cancelled chan string }

func (nopBackend) Submit(context.Context, executor.SubmitRequest) (string, error) {
	return "exec", nil
}

func (nopBackend) Poll(context.Context, string) (*executor.BackendStatus, error) {
	return &executor.BackendStatus{}, nil
}

func (b nopBackend) Cancel(_ context.Context, id string) error {
	b.cancelled <- id
	return nil
}

type fixture struct {
	store   *jobstore.Memory
	queue   *dispatcher.MemoryQueue
	disp    *dispatcher.Dispatcher
	adapter *executor.Adapter
	backend nopBackend
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := jobstore.NewMemory()
	queue := dispatcher.NewMemoryQueue()
	disp := dispatcher.New(store, queue, "worker-1", discardLogger())

	registry, err := executor.NewRegistry("")
	require.NoError(t, err)
	backend := nopBackend{cancelled: make(chan string, 4)}
	adapter := executor.NewAdapter(registry, backend, store, executor.AdapterConfig{}, discardLogger())

	gate, err := policy.NewGate(policy.Config{
		MaxPromptLength: 4000,
		Resources: policy.ResourceLimits{
			MaxImageWidth: 2048, MaxImageHeight: 2048, MaxImagePixels: 4194304,
			MaxVideoFrames: 48, MaxVideoFPS: 8, MaxVideoSeconds: 6,
			MaxModelPolygons: 200000, MaxFileBytes: 512 << 20, MaxAttempts: 5,
		},
		Rates:      policy.RateLimits{Concurrent: 3, Hourly: 20, Daily: 100},
		MaxRetries: 1,
	}, store, discardLogger())
	require.NoError(t, err)

	return &fixture{
		store:   store,
		queue:   queue,
		disp:    disp,
		adapter: adapter,
		backend: backend,
		svc:     New(gate, store, disp, adapter, discardLogger()),
	}
}

func validSubmission() domain.Submission {
	return domain.Submission{
		OwnerID:  "owner-1",
		Kind:     domain.KindImage,
		Prompt:   "a paper lantern festival",
		Params:   domain.Params{"width": 768.0, "height": 768.0},
		Priority: 5,
	}
}

func (f *fixture) claim(t *testing.T) *dispatcher.Claim {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := f.disp.Claim(ctx)
	require.NoError(t, err)
	return c
}

func (f *fixture) failJob(t *testing.T) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	c := f.claim(t)
	failed, err := f.disp.Ack(ctx, c.Token, dispatcher.Outcome{
		Err: domain.NewPermanentBackendError("generate", errors.New("model crashed")),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.Equal(t, job.ID, failed.ID)
	return failed
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	job, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, 1, f.queue.Len())
}

func TestSubmit_Rejections(t *testing.T) {
	t.Run("prompt length", func(t *testing.T) {
		f := newFixture(t)
		sub := validSubmission()
		sub.Prompt = strings.Repeat("x", 4001)

		_, err := f.svc.Submit(context.Background(), sub)
		var rej *domain.AdmissionRejectedError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, policy.RulePromptLength, rej.Rule)
		assert.Equal(t, 0, f.queue.Len())
	})

	t.Run("fourth concurrent job", func(t *testing.T) {
		f := newFixture(t)
		for range 3 {
			_, err := f.svc.Submit(context.Background(), validSubmission())
			require.NoError(t, err)
		}

		_, err := f.svc.Submit(context.Background(), validSubmission())
		var rej *domain.AdmissionRejectedError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, policy.RuleConcurrentLimit, rej.Rule)
	})
}

type failingQueue struct{}

func (q failingQueue) Enqueue(context.Context, *domain.Job) (*domain.Job, error) {
	return nil, errors.New("broker unavailable")
}

func TestSubmit_EnqueueFailureLeavesJobPending(t *testing.T) {
	f := newFixture(t)
	gate, err := policy.NewGate(policy.Config{MaxPromptLength: 4000, Resources: policy.ResourceLimits{MaxImageWidth: 2048, MaxImageHeight: 2048, MaxImagePixels: 1 << 22}}, f.store, discardLogger())
	require.NoError(t, err)
	svc := New(gate, f.store, failingQueue{}, f.adapter, discardLogger())

	job, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err, "submission already succeeded once admitted")
	assert.Equal(t, domain.StatusPending, job.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	_, err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancel_RunningJobStopsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	c := f.claim(t)
	exec := "exec-3"
	_, err = f.store.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusRunning,
		domain.Fields{IfToken: c.Token.Value, ExecutionID: &exec})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	f.adapter.Wait()
	assert.Equal(t, "exec-3", <-f.backend.cancelled)

	_, err = f.disp.Ack(ctx, c.Token, dispatcher.Outcome{ResultRef: "late"})
	assert.ErrorIs(t, err, domain.ErrStaleTransition, "late completion after cancel is discarded")
}

func TestCancel_CompletedJobRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	c := f.claim(t)
	_, err = f.disp.Ack(ctx, c.Token, dispatcher.Outcome{ResultRef: "s3://x"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed := f.failJob(t)

	retried, err := f.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, failed.ID, retried.RetriedFrom)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Equal(t, domain.StatusQueued, retried.Status)
	assert.Equal(t, failed.Prompt, retried.Prompt)
	assert.Equal(t, failed.Params, retried.Params)

	original, err := f.store.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, original.Status, "the original stays failed")

	_, err = f.svc.Retry(ctx, retried.ID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)
}

func TestRetry_AttemptLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.failJob(t)
	_, err := f.store.Transition(ctx, failed.ID, []domain.Status{domain.StatusFailed}, domain.StatusFailed, domain.Fields{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal states are immutable")

	for attempt := 2; attempt <= 5; attempt++ {
		next, err := f.svc.Retry(ctx, failed.ID)
		require.NoError(t, err)
		require.Equal(t, attempt, next.Attempt)

		c := f.claim(t)
		failed, err = f.disp.Ack(ctx, c.Token, dispatcher.Outcome{
			Err: domain.NewPermanentBackendError("generate", errors.New("again")),
		})
		require.NoError(t, err)
	}

	_, err = f.svc.Retry(ctx, failed.ID)
	var rej *domain.AdmissionRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, policy.RuleAttemptLimit, rej.Rule)
}

func TestListAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Submit(ctx, validSubmission())
		require.NoError(t, err)
	}

	page, more, err := f.svc.List(ctx, jobstore.Filter{OwnerID: "owner-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, more)

	page, more, err = f.svc.List(ctx, jobstore.Filter{OwnerID: "owner-1", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, more)

	history, err := f.svc.History(ctx, page[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusPending, history[0].ToStatus)
	assert.Equal(t, domain.StatusQueued, history[1].ToStatus)
}
