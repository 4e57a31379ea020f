package reconciler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/jobstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingCanceller struct {
	mu   sync.Mutex
	seen []string
}

func (c *recordingCanceller) CancelExecution(_ context.Context, _, executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, executionID)
}

type fixture struct {
	clock     *clock
	store     *jobstore.Memory
	queue     *dispatcher.MemoryQueue
	canceller *recordingCanceller
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := jobstore.NewMemory(jobstore.WithClock(clk.Now))
	queue := dispatcher.NewMemoryQueue()
	canceller := &recordingCanceller{}
	d := dispatcher.New(store, queue, "reconciler", discardLogger())

	rec := New(store, d, canceller, Config{BatchSize: 2, RequeueAfter: 5 * time.Minute}, discardLogger(), WithClock(clk.Now))
	return &fixture{clock: clk, store: store, queue: queue, canceller: canceller, rec: rec}
}

func (f *fixture) createJob(t *testing.T, kind domain.Kind) *domain.Job {
	t.Helper()
	now := f.clock.Now()
	job, err := f.store.Create(context.Background(), &domain.Job{
		ID: uuid.NewString(), OwnerID: "owner-1", Kind: kind, Prompt: "p",
		Params: domain.Params{}, Priority: 5, SubmittedAt: now, UpdatedAt: now,
		MaxRetries: 3, Attempt: 1,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) worker(name string) *dispatcher.Dispatcher {
	return dispatcher.New(f.store, f.queue, name, discardLogger())
}

func claim(t *testing.T, d *dispatcher.Dispatcher) *dispatcher.Claim {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := d.Claim(ctx)
	require.NoError(t, err)
	return c
}

func TestSweep_CrashedWorkerIsRetriedAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, domain.KindImage)

	first := f.worker("worker-1")
	_, err := first.Enqueue(ctx, job)
	require.NoError(t, err)
	crashed := claim(t, first)

	res, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reclaimed, "fresh job is left alone")

	f.clock.Advance(3 * time.Minute)
	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.DispatchToken)

	second := f.worker("worker-2")
	retried := claim(t, second)
	assert.Equal(t, job.ID, retried.Job.ID)

	_, err = first.Ack(ctx, crashed.Token, dispatcher.Outcome{ResultRef: "late"})
	assert.ErrorIs(t, err, domain.ErrStaleTransition, "the crashed attempt cannot complete")

	final, err := second.Ack(ctx, retried.Token, dispatcher.Outcome{ResultRef: "s3://out/x.png"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "s3://out/x.png", final.ResultRef)
	assert.Equal(t, 1, final.RetryCount)
}

func TestSweep_CancelsOrphanedExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, domain.KindVideo)

	w := f.worker("worker-1")
	_, err := w.Enqueue(ctx, job)
	require.NoError(t, err)
	c := claim(t, w)

	exec := "exec-7"
	_, err = f.store.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusRunning,
		domain.Fields{IfToken: c.Token.Value, ExecutionID: &exec})
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	res, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reclaimed, "video staleness window is longer")

	f.clock.Advance(2 * time.Minute)
	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, []string{"exec-7"}, f.canceller.seen)
}

func TestSweep_ExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	job, err := f.store.Create(ctx, &domain.Job{
		ID: uuid.NewString(), OwnerID: "owner-1", Kind: domain.KindImage, Prompt: "p",
		Params: domain.Params{}, SubmittedAt: now, UpdatedAt: now, MaxRetries: 0, Attempt: 1,
	})
	require.NoError(t, err)

	w := f.worker("worker-1")
	_, err = w.Enqueue(ctx, job)
	require.NoError(t, err)
	claim(t, w)

	f.clock.Advance(3 * time.Minute)
	_, err = f.rec.Sweep(ctx)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonOrphanTimeout, got.ErrorCode)
}

func TestSweep_RequeuesUnclaimedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for range 5 {
		ids = append(ids, f.createJob(t, domain.KindImage).ID)
	}

	res, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued)

	f.clock.Advance(6 * time.Minute)
	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Requeued, "all pages are visited")
	assert.Equal(t, 5, f.queue.Len())

	for _, id := range ids {
		got, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, got.Status)
	}

	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued, "touched jobs wait another interval")

	f.clock.Advance(6 * time.Minute)
	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued, "queued jobs whose message is still held are left alone")
	assert.Equal(t, 5, f.queue.Len())

	// Lose every message.
	for range 5 {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := f.queue.Receive(rctx)
		cancel()
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
	}

	res, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Requeued)
	assert.Equal(t, 5, f.queue.Len())

	history, err := f.store.History(ctx, ids[0])
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, domain.StatusQueued, last.FromStatus)
	assert.Equal(t, domain.StatusQueued, last.ToStatus)
	assert.Equal(t, domain.ActorReconciler, last.Actor)
	assert.Equal(t, "republished", last.Reason)
}

func TestStalled(t *testing.T) {
	r := New(nil, nil, nil, Config{
		Thresholds: map[domain.Kind]Threshold{
			domain.KindImage: {MaxExecution: 10 * time.Minute, Staleness: time.Minute},
		},
	}, discardLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	tests := []struct {
		name string
		job  *domain.Job
		want bool
	}{
		{"recent progress", &domain.Job{Kind: domain.KindImage, Status: domain.StatusRunning, StartedAt: at(5 * time.Minute), LastProgressAt: at(10 * time.Second)}, false},
		{"no progress in window", &domain.Job{Kind: domain.KindImage, Status: domain.StatusRunning, StartedAt: at(5 * time.Minute), LastProgressAt: at(2 * time.Minute)}, true},
		{"over execution cap", &domain.Job{Kind: domain.KindImage, Status: domain.StatusRunning, StartedAt: at(11 * time.Minute), LastProgressAt: at(time.Second)}, true},
		{"not running", &domain.Job{Kind: domain.KindImage, Status: domain.StatusQueued, UpdatedAt: now.Add(-time.Hour)}, false},
		{"default thresholds for other kinds", &domain.Job{Kind: domain.KindModel3D, Status: domain.StatusRunning, StartedAt: at(4 * time.Minute), LastProgressAt: at(4 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Stalled(tt.job, now))
		})
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
