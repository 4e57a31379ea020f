package jobstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/domain"
)

func newTestJob(owner string) *domain.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Job{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		ProjectID:   "project-1",
		Kind:        domain.KindImage,
		Prompt:      "a lighthouse at dusk",
		Params:      domain.Params{"width": float64(512), "height": float64(512)},
		Priority:    5,
		SubmittedAt: now,
		UpdatedAt:   now,
		Status:      domain.StatusPending,
		MaxRetries:  3,
		Attempt:     1,
		Version:     1,
	}
}

func allowAll(*domain.RateWindow) error { return nil }

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(uuid.NewString())

		created, err := s.Create(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, created.Status)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Prompt, got.Prompt)
		assert.Equal(t, 512.0, got.Params["width"])

		_, err = s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("stale transition has no side effects", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(uuid.NewString())
		_, err := s.Create(ctx, job)
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusCompleted,
			domain.Fields{ResultRef: "x"})
		assert.ErrorIs(t, err, domain.ErrStaleTransition)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, int64(1), got.Version)

		history, err := s.History(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("audit entry per status change", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(uuid.NewString())
		_, err := s.Create(ctx, job)
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusPending}, domain.StatusQueued,
			domain.Fields{Actor: domain.ActorDispatcher})
		require.NoError(t, err)
		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusQueued}, domain.StatusRunning,
			domain.Fields{Token: "tok", Actor: domain.ActorWorker})
		require.NoError(t, err)
		progress := 50
		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusRunning,
			domain.Fields{IfToken: "tok", Progress: &progress, Actor: domain.ActorWorker})
		require.NoError(t, err)
		done, err := s.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusCompleted,
			domain.Fields{IfToken: "tok", ResultRef: "s3://bucket/out.png", Actor: domain.ActorWorker})
		require.NoError(t, err)
		assert.Equal(t, "s3://bucket/out.png", done.ResultRef)
		assert.Empty(t, done.DispatchToken)

		history, err := s.History(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		assert.Equal(t, domain.StatusQueued, history[1].ToStatus)
		assert.Equal(t, domain.ActorDispatcher, history[1].Actor)
		assert.Equal(t, domain.StatusRunning, history[3].FromStatus)
		assert.Equal(t, domain.StatusCompleted, history[3].ToStatus)
	})

	t.Run("concurrent claim has exactly one winner", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(uuid.NewString())
		_, err := s.Create(ctx, job)
		require.NoError(t, err)
		_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusPending}, domain.StatusQueued, domain.Fields{})
		require.NoError(t, err)

		const workers = 16
		var wins, stale atomic.Int32
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, job.ID,
					[]domain.Status{domain.StatusPending, domain.StatusQueued}, domain.StatusRunning,
					domain.Fields{Token: uuid.NewString()})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, domain.ErrStaleTransition):
					stale.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), stale.Load())
	})

	t.Run("rejected admission leaves no trace", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.NewString()
		job := newTestJob(owner)

		rejection := domain.Reject("concurrent_limit", "limit reached")
		_, err := s.Admit(ctx, job, func(*domain.RateWindow) error { return rejection })
		assert.ErrorIs(t, err, rejection)

		_, err = s.Get(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		var seen domain.RateWindow
		second := newTestJob(owner)
		_, err = s.Admit(ctx, second, func(w *domain.RateWindow) error {
			seen = *w
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, seen.HourCount)
		assert.Equal(t, 0, seen.DayCount)
		assert.Equal(t, 0, seen.Concurrent)
	})

	t.Run("admission counts windows and active jobs", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.NewString()
		for range 2 {
			_, err := s.Admit(ctx, newTestJob(owner), allowAll)
			require.NoError(t, err)
		}

		var seen domain.RateWindow
		_, err := s.Admit(ctx, newTestJob(owner), func(w *domain.RateWindow) error {
			seen = *w
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, seen.Concurrent)
		assert.Equal(t, 2, seen.HourCount)
		assert.Equal(t, 2, seen.DayCount)
	})

	t.Run("hourly and daily windows trail now", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.NewString()
		now := time.Now().UTC().Truncate(time.Microsecond)
		for _, age := range []time.Duration{25 * time.Hour, 61 * time.Minute, 2 * time.Hour, 30 * time.Minute} {
			job := newTestJob(owner)
			job.SubmittedAt = now.Add(-age)
			_, err := s.Admit(ctx, job, allowAll)
			require.NoError(t, err)
		}

		var seen domain.RateWindow
		_, err := s.Admit(ctx, newTestJob(owner), func(w *domain.RateWindow) error {
			seen = *w
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, seen.HourCount)
		assert.Equal(t, 3, seen.DayCount)
		assert.Equal(t, 4, seen.Concurrent)
	})

	t.Run("list filters and paginates", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Microsecond)
		ids := make([]string, 5)
		for i := range ids {
			job := newTestJob(owner)
			job.SubmittedAt = base.Add(time.Duration(i) * time.Second)
			ids[i] = job.ID
			_, err := s.Create(ctx, job)
			require.NoError(t, err)
		}
		_, err := s.Transition(ctx, ids[0], []domain.Status{domain.StatusPending}, domain.StatusCancelled, domain.Fields{})
		require.NoError(t, err)

		page, err := s.List(ctx, Filter{OwnerID: owner, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)

		next, err := s.List(ctx, Filter{
			OwnerID: owner,
			Limit:   10,
			Cursor:  &Cursor{SubmittedAt: page[1].SubmittedAt, JobID: page[1].ID},
		})
		require.NoError(t, err)
		require.Len(t, next, 3)
		assert.Equal(t, ids[2], next[0].ID)

		pending, err := s.List(ctx, Filter{OwnerID: owner, Statuses: []domain.Status{domain.StatusPending}, OldestFirst: true})
		require.NoError(t, err)
		require.Len(t, pending, 4)
		assert.Equal(t, ids[1], pending[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemory() })
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, snap domain.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return p.err
}

func TestObserved_PublishesCommittedWrites(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := NewObserved(NewMemory(), pub, discardLogger())

	job := newTestJob("owner")
	_, err := s.Admit(ctx, job, allowAll)
	require.NoError(t, err)

	_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusRunning}, domain.StatusCompleted, domain.Fields{ResultRef: "x"})
	require.ErrorIs(t, err, domain.ErrStaleTransition)

	_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusPending}, domain.StatusQueued, domain.Fields{})
	require.NoError(t, err)

	require.Len(t, pub.snaps, 2)
	assert.Equal(t, domain.StatusPending, pub.snaps[0].Status)
	assert.Equal(t, domain.StatusQueued, pub.snaps[1].Status)
	assert.Greater(t, pub.snaps[1].Version, pub.snaps[0].Version)

	pub.err = errors.New("redis down")
	_, err = s.Transition(ctx, job.ID, []domain.Status{domain.StatusQueued}, domain.StatusCancelled, domain.Fields{})
	assert.NoError(t, err, "publish failure must not fail the write")
}
