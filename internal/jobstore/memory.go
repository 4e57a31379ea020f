package jobstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Memory is an in-process Store. It is safe for concurrent use and is what
// tests and single-process deployments run against.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	audit   map[string][]domain.AuditEntry
	seq     int64
	now     func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:    make(map[string]*domain.Job),
		audit:   make(map[string][]domain.AuditEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}
	return m.insertLocked(job), nil
}

func (m *Memory) Admit(_ context.Context, job *domain.Job, check func(w *domain.RateWindow) error) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}

	w := m.windowLocked(job.OwnerID, m.now())
	if err := check(&w); err != nil {
		return nil, err
	}
	return m.insertLocked(job), nil
}

func (m *Memory) windowLocked(ownerID string, now time.Time) domain.RateWindow {
	hourStart, dayStart := domain.WindowStarts(now)
	w := domain.RateWindow{OwnerID: ownerID}
	for _, j := range m.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if !j.Status.IsTerminal() {
			w.Concurrent++
		}
		if !j.SubmittedAt.Before(hourStart) {
			w.HourCount++
		}
		if !j.SubmittedAt.Before(dayStart) {
			w.DayCount++
		}
	}
	return w
}

func (m *Memory) insertLocked(job *domain.Job) *domain.Job {
	stored := job.Clone()
	stored.Status = domain.StatusPending
	if stored.Version == 0 {
		stored.Version = 1
	}
	m.jobs[job.ID] = stored
	m.appendAuditLocked(job.ID, "", domain.StatusPending, domain.ActorAPI, "admitted")
	return stored.Clone()
}

func (m *Memory) Transition(_ context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	next := current.Clone()
	prev, err := domain.Apply(next, from, to, fields, m.now().UTC())
	if err != nil {
		return nil, err
	}

	m.jobs[jobID] = next
	if fields.Audited(prev, to) {
		m.appendAuditLocked(jobID, prev, to, fields.Actor, fields.Reason)
	}
	return next.Clone(), nil
}

func (m *Memory) appendAuditLocked(jobID string, from, to domain.Status, actor, reason string) {
	m.seq++
	m.audit[jobID] = append(m.audit[jobID], domain.AuditEntry{
		ID:         m.seq,
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  m.now().UTC(),
	})
}

func (m *Memory) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if matches(j, filter) {
			out = append(out, j.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *domain.Job) int {
		c := compareKey(a, b)
		if filter.OldestFirst {
			return c
		}
		return -c
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func compareKey(a, b *domain.Job) int {
	if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func matches(j *domain.Job, f Filter) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if f.UpdatedBefore != nil && !j.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.Cursor != nil {
		c := j.SubmittedAt.Compare(f.Cursor.SubmittedAt)
		if c == 0 {
			switch {
			case j.ID < f.Cursor.JobID:
				c = -1
			case j.ID > f.Cursor.JobID:
				c = 1
			}
		}
		if f.OldestFirst && c <= 0 {
			return false
		}
		if !f.OldestFirst && c >= 0 {
			return false
		}
	}
	return true
}

func (m *Memory) History(_ context.Context, jobID string) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}
	return slices.Clone(m.audit[jobID]), nil
}

// Window returns the rate window ownerID would be admitted against now.
func (m *Memory) Window(ownerID string) domain.RateWindow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windowLocked(ownerID, m.now())
}
