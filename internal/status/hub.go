package status

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/genjob/internal/domain"
)

// DefaultBufferSize is the per-subscriber snapshot buffer.
const DefaultBufferSize = 16

// Hub fans snapshots out to in-process subscribers keyed by job id. A
// subscriber whose buffer is full misses the snapshot; Broadcaster resyncs
// from the store.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*hubSub]struct{}
	bufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

type hubSub struct {
	ch   chan domain.Snapshot
	once sync.Once
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[*hubSub]struct{}),
		bufferSize: bufferSize,
	}
}

func (h *Hub) Publish(_ context.Context, snap domain.Snapshot) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[snap.JobID] {
		select {
		case sub.ch <- snap:
			h.published.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, jobID string) (<-chan domain.Snapshot, func(), error) {
	sub := &hubSub{ch: make(chan domain.Snapshot, h.bufferSize)}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*hubSub]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], sub)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// HubStats are delivery counters since startup.
type HubStats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	h.mu.RUnlock()
	return HubStats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}
