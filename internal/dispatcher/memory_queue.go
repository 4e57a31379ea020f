package dispatcher

import (
	"container/heap"
	"context"
	"sync"
)

// MemoryQueue is an in-process priority queue with FIFO order inside a
// priority tier.
type MemoryQueue struct {
	mu    sync.Mutex
	items messageHeap
	seq   uint64
	wake  chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wake: make(chan struct{})}
}

func (q *MemoryQueue) Publish(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(msg)
	return nil
}

func (q *MemoryQueue) pushLocked(msg Message) {
	q.seq++
	heap.Push(&q.items, queuedMessage{msg: msg, seq: q.seq})
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queuedMessage)
			q.mu.Unlock()
			return &memoryDelivery{queue: q, msg: item.msg}, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Holds reports whether a message for jobID is waiting.
func (q *MemoryQueue) Holds(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.msg.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of pending messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type memoryDelivery struct {
	queue *MemoryQueue
	msg   Message
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack(context.Context) error { return nil }

func (d *memoryDelivery) Nack(_ context.Context, requeue bool) error {
	if requeue {
		d.queue.mu.Lock()
		d.queue.pushLocked(d.msg)
		d.queue.mu.Unlock()
	}
	return nil
}

type queuedMessage struct {
	msg Message
	seq uint64
}

type messageHeap []queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(queuedMessage)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
