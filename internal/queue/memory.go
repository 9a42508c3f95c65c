package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process. Jobs are lost on restart.
type MemoryBackend struct {
	retention Retention

	mu        sync.Mutex
	seq       uint64
	waiting   jobHeap
	delayed   []Job
	active    map[string]Job
	completed []Job
	failed    []Job
}

// NewMemoryBackend builds an empty in-process backend.
func NewMemoryBackend(retention Retention) *MemoryBackend {
	return &MemoryBackend{
		retention: retention.withDefaults(),
		active:    make(map[string]Job),
	}
}

func (m *MemoryBackend) Push(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushWaiting(job)
	return nil
}

func (m *MemoryBackend) pushWaiting(job Job) {
	m.seq++
	heap.Push(&m.waiting, heapItem{job: job, seq: m.seq})
}

func (m *MemoryBackend) Pop(ctx context.Context, now time.Time) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.delayed[:0]
	for _, j := range m.delayed {
		if !j.NextAttemptAt.After(now) {
			m.pushWaiting(j)
			continue
		}
		kept = append(kept, j)
	}
	m.delayed = kept

	if m.waiting.Len() == 0 {
		return Job{}, false, nil
	}
	item := heap.Pop(&m.waiting).(heapItem)
	m.active[item.job.ID] = item.job
	return item.job, true, nil
}

func (m *MemoryBackend) Complete(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, job.ID)
	m.completed = append(m.completed, job)
	return nil
}

func (m *MemoryBackend) Retry(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, job.ID)
	m.delayed = append(m.delayed, job)
	return nil
}

func (m *MemoryBackend) Fail(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, job.ID)
	m.failed = append(m.failed, job)
	return nil
}

func (m *MemoryBackend) Counts(ctx context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Waiting:   int64(m.waiting.Len()),
		Delayed:   int64(len(m.delayed)),
		Active:    int64(len(m.active)),
		Completed: int64(len(m.completed)),
		Failed:    int64(len(m.failed)),
	}, nil
}

// Failed returns a copy of the dead-letter set, newest last.
func (m *MemoryBackend) Failed() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.failed...)
}

func (m *MemoryBackend) Prune(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed = pruneOlder(m.completed, now.Add(-m.retention.CompletedMaxAge))
	if extra := len(m.completed) - m.retention.CompletedKeep; extra > 0 {
		sort.SliceStable(m.completed, func(i, j int) bool {
			return m.completed[i].FinishedAt.Before(m.completed[j].FinishedAt)
		})
		m.completed = append([]Job(nil), m.completed[extra:]...)
	}
	m.failed = pruneOlder(m.failed, now.Add(-m.retention.FailedMaxAge))
	return nil
}

func pruneOlder(jobs []Job, cutoff time.Time) []Job {
	kept := jobs[:0]
	for _, j := range jobs {
		if j.FinishedAt.After(cutoff) {
			kept = append(kept, j)
		}
	}
	return kept
}

type heapItem struct {
	job Job
	seq uint64
}

// jobHeap orders by priority desc, then enqueue time, then insertion order.
type jobHeap []heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
		return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ Backend = (*MemoryBackend)(nil)
