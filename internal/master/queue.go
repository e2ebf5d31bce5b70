package master

import (
	"errors"
	"sync"

	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

var (
	// ErrQueueFull rejects enqueues past the configured cap.
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskQueued rejects a task id that is already waiting.
	ErrTaskQueued = errors.New("task already queued")
)

// TaskQueue groups waiting tasks into priority buckets. Buckets drain
// highest priority first and are FIFO inside, so equal-priority tasks
// dispatch in submission order. DequeueReady additionally lets the
// dispatcher skip tasks whose dependencies are still open without
// disturbing their position in the bucket.
type TaskQueue struct {
	mu      sync.Mutex
	buckets map[v1.Priority][]*v1.Task
	levels  []v1.Priority // priorities with a non-empty bucket, descending
	queued  map[string]struct{}
	maxSize int
	size    int
}

// NewTaskQueue creates a queue capped at maxSize tasks (0 = unbounded).
func NewTaskQueue(maxSize int) *TaskQueue {
	return &TaskQueue{
		buckets: make(map[v1.Priority][]*v1.Task),
		queued:  make(map[string]struct{}),
		maxSize: maxSize,
	}
}

// Enqueue appends the task to its priority bucket.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.queued[task.ID]; dup {
		return ErrTaskQueued
	}
	if q.maxSize > 0 && q.size >= q.maxSize {
		return ErrQueueFull
	}

	if len(q.buckets[task.Priority]) == 0 {
		q.insertLevel(task.Priority)
	}
	q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
	q.queued[task.ID] = struct{}{}
	q.size++
	return nil
}

// Dequeue removes and returns the oldest task of the highest non-empty
// priority, or nil on an empty queue.
func (q *TaskQueue) Dequeue() *v1.Task {
	return q.DequeueReady(nil)
}

// DequeueReady removes and returns the highest-priority task for which
// ready returns true, scanning each bucket in FIFO order. Tasks that are
// not ready keep their position. A nil predicate accepts everything.
func (q *TaskQueue) DequeueReady(ready func(*v1.Task) bool) *v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, priority := range q.levels {
		bucket := q.buckets[priority]
		for i, task := range bucket {
			if ready != nil && !ready(task) {
				continue
			}
			q.removeAt(priority, i)
			return task
		}
	}
	return nil
}

// Remove evicts a waiting task by id.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[taskID]; !ok {
		return false
	}
	for _, priority := range q.levels {
		for i, task := range q.buckets[priority] {
			if task.ID == taskID {
				q.removeAt(priority, i)
				return true
			}
		}
	}
	return false
}

// Len returns the number of waiting tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Items returns a snapshot of the waiting tasks, highest priority first.
func (q *TaskQueue) Items() []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*v1.Task, 0, q.size)
	for _, priority := range q.levels {
		out = append(out, q.buckets[priority]...)
	}
	return out
}

// insertLevel records a newly non-empty priority, keeping levels sorted
// descending. The handful of distinct priorities makes a scan enough.
func (q *TaskQueue) insertLevel(priority v1.Priority) {
	at := len(q.levels)
	for i, p := range q.levels {
		if priority > p {
			at = i
			break
		}
	}
	q.levels = append(q.levels, 0)
	copy(q.levels[at+1:], q.levels[at:])
	q.levels[at] = priority
}

// removeAt drops one bucket entry; caller holds the lock.
func (q *TaskQueue) removeAt(priority v1.Priority, i int) {
	bucket := q.buckets[priority]
	delete(q.queued, bucket[i].ID)
	q.buckets[priority] = append(bucket[:i], bucket[i+1:]...)
	q.size--

	if len(q.buckets[priority]) == 0 {
		delete(q.buckets, priority)
		for j, p := range q.levels {
			if p == priority {
				q.levels = append(q.levels[:j], q.levels[j+1:]...)
				break
			}
		}
	}
}
