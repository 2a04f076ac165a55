package queue

import (
	"container/heap"
	"sync"
)

// ReadyQueue is a thread-safe max-heap of NodeTasks, ordered
// (is_shutdown desc, reentrant_depth desc) as spec §4.2 requires. pop
// blocks until an item is available; push wakes exactly one waiter.
type ReadyQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	h    taskHeap
}

// New returns an empty ReadyQueue.
func New() *ReadyQueue {
	q := &ReadyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds task to the queue. If incOutstanding is true (the default for
// every push except enqueue_blocked_task_on_cpu, spec §6), the task's owner
// GraphTask's outstanding counter is bumped first — this must happen before
// the task becomes visible to a popping worker, or the completion check
// in thread_main could race and observe outstanding==0 too early.
func (q *ReadyQueue) Push(task *NodeTask, incOutstanding bool) {
	if incOutstanding && !task.IsShutdown() {
		if owner, ok := task.Owner(); ok {
			owner.IncOutstanding()
		}
	}
	q.mu.Lock()
	heap.Push(&q.h, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushShutdown enqueues the shutdown sentinel, which sorts ahead of every
// real task and terminates whichever worker pops it.
func (q *ReadyQueue) PushShutdown() {
	q.mu.Lock()
	heap.Push(&q.h, Shutdown())
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until the queue is non-empty, then returns the
// highest-priority task.
func (q *ReadyQueue) Pop() *NodeTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() == 0 {
		q.cond.Wait()
	}
	return heap.Pop(&q.h).(*NodeTask)
}

// Size returns the current queue depth.
func (q *ReadyQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Empty reports whether the queue currently holds no tasks.
func (q *ReadyQueue) Empty() bool { return q.Size() == 0 }

// taskHeap implements container/heap.Interface as a max-heap by inverting
// Less, the standard Go idiom for a priority queue that wants largest-first.
type taskHeap []*NodeTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	iShutdown, iDepth := h[i].priority()
	jShutdown, jDepth := h[j].priority()
	if iShutdown != jShutdown {
		return iShutdown // shutdown sorts first
	}
	return iDepth > jDepth // deeper reentrant depth sorts first
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*NodeTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
