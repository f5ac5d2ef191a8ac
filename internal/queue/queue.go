// Package queue implements RequestQueue (spec.md §4.4, component C4): a
// mutex-protected FIFO of TaskWraps with O(n) expiration scan. Grounded on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp's
// std::deque<RemoteToolRequestWrap> m_requests and its ProcessTasks
// expiration loop.
package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mapron/wuild-go/internal/invocation"
	"github.com/mapron/wuild-go/internal/metrics"
	"github.com/mapron/wuild-go/internal/wire"
)

// TaskResult is what a TaskWrap's user_callback receives (spec.md §3,
// TaskExecutionInfo).
type TaskResult struct {
	Result              bool
	Stdout              string
	ToolExecutionTime   time.Duration
	NetworkRequestTime  time.Duration
}

// TaskWrap is one in-flight or queued request (spec.md §3).
type TaskWrap struct {
	TaskID               uint64
	OriginalInvocation   invocation.ToolInvocation
	RewrittenInvocation  invocation.ToolInvocation
	RequestFrame         wire.ToolRequest
	UserCallback         func(TaskResult)
	EnqueueTime          time.Time
	ExpirationTime       time.Time
	PerRequestTimeout    time.Duration
	AttemptsRemain       uint8
}

// Queue is RequestQueue (C4).
type Queue struct {
	mu      sync.Mutex
	items   *list.List // of *TaskWrap
	pending atomic.Int64
	metrics *metrics.Registry
}

// New creates an empty Queue.
func New(reg *metrics.Registry) *Queue {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Queue{items: list.New(), metrics: reg}
}

// Push appends a TaskWrap to the back of the FIFO.
func (q *Queue) Push(task *TaskWrap) {
	q.mu.Lock()
	q.items.PushBack(task)
	n := int64(q.items.Len())
	q.mu.Unlock()
	q.pending.Store(n)
	q.metrics.PendingTasks.Set(float64(n))
}

// PeekFront returns a copy of the front TaskWrap without removing it, or
// nil if the queue is empty. Spec.md §4.5 step 3 calls for "Copy (not
// move) the front task" before asking the balancer for a worker.
func (q *Queue) PeekFront() *TaskWrap {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil
	}
	copyOf := *front.Value.(*TaskWrap)
	return &copyOf
}

// PopFront removes and returns the front TaskWrap.
func (q *Queue) PopFront() *TaskWrap {
	q.mu.Lock()
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		return nil
	}
	q.items.Remove(front)
	n := int64(q.items.Len())
	q.mu.Unlock()
	q.pending.Store(n)
	q.metrics.PendingTasks.Set(float64(n))
	return front.Value.(*TaskWrap)
}

// DrainExpired removes every TaskWrap whose ExpirationTime is at or
// before now and returns them, oldest first — an O(n) scan performed
// inline with push/pop per spec.md §4.4.
func (q *Queue) DrainExpired(now time.Time) []*TaskWrap {
	q.mu.Lock()
	var expired []*TaskWrap
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		task := e.Value.(*TaskWrap)
		if !task.ExpirationTime.After(now) {
			expired = append(expired, task)
			q.items.Remove(e)
		}
		e = next
	}
	n := int64(q.items.Len())
	q.mu.Unlock()
	q.pending.Store(n)
	q.metrics.PendingTasks.Set(float64(n))
	return expired
}

// Len returns the current queue depth.
func (q *Queue) Len() int64 { return q.pending.Load() }
