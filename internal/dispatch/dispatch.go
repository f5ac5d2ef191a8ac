// Package dispatch implements DispatchLoop (spec.md §4.5, component C5):
// the cooperative loop that drains the request queue, expires timed-out
// tasks, asks the balancer for a free worker, hands the frame to the
// connection pool, and routes the reply. Grounded on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp's ProcessTasks.
package dispatch

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mapron/wuild-go/internal/balancer"
	"github.com/mapron/wuild-go/internal/config"
	"github.com/mapron/wuild-go/internal/filestore"
	"github.com/mapron/wuild-go/internal/localexec"
	"github.com/mapron/wuild-go/internal/loopctl"
	"github.com/mapron/wuild-go/internal/metrics"
	"github.com/mapron/wuild-go/internal/queue"
	"github.com/mapron/wuild-go/internal/transport"
	"github.com/mapron/wuild-go/internal/wire"
)

const idleQuant = time.Millisecond

// ChannelResolver resolves the balancer's chosen index to a handle the
// connection pool can dispatch on; the façade wires this to its
// transport.Pool (spec.md §9: "callbacks carry the index plus a handle to
// the façade").
type ChannelResolver func(idx int) (transport.Handle, bool)

// Sink is where DispatchLoop reports every completed task, for session
// accounting (component C6).
type Sink interface {
	Record(result queue.TaskResult, workerIdx int)
}

// Loop is DispatchLoop (C5).
type Loop struct {
	queue      *queue.Queue
	balancer   *balancer.Balancer
	pool       *transport.Pool
	resolve    ChannelResolver
	sink       Sink
	fallback   localexec.Invoker
	store      filestore.Store
	metrics    *metrics.Registry
	logger     *zap.SugaredLogger
	kick       loopctl.Kick
	mintTaskID func() uint64

	retryLimiter *rate.Limiter

	pendingTasks atomic.Int64
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithFallback sets the local-invoker fallback used on queue expiration
// (spec.md §4.5 step 1 and §7's "Queue expiration").
func WithFallback(inv localexec.Invoker) Option {
	return func(l *Loop) { l.fallback = inv }
}

// WithRetryLimiter bounds how fast retries may be re-enqueued, so a
// worker flapping under load doesn't spin the dispatch quant — the Go
// analogue of pacing spec.md §5's "sleep between quants" with a real
// rate limiter instead of a fixed sleep.
func WithRetryLimiter(l *rate.Limiter) Option {
	return func(loop *Loop) { loop.retryLimiter = l }
}

// New constructs a Loop. mintTaskID mints fresh monotonic task ids for
// retries (spec.md §3's TaskId, "never reused within a session").
func New(q *queue.Queue, b *balancer.Balancer, pool *transport.Pool, resolve ChannelResolver, sink Sink,
	store filestore.Store, reg *metrics.Registry, logger *zap.SugaredLogger, mintTaskID func() uint64, opts ...Option) *Loop {
	if reg == nil {
		reg = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Loop{
		queue:      q,
		balancer:   b,
		pool:       pool,
		resolve:    resolve,
		sink:       sink,
		store:      store,
		metrics:    reg,
		logger:     logger,
		kick:       loopctl.NewKick(),
		mintTaskID: mintTaskID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kick requests an immediate requant, e.g. after invoke_tool pushes a new
// task or a channel becomes active.
func (l *Loop) Kick() { l.kick.Send() }

// Push enqueues task and marks it as pending for the lifetime of its stay
// in the system (spec.md §3's pending_tasks: "size of C4 + count of
// TaskWraps in flight through C3"). The façade's invoke_tool calls this
// instead of writing to the queue directly, so the counter's increment
// and the enqueue can never drift apart.
func (l *Loop) Push(task *queue.TaskWrap) {
	l.queue.Push(task)
	l.pendingTasks.Add(1)
	l.kick.Send()
}

// PendingTasks is the broader pending_tasks counter spec.md §3 defines:
// "size of C4 + count of TaskWraps in flight through C3 at any
// observation point between dispatch steps." It is incremented when a
// task is pushed and decremented only when the task fully leaves the
// system (callback fired or handed to fallback) — not merely when it
// leaves the local queue, unlike a narrower in-queue-only counter.
func (l *Loop) PendingTasks() int64 { return l.pendingTasks.Load() }

// Start runs the quant loop under group until ctx is canceled.
func (l *Loop) Start(group *errgroup.Group, ctx context.Context) {
	loopctl.Loop(group, ctx, idleQuant, l.kick, l.quant)
}

// quant runs one iteration of spec.md §4.5's numbered steps.
func (l *Loop) quant(ctx context.Context) {
	l.expireOverdue()

	task := l.queue.PeekFront()
	if task == nil {
		return
	}

	idx, ok := l.balancer.FindFreeClient(task.RewrittenInvocation.ToolID)
	if !ok {
		return
	}

	handle, ok := l.resolve(idx)
	if !ok {
		return
	}

	l.balancer.StartTask(idx)
	l.queue.PopFront()

	l.metrics.DispatchAttempts.Inc()
	l.pool.QueueFrame(handle, task.RequestFrame, l.makeReplyCallback(*task, idx), task.PerRequestTimeout)
}

// expireOverdue implements spec.md §4.5 step 1.
func (l *Loop) expireOverdue() {
	now := time.Now()
	for _, task := range l.queue.DrainExpired(now) {
		l.finishTask(*task, func() {
			if l.fallback != nil {
				l.metrics.FallbackInvocations.Inc()
				l.fallback.InvokeTool(task.OriginalInvocation, func(res localexec.Result) {
					task.UserCallback(queue.TaskResult{
						Result:            res.Success,
						Stdout:            res.Stdout,
						ToolExecutionTime: res.ExecutionTime,
					})
				})
			} else {
				task.UserCallback(queue.TaskResult{Result: false, Stdout: "Timeout expired."})
			}
		})
	}
}

// finishTask decrements the broad pending counter and runs deliver, which
// is responsible for eventually invoking exactly one of: user_callback,
// fallback, or re-enqueue (spec.md §3's "leaves the system by exactly
// one of" invariant). Re-enqueue paths must not call finishTask again —
// see makeReplyCallback.
func (l *Loop) finishTask(task queue.TaskWrap, deliver func()) {
	deliver()
	l.pendingTasks.Add(-1)
}

// makeReplyCallback implements spec.md §4.5 step 5.
func (l *Loop) makeReplyCallback(task queue.TaskWrap, idx int) transport.ReplyCallback {
	return func(response any, state transport.ReplyState, errInfo string) {
		l.balancer.FinishTask(idx)

		if state == transport.Success {
			l.handleSuccess(task, response)
			l.pendingTasks.Add(-1)
			return
		}

		stdout := describeFailure(state, errInfo)
		// attempts_remain is set to invocation_attempts at enqueue time and
		// counts this attempt; >1 means at least one more try is allowed
		// after the one that just failed (spec.md §8 property 3: total
		// dispatch attempts per task <= invocation_attempts).
		if task.AttemptsRemain > 1 {
			l.logger.Warnw("dispatch: retrying task", "task_id", task.TaskID, "stdout", stdout, "attempts_remain", task.AttemptsRemain)
			l.retry(task, stdout)
			// Session accounting happens once per logical task, on its
			// final outcome (spec.md §8 scenario S4: one retry-then-success
			// task yields tasks_count=1) — an intermediate retry is not a
			// completed task, so C6 is not notified here. pendingTasks
			// likewise stays incremented: the task is still in the system.
			return
		}

		l.deliverFailure(task, stdout)
		l.pendingTasks.Add(-1)
	}
}

func describeFailure(state transport.ReplyState, errInfo string) string {
	switch state {
	case transport.Timeout:
		return "Timeout expired: " + errInfo
	default:
		return "Internal error. " + errInfo
	}
}

func (l *Loop) retry(task queue.TaskWrap, stdout string) {
	if l.retryLimiter != nil {
		_ = l.retryLimiter.Wait(context.Background())
	}
	retried := task
	retried.AttemptsRemain--
	retried.TaskID = l.mintTaskID()
	retried.ExpirationTime = time.Now().Add(task.ExpirationTime.Sub(task.EnqueueTime))
	retried.EnqueueTime = time.Now()
	l.queue.Push(&retried)
	l.kick.Send()
}

func (l *Loop) deliverFailure(task queue.TaskWrap, stdout string) {
	result := queue.TaskResult{Result: false, Stdout: stdout}
	l.reportToSink(result, 0)
	task.UserCallback(result)
}

func (l *Loop) reportFailureToSink(stdout string) {
	l.reportToSink(queue.TaskResult{Result: false, Stdout: stdout}, 0)
}

func (l *Loop) reportToSink(result queue.TaskResult, idx int) {
	if l.sink != nil {
		l.sink.Record(result, idx)
	}
	if !result.Result {
		l.metrics.FailuresCount.Inc()
	}
	l.metrics.TasksCount.Inc()
}

func (l *Loop) handleSuccess(task queue.TaskWrap, response any) {
	resp, ok := response.(*wire.ToolResponse)
	if !ok {
		stdout := "Internal error. unexpected response type"
		l.deliverFailure(task, stdout)
		return
	}

	result := resp.Result
	stdout := strings.ReplaceAll(resp.Stdout, "\r", " ")

	outputPath := task.OriginalInvocation.OutputPath
	if result && outputPath != "" {
		result = l.store.WriteCompressed(outputPath, resp.FileData, config.Compression(resp.CompressionKind))
	}

	info := queue.TaskResult{
		Result:            result,
		Stdout:            stdout,
		ToolExecutionTime: time.Duration(resp.ExecutionTime),
	}
	l.reportToSink(info, 0)
	task.UserCallback(info)
}
