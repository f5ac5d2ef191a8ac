// Package session implements SessionAccountant (spec.md §4.6, component
// C6): it aggregates per-task results into a running SessionInfo and
// pushes incremental/final frames to the coordinator through C2.
// Grounded on the teacher's SessionManager (_teacher_reference/session.go)
// for the mutex-guarded-map-of-state shape, and on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp's
// UpdateSessionInfo/FinishSession.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mapron/wuild-go/internal/balancer"
	"github.com/mapron/wuild-go/internal/queue"
	"github.com/mapron/wuild-go/internal/wire"
)

// Transmitter is the C2 collaborator C6 asks to push session_update
// frames to the coordinator (spec.md §6's "session_update | client ->
// coord | SessionInfo, is_final: bool").
type Transmitter interface {
	SendSessionUpdate(info wire.SessionInfo, isFinal bool)
}

// Accountant is SessionAccountant (C6). The zero value is not usable; build
// one with New.
type Accountant struct {
	mu         sync.Mutex
	info       wire.SessionInfo
	started    bool
	startTime  time.Time
	lastFinish time.Time

	balancer *balancer.Balancer
	transmit Transmitter
	logger   *zap.SugaredLogger
}

// New constructs an Accountant for one client_id/session_id pair. balancer
// supplies current_used_threads (spec.md §4.6: "reads current_used_threads
// and max_used_threads from C1"). transmit may be nil, in which case
// session frames are computed but never sent (useful for tests that only
// assert on Snapshot()).
func New(clientID string, sessionID uint64, b *balancer.Balancer, transmit Transmitter, logger *zap.SugaredLogger) *Accountant {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Accountant{
		info:     wire.SessionInfo{SessionID: sessionID, ClientID: clientID},
		balancer: b,
		transmit: transmit,
		logger:   logger,
	}
}

// Start begins a new accounting period; it is the façade's start()
// counterpart for C6. Calling Start while already started is a no-op:
// the accountant doesn't restart a session mid-flight.
func (a *Accountant) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.startTime = time.Now()
	a.lastFinish = a.startTime
}

// Record implements dispatch.Sink: it folds one completed task's result
// into the running SessionInfo and transmits an incremental frame
// (spec.md §4.6). workerIdx is accepted for interface compatibility but
// not currently used — thread accounting reads straight from the
// balancer's aggregate counters rather than per-worker ones.
func (a *Accountant) Record(result queue.TaskResult, workerIdx int) {
	snapshot := a.recordLocked(result)
	if a.transmit != nil {
		a.transmit.SendSessionUpdate(snapshot, false)
	}
}

func (a *Accountant) recordLocked(result queue.TaskResult) wire.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.info.TasksCount++
	if !result.Result {
		a.info.FailuresCount++
	}
	a.info.TotalExecutionTime += int64(result.ToolExecutionTime)
	a.info.TotalNetworkTime += int64(result.NetworkRequestTime)
	a.lastFinish = time.Now()

	if a.balancer != nil {
		used := uint16(a.balancer.UsedThreads())
		a.info.CurrentUsedThreads = used
		if used > a.info.MaxUsedThreads {
			a.info.MaxUsedThreads = used
		}
	}

	return a.info
}

// FinishSession is the façade's finish_session(): idempotent, transmits a
// final frame with elapsed_time = last_finish - start, then clears
// started. A later Start restarts the elapsed-time clock; the task,
// failure and timing totals are not reset and keep accumulating.
func (a *Accountant) FinishSession() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.info.ElapsedTime = int64(a.lastFinish.Sub(a.startTime))
	a.started = false
	snapshot := a.info
	a.mu.Unlock()

	if a.transmit != nil {
		a.transmit.SendSessionUpdate(snapshot, true)
	}
	a.logger.Infow("session: finished", "session_id", snapshot.SessionID,
		"tasks_count", snapshot.TasksCount, "failures_count", snapshot.FailuresCount)
}

// Snapshot returns a copy of the current SessionInfo, for telemetry and
// tests (spec.md §8 property 7: "after N tasks complete, tasks_count ==
// N").
func (a *Accountant) Snapshot() wire.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}
