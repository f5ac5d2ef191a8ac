package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mapron/wuild-go/internal/balancer"
	"github.com/mapron/wuild-go/internal/queue"
	"github.com/mapron/wuild-go/internal/wire"
)

type recordingTransmitter struct {
	updates []wire.SessionInfo
	final   []bool
}

func (r *recordingTransmitter) SendSessionUpdate(info wire.SessionInfo, isFinal bool) {
	r.updates = append(r.updates, info)
	r.final = append(r.final, isFinal)
}

// TestSessionAccountingMatchesTaskCount is spec.md §8 property 7: after N
// tasks complete, tasks_count == N and failures_count == #{result==false}.
func TestSessionAccountingMatchesTaskCount(t *testing.T) {
	tx := &recordingTransmitter{}
	acc := New("client-1", 42, balancer.New(nil), tx, nil)
	acc.Start()

	acc.Record(queue.TaskResult{Result: true}, 0)
	acc.Record(queue.TaskResult{Result: false}, 0)
	acc.Record(queue.TaskResult{Result: true}, 0)

	snap := acc.Snapshot()
	require.EqualValues(t, 3, snap.TasksCount)
	require.EqualValues(t, 1, snap.FailuresCount)
	require.Len(t, tx.updates, 3)
	require.Equal(t, []bool{false, false, false}, tx.final, "per-task updates are incremental, not final")
}

func TestSessionAccumulatesTimings(t *testing.T) {
	tx := &recordingTransmitter{}
	acc := New("client-1", 1, nil, tx, nil)
	acc.Start()

	acc.Record(queue.TaskResult{Result: true, ToolExecutionTime: 100 * time.Millisecond, NetworkRequestTime: 10 * time.Millisecond}, 0)
	acc.Record(queue.TaskResult{Result: true, ToolExecutionTime: 50 * time.Millisecond, NetworkRequestTime: 5 * time.Millisecond}, 0)

	snap := acc.Snapshot()
	require.EqualValues(t, 150*time.Millisecond, snap.TotalExecutionTime)
	require.EqualValues(t, 15*time.Millisecond, snap.TotalNetworkTime)
}

func TestSessionMaxUsedThreadsTracksPeak(t *testing.T) {
	b := balancer.New(nil)
	status, idx := b.UpdateClient(wire.WorkerEndpoint{WorkerID: "w1", ToolIDs: []string{"gcc"}, TotalThreads: 8})
	require.Equal(t, balancer.Added, status)
	b.SetClientActive(idx, true)

	acc := New("client-1", 1, b, nil, nil)
	acc.Start()

	b.StartTask(idx)
	b.StartTask(idx)
	b.StartTask(idx)
	acc.Record(queue.TaskResult{Result: true}, idx)
	require.EqualValues(t, 3, acc.Snapshot().MaxUsedThreads)

	b.FinishTask(idx)
	acc.Record(queue.TaskResult{Result: true}, idx)
	require.EqualValues(t, 2, acc.Snapshot().CurrentUsedThreads)
	require.EqualValues(t, 3, acc.Snapshot().MaxUsedThreads, "max must not regress when usage drops")
}

func TestFinishSessionIsIdempotentAndSendsFinalFrame(t *testing.T) {
	tx := &recordingTransmitter{}
	acc := New("client-1", 7, balancer.New(nil), tx, nil)
	acc.Start()
	acc.Record(queue.TaskResult{Result: true}, 0)

	acc.FinishSession()
	require.Len(t, tx.updates, 2)
	require.Equal(t, []bool{false, true}, tx.final)
	require.Positive(t, tx.updates[1].ElapsedTime)

	acc.FinishSession()
	require.Len(t, tx.updates, 2, "finish_session must be idempotent")
}

func TestRecordBeforeStartStillAccumulates(t *testing.T) {
	acc := New("client-1", 1, nil, nil, nil)
	acc.Record(queue.TaskResult{Result: true}, 0)
	require.EqualValues(t, 1, acc.Snapshot().TasksCount)
}
