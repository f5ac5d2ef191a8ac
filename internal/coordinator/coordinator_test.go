package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mapron/wuild-go/internal/transport"
	"github.com/mapron/wuild-go/internal/transport/fake"
	"github.com/mapron/wuild-go/internal/wire"
)

func newFake() *fake.Channel {
	return fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		return nil, transport.Success, "", 0
	})
}

// TestCoordinatorReconnectTriggersRosterRequest covers spec.md §4.2's
// failure clause: reconnection re-triggers need_request_data.
func TestCoordinatorReconnectTriggersRosterRequest(t *testing.T) {
	ch := newFake()
	c := New(ch, time.Hour, time.Second, nil)
	require.NoError(t, ch.Start())

	c.quant(context.Background())
	require.Len(t, ch.Sent, 1)
	_, ok := ch.Sent[0].(wire.ListRequest)
	require.True(t, ok)

	// A second quant with nothing new pending sends nothing.
	c.quant(context.Background())
	require.Len(t, ch.Sent, 1)

	ch.SetActive(false)
	ch.SetActive(true)
	c.quant(context.Background())
	require.Len(t, ch.Sent, 2, "reconnect must re-trigger a list-request")
}

// TestCoordinatorSendInfoPacedByInterval covers spec.md §4.2 step 1.
func TestCoordinatorSendInfoPacedByInterval(t *testing.T) {
	ch := newFake()
	c := New(ch, 20*time.Millisecond, time.Second, nil)
	c.SetInfoProvider(func() wire.WorkerCensus { return wire.WorkerCensus{BusyOthers: 1} })
	require.NoError(t, ch.Start())

	c.quant(context.Background()) // consumes the initial list-request only; info never marked pending
	require.Len(t, ch.Sent, 1)

	c.MarkInfoChanged()
	c.quant(context.Background())
	require.Len(t, ch.Sent, 2, "first info-pending quant sends immediately (the limiter starts with a full burst)")

	c.MarkInfoChanged()
	c.quant(context.Background())
	require.Len(t, ch.Sent, 2, "must not resend before send_info_interval has elapsed")

	time.Sleep(25 * time.Millisecond)
	c.quant(context.Background())
	require.Len(t, ch.Sent, 3)
}

// TestCoordinatorDeltaSetAndCallbacks covers spec.md §4.2's inbound
// list-response handling: delta set per changed worker, then the full
// info-arrived callback.
func TestCoordinatorDeltaSetAndCallbacks(t *testing.T) {
	ch := newFake()
	c := New(ch, time.Hour, time.Second, nil)
	require.NoError(t, ch.Start())

	var changed []string
	var arrivedWorkers int
	c.SetWorkerChangeCallback(func(e wire.WorkerEndpoint) { changed = append(changed, e.WorkerID) })
	c.SetInfoArrivedCallback(func(workers []wire.WorkerEndpoint, sessions []wire.SessionInfo) {
		arrivedWorkers = len(workers)
	})

	ch.PushInbound(&wire.ListResponse{
		Workers: []wire.WorkerEndpoint{
			{WorkerID: "w1", VersionTag: 1},
			{WorkerID: "w2", VersionTag: 1},
		},
	})
	require.ElementsMatch(t, []string{"w1", "w2"}, changed)
	require.Equal(t, 2, arrivedWorkers)

	changed = nil
	ch.PushInbound(&wire.ListResponse{
		Workers: []wire.WorkerEndpoint{
			{WorkerID: "w1", VersionTag: 1}, // unchanged
			{WorkerID: "w2", VersionTag: 2}, // version bumped
		},
	})
	require.Equal(t, []string{"w2"}, changed, "only the version-bumped worker is in the delta set")
}

// TestCoordinatorSendSessionUpdateIsFireAndForget checks the
// session.Transmitter implementation pushes through the channel without
// requiring a reply.
func TestCoordinatorSendSessionUpdateIsFireAndForget(t *testing.T) {
	ch := newFake()
	c := New(ch, time.Hour, time.Second, nil)
	require.NoError(t, ch.Start())

	c.SendSessionUpdate(wire.SessionInfo{SessionID: 9}, true)
	require.Len(t, ch.Sent, 1)
	frame, ok := ch.Sent[0].(wire.SessionUpdate)
	require.True(t, ok)
	require.True(t, frame.IsFinal)
	require.EqualValues(t, 9, frame.Session.SessionID)
}

// TestCoordinatorStartStopsOnContextCancel exercises the loopctl-driven
// Start path end to end (not just the quant function in isolation).
func TestCoordinatorStartStopsOnContextCancel(t *testing.T) {
	ch := newFake()
	c := New(ch, 5*time.Millisecond, time.Second, nil)
	require.NoError(t, ch.Start())

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	c.Start(group, gctx)

	require.Eventually(t, func() bool { return len(ch.Sent) >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, group.Wait())
}
