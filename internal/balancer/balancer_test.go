package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mapron/wuild-go/internal/wire"
)

func endpoint(id string, threads uint16, tools ...string) wire.WorkerEndpoint {
	return wire.WorkerEndpoint{WorkerID: id, ToolIDs: tools, TotalThreads: threads}
}

func TestUpdateClientAddedUpdatedSkipped(t *testing.T) {
	b := New(nil)
	b.SetRequiredTools([]string{"gcc"})

	status, idx := b.UpdateClient(endpoint("w1", 4, "gcc"))
	require.Equal(t, Added, status)
	require.Equal(t, 0, idx)

	status, idx2 := b.UpdateClient(endpoint("w1", 8, "gcc"))
	require.Equal(t, Updated, status)
	require.Equal(t, idx, idx2)

	status, _ = b.UpdateClient(endpoint("w2", 4, "clang"))
	require.Equal(t, Skipped, status)

	status, _ = b.UpdateClient(endpoint("w3", 0, "gcc"))
	require.Equal(t, Skipped, status, "zero total_threads must be treated as Skipped")
}

func TestCapacityConservation(t *testing.T) {
	b := New(nil)
	b.SetRequiredTools([]string{"gcc"})
	_, idx := b.UpdateClient(endpoint("w1", 2, "gcc"))
	b.SetClientActive(idx, true)

	for i := 0; i < 2; i++ {
		b.StartTask(idx)
	}
	require.Equal(t, []uint16{2}, b.busySnapshot())

	_, ok := b.FindFreeClient("gcc")
	require.False(t, ok, "no capacity remains")

	b.FinishTask(idx)
	require.Equal(t, []uint16{1}, b.busySnapshot())

	got, ok := b.FindFreeClient("gcc")
	require.True(t, ok)
	require.Equal(t, idx, got)

	// finishing past zero must never underflow.
	b.FinishTask(idx)
	b.FinishTask(idx)
	require.Equal(t, []uint16{0}, b.busySnapshot())
}

func TestFindFreeClientTieBreakLowestIndex(t *testing.T) {
	b := New(nil)
	b.SetRequiredTools(nil)

	_, i0 := b.UpdateClient(endpoint("w0", 4, "gcc"))
	_, i1 := b.UpdateClient(endpoint("w1", 4, "gcc"))
	b.SetClientActive(i0, true)
	b.SetClientActive(i1, true)

	got, ok := b.FindFreeClient("gcc")
	require.True(t, ok)
	require.Equal(t, i0, got, "equal weight must tie-break to lowest index")
}

func TestFindFreeClientPrefersGreaterCapacity(t *testing.T) {
	b := New(nil)
	_, small := b.UpdateClient(endpoint("small", 2, "gcc"))
	_, big := b.UpdateClient(endpoint("big", 8, "gcc"))
	b.SetClientActive(small, true)
	b.SetClientActive(big, true)

	b.StartTask(small) // small now has 1/2 free, weight = 1 * (32768/2)
	// big has 8/8 free, weight = 8 * (32768/8) = 32768, greater than small's 1*16384=16384
	got, ok := b.FindFreeClient("gcc")
	require.True(t, ok)
	require.Equal(t, big, got)
}

func TestFindFreeClientRequiresActiveAndEligible(t *testing.T) {
	b := New(nil)
	_, idx := b.UpdateClient(endpoint("w1", 4, "gcc"))
	_, ok := b.FindFreeClient("gcc")
	require.False(t, ok, "inactive worker must not be selected")

	b.SetClientActive(idx, true)
	_, ok = b.FindFreeClient("clang")
	require.False(t, ok, "worker must advertise the requested tool")

	_, ok = b.FindFreeClient("gcc")
	require.True(t, ok)
}

func TestCensusSplitsMineAndOthers(t *testing.T) {
	b := New(nil)
	b.SetSessionID(42)
	_, idx := b.UpdateClient(endpoint("w1", 8, "gcc"))
	b.SetClientActive(idx, true)

	b.UpdateCensus(wire.WorkerCensus{
		Endpoint:   wire.WorkerEndpoint{WorkerID: "w1"},
		BySession:  []wire.SessionBusy{{SessionID: 42, Busy: 3}, {SessionID: 99, Busy: 1}},
		BusyOthers: 2,
	})
	require.Equal(t, []uint16{3}, b.busySnapshot())
	require.EqualValues(t, 8-3-2, b.FreeThreads())

	// local finish_task only decrements busy_mine, never busy_others.
	b.FinishTask(idx)
	require.EqualValues(t, 8-2-2, b.FreeThreads())
}

func TestFreeThreadsMatchesFormula(t *testing.T) {
	b := New(nil)
	_, i0 := b.UpdateClient(endpoint("w0", 4, "gcc"))
	_, i1 := b.UpdateClient(endpoint("w1", 6, "gcc"))
	b.SetClientActive(i0, true)
	// i1 left inactive on purpose — must not contribute to free threads.
	b.StartTask(i0)

	require.EqualValues(t, 3, b.FreeThreads())
	require.EqualValues(t, 1, b.UsedThreads())

	b.SetClientActive(i1, true)
	require.EqualValues(t, 3+6, b.FreeThreads())
}
