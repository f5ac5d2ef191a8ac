package remotetool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mapron/wuild-go/internal/config"
	"github.com/mapron/wuild-go/internal/invocation"
	"github.com/mapron/wuild-go/internal/localexec"
	"github.com/mapron/wuild-go/internal/transport"
	"github.com/mapron/wuild-go/internal/transport/fake"
	"github.com/mapron/wuild-go/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		ClientID:           "client-1",
		QueueTimeout:       2 * time.Second,
		RequestTimeout:     time.Second,
		InvocationAttempts: 2,
		Compression:        config.CompressionNone,
		RetryBackoff:       time.Millisecond,
	}
}

// newStartedClient builds a Client with one worker wired in directly
// (bypassing the coordinator), as most scenarios in spec.md §8 assume a
// roster already known to the balancer.
func newStartedClient(t *testing.T, ch *fake.Channel) *Client {
	t.Helper()
	c := New(nil)
	require.True(t, c.SetConfig(testConfig()))
	c.SetChannelFactories(func(wire.WorkerEndpoint) transport.Channel { return ch }, nil)
	require.NoError(t, c.Start([]string{"gcc"}))
	c.onWorkerChange(wire.WorkerEndpoint{WorkerID: "w1", Host: "10.0.0.1", Port: 9000, ToolIDs: []string{"gcc"}, TotalThreads: 2})
	return c
}

// TestFacadeHappyPathDispatchesAndReturns is S1.
func TestFacadeHappyPathDispatchesAndReturns(t *testing.T) {
	ch := fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		return &wire.ToolResponse{Result: true, Stdout: "build OK"}, transport.Success, "", 0
	})
	c := newStartedClient(t, ch)
	defer c.Stop()

	done := make(chan TaskResult, 1)
	c.InvokeTool(invocation.ToolInvocation{ToolID: "gcc", Args: []string{"-c", "a.c"}}, func(r TaskResult) {
		done <- r
	})

	select {
	case r := <-done:
		require.True(t, r.Result)
		require.Equal(t, "build OK", r.Stdout)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	require.Eventually(t, func() bool { return c.GetFreeRemoteThreads() == 2 }, time.Second, time.Millisecond)
}

// TestFacadeRejectsInvalidConfig covers spec.md §7's "Config: invalid or
// missing — fails set_config".
func TestFacadeRejectsInvalidConfig(t *testing.T) {
	c := New(nil)
	require.False(t, c.SetConfig(&config.Config{}))
	require.Error(t, c.Start(nil))
}

// TestFacadeFallbackOnExpiry is S3: a queue_timeout with no free worker
// and a configured fallback invokes the fallback instead of a bare
// failure.
func TestFacadeFallbackOnExpiry(t *testing.T) {
	ch := fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		t.Fatal("no dispatch should occur; worker stays saturated")
		return nil, transport.Error, "", 0
	})
	c := New(nil)
	cfg := testConfig()
	cfg.QueueTimeout = time.Millisecond
	require.True(t, c.SetConfig(cfg))

	var fallbackCalls int
	c.SetInvokerFallback(stubLocalInvoker{fn: func(inv invocation.ToolInvocation, cb func(localexec.Result)) {
		fallbackCalls++
		cb(localexec.Result{Success: true, Stdout: "local build OK"})
	}})
	c.SetChannelFactories(func(wire.WorkerEndpoint) transport.Channel { return ch }, nil)
	require.NoError(t, c.Start([]string{"gcc"}))
	defer c.Stop()

	c.onWorkerChange(wire.WorkerEndpoint{WorkerID: "w1", Host: "10.0.0.1", Port: 9000, ToolIDs: []string{"gcc"}, TotalThreads: 1})
	// Saturate the single thread so the dispatch loop never finds capacity.
	idx, ok := c.balancer.FindFreeClient("gcc")
	require.True(t, ok)
	c.balancer.StartTask(idx)

	done := make(chan TaskResult, 1)
	c.InvokeTool(invocation.ToolInvocation{ToolID: "gcc"}, func(r TaskResult) { done <- r })

	select {
	case r := <-done:
		require.True(t, r.Result)
		require.Equal(t, "local build OK", r.Stdout)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	require.Equal(t, 1, fallbackCalls)
}

// TestFacadeRemoteAvailableFiresOnce covers the "fired once when the
// system first reaches all known workers active and free_threads > 0"
// contract.
func TestFacadeRemoteAvailableFiresOnce(t *testing.T) {
	ch := fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		return &wire.ToolResponse{Result: true}, transport.Success, "", 0
	})
	c := New(nil)
	require.True(t, c.SetConfig(testConfig()))
	c.SetChannelFactories(func(wire.WorkerEndpoint) transport.Channel { return ch }, nil)

	var fired int
	c.SetRemoteAvailableCallback(func() { fired++ })
	require.NoError(t, c.Start([]string{"gcc"}))
	defer c.Stop()

	c.onWorkerChange(wire.WorkerEndpoint{WorkerID: "w1", Host: "10.0.0.1", Port: 9000, ToolIDs: []string{"gcc"}, TotalThreads: 2})
	require.Equal(t, 1, fired)

	// A second, unrelated worker-change must not refire the callback.
	c.onWorkerChange(wire.WorkerEndpoint{WorkerID: "w1", Host: "10.0.0.1", Port: 9000, ToolIDs: []string{"gcc"}, TotalThreads: 2})
	require.Equal(t, 1, fired)
}

// TestFacadeFinishSessionDelegatesToAccountant covers finish_session.
func TestFacadeFinishSessionDelegatesToAccountant(t *testing.T) {
	ch := fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		return &wire.ToolResponse{Result: true, Stdout: "ok"}, transport.Success, "", 0
	})
	c := newStartedClient(t, ch)
	defer c.Stop()

	done := make(chan TaskResult, 1)
	c.InvokeTool(invocation.ToolInvocation{ToolID: "gcc"}, func(r TaskResult) { done <- r })
	<-done

	c.FinishSession()
	snap := c.accountant.Snapshot()
	require.EqualValues(t, 1, snap.TasksCount)
}

// TestFacadeStopOrdersShutdown exercises spec.md §5's resource lifecycle:
// Stop must not deadlock or panic even with pending work, and must leave
// the façade inert afterward.
func TestFacadeStopOrdersShutdown(t *testing.T) {
	ch := fake.New(func(frame any) (any, transport.ReplyState, string, time.Duration) {
		return &wire.ToolResponse{Result: true, Stdout: "ok"}, transport.Success, "", 0
	})
	c := newStartedClient(t, ch)

	done := make(chan TaskResult, 1)
	c.InvokeTool(invocation.ToolInvocation{ToolID: "gcc"}, func(r TaskResult) { done <- r })
	<-done

	c.Stop()
	c.Stop() // idempotent
}

type stubLocalInvoker struct {
	fn func(inv invocation.ToolInvocation, cb func(localexec.Result))
}

func (s stubLocalInvoker) InvokeTool(inv invocation.ToolInvocation, cb func(localexec.Result)) {
	s.fn(inv, cb)
}
