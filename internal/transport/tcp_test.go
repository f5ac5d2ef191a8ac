package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mapron/wuild-go/internal/wire"
)

// pipeDial returns a DialFunc that hands out one end of a net.Pipe,
// running a tiny server loop on the other end in a background goroutine.
func pipeDial(t *testing.T, serve func(net.Conn)) DialFunc {
	t.Helper()
	client, server := net.Pipe()
	go serve(server)
	return func(ctx context.Context) (net.Conn, error) { return client, nil }
}

func echoServer(reqVersion, respVersion uint32) func(net.Conn) {
	return func(conn net.Conn) {
		var hs [8]byte
		if _, err := conn.Read(hs[:]); err != nil {
			return
		}
		var out [8]byte
		be := func(v uint32, b []byte) {
			b[0] = byte(v >> 24)
			b[1] = byte(v >> 16)
			b[2] = byte(v >> 8)
			b[3] = byte(v)
		}
		be(reqVersion, out[0:4])
		be(respVersion, out[4:8])
		conn.Write(out[:])

		for {
			frame, err := wire.Decode(conn)
			if err != nil {
				return
			}
			req, ok := frame.(*wire.ToolRequest)
			if !ok {
				continue
			}
			_ = wire.Encode(conn, wire.ToolResponse{Result: true, Stdout: "echo:" + req.Invocation.ToolID})
		}
	}
}

func TestTCPChannelRequestReplyFIFO(t *testing.T) {
	dial := pipeDial(t, echoServer(wire.RequestVersion, wire.ResponseVersion))
	ch := NewTCPChannel(dial, ModeReply, wire.RequestVersion, wire.ResponseVersion, nil)

	var active []bool
	ch.SetNotifier(func(a bool) { active = append(active, a) })

	require.NoError(t, ch.Start())
	require.Equal(t, []bool{true}, active)

	type result struct {
		resp  any
		state ReplyState
	}
	results := make(chan result, 2)
	ch.QueueFrame(wire.ToolRequest{Invocation: wire.Invocation{ToolID: "gcc"}}, func(r any, s ReplyState, e string) {
		results <- result{r, s}
	}, time.Second)
	ch.QueueFrame(wire.ToolRequest{Invocation: wire.Invocation{ToolID: "clang"}}, func(r any, s ReplyState, e string) {
		results <- result{r, s}
	}, time.Second)

	got := <-results
	require.Equal(t, Success, got.state)
	resp, ok := got.resp.(*wire.ToolResponse)
	require.True(t, ok)
	require.Equal(t, "echo:gcc", resp.Stdout)

	got = <-results
	require.Equal(t, Success, got.state)
	resp, ok = got.resp.(*wire.ToolResponse)
	require.True(t, ok)
	require.Equal(t, "echo:clang", resp.Stdout, "replies are matched to requests in queue order")

	ch.Stop()
}

func TestTCPChannelProtocolMismatchReportsInactive(t *testing.T) {
	dial := pipeDial(t, echoServer(99, 99))
	ch := NewTCPChannel(dial, ModeReply, wire.RequestVersion, wire.ResponseVersion, nil)

	var active []bool
	ch.SetNotifier(func(a bool) { active = append(active, a) })

	err := ch.Start()
	require.Error(t, err)
	require.Equal(t, []bool{false}, active)
}

func TestTCPChannelTimeoutInvokesCallbackOnce(t *testing.T) {
	dial := pipeDial(t, func(conn net.Conn) {
		var hs [8]byte
		conn.Read(hs[:])
		be := func(v uint32, b []byte) {
			b[0] = byte(v >> 24)
			b[1] = byte(v >> 16)
			b[2] = byte(v >> 8)
			b[3] = byte(v)
		}
		var out [8]byte
		be(wire.RequestVersion, out[0:4])
		be(wire.ResponseVersion, out[4:8])
		conn.Write(out[:])
		// never answer any frame.
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})
	ch := NewTCPChannel(dial, ModeReply, wire.RequestVersion, wire.ResponseVersion, nil)
	require.NoError(t, ch.Start())
	defer ch.Stop()

	calls := make(chan ReplyState, 2)
	ch.QueueFrame(wire.ToolRequest{}, func(r any, s ReplyState, e string) {
		calls <- s
	}, 30*time.Millisecond)

	select {
	case s := <-calls:
		require.Equal(t, Timeout, s)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	select {
	case <-calls:
		t.Fatal("callback invoked more than once")
	case <-time.After(100 * time.Millisecond):
	}
}
