// Package transport implements WorkerConnectionPool (spec.md §4.3,
// component C3): it owns one framed bidirectional channel per known
// worker, opening and closing them on roster changes and availability
// callbacks. Grounded on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp's
// SocketFrameHandler usage and on the teacher's net.Listen-based port
// handling in pool.go.
package transport

import (
	"time"
)

// ReplyState is the outcome of a queued frame, delivered to its reply
// callback exactly once (spec.md §4.3).
type ReplyState int

const (
	Success ReplyState = iota
	Timeout
	Error
)

func (s ReplyState) String() string {
	switch s {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// ReplyCallback receives the outcome of one QueueFrame call. response is
// only meaningful when state == Success.
type ReplyCallback func(response any, state ReplyState, errInfo string)

// Notifier is called whenever a channel's connected/disconnected state
// changes (spec.md §4.3, "installs a notifier that calls
// balancer.set_client_active").
type Notifier func(active bool)

// Channel is the capability set spec.md §4.3 requires of a worker
// connection: queue_frame_with_reply, set_notifier, start, stop. FIFO
// ordering is guaranteed per channel; no ordering is guaranteed across
// channels (spec.md §4.3, §5).
type Channel interface {
	Start() error
	Stop()
	SetNotifier(n Notifier)
	QueueFrame(frame any, callback ReplyCallback, timeout time.Duration)
}

// RecommendedBufferSize and RecommendedSegmentSize mirror the original's
// g_recommendedBufferSize (64 KiB) and segment size (8 KiB) (spec.md §4.3).
const (
	RecommendedBufferSize = 64 * 1024
	RecommendedSegmentSize = 8 * 1024
)
