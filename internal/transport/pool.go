package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mapron/wuild-go/internal/wire"
	"go.uber.org/zap"
)

// Handle identifies one channel inside a Pool.
type Handle int

// Pool is WorkerConnectionPool (spec.md §4.3, component C3): it owns one
// channel per known worker endpoint, keyed by insertion order so the
// balancer's index-based references (spec.md §9's "arena of WorkerState
// with stable indices") line up 1:1 with this pool's handles.
type Pool struct {
	mu       sync.Mutex
	channels []Channel
	logger   *zap.SugaredLogger
}

// NewPool creates an empty Pool.
func NewPool(logger *zap.SugaredLogger) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{logger: logger}
}

// Add inserts a new channel at the next handle (idempotent only in the
// sense that the caller — WorkerConnectionPool's owner, the façade — is
// responsible for not calling Add twice for the same worker_id; the
// balancer's UpdateClient already reports Updated for repeats so the
// façade only calls Add on Added). newChannel builds the channel lazily
// so tests can swap in a fake without dialing anything.
func (p *Pool) Add(newChannel func() Channel) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, newChannel())
	return Handle(len(p.channels) - 1)
}

// At returns the channel for handle, or nil if out of range.
func (p *Pool) At(h Handle) Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(h) < 0 || int(h) >= len(p.channels) {
		return nil
	}
	return p.channels[h]
}

// QueueFrame dispatches frame on the channel at h (spec.md §4.3).
func (p *Pool) QueueFrame(h Handle, frame any, callback ReplyCallback, timeout time.Duration) {
	ch := p.At(h)
	if ch == nil {
		if callback != nil {
			callback(nil, Error, fmt.Sprintf("transport: no channel at handle %d", h))
		}
		return
	}
	ch.QueueFrame(frame, callback, timeout)
}

// StopAll implements "stop_all() on shutdown" (spec.md §4.3).
func (p *Pool) StopAll() {
	p.mu.Lock()
	channels := append([]Channel(nil), p.channels...)
	p.mu.Unlock()
	for _, ch := range channels {
		ch.Stop()
	}
}

// StartAll starts every channel currently in the pool — used by the
// façade's start() on pre-existing channels (spec.md §4.7).
func (p *Pool) StartAll() {
	p.mu.Lock()
	channels := append([]Channel(nil), p.channels...)
	p.mu.Unlock()
	for _, ch := range channels {
		if err := ch.Start(); err != nil {
			p.logger.Warnw("transport: channel start failed", "error", err)
		}
	}
}

// NewWorkerChannel builds a ModeReply TCPChannel that dials host:port
// lazily, with the tool-request/response protocol version
// (req.version + resp.version). RecommendedBufferSize and
// RecommendedSegmentSize are not applied: the socket keeps the OS default
// buffer sizes and frames are written whole, not split into segments.
func NewWorkerChannel(host string, port uint16, logger *zap.SugaredLogger) *TCPChannel {
	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 5 * time.Second}
		return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	}
	return NewTCPChannel(dial, ModeReply, wire.RequestVersion, wire.ResponseVersion, logger)
}

// NewCoordinatorChannel builds a ModePush TCPChannel to the coordinator
// service — the same protocol version negotiation as a worker channel, but
// with unsolicited inbound delivery instead of FIFO reply matching
// (spec.md §4.2's list-response push).
func NewCoordinatorChannel(host string, port uint16, logger *zap.SugaredLogger) *TCPChannel {
	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 5 * time.Second}
		return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	}
	return NewTCPChannel(dial, ModePush, wire.RequestVersion, wire.ResponseVersion, logger)
}
