package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mapron/wuild-go/internal/wire"
	"go.uber.org/zap"
)

// Mode distinguishes the two framing patterns spec.md's two wire tables
// need: worker channels match exactly one reply per queued frame (FIFO);
// the coordinator channel instead delivers ListResponse frames
// unprompted, as a push, independent of any particular QueueFrame call.
type Mode int

const (
	// ModeReply pops the oldest pending callback for every inbound frame.
	ModeReply Mode = iota
	// ModePush never consumes the pending queue; every inbound frame goes
	// to the channel's InboundHandler instead.
	ModePush
)

type pendingReply struct {
	callback ReplyCallback
	deadline time.Time
	timer    *time.Timer
}

// DialFunc opens the underlying connection. Split out from TCPChannel so
// tests can substitute a net.Pipe() without a real listener.
type DialFunc func(ctx context.Context) (net.Conn, error)

// TCPChannel is the concrete Channel (spec.md §4.3) used for both worker
// and coordinator connections: a length-prefixed, tagged frame stream
// over net.Conn (see internal/wire), with a negotiated protocol version
// checked at Start.
type TCPChannel struct {
	dial            DialFunc
	mode            Mode
	reqVersion      uint32
	respVersion     uint32
	peerReqVersion  uint32
	peerRespVersion uint32
	logger          *zap.SugaredLogger

	mu       sync.Mutex
	conn     net.Conn
	pending  []*pendingReply
	notifier Notifier
	inbound  func(frame any)
	stopped  bool

	sendCh chan sendRequest
}

type sendRequest struct {
	frame    any
	callback ReplyCallback
	timeout  time.Duration
}

// NewTCPChannel builds a channel that dials via dial once Start is
// called. reqVersion/respVersion are this side's protocol version
// components (spec.md §6, "Protocol version = request.version +
// response.version").
func NewTCPChannel(dial DialFunc, mode Mode, reqVersion, respVersion uint32, logger *zap.SugaredLogger) *TCPChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TCPChannel{
		dial:        dial,
		mode:        mode,
		reqVersion:  reqVersion,
		respVersion: respVersion,
		logger:      logger,
		sendCh:      make(chan sendRequest, 64),
	}
}

// SetNotifier implements Channel.
func (c *TCPChannel) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// SetInboundHandler registers the callback for ModePush frames (the
// coordinator's unsolicited ListResponse pushes).
func (c *TCPChannel) SetInboundHandler(h func(frame any)) {
	c.mu.Lock()
	c.inbound = h
	c.mu.Unlock()
}

// Start dials the peer, checks the protocol version, and launches the
// reader/writer goroutines. A version mismatch (spec.md §7, "Protocol
// mismatch -> channel is skipped at the connection notifier") closes the
// connection and reports the channel inactive instead of erroring loudly.
func (c *TCPChannel) Start() error {
	conn, err := c.dial(context.Background())
	if err != nil {
		c.notifyActive(false)
		return fmt.Errorf("transport: dial: %w", err)
	}

	if err := c.negotiateVersion(conn); err != nil {
		conn.Close()
		c.notifyActive(false)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stopped = false
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)

	c.notifyActive(true)
	return nil
}

// negotiateVersion exchanges an 8-byte handshake (reqVersion,
// respVersion, both big-endian uint32) before any framed traffic, per
// spec.md §6's "Protocol version = request.version + response.version;
// channels must reject mismatched peers."
func (c *TCPChannel) negotiateVersion(conn net.Conn) error {
	var out [8]byte
	binary.BigEndian.PutUint32(out[0:4], c.reqVersion)
	binary.BigEndian.PutUint32(out[4:8], c.respVersion)
	if _, err := conn.Write(out[:]); err != nil {
		return fmt.Errorf("transport: handshake write: %w", err)
	}

	var in [8]byte
	if _, err := io.ReadFull(conn, in[:]); err != nil {
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	c.peerReqVersion = binary.BigEndian.Uint32(in[0:4])
	c.peerRespVersion = binary.BigEndian.Uint32(in[4:8])

	if c.peerReqVersion+c.peerRespVersion != c.reqVersion+c.respVersion {
		return fmt.Errorf("transport: protocol mismatch: local=%d peer=%d",
			c.reqVersion+c.respVersion, c.peerReqVersion+c.peerRespVersion)
	}
	return nil
}

// Stop closes the channel. Any pending callbacks are invoked with Error,
// matching spec.md §4.3's "the transport guarantees the callback is
// invoked exactly once ... even on channel teardown."
func (c *TCPChannel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range pending {
		p.timer.Stop()
		p.callback(nil, Error, "channel stopped")
	}
	c.notifyActive(false)
}

// QueueFrame implements Channel. The write happens on the channel's own
// writer goroutine so callers never block on socket I/O.
func (c *TCPChannel) QueueFrame(frame any, callback ReplyCallback, timeout time.Duration) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		if callback != nil {
			callback(nil, Error, "channel stopped")
		}
		return
	}

	select {
	case c.sendCh <- sendRequest{frame: frame, callback: callback, timeout: timeout}:
	default:
		if callback != nil {
			callback(nil, Error, "send queue full")
		}
	}
}

func (c *TCPChannel) writeLoop(conn net.Conn) {
	for req := range c.sendCh {
		c.mu.Lock()
		if c.stopped || c.conn != conn {
			c.mu.Unlock()
			if req.callback != nil {
				req.callback(nil, Error, "channel stopped")
			}
			continue
		}
		if req.callback != nil && c.mode == ModeReply {
			p := &pendingReply{callback: req.callback, deadline: time.Now().Add(req.timeout)}
			p.timer = time.AfterFunc(req.timeout, func() { c.expire(p) })
			c.pending = append(c.pending, p)
		}
		c.mu.Unlock()

		if err := wire.Encode(conn, req.frame); err != nil {
			c.logger.Warnw("transport: write failed", "error", err)
			if req.callback != nil && c.mode != ModeReply {
				req.callback(nil, Error, err.Error())
			}
			conn.Close()
			return
		}
		if req.callback != nil && c.mode != ModeReply {
			// Push-mode sends (coordinator status/session frames) have no
			// 1:1 reply; report the write itself as success.
			req.callback(nil, Success, "")
		}
	}
}

func (c *TCPChannel) expire(p *pendingReply) {
	c.mu.Lock()
	idx := -1
	for i, q := range c.pending {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	c.mu.Unlock()
	p.callback(nil, Timeout, "request timed out")
}

func (c *TCPChannel) readLoop(conn net.Conn) {
	for {
		frame, err := wire.Decode(conn)
		if err != nil {
			c.teardown(conn, err)
			return
		}
		c.deliver(frame)
	}
}

func (c *TCPChannel) deliver(frame any) {
	if c.mode == ModePush {
		c.mu.Lock()
		h := c.inbound
		c.mu.Unlock()
		if h != nil {
			h(frame)
		}
		return
	}

	c.mu.Lock()
	var p *pendingReply
	if len(c.pending) > 0 {
		p = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if p == nil {
		return
	}
	p.timer.Stop()
	p.callback(frame, Success, "")
}

func (c *TCPChannel) teardown(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	conn.Close()
	for _, p := range pending {
		p.timer.Stop()
		p.callback(nil, Error, cause.Error())
	}
	c.notifyActive(false)
}

func (c *TCPChannel) notifyActive(active bool) {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n(active)
	}
}
