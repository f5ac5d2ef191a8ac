// Package fake provides an in-process transport.Channel double for unit
// tests, so DispatchLoop and RemoteToolClient tests can exercise retry,
// timeout and fallback semantics without a real socket.
package fake

import (
	"sync"
	"time"

	"github.com/mapron/wuild-go/internal/transport"
)

// Responder decides how the fake channel answers one queued frame.
type Responder func(frame any) (response any, state transport.ReplyState, errInfo string, delay time.Duration)

// Channel is a transport.Channel whose QueueFrame calls are answered
// synchronously (after an optional artificial delay) by a Responder
// instead of going over a socket.
type Channel struct {
	mu        sync.Mutex
	active    bool
	notifier  transport.Notifier
	responder Responder
	inbound   func(frame any)
	started   bool
	stopped   bool

	// Sent records every frame handed to QueueFrame, for assertions.
	Sent []any
}

// New creates a Channel that answers every QueueFrame call with respond.
func New(respond Responder) *Channel {
	return &Channel{responder: respond}
}

// Start implements transport.Channel.
func (c *Channel) Start() error {
	c.mu.Lock()
	c.started = true
	c.stopped = false
	c.active = true
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n(true)
	}
	return nil
}

// Stop implements transport.Channel.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.active = false
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n(false)
	}
}

// SetNotifier implements transport.Channel.
func (c *Channel) SetNotifier(n transport.Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// SetInboundHandler implements the same optional inbound-delivery
// capability TCPChannel exposes, so CoordinatorClient can be tested
// against this fake in ModePush style without a real socket.
func (c *Channel) SetInboundHandler(fn func(frame any)) {
	c.mu.Lock()
	c.inbound = fn
	c.mu.Unlock()
}

// PushInbound simulates the coordinator delivering an unsolicited frame,
// e.g. a list-response (spec.md §4.2, "asynchronous inbound").
func (c *Channel) PushInbound(frame any) {
	c.mu.Lock()
	fn := c.inbound
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// SetActive directly toggles the fake's reported availability, for tests
// that simulate a worker going offline mid-session.
func (c *Channel) SetActive(active bool) {
	c.mu.Lock()
	c.active = active
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n(active)
	}
}

// QueueFrame implements transport.Channel.
func (c *Channel) QueueFrame(frame any, callback transport.ReplyCallback, timeout time.Duration) {
	c.mu.Lock()
	c.Sent = append(c.Sent, frame)
	responder := c.responder
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		if callback != nil {
			callback(nil, transport.Error, "channel stopped")
		}
		return
	}

	response, state, errInfo, delay := responder(frame)
	if callback == nil {
		return
	}
	if delay <= 0 {
		callback(response, state, errInfo)
		return
	}
	time.AfterFunc(delay, func() { callback(response, state, errInfo) })
}
