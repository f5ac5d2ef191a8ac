// Package coordinator implements CoordinatorClient (spec.md §4.2,
// component C2): the periodic loop that keeps the worker roster in sync
// with the coordinator service and carries this client's own status and
// session frames back to it. Grounded on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp's
// UpdateConnectionState/ProcessCoordinator and on the teacher's
// Pool/Worker notifier wiring for the active/inactive plumbing.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mapron/wuild-go/internal/loopctl"
	"github.com/mapron/wuild-go/internal/transport"
	"github.com/mapron/wuild-go/internal/wire"
)

// WorkerChangeFunc is called once per worker in a list-response's delta
// set (spec.md §4.2: "newly added or whose version_tag changed").
type WorkerChangeFunc func(endpoint wire.WorkerEndpoint)

// InfoArrivedFunc is called once per list-response with the full roster
// and session history (spec.md §4.2: "the info-arrived callback with the
// full roster plus sessions").
type InfoArrivedFunc func(workers []wire.WorkerEndpoint, sessions []wire.SessionInfo)

// InfoProvider builds the local status frame to publish when a worker-info
// change is pending (spec.md §4.2 step 1). A client with nothing of its
// own to report can leave this nil.
type InfoProvider func() wire.WorkerCensus

// Client is CoordinatorClient (C2).
type Client struct {
	channel transport.Channel
	logger  *zap.SugaredLogger

	sendInfoInterval time.Duration
	requestTimeout   time.Duration

	// limiter paces status-frame sends to at most one per sendInfoInterval
	// (spec.md §4.2 step 1's "minimum gap between status frames"), a real
	// rate.Limiter standing in for a raw timestamp comparison.
	limiter *rate.Limiter

	kick loopctl.Kick

	mu              sync.Mutex
	connected       bool
	needRequestData bool
	infoPending     bool
	roster          map[string]wire.WorkerEndpoint
	infoProvider    InfoProvider
	onWorkerChange  WorkerChangeFunc
	onInfoArrived   InfoArrivedFunc
}

// New constructs a Client bound to channel (a transport.Channel in push
// mode, dialed to the coordinator). sendInfoInterval paces how often this
// client's own status is republished.
func New(channel transport.Channel, sendInfoInterval, requestTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		channel:          channel,
		logger:           logger,
		sendInfoInterval: sendInfoInterval,
		requestTimeout:   requestTimeout,
		limiter:          rate.NewLimiter(rate.Every(sendInfoInterval), 1),
		kick:             loopctl.NewKick(),
		roster:           make(map[string]wire.WorkerEndpoint),
	}
	channel.SetNotifier(c.onConnectionChange)
	if is, ok := channel.(inboundSetter); ok {
		is.SetInboundHandler(c.handleInbound)
	} else {
		logger.Warnw("coordinator: channel does not support inbound delivery, list-responses will never arrive")
	}
	return c
}

// inboundSetter is the optional capability transport.Channel
// implementations may expose for unsolicited server-pushed frames
// (TCPChannel in ModePush, and the fake test double). It is not part of
// the transport.Channel interface itself since worker channels (ModeReply)
// never need it.
type inboundSetter interface {
	SetInboundHandler(fn func(frame any))
}

// SetInfoProvider installs the callback used to build this client's own
// status frame. Must be called before Start.
func (c *Client) SetInfoProvider(p InfoProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoProvider = p
}

// SetWorkerChangeCallback installs the per-worker delta callback.
func (c *Client) SetWorkerChangeCallback(fn WorkerChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWorkerChange = fn
}

// SetInfoArrivedCallback installs the whole-roster callback.
func (c *Client) SetInfoArrivedCallback(fn InfoArrivedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInfoArrived = fn
}

// MarkInfoChanged flags that this client's own status needs republishing
// on the next eligible quant (spec.md §4.2 step 1).
func (c *Client) MarkInfoChanged() {
	c.mu.Lock()
	c.infoPending = true
	c.mu.Unlock()
	c.kick.Send()
}

// RequestRoster flags that a fresh list-request should go out on the next
// quant — used at startup and whenever the façade wants an eager resync.
func (c *Client) RequestRoster() {
	c.mu.Lock()
	c.needRequestData = true
	c.mu.Unlock()
	c.kick.Send()
}

// onConnectionChange is the transport.Notifier installed on channel
// (spec.md §4.2: "transport drop sets client_state = false ... reconnection
// ... re-triggers need_request_data").
func (c *Client) onConnectionChange(active bool) {
	c.mu.Lock()
	c.connected = active
	if active {
		c.needRequestData = true
	}
	c.mu.Unlock()
	if active {
		c.kick.Send()
	}
}

// handleInbound is the channel's inbound frame handler (ModePush),
// installed on the channel by New itself when it supports inboundSetter.
func (c *Client) handleInbound(frame any) {
	resp, ok := frame.(*wire.ListResponse)
	if !ok {
		return
	}
	c.applyListResponse(resp)
}

// applyListResponse computes the delta set and fires callbacks outside the
// lock, so a slow callback never blocks the coordinator quant.
func (c *Client) applyListResponse(resp *wire.ListResponse) {
	c.mu.Lock()
	var changed []wire.WorkerEndpoint
	for _, w := range resp.Workers {
		prev, known := c.roster[w.WorkerID]
		if !known || prev.VersionTag != w.VersionTag {
			changed = append(changed, w)
		}
		c.roster[w.WorkerID] = w
	}
	onWorkerChange := c.onWorkerChange
	onInfoArrived := c.onInfoArrived
	workers := append([]wire.WorkerEndpoint(nil), resp.Workers...)
	sessions := append([]wire.SessionInfo(nil), resp.LatestSessions...)
	c.mu.Unlock()

	if onWorkerChange != nil {
		for _, w := range changed {
			onWorkerChange(w)
		}
	}
	if onInfoArrived != nil {
		onInfoArrived(workers, sessions)
	}
}

// SendSessionUpdate implements session.Transmitter: it pushes a
// session_update frame fire-and-forget (spec.md §6's client->coord push).
func (c *Client) SendSessionUpdate(info wire.SessionInfo, isFinal bool) {
	c.channel.QueueFrame(wire.SessionUpdate{Session: info, IsFinal: isFinal}, nil, c.requestTimeout)
}

// Start runs the quant loop under group until ctx is canceled.
func (c *Client) Start(group *errgroup.Group, ctx context.Context) {
	loopctl.Loop(group, ctx, c.sendInfoInterval, c.kick, c.quant)
}

// quant implements spec.md §4.2's two numbered steps.
func (c *Client) quant(ctx context.Context) {
	c.mu.Lock()
	connected := c.connected
	infoPending := c.infoPending
	requestData := c.needRequestData
	provider := c.infoProvider
	c.mu.Unlock()

	if !connected {
		return
	}

	if infoPending && provider != nil && c.limiter.Allow() {
		census := provider()
		c.channel.QueueFrame(wire.WorkerStatus{Census: census}, nil, c.requestTimeout)
		c.mu.Lock()
		c.infoPending = false
		c.mu.Unlock()
	}

	if requestData {
		c.channel.QueueFrame(wire.ListRequest{}, nil, c.requestTimeout)
		c.mu.Lock()
		c.needRequestData = false
		c.mu.Unlock()
	}
}

// Roster returns a snapshot of the currently known workers, for tests and
// diagnostics.
func (c *Client) Roster() []wire.WorkerEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.WorkerEndpoint, 0, len(c.roster))
	for _, w := range c.roster {
		out = append(out, w)
	}
	return out
}
