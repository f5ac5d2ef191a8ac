// Package remotetool assembles every other internal package into the
// Public Façade (spec.md §4.7, component C7): the single entry point a
// caller uses to submit tool invocations for remote dispatch. Grounded on
// original_source/Modules/RemoteTool/RemoteToolClient.cpp, which plays the
// same role over C1-C6 in the original, and on the teacher's main.go for
// the construct-then-Start lifecycle shape.
package remotetool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mapron/wuild-go/internal/balancer"
	"github.com/mapron/wuild-go/internal/config"
	"github.com/mapron/wuild-go/internal/coordinator"
	"github.com/mapron/wuild-go/internal/dispatch"
	"github.com/mapron/wuild-go/internal/filestore"
	"github.com/mapron/wuild-go/internal/invocation"
	"github.com/mapron/wuild-go/internal/localexec"
	"github.com/mapron/wuild-go/internal/metrics"
	"github.com/mapron/wuild-go/internal/queue"
	"github.com/mapron/wuild-go/internal/session"
	"github.com/mapron/wuild-go/internal/transport"
	"github.com/mapron/wuild-go/internal/wire"
)

// ChannelFactory builds the transport.Channel for a newly discovered
// worker. Tests substitute this to avoid dialing a real socket; production
// callers leave it nil and get transport.NewWorkerChannel.
type ChannelFactory func(endpoint wire.WorkerEndpoint) transport.Channel

// CoordinatorChannelFactory builds the transport.Channel used to reach the
// coordinator service, analogous to ChannelFactory.
type CoordinatorChannelFactory func(cfg config.Coordinator) transport.Channel

// Callback receives one task's outcome (spec.md §3's TaskExecutionInfo).
type Callback func(result TaskResult)

// errStartWithoutConfig is returned by Start when SetConfig was never
// called, or was called with a config that failed Validate.
var errStartWithoutConfig = errors.New("remotetool: start called before a valid config was set")

// TaskResult is the façade-level alias of queue.TaskResult, re-exported so
// callers don't need to import internal/queue.
type TaskResult = queue.TaskResult

// Client is the Public Façade (C7).
type Client struct {
	logger *zap.SugaredLogger
	rng    ChannelFactory
	crng   CoordinatorChannelFactory

	mu       sync.Mutex
	cfg      *config.Config
	rewriter invocation.Rewriter
	store    filestore.Store
	fallback localexec.Invoker

	balancer    *balancer.Balancer
	queue       *queue.Queue
	pool        *transport.Pool
	dispatch    *dispatch.Loop
	accountant  *session.Accountant
	coordClient *coordinator.Client
	metrics     *metrics.Registry

	handles   map[int]transport.Handle
	sessionID uint64
	nextTask  atomic.Uint64

	dispatchGroup  *errgroup.Group
	dispatchCancel context.CancelFunc
	coordGroup     *errgroup.Group
	coordCancel    context.CancelFunc
	started        bool

	remoteAvailableOnce sync.Once
	remoteAvailableCb   func()
}

// New constructs an unconfigured Client. Call SetConfig then Start before
// InvokeTool.
func New(logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reg := metrics.Noop()
	return &Client{
		logger:   logger,
		rewriter: invocation.PathRewriter{},
		balancer: balancer.New(reg),
		queue:    queue.New(reg),
		pool:     transport.NewPool(logger),
		metrics:  reg,
		handles:  make(map[int]transport.Handle),
	}
}

// SetChannelFactories overrides how worker/coordinator channels are built
// — production code leaves these nil; tests inject transport/fake doubles.
func (c *Client) SetChannelFactories(worker ChannelFactory, coord CoordinatorChannelFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = worker
	c.crng = coord
}

// SetConfig validates cfg and, on success, adopts it (spec.md §4.7:
// "validate; on failure log and return false").
func (c *Client) SetConfig(cfg *config.Config) bool {
	if err := cfg.Validate(); err != nil {
		c.logger.Warnw("remotetool: rejecting invalid config", "error", err)
		return false
	}
	c.mu.Lock()
	c.cfg = cfg
	c.store = filestore.Store{DefaultCodec: cfg.Compression}
	c.mu.Unlock()
	return true
}

// SetInvocationRewriter overrides the default PathRewriter.
func (c *Client) SetInvocationRewriter(r invocation.Rewriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewriter = r
}

// SetInvokerFallback installs the local fallback used on queue expiration.
func (c *Client) SetInvokerFallback(inv localexec.Invoker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = inv
}

// SetRemoteAvailableCallback installs the callback fired once the system
// first reaches "all known workers active AND free_threads >=
// cfg.MinimalRemoteTasks" (a threshold below 1 counts as 1, so the default
// means free_threads > 0); see checkRemoteAvailable.
func (c *Client) SetRemoteAvailableCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAvailableCb = cb
}

// Start seeds the balancer with requiredToolIDs, mints the session id, and
// launches C5 (and C2, if the coordinator is enabled) (spec.md §4.7).
func (c *Client) Start(requiredToolIDs []string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	cfg := c.cfg
	c.mu.Unlock()
	if cfg == nil {
		return errStartWithoutConfig
	}

	c.sessionID = uint64(time.Now().UnixMicro())
	c.balancer.SetRequiredTools(requiredToolIDs)
	c.balancer.SetSessionID(c.sessionID)

	resolve := func(idx int) (transport.Handle, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		h, ok := c.handles[idx]
		return h, ok
	}

	c.mu.Lock()
	fallback := c.fallback
	store := c.store
	c.mu.Unlock()

	var dispatchOpts []dispatch.Option
	if fallback != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithFallback(fallback))
	}
	dispatchOpts = append(dispatchOpts, dispatch.WithRetryLimiter(rate.NewLimiter(rate.Every(cfg.RetryBackoff), 1)))

	var transmitter session.Transmitter
	if cfg.Coordinator.Enabled {
		ch := c.buildCoordinatorChannel(cfg.Coordinator)
		coordClient := coordinator.New(ch, cfg.Coordinator.SendInfoInterval, cfg.RequestTimeout, c.logger)
		coordClient.SetWorkerChangeCallback(c.onWorkerChange)
		c.coordClient = coordClient
		transmitter = coordClient

		if err := ch.Start(); err != nil {
			c.logger.Warnw("remotetool: coordinator dial failed, will rely on reconnect", "error", err)
		}
		coordClient.RequestRoster()
	}

	c.accountant = session.New(cfg.ClientID, c.sessionID, c.balancer, transmitter, c.logger)
	c.dispatch = dispatch.New(c.queue, c.balancer, c.pool, resolve, c.accountant, store, c.metrics, c.logger, c.mintTaskID, dispatchOpts...)

	c.pool.StartAll()

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	c.dispatchGroup, _ = errgroup.WithContext(dispatchCtx)
	c.dispatchCancel = dispatchCancel
	c.dispatch.Start(c.dispatchGroup, dispatchCtx)

	if c.coordClient != nil {
		coordCtx, coordCancel := context.WithCancel(context.Background())
		c.coordGroup, _ = errgroup.WithContext(coordCtx)
		c.coordCancel = coordCancel
		c.coordClient.Start(c.coordGroup, coordCtx)
	}

	c.accountant.Start()

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop tears the façade down in the order spec.md §5's "Resource
// lifecycle" requires: dispatch thread, then coordinator thread, then all
// channels, so no callback fires on a half-destroyed façade.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	if c.dispatchCancel != nil {
		c.dispatchCancel()
		_ = c.dispatchGroup.Wait()
	}
	if c.coordCancel != nil {
		c.coordCancel()
		_ = c.coordGroup.Wait()
	}
	c.pool.StopAll()
}

// InvokeTool implements spec.md §4.7's invoke_tool.
func (c *Client) InvokeTool(inv invocation.ToolInvocation, callback Callback) {
	c.mu.Lock()
	cfg := c.cfg
	rewriter := c.rewriter
	store := c.store
	c.mu.Unlock()

	var fileData []byte
	if inv.InputPath != "" {
		data, err := store.ReadCompressed(inv.InputPath, cfg.Compression)
		if err != nil {
			c.logger.Warnw("remotetool: input read failed", "path", inv.InputPath, "error", err)
			callback(TaskResult{Result: false, Stdout: "Failed to read input: " + err.Error()})
			return
		}
		fileData = data
	}

	rewritten := rewriter.PrepareRemote(inv)
	frame := wire.ToolRequest{
		Invocation:      rewritten.ToWire(),
		FileData:        fileData,
		CompressionKind: string(cfg.Compression),
		SessionID:       c.sessionID,
		ClientID:        cfg.ClientID,
	}

	now := time.Now()
	task := &queue.TaskWrap{
		TaskID:              c.mintTaskID(),
		OriginalInvocation:  inv,
		RewrittenInvocation: rewritten,
		RequestFrame:        frame,
		UserCallback:        func(r queue.TaskResult) { callback(r) },
		EnqueueTime:         now,
		ExpirationTime:      now.Add(cfg.QueueTimeout),
		PerRequestTimeout:   cfg.RequestTimeout,
		AttemptsRemain:      uint8(cfg.InvocationAttempts),
	}
	c.dispatch.Push(task)
}

// FinishSession implements spec.md §4.7's finish_session.
func (c *Client) FinishSession() {
	if c.accountant != nil {
		c.accountant.FinishSession()
	}
}

// GetFreeRemoteThreads implements spec.md §4.7's get_free_remote_threads.
func (c *Client) GetFreeRemoteThreads() int64 {
	return c.balancer.FreeThreads() - c.dispatch.PendingTasks()
}

func (c *Client) mintTaskID() uint64 {
	return c.nextTask.Add(1)
}

// onWorkerChange is the coordinator's worker-change callback: it folds a
// new/changed endpoint into the balancer and, on first sighting, opens a
// channel for it (spec.md §4.3's "add(endpoint) idempotent").
func (c *Client) onWorkerChange(endpoint wire.WorkerEndpoint) {
	status, idx := c.balancer.UpdateClient(endpoint)
	if status == balancer.Skipped {
		return
	}
	if status == balancer.Added {
		ch := c.buildWorkerChannel(endpoint)
		handle := c.pool.Add(func() transport.Channel { return ch })
		c.mu.Lock()
		c.handles[idx] = handle
		c.mu.Unlock()
		ch.SetNotifier(func(active bool) {
			c.balancer.SetClientActive(idx, active)
			c.checkRemoteAvailable()
		})
		if err := ch.Start(); err != nil {
			c.logger.Warnw("remotetool: worker dial failed", "worker_id", endpoint.WorkerID, "error", err)
		}
	}
	c.checkRemoteAvailable()
}

// checkRemoteAvailable implements spec.md §4.7's remote-available
// detection: the façade fires its callback once free_threads crosses
// cfg.MinimalRemoteTasks, the "availability threshold" spec.md §6
// documents MinimalRemoteTasks as gating (cfg defaults it to 1, so a
// single free thread is enough unless an operator raises it).
func (c *Client) checkRemoteAvailable() {
	c.mu.Lock()
	cfg := c.cfg
	cb := c.remoteAvailableCb
	c.mu.Unlock()
	if cfg == nil {
		return
	}

	threshold := int64(cfg.MinimalRemoteTasks)
	if threshold < 1 {
		threshold = 1
	}
	if !c.balancer.AllActive() || c.balancer.FreeThreads() < threshold {
		return
	}
	if cb == nil {
		return
	}
	c.remoteAvailableOnce.Do(cb)
}

func (c *Client) buildWorkerChannel(endpoint wire.WorkerEndpoint) transport.Channel {
	c.mu.Lock()
	factory := c.rng
	c.mu.Unlock()
	if factory != nil {
		return factory(endpoint)
	}
	return transport.NewWorkerChannel(endpoint.Host, endpoint.Port, c.logger)
}

func (c *Client) buildCoordinatorChannel(cfg config.Coordinator) transport.Channel {
	c.mu.Lock()
	factory := c.crng
	c.mu.Unlock()
	if factory != nil {
		return factory(cfg)
	}
	return transport.NewCoordinatorChannel(cfg.Host, uint16(cfg.Port), c.logger)
}
