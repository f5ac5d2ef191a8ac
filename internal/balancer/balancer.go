// Package balancer implements ToolBalancer (spec.md §4.1, component C1):
// it tracks known workers, their capacity per tool, and current load, and
// picks the next worker for a task. Grounded on
// original_source/Modules/RemoteTool/ToolBalancer.h, restructured from the
// original's std::deque<ClientInfo> into a slice-backed arena with stable
// indices per spec.md §9's design note.
package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/mapron/wuild-go/internal/metrics"
	"github.com/mapron/wuild-go/internal/wire"
)

// initialTaskWeight is each_task_weight's starting value (spec.md §3).
const initialTaskWeight = 32768

// UpdateStatus is the result of UpdateClient (spec.md §4.1).
type UpdateStatus int

const (
	Skipped UpdateStatus = iota
	Added
	Updated
)

func (s UpdateStatus) String() string {
	switch s {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "skipped"
	}
}

// workerState is one WorkerState (spec.md §3), owned exclusively by the
// Balancer's mutex.
type workerState struct {
	endpoint       wire.WorkerEndpoint
	active         bool
	busyMine       uint16
	busyOthers     uint16
	eachTaskWeight int
}

func (w *workerState) freeCapacity() int {
	free := int(w.endpoint.TotalThreads) - int(w.busyMine) - int(w.busyOthers)
	if free < 0 {
		return 0
	}
	return free
}

func (w *workerState) weight() int {
	return w.freeCapacity() * w.eachTaskWeight
}

// hasTool reports whether w advertises toolID.
func (w *workerState) hasTool(toolID string) bool {
	for _, id := range w.endpoint.ToolIDs {
		if id == toolID {
			return true
		}
	}
	return false
}

// isSupersetOf reports whether w's tool_ids is a superset of required
// (spec.md §4.1, "eligible only if its tool_ids is a superset of
// required").
func (w *workerState) isSupersetOf(required []string) bool {
	for _, need := range required {
		if !w.hasTool(need) {
			return false
		}
	}
	return true
}

// Balancer is ToolBalancer (C1).
type Balancer struct {
	mu sync.Mutex

	clients   []*workerState
	byID      map[string]int
	required  []string
	sessionID uint64

	freeRemoteThreads atomic.Int64
	usedThreads       atomic.Int64

	metrics *metrics.Registry
}

// New creates an empty Balancer. metrics may be nil, in which case
// metrics.Noop() semantics apply (collectors exist but are never scraped).
func New(reg *metrics.Registry) *Balancer {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Balancer{
		byID:    make(map[string]int),
		metrics: reg,
	}
}

// SetRequiredTools remembers which tool-ids this client needs.
func (b *Balancer) SetRequiredTools(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.required = append([]string(nil), ids...)
}

// SetSessionID tags "my" outstanding work on a worker.
func (b *Balancer) SetSessionID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = id
}

// UpdateClient inserts or refreshes a worker (spec.md §4.1).
func (b *Balancer) UpdateClient(endpoint wire.WorkerEndpoint) (UpdateStatus, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if endpoint.TotalThreads == 0 {
		return Skipped, -1
	}

	ws := &workerState{endpoint: endpoint}
	if !ws.isSupersetOf(b.required) {
		return Skipped, -1
	}
	ws.eachTaskWeight = initialTaskWeight / int(endpoint.TotalThreads)

	if idx, ok := b.byID[endpoint.WorkerID]; ok {
		existing := b.clients[idx]
		existing.endpoint = endpoint
		existing.eachTaskWeight = ws.eachTaskWeight
		b.recalcLocked()
		return Updated, idx
	}

	idx := len(b.clients)
	b.clients = append(b.clients, ws)
	b.byID[endpoint.WorkerID] = idx
	b.recalcLocked()
	return Added, idx
}

// SetClientActive toggles availability from the connection layer.
func (b *Balancer) SetClientActive(idx int, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.clients) {
		return
	}
	b.clients[idx].active = active
	b.recalcLocked()
}

// UpdateCensus applies a worker's self-reported busy counts, splitting
// into busy_mine (matching our session_id) and busy_others (spec.md
// §4.1's "session-aware busy tracking").
func (b *Balancer) UpdateCensus(census wire.WorkerCensus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byID[census.Endpoint.WorkerID]
	if !ok {
		return
	}
	ws := b.clients[idx]
	for _, sb := range census.BySession {
		if sb.SessionID == b.sessionID {
			ws.busyMine = sb.Busy
		}
	}
	ws.busyOthers = census.BusyOthers
	b.recalcLocked()
}

// FindFreeClient chooses the active, eligible worker holding toolID with
// the greatest remaining capacity weight, tie-breaking on lowest index.
// Returns (-1, false) if none qualifies.
func (b *Balancer) FindFreeClient(toolID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	best := -1
	bestWeight := -1
	for i, ws := range b.clients {
		if !ws.active || !ws.hasTool(toolID) {
			continue
		}
		if ws.freeCapacity() <= 0 {
			continue
		}
		w := ws.weight()
		if w > bestWeight {
			bestWeight = w
			best = i
		}
	}
	if best < 0 {
		return -1, false
	}
	return best, true
}

// StartTask marks one more unit of capacity on idx as busy_mine.
func (b *Balancer) StartTask(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.clients) {
		return
	}
	b.clients[idx].busyMine++
	b.recalcLocked()
}

// FinishTask releases one unit of capacity on idx from busy_mine.
func (b *Balancer) FinishTask(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.clients) {
		return
	}
	if b.clients[idx].busyMine > 0 {
		b.clients[idx].busyMine--
	}
	b.recalcLocked()
}

// recalcLocked recomputes the atomic counters; caller must hold b.mu.
func (b *Balancer) recalcLocked() {
	var free, used int64
	for _, ws := range b.clients {
		if ws.active {
			free += int64(ws.freeCapacity())
		}
		used += int64(ws.busyMine)
	}
	b.freeRemoteThreads.Store(free)
	b.usedThreads.Store(used)
	b.metrics.FreeRemoteThreads.Set(float64(free))
	b.metrics.UsedThreads.Set(float64(used))
}

// FreeThreads is the atomic free_remote_threads read (spec.md §4.1).
func (b *Balancer) FreeThreads() int64 { return b.freeRemoteThreads.Load() }

// UsedThreads is the atomic used_threads read.
func (b *Balancer) UsedThreads() int64 { return b.usedThreads.Load() }

// TotalThreads sums total_threads across all known workers, active or
// not — the original's GetTotalThreads(), used only in a log line.
func (b *Balancer) TotalThreads() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, ws := range b.clients {
		total += int64(ws.endpoint.TotalThreads)
	}
	return total
}

// AllActive reports whether every known worker is currently active.
func (b *Balancer) AllActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return false
	}
	for _, ws := range b.clients {
		if !ws.active {
			return false
		}
	}
	return true
}

// busySnapshot returns busy_mine for every known worker, in index order.
// Used only by this package's own tests (the original's TestGetBusy).
func (b *Balancer) busySnapshot() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, len(b.clients))
	for i, ws := range b.clients {
		out[i] = ws.busyMine
	}
	return out
}
