package immunity

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/platform"
)

// QueuedRequest is one outbound request held while the host is offline.
type QueuedRequest struct {
	// ID identifies the request.
	ID string `json:"id"`

	// Method and URL describe the request.
	Method string `json:"method"`
	URL    string `json:"url"`

	// Body is the serialized request payload.
	Body []byte `json:"body,omitempty"`

	// QueuedAt is when the request entered the queue.
	QueuedAt time.Time `json:"queued_at"`
}

// ReplayFunc sends one queued request once connectivity returns.
type ReplayFunc func(ctx context.Context, req QueuedRequest) error

// NetworkResilienceManager queues outbound work while offline and replays it
// on reconnect. The queue is bounded; once full the oldest request is dropped
// so recent work survives long outages.
type NetworkResilienceManager struct {
	mu       sync.Mutex
	probe    platform.NetworkProbe
	clock    platform.Clock
	maxQueue int
	queue    []QueuedRequest
	offline  bool
	events   int
	replay   ReplayFunc
}

// NewNetworkResilienceManager creates a manager with the given queue bound.
func NewNetworkResilienceManager(probe platform.NetworkProbe, clock platform.Clock, maxQueue int, replay ReplayFunc) *NetworkResilienceManager {
	if maxQueue <= 0 {
		maxQueue = 100
	}
	return &NetworkResilienceManager{
		probe:    probe,
		clock:    clock,
		maxQueue: maxQueue,
		replay:   replay,
	}
}

// EnterOfflineMode switches the manager to offline queueing. Idempotent.
func (nm *NetworkResilienceManager) EnterOfflineMode() {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.offline {
		return
	}
	nm.offline = true
	nm.events++
	log.Info("network resilience: entering offline mode, queueing outbound requests")
}

// Enqueue holds a request for replay. Returns false when the host is online
// and the request should be sent directly.
func (nm *NetworkResilienceManager) Enqueue(req QueuedRequest) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if !nm.offline {
		return false
	}

	if req.QueuedAt.IsZero() {
		req.QueuedAt = nm.clock.Now()
	}
	nm.queue = append(nm.queue, req)
	if len(nm.queue) > nm.maxQueue {
		nm.queue = nm.queue[len(nm.queue)-nm.maxQueue:]
	}
	return true
}

// CheckConnectivity reacts to the probe: entering offline mode when the host
// drops, replaying the queue when it returns. Called on the health tick.
func (nm *NetworkResilienceManager) CheckConnectivity(ctx context.Context) {
	status := nm.probe.Status()

	nm.mu.Lock()
	wasOffline := nm.offline
	nm.mu.Unlock()

	switch {
	case status == platform.NetworkOffline && !wasOffline:
		nm.EnterOfflineMode()
	case status != platform.NetworkOffline && wasOffline:
		nm.exitOfflineMode(ctx)
	}
}

func (nm *NetworkResilienceManager) exitOfflineMode(ctx context.Context) {
	nm.mu.Lock()
	pending := nm.queue
	nm.queue = nil
	nm.offline = false
	nm.events++
	replay := nm.replay
	nm.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Infof("network resilience: back online, replaying %d queued requests", len(pending))

	if replay == nil {
		return
	}
	for _, req := range pending {
		if err := replay(ctx, req); err != nil {
			log.Warnf("network resilience: replay of %s %s failed: %v", req.Method, req.URL, err)
		}
	}
}

// IsOffline reports whether the manager is in offline mode.
func (nm *NetworkResilienceManager) IsOffline() bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.offline
}

// QueueLen returns the number of held requests.
func (nm *NetworkResilienceManager) QueueLen() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.queue)
}

// Events returns how many offline/online transitions have occurred.
func (nm *NetworkResilienceManager) Events() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.events
}
