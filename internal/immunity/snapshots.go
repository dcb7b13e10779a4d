package immunity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/component"
	"github.com/ledgerstack/resilience/internal/platform"
)

// Snapshot is a point-in-time capture of a monitored component. Snapshots
// are never mutated after creation; they exist only as restoration sources.
type Snapshot struct {
	// ID uniquely identifies the capture.
	ID string `json:"id"`

	// ComponentID is the captured component.
	ComponentID string `json:"component_id"`

	// Timestamp is when the capture was taken.
	Timestamp time.Time `json:"timestamp"`

	// State is the captured component state.
	State component.State `json:"state"`

	// Health tags the component's condition at capture time.
	Health component.Health `json:"health"`
}

// Snapshotter captures monitored components on a schedule and restores them
// during healing. Per-component snapshot lists are bounded FIFO: once the
// cap is reached the oldest snapshot is evicted.
type Snapshotter struct {
	mu           sync.RWMutex
	registry     *component.Registry
	clock        platform.Clock
	maxSnapshots int
	snapshots    map[string][]Snapshot
	restorations int
}

// NewSnapshotter creates a snapshotter over the given registry.
func NewSnapshotter(registry *component.Registry, clock platform.Clock, maxSnapshots int) *Snapshotter {
	if maxSnapshots <= 0 {
		maxSnapshots = 10
	}
	return &Snapshotter{
		registry:     registry,
		clock:        clock,
		maxSnapshots: maxSnapshots,
		snapshots:    make(map[string][]Snapshot),
	}
}

// CaptureAll captures every monitored component. Capture failures are logged
// and skipped; one broken component must not stop the sweep.
func (s *Snapshotter) CaptureAll() {
	for _, id := range s.registry.IDs() {
		if err := s.Capture(id); err != nil {
			log.Debugf("snapshot capture failed for component %s: %v", id, err)
		}
	}
}

// Capture takes one snapshot of the named component.
func (s *Snapshotter) Capture(componentID string) error {
	comp, ok := s.registry.Get(componentID)
	if !ok {
		return fmt.Errorf("component %s is not registered", componentID)
	}

	state, err := comp.CaptureState()
	if err != nil {
		return fmt.Errorf("failed to capture component %s: %w", componentID, err)
	}

	snap := Snapshot{
		ID:          uuid.NewString(),
		ComponentID: componentID,
		Timestamp:   s.clock.Now(),
		State:       state,
		Health:      comp.Health(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.snapshots[componentID], snap)
	if len(list) > s.maxSnapshots {
		list = list[len(list)-s.maxSnapshots:]
	}
	s.snapshots[componentID] = list
	return nil
}

// Snapshots returns the stored snapshots for a component, oldest first.
func (s *Snapshotter) Snapshots(componentID string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[componentID]
	out := make([]Snapshot, len(list))
	copy(out, list)
	return out
}

// RestoreLastKnownGood restores the component from its most recent healthy
// snapshot. Returns an error when no healthy snapshot exists.
func (s *Snapshotter) RestoreLastKnownGood(componentID string) error {
	s.mu.RLock()
	list := s.snapshots[componentID]
	var candidate *Snapshot
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Health == component.HealthHealthy {
			snap := list[i]
			candidate = &snap
			break
		}
	}
	s.mu.RUnlock()

	if candidate == nil {
		return fmt.Errorf("no healthy snapshot available for component %s", componentID)
	}
	return s.restore(componentID, candidate.State)
}

// RestoreLatest restores the component from its newest snapshot regardless
// of health.
func (s *Snapshotter) RestoreLatest(componentID string) error {
	s.mu.RLock()
	list := s.snapshots[componentID]
	if len(list) == 0 {
		s.mu.RUnlock()
		return fmt.Errorf("no snapshot available for component %s", componentID)
	}
	state := list[len(list)-1].State
	s.mu.RUnlock()

	return s.restore(componentID, state)
}

func (s *Snapshotter) restore(componentID string, state component.State) error {
	comp, ok := s.registry.Get(componentID)
	if !ok {
		return fmt.Errorf("component %s is not registered", componentID)
	}
	if err := comp.RestoreState(state); err != nil {
		return fmt.Errorf("failed to restore component %s: %w", componentID, err)
	}

	s.mu.Lock()
	s.restorations++
	s.mu.Unlock()
	return nil
}

// Restorations returns how many restores have been performed.
func (s *Snapshotter) Restorations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restorations
}

// Purge drops snapshots older than the cutoff across all components.
func (s *Snapshotter) Purge(olderThan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, list := range s.snapshots {
		kept := list[:0]
		for _, snap := range list {
			if !snap.Timestamp.Before(olderThan) {
				kept = append(kept, snap)
			}
		}
		if len(kept) == 0 {
			delete(s.snapshots, id)
			continue
		}
		s.snapshots[id] = kept
	}
}
