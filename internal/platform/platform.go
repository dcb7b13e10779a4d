// Package platform provides small capability interfaces that decouple the
// resilience engines from the host environment. The engines never touch the
// clock, memory statistics, connectivity state, or caches directly; they go
// through these interfaces so core logic stays testable without a real host.
package platform

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// NetworkStatus describes the current connectivity quality of the host.
type NetworkStatus string

const (
	// NetworkOnline means connectivity is normal.
	NetworkOnline NetworkStatus = "online"

	// NetworkOffline means the host has no connectivity.
	NetworkOffline NetworkStatus = "offline"

	// NetworkSlow means connectivity exists but is degraded.
	NetworkSlow NetworkStatus = "slow"
)

// Clock abstracts time for the engines so tests can control it.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the real clock backed by the time package.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep pauses the calling goroutine for the given duration.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// NetworkProbe reports the current connectivity status.
type NetworkProbe interface {
	Status() NetworkStatus
}

// StaticProbe is a NetworkProbe whose status can be swapped at runtime.
// It is the default probe and doubles as the test double.
type StaticProbe struct {
	status atomic.Value
}

// NewStaticProbe creates a probe reporting the given initial status.
func NewStaticProbe(status NetworkStatus) *StaticProbe {
	p := &StaticProbe{}
	p.status.Store(status)
	return p
}

// Status returns the most recently set network status.
func (p *StaticProbe) Status() NetworkStatus {
	return p.status.Load().(NetworkStatus)
}

// Set updates the reported status.
func (p *StaticProbe) Set(status NetworkStatus) {
	p.status.Store(status)
}

// MemorySampler reports heap pressure as a ratio in [0, 1].
type MemorySampler interface {
	UsageRatio() float64
}

// RuntimeSampler samples the Go runtime heap. The ratio is heap-in-use over
// the configured soft limit, clamped to 1.
type RuntimeSampler struct {
	// SoftLimitBytes is the heap size treated as 100% usage.
	SoftLimitBytes uint64
}

// NewRuntimeSampler creates a sampler with the given soft limit.
// A zero limit defaults to 512 MiB.
func NewRuntimeSampler(softLimitBytes uint64) *RuntimeSampler {
	if softLimitBytes == 0 {
		softLimitBytes = 512 << 20
	}
	return &RuntimeSampler{SoftLimitBytes: softLimitBytes}
}

// UsageRatio returns current heap usage relative to the soft limit.
func (s *RuntimeSampler) UsageRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	ratio := float64(ms.HeapInuse) / float64(s.SoftLimitBytes)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// FixedSampler reports a fixed ratio. Used in tests and as a fallback when
// runtime sampling is disabled.
type FixedSampler struct {
	mu    sync.RWMutex
	ratio float64
}

// NewFixedSampler creates a sampler reporting the given ratio.
func NewFixedSampler(ratio float64) *FixedSampler {
	return &FixedSampler{ratio: ratio}
}

// UsageRatio returns the configured ratio.
func (s *FixedSampler) UsageRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratio
}

// Set updates the reported ratio.
func (s *FixedSampler) Set(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratio = ratio
}

// CacheStore abstracts the response/network cache that healing actions clear.
type CacheStore interface {
	// Clear removes every cached entry.
	Clear() error

	// ClearScoped removes entries belonging to a single component.
	ClearScoped(componentID string) error
}

// MemoryCache is an in-process CacheStore keyed by component id.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]map[string][]byte
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string][]byte)}
}

// Put stores a cache entry under a component scope.
func (c *MemoryCache) Put(componentID, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, ok := c.entries[componentID]
	if !ok {
		scope = make(map[string][]byte)
		c.entries[componentID] = scope
	}
	scope[key] = value
}

// Get retrieves a cache entry from a component scope.
func (c *MemoryCache) Get(componentID, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, ok := c.entries[componentID]
	if !ok {
		return nil, false
	}
	value, ok := scope[key]
	return value, ok
}

// Clear removes every cached entry.
func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]map[string][]byte)
	return nil
}

// ClearScoped removes entries belonging to a single component.
func (c *MemoryCache) ClearScoped(componentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, componentID)
	return nil
}

// Len returns the number of component scopes currently cached.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
