// Package component defines the monitored component abstraction the immunity
// engine heals. A component is any unit of the client application that can
// capture its state, render markup, and be restored or reset; the registry
// tracks every monitored component and its error marker.
package component

import (
	"fmt"
	"sort"
	"sync"
)

// Health classifies the condition of a component at capture time.
type Health string

const (
	// HealthHealthy means the component is operating normally.
	HealthHealthy Health = "healthy"

	// HealthDegraded means the component works but with reduced function.
	HealthDegraded Health = "degraded"

	// HealthCritical means the component is failing.
	HealthCritical Health = "critical"
)

// State is the opaque captured state of a component.
type State struct {
	// Data holds the component's internal state blob.
	Data map[string]interface{} `json:"data,omitempty"`

	// Props holds the inputs the component was rendered with.
	Props map[string]interface{} `json:"props,omitempty"`

	// Markup is the serialized rendered output.
	Markup string `json:"markup,omitempty"`

	// Dependencies lists ids of components this one depends on.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Component is implemented by every unit the immunity engine monitors.
type Component interface {
	// ID returns the stable component identifier.
	ID() string

	// CaptureState returns a point-in-time copy of the component state.
	CaptureState() (State, error)

	// RestoreState replaces the component state with a previous capture.
	RestoreState(state State) error

	// Reset returns the component to its initial blank state.
	Reset() error

	// Render re-renders the component and returns its markup.
	Render() (string, error)

	// Health reports the component's current condition.
	Health() Health
}

// PlaceholderMarkup is the simplified markup swapped in when a component
// cannot be healed.
const PlaceholderMarkup = `<div class="component-fallback">Component temporarily unavailable</div>`

// Registry tracks monitored components and their error markers.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
	errored    map[string]bool
	fallback   map[string]bool
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Component),
		errored:    make(map[string]bool),
		fallback:   make(map[string]bool),
	}
}

// Register adds a component to monitoring. Registering an id twice replaces
// the previous entry and clears its error marker.
func (r *Registry) Register(c Component) error {
	if c == nil {
		return fmt.Errorf("component cannot be nil")
	}
	if c.ID() == "" {
		return fmt.Errorf("component must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[c.ID()] = c
	delete(r.errored, c.ID())
	delete(r.fallback, c.ID())
	return nil
}

// Unregister removes a component from monitoring.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.components, id)
	delete(r.errored, id)
	delete(r.fallback, id)
}

// Get returns the component registered under id.
func (r *Registry) Get(id string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[id]
	return c, ok
}

// IDs returns the ids of all monitored components in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkErrored flags a component as being in an error state. Healing
// verification checks this marker.
func (r *Registry) MarkErrored(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored[id] = true
}

// ClearErrored removes the error marker from a component.
func (r *Registry) ClearErrored(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.errored, id)
}

// IsErrored reports whether a component currently carries the error marker.
func (r *Registry) IsErrored(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errored[id]
}

// SetFallback records that a component has been replaced with the
// placeholder. A component in fallback no longer carries the error marker.
func (r *Registry) SetFallback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback[id] = true
	delete(r.errored, id)
}

// InFallback reports whether a component is showing the placeholder.
func (r *Registry) InFallback(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback[id]
}

// Len returns the number of monitored components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}
