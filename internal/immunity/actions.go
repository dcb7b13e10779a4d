package immunity

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/component"
	"github.com/ledgerstack/resilience/internal/platform"
)

// Navigator receives navigation remediations. The agent's adapter layer
// forwards these to the client; tests observe them directly.
type Navigator interface {
	// Navigate redirects the client to the given target route.
	Navigate(target string) error
}

// RecordingNavigator is the default Navigator: it remembers the last target
// so the adapter layer can deliver it on the next poll.
type RecordingNavigator struct {
	mu     sync.Mutex
	target string
}

// Navigate records the target route.
func (n *RecordingNavigator) Navigate(target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.target = target
	return nil
}

// Pending returns and clears the last recorded navigation target.
func (n *RecordingNavigator) Pending() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	target := n.target
	n.target = ""
	return target
}

// LocalStateStore is the client-local key/value state cleared by aggressive
// cache clearing. The in-process default is a plain map.
type LocalStateStore interface {
	ClearAll() error
}

// BackoffDelay returns the wait before retry attempt k (1-based) for the
// given progression: fixed waits base, linear waits base*k, exponential
// waits base*2^(k-1).
func BackoffDelay(kind BackoffKind, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch kind {
	case BackoffLinear:
		return base * time.Duration(attempt)
	case BackoffExponential:
		return base * time.Duration(1<<(attempt-1))
	default:
		return base
	}
}

// actionDeps bundles everything action execution touches.
type actionDeps struct {
	registry    *component.Registry
	snapshotter *Snapshotter
	cache       platform.CacheStore
	local       LocalStateStore
	navigator   Navigator
	probe       platform.NetworkProbe
	clock       platform.Clock
}

// executor runs a strategy's actions in order and verifies outcomes.
type executor struct {
	deps actionDeps
	cfg  func() Config
}

// run executes the strategy's actions in sequence. It returns true as soon
// as one action verifies success; action failures are logged and do not stop
// the remaining actions.
func (ex *executor) run(ctx context.Context, s *compiledStrategy, err error, ectx *ErrorContext) bool {
	for i, action := range s.Actions {
		if action.Delay > 0 {
			ex.deps.clock.Sleep(action.Delay)
		}

		if execErr := ex.execute(ctx, action, err, ectx); execErr != nil {
			log.Debugf("strategy %s action %d (%s) failed: %v", s.ID, i, action.Kind, execErr)
			continue
		}

		if ex.verify(action, ectx) {
			return true
		}
	}
	return false
}

func (ex *executor) execute(ctx context.Context, action Action, err error, ectx *ErrorContext) error {
	switch action.Kind {
	case ActionRetry:
		return ex.retry(ctx, action, ectx)
	case ActionFallbackComponent:
		return ex.fallbackComponent(ectx)
	case ActionClearCache:
		return ex.clearCache(action, ectx)
	case ActionResetState:
		return ex.resetState(action, ectx)
	case ActionReloadComponent:
		return ex.reloadComponent(ectx)
	case ActionNavigate:
		target := action.Target
		if target == "" {
			target = "/dashboard"
		}
		return ex.deps.navigator.Navigate(target)
	case ActionCustom:
		if action.Func == nil {
			return fmt.Errorf("custom action has no callback")
		}
		return action.Func(ctx, err, ectx)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// retry re-runs the action's operation with bounded backoff. With no
// operation configured the errored component is re-rendered.
func (ex *executor) retry(ctx context.Context, action Action, ectx *ErrorContext) error {
	maxAttempts := action.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = ex.cfg().MaxRetries
	}
	base := action.Delay
	if base <= 0 {
		base = ex.cfg().RetryBaseDelay
	}
	backoff := action.Backoff
	if backoff == "" {
		backoff = ex.cfg().RetryBackoff
	}

	op := action.Operation
	if op == nil {
		op = func(context.Context) error { return ex.rerender(ectx.ComponentID) }
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ex.deps.clock.Sleep(BackoffDelay(backoff, base, attempt))

		if lastErr = op(ctx); lastErr == nil {
			ex.deps.registry.ClearErrored(ectx.ComponentID)
			return nil
		}
	}
	return fmt.Errorf("retry exhausted after %d attempts: %w", maxAttempts, lastErr)
}

func (ex *executor) rerender(componentID string) error {
	comp, ok := ex.deps.registry.Get(componentID)
	if !ok {
		return fmt.Errorf("component %s is not registered", componentID)
	}
	_, err := comp.Render()
	return err
}

// fallbackComponent swaps the errored component for the static placeholder.
func (ex *executor) fallbackComponent(ectx *ErrorContext) error {
	if ectx.ComponentID == "" {
		return fmt.Errorf("no component to replace")
	}
	if _, ok := ex.deps.registry.Get(ectx.ComponentID); !ok {
		return fmt.Errorf("component %s is not registered", ectx.ComponentID)
	}
	ex.deps.registry.SetFallback(ectx.ComponentID)
	return nil
}

func (ex *executor) clearCache(action Action, ectx *ErrorContext) error {
	scope := action.CacheScope
	if scope == "" {
		scope = CacheNetwork
	}

	switch scope {
	case CacheNetwork:
		return ex.deps.cache.Clear()
	case CacheAggressive:
		if err := ex.deps.cache.Clear(); err != nil {
			return err
		}
		if ex.deps.local != nil {
			return ex.deps.local.ClearAll()
		}
		return nil
	case CacheComponent:
		if ectx.ComponentID == "" {
			return fmt.Errorf("no component to scope cache clear to")
		}
		return ex.deps.cache.ClearScoped(ectx.ComponentID)
	default:
		return fmt.Errorf("unknown cache scope %q", scope)
	}
}

// resetState restores the component from its most recent healthy snapshot,
// or blind-resets it when last-known-good is not requested or unavailable.
func (ex *executor) resetState(action Action, ectx *ErrorContext) error {
	if ectx.ComponentID == "" {
		return fmt.Errorf("no component to reset")
	}

	if action.UseLastKnownGood {
		if err := ex.deps.snapshotter.RestoreLastKnownGood(ectx.ComponentID); err == nil {
			ex.deps.registry.ClearErrored(ectx.ComponentID)
			return nil
		} else {
			log.Debugf("no healthy snapshot for %s, falling back to blind reset: %v", ectx.ComponentID, err)
		}
	}

	comp, ok := ex.deps.registry.Get(ectx.ComponentID)
	if !ok {
		return fmt.Errorf("component %s is not registered", ectx.ComponentID)
	}
	if err := comp.Reset(); err != nil {
		return fmt.Errorf("failed to reset component %s: %w", ectx.ComponentID, err)
	}
	ex.deps.registry.ClearErrored(ectx.ComponentID)
	return nil
}

// reloadComponent resets and re-renders the component from scratch.
func (ex *executor) reloadComponent(ectx *ErrorContext) error {
	if ectx.ComponentID == "" {
		return fmt.Errorf("no component to reload")
	}
	comp, ok := ex.deps.registry.Get(ectx.ComponentID)
	if !ok {
		return fmt.Errorf("component %s is not registered", ectx.ComponentID)
	}
	if err := comp.Reset(); err != nil {
		return fmt.Errorf("failed to reset component %s: %w", ectx.ComponentID, err)
	}
	if _, err := comp.Render(); err != nil {
		return fmt.Errorf("failed to re-render component %s: %w", ectx.ComponentID, err)
	}
	ex.deps.registry.ClearErrored(ectx.ComponentID)
	return nil
}

// verify checks whether the action resolved the error. A component-scoped
// error is healed when the component is registered and no longer carries the
// error marker; a network-scoped error is healed when the probe is back
// online. Without an obvious failure signal the action counts as success.
func (ex *executor) verify(action Action, ectx *ErrorContext) bool {
	if ectx.ComponentID != "" {
		if _, ok := ex.deps.registry.Get(ectx.ComponentID); !ok {
			return false
		}
		if ex.deps.registry.InFallback(ectx.ComponentID) {
			// The placeholder is a terminal, stable state.
			return true
		}
		return !ex.deps.registry.IsErrored(ectx.ComponentID)
	}

	if ectx.NetworkStatus == platform.NetworkOffline {
		return ex.deps.probe.Status() != platform.NetworkOffline
	}

	return true
}
