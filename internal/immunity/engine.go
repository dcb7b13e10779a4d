package immunity

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/component"
	"github.com/ledgerstack/resilience/internal/platform"
	"github.com/ledgerstack/resilience/internal/sched"
)

// Deps bundles the capabilities the engine needs. Zero-value fields get
// working in-process defaults from New.
type Deps struct {
	Clock     platform.Clock
	Probe     platform.NetworkProbe
	Memory    platform.MemorySampler
	Cache     platform.CacheStore
	Local     LocalStateStore
	Navigator Navigator
	Registry  *component.Registry
	Replay    ReplayFunc
}

// Engine is the error immunity engine. It is constructed explicitly and
// passed to its consumers; there is no process-global instance.
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	deps    Deps
	history []HistoryEntry

	strategies   *strategySet
	exec         *executor
	snapshotter  *Snapshotter
	transactions *TransactionManager
	network      *NetworkResilienceManager

	healthRunner     *sched.Runner
	snapshotRunner   *sched.Runner
	checkpointRunner *sched.Runner
	started          bool
}

// New creates an engine with the given configuration and dependencies,
// registers the built-in strategies, and leaves the periodic loops stopped
// until Start is called.
func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock{}
	}
	if deps.Probe == nil {
		deps.Probe = platform.NewStaticProbe(platform.NetworkOnline)
	}
	if deps.Memory == nil {
		deps.Memory = platform.NewRuntimeSampler(0)
	}
	if deps.Cache == nil {
		deps.Cache = platform.NewMemoryCache()
	}
	if deps.Navigator == nil {
		deps.Navigator = &RecordingNavigator{}
	}
	if deps.Registry == nil {
		deps.Registry = component.NewRegistry()
	}

	e := &Engine{
		cfg:          cfg,
		deps:         deps,
		strategies:   newStrategySet(),
		snapshotter:  NewSnapshotter(deps.Registry, deps.Clock, cfg.MaxSnapshots),
		transactions: NewTransactionManager(deps.Clock, cfg.MaxCheckpoints),
		network:      NewNetworkResilienceManager(deps.Probe, deps.Clock, cfg.OfflineQueueSize, deps.Replay),
	}
	e.exec = &executor{
		deps: actionDeps{
			registry:    deps.Registry,
			snapshotter: e.snapshotter,
			cache:       deps.Cache,
			local:       deps.Local,
			navigator:   deps.Navigator,
			probe:       deps.Probe,
			clock:       deps.Clock,
		},
		cfg: e.Config,
	}

	e.buildRunners(cfg)

	for _, s := range builtinStrategies() {
		if err := e.strategies.add(s); err != nil {
			log.Errorf("failed to register built-in strategy %s: %v", s.ID, err)
		}
	}
	return e
}

// builtinStrategies returns the four default strategies, priorities 1-4.
func builtinStrategies() []Strategy {
	return []Strategy{
		{
			ID:       "component-error",
			Name:     "Component Error Recovery",
			Type:     StrategyRecovery,
			Priority: 1,
			Enabled:  true,
			Conditions: []Condition{
				{Kind: CondComponent},
			},
			Actions: []Action{
				{Kind: ActionRetry},
				{Kind: ActionResetState, UseLastKnownGood: true},
				{Kind: ActionFallbackComponent},
			},
		},
		{
			ID:       "network-error",
			Name:     "Network Error Recovery",
			Type:     StrategyRetry,
			Priority: 2,
			Enabled:  true,
			Conditions: []Condition{
				{Kind: CondErrorType, Value: "network", Mode: MatchContains},
			},
			Actions: []Action{
				{Kind: ActionRetry, Backoff: BackoffExponential},
				{Kind: ActionClearCache, CacheScope: CacheNetwork},
			},
		},
		{
			ID:       "state-error",
			Name:     "State Corruption Recovery",
			Type:     StrategyReconstruction,
			Priority: 3,
			Enabled:  true,
			Conditions: []Condition{
				{Kind: CondErrorType, Value: "state", Mode: MatchContains},
			},
			Actions: []Action{
				{Kind: ActionResetState, UseLastKnownGood: true},
				{Kind: ActionReloadComponent},
			},
		},
		{
			ID:       "memory-error",
			Name:     "Memory Pressure Recovery",
			Type:     StrategyIsolation,
			Priority: 4,
			Enabled:  true,
			Conditions: []Condition{
				{Kind: CondCustom, Expression: `memory_usage > 0.8 or message contains "memory"`},
			},
			Actions: []Action{
				{Kind: ActionClearCache, CacheScope: CacheAggressive},
				{Kind: ActionReloadComponent},
			},
		},
	}
}

// buildRunners creates the periodic runners from cfg. Rebuilt on every Start
// so updated intervals take effect.
func (e *Engine) buildRunners(cfg Config) {
	e.healthRunner = sched.NewRunner("immunity-health", cfg.HealthCheckInterval, e.healthTick)
	e.snapshotRunner = sched.NewRunner("immunity-snapshots", cfg.SnapshotInterval, func(context.Context) {
		e.snapshotter.CaptureAll()
	})
	e.checkpointRunner = sched.NewRunner("immunity-checkpoints", cfg.CheckpointInterval, func(context.Context) {
		e.transactions.CheckpointAll()
	})
}

// Start launches the health, snapshot, and checkpoint loops.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.buildRunners(e.cfg)
	e.mu.Unlock()

	e.healthRunner.Start(ctx)
	e.snapshotRunner.Start(ctx)
	e.checkpointRunner.Start(ctx)
}

// Stop halts the periodic loops. Idempotent; in-flight healing actions run
// to completion.
func (e *Engine) Stop() {
	e.healthRunner.Stop()
	e.snapshotRunner.Stop()
	e.checkpointRunner.Stop()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

// Config returns the current configuration value.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig replaces the configuration wholesale. Interval changes apply
// on the next Start; bounds apply to new writes.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// AddStrategy registers a healing strategy. Conditions compile at
// registration; invalid expressions are rejected here, not at error time.
func (e *Engine) AddStrategy(s Strategy) error {
	return e.strategies.add(s)
}

// RemoveStrategy drops a strategy by id.
func (e *Engine) RemoveStrategy(id string) {
	e.strategies.remove(id)
}

// Strategies returns all registered strategies in registration order.
func (e *Engine) Strategies() []Strategy {
	return e.strategies.list()
}

// Registry exposes the component registry for consumers that register
// monitored components.
func (e *Engine) Registry() *component.Registry {
	return e.deps.Registry
}

// Transactions exposes the transaction manager.
func (e *Engine) Transactions() *TransactionManager {
	return e.transactions
}

// Network exposes the network resilience manager.
func (e *Engine) Network() *NetworkResilienceManager {
	return e.network
}

// Snapshotter exposes the component snapshotter.
func (e *Engine) Snapshotter() *Snapshotter {
	return e.snapshotter
}

// ComponentSnapshots returns the stored snapshots for a component.
func (e *Engine) ComponentSnapshots(componentID string) []Snapshot {
	return e.snapshotter.Snapshots(componentID)
}

// TransactionCheckpoints returns the stored checkpoints for a transaction.
func (e *Engine) TransactionCheckpoints(txID string) []Checkpoint {
	return e.transactions.Checkpoints(txID)
}

// NewContext builds an ErrorContext from the engine's capability probes.
// Callers may fill in component/route/user fields afterwards.
func (e *Engine) NewContext(componentID, route string) ErrorContext {
	return ErrorContext{
		ComponentID:   componentID,
		Route:         route,
		Timestamp:     e.deps.Clock.Now(),
		NetworkStatus: e.deps.Probe.Status(),
		MemoryUsage:   e.deps.Memory.UsageRatio(),
	}
}

// HandleError is the engine's public entry point. It records the error,
// rolls back an implicated transaction when auto-rollback is enabled,
// evaluates healing when auto-healing is enabled, and appends a history
// entry carrying the final outcome. It never returns an error and never
// panics outward: healing failures are logged only.
func (e *Engine) HandleError(ctx context.Context, err error, ectx ErrorContext) {
	if err == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("immunity engine: panic while handling error: %v", rec)
		}
	}()

	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = e.deps.Clock.Now()
	}
	if ectx.ComponentID != "" {
		e.deps.Registry.MarkErrored(ectx.ComponentID)
	}

	log.WithFields(log.Fields{
		"component": ectx.ComponentID,
		"route":     ectx.Route,
		"network":   string(ectx.NetworkStatus),
	}).Warnf("immunity engine: handling error: %v", err)

	entry := HistoryEntry{
		Message:   err.Error(),
		Context:   ectx,
		Timestamp: ectx.Timestamp,
	}

	cfg := e.Config()
	if cfg.AutoRollback {
		if txID, ok := ectx.Additional["transaction_id"].(string); ok && txID != "" {
			if rbErr := e.transactions.Rollback(txID); rbErr != nil {
				log.Debugf("immunity engine: auto-rollback of transaction %s skipped: %v", txID, rbErr)
			} else {
				log.Infof("immunity engine: rolled back transaction %s after error", txID)
			}
		}
	}

	if cfg.AutoHealing {
		start := e.deps.Clock.Now()
		attempted, succeededID := e.heal(ctx, err, &ectx)
		entry.HealingAttempted = attempted
		entry.HealingSucceeded = succeededID != ""
		entry.StrategyID = succeededID
		entry.Duration = e.deps.Clock.Now().Sub(start)
	}

	e.appendHistory(entry)
}

// heal tries each matching strategy in priority order and returns whether
// any strategy ran and the id of the one that succeeded.
func (e *Engine) heal(ctx context.Context, err error, ectx *ErrorContext) (attempted bool, succeededID string) {
	matched := e.strategies.matching(err, ectx)
	if len(matched) == 0 {
		return false, ""
	}

	for _, s := range matched {
		if e.exec.run(ctx, s, err, ectx) {
			log.Infof("immunity engine: strategy %s healed error: %v", s.ID, err)
			return true, s.ID
		}
	}
	return true, ""
}

func (e *Engine) appendHistory(entry HistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, entry)
	if max := e.cfg.HistoryMaxEntries; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

// History returns a copy of the error history, oldest first.
func (e *Engine) History() []HistoryEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// healthTick runs the 10-second maintenance pass: purge aged state, react
// to memory pressure, and track connectivity transitions.
func (e *Engine) healthTick(ctx context.Context) {
	cfg := e.Config()
	cutoff := e.deps.Clock.Now().Add(-cfg.RetentionWindow)

	e.snapshotter.Purge(cutoff)
	e.transactions.Purge(cutoff)

	e.mu.Lock()
	kept := e.history[:0]
	for _, entry := range e.history {
		if !entry.Timestamp.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	e.history = kept
	e.mu.Unlock()

	if usage := e.deps.Memory.UsageRatio(); usage > cfg.MemoryPressureThreshold {
		log.Warnf("immunity engine: memory usage %.0f%% exceeds threshold, clearing caches", usage*100)
		if err := e.deps.Cache.Clear(); err != nil {
			log.Debugf("cache clear under memory pressure failed: %v", err)
		}
		if e.deps.Local != nil {
			if err := e.deps.Local.ClearAll(); err != nil {
				log.Debugf("local state clear under memory pressure failed: %v", err)
			}
		}
		runtime.GC()
	}

	e.network.CheckConnectivity(ctx)
}

// Report aggregates history and manager counters into the immunity report.
func (e *Engine) Report() Report {
	e.mu.RLock()
	history := make([]HistoryEntry, len(e.history))
	copy(history, e.history)
	e.mu.RUnlock()

	rep := Report{
		ErrorsByComponent: make(map[string]int),
		ErrorsByStrategy:  make(map[string]int),
		GeneratedAt:       e.deps.Clock.Now(),
	}

	for _, entry := range history {
		rep.TotalErrors++
		if entry.HealingSucceeded {
			rep.HealedErrors++
			rep.ErrorsByStrategy[entry.StrategyID]++
		} else if entry.HealingAttempted {
			rep.FailedHealings++
		}
		if entry.Context.ComponentID != "" {
			rep.ErrorsByComponent[entry.Context.ComponentID]++
		}
	}

	if rep.TotalErrors == 0 {
		rep.SuccessRate = 1.0
	} else {
		rep.SuccessRate = float64(rep.HealedErrors) / float64(rep.TotalErrors)
	}

	rep.ComponentRestorations = e.snapshotter.Restorations()
	rep.TransactionRollbacks = e.transactions.Rollbacks()
	rep.ResilienceEvents = e.network.Events()
	return rep
}

// VerifyWiring sanity-checks the dependency set; used by the agent at boot.
func (e *Engine) VerifyWiring() error {
	if e.deps.Registry == nil || e.exec == nil {
		return fmt.Errorf("immunity engine is missing core dependencies")
	}
	return nil
}
