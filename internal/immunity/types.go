// Package immunity implements the error immunity engine: it takes runtime
// errors reported by the client application, matches them against prioritized
// healing strategies, and executes remediation actions (retry, fallback,
// cache clear, state reset, reload, navigate) until one verifies success.
// The engine never propagates errors back to its callers; its purpose is to
// keep failures away from the user.
package immunity

import (
	"context"
	"time"

	"github.com/ledgerstack/resilience/internal/platform"
)

// ErrorContext is the snapshot of the environment at the time an error was
// reported. It is immutable once created; a fresh context is produced per
// error.
type ErrorContext struct {
	// ComponentID identifies the component the error originated in, when known.
	ComponentID string `json:"component_id,omitempty"`

	// Route is the client route active when the error occurred.
	Route string `json:"route,omitempty"`

	// UserID and SessionID identify the affected user session, when known.
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the error was captured.
	Timestamp time.Time `json:"timestamp"`

	// UserAgent is the reporting client's user-agent string.
	UserAgent string `json:"user_agent,omitempty"`

	// NetworkStatus is the connectivity state at capture time.
	NetworkStatus platform.NetworkStatus `json:"network_status"`

	// MemoryUsage is the heap pressure ratio in [0, 1] at capture time.
	MemoryUsage float64 `json:"memory_usage"`

	// StackTrace is the captured stack, when available.
	StackTrace string `json:"stack_trace,omitempty"`

	// Additional carries free-form context data.
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// StrategyType categorizes healing strategies.
type StrategyType string

const (
	StrategyRetry          StrategyType = "retry"
	StrategyFallback       StrategyType = "fallback"
	StrategyRecovery       StrategyType = "recovery"
	StrategyIsolation      StrategyType = "isolation"
	StrategyReconstruction StrategyType = "reconstruction"
)

// ConditionKind enumerates the closed set of condition types. Evaluation
// switches exhaustively over this set; adding a kind is a compile-time
// visible change.
type ConditionKind string

const (
	// CondErrorType matches against the error message.
	CondErrorType ConditionKind = "error_type"

	// CondComponent matches against the context's component id.
	CondComponent ConditionKind = "component"

	// CondRoute matches against the context's route.
	CondRoute ConditionKind = "route"

	// CondNetwork matches against the context's network status.
	CondNetwork ConditionKind = "network"

	// CondCustom evaluates a caller-supplied predicate or expression.
	CondCustom ConditionKind = "custom"
)

// MatchMode selects how string conditions compare their value.
type MatchMode string

const (
	MatchEquals   MatchMode = "equals"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// Condition is one clause of a strategy's match rule. All conditions of a
// strategy must hold for the strategy to apply.
type Condition struct {
	// Kind selects which field of (error, context) the condition inspects.
	Kind ConditionKind `json:"kind"`

	// Value is the comparison operand for string conditions. For
	// CondComponent an empty value means "any component id present".
	Value string `json:"value,omitempty"`

	// Mode selects the comparison for CondErrorType and CondRoute.
	// Defaults to MatchContains.
	Mode MatchMode `json:"mode,omitempty"`

	// Expression is an expr-lang predicate evaluated against the error and
	// context for CondCustom. Compiled once at registration.
	Expression string `json:"expression,omitempty"`

	// Predicate is a Go predicate for CondCustom, used when Expression is
	// empty.
	Predicate func(err error, ctx *ErrorContext) bool `json:"-"`
}

// BackoffKind selects the retry delay progression.
type BackoffKind string

const (
	// BackoffFixed waits the base delay on every attempt.
	BackoffFixed BackoffKind = "fixed"

	// BackoffLinear waits base*attempt.
	BackoffLinear BackoffKind = "linear"

	// BackoffExponential waits base*2^(attempt-1).
	BackoffExponential BackoffKind = "exponential"
)

// ActionKind enumerates the closed set of healing actions.
type ActionKind string

const (
	ActionRetry             ActionKind = "retry"
	ActionFallbackComponent ActionKind = "fallback_component"
	ActionClearCache        ActionKind = "clear_cache"
	ActionResetState        ActionKind = "reset_state"
	ActionReloadComponent   ActionKind = "reload_component"
	ActionNavigate          ActionKind = "navigate"
	ActionCustom            ActionKind = "custom"
)

// CacheScope selects how much state a clear_cache action removes.
type CacheScope string

const (
	// CacheNetwork clears only the network/response cache.
	CacheNetwork CacheScope = "network"

	// CacheAggressive clears the network cache plus all local state.
	CacheAggressive CacheScope = "aggressive"

	// CacheComponent clears cache entries scoped to one component.
	CacheComponent CacheScope = "component"
)

// Action is one remediation step of a strategy. Actions run in order; the
// first action that verifies success ends the strategy.
type Action struct {
	// Kind selects the remediation.
	Kind ActionKind `json:"kind"`

	// Delay is waited before the action executes.
	Delay time.Duration `json:"delay,omitempty"`

	// MaxAttempts bounds ActionRetry. Defaults to the engine's configured
	// maximum.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff selects the retry delay progression for ActionRetry.
	Backoff BackoffKind `json:"backoff,omitempty"`

	// Operation is retried by ActionRetry. When nil, the retried operation
	// is re-rendering the errored component.
	Operation func(ctx context.Context) error `json:"-"`

	// CacheScope selects the reach of ActionClearCache.
	CacheScope CacheScope `json:"cache_scope,omitempty"`

	// UseLastKnownGood makes ActionResetState restore from the most recent
	// healthy snapshot rather than blind-resetting.
	UseLastKnownGood bool `json:"use_last_known_good,omitempty"`

	// PreserveScroll asks ActionReloadComponent to keep the viewport.
	PreserveScroll bool `json:"preserve_scroll,omitempty"`

	// Target is the destination for ActionNavigate. Defaults to /dashboard.
	Target string `json:"target,omitempty"`

	// Func is the caller-supplied callback for ActionCustom.
	Func func(ctx context.Context, err error, ectx *ErrorContext) error `json:"-"`
}

// Strategy maps error conditions to an ordered list of healing actions.
type Strategy struct {
	// ID is the stable strategy identifier.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Type tags the strategy's general approach.
	Type StrategyType `json:"type"`

	// Priority orders strategy attempts; lower numbers run first. Ties keep
	// registration order.
	Priority int `json:"priority"`

	// Enabled gates the strategy without removing it.
	Enabled bool `json:"enabled"`

	// Conditions must all match for the strategy to apply. A strategy with
	// no conditions never matches.
	Conditions []Condition `json:"conditions"`

	// Actions run in order until one verifies success.
	Actions []Action `json:"actions"`
}

// HistoryEntry records one handled error. Entries are immutable once
// appended; the healing outcome is computed before the entry is written.
type HistoryEntry struct {
	// Message is the error text.
	Message string `json:"message"`

	// Context is the error-time environment snapshot.
	Context ErrorContext `json:"context"`

	// HealingAttempted reports whether any strategy matched and ran.
	HealingAttempted bool `json:"healing_attempted"`

	// HealingSucceeded reports whether an action verified success.
	HealingSucceeded bool `json:"healing_succeeded"`

	// StrategyID is the strategy that succeeded, when one did.
	StrategyID string `json:"strategy_id,omitempty"`

	// Duration is how long healing took.
	Duration time.Duration `json:"duration"`

	// Timestamp is when the entry was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the engine's settings. Configs are treated as immutable
// values: UpdateConfig replaces the whole config rather than patching fields.
type Config struct {
	// AutoHealing enables strategy evaluation in HandleError.
	AutoHealing bool `yaml:"auto-healing" json:"auto_healing"`

	// MaxRetries bounds retry actions that do not set their own maximum.
	MaxRetries int `yaml:"max-retries" json:"max_retries"`

	// RetryBackoff is the default backoff progression.
	RetryBackoff BackoffKind `yaml:"retry-backoff" json:"retry_backoff"`

	// RetryBaseDelay is the default base delay for retry actions.
	RetryBaseDelay time.Duration `yaml:"retry-base-delay" json:"retry_base_delay"`

	// SnapshotInterval is how often monitored components are captured.
	SnapshotInterval time.Duration `yaml:"snapshot-interval" json:"snapshot_interval"`

	// MaxSnapshots bounds the per-component snapshot list (FIFO eviction).
	MaxSnapshots int `yaml:"max-snapshots" json:"max_snapshots"`

	// CheckpointInterval is how often active transactions are checkpointed.
	CheckpointInterval time.Duration `yaml:"checkpoint-interval" json:"checkpoint_interval"`

	// MaxCheckpoints bounds the per-transaction checkpoint list.
	MaxCheckpoints int `yaml:"max-checkpoints" json:"max_checkpoints"`

	// AutoRollback rolls a transaction back to its last checkpoint when an
	// error is attributed to it.
	AutoRollback bool `yaml:"auto-rollback" json:"auto_rollback"`

	// OfflineQueueSize bounds the network resilience offline queue.
	OfflineQueueSize int `yaml:"offline-queue-size" json:"offline_queue_size"`

	// HealthCheckInterval is the cleanup/pressure-check tick period.
	HealthCheckInterval time.Duration `yaml:"health-check-interval" json:"health_check_interval"`

	// HistoryMaxEntries caps the error history length.
	HistoryMaxEntries int `yaml:"history-max-entries" json:"history_max_entries"`

	// RetentionWindow ages out snapshots, checkpoints, and history.
	RetentionWindow time.Duration `yaml:"retention-window" json:"retention_window"`

	// MemoryPressureThreshold triggers aggressive cache clearing when the
	// sampled usage ratio exceeds it.
	MemoryPressureThreshold float64 `yaml:"memory-pressure-threshold" json:"memory_pressure_threshold"`
}

// DefaultConfig returns the engine defaults: auto-healing on, three retries
// with exponential backoff, 30s snapshots capped at 10 per component, 5s
// checkpoints with auto-rollback, and a 100-entry offline queue.
func DefaultConfig() Config {
	return Config{
		AutoHealing:             true,
		MaxRetries:              3,
		RetryBackoff:            BackoffExponential,
		RetryBaseDelay:          100 * time.Millisecond,
		SnapshotInterval:        30 * time.Second,
		MaxSnapshots:            10,
		CheckpointInterval:      5 * time.Second,
		MaxCheckpoints:          10,
		AutoRollback:            true,
		OfflineQueueSize:        100,
		HealthCheckInterval:     10 * time.Second,
		HistoryMaxEntries:       1000,
		RetentionWindow:         24 * time.Hour,
		MemoryPressureThreshold: 0.9,
	}
}

// Report aggregates the engine's healing history and manager counters.
type Report struct {
	// TotalErrors is the number of errors handled.
	TotalErrors int `json:"total_errors"`

	// HealedErrors is the number of errors where healing verified success.
	HealedErrors int `json:"healed_errors"`

	// FailedHealings counts errors where healing was attempted but failed.
	FailedHealings int `json:"failed_healings"`

	// SuccessRate is HealedErrors/TotalErrors, 1.0 when no errors yet.
	SuccessRate float64 `json:"success_rate"`

	// ErrorsByComponent buckets handled errors per component id.
	ErrorsByComponent map[string]int `json:"errors_by_component"`

	// ErrorsByStrategy buckets successful healings per strategy id.
	ErrorsByStrategy map[string]int `json:"errors_by_strategy"`

	// ComponentRestorations is the snapshotter's restoration counter.
	ComponentRestorations int `json:"component_restorations"`

	// TransactionRollbacks is the transaction manager's rollback counter.
	TransactionRollbacks int `json:"transaction_rollbacks"`

	// ResilienceEvents is the network resilience manager's event counter.
	ResilienceEvents int `json:"resilience_events"`

	// GeneratedAt is when the report was computed.
	GeneratedAt time.Time `json:"generated_at"`
}
