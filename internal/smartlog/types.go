// Package smartlog implements the smart logging engine: structured log
// capture with filtering and enrichment, sliding-window anomaly detection,
// pluggable trend prediction, and alert dispatch with escalation. Like the
// immunity engine it never lets an internal failure reach its callers; a
// logging subsystem that crashes the application is worse than no logging.
package smartlog

import (
	"time"

	"github.com/ledgerstack/resilience/internal/platform"
)

// Level is the log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// levelRank orders levels for allow-list comparison.
var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// Source is the best-effort caller location of a log call.
type Source struct {
	File      string `json:"file,omitempty"`
	Function  string `json:"function,omitempty"`
	Line      int    `json:"line,omitempty"`
	Component string `json:"component,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Metadata is the environment snapshot attached to every accepted entry.
type Metadata struct {
	UserAgent      string                 `json:"user_agent,omitempty"`
	URL            string                 `json:"url,omitempty"`
	Referrer       string                 `json:"referrer,omitempty"`
	MemoryUsage    float64                `json:"memory_usage"`
	LoadTimeMs     float64                `json:"load_time_ms,omitempty"`
	NetworkQuality platform.NetworkStatus `json:"network_quality"`
}

// Entry is a structured log record.
type Entry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`

	// Timestamp is when the entry was created.
	Timestamp time.Time `json:"timestamp"`

	// Level is the severity.
	Level Level `json:"level"`

	// Message is the log text.
	Message string `json:"message"`

	// Category groups entries by subsystem (auth, billing, render, ...).
	Category string `json:"category"`

	// Source is the caller location.
	Source Source `json:"source"`

	// Context carries free-form call-site data.
	Context map[string]interface{} `json:"context,omitempty"`

	// Metadata is the environment snapshot.
	Metadata Metadata `json:"metadata"`

	// Tags are derived markers such as "offline" or "high-memory".
	Tags []string `json:"tags,omitempty"`

	// CorrelationID links entries belonging to one logical operation.
	CorrelationID string `json:"correlation_id"`

	// StackTrace is attached to error and fatal entries when available.
	StackTrace string `json:"stack_trace,omitempty"`
}

// AnomalySeverity ranks anomaly patterns.
type AnomalySeverity string

const (
	AnomalyLow      AnomalySeverity = "low"
	AnomalyMedium   AnomalySeverity = "medium"
	AnomalyHigh     AnomalySeverity = "high"
	AnomalyCritical AnomalySeverity = "critical"
)

// PatternType categorizes anomaly patterns.
type PatternType string

const (
	PatternFrequency   PatternType = "frequency"
	PatternPattern     PatternType = "pattern"
	PatternSequence    PatternType = "sequence"
	PatternPerformance PatternType = "performance"
	PatternErrorRate   PatternType = "error_rate"
)

// Aggregation selects how an anomaly condition reduces field values over
// its window.
type Aggregation string

const (
	AggCount Aggregation = "count"
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
)

// Comparison selects how the aggregate compares against the threshold.
type Comparison string

const (
	CmpGT       Comparison = "gt"
	CmpLT       Comparison = "lt"
	CmpEQ       Comparison = "eq"
	CmpNE       Comparison = "ne"
	CmpContains Comparison = "contains"
	CmpRegex    Comparison = "regex"
	CmpCustom   Comparison = "custom"
)

// AnomalyCondition is one threshold clause of an anomaly pattern.
type AnomalyCondition struct {
	// Field is a dot path into the entry's JSON form
	// (e.g. "metadata.memory_usage", "level").
	Field string `json:"field"`

	// Aggregation reduces the field over the window.
	Aggregation Aggregation `json:"aggregation"`

	// Comparison tests the aggregate against Threshold.
	Comparison Comparison `json:"comparison"`

	// Threshold is the numeric comparison operand.
	Threshold float64 `json:"threshold"`

	// Value is the operand for contains/regex comparisons on string fields.
	Value string `json:"value,omitempty"`

	// Window is the lookback over which entries are considered.
	Window time.Duration `json:"window"`

	// Expression is an expr predicate for CmpCustom; it sees the computed
	// aggregate as "value" and the window entry count as "count".
	Expression string `json:"expression,omitempty"`
}

// AnomalyPattern is a named anomaly rule. The first satisfied condition
// triggers the pattern; a triggered pattern cannot fire again until its
// cooldown elapses.
type AnomalyPattern struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        PatternType        `json:"type"`
	Conditions  []AnomalyCondition `json:"conditions"`
	Severity    AnomalySeverity    `json:"severity"`
	Enabled     bool               `json:"enabled"`
	Cooldown    time.Duration      `json:"cooldown"`
	LastTrigger time.Time          `json:"last_trigger,omitempty"`
}

// PredictionModel describes a registered prediction target.
type PredictionModel struct {
	// ID identifies the model.
	ID string `json:"id"`

	// Target is the metric being predicted (error_rate, load_time,
	// user_satisfaction).
	Target string `json:"target"`

	// Features lists the inputs the predictor derives from recent logs.
	Features []string `json:"features"`

	// Algorithm names the predictor implementation in use.
	Algorithm string `json:"algorithm"`

	// Accuracy is the model's self-reported accuracy in [0, 1].
	Accuracy float64 `json:"accuracy"`

	// LastTrained is when the predictor last refit.
	LastTrained time.Time `json:"last_trained"`

	// Enabled gates the model.
	Enabled bool `json:"enabled"`
}

// Prediction is one generated forecast.
type Prediction struct {
	ID         string             `json:"id"`
	ModelID    string             `json:"model_id"`
	Target     string             `json:"target"`
	Value      float64            `json:"value"`
	Confidence float64            `json:"confidence"`
	Horizon    time.Duration      `json:"horizon"`
	Features   map[string]float64 `json:"features,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a dispatched notification.
type Alert struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Severity      AlertSeverity          `json:"severity"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Acknowledged  bool                   `json:"acknowledged"`
	AckBy         string                 `json:"ack_by,omitempty"`
	AckAt         time.Time              `json:"ack_at,omitempty"`
	Resolved      bool                   `json:"resolved"`
	ResolvedBy    string                 `json:"resolved_by,omitempty"`
	ResolvedAt    time.Time              `json:"resolved_at,omitempty"`
	EscalationLvl int                    `json:"escalation_level"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Config holds the engine's settings; replaced wholesale on update.
type Config struct {
	// MinLevel is the lowest accepted severity.
	MinLevel Level `yaml:"min-level" json:"min_level"`

	// ExcludePatterns drops entries whose message contains any of these
	// substrings, case-insensitive. Used to keep secrets out of the buffer.
	ExcludePatterns []string `yaml:"exclude-patterns" json:"exclude_patterns"`

	// IncludePatterns, when non-empty, drops entries matching none of them.
	IncludePatterns []string `yaml:"include-patterns" json:"include_patterns"`

	// MaxMessageBytes truncates oversized messages.
	MaxMessageBytes int `yaml:"max-message-bytes" json:"max_message_bytes"`

	// BufferSize bounds the in-memory ring buffer (FIFO eviction).
	BufferSize int `yaml:"buffer-size" json:"buffer_size"`

	// FlushBatchSize is the per-tick storage flush batch.
	FlushBatchSize int `yaml:"flush-batch-size" json:"flush_batch_size"`

	// ProcessInterval is the tick period for flush/anomaly/prediction work.
	ProcessInterval time.Duration `yaml:"process-interval" json:"process_interval"`

	// AnomalyDetection toggles the anomaly scan.
	AnomalyDetection bool `yaml:"anomaly-detection" json:"anomaly_detection"`

	// AnomalyWindow bounds the number of recent entries scanned.
	AnomalyWindow int `yaml:"anomaly-window" json:"anomaly_window"`

	// AnomalyThresholdMult scales built-in pattern thresholds.
	AnomalyThresholdMult float64 `yaml:"anomaly-threshold-mult" json:"anomaly_threshold_mult"`

	// PredictionEnabled toggles the prediction pass.
	PredictionEnabled bool `yaml:"prediction-enabled" json:"prediction_enabled"`

	// PredictionLookback bounds the history predictors see.
	PredictionLookback time.Duration `yaml:"prediction-lookback" json:"prediction_lookback"`

	// PredictionHorizon is how far ahead forecasts reach.
	PredictionHorizon time.Duration `yaml:"prediction-horizon" json:"prediction_horizon"`

	// ConfidenceThreshold discards forecasts below this confidence.
	ConfidenceThreshold float64 `yaml:"confidence-threshold" json:"confidence_threshold"`

	// AlertsEnabled toggles alert creation and dispatch.
	AlertsEnabled bool `yaml:"alerts-enabled" json:"alerts_enabled"`

	// AlertRateLimit caps alerts created per hour.
	AlertRateLimit int `yaml:"alert-rate-limit" json:"alert_rate_limit"`

	// Retention ages out persisted entries.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// Compression gzips archived batches.
	Compression bool `yaml:"compression" json:"compression"`
}

// DefaultConfig returns the engine defaults: info+ levels, 10000-entry
// buffer, 5s processing tick with 100-entry flush batches, medium-sensitivity
// anomaly detection over a 1000-entry window, 24h prediction lookback with a
// 1h horizon and 0.7 confidence gate, 50 alerts/hour, 7-day retention.
func DefaultConfig() Config {
	return Config{
		MinLevel:             LevelInfo,
		ExcludePatterns:      []string{"password", "secret", "token", "api-key"},
		MaxMessageBytes:      1000,
		BufferSize:           10000,
		FlushBatchSize:       100,
		ProcessInterval:      5 * time.Second,
		AnomalyDetection:     true,
		AnomalyWindow:        1000,
		AnomalyThresholdMult: 2.0,
		PredictionEnabled:    true,
		PredictionLookback:   24 * time.Hour,
		PredictionHorizon:    time.Hour,
		ConfidenceThreshold:  0.7,
		AlertsEnabled:        true,
		AlertRateLimit:       50,
		Retention:            7 * 24 * time.Hour,
		Compression:          true,
	}
}

// Report is the aggregate view the consumer layer polls.
type Report struct {
	// Period is the window the report covers.
	Period time.Duration `json:"period"`

	// TotalEntries counts buffered entries in the period.
	TotalEntries int `json:"total_entries"`

	// ByLevel and ByCategory bucket the entries.
	ByLevel    map[Level]int  `json:"by_level"`
	ByCategory map[string]int `json:"by_category"`

	// Anomalies is the number of pattern triggers in the period.
	Anomalies int `json:"anomalies"`

	// Predictions is the number of retained forecasts.
	Predictions int `json:"predictions"`

	// Alerts counts all alerts; OpenAlerts those neither acked nor resolved.
	Alerts     int `json:"alerts"`
	OpenAlerts int `json:"open_alerts"`

	// RecentAlerts lists the newest alerts, capped.
	RecentAlerts []Alert `json:"recent_alerts"`

	// ErrorRateTrend and LoadTimeTrend classify movement against the
	// baseline: increasing, decreasing, or stable.
	ErrorRate      float64 `json:"error_rate"`
	ErrorRateTrend string  `json:"error_rate_trend"`
	AvgLoadTimeMs  float64 `json:"avg_load_time_ms"`
	LoadTimeTrend  string  `json:"load_time_trend"`

	// GeneratedAt is when the report was computed.
	GeneratedAt time.Time `json:"generated_at"`
}
