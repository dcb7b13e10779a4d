package smartlog

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/platform"
	"github.com/ledgerstack/resilience/internal/sched"
	"github.com/ledgerstack/resilience/internal/store"
)

// Baselines the report's trend indicators compare against.
const (
	baselineErrorRate  = 0.05
	baselineLoadTimeMs = 2000.0

	errorRateStableBand = 0.01
	loadTimeStableBand  = 250.0
)

// Deps bundles the engine's capabilities. Zero-value fields get working
// defaults from New.
type Deps struct {
	Clock    platform.Clock
	Probe    platform.NetworkProbe
	Memory   platform.MemorySampler
	Store    store.Store
	Archiver store.Archiver
}

// Engine is the smart logging engine. Construct with New, start the
// processing loop with Start, and stop it with Stop.
type Engine struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps

	buffer    *ringBuffer
	pending   []*Entry
	detector  *AnomalyDetector
	predictor *PredictionEngine
	alerts    *AlertManager

	correlation atomic.Uint64
	runner      *sched.Runner
	started     bool

	subMu   sync.Mutex
	subs    map[int]chan Entry
	nextSub int
}

// New creates an engine, registers the built-in anomaly patterns and
// prediction models, and reloads any persisted entries into the buffer.
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
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore(cfg.BufferSize)
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		buffer:    newRingBuffer(cfg.BufferSize),
		detector:  NewAnomalyDetector(deps.Clock, cfg.AnomalyThresholdMult),
		predictor: NewPredictionEngine(deps.Clock),
		alerts:    NewAlertManager(deps.Clock, cfg.AlertRateLimit),
		subs:      make(map[int]chan Entry),
	}
	e.runner = sched.NewRunner("smartlog-process", cfg.ProcessInterval, e.processTick)

	e.reload()
	return e
}

// reload reconstitutes the buffer from persisted entries at construction.
func (e *Engine) reload() {
	recs, err := e.deps.Store.Load(context.Background(), e.cfg.BufferSize)
	if err != nil {
		log.Warnf("smartlog: failed to reload persisted entries: %v", err)
		return
	}
	for _, rec := range recs {
		var entry Entry
		if err := json.Unmarshal(rec.Payload, &entry); err != nil {
			log.Debugf("smartlog: skipping undecodable persisted entry %s: %v", rec.ID, err)
			continue
		}
		e.buffer.push(&entry)
	}
	if len(recs) > 0 {
		log.Infof("smartlog: reloaded %d persisted log entries", len(recs))
	}
}

// Start launches the processing loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.runner.Start(ctx)
}

// Stop halts the processing loop and flushes whatever is pending.
// Idempotent.
func (e *Engine) Stop() {
	e.runner.Stop()

	e.mu.Lock()
	wasStarted := e.started
	e.started = false
	e.mu.Unlock()

	if wasStarted {
		e.flush(context.Background())
	}
}

// Config returns the current configuration value.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig replaces the configuration wholesale and resizes the buffer
// when its capacity changed.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	resize := cfg.BufferSize != e.cfg.BufferSize
	e.cfg = cfg
	e.mu.Unlock()

	if resize {
		e.buffer.resize(cfg.BufferSize)
	}
}

// Debug logs at debug level.
func (e *Engine) Debug(message, category string, ctx map[string]interface{}) {
	e.Log(LevelDebug, message, category, ctx)
}

// Info logs at info level.
func (e *Engine) Info(message, category string, ctx map[string]interface{}) {
	e.Log(LevelInfo, message, category, ctx)
}

// Warn logs at warn level.
func (e *Engine) Warn(message, category string, ctx map[string]interface{}) {
	e.Log(LevelWarn, message, category, ctx)
}

// Error logs at error level.
func (e *Engine) Error(message, category string, ctx map[string]interface{}) {
	e.Log(LevelError, message, category, ctx)
}

// Fatal logs at fatal level. The entry is recorded and persisted; the
// process is not terminated, fatal here means client-fatal.
func (e *Engine) Fatal(message, category string, ctx map[string]interface{}) {
	e.Log(LevelFatal, message, category, ctx)
}

// Log records a structured entry. Entries failing the configured filters
// are dropped silently; error and fatal entries are persisted immediately
// instead of waiting for the batch flush. Log never returns an error and
// never panics outward.
func (e *Engine) Log(level Level, message, category string, ctx map[string]interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("smartlog: panic while recording entry: %v", rec)
		}
	}()

	cfg := e.Config()
	if !e.accepts(cfg, level, message) {
		return
	}
	if cfg.MaxMessageBytes > 0 && len(message) > cfg.MaxMessageBytes {
		message = message[:cfg.MaxMessageBytes]
	}

	entry := e.newEntry(cfg, level, message, category, ctx)
	e.buffer.push(entry)

	e.mu.Lock()
	e.pending = append(e.pending, entry)
	e.mu.Unlock()

	e.notify(*entry)

	if level == LevelError || level == LevelFatal {
		if rec, err := entryRecord(entry); err == nil {
			if err := e.deps.Store.Save(context.Background(), rec); err != nil {
				log.Warnf("smartlog: immediate store of %s entry failed: %v", level, err)
			}
		}
	}
}

// accepts applies level, exclude, and include filters.
func (e *Engine) accepts(cfg Config, level Level, message string) bool {
	if levelRank[level] < levelRank[cfg.MinLevel] {
		return false
	}

	lower := strings.ToLower(message)
	for _, pattern := range cfg.ExcludePatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return false
		}
	}

	if len(cfg.IncludePatterns) > 0 {
		for _, pattern := range cfg.IncludePatterns {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				return true
			}
		}
		return false
	}
	return true
}

// newEntry builds and enriches an entry.
func (e *Engine) newEntry(cfg Config, level Level, message, category string, ctx map[string]interface{}) *Entry {
	now := e.deps.Clock.Now()
	network := e.deps.Probe.Status()
	memory := e.deps.Memory.UsageRatio()

	entry := &Entry{
		ID:        uuid.NewString(),
		Timestamp: now,
		Level:     level,
		Message:   message,
		Category:  category,
		Context:   ctx,
		Metadata: Metadata{
			MemoryUsage:    memory,
			NetworkQuality: network,
		},
		CorrelationID: fmt.Sprintf("corr-%d", e.correlation.Add(1)),
	}

	// Best-effort caller source: the first frame that is not one of the
	// engine's logging entry points, so direct Log calls and the level
	// wrappers attribute identically.
	var pcs [8]uintptr
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs[:])])
	for {
		frame, more := frames.Next()
		if !isLogEntryPoint(frame.Function) {
			entry.Source.File = frame.File
			entry.Source.Line = frame.Line
			entry.Source.Function = frame.Function
			break
		}
		if !more {
			break
		}
	}

	if v, ok := ctx["load_time_ms"].(float64); ok {
		entry.Metadata.LoadTimeMs = v
	}
	if v, ok := ctx["component"].(string); ok {
		entry.Source.Component = v
	}
	if v, ok := ctx["user_agent"].(string); ok {
		entry.Metadata.UserAgent = v
	}
	if v, ok := ctx["url"].(string); ok {
		entry.Metadata.URL = v
	}
	if v, ok := ctx["referrer"].(string); ok {
		entry.Metadata.Referrer = v
	}

	if network == platform.NetworkOffline {
		entry.Tags = append(entry.Tags, "offline")
	}
	if memory > 0.8 {
		entry.Tags = append(entry.Tags, "high-memory")
	}

	if level == LevelError || level == LevelFatal {
		buf := make([]byte, 4096)
		entry.StackTrace = string(buf[:runtime.Stack(buf, false)])
	}
	return entry
}

// isLogEntryPoint reports whether a caller frame belongs to the engine's
// public logging surface.
func isLogEntryPoint(fn string) bool {
	switch {
	case strings.HasSuffix(fn, ".(*Engine).Log"),
		strings.HasSuffix(fn, ".(*Engine).Debug"),
		strings.HasSuffix(fn, ".(*Engine).Info"),
		strings.HasSuffix(fn, ".(*Engine).Warn"),
		strings.HasSuffix(fn, ".(*Engine).Error"),
		strings.HasSuffix(fn, ".(*Engine).Fatal"):
		return true
	}
	return false
}

func entryRecord(entry *Entry) (store.Record, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode log entry: %w", err)
	}
	return store.Record{ID: entry.ID, Timestamp: entry.Timestamp, Payload: payload}, nil
}

// Logs returns buffered entries newest-last, optionally filtered by level
// and category, capped at limit when positive.
func (e *Engine) Logs(level Level, category string, limit int) []Entry {
	all := e.buffer.all()

	out := make([]Entry, 0, len(all))
	for _, entry := range all {
		if level != "" && entry.Level != level {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		out = append(out, *entry)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// BufferLen returns the number of buffered entries.
func (e *Engine) BufferLen() int {
	return e.buffer.len()
}

// Detector exposes the anomaly detector for pattern management.
func (e *Engine) Detector() *AnomalyDetector {
	return e.detector
}

// Predictor exposes the prediction engine for model management.
func (e *Engine) Predictor() *PredictionEngine {
	return e.predictor
}

// Alerts exposes the alert manager for channel and rule management.
func (e *Engine) Alerts() *AlertManager {
	return e.alerts
}

// AddAnomalyPattern registers an anomaly pattern.
func (e *Engine) AddAnomalyPattern(p AnomalyPattern) error {
	return e.detector.Add(p)
}

// RemoveAnomalyPattern drops an anomaly pattern by id.
func (e *Engine) RemoveAnomalyPattern(id string) {
	e.detector.Remove(id)
}

// AddPredictionModel registers a model with its predictor.
func (e *Engine) AddPredictionModel(m PredictionModel, p Predictor) error {
	return e.predictor.AddModel(m, p)
}

// AddAlertChannel registers a delivery channel.
func (e *Engine) AddAlertChannel(ch Channel, filters []ChannelFilter, enabled bool) error {
	return e.alerts.AddChannel(ch, filters, enabled)
}

// AddEscalationRule registers an escalation rule.
func (e *Engine) AddEscalationRule(rule EscalationRule) {
	e.alerts.AddRule(rule)
}

// Subscribe returns a channel receiving every accepted entry and a cancel
// function. Slow subscribers miss entries instead of blocking the logger.
func (e *Engine) Subscribe() (<-chan Entry, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Entry, 64)
	e.subs[id] = ch

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (e *Engine) notify(entry Entry) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// processTick is the 5-second pass: flush, scan, predict, escalate, retain.
// Each stage is guarded so one failing stage cannot starve the others.
func (e *Engine) processTick(ctx context.Context) {
	cfg := e.Config()

	e.flush(ctx)

	window := e.buffer.last(cfg.AnomalyWindow)

	if cfg.AnomalyDetection {
		e.scanAnomalies(cfg, window)
	}
	if cfg.PredictionEnabled {
		e.generatePredictions(cfg, window)
	}
	if cfg.AlertsEnabled {
		e.alerts.CheckEscalations()
	}

	store.RunRetention(ctx, e.deps.Store, e.deps.Archiver, cfg.Retention, e.deps.Clock.Now())
}

// flush persists pending entries in batches. A failed batch stays pending
// for the next tick.
func (e *Engine) flush(ctx context.Context) {
	cfg := e.Config()
	batchSize := cfg.FlushBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}

		recs := make([]store.Record, 0, end-start)
		for _, entry := range pending[start:end] {
			rec, err := entryRecord(entry)
			if err != nil {
				log.Debugf("smartlog: dropping unencodable entry: %v", err)
				continue
			}
			recs = append(recs, rec)
		}

		if err := e.deps.Store.SaveBatch(ctx, recs); err != nil {
			log.Warnf("smartlog: batch flush failed, re-queueing %d entries: %v", len(pending)-start, err)
			e.mu.Lock()
			e.pending = append(pending[start:], e.pending...)
			e.mu.Unlock()
			return
		}
	}
}

func (e *Engine) scanAnomalies(cfg Config, window []*Entry) {
	for _, pattern := range e.detector.Scan(window) {
		e.Warn(fmt.Sprintf("anomaly detected: %s", pattern.Name), "anomaly", map[string]interface{}{
			"pattern_id": pattern.ID,
			"type":       string(pattern.Type),
			"severity":   string(pattern.Severity),
		})

		if cfg.AlertsEnabled {
			e.alerts.Raise("anomaly", anomalyAlertSeverity(pattern.Severity),
				pattern.Name,
				fmt.Sprintf("anomaly pattern %s triggered", pattern.ID),
				map[string]interface{}{"pattern_id": pattern.ID})
		}
	}
}

// anomalyAlertSeverity maps pattern severity onto alert severity.
func anomalyAlertSeverity(s AnomalySeverity) AlertSeverity {
	switch s {
	case AnomalyCritical:
		return AlertCritical
	case AnomalyHigh:
		return AlertError
	case AnomalyMedium:
		return AlertWarning
	default:
		return AlertInfo
	}
}

func (e *Engine) generatePredictions(cfg Config, window []*Entry) {
	if cfg.PredictionLookback > 0 {
		cutoff := e.deps.Clock.Now().Add(-cfg.PredictionLookback)
		recent := make([]*Entry, 0, len(window))
		for _, entry := range window {
			if !entry.Timestamp.Before(cutoff) {
				recent = append(recent, entry)
			}
		}
		window = recent
	}

	for _, pred := range e.predictor.Generate(window, cfg.PredictionHorizon, cfg.ConfidenceThreshold) {
		e.Info(fmt.Sprintf("prediction: %s=%.3f (confidence %.2f)", pred.Target, pred.Value, pred.Confidence),
			"prediction", map[string]interface{}{
				"model_id": pred.ModelID,
				"horizon":  pred.Horizon.String(),
			})

		if cfg.AlertsEnabled && pred.Confidence > 0.9 && criticalThreshold(pred.Target, pred.Value) {
			e.alerts.Raise("prediction", AlertWarning,
				fmt.Sprintf("Predicted %s degradation", pred.Target),
				fmt.Sprintf("model %s predicts %s=%.3f within %s", pred.ModelID, pred.Target, pred.Value, pred.Horizon),
				map[string]interface{}{"prediction_id": pred.ID})
		}
	}
}

// Report aggregates the buffered window into the consumer-facing view.
func (e *Engine) Report(period time.Duration) Report {
	now := e.deps.Clock.Now()
	if period <= 0 {
		period = time.Hour
	}
	cutoff := now.Add(-period)

	rep := Report{
		Period:      period,
		ByLevel:     make(map[Level]int),
		ByCategory:  make(map[string]int),
		GeneratedAt: now,
	}

	var (
		errors  int
		loadSum float64
		loadN   int
	)
	for _, entry := range e.buffer.all() {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		rep.TotalEntries++
		rep.ByLevel[entry.Level]++
		if entry.Category != "" {
			rep.ByCategory[entry.Category]++
		}
		if entry.Level == LevelError || entry.Level == LevelFatal {
			errors++
		}
		if entry.Metadata.LoadTimeMs > 0 {
			loadSum += entry.Metadata.LoadTimeMs
			loadN++
		}
	}

	if rep.TotalEntries > 0 {
		rep.ErrorRate = float64(errors) / float64(rep.TotalEntries)
	}
	if loadN > 0 {
		rep.AvgLoadTimeMs = loadSum / float64(loadN)
	}
	rep.ErrorRateTrend = classifyTrend(rep.ErrorRate-baselineErrorRate, errorRateStableBand)
	rep.LoadTimeTrend = classifyTrend(rep.AvgLoadTimeMs-baselineLoadTimeMs, loadTimeStableBand)

	rep.Anomalies = e.detector.Triggers()
	rep.Predictions = e.predictor.Total()

	alerts := e.alerts.Alerts()
	rep.Alerts = len(alerts)
	open, _ := e.alerts.OpenCount()
	rep.OpenAlerts = open
	if n := len(alerts); n > 10 {
		alerts = alerts[n-10:]
	}
	rep.RecentAlerts = alerts

	return rep
}

// classifyTrend buckets a delta against its stability band.
func classifyTrend(delta, band float64) string {
	switch {
	case delta > band:
		return "increasing"
	case delta < -band:
		return "decreasing"
	default:
		return "stable"
	}
}
