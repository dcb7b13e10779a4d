package smartlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/platform"
)

// Sample is one observation of a target metric.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Predictor produces a forecast from a metric's recent history. The
// interface is deliberately small so model implementations can be swapped
// without touching the engine.
type Predictor interface {
	// Name identifies the algorithm.
	Name() string

	// Predict forecasts the metric's value at horizon from now and returns
	// the forecast with a confidence in [0, 1].
	Predict(samples []Sample, horizon time.Duration) (value, confidence float64, err error)
}

// MovingAveragePredictor forecasts the mean of the most recent window.
// Confidence grows with sample count and shrinks with variance.
type MovingAveragePredictor struct {
	// Window is the number of trailing samples averaged. Zero means all.
	Window int
}

// Name identifies the algorithm.
func (p *MovingAveragePredictor) Name() string { return "moving_average" }

// Predict forecasts the windowed mean.
func (p *MovingAveragePredictor) Predict(samples []Sample, horizon time.Duration) (float64, float64, error) {
	if len(samples) == 0 {
		return 0, 0, fmt.Errorf("no samples to predict from")
	}

	window := samples
	if p.Window > 0 && len(samples) > p.Window {
		window = samples[len(samples)-p.Window:]
	}

	var sum float64
	for _, s := range window {
		sum += s.Value
	}
	mean := sum / float64(len(window))

	var variance float64
	for _, s := range window {
		d := s.Value - mean
		variance += d * d
	}
	variance /= float64(len(window))

	// More samples and lower spread mean higher confidence.
	confidence := float64(len(window)) / float64(len(window)+5)
	if mean != 0 {
		rel := variance / (mean * mean)
		confidence /= 1 + rel
	}
	return mean, clamp01(confidence), nil
}

// LinearRegressionPredictor fits value against elapsed seconds with ordinary
// least squares and extrapolates to the horizon. Confidence is the fit's R².
type LinearRegressionPredictor struct{}

// Name identifies the algorithm.
func (p *LinearRegressionPredictor) Name() string { return "linear_regression" }

// Predict extrapolates the fitted line horizon past the newest sample.
func (p *LinearRegressionPredictor) Predict(samples []Sample, horizon time.Duration) (float64, float64, error) {
	if len(samples) < 2 {
		return 0, 0, fmt.Errorf("need at least 2 samples, have %d", len(samples))
	}

	origin := samples[0].Timestamp
	n := float64(len(samples))

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(origin).Seconds()
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, fmt.Errorf("degenerate sample timestamps")
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	// R² against the mean model.
	meanY := sumY / n
	var ssRes, ssTot float64
	for _, s := range samples {
		x := s.Timestamp.Sub(origin).Seconds()
		fit := slope*x + intercept
		ssRes += (s.Value - fit) * (s.Value - fit)
		ssTot += (s.Value - meanY) * (s.Value - meanY)
	}
	confidence := 0.0
	if ssTot > 0 {
		confidence = 1 - ssRes/ssTot
	} else if ssRes == 0 {
		confidence = 1
	}

	target := samples[len(samples)-1].Timestamp.Add(horizon).Sub(origin).Seconds()
	return slope*target + intercept, clamp01(confidence), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// criticalThreshold reports whether a predicted value crosses the target's
// alert-worthy threshold: error rate above 0.1, load time above 5000ms,
// satisfaction below 0.5.
func criticalThreshold(target string, value float64) bool {
	switch target {
	case "error_rate":
		return value > 0.1
	case "load_time":
		return value > 5000
	case "user_satisfaction":
		return value < 0.5
	default:
		return false
	}
}

// PredictionEngine runs registered models over recent log history each tick.
type PredictionEngine struct {
	mu         sync.Mutex
	clock      platform.Clock
	models     map[string]*PredictionModel
	order      []string
	predictors map[string]Predictor
	recent     []Prediction
	maxRecent  int
	totalPreds int
}

// NewPredictionEngine creates an engine with the three default model
// descriptors registered, each backed by a concrete predictor.
func NewPredictionEngine(clock platform.Clock) *PredictionEngine {
	pe := &PredictionEngine{
		clock:      clock,
		models:     make(map[string]*PredictionModel),
		predictors: make(map[string]Predictor),
		maxRecent:  100,
	}

	defaults := []struct {
		model     PredictionModel
		predictor Predictor
	}{
		{
			model: PredictionModel{
				ID:       "error-rate",
				Target:   "error_rate",
				Features: []string{"hour_of_day", "day_of_week", "recent_error_rate"},
				Accuracy: 0.75,
				Enabled:  true,
			},
			predictor: &LinearRegressionPredictor{},
		},
		{
			model: PredictionModel{
				ID:       "performance",
				Target:   "load_time",
				Features: []string{"hour_of_day", "avg_memory", "recent_load_time"},
				Accuracy: 0.7,
				Enabled:  true,
			},
			predictor: &MovingAveragePredictor{Window: 50},
		},
		{
			model: PredictionModel{
				ID:       "user-behavior",
				Target:   "user_satisfaction",
				Features: []string{"recent_error_rate", "recent_load_time"},
				Accuracy: 0.65,
				Enabled:  true,
			},
			predictor: &MovingAveragePredictor{Window: 100},
		},
	}

	for _, d := range defaults {
		if err := pe.AddModel(d.model, d.predictor); err != nil {
			log.Errorf("failed to register default prediction model %s: %v", d.model.ID, err)
		}
	}
	return pe
}

// AddModel registers a model descriptor with its predictor implementation.
func (pe *PredictionEngine) AddModel(m PredictionModel, p Predictor) error {
	if m.ID == "" {
		return fmt.Errorf("prediction model must have a non-empty id")
	}
	if p == nil {
		return fmt.Errorf("prediction model %s needs a predictor", m.ID)
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()

	m.Algorithm = p.Name()
	if _, exists := pe.models[m.ID]; !exists {
		pe.order = append(pe.order, m.ID)
	}
	pe.models[m.ID] = &m
	pe.predictors[m.ID] = p
	return nil
}

// Models returns the registered model descriptors in registration order.
func (pe *PredictionEngine) Models() []PredictionModel {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	out := make([]PredictionModel, 0, len(pe.order))
	for _, id := range pe.order {
		if m, ok := pe.models[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}

// Recent returns the retained predictions, oldest first.
func (pe *PredictionEngine) Recent() []Prediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	out := make([]Prediction, len(pe.recent))
	copy(out, pe.recent)
	return out
}

// Total returns how many predictions have been generated.
func (pe *PredictionEngine) Total() int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.totalPreds
}

// Generate runs every enabled model over the window and returns the
// forecasts that clear the confidence gate.
func (pe *PredictionEngine) Generate(window []*Entry, horizon time.Duration, confidenceGate float64) []Prediction {
	if len(window) == 0 {
		return nil
	}

	now := pe.clock.Now()
	features := extractFeatures(window, now)

	pe.mu.Lock()
	defer pe.mu.Unlock()

	var out []Prediction
	for _, id := range pe.order {
		m, ok := pe.models[id]
		if !ok || !m.Enabled {
			continue
		}
		predictor := pe.predictors[id]

		samples := samplesForTarget(m.Target, window)
		value, confidence, err := predictor.Predict(samples, horizon)
		if err != nil {
			log.Debugf("prediction model %s: %v", id, err)
			continue
		}
		if confidence < confidenceGate {
			continue
		}

		pred := Prediction{
			ID:         uuid.NewString(),
			ModelID:    m.ID,
			Target:     m.Target,
			Value:      value,
			Confidence: confidence,
			Horizon:    horizon,
			Features:   features,
			CreatedAt:  now,
		}
		m.LastTrained = now

		pe.recent = append(pe.recent, pred)
		if len(pe.recent) > pe.maxRecent {
			pe.recent = pe.recent[len(pe.recent)-pe.maxRecent:]
		}
		pe.totalPreds++
		out = append(out, pred)
	}
	return out
}

// extractFeatures derives the shared feature vector from the window.
func extractFeatures(window []*Entry, now time.Time) map[string]float64 {
	var (
		errors  int
		memSum  float64
		loadSum float64
		loadN   int
	)
	for _, e := range window {
		if e.Level == LevelError || e.Level == LevelFatal {
			errors++
		}
		memSum += e.Metadata.MemoryUsage
		if e.Metadata.LoadTimeMs > 0 {
			loadSum += e.Metadata.LoadTimeMs
			loadN++
		}
	}

	features := map[string]float64{
		"hour_of_day":       float64(now.Hour()),
		"day_of_week":       float64(now.Weekday()),
		"recent_error_rate": float64(errors) / float64(len(window)),
		"avg_memory":        memSum / float64(len(window)),
	}
	if loadN > 0 {
		features["recent_load_time"] = loadSum / float64(loadN)
	}
	return features
}

// samplesForTarget converts the window into per-bucket metric observations.
// Entries are grouped into one-minute buckets so trends are visible to the
// regression instead of a flat per-entry series.
func samplesForTarget(target string, window []*Entry) []Sample {
	type bucket struct {
		errors int
		total  int
		load   float64
		loadN  int
	}

	buckets := make(map[int64]*bucket)
	var keys []int64
	for _, e := range window {
		k := e.Timestamp.Unix() / 60
		b, ok := buckets[k]
		if !ok {
			b = &bucket{}
			buckets[k] = b
			keys = append(keys, k)
		}
		b.total++
		if e.Level == LevelError || e.Level == LevelFatal {
			b.errors++
		}
		if e.Metadata.LoadTimeMs > 0 {
			b.load += e.Metadata.LoadTimeMs
			b.loadN++
		}
	}

	// Keys arrive in chronological order because the window is.
	samples := make([]Sample, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		ts := time.Unix(k*60, 0)
		switch target {
		case "error_rate":
			samples = append(samples, Sample{Timestamp: ts, Value: float64(b.errors) / float64(b.total)})
		case "load_time":
			if b.loadN > 0 {
				samples = append(samples, Sample{Timestamp: ts, Value: b.load / float64(b.loadN)})
			}
		case "user_satisfaction":
			// Proxy: satisfaction falls with error rate.
			samples = append(samples, Sample{Timestamp: ts, Value: 1 - float64(b.errors)/float64(b.total)})
		}
	}
	return samples
}
