package smartlog

import (
	"math"
	"testing"
	"time"
)

func TestLinearRegressionPredictor_ExtrapolatesRamp(t *testing.T) {
	p := &LinearRegressionPredictor{}

	// Perfect ramp: value climbs 1.0 per minute.
	origin := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, Sample{
			Timestamp: origin.Add(time.Duration(i) * time.Minute),
			Value:     float64(i),
		})
	}

	value, confidence, err := p.Predict(samples, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// Newest sample is 9 at minute 9; five minutes ahead the line reaches 14.
	if math.Abs(value-14) > 1e-6 {
		t.Errorf("expected extrapolation to 14, got %v", value)
	}
	if confidence < 0.999 {
		t.Errorf("perfect fit should have confidence ~1, got %v", confidence)
	}
}

func TestLinearRegressionPredictor_Errors(t *testing.T) {
	p := &LinearRegressionPredictor{}

	if _, _, err := p.Predict(nil, time.Minute); err == nil {
		t.Error("no samples must be an error")
	}
	if _, _, err := p.Predict([]Sample{{Value: 1}}, time.Minute); err == nil {
		t.Error("a single sample must be an error")
	}

	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	degenerate := []Sample{{Timestamp: ts, Value: 1}, {Timestamp: ts, Value: 2}}
	if _, _, err := p.Predict(degenerate, time.Minute); err == nil {
		t.Error("identical timestamps must be an error")
	}
}

func TestMovingAveragePredictor_WindowedMean(t *testing.T) {
	p := &MovingAveragePredictor{Window: 3}

	var samples []Sample
	for _, v := range []float64{100, 100, 10, 10, 10} {
		samples = append(samples, Sample{Value: v})
	}

	value, confidence, err := p.Predict(samples, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if value != 10 {
		t.Errorf("expected windowed mean 10, got %v", value)
	}
	if confidence <= 0 || confidence > 1 {
		t.Errorf("confidence out of range: %v", confidence)
	}
}

func TestMovingAveragePredictor_ConfidenceFallsWithVariance(t *testing.T) {
	p := &MovingAveragePredictor{}

	steady := make([]Sample, 20)
	for i := range steady {
		steady[i] = Sample{Value: 5}
	}
	noisy := make([]Sample, 20)
	for i := range noisy {
		if i%2 == 0 {
			noisy[i] = Sample{Value: 1}
		} else {
			noisy[i] = Sample{Value: 9}
		}
	}

	_, steadyConf, err := p.Predict(steady, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, noisyConf, err := p.Predict(noisy, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if noisyConf >= steadyConf {
		t.Errorf("noisy series should be less confident: steady=%v noisy=%v", steadyConf, noisyConf)
	}
}

func TestCriticalThreshold(t *testing.T) {
	tests := []struct {
		target string
		value  float64
		want   bool
	}{
		{"error_rate", 0.05, false},
		{"error_rate", 0.15, true},
		{"load_time", 4000, false},
		{"load_time", 6000, true},
		{"user_satisfaction", 0.8, false},
		{"user_satisfaction", 0.3, true},
		{"unknown_metric", 999, false},
	}
	for _, tt := range tests {
		if got := criticalThreshold(tt.target, tt.value); got != tt.want {
			t.Errorf("criticalThreshold(%s, %v) = %v, want %v", tt.target, tt.value, got, tt.want)
		}
	}
}

func TestPredictionEngine_GenerateGatesOnConfidence(t *testing.T) {
	clock := newFakeClock()
	pe := NewPredictionEngine(clock)

	// A clean worsening error ramp across minute buckets: the regression
	// model fits it with high confidence.
	var window []*Entry
	base := clock.Now().Add(-30 * time.Minute)
	for minute := 0; minute < 10; minute++ {
		for i := 0; i < 10; i++ {
			level := LevelInfo
			if i < minute {
				level = LevelError
			}
			window = append(window, &Entry{
				Timestamp: base.Add(time.Duration(minute) * time.Minute),
				Level:     level,
				Metadata:  Metadata{LoadTimeMs: 1000},
			})
		}
	}

	preds := pe.Generate(window, time.Hour, 0.7)
	var sawErrorRate bool
	for _, pred := range preds {
		if pred.Target == "error_rate" {
			sawErrorRate = true
			if pred.Confidence < 0.7 {
				t.Errorf("gated prediction below threshold: %v", pred.Confidence)
			}
			if pred.Value <= 0.09 {
				t.Errorf("worsening ramp should predict a higher error rate, got %v", pred.Value)
			}
		}
	}
	if !sawErrorRate {
		t.Error("expected an error_rate prediction from the ramp")
	}

	// An impossible gate retains nothing.
	if got := pe.Generate(window, time.Hour, 1.1); len(got) != 0 {
		t.Errorf("confidence gate above 1 should drop everything, got %d", len(got))
	}

	if pe.Total() == 0 {
		t.Error("expected generated predictions counted")
	}
	if len(pe.Recent()) == 0 {
		t.Error("expected predictions retained")
	}
}

func TestPredictionEngine_AddModelValidation(t *testing.T) {
	pe := NewPredictionEngine(newFakeClock())

	if err := pe.AddModel(PredictionModel{}, &MovingAveragePredictor{}); err == nil {
		t.Error("empty model id must be rejected")
	}
	if err := pe.AddModel(PredictionModel{ID: "m"}, nil); err == nil {
		t.Error("nil predictor must be rejected")
	}

	if err := pe.AddModel(PredictionModel{ID: "custom", Target: "error_rate", Enabled: true},
		&LinearRegressionPredictor{}); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range pe.Models() {
		if m.ID == "custom" && m.Algorithm == "linear_regression" {
			found = true
		}
	}
	if !found {
		t.Error("registered model should list with its predictor's algorithm")
	}
}
