package smartlog

import (
	"fmt"
	"testing"
	"time"
)

func windowEntry(clock *fakeClock, level Level, memory float64, tags ...string) *Entry {
	return &Entry{
		ID:        fmt.Sprintf("w%d", clock.Now().UnixNano()),
		Timestamp: clock.Now(),
		Level:     level,
		Message:   "window entry",
		Metadata:  Metadata{MemoryUsage: memory},
		Tags:      tags,
	}
}

func TestAnomalyDetector_HighErrorRate(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	// 11 errors in-window beats the built-in threshold of 10.
	var window []*Entry
	for i := 0; i < 11; i++ {
		window = append(window, windowEntry(clock, LevelError, 0.2))
	}

	triggered := d.Scan(window)
	if len(triggered) != 1 || triggered[0].ID != "high-error-rate" {
		t.Fatalf("expected high-error-rate to trigger, got %+v", triggered)
	}
	if d.Triggers() != 1 {
		t.Errorf("expected 1 recorded trigger, got %d", d.Triggers())
	}
}

func TestAnomalyDetector_CooldownBlocksRetrigger(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	window := []*Entry{windowEntry(clock, LevelInfo, 0.95)}
	window = append(window, windowEntry(clock, LevelInfo, 0.95))

	if got := d.Scan(window); len(got) != 1 || got[0].ID != "high-memory" {
		t.Fatalf("expected high-memory to trigger, got %+v", got)
	}

	// Inside the 10-minute cooldown nothing fires.
	clock.Advance(time.Minute)
	window = []*Entry{windowEntry(clock, LevelInfo, 0.95)}
	if got := d.Scan(window); len(got) != 0 {
		t.Errorf("pattern in cooldown must not retrigger, got %+v", got)
	}

	// After the cooldown it fires again.
	clock.Advance(10 * time.Minute)
	window = []*Entry{windowEntry(clock, LevelInfo, 0.95)}
	if got := d.Scan(window); len(got) != 1 {
		t.Errorf("expected retrigger after cooldown, got %+v", got)
	}
	if d.Triggers() != 2 {
		t.Errorf("expected 2 triggers total, got %d", d.Triggers())
	}
}

func TestAnomalyDetector_TagsArrayMembership(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	// Six offline-tagged entries beat the network-issues threshold of 5.
	// Entries tagged otherwise must not count.
	var window []*Entry
	for i := 0; i < 6; i++ {
		window = append(window, windowEntry(clock, LevelWarn, 0.2, "offline"))
	}
	window = append(window, windowEntry(clock, LevelWarn, 0.2, "high-memory"))

	triggered := d.Scan(window)
	if len(triggered) != 1 || triggered[0].ID != "network-issues" {
		t.Errorf("expected network-issues to trigger on tag membership, got %+v", triggered)
	}
}

func TestAnomalyDetector_WindowCutoffExcludesOldEntries(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	var window []*Entry
	for i := 0; i < 11; i++ {
		window = append(window, windowEntry(clock, LevelError, 0.2))
	}
	// Entries now fall outside the 5-minute condition window.
	clock.Advance(20 * time.Minute)

	if got := d.Scan(window); len(got) != 0 {
		t.Errorf("stale entries must not trigger, got %+v", got)
	}
}

func TestAnomalyDetector_CustomExpression(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	err := d.Add(AnomalyPattern{
		ID:       "fatal-burst",
		Name:     "Fatal Burst",
		Type:     PatternFrequency,
		Severity: AnomalyCritical,
		Enabled:  true,
		Cooldown: time.Minute,
		Conditions: []AnomalyCondition{
			{Field: "level", Aggregation: AggCount, Comparison: CmpCustom,
				Value: "fatal", Window: 5 * time.Minute,
				Expression: "value >= 2 and count >= 2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	window := []*Entry{
		windowEntry(clock, LevelFatal, 0.2),
		windowEntry(clock, LevelFatal, 0.2),
	}
	var found bool
	for _, p := range d.Scan(window) {
		if p.ID == "fatal-burst" {
			found = true
		}
	}
	if !found {
		t.Error("expected custom expression pattern to trigger")
	}
}

func TestAnomalyDetector_RegexCondition(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	err := d.Add(AnomalyPattern{
		ID:       "http-5xx",
		Name:     "Upstream 5xx",
		Type:     PatternPattern,
		Severity: AnomalyHigh,
		Enabled:  true,
		Cooldown: time.Minute,
		Conditions: []AnomalyCondition{
			{Field: "message", Aggregation: AggCount, Comparison: CmpRegex,
				Value: `status 5\d\d`, Threshold: 1, Window: 5 * time.Minute},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	mk := func(msg string) *Entry {
		e := windowEntry(clock, LevelError, 0.2)
		e.Message = msg
		return e
	}
	window := []*Entry{
		mk("upstream returned status 502"),
		mk("upstream returned status 503"),
		mk("upstream returned status 200"),
	}

	var found bool
	for _, p := range d.Scan(window) {
		if p.ID == "http-5xx" {
			found = true
		}
	}
	if !found {
		t.Error("expected regex pattern to trigger on two 5xx entries")
	}
}

func TestAnomalyDetector_AddValidation(t *testing.T) {
	d := NewAnomalyDetector(newFakeClock(), 1.0)

	if err := d.Add(AnomalyPattern{}); err == nil {
		t.Error("empty id must be rejected")
	}
	if err := d.Add(AnomalyPattern{ID: "bad-re", Conditions: []AnomalyCondition{
		{Comparison: CmpRegex, Value: "("},
	}}); err == nil {
		t.Error("invalid regex must be rejected")
	}
	if err := d.Add(AnomalyPattern{ID: "bad-expr", Conditions: []AnomalyCondition{
		{Comparison: CmpCustom, Expression: "value >"},
	}}); err == nil {
		t.Error("invalid expression must be rejected")
	}
	if err := d.Add(AnomalyPattern{ID: "no-expr", Conditions: []AnomalyCondition{
		{Comparison: CmpCustom},
	}}); err == nil {
		t.Error("custom comparison without expression must be rejected")
	}
}

func TestAnomalyDetector_DisabledPatternSkipped(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 1.0)

	for _, p := range d.Patterns() {
		p.Enabled = false
		if err := d.Add(p); err != nil {
			t.Fatal(err)
		}
	}

	var window []*Entry
	for i := 0; i < 20; i++ {
		window = append(window, windowEntry(clock, LevelError, 0.95))
	}
	if got := d.Scan(window); len(got) != 0 {
		t.Errorf("disabled patterns must not trigger, got %+v", got)
	}
}

func TestAnomalyDetector_ThresholdMultiplierScales(t *testing.T) {
	clock := newFakeClock()
	d := NewAnomalyDetector(clock, 2.0)

	// 11 errors would beat the base threshold of 10 but not the scaled 20.
	var window []*Entry
	for i := 0; i < 11; i++ {
		window = append(window, windowEntry(clock, LevelError, 0.2))
	}
	if got := d.Scan(window); len(got) != 0 {
		t.Errorf("scaled threshold should suppress the trigger, got %+v", got)
	}
}

func TestAnomalyDetector_Remove(t *testing.T) {
	d := NewAnomalyDetector(newFakeClock(), 1.0)

	before := len(d.Patterns())
	d.Remove("high-memory")
	after := d.Patterns()
	if len(after) != before-1 {
		t.Fatalf("expected one fewer pattern, got %d", len(after))
	}
	for _, p := range after {
		if p.ID == "high-memory" {
			t.Error("removed pattern still listed")
		}
	}
}
