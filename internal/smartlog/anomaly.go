package smartlog

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ledgerstack/resilience/internal/platform"
)

// AnomalyDetector evaluates registered patterns over the recent log window.
// Patterns in cooldown are skipped; a pattern's lastTriggered timestamp is
// the only mutable field on a registered pattern.
type AnomalyDetector struct {
	mu       sync.Mutex
	clock    platform.Clock
	patterns map[string]*AnomalyPattern
	order    []string
	programs map[string]*vm.Program
	regexes  map[string]*regexp.Regexp
	triggers int
}

// NewAnomalyDetector creates a detector with the built-in patterns
// registered. The threshold multiplier scales built-in thresholds so
// sensitivity can be tuned without redefining patterns.
func NewAnomalyDetector(clock platform.Clock, thresholdMult float64) *AnomalyDetector {
	d := &AnomalyDetector{
		clock:    clock,
		patterns: make(map[string]*AnomalyPattern),
		programs: make(map[string]*vm.Program),
		regexes:  make(map[string]*regexp.Regexp),
	}
	if thresholdMult <= 0 {
		thresholdMult = 1.0
	}
	for _, p := range builtinPatterns(thresholdMult) {
		if err := d.Add(p); err != nil {
			log.Errorf("failed to register built-in anomaly pattern %s: %v", p.ID, err)
		}
	}
	return d
}

// builtinPatterns returns the four default patterns scaled by mult.
func builtinPatterns(mult float64) []AnomalyPattern {
	return []AnomalyPattern{
		{
			ID:       "high-error-rate",
			Name:     "High Error Rate",
			Type:     PatternErrorRate,
			Severity: AnomalyHigh,
			Enabled:  true,
			Cooldown: 10 * time.Minute,
			Conditions: []AnomalyCondition{
				{Field: "level", Aggregation: AggCount, Comparison: CmpGT,
					Threshold: 10 * mult, Value: "error", Window: 5 * time.Minute},
			},
		},
		{
			ID:       "high-memory",
			Name:     "High Memory Usage",
			Type:     PatternPerformance,
			Severity: AnomalyMedium,
			Enabled:  true,
			Cooldown: 10 * time.Minute,
			Conditions: []AnomalyCondition{
				{Field: "metadata.memory_usage", Aggregation: AggAvg, Comparison: CmpGT,
					Threshold: 0.85, Window: 5 * time.Minute},
			},
		},
		{
			ID:       "performance-degradation",
			Name:     "Performance Degradation",
			Type:     PatternPerformance,
			Severity: AnomalyMedium,
			Enabled:  true,
			Cooldown: 15 * time.Minute,
			Conditions: []AnomalyCondition{
				{Field: "metadata.load_time_ms", Aggregation: AggAvg, Comparison: CmpGT,
					Threshold: 3000 * mult, Window: 10 * time.Minute},
			},
		},
		{
			ID:       "network-issues",
			Name:     "Network Issues",
			Type:     PatternFrequency,
			Severity: AnomalyHigh,
			Enabled:  true,
			Cooldown: 10 * time.Minute,
			Conditions: []AnomalyCondition{
				{Field: "tags", Aggregation: AggCount, Comparison: CmpGT,
					Threshold: 5 * mult, Value: "offline", Window: 5 * time.Minute},
			},
		},
	}
}

// Add registers a pattern, compiling any custom expressions and regexes.
// Re-adding an id replaces the pattern and resets its cooldown.
func (d *AnomalyDetector) Add(p AnomalyPattern) error {
	if p.ID == "" {
		return fmt.Errorf("anomaly pattern must have a non-empty id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, cond := range p.Conditions {
		key := condKey(p.ID, i)
		switch cond.Comparison {
		case CmpRegex:
			re, err := regexp.Compile(cond.Value)
			if err != nil {
				return fmt.Errorf("pattern %s condition %d: invalid regex: %w", p.ID, i, err)
			}
			d.regexes[key] = re
		case CmpCustom:
			if cond.Expression == "" {
				return fmt.Errorf("pattern %s condition %d: custom comparison needs an expression", p.ID, i)
			}
			program, err := expr.Compile(cond.Expression,
				expr.Env(map[string]interface{}{"value": 0.0, "count": 0}), expr.AsBool())
			if err != nil {
				return fmt.Errorf("pattern %s condition %d: failed to compile expression: %w", p.ID, i, err)
			}
			d.programs[key] = program
		}
	}

	if _, exists := d.patterns[p.ID]; !exists {
		d.order = append(d.order, p.ID)
	}
	d.patterns[p.ID] = &p
	return nil
}

// Remove drops a pattern by id.
func (d *AnomalyDetector) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.patterns, id)
	for i, ordered := range d.order {
		if ordered == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Patterns returns the registered patterns in registration order.
func (d *AnomalyDetector) Patterns() []AnomalyPattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AnomalyPattern, 0, len(d.order))
	for _, id := range d.order {
		if p, ok := d.patterns[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Triggers returns how many pattern triggers have occurred.
func (d *AnomalyDetector) Triggers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

// Scan evaluates every enabled pattern against the window and returns the
// patterns that triggered. Cooldowns are enforced and stamped here.
func (d *AnomalyDetector) Scan(window []*Entry) []AnomalyPattern {
	if len(window) == 0 {
		return nil
	}

	// Serialize once; conditions address fields by dot path.
	docs := make([]gjson.Result, 0, len(window))
	for _, e := range window {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		docs = append(docs, gjson.ParseBytes(raw))
	}

	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var triggered []AnomalyPattern
	for _, id := range d.order {
		p, ok := d.patterns[id]
		if !ok || !p.Enabled {
			continue
		}
		if !p.LastTrigger.IsZero() && now.Sub(p.LastTrigger) < p.Cooldown {
			continue
		}

		for i, cond := range p.Conditions {
			if d.evalCondition(condKey(p.ID, i), cond, window, docs, now) {
				p.LastTrigger = now
				d.triggers++
				triggered = append(triggered, *p)
				break // first satisfied condition triggers the pattern
			}
		}
	}
	return triggered
}

func condKey(patternID string, i int) string {
	return fmt.Sprintf("%s#%d", patternID, i)
}

// evalCondition aggregates the condition's field over in-window entries and
// compares the result against the threshold.
func (d *AnomalyDetector) evalCondition(key string, cond AnomalyCondition, window []*Entry, docs []gjson.Result, now time.Time) bool {
	cutoff := now.Add(-cond.Window)

	var (
		count int
		sum   float64
		min   float64
		max   float64
		first = true
	)

	for i, e := range window {
		if i >= len(docs) {
			break
		}
		if cond.Window > 0 && e.Timestamp.Before(cutoff) {
			continue
		}

		field := docs[i].Get(cond.Field)
		if !field.Exists() {
			continue
		}

		// String-valued comparisons filter which entries count.
		if cond.Value != "" {
			switch cond.Comparison {
			case CmpContains:
				if !strings.Contains(strings.ToLower(field.String()), strings.ToLower(cond.Value)) {
					continue
				}
			case CmpRegex:
				if re := d.regexes[key]; re == nil || !re.MatchString(field.String()) {
					continue
				}
			default:
				if !fieldMatchesValue(field, cond.Value) {
					continue
				}
			}
		}

		v := field.Float()
		count++
		sum += v
		if first || v < min {
			min = v
		}
		if first || v > max {
			max = v
		}
		first = false
	}

	var aggregate float64
	switch cond.Aggregation {
	case AggAvg:
		if count == 0 {
			return false
		}
		aggregate = sum / float64(count)
	case AggSum:
		aggregate = sum
	case AggMin:
		if count == 0 {
			return false
		}
		aggregate = min
	case AggMax:
		if count == 0 {
			return false
		}
		aggregate = max
	default: // AggCount
		aggregate = float64(count)
	}

	switch cond.Comparison {
	case CmpGT:
		return aggregate > cond.Threshold
	case CmpLT:
		return aggregate < cond.Threshold
	case CmpEQ:
		return aggregate == cond.Threshold
	case CmpNE:
		return aggregate != cond.Threshold
	case CmpContains, CmpRegex:
		// The string filter above already selected entries; the threshold
		// still applies to how many matched.
		return aggregate > cond.Threshold
	case CmpCustom:
		program := d.programs[key]
		if program == nil {
			return false
		}
		out, err := expr.Run(program, map[string]interface{}{"value": aggregate, "count": count})
		if err != nil {
			log.Debugf("anomaly condition %s: expression failed: %v", key, err)
			return false
		}
		result, _ := out.(bool)
		return result
	default:
		return false
	}
}

// fieldMatchesValue compares a field against the condition value, handling
// arrays (tags) by membership.
func fieldMatchesValue(field gjson.Result, value string) bool {
	if field.IsArray() {
		for _, item := range field.Array() {
			if item.String() == value {
				return true
			}
		}
		return false
	}
	return field.String() == value
}
