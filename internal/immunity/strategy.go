package immunity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

// exprEnv is the variable set custom condition expressions evaluate against.
func exprEnv(err error, ctx *ErrorContext) map[string]interface{} {
	return map[string]interface{}{
		"message":      err.Error(),
		"component":    ctx.ComponentID,
		"route":        ctx.Route,
		"network":      string(ctx.NetworkStatus),
		"memory_usage": ctx.MemoryUsage,
		"user_id":      ctx.UserID,
		"session_id":   ctx.SessionID,
	}
}

// compiledStrategy pairs a registered strategy with its precompiled
// condition machinery. Expressions and regexes compile once at registration.
type compiledStrategy struct {
	Strategy
	order    int // registration order, breaks priority ties
	programs map[int]*vm.Program
	regexes  map[int]*regexp.Regexp
}

func compileStrategy(s Strategy, order int) (*compiledStrategy, error) {
	cs := &compiledStrategy{
		Strategy: s,
		order:    order,
		programs: make(map[int]*vm.Program),
		regexes:  make(map[int]*regexp.Regexp),
	}

	for i, cond := range s.Conditions {
		switch cond.Kind {
		case CondErrorType, CondRoute:
			if cond.Mode == MatchRegex {
				re, err := regexp.Compile(cond.Value)
				if err != nil {
					return nil, fmt.Errorf("strategy %s condition %d: invalid regex: %w", s.ID, i, err)
				}
				cs.regexes[i] = re
			}
		case CondComponent, CondNetwork:
			// Plain comparisons, nothing to compile.
		case CondCustom:
			if cond.Expression != "" {
				program, err := expr.Compile(cond.Expression,
					expr.Env(exprEnv(errors.New("probe"), &ErrorContext{})), expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("strategy %s condition %d: failed to compile expression: %w", s.ID, i, err)
				}
				cs.programs[i] = program
			} else if cond.Predicate == nil {
				return nil, fmt.Errorf("strategy %s condition %d: custom condition needs an expression or predicate", s.ID, i)
			}
		default:
			return nil, fmt.Errorf("strategy %s condition %d: unknown condition kind %q", s.ID, i, cond.Kind)
		}
	}
	return cs, nil
}

// matches reports whether every condition of the strategy holds. A strategy
// with no conditions never matches.
func (cs *compiledStrategy) matches(err error, ctx *ErrorContext) bool {
	if len(cs.Conditions) == 0 {
		return false
	}

	for i, cond := range cs.Conditions {
		if !cs.evalCondition(i, cond, err, ctx) {
			return false
		}
	}
	return true
}

func (cs *compiledStrategy) evalCondition(i int, cond Condition, err error, ctx *ErrorContext) bool {
	switch cond.Kind {
	case CondErrorType:
		return matchString(err.Error(), cond, cs.regexes[i])
	case CondComponent:
		if cond.Value == "" {
			return ctx.ComponentID != ""
		}
		return ctx.ComponentID == cond.Value
	case CondRoute:
		return matchString(ctx.Route, cond, cs.regexes[i])
	case CondNetwork:
		return string(ctx.NetworkStatus) == cond.Value
	case CondCustom:
		if program, ok := cs.programs[i]; ok {
			out, runErr := expr.Run(program, exprEnv(err, ctx))
			if runErr != nil {
				log.Debugf("strategy %s: custom condition failed to evaluate: %v", cs.ID, runErr)
				return false
			}
			result, _ := out.(bool)
			return result
		}
		return cond.Predicate(err, ctx)
	default:
		return false
	}
}

func matchString(value string, cond Condition, re *regexp.Regexp) bool {
	switch cond.Mode {
	case MatchEquals:
		return value == cond.Value
	case MatchRegex:
		if re == nil {
			return false
		}
		return re.MatchString(value)
	default: // MatchContains
		return strings.Contains(strings.ToLower(value), strings.ToLower(cond.Value))
	}
}

// strategySet holds the registered strategies and answers match queries.
type strategySet struct {
	mu         sync.RWMutex
	strategies map[string]*compiledStrategy
	nextOrder  int
}

func newStrategySet() *strategySet {
	return &strategySet{strategies: make(map[string]*compiledStrategy)}
}

// add registers a strategy, compiling its conditions. Re-adding an id
// replaces the previous strategy but keeps its registration order.
func (ss *strategySet) add(s Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("strategy must have a non-empty id")
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	order := ss.nextOrder
	if existing, ok := ss.strategies[s.ID]; ok {
		order = existing.order
	} else {
		ss.nextOrder++
	}

	cs, err := compileStrategy(s, order)
	if err != nil {
		return err
	}
	ss.strategies[s.ID] = cs
	return nil
}

// remove drops a strategy by id.
func (ss *strategySet) remove(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.strategies, id)
}

// matching returns the enabled strategies whose conditions all hold, sorted
// by ascending priority with registration order breaking ties.
func (ss *strategySet) matching(err error, ctx *ErrorContext) []*compiledStrategy {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var matched []*compiledStrategy
	for _, cs := range ss.strategies {
		if !cs.Enabled {
			continue
		}
		if cs.matches(err, ctx) {
			matched = append(matched, cs)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].order < matched[j].order
	})
	return matched
}

// list returns all registered strategies in registration order.
func (ss *strategySet) list() []Strategy {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	ordered := make([]*compiledStrategy, 0, len(ss.strategies))
	for _, cs := range ss.strategies {
		ordered = append(ordered, cs)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]Strategy, len(ordered))
	for i, cs := range ordered {
		out[i] = cs.Strategy
	}
	return out
}
