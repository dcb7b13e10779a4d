package immunity

import (
	"errors"
	"testing"

	"github.com/ledgerstack/resilience/internal/platform"
)

func testContext(componentID, route string) ErrorContext {
	return ErrorContext{
		ComponentID:   componentID,
		Route:         route,
		NetworkStatus: platform.NetworkOnline,
	}
}

func TestStrategySet_MatchingOrder(t *testing.T) {
	ss := newStrategySet()

	strategies := []Strategy{
		{ID: "low", Priority: 5, Enabled: true,
			Conditions: []Condition{{Kind: CondComponent}}},
		{ID: "high", Priority: 1, Enabled: true,
			Conditions: []Condition{{Kind: CondComponent}}},
		{ID: "mid-a", Priority: 3, Enabled: true,
			Conditions: []Condition{{Kind: CondComponent}}},
		{ID: "mid-b", Priority: 3, Enabled: true,
			Conditions: []Condition{{Kind: CondComponent}}},
	}
	for _, s := range strategies {
		if err := ss.add(s); err != nil {
			t.Fatalf("add %s: %v", s.ID, err)
		}
	}

	ctx := testContext("invoice-table", "/invoices")
	matched := ss.matching(errors.New("render failed"), &ctx)

	got := make([]string, len(matched))
	for i, cs := range matched {
		got[i] = cs.ID
	}
	want := []string{"high", "mid-a", "mid-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestStrategySet_TieBreakKeepsRegistrationOrderOnReplace(t *testing.T) {
	ss := newStrategySet()

	base := Strategy{Priority: 1, Enabled: true,
		Conditions: []Condition{{Kind: CondComponent}}}

	first := base
	first.ID = "first"
	second := base
	second.ID = "second"

	if err := ss.add(first); err != nil {
		t.Fatal(err)
	}
	if err := ss.add(second); err != nil {
		t.Fatal(err)
	}
	// Replacing must not move "first" behind "second".
	if err := ss.add(first); err != nil {
		t.Fatal(err)
	}

	ctx := testContext("c", "")
	matched := ss.matching(errors.New("x"), &ctx)
	if len(matched) != 2 || matched[0].ID != "first" {
		t.Fatalf("expected first to keep its registration order, got %v", matched[0].ID)
	}
}

func TestStrategy_EmptyConditionsNeverMatch(t *testing.T) {
	ss := newStrategySet()
	if err := ss.add(Strategy{ID: "bare", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx := testContext("any", "/any")
	if matched := ss.matching(errors.New("anything"), &ctx); len(matched) != 0 {
		t.Errorf("a strategy with no conditions must never match, got %d", len(matched))
	}
}

func TestStrategy_DisabledSkipped(t *testing.T) {
	ss := newStrategySet()
	if err := ss.add(Strategy{ID: "off", Enabled: false,
		Conditions: []Condition{{Kind: CondComponent}}}); err != nil {
		t.Fatal(err)
	}

	ctx := testContext("c", "")
	if matched := ss.matching(errors.New("x"), &ctx); len(matched) != 0 {
		t.Error("disabled strategies must not match")
	}
}

func TestConditionEvaluation(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		err   string
		ctx   ErrorContext
		match bool
	}{
		{
			name:  "error type contains",
			cond:  Condition{Kind: CondErrorType, Value: "network"},
			err:   "Network request timed out",
			ctx:   testContext("", ""),
			match: true,
		},
		{
			name:  "error type equals mismatch",
			cond:  Condition{Kind: CondErrorType, Value: "timeout", Mode: MatchEquals},
			err:   "timeout: upstream",
			ctx:   testContext("", ""),
			match: false,
		},
		{
			name:  "error type regex",
			cond:  Condition{Kind: CondErrorType, Value: `status \d{3}`, Mode: MatchRegex},
			err:   "upstream returned status 503",
			ctx:   testContext("", ""),
			match: true,
		},
		{
			name:  "component any",
			cond:  Condition{Kind: CondComponent},
			err:   "x",
			ctx:   testContext("balance-sheet", ""),
			match: true,
		},
		{
			name:  "component any without component",
			cond:  Condition{Kind: CondComponent},
			err:   "x",
			ctx:   testContext("", "/home"),
			match: false,
		},
		{
			name:  "component exact",
			cond:  Condition{Kind: CondComponent, Value: "ledger-grid"},
			err:   "x",
			ctx:   testContext("ledger-grid", ""),
			match: true,
		},
		{
			name:  "route contains",
			cond:  Condition{Kind: CondRoute, Value: "/invoices"},
			err:   "x",
			ctx:   testContext("", "/invoices/42"),
			match: true,
		},
		{
			name: "network status",
			cond: Condition{Kind: CondNetwork, Value: "offline"},
			err:  "x",
			ctx: ErrorContext{
				NetworkStatus: platform.NetworkOffline,
			},
			match: true,
		},
		{
			name:  "custom expression",
			cond:  Condition{Kind: CondCustom, Expression: `memory_usage > 0.8 or message contains "memory"`},
			err:   "out of memory in report builder",
			ctx:   testContext("", ""),
			match: true,
		},
		{
			name:  "custom expression memory threshold",
			cond:  Condition{Kind: CondCustom, Expression: `memory_usage > 0.8`},
			err:   "slow render",
			ctx:   ErrorContext{MemoryUsage: 0.95},
			match: true,
		},
		{
			name: "custom predicate",
			cond: Condition{Kind: CondCustom, Predicate: func(err error, ctx *ErrorContext) bool {
				return ctx.UserID == "u-1"
			}},
			err:   "x",
			ctx:   ErrorContext{UserID: "u-1"},
			match: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := compileStrategy(Strategy{
				ID: "t", Enabled: true, Conditions: []Condition{tt.cond},
			}, 0)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := cs.matches(errors.New(tt.err), &tt.ctx); got != tt.match {
				t.Errorf("expected match=%v, got %v", tt.match, got)
			}
		})
	}
}

func TestCompileStrategy_Errors(t *testing.T) {
	tests := []struct {
		name string
		s    Strategy
	}{
		{"empty id rejected by set", Strategy{}},
		{"bad regex", Strategy{ID: "r", Conditions: []Condition{
			{Kind: CondErrorType, Value: "(", Mode: MatchRegex}}}},
		{"bad expression", Strategy{ID: "e", Conditions: []Condition{
			{Kind: CondCustom, Expression: "this is not (valid"}}}},
		{"custom without expression or predicate", Strategy{ID: "c", Conditions: []Condition{
			{Kind: CondCustom}}}},
		{"unknown kind", Strategy{ID: "u", Conditions: []Condition{
			{Kind: ConditionKind("mystery")}}}},
	}

	ss := newStrategySet()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ss.add(tt.s); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
