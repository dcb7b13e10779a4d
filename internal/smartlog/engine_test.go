package smartlog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerstack/resilience/internal/platform"
	"github.com/ledgerstack/resilience/internal/store"
)

// fakeClock is the package's manual test clock. Sleep advances it so code
// under test never blocks on real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(cfg Config) (*Engine, *fakeClock, *store.MemoryStore) {
	clock := newFakeClock()
	st := store.NewMemoryStore(1000)
	e := New(cfg, Deps{
		Clock:  clock,
		Probe:  platform.NewStaticProbe(platform.NetworkOnline),
		Memory: platform.NewFixedSampler(0.3),
		Store:  st,
	})
	return e, clock, st
}

func TestEngine_MinLevelFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinLevel = LevelWarn
	e, _, _ := newTestEngine(cfg)

	e.Debug("noise", "test", nil)
	e.Info("still noise", "test", nil)
	e.Warn("kept", "test", nil)
	e.Error("also kept", "test", nil)

	if got := e.BufferLen(); got != 2 {
		t.Errorf("expected 2 buffered entries, got %d", got)
	}
}

func TestEngine_ExcludePatternsDropSecrets(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	e.Info("user Password rejected by upstream", "auth", nil)
	e.Info("refreshing API-KEY for tenant", "auth", nil)
	e.Info("login succeeded", "auth", nil)

	logs := e.Logs("", "auth", 0)
	if len(logs) != 1 || logs[0].Message != "login succeeded" {
		t.Errorf("expected only the clean entry to survive, got %+v", logs)
	}
}

func TestEngine_IncludePatternsAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncludePatterns = []string{"invoice"}
	e, _, _ := newTestEngine(cfg)

	e.Info("invoice 42 posted", "billing", nil)
	e.Info("session refreshed", "auth", nil)

	if got := e.BufferLen(); got != 1 {
		t.Errorf("include allow-list should keep 1 entry, got %d", got)
	}
}

func TestEngine_MessageTruncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageBytes = 10
	e, _, _ := newTestEngine(cfg)

	e.Info(strings.Repeat("x", 50), "test", nil)

	logs := e.Logs("", "", 0)
	if len(logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(logs))
	}
	if len(logs[0].Message) != 10 {
		t.Errorf("expected message truncated to 10 bytes, got %d", len(logs[0].Message))
	}
}

func TestEngine_EntryEnrichment(t *testing.T) {
	cfg := DefaultConfig()
	clock := newFakeClock()
	e := New(cfg, Deps{
		Clock:  clock,
		Probe:  platform.NewStaticProbe(platform.NetworkOffline),
		Memory: platform.NewFixedSampler(0.9),
		Store:  store.NewMemoryStore(100),
	})

	e.Info("sync deferred", "network", map[string]interface{}{
		"load_time_ms": 1234.0,
		"component":    "sync-panel",
	})

	logs := e.Logs("", "", 0)
	if len(logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(logs))
	}
	entry := logs[0]
	if entry.ID == "" || entry.CorrelationID == "" {
		t.Error("expected id and correlation id assigned")
	}
	if entry.Metadata.NetworkQuality != platform.NetworkOffline {
		t.Errorf("expected offline metadata, got %s", entry.Metadata.NetworkQuality)
	}
	if entry.Metadata.LoadTimeMs != 1234.0 {
		t.Errorf("expected load time lifted from context, got %v", entry.Metadata.LoadTimeMs)
	}
	if entry.Source.Component != "sync-panel" {
		t.Errorf("expected component lifted from context, got %q", entry.Source.Component)
	}

	var hasOffline, hasHighMem bool
	for _, tag := range entry.Tags {
		switch tag {
		case "offline":
			hasOffline = true
		case "high-memory":
			hasHighMem = true
		}
	}
	if !hasOffline || !hasHighMem {
		t.Errorf("expected offline and high-memory tags, got %v", entry.Tags)
	}
}

func TestEngine_MetadataLiftedFromContext(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	e.Info("page ready", "render", map[string]interface{}{
		"user_agent": "LedgerStack/1.4",
		"url":        "/invoices/42",
		"referrer":   "/invoices",
	})

	logs := e.Logs("", "", 0)
	if len(logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(logs))
	}
	md := logs[0].Metadata
	if md.UserAgent != "LedgerStack/1.4" || md.URL != "/invoices/42" || md.Referrer != "/invoices" {
		t.Errorf("expected client metadata lifted from context, got %+v", md)
	}
}

func TestEngine_CallerAttribution(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	e.Info("via wrapper", "test", nil)
	e.Log(LevelInfo, "direct", "test", nil)

	logs := e.Logs("", "", 0)
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}
	for _, entry := range logs {
		if !strings.HasSuffix(entry.Source.File, "engine_test.go") {
			t.Errorf("entry %q attributed to %s, want this test file", entry.Message, entry.Source.File)
		}
		if !strings.Contains(entry.Source.Function, "TestEngine_CallerAttribution") {
			t.Errorf("entry %q attributed to %s, want the calling function", entry.Message, entry.Source.Function)
		}
	}
}

func TestEngine_PredictionLookbackExcludesStaleEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PredictionLookback = 10 * time.Minute
	e, clock, _ := newTestEngine(cfg)

	// A clean worsening ramp, one bucket per minute, so the regression model
	// would forecast with full confidence if it saw the entries.
	ramp := func() {
		for minute := 0; minute < 5; minute++ {
			for i := 0; i < minute; i++ {
				e.Error("payment gateway 502", "billing", nil)
			}
			for i := minute; i < 10; i++ {
				e.Info("payment processed", "billing", nil)
			}
			clock.Advance(time.Minute)
		}
	}

	ramp()
	clock.Advance(time.Hour)

	e.generatePredictions(cfg, e.buffer.last(cfg.AnomalyWindow))
	if got := e.predictor.Total(); got != 0 {
		t.Fatalf("entries older than the lookback must not feed forecasts, got %d", got)
	}

	ramp()
	e.generatePredictions(cfg, e.buffer.last(cfg.AnomalyWindow))
	if e.predictor.Total() == 0 {
		t.Error("expected forecasts from entries inside the lookback")
	}
}

func TestEngine_ErrorEntriesPersistImmediately(t *testing.T) {
	e, _, st := newTestEngine(DefaultConfig())

	e.Info("buffered only", "test", nil)
	e.Error("disk write failed", "storage", nil)

	if got := st.Len(); got != 1 {
		t.Errorf("error entries must persist without waiting for flush, got %d records", got)
	}

	logs := e.Logs(LevelError, "", 0)
	if len(logs) != 1 || logs[0].StackTrace == "" {
		t.Error("error entries should carry a stack trace")
	}
}

func TestEngine_LogsQueryFilters(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	e.Info("a", "auth", nil)
	e.Warn("b", "auth", nil)
	e.Info("c", "billing", nil)
	e.Info("d", "billing", nil)

	if got := e.Logs(LevelWarn, "", 0); len(got) != 1 || got[0].Message != "b" {
		t.Errorf("level filter failed: %+v", got)
	}
	if got := e.Logs("", "billing", 0); len(got) != 2 {
		t.Errorf("category filter failed: %+v", got)
	}
	if got := e.Logs("", "", 2); len(got) != 2 || got[1].Message != "d" {
		t.Errorf("limit should keep the newest entries, got %+v", got)
	}
}

func TestEngine_FlushDrainsPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushBatchSize = 2
	e, _, st := newTestEngine(cfg)

	for i := 0; i < 5; i++ {
		e.Info("entry", "test", nil)
	}
	e.flush(context.Background())

	if got := st.Len(); got != 5 {
		t.Errorf("expected 5 persisted records after flush, got %d", got)
	}
	// A second flush with nothing pending is a no-op.
	e.flush(context.Background())
	if got := st.Len(); got != 5 {
		t.Errorf("expected flush to be idempotent, got %d records", got)
	}
}

func TestEngine_ReportTrends(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	// 1 error in 4 entries: 25% error rate, far above the 5% baseline.
	e.Info("ok", "render", map[string]interface{}{"load_time_ms": 3000.0})
	e.Info("ok", "render", map[string]interface{}{"load_time_ms": 3000.0})
	e.Info("ok", "render", nil)
	e.Error("boom", "render", nil)

	rep := e.Report(time.Hour)
	if rep.TotalEntries != 4 {
		t.Fatalf("expected 4 entries in period, got %d", rep.TotalEntries)
	}
	if rep.ErrorRate != 0.25 {
		t.Errorf("expected error rate 0.25, got %v", rep.ErrorRate)
	}
	if rep.ErrorRateTrend != "increasing" {
		t.Errorf("expected increasing error trend, got %q", rep.ErrorRateTrend)
	}
	if rep.AvgLoadTimeMs != 3000 {
		t.Errorf("expected avg load time 3000, got %v", rep.AvgLoadTimeMs)
	}
	if rep.LoadTimeTrend != "increasing" {
		t.Errorf("expected increasing load trend, got %q", rep.LoadTimeTrend)
	}
	if rep.ByLevel[LevelInfo] != 3 || rep.ByLevel[LevelError] != 1 {
		t.Errorf("unexpected level buckets: %v", rep.ByLevel)
	}
	if rep.ByCategory["render"] != 4 {
		t.Errorf("unexpected category buckets: %v", rep.ByCategory)
	}
}

func TestEngine_ReportStableTrend(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	for i := 0; i < 20; i++ {
		e.Info("fine", "render", map[string]interface{}{"load_time_ms": 2000.0})
	}
	e.Error("one-off", "render", nil)

	rep := e.Report(time.Hour)
	// 1/21 errors is within the stable band around the 5% baseline.
	if rep.ErrorRateTrend != "stable" {
		t.Errorf("expected stable error trend at %.3f, got %q", rep.ErrorRate, rep.ErrorRateTrend)
	}
	if rep.LoadTimeTrend != "stable" {
		t.Errorf("expected stable load trend, got %q", rep.LoadTimeTrend)
	}
}

func TestEngine_ReportPeriodCutoff(t *testing.T) {
	e, clock, _ := newTestEngine(DefaultConfig())

	e.Info("old", "test", nil)
	clock.Advance(2 * time.Hour)
	e.Info("fresh", "test", nil)

	rep := e.Report(time.Hour)
	if rep.TotalEntries != 1 {
		t.Errorf("expected only the fresh entry in a 1h period, got %d", rep.TotalEntries)
	}
}

func TestEngine_SubscribeReceivesEntries(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	entries, cancel := e.Subscribe()
	defer cancel()

	e.Info("streamed", "test", nil)

	select {
	case got := <-entries:
		if got.Message != "streamed" {
			t.Errorf("unexpected entry: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the entry")
	}

	cancel()
	if _, open := <-entries; open {
		t.Error("cancel should close the subscription channel")
	}
}

func TestEngine_StopFlushesPending(t *testing.T) {
	e, _, st := newTestEngine(DefaultConfig())

	e.Start(context.Background())
	e.Info("pending at shutdown", "test", nil)
	e.Stop()

	if got := st.Len(); got != 1 {
		t.Errorf("expected pending entry flushed on stop, got %d records", got)
	}
	e.Stop() // must not panic
}

func TestEngine_UpdateConfigResizesBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 10
	e, _, _ := newTestEngine(cfg)

	for i := 0; i < 10; i++ {
		e.Info("fill", "test", nil)
	}

	cfg.BufferSize = 3
	e.UpdateConfig(cfg)

	if got := e.BufferLen(); got != 3 {
		t.Errorf("expected buffer resized to 3 entries, got %d", got)
	}
}

func TestEngine_ReloadsPersistedEntries(t *testing.T) {
	cfg := DefaultConfig()
	clock := newFakeClock()
	st := store.NewMemoryStore(100)

	first := New(cfg, Deps{Clock: clock, Memory: platform.NewFixedSampler(0.3), Store: st})
	first.Error("survived restart", "storage", nil)

	second := New(cfg, Deps{Clock: clock, Memory: platform.NewFixedSampler(0.3), Store: st})
	logs := second.Logs(LevelError, "", 0)
	if len(logs) != 1 || logs[0].Message != "survived restart" {
		t.Errorf("expected persisted entry reloaded, got %+v", logs)
	}
}
