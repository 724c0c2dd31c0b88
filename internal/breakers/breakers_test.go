package breakers

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(t *testing.T, clock types.Clock) (*repo.Repository, control.Plane) {
	t.Helper()
	r, err := repo.Open(filepath.Join(t.TempDir(), "test.db"), clock)
	if err != nil {
		t.Fatal(err)
	}
	return r, control.NewMemoryPlane(testLogger(), clock)
}

func candlesWithRanges(ranges []float64) []types.Candle {
	out := make([]types.Candle, len(ranges))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, rng := range ranges {
		out[i] = types.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromInt(100),
			High:     decimal.NewFromFloat(100 + rng),
			Low:      decimal.NewFromInt(100),
			Close:    decimal.NewFromInt(100),
			Volume:   decimal.NewFromInt(10),
		}
	}
	return out
}

func TestVolatilityBreakerTripsAndExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r, plane := testDeps(t, clock)

	cfg := config.BreakersConfig{
		Volatility: config.VolatilityBreakerConfig{Enabled: true, ATRMultiple: 3, PauseMinutes: 15},
	}
	m := NewManager(cfg, r, plane, testLogger(), clock)

	// 29 calm bars with range 1, then a bar with range 10 (> 3x ATR).
	ranges := make([]float64, 30)
	for i := range ranges {
		ranges[i] = 1
	}
	ranges[29] = 10
	m.Check(ctx, "BTC/USDT", candlesWithRanges(ranges), nil)

	allowed, breaker, _ := m.EntriesAllowed(ctx, "BTC/USDT")
	if allowed || breaker != BreakerVolatility {
		t.Fatalf("allowed = %v, breaker = %s, want volatility trip", allowed, breaker)
	}

	// Other symbols are unaffected.
	if allowed, _, _ := m.EntriesAllowed(ctx, "ETH/USDT"); !allowed {
		t.Error("volatility breaker leaked to another symbol")
	}

	// The pause lapses at pause_minutes exactly: expiry is inclusive.
	clock.Advance(15 * time.Minute)
	if allowed, _, _ := m.EntriesAllowed(ctx, "BTC/USDT"); !allowed {
		t.Error("breaker still blocking at its expiry instant")
	}

	events, err := r.QueryEvents(ctx, 0, 100, repo.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var sawTrigger, sawExpire bool
	for _, ev := range events {
		switch ev.Type {
		case "breaker.triggered":
			sawTrigger = true
			if ev.Level != types.LevelWarn || !ev.PublicSafe {
				t.Errorf("breaker.triggered level=%s public=%v, want WARN public", ev.Level, ev.PublicSafe)
			}
		case "breaker.expired":
			sawExpire = true
			// The pause ran its full 15-minute window.
			secs, ok := ev.Payload["active_seconds"].(float64)
			if !ok || secs != 900 {
				t.Errorf("active_seconds = %v, want 900", ev.Payload["active_seconds"])
			}
		}
	}
	if !sawTrigger || !sawExpire {
		t.Errorf("trigger=%v expire=%v, want both events", sawTrigger, sawExpire)
	}
}

func TestSpreadBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r, plane := testDeps(t, clock)

	cfg := config.BreakersConfig{
		SpreadSlippage: config.SpreadBreakerConfig{Enabled: true, MaxSpreadBps: 20, PauseMinutes: 5},
	}
	m := NewManager(cfg, r, plane, testLogger(), clock)

	// Spread of 1 on a mid of ~100.5 is ~99.5 bps, over the cap.
	book := &types.OrderBook{
		Symbol: "BTC/USDT",
		Bids:   []types.PriceLevel{{Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1)}},
		Asks:   []types.PriceLevel{{Price: decimal.NewFromInt(101), Qty: decimal.NewFromInt(1)}},
	}
	m.Check(ctx, "BTC/USDT", nil, book)

	allowed, breaker, _ := m.EntriesAllowed(ctx, "BTC/USDT")
	if allowed || breaker != BreakerSpread {
		t.Fatalf("allowed = %v breaker = %s, want spread trip", allowed, breaker)
	}
}

func TestConsecutiveLossBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r, plane := testDeps(t, clock)

	cfg := config.BreakersConfig{
		ConsecutiveLosses: config.LossBreakerConfig{Enabled: true, MaxLosses: 3, PauseMinutes: 30},
	}
	m := NewManager(cfg, r, plane, testLogger(), clock)

	addClosed := func(pnl int64, closedAt time.Time) {
		t.Helper()
		tr := &repo.Trade{
			ID: uuid.NewString(), Symbol: "BTC/USDT", Side: types.BUY,
			Status: types.TradeOpen, Mode: types.ModeDryRun,
			EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
			OpenedAt: closedAt.Add(-time.Hour),
		}
		if err := r.CreateTradeWithOrders(ctx, tr, nil); err != nil {
			t.Fatal(err)
		}
		if err := r.CloseTrade(ctx, tr.ID, decimal.NewFromInt(99), decimal.NewFromInt(pnl), types.ExitStopLoss, closedAt); err != nil {
			t.Fatal(err)
		}
	}

	now := clock.Now()
	// Two losses: under the limit.
	addClosed(-10, now.Add(-3*time.Hour))
	addClosed(-10, now.Add(-2*time.Hour))
	m.Check(ctx, "BTC/USDT", nil, nil)
	if allowed, _, _ := m.EntriesAllowed(ctx, "BTC/USDT"); !allowed {
		t.Fatal("breaker tripped at 2 losses with limit 3")
	}

	// Third consecutive loss trips it.
	addClosed(-10, now.Add(-time.Hour))
	m.Check(ctx, "BTC/USDT", nil, nil)
	allowed, breaker, _ := m.EntriesAllowed(ctx, "BTC/USDT")
	if allowed || breaker != BreakerLosses {
		t.Fatalf("allowed = %v breaker = %s, want loss trip", allowed, breaker)
	}
}

func TestNewsBreakerReadsControlPlane(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r, plane := testDeps(t, clock)

	cfg := config.BreakersConfig{News: config.NewsConfig{Enabled: true, PauseMinutes: 15}}
	m := NewManager(cfg, r, plane, testLogger(), clock)

	if allowed, _, _ := m.EntriesAllowed(ctx, "BTC/USDT"); !allowed {
		t.Fatal("entries blocked without a news pause")
	}
	if err := plane.SetNewsPause(ctx, "hack headline", 15*time.Minute); err != nil {
		t.Fatal(err)
	}
	allowed, breaker, reason := m.EntriesAllowed(ctx, "BTC/USDT")
	if allowed || breaker != BreakerNews || reason != "hack headline" {
		t.Fatalf("allowed=%v breaker=%s reason=%q", allowed, breaker, reason)
	}
}

func TestKillSwitchRequiresExplicitReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r, plane := testDeps(t, clock)
	m := NewManager(config.BreakersConfig{}, r, plane, testLogger(), clock)

	m.TripKillSwitch(ctx, "manual halt")
	if allowed, breaker, _ := m.EntriesAllowed(ctx, "BTC/USDT"); allowed || breaker != BreakerKillSwitch {
		t.Fatalf("kill switch not blocking: allowed=%v breaker=%s", allowed, breaker)
	}

	// Time alone never clears it.
	clock.Advance(48 * time.Hour)
	if allowed, _, _ := m.EntriesAllowed(ctx, "BTC/USDT"); allowed {
		t.Fatal("kill switch expired with time")
	}

	m.ResetKillSwitch(ctx)
	if allowed, _, _ := m.EntriesAllowed(ctx, "BTC/USDT"); !allowed {
		t.Fatal("kill switch still blocking after reset")
	}
	if !m.ExitsAllowed() {
		t.Fatal("exits must never be blocked")
	}

	events, err := r.QueryEvents(ctx, 0, 100, repo.EventFilter{Type: "emergency.stop"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("emergency.stop events = %d, want 1", len(events))
	}
	if events[0].Level != types.LevelError || events[0].Payload["reason"] != "manual halt" {
		t.Errorf("emergency.stop level=%s payload=%v", events[0].Level, events[0].Payload)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Daily lock
// ————————————————————————————————————————————————————————————————————————

func newDailyLock(t *testing.T, cfg config.DailyLockConfig, clock types.Clock) (*DailyLock, *repo.Repository) {
	t.Helper()
	r, err := repo.Open(filepath.Join(t.TempDir(), "test.db"), clock)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDailyLock(cfg, r, testLogger(), clock)
	if err != nil {
		t.Fatal(err)
	}
	return d, r
}

func TestDailyLockStopMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, _ := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "stop", TargetUSD: 50, Timezone: "UTC",
	}, clock)

	d.Observe(ctx, 30)
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("locked below target")
	}
	d.Observe(ctx, 55)
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("stop mode did not lock at target")
	}

	// Resets at midnight in the lock's timezone.
	clock.Advance(13 * time.Hour)
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("lock survived day rollover")
	}
}

func TestDailyLockOverdriveTrailingFloor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, r := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "overdrive", TargetUSD: 50,
		OverdriveTrailingBufferUSD: 10, Timezone: "UTC",
	}, clock)

	// +60 engages overdrive with floor 50; trading continues.
	d.Observe(ctx, 60)
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("overdrive paused entries at engagement")
	}

	// A -15 trade drops realized PnL to 45, below the floor of 50.
	d.Observe(ctx, 45)
	allowed, reason := d.EntriesAllowed(ctx)
	if allowed {
		t.Fatal("overdrive did not pause below the floor")
	}
	if reason == "" {
		t.Error("pause carries no reason")
	}

	events, err := r.QueryEvents(ctx, 0, 100, repo.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var sawEngaged, sawPaused bool
	for _, ev := range events {
		switch ev.Type {
		case "daily_lock.engaged":
			sawEngaged = true
		case "daily_lock.entries_paused":
			sawPaused = true
			if ev.Payload["reason"] != "profit floor breached" {
				t.Errorf("pause reason = %v", ev.Payload["reason"])
			}
		}
	}
	if !sawEngaged || !sawPaused {
		t.Errorf("engaged=%v paused=%v, want both events", sawEngaged, sawPaused)
	}
}

func TestDailyLockOverdriveResumesOnRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, r := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "overdrive", TargetUSD: 50,
		OverdriveTrailingBufferUSD: 10, Timezone: "UTC",
	}, clock)

	d.Observe(ctx, 60) // engaged, peak 60, floor 50
	d.Observe(ctx, 45) // below the floor: paused
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("not paused below the floor")
	}

	// A winner lifts realized PnL back above the floor: entries resume the
	// same day, without waiting for the midnight reset.
	d.Observe(ctx, 55)
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("entries still paused after recovering above the floor")
	}

	events, err := r.QueryEvents(ctx, 0, 100, repo.EventFilter{Type: "daily_lock.resumed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("daily_lock.resumed events = %d, want 1", len(events))
	}

	// Dipping below again re-pauses.
	d.Observe(ctx, 40)
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("not re-paused after dropping below the floor again")
	}
}

func TestDailyLockFloorIsNotClampedAtTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, _ := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "overdrive", TargetUSD: 50,
		OverdriveTrailingBufferUSD: 30, Timezone: "UTC",
	}, clock)

	// Peak 55 with a 30 buffer puts the floor at 25, below the target.
	d.Observe(ctx, 55)
	d.Observe(ctx, 45) // above floor 25: still trading
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("paused above the floor")
	}
	d.Observe(ctx, 20) // below floor 25: paused
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("not paused below the floor")
	}
}

func TestDailyLockLocation(t *testing.T) {
	t.Parallel()
	d, _ := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "stop", TargetUSD: 50, Timezone: "America/New_York",
	}, nil)
	if got := d.Location().String(); got != "America/New_York" {
		t.Errorf("location = %s, want America/New_York", got)
	}
}

func TestDailyLockOverdriveFloorRatchetsUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, _ := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "overdrive", TargetUSD: 50,
		OverdriveTrailingBufferUSD: 10, Timezone: "UTC",
	}, clock)

	d.Observe(ctx, 60)  // floor 50
	d.Observe(ctx, 100) // peak 100, floor 90
	d.Observe(ctx, 92)  // above floor 90: still trading
	if allowed, _ := d.EntriesAllowed(ctx); !allowed {
		t.Fatal("paused above the ratcheted floor")
	}
	d.Observe(ctx, 89) // below floor 90: paused
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("not paused below the ratcheted floor")
	}
}

func TestDailyLockRebuildFromClosedTrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, r := newDailyLock(t, config.DailyLockConfig{
		Enabled: true, Mode: "overdrive", TargetUSD: 50,
		OverdriveTrailingBufferUSD: 10, Timezone: "UTC",
	}, clock)

	addClosed := func(pnl int64, closedAt time.Time) {
		t.Helper()
		tr := &repo.Trade{
			ID: uuid.NewString(), Symbol: "BTC/USDT", Side: types.BUY,
			Status: types.TradeOpen, Mode: types.ModeDryRun,
			EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
			OpenedAt: closedAt.Add(-time.Hour),
		}
		if err := r.CreateTradeWithOrders(ctx, tr, nil); err != nil {
			t.Fatal(err)
		}
		if err := r.CloseTrade(ctx, tr.ID, decimal.NewFromInt(101), decimal.NewFromInt(pnl), types.ExitTakeProfit, closedAt); err != nil {
			t.Fatal(err)
		}
	}

	now := clock.Now()
	addClosed(60, now.Add(-2*time.Hour))  // running 60, engaged, floor 50
	addClosed(-15, now.Add(-time.Hour))   // running 45 < 50: paused
	if err := d.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if allowed, _ := d.EntriesAllowed(ctx); allowed {
		t.Fatal("rebuild lost the engaged pause")
	}
}
