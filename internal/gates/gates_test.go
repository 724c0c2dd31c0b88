package gates

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/internal/config"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRepo(t *testing.T, clock types.Clock) *repo.Repository {
	t.Helper()
	r, err := repo.Open(filepath.Join(t.TempDir(), "test.db"), clock)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func addClosedTrade(t *testing.T, r *repo.Repository, symbol string, pnl int64, reason types.ExitReason, closedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	tr := &repo.Trade{
		ID: uuid.NewString(), Symbol: symbol, Side: types.BUY,
		Status: types.TradeOpen, Mode: types.ModeDryRun,
		EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
		NotionalUSD: decimal.NewFromInt(100), OpenedAt: closedAt.Add(-time.Hour),
	}
	if err := r.CreateTradeWithOrders(ctx, tr, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.CloseTrade(ctx, tr.ID, decimal.NewFromInt(99), decimal.NewFromInt(pnl), reason, closedAt); err != nil {
		t.Fatal(err)
	}
}

func openTrade(symbol string, notional int64) repo.Trade {
	return repo.Trade{
		ID: uuid.NewString(), Symbol: symbol, Side: types.BUY,
		Status: types.TradeOpen, Mode: types.ModeDryRun,
		NotionalUSD: decimal.NewFromInt(notional),
		OpenedAt:    time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio gate
// ————————————————————————————————————————————————————————————————————————

func TestPortfolioGateMaxConcurrent(t *testing.T) {
	t.Parallel()
	r := testRepo(t, nil)
	g := NewPortfolioGate(
		config.SymbolsConfig{MaxConcurrentPositions: 2},
		config.PortfolioConfig{},
		r, testLogger(),
	)

	gc := &Context{Symbol: "SOL/USDT", OpenTrades: []repo.Trade{
		openTrade("BTC/USDT", 1000), openTrade("ETH/USDT", 1000),
	}}
	d := g.Evaluate(context.Background(), gc)
	if d.Allowed {
		t.Fatal("allowed third position with max 2")
	}
	if !strings.Contains(d.Reason, "max concurrent") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestPortfolioGateCorrelation(t *testing.T) {
	t.Parallel()
	r := testRepo(t, nil)
	g := NewPortfolioGate(
		config.SymbolsConfig{MaxConcurrentPositions: 10},
		config.PortfolioConfig{MaxCorrelatedPositions: 1},
		r, testLogger(),
	)
	ctx := context.Background()

	// BTC/USDT open blocks BTCUSDC (same base asset, different quote).
	gc := &Context{Symbol: "BTCUSDC", OpenTrades: []repo.Trade{openTrade("BTC/USDT", 1000)}}
	if d := g.Evaluate(ctx, gc); d.Allowed {
		t.Fatal("correlated BTC position allowed")
	}

	// A different base passes.
	gc = &Context{Symbol: "ETH/USDT", OpenTrades: []repo.Trade{openTrade("BTC/USDT", 1000)}}
	if d := g.Evaluate(ctx, gc); !d.Allowed {
		t.Fatalf("uncorrelated position rejected: %s", d.Reason)
	}

	// Stablecoin bases are exempt from the correlation count.
	gc = &Context{Symbol: "USDC/USDT", OpenTrades: []repo.Trade{openTrade("USDT/DAI", 1000)}}
	if d := g.Evaluate(ctx, gc); !d.Allowed {
		t.Fatalf("stablecoin pair rejected: %s", d.Reason)
	}
}

func TestPortfolioGateDailyLossHardStop(t *testing.T) {
	t.Parallel()
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := testRepo(t, clock)
	addClosedTrade(t, r, "BTC/USDT", -120, types.ExitStopLoss, clock.t.Add(-time.Hour))

	g := NewPortfolioGate(
		config.SymbolsConfig{MaxConcurrentPositions: 10},
		config.PortfolioConfig{MaxDailyLossUSD: 100},
		r, testLogger(),
	)
	d := g.Evaluate(context.Background(), &Context{Symbol: "ETH/USDT"})
	if d.Allowed {
		t.Fatal("entry allowed past the daily loss limit")
	}
	if !strings.Contains(d.Reason, "daily loss limit") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestPortfolioGateExposureCap(t *testing.T) {
	t.Parallel()
	r := testRepo(t, nil)
	g := NewPortfolioGate(
		config.SymbolsConfig{MaxConcurrentPositions: 10},
		config.PortfolioConfig{MaxPortfolioExposurePct: 50},
		r, testLogger(),
	)

	gc := &Context{
		Symbol:     "ETH/USDT",
		EquityUSD:  10000,
		OpenTrades: []repo.Trade{openTrade("BTC/USDT", 6000)},
	}
	if d := g.Evaluate(context.Background(), gc); d.Allowed {
		t.Fatal("entry allowed at 60% exposure with a 50% cap")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cooldown and daily symbol limit
// ————————————————————————————————————————————————————————————————————————

func TestCooldownGateBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stopAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := config.CooldownConfig{Enabled: true, CooldownMinutes: 30}

	// One minute before expiry: blocked, with the canonical reason marker.
	r := testRepo(t, nil)
	addClosedTrade(t, r, "BTC/USDT", -50, types.ExitStopLoss, stopAt)
	g := NewCooldownGate(cfg, r, fixedClock{t: stopAt.Add(29 * time.Minute)}, testLogger())
	d := g.Evaluate(ctx, &Context{Symbol: "BTC/USDT"})
	if d.Allowed {
		t.Fatal("entry allowed inside cooldown window")
	}
	if !strings.Contains(d.Reason, "stop_loss_cooldown_active") {
		t.Errorf("reason = %q, want stop_loss_cooldown_active marker", d.Reason)
	}

	// One minute after expiry: allowed.
	g = NewCooldownGate(cfg, r, fixedClock{t: stopAt.Add(31 * time.Minute)}, testLogger())
	if d := g.Evaluate(ctx, &Context{Symbol: "BTC/USDT"}); !d.Allowed {
		t.Fatalf("entry blocked after cooldown: %s", d.Reason)
	}
}

func TestCooldownGateIgnoresTakeProfitExits(t *testing.T) {
	t.Parallel()
	stopAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := testRepo(t, nil)
	addClosedTrade(t, r, "BTC/USDT", 80, types.ExitTakeProfit, stopAt)

	g := NewCooldownGate(config.CooldownConfig{Enabled: true, CooldownMinutes: 30}, r,
		fixedClock{t: stopAt.Add(time.Minute)}, testLogger())
	if d := g.Evaluate(context.Background(), &Context{Symbol: "BTC/USDT"}); !d.Allowed {
		t.Fatalf("take-profit exit triggered cooldown: %s", d.Reason)
	}
}

func TestDailySymbolGateConsecutiveLosses(t *testing.T) {
	t.Parallel()
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := testRepo(t, clock)

	// Loss, win, loss, loss: streak of 2 at the limit of 2.
	addClosedTrade(t, r, "BTC/USDT", -10, types.ExitStopLoss, clock.t.Add(-4*time.Hour))
	addClosedTrade(t, r, "BTC/USDT", 20, types.ExitTakeProfit, clock.t.Add(-3*time.Hour))
	addClosedTrade(t, r, "BTC/USDT", -10, types.ExitStopLoss, clock.t.Add(-2*time.Hour))
	addClosedTrade(t, r, "BTC/USDT", -10, types.ExitStopLoss, clock.t.Add(-time.Hour))

	g := NewDailySymbolGate(config.DailySymbolLimitConfig{Enabled: true, MaxConsecutiveLosses: 2}, r, testLogger())
	if d := g.Evaluate(context.Background(), &Context{Symbol: "BTC/USDT"}); d.Allowed {
		t.Fatal("symbol not blocked at 2 consecutive losses")
	}

	// Another symbol is unaffected.
	if d := g.Evaluate(context.Background(), &Context{Symbol: "ETH/USDT"}); !d.Allowed {
		t.Fatalf("unrelated symbol blocked: %s", d.Reason)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sizing
// ————————————————————————————————————————————————————————————————————————

func TestStreakSizerReducesMultiplier(t *testing.T) {
	t.Parallel()
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := testRepo(t, clock)
	addClosedTrade(t, r, "BTC/USDT", -10, types.ExitStopLoss, clock.t.Add(-2*time.Hour))
	addClosedTrade(t, r, "BTC/USDT", -10, types.ExitStopLoss, clock.t.Add(-time.Hour))

	g := NewStreakSizerGate(config.StreakSizerConfig{
		Enabled: true, MinConsecutiveLosses: 2, ReductionFactor: 0.5,
	}, r, testLogger())

	gc := &Context{Symbol: "BTC/USDT", SizeMultiplier: 1}
	if d := g.Evaluate(context.Background(), gc); !d.Allowed {
		t.Fatalf("streak sizer rejected: %s", d.Reason)
	}
	if gc.SizeMultiplier != 0.5 {
		t.Errorf("multiplier = %v, want 0.5", gc.SizeMultiplier)
	}
}

func sizerConfig() (config.PositionSizingConfig, config.StopLossConfig, config.TakeProfitConfig, config.ExecutionConfig) {
	return config.PositionSizingConfig{Method: "risk_pct", RiskPct: 1, MaxPositionPct: 20},
		config.StopLossConfig{Method: "fixed_pct", FixedPct: 2},
		config.TakeProfitConfig{Method: "risk_reward", RiskRewardRatio: 2},
		config.ExecutionConfig{TakerFeeBps: 10, MinProfitUSD: 1}
}

func TestPositionSizerBuildsValidPlan(t *testing.T) {
	t.Parallel()
	sizing, stop, take, exec := sizerConfig()
	g := NewPositionSizerGate(sizing, stop, take, exec, fixedClock{t: time.Now().UTC()})

	book := &types.OrderBook{
		Symbol: "BTC/USDT",
		Bids:   []types.PriceLevel{{Price: decimal.NewFromInt(49990), Qty: decimal.NewFromInt(1)}},
		Asks:   []types.PriceLevel{{Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(1)}},
	}
	gc := &Context{Symbol: "BTC/USDT", Book: book, EquityUSD: 10000, SizeMultiplier: 1}
	if d := g.Evaluate(context.Background(), gc); !d.Allowed {
		t.Fatalf("sizer rejected: %s", d.Reason)
	}
	if gc.Plan == nil {
		t.Fatal("no plan built")
	}
	if err := gc.Plan.Validate(); err != nil {
		t.Fatalf("plan invalid: %v", err)
	}

	// risk_pct: 1% of 10k = 100 USD risk over a 2% (1000 USD) stop distance.
	qty, _ := gc.Plan.Quantity.Float64()
	if qty < 0.09 || qty > 0.11 {
		t.Errorf("quantity = %v, want ~0.1", qty)
	}
	// risk_reward 2: TP distance is twice the stop distance.
	entry, _ := gc.Plan.EntryPrice.Float64()
	stopF, _ := gc.Plan.StopLoss.Float64()
	tp, _ := gc.Plan.TakeProfit.Float64()
	if got, want := tp-entry, 2*(entry-stopF); got < want*0.99 || got > want*1.01 {
		t.Errorf("tp distance = %v, want %v", got, want)
	}
}

func TestPositionSizerRejectsZeroQuantity(t *testing.T) {
	t.Parallel()
	sizing, stop, take, exec := sizerConfig()
	g := NewPositionSizerGate(sizing, stop, take, exec, fixedClock{t: time.Now().UTC()})

	// Zero equity sizes to zero under risk_pct.
	gc := &Context{
		Symbol:         "BTC/USDT",
		Candles:        []types.Candle{{Close: decimal.NewFromInt(50000), High: decimal.NewFromInt(50000), Low: decimal.NewFromInt(50000), Open: decimal.NewFromInt(50000)}},
		EquityUSD:      0,
		SizeMultiplier: 1,
	}
	if d := g.Evaluate(context.Background(), gc); d.Allowed {
		t.Fatal("zero-size plan passed the sizer")
	}
}

func TestProfitabilityGateInclusiveFloor(t *testing.T) {
	t.Parallel()
	g := NewProfitabilityGate(config.ExecutionConfig{MinProfitUSD: 1})

	plan := &types.TradePlan{
		TradeID:    uuid.NewString(),
		Symbol:     "BTC/USDT",
		Side:       types.BUY,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.RequireFromString("0.001"),
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(52000),
		FeeUSD:     decimal.NewFromInt(1),
	}
	// net = (52000-50000)*0.001 - 1 = 1.0: exactly at the floor, passes.
	if d := g.Evaluate(context.Background(), &Context{Plan: plan}); !d.Allowed {
		t.Fatalf("net at floor rejected: %s", d.Reason)
	}

	plan.FeeUSD = decimal.RequireFromString("1.01")
	if d := g.Evaluate(context.Background(), &Context{Plan: plan}); d.Allowed {
		t.Fatal("net below floor passed")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stack ordering
// ————————————————————————————————————————————————————————————————————————

type recordingGate struct {
	name  string
	allow bool
	hits  *[]string
}

func (g recordingGate) Name() string { return g.name }
func (g recordingGate) Evaluate(context.Context, *Context) Decision {
	*g.hits = append(*g.hits, g.name)
	if g.allow {
		return allow()
	}
	return reject("blocked by "+g.name, nil)
}

func TestStackShortCircuitsAtFirstRejection(t *testing.T) {
	t.Parallel()
	var hits []string
	s := NewStack(
		recordingGate{"first", true, &hits},
		recordingGate{"second", false, &hits},
		recordingGate{"third", true, &hits},
	)

	name, d := s.Evaluate(context.Background(), &Context{Symbol: "BTC/USDT"})
	if d.Allowed || name != "second" {
		t.Fatalf("name = %s allowed = %v, want rejection at second", name, d.Allowed)
	}
	if len(hits) != 2 {
		t.Errorf("gates hit = %v, third should never run", hits)
	}
}
