package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/pkg/types"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func testRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	return r
}

func newTrade(symbol string, openedAt time.Time) *Trade {
	return &Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       types.BUY,
		Status:     types.TradeOpen,
		Mode:       types.ModeDryRun,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.RequireFromString("0.1"),
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(52000),
		OpenedAt:   openedAt,
	}
}

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		ev, err := r.Emit(ctx, types.EventDraft{
			Level:      types.LevelInfo,
			Type:       "tick.completed",
			PublicSafe: true,
		})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		seqs = append(seqs, ev.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not strictly increasing: %v", seqs)
		}
	}

	latest, err := r.LatestSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != seqs[len(seqs)-1] {
		t.Errorf("latest seq = %d, want %d", latest, seqs[len(seqs)-1])
	}
}

func TestQueryEventsCursorAndFilters(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Emit(ctx, types.EventDraft{Level: types.LevelInfo, Type: "trade.opened", Symbol: "BTC/USDT", PublicSafe: true}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Emit(ctx, types.EventDraft{Level: types.LevelWarn, Type: "breaker.triggered", Symbol: "ETH/USDT"}); err != nil {
		t.Fatal(err)
	}

	events, err := r.QueryEvents(ctx, 0, 100, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}

	// Resume from a mid-log cursor.
	after, err := r.QueryEvents(ctx, events[1].Seq, 100, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Fatalf("events after cursor = %d, want 2", len(after))
	}
	if after[0].Seq <= events[1].Seq {
		t.Error("cursor query returned the cursor row itself")
	}

	public, err := r.QueryEvents(ctx, 0, 100, EventFilter{PublicOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(public) != 3 {
		t.Errorf("public events = %d, want 3", len(public))
	}

	bySymbol, err := r.QueryEvents(ctx, 0, 100, EventFilter{Symbol: "ETH/USDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySymbol) != 1 || bySymbol[0].Type != "breaker.triggered" {
		t.Errorf("symbol filter returned %+v", bySymbol)
	}
}

func TestCloseTradeCAS(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	trade := newTrade("BTC/USDT", time.Now().UTC())
	if err := r.CreateTradeWithOrders(ctx, trade, nil); err != nil {
		t.Fatal(err)
	}

	closedAt := time.Now().UTC()
	if err := r.CloseTrade(ctx, trade.ID, decimal.NewFromInt(52000), decimal.NewFromInt(200), types.ExitTakeProfit, closedAt); err != nil {
		t.Fatalf("first close: %v", err)
	}

	err := r.CloseTrade(ctx, trade.ID, decimal.NewFromInt(49000), decimal.NewFromInt(-100), types.ExitStopLoss, closedAt)
	if !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second close err = %v, want ErrAlreadyClosed", err)
	}

	got, err := r.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.TradeClosed {
		t.Errorf("status = %s, want CLOSED", got.Status)
	}
	if !got.RealizedPnLUSD.Equal(decimal.NewFromInt(200)) {
		t.Errorf("pnl = %s, want 200 (second close must not overwrite)", got.RealizedPnLUSD)
	}
}

func TestCreateTradeWithOrdersAndIdempotencyKey(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	trade := newTrade("BTC/USDT", time.Now().UTC())
	orders := []Order{
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.BUY, OrderType: types.OrderMarket, Status: types.OrderFilled,
			IdempotencyKey: "QS-" + trade.ID + "-ENTRY",
		},
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.SELL, OrderType: types.OrderStopLoss, Status: types.OrderPending,
			IdempotencyKey: "QS-" + trade.ID + "-STOP_LOSS",
		},
	}
	if err := r.CreateTradeWithOrders(ctx, trade, orders); err != nil {
		t.Fatal(err)
	}

	got, err := r.OrdersForTrade(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("orders = %d, want 2", len(got))
	}

	// A duplicate idempotency key must be rejected by the unique index.
	dup := Order{
		ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
		Side: types.BUY, OrderType: types.OrderMarket, Status: types.OrderPending,
		IdempotencyKey: "QS-" + trade.ID + "-ENTRY",
	}
	if err := r.CreateTradeWithOrders(ctx, newTrade("ETH/USDT", time.Now().UTC()), []Order{dup}); err == nil {
		t.Error("duplicate idempotency key was accepted")
	}
}

func TestDailyAggregates(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	r, err := Open(filepath.Join(t.TempDir(), "test.db"), fixedClock{t: now})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Two closed today, one closed yesterday, one still open.
	today1 := newTrade("BTC/USDT", now.Add(-4*time.Hour))
	today2 := newTrade("BTC/USDT", now.Add(-2*time.Hour))
	yesterday := newTrade("ETH/USDT", now.Add(-30*time.Hour))
	open := newTrade("SOL/USDT", now.Add(-time.Hour))
	for _, tr := range []*Trade{today1, today2, yesterday, open} {
		if err := r.CreateTradeWithOrders(ctx, tr, nil); err != nil {
			t.Fatal(err)
		}
	}
	mustClose := func(id string, pnl int64, at time.Time) {
		t.Helper()
		if err := r.CloseTrade(ctx, id, decimal.NewFromInt(51000), decimal.NewFromInt(pnl), types.ExitTakeProfit, at); err != nil {
			t.Fatal(err)
		}
	}
	mustClose(today1.ID, 60, now.Add(-3*time.Hour))
	mustClose(today2.ID, -15, now.Add(-time.Hour))
	mustClose(yesterday.ID, 100, now.Add(-28*time.Hour))

	pnl, err := r.TodayRealizedPnL(ctx, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !pnl.Equal(decimal.NewFromInt(45)) {
		t.Errorf("today pnl = %s, want 45", pnl)
	}

	closed, err := r.ClosedTradesToday(ctx, "", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed today = %d, want 2", len(closed))
	}
	if !closed[0].ClosedAt.Before(*closed[1].ClosedAt) {
		t.Error("closed trades not in chronological order")
	}

	opened, err := r.TradesOpenedToday(ctx, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if opened != 3 {
		t.Errorf("opened today = %d, want 3", opened)
	}

	openTrades, err := r.OpenTrades(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(openTrades) != 1 || openTrades[0].ID != open.ID {
		t.Errorf("open trades = %+v", openTrades)
	}
}

func TestRecentClosedTradesNewestFirst(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		tr := newTrade("BTC/USDT", now.Add(time.Duration(-i-1)*time.Hour))
		if err := r.CreateTradeWithOrders(ctx, tr, nil); err != nil {
			t.Fatal(err)
		}
		if err := r.CloseTrade(ctx, tr.ID, decimal.NewFromInt(51000), decimal.NewFromInt(int64(i)), types.ExitTakeProfit, now.Add(time.Duration(-i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := r.RecentClosedTrades(ctx, "BTC/USDT", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("trades = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ClosedAt.After(*got[i-1].ClosedAt) {
			t.Fatal("not newest-first")
		}
	}
}

func TestActiveExchangeKeyUniqueness(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	first := &ExchangeKey{Exchange: "binance", Label: "main", Ciphertext: []byte{1}, Nonce: []byte{2}, IsActive: true}
	if err := r.SaveExchangeKey(ctx, first); err != nil {
		t.Fatal(err)
	}

	// A second active key for the same exchange violates the partial index.
	second := &ExchangeKey{Exchange: "binance", Label: "backup", Ciphertext: []byte{3}, Nonce: []byte{4}, IsActive: true}
	if err := r.SaveExchangeKey(ctx, second); err == nil {
		t.Fatal("second active key accepted")
	}

	// After revoking the first, a new active key is allowed.
	if err := r.RevokeExchangeKey(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	second.ID = ""
	if err := r.SaveExchangeKey(ctx, second); err != nil {
		t.Fatalf("active key after revoke: %v", err)
	}

	active, err := r.ActiveExchangeKey(ctx, "binance")
	if err != nil {
		t.Fatal(err)
	}
	if active.Label != "backup" {
		t.Errorf("active key = %s, want backup", active.Label)
	}
}

func TestConfigVersionActivation(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	v1 := &BotConfigVersion{Version: 1, Config: JSONMap{"tick": "5s"}, IsActive: true}
	v2 := &BotConfigVersion{Version: 2, Config: JSONMap{"tick": "10s"}}
	if err := r.SaveConfigVersion(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveConfigVersion(ctx, v2); err != nil {
		t.Fatal(err)
	}

	if err := r.ActivateConfigVersion(ctx, 2); err != nil {
		t.Fatal(err)
	}
	active, err := r.ActiveConfigVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.Version != 2 {
		t.Errorf("active version = %d, want 2", active.Version)
	}

	if err := r.ActivateConfigVersion(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("activating unknown version err = %v, want ErrNotFound", err)
	}
}

func TestUserByTokenHash(t *testing.T) {
	t.Parallel()
	r := testRepo(t)
	ctx := context.Background()

	u := &User{Email: "ops@example.com", Role: types.RoleOwner, TokenHash: "abc123"}
	if err := r.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := r.UserByTokenHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "ops@example.com" || got.Role != types.RoleOwner {
		t.Errorf("user = %+v", got)
	}

	if _, err := r.UserByTokenHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token err = %v, want ErrNotFound", err)
	}
}
