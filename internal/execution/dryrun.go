package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// DryRun simulates execution against the plan's own prices: entries fill at
// the plan entry, exits fill exactly at the stop or take-profit level. No
// venue calls are made; everything else (persistence, events, idempotency)
// behaves like live.
type DryRun struct {
	repo   *repo.Repository
	logger *slog.Logger
	clock  types.Clock
}

func NewDryRun(r *repo.Repository, logger *slog.Logger, clock types.Clock) *DryRun {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DryRun{repo: r, logger: logger.With("component", "executor", "mode", "dry_run"), clock: clock}
}

func (d *DryRun) Mode() types.TradeMode { return types.ModeDryRun }

func (d *DryRun) ExecuteEntry(ctx context.Context, plan types.TradePlan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("dry-run entry: %w", err)
	}

	// Replay of an already-executed plan returns the stored result.
	if existing, err := d.repo.GetTrade(ctx, plan.TradeID); err == nil {
		return d.idempotencyHit(ctx, existing)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("dry-run entry lookup: %w", err)
	}

	now := d.clock.Now()
	trade := &repo.Trade{
		ID:              plan.TradeID,
		Symbol:          plan.Symbol,
		Side:            types.BUY,
		Status:          types.TradeOpen,
		Mode:            types.ModeDryRun,
		EntryPrice:      plan.EntryPrice,
		Quantity:        plan.Quantity,
		NotionalUSD:     plan.Notional(),
		OpenedAt:        now,
		StopLoss:        plan.StopLoss,
		InitialStop:     plan.StopLoss,
		TakeProfit:      plan.TakeProfit,
		FeesUSD:         plan.FeeUSD,
		SlippageUSD:     plan.SlippageUSD,
	}
	orders := []repo.Order{
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.BUY, OrderType: types.OrderMarket,
			Qty: plan.Quantity, Price: plan.EntryPrice,
			FilledQty: plan.Quantity, FilledPrice: plan.EntryPrice,
			Status: types.OrderFilled, IdempotencyKey: entryKey(trade.ID),
			CreatedAt: now, FilledAt: &now,
		},
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.SELL, OrderType: types.OrderStopLoss,
			Qty: plan.Quantity, Price: plan.StopLoss,
			Status: types.OrderPending, IdempotencyKey: stopKey(trade.ID),
			CreatedAt: now,
		},
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.SELL, OrderType: types.OrderTakeProfit,
			Qty: plan.Quantity, Price: plan.TakeProfit,
			Status: types.OrderPending, IdempotencyKey: takeKey(trade.ID),
			CreatedAt: now,
		},
	}
	if err := d.repo.CreateTradeWithOrders(ctx, trade, orders); err != nil {
		return nil, fmt.Errorf("dry-run entry persist: %w", err)
	}

	d.logger.Info("position opened",
		"symbol", trade.Symbol, "trade_id", trade.ID,
		"entry", trade.EntryPrice, "qty", trade.Quantity,
		"stop", trade.StopLoss, "take_profit", trade.TakeProfit)
	entryF, _ := trade.EntryPrice.Float64()
	qtyF, _ := trade.Quantity.Float64()
	if _, err := d.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.opened",
		Symbol: trade.Symbol, TradeID: trade.ID,
		Payload: map[string]any{
			"mode": string(trade.Mode), "entry_price": entryF, "quantity": qtyF,
		},
		PublicSafe: true,
	}); err != nil {
		d.logger.Error("emit trade.opened failed", "error", err)
	}
	emitOrderFilled(ctx, d.repo, d.logger, trade.Symbol, trade.ID,
		types.OrderMarket, types.BUY, trade.EntryPrice, trade.Quantity)
	return &Result{Trade: trade, Orders: orders}, nil
}

func (d *DryRun) idempotencyHit(ctx context.Context, trade *repo.Trade) (*Result, error) {
	orders, err := d.repo.OrdersForTrade(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("idempotency replay: %w", err)
	}
	d.logger.Warn("duplicate entry suppressed", "trade_id", trade.ID)
	if _, err := d.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelWarn, Type: "execution.idempotency_hit",
		Symbol: trade.Symbol, TradeID: trade.ID,
		Payload: map[string]any{"mode": string(trade.Mode)},
	}); err != nil {
		d.logger.Error("emit idempotency event failed", "error", err)
	}
	return &Result{Trade: trade, Orders: orders}, nil
}

func (d *DryRun) CheckExits(ctx context.Context, trade *repo.Trade, mark decimal.Decimal) (*ExitOutcome, error) {
	var exitPrice decimal.Decimal
	var reason types.ExitReason
	var filledType, cancelledType types.OrderType

	switch {
	case mark.LessThanOrEqual(trade.StopLoss):
		exitPrice = trade.StopLoss
		reason = exitReasonFor(trade)
		filledType, cancelledType = types.OrderStopLoss, types.OrderTakeProfit
	case mark.GreaterThanOrEqual(trade.TakeProfit):
		exitPrice = trade.TakeProfit
		reason = types.ExitTakeProfit
		filledType, cancelledType = types.OrderTakeProfit, types.OrderStopLoss
	default:
		return &ExitOutcome{}, nil
	}

	pnl := realizedPnL(trade, exitPrice)
	closedAt := d.clock.Now()
	if err := d.repo.CloseTrade(ctx, trade.ID, exitPrice, pnl, reason, closedAt); err != nil {
		if errors.Is(err, repo.ErrAlreadyClosed) {
			return &ExitOutcome{}, nil
		}
		return nil, fmt.Errorf("dry-run exit close: %w", err)
	}
	if err := d.settleExitOrders(ctx, trade.ID, filledType, cancelledType, exitPrice); err != nil {
		return nil, err
	}

	pnlF, _ := pnl.Float64()
	exitF, _ := exitPrice.Float64()
	d.logger.Info("position closed",
		"symbol", trade.Symbol, "trade_id", trade.ID,
		"reason", reason, "exit", exitF, "pnl_usd", pnlF)
	if _, err := d.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.closed",
		Symbol: trade.Symbol, TradeID: trade.ID,
		Payload: map[string]any{
			"reason": string(reason), "exit_price": exitF, "pnl_usd": pnlF,
		},
		PublicSafe: true,
	}); err != nil {
		d.logger.Error("emit trade.closed failed", "error", err)
	}
	emitOrderFilled(ctx, d.repo, d.logger, trade.Symbol, trade.ID,
		filledType, types.SELL, exitPrice, trade.Quantity)
	return &ExitOutcome{Exited: true, Reason: reason, ExitPrice: exitPrice, PnLUSD: pnl}, nil
}

// settleExitOrders fills the triggered exit order and cancels its sibling.
func (d *DryRun) settleExitOrders(ctx context.Context, tradeID string, filled, cancelled types.OrderType, exitPrice decimal.Decimal) error {
	orders, err := d.repo.OrdersForTrade(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("dry-run exit orders: %w", err)
	}
	now := d.clock.Now()
	for _, o := range orders {
		switch o.OrderType {
		case filled:
			if err := d.repo.SetOrderStatus(ctx, o.ID, types.OrderFilled, exitPrice, &now); err != nil {
				return fmt.Errorf("fill exit order: %w", err)
			}
		case cancelled:
			if err := d.repo.SetOrderStatus(ctx, o.ID, types.OrderCancelled, decimal.Zero, nil); err != nil {
				return fmt.Errorf("cancel sibling order: %w", err)
			}
		}
	}
	return nil
}
