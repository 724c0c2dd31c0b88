package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/internal/exchange"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Live places real market orders on the venue. Stops and take-profits are
// managed client-side: they exist as PENDING rows locally and are executed
// as market sells when CheckExits sees the level crossed.
type Live struct {
	repo   *repo.Repository
	client exchange.Client
	logger *slog.Logger
	clock  types.Clock
}

func NewLive(r *repo.Repository, client exchange.Client, logger *slog.Logger, clock types.Clock) *Live {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Live{repo: r, client: client, logger: logger.With("component", "executor", "mode", "live"), clock: clock}
}

func (l *Live) Mode() types.TradeMode { return types.ModeLive }

func (l *Live) ExecuteEntry(ctx context.Context, plan types.TradePlan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("live entry: %w", err)
	}

	// A plan that already produced a trade is returned as-is, with no venue
	// call. This is the crash-replay path.
	if existing, err := l.repo.GetTrade(ctx, plan.TradeID); err == nil {
		orders, oerr := l.repo.OrdersForTrade(ctx, existing.ID)
		if oerr != nil {
			return nil, fmt.Errorf("idempotency replay: %w", oerr)
		}
		l.logger.Warn("duplicate entry suppressed", "trade_id", existing.ID)
		if _, err := l.repo.Emit(ctx, types.EventDraft{
			Level: types.LevelWarn, Type: "execution.idempotency_hit",
			Symbol: existing.Symbol, TradeID: existing.ID,
			Payload: map[string]any{"mode": string(existing.Mode)},
		}); err != nil {
			l.logger.Error("emit idempotency event failed", "error", err)
		}
		return &Result{Trade: existing, Orders: orders}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("live entry lookup: %w", err)
	}

	res, err := l.client.PlaceMarketOrder(ctx, plan.Symbol, types.BUY, plan.Quantity, entryKey(plan.TradeID))
	if err != nil {
		l.emitExecutionError(ctx, plan.Symbol, plan.TradeID, "entry", err)
		return nil, fmt.Errorf("live entry order: %w", err)
	}

	// Prefer the venue's fill over the plan's reference price.
	entryPrice := plan.EntryPrice
	if res.AvgFillPrice.IsPositive() {
		entryPrice = res.AvgFillPrice
	}
	qty := plan.Quantity
	if res.ExecutedQty.IsPositive() {
		qty = res.ExecutedQty
	}

	now := l.clock.Now()
	trade := &repo.Trade{
		ID:          plan.TradeID,
		Symbol:      plan.Symbol,
		Side:        types.BUY,
		Status:      types.TradeOpen,
		Mode:        types.ModeLive,
		EntryPrice:  entryPrice,
		Quantity:    qty,
		NotionalUSD: entryPrice.Mul(qty),
		OpenedAt:    now,
		StopLoss:    plan.StopLoss,
		InitialStop: plan.StopLoss,
		TakeProfit:  plan.TakeProfit,
		FeesUSD:     res.CommissionUSD,
		SlippageUSD: entryPrice.Sub(plan.EntryPrice).Abs().Mul(qty),
	}
	orders := []repo.Order{
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.BUY, OrderType: types.OrderMarket,
			Qty: qty, Price: plan.EntryPrice,
			FilledQty: qty, FilledPrice: entryPrice,
			Status: types.OrderFilled, ExchangeOrderID: res.ExchangeOrderID,
			IdempotencyKey: entryKey(trade.ID), CreatedAt: now, FilledAt: &now,
		},
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.SELL, OrderType: types.OrderStopLoss,
			Qty: qty, Price: plan.StopLoss,
			Status: types.OrderPending, IdempotencyKey: stopKey(trade.ID),
			CreatedAt: now,
		},
		{
			ID: uuid.NewString(), TradeID: trade.ID, Symbol: trade.Symbol,
			Side: types.SELL, OrderType: types.OrderTakeProfit,
			Qty: qty, Price: plan.TakeProfit,
			Status: types.OrderPending, IdempotencyKey: takeKey(trade.ID),
			CreatedAt: now,
		},
	}
	if err := l.repo.CreateTradeWithOrders(ctx, trade, orders); err != nil {
		// The venue order went through but persistence failed; the
		// reconciler picks this up on the next startup via the client
		// order id.
		l.emitExecutionError(ctx, plan.Symbol, plan.TradeID, "persist", err)
		return nil, fmt.Errorf("live entry persist: %w", err)
	}

	entryF, _ := entryPrice.Float64()
	qtyF, _ := qty.Float64()
	l.logger.Info("position opened",
		"symbol", trade.Symbol, "trade_id", trade.ID, "entry", entryF, "qty", qtyF)
	if _, err := l.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.opened",
		Symbol: trade.Symbol, TradeID: trade.ID,
		Payload: map[string]any{
			"mode": string(trade.Mode), "entry_price": entryF, "quantity": qtyF,
		},
		PublicSafe: true,
	}); err != nil {
		l.logger.Error("emit trade.opened failed", "error", err)
	}
	emitOrderFilled(ctx, l.repo, l.logger, trade.Symbol, trade.ID,
		types.OrderMarket, types.BUY, entryPrice, qty)
	return &Result{Trade: trade, Orders: orders}, nil
}

func (l *Live) CheckExits(ctx context.Context, trade *repo.Trade, mark decimal.Decimal) (*ExitOutcome, error) {
	var reason types.ExitReason
	var clientOrderID string
	var level decimal.Decimal
	var filledType, cancelledType types.OrderType

	switch {
	case mark.LessThanOrEqual(trade.StopLoss):
		reason = exitReasonFor(trade)
		clientOrderID = stopKey(trade.ID)
		level = trade.StopLoss
		filledType, cancelledType = types.OrderStopLoss, types.OrderTakeProfit
	case mark.GreaterThanOrEqual(trade.TakeProfit):
		reason = types.ExitTakeProfit
		clientOrderID = takeKey(trade.ID)
		level = trade.TakeProfit
		filledType, cancelledType = types.OrderTakeProfit, types.OrderStopLoss
	default:
		return &ExitOutcome{}, nil
	}

	res, err := l.client.PlaceMarketOrder(ctx, trade.Symbol, types.SELL, trade.Quantity, clientOrderID)
	if err != nil {
		l.emitExecutionError(ctx, trade.Symbol, trade.ID, "exit", err)
		return nil, fmt.Errorf("live exit order: %w", err)
	}
	exitPrice := level
	if res.AvgFillPrice.IsPositive() {
		exitPrice = res.AvgFillPrice
	}

	pnl := realizedPnL(trade, exitPrice)
	closedAt := l.clock.Now()
	if err := l.repo.CloseTrade(ctx, trade.ID, exitPrice, pnl, reason, closedAt); err != nil {
		if errors.Is(err, repo.ErrAlreadyClosed) {
			return &ExitOutcome{}, nil
		}
		return nil, fmt.Errorf("live exit close: %w", err)
	}

	orders, err := l.repo.OrdersForTrade(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("live exit orders: %w", err)
	}
	for _, o := range orders {
		switch o.OrderType {
		case filledType:
			if err := l.repo.SetOrderStatus(ctx, o.ID, types.OrderFilled, exitPrice, &closedAt); err != nil {
				return nil, fmt.Errorf("fill exit order: %w", err)
			}
		case cancelledType:
			if err := l.repo.SetOrderStatus(ctx, o.ID, types.OrderCancelled, decimal.Zero, nil); err != nil {
				return nil, fmt.Errorf("cancel sibling order: %w", err)
			}
		}
	}

	pnlF, _ := pnl.Float64()
	exitF, _ := exitPrice.Float64()
	l.logger.Info("position closed",
		"symbol", trade.Symbol, "trade_id", trade.ID, "reason", reason, "pnl_usd", pnlF)
	if _, err := l.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.closed",
		Symbol: trade.Symbol, TradeID: trade.ID,
		Payload: map[string]any{
			"reason": string(reason), "exit_price": exitF, "pnl_usd": pnlF,
		},
		PublicSafe: true,
	}); err != nil {
		l.logger.Error("emit trade.closed failed", "error", err)
	}
	emitOrderFilled(ctx, l.repo, l.logger, trade.Symbol, trade.ID,
		filledType, types.SELL, exitPrice, trade.Quantity)
	return &ExitOutcome{Exited: true, Reason: reason, ExitPrice: exitPrice, PnLUSD: pnl}, nil
}

func (l *Live) emitExecutionError(ctx context.Context, symbol, tradeID, stage string, cause error) {
	l.logger.Error("execution failed", "symbol", symbol, "trade_id", tradeID, "stage", stage, "error", cause)
	if _, err := l.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelError, Type: "error.execution",
		Symbol: symbol, TradeID: tradeID,
		Payload: map[string]any{"stage": stage, "error": cause.Error()},
	}); err != nil {
		l.logger.Error("emit error.execution failed", "error", err)
	}
}
