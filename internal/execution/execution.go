// Package execution turns approved trade plans into persisted trades and
// manages their exits.
//
// Two executors implement the same contract: DryRun simulates fills against
// the plan's own prices, Live places real orders on the venue. Both derive
// order idempotency keys deterministically from the trade id, so a crashed
// and restarted entry can never double-submit.
package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Result is a completed entry: the persisted trade and its orders.
type Result struct {
	Trade  *repo.Trade
	Orders []repo.Order
}

// ExitOutcome describes what CheckExits decided for one open trade.
type ExitOutcome struct {
	Exited    bool
	Reason    types.ExitReason
	ExitPrice decimal.Decimal
	PnLUSD    decimal.Decimal
}

// Executor is the entry/exit contract shared by dry-run and live.
type Executor interface {
	Mode() types.TradeMode
	// ExecuteEntry opens the position described by the plan. Calling it
	// twice with the same plan returns the original result without placing
	// anything new.
	ExecuteEntry(ctx context.Context, plan types.TradePlan) (*Result, error)
	// CheckExits evaluates the trade's stop and take-profit against the
	// mark price, closing the position when one is hit. Stop checks win
	// when a single bar crosses both levels.
	CheckExits(ctx context.Context, trade *repo.Trade, mark decimal.Decimal) (*ExitOutcome, error)
}

// Idempotency keys are derived from the trade id, one per order role.
func entryKey(tradeID string) string { return fmt.Sprintf("QS-%s-ENTRY", tradeID) }
func stopKey(tradeID string) string  { return fmt.Sprintf("QS-%s-STOP_LOSS", tradeID) }
func takeKey(tradeID string) string  { return fmt.Sprintf("QS-%s-TAKE_PROFIT", tradeID) }

// exitReasonFor distinguishes a ratcheted trailing stop from the original
// protective stop.
func exitReasonFor(trade *repo.Trade) types.ExitReason {
	if trade.TrailingEnabled && trade.StopLoss.GreaterThan(trade.InitialStop) {
		return types.ExitTrailingStop
	}
	return types.ExitStopLoss
}

// realizedPnL is (exit − entry) × qty for a long spot position.
func realizedPnL(trade *repo.Trade, exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(trade.EntryPrice).Mul(trade.Quantity)
}

// emitOrderFilled records a fill in the event log. Both executors call it for
// the entry market order and again for the exit order that closed the trade.
func emitOrderFilled(ctx context.Context, r *repo.Repository, logger *slog.Logger, symbol, tradeID string, orderType types.OrderType, side types.Side, price, qty decimal.Decimal) {
	priceF, _ := price.Float64()
	qtyF, _ := qty.Float64()
	if _, err := r.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "order.filled",
		Symbol: symbol, TradeID: tradeID,
		Payload: map[string]any{
			"order_type": string(orderType), "side": string(side),
			"price": priceF, "quantity": qtyF,
		},
		PublicSafe: true,
	}); err != nil {
		logger.Error("emit order.filled failed", "error", err)
	}
}
