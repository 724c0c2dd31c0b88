package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"quantsail/internal/exchange"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Reconciler compares local open trades against the venue's open orders on
// startup, so a crash between order placement and persistence (or vice
// versa) is surfaced before the engine starts ticking.
type Reconciler struct {
	repo   *repo.Repository
	client exchange.Client
	logger *slog.Logger
}

func NewReconciler(r *repo.Repository, client exchange.Client, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: r, client: client, logger: logger.With("component", "reconciler")}
}

// Run walks every symbol with a local open trade, lists the venue's open
// orders there, and flags orders on either side that the other side does not
// know about. It never mutates: mismatches are reported for the operator.
func (r *Reconciler) Run(ctx context.Context) error {
	open, err := r.repo.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if _, err := r.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "reconcile.started",
		Payload: map[string]any{"open_trades": len(open)},
	}); err != nil {
		r.logger.Error("emit reconcile.started failed", "error", err)
	}

	bySymbol := make(map[string][]repo.Trade)
	for _, tr := range open {
		bySymbol[tr.Symbol] = append(bySymbol[tr.Symbol], tr)
	}

	var mismatches int
	for symbol, trades := range bySymbol {
		n, err := r.reconcileSymbol(ctx, symbol, trades)
		if err != nil {
			r.logger.Error("symbol reconcile failed", "symbol", symbol, "error", err)
			continue
		}
		mismatches += n
	}

	r.logger.Info("reconcile completed", "symbols", len(bySymbol), "mismatches", mismatches)
	if _, err := r.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "reconcile.completed",
		Payload: map[string]any{"symbols": len(bySymbol), "mismatches": mismatches},
	}); err != nil {
		r.logger.Error("emit reconcile.completed failed", "error", err)
	}
	return nil
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, symbol string, trades []repo.Trade) (int, error) {
	venueOrders, err := r.client.OpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	for _, tr := range trades {
		orders, err := r.repo.OrdersForTrade(ctx, tr.ID)
		if err != nil {
			return 0, err
		}
		for _, o := range orders {
			known[o.IdempotencyKey] = true
		}
	}

	// Venue orders carrying our client-id prefix that we have no row for.
	var unknown []string
	for _, vo := range venueOrders {
		if strings.HasPrefix(vo.ClientOrderID, "QS-") && !known[vo.ClientOrderID] {
			unknown = append(unknown, vo.ClientOrderID)
		}
	}

	if _, err := r.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "reconcile.symbol",
		Symbol: symbol,
		Payload: map[string]any{
			"local_open_trades": len(trades),
			"venue_open_orders": len(venueOrders),
			"unknown_orders":    unknown,
		},
	}); err != nil {
		r.logger.Error("emit reconcile.symbol failed", "error", err)
	}
	if len(unknown) > 0 {
		r.logger.Warn("venue orders with no local record", "symbol", symbol, "orders", unknown)
	}
	return len(unknown), nil
}
