// Package exchange provides market data and order placement against the
// trading venue.
//
// The Client interface is the engine's only view of the venue; the Binance
// implementation lives in binance.go and the executors consume it. Symbols
// throughout the engine use "BASE/QUOTE" notation and are converted to the
// venue's concatenated form at this boundary.
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quantsail/pkg/types"
)

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            types.Side
	Status          types.OrderStatus
	ExecutedQty     decimal.Decimal
	AvgFillPrice    decimal.Decimal
	CommissionUSD   decimal.Decimal
	TransactTime    time.Time
}

// Client is the venue contract used by the engine and the live executor.
type Client interface {
	// Candles fetches the most recent klines for a symbol, oldest first.
	Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	// OrderBook fetches a top-of-book snapshot at the given depth.
	OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)
	// PlaceMarketOrder submits a market order with the given client order id.
	// The id is the idempotency handle: the venue rejects duplicates.
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, clientOrderID string) (*OrderResult, error)
	// OpenOrders lists the venue's open orders for a symbol, used by the
	// startup reconciler.
	OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	// CancelOrder cancels one open order by client order id.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// VenueSymbol converts "BTC/USDT" to the venue's "BTCUSDT" form. Symbols
// already in venue form pass through unchanged.
func VenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}
