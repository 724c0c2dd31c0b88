package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quantsail/pkg/types"
)

const (
	maxAttempts  = 3
	retryBackoff = 250 * time.Millisecond
)

// Binance is the spot REST client. All calls pass through a shared limiter
// sized well under Binance's request-weight budget, and transient failures
// are retried with jittered backoff.
type Binance struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBinance builds the client. Testnet routes all calls to the spot
// testnet, which is the only safe target for integration runs.
func NewBinance(apiKey, secret string, testnet bool, logger *slog.Logger) *Binance {
	binance.UseTestnet = testnet
	return &Binance{
		client:  binance.NewClient(apiKey, secret),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With("component", "exchange"),
	}
}

// retryable reports whether an error is worth another attempt. Binance API
// errors with 4xx-style codes are not: the request itself is wrong.
func retryable(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// -1003 is rate limiting, -1021 a timestamp drift; both recover.
		return apiErr.Code == -1003 || apiErr.Code == -1021
	}
	return true // network-level errors
}

// withRetry runs fn up to maxAttempts times with jittered backoff, pacing
// every attempt through the limiter.
func (b *Binance) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: limiter: %w", op, err)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			break
		}
		backoff := time.Duration(attempt)*retryBackoff + time.Duration(rand.Int63n(int64(retryBackoff)))
		b.logger.Warn("request failed, retrying",
			"op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (b *Binance) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	var klines []*binance.Kline
	err := b.withRetry(ctx, "klines "+symbol, func() error {
		var err error
		klines, err = b.client.NewKlinesService().
			Symbol(VenueSymbol(symbol)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(k *binance.Kline) (types.Candle, error) {
	var c types.Candle
	var err error
	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return c, fmt.Errorf("open: %w", err)
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return c, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return c, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return c, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return c, fmt.Errorf("volume: %w", err)
	}
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	return c, c.Validate()
}

func (b *Binance) OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	var res *binance.DepthResponse
	err := b.withRetry(ctx, "depth "+symbol, func() error {
		var err error
		res, err = b.client.NewDepthService().
			Symbol(VenueSymbol(symbol)).
			Limit(depth).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	book := &types.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, bid := range res.Bids {
		price, qty, err := bid.Parse()
		if err != nil {
			return nil, fmt.Errorf("depth %s bid: %w", symbol, err)
		}
		book.Bids = append(book.Bids, types.PriceLevel{
			Price: decimal.NewFromFloat(price), Qty: decimal.NewFromFloat(qty),
		})
	}
	for _, ask := range res.Asks {
		price, qty, err := ask.Parse()
		if err != nil {
			return nil, fmt.Errorf("depth %s ask: %w", symbol, err)
		}
		book.Asks = append(book.Asks, types.PriceLevel{
			Price: decimal.NewFromFloat(price), Qty: decimal.NewFromFloat(qty),
		})
	}
	if err := book.Validate(); err != nil {
		return nil, err
	}
	return book, nil
}

func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, clientOrderID string) (*OrderResult, error) {
	sideType := binance.SideTypeBuy
	if side == types.SELL {
		sideType = binance.SideTypeSell
	}

	// No retry wrapper here: a timed-out order may still have been accepted,
	// and re-submitting with the same client order id is the recovery path
	// the executor owns.
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("order %s: limiter: %w", clientOrderID, err)
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(VenueSymbol(symbol)).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, err)
	}

	out := &OrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", res.OrderID),
		ClientOrderID:   res.ClientOrderID,
		Symbol:          symbol,
		Side:            side,
		Status:          mapOrderStatus(res.Status),
		TransactTime:    time.UnixMilli(res.TransactTime).UTC(),
	}
	if res.ExecutedQuantity != "" {
		if out.ExecutedQty, err = decimal.NewFromString(res.ExecutedQuantity); err != nil {
			return nil, fmt.Errorf("order %s: executed qty: %w", clientOrderID, err)
		}
	}
	if price, commission, err := averageFill(res.Fills); err != nil {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, err)
	} else {
		out.AvgFillPrice = price
		out.CommissionUSD = commission
	}
	b.logger.Info("order placed",
		"symbol", symbol, "side", side, "qty", qty, "client_order_id", clientOrderID,
		"status", out.Status)
	return out, nil
}

// averageFill computes the quantity-weighted fill price and total commission
// across partial fills.
func averageFill(fills []*binance.Fill) (decimal.Decimal, decimal.Decimal, error) {
	var notional, qty, commission decimal.Decimal
	for _, f := range fills {
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("fill price: %w", err)
		}
		q, err := decimal.NewFromString(f.Quantity)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("fill qty: %w", err)
		}
		c, err := decimal.NewFromString(f.Commission)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("fill commission: %w", err)
		}
		notional = notional.Add(price.Mul(q))
		qty = qty.Add(q)
		commission = commission.Add(c)
	}
	if qty.IsZero() {
		return decimal.Zero, commission, nil
	}
	return notional.Div(qty), commission, nil
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	var orders []*binance.Order
	err := b.withRetry(ctx, "open orders "+symbol, func() error {
		var err error
		orders, err = b.client.NewListOpenOrdersService().
			Symbol(VenueSymbol(symbol)).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]OrderResult, 0, len(orders))
	for _, o := range orders {
		side := types.BUY
		if o.Side == binance.SideTypeSell {
			side = types.SELL
		}
		executed, err := decimal.NewFromString(o.ExecutedQuantity)
		if err != nil {
			return nil, fmt.Errorf("open order %d: executed qty: %w", o.OrderID, err)
		}
		out = append(out, OrderResult{
			ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
			ClientOrderID:   o.ClientOrderID,
			Symbol:          symbol,
			Side:            side,
			Status:          mapOrderStatus(o.Status),
			ExecutedQty:     executed,
			TransactTime:    time.UnixMilli(o.Time).UTC(),
		})
	}
	return out, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return b.withRetry(ctx, "cancel "+clientOrderID, func() error {
		_, err := b.client.NewCancelOrderService().
			Symbol(VenueSymbol(symbol)).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		return err
	})
}

func mapOrderStatus(s binance.OrderStatusType) types.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled, binance.OrderStatusTypePartiallyFilled:
		return types.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return types.OrderCancelled
	default:
		return types.OrderPending
	}
}
