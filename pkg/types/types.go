// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — candles,
// order books, signals, trade plans, and the enums that drive the per-symbol
// state machine. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order. The engine only opens long spot
// positions, so trades are always BUY; exit orders are SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TradeStatus is the lifecycle state of a trade row.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// TradeMode records which executor produced a trade.
type TradeMode string

const (
	ModeDryRun TradeMode = "DRY_RUN"
	ModeLive   TradeMode = "LIVE"
)

// OrderType enumerates the order kinds the executors manage.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderStopLoss   OrderType = "STOP_LOSS"
	OrderTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the lifecycle state of an order row.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// SignalAction is the decision produced by a strategy or the ensemble.
type SignalAction string

const (
	Hold      SignalAction = "HOLD"
	EnterLong SignalAction = "ENTER_LONG"
	Exit      SignalAction = "EXIT"
)

// Regime is the coarse market classification used by the regime filter.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
	RegimeQuiet    Regime = "QUIET"
	RegimeUnknown  Regime = "UNKNOWN" // insufficient data — treated as allow
)

// BotState is the control-plane lifecycle state shared between engine and API.
type BotState string

const (
	StateStopped       BotState = "STOPPED"
	StateArmed         BotState = "ARMED"
	StateRunning       BotState = "RUNNING"
	StatePausedEntries BotState = "PAUSED_ENTRIES"
)

// SymbolState is the per-symbol state machine position.
type SymbolState string

const (
	SymbolIdle         SymbolState = "IDLE"
	SymbolEval         SymbolState = "EVAL"
	SymbolEntryPending SymbolState = "ENTRY_PENDING"
	SymbolInPosition   SymbolState = "IN_POSITION"
	SymbolExitPending  SymbolState = "EXIT_PENDING"
)

// EventLevel is the severity attached to an event-log row.
type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// Role controls which private API surfaces a user may call.
type Role string

const (
	RoleOwner     Role = "OWNER"
	RoleCEO       Role = "CEO"
	RoleDeveloper Role = "DEVELOPER"
	RoleAdmin     Role = "ADMIN"
)

// ExitReason records which exit condition closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. All timestamps are UTC.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Validate checks the OHLC invariants: high bounds the bar from above,
// low from below, volume is non-negative.
func (c Candle) Validate() error {
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.High.LessThan(c.Low) {
		return fmt.Errorf("candle at %s: high %s below open/close/low", c.OpenTime.Format(time.RFC3339), c.High)
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("candle at %s: low %s above open/close", c.OpenTime.Format(time.RFC3339), c.Low)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle at %s: negative volume %s", c.OpenTime.Format(time.RFC3339), c.Volume)
	}
	return nil
}

// Closes extracts close prices as float64 for the indicator layer.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

// Highs extracts high prices as float64.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.High.Float64()
	}
	return out
}

// Lows extracts low prices as float64.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Low.Float64()
	}
	return out
}

// Volumes extracts volumes as float64.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Volume.Float64()
	}
	return out
}

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a point-in-time top-of-book snapshot for one symbol.
// Bids are sorted strictly descending, asks strictly ascending, and both
// sides carry at least one level.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Validate checks ordering and non-emptiness of both sides.
func (b OrderBook) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return fmt.Errorf("orderbook %s: both sides must have at least one level", b.Symbol)
	}
	for i := 1; i < len(b.Bids); i++ {
		if !b.Bids[i].Price.LessThan(b.Bids[i-1].Price) {
			return fmt.Errorf("orderbook %s: bids not strictly descending at level %d", b.Symbol, i)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if !b.Asks[i].Price.GreaterThan(b.Asks[i-1].Price) {
			return fmt.Errorf("orderbook %s: asks not strictly ascending at level %d", b.Symbol, i)
		}
	}
	return nil
}

// BestBid returns the top bid price.
func (b OrderBook) BestBid() decimal.Decimal { return b.Bids[0].Price }

// BestAsk returns the top ask price.
func (b OrderBook) BestAsk() decimal.Decimal { return b.Asks[0].Price }

// Spread returns bestAsk − bestBid.
func (b OrderBook) Spread() decimal.Decimal { return b.BestAsk().Sub(b.BestBid()) }

// Mid returns (bestBid + bestAsk) / 2.
func (b OrderBook) Mid() decimal.Decimal {
	return b.BestBid().Add(b.BestAsk()).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the spread relative to mid in basis points.
func (b OrderBook) SpreadBps() float64 {
	mid := b.Mid()
	if mid.IsZero() {
		return 0
	}
	bps, _ := b.Spread().Div(mid).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

// ————————————————————————————————————————————————————————————————————————
// Signals and trade plans
// ————————————————————————————————————————————————————————————————————————

// StrategyOutput is the vote of a single strategy for one symbol.
type StrategyOutput struct {
	Name       string       `json:"name"`
	Signal     SignalAction `json:"signal"`
	Confidence float64      `json:"confidence"` // [0, 1]
	Rationale  string       `json:"rationale"`
}

// Signal is the combined ensemble decision plus the votes that produced it.
type Signal struct {
	Symbol     string           `json:"symbol"`
	Action     SignalAction     `json:"action"`
	Confidence float64          `json:"confidence"` // [0, 1]
	Outputs    []StrategyOutput `json:"outputs"`
}

// TradePlan is the fully-priced entry proposal handed to the executor.
// TradeID is assigned before execution so idempotency keys can be derived
// deterministically from it.
type TradePlan struct {
	TradeID       string
	Symbol        string
	Side          Side
	EntryPrice    decimal.Decimal
	Quantity      decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	FeeUSD        decimal.Decimal
	SlippageUSD   decimal.Decimal // zero at proposal time; expected slippage is folded into FeeUSD
	SpreadCostUSD decimal.Decimal
	ProposedAt    time.Time
}

// Validate enforces the BUY-plan invariants: positive prices and quantity,
// stop below entry, take-profit above entry.
func (p TradePlan) Validate() error {
	if p.Side != BUY {
		return fmt.Errorf("plan %s: side must be BUY, got %s", p.TradeID, p.Side)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("plan %s: quantity must be > 0", p.TradeID)
	}
	if !p.EntryPrice.IsPositive() || !p.StopLoss.IsPositive() || !p.TakeProfit.IsPositive() {
		return fmt.Errorf("plan %s: all prices must be > 0", p.TradeID)
	}
	if !p.StopLoss.LessThan(p.EntryPrice) {
		return fmt.Errorf("plan %s: stop-loss %s must be below entry %s", p.TradeID, p.StopLoss, p.EntryPrice)
	}
	if !p.TakeProfit.GreaterThan(p.EntryPrice) {
		return fmt.Errorf("plan %s: take-profit %s must be above entry %s", p.TradeID, p.TakeProfit, p.EntryPrice)
	}
	return nil
}

// Notional returns entry price × quantity in USD.
func (p TradePlan) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// NetExpectedUSD is the profitability-gate figure:
// (TP − entry) × qty − fee − slippage − spread cost.
func (p TradePlan) NetExpectedUSD() decimal.Decimal {
	gross := p.TakeProfit.Sub(p.EntryPrice).Mul(p.Quantity)
	return gross.Sub(p.FeeUSD).Sub(p.SlippageUSD).Sub(p.SpreadCostUSD)
}

// EventDraft is an event before the repository assigns seq and id.
// Every component that observes something worth auditing emits one of these.
type EventDraft struct {
	Level      EventLevel
	Type       string // dotted, e.g. "gate.cooldown.rejected"
	Symbol     string
	TradeID    string
	Payload    map[string]any
	PublicSafe bool
}

// ————————————————————————————————————————————————————————————————————————
// Clock
// ————————————————————————————————————————————————————————————————————————

// Clock abstracts time.Now so tests can pin the tick clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// BaseAsset extracts the base asset from a "BASE/QUOTE" or "BASEUSDT" style
// symbol. Used by the correlation check.
func BaseAsset(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)]
		}
	}
	return symbol
}

// IsStablecoin reports whether a base asset is a stablecoin. Stablecoins are
// never counted as correlated with each other.
func IsStablecoin(base string) bool {
	switch base {
	case "USDT", "USDC", "BUSD", "DAI", "TUSD", "FDUSD":
		return true
	}
	return false
}
