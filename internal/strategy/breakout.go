package strategy

import (
	"fmt"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/pkg/types"
)

// Breakout votes ENTER_LONG when the close clears the previous Donchian high
// by more than an ATR-scaled filter, so marginal pokes above the channel do
// not fire. Confidence grows with the ATR-normalized distance above the level.
type Breakout struct {
	cfg config.BreakoutConfig
}

func NewBreakout(cfg config.BreakoutConfig) *Breakout { return &Breakout{cfg: cfg} }

func (b *Breakout) Name() string { return NameBreakout }

func (b *Breakout) Evaluate(symbol string, candles []types.Candle, _ *types.OrderBook) (types.StrategyOutput, error) {
	need := b.cfg.DonchianPeriod + 1
	if b.cfg.ATRPeriod+1 > need {
		need = b.cfg.ATRPeriod + 1
	}
	if len(candles) < need {
		return hold(NameBreakout, fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), need)), nil
	}

	highs := types.Highs(candles)
	lows := types.Lows(candles)
	closes := types.Closes(candles)

	upper, _ := indicators.Donchian(highs, lows, b.cfg.DonchianPeriod)
	atr := indicators.Last(indicators.ATR(highs, lows, closes, b.cfg.ATRPeriod))
	if atr <= 0 {
		return hold(NameBreakout, "atr unavailable"), nil
	}

	// Channel high as of the previous bar — the current bar must break it.
	prevHigh := upper[len(upper)-2]
	if prevHigh <= 0 {
		return hold(NameBreakout, "donchian channel not yet formed"), nil
	}
	level := prevHigh + atr*b.cfg.ATRFilter
	last := closes[len(closes)-1]

	if last <= level {
		return hold(NameBreakout, fmt.Sprintf("close %.4f below breakout level %.4f", last, level)), nil
	}

	conf := clamp01(0.5 + 0.5*(last-level)/atr)
	return types.StrategyOutput{
		Name:       NameBreakout,
		Signal:     types.EnterLong,
		Confidence: conf,
		Rationale:  fmt.Sprintf("close %.4f broke %.4f (donchian %.4f + %.2f x atr %.4f)", last, level, prevHigh, b.cfg.ATRFilter, atr),
	}, nil
}
