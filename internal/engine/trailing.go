package engine

import (
	"github.com/shopspring/decimal"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// trailingStop proposes a new stop for an open long position, or (zero,
// false) when nothing changes. The stop only ever moves up: a candidate
// below the current stop is discarded.
func trailingStop(cfg config.TrailingStopConfig, trade *repo.Trade, candles []types.Candle, mark decimal.Decimal) (decimal.Decimal, bool) {
	if !cfg.Enabled || len(candles) == 0 {
		return decimal.Zero, false
	}

	entry, _ := trade.EntryPrice.Float64()
	markF, _ := mark.Float64()
	if entry <= 0 {
		return decimal.Zero, false
	}

	// Trailing arms only once the position is activation_pct in profit.
	if markF < entry*(1+cfg.ActivationPct/100) {
		return decimal.Zero, false
	}

	var candidate float64
	switch cfg.Method {
	case "atr":
		atr := lastATR(candles, cfg.ATRPeriod)
		if atr <= 0 {
			return decimal.Zero, false
		}
		candidate = markF - cfg.ATRMultiplier*atr
	case "chandelier":
		atr := lastATR(candles, cfg.ATRPeriod)
		if atr <= 0 {
			return decimal.Zero, false
		}
		candidate = highestHigh(candles, cfg.ATRPeriod) - cfg.ATRMultiplier*atr
	default: // percent
		candidate = markF * (1 - cfg.TrailPct/100)
	}

	newStop := decimal.NewFromFloat(candidate)
	if !newStop.GreaterThan(trade.StopLoss) {
		return decimal.Zero, false
	}
	return newStop, true
}

func lastATR(candles []types.Candle, period int) float64 {
	if period == 0 {
		period = 14
	}
	if len(candles) <= period {
		return 0
	}
	return indicators.Last(indicators.ATR(
		types.Highs(candles), types.Lows(candles), types.Closes(candles), period))
}

// highestHigh over the last n bars.
func highestHigh(candles []types.Candle, n int) float64 {
	if n <= 0 || n > len(candles) {
		n = len(candles)
	}
	highs := types.Highs(candles)
	max := highs[len(highs)-n]
	for _, h := range highs[len(highs)-n:] {
		if h > max {
			max = h
		}
	}
	return max
}
