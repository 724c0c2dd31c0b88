package strategy

import (
	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/pkg/types"
)

// ClassifyRegime buckets recent market behavior using ADX and ATR%:
//
//	ADX >= adx_trend_threshold            → TRENDING
//	ATR% > atr_pct_volatile               → VOLATILE
//	ATR% < atr_pct_quiet                  → QUIET
//	otherwise                             → RANGING
//
// Insufficient data classifies as UNKNOWN, which the regime gate treats as
// allow.
func ClassifyRegime(candles []types.Candle, cfg config.RegimeConfig) types.Regime {
	need := 2*cfg.ADXPeriod + 1
	if cfg.ATRPeriod+1 > need {
		need = cfg.ATRPeriod + 1
	}
	if len(candles) < need {
		return types.RegimeUnknown
	}

	highs := types.Highs(candles)
	lows := types.Lows(candles)
	closes := types.Closes(candles)

	adx := indicators.Last(indicators.ADX(highs, lows, closes, cfg.ADXPeriod))
	atr := indicators.Last(indicators.ATR(highs, lows, closes, cfg.ATRPeriod))
	last := closes[len(closes)-1]
	if last <= 0 {
		return types.RegimeUnknown
	}
	atrPct := atr / last * 100

	if adx >= cfg.ADXTrendThreshold {
		return types.RegimeTrending
	}
	if atrPct > cfg.ATRPctVolatile {
		return types.RegimeVolatile
	}
	if atrPct < cfg.ATRPctQuiet {
		return types.RegimeQuiet
	}
	return types.RegimeRanging
}
