package strategy

import (
	"fmt"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/pkg/types"
)

// Trend votes ENTER_LONG when the fast EMA sits above the slow EMA and ADX
// confirms a trend is actually in force. Confidence scales with ADX, capped
// at ADX 50.
type Trend struct {
	cfg config.TrendConfig
}

func NewTrend(cfg config.TrendConfig) *Trend { return &Trend{cfg: cfg} }

func (t *Trend) Name() string { return NameTrend }

func (t *Trend) Evaluate(symbol string, candles []types.Candle, _ *types.OrderBook) (types.StrategyOutput, error) {
	need := t.cfg.EMASlow
	if 2*t.cfg.ADXPeriod+1 > need {
		need = 2*t.cfg.ADXPeriod + 1
	}
	if len(candles) < need {
		return hold(NameTrend, fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), need)), nil
	}

	closes := types.Closes(candles)
	fast := indicators.Last(indicators.EMA(closes, t.cfg.EMAFast))
	slow := indicators.Last(indicators.EMA(closes, t.cfg.EMASlow))
	adx := indicators.Last(indicators.ADX(types.Highs(candles), types.Lows(candles), closes, t.cfg.ADXPeriod))

	if fast <= slow {
		return hold(NameTrend, fmt.Sprintf("ema_fast %.4f <= ema_slow %.4f", fast, slow)), nil
	}
	if adx <= t.cfg.ADXThreshold {
		return hold(NameTrend, fmt.Sprintf("adx %.2f <= threshold %.2f", adx, t.cfg.ADXThreshold)), nil
	}

	conf := clamp01(adx / 50)
	return types.StrategyOutput{
		Name:       NameTrend,
		Signal:     types.EnterLong,
		Confidence: conf,
		Rationale:  fmt.Sprintf("ema_fast %.4f > ema_slow %.4f, adx %.2f", fast, slow, adx),
	}, nil
}
